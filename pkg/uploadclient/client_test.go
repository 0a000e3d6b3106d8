package uploadclient

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/doytsujin/ciruela/pkg/clusterresolve"
	"github.com/doytsujin/ciruela/pkg/peerconn"
	"github.com/doytsujin/ciruela/pkg/scan"
	"github.com/doytsujin/ciruela/pkg/signing"
	"github.com/doytsujin/ciruela/pkg/wire"
)

// fakeDaemon accepts one connection, accepts any AppendDir/ReplaceDir
// request, and immediately reports ReceivedImage back on the same
// connection, mimicking the minimal daemon-side contract the client
// depends on.
type fakeDaemon struct {
	ln net.Listener
}

func startFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	d := &fakeDaemon{ln: ln}
	go d.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return d
}

func (d *fakeDaemon) acceptLoop() {
	for {
		nc, err := d.ln.Accept()
		if err != nil {
			return
		}
		h := &daemonHandler{}
		conn := peerconn.New(1, nc.RemoteAddr().String(), nc, h)
		h.conn = conn
	}
}

type daemonHandler struct {
	conn *peerconn.Conn
}

func (h *daemonHandler) HandleRequest(ctx context.Context, c *peerconn.Conn, req *wire.Envelope) *wire.Envelope {
	switch req.Kind {
	case wire.KindAppendDir, wire.KindReplaceDir:
		go func() {
			c.SendNotification(wire.KindReceivedImage, &wire.ReceivedImage{
				MachineID: "daemon-1",
				Hostname:  "daemon-host",
				Path:      "apps/foo",
				Forwarded: false,
			})
		}()
		resp, _ := wire.Encode(wire.KindAppendDirResponse, 0, &wire.DirResponse{
			Accepted: true,
			Hosts:    map[string]string{"daemon-1": "daemon-host"},
		})
		return resp
	case wire.KindGetIndex:
		resp, _ := wire.Encode(wire.KindGetIndexResponse, 0, &wire.GetIndexResponse{})
		return resp
	}
	return nil
}

func (h *daemonHandler) HandleNotification(c *peerconn.Conn, n *wire.Envelope) {}

func TestPushSucceedsAgainstAcceptingDaemon(t *testing.T) {
	daemon := startFakeDaemon(t)

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	idx, err := scan.Dir(root, 4)
	if err != nil {
		t.Fatalf("scan.Dir: %v", err)
	}

	_, priv, err := generateIdentity(t)
	if err != nil {
		t.Fatalf("generateIdentity: %v", err)
	}

	cluster := clusterresolve.Cluster{Name: "test", Addresses: []string{daemon.ln.Addr().String()}}
	p := Placement{Source: root, Dest: "apps/foo", Replace: false}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := Push(ctx, cluster, p, idx, 1000, []*signing.Identity{priv})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected Push to succeed, hosts done: %v", res.HostsDone)
	}
	if len(res.HostsDone) != 1 {
		t.Fatalf("expected 1 host done, got %d", len(res.HostsDone))
	}
}

func generateIdentity(t *testing.T) (string, *signing.Identity, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identity")
	seed := make([]byte, 64)
	for i := range seed {
		seed[i] = byte(i)
	}
	if err := os.WriteFile(path, seed, 0o600); err != nil {
		return "", nil, err
	}
	id, err := signing.LoadFromFile(path)
	return path, id, err
}
