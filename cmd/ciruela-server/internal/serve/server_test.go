package serve

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/doytsujin/ciruela/pkg/image"
	"github.com/doytsujin/ciruela/pkg/signing"
	"github.com/doytsujin/ciruela/pkg/wire"
)

func newTestServer(t *testing.T, kr signing.Keyring) *Server {
	t.Helper()
	root := t.TempDir()
	s, err := New(Config{
		ListenAddr:    "127.0.0.1:0",
		CommittedRoot: filepath.Join(root, "committed"),
		StagingRoot:   filepath.Join(root, "staging"),
		MetaPath:      filepath.Join(root, "meta.json"),
		MachineID:     "m1",
		Hostname:      "host1",
		Keyring:       kr,
		WriteWorkers:  2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestHandleAppendDirRejectsUnsignedRequest(t *testing.T) {
	s := newTestServer(t, signing.Keyring{})
	req, _ := wire.Encode(wire.KindAppendDir, 1, &wire.AppendDirRequest{
		ImageID:   image.HashBytes([]byte("x")),
		Timestamp: 1000,
		Path:      "apps/foo",
	})
	resp := s.handleAppendDir(context.Background(), req)
	var dr wire.DirResponse
	if err := resp.Decode(&dr); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dr.Accepted {
		t.Fatal("expected an unsigned request to be rejected")
	}
}

func TestHandleAppendDirAcceptsValidSignature(t *testing.T) {
	id, err := signing.LoadFromFile(writeIdentityFile(t))
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	kr := signing.Keyring{id.Name: id.PublicKey()}
	s := newTestServer(t, kr)

	imgID := image.HashBytes([]byte("x"))
	sig := id.Sign("apps/foo", imgID, 1000)
	req, _ := wire.Encode(wire.KindAppendDir, 1, &wire.AppendDirRequest{
		ImageID:    imgID,
		Timestamp:  1000,
		Path:       "apps/foo",
		Signatures: []wire.Signature{sig},
	})
	resp := s.handleAppendDir(context.Background(), req)
	var dr wire.DirResponse
	if err := resp.Decode(&dr); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !dr.Accepted {
		t.Fatal("expected a validly signed request to be accepted")
	}
}

func TestHandleReplaceDirRejectsOlderTimestamp(t *testing.T) {
	id, err := signing.LoadFromFile(writeIdentityFile(t))
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	kr := signing.Keyring{id.Name: id.PublicKey()}
	s := newTestServer(t, kr)

	imgID := image.HashBytes([]byte("x"))
	sendReplace := func(ts int64) bool {
		sig := id.Sign("apps/foo", imgID, ts)
		req, _ := wire.Encode(wire.KindReplaceDir, 1, &wire.ReplaceDirRequest{
			ImageID:    imgID,
			Timestamp:  ts,
			Path:       "apps/foo",
			Signatures: []wire.Signature{sig},
		})
		resp := s.handleReplaceDir(context.Background(), req)
		var dr wire.DirResponse
		resp.Decode(&dr)
		return dr.Accepted
	}

	if !sendReplace(2000) {
		t.Fatal("expected first replace to be accepted")
	}
	if sendReplace(1000) {
		t.Fatal("expected an older-timestamped replace to be rejected")
	}
	if !sendReplace(3000) {
		t.Fatal("expected a newer-timestamped replace to be accepted")
	}
}

func TestHandleGetBaseDirOnMissingDirReturnsEmpty(t *testing.T) {
	s := newTestServer(t, signing.Keyring{})
	req, _ := wire.Encode(wire.KindGetBaseDir, 1, &wire.GetBaseDirRequest{Path: "apps/nonexistent"})
	resp := s.handleGetBaseDir(req)
	var br wire.GetBaseDirResponse
	if err := resp.Decode(&br); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(br.Dirs) != 0 {
		t.Fatalf("expected no entries, got %d", len(br.Dirs))
	}
}

func TestHandleGetBaseDirListsEntries(t *testing.T) {
	s := newTestServer(t, signing.Keyring{})
	dir := filepath.Join(s.cfg.CommittedRoot, "apps/foo")
	if err := os.MkdirAll(filepath.Join(dir, "v1"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	req, _ := wire.Encode(wire.KindGetBaseDir, 1, &wire.GetBaseDirRequest{Path: "apps/foo"})
	resp := s.handleGetBaseDir(req)
	var br wire.GetBaseDirResponse
	if err := resp.Decode(&br); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(br.Dirs) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(br.Dirs))
	}
}

func writeIdentityFile(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "identity")
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}
