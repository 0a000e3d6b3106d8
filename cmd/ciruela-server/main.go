// Command ciruela-server is the replication daemon: it accepts peer
// connections, answers the peer RPC surface from local storage, and
// drives the tracking subsystem for every image placed on it.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/doytsujin/ciruela/cmd/ciruela-server/internal/serve"
	"github.com/doytsujin/ciruela/pkg/signing"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("ciruela-server", flag.ContinueOnError)

	listenAddr := fs.String("listen", ":24861", "address to accept peer connections on")
	committedRoot := fs.String("committed-root", "/var/lib/ciruela/committed", "root directory for durably committed images")
	stagingRoot := fs.String("staging-root", "/var/lib/ciruela/staging", "root directory for in-progress image staging")
	metaPath := fs.String("meta-path", "/var/lib/ciruela/meta.json", "path to the directory-state metadata file")
	machineID := fs.String("machine-id", "", "stable machine id (if unset, a random id is generated at every start and not persisted)")
	hostname := fs.String("hostname", "", "hostname reported in ReceivedImage notifications (defaults to os.Hostname)")
	keyringSpec := fs.String("keyring", "", "comma-separated signer=base64pubkey entries trusted for placement requests")
	writeWorkers := fs.Int("write-workers", 8, "number of concurrent disk-write workers")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	host := *hostname
	if host == "" {
		h, err := os.Hostname()
		if err != nil {
			fmt.Fprintf(os.Stderr, "ciruela-server: resolving hostname: %v\n", err)
			return 1
		}
		host = h
	}

	mid := *machineID
	if mid == "" {
		mid = uuid.NewString()
	}

	keyring, err := parseKeyring(*keyringSpec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ciruela-server: %v\n", err)
		return 1
	}

	srv, err := serve.New(serve.Config{
		ListenAddr:    *listenAddr,
		CommittedRoot: *committedRoot,
		StagingRoot:   *stagingRoot,
		MetaPath:      *metaPath,
		MachineID:     mid,
		Hostname:      host,
		Keyring:       keyring,
		WriteWorkers:  *writeWorkers,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ciruela-server: %v\n", err)
		return 1
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ciruela-server: %v\n", err)
		return 1
	}
	return 0
}

// parseKeyring parses "signer=base64pubkey,signer2=base64pubkey2" into
// a signing.Keyring. An empty spec yields an empty (deny-all) keyring.
func parseKeyring(spec string) (signing.Keyring, error) {
	kr := make(signing.Keyring)
	if spec == "" {
		return kr, nil
	}
	for _, entry := range strings.Split(spec, ",") {
		name, encoded, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --keyring entry %q, want signer=base64pubkey", entry)
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding public key for signer %q: %w", name, err)
		}
		if len(raw) != 32 {
			return nil, fmt.Errorf("public key for signer %q: want 32 bytes, got %d", name, len(raw))
		}
		kr[name] = raw
	}
	return kr, nil
}
