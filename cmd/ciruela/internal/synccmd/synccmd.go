// Package synccmd implements "ciruela sync": it scans each requested
// source directory once, resolves every cluster entry point, and pushes
// the resulting image to every resolved cluster in parallel, exiting
// with a status that reflects whether every push was accepted.
package synccmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/doytsujin/ciruela/pkg/clusterresolve"
	"github.com/doytsujin/ciruela/pkg/image"
	"github.com/doytsujin/ciruela/pkg/scan"
	"github.com/doytsujin/ciruela/pkg/signing"
	"github.com/doytsujin/ciruela/pkg/uploadclient"
)

// DefaultPort is the daemon's peer listen port when none is given.
const DefaultPort = 24861

// Run implements the sync subcommand. args excludes the "sync" word
// itself. It writes usage/errors to stderr and returns a process exit
// code, matching the CLI contract (0 success, 1 rejection/option
// error, 2 key-loading failure).
func Run(ctx context.Context, args []string, stderr, stdout io.Writer) int {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var multiple bool
	fs.BoolVar(&multiple, "multiple", false, "treat all entry points as a single cluster")
	fs.BoolVar(&multiple, "m", false, "shorthand for --multiple")

	var raw []rawPlacement
	fs.Var(&placementFlag{replace: false, values: &raw}, "append", "append SOURCE:DEST (sent to the daemon exactly like --append-weak; contents are not compared)")
	fs.Var(&placementFlag{replace: false, values: &raw}, "append-weak", "append SOURCE:DEST (skip if already exists, even if different)")
	fs.Var(&placementFlag{replace: true, values: &raw}, "replace", "replace SOURCE:DEST")

	var identityFiles stringSliceFlag
	fs.Var(&identityFiles, "i", "identity file (may be repeated)")
	var identityEnvVars stringSliceFlag
	fs.Var(&identityEnvVars, "k", "identity from environment variable (may be repeated)")

	var port int
	fs.IntVar(&port, "port", DefaultPort, "daemon peer port")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}
	entryPoints := fs.Args()

	if len(raw) == 0 {
		fmt.Fprintln(stderr, "ciruela sync: no --append/--append-weak/--replace operations given")
		return 1
	}
	if len(entryPoints) == 0 {
		fmt.Fprintln(stderr, "ciruela sync: no cluster entry points given")
		return 1
	}

	identities, err := loadIdentities(identityFiles, identityEnvVars)
	if err != nil {
		fmt.Fprintf(stderr, "ciruela sync: %v\n", err)
		return 2
	}

	clusters, err := clusterresolve.ResolveClusters(ctx, entryPoints, multiple, port)
	if err != nil {
		fmt.Fprintf(stderr, "ciruela sync: %v\n", err)
		return 1
	}

	placements := make([]uploadclient.Placement, 0, len(raw))
	for _, r := range raw {
		placements = append(placements, uploadclient.Placement{Source: r.source, Dest: r.dest, Replace: r.replace})
	}

	timestampMs := time.Now().UnixMilli()
	results, err := pushAll(ctx, clusters, placements, identities, timestampMs)
	if err != nil {
		fmt.Fprintf(stderr, "ciruela sync: %v\n", err)
		return 1
	}

	allOK := true
	for _, r := range results {
		status := "ok"
		if !r.Success {
			status = "rejected"
			allOK = false
		}
		fmt.Fprintf(stdout, "%s -> %s [%s]: %s (%d hosts confirmed)\n", r.Placement.Source, r.Placement.Dest, r.Cluster.Name, status, len(r.HostsDone))
	}
	if !allOK {
		return 1
	}
	return 0
}

// pushAll scans every placement's source once, then fans the scanned
// image out to every cluster concurrently, waiting for all pushes to
// complete before returning.
func pushAll(ctx context.Context, clusters []clusterresolve.Cluster, placements []uploadclient.Placement, identities []*signing.Identity, timestampMs int64) ([]uploadclient.Result, error) {
	type job struct {
		cluster   clusterresolve.Cluster
		placement uploadclient.Placement
	}

	indexes := make(map[string]*image.Index, len(placements))
	for _, p := range placements {
		idx, err := scan.Dir(p.Source, scan.DefaultBlockSize)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", p.Source, err)
		}
		indexes[p.Source] = idx
	}

	var jobs []job
	for _, p := range placements {
		for _, c := range clusters {
			jobs = append(jobs, job{cluster: c, placement: p})
		}
	}

	results := make([]uploadclient.Result, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			idx := indexes[j.placement.Source]
			res, err := uploadclient.Push(gctx, j.cluster, j.placement, idx, timestampMs, identities)
			if err != nil {
				return fmt.Errorf("pushing %s to cluster %s: %w", j.placement.Source, j.cluster.Name, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func loadIdentities(files, envVars []string) ([]*signing.Identity, error) {
	var identities []*signing.Identity
	for _, f := range files {
		id, err := signing.LoadFromFile(f)
		if err != nil {
			return nil, err
		}
		identities = append(identities, id)
	}
	for _, e := range envVars {
		id, err := signing.LoadFromEnv(e)
		if err != nil {
			return nil, err
		}
		identities = append(identities, id)
	}
	if len(identities) == 0 {
		id, err := signing.LoadDefault()
		if err != nil {
			return nil, fmt.Errorf("no -i/-k given and no default identity available: %w", err)
		}
		identities = append(identities, id)
	}
	if os.Getenv("CIRUELA_KEY") != "" {
		id, err := signing.LoadFromEnv("CIRUELA_KEY")
		if err == nil {
			identities = append(identities, id)
		}
	}
	return identities, nil
}
