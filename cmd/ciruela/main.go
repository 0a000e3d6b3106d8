// Command ciruela is the client-side CLI: it scans local directories
// into content-addressed images and places them on a cluster of
// ciruela-server daemons.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/doytsujin/ciruela/cmd/ciruela/internal/scancmd"
	"github.com/doytsujin/ciruela/cmd/ciruela/internal/synccmd"
)

const usage = `Usage: ciruela COMMAND [ARGS...]

Commands:
  sync   upload directories to a cluster of daemons
  scan   print the index hash and block layout of a local directory`

func main() {
	os.Exit(run(context.Background(), os.Args))
}

func run(ctx context.Context, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		return 1
	}
	switch args[1] {
	case "sync":
		return synccmd.Run(ctx, args[2:], os.Stderr, os.Stdout)
	case "scan":
		return scancmd.Run(args[2:], os.Stderr, os.Stdout)
	case "--help", "-h", "help":
		fmt.Fprintln(os.Stdout, usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "ciruela: unknown command %q\n\n%s\n", args[1], usage)
		return 1
	}
}
