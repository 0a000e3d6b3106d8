// Package scancmd implements the debug-only "ciruela scan" companion
// command: it prints the index hash and per-file block layout for a
// local directory without uploading anything.
package scancmd

import (
	"flag"
	"fmt"
	"io"

	"github.com/doytsujin/ciruela/pkg/scan"
)

// Run implements the scan subcommand. args excludes the "scan" word.
func Run(args []string, stderr, stdout io.Writer) int {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var blockSize int64
	fs.Int64Var(&blockSize, "block-size", scan.DefaultBlockSize, "block size in bytes")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: ciruela scan [--block-size N] DIR")
		return 1
	}

	idx, err := scan.Dir(fs.Arg(0), blockSize)
	if err != nil {
		fmt.Fprintf(stderr, "ciruela scan: %v\n", err)
		return 1
	}
	id, err := idx.ID()
	if err != nil {
		fmt.Fprintf(stderr, "ciruela scan: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "image %s (%s), %d bytes, %d files, block size %d\n", id, id.Digest(), idx.TotalSize(), len(idx.Files), idx.BlockSize)
	for _, f := range idx.Files {
		fmt.Fprintf(stdout, "  %s\t%d bytes\t%d blocks\n", f.Path, f.Size, len(f.Blocks))
	}
	return 0
}
