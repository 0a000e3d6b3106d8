// Package metastore is the Image Lifecycle Driver's metadata
// collaborator: it durably records which virtual paths are committed
// or aborted, and advises the driver of any already-local file that
// can be hardlinked into a new staging directory instead of being
// fetched over the network.
package metastore

import (
	"context"

	"github.com/doytsujin/ciruela/pkg/image"
)

// HardlinkSource names a whole file, already present on local disk at
// SourcePath, whose content is known to satisfy FilePath within the
// image currently being staged.
type HardlinkSource struct {
	FilePath   string
	SourcePath string
}

// Store is the metadata collaborator the driver calls at each
// lifecycle transition. Implementations must be safe for concurrent
// use: multiple images may commit or abort at the same time.
type Store interface {
	// DirCommitted records that path now holds a durable, committed
	// image.
	DirCommitted(ctx context.Context, path string) error
	// DirAborted records that tracking of path was given up.
	DirAborted(ctx context.Context, path string) error
	// FilesToHardlink returns local files already known to satisfy
	// part of idx, so the driver can hardlink them into staging
	// instead of fetching their blocks. A nil slice is a valid answer
	// meaning no local dedup candidates are known.
	FilesToHardlink(ctx context.Context, path string, idx *image.Index) ([]HardlinkSource, error)
}
