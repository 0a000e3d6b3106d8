// Package staging implements the on-disk half of an image download: a
// uniquely named temporary directory is created and preallocated from
// the index, blocks are written at their (path, offset) as they
// arrive, and the whole tree is renamed into place atomically once
// every block has landed.
package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/doytsujin/ciruela/pkg/image"
)

// ErrAlreadyExists is returned by StartImage when the committed
// directory for this placement already exists locally. The driver
// treats this as success rather than failure.
var ErrAlreadyExists = errors.New("staging: committed directory already exists")

// Image is an opaque handle to a partially-written staging directory.
// It carries the parsed index so callers don't need to thread it
// through separately.
type Image struct {
	Index    *image.Index
	stageDir string
	finalDir string
}

// Store manages staging and committed directory roots for one daemon
// and owns the bounded worker pool that performs block writes.
type Store struct {
	stagingRoot string
	pool        *workerPool
}

// NewStore creates a Store rooted at stagingRoot (a scratch directory
// on the same filesystem as every committed root it will be asked to
// rename into, so commit can use a plain rename) with workers
// concurrent disk-write workers.
func NewStore(stagingRoot string, workers int) (*Store, error) {
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging root %s: %w", stagingRoot, err)
	}
	return &Store{
		stagingRoot: stagingRoot,
		pool:        newWorkerPool(workers),
	}, nil
}

// Close stops the write worker pool, waiting for queued writes to
// finish.
func (s *Store) Close() {
	s.pool.close()
}

// StartImage creates a staging directory and preallocates the file
// tree idx describes. finalDir is the directory the image will
// occupy once committed; if it already exists, StartImage returns
// ErrAlreadyExists and performs no further work.
func (s *Store) StartImage(idx *image.Index, finalDir string) (*Image, error) {
	if _, err := os.Stat(finalDir); err == nil {
		return nil, ErrAlreadyExists
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("checking final directory %s: %w", finalDir, err)
	}

	stageDir := filepath.Join(s.stagingRoot, uuid.NewString())
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}

	img := &Image{Index: idx, stageDir: stageDir, finalDir: finalDir}
	if err := preallocate(stageDir, idx); err != nil {
		os.RemoveAll(stageDir)
		return nil, fmt.Errorf("preallocating staging directory: %w", err)
	}
	return img, nil
}

func preallocate(stageDir string, idx *image.Index) error {
	for _, f := range idx.Files {
		full := filepath.Join(stageDir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", f.Path, err)
		}
		fh, err := os.Create(full)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", f.Path, err)
		}
		err = fh.Truncate(f.Size)
		closeErr := fh.Close()
		if err != nil {
			return fmt.Errorf("truncating file %s to %d bytes: %w", f.Path, f.Size, err)
		}
		if closeErr != nil {
			return fmt.Errorf("closing file %s: %w", f.Path, closeErr)
		}
	}
	return nil
}

// WriteBlock writes data at offset into filePath inside img,
// asynchronously on the Store's write worker pool. The returned
// channel receives exactly one error (nil on success) and is then
// closed; this is the "write future" the Block Fetch Engine's Writing
// state awaits.
func (s *Store) WriteBlock(img *Image, filePath string, offset int64, data []byte) <-chan error {
	full := filepath.Join(img.stageDir, filepath.FromSlash(filePath))
	return s.pool.submit(full, offset, data)
}

// CommitImage atomically renames the staging directory into its final
// location. After a successful return the directory is durable.
func (s *Store) CommitImage(img *Image) error {
	if err := os.MkdirAll(filepath.Dir(img.finalDir), 0o755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", img.finalDir, err)
	}
	if err := os.Rename(img.stageDir, img.finalDir); err != nil {
		return fmt.Errorf("committing %s: %w", img.finalDir, err)
	}
	return nil
}

// AbortImage performs best-effort removal of the staging directory.
// Called on any error path before commit.
func (s *Store) AbortImage(img *Image) {
	os.RemoveAll(img.stageDir)
}

// Hardlink replaces the preallocated, empty file at filePath inside
// img with a hardlink to sourcePath, an already-verified local copy
// of the same content. Used to satisfy whole files without fetching
// their blocks over the network.
func (s *Store) Hardlink(img *Image, filePath, sourcePath string) error {
	dst := filepath.Join(img.stageDir, filepath.FromSlash(filePath))
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing preallocated file %s: %w", filePath, err)
	}
	if err := os.Link(sourcePath, dst); err != nil {
		return fmt.Errorf("hardlinking %s from %s: %w", filePath, sourcePath, err)
	}
	return nil
}
