// Package scan builds an image.Index from a local directory tree: it
// walks the tree, chunks each regular file into fixed-size blocks, and
// hashes each block, producing the same shape of index a daemon would
// fetch over the wire.
package scan

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/doytsujin/ciruela/pkg/image"
)

// DefaultBlockSize is used when a caller does not specify one.
const DefaultBlockSize = 128 * 1024

// Dir walks root and returns the image.Index describing its contents,
// using blockSize (or DefaultBlockSize, if zero) to chunk each file.
// Entries are sorted by path so the resulting index is deterministic
// regardless of the filesystem's directory-read order.
func Dir(root string, blockSize int64) (*image.Index, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	idx := &image.Index{BlockSize: blockSize}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walking %s: %w", path, err)
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("computing relative path for %s: %w", path, err)
		}
		entry, err := scanFile(path, filepath.ToSlash(rel), blockSize)
		if err != nil {
			return err
		}
		idx.Files = append(idx.Files, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(idx.Files, func(i, j int) bool {
		return idx.Files[i].Path < idx.Files[j].Path
	})
	return idx, nil
}

func scanFile(path, relPath string, blockSize int64) (image.FileEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.FileEntry{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return image.FileEntry{}, fmt.Errorf("stat %s: %w", path, err)
	}

	entry := image.FileEntry{Path: relPath, Size: info.Size()}
	buf := make([]byte, blockSize)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			entry.Blocks = append(entry.Blocks, image.HashBytes(buf[:n]))
		}
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return image.FileEntry{}, fmt.Errorf("reading %s: %w", path, err)
		}
	}
	return entry, nil
}
