package image

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// FileEntry describes one file in an Index: its path relative to the
// image root, its size, and the ordered per-block hashes that cover it.
type FileEntry struct {
	Path   string `cbor:"path"`
	Size   int64  `cbor:"size"`
	Blocks []Hash `cbor:"blocks"`
}

// Index is the parsed form of an image's manifest: a header with a
// fixed block size and an ordered sequence of file entries. Index.ID
// equals the content hash of Index.Serialize(), by invariant.
type Index struct {
	BlockSize int64       `cbor:"block_size"`
	Files     []FileEntry `cbor:"files"`
}

// Serialize renders the index to its canonical CBOR byte form. Two
// semantically equal indexes serialize to the same bytes, so ID is
// stable.
func (idx *Index) Serialize() ([]byte, error) {
	b, err := cborEncMode.Marshal(idx)
	if err != nil {
		return nil, fmt.Errorf("serializing index: %w", err)
	}
	return b, nil
}

// ID returns the content hash of the index's serialized form.
func (idx *Index) ID() (Hash, error) {
	b, err := idx.Serialize()
	if err != nil {
		return Hash{}, err
	}
	return HashBytes(b), nil
}

// ParseIndex parses a serialized index and validates it against the
// expected image id.
func ParseIndex(data []byte, want Hash) (*Index, error) {
	var idx Index
	if err := cbor.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parsing index: %w", err)
	}
	if idx.BlockSize <= 0 {
		return nil, fmt.Errorf("parsing index: invalid block size %d", idx.BlockSize)
	}
	got := HashBytes(data)
	if got != want {
		return nil, fmt.Errorf("index content hash mismatch: want %s, got %s", want, got)
	}
	return &idx, nil
}

// BlockPointer names one block of the image by its file path and byte
// offset, along with its declared content hash.
type BlockPointer struct {
	Hash   Hash
	Path   string
	Offset int64
	Length int64
}

// Blocks enumerates every block pointer of the index in a stable,
// deterministic order (file order, then block ordinal within file).
// The returned order also determines slice assignment, so it must be
// identical across every node holding this index.
func (idx *Index) Blocks() []BlockPointer {
	var out []BlockPointer
	ordinal := 0
	for _, f := range idx.Files {
		for i, h := range f.Blocks {
			offset := int64(i) * idx.BlockSize
			length := idx.BlockSize
			if remaining := f.Size - offset; remaining < length {
				length = remaining
			}
			out = append(out, BlockPointer{
				Hash:   h,
				Path:   f.Path,
				Offset: offset,
				Length: length,
			})
			ordinal++
		}
	}
	return out
}

// TotalSize returns the sum of every file's declared size.
func (idx *Index) TotalSize() int64 {
	var total int64
	for _, f := range idx.Files {
		total += f.Size
	}
	return total
}
