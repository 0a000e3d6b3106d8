// Package tracking implements the daemon's tracking subsystem: the
// Progress Model, the Block Fetch Engine, and the Image Lifecycle
// Driver that together drive a committed placement intent to durable,
// verified local existence.
package tracking

import (
	"github.com/doytsujin/ciruela/pkg/image"
	"github.com/doytsujin/ciruela/pkg/registry"
)

// SliceState is one slice's scheduling state within a Downloading:
// the blocks still to be fetched, how many are currently in flight,
// and which peers have recently failed this slice.
type SliceState struct {
	Index      uint8
	Blocks     []image.BlockPointer
	InProgress int
	Failures   registry.PeerFailures
}

// PopFront removes and returns the block at the head of the deque.
func (s *SliceState) PopFront() (image.BlockPointer, bool) {
	if len(s.Blocks) == 0 {
		return image.BlockPointer{}, false
	}
	b := s.Blocks[0]
	s.Blocks = s.Blocks[1:]
	return b, true
}

// PushFront returns a block to the head of the deque, for a failed or
// mismatched delivery to be retried ahead of blocks not yet attempted.
func (s *SliceState) PushFront(b image.BlockPointer) {
	s.Blocks = append([]image.BlockPointer{b}, s.Blocks...)
}

// Downloading is the per-active-image state the engine drives to
// completion: the image being fetched, the virtual path it will
// occupy, and the ordered slices still needing work.
type Downloading struct {
	ImageID     image.Hash
	VirtualPath string
	Replacing   bool
	Mask        *image.Mask
	Index       *image.Index
	Slices      []*SliceState
}

// NewDownloading partitions idx's blocks into slices and constructs
// the Downloading that will drive them to completion. satisfied, if
// non-nil, reports whether a block pointer is already durably present
// locally (for example via a hardlink) and should be excluded from
// the fetch plan; a slice whose every block is satisfied this way is
// marked complete in mask immediately rather than being scheduled.
func NewDownloading(id image.Hash, vpath string, replacing bool, idx *image.Index, satisfied func(image.BlockPointer) bool) *Downloading {
	buckets := make(map[uint8]*SliceState)
	allSatisfied := make(map[uint8]bool)
	var order []uint8

	for ordinal, bp := range idx.Blocks() {
		slice := image.SliceOf(ordinal)
		if _, seen := allSatisfied[slice]; !seen {
			allSatisfied[slice] = true
			order = append(order, slice)
		}
		if satisfied != nil && satisfied(bp) {
			continue
		}
		allSatisfied[slice] = false
		ss, ok := buckets[slice]
		if !ok {
			ss = &SliceState{Index: slice}
			buckets[slice] = ss
		}
		ss.Blocks = append(ss.Blocks, bp)
	}

	d := &Downloading{
		ImageID:     id,
		VirtualPath: vpath,
		Replacing:   replacing,
		Mask:        image.NewMask(len(order)),
		Index:       idx,
	}
	for _, slice := range order {
		if allSatisfied[slice] {
			d.Mask.Set(slice)
			continue
		}
		d.Slices = append(d.Slices, buckets[slice])
	}
	return d
}
