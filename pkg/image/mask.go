package image

import "sync/atomic"

const maskWords = NumSlices / 64

// Mask is a 256-bit completion bitmap, one bit per slice. Bits only
// ever transition 0 to 1: Set is idempotent and a set bit is never
// cleared. Reads and writes are safe for concurrent use and do
// not require an external lock, so a Mask can be read by a progress
// reporter while the fetch engine is still setting bits.
//
// Not every image populates all 256 slices: an image with fewer
// blocks than NumSlices only ever sets the bits for the slices
// SliceOf actually assigns it. total records how many distinct
// slices this particular image uses (stored as total+1, so the zero
// value of the field means "unknown" rather than "zero slices"), so
// Full can recognize completion of a small or even empty image
// instead of waiting for all 256 bits. A bare Mask not built via
// NewMask has no known total and Full falls back to requiring all
// 256 bits set.
type Mask struct {
	words      [maskWords]atomic.Uint64
	totalPlus1 atomic.Uint32
}

// NewMask returns a Mask that considers itself Full once total
// distinct slices are set, rather than requiring all 256.
func NewMask(total int) *Mask {
	m := &Mask{}
	m.totalPlus1.Store(uint32(total) + 1)
	return m
}

// Set marks slice as complete. Safe to call more than once for the
// same slice.
func (m *Mask) Set(slice uint8) {
	word := slice / 64
	bit := uint64(1) << (slice % 64)
	for {
		old := m.words[word].Load()
		if old&bit != 0 {
			return
		}
		if m.words[word].CompareAndSwap(old, old|bit) {
			return
		}
	}
}

// IsSet reports whether slice has been marked complete.
func (m *Mask) IsSet(slice uint8) bool {
	word := slice / 64
	bit := uint64(1) << (slice % 64)
	return m.words[word].Load()&bit != 0
}

// Count returns the number of complete slices.
func (m *Mask) Count() int {
	n := 0
	for i := range m.words {
		w := m.words[i].Load()
		for w != 0 {
			w &= w - 1
			n++
		}
	}
	return n
}

// Full reports whether every slice this image uses is marked
// complete. If the mask was not constructed with NewMask, it falls
// back to requiring all 256 bits set.
func (m *Mask) Full() bool {
	if totalPlus1 := m.totalPlus1.Load(); totalPlus1 != 0 {
		return m.Count() == int(totalPlus1-1)
	}
	return m.Count() == NumSlices
}

// Snapshot returns the mask's 256 bits as four uint64 words: bit j of
// word i is slice 64*i+j. Suitable for embedding in a wire
// notification.
func (m *Mask) Snapshot() [maskWords]uint64 {
	var out [maskWords]uint64
	for i := range m.words {
		out[i] = m.words[i].Load()
	}
	return out
}
