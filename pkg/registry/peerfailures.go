package registry

import "sync"

// PeerFailures is a small multiset of peer connection ids with a
// recent-failure count, scoped to one slice of one download (each
// SliceState owns its own instance). It exists to avoid re-picking a
// peer that just failed to deliver a block for this specific slice;
// a peer's count here decays when that peer next succeeds for this
// same slice (Clear). A peer's standing in a different slice of the
// same image is tracked independently and is not reset by this.
type PeerFailures struct {
	mu     sync.Mutex
	counts map[uint64]int
}

// Fail records a failed delivery attempt from peer.
func (f *PeerFailures) Fail(peer uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = make(map[uint64]int)
	}
	f.counts[peer]++
}

// Contains reports whether peer has a recent recorded failure.
func (f *PeerFailures) Contains(peer uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[peer] > 0
}

// Clear drops peer's recent-failure count for this slice, used when
// that peer successfully delivers a block for it.
func (f *PeerFailures) Clear(peer uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counts, peer)
}
