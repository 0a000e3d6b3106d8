// Package registry tracks live peer connections and which images each
// one advertises, and answers the Block Fetch Engine's peer-selection
// queries. It holds no knowledge of any particular download's
// progress; callers supply the slice-scoped PeerFailures to filter
// against.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/doytsujin/ciruela/pkg/image"
	"github.com/doytsujin/ciruela/pkg/wire"
)

// Connection is the subset of peerconn.Conn the registry and its
// callers depend on. Kept as an interface so both can be tested
// without a real network connection.
type Connection interface {
	ID() uint64
	Address() string
	Advertises(id image.Hash) bool
	SendNotification(kind wire.Kind, body any) error
	Send(ctx context.Context, kind wire.Kind, body any) (*wire.Envelope, error)
	Done() <-chan struct{}
}

// Registry maintains the set of currently connected peers and, for
// each, a mutable set of advertised image ids populated by unsolicited
// publish-index notifications arriving on that connection.
type Registry struct {
	mu    sync.Mutex
	conns map[uint64]Connection

	// lastUsed supports a least-recently-used tie-break in
	// GetConnectionByMask. It is intentionally global rather than
	// per-slice: the spec only requires a deterministic tie-break,
	// not fairness across slices.
	lastUsed map[uint64]time.Time

	// everSource records, per image, every peer connection id that
	// has ever advertised it — including ones since disconnected.
	// reportedNoSource records peers that have explicitly told us
	// they have no source for that image (e.g. they aborted with
	// cluster_abort_no_file_source and forwarded that fact). Both
	// feed CheckStalled.
	everSource       map[image.Hash]map[uint64]struct{}
	reportedNoSource map[image.Hash]map[uint64]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		conns:            make(map[uint64]Connection),
		lastUsed:         make(map[uint64]time.Time),
		everSource:       make(map[image.Hash]map[uint64]struct{}),
		reportedNoSource: make(map[image.Hash]map[uint64]struct{}),
	}
}

// Add registers a newly accepted or dialed connection.
func (r *Registry) Add(c Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
}

// Remove drops a connection that has closed. Any image ids it is
// recorded as having advertised remain in everSource so CheckStalled
// can still see that this peer was once a candidate.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// MarkAdvertised records that peer has advertised id, in response to
// a PublishIndex notification. Call this from the dispatch layer, not
// from inside the registry's own lock.
func (r *Registry) MarkAdvertised(peer uint64, id image.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.everSource[id]
	if !ok {
		set = make(map[uint64]struct{})
		r.everSource[id] = set
	}
	set[peer] = struct{}{}
}

// MarkNoSource records that peer has told us it has no source for id.
func (r *Registry) MarkNoSource(peer uint64, id image.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.reportedNoSource[id]
	if !ok {
		set = make(map[uint64]struct{})
		r.reportedNoSource[id] = set
	}
	set[peer] = struct{}{}
}

// HasImageSource reports whether any currently connected peer
// advertises id.
func (r *Registry) HasImageSource(id image.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		if c.Advertises(id) {
			return true
		}
	}
	return false
}

// GetConnectionByMask returns a connected peer that advertises id and
// is not in failures' recent-failure set. sliceBit is reserved for a
// future extension that filters by advertised slice mask; today the
// registry only filters by advertised image. Ties are broken by
// least-recently chosen for this registry.
func (r *Registry) GetConnectionByMask(id image.Hash, sliceBit uint8, failures *PeerFailures) (Connection, bool) {
	_ = sliceBit
	r.mu.Lock()
	defer r.mu.Unlock()

	var best Connection
	var bestUsed time.Time
	for connID, c := range r.conns {
		if !c.Advertises(id) {
			continue
		}
		if failures != nil && failures.Contains(connID) {
			continue
		}
		used := r.lastUsed[connID]
		if best == nil || used.Before(bestUsed) {
			best = c
			bestUsed = used
		}
	}
	if best == nil {
		return nil, false
	}
	r.lastUsed[best.ID()] = time.Now()
	return best, true
}

// CheckStalled reports whether every peer that has ever advertised id
// is now either disconnected or has itself reported no source for it.
// A never-advertised image is not considered stalled by this method;
// the Index Fetcher's own unavailability handling covers that case.
func (r *Registry) CheckStalled(id image.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ever := r.everSource[id]
	if len(ever) == 0 {
		return false
	}
	noSource := r.reportedNoSource[id]
	for peer := range ever {
		if _, connected := r.conns[peer]; connected {
			if _, said := noSource[peer]; !said {
				return false
			}
		}
	}
	return true
}

// NotifyProgress broadcasts our possession of id to every connected
// peer. The wire protocol only advertises whole-image possession
// (PublishIndex), so a broadcast is only emitted once mask is
// complete; the Image Lifecycle Driver calls this once, after the
// image is durably committed to local storage, at which point mask
// is guaranteed full. Partial masks are tracked locally for the
// scheduler's own bookkeeping but are not part of the inter-daemon
// contract.
func (r *Registry) NotifyProgress(id image.Hash, mask *image.Mask, hasSource bool) {
	if !hasSource || mask == nil || !mask.Full() {
		return
	}
	r.Broadcast(wire.KindPublishIndex, &wire.PublishIndex{ImageID: id})
}

// PeersAdvertising returns a snapshot of every currently connected
// peer that advertises id.
func (r *Registry) PeersAdvertising(id image.Hash) []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Connection
	for _, c := range r.conns {
		if c.Advertises(id) {
			out = append(out, c)
		}
	}
	return out
}

// Broadcast sends body as kind to every currently connected peer,
// logging nothing on a per-peer send failure; a closed connection is
// cleaned up by its own read loop, not by the registry.
func (r *Registry) Broadcast(kind wire.Kind, body any) {
	r.mu.Lock()
	conns := make([]Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		_ = c.SendNotification(kind, body)
	}
}
