// Package upload implements the client-side Upload Progress Tracker:
// for one cluster's resolved addresses, it aggregates the per-peer
// acknowledgments of a placement request into a single completion
// event. The requests themselves are sent by package uploadclient.
package upload

import (
	"sync"
)

// Tracker is the per-cluster aggregation state described by the
// upload progress model: which hosts have confirmed receipt, which
// addresses we are still waiting on, and which addresses errored out
// before confirming.
type Tracker struct {
	mu sync.Mutex

	started      bool
	hostsDone    map[string]string // machine_id -> hostname
	ipsNeeded    map[string]struct{}
	idsNeeded    map[string]string // machine_id -> hostname, reported by a directly-contacted peer
	hostsErrored map[string]struct{}
	anyAccepted  bool

	doneOnce sync.Once
	done     chan struct{}
}

// NewTracker returns a Tracker that will wait for a ReceivedImage (or
// closed-connection) event from each of addrs before firing complete.
func NewTracker(addrs []string) *Tracker {
	t := &Tracker{
		started:      true,
		hostsDone:    make(map[string]string),
		ipsNeeded:    make(map[string]struct{}, len(addrs)),
		idsNeeded:    make(map[string]string),
		hostsErrored: make(map[string]struct{}),
		done:         make(chan struct{}),
	}
	for _, a := range addrs {
		t.ipsNeeded[a] = struct{}{}
	}
	if len(addrs) == 0 {
		t.fire()
	}
	return t
}

// Done is closed exactly once, when every needed address has either
// confirmed receipt or errored out.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

func (t *Tracker) fire() {
	t.doneOnce.Do(func() {
		close(t.done)
	})
}

// Accepted records that addr's server accepted the placement request
// (accepted=true in its DirResponse). Required for overall success.
func (t *Tracker) Accepted(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.anyAccepted = true
}

// Rejected records that addr's server rejected the placement request
// and removes addr from the set we're waiting on.
func (t *Tracker) Rejected(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ipsNeeded, addr)
	t.hostsErrored[addr] = struct{}{}
	if len(t.ipsNeeded) == 0 {
		t.fire()
	}
}

// ReceivedImage records a ReceivedImage notification from machineID
// (reachable at hostname), delivered directly by the peer at addr. If
// forwarded is false, addr is removed from the set we're still
// waiting on: a forwarded notification reports someone else's
// completion and does not retire the directly-contacted peer.
func (t *Tracker) ReceivedImage(addr, machineID, hostname string, forwarded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hostsDone[machineID] = hostname
	if !forwarded {
		delete(t.ipsNeeded, addr)
	}
	if len(t.ipsNeeded) == 0 {
		t.fire()
	}
}

// ConnectionClosed records that addr's connection closed before it
// confirmed receipt.
func (t *Tracker) ConnectionClosed(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, stillNeeded := t.ipsNeeded[addr]; !stillNeeded {
		return
	}
	delete(t.ipsNeeded, addr)
	t.hostsErrored[addr] = struct{}{}
	if len(t.ipsNeeded) == 0 {
		t.fire()
	}
}

// Success reports overall upload success: at least one address
// accepted the placement and no address ever errored out. Only
// meaningful after Done has fired.
func (t *Tracker) Success() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.anyAccepted && len(t.hostsErrored) == 0
}

// HostsDone returns a snapshot of machine ids that confirmed receipt,
// mapped to their hostnames.
func (t *Tracker) HostsDone() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.hostsDone))
	for k, v := range t.hostsDone {
		out[k] = v
	}
	return out
}
