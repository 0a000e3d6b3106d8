// Package indexfetch obtains and validates the index blob for an
// image from whichever connected peer claims to have it.
package indexfetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/doytsujin/ciruela/pkg/image"
	"github.com/doytsujin/ciruela/pkg/registry"
	"github.com/doytsujin/ciruela/pkg/wire"
)

// ErrUnavailable is returned when no currently connected peer
// advertises the requested image, or every such peer failed to serve
// it. Fetch does not wait for an advertising peer to appear. The
// Image Lifecycle Driver maps this to the cant_fetch_index abort
// reason.
var ErrUnavailable = errors.New("indexfetch: index unavailable")

// Fetcher obtains index blobs from a Registry's connected peers.
type Fetcher struct {
	reg *registry.Registry
}

// New returns a Fetcher drawing candidate peers from reg.
func New(reg *registry.Registry) *Fetcher {
	return &Fetcher{reg: reg}
}

// Fetch requests the index for id from any peer advertising it,
// trying each candidate in turn until one succeeds or all are
// exhausted.
func (f *Fetcher) Fetch(ctx context.Context, id image.Hash) (*image.Index, error) {
	peers := f.reg.PeersAdvertising(id)
	if len(peers) == 0 {
		return nil, ErrUnavailable
	}

	var lastErr error
	for _, peer := range peers {
		idx, err := fetchFrom(ctx, peer, id)
		if err == nil {
			return idx, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func fetchFrom(ctx context.Context, peer registry.Connection, id image.Hash) (*image.Index, error) {
	reply, err := peer.Send(ctx, wire.KindGetIndex, &wire.GetIndexRequest{ImageID: id})
	if err != nil {
		return nil, fmt.Errorf("requesting index from %s: %w", peer.Address(), err)
	}
	var resp wire.GetIndexResponse
	if err := reply.Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding index response from %s: %w", peer.Address(), err)
	}
	idx, err := image.ParseIndex(resp.Data, id)
	if err != nil {
		return nil, fmt.Errorf("parsing index from %s: %w", peer.Address(), err)
	}
	return idx, nil
}
