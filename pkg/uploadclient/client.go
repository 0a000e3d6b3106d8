// Package uploadclient drives one signed placement request against
// every address in a resolved cluster and aggregates the daemons'
// acknowledgments through an upload.Tracker.
package uploadclient

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/doytsujin/ciruela/pkg/clusterresolve"
	"github.com/doytsujin/ciruela/pkg/image"
	"github.com/doytsujin/ciruela/pkg/peerconn"
	"github.com/doytsujin/ciruela/pkg/signing"
	"github.com/doytsujin/ciruela/pkg/upload"
	"github.com/doytsujin/ciruela/pkg/wire"
)

// Placement is one --append/--append-weak/--replace operation parsed
// from the command line: upload the index rooted at Source to Dest on
// every target cluster.
type Placement struct {
	Source  string
	Dest    string
	Replace bool
}

// Result is the outcome of pushing one Placement to one cluster.
type Result struct {
	Cluster   clusterresolve.Cluster
	Placement Placement
	Success   bool
	HostsDone map[string]string
}

var connCounter atomic.Uint64

// Push pushes idx (already scanned from Placement.Source) to every
// address in cluster, signs the placement with every identity in
// identities, and blocks until the cluster's upload.Tracker fires or
// ctx is canceled. The client itself answers GetIndex/GetBlock for the
// pushed image, so the first daemon to accept the placement can pull
// straight from the uploading process before any other node has a
// copy.
func Push(ctx context.Context, cluster clusterresolve.Cluster, p Placement, idx *image.Index, timestampMs int64, identities []*signing.Identity) (Result, error) {
	imageID, err := idx.ID()
	if err != nil {
		return Result{}, fmt.Errorf("hashing index for %s: %w", p.Source, err)
	}

	tracker := upload.NewTracker(cluster.Addresses)
	sigs := make([]wire.Signature, 0, len(identities))
	for _, id := range identities {
		sigs = append(sigs, id.Sign(p.Dest, imageID, timestampMs))
	}

	for _, addr := range cluster.Addresses {
		addr := addr
		go pushOne(ctx, addr, p, idx, imageID, timestampMs, sigs, tracker)
	}

	select {
	case <-tracker.Done():
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	return Result{
		Cluster:   cluster,
		Placement: p,
		Success:   tracker.Success(),
		HostsDone: tracker.HostsDone(),
	}, nil
}

func pushOne(ctx context.Context, addr string, p Placement, idx *image.Index, imageID image.Hash, timestampMs int64, sigs []wire.Signature, tracker *upload.Tracker) {
	h := &clientHandler{addr: addr, tracker: tracker, sourceRoot: p.Source, idx: idx, imageID: imageID}
	id := connCounter.Add(1)
	conn, err := peerconn.Dial(ctx, id, addr, h)
	if err != nil {
		tracker.ConnectionClosed(addr)
		return
	}
	h.conn = conn
	go func() {
		<-conn.Done()
		tracker.ConnectionClosed(addr)
	}()

	if err := conn.SendNotification(wire.KindPublishIndex, &wire.PublishIndex{ImageID: imageID}); err != nil {
		tracker.ConnectionClosed(addr)
		return
	}

	kind := wire.KindAppendDir
	var body any = &wire.AppendDirRequest{
		ImageID:    imageID,
		Timestamp:  timestampMs,
		Path:       p.Dest,
		Signatures: sigs,
	}
	if p.Replace {
		kind = wire.KindReplaceDir
		body = &wire.ReplaceDirRequest{
			ImageID:    imageID,
			Timestamp:  timestampMs,
			Path:       p.Dest,
			Signatures: sigs,
		}
	}

	reply, err := conn.Send(ctx, kind, body)
	if err != nil {
		tracker.Rejected(addr)
		return
	}
	var resp wire.DirResponse
	if err := reply.Decode(&resp); err != nil {
		tracker.Rejected(addr)
		return
	}
	if !resp.Accepted {
		tracker.Rejected(addr)
		return
	}
	tracker.Accepted(addr)
}

// clientHandler serves GetIndex and GetBlock for the image currently
// being pushed, reading straight from the scanned source tree, and
// listens for the ReceivedImage/AbortedImage notifications a daemon
// emits as the placement propagates through its cluster.
type clientHandler struct {
	addr       string
	tracker    *upload.Tracker
	conn       *peerconn.Conn
	sourceRoot string
	idx        *image.Index
	imageID    image.Hash
}

func (h *clientHandler) HandleRequest(ctx context.Context, c *peerconn.Conn, req *wire.Envelope) *wire.Envelope {
	switch req.Kind {
	case wire.KindGetIndex:
		return h.handleGetIndex(req)
	case wire.KindGetBlock:
		return h.handleGetBlock(req)
	default:
		env, _ := wire.Encode(wire.KindErrorResponse, 0, &wire.ErrorResponse{
			Message: fmt.Sprintf("client does not serve %s", req.Kind),
		})
		return env
	}
}

func (h *clientHandler) handleGetIndex(req *wire.Envelope) *wire.Envelope {
	var msg wire.GetIndexRequest
	if err := req.Decode(&msg); err != nil || msg.ImageID != h.imageID {
		env, _ := wire.Encode(wire.KindErrorResponse, 0, &wire.ErrorResponse{Message: "unknown image"})
		return env
	}
	data, err := h.idx.Serialize()
	if err != nil {
		env, _ := wire.Encode(wire.KindErrorResponse, 0, &wire.ErrorResponse{Message: err.Error()})
		return env
	}
	resp, _ := wire.Encode(wire.KindGetIndexResponse, 0, &wire.GetIndexResponse{Data: data})
	return resp
}

func (h *clientHandler) handleGetBlock(req *wire.Envelope) *wire.Envelope {
	var msg wire.GetBlockRequest
	if err := req.Decode(&msg); err != nil || msg.Hint == nil {
		env, _ := wire.Encode(wire.KindErrorResponse, 0, &wire.ErrorResponse{Message: "get_block requires a hint"})
		return env
	}
	length := blockLength(h.idx, msg.Hint.FilePath, msg.Hint.Offset)
	path := filepath.Join(h.sourceRoot, filepath.FromSlash(msg.Hint.FilePath))
	data, err := readAt(path, msg.Hint.Offset, length)
	if err != nil {
		env, _ := wire.Encode(wire.KindErrorResponse, 0, &wire.ErrorResponse{Message: err.Error()})
		return env
	}
	resp, _ := wire.Encode(wire.KindGetBlockResponse, 0, &wire.GetBlockResponse{Data: data})
	return resp
}

func blockLength(idx *image.Index, filePath string, offset int64) int64 {
	for _, f := range idx.Files {
		if f.Path != filePath {
			continue
		}
		length := idx.BlockSize
		if remaining := f.Size - offset; remaining < length {
			length = remaining
		}
		return length
	}
	return idx.BlockSize
}

func readAt(path string, offset, length int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("reading %s at offset %d: %w", path, offset, err)
	}
	return buf, nil
}

func (h *clientHandler) HandleNotification(c *peerconn.Conn, n *wire.Envelope) {
	switch n.Kind {
	case wire.KindReceivedImage:
		var msg wire.ReceivedImage
		if err := n.Decode(&msg); err != nil {
			return
		}
		h.tracker.ReceivedImage(h.addr, msg.MachineID, msg.Hostname, msg.Forwarded)
	case wire.KindAbortedImage:
		h.tracker.Rejected(h.addr)
	}
}
