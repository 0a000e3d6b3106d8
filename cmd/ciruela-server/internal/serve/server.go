// Package serve wires the tracking subsystem to the wire protocol: it
// accepts peer connections, dispatches their requests and
// notifications, and answers the daemon's own RPC surface from local
// storage.
package serve

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/doytsujin/ciruela/pkg/image"
	"github.com/doytsujin/ciruela/pkg/indexfetch"
	"github.com/doytsujin/ciruela/pkg/metastore"
	"github.com/doytsujin/ciruela/pkg/peerconn"
	"github.com/doytsujin/ciruela/pkg/registry"
	"github.com/doytsujin/ciruela/pkg/signing"
	"github.com/doytsujin/ciruela/pkg/staging"
	"github.com/doytsujin/ciruela/pkg/tracking"
	"github.com/doytsujin/ciruela/pkg/wire"
)

// Config holds everything needed to construct a Server.
type Config struct {
	ListenAddr    string
	CommittedRoot string
	StagingRoot   string
	MetaPath      string
	MachineID     string
	Hostname      string
	Keyring       signing.Keyring
	WriteWorkers  int
}

// Server is a running daemon: it owns the connection registry, the
// tracking driver, and local storage, and answers peer RPCs directly
// against that storage.
type Server struct {
	cfg Config

	reg     *registry.Registry
	store   *staging.Store
	meta    metastore.Store
	fetcher *indexfetch.Fetcher
	driver  *tracking.Driver

	nextConnID atomic.Uint64

	replaceMu sync.Mutex
	current   map[string]currentPlacement // virtual path -> last accepted replace
}

type currentPlacement struct {
	imageID   image.Hash
	timestamp int64
}

// New constructs a Server from cfg, opening its staging and metadata
// stores.
func New(cfg Config) (*Server, error) {
	store, err := staging.NewStore(cfg.StagingRoot, cfg.WriteWorkers)
	if err != nil {
		return nil, fmt.Errorf("opening staging store: %w", err)
	}
	meta, err := metastore.NewJSONStore(cfg.MetaPath)
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}

	reg := registry.New()
	fetcher := indexfetch.New(reg)
	driver := tracking.NewDriver(reg, fetcher, store, meta, cfg.CommittedRoot, cfg.MachineID, cfg.Hostname)

	return &Server{
		cfg:     cfg,
		reg:     reg,
		store:   store,
		meta:    meta,
		fetcher: fetcher,
		driver:  driver,
		current: make(map[string]currentPlacement),
	}, nil
}

// ListenAndServe accepts connections on cfg.ListenAddr until ctx is
// canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.ListenAddr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Printf("serve: listening on %s", s.cfg.ListenAddr)
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		id := s.nextConnID.Add(1)
		conn := peerconn.New(id, nc.RemoteAddr().String(), nc, s)
		s.reg.Add(conn)
		go func() {
			<-conn.Done()
			s.reg.Remove(id)
		}()
	}
}

// HandleRequest implements peerconn.Handler.
func (s *Server) HandleRequest(ctx context.Context, c *peerconn.Conn, req *wire.Envelope) *wire.Envelope {
	switch req.Kind {
	case wire.KindAppendDir:
		return s.handleAppendDir(ctx, req)
	case wire.KindReplaceDir:
		return s.handleReplaceDir(ctx, req)
	case wire.KindGetIndex:
		return s.handleGetIndex(req)
	case wire.KindGetBlock:
		return s.handleGetBlock(req)
	case wire.KindGetBaseDir:
		return s.handleGetBaseDir(req)
	default:
		return errorEnvelope(fmt.Sprintf("unsupported request kind %q", req.Kind))
	}
}

// HandleNotification implements peerconn.Handler.
func (s *Server) HandleNotification(c *peerconn.Conn, n *wire.Envelope) {
	switch n.Kind {
	case wire.KindPublishIndex:
		var msg wire.PublishIndex
		if err := n.Decode(&msg); err != nil {
			log.Printf("serve: decoding publish_index from %s: %v", c.Address(), err)
			return
		}
		c.Advertise(msg.ImageID)
		s.reg.MarkAdvertised(c.ID(), msg.ImageID)
	case wire.KindAbortedImage:
		var msg wire.AbortedImage
		if err := n.Decode(&msg); err != nil {
			log.Printf("serve: decoding aborted_image from %s: %v", c.Address(), err)
			return
		}
		if msg.Reason == wire.ReasonClusterAbortNoSource {
			s.reg.MarkNoSource(c.ID(), msg.ImageID)
		}
	case wire.KindReceivedImage, wire.KindBaseDirState:
		// Purely informational at this layer; nothing to update.
	default:
		log.Printf("serve: unexpected notification kind %q from %s", n.Kind, c.Address())
	}
}

func (s *Server) handleAppendDir(ctx context.Context, req *wire.Envelope) *wire.Envelope {
	var msg wire.AppendDirRequest
	if err := req.Decode(&msg); err != nil {
		return errorEnvelope(err.Error())
	}
	if err := s.cfg.Keyring.VerifyAny(msg.Signatures, msg.Path, msg.ImageID, msg.Timestamp); err != nil {
		resp, _ := wire.Encode(wire.KindAppendDirResponse, 0, &wire.DirResponse{Accepted: false})
		return resp
	}

	vpath := appendPath(msg.Path, msg.Timestamp)
	s.driver.Track(ctx, msg.ImageID, vpath, false)

	resp, _ := wire.Encode(wire.KindAppendDirResponse, 0, &wire.DirResponse{
		Accepted: true,
		Hosts:    map[string]string{s.cfg.MachineID: s.cfg.Hostname},
	})
	return resp
}

func (s *Server) handleReplaceDir(ctx context.Context, req *wire.Envelope) *wire.Envelope {
	var msg wire.ReplaceDirRequest
	if err := req.Decode(&msg); err != nil {
		return errorEnvelope(err.Error())
	}
	if err := s.cfg.Keyring.VerifyAny(msg.Signatures, msg.Path, msg.ImageID, msg.Timestamp); err != nil {
		resp, _ := wire.Encode(wire.KindAppendDirResponse, 0, &wire.DirResponse{Accepted: false})
		return resp
	}

	s.replaceMu.Lock()
	cur, exists := s.current[msg.Path]
	accepted := !exists || msg.Timestamp > cur.timestamp
	if msg.OldImage != nil && (!exists || cur.imageID != *msg.OldImage) {
		accepted = false
	}
	if accepted {
		s.current[msg.Path] = currentPlacement{imageID: msg.ImageID, timestamp: msg.Timestamp}
	}
	s.replaceMu.Unlock()

	if !accepted {
		resp, _ := wire.Encode(wire.KindAppendDirResponse, 0, &wire.DirResponse{Accepted: false})
		return resp
	}

	s.driver.Track(ctx, msg.ImageID, msg.Path, true)

	resp, _ := wire.Encode(wire.KindAppendDirResponse, 0, &wire.DirResponse{
		Accepted: true,
		Hosts:    map[string]string{s.cfg.MachineID: s.cfg.Hostname},
	})
	return resp
}

// appendPath namespaces an append placement by its millisecond
// timestamp so that successive appends to the same base path coexist
// as distinct virtual paths rather than colliding.
func appendPath(base string, timestampMs int64) string {
	return filepath.ToSlash(filepath.Join(base, fmt.Sprintf("%d", timestampMs)))
}

func (s *Server) handleGetIndex(req *wire.Envelope) *wire.Envelope {
	var msg wire.GetIndexRequest
	if err := req.Decode(&msg); err != nil {
		return errorEnvelope(err.Error())
	}
	data, err := s.readLocalIndex(msg.ImageID)
	if err != nil {
		return errorEnvelope(err.Error())
	}
	resp, _ := wire.Encode(wire.KindGetIndexResponse, 0, &wire.GetIndexResponse{Data: data})
	return resp
}

func (s *Server) handleGetBlock(req *wire.Envelope) *wire.Envelope {
	var msg wire.GetBlockRequest
	if err := req.Decode(&msg); err != nil {
		return errorEnvelope(err.Error())
	}
	if msg.Hint == nil {
		return errorEnvelope("get_block without a hint is not supported by this implementation")
	}
	path := filepath.Join(s.cfg.CommittedRoot, filepath.FromSlash(msg.Hint.Path), filepath.FromSlash(msg.Hint.FilePath))
	data, err := readBlockAt(path, msg.Hint.Offset, blockReadLength(msg.Hash))
	if err != nil {
		return errorEnvelope(err.Error())
	}
	resp, _ := wire.Encode(wire.KindGetBlockResponse, 0, &wire.GetBlockResponse{Data: data})
	return resp
}

func (s *Server) handleGetBaseDir(req *wire.Envelope) *wire.Envelope {
	var msg wire.GetBaseDirRequest
	if err := req.Decode(&msg); err != nil {
		return errorEnvelope(err.Error())
	}
	dirs, err := listBaseDir(filepath.Join(s.cfg.CommittedRoot, filepath.FromSlash(msg.Path)))
	if err != nil {
		return errorEnvelope(err.Error())
	}
	resp, _ := wire.Encode(wire.KindGetBaseDirResp, 0, &wire.GetBaseDirResponse{Dirs: dirs})
	return resp
}

func errorEnvelope(message string) *wire.Envelope {
	env, err := wire.Encode(wire.KindErrorResponse, 0, &wire.ErrorResponse{Message: message})
	if err != nil {
		// Encoding a plain string always succeeds; this path is
		// unreachable in practice.
		panic(err)
	}
	return env
}

// blockReadLength has no reliable source of the declared block length
// at this layer (the request carries only a hint, not a length), so
// the server reads up to a generous upper bound and lets the
// requester's own hash check reject anything that doesn't match. A
// fuller implementation would consult the locally stored index.
func blockReadLength(_ image.Hash) int64 {
	return 4 << 20
}

func readBlockAt(path string, offset, maxLen int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	length := maxLen
	if remaining := info.Size() - offset; remaining < length {
		length = remaining
	}
	if length < 0 {
		length = 0
	}
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("reading %s at offset %d: %w", path, offset, err)
	}
	return buf, nil
}

func (s *Server) readLocalIndex(id image.Hash) ([]byte, error) {
	data, err := os.ReadFile(tracking.IndexPath(s.cfg.CommittedRoot, id))
	if err != nil {
		return nil, fmt.Errorf("reading local index for %s: %w", id, err)
	}
	return data, nil
}

func listBaseDir(dir string) ([]wire.BaseDirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading base directory %s: %w", dir, err)
	}
	out := make([]wire.BaseDirEntry, 0, len(entries))
	for _, e := range entries {
		state := "file"
		if e.IsDir() {
			state = "dir"
		}
		out = append(out, wire.BaseDirEntry{Name: e.Name(), State: state})
	}
	return out, nil
}

// Close releases the server's storage resources.
func (s *Server) Close() {
	s.store.Close()
}
