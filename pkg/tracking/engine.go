package tracking

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/doytsujin/ciruela/pkg/image"
	"github.com/doytsujin/ciruela/pkg/registry"
	"github.com/doytsujin/ciruela/pkg/staging"
	"github.com/doytsujin/ciruela/pkg/wire"
)

// Engine constants, part of the scheduling contract.
const (
	FetchDeadline        = time.Hour
	RetryClusterFailure  = 2 * time.Minute
	RetryInterval        = 2 * time.Second
	Concurrency          = 10
)

// ErrDeadlineExceeded is returned by Run when FetchDeadline elapses
// before every block has landed.
var ErrDeadlineExceeded = errors.New("tracking: fetch deadline exceeded")

// ErrClusterStalled is returned by Run when no peer has delivered a
// block for RetryClusterFailure and the registry confirms no source
// remains for this image.
var ErrClusterStalled = errors.New("tracking: cluster stalled, no file source")

type itemKind int

const (
	kindFetching itemKind = iota
	kindWriting
)

// item is the tagged, per-block state the engine tracks: either
// awaiting a peer's response (kindFetching) or awaiting a disk write
// to finish (kindWriting). It is carried by value through completion
// messages rather than dispatched through virtual methods.
type item struct {
	kind  itemKind
	block image.BlockPointer
	slice uint8
	peer  registry.Connection // set only for kindFetching
}

// completion is what a fetch or write goroutine reports back to the
// engine's single owning goroutine — the suspension point the
// scheduler loop blocks on.
type completion struct {
	it       *item
	data     []byte
	fetchErr error
	writeErr error
}

// Engine is the Block Fetch Engine for a single Downloading: it owns
// the bounded in-flight work set and drives it, via the Connection
// Registry and Disk Staging, to either full completion or a terminal
// failure.
type Engine struct {
	downloading *Downloading
	img         *staging.Image
	store       *staging.Store
	reg         *registry.Registry

	// ExitFunc is invoked on a fatal disk-write failure. Defaults to
	// os.Exit; tests override it to observe the fatal path without
	// killing the test binary.
	ExitFunc func(code int)

	active      []*item
	completions chan completion

	deadline       time.Time
	lastOkay       time.Time
	stalledLogged  bool
}

// NewEngine returns an Engine ready to drive dl to completion using
// img as the staging handle for its writes.
func NewEngine(dl *Downloading, img *staging.Image, store *staging.Store, reg *registry.Registry) *Engine {
	return &Engine{
		downloading: dl,
		img:         img,
		store:       store,
		reg:         reg,
		ExitFunc:    os.Exit,
		completions: make(chan completion, Concurrency*2+4),
	}
}

// Run drives the engine to completion, blocking until every slice is
// emptied and every write has landed (nil), the deadline elapses
// (ErrDeadlineExceeded), or the cluster is confirmed stalled
// (ErrClusterStalled). A disk write failure is fatal to the process
// and does not return.
func (e *Engine) Run(ctx context.Context) error {
	now := time.Now()
	e.deadline = now.Add(FetchDeadline)
	e.lastOkay = now

	for {
		select {
		case c := <-e.completions:
			e.handleCompletion(c)
		default:
		}

		e.pruneSlices()

		if e.allDone() {
			return nil
		}
		if time.Now().After(e.deadline) {
			return ErrDeadlineExceeded
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if len(e.active) >= Concurrency {
			if err := e.wait(ctx, 0); err != nil {
				return err
			}
			continue
		}

		scheduled := e.scheduleRound()
		if scheduled > 0 {
			continue
		}

		// Only a slice with no in-flight fetch anywhere is a candidate
		// for being truly stalled; if other slices still have fetches
		// outstanding, this round's lack of new work is ordinary
		// back-pressure, not a stall.
		if len(e.active) == 0 {
			e.notifyStalled()
			if time.Since(e.lastOkay) >= RetryClusterFailure && e.reg.CheckStalled(e.downloading.ImageID) {
				return ErrClusterStalled
			}
		}
		if err := e.wait(ctx, RetryInterval); err != nil {
			return err
		}
	}
}

// wait blocks for the next completion, for timeout to elapse (if
// nonzero), for ctx to be canceled, or for the overall deadline to
// pass — whichever comes first. A completion received while waiting
// is handled immediately so the caller's next loop iteration sees it
// reflected in the engine's state.
func (e *Engine) wait(ctx context.Context, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	deadlineTimer := time.NewTimer(time.Until(e.deadline))
	defer deadlineTimer.Stop()

	select {
	case c := <-e.completions:
		e.handleCompletion(c)
		return nil
	case <-timer:
		return nil
	case <-deadlineTimer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) handleCompletion(c completion) {
	switch c.it.kind {
	case kindFetching:
		e.handleFetchCompletion(c)
	case kindWriting:
		e.handleWriteCompletion(c)
	}
}

func (e *Engine) handleFetchCompletion(c completion) {
	slice := e.sliceByIndex(c.it.slice)
	e.removeActive(c.it)
	if slice == nil {
		return
	}
	slice.InProgress--

	if c.fetchErr != nil || image.HashBytes(c.data) != c.it.block.Hash {
		slice.PushFront(c.it.block)
		if c.it.peer != nil {
			slice.Failures.Fail(c.it.peer.ID())
		}
		return
	}

	e.lastOkay = time.Now()
	e.stalledLogged = false
	if c.it.peer != nil {
		slice.Failures.Clear(c.it.peer.ID())
	}

	writeCh := e.store.WriteBlock(e.img, c.it.block.Path, c.it.block.Offset, c.data)
	writingItem := &item{kind: kindWriting, block: c.it.block, slice: c.it.slice}
	e.active = append(e.active, writingItem)
	go func() {
		err := <-writeCh
		e.completions <- completion{it: writingItem, writeErr: err}
	}()
}

func (e *Engine) handleWriteCompletion(c completion) {
	e.removeActive(c.it)
	if c.writeErr != nil {
		log.Printf("tracking: fatal disk write failure for image %s at %s: %v", e.downloading.ImageID, e.downloading.VirtualPath, c.writeErr)
		e.ExitFunc(102)
		return
	}
}

func (e *Engine) sliceByIndex(idx uint8) *SliceState {
	for _, s := range e.downloading.Slices {
		if s.Index == idx {
			return s
		}
	}
	return nil
}

func (e *Engine) removeActive(it *item) {
	for i, active := range e.active {
		if active == it {
			e.active = append(e.active[:i], e.active[i+1:]...)
			return
		}
	}
}

func (e *Engine) sliceBusy(idx uint8) bool {
	for _, it := range e.active {
		if it.slice == idx {
			return true
		}
	}
	return false
}

// pruneSlices removes every slice whose deque is empty and which has
// no in-flight fetch or write, setting its mask bit. It does not
// advertise the image: the blocks it just marked complete are only
// staged, not yet committed to their final location, so the driver
// is the one that announces this image once the commit actually
// lands.
func (e *Engine) pruneSlices() {
	slices := e.downloading.Slices[:0:0]
	for _, s := range e.downloading.Slices {
		if len(s.Blocks) == 0 && s.InProgress == 0 && !e.sliceBusy(s.Index) {
			e.downloading.Mask.Set(s.Index)
			continue
		}
		slices = append(slices, s)
	}
	e.downloading.Slices = slices
}

func (e *Engine) allDone() bool {
	return len(e.downloading.Slices) == 0 && len(e.active) == 0
}

// scheduleRound iterates slices in their stored order, scheduling at
// most one new fetch per slice per round so that a slice blocked for
// want of a peer never blocks another slice. It stops once the
// in-flight count exceeds Concurrency by one, matching the engine's
// documented single-item headroom.
func (e *Engine) scheduleRound() int {
	scheduled := 0
	for _, slice := range e.downloading.Slices {
		if len(e.active) > Concurrency {
			break
		}
		block, ok := slice.PopFront()
		if !ok {
			continue
		}
		peer, ok := e.reg.GetConnectionByMask(e.downloading.ImageID, slice.Index, &slice.Failures)
		if !ok {
			slice.PushFront(block)
			continue
		}
		slice.InProgress++
		it := &item{kind: kindFetching, block: block, slice: slice.Index, peer: peer}
		e.active = append(e.active, it)
		scheduled++
		go e.fetch(it)
	}
	return scheduled
}

func (e *Engine) fetch(it *item) {
	ctx, cancel := context.WithTimeout(context.Background(), FetchDeadline)
	defer cancel()
	reply, err := it.peer.Send(ctx, wire.KindGetBlock, &wire.GetBlockRequest{
		Hash: it.block.Hash,
		Hint: &wire.BlockHint{
			Path:     e.downloading.VirtualPath,
			FilePath: it.block.Path,
			Offset:   it.block.Offset,
		},
	})
	if err != nil {
		e.completions <- completion{it: it, fetchErr: err}
		return
	}
	var resp wire.GetBlockResponse
	if err := reply.Decode(&resp); err != nil {
		e.completions <- completion{it: it, fetchErr: err}
		return
	}
	e.completions <- completion{it: it, data: resp.Data}
}

func (e *Engine) notifyStalled() {
	if e.stalledLogged {
		return
	}
	e.stalledLogged = true
	log.Printf("tracking: no peer available for image %s at %s, retrying", e.downloading.ImageID, e.downloading.VirtualPath)
}
