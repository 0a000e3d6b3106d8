// Package peerconn implements one peer connection: a single read loop
// demultiplexing incoming frames into request/response correlation or
// notification dispatch, and a single writer goroutine that serializes
// outgoing frames so sends from multiple goroutines stay ordered.
package peerconn

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/doytsujin/ciruela/pkg/image"
	"github.com/doytsujin/ciruela/pkg/wire"
)

// responseKinds is the set of Kinds that arrive as replies, so the
// read loop can tell a reply from an incoming request.
var responseKinds = map[wire.Kind]bool{
	wire.KindAppendDirResponse: true,
	wire.KindGetIndexResponse:  true,
	wire.KindGetBlockResponse:  true,
	wire.KindGetBaseDirResp:    true,
	wire.KindErrorResponse:     true,
}

// Handler processes inbound requests and notifications arriving on a
// Conn. Implementations must not block the read loop for long; slow
// work should hand off to its own goroutine.
type Handler interface {
	// HandleRequest answers an inbound request, returning the
	// envelope to send back.
	HandleRequest(ctx context.Context, c *Conn, req *wire.Envelope) *wire.Envelope
	// HandleNotification processes an inbound one-way notification.
	HandleNotification(c *Conn, n *wire.Envelope)
}

// Conn is one live peer connection. It is safe for concurrent use:
// Send and SendNotification may be called from any goroutine.
type Conn struct {
	id      uint64
	address string
	rwc     io.ReadWriteCloser
	handler Handler

	sendCh chan *wire.Envelope
	nextID atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan *wire.Envelope

	advertisedMu sync.Mutex
	advertised   map[image.Hash]struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps rwc as a peer connection identified by id, and starts its
// read and write loops. handler is invoked from the read loop goroutine
// for every inbound notification, and from a new goroutine per inbound
// request.
func New(id uint64, address string, rwc io.ReadWriteCloser, handler Handler) *Conn {
	c := &Conn{
		id:         id,
		address:    address,
		rwc:        rwc,
		handler:    handler,
		sendCh:     make(chan *wire.Envelope, 64),
		pending:    make(map[uint64]chan *wire.Envelope),
		advertised: make(map[image.Hash]struct{}),
		closed:     make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

// Dial opens a TCP connection to address and wraps it as a Conn.
func Dial(ctx context.Context, id uint64, address string, handler Handler) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	return New(id, address, nc, handler), nil
}

// ID returns the connection's locally assigned monotonic identifier.
func (c *Conn) ID() uint64 { return c.id }

// Address returns the peer's network address as dialed or accepted.
func (c *Conn) Address() string { return c.address }

// Done is closed once the connection's loops have exited.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Advertise records that the peer claims to hold id, in response to a
// PublishIndex notification.
func (c *Conn) Advertise(id image.Hash) {
	c.advertisedMu.Lock()
	c.advertised[id] = struct{}{}
	c.advertisedMu.Unlock()
}

// Advertises reports whether the peer has ever advertised id.
func (c *Conn) Advertises(id image.Hash) bool {
	c.advertisedMu.Lock()
	_, ok := c.advertised[id]
	c.advertisedMu.Unlock()
	return ok
}

// Close closes the underlying transport and unblocks both loops. Safe
// to call more than once and from any goroutine.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.rwc.Close()
		close(c.closed)
		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	})
	return err
}

// SendNotification enqueues a one-way message for delivery. It
// returns once the message is queued, not once it is written.
func (c *Conn) SendNotification(kind wire.Kind, body any) error {
	env, err := wire.Encode(kind, 0, body)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- env:
		return nil
	case <-c.closed:
		return fmt.Errorf("send to %s: connection closed", c.address)
	}
}

// Send issues a request and blocks until its response arrives, ctx is
// canceled, or the connection closes.
func (c *Conn) Send(ctx context.Context, kind wire.Kind, body any) (*wire.Envelope, error) {
	id := c.nextID.Add(1)
	env, err := wire.Encode(kind, id, body)
	if err != nil {
		return nil, err
	}
	replyCh := make(chan *wire.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = replyCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	select {
	case c.sendCh <- env:
	case <-c.closed:
		return nil, fmt.Errorf("send to %s: connection closed", c.address)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, fmt.Errorf("send to %s: connection closed before response", c.address)
		}
		if reply.Kind == wire.KindErrorResponse {
			var errResp wire.ErrorResponse
			if decodeErr := reply.Decode(&errResp); decodeErr == nil {
				return nil, fmt.Errorf("request %s to %s rejected: %s", kind, c.address, errResp.Message)
			}
		}
		return reply, nil
	case <-c.closed:
		return nil, fmt.Errorf("send to %s: connection closed", c.address)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case env := <-c.sendCh:
			if err := wire.WriteFrame(c.rwc, env); err != nil {
				log.Printf("peerconn: write to %s failed: %v", c.address, err)
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) readLoop() {
	defer c.Close()
	for {
		env, err := wire.ReadFrame(c.rwc)
		if err != nil {
			if err != io.EOF {
				log.Printf("peerconn: read from %s failed: %v", c.address, err)
			}
			return
		}
		switch {
		case env.RequestID != 0 && responseKinds[env.Kind]:
			c.deliverResponse(env)
		case env.RequestID != 0:
			go c.dispatchRequest(env)
		default:
			if c.handler != nil {
				c.handler.HandleNotification(c, env)
			}
		}
	}
}

func (c *Conn) deliverResponse(env *wire.Envelope) {
	c.pendingMu.Lock()
	ch, ok := c.pending[env.RequestID]
	if ok {
		delete(c.pending, env.RequestID)
	}
	c.pendingMu.Unlock()
	if !ok {
		log.Printf("peerconn: response from %s for unknown request %d", c.address, env.RequestID)
		return
	}
	ch <- env
}

func (c *Conn) dispatchRequest(env *wire.Envelope) {
	if c.handler == nil {
		return
	}
	resp := c.handler.HandleRequest(context.Background(), c, env)
	if resp == nil {
		return
	}
	resp.RequestID = env.RequestID
	select {
	case c.sendCh <- resp:
	case <-c.closed:
	}
}
