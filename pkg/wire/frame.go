// Package wire implements the peer-to-peer binary framing used between
// daemons (and between the client and a daemon): a 4-byte big-endian
// length prefix followed by a CBOR-encoded Envelope. It defines the
// message catalogue of §6's peer RPC surface and notifications but
// says nothing about the transport that carries the frames; peerconn
// is responsible for reading and writing frames on an actual
// connection.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize bounds a single frame's body to guard against a
// corrupt or hostile length prefix forcing an unbounded allocation.
const MaxFrameSize = 64 << 20

// WriteFrame writes env to w as a length-prefixed CBOR frame.
func WriteFrame(w io.Writer, env *Envelope) error {
	body, err := cborEncMode.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("encoding frame: body of %d bytes exceeds max frame size %d", len(body), MaxFrameSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed CBOR frame from r.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("reading frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("reading frame: declared size %d exceeds max frame size %d", n, MaxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	var env Envelope
	if err := cbor.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	return &env, nil
}
