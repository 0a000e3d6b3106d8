// Package image holds the content-addressed data model shared by the
// client and the daemon: image identifiers, the index blob, blocks, and
// the slice/mask scheme used for progress tracking.
package image

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	digest "github.com/opencontainers/go-digest"
)

// Hash is a fixed-width content hash. It is used both as the image
// identifier (hash of the serialized index) and as a per-block hash
// (hash of exactly BlockSize bytes, or fewer for a file's final block).
type Hash [sha256.Size]byte

// HashBytes computes the content hash of b.
func HashBytes(b []byte) Hash {
	return Hash(sha256.Sum256(b))
}

// Zero reports whether h is the zero hash.
func (h Hash) Zero() bool {
	return h == Hash{}
}

// String renders h as "sha256:<hex>", matching the algo-prefixed digest
// convention used throughout the container ecosystem.
func (h Hash) String() string {
	return "sha256:" + hex.EncodeToString(h[:])
}

// Digest renders h as a github.com/opencontainers/go-digest Digest,
// for callers that interoperate with tooling built around that
// convention (registry clients, container-ecosystem log formatters).
func (h Hash) Digest() digest.Digest {
	return digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(h[:]))
}

// ParseHash parses a "sha256:<hex>" or bare hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	const prefix = "sha256:"
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		s = s[len(prefix):]
	}
	var h Hash
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parsing hash %q: %w", s, err)
	}
	if len(decoded) != len(h) {
		return h, fmt.Errorf("parsing hash %q: want %d bytes, got %d", s, len(h), len(decoded))
	}
	copy(h[:], decoded)
	return h, nil
}

// MarshalCBOR encodes h as a CBOR byte string, keeping the wire
// representation compact (no hex inflation).
func (h Hash) MarshalCBOR() ([]byte, error) {
	return cborMarshalBytes(h[:])
}

// UnmarshalCBOR decodes h from a CBOR byte string.
func (h *Hash) UnmarshalCBOR(data []byte) error {
	b, err := cborUnmarshalBytes(data)
	if err != nil {
		return err
	}
	if len(b) != len(h) {
		return fmt.Errorf("decoding hash: want %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return nil
}
