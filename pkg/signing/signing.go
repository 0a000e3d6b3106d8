// Package signing implements the ed25519 identity and signature
// scheme a placement request's signatures are built from: a signature
// covers (path, image_id, timestamp_ms) and is checked by the daemon
// against its configured keyring before a placement is honored.
package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/doytsujin/ciruela/pkg/image"
	"github.com/doytsujin/ciruela/pkg/wire"
)

// DefaultIdentityPath is where LoadDefault looks for a raw ed25519
// private key when the caller supplied no -i/-k flag.
const DefaultIdentityPath = ".ssh/ciruela_id"

// LoadDefault loads the identity from $HOME/.ssh/ciruela_id, expanding
// "~" the way the rest of the corpus's CLIs resolve a user's home
// directory rather than trusting $HOME to always be set.
func LoadDefault() (*Identity, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, fmt.Errorf("resolving home directory: %w", err)
	}
	return LoadFromFile(filepath.Join(home, DefaultIdentityPath))
}

// Identity is a loaded signing key, named for the keyring entry the
// daemon will look it up by.
type Identity struct {
	Name    string
	private ed25519.PrivateKey
}

// LoadFromFile reads a raw 64-byte ed25519 private key from filename.
func LoadFromFile(filename string) (*Identity, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading identity file %s: %w", filename, err)
	}
	return newIdentity(filename, data)
}

// LoadFromEnv reads a base64-encoded ed25519 private key from the
// environment variable named envVar.
func LoadFromEnv(envVar string) (*Identity, error) {
	encoded, ok := os.LookupEnv(envVar)
	if !ok {
		return nil, fmt.Errorf("environment variable %s is not set", envVar)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decoding identity from %s: %w", envVar, err)
	}
	return newIdentity(envVar, data)
}

func newIdentity(name string, data []byte) (*Identity, error) {
	switch len(data) {
	case ed25519.PrivateKeySize:
		return &Identity{Name: name, private: ed25519.PrivateKey(data)}, nil
	case ed25519.SeedSize:
		return &Identity{Name: name, private: ed25519.NewKeyFromSeed(data)}, nil
	default:
		return nil, fmt.Errorf("identity %s: want %d or %d bytes, got %d", name, ed25519.SeedSize, ed25519.PrivateKeySize, len(data))
	}
}

// signedMessage renders the exact byte sequence a signature covers:
// path, image id, and millisecond timestamp, joined unambiguously.
func signedMessage(path string, imageID image.Hash, timestampMs int64) []byte {
	return []byte(path + "\x00" + imageID.String() + "\x00" + strconv.FormatInt(timestampMs, 10))
}

// Sign produces a wire.Signature over (path, imageID, timestampMs).
func (id *Identity) Sign(path string, imageID image.Hash, timestampMs int64) wire.Signature {
	msg := signedMessage(path, imageID, timestampMs)
	sig := ed25519.Sign(id.private, msg)
	return wire.Signature{Signer: id.Name, Signature: sig}
}

// PublicKey returns the identity's public key, for registering in a
// daemon's keyring.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.private.Public().(ed25519.PublicKey)
}

// Keyring maps a signer name to its known public key. The daemon
// rejects any signature from a signer not present here.
type Keyring map[string]ed25519.PublicKey

// Verify checks that sig is a valid signature over (path, imageID,
// timestampMs) from a signer present in k.
func (k Keyring) Verify(sig wire.Signature, path string, imageID image.Hash, timestampMs int64) error {
	pub, ok := k[sig.Signer]
	if !ok {
		return fmt.Errorf("signing: unrecognized signer %q", sig.Signer)
	}
	msg := signedMessage(path, imageID, timestampMs)
	if !ed25519.Verify(pub, msg, sig.Signature) {
		return fmt.Errorf("signing: invalid signature from %q", sig.Signer)
	}
	return nil
}

// VerifyAny checks that at least one of sigs is valid per Verify,
// matching the server's "reject unsigned or unrecognized-signer
// requests" policy: a request just needs one accepted signer.
func (k Keyring) VerifyAny(sigs []wire.Signature, path string, imageID image.Hash, timestampMs int64) error {
	if len(sigs) == 0 {
		return fmt.Errorf("signing: request carries no signatures")
	}
	var lastErr error
	for _, sig := range sigs {
		if err := k.Verify(sig, path, imageID, timestampMs); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("signing: no valid signature: %w", lastErr)
}
