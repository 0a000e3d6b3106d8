package tracking

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/doytsujin/ciruela/pkg/image"
	"github.com/doytsujin/ciruela/pkg/registry"
	"github.com/doytsujin/ciruela/pkg/staging"
	"github.com/doytsujin/ciruela/pkg/wire"
)

// fakePeer answers GetBlock requests synchronously from an in-memory
// table, optionally returning wrong bytes for a configured set of
// hashes (simulating checksum poisoning) or failing outright.
type fakePeer struct {
	id      uint64
	addr    string
	index   image.Hash
	blocks  map[image.Hash][]byte
	corrupt map[image.Hash]bool
	fail    map[image.Hash]bool
}

func (p *fakePeer) ID() uint64                    { return p.id }
func (p *fakePeer) Address() string               { return p.addr }
func (p *fakePeer) Advertises(id image.Hash) bool { return id == p.index }
func (p *fakePeer) Done() <-chan struct{}         { return nil }
func (p *fakePeer) SendNotification(wire.Kind, any) error { return nil }

func (p *fakePeer) Send(ctx context.Context, kind wire.Kind, body any) (*wire.Envelope, error) {
	req := body.(*wire.GetBlockRequest)
	if p.fail[req.Hash] {
		return nil, errPeerFailure
	}
	data := p.blocks[req.Hash]
	if p.corrupt[req.Hash] {
		data = []byte("wrong-bytes-wrong-bytes")
	}
	return wire.Encode(wire.KindGetBlockResponse, 1, &wire.GetBlockResponse{Data: data})
}

type peerFailure struct{}

func (peerFailure) Error() string { return "fake peer transport failure" }

var errPeerFailure = peerFailure{}

func buildTestIndex(t *testing.T, files map[string][]byte) (*image.Index, map[image.Hash][]byte) {
	t.Helper()
	idx := &image.Index{BlockSize: 4}
	blocks := make(map[image.Hash][]byte)
	for path, data := range files {
		entry := image.FileEntry{Path: path, Size: int64(len(data))}
		for off := 0; off < len(data); off += 4 {
			end := off + 4
			if end > len(data) {
				end = len(data)
			}
			chunk := data[off:end]
			h := image.HashBytes(chunk)
			entry.Blocks = append(entry.Blocks, h)
			blocks[h] = chunk
		}
		idx.Files = append(idx.Files, entry)
	}
	return idx, blocks
}

func TestEngineRunHappyPath(t *testing.T) {
	idx, blocks := buildTestIndex(t, map[string][]byte{
		"a.txt": []byte("abcdefgh"),
		"b.txt": []byte("ijkl"),
	})
	id, err := idx.ID()
	if err != nil {
		t.Fatalf("ID: %v", err)
	}

	dir := t.TempDir()
	store, err := staging.NewStore(filepath.Join(dir, "staging"), 2)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	img, err := store.StartImage(idx, filepath.Join(dir, "committed"))
	if err != nil {
		t.Fatalf("StartImage: %v", err)
	}

	reg := registry.New()
	reg.Add(&fakePeer{id: 1, addr: "peer1", index: id, blocks: blocks})

	dl := NewDownloading(id, "/images/a", false, idx, nil)
	engine := NewEngine(dl, img, store, reg)

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !dl.Mask.Full() {
		t.Fatal("expected mask to be full after successful run")
	}
	if len(dl.Slices) != 0 {
		t.Fatalf("expected no remaining slices, got %d", len(dl.Slices))
	}

	if err := store.CommitImage(img); err != nil {
		t.Fatalf("CommitImage: %v", err)
	}
}

func TestEngineRunRecoversFromChecksumMismatch(t *testing.T) {
	idx, blocks := buildTestIndex(t, map[string][]byte{
		"a.txt": []byte("abcd"),
	})
	id, err := idx.ID()
	if err != nil {
		t.Fatalf("ID: %v", err)
	}
	var hash image.Hash
	for h := range blocks {
		hash = h
	}

	dir := t.TempDir()
	store, err := staging.NewStore(filepath.Join(dir, "staging"), 2)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	img, err := store.StartImage(idx, filepath.Join(dir, "committed"))
	if err != nil {
		t.Fatalf("StartImage: %v", err)
	}

	reg := registry.New()
	reg.Add(&fakePeer{id: 1, addr: "bad", index: id, blocks: blocks, corrupt: map[image.Hash]bool{hash: true}})
	reg.Add(&fakePeer{id: 2, addr: "good", index: id, blocks: blocks})

	dl := NewDownloading(id, "/images/a", false, idx, nil)
	engine := NewEngine(dl, img, store, reg)

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !dl.Mask.Full() {
		t.Fatal("expected mask to be full after recovering from one bad peer")
	}
}

func TestEngineScheduleRoundSkipsSliceWithNoCandidatePeer(t *testing.T) {
	idx, _ := buildTestIndex(t, map[string][]byte{"a.txt": []byte("abcd")})
	id, err := idx.ID()
	if err != nil {
		t.Fatalf("ID: %v", err)
	}
	dir := t.TempDir()
	store, err := staging.NewStore(filepath.Join(dir, "staging"), 1)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	img, err := store.StartImage(idx, filepath.Join(dir, "committed"))
	if err != nil {
		t.Fatalf("StartImage: %v", err)
	}

	reg := registry.New() // no peers at all
	dl := NewDownloading(id, "/images/a", false, idx, nil)
	engine := NewEngine(dl, img, store, reg)

	if got := engine.scheduleRound(); got != 0 {
		t.Fatalf("scheduleRound() = %d, want 0 with no candidate peers", got)
	}
	if len(dl.Slices[0].Blocks) != 1 {
		t.Fatal("expected the block to remain in the slice's deque")
	}
}
