package image

import (
	"bytes"
	"testing"
)

func sampleIndex() *Index {
	return &Index{
		BlockSize: 1 << 20,
		Files: []FileEntry{
			{
				Path: "a/one.txt",
				Size: 3 << 20,
				Blocks: []Hash{
					HashBytes([]byte("block-0")),
					HashBytes([]byte("block-1")),
					HashBytes([]byte("block-2")),
				},
			},
			{
				Path:   "b/two.txt",
				Size:   10,
				Blocks: []Hash{HashBytes([]byte("block-3"))},
			},
		},
	}
}

func TestIndexSerializeDeterministic(t *testing.T) {
	idx := sampleIndex()
	a, err := idx.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	b, err := idx.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("serialize not deterministic: %x != %x", a, b)
	}
}

func TestIndexRoundTrip(t *testing.T) {
	idx := sampleIndex()
	id, err := idx.ID()
	if err != nil {
		t.Fatalf("ID: %v", err)
	}
	data, err := idx.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	got, err := ParseIndex(data, id)
	if err != nil {
		t.Fatalf("ParseIndex: %v", err)
	}
	gotID, err := got.ID()
	if err != nil {
		t.Fatalf("ID: %v", err)
	}
	if gotID != id {
		t.Fatalf("round-tripped index has different id: %s != %s", gotID, id)
	}
}

func TestParseIndexRejectsMismatchedID(t *testing.T) {
	idx := sampleIndex()
	data, err := idx.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if _, err := ParseIndex(data, HashBytes([]byte("wrong"))); err == nil {
		t.Fatal("expected error for mismatched id, got nil")
	}
}

func TestIndexBlocksOrderAndOffsets(t *testing.T) {
	idx := sampleIndex()
	blocks := idx.Blocks()
	if len(blocks) != 4 {
		t.Fatalf("want 4 block pointers, got %d", len(blocks))
	}
	want := []struct {
		path   string
		offset int64
		length int64
	}{
		{"a/one.txt", 0, 1 << 20},
		{"a/one.txt", 1 << 20, 1 << 20},
		{"a/one.txt", 2 << 20, 1 << 20},
		{"b/two.txt", 0, 10},
	}
	for i, w := range want {
		if blocks[i].Path != w.path || blocks[i].Offset != w.offset || blocks[i].Length != w.length {
			t.Fatalf("block %d: got %+v, want path=%s offset=%d length=%d", i, blocks[i], w.path, w.offset, w.length)
		}
	}
}

func TestIndexTotalSize(t *testing.T) {
	idx := sampleIndex()
	if got, want := idx.TotalSize(), int64(3<<20+10); got != want {
		t.Fatalf("TotalSize() = %d, want %d", got, want)
	}
}
