package staging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/doytsujin/ciruela/pkg/image"
)

func testIndex() *image.Index {
	return &image.Index{
		BlockSize: 4,
		Files: []image.FileEntry{
			{Path: "a.txt", Size: 4, Blocks: []image.Hash{image.HashBytes([]byte("abcd"))}},
		},
	}
}

func TestStartImageCommitRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "staging"), 2)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	finalDir := filepath.Join(dir, "committed", "image-1")
	idx := testIndex()
	img, err := store.StartImage(idx, finalDir)
	if err != nil {
		t.Fatalf("StartImage: %v", err)
	}

	if err := <-store.WriteBlock(img, "a.txt", 0, []byte("abcd")); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	if err := store.CommitImage(img); err != nil {
		t.Fatalf("CommitImage: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(finalDir, "a.txt"))
	if err != nil {
		t.Fatalf("reading committed file: %v", err)
	}
	if string(data) != "abcd" {
		t.Fatalf("committed file contents = %q, want %q", data, "abcd")
	}
}

func TestStartImageAlreadyExists(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "staging"), 1)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	finalDir := filepath.Join(dir, "committed", "image-1")
	if err := os.MkdirAll(finalDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	if _, err := store.StartImage(testIndex(), finalDir); err != ErrAlreadyExists {
		t.Fatalf("StartImage error = %v, want ErrAlreadyExists", err)
	}
}

func TestAbortImageRemovesStagingDir(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "staging"), 1)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	img, err := store.StartImage(testIndex(), filepath.Join(dir, "committed", "image-1"))
	if err != nil {
		t.Fatalf("StartImage: %v", err)
	}
	store.AbortImage(img)
	if _, err := os.Stat(img.stageDir); !os.IsNotExist(err) {
		t.Fatalf("expected staging dir removed, stat err = %v", err)
	}
}
