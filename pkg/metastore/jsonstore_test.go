package metastore

import (
	"context"
	"path/filepath"
	"testing"
)

func TestJSONStoreCommitAbortPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}
	ctx := context.Background()

	if err := s.DirCommitted(ctx, "/images/a"); err != nil {
		t.Fatalf("DirCommitted: %v", err)
	}
	if !s.IsCommitted("/images/a") {
		t.Fatal("expected /images/a to be committed")
	}

	reloaded, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("NewJSONStore (reload): %v", err)
	}
	if !reloaded.IsCommitted("/images/a") {
		t.Fatal("expected committed state to survive reload")
	}

	if err := reloaded.DirAborted(ctx, "/images/a"); err != nil {
		t.Fatalf("DirAborted: %v", err)
	}
	if reloaded.IsCommitted("/images/a") {
		t.Fatal("expected /images/a to no longer be committed after abort")
	}
}

func TestJSONStoreFilesToHardlinkDefaultEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}
	got, err := s.FilesToHardlink(context.Background(), "/images/a", nil)
	if err != nil {
		t.Fatalf("FilesToHardlink: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no hardlink candidates, got %v", got)
	}
}
