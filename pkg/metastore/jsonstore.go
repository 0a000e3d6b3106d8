package metastore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/doytsujin/ciruela/pkg/image"
)

// dirState is the persisted record for one virtual path.
type dirState struct {
	Committed bool      `json:"committed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JSONStore is a file-backed Store: every transition is serialized to
// a single JSON sidecar file under a mutex. It keeps no content-hash
// index of local files, so FilesToHardlink always reports no
// candidates; a deployment wanting local dedup supplies its own Store
// built around a real index.
type JSONStore struct {
	path string

	mu    sync.Mutex
	state map[string]dirState
}

// NewJSONStore loads (or creates) the sidecar file at path.
func NewJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{path: path, state: make(map[string]dirState)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading metadata store %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("parsing metadata store %s: %w", path, err)
	}
	return s, nil
}

func (s *JSONStore) save() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing metadata store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("committing metadata store: %w", err)
	}
	return nil
}

// DirCommitted implements Store.
func (s *JSONStore) DirCommitted(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[path] = dirState{Committed: true, UpdatedAt: time.Now()}
	return s.save()
}

// DirAborted implements Store.
func (s *JSONStore) DirAborted(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[path] = dirState{Committed: false, UpdatedAt: time.Now()}
	return s.save()
}

// FilesToHardlink implements Store. See the JSONStore doc comment.
func (s *JSONStore) FilesToHardlink(ctx context.Context, path string, idx *image.Index) ([]HardlinkSource, error) {
	return nil, nil
}

// IsCommitted reports the last recorded state for path, for tests and
// diagnostics.
func (s *JSONStore) IsCommitted(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[path].Committed
}
