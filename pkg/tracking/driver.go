package tracking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/doytsujin/ciruela/pkg/image"
	"github.com/doytsujin/ciruela/pkg/indexfetch"
	"github.com/doytsujin/ciruela/pkg/metastore"
	"github.com/doytsujin/ciruela/pkg/registry"
	"github.com/doytsujin/ciruela/pkg/staging"
	"github.com/doytsujin/ciruela/pkg/wire"
)

type dirKey struct {
	Path    string
	ImageID image.Hash
}

// Driver is the Image Lifecycle Driver: it orchestrates index fetch,
// staging, concurrent block fetch, and commit for each tracked image,
// and reports the terminal status to peers and to the metadata store.
// One Driver serves an entire daemon; Track spawns a new goroutine per
// tracked (path, image) pair, matching the one-goroutine-per-
// Downloading scheduling model.
type Driver struct {
	Registry      *registry.Registry
	Fetcher       *indexfetch.Fetcher
	Store         *staging.Store
	Meta          metastore.Store
	CommittedRoot string
	MachineID     string
	Hostname      string
	ExitFunc      func(code int)

	mu         sync.Mutex
	inProgress map[dirKey]struct{}
}

// NewDriver wires together a Driver from its collaborators.
func NewDriver(reg *registry.Registry, fetcher *indexfetch.Fetcher, store *staging.Store, meta metastore.Store, committedRoot, machineID, hostname string) *Driver {
	return &Driver{
		Registry:      reg,
		Fetcher:       fetcher,
		Store:         store,
		Meta:          meta,
		CommittedRoot: committedRoot,
		MachineID:     machineID,
		Hostname:      hostname,
		ExitFunc:      os.Exit,
		inProgress:    make(map[dirKey]struct{}),
	}
}

// Track begins tracking (vpath, id) unless it is already in progress,
// per the invariant that at most one driver exists for a given
// (path, image) pair at a time. It reports whether tracking was
// actually started.
func (d *Driver) Track(ctx context.Context, id image.Hash, vpath string, replacing bool) bool {
	key := dirKey{Path: vpath, ImageID: id}
	d.mu.Lock()
	if _, exists := d.inProgress[key]; exists {
		d.mu.Unlock()
		return false
	}
	d.inProgress[key] = struct{}{}
	d.mu.Unlock()

	go d.run(ctx, key, replacing)
	return true
}

func (d *Driver) finalDirFor(vpath string, id image.Hash) string {
	return filepath.Join(d.CommittedRoot, filepath.FromSlash(vpath), id.String())
}

// IndexPath returns the path a committed image's serialized index is
// persisted at. Answering a peer's GetIndex request and resolving a
// later Track call for an image this daemon already holds both read
// from this path, so it is the single place the convention is defined.
func IndexPath(committedRoot string, id image.Hash) string {
	return filepath.Join(committedRoot, ".indexes", id.String()+".index")
}

// localIndex returns the index for id if this daemon has already
// persisted it, without involving the Index Fetcher or any peer.
func (d *Driver) localIndex(id image.Hash) (*image.Index, error) {
	data, err := os.ReadFile(IndexPath(d.CommittedRoot, id))
	if err != nil {
		return nil, err
	}
	return image.ParseIndex(data, id)
}

// persistIndex writes idx's serialized form to this daemon's local
// index store, so handleGetIndex can answer future peer requests for
// id from local storage and so this daemon's own Track calls for id
// no longer need a peer at all.
func (d *Driver) persistIndex(id image.Hash, idx *image.Index) error {
	data, err := idx.Serialize()
	if err != nil {
		return fmt.Errorf("serializing index %s: %w", id, err)
	}
	path := IndexPath(d.CommittedRoot, id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing index file for %s: %w", id, err)
	}
	return nil
}

func (d *Driver) run(ctx context.Context, key dirKey, replacing bool) {
	defer func() {
		d.mu.Lock()
		delete(d.inProgress, key)
		d.mu.Unlock()
	}()

	idx, err := d.localIndex(key.ImageID)
	if err != nil {
		idx, err = d.Fetcher.Fetch(ctx, key.ImageID)
		if err != nil {
			log.Printf("tracking: index fetch failed for %s at %s: %v", key.ImageID, key.Path, err)
			d.abort(ctx, key, wire.ReasonCantFetchIndex)
			return
		}
	}

	finalDir := d.finalDirFor(key.Path, key.ImageID)
	img, err := d.Store.StartImage(idx, finalDir)
	if errors.Is(err, staging.ErrAlreadyExists) {
		if mErr := d.Meta.DirCommitted(ctx, key.Path); mErr != nil {
			log.Printf("tracking: recording commit for %s failed: %v", key.Path, mErr)
		}
		d.notifyReceived(key, false)
		return
	}
	if err != nil {
		log.Printf("tracking: staging create failed for %s at %s: %v", key.ImageID, key.Path, err)
		d.abort(ctx, key, wire.ReasonCantCreateDirectory)
		return
	}

	sources, err := d.Meta.FilesToHardlink(ctx, key.Path, idx)
	if err != nil {
		log.Printf("tracking: hardlink source lookup failed for %s at %s: %v", key.ImageID, key.Path, err)
		d.Store.AbortImage(img)
		d.abort(ctx, key, wire.ReasonInternalHardlinkError)
		return
	}

	hardlinked := make(map[string]bool, len(sources))
	for _, src := range sources {
		if err := d.Store.Hardlink(img, src.FilePath, src.SourcePath); err != nil {
			log.Printf("tracking: hardlinking %s from %s failed, falling back to fetch: %v", src.FilePath, src.SourcePath, err)
			continue
		}
		hardlinked[src.FilePath] = true
	}

	dl := NewDownloading(key.ImageID, key.Path, replacing, idx, func(bp image.BlockPointer) bool {
		return hardlinked[bp.Path]
	})

	engine := NewEngine(dl, img, d.Store, d.Registry)
	if d.ExitFunc != nil {
		engine.ExitFunc = d.ExitFunc
	}
	if err := engine.Run(ctx); err != nil {
		log.Printf("tracking: block fetch failed for %s at %s: %v", key.ImageID, key.Path, err)
		d.Store.AbortImage(img)
		d.abort(ctx, key, wire.ReasonClusterAbortNoSource)
		return
	}

	if err := d.Store.CommitImage(img); err != nil {
		log.Printf("tracking: commit failed for %s at %s: %v", key.ImageID, key.Path, err)
		d.abort(ctx, key, wire.ReasonCommitError)
		return
	}

	if err := d.Meta.DirCommitted(ctx, key.Path); err != nil {
		log.Printf("tracking: recording commit for %s failed: %v", key.Path, err)
	}

	// Only now, with the image durably committed, is it true that this
	// daemon can answer GetIndex/GetBlock for it: persist the index
	// where readLocalIndex expects it and tell every connected peer,
	// so the image can propagate past this daemon instead of being
	// reachable only from whichever client originally pushed it.
	if err := d.persistIndex(key.ImageID, idx); err != nil {
		log.Printf("tracking: persisting index for %s failed: %v", key.ImageID, err)
	} else {
		d.Registry.NotifyProgress(key.ImageID, dl.Mask, true)
	}

	d.notifyReceived(key, false)
}

func (d *Driver) abort(ctx context.Context, key dirKey, reason wire.AbortReason) {
	if err := d.Meta.DirAborted(ctx, key.Path); err != nil {
		log.Printf("tracking: recording abort for %s failed: %v", key.Path, err)
	}
	d.Registry.Broadcast(wire.KindAbortedImage, &wire.AbortedImage{
		ImageID: key.ImageID,
		Path:    key.Path,
		Reason:  reason,
	})
}

func (d *Driver) notifyReceived(key dirKey, forwarded bool) {
	d.Registry.Broadcast(wire.KindReceivedImage, &wire.ReceivedImage{
		MachineID: d.MachineID,
		Hostname:  d.Hostname,
		Path:      key.Path,
		ImageID:   key.ImageID,
		Forwarded: forwarded,
	})
}
