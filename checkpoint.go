package vfshell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/IceWhaleTech/vfshell/internal/logging"
	"github.com/IceWhaleTech/vfshell/internal/metrics"
)

// Store persists a single state blob. Load returns an error matching
// fs.ErrNotExist when nothing has been saved yet.
type Store interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, blob []byte) error
}

// LoadStatus tells how LoadTree obtained its tree.
type LoadStatus int

const (
	// StateLoaded means the persisted state was restored.
	StateLoaded LoadStatus = iota
	// StateFresh means no state existed and a new tree was provisioned.
	StateFresh
	// StateRecovered means the persisted state was corrupt and a new tree
	// was provisioned in its place.
	StateRecovered
)

func (s LoadStatus) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateFresh:
		return "fresh"
	case StateRecovered:
		return "recovered"
	}
	return "unknown"
}

// LoadOptions controls LoadTree.
type LoadOptions struct {
	Passphrase string
	// Provision populates a fresh tree. It runs when no usable state exists.
	Provision func(*Tree) error
	// TreeOptions are applied to the tree whether loaded or fresh.
	TreeOptions []Option
}

// LoadTree restores a tree from store. Missing state yields a freshly
// provisioned tree. Corrupt state is not fatal: it is logged and replaced
// by a fresh tree, and the caller should Preserve the stored blob. Other
// store errors, including ErrPassphrase, are returned.
func LoadTree(ctx context.Context, store Store, opts LoadOptions) (*Tree, LoadStatus, error) {
	fresh := func(status LoadStatus) (*Tree, LoadStatus, error) {
		t := New(opts.TreeOptions...)
		if opts.Provision != nil {
			if err := opts.Provision(t); err != nil {
				return nil, status, fmt.Errorf("provision tree: %w", err)
			}
		}
		return t, status, nil
	}

	blob, err := store.Load(ctx)
	if errors.Is(err, fs.ErrNotExist) {
		return fresh(StateFresh)
	}
	if err != nil {
		return nil, StateFresh, fmt.Errorf("load state: %w", err)
	}

	t, err := Deserialize(blob, opts.Passphrase, opts.TreeOptions...)
	if err != nil {
		if !errors.Is(err, ErrCorruptData) {
			return nil, StateFresh, err
		}
		logging.Warn("persisted state is corrupt, starting from an empty tree",
			logging.Err(err),
			logging.Int("blob_bytes", len(blob)),
		)
		return fresh(StateRecovered)
	}
	return t, StateLoaded, nil
}

// Checkpointer writes consistent snapshots of a tree to a Store.
type Checkpointer struct {
	tree  *Tree
	store Store
	opts  SerializeOptions

	mu       sync.Mutex
	lastSum  []byte
	preserve bool
}

// NewCheckpointer creates a checkpointer for tree.
func NewCheckpointer(tree *Tree, store Store, opts SerializeOptions) *Checkpointer {
	return &Checkpointer{tree: tree, store: store, opts: opts}
}

// ErrPreserved is returned by unforced saves while the stored state is
// preserved.
var ErrPreserved = errors.New("stored state is preserved; force the save to replace it")

// Preserve keeps unforced saves from replacing what the store holds. It
// is used after LoadTree recovered from corrupt state, so the bad blob
// survives until someone saves with force.
func (c *Checkpointer) Preserve() {
	c.mu.Lock()
	c.preserve = true
	c.mu.Unlock()
}

// Save serializes the tree under its writer lock, then hands the blob to
// the store without holding the lock. Unchanged state is not rewritten
// unless force is set. While preserving, only forced saves write.
func (c *Checkpointer) Save(ctx context.Context, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.preserve && !force {
		return ErrPreserved
	}

	start := time.Now()
	blob, err := c.tree.Serialize(c.opts)
	if err != nil {
		metrics.RecordCheckpoint(0, time.Since(start), false)
		return err
	}
	nodes, size := c.tree.Usage()
	metrics.SetTreeUsage(nodes, size)

	sum := blob[len(blobMagic)+2 : headerLen]
	if !force && c.opts.Passphrase == "" && bytes.Equal(sum, c.lastSum) {
		return nil
	}
	if err := c.store.Save(ctx, blob); err != nil {
		metrics.RecordCheckpoint(len(blob), time.Since(start), false)
		return fmt.Errorf("save state: %w", err)
	}
	c.lastSum = append(c.lastSum[:0], sum...)
	c.preserve = false
	metrics.RecordCheckpoint(len(blob), time.Since(start), true)
	logging.Debug("checkpoint saved",
		logging.Int("bytes", len(blob)),
		logging.Int("nodes", nodes),
		logging.Duration("duration", time.Since(start)),
	)
	return nil
}

// Run saves the tree every interval until ctx is cancelled. Failures are
// logged and retried on the next tick.
func (c *Checkpointer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Save(ctx, false); err != nil && !errors.Is(err, ErrPreserved) {
				logging.Error("autosave failed", logging.Err(err))
			}
		}
	}
}

// MemoryStore keeps the blob in memory. It backs the "memory" state
// backend and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	blob []byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns the saved blob or fs.ErrNotExist.
func (s *MemoryStore) Load(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.blob == nil {
		return nil, fs.ErrNotExist
	}
	return append([]byte(nil), s.blob...), nil
}

// Save replaces the stored blob.
func (s *MemoryStore) Save(ctx context.Context, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blob = append([]byte(nil), blob...)
	return nil
}
