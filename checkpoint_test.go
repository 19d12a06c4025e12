package vfshell

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingStore struct {
	MemoryStore
	saves atomic.Int32
}

func (s *countingStore) Save(ctx context.Context, blob []byte) error {
	s.saves.Add(1)
	return s.MemoryStore.Save(ctx, blob)
}

type failingStore struct{ err error }

func (s failingStore) Load(ctx context.Context) ([]byte, error) { return nil, s.err }
func (s failingStore) Save(ctx context.Context, blob []byte) error {
	return s.err
}

func TestLoadTreeFresh(t *testing.T) {
	provisioned := false
	tr, status, err := LoadTree(context.Background(), NewMemoryStore(), LoadOptions{
		Provision: func(t *Tree) error {
			provisioned = true
			return t.View(Root, "/").Mkdir("/marker", DefaultDirMode)
		},
	})
	if err != nil {
		t.Fatalf("LoadTree failed: %v", err)
	}
	if status != StateFresh {
		t.Errorf("Expected fresh state, got %s", status)
	}
	if !provisioned {
		t.Error("Provision was not called")
	}
	if _, err := tr.View(Root, "/").Stat("/marker"); err != nil {
		t.Errorf("Provisioned directory missing: %v", err)
	}
}

func TestLoadTreeCorruptFallsBack(t *testing.T) {
	store := NewMemoryStore()
	store.Save(context.Background(), []byte("VFSH garbage that is long enough to pass the header check"))

	tr, status, err := LoadTree(context.Background(), store, LoadOptions{})
	if err != nil {
		t.Fatalf("Corrupt state must not be fatal: %v", err)
	}
	if status != StateRecovered {
		t.Errorf("Expected recovered state, got %s", status)
	}
	entries, err := tr.View(Root, "/").ListDir("/")
	if err != nil || len(entries) != 0 {
		t.Errorf("Expected an empty tree, got %d entries, %v", len(entries), err)
	}
}

func TestLoadTreeWrongPassphraseKeepsState(t *testing.T) {
	ctx := context.Background()
	tr := populatedTree(t)
	store := NewMemoryStore()
	opts := SerializeOptions{Passphrase: "right", ScryptWorkFactor: 10}
	if err := NewCheckpointer(tr, store, opts).Save(ctx, false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	saved, _ := store.Load(ctx)

	for _, pass := range []string{"wrong", ""} {
		_, _, err := LoadTree(ctx, store, LoadOptions{Passphrase: pass})
		if !errors.Is(err, ErrPassphrase) {
			t.Errorf("LoadTree with passphrase %q: expected ErrPassphrase, got %v", pass, err)
		}
	}
	if now, _ := store.Load(ctx); !bytes.Equal(now, saved) {
		t.Fatal("Stored state changed after a failed load")
	}
	restored, status, err := LoadTree(ctx, store, LoadOptions{Passphrase: "right"})
	if err != nil || status != StateLoaded || !tr.Equal(restored) {
		t.Errorf("Reload with the right passphrase: status %s, err %v", status, err)
	}
}

func TestCheckpointPreserveRecoveredState(t *testing.T) {
	ctx := context.Background()
	garbage := []byte("VFSH garbage that is long enough to pass the header check")
	store := NewMemoryStore()
	store.Save(ctx, garbage)

	tr, status, err := LoadTree(ctx, store, LoadOptions{})
	if err != nil || status != StateRecovered {
		t.Fatalf("LoadTree: status %s, err %v", status, err)
	}
	cp := NewCheckpointer(tr, store, SerializeOptions{})
	cp.Preserve()
	tr.View(Root, "/").WriteFile("/new", []byte("x"))
	if err := cp.Save(ctx, false); !errors.Is(err, ErrPreserved) {
		t.Fatalf("Expected ErrPreserved, got %v", err)
	}
	if now, _ := store.Load(ctx); !bytes.Equal(now, garbage) {
		t.Fatal("Unforced save replaced preserved state")
	}

	if err := cp.Save(ctx, true); err != nil {
		t.Fatalf("Forced save failed: %v", err)
	}
	if now, _ := store.Load(ctx); bytes.Equal(now, garbage) {
		t.Fatal("Forced save did not write")
	}
	tr.View(Root, "/").WriteFile("/newer", []byte("y"))
	before, _ := store.Load(ctx)
	cp.Save(ctx, false)
	if now, _ := store.Load(ctx); bytes.Equal(now, before) {
		t.Error("Unforced saves still skipped after a forced save")
	}
}

func TestLoadTreeStoreError(t *testing.T) {
	boom := errors.New("backend down")
	_, _, err := LoadTree(context.Background(), failingStore{err: boom}, LoadOptions{})
	if !errors.Is(err, boom) {
		t.Errorf("Expected backend error, got %v", err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	tr := populatedTree(t)
	store := NewMemoryStore()
	cp := NewCheckpointer(tr, store, SerializeOptions{})
	if err := cp.Save(context.Background(), false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	restored, status, err := LoadTree(context.Background(), store, LoadOptions{})
	if err != nil {
		t.Fatalf("LoadTree failed: %v", err)
	}
	if status != StateLoaded {
		t.Errorf("Expected loaded state, got %s", status)
	}
	if !tr.Equal(restored) {
		t.Error("Loaded tree differs from the checkpointed one")
	}
}

func TestCheckpointSkipsUnchanged(t *testing.T) {
	tr := populatedTree(t)
	store := &countingStore{}
	cp := NewCheckpointer(tr, store, SerializeOptions{})
	ctx := context.Background()

	cp.Save(ctx, false)
	cp.Save(ctx, false)
	if n := store.saves.Load(); n != 1 {
		t.Errorf("Expected 1 save for unchanged tree, got %d", n)
	}
	cp.Save(ctx, true)
	if n := store.saves.Load(); n != 2 {
		t.Errorf("Expected forced save, got %d saves", n)
	}
	tr.View(Root, "/").WriteFile("/changed", []byte("x"))
	cp.Save(ctx, false)
	if n := store.saves.Load(); n != 3 {
		t.Errorf("Expected save after change, got %d saves", n)
	}
}

func TestCheckpointSaveError(t *testing.T) {
	tr := populatedTree(t)
	boom := errors.New("disk full")
	cp := NewCheckpointer(tr, failingStore{err: boom}, SerializeOptions{})
	if err := cp.Save(context.Background(), true); !errors.Is(err, boom) {
		t.Errorf("Expected store error, got %v", err)
	}
}

func TestCheckpointRunStopsOnCancel(t *testing.T) {
	tr := populatedTree(t)
	store := &countingStore{}
	cp := NewCheckpointer(tr, store, SerializeOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cp.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for store.saves.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("Autosave never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
