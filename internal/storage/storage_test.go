package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/IceWhaleTech/vfshell"
	"github.com/IceWhaleTech/vfshell/internal/config"
	"github.com/IceWhaleTech/vfshell/internal/storage/local"
	"github.com/IceWhaleTech/vfshell/internal/storage/sqlite"
)

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	tests := []struct {
		backend string
		check   func(vfshell.Store) bool
	}{
		{config.BackendMemory, func(s vfshell.Store) bool { _, ok := s.(*vfshell.MemoryStore); return ok }},
		{config.BackendFile, func(s vfshell.Store) bool { _, ok := s.(*local.Store); return ok }},
		{config.BackendSQLite, func(s vfshell.Store) bool { _, ok := s.(*sqlite.Store); return ok }},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := config.Default()
			cfg.State.Backend = tt.backend
			cfg.State.Path = filepath.Join(dir, "state")
			cfg.SQLite.Path = filepath.Join(dir, "state.db")
			store, closer, err := Open(ctx, cfg)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer closer.Close()
			if !tt.check(store) {
				t.Errorf("Open returned %T", store)
			}
		})
	}

	cfg := config.Default()
	cfg.State.Backend = "tape"
	if _, _, err := Open(ctx, cfg); err == nil {
		t.Error("expected an error for an unknown backend")
	}
}

// TestCheckpointRoundTrip saves a tree through a real backend and loads
// it back.
func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.State.Backend = config.BackendSQLite
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "state.db")
	store, closer, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer closer.Close()

	tree := vfshell.New()
	if err := tree.View(vfshell.Root, "/").WriteFile("/hello.txt", []byte("hi\n")); err != nil {
		t.Fatal(err)
	}
	if err := vfshell.NewCheckpointer(tree, store, vfshell.SerializeOptions{}).Save(ctx, true); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, status, err := vfshell.LoadTree(ctx, store, vfshell.LoadOptions{})
	if err != nil || status != vfshell.StateLoaded {
		t.Fatalf("LoadTree = %v, %v", status, err)
	}
	data, err := loaded.View(vfshell.Root, "/").ReadFile("/hello.txt")
	if err != nil || string(data) != "hi\n" {
		t.Errorf("hello.txt = %q, %v", data, err)
	}
}
