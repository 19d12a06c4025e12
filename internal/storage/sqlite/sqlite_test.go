package sqlite

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
)

func openStore(t *testing.T, path, name string) *Store {
	t.Helper()
	s, err := Open(path, name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s := openStore(t, path, "default")
	ctx := context.Background()

	if _, err := s.Load(ctx); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
	for _, blob := range []string{"first", "second"} {
		if err := s.Save(ctx, []byte(blob)); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		got, err := s.Load(ctx)
		if err != nil || string(got) != blob {
			t.Fatalf("Load = %q, %v; want %q", got, err, blob)
		}
	}
}

func TestNamesAreIndependent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	a := openStore(t, path, "a")
	b := openStore(t, path, "b")
	ctx := context.Background()
	if err := a.Save(ctx, []byte("tree a")); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Load(ctx); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("b sees a's state: %v", err)
	}
}
