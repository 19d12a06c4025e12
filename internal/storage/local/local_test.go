package local

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissing(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "state"))
	if _, err := s.Load(context.Background()); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state")
	s := New(path)
	ctx := context.Background()

	for _, blob := range []string{"first", "second, longer"} {
		if err := s.Save(ctx, []byte(blob)); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		got, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if string(got) != blob {
			t.Errorf("Load = %q, want %q", got, blob)
		}
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("state file mode = %o, want 600", fi.Mode().Perm())
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}
}
