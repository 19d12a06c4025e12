package postgres

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"testing"

	"github.com/google/uuid"
)

// openTestStore connects to VFSHELL_TEST_DATABASE_URL, skipping the test
// when it is unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("VFSHELL_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("VFSHELL_TEST_DATABASE_URL not set")
	}
	s, err := Open(context.Background(), dsn, "test-"+uuid.NewString())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		s.db.Exec(`DELETE FROM vfshell_state WHERE name = $1`, s.name)
		s.Close()
	})
	return s
}

func TestLoadMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Load(context.Background()); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestSaveLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, blob := range []string{"one", "two"} {
		if err := s.Save(ctx, []byte(blob)); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		got, err := s.Load(ctx)
		if err != nil || string(got) != blob {
			t.Fatalf("Load = %q, %v; want %q", got, err, blob)
		}
	}
}
