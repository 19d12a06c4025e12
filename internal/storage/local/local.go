// Package local stores the state blob in a file on the host.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/IceWhaleTech/vfshell"
	"github.com/IceWhaleTech/vfshell/internal/metrics"
)

const backend = "file"

// Store keeps the blob at Path. Saves go through a temporary file in the
// same directory and a rename, so a crash never leaves a torn file.
type Store struct {
	Path string
}

var _ vfshell.Store = (*Store)(nil)

// New creates a store for path.
func New(path string) *Store {
	return &Store{Path: path}
}

// Load reads the blob. A missing file yields an error matching
// fs.ErrNotExist.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	metrics.RecordStorageOperation(backend, "load", err == nil || os.IsNotExist(err))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Save replaces the file atomically.
func (s *Store) Save(ctx context.Context, blob []byte) (err error) {
	defer func() { metrics.RecordStorageOperation(backend, "save", err == nil) }()

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
