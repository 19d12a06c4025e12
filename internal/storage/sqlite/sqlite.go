// Package sqlite stores state blobs in a SQLite database file.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/IceWhaleTech/vfshell"
	"github.com/IceWhaleTech/vfshell/internal/metrics"
)

const backend = "sqlite"

const schema = `CREATE TABLE IF NOT EXISTS vfshell_state (
	name       TEXT PRIMARY KEY,
	blob       BLOB NOT NULL,
	updated_at TEXT NOT NULL
);`

// Store keeps the blob of one tree in a row of the state table.
type Store struct {
	pool *sqlitex.Pool
	name string
}

var _ vfshell.Store = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path, name string) (*Store, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    2,
		PrepareConn: prepare,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Store{pool: pool, name: name}, nil
}

func prepare(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Load reads the row. A missing row yields an error matching
// fs.ErrNotExist.
func (s *Store) Load(ctx context.Context) (blob []byte, err error) {
	defer func() {
		metrics.RecordStorageOperation(backend, "load", err == nil || errors.Is(err, fs.ErrNotExist))
	}()
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn, `SELECT blob FROM vfshell_state WHERE name = ?`, &sqlitex.ExecOptions{
		Args: []any{s.name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, blob)
			found = true
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query state %q: %w", s.name, err)
	}
	if !found {
		return nil, fmt.Errorf("state %q: %w", s.name, fs.ErrNotExist)
	}
	return blob, nil
}

// Save upserts the row.
func (s *Store) Save(ctx context.Context, blob []byte) (err error) {
	defer func() { metrics.RecordStorageOperation(backend, "save", err == nil) }()
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO vfshell_state (name, blob, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT (name) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{s.name, blob}})
	if err != nil {
		return fmt.Errorf("save state %q: %w", s.name, err)
	}
	return nil
}
