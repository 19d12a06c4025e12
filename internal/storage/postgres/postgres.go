// Package postgres stores state blobs in a PostgreSQL table, one row per
// named tree.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/lib/pq"

	"github.com/IceWhaleTech/vfshell"
	"github.com/IceWhaleTech/vfshell/internal/metrics"
)

const backend = "postgres"

const schema = `CREATE TABLE IF NOT EXISTS vfshell_state (
	name       TEXT PRIMARY KEY,
	blob       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store keeps the blob of one tree.
type Store struct {
	db   *sql.DB
	name string
}

var _ vfshell.Store = (*Store)(nil)

// Open connects to databaseURL and creates the state table if needed.
func Open(ctx context.Context, databaseURL, name string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s, err := New(ctx, db, name)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New uses an open database.
func New(ctx context.Context, db *sql.DB, name string) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	return &Store{db: db, name: name}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the row. A missing row yields an error matching
// fs.ErrNotExist.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM vfshell_state WHERE name = $1`, s.name).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.RecordStorageOperation(backend, "load", true)
		return nil, fmt.Errorf("state %q: %w", s.name, fs.ErrNotExist)
	}
	metrics.RecordStorageOperation(backend, "load", err == nil)
	if err != nil {
		return nil, fmt.Errorf("query state %q: %w", s.name, err)
	}
	return blob, nil
}

// Save upserts the row.
func (s *Store) Save(ctx context.Context, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vfshell_state (name, blob, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET blob = EXCLUDED.blob, updated_at = EXCLUDED.updated_at`,
		s.name, blob)
	metrics.RecordStorageOperation(backend, "save", err == nil)
	if err != nil {
		return fmt.Errorf("save state %q: %w", s.name, err)
	}
	return nil
}
