// Package storage opens the state backend named in the configuration.
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/IceWhaleTech/vfshell"
	"github.com/IceWhaleTech/vfshell/internal/config"
	"github.com/IceWhaleTech/vfshell/internal/storage/local"
	"github.com/IceWhaleTech/vfshell/internal/storage/postgres"
	"github.com/IceWhaleTech/vfshell/internal/storage/s3"
	"github.com/IceWhaleTech/vfshell/internal/storage/sqlite"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open returns the store selected by cfg.State.Backend. The closer
// releases any connection the backend holds.
func Open(ctx context.Context, cfg *config.Config) (vfshell.Store, io.Closer, error) {
	switch cfg.State.Backend {
	case config.BackendMemory:
		return vfshell.NewMemoryStore(), nopCloser{}, nil
	case config.BackendFile:
		return local.New(cfg.State.Path), nopCloser{}, nil
	case config.BackendS3:
		s, err := s3.New(ctx, s3.Config{
			Bucket:       cfg.S3.Bucket,
			Key:          cfg.S3.Key,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, nopCloser{}, nil
	case config.BackendPostgres:
		s, err := postgres.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.Name)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.BackendSQLite:
		s, err := sqlite.Open(cfg.SQLite.Path, cfg.SQLite.Name)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
	return nil, nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
}
