package store

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema/*.sql
var schemaFiles embed.FS

// Store wraps pgxpool for Postgres persistence. All partition and
// dead-letter operations hang off it; the queue engine shares its pool.
type Store struct {
	pool     *pgxpool.Pool
	exporter Exporter
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool for the queue engine.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// SetExporter installs the cold-storage exporter used before dead-letter
// purges. Nil disables export.
func (s *Store) SetExporter(e Exporter) {
	s.exporter = e
}

// RunMigrations executes the embedded SQL schema files in order. Every
// statement is idempotent, so re-running on startup is safe.
func (s *Store) RunMigrations(ctx context.Context) error {
	entries, err := schemaFiles.ReadDir("schema")
	if err != nil {
		return fmt.Errorf("read schema dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := schemaFiles.ReadFile("schema/" + e.Name())
		if err != nil {
			return fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec schema %s: %w", e.Name(), err)
		}
	}
	return nil
}
