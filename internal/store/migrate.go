package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// One-time migration from a legacy flat queue table to the partitioned
// layout. The legacy table is renamed to queue_legacy and preserved until
// an operator drops it explicitly.

const partitionedQueueSchema = `
CREATE TABLE queue_new (
    id BIGSERIAL,
    queue_name TEXT NOT NULL,
    payload JSONB NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    attempts INT NOT NULL DEFAULT 0,
    max_attempts INT NOT NULL DEFAULT 3,
    last_error TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    claimed_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,

    CONSTRAINT queue_new_valid_status CHECK (
        status IN ('pending', 'processing', 'completed', 'failed', 'cancelled')
    ),
    PRIMARY KEY (id, created_at)
) PARTITION BY RANGE (created_at)`

// IsQueuePartitioned reports whether the queue table already uses the
// partitioned layout.
func (s *Store) IsQueuePartitioned(ctx context.Context) (bool, error) {
	var strat string
	err := s.pool.QueryRow(ctx, `
		SELECT pt.partstrat
		FROM pg_class c
		JOIN pg_partitioned_table pt ON c.oid = pt.partrelid
		WHERE c.relname = 'queue'
	`).Scan(&strat)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check queue layout: %w", err)
	}
	return true, nil
}

// MigrateResult summarizes one migration run.
type MigrateResult struct {
	AlreadyPartitioned bool   `json:"already_partitioned"`
	PartitionsCreated  int    `json:"partitions_created"`
	RowsMigrated       int64  `json:"rows_migrated"`
	LegacyTable        string `json:"legacy_table,omitempty"`
	DryRun             bool   `json:"dry_run"`
}

// MigrateToPartitioned converts a legacy flat queue table into the
// partitioned layout: build the partitioned table alongside, create
// partitions covering the existing data range plus aheadDays, copy every
// row, verify counts, then swap names. Everything runs in one transaction;
// a count mismatch rolls the whole migration back. The old table survives
// as queue_legacy until DropLegacyQueue.
func (s *Store) MigrateToPartitioned(ctx context.Context, aheadDays int, dryRun bool) (MigrateResult, error) {
	res := MigrateResult{DryRun: dryRun}

	partitioned, err := s.IsQueuePartitioned(ctx)
	if err != nil {
		return res, err
	}
	if partitioned {
		res.AlreadyPartitioned = true
		return res, nil
	}

	var minAt, maxAt pgtype.Timestamptz
	var total int64
	err = s.pool.QueryRow(ctx, `
		SELECT MIN(created_at), MAX(created_at), COUNT(*) FROM queue
	`).Scan(&minAt, &maxAt, &total)
	if err != nil {
		return res, fmt.Errorf("analyze queue: %w", err)
	}
	from, to := time.Now().UTC(), time.Now().UTC()
	if minAt.Valid {
		from, to = minAt.Time, maxAt.Time
	}
	span := PartitionSpan(from, to, aheadDays)

	if dryRun {
		res.PartitionsCreated = len(span)
		res.RowsMigrated = total
		log.Printf("would migrate %d rows into %d partitions (%s through %s)",
			total, len(span), PartitionName(span[0]), PartitionName(span[len(span)-1]))
		return res, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, partitionedQueueSchema); err != nil {
		return res, fmt.Errorf("create partitioned table: %w", err)
	}
	for _, day := range span {
		name := PartitionName(day)
		next := day.AddDate(0, 0, 1)
		sql := fmt.Sprintf(
			`CREATE TABLE %s PARTITION OF queue_new FOR VALUES FROM ('%s') TO ('%s')`,
			name, day.Format("2006-01-02"), next.Format("2006-01-02"),
		)
		if _, err := tx.Exec(ctx, sql); err != nil {
			return res, fmt.Errorf("create partition %s: %w", name, err)
		}
		res.PartitionsCreated++
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO queue_new (
			id, queue_name, payload, status, attempts, max_attempts,
			last_error, created_at, claimed_at, completed_at
		)
		SELECT id, queue_name, payload, status, attempts, max_attempts,
			last_error, created_at, claimed_at, completed_at
		FROM queue
	`)
	if err != nil {
		return res, fmt.Errorf("copy rows: %w", err)
	}
	res.RowsMigrated = tag.RowsAffected()
	if res.RowsMigrated != total {
		return res, fmt.Errorf("row count mismatch: copied %d of %d, rolled back", res.RowsMigrated, total)
	}

	if _, err := tx.Exec(ctx, `ALTER TABLE queue RENAME TO queue_legacy`); err != nil {
		return res, fmt.Errorf("rename legacy table: %w", err)
	}
	if _, err := tx.Exec(ctx, `ALTER TABLE queue_new RENAME TO queue`); err != nil {
		return res, fmt.Errorf("rename partitioned table: %w", err)
	}

	// The legacy indexes stay attached to queue_legacy under the old
	// names, so the replacements are created under temporary names and
	// renamed after the old ones are dropped.
	indexes := []struct{ tmp, final, def string }{
		{"idx_queue_pending_new", "idx_queue_pending",
			`CREATE INDEX IF NOT EXISTS idx_queue_pending_new
			 ON queue (queue_name, status, created_at) WHERE status = 'pending'`},
		{"idx_queue_processing_new", "idx_queue_processing",
			`CREATE INDEX IF NOT EXISTS idx_queue_processing_new
			 ON queue (queue_name, claimed_at) WHERE status = 'processing'`},
	}
	for _, ix := range indexes {
		if _, err := tx.Exec(ctx, ix.def); err != nil {
			return res, fmt.Errorf("create index %s: %w", ix.tmp, err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DROP INDEX IF EXISTS %s`, ix.final)); err != nil {
			return res, fmt.Errorf("drop legacy index %s: %w", ix.final, err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`ALTER INDEX %s RENAME TO %s`, ix.tmp, ix.final)); err != nil {
			return res, fmt.Errorf("rename index %s: %w", ix.tmp, err)
		}
	}

	// Continue id assignment past the migrated rows.
	var maxID int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM queue`).Scan(&maxID); err != nil {
		return res, fmt.Errorf("read max id: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT setval('queue_id_seq', $1, false)`, maxID+1); err != nil {
		return res, fmt.Errorf("reset id sequence: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("commit migration: %w", err)
	}

	res.LegacyTable = "queue_legacy"
	log.Printf("migrated %d rows into %d partitions, legacy table kept as queue_legacy",
		res.RowsMigrated, res.PartitionsCreated)
	return res, nil
}

// DropLegacyQueue removes the preserved queue_legacy table once the
// migration has been verified. Returns false when no legacy table exists.
func (s *Store) DropLegacyQueue(ctx context.Context, dryRun bool) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM pg_class WHERE relname = 'queue_legacy'`).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check legacy table: %w", err)
	}

	if dryRun {
		var n int64
		if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_legacy`).Scan(&n); err != nil {
			return false, fmt.Errorf("count legacy rows: %w", err)
		}
		log.Printf("would drop queue_legacy with %d rows", n)
		return true, nil
	}

	if _, err := s.pool.Exec(ctx, `DROP TABLE queue_legacy`); err != nil {
		return false, fmt.Errorf("drop legacy table: %w", err)
	}
	log.Printf("dropped queue_legacy")
	return true, nil
}
