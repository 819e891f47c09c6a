package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"queue-ops/internal/models"
	"queue-ops/internal/telemetry"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// DeadLetterFilter narrows list, retry, and purge operations. A zero Limit
// means no limit; display surfaces set their own caps.
type DeadLetterFilter struct {
	QueueName string
	Since     time.Duration // only rows that failed within this window
	Before    time.Time     // only rows that failed before this cutoff
	Limit     uint64
}

func deadLetterQuery(f DeadLetterFilter, now time.Time) sq.SelectBuilder {
	q := psql.Select(
		"id", "original_id", "queue_name", "payload", "attempts",
		"last_error", "created_at", "failed_at", "archived_from_partition", "retried_at",
	).From("dead_letter").OrderBy("failed_at DESC")

	if f.QueueName != "" {
		q = q.Where(sq.Eq{"queue_name": f.QueueName})
	}
	if f.Since > 0 {
		q = q.Where(sq.Gt{"failed_at": now.Add(-f.Since)})
	}
	if !f.Before.IsZero() {
		q = q.Where(sq.Lt{"failed_at": f.Before})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	return q
}

// ArchiveJobs copies the given terminal jobs into dead_letter and removes
// them from the active table in one transaction. Used by the failed-job
// sweep in ArchiveFailed; rotation archives whole partitions in
// DropPartition instead.
func (s *Store) ArchiveJobs(ctx context.Context, ids []int64, sourcePartition string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO dead_letter (
			original_id, queue_name, payload, attempts,
			last_error, created_at, failed_at, archived_from_partition
		)
		SELECT id, queue_name, payload, attempts,
			last_error, created_at, NOW(), $2
		FROM queue
		WHERE id = ANY($1) AND status IN ('pending', 'failed')
	`, ids, sourcePartition)
	if err != nil {
		return 0, fmt.Errorf("archive jobs: %w", err)
	}
	archived := tag.RowsAffected()

	del, err := tx.Exec(ctx, `
		DELETE FROM queue WHERE id = ANY($1) AND status IN ('pending', 'failed')
	`, ids)
	if err != nil {
		return 0, fmt.Errorf("remove archived jobs: %w", err)
	}
	if del.RowsAffected() != archived {
		telemetry.ArchiveFailures.Inc()
		return 0, &models.ArchiveTransactionError{
			Partition: sourcePartition,
			Expected:  archived,
			Archived:  del.RowsAffected(),
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit archive: %w", err)
	}
	telemetry.JobsArchived.Add(float64(archived))
	return archived, nil
}

type failedJobRef struct {
	ID        int64
	CreatedAt time.Time
}

// groupByPartition buckets jobs by the daily partition holding them, so
// archive rows record the partition they came from.
func groupByPartition(refs []failedJobRef) map[string][]int64 {
	out := make(map[string][]int64)
	for _, r := range refs {
		name := PartitionName(r.CreatedAt.UTC())
		out[name] = append(out[name], r.ID)
	}
	return out
}

// ArchiveFailed sweeps jobs that exhausted their attempts into the dead
// letter archive ahead of partition rotation. An empty queueName sweeps
// all queues. Returns the number of jobs archived (or, on dry run, the
// number that would be).
func (s *Store) ArchiveFailed(ctx context.Context, queueName string, dryRun bool) (int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, created_at FROM queue
		WHERE status = 'failed' AND ($1 = '' OR queue_name = $1)
	`, queueName)
	if err != nil {
		return 0, fmt.Errorf("list failed jobs: %w", err)
	}
	defer rows.Close()

	var refs []failedJobRef
	for rows.Next() {
		var r failedJobRef
		if err := rows.Scan(&r.ID, &r.CreatedAt); err != nil {
			return 0, fmt.Errorf("scan failed job: %w", err)
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("list failed jobs: %w", err)
	}

	if dryRun {
		log.Printf("would archive %d failed jobs", len(refs))
		return int64(len(refs)), nil
	}

	var archived int64
	for part, ids := range groupByPartition(refs) {
		n, err := s.ArchiveJobs(ctx, ids, part)
		if err != nil {
			return archived, err
		}
		archived += n
	}
	if archived > 0 {
		log.Printf("archived %d failed jobs", archived)
	}
	return archived, nil
}

// ListDeadLetters returns archive rows matching the filter, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]models.DeadLetterRecord, error) {
	sqlStr, args, err := deadLetterQuery(f, time.Now()).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build dead letter query: %w", err)
	}

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.DeadLetterRecord
	for rows.Next() {
		rec, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetDeadLetter fetches one archive row by id.
func (s *Store) GetDeadLetter(ctx context.Context, id int64) (models.DeadLetterRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, original_id, queue_name, payload, attempts,
			last_error, created_at, failed_at, archived_from_partition, retried_at
		FROM dead_letter WHERE id = $1
	`, id)
	rec, err := scanDeadLetter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DeadLetterRecord{}, fmt.Errorf("dead letter %d not found: %w", id, err)
	}
	return rec, err
}

func scanDeadLetter(row pgx.Row) (models.DeadLetterRecord, error) {
	var rec models.DeadLetterRecord
	var payloadJSON []byte
	var lastErr pgtype.Text
	var retried pgtype.Timestamptz

	err := row.Scan(
		&rec.ID, &rec.OriginalID, &rec.QueueName, &payloadJSON, &rec.Attempts,
		&lastErr, &rec.CreatedAt, &rec.FailedAt, &rec.ArchivedFromPartition, &retried,
	)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(payloadJSON, &rec.Payload); err != nil {
		return rec, fmt.Errorf("unmarshal dead letter payload: %w", err)
	}
	if lastErr.Valid {
		rec.LastError = &lastErr.String
	}
	if retried.Valid {
		t := retried.Time
		rec.RetriedAt = &t
	}
	return rec, nil
}

// RetryDeadLetters re-enqueues matching archive rows as fresh pending jobs
// with attempts reset to zero. The archive rows are stamped retried_at
// rather than deleted, so they remain the audit trail. Already-retried rows are
// skipped. A zero filter Limit retries every matching row. Returns the
// number of jobs re-enqueued.
func (s *Store) RetryDeadLetters(ctx context.Context, f DeadLetterFilter, maxAttempts int, dryRun bool) (int, error) {
	recs, err := s.ListDeadLetters(ctx, f)
	if err != nil {
		return 0, err
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	retried := 0
	for _, rec := range recs {
		if rec.RetriedAt != nil {
			continue
		}
		if dryRun {
			retried++
			continue
		}
		if err := s.retryOne(ctx, rec, maxAttempts); err != nil {
			return retried, err
		}
		retried++
	}
	log.Printf("retried %d dead letter jobs (dry_run=%v)", retried, dryRun)
	return retried, nil
}

func (s *Store) retryOne(ctx context.Context, rec models.DeadLetterRecord, maxAttempts int) error {
	payloadJSON, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin retry tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var newID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO queue (queue_name, payload, status, attempts, max_attempts, created_at)
		VALUES ($1, $2, 'pending', 0, $3, NOW())
		RETURNING id
	`, rec.QueueName, payloadJSON, maxAttempts).Scan(&newID)
	if err != nil {
		return fmt.Errorf("re-enqueue dead letter %d: %w", rec.ID, err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE dead_letter SET retried_at = NOW() WHERE id = $1 AND retried_at IS NULL
	`, rec.ID); err != nil {
		return fmt.Errorf("mark dead letter %d retried: %w", rec.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit retry: %w", err)
	}
	log.Printf("retried dead letter %d as job %d on %q", rec.ID, newID, rec.QueueName)
	return nil
}

// PurgeDeadLetters hard-deletes archive rows older than the cutoff. This is
// the only irreversible delete in the system. When an exporter is
// configured, the rows are uploaded to cold storage first and an upload
// failure aborts the purge.
func (s *Store) PurgeDeadLetters(ctx context.Context, olderThan time.Duration, queueName string, dryRun bool) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	where := sq.And{sq.Lt{"failed_at": cutoff}}
	if queueName != "" {
		where = append(where, sq.Eq{"queue_name": queueName})
	}

	if dryRun {
		sqlStr, args, err := psql.Select("COUNT(*)").From("dead_letter").Where(where).ToSql()
		if err != nil {
			return 0, fmt.Errorf("build purge count: %w", err)
		}
		var n int64
		if err := s.pool.QueryRow(ctx, sqlStr, args...).Scan(&n); err != nil {
			return 0, fmt.Errorf("count purge rows: %w", err)
		}
		log.Printf("would purge %d dead letter rows older than %s", n, cutoff.Format(time.RFC3339))
		return n, nil
	}

	if s.exporter != nil {
		// Same cutoff predicate as the DELETE below, with no limit, so
		// every row about to be deleted reaches cold storage first.
		expired, err := s.ListDeadLetters(ctx, DeadLetterFilter{QueueName: queueName, Before: cutoff})
		if err != nil {
			return 0, err
		}
		if len(expired) > 0 {
			if err := s.exporter.Export(ctx, expired); err != nil {
				return 0, fmt.Errorf("export before purge: %w", err)
			}
		}
	}

	sqlStr, args, err := psql.Delete("dead_letter").Where(where).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build purge delete: %w", err)
	}
	tag, err := s.pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	log.Printf("purged %d dead letter rows older than %s", tag.RowsAffected(), cutoff.Format(time.RFC3339))
	return tag.RowsAffected(), nil
}

// DeadLetterQueueStats holds per-queue archive counts.
type DeadLetterQueueStats struct {
	QueueName string     `json:"queue_name"`
	Count     int64      `json:"count"`
	Oldest    *time.Time `json:"oldest,omitempty"`
	Newest    *time.Time `json:"newest,omitempty"`
}

// DeadLetterStats summarizes the archive by queue, largest first.
func (s *Store) DeadLetterStats(ctx context.Context) ([]DeadLetterQueueStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT queue_name, COUNT(*), MIN(failed_at), MAX(failed_at)
		FROM dead_letter
		GROUP BY queue_name
		ORDER BY COUNT(*) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("dead letter stats: %w", err)
	}
	defer rows.Close()

	var out []DeadLetterQueueStats
	for rows.Next() {
		var st DeadLetterQueueStats
		var oldest, newest pgtype.Timestamptz
		if err := rows.Scan(&st.QueueName, &st.Count, &oldest, &newest); err != nil {
			return nil, fmt.Errorf("scan dead letter stats: %w", err)
		}
		if oldest.Valid {
			t := oldest.Time
			st.Oldest = &t
		}
		if newest.Valid {
			t := newest.Time
			st.Newest = &t
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
