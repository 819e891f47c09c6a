package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"queue-ops/internal/models"
	"queue-ops/internal/telemetry"
)

// Engine implements the job lifecycle over the partitioned queue table.
// Claim is safe under concurrent callers; all other transitions are guarded
// by status predicates in SQL so a lost race surfaces as
// InvalidTransitionError instead of a silent overwrite.
type Engine struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

// New builds an engine over a shared pool. defaultMaxAttempts applies to
// jobs enqueued without an explicit budget.
func New(pool *pgxpool.Pool, defaultMaxAttempts int) *Engine {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 3
	}
	return &Engine{pool: pool, maxAttempts: defaultMaxAttempts}
}

const jobColumns = `id, queue_name, payload, status, attempts, max_attempts,
	last_error, created_at, claimed_at, completed_at`

// Enqueue inserts a fresh pending job. The row lands in the partition for
// its creation timestamp.
func (e *Engine) Enqueue(ctx context.Context, queueName string, payload map[string]any, maxAttempts int) (*models.Job, error) {
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = e.maxAttempts
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	row := e.pool.QueryRow(ctx, `
		INSERT INTO queue (queue_name, payload, status, attempts, max_attempts, created_at)
		VALUES ($1, $2, 'pending', 0, $3, NOW())
		RETURNING `+jobColumns,
		queueName, payloadJSON, maxAttempts)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// Claim atomically takes the oldest eligible pending job for the queue,
// transitions it to processing, and stamps claimed_at. It returns
// (nil, nil) when no job is available; that is an empty result, not an
// error. SKIP LOCKED keeps concurrent claimants from blocking on or
// receiving the same candidate row.
func (e *Engine) Claim(ctx context.Context, queueName, workerID string) (*models.Job, error) {
	row := e.pool.QueryRow(ctx, `
		UPDATE queue SET status = 'processing', claimed_at = NOW()
		WHERE (id, created_at) IN (
			SELECT id, created_at FROM queue
			WHERE queue_name = $1 AND status = 'pending'
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		queueName)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job on %q for %s: %w", queueName, workerID, err)
	}
	telemetry.JobsClaimed.Inc()
	return job, nil
}

// Complete transitions processing -> completed and stamps completed_at.
func (e *Engine) Complete(ctx context.Context, jobID int64) error {
	tag, err := e.pool.Exec(ctx, `
		UPDATE queue SET status = 'completed', completed_at = NOW(), last_error = NULL
		WHERE id = $1 AND status = 'processing'
	`, jobID)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return e.invalidTransition(ctx, jobID, models.StatusCompleted)
	}
	telemetry.JobsCompleted.Inc()
	return nil
}

// Fail records a failed attempt. Below the attempt budget the job returns
// to pending and becomes eligible for reclaim; at the budget it transitions
// to failed and awaits archival.
func (e *Engine) Fail(ctx context.Context, jobID int64, errText string) error {
	tag, err := e.pool.Exec(ctx, `
		UPDATE queue SET
			attempts = attempts + 1,
			last_error = $2,
			status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
			claimed_at = CASE WHEN attempts + 1 >= max_attempts THEN claimed_at ELSE NULL END
		WHERE id = $1 AND status = 'processing'
	`, jobID, errText)
	if err != nil {
		return fmt.Errorf("fail job %d: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return e.invalidTransition(ctx, jobID, models.StatusFailed)
	}
	telemetry.JobsFailed.Inc()
	return nil
}

// Cancel transitions a pending or processing job to cancelled.
func (e *Engine) Cancel(ctx context.Context, jobID int64) error {
	tag, err := e.pool.Exec(ctx, `
		UPDATE queue SET status = 'cancelled', completed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, jobID)
	if err != nil {
		return fmt.Errorf("cancel job %d: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return e.invalidTransition(ctx, jobID, models.StatusCancelled)
	}
	return nil
}

// RetryAll is the operator override that returns every failed job in a
// queue to pending. Attempts are left unchanged so the history survives.
func (e *Engine) RetryAll(ctx context.Context, queueName string) (int64, error) {
	tag, err := e.pool.Exec(ctx, `
		UPDATE queue SET status = 'pending', claimed_at = NULL, completed_at = NULL
		WHERE queue_name = $1 AND status = 'failed'
	`, queueName)
	if err != nil {
		return 0, fmt.Errorf("retry all on %q: %w", queueName, err)
	}
	return tag.RowsAffected(), nil
}

// Get fetches a job by id.
func (e *Engine) Get(ctx context.Context, jobID int64) (*models.Job, error) {
	row := e.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM queue WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %d not found: %w", jobID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", jobID, err)
	}
	return job, nil
}

// invalidTransition builds the error from the job's current status. A
// missing job reports its lookup failure instead.
func (e *Engine) invalidTransition(ctx context.Context, jobID int64, to string) error {
	var from string
	err := e.pool.QueryRow(ctx, `SELECT status FROM queue WHERE id = $1`, jobID).Scan(&from)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %d not found", jobID)
	}
	if err != nil {
		return fmt.Errorf("look up job %d: %w", jobID, err)
	}
	return &models.InvalidTransitionError{JobID: jobID, From: from, To: to}
}

// Stats returns per-queue status counts plus completed/failed totals inside
// the trailing window. An empty queueName covers all queues.
func (e *Engine) Stats(ctx context.Context, queueName string, window time.Duration) ([]models.QueueStats, error) {
	byQueue := make(map[string]*models.QueueStats)
	var order []string

	rows, err := e.pool.Query(ctx, `
		SELECT queue_name, status, COUNT(*)
		FROM queue
		WHERE ($1 = '' OR queue_name = $1)
		GROUP BY queue_name, status
		ORDER BY queue_name, status
	`, queueName)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	for rows.Next() {
		var name, status string
		var n int
		if err := rows.Scan(&name, &status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		st, ok := byQueue[name]
		if !ok {
			st = &models.QueueStats{QueueName: name}
			byQueue[name] = st
			order = append(order, name)
		}
		switch status {
		case models.StatusPending:
			st.Pending = n
		case models.StatusProcessing:
			st.Processing = n
		case models.StatusCompleted:
			st.CompletedTotal = n
		case models.StatusFailed:
			st.FailedTotal = n
		case models.StatusCancelled:
			st.CancelledTotal = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	cutoff := time.Now().Add(-window)
	rows, err = e.pool.Query(ctx, `
		SELECT queue_name, status, COUNT(*)
		FROM queue
		WHERE status IN ('completed', 'failed')
		  AND COALESCE(completed_at, created_at) > $2
		  AND ($1 = '' OR queue_name = $1)
		GROUP BY queue_name, status
	`, queueName, cutoff)
	if err != nil {
		return nil, fmt.Errorf("queue window stats: %w", err)
	}
	for rows.Next() {
		var name, status string
		var n int
		if err := rows.Scan(&name, &status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan queue window stats: %w", err)
		}
		st, ok := byQueue[name]
		if !ok {
			continue
		}
		if status == models.StatusCompleted {
			st.CompletedRecent = n
		} else {
			st.FailedRecent = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue window stats: %w", err)
	}

	out := make([]models.QueueStats, 0, len(order))
	var pending int
	for _, name := range order {
		out = append(out, *byQueue[name])
		pending += byQueue[name].Pending
	}
	telemetry.PendingDepth.Set(float64(pending))
	return out, nil
}

// StaleJobs finds jobs stuck in processing longer than olderThan. These
// usually indicate a crashed worker.
func (e *Engine) StaleJobs(ctx context.Context, olderThan time.Duration) ([]models.StaleJob, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := e.pool.Query(ctx, `
		SELECT id, queue_name, claimed_at,
			EXTRACT(EPOCH FROM (NOW() - claimed_at)) / 60
		FROM queue
		WHERE status = 'processing' AND claimed_at < $1
		ORDER BY claimed_at
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stale jobs: %w", err)
	}
	defer rows.Close()

	var out []models.StaleJob
	for rows.Next() {
		var sj models.StaleJob
		if err := rows.Scan(&sj.ID, &sj.QueueName, &sj.ClaimedAt, &sj.MinutesStuck); err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		out = append(out, sj)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var lastErr pgtype.Text
	var claimed, completed pgtype.Timestamptz

	err := row.Scan(
		&job.ID, &job.QueueName, &payloadJSON, &job.Status, &job.Attempts,
		&job.MaxAttempts, &lastErr, &job.CreatedAt, &claimed, &completed,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if lastErr.Valid {
		job.LastError = &lastErr.String
	}
	if claimed.Valid {
		t := claimed.Time
		job.ClaimedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	}
	return &job, nil
}
