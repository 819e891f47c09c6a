package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"

	"queue-ops/internal/models"
	"queue-ops/internal/telemetry"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Selector picks historical records for replay. Exactly one of Label,
// the date range, or IDs must be set; the variants are a closed set.
type Selector struct {
	Label string
	From  time.Time
	To    time.Time
	IDs   []int64
}

// Validate enforces that exactly one selector variant is populated and
// that the populated one is well formed.
func (s Selector) Validate() error {
	set := 0
	if s.Label != "" {
		set++
	}
	if !s.From.IsZero() || !s.To.IsZero() {
		set++
		if s.From.IsZero() || s.To.IsZero() {
			return errors.New("date range selector requires both from and to")
		}
		if !s.From.Before(s.To) {
			return fmt.Errorf("date range selector: from %s is not before to %s",
				s.From.Format(time.RFC3339), s.To.Format(time.RFC3339))
		}
	}
	if len(s.IDs) > 0 {
		set++
	}
	switch set {
	case 0:
		return errors.New("selector requires a label, date range, or id set")
	case 1:
		return nil
	default:
		return errors.New("selector variants are mutually exclusive")
	}
}

// HistoryItem is one resolved historical record.
type HistoryItem struct {
	ID      int64
	Payload map[string]any
}

// HistorySource resolves selectors against the historical record. The
// record itself is external to the queue; implementations never mutate it.
type HistorySource interface {
	Resolve(ctx context.Context, sel Selector) ([]HistoryItem, error)
}

// ReplayResult reports one replay run. Sample holds up to five source ids
// so dry runs have something concrete to show.
type ReplayResult struct {
	Matched  int     `json:"matched"`
	Inserted int     `json:"inserted"`
	Failed   int     `json:"failed"`
	Sample   []int64 `json:"sample,omitempty"`
	DryRun   bool    `json:"dry_run"`
}

// Inserter is the slice of the engine replay needs. It exists so tests can
// record inserts without a database.
type Inserter interface {
	Enqueue(ctx context.Context, queueName string, payload map[string]any, maxAttempts int) (*models.Job, error)
}

// Replayer re-enqueues historical records as fresh pending jobs. Replays
// are deliberately non-deduplicating: re-running a selector inserts
// additional jobs, and operators are expected to dry-run first.
type Replayer struct {
	inserter Inserter
	history  HistorySource
}

func NewReplayer(inserter Inserter, history HistorySource) *Replayer {
	return &Replayer{inserter: inserter, history: history}
}

// Replay resolves the selector and inserts one pending job per match onto
// targetQueue. Insert failures are tallied per item rather than aborting
// the batch. With dryRun set, nothing is inserted.
func (r *Replayer) Replay(ctx context.Context, sel Selector, targetQueue string, dryRun bool) (ReplayResult, error) {
	var res ReplayResult
	res.DryRun = dryRun

	if err := sel.Validate(); err != nil {
		return res, err
	}
	if targetQueue == "" {
		return res, errors.New("target queue is required")
	}

	items, err := r.history.Resolve(ctx, sel)
	if err != nil {
		return res, fmt.Errorf("resolve selector: %w", err)
	}
	res.Matched = len(items)
	for i := 0; i < len(items) && i < 5; i++ {
		res.Sample = append(res.Sample, items[i].ID)
	}
	if dryRun {
		return res, nil
	}

	for _, item := range items {
		if _, err := r.inserter.Enqueue(ctx, targetQueue, item.Payload, 0); err != nil {
			log.Printf("replay item %d: %v", item.ID, err)
			res.Failed++
			continue
		}
		res.Inserted++
	}
	telemetry.JobsReplayed.Add(float64(res.Inserted))
	return res, nil
}

// PGHistory resolves selectors against the job_history table.
type PGHistory struct {
	pool *pgxpool.Pool
}

func NewPGHistory(pool *pgxpool.Pool) *PGHistory {
	return &PGHistory{pool: pool}
}

func (h *PGHistory) Resolve(ctx context.Context, sel Selector) ([]HistoryItem, error) {
	q := psql.Select("id", "payload").From("job_history").OrderBy("id")
	switch {
	case sel.Label != "":
		q = q.Where(sq.Eq{"label": sel.Label})
	case len(sel.IDs) > 0:
		q = q.Where(sq.Eq{"id": sel.IDs})
	default:
		q = q.Where(sq.GtOrEq{"recorded_at": sel.From}).Where(sq.Lt{"recorded_at": sel.To})
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build history query: %w", err)
	}
	rows, err := h.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var items []HistoryItem
	for rows.Next() {
		var item HistoryItem
		var payloadJSON []byte
		if err := rows.Scan(&item.ID, &payloadJSON); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &item.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal history payload: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
