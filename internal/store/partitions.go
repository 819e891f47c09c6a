package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"

	"queue-ops/internal/models"
	"queue-ops/internal/telemetry"
)

// PartitionName returns the deterministic table name for the daily
// partition starting at d. Creation and lookup key off this name, which
// makes both collision-free and idempotent.
func PartitionName(d time.Time) string {
	return fmt.Sprintf("queue_%s", d.Format("2006_01_02"))
}

// ParsePartitionDate is the inverse of PartitionName. It returns false for
// tables that are not daily queue partitions.
func ParsePartitionDate(name string) (time.Time, bool) {
	var y, m, d int
	if _, err := fmt.Sscanf(name, "queue_%04d_%02d_%02d", &y, &m, &d); err != nil {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if PartitionName(t) != name {
		return time.Time{}, false
	}
	return t, true
}

// PartitionDates enumerates the daily partition start dates from "from"
// through horizonDays ahead, inclusive of the start day.
func PartitionDates(from time.Time, horizonDays int) []time.Time {
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	dates := make([]time.Time, 0, horizonDays+1)
	for i := 0; i <= horizonDays; i++ {
		dates = append(dates, day.AddDate(0, 0, i))
	}
	return dates
}

// PartitionSpan enumerates daily partition start dates covering [from, to]
// plus aheadDays beyond to. Used when backfilling partitions over an
// existing data range.
func PartitionSpan(from, to time.Time, aheadDays int) []time.Time {
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	end := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, aheadDays)
	var dates []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d)
	}
	return dates
}

func (s *Store) partitionExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `
		SELECT 1 FROM pg_class c
		JOIN pg_inherits i ON c.oid = i.inhrelid
		JOIN pg_class p ON i.inhparent = p.oid
		WHERE p.relname = 'queue' AND c.relname = $1
	`, name).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check partition %s: %w", name, err)
	}
	return true, nil
}

// EnsurePartitions creates any missing daily partitions from today through
// horizonDays ahead. Re-invocation with partitions already present is a
// no-op. Returns the number of partitions created.
func (s *Store) EnsurePartitions(ctx context.Context, horizonDays int) (int, error) {
	created := 0
	for _, day := range PartitionDates(time.Now().UTC(), horizonDays) {
		name := PartitionName(day)
		exists, err := s.partitionExists(ctx, name)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}
		next := day.AddDate(0, 0, 1)
		// The name is derived from a date, never from user input.
		sql := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF queue FOR VALUES FROM ('%s') TO ('%s')`,
			name, day.Format("2006-01-02"), next.Format("2006-01-02"),
		)
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return created, fmt.Errorf("create partition %s: %w", name, err)
		}
		telemetry.PartitionsCreated.Inc()
		log.Printf("created partition %s", name)
		created++
	}
	return created, nil
}

// ListPartitions returns the daily partitions of the queue table with row
// counts and status breakdowns, ordered by start date ascending.
func (s *Store) ListPartitions(ctx context.Context) ([]models.PartitionInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.relname
		FROM pg_class c
		JOIN pg_inherits i ON c.oid = i.inhrelid
		JOIN pg_class p ON i.inhparent = p.oid
		WHERE p.relname = 'queue'
		ORDER BY c.relname
	`)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan partition name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	infos := make([]models.PartitionInfo, 0, len(names))
	for _, name := range names {
		start, ok := ParsePartitionDate(name)
		if !ok {
			continue
		}
		counts, total, err := s.partitionStatusCounts(ctx, name)
		if err != nil {
			return nil, err
		}
		infos = append(infos, models.PartitionInfo{
			Name:         name,
			StartDate:    start,
			RowCount:     total,
			StatusCounts: counts,
		})
	}
	return infos, nil
}

func (s *Store) partitionStatusCounts(ctx context.Context, name string) (map[string]int, int64, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT status, COUNT(*) FROM %s GROUP BY status`, name,
	))
	if err != nil {
		return nil, 0, fmt.Errorf("count partition %s: %w", name, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	var total int64
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, 0, fmt.Errorf("scan partition counts: %w", err)
		}
		counts[status] = int(n)
		total += n
	}
	return counts, total, rows.Err()
}

// DropResult summarizes one partition drop.
type DropResult struct {
	Partition   string `json:"partition"`
	Archived    int64  `json:"archived"`
	DroppedRows int64  `json:"dropped_rows"`
	DryRun      bool   `json:"dry_run"`
}

// DropPartition removes the daily partition for the given date. Pending and
// failed jobs are copied into dead_letter and the partition dropped in one
// transaction; processing jobs abort the drop with
// PartitionNotDrainedError. Archive-count mismatches roll everything back
// with ArchiveTransactionError, so no job is ever removed without its
// archive row.
func (s *Store) DropPartition(ctx context.Context, day time.Time, dryRun bool) (DropResult, error) {
	name := PartitionName(day)
	res := DropResult{Partition: name, DryRun: dryRun}

	exists, err := s.partitionExists(ctx, name)
	if err != nil {
		return res, err
	}
	if !exists {
		return res, fmt.Errorf("partition %s does not exist", name)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin drop tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	// Block concurrent writers for the remainder of the transaction. The
	// DROP below needs this lock anyway; taking it first makes the drained
	// check authoritative.
	if _, err := tx.Exec(ctx, fmt.Sprintf(`LOCK TABLE %s IN ACCESS EXCLUSIVE MODE`, name)); err != nil {
		return res, fmt.Errorf("lock partition %s: %w", name, err)
	}

	rows, err := tx.Query(ctx, fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, name))
	if err != nil {
		return res, fmt.Errorf("count partition %s: %w", name, err)
	}
	counts := make(map[string]int64)
	var total int64
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return res, fmt.Errorf("scan partition counts: %w", err)
		}
		counts[status] = n
		total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("count partition %s: %w", name, err)
	}

	if n := counts[models.StatusProcessing]; n > 0 {
		return res, &models.PartitionNotDrainedError{Partition: name, Processing: int(n)}
	}

	toArchive := counts[models.StatusPending] + counts[models.StatusFailed]
	res.DroppedRows = total

	if dryRun {
		res.Archived = toArchive
		log.Printf("would drop partition %s: %d rows, %d to archive", name, total, toArchive)
		return res, nil
	}

	if toArchive > 0 {
		tag, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO dead_letter (
				original_id, queue_name, payload, attempts,
				last_error, created_at, failed_at, archived_from_partition
			)
			SELECT id, queue_name, payload, attempts,
				last_error, created_at, NOW(), $1
			FROM %s
			WHERE status IN ('pending', 'failed')
		`, name), name)
		if err != nil {
			return res, fmt.Errorf("archive partition %s: %w", name, err)
		}
		if tag.RowsAffected() != toArchive {
			telemetry.ArchiveFailures.Inc()
			return res, &models.ArchiveTransactionError{
				Partition: name,
				Expected:  toArchive,
				Archived:  tag.RowsAffected(),
			}
		}
		res.Archived = toArchive
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DROP TABLE %s`, name)); err != nil {
		return res, fmt.Errorf("drop partition %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("commit drop %s: %w", name, err)
	}

	telemetry.PartitionsDropped.Inc()
	telemetry.JobsArchived.Add(float64(res.Archived))
	log.Printf("dropped partition %s: %d rows, %d archived", name, total, res.Archived)
	return res, nil
}

// MaintainResult summarizes one rotation cycle.
type MaintainResult struct {
	PartitionsCreated int          `json:"partitions_created"`
	PartitionsDropped int          `json:"partitions_dropped"`
	PartitionsSkipped int          `json:"partitions_skipped"`
	RowsDropped       int64        `json:"rows_dropped"`
	JobsArchived      int64        `json:"jobs_archived"`
	Drops             []DropResult `json:"drops,omitempty"`
}

// DropOlderThan drops every partition whose start date falls before the
// retention cutoff. Partitions that are not drained are skipped and retried
// on the next cycle; an ArchiveTransactionError halts the sweep.
func (s *Store) DropOlderThan(ctx context.Context, retentionDays int, dryRun bool) (MaintainResult, error) {
	var res MaintainResult
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	parts, err := s.ListPartitions(ctx)
	if err != nil {
		return res, err
	}
	for _, p := range parts {
		if !p.StartDate.Before(cutoff) {
			continue
		}
		drop, err := s.DropPartition(ctx, p.StartDate, dryRun)
		if err != nil {
			var notDrained *models.PartitionNotDrainedError
			if errors.As(err, &notDrained) {
				log.Printf("skipping partition %s: %v", p.Name, err)
				res.PartitionsSkipped++
				continue
			}
			return res, err
		}
		res.PartitionsDropped++
		res.RowsDropped += drop.DroppedRows
		res.JobsArchived += drop.Archived
		res.Drops = append(res.Drops, drop)
	}
	return res, nil
}

// Maintain runs one full rotation cycle: create partitions ahead of need,
// then drop those past retention.
func (s *Store) Maintain(ctx context.Context, horizonDays, retentionDays int, dryRun bool) (MaintainResult, error) {
	created, err := s.EnsurePartitions(ctx, horizonDays)
	if err != nil {
		return MaintainResult{PartitionsCreated: created}, err
	}
	res, err := s.DropOlderThan(ctx, retentionDays, dryRun)
	res.PartitionsCreated = created
	return res, err
}
