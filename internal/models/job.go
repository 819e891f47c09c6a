package models

import (
	"time"
)

// JobStatus values persisted in Postgres. A CHECK constraint on the queue
// table enforces exactly this set.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Job is a unit of work in the partitioned queue table. The partition it
// lives in is determined solely by CreatedAt.
type Job struct {
	ID          int64          `json:"id"`
	QueueName   string         `json:"queue_name"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	LastError   *string        `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ClaimedAt   *time.Time     `json:"claimed_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Terminal reports whether the job can no longer change state without an
// explicit operator action.
func (j Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return j.Attempts >= j.MaxAttempts
	default:
		return false
	}
}

// DeadLetterRecord is an immutable snapshot of a job at archive time.
// RetriedAt is the only field ever updated after insert.
type DeadLetterRecord struct {
	ID                    int64          `json:"id"`
	OriginalID            int64          `json:"original_id"`
	QueueName             string         `json:"queue_name"`
	Payload               map[string]any `json:"payload"`
	Attempts              int            `json:"attempts"`
	LastError             *string        `json:"last_error,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	FailedAt              time.Time      `json:"failed_at"`
	ArchivedFromPartition string         `json:"archived_from_partition"`
	RetriedAt             *time.Time     `json:"retried_at,omitempty"`
}

// PartitionInfo describes one daily partition of the queue table.
type PartitionInfo struct {
	Name         string         `json:"name"`
	StartDate    time.Time      `json:"start_date"`
	RowCount     int64          `json:"row_count"`
	StatusCounts map[string]int `json:"status_counts"`
}

// QueueStats holds current and trailing-window counts for one queue.
type QueueStats struct {
	QueueName       string `json:"queue_name"`
	Pending         int    `json:"pending"`
	Processing      int    `json:"processing"`
	CompletedTotal  int    `json:"completed_total"`
	FailedTotal     int    `json:"failed_total"`
	CancelledTotal  int    `json:"cancelled_total"`
	CompletedRecent int    `json:"completed_recent"`
	FailedRecent    int    `json:"failed_recent"`
}

// StaleJob is a job stuck in processing, usually from a crashed worker.
type StaleJob struct {
	ID           int64     `json:"id"`
	QueueName    string    `json:"queue_name"`
	ClaimedAt    time.Time `json:"claimed_at"`
	MinutesStuck float64   `json:"minutes_stuck"`
}
