package models

import "fmt"

// InvalidTransitionError reports an attempted job state change that the
// lifecycle state machine forbids. It is surfaced to the caller, never
// retried.
type InvalidTransitionError struct {
	JobID int64
	From  string
	To    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %d: invalid transition %s -> %s", e.JobID, e.From, e.To)
}

// PartitionNotDrainedError blocks a partition drop while the partition
// still holds jobs that cannot be archived (in-flight processing rows).
// Rotation retries on its next cycle.
type PartitionNotDrainedError struct {
	Partition  string
	Processing int
}

func (e *PartitionNotDrainedError) Error() string {
	return fmt.Sprintf("partition %s not drained: %d processing jobs", e.Partition, e.Processing)
}

// ArchiveTransactionError means the archive-and-remove atomicity check
// failed. Rotation must halt rather than continue past it.
type ArchiveTransactionError struct {
	Partition string
	Expected  int64
	Archived  int64
}

func (e *ArchiveTransactionError) Error() string {
	return fmt.Sprintf("partition %s: archived %d of %d jobs, rolled back", e.Partition, e.Archived, e.Expected)
}

// DeliveryFailedError reports that an alert could not be delivered after
// exhausting retries. The caller logs it and keeps the pipeline alive.
type DeliveryFailedError struct {
	Attempts int
	Err      error
}

func (e *DeliveryFailedError) Error() string {
	return fmt.Sprintf("alert delivery failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *DeliveryFailedError) Unwrap() error { return e.Err }
