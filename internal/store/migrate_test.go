package store

import (
	"testing"
	"time"
)

func TestPartitionSpan(t *testing.T) {
	from := time.Date(2026, 3, 9, 14, 5, 0, 0, time.UTC)
	to := time.Date(2026, 3, 11, 2, 30, 0, 0, time.UTC)

	span := PartitionSpan(from, to, 2)
	if len(span) != 5 {
		t.Fatalf("span = %d days, want 5 (data range plus two ahead)", len(span))
	}
	if !span[0].Equal(time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("first day = %s, want midnight of the earliest row", span[0])
	}
	if !span[4].Equal(time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("last day = %s", span[4])
	}
}

func TestPartitionSpanSingleDay(t *testing.T) {
	d := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	span := PartitionSpan(d, d, 0)
	if len(span) != 1 {
		t.Fatalf("span = %d days, want 1", len(span))
	}
	if !span[0].Equal(time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("day = %s", span[0])
	}
}

func TestPartitionSpanCrossesMonth(t *testing.T) {
	from := time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)

	span := PartitionSpan(from, to, 2)
	if len(span) != 4 {
		t.Fatalf("span = %d days, want 4", len(span))
	}
	if !span[3].Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("last day = %s, want it to roll into March", span[3])
	}
}
