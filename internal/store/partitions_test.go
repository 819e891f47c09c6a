package store

import (
	"testing"
	"time"
)

func TestPartitionName(t *testing.T) {
	d := time.Date(2026, 3, 9, 15, 30, 0, 0, time.UTC)
	if got := PartitionName(d); got != "queue_2026_03_09" {
		t.Fatalf("name = %q", got)
	}
}

func TestParsePartitionDate(t *testing.T) {
	d, ok := ParsePartitionDate("queue_2026_03_09")
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	want := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	if !d.Equal(want) {
		t.Fatalf("date = %s, want %s", d, want)
	}
}

func TestParsePartitionDateRejectsOtherTables(t *testing.T) {
	for _, name := range []string{
		"dead_letter",
		"queue",
		"queue_2026_3_9",
		"queue_2026_13_01",
		"queue_extra_2026_03_09",
	} {
		if _, ok := ParsePartitionDate(name); ok {
			t.Fatalf("parsed %q as a partition", name)
		}
	}
}

func TestPartitionNameRoundTrip(t *testing.T) {
	d := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	parsed, ok := ParsePartitionDate(PartitionName(d))
	if !ok || !parsed.Equal(d) {
		t.Fatalf("round trip failed: %s -> %s ok=%v", d, parsed, ok)
	}
}

func TestPartitionDates(t *testing.T) {
	from := time.Date(2026, 3, 9, 15, 30, 0, 0, time.UTC)
	dates := PartitionDates(from, 3)
	if len(dates) != 4 {
		t.Fatalf("dates = %d, want 4 (today plus horizon)", len(dates))
	}
	if !dates[0].Equal(time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("first date = %s, want midnight of the start day", dates[0])
	}
	if !dates[3].Equal(time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("last date = %s", dates[3])
	}
}
