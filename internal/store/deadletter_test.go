package store

import (
	"strings"
	"testing"
	"time"
)

func TestDeadLetterQueryFilters(t *testing.T) {
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

	sqlStr, args, err := deadLetterQuery(DeadLetterFilter{}, now).ToSql()
	if err != nil {
		t.Fatalf("build query: %v", err)
	}
	if strings.Contains(sqlStr, "LIMIT") {
		t.Fatalf("zero limit should omit LIMIT, got %q", sqlStr)
	}
	if strings.Contains(sqlStr, "WHERE") {
		t.Fatalf("empty filter should omit WHERE, got %q", sqlStr)
	}
	if len(args) != 0 {
		t.Fatalf("args = %v, want none", args)
	}

	sqlStr, args, err = deadLetterQuery(DeadLetterFilter{
		QueueName: "emails",
		Since:     time.Hour,
		Limit:     5,
	}, now).ToSql()
	if err != nil {
		t.Fatalf("build query: %v", err)
	}
	if !strings.Contains(sqlStr, "queue_name =") {
		t.Fatalf("missing queue predicate in %q", sqlStr)
	}
	if !strings.Contains(sqlStr, "failed_at >") {
		t.Fatalf("missing since predicate in %q", sqlStr)
	}
	if !strings.Contains(sqlStr, "LIMIT 5") {
		t.Fatalf("missing limit in %q", sqlStr)
	}
	want := now.Add(-time.Hour)
	found := false
	for _, a := range args {
		if ts, ok := a.(time.Time); ok && ts.Equal(want) {
			found = true
		}
	}
	if !found {
		t.Fatalf("since cutoff %s not in args %v", want, args)
	}
}

func TestDeadLetterQueryBeforeCutoff(t *testing.T) {
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	cutoff := now.Add(-30 * 24 * time.Hour)

	sqlStr, args, err := deadLetterQuery(DeadLetterFilter{Before: cutoff}, now).ToSql()
	if err != nil {
		t.Fatalf("build query: %v", err)
	}
	if !strings.Contains(sqlStr, "failed_at <") {
		t.Fatalf("missing cutoff predicate in %q", sqlStr)
	}
	if strings.Contains(sqlStr, "LIMIT") {
		t.Fatalf("cutoff query must not cap rows, got %q", sqlStr)
	}
	if len(args) != 1 {
		t.Fatalf("args = %v, want just the cutoff", args)
	}
	if ts, ok := args[0].(time.Time); !ok || !ts.Equal(cutoff) {
		t.Fatalf("arg = %v, want %s", args[0], cutoff)
	}
}

func TestGroupByPartition(t *testing.T) {
	day1 := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)
	refs := []failedJobRef{
		{ID: 1, CreatedAt: day1},
		{ID: 2, CreatedAt: day2},
		{ID: 3, CreatedAt: day1.Add(5 * time.Hour)},
	}

	groups := groupByPartition(refs)
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if got := groups["queue_2026_03_09"]; len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("day one ids = %v", got)
	}
	if got := groups["queue_2026_03_10"]; len(got) != 1 || got[0] != 2 {
		t.Fatalf("day two ids = %v", got)
	}
}
