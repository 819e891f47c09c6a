package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"queue-ops/internal/models"
)

type fakeHistory struct {
	items []HistoryItem
	err   error
}

func (f *fakeHistory) Resolve(_ context.Context, _ Selector) ([]HistoryItem, error) {
	return f.items, f.err
}

type recordingInserter struct {
	inserted []map[string]any
	failOn   map[int]bool // by call index
	calls    int
}

func (r *recordingInserter) Enqueue(_ context.Context, _ string, payload map[string]any, _ int) (*models.Job, error) {
	defer func() { r.calls++ }()
	if r.failOn[r.calls] {
		return nil, errors.New("insert failed")
	}
	r.inserted = append(r.inserted, payload)
	return &models.Job{ID: int64(len(r.inserted))}, nil
}

func TestSelectorValidate(t *testing.T) {
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		sel     Selector
		wantErr bool
	}{
		{"label", Selector{Label: "batch-7"}, false},
		{"range", Selector{From: day, To: day.AddDate(0, 0, 1)}, false},
		{"ids", Selector{IDs: []int64{1, 2}}, false},
		{"empty", Selector{}, true},
		{"label and ids", Selector{Label: "batch-7", IDs: []int64{1}}, true},
		{"half range", Selector{From: day}, true},
		{"inverted range", Selector{From: day.AddDate(0, 0, 1), To: day}, true},
	}
	for _, tc := range cases {
		err := tc.sel.Validate()
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err = %v, wantErr = %v", tc.name, err, tc.wantErr)
		}
	}
}

func TestReplayDryRun(t *testing.T) {
	ins := &recordingInserter{}
	hist := &fakeHistory{items: []HistoryItem{
		{ID: 10, Payload: map[string]any{"kind": "noop"}},
		{ID: 11, Payload: map[string]any{"kind": "noop"}},
	}}
	r := NewReplayer(ins, hist)

	res, err := r.Replay(context.Background(), Selector{Label: "batch-7"}, "default", true)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Matched != 2 || res.Inserted != 0 {
		t.Fatalf("matched=%d inserted=%d, want 2/0", res.Matched, res.Inserted)
	}
	if len(res.Sample) != 2 || res.Sample[0] != 10 {
		t.Fatalf("sample = %v", res.Sample)
	}
	if len(ins.inserted) != 0 {
		t.Fatalf("dry run inserted %d jobs", len(ins.inserted))
	}
}

func TestReplayInsertsMatches(t *testing.T) {
	ins := &recordingInserter{}
	hist := &fakeHistory{items: []HistoryItem{
		{ID: 10, Payload: map[string]any{"kind": "echo", "message": "a"}},
		{ID: 11, Payload: map[string]any{"kind": "echo", "message": "b"}},
		{ID: 12, Payload: map[string]any{"kind": "echo", "message": "c"}},
	}}
	r := NewReplayer(ins, hist)

	res, err := r.Replay(context.Background(), Selector{IDs: []int64{10, 11, 12}}, "default", false)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Inserted != 3 || res.Failed != 0 {
		t.Fatalf("inserted=%d failed=%d", res.Inserted, res.Failed)
	}
	if ins.inserted[1]["message"] != "b" {
		t.Fatalf("payloads inserted out of order: %v", ins.inserted)
	}
}

func TestReplayTalliesPerItemFailures(t *testing.T) {
	ins := &recordingInserter{failOn: map[int]bool{1: true}}
	hist := &fakeHistory{items: []HistoryItem{
		{ID: 10, Payload: map[string]any{}},
		{ID: 11, Payload: map[string]any{}},
		{ID: 12, Payload: map[string]any{}},
	}}
	r := NewReplayer(ins, hist)

	res, err := r.Replay(context.Background(), Selector{Label: "batch-7"}, "default", false)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Inserted != 2 || res.Failed != 1 {
		t.Fatalf("inserted=%d failed=%d, want 2/1", res.Inserted, res.Failed)
	}
}

func TestReplayRequiresTargetQueue(t *testing.T) {
	r := NewReplayer(&recordingInserter{}, &fakeHistory{})
	if _, err := r.Replay(context.Background(), Selector{Label: "batch-7"}, "", false); err == nil {
		t.Fatalf("expected error for missing target queue")
	}
}

func TestReplayInvalidSelector(t *testing.T) {
	r := NewReplayer(&recordingInserter{}, &fakeHistory{})
	if _, err := r.Replay(context.Background(), Selector{}, "default", false); err == nil {
		t.Fatalf("expected error for empty selector")
	}
}
