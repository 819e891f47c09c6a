package logsource

import (
	"context"
	"strings"
	"testing"
)

func TestReaderSource(t *testing.T) {
	src := NewReaderSource("sync-job", strings.NewReader("line one\n\nline two\n"))
	out := make(chan Line, 4)

	if err := src.Run(context.Background(), out); err != nil {
		t.Fatalf("run: %v", err)
	}
	close(out)

	var got []Line
	for line := range out {
		got = append(got, line)
	}
	if len(got) != 2 {
		t.Fatalf("lines = %d, want 2 (blank lines skipped)", len(got))
	}
	if got[0].Text != "line one" || got[1].Text != "line two" {
		t.Fatalf("lines = %q, %q", got[0].Text, got[1].Text)
	}
	if got[0].Source != "sync-job" {
		t.Fatalf("source = %q", got[0].Source)
	}
}

func TestReaderSourceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := NewReaderSource("sync-job", strings.NewReader("line one\n"))
	out := make(chan Line) // unbuffered, so the send blocks on the cancelled context
	if err := src.Run(ctx, out); err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
