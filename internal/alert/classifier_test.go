package alert

import (
	"regexp"
	"testing"
	"time"
)

func TestClassifyAuthFailure(t *testing.T) {
	c := NewClassifier()
	got := c.Classify("sync-job", "ERROR HttpError 401 Unauthorized while refreshing", time.Time{})
	if got == nil {
		t.Fatalf("expected a match")
	}
	if got.Severity != SeverityCritical {
		t.Fatalf("severity = %s, want critical", got.Severity)
	}
	if got.Title != "Authentication Failed" {
		t.Fatalf("title = %q", got.Title)
	}
	if got.Time.IsZero() {
		t.Fatalf("zero timestamp should be filled with now")
	}
}

func TestClassifyOOMWinsOverKilled(t *testing.T) {
	// "killed" matches two rules; the OOM rule is listed first.
	c := NewClassifier()
	got := c.Classify("worker", "process killed: Out of memory", time.Now())
	if got == nil || got.Title != "Out of Memory" {
		t.Fatalf("got %+v, want Out of Memory", got)
	}
	if got.Cooldown != 0 {
		t.Fatalf("OOM cooldown = %s, want 0", got.Cooldown)
	}
}

func TestClassifyRateLimit(t *testing.T) {
	c := NewClassifier()
	got := c.Classify("api", "ERROR HttpError 429 Too Many Requests", time.Now())
	if got == nil {
		t.Fatalf("expected a match")
	}
	if got.Severity != SeverityHigh {
		t.Fatalf("severity = %s, want high", got.Severity)
	}
	if got.Cooldown != 10*time.Minute {
		t.Fatalf("cooldown = %s, want 10m", got.Cooldown)
	}
}

func TestClassifyNoMatch(t *testing.T) {
	c := NewClassifier()
	if got := c.Classify("api", "INFO request completed in 12ms", time.Now()); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestClassifyExtraRulePriority(t *testing.T) {
	extra := Rule{
		Pattern:  regexp.MustCompile(`timed out`),
		Severity: SeverityCritical,
		Title:    "Custom Timeout",
	}
	c := NewClassifier(extra)
	got := c.Classify("api", "request timed out after 30s", time.Now())
	if got == nil || got.Title != "Custom Timeout" {
		t.Fatalf("got %+v, want extra rule to win", got)
	}
}

func TestFingerprint(t *testing.T) {
	c := Candidate{Source: "sync-job", Title: "Out of Memory"}
	if fp := c.Fingerprint(); fp != "sync-job:out_of_memory" {
		t.Fatalf("fingerprint = %q", fp)
	}
}

func TestIsErrorLine(t *testing.T) {
	cases := []struct {
		line string
		want bool
	}{
		{"ERROR something broke", true},
		{"Traceback (most recent call last):", true},
		{"task failed: boom", true},
		{"INFO all good", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsErrorLine(tc.line); got != tc.want {
			t.Fatalf("IsErrorLine(%q) = %v, want %v", tc.line, got, tc.want)
		}
	}
}
