package alert

import (
	"testing"
	"time"
)

func testCandidate(source, title, severity string, cooldown time.Duration) Candidate {
	return Candidate{
		Source:   source,
		Title:    title,
		Severity: severity,
		Cooldown: cooldown,
	}
}

func TestAdmitBurst(t *testing.T) {
	d := NewDeduper(5*time.Minute, 48*time.Hour, 6)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := testCandidate("sync-job", "Out of Memory", SeverityCritical, 0)

	admitted := 0
	for i := 0; i < 5; i++ {
		if d.Admit(c, now.Add(time.Duration(i)*time.Second)) {
			admitted++
		}
	}
	if admitted != 1 {
		t.Fatalf("admitted = %d, want 1", admitted)
	}
	if got := d.SuppressedCount(c.Fingerprint()); got != 4 {
		t.Fatalf("suppressed = %d, want 4", got)
	}
}

func TestAdmitAfterCooldown(t *testing.T) {
	d := NewDeduper(5*time.Minute, 48*time.Hour, 6)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := testCandidate("api", "Connection Refused", SeverityHigh, 5*time.Minute)

	if !d.Admit(c, now) {
		t.Fatalf("first occurrence should be admitted")
	}
	if d.Admit(c, now.Add(4*time.Minute)) {
		t.Fatalf("occurrence inside cooldown should be suppressed")
	}
	if !d.Admit(c, now.Add(5*time.Minute)) {
		t.Fatalf("occurrence at cooldown boundary should be admitted")
	}
	// Admission resets the suppressed counter.
	if got := d.SuppressedCount(c.Fingerprint()); got != 0 {
		t.Fatalf("suppressed after re-admit = %d, want 0", got)
	}
}

func TestAdmitIndependentFingerprints(t *testing.T) {
	d := NewDeduper(5*time.Minute, 48*time.Hour, 6)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := testCandidate("sync-job", "Request Timeout", SeverityHigh, 10*time.Minute)
	b := testCandidate("worker", "Request Timeout", SeverityHigh, 10*time.Minute)

	if !d.Admit(a, now) || !d.Admit(b, now) {
		t.Fatalf("same title on different sources must not share a cooldown")
	}
}

func TestWarningsNeverEmit(t *testing.T) {
	d := NewDeduper(5*time.Minute, 48*time.Hour, 6)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := testCandidate("parser", "Parse Failed", SeverityWarning, 0)

	for i := 0; i < 3; i++ {
		if d.Admit(c, now) {
			t.Fatalf("warning candidates must never be admitted")
		}
	}
	if got := d.SuppressedCount(c.Fingerprint()); got != 3 {
		t.Fatalf("suppressed = %d, want 3", got)
	}
}

func TestSummaryDrainsAndResets(t *testing.T) {
	d := NewDeduper(5*time.Minute, 48*time.Hour, 6)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	oom := testCandidate("sync-job", "Out of Memory", SeverityCritical, 0)
	parse := testCandidate("parser", "Parse Failed", SeverityWarning, 0)
	for i := 0; i < 5; i++ {
		d.Admit(oom, now)
	}
	d.Admit(parse, now)

	alerts := d.Summary(now)
	if len(alerts) != 2 {
		t.Fatalf("summary alerts = %d, want 2", len(alerts))
	}
	// Sorted by suppressed count, largest first.
	if alerts[0].Count != 4 || alerts[1].Count != 1 {
		t.Fatalf("counts = %d,%d want 4,1", alerts[0].Count, alerts[1].Count)
	}
	if alerts[0].Severity != SeverityWarning {
		t.Fatalf("summary severity = %s, want warning", alerts[0].Severity)
	}

	if again := d.Summary(now); len(again) != 0 {
		t.Fatalf("second summary = %d alerts, want 0 after reset", len(again))
	}
}

func TestEvictIdleEntries(t *testing.T) {
	d := NewDeduper(5*time.Minute, time.Hour, 6)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := testCandidate("api", "API Server Error", SeverityHigh, 5*time.Minute)
	d.Admit(c, now)

	if n := d.Evict(now.Add(30 * time.Minute)); n != 0 {
		t.Fatalf("evicted %d inside idle window, want 0", n)
	}
	if n := d.Evict(now.Add(2 * time.Hour)); n != 1 {
		t.Fatalf("evicted %d after idle window, want 1", n)
	}
	// A fresh entry starts a new cooldown.
	if !d.Admit(c, now.Add(2*time.Hour)) {
		t.Fatalf("candidate after eviction should be admitted")
	}
}

func TestTickFiresSummaryOncePerDay(t *testing.T) {
	d := NewDeduper(5*time.Minute, 48*time.Hour, 6)
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	c := testCandidate("parser", "Parse Failed", SeverityWarning, 0)
	d.Admit(c, day.Add(2*time.Hour))

	if got := d.Tick(day.Add(5 * time.Hour)); len(got) != 0 {
		t.Fatalf("summary fired before the configured hour")
	}
	if got := d.Tick(day.Add(6*time.Hour + time.Minute)); len(got) != 1 {
		t.Fatalf("summary alerts = %d, want 1 at the configured hour", len(got))
	}
	if got := d.Tick(day.Add(7 * time.Hour)); len(got) != 0 {
		t.Fatalf("summary fired twice in one day")
	}

	d.Admit(c, day.Add(30*time.Hour))
	if got := d.Tick(day.Add(30*time.Hour + time.Minute)); len(got) != 1 {
		t.Fatalf("summary alerts next day = %d, want 1", len(got))
	}
}
