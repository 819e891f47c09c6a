package alert

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"queue-ops/internal/telemetry"
)

// entry tracks one fingerprint's cooldown state.
type entry struct {
	lastSent   time.Time
	lastSeen   time.Time
	suppressed int
	title      string
	source     string
	severity   string
}

// Deduper is the stateful filter between the classifier and the notifier.
// One mutex covers both the ingestion path and the summary tick; the two
// only ever run in the daemon, so contention is negligible.
type Deduper struct {
	mu              sync.Mutex
	entries         map[string]*entry
	defaultCooldown time.Duration
	idleWindow      time.Duration
	summaryHour     int
	lastSummaryDay  time.Time
}

// NewDeduper builds a deduper. Rules without their own cooldown use
// defaultCooldown; fingerprints unseen for idleWindow are evicted.
func NewDeduper(defaultCooldown, idleWindow time.Duration, summaryHour int) *Deduper {
	if defaultCooldown <= 0 {
		defaultCooldown = 5 * time.Minute
	}
	if idleWindow <= 0 {
		idleWindow = 48 * time.Hour
	}
	return &Deduper{
		entries:         make(map[string]*entry),
		defaultCooldown: defaultCooldown,
		idleWindow:      idleWindow,
		summaryHour:     summaryHour,
	}
}

// Admit decides suppress vs emit for a candidate. Warning-severity
// candidates only accumulate for the daily summary and are never emitted
// in real time. For the rest, the candidate is admitted when its
// fingerprint has no entry or the last send is older than the cooldown;
// otherwise it is suppressed and counted.
func (d *Deduper) Admit(c Candidate, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	fp := c.Fingerprint()
	e, ok := d.entries[fp]
	if !ok {
		e = &entry{title: c.Title, source: c.Source, severity: c.Severity}
		d.entries[fp] = e
		telemetry.CooldownEntries.Set(float64(len(d.entries)))
	}
	e.lastSeen = now

	if c.Severity == SeverityWarning {
		e.suppressed++
		telemetry.AlertsSuppressed.Inc()
		return false
	}

	cooldown := c.Cooldown
	if cooldown <= 0 {
		cooldown = d.defaultCooldown
	}
	if e.lastSent.IsZero() || now.Sub(e.lastSent) >= cooldown {
		e.lastSent = now
		e.suppressed = 0
		telemetry.AlertsAdmitted.Inc()
		return true
	}
	e.suppressed++
	telemetry.AlertsSuppressed.Inc()
	return false
}

// SuppressedCount returns the current suppressed count for a fingerprint.
func (d *Deduper) SuppressedCount(fingerprint string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[fingerprint]; ok {
		return e.suppressed
	}
	return 0
}

// Alert is the unit handed to the notifier.
type Alert struct {
	Severity    string    `json:"severity"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	Fingerprint string    `json:"fingerprint"`
	Source      string    `json:"source"`
	Count       int       `json:"count"`
	Time        time.Time `json:"time"`
}

// Summary emits one synthetic summary alert per fingerprint with a nonzero
// suppressed count accumulated since the last summary, then resets those
// counts. Suppressed occurrences are therefore never silently lost.
func (d *Deduper) Summary(now time.Time) []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Alert
	for fp, e := range d.entries {
		if e.suppressed == 0 {
			continue
		}
		out = append(out, Alert{
			Severity:    SeverityWarning,
			Title:       fmt.Sprintf("Daily Summary: %s", e.title),
			Message:     fmt.Sprintf("%d suppressed occurrences of %q on %s since the last summary", e.suppressed, e.title, e.source),
			Fingerprint: fp,
			Source:      e.source,
			Count:       e.suppressed,
			Time:        now,
		})
		e.suppressed = 0
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

// Evict drops entries unseen for longer than the idle window, bounding
// memory across long daemon lifetimes.
func (d *Deduper) Evict(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	evicted := 0
	for fp, e := range d.entries {
		if now.Sub(e.lastSeen) > d.idleWindow {
			delete(d.entries, fp)
			evicted++
		}
	}
	telemetry.CooldownEntries.Set(float64(len(d.entries)))
	return evicted
}

// Tick drives the scheduled work from the daemon loop with injected time:
// the daily summary fires the first tick at or after the configured hour
// each day, and eviction runs on every tick. There are no hidden timers.
func (d *Deduper) Tick(now time.Time) []Alert {
	d.Evict(now)

	d.mu.Lock()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	due := now.Hour() >= d.summaryHour && day.After(d.lastSummaryDay)
	if due {
		d.lastSummaryDay = day
	}
	d.mu.Unlock()

	if !due {
		return nil
	}
	return d.Summary(now)
}
