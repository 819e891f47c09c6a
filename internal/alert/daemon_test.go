package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"queue-ops/internal/logsource"
)

func testDaemon(bufSize int) *Daemon {
	return NewDaemon(
		NewClassifier(),
		NewDeduper(5*time.Minute, 48*time.Hour, 6),
		NewNotifier("http://localhost:0", time.Second, 1, nil),
		nil,
		bufSize,
	)
}

func TestProcessEnqueuesAdmittedAlert(t *testing.T) {
	dm := testDaemon(4)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	dm.Process(logsource.Line{Source: "sync-job", Text: "ERROR HttpError 401 Unauthorized"}, now)

	select {
	case a := <-dm.buf:
		if a.Fingerprint != "sync-job:authentication_failed" {
			t.Fatalf("fingerprint = %q", a.Fingerprint)
		}
		if a.Severity != SeverityCritical {
			t.Fatalf("severity = %s", a.Severity)
		}
	default:
		t.Fatalf("expected an alert in the send buffer")
	}
}

func TestProcessIgnoresNonErrorLines(t *testing.T) {
	dm := testDaemon(4)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	dm.Process(logsource.Line{Source: "api", Text: "INFO request ok"}, now)
	dm.Process(logsource.Line{Source: "api", Text: "ERROR mysterious but unclassifiable"}, now)

	select {
	case a := <-dm.buf:
		t.Fatalf("unexpected alert %q", a.Fingerprint)
	default:
	}
}

func TestRunSendsLifecycleNotices(t *testing.T) {
	var mu sync.Mutex
	var titles []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Title string `json:"title"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		titles = append(titles, payload.Title)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dm := NewDaemon(
		NewClassifier(),
		NewDeduper(5*time.Minute, 48*time.Hour, 6),
		NewNotifier(srv.URL, time.Second, 1, nil),
		nil,
		4,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dm.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("daemon did not shut down")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(titles) != 2 {
		t.Fatalf("webhook calls = %d (%v), want startup and shutdown notices", len(titles), titles)
	}
	if titles[0] != "Alerter Started" || titles[1] != "Alerter Stopped" {
		t.Fatalf("notice titles = %v", titles)
	}
}

func TestEnqueueDropsOldestOnOverflow(t *testing.T) {
	dm := testDaemon(2)

	for i := 0; i < 3; i++ {
		dm.enqueue(Alert{Fingerprint: fmt.Sprintf("src:alert_%d", i)})
	}

	if got := dm.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
	// The oldest alert was evicted; the newer two remain in order.
	first := <-dm.buf
	second := <-dm.buf
	if first.Fingerprint != "src:alert_1" || second.Fingerprint != "src:alert_2" {
		t.Fatalf("buffer = %q, %q", first.Fingerprint, second.Fingerprint)
	}
}
