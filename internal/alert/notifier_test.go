package alert

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"queue-ops/internal/models"
)

func testAlert() Alert {
	return Alert{
		Severity:    SeverityCritical,
		Title:       "Out of Memory",
		Message:     "Container ran out of memory.",
		Fingerprint: "sync-job:out_of_memory",
		Source:      "sync-job",
		Count:       1,
		Time:        time.Now(),
	}
}

func TestSendRetriesTransientFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, 5*time.Second, 4, nil)
	if err := n.Send(context.Background(), testAlert()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestSendExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, 5*time.Second, 2, nil)
	err := n.Send(context.Background(), testAlert())
	var dfe *models.DeliveryFailedError
	if !errors.As(err, &dfe) {
		t.Fatalf("err = %v, want DeliveryFailedError", err)
	}
	if dfe.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (initial + 2 retries)", dfe.Attempts)
	}
}

func TestSendClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, 5*time.Second, 4, nil)
	if err := n.Send(context.Background(), testAlert()); err == nil {
		t.Fatalf("expected error on 400")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on 4xx)", got)
	}
}

func TestThrottleCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	th := NewThrottle(client, 2, 0.001, time.Minute)

	for i := 0; i < 2; i++ {
		allowed, err := th.Allow(ctx, "alert:webhook")
		if err != nil || !allowed {
			t.Fatalf("token %d: allowed=%v err=%v", i+1, allowed, err)
		}
	}
	allowed, err := th.Allow(ctx, "alert:webhook")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatalf("expected empty bucket to reject")
	}

	// Note: Cannot test refill with miniredis.FastForward() because the Lua script
	// receives time from Go's time.Now(), not Redis's internal clock.
}
