package models

import (
	"errors"
	"testing"
)

func TestTerminal(t *testing.T) {
	cases := []struct {
		status   string
		attempts int
		max      int
		want     bool
	}{
		{StatusPending, 0, 3, false},
		{StatusProcessing, 1, 3, false},
		{StatusCompleted, 1, 3, true},
		{StatusCancelled, 0, 3, true},
		{StatusFailed, 1, 3, false},
		{StatusFailed, 3, 3, true},
	}
	for _, tc := range cases {
		j := Job{Status: tc.status, Attempts: tc.attempts, MaxAttempts: tc.max}
		if got := j.Terminal(); got != tc.want {
			t.Fatalf("Terminal(%s attempts=%d/%d) = %v, want %v",
				tc.status, tc.attempts, tc.max, got, tc.want)
		}
	}
}

func TestDeliveryFailedErrorUnwrap(t *testing.T) {
	cause := errors.New("webhook returned 502")
	err := &DeliveryFailedError{Attempts: 5, Err: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("expected unwrap to reach the cause")
	}
}
