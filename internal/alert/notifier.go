package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"queue-ops/internal/models"
)

const throttleKey = "alert:webhook"

// Notifier delivers alerts to the external webhook sink. Delivery is
// at-least-once: a send retried after an ambiguous failure may duplicate
// the notification, which the sink tolerates.
type Notifier struct {
	url        string
	httpClient *http.Client
	throttle   *Throttle
	maxRetries int
}

// NewNotifier builds a webhook notifier. throttle may be nil to disable
// outbound rate limiting (tests).
func NewNotifier(url string, timeout time.Duration, maxRetries int, throttle *Throttle) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 4
	}
	return &Notifier{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		throttle:   throttle,
		maxRetries: maxRetries,
	}
}

type webhookPayload struct {
	ID          string    `json:"id"`
	Severity    string    `json:"severity"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	Fingerprint string    `json:"fingerprint"`
	Source      string    `json:"source"`
	Count       int       `json:"count"`
	Time        time.Time `json:"time"`
}

// Send posts the alert, retrying network errors and non-2xx responses with
// bounded exponential backoff. Exhausting the retries returns
// DeliveryFailedError; the caller logs it and keeps the pipeline alive.
func (n *Notifier) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(webhookPayload{
		ID:          uuid.New().String(),
		Severity:    a.Severity,
		Title:       a.Title,
		Message:     a.Message,
		Fingerprint: a.Fingerprint,
		Source:      a.Source,
		Count:       a.Count,
		Time:        a.Time,
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	attempts := 0
	op := func() error {
		attempts++
		return n.post(ctx, body)
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(n.maxRetries)),
		ctx,
	)
	if err := backoff.Retry(op, bo); err != nil {
		return &models.DeliveryFailedError{Attempts: attempts, Err: err}
	}
	return nil
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	if n.throttle != nil {
		allowed, err := n.throttle.Allow(ctx, throttleKey)
		if err == nil && !allowed {
			return fmt.Errorf("webhook throttled")
		}
		// A throttle backend error is not a reason to drop the alert.
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("webhook returned %d", resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

// SendTest posts a synthetic alert so operators can verify the webhook.
func (n *Notifier) SendTest(ctx context.Context) error {
	return n.Send(ctx, Alert{
		Severity:    SeverityWarning,
		Title:       "Test Alert",
		Message:     "Alerter is configured correctly.",
		Fingerprint: "alerter:test",
		Source:      "alerter",
		Count:       1,
		Time:        time.Now(),
	})
}
