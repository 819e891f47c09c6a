package alert

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"queue-ops/internal/logsource"
	"queue-ops/internal/telemetry"
)

// Daemon wires sources -> classifier -> deduper -> notifier. Classification
// is synchronous per line; delivery runs on its own goroutine behind a
// bounded buffer so a slow sink never blocks the stream. When the buffer is
// full the oldest queued alert is dropped and counted, never held in an
// unbounded queue.
type Daemon struct {
	classifier *Classifier
	deduper    *Deduper
	notifier   *Notifier
	sources    []logsource.Source

	buf          chan Alert
	tickInterval time.Duration
	flushTimeout time.Duration

	mu      sync.Mutex
	dropped int64
}

// NewDaemon assembles the pipeline. bufSize bounds the delivery buffer.
func NewDaemon(cl *Classifier, d *Deduper, n *Notifier, sources []logsource.Source, bufSize int) *Daemon {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Daemon{
		classifier:   cl,
		deduper:      d,
		notifier:     n,
		sources:      sources,
		buf:          make(chan Alert, bufSize),
		tickInterval: time.Minute,
		flushTimeout: 5 * time.Second,
	}
}

// Dropped returns how many admitted alerts were dropped on buffer overflow.
func (dm *Daemon) Dropped() int64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.dropped
}

// enqueue applies the backpressure policy: newest alerts are preferred, so
// on overflow the oldest queued-but-unsent alert is evicted.
func (dm *Daemon) enqueue(a Alert) {
	for {
		select {
		case dm.buf <- a:
			return
		default:
		}
		select {
		case old := <-dm.buf:
			dm.mu.Lock()
			dm.dropped++
			dm.mu.Unlock()
			telemetry.AlertsDropped.Inc()
			log.Printf("send buffer full, dropped queued alert %s", old.Fingerprint)
		default:
		}
	}
}

// Process classifies one line and admits or suppresses the result. Exposed
// for the pipeline and for operator test paths.
func (dm *Daemon) Process(line logsource.Line, now time.Time) {
	if !IsErrorLine(line.Text) {
		return
	}
	c := dm.classifier.Classify(line.Source, line.Text, line.Time)
	if c == nil {
		return
	}
	if !dm.deduper.Admit(*c, now) {
		return
	}
	dm.enqueue(Alert{
		Severity:    c.Severity,
		Title:       c.Title,
		Message:     c.Description,
		Fingerprint: c.Fingerprint(),
		Source:      c.Source,
		Count:       1,
		Time:        now,
	})
}

// Run drives the daemon until the context is cancelled, then flushes
// in-flight sends within a short deadline. A startup notice goes to the
// sink when the loop begins and a shutdown notice joins the final flush.
func (dm *Daemon) Run(ctx context.Context) error {
	lines := make(chan logsource.Line, 256)

	var wg sync.WaitGroup
	for _, src := range dm.sources {
		wg.Add(1)
		go func(s logsource.Source) {
			defer wg.Done()
			if err := s.Run(ctx, lines); err != nil && ctx.Err() == nil {
				log.Printf("log source %s stopped: %v", s.Name(), err)
			}
		}(src)
	}

	senderDone := make(chan struct{})
	go dm.sender(ctx, senderDone)

	dm.enqueue(dm.notice("Alerter Started",
		fmt.Sprintf("Monitoring %d log sources.", len(dm.sources))))

	ticker := time.NewTicker(dm.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			dm.enqueue(dm.notice("Alerter Stopped", "Alerter is shutting down."))
			close(dm.buf)
			select {
			case <-senderDone:
			case <-time.After(dm.flushTimeout):
				log.Printf("flush deadline reached, abandoning queued alerts")
			}
			return ctx.Err()
		case line := <-lines:
			dm.Process(line, time.Now())
		case now := <-ticker.C:
			for _, a := range dm.deduper.Tick(now) {
				dm.enqueue(a)
			}
		}
	}
}

// sender drains the buffer. Delivery failures are logged and counted, never
// re-raised into the classification stream.
func (dm *Daemon) sender(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for a := range dm.buf {
		// Flushing after shutdown uses a fresh deadline, not the
		// cancelled run context.
		sendCtx := ctx
		if ctx.Err() != nil {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(context.Background(), dm.flushTimeout)
			err := dm.notifier.Send(sendCtx, a)
			cancel()
			dm.logSendResult(a, err)
			continue
		}
		dm.logSendResult(a, dm.notifier.Send(sendCtx, a))
	}
}

// notice builds the startup and shutdown notifications. They share one
// fingerprint and bypass the deduper, so they always reach the sink.
func (dm *Daemon) notice(title, message string) Alert {
	return Alert{
		Severity:    SeverityWarning,
		Title:       title,
		Message:     message,
		Fingerprint: "alerter:lifecycle",
		Source:      "alerter",
		Count:       1,
		Time:        time.Now(),
	}
}

func (dm *Daemon) logSendResult(a Alert, err error) {
	if err != nil {
		telemetry.AlertsLost.Inc()
		log.Printf("alert %s lost: %v", a.Fingerprint, err)
	}
}
