package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"queue-ops/internal/config"
	"queue-ops/internal/models"
	"queue-ops/internal/queue"
)

// Handler executes a job for a given queue.
type Handler func(ctx context.Context, job models.Job) error

// Processor drives the worker execution loop over one queue: claim, run
// the handler, report complete or fail. The engine owns the retry
// bookkeeping; the processor only waits between attempts.
type Processor struct {
	cfg       config.Config
	engine    *queue.Engine
	queueName string
	handlers  map[string]Handler
	workerID  string
}

// NewProcessor creates a processor bound to a queue. workerID identifies
// the claimant in logs and diagnostics.
func NewProcessor(cfg config.Config, engine *queue.Engine, queueName, workerID string) *Processor {
	return &Processor{
		cfg:       cfg,
		engine:    engine,
		queueName: queueName,
		handlers:  make(map[string]Handler),
		workerID:  workerID,
	}
}

// RegisterHandler binds a handler to a payload kind. Jobs carry their kind
// in payload["kind"]; unknown kinds fail the attempt.
func (p *Processor) RegisterHandler(kind string, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// Run claims and executes jobs until context cancellation. An empty claim
// is not an error; the loop just sleeps for the poll interval.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := p.engine.Claim(ctx, p.queueName, p.workerID)
		if err != nil {
			p.sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if job == nil {
			p.sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}

		if err := p.runJob(ctx, *job); err != nil {
			_ = p.engine.Fail(ctx, job.ID, err.Error())
			p.sleep(ctx, backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, job.Attempts+1))
			continue
		}
		_ = p.engine.Complete(ctx, job.ID)
	}
}

func (p *Processor) runJob(ctx context.Context, job models.Job) error {
	kind, _ := job.Payload["kind"].(string)
	handler, ok := p.handlers[kind]
	if !ok {
		return fmt.Errorf("no handler registered for kind %q", kind)
	}
	return handler(ctx, job)
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
