package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"queue-ops/internal/config"
	"queue-ops/internal/models"
	"queue-ops/internal/queue"
	"queue-ops/internal/store"
	"queue-ops/internal/telemetry"
	workerproc "queue-ops/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	queueName := os.Getenv("QUEUE_NAME")
	if queueName == "" {
		queueName = "default"
	}

	// Worker identity comes from env, hostname, or pid, in that order.
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	engine := queue.New(st.Pool(), cfg.MaxAttempts)
	processor := workerproc.NewProcessor(cfg, engine, queueName, workerID)
	processor.RegisterHandler("noop", func(_ context.Context, _ models.Job) error { return nil })
	processor.RegisterHandler("echo", func(_ context.Context, job models.Job) error {
		msg, ok := job.Payload["message"].(string)
		if !ok {
			return errors.New("echo job missing message")
		}
		log.Printf("job %d: %s", job.ID, msg)
		return nil
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started on queue %q poll=%s backoff_initial=%s",
		workerID, queueName, cfg.WorkerPollInterval, cfg.BackoffInitial)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
