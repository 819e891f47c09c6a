package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"queue-ops/internal/config"
	"queue-ops/internal/store"
	"queue-ops/internal/telemetry"
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

	if cfg.ExportBucket != "" {
		exporter, err := store.NewS3Exporter(ctx, cfg.ExportBucket, cfg.ExportPrefix)
		if err != nil {
			log.Fatalf("init s3 exporter: %v", err)
		}
		st.SetExporter(exporter)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	runOnce := func() {
		archived, err := st.ArchiveFailed(ctx, "", false)
		if err != nil {
			log.Printf("failed-job sweep: %v", err)
			return
		}
		if archived > 0 {
			log.Printf("failed-job sweep: archived=%d", archived)
		}

		res, err := st.Maintain(ctx, cfg.PartitionHorizonDays, cfg.PartitionRetentionDays, false)
		if err != nil {
			log.Printf("partition maintenance: %v", err)
			return
		}
		log.Printf("partition maintenance: created=%d dropped=%d archived=%d skipped=%d",
			res.PartitionsCreated, res.PartitionsDropped, res.JobsArchived, res.PartitionsSkipped)

		purged, err := st.PurgeDeadLetters(ctx, cfg.DeadLetterRetention, "", false)
		if err != nil {
			log.Printf("dead letter purge: %v", err)
			return
		}
		if purged > 0 {
			log.Printf("dead letter purge: removed=%d", purged)
		}
	}

	log.Printf("rotator started with horizon=%dd retention=%dd interval=%s",
		cfg.PartitionHorizonDays, cfg.PartitionRetentionDays, cfg.RotateInterval)

	runOnce()
	ticker := time.NewTicker(cfg.RotateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("rotator stopped")
			return
		case <-ticker.C:
			runOnce()
		}
	}
}
