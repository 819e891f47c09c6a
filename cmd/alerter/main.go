package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"queue-ops/internal/alert"
	"queue-ops/internal/config"
	"queue-ops/internal/logsource"
	"queue-ops/internal/telemetry"
)

func main() {
	cfg := config.Load()
	if cfg.WebhookURL == "" {
		log.Fatalf("WEBHOOK_URL is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	sources := buildSources(config.Sources())
	if len(sources) == 0 {
		log.Fatalf("no log sources configured, set LOG_SOURCES or pipe stdin as LOG_SOURCES=stdin")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	throttle := alert.NewThrottle(redisClient, cfg.WebhookRateCap, cfg.WebhookRateRefil, time.Hour)

	classifier := alert.NewClassifier()
	deduper := alert.NewDeduper(cfg.DefaultCooldown, cfg.IdleEviction, cfg.SummaryHour)
	notifier := alert.NewNotifier(cfg.WebhookURL, cfg.WebhookTimeout, cfg.NotifyMaxRetry, throttle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	daemon := alert.NewDaemon(classifier, deduper, notifier, sources, cfg.SendBufferSize)
	log.Printf("alerter started with %d sources, cooldown=%s summary_hour=%02d:00",
		len(sources), cfg.DefaultCooldown, cfg.SummaryHour)
	if err := daemon.Run(ctx); err != nil {
		log.Printf("alerter stopped: %v", err)
	}
}

// buildSources turns LOG_SOURCES entries into runnable sources. "name=url"
// tails a websocket stream; the literal "stdin" reads piped input.
func buildSources(entries []string) []logsource.Source {
	var out []logsource.Source
	for _, entry := range entries {
		if entry == "stdin" {
			out = append(out, logsource.NewReaderSource("stdin", os.Stdin))
			continue
		}
		name, url, ok := strings.Cut(entry, "=")
		if !ok {
			log.Printf("skipping malformed log source %q", entry)
			continue
		}
		out = append(out, logsource.NewWebSocketSource(name, url))
	}
	return out
}
