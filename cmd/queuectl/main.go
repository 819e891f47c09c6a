// queuectl is the operator CLI for the partitioned queue: partition
// lifecycle, dead letter inspection and retry, replay, and alert tests.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"queue-ops/internal/alert"
	"queue-ops/internal/config"
	"queue-ops/internal/queue"
	"queue-ops/internal/store"
)

const usage = `usage: queuectl <command> [flags]

commands:
  stats                       queue depth and throughput per queue
  partitions list             list daily partitions with row counts
  partitions ensure           create partitions through the horizon
  partitions drop             drop one day's partition (archives leftovers)
  partitions maintain         full rotation pass: ensure + drop expired
  partitions migrate          convert a legacy flat queue table to partitions
  partitions drop-legacy      drop the preserved pre-migration table
  deadletter list             list archived jobs
  deadletter archive          sweep failed jobs into the archive
  deadletter show             show one archived job
  deadletter retry            re-enqueue archived jobs as fresh pending
  deadletter purge            delete old archive rows (exports first)
  deadletter stats            per-queue archive counts
  enqueue                     insert one job
  show                        show one job
  cancel                      cancel a pending or processing job
  replay                      re-enqueue historical records by selector
  alert test                  send a test alert through the webhook
`

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := config.Load()
	ctx := context.Background()

	cmd, args := os.Args[1], os.Args[2:]
	if (cmd == "partitions" || cmd == "deadletter" || cmd == "alert") && len(args) > 0 {
		cmd, args = cmd+" "+args[0], args[1:]
	}

	var err error
	switch cmd {
	case "stats":
		err = runStats(ctx, cfg, args)
	case "partitions list":
		err = runPartitionsList(ctx, cfg)
	case "partitions ensure":
		err = runPartitionsEnsure(ctx, cfg, args)
	case "partitions drop":
		err = runPartitionsDrop(ctx, cfg, args)
	case "partitions maintain":
		err = runPartitionsMaintain(ctx, cfg, args)
	case "partitions migrate":
		err = runPartitionsMigrate(ctx, cfg, args)
	case "partitions drop-legacy":
		err = runPartitionsDropLegacy(ctx, cfg, args)
	case "deadletter list":
		err = runDeadLetterList(ctx, cfg, args)
	case "deadletter archive":
		err = runDeadLetterArchive(ctx, cfg, args)
	case "deadletter show":
		err = runDeadLetterShow(ctx, cfg, args)
	case "deadletter retry":
		err = runDeadLetterRetry(ctx, cfg, args)
	case "deadletter purge":
		err = runDeadLetterPurge(ctx, cfg, args)
	case "deadletter stats":
		err = runDeadLetterStats(ctx, cfg)
	case "enqueue":
		err = runEnqueue(ctx, cfg, args)
	case "show":
		err = runShow(ctx, cfg, args)
	case "cancel":
		err = runCancel(ctx, cfg, args)
	case "replay":
		err = runReplay(ctx, cfg, args)
	case "alert test":
		err = runAlertTest(ctx, cfg)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("queuectl %s: %v", cmd, err)
	}
}

func openStore(ctx context.Context, cfg config.Config) (*store.Store, error) {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return st, nil
}

// confirm prompts before a destructive action. --yes flags skip it.
func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runStats(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	queueName := fs.String("queue", "", "limit to one queue")
	window := fs.Duration("window", cfg.StatsWindow, "trailing window for recent counts")
	_ = fs.Parse(args)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	engine := queue.New(st.Pool(), cfg.MaxAttempts)
	stats, err := engine.Stats(ctx, *queueName, *window)
	if err != nil {
		return err
	}
	stale, err := engine.StaleJobs(ctx, cfg.StaleAfter)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"queues": stats, "stale_jobs": stale})
}

func runPartitionsList(ctx context.Context, cfg config.Config) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	parts, err := st.ListPartitions(ctx)
	if err != nil {
		return err
	}
	for _, p := range parts {
		fmt.Printf("%-18s %s rows=%-6d pending=%d processing=%d failed=%d\n",
			p.Name, p.StartDate.Format("2006-01-02"), p.RowCount,
			p.StatusCounts["pending"], p.StatusCounts["processing"], p.StatusCounts["failed"])
	}
	return nil
}

func runPartitionsEnsure(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("partitions ensure", flag.ExitOnError)
	horizon := fs.Int("horizon", cfg.PartitionHorizonDays, "days ahead to create")
	_ = fs.Parse(args)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	created, err := st.EnsurePartitions(ctx, *horizon)
	if err != nil {
		return err
	}
	fmt.Printf("created %d partitions\n", created)
	return nil
}

func runPartitionsDrop(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("partitions drop", flag.ExitOnError)
	date := fs.String("date", "", "partition date YYYY-MM-DD (required)")
	apply := fs.Bool("apply", false, "actually drop; default is a dry run")
	yes := fs.Bool("yes", false, "skip confirmation")
	_ = fs.Parse(args)

	if *date == "" {
		return fmt.Errorf("-date is required")
	}
	day, err := time.Parse("2006-01-02", *date)
	if err != nil {
		return fmt.Errorf("parse date: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if *apply && !*yes && !confirm(fmt.Sprintf("drop partition for %s", *date)) {
		fmt.Println("aborted")
		return nil
	}
	res, err := st.DropPartition(ctx, day, !*apply)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runPartitionsMaintain(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("partitions maintain", flag.ExitOnError)
	horizon := fs.Int("horizon", cfg.PartitionHorizonDays, "days ahead to create")
	retention := fs.Int("retention", cfg.PartitionRetentionDays, "days of partitions to keep")
	apply := fs.Bool("apply", false, "actually rotate; default is a dry run")
	_ = fs.Parse(args)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := st.Maintain(ctx, *horizon, *retention, !*apply)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runPartitionsMigrate(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("partitions migrate", flag.ExitOnError)
	ahead := fs.Int("ahead", cfg.PartitionHorizonDays, "future partitions to create past the data range")
	apply := fs.Bool("apply", false, "actually migrate; default is a dry run")
	yes := fs.Bool("yes", false, "skip confirmation")
	_ = fs.Parse(args)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if *apply && !*yes && !confirm("migrate the queue table to the partitioned layout") {
		fmt.Println("aborted")
		return nil
	}
	res, err := st.MigrateToPartitioned(ctx, *ahead, !*apply)
	if err != nil {
		return err
	}
	if res.AlreadyPartitioned {
		fmt.Println("queue table is already partitioned")
		return nil
	}
	return printJSON(res)
}

func runPartitionsDropLegacy(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("partitions drop-legacy", flag.ExitOnError)
	apply := fs.Bool("apply", false, "actually drop; default is a dry run")
	yes := fs.Bool("yes", false, "skip confirmation")
	_ = fs.Parse(args)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if *apply && !*yes && !confirm("drop the preserved queue_legacy table") {
		fmt.Println("aborted")
		return nil
	}
	found, err := st.DropLegacyQueue(ctx, !*apply)
	if err != nil {
		return err
	}
	if !found {
		fmt.Println("no legacy table to drop")
	}
	return nil
}

func deadLetterFilter(fs *flag.FlagSet, defaultLimit uint64) (*string, *time.Duration, *uint64) {
	queueName := fs.String("queue", "", "limit to one queue")
	since := fs.Duration("since", 0, "only rows archived within this window")
	limit := fs.Uint64("limit", defaultLimit, "max rows (0 = no limit)")
	return queueName, since, limit
}

func runDeadLetterList(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("deadletter list", flag.ExitOnError)
	queueName, since, limit := deadLetterFilter(fs, 50)
	_ = fs.Parse(args)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	recs, err := st.ListDeadLetters(ctx, store.DeadLetterFilter{
		QueueName: *queueName, Since: *since, Limit: *limit,
	})
	if err != nil {
		return err
	}
	for _, r := range recs {
		lastErr := ""
		if r.LastError != nil {
			lastErr = *r.LastError
		}
		retried := ""
		if r.RetriedAt != nil {
			retried = " retried=" + r.RetriedAt.Format(time.RFC3339)
		}
		fmt.Printf("%-8d %-16s failed=%s attempts=%d%s %s\n",
			r.ID, r.QueueName, r.FailedAt.Format(time.RFC3339), r.Attempts, retried, lastErr)
	}
	return nil
}

func runDeadLetterShow(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("deadletter show", flag.ExitOnError)
	id := fs.Int64("id", 0, "dead letter row id (required)")
	_ = fs.Parse(args)
	if *id == 0 && fs.NArg() > 0 {
		n, err := strconv.ParseInt(fs.Arg(0), 10, 64)
		if err != nil {
			return fmt.Errorf("parse id: %w", err)
		}
		*id = n
	}
	if *id == 0 {
		return fmt.Errorf("-id is required")
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := st.GetDeadLetter(ctx, *id)
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func runDeadLetterRetry(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("deadletter retry", flag.ExitOnError)
	queueName, since, limit := deadLetterFilter(fs, 0)
	apply := fs.Bool("apply", false, "actually re-enqueue; default is a dry run")
	_ = fs.Parse(args)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.RetryDeadLetters(ctx, store.DeadLetterFilter{
		QueueName: *queueName, Since: *since, Limit: *limit,
	}, cfg.MaxAttempts, !*apply)
	if err != nil {
		return err
	}
	if !*apply {
		fmt.Printf("dry run: would retry %d jobs (pass -apply to re-enqueue)\n", n)
		return nil
	}
	fmt.Printf("retried %d jobs\n", n)
	return nil
}

func runDeadLetterPurge(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("deadletter purge", flag.ExitOnError)
	queueName := fs.String("queue", "", "limit to one queue")
	olderThan := fs.Duration("older-than", cfg.DeadLetterRetention, "purge rows older than this")
	apply := fs.Bool("apply", false, "actually delete; default is a dry run")
	yes := fs.Bool("yes", false, "skip confirmation")
	_ = fs.Parse(args)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.ExportBucket != "" {
		exporter, err := store.NewS3Exporter(ctx, cfg.ExportBucket, cfg.ExportPrefix)
		if err != nil {
			return fmt.Errorf("init s3 exporter: %w", err)
		}
		st.SetExporter(exporter)
	}

	if *apply && !*yes && !confirm(fmt.Sprintf("purge dead letters older than %s", *olderThan)) {
		fmt.Println("aborted")
		return nil
	}
	n, err := st.PurgeDeadLetters(ctx, *olderThan, *queueName, !*apply)
	if err != nil {
		return err
	}
	if !*apply {
		fmt.Printf("dry run: would purge %d rows (pass -apply to delete)\n", n)
		return nil
	}
	fmt.Printf("purged %d rows\n", n)
	return nil
}

func runDeadLetterStats(ctx context.Context, cfg config.Config) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.DeadLetterStats(ctx)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func runDeadLetterArchive(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("deadletter archive", flag.ExitOnError)
	queueName := fs.String("queue", "", "limit to one queue")
	apply := fs.Bool("apply", false, "actually archive; default is a dry run")
	_ = fs.Parse(args)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.ArchiveFailed(ctx, *queueName, !*apply)
	if err != nil {
		return err
	}
	if !*apply {
		fmt.Printf("dry run: would archive %d failed jobs (pass -apply to archive)\n", n)
		return nil
	}
	fmt.Printf("archived %d failed jobs to the dead letter table\n", n)
	return nil
}

func runEnqueue(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	queueName := fs.String("queue", "default", "target queue")
	payloadJSON := fs.String("payload", "", "job payload as JSON (required)")
	maxAttempts := fs.Int("max-attempts", 0, "override default max attempts")
	_ = fs.Parse(args)

	if *payloadJSON == "" {
		return fmt.Errorf("-payload is required")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(*payloadJSON), &payload); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	engine := queue.New(st.Pool(), cfg.MaxAttempts)
	job, err := engine.Enqueue(ctx, *queueName, payload, *maxAttempts)
	if err != nil {
		return err
	}
	fmt.Printf("enqueued job %d on %q\n", job.ID, job.QueueName)
	return nil
}

func runCancel(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	id := fs.Int64("id", 0, "job id (required)")
	_ = fs.Parse(args)
	if *id == 0 {
		return fmt.Errorf("-id is required")
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	engine := queue.New(st.Pool(), cfg.MaxAttempts)
	if err := engine.Cancel(ctx, *id); err != nil {
		return err
	}
	fmt.Printf("cancelled job %d\n", *id)
	return nil
}

func runShow(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	id := fs.Int64("id", 0, "job id (required)")
	_ = fs.Parse(args)
	if *id == 0 && fs.NArg() > 0 {
		n, err := strconv.ParseInt(fs.Arg(0), 10, 64)
		if err != nil {
			return fmt.Errorf("parse id: %w", err)
		}
		*id = n
	}
	if *id == 0 {
		return fmt.Errorf("-id is required")
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	engine := queue.New(st.Pool(), cfg.MaxAttempts)
	job, err := engine.Get(ctx, *id)
	if err != nil {
		return err
	}
	return printJSON(job)
}

func runReplay(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	label := fs.String("label", "", "replay records with this label")
	from := fs.String("from", "", "range start YYYY-MM-DD")
	to := fs.String("to", "", "range end YYYY-MM-DD")
	ids := fs.String("ids", "", "comma-separated record ids")
	target := fs.String("target", "", "target queue (required)")
	apply := fs.Bool("apply", false, "actually insert; default is a dry run")
	_ = fs.Parse(args)

	sel := queue.Selector{Label: *label}
	if *from != "" || *to != "" {
		f, err := time.Parse("2006-01-02", *from)
		if err != nil {
			return fmt.Errorf("parse from: %w", err)
		}
		t, err := time.Parse("2006-01-02", *to)
		if err != nil {
			return fmt.Errorf("parse to: %w", err)
		}
		sel.From, sel.To = f, t
	}
	if *ids != "" {
		for _, part := range strings.Split(*ids, ",") {
			n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return fmt.Errorf("parse id %q: %w", part, err)
			}
			sel.IDs = append(sel.IDs, n)
		}
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	engine := queue.New(st.Pool(), cfg.MaxAttempts)
	replayer := queue.NewReplayer(engine, queue.NewPGHistory(st.Pool()))
	res, err := replayer.Replay(ctx, sel, *target, !*apply)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runAlertTest(ctx context.Context, cfg config.Config) error {
	if cfg.WebhookURL == "" {
		return fmt.Errorf("WEBHOOK_URL is not set")
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	throttle := alert.NewThrottle(redisClient, cfg.WebhookRateCap, cfg.WebhookRateRefil, time.Hour)
	notifier := alert.NewNotifier(cfg.WebhookURL, cfg.WebhookTimeout, cfg.NotifyMaxRetry, throttle)
	if err := notifier.SendTest(ctx); err != nil {
		return err
	}
	fmt.Println("test alert delivered")
	return nil
}
