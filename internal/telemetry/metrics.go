package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PartitionsCreated = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_partitions_created_total", Help: "Partitions created by rotation"})
	PartitionsDropped = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_partitions_dropped_total", Help: "Partitions dropped by rotation"})
	JobsArchived      = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_jobs_archived_total", Help: "Jobs copied into the dead letter archive"})
	ArchiveFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_archive_failures_total", Help: "Archive transactions rolled back"})
	JobsClaimed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_jobs_claimed_total", Help: "Jobs claimed by workers"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_jobs_failed_total", Help: "Job attempts that failed"})
	JobsReplayed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_jobs_replayed_total", Help: "Jobs re-enqueued by replay"})
	PendingDepth      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_pending_depth", Help: "Pending jobs across all queues"})

	AlertsAdmitted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "alerts_admitted_total", Help: "Alert candidates admitted for delivery"})
	AlertsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{Name: "alerts_suppressed_total", Help: "Alert candidates suppressed by cooldown"})
	AlertsDropped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "alerts_dropped_total", Help: "Admitted alerts dropped on send buffer overflow"})
	AlertsLost       = prometheus.NewCounter(prometheus.CounterOpts{Name: "alerts_lost_total", Help: "Alerts lost after delivery retries were exhausted"})
	CooldownEntries  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "alerts_cooldown_entries", Help: "Fingerprints currently tracked by the deduplicator"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PartitionsCreated,
			PartitionsDropped,
			JobsArchived,
			ArchiveFailures,
			JobsClaimed,
			JobsCompleted,
			JobsFailed,
			JobsReplayed,
			PendingDepth,
			AlertsAdmitted,
			AlertsSuppressed,
			AlertsDropped,
			AlertsLost,
			CooldownEntries,
		)
	})
	return promhttp.Handler()
}
