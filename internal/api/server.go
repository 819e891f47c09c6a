package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"queue-ops/internal/config"
	"queue-ops/internal/queue"
	"queue-ops/internal/store"
	"queue-ops/internal/telemetry"
)

// Server wires the ops HTTP surface. Every handler is a thin call into the
// store or engine contracts; no queue logic lives here.
type Server struct {
	cfg      config.Config
	store    *store.Store
	engine   *queue.Engine
	replayer *queue.Replayer
}

// New constructs the ops API server.
func New(cfg config.Config, st *store.Store, eng *queue.Engine, rep *queue.Replayer) *Server {
	return &Server{cfg: cfg, store: st, engine: eng, replayer: rep}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/queues/stats", s.handleStats)
	r.Post("/queues/{name}/retry-all", s.handleRetryAll)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/partitions", s.handlePartitions)
	r.Post("/partitions/ensure", s.handleEnsurePartitions)
	r.Get("/deadletter", s.handleDeadLetterList)
	r.Get("/deadletter/stats", s.handleDeadLetterStats)
	r.Post("/deadletter/retry", s.handleDeadLetterRetry)
	r.Post("/replay", s.handleReplay)
	return r
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context(), r.URL.Query().Get("queue"), s.cfg.StatsWindow)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	stale, err := s.engine.StaleJobs(r.Context(), s.cfg.StaleAfter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"queues": stats, "stale_jobs": stale})
}

func (s *Server) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.RetryAll(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"retried": n})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	job, err := s.engine.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, job)
}

func (s *Server) handlePartitions(w http.ResponseWriter, r *http.Request) {
	parts, err := s.store.ListPartitions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, parts)
}

func (s *Server) handleEnsurePartitions(w http.ResponseWriter, r *http.Request) {
	horizon := s.cfg.PartitionHorizonDays
	if v := r.URL.Query().Get("horizon_days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			horizon = n
		}
	}
	created, err := s.store.EnsurePartitions(r.Context(), horizon)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"created": created})
}

func (s *Server) handleDeadLetterList(w http.ResponseWriter, r *http.Request) {
	// A zero filter limit lists everything; cap the display surface.
	f := store.DeadLetterFilter{QueueName: r.URL.Query().Get("queue"), Limit: 100}
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			http.Error(w, "invalid since duration", http.StatusBadRequest)
			return
		}
		f.Since = d
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			f.Limit = n
		}
	}
	recs, err := s.store.ListDeadLetters(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleDeadLetterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.DeadLetterStats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

type deadLetterRetryRequest struct {
	Queue  string `json:"queue"`
	Since  string `json:"since"`
	DryRun *bool  `json:"dry_run"`
}

func (s *Server) handleDeadLetterRetry(w http.ResponseWriter, r *http.Request) {
	var req deadLetterRetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	f := store.DeadLetterFilter{QueueName: req.Queue}
	if req.Since != "" {
		d, err := time.ParseDuration(req.Since)
		if err != nil {
			http.Error(w, "invalid since duration", http.StatusBadRequest)
			return
		}
		f.Since = d
	}
	// Destructive-ish operations default to dry-run unless told otherwise.
	dryRun := true
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}
	n, err := s.store.RetryDeadLetters(r.Context(), f, s.cfg.MaxAttempts, dryRun)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"retried": n, "dry_run": dryRun})
}

type replayRequest struct {
	Label       string  `json:"label"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	IDs         []int64 `json:"ids"`
	TargetQueue string  `json:"target_queue"`
	DryRun      *bool   `json:"dry_run"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	sel := queue.Selector{Label: req.Label, IDs: req.IDs}
	if req.From != "" || req.To != "" {
		from, err := time.Parse("2006-01-02", req.From)
		if err != nil {
			http.Error(w, "invalid from date", http.StatusBadRequest)
			return
		}
		to, err := time.Parse("2006-01-02", req.To)
		if err != nil {
			http.Error(w, "invalid to date", http.StatusBadRequest)
			return
		}
		sel.From, sel.To = from, to
	}
	dryRun := true
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}
	res, err := s.replayer.Replay(r.Context(), sel, req.TargetQueue, dryRun)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, res)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
