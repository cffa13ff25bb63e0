package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"bookmark-core/internal/models"
	"bookmark-core/internal/queue"
	"bookmark-core/internal/ratelimit"
	"bookmark-core/internal/scheduler"
	"bookmark-core/internal/telemetry"
)

// Server wires the queue-submission and operational HTTP surface.
type Server struct {
	queue      queue.JobQueue
	supervisor *scheduler.Supervisor
	limiter    *ratelimit.TokenBucket
	ws         http.Handler
	logger     *zap.Logger
}

// New constructs the API server. limiter and ws may be nil.
func New(q queue.JobQueue, supervisor *scheduler.Supervisor, limiter *ratelimit.TokenBucket, ws http.Handler, logger *zap.Logger) *Server {
	return &Server{
		queue:      q,
		supervisor: supervisor,
		limiter:    limiter,
		ws:         ws,
		logger:     logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())
	if s.ws != nil {
		r.Handle("/ws", s.ws)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs/failed", s.handleListFailed)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleRemove)
		r.Get("/queues/stats", s.handleAllStats)
		r.Get("/queues/{category}/stats", s.handleStats)
		r.Post("/queues/{category}/pause", s.handlePause)
		r.Post("/queues/{category}/resume", s.handleResume)
	})
	return r
}

type enqueueRequest struct {
	Category     string          `json:"category"`
	Payload      json.RawMessage `json:"payload"`
	Priority     string          `json:"priority"`
	DedupKey     string          `json:"dedup_key"`
	DelaySeconds int             `json:"delay_seconds"`
	MaxAttempts  int             `json:"max_attempts"`
}

type enqueueResponse struct {
	Job          *models.Job `json:"job"`
	Deduplicated bool        `json:"deduplicated"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	category := models.Category(req.Category)
	if !category.Valid() {
		http.Error(w, "unknown category", http.StatusBadRequest)
		return
	}
	if req.Payload == nil {
		req.Payload = json.RawMessage(`{}`)
	}

	// Rate limiting fails open: a broken limiter must not block writes.
	if s.limiter != nil {
		owner := ownerFromRequest(r)
		allowed, _, err := s.limiter.Allow(r.Context(), "enqueue:"+owner)
		if err != nil {
			s.logger.Warn("rate limiter unavailable, allowing request", zap.Error(err))
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	cfg := s.supervisor.Config(category)
	opts := queue.EnqueueOptions{
		Priority:    parsePriority(req.Priority),
		DedupKey:    req.DedupKey,
		Delay:       time.Duration(req.DelaySeconds) * time.Second,
		MaxAttempts: req.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = cfg.MaxAttempts
	}

	job, existing, err := s.queue.Enqueue(r.Context(), category, req.Payload, opts)
	if err != nil {
		if errors.Is(err, queue.ErrBrokerUnavailable) {
			s.logger.Error("enqueue failed, broker unavailable", zap.Error(err))
			http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing {
		telemetry.JobsDeduped.WithLabelValues(req.Category).Inc()
	} else {
		telemetry.JobsEnqueued.WithLabelValues(req.Category).Inc()
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job, Deduplicated: existing})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Remove(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to remove job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleAllStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.supervisor.Stats(r.Context())
	if err != nil {
		http.Error(w, "failed to read stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	category, ok := categoryParam(w, r)
	if !ok {
		return
	}
	stats, err := s.queue.GetStats(r.Context(), category)
	if err != nil {
		http.Error(w, "failed to read stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	category, ok := categoryParam(w, r)
	if !ok {
		return
	}
	if err := s.supervisor.Pause(r.Context(), category); err != nil {
		http.Error(w, "failed to pause queue", http.StatusInternalServerError)
		return
	}
	s.logger.Info("queue paused", zap.String("category", string(category)))
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	category, ok := categoryParam(w, r)
	if !ok {
		return
	}
	if err := s.supervisor.Resume(r.Context(), category); err != nil {
		http.Error(w, "failed to resume queue", http.StatusInternalServerError)
		return
	}
	s.logger.Info("queue resumed", zap.String("category", string(category)))
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) {
	category := models.Category(r.URL.Query().Get("category"))
	if !category.Valid() {
		http.Error(w, "unknown category", http.StatusBadRequest)
		return
	}
	jobs, err := s.queue.ListFailed(r.Context(), category, 100)
	if err != nil {
		http.Error(w, "failed to list failed jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func categoryParam(w http.ResponseWriter, r *http.Request) (models.Category, bool) {
	category := models.Category(chi.URLParam(r, "category"))
	if !category.Valid() {
		http.Error(w, "unknown category", http.StatusBadRequest)
		return "", false
	}
	return category, true
}

func parsePriority(v string) int {
	switch strings.ToLower(v) {
	case "high":
		return models.PriorityHigh
	case "low":
		return models.PriorityLow
	default:
		return models.PriorityNormal
	}
}

func ownerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Owner-ID"); v != "" {
		return v
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
