// Package api exposes enqueueing and job inspection over HTTP, for
// producers that don't link the Go client.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/SirClappington/enqworker/internal/domain"
	"github.com/SirClappington/enqworker/internal/notify"
	"github.com/SirClappington/enqworker/internal/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// JobStore is the slice of storage the API needs.
type JobStore interface {
	AddJob(ctx context.Context, identifier string, payload any, spec domain.TaskSpec) (*domain.Job, error)
	GetJob(ctx context.Context, id int64) (*domain.Job, error)
	ListJobs(ctx context.Context, f storage.JobFilter) ([]domain.Job, error)
	Ping(ctx context.Context) error
}

type Options struct {
	// Publisher broadcasts new jobs. Nil when the database trigger is the
	// only broadcast.
	Publisher notify.Publisher
	Logger    *zap.Logger
	// EnqueueRate caps POST /v1/jobs across all clients, in requests per
	// second. Zero means unlimited.
	EnqueueRate  float64
	EnqueueBurst int
}

type server struct {
	store     JobStore
	publisher notify.Publisher
	logger    *zap.Logger
	limiter   *rate.Limiter
}

// NewRouter builds the HTTP handler.
func NewRouter(store JobStore, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	limit := rate.Inf
	if opts.EnqueueRate > 0 {
		limit = rate.Limit(opts.EnqueueRate)
	}
	burst := opts.EnqueueBurst
	if burst < 1 {
		burst = 1
	}
	s := &server{
		store:     store,
		publisher: opts.Publisher,
		logger:    opts.Logger.Named("api"),
		limiter:   rate.NewLimiter(limit, burst),
	}

	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID, middleware.RealIP, s.logRequests, middleware.Recoverer)

	rtr.Get("/healthz", s.health)
	rtr.Handle("/metrics", promhttp.Handler())
	rtr.Route("/v1/jobs", func(rtr chi.Router) {
		rtr.With(s.rateLimit).Post("/", s.enqueue)
		rtr.Get("/", s.listJobs)
		rtr.Get("/{id}", s.getJob)
	})
	return rtr
}

func (s *server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type enqueueRequest struct {
	Task    string          `json:"task"`
	Payload json.RawMessage `json:"payload"`
	domain.TaskSpec
}

func (s *server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}
	if req.MaxAttempts < 0 {
		writeError(w, http.StatusBadRequest, "max_attempts must not be negative")
		return
	}

	job, err := s.store.AddJob(r.Context(), req.Task, req.Payload, req.TaskSpec)
	if err != nil {
		s.logger.Error("enqueue failed", zap.String("task", req.Task), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not enqueue job")
		return
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(r.Context()); err != nil {
			s.logger.Warn("failed to publish new job notification", zap.Int64("job_id", job.ID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *server) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.logger.Error("get job failed", zap.Int64("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load job")
		return
	}
	if job == nil {
		// Completed jobs are deleted, so this is also the success state.
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.JobFilter{
		TaskIdentifier: q.Get("task"),
		QueueName:      q.Get("queue"),
		Limit:          defaultListLimit,
	}
	if v := q.Get("failed"); v != "" {
		failed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed must be a boolean")
			return
		}
		f.PermanentlyFailed = &failed
	}
	if v := q.Get("after"); v != "" {
		after, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after")
			return
		}
		f.AfterID = after
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > maxListLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		f.Limit = limit
	}

	jobs, err := s.store.ListJobs(r.Context(), f)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list jobs")
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
