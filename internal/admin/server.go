package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driplinehq/dripline/internal/errs"
	"github.com/driplinehq/dripline/internal/jobs"
	"github.com/driplinehq/dripline/internal/logging"
	"github.com/driplinehq/dripline/internal/queue"
)

// JobRunner is the slice of the job runner the admin surface needs.
type JobRunner interface {
	Run(ctx context.Context, name string) (jobs.RunStats, error)
	Names() []string
}

// QueueReader exposes operator-facing queue state. Tenants see item
// status and aggregate stats; retry mechanics stay internal, last_error
// is for operator diagnosis.
type QueueReader interface {
	Get(ctx context.Context, id string) (queue.Item, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Server is the operator/admin HTTP surface: manual job triggers, queue
// inspection, health and metrics.
type Server struct {
	runner  JobRunner
	queue   QueueReader
	health  http.HandlerFunc
	metrics *prometheus.Registry
	log     *logging.Logger
}

func NewServer(runner JobRunner, q QueueReader, health http.HandlerFunc, reg *prometheus.Registry, log *logging.Logger) *Server {
	return &Server{runner: runner, queue: q, health: health, metrics: reg, log: log}
}

// Router builds the chi router for the admin surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))

	r.Get("/jobs", s.listJobs)
	r.Post("/jobs/{name}/run", s.runJob)

	r.Get("/queue/stats", s.queueStats)
	r.Get("/queue/{id}", s.getItem)

	return r
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.runner.Names()})
}

// runJob triggers a job by hand. The response body is the same RunStats
// shape a scheduled run produces.
func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	stats, err := s.runner.Run(r.Context(), name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, stats)
	case errors.Is(err, errs.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already_running"})
	default:
		s.log.WithContext(r.Context()).WithJob(name).WithError(err).Error("manual job trigger failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "stats": stats})
	}
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := s.queue.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.log.WithContext(r.Context()).WithError(err).Error("queue stats query failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
