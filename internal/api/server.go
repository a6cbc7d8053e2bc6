// Package api exposes the HTTP surface: seed intake, job reads, artifact
// access, pipeline listing, the SSE event stream, and operational state.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pipeord/pipeord/internal/config"
	"github.com/pipeord/pipeord/internal/events"
	"github.com/pipeord/pipeord/internal/jobs"
	"github.com/pipeord/pipeord/internal/metrics"
	"github.com/pipeord/pipeord/internal/orchestrator"
	"github.com/pipeord/pipeord/internal/paths"
	"github.com/pipeord/pipeord/internal/registry"
)

// StateReporter describes the orchestrator view /api/state serves.
type StateReporter interface {
	State() orchestrator.State
}

// Server holds the handler dependencies. Construct with NewServer and mount
// Handler().
type Server struct {
	cfg      *config.Config
	res      *paths.Resolver
	jobs     *jobs.Service
	registry *registry.Store
	hub      *events.Hub
	state    StateReporter
	metrics  *metrics.Set
	log      *slog.Logger
}

// Options collects the server dependencies. Hub, State, and Metrics may be
// nil; the matching endpoints degrade gracefully.
type Options struct {
	Config   *config.Config
	Resolver *paths.Resolver
	Jobs     *jobs.Service
	Registry *registry.Store
	Hub      *events.Hub
	State    StateReporter
	Metrics  *metrics.Set
	Logger   *slog.Logger
}

// NewServer wires the HTTP surface.
func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      opts.Config,
		res:      opts.Resolver,
		jobs:     opts.Jobs,
		registry: opts.Registry,
		hub:      opts.Hub,
		state:    opts.State,
		metrics:  opts.Metrics,
		log:      log,
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/upload/seed", s.uploadSeed)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Get("/export", s.exportJobs)
			r.Get("/{jobId}", s.getJob)
			r.Get("/{jobId}/tasks/{taskId}/file", s.getTaskFile)
		})
		r.Get("/pipelines", s.listPipelines)
		r.Get("/events", s.streamEvents)
		r.Get("/state", s.getState)
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

// requestLogger is a slog flavor of chi's logger middleware. The event
// stream is skipped; a long-lived SSE request would log once per connection
// lifetime anyway.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/events" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
