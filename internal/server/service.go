// Package server exposes the pipeline over HTTP: ingestion, topic and task
// inspection, fix execution, rule management, and forge webhooks.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/Raptors65/darwin/internal/config"
	"github.com/Raptors65/darwin/internal/fix"
	"github.com/Raptors65/darwin/internal/forge"
	"github.com/Raptors65/darwin/internal/ingest"
	"github.com/Raptors65/darwin/internal/learning"
	"github.com/Raptors65/darwin/internal/review"
	"github.com/Raptors65/darwin/internal/store"
)

const (
	readTimeout     = 30 * time.Second
	writeTimeout    = 16 * time.Minute // fix execution is synchronous
	requestBodyMax  = 4 << 20
	defaultListMax  = 100
	shutdownTimeout = 10 * time.Second
)

// Service is the HTTP surface of the pipeline.
type Service struct {
	cfg    *config.Config
	store  store.Store
	ingest *ingest.Service
	learn  *learning.Store
	runner *fix.Runner
	review *review.Handler
	forge  forge.Forge

	router *chi.Mux
	server *http.Server
}

// New wires the HTTP service. runner, review handler, and forge may be nil
// when their providers are not configured; the corresponding endpoints then
// report the feature as unavailable.
func New(cfg *config.Config, st store.Store, ing *ingest.Service, learn *learning.Store, runner *fix.Runner, rh *review.Handler, fg forge.Forge) *Service {
	s := &Service{
		cfg:    cfg,
		store:  st,
		ingest: ing,
		learn:  learn,
		runner: runner,
		review: rh,
		forge:  fg,
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Service) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Post("/ingest", s.handleIngest)
	r.Get("/signals", s.handleListSignals)

	r.Get("/topics", s.handleListTopics)
	r.Get("/topics/{id}", s.handleGetTopic)

	r.Get("/tasks", s.handleListTasks)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Patch("/tasks/{id}", s.handlePatchTask)
	r.Post("/tasks/{id}/create-issue", s.handleCreateIssue)
	r.Post("/tasks/{id}/fix", s.handleFix)

	r.Get("/products/{product}/rules", s.handleListRules)
	r.Post("/products/{product}/rules", s.handleCreateRule)
	r.Delete("/products/{product}/rules/{id}", s.handleDeleteRule)

	r.Post("/webhooks/forge", s.handleWebhook)

	r.Get("/health", s.handleHealth)
	r.Get("/queues", s.handleQueues)
}

// Handler returns the routed handler, for tests and embedding.
func (s *Service) Handler() http.Handler { return s.router }

// Start serves HTTP until the listener fails or Shutdown is called.
func (s *Service) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.HTTPAddr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	log.Info().Str("addr", s.cfg.HTTPAddr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server, allowing in-flight requests to finish.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// requestLogger logs each request with latency at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", ww.Status()).Dur("elapsed", time.Since(start)).
			Msg("Request handled")
	})
}
