// Package web serves the newsrag JSON API.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abdul-hamid-achik/newsrag/internal/logger"
)

// ServerConfig holds configuration for the web server.
type ServerConfig struct {
	Host string
	Port int

	Answerer      Answerer
	Index         IndexSource
	Store         Store
	Rebuild       RebuildFunc
	EmissionsFile string

	// Registry receives the HTTP metrics and is served on /metrics. Nil
	// uses the prometheus default registry.
	Registry *prometheus.Registry

	RequestTimeout time.Duration
}

// Server is the HTTP API server.
type Server struct {
	config  ServerConfig
	router  *chi.Mux
	handler *Handler
	metrics *httpMetrics
	http    *http.Server
}

// NewServer creates a new web server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}

	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if cfg.Registry != nil {
		reg, gatherer = cfg.Registry, cfg.Registry
	}

	s := &Server{
		config:  cfg,
		router:  chi.NewRouter(),
		handler: NewHandler(cfg),
		metrics: newHTTPMetrics(reg),
	}

	s.setupMiddleware()
	s.setupRoutes(gatherer)

	return s
}

// setupMiddleware configures middleware for the router.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestContext)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.metrics.middleware)
	s.router.Use(middleware.Compress(5))
}

// setupRoutes configures routes for the server.
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handler.Health)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.config.RequestTimeout))

			r.Get("/status", s.handler.Status)
			r.Get("/ask", s.handler.Ask)
			r.Post("/ask", s.handler.Ask)
			r.Get("/search", s.handler.Search)
			r.Get("/articles", s.handler.Articles)
			r.Get("/sources", s.handler.Sources)
			r.Get("/stats", s.handler.Stats)
		})

		// rebuilds embed the whole corpus and are not bound by the request timeout
		r.Post("/index/rebuild", s.handler.Rebuild)
	})
}

// Router returns the chi router for external use.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "web server listening", "addr", "http://"+s.Addr())
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info(ctx, "web server shutting down")
		return s.http.Shutdown(shutdownCtx)
	}
}
