// Package server assembles the chi router and HTTP server.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dropwatch/dropwatch/internal/config"
	"github.com/dropwatch/dropwatch/internal/handler"
	"github.com/dropwatch/dropwatch/internal/middleware"
)

// Handlers groups the HTTP handlers the router mounts.
type Handlers struct {
	Health *handler.HealthHandler
	Feed   *handler.FeedHandler
	Notify *handler.NotifyHandler
	Admin  *handler.AdminHandler
}

// Server wraps the HTTP server with graceful shutdown.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger
}

// New creates and configures the HTTP server.
func New(cfg *config.Config, h Handlers, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CORS(
		[]string{"*"},
		[]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		[]string{"Content-Type", "X-Request-ID"},
		300,
	))

	r.Get("/health", h.Health.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/feed", func(r chi.Router) {
			r.Get("/just-opened", h.Feed.JustOpened)
			r.Get("/still-open", h.Feed.StillOpen)
			r.Get("/calendar", h.Feed.Calendar)
		})

		r.Get("/discovery/health", h.Health.DiscoveryHealth)

		r.Route("/push/tokens", func(r chi.Router) {
			r.Post("/", h.Notify.RegisterToken)
			r.Delete("/", h.Notify.UnregisterToken)
		})

		r.Route("/notify/preferences", func(r chi.Router) {
			r.Get("/", h.Notify.ListPreferences)
			r.Put("/", h.Notify.PutPreference)
			r.Delete("/", h.Notify.DeletePreference)
		})

		r.Post("/admin/baselines/refresh", h.Admin.RefreshBaselines)
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      r,
			ReadTimeout:  cfg.Server.GetReadTimeout(),
			WriteTimeout: cfg.Server.GetWriteTimeout(),
		},
		router: r,
		logger: logger,
	}
}

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router returns the chi router, used by tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
