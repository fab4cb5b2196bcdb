package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/good-yellow-bee/threatwatch/internal/api/capabilities"
	"github.com/good-yellow-bee/threatwatch/internal/api/ingest"
	"github.com/good-yellow-bee/threatwatch/internal/api/middleware"
	"github.com/good-yellow-bee/threatwatch/internal/api/records"
)

// setupRouter creates and configures the chi router with all routes.
func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestLogger(s.logger, s.config.Verbose))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.PrometheusMiddleware)
	r.Use(middleware.Recoverer(s.logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		JSONError(w, ErrNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		JSONError(w, ErrMethodNotAllowed)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/ingest", func(r chi.Router) {
			if s.config.RateLimitPerSecond > 0 {
				limiter := middleware.NewRateLimiter(s.config.RateLimitPerSecond, s.config.RateLimitBurst)
				r.Use(middleware.RateLimitByIP(limiter))
			}

			h := ingest.NewHandler(s.deps.Pipeline, ingest.Options{
				MaxBodyBytes: s.config.MaxBodyBytes,
				Timeout:      s.config.RequestTimeout,
				Logger:       s.logger,
			})
			r.Post("/network", h.Network)
			r.Post("/logs", h.Logs)
			r.Post("/batch", h.Batch)
		})

		h := records.NewHandler(s.deps.Threats, s.deps.RawEvents, s.logger)

		r.Route("/threats", func(r chi.Router) {
			r.Get("/", h.ListThreats)
			r.Get("/{id}", h.GetThreat)
			r.Get("/{id}/alerts", h.ListThreatAlerts)
			r.Put("/{id}/status", h.UpdateThreatStatus)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", h.ListAlerts)
			r.Get("/{id}", h.GetAlert)
			r.Put("/{id}/status", h.UpdateAlertStatus)
		})

		r.Get("/raw-events/{ref}", h.GetRawEvent)
		r.Get("/statistics", h.Statistics)

		models := capabilities.NewHandler(s.deps.Models)
		r.Get("/models", models.List)
		r.Get("/models/{name}", models.Get)
	})

	// Health checks (public, no rate limit)
	r.Get("/health", s.healthHandler.Health)
	r.Get("/health/live", s.healthHandler.Live)
	r.Get("/health/ready", s.healthHandler.Ready)

	return r
}
