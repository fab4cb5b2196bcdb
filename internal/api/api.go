// Package api provides the HTTP ingestion and triage API.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/good-yellow-bee/threatwatch/internal/api/health"
	"github.com/good-yellow-bee/threatwatch/internal/api/ingest"
	"github.com/good-yellow-bee/threatwatch/internal/scoring"
	"github.com/good-yellow-bee/threatwatch/internal/storage"
)

// Config contains HTTP API server configuration.
type Config struct {
	Address string

	// RateLimitPerSecond and RateLimitBurst size the per-IP token bucket
	// applied to ingestion routes. Zero disables limiting.
	RateLimitPerSecond float64
	RateLimitBurst     int

	MaxBodyBytes   int64         // Max accepted request body
	RequestTimeout time.Duration // Timeout for pipeline and storage calls
	Verbose        bool
}

// SetDefaults applies default values for missing configuration.
func (c *Config) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.RateLimitBurst == 0 && c.RateLimitPerSecond > 0 {
		c.RateLimitBurst = int(c.RateLimitPerSecond) * 2
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 10 << 20 // 10 MiB
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// Deps are the collaborators the API serves.
type Deps struct {
	Pipeline  ingest.Processor
	Threats   storage.ThreatRecordStore
	RawEvents storage.RawEventStore

	// Models describes the scoring adapters; optional.
	Models []scoring.ModelInfo
}

// Server is the HTTP API server.
type Server struct {
	config        *Config
	deps          Deps
	logger        *slog.Logger
	server        *http.Server
	healthHandler *health.Handler
}

// New creates a new API server.
func New(cfg *Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if deps.Threats == nil {
		return nil, fmt.Errorf("threat store is required")
	}
	if deps.RawEvents == nil {
		return nil, fmt.Errorf("raw event store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg.SetDefaults()

	s := &Server{
		config:        cfg,
		deps:          deps,
		logger:        logger,
		healthHandler: health.NewHandler(),
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.setupRouter(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run starts the HTTP server and blocks until context is canceled.
func (s *Server) Run(ctx context.Context) error {
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP API listening", "address", s.config.Address)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// RegisterHealthChecker adds a health checker to the server.
func (s *Server) RegisterHealthChecker(c health.Checker) {
	if s.healthHandler != nil {
		s.healthHandler.RegisterChecker(c)
	}
}
