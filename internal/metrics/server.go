package metrics

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// landingSeries are the series listed on the landing page, in display order.
var landingSeries = []struct{ name, help string }{
	{"threatwatch_pipeline_events_total", "events by kind and outcome"},
	{"threatwatch_pipeline_stage_failures_total", "failures by kind and stage"},
	{"threatwatch_pipeline_threats_created_total", "committed threats by type"},
	{"threatwatch_pipeline_orphaned_raw_events_total", "raw events left without a threat"},
	{"threatwatch_notifier_notifications_total", "deliveries by result"},
	{"threatwatch_source_lines_total", "lines read from tailed files"},
	{"threatwatch_http_ingest_payload_bytes", "declared ingestion body sizes"},
}

// Server serves Prometheus metrics on a dedicated port.
type Server struct {
	server *http.Server
	addr   string
	logger *slog.Logger
}

// NewServer creates a metrics server. build is shown on the landing page.
func NewServer(addr, build string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	page := landingPage(build)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(page))
	})

	return &Server{
		addr:   addr,
		logger: logger,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

func landingPage(build string) string {
	var b strings.Builder
	b.WriteString("<html><head><title>ThreatWatch Metrics</title></head><body>\n")
	b.WriteString("<h1>ThreatWatch Metrics</h1>\n")
	if build != "" {
		fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(build))
	}
	b.WriteString(`<p><a href="/metrics">/metrics</a> exposes the threatwatch_* series, including:</p>` + "\n<ul>\n")
	for _, s := range landingSeries {
		fmt.Fprintf(&b, "<li><code>%s</code>: %s</li>\n", s.name, s.help)
	}
	b.WriteString("</ul>\n</body></html>\n")
	return b.String()
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the metrics server.
func (s *Server) Start() error {
	s.logger.Info("metrics server listening", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down metrics server")
	return s.server.Shutdown(ctx)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.addr
}
