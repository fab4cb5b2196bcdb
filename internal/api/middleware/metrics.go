package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/good-yellow-bee/threatwatch/internal/metrics"
)

// metricsWriter wraps http.ResponseWriter to capture status code for metrics.
type metricsWriter struct {
	http.ResponseWriter
	status int
}

func (w *metricsWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// ingestRoutePrefix marks routes whose payload sizes are observed.
const ingestRoutePrefix = "/api/v1/ingest/"

// PrometheusMiddleware records HTTP request metrics under the threatwatch_http
// subsystem. Ingestion routes also record their declared payload size.
func PrometheusMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		metrics.HTTPRequestsInFlight.Inc()
		defer metrics.HTTPRequestsInFlight.Dec()

		wrapped := &metricsWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		// The route pattern is only complete after routing.
		path := getRoutePattern(r)

		metrics.HTTPRequestsTotal.WithLabelValues(
			r.Method,
			path,
			strconv.Itoa(wrapped.status),
		).Inc()

		metrics.HTTPRequestDuration.WithLabelValues(
			r.Method,
			path,
		).Observe(time.Since(start).Seconds())

		if isIngestRoute(path) && r.ContentLength >= 0 {
			metrics.HTTPIngestPayloadBytes.WithLabelValues(path).Observe(float64(r.ContentLength))
		}
	})
}

func isIngestRoute(pattern string) bool {
	return strings.HasPrefix(pattern, ingestRoutePrefix)
}

// getRoutePattern extracts the route pattern from chi context, so that
// IDs in the path do not explode label cardinality.
func getRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return "unmatched"
}
