// Package metrics provides Prometheus metrics for ThreatWatch.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "threatwatch"
)

// HTTP metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks concurrent HTTP requests.
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)

	// HTTPRateLimitedTotal counts requests refused by the ingest rate limiter.
	HTTPRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Total requests refused by the rate limiter",
		},
	)

	// HTTPIngestPayloadBytes observes the declared body size of ingestion
	// requests, labelled by route pattern.
	HTTPIngestPayloadBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "ingest_payload_bytes",
			Help:      "Declared body size of ingestion requests",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		},
		[]string{"route"},
	)
)

// Pipeline metrics
var (
	// PipelineEventsTotal counts processed events by kind and outcome.
	PipelineEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "events_total",
			Help:      "Total events processed by kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: persisted, rejected, failed
	)

	// PipelineStageFailures counts failed events by the stage that failed.
	PipelineStageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_failures_total",
			Help:      "Total pipeline failures by kind and stage",
		},
		[]string{"kind", "stage"}, // stage: validation, scoring, timeout, raw_store, relational
	)

	// ScoringDuration tracks scoring capability latency.
	ScoringDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "scoring_duration_seconds",
			Help:      "Scoring capability latency in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"capability"},
	)

	// ThreatsCreatedTotal counts persisted threats by type.
	ThreatsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "threats_created_total",
			Help:      "Total threats persisted by type",
		},
		[]string{"type"},
	)

	// OrphanedRawEvents counts raw events stored without a relational record.
	OrphanedRawEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "orphaned_raw_events_total",
			Help:      "Raw events left without a threat record after a relational failure",
		},
	)
)

// Notifier metrics
var (
	// NotificationsTotal counts threat notifications by result.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "notifications_total",
			Help:      "Total threat notifications by result",
		},
		[]string{"result"}, // success, failure
	)
)

// Source metrics
var (
	// SourceLinesTotal counts lines read from tailed log files.
	SourceLinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "lines_total",
			Help:      "Total lines read from tailed log files",
		},
		[]string{"path"},
	)

	// SourceBatchesTotal counts log batches submitted by file sources.
	SourceBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "batches_total",
			Help:      "Total log batches submitted from tailed files by result",
		},
		[]string{"path", "result"}, // success, failure
	)
)

// Storage metrics
var (
	// StorageQueryDuration tracks query latency.
	StorageQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "query_duration_seconds",
			Help:      "Storage query latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation", "backend"},
	)

	// StorageErrors counts storage operation errors.
	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "errors_total",
			Help:      "Total storage operation errors",
		},
		[]string{"operation", "backend"},
	)
)

// Info metric
var (
	// BuildInfo exposes build information.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_time"},
	)
)

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, commit, buildTime string) {
	BuildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// ObserveStorage records the latency of a storage operation and counts it
// as an error when err is non-nil.
func ObserveStorage(operation, backend string, start time.Time, err error) {
	StorageQueryDuration.WithLabelValues(operation, backend).Observe(time.Since(start).Seconds())
	if err != nil {
		StorageErrors.WithLabelValues(operation, backend).Inc()
	}
}
