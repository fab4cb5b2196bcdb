// Package scoring defines the scoring capabilities consumed by the pipeline
// and the adapters that implement them.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/good-yellow-bee/threatwatch/internal/models"
)

// Capability names, used in errors and metrics.
const (
	CapabilityAnomaly    = "anomaly_scorer"
	CapabilityClassifier = "traffic_classifier"
	CapabilityLogs       = "log_severity_analyzer"
)

// Common causes wrapped by ScoringError.
var (
	ErrNotFitted     = errors.New("model is not fitted")
	ErrShapeMismatch = errors.New("feature vector shape mismatch")
	ErrUnusable      = errors.New("unusable score")
)

// ScoringError reports that a capability failed or returned an unusable value.
type ScoringError struct {
	Capability string
	Err        error
}

func (e *ScoringError) Error() string {
	return fmt.Sprintf("%s: %v", e.Capability, e.Err)
}

func (e *ScoringError) Unwrap() error {
	return e.Err
}

// AnomalyScorer scores a feature vector; higher means more anomalous.
// No fixed range is guaranteed across implementations.
type AnomalyScorer interface {
	Score(ctx context.Context, features []float64) (float64, error)
}

// Classification is a traffic label with its confidence in [0,1].
type Classification struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// TrafficClassifier labels a feature vector with a traffic category.
type TrafficClassifier interface {
	Classify(ctx context.Context, features []float64) (Classification, error)
}

// LogAnalysis is the severity distribution of a batch of log lines.
type LogAnalysis struct {
	Distribution  map[string]int `json:"severity_distribution"`
	CriticalCount int            `json:"critical_count"`
	WarningCount  int            `json:"warning_count"`
	NormalCount   int            `json:"normal_count"`

	// Confidence is the analyzer's confidence in its critical findings.
	// Nil means the analyzer does not report one; a reported zero is kept.
	Confidence *float64 `json:"confidence,omitempty"`
}

// NewLogAnalysis builds an analysis from per-line labels.
func NewLogAnalysis(labels []string) *LogAnalysis {
	a := &LogAnalysis{Distribution: map[string]int{
		models.SeverityNormal:   0,
		models.SeverityWarning:  0,
		models.SeverityCritical: 0,
	}}
	for _, label := range labels {
		a.Distribution[label]++
	}
	a.CriticalCount = a.Distribution[models.SeverityCritical]
	a.WarningCount = a.Distribution[models.SeverityWarning]
	a.NormalCount = a.Distribution[models.SeverityNormal]
	return a
}

// LogSeverityAnalyzer classifies a batch of log lines into a severity distribution.
type LogSeverityAnalyzer interface {
	Analyze(ctx context.Context, lines []models.LogLine) (*LogAnalysis, error)
}

// ScorerFunc adapts a function to AnomalyScorer.
type ScorerFunc func(ctx context.Context, features []float64) (float64, error)

// Score calls f.
func (f ScorerFunc) Score(ctx context.Context, features []float64) (float64, error) {
	return f(ctx, features)
}

// ClassifierFunc adapts a function to TrafficClassifier.
type ClassifierFunc func(ctx context.Context, features []float64) (Classification, error)

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, features []float64) (Classification, error) {
	return f(ctx, features)
}

// AnalyzerFunc adapts a function to LogSeverityAnalyzer.
type AnalyzerFunc func(ctx context.Context, lines []models.LogLine) (*LogAnalysis, error)

// Analyze calls f.
func (f AnalyzerFunc) Analyze(ctx context.Context, lines []models.LogLine) (*LogAnalysis, error) {
	return f(ctx, lines)
}

// CheckScore rejects NaN and infinite scores.
func CheckScore(score float64) error {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return fmt.Errorf("%w: %v", ErrUnusable, score)
	}
	return nil
}

// CheckConfidence rejects confidences outside [0,1].
func CheckConfidence(c float64) error {
	if math.IsNaN(c) || c < 0 || c > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrUnusable, c)
	}
	return nil
}
