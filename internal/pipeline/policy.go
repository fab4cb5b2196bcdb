package pipeline

import (
	"fmt"
	"math"

	"github.com/good-yellow-bee/threatwatch/internal/models"
	"github.com/good-yellow-bee/threatwatch/internal/scoring"
)

// Default policy values.
const (
	DefaultAnomalyThreshold      = 0.8
	DefaultLogThreatSeverity     = 0.9
	DefaultLogConfidenceFallback = 0.8
)

// Policy turns scores into a create-threat decision.
type Policy struct {
	// AnomalyThreshold is exceeded (strictly) by network scores that create a threat.
	AnomalyThreshold float64 `yaml:"anomaly_threshold"`

	// LogThreatSeverity is the severity of every log-based threat.
	LogThreatSeverity float64 `yaml:"log_threat_severity"`

	// LogConfidenceFallback is used when the analyzer reports no confidence.
	LogConfidenceFallback float64 `yaml:"log_confidence_fallback"`
}

// DefaultPolicy returns the default decision policy.
func DefaultPolicy() Policy {
	return Policy{
		AnomalyThreshold:      DefaultAnomalyThreshold,
		LogThreatSeverity:     DefaultLogThreatSeverity,
		LogConfidenceFallback: DefaultLogConfidenceFallback,
	}
}

// Validate checks the policy values.
func (p Policy) Validate() error {
	if math.IsNaN(p.AnomalyThreshold) || math.IsInf(p.AnomalyThreshold, 0) {
		return fmt.Errorf("anomaly_threshold must be finite")
	}
	if p.LogThreatSeverity < 0 || p.LogThreatSeverity > 1 {
		return fmt.Errorf("log_threat_severity must be in [0,1], got %v", p.LogThreatSeverity)
	}
	if p.LogConfidenceFallback < 0 || p.LogConfidenceFallback > 1 {
		return fmt.Errorf("log_confidence_fallback must be in [0,1], got %v", p.LogConfidenceFallback)
	}
	return nil
}

// Decision is the outcome of applying a Policy to scores.
type Decision struct {
	CreateThreat bool              `json:"create_threat"`
	ThreatType   models.ThreatType `json:"threat_type,omitempty"`
	Severity     float64           `json:"severity,omitempty"`
	Confidence   float64           `json:"confidence,omitempty"`
}

// DecideNetwork creates a network_based threat when score is strictly
// above the threshold. Severity is the score clamped to [0,1].
func (p Policy) DecideNetwork(score float64, class scoring.Classification) Decision {
	if !(score > p.AnomalyThreshold) {
		return Decision{}
	}
	return Decision{
		CreateThreat: true,
		ThreatType:   models.ThreatTypeNetwork,
		Severity:     clamp01(score),
		Confidence:   class.Confidence,
	}
}

// DecideLogs creates a log_based threat when any line is CRITICAL.
// Severity is the configured constant regardless of how many lines matched.
// Confidence is the analyzer's when it reports one, else the fallback.
func (p Policy) DecideLogs(analysis *scoring.LogAnalysis) Decision {
	if analysis == nil || analysis.CriticalCount <= 0 {
		return Decision{}
	}
	confidence := p.LogConfidenceFallback
	if analysis.Confidence != nil {
		confidence = *analysis.Confidence
	}
	return Decision{
		CreateThreat: true,
		ThreatType:   models.ThreatTypeLog,
		Severity:     clamp01(p.LogThreatSeverity),
		Confidence:   confidence,
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
