package scoring

import (
	"fmt"
	"slices"

	"github.com/good-yellow-bee/threatwatch/internal/models"
)

// ModelInfo describes a configured scoring adapter.
type ModelInfo struct {
	// Name is the capability the adapter serves, used as its lookup key.
	Name       string         `json:"name"`
	ModelType  string         `json:"model_type"`
	Features   int            `json:"n_features,omitempty"`
	Labels     []string       `json:"labels,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Describer is implemented by adapters that can report their configuration.
type Describer interface {
	Info() ModelInfo
}

// Describe returns the info of adapter registered under capability.
// Adapters without an Info method are reported by their Go type.
func Describe(capability string, adapter any) ModelInfo {
	var info ModelInfo
	if d, ok := adapter.(Describer); ok {
		info = d.Info()
	} else {
		info.ModelType = fmt.Sprintf("%T", adapter)
	}
	info.Name = capability
	return info
}

var severityLabels = []string{models.SeverityNormal, models.SeverityWarning, models.SeverityCritical}

// Info implements Describer.
func (s *ZScoreScorer) Info() ModelInfo {
	return ModelInfo{
		ModelType:  "zscore",
		Features:   len(s.means),
		Parameters: map[string]any{"sensitivity": s.sensitivity},
	}
}

// Info implements Describer.
func (c *CentroidClassifier) Info() ModelInfo {
	info := ModelInfo{
		ModelType:  "nearest_centroid",
		Parameters: map[string]any{"scaled": c.scale != nil},
	}
	for _, centroid := range c.centroids {
		info.Labels = append(info.Labels, centroid.Label)
	}
	if len(c.centroids) > 0 {
		info.Features = len(c.centroids[0].Center)
	}
	return info
}

// Info implements Describer.
func (a *LevelAnalyzer) Info() ModelInfo {
	return ModelInfo{
		ModelType: "severity_level",
		Labels:    slices.Clone(severityLabels),
	}
}

// Info implements Describer. Labels lists the severities some rule can
// assign, plus NORMAL for unmatched lines.
func (a *RuleAnalyzer) Info() ModelInfo {
	labels := []string{models.SeverityNormal}
	for _, r := range a.rules {
		if !slices.Contains(labels, r.Label) {
			labels = append(labels, r.Label)
		}
	}
	return ModelInfo{
		ModelType:  "expr_rules",
		Labels:     labels,
		Parameters: map[string]any{"rules": len(a.rules)},
	}
}
