package scoring

import (
	"context"
	"fmt"

	"github.com/good-yellow-bee/threatwatch/internal/models"
)

// LevelAnalyzer labels lines from their extracted severity ordinal:
// 0 is NORMAL, 1-2 is WARNING, 3 is CRITICAL.
type LevelAnalyzer struct{}

// NewLevelAnalyzer creates a LevelAnalyzer.
func NewLevelAnalyzer() *LevelAnalyzer {
	return &LevelAnalyzer{}
}

// Analyze implements LogSeverityAnalyzer.
func (a *LevelAnalyzer) Analyze(ctx context.Context, lines []models.LogLine) (*LogAnalysis, error) {
	labels := make([]string, len(lines))
	for i, line := range lines {
		if len(line.Features) == 0 {
			return nil, fmt.Errorf("%w: line %d has no features", ErrShapeMismatch, i)
		}
		switch ordinal := line.Features[0]; {
		case ordinal >= 3:
			labels[i] = models.SeverityCritical
		case ordinal >= 1:
			labels[i] = models.SeverityWarning
		default:
			labels[i] = models.SeverityNormal
		}
	}
	return NewLogAnalysis(labels), nil
}
