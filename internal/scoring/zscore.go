package scoring

import (
	"context"
	"fmt"
	"math"
)

// DefaultSensitivity is the distance at which the z-score scorer reaches 1-1/e.
const DefaultSensitivity = 3.0

// ZScoreScorer scores a vector by its RMS z-distance from a fitted baseline,
// mapped into [0,1) as 1 - exp(-d/sensitivity).
type ZScoreScorer struct {
	means       []float64
	stddevs     []float64
	sensitivity float64
}

// NewZScoreScorer creates a scorer from per-feature means and standard deviations.
func NewZScoreScorer(means, stddevs []float64, sensitivity float64) (*ZScoreScorer, error) {
	if len(means) != len(stddevs) {
		return nil, fmt.Errorf("baseline means (%d) and stddevs (%d) differ in length", len(means), len(stddevs))
	}
	for i, sd := range stddevs {
		if sd <= 0 {
			return nil, fmt.Errorf("baseline stddev %d must be positive, got %v", i, sd)
		}
	}
	if sensitivity <= 0 {
		sensitivity = DefaultSensitivity
	}
	return &ZScoreScorer{
		means:       append([]float64(nil), means...),
		stddevs:     append([]float64(nil), stddevs...),
		sensitivity: sensitivity,
	}, nil
}

// Score implements AnomalyScorer. Vectors shorter than the baseline are
// scored on the dimensions they carry (time components are optional).
func (s *ZScoreScorer) Score(ctx context.Context, features []float64) (float64, error) {
	if len(s.means) == 0 {
		return 0, ErrNotFitted
	}
	if len(features) == 0 || len(features) > len(s.means) {
		return 0, fmt.Errorf("%w: got %d features, baseline has %d", ErrShapeMismatch, len(features), len(s.means))
	}

	var sum float64
	for i, v := range features {
		z := (v - s.means[i]) / s.stddevs[i]
		sum += z * z
	}
	d := math.Sqrt(sum / float64(len(features)))
	return 1 - math.Exp(-d/s.sensitivity), nil
}
