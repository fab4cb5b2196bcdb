package scoring

import (
	"context"
	"fmt"
	"math"
)

// Centroid is a labelled reference point for nearest-centroid classification.
type Centroid struct {
	Label  string
	Center []float64
}

// CentroidClassifier labels a vector with its nearest centroid. Distances
// are computed per dimension after dividing by scale, and the confidence is
// the softmax probability of the winning label over negative distances.
type CentroidClassifier struct {
	centroids []Centroid
	scale     []float64
}

// NewCentroidClassifier creates a classifier. scale may be nil (unit scale);
// otherwise it must have a positive entry per dimension.
func NewCentroidClassifier(centroids []Centroid, scale []float64) (*CentroidClassifier, error) {
	dims := -1
	for _, c := range centroids {
		if c.Label == "" {
			return nil, fmt.Errorf("centroid label is required")
		}
		if dims >= 0 && len(c.Center) != dims {
			return nil, fmt.Errorf("centroid %q has %d dimensions, want %d", c.Label, len(c.Center), dims)
		}
		dims = len(c.Center)
	}
	if scale != nil {
		if dims >= 0 && len(scale) != dims {
			return nil, fmt.Errorf("scale has %d dimensions, want %d", len(scale), dims)
		}
		for i, s := range scale {
			if s <= 0 {
				return nil, fmt.Errorf("scale %d must be positive, got %v", i, s)
			}
		}
	}
	return &CentroidClassifier{centroids: centroids, scale: scale}, nil
}

// Classify implements TrafficClassifier. Vectors shorter than the centroids
// are compared on the dimensions they carry.
func (c *CentroidClassifier) Classify(ctx context.Context, features []float64) (Classification, error) {
	if len(c.centroids) == 0 {
		return Classification{}, ErrNotFitted
	}
	dims := len(c.centroids[0].Center)
	if len(features) == 0 || len(features) > dims {
		return Classification{}, fmt.Errorf("%w: got %d features, centroids have %d", ErrShapeMismatch, len(features), dims)
	}

	dists := make([]float64, len(c.centroids))
	best := 0
	for i, centroid := range c.centroids {
		var sum float64
		for j, v := range features {
			diff := v - centroid.Center[j]
			if c.scale != nil {
				diff /= c.scale[j]
			}
			sum += diff * diff
		}
		dists[i] = math.Sqrt(sum)
		if dists[i] < dists[best] {
			best = i
		}
	}

	// Softmax over -distance, shifted by the best distance for stability.
	var total float64
	for _, d := range dists {
		total += math.Exp(dists[best] - d)
	}
	return Classification{
		Label:      c.centroids[best].Label,
		Confidence: 1 / total,
	}, nil
}
