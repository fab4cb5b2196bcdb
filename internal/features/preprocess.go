// Package features turns raw network and log events into numeric feature vectors.
package features

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/good-yellow-bee/threatwatch/internal/models"
)

// ValidationError reports a malformed or untyped input field.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q (%v): %s", e.Field, e.Value, e.Reason)
}

// NetworkFeatureNames is the fixed, ordered list of canonical network fields.
var NetworkFeatureNames = []string{
	"bytes_sent",
	"bytes_received",
	"packet_count",
	"duration",
	"port_number",
	"protocol_type",
}

// FixedVector is a feature vector aligned with NetworkFeatureNames.
type FixedVector []float64

// Map returns the vector keyed by feature name.
func (v FixedVector) Map() map[string]float64 {
	m := make(map[string]float64, len(v))
	for i, name := range NetworkFeatureNames {
		if i < len(v) {
			m[name] = v[i]
		}
	}
	return m
}

// Preprocessor maps raw network records onto the canonical fixed vector.
type Preprocessor struct{}

// NewPreprocessor creates a new Preprocessor.
func NewPreprocessor() *Preprocessor {
	return &Preprocessor{}
}

// Preprocess returns the canonical vector for fields.
// Absent (or null) fields are filled with 0.0; non-numeric values are a ValidationError.
func (p *Preprocessor) Preprocess(fields models.Fields) (FixedVector, error) {
	vec := make(FixedVector, len(NetworkFeatureNames))
	for i, name := range NetworkFeatureNames {
		val, err := numericField(fields, name)
		if err != nil {
			return nil, err
		}
		vec[i] = val
	}
	return vec, nil
}

// numericField reads a numeric field, returning 0 when it is absent.
func numericField(fields models.Fields, name string) (float64, error) {
	if !fields.Has(name) {
		return 0, nil
	}
	raw := fields[name]
	val, ok := toFloat(raw)
	if !ok {
		return 0, &ValidationError{Field: name, Value: raw, Reason: "not a number"}
	}
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return 0, &ValidationError{Field: name, Value: raw, Reason: "not a finite number"}
	}
	return val, nil
}

// toFloat coerces the numeric kinds produced by JSON decoding and Go callers.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
