package features

import (
	"fmt"
	"strings"
	"time"

	"github.com/good-yellow-bee/threatwatch/internal/models"
)

// networkCounterFields are the traffic counters leading every network feature vector.
var networkCounterFields = []string{
	"bytes_sent",
	"bytes_received",
	"duration",
	"protocol_type",
}

// timestampLayouts are the ISO-8601 forms accepted for the timestamp field.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Extractor derives feature vectors from raw network and log events.
// Network extraction is pure; log extraction updates the shared vectorizer.
type Extractor struct {
	vectorizer *TextVectorizer
}

// NewExtractor creates an Extractor around a process-wide vectorizer.
// If vectorizer is nil a default one is created.
func NewExtractor(vectorizer *TextVectorizer) *Extractor {
	if vectorizer == nil {
		vectorizer = NewTextVectorizer(DefaultMaxFeatures)
	}
	return &Extractor{vectorizer: vectorizer}
}

// Vectorizer returns the shared text vectorizer.
func (e *Extractor) Vectorizer() *TextVectorizer {
	return e.vectorizer
}

// ExtractNetworkFeatures returns the traffic counters followed by hour,
// minute and weekday (Monday = 0) when a timestamp is present. Without a
// timestamp, or with an empty one, the vector is shorter; callers must not
// assume a fixed length.
func (e *Extractor) ExtractNetworkFeatures(fields models.Fields) ([]float64, error) {
	vec := make([]float64, 0, len(networkCounterFields)+3)
	for _, name := range networkCounterFields {
		val, err := numericField(fields, name)
		if err != nil {
			return nil, err
		}
		vec = append(vec, val)
	}

	if !fields.Has("timestamp") {
		return vec, nil
	}

	raw, ok := fields["timestamp"].(string)
	if !ok {
		return nil, &ValidationError{Field: "timestamp", Value: fields["timestamp"], Reason: "not a string"}
	}
	// A blank timestamp is treated as absent.
	if strings.TrimSpace(raw) == "" {
		return vec, nil
	}
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return nil, &ValidationError{Field: "timestamp", Value: raw, Reason: err.Error()}
	}

	weekday := (int(ts.Weekday()) + 6) % 7
	return append(vec, float64(ts.Hour()), float64(ts.Minute()), float64(weekday)), nil
}

// ExtractLogFeatures returns the severity ordinal followed by the text
// embedding of the message. Unknown severities count as INFO.
func (e *Extractor) ExtractLogFeatures(ev models.LogEvent) []float64 {
	level, _ := models.ParseLogLevel(ev.Severity)
	vec := make([]float64, 0, 1+e.vectorizer.Width())
	vec = append(vec, float64(level.Ordinal()))

	if ev.Message != "" {
		vec = append(vec, e.vectorizer.FitTransform(ev.Message)...)
	}
	return vec
}

// ExtractLogLines parses each raw line and attaches its feature vector.
func (e *Extractor) ExtractLogLines(lines []string) []models.LogLine {
	out := make([]models.LogLine, len(lines))
	for i, raw := range lines {
		line := models.ParseLogLine(raw)
		line.Features = e.ExtractLogFeatures(line.Event())
		out[i] = line
	}
	return out
}

// ParseTimestamp parses the ISO-8601 forms accepted on network records.
// Timestamps without a zone are taken as written (no conversion).
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised ISO-8601 timestamp")
}
