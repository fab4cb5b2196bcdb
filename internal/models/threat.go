// Package models defines domain models for threatwatch.
package models

import "time"

// ThreatType identifies the detection path that produced a threat.
type ThreatType string

const (
	ThreatTypeNetwork ThreatType = "network_based"
	ThreatTypeLog     ThreatType = "log_based"
)

// ThreatStatus is the triage state of a threat.
type ThreatStatus string

const (
	ThreatStatusDetected      ThreatStatus = "detected"
	ThreatStatusAnalyzing     ThreatStatus = "analyzing"
	ThreatStatusResolved      ThreatStatus = "resolved"
	ThreatStatusFalsePositive ThreatStatus = "false_positive"
)

// threatTransitions lists the statuses reachable from each status.
var threatTransitions = map[ThreatStatus][]ThreatStatus{
	ThreatStatusDetected:  {ThreatStatusAnalyzing, ThreatStatusResolved, ThreatStatusFalsePositive},
	ThreatStatusAnalyzing: {ThreatStatusResolved, ThreatStatusFalsePositive},
}

// Valid reports whether s is a known threat status.
func (s ThreatStatus) Valid() bool {
	switch s {
	case ThreatStatusDetected, ThreatStatusAnalyzing, ThreatStatusResolved, ThreatStatusFalsePositive:
		return true
	}
	return false
}

// CanTransition reports whether a threat may move from s to next.
func (s ThreatStatus) CanTransition(next ThreatStatus) bool {
	for _, allowed := range threatTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Threat is a structured record of a detected risk condition.
type Threat struct {
	ID              string       `json:"id"`
	ThreatType      ThreatType   `json:"threat_type"`
	Severity        float64      `json:"severity"` // normalized to [0,1]
	SourceIP        string       `json:"source_ip,omitempty"`
	DestinationIP   string       `json:"destination_ip,omitempty"`
	Timestamp       time.Time    `json:"timestamp"`
	ConfidenceScore float64      `json:"confidence_score"`
	Status          ThreatStatus `json:"status"`
	RawEventRef     string       `json:"raw_event_ref"`
}

// NewThreat creates a Threat in the detected state.
func NewThreat(threatType ThreatType, severity, confidence float64) *Threat {
	return &Threat{
		ThreatType:      threatType,
		Severity:        severity,
		ConfidenceScore: confidence,
		Status:          ThreatStatusDetected,
		Timestamp:       time.Now().UTC(),
	}
}

// ParseThreatStatus converts a string to ThreatStatus.
// The second return value is false for unknown statuses.
func ParseThreatStatus(s string) (ThreatStatus, bool) {
	st := ThreatStatus(s)
	return st, st.Valid()
}
