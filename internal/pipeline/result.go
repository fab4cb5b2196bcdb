package pipeline

import (
	"time"

	"github.com/good-yellow-bee/threatwatch/internal/models"
	"github.com/good-yellow-bee/threatwatch/internal/scoring"
)

// State is a step of the per-event state machine.
type State string

const (
	StateIngested     State = "ingested"
	StatePreprocessed State = "preprocessed"
	StateScored       State = "scored"
	StateDecided      State = "decided"
	StatePersisted    State = "persisted"
	StateRejected     State = "rejected"
)

// Outcome is the terminal result of processing one event.
type Outcome string

const (
	OutcomePersisted Outcome = "persisted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// NetworkScores holds the scoring output for a network event.
type NetworkScores struct {
	AnomalyScore float64 `json:"anomaly_score"`
	TrafficType  string  `json:"traffic_type"`
	Confidence   float64 `json:"confidence"`
}

// Result reports what happened to one event. State is the last state
// reached; for failed events it is the state the failing step started from.
type Result struct {
	Kind      models.EventKind `json:"kind"`
	Outcome   Outcome          `json:"outcome"`
	State     State            `json:"state"`
	Timestamp time.Time        `json:"timestamp"`

	Network  *NetworkScores       `json:"network,omitempty"`
	Analysis *scoring.LogAnalysis `json:"severity_analysis,omitempty"`
	Decision *Decision            `json:"decision,omitempty"`

	Threat      *models.Threat `json:"threat,omitempty"`
	Alert       *models.Alert  `json:"alert,omitempty"`
	RawEventRef string         `json:"raw_event_ref,omitempty"`

	// Error is the failure message for failed results.
	Error string `json:"error,omitempty"`
}

// ThreatCreated reports whether a Threat/Alert pair was committed.
func (r *Result) ThreatCreated() bool {
	return r != nil && r.Outcome == OutcomePersisted
}

// Batch is a mixed submission: each network record is one event and the
// log lines form one log batch.
type Batch struct {
	Network []models.Fields `json:"network_data"`
	Logs    []string        `json:"logs"`
}

// BatchResult holds per-item results in submission order. Logs is nil when
// the batch carried no log lines.
type BatchResult struct {
	Network []*Result `json:"network"`
	Logs    *Result   `json:"logs,omitempty"`
}

// ThreatsCreated counts committed threats across the batch.
func (b *BatchResult) ThreatsCreated() int {
	n := 0
	for _, r := range b.Network {
		if r.ThreatCreated() {
			n++
		}
	}
	if b.Logs.ThreatCreated() {
		n++
	}
	return n
}
