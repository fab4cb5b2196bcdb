package pipeline

import (
	"fmt"

	"github.com/good-yellow-bee/threatwatch/internal/features"
	"github.com/good-yellow-bee/threatwatch/internal/scoring"
)

// ValidationError reports malformed input. Re-exported for callers that
// only import pipeline.
type ValidationError = features.ValidationError

// ScoringError reports a failed or unusable scoring capability.
type ScoringError = scoring.ScoringError

// Stage identifies which persistence step failed.
type Stage string

const (
	StageRawStore   Stage = "raw_store"
	StageRelational Stage = "relational"
)

// PersistenceError reports a failed write. For StageRelational the raw
// event was already stored under RawEventRef and is left in place.
type PersistenceError struct {
	Stage       Stage
	RawEventRef string
	Err         error
}

func (e *PersistenceError) Error() string {
	if e.RawEventRef != "" {
		return fmt.Sprintf("persist %s (raw event %s): %v", e.Stage, e.RawEventRef, e.Err)
	}
	return fmt.Sprintf("persist %s: %v", e.Stage, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
