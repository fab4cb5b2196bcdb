package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies the shape of a submitted raw event.
type EventKind string

const (
	EventKindNetwork EventKind = "network"
	EventKindLogs    EventKind = "logs"
)

// Fields is a loosely typed network-flow record as submitted by a caller.
type Fields map[string]any

// String returns the value of key when it is a non-empty string.
func (f Fields) String(key string) string {
	if f == nil {
		return ""
	}
	s, _ := f[key].(string)
	return s
}

// Has reports whether key is present with a non-nil value.
func (f Fields) Has(key string) bool {
	if f == nil {
		return false
	}
	v, ok := f[key]
	return ok && v != nil
}

// RawEvent is the immutable record of an ingested payload together with the
// decision context computed for it.
type RawEvent struct {
	// ID is the opaque reference assigned by the raw event store.
	ID string `json:"id"`

	// Kind is the event kind (network or logs).
	Kind EventKind `json:"kind"`

	// IngestedAt is when the pipeline accepted the payload.
	IngestedAt time.Time `json:"ingested_at"`

	// Payload is the original submitted record.
	Payload map[string]any `json:"payload"`

	// Context holds the computed scores and decision.
	Context map[string]any `json:"context,omitempty"`
}

// PayloadJSON encodes the payload for storage.
func (e *RawEvent) PayloadJSON() (string, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal raw payload: %w", err)
	}
	return string(data), nil
}

// ContextJSON encodes the decision context for storage.
func (e *RawEvent) ContextJSON() (string, error) {
	if e.Context == nil {
		return "{}", nil
	}
	data, err := json.Marshal(e.Context)
	if err != nil {
		return "", fmt.Errorf("marshal raw context: %w", err)
	}
	return string(data), nil
}
