package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// AlertStatus is the acknowledgement state of an alert.
type AlertStatus string

const (
	AlertStatusNew          AlertStatus = "new"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// Valid reports whether s is a known alert status.
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertStatusNew, AlertStatusAcknowledged, AlertStatusResolved:
		return true
	}
	return false
}

// CanTransition reports whether an alert may move from s to next.
// Alerts only move forward: new -> acknowledged -> resolved.
func (s AlertStatus) CanTransition(next AlertStatus) bool {
	switch s {
	case AlertStatusNew:
		return next == AlertStatusAcknowledged || next == AlertStatusResolved
	case AlertStatusAcknowledged:
		return next == AlertStatusResolved
	}
	return false
}

// Alert is a notification record owned by exactly one Threat.
type Alert struct {
	ID        string         `json:"id"`
	ThreatID  string         `json:"threat_id"`
	AlertType string         `json:"alert_type"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Status    AlertStatus    `json:"status"`
}

// NewThreatAlert creates the alert that accompanies a freshly detected threat.
func NewThreatAlert(threatType ThreatType, metadata map[string]any) *Alert {
	return &Alert{
		AlertType: fmt.Sprintf("%s_threat", threatType),
		Message:   fmt.Sprintf("Potential %s threat detected", threatType),
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
		Status:    AlertStatusNew,
	}
}

// MetadataJSON encodes the metadata for storage.
func (a *Alert) MetadataJSON() (string, error) {
	if a.Metadata == nil {
		return "{}", nil
	}
	data, err := json.Marshal(a.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal alert metadata: %w", err)
	}
	return string(data), nil
}

// SetMetadataJSON decodes stored metadata.
func (a *Alert) SetMetadataJSON(data string) error {
	if data == "" {
		a.Metadata = nil
		return nil
	}
	return json.Unmarshal([]byte(data), &a.Metadata)
}

// ParseAlertStatus converts a string to AlertStatus.
// The second return value is false for unknown statuses.
func ParseAlertStatus(s string) (AlertStatus, bool) {
	st := AlertStatus(s)
	return st, st.Valid()
}
