// Package storage provides the raw event and threat record stores.
package storage

import (
	"context"
	"errors"

	"github.com/good-yellow-bee/threatwatch/internal/models"
)

// Collection and table names. They are fixed at compile time.
const (
	CollectionRawEvents = "raw_events"
	TableThreats        = "threats"
	TableAlerts         = "alerts"
)

var (
	// ErrNotFound is returned by updates addressing a missing record.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidTransition is returned when a status change is not allowed
	// from the record's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// RawEventStore persists raw payloads together with their decision context.
// Entries are immutable once stored.
type RawEventStore interface {
	// Open initializes the store connection.
	Open() error
	// Close closes the store connection.
	Close() error
	// Migrate creates or updates the store schema.
	Migrate() error
	// Ping checks the connection health.
	Ping(ctx context.Context) error

	// Store writes event and returns its opaque reference.
	Store(ctx context.Context, event *models.RawEvent) (string, error)
	// Get returns the event for ref, or nil if it does not exist.
	Get(ctx context.Context, ref string) (*models.RawEvent, error)
}

// ThreatRecordStore persists Threat and Alert records.
type ThreatRecordStore interface {
	// Open initializes the database connection.
	Open() error
	// Close closes the database connection.
	Close() error
	// Migrate runs database migrations.
	Migrate() error
	// Ping checks the connection health.
	Ping(ctx context.Context) error

	// CreateThreatWithAlert inserts threat and alert in one transaction.
	// alert.ThreatID is set to threat.ID. On error nothing is committed.
	CreateThreatWithAlert(ctx context.Context, threat *models.Threat, alert *models.Alert) error

	// Statistics counts threats and alerts by status and type.
	Statistics(ctx context.Context) (*Statistics, error)

	// Repository accessors
	Threats() ThreatRepository
	Alerts() AlertRepository
}

// Statistics summarizes the threat and alert tables. Every known status and
// threat type is present, with zero when no record has it.
type Statistics struct {
	TotalThreats    int64            `json:"total_threats"`
	ThreatsByStatus map[string]int64 `json:"threats_by_status"`
	ThreatsByType   map[string]int64 `json:"threats_by_type"`
	TotalAlerts     int64            `json:"total_alerts"`
	AlertsByStatus  map[string]int64 `json:"alerts_by_status"`
}

func newStatistics() *Statistics {
	st := &Statistics{
		ThreatsByStatus: map[string]int64{},
		ThreatsByType:   map[string]int64{},
		AlertsByStatus:  map[string]int64{},
	}
	for _, s := range []models.ThreatStatus{
		models.ThreatStatusDetected, models.ThreatStatusAnalyzing,
		models.ThreatStatusResolved, models.ThreatStatusFalsePositive,
	} {
		st.ThreatsByStatus[string(s)] = 0
	}
	for _, t := range []models.ThreatType{models.ThreatTypeNetwork, models.ThreatTypeLog} {
		st.ThreatsByType[string(t)] = 0
	}
	for _, s := range []models.AlertStatus{
		models.AlertStatusNew, models.AlertStatusAcknowledged, models.AlertStatusResolved,
	} {
		st.AlertsByStatus[string(s)] = 0
	}
	return st
}

// ThreatRepository defines read and triage operations for threats.
type ThreatRepository interface {
	GetByID(ctx context.Context, id string) (*models.Threat, error)
	List(ctx context.Context, filter *ThreatFilter) ([]*models.Threat, int64, error)
	UpdateStatus(ctx context.Context, id string, status models.ThreatStatus) error
}

// AlertRepository defines read and triage operations for alerts.
type AlertRepository interface {
	GetByID(ctx context.Context, id string) (*models.Alert, error)
	List(ctx context.Context, filter *AlertFilter) ([]*models.Alert, int64, error)
	ListByThreat(ctx context.Context, threatID string) ([]*models.Alert, error)
	UpdateStatus(ctx context.Context, id string, status models.AlertStatus) error
}

// ThreatFilter narrows a threat listing. Zero values match everything.
type ThreatFilter struct {
	Status models.ThreatStatus
	Type   models.ThreatType
	Limit  int
	Offset int
}

// AlertFilter narrows an alert listing. Zero values match everything.
type AlertFilter struct {
	Status   models.AlertStatus
	ThreatID string
	Limit    int
	Offset   int
}

// DefaultListLimit applies when a filter has no limit.
const DefaultListLimit = 100

func effectiveLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
