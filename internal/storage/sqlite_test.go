package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/good-yellow-bee/threatwatch/internal/models"
)

func setupTestDB(t *testing.T) (*SQLiteStorage, func()) {
	t.Helper()

	// Create temp directory for test database
	tmpDir, err := os.MkdirTemp("", "threatwatch-test-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}

	store := NewSQLiteStorage(filepath.Join(tmpDir, "test.db"))
	if err := store.Open(); err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("open database: %v", err)
	}

	if err := store.Migrate(); err != nil {
		store.Close()
		os.RemoveAll(tmpDir)
		t.Fatalf("migrate database: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}

	return store, cleanup
}

func newTestPair(threatType models.ThreatType, severity float64) (*models.Threat, *models.Alert) {
	threat := models.NewThreat(threatType, severity, 0.7)
	threat.RawEventRef = uuid.New().String()
	alert := models.NewThreatAlert(threatType, map[string]any{"anomaly_score": severity})
	return threat, alert
}

func TestSQLiteStorage_Migrate(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	tables := []string{TableThreats, TableAlerts, "schema_migrations"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s should exist: %v", table, err)
		}
	}

	// Re-running is a no-op.
	if err := store.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var versions int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&versions); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if versions != len(sqliteMigrations) {
		t.Errorf("migrations recorded = %d, want %d", versions, len(sqliteMigrations))
	}
}

func TestCreateThreatWithAlert(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	threat, alert := newTestPair(models.ThreatTypeNetwork, 0.95)
	threat.SourceIP = "10.0.0.5"

	if err := store.CreateThreatWithAlert(ctx, threat, alert); err != nil {
		t.Fatalf("create threat with alert: %v", err)
	}
	if threat.ID == "" || alert.ID == "" {
		t.Fatal("IDs should be assigned")
	}
	if alert.ThreatID != threat.ID {
		t.Errorf("alert.ThreatID = %q, want %q", alert.ThreatID, threat.ID)
	}

	got, err := store.Threats().GetByID(ctx, threat.ID)
	if err != nil {
		t.Fatalf("get threat: %v", err)
	}
	if got == nil {
		t.Fatal("threat should exist")
	}
	if got.Severity != 0.95 || got.ThreatType != models.ThreatTypeNetwork {
		t.Errorf("threat = %+v", got)
	}
	if got.SourceIP != "10.0.0.5" || got.DestinationIP != "" {
		t.Errorf("ips = %q/%q", got.SourceIP, got.DestinationIP)
	}
	if got.RawEventRef != threat.RawEventRef {
		t.Errorf("raw_event_ref = %q, want %q", got.RawEventRef, threat.RawEventRef)
	}
	if !got.Timestamp.Equal(threat.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, threat.Timestamp)
	}

	alerts, err := store.Alerts().ListByThreat(ctx, threat.ID)
	if err != nil {
		t.Fatalf("list alerts by threat: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].AlertType != "network_based_threat" {
		t.Errorf("alert type = %q", alerts[0].AlertType)
	}
	if alerts[0].Metadata["anomaly_score"] != 0.95 {
		t.Errorf("metadata = %v", alerts[0].Metadata)
	}
}

func TestCreateThreatWithAlert_RollsBack(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	first, firstAlert := newTestPair(models.ThreatTypeLog, 0.9)
	if err := store.CreateThreatWithAlert(ctx, first, firstAlert); err != nil {
		t.Fatalf("create first: %v", err)
	}

	// Reusing the alert ID fails the second insert after the threat insert.
	second, secondAlert := newTestPair(models.ThreatTypeLog, 0.9)
	secondAlert.ID = firstAlert.ID

	if err := store.CreateThreatWithAlert(ctx, second, secondAlert); err == nil {
		t.Fatal("expected error for duplicate alert id")
	}

	got, err := store.Threats().GetByID(ctx, second.ID)
	if err != nil {
		t.Fatalf("get threat: %v", err)
	}
	if got != nil {
		t.Error("threat should have been rolled back")
	}

	_, total, err := store.Threats().List(ctx, nil)
	if err != nil {
		t.Fatalf("list threats: %v", err)
	}
	if total != 1 {
		t.Errorf("threat total = %d, want 1", total)
	}
}

func TestCreateThreatWithAlert_CancelledContext(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	threat, alert := newTestPair(models.ThreatTypeNetwork, 0.85)
	if err := store.CreateThreatWithAlert(ctx, threat, alert); err == nil {
		t.Fatal("expected error for cancelled context")
	}

	_, total, err := store.Threats().List(context.Background(), nil)
	if err != nil {
		t.Fatalf("list threats: %v", err)
	}
	if total != 0 {
		t.Errorf("threat total = %d, want 0", total)
	}
}

func TestAlertsForeignKey(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := store.db.ExecContext(context.Background(),
		"INSERT INTO alerts (id, threat_id, alert_type, message, timestamp, metadata, status) VALUES (?, ?, ?, ?, ?, ?, ?)",
		uuid.New().String(), "missing-threat", "log_based_threat", "x", time.Now().UTC(), "{}", "new",
	)
	if err == nil {
		t.Error("alert without threat should violate the foreign key")
	}
}

func TestThreatRepository_List(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, tt := range []models.ThreatType{models.ThreatTypeNetwork, models.ThreatTypeLog, models.ThreatTypeNetwork} {
		threat, alert := newTestPair(tt, 0.9)
		threat.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if err := store.CreateThreatWithAlert(ctx, threat, alert); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	tests := []struct {
		name      string
		filter    *ThreatFilter
		wantLen   int
		wantTotal int64
	}{
		{"all", nil, 3, 3},
		{"by type", &ThreatFilter{Type: models.ThreatTypeNetwork}, 2, 2},
		{"by status", &ThreatFilter{Status: models.ThreatStatusResolved}, 0, 0},
		{"paged", &ThreatFilter{Limit: 2}, 2, 3},
		{"offset", &ThreatFilter{Limit: 2, Offset: 2}, 1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			threats, total, err := store.Threats().List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(threats) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(threats), tt.wantLen)
			}
			if total != tt.wantTotal {
				t.Errorf("total = %d, want %d", total, tt.wantTotal)
			}
		})
	}

	threats, _, _ := store.Threats().List(ctx, nil)
	if !threats[0].Timestamp.After(threats[1].Timestamp) {
		t.Error("threats should be newest first")
	}
}

func TestThreatRepository_UpdateStatus(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	threat, alert := newTestPair(models.ThreatTypeNetwork, 0.9)
	if err := store.CreateThreatWithAlert(ctx, threat, alert); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.Threats().UpdateStatus(ctx, threat.ID, models.ThreatStatusAnalyzing); err != nil {
		t.Fatalf("update to analyzing: %v", err)
	}
	if err := store.Threats().UpdateStatus(ctx, threat.ID, models.ThreatStatusResolved); err != nil {
		t.Fatalf("update to resolved: %v", err)
	}

	got, _ := store.Threats().GetByID(ctx, threat.ID)
	if got.Status != models.ThreatStatusResolved {
		t.Errorf("status = %q, want resolved", got.Status)
	}

	err := store.Threats().UpdateStatus(ctx, threat.ID, models.ThreatStatusAnalyzing)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("update from resolved: err = %v, want ErrInvalidTransition", err)
	}

	err = store.Threats().UpdateStatus(ctx, uuid.New().String(), models.ThreatStatusResolved)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: err = %v, want ErrNotFound", err)
	}
}

func TestAlertRepository(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	threat, alert := newTestPair(models.ThreatTypeLog, 0.9)
	if err := store.CreateThreatWithAlert(ctx, threat, alert); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Alerts().GetByID(ctx, alert.ID)
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if got == nil || got.ThreatID != threat.ID {
		t.Fatalf("alert = %+v", got)
	}

	missing, err := store.Alerts().GetByID(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("get missing = %v, %v; want nil, nil", missing, err)
	}

	if err := store.Alerts().UpdateStatus(ctx, alert.ID, models.AlertStatusAcknowledged); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if err := store.Alerts().UpdateStatus(ctx, alert.ID, models.AlertStatusNew); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("back to new: err = %v, want ErrInvalidTransition", err)
	}

	alerts, total, err := store.Alerts().List(ctx, &AlertFilter{Status: models.AlertStatusAcknowledged})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if total != 1 || len(alerts) != 1 {
		t.Errorf("acknowledged alerts = %d (total %d), want 1", len(alerts), total)
	}

	alerts, _, err = store.Alerts().List(ctx, &AlertFilter{ThreatID: threat.ID})
	if err != nil {
		t.Fatalf("list by threat filter: %v", err)
	}
	if len(alerts) != 1 {
		t.Errorf("alerts for threat = %d, want 1", len(alerts))
	}
}

func TestStatistics(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	empty, err := store.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics() on empty store: %v", err)
	}
	if empty.TotalThreats != 0 || empty.ThreatsByStatus["detected"] != 0 || len(empty.AlertsByStatus) != 3 {
		t.Errorf("empty statistics = %+v", empty)
	}

	var ids []string
	for _, tt := range []models.ThreatType{models.ThreatTypeNetwork, models.ThreatTypeNetwork, models.ThreatTypeLog} {
		threat, alert := newTestPair(tt, 0.9)
		if err := store.CreateThreatWithAlert(ctx, threat, alert); err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, threat.ID)
	}
	if err := store.Threats().UpdateStatus(ctx, ids[0], models.ThreatStatusResolved); err != nil {
		t.Fatalf("update threat: %v", err)
	}
	alerts, err := store.Alerts().ListByThreat(ctx, ids[1])
	if err != nil || len(alerts) != 1 {
		t.Fatalf("list alerts: %v", err)
	}
	if err := store.Alerts().UpdateStatus(ctx, alerts[0].ID, models.AlertStatusAcknowledged); err != nil {
		t.Fatalf("update alert: %v", err)
	}

	st, err := store.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics() error = %v", err)
	}

	checks := []struct {
		name string
		got  int64
		want int64
	}{
		{"total threats", st.TotalThreats, 3},
		{"detected", st.ThreatsByStatus["detected"], 2},
		{"resolved", st.ThreatsByStatus["resolved"], 1},
		{"false_positive", st.ThreatsByStatus["false_positive"], 0},
		{"network_based", st.ThreatsByType["network_based"], 2},
		{"log_based", st.ThreatsByType["log_based"], 1},
		{"total alerts", st.TotalAlerts, 3},
		{"alerts new", st.AlertsByStatus["new"], 2},
		{"alerts acknowledged", st.AlertsByStatus["acknowledged"], 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}
}

func TestDialect_Rebind(t *testing.T) {
	tests := []struct {
		d     dialect
		query string
		want  string
	}{
		{sqliteDialect, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{postgresDialect, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{postgresDialect, "SELECT 1", "SELECT 1"},
	}

	for _, tt := range tests {
		if got := tt.d.rebind(tt.query); got != tt.want {
			t.Errorf("%s rebind(%q) = %q, want %q", tt.d.name, tt.query, got, tt.want)
		}
	}
}
