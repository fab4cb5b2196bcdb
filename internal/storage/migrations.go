package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database migration.
type Migration struct {
	Version int
	Name    string
	Up      string
}

// sqliteMigrations holds the SQLite schema in order.
var sqliteMigrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Up: `
			-- Threats table
			CREATE TABLE IF NOT EXISTS threats (
				id TEXT PRIMARY KEY,
				threat_type TEXT NOT NULL,
				severity REAL NOT NULL,
				source_ip TEXT,
				destination_ip TEXT,
				timestamp DATETIME NOT NULL,
				confidence_score REAL NOT NULL,
				status TEXT NOT NULL DEFAULT 'detected',
				raw_event_ref TEXT
			);

			-- Alerts table
			CREATE TABLE IF NOT EXISTS alerts (
				id TEXT PRIMARY KEY,
				threat_id TEXT NOT NULL,
				alert_type TEXT NOT NULL,
				message TEXT NOT NULL,
				timestamp DATETIME NOT NULL,
				metadata TEXT NOT NULL DEFAULT '{}',
				status TEXT NOT NULL DEFAULT 'new',
				FOREIGN KEY (threat_id) REFERENCES threats(id) ON DELETE CASCADE
			);

			-- Indexes
			CREATE INDEX IF NOT EXISTS idx_threats_status ON threats(status);
			CREATE INDEX IF NOT EXISTS idx_threats_type ON threats(threat_type);
			CREATE INDEX IF NOT EXISTS idx_threats_timestamp ON threats(timestamp);
			CREATE INDEX IF NOT EXISTS idx_alerts_threat ON alerts(threat_id);
			CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
		`,
	},
}

// postgresMigrations holds the PostgreSQL schema in order.
var postgresMigrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Up: `
			CREATE TABLE IF NOT EXISTS threats (
				id TEXT PRIMARY KEY,
				threat_type TEXT NOT NULL,
				severity DOUBLE PRECISION NOT NULL CHECK (severity >= 0 AND severity <= 1),
				source_ip TEXT,
				destination_ip TEXT,
				timestamp TIMESTAMPTZ NOT NULL,
				confidence_score DOUBLE PRECISION NOT NULL,
				status TEXT NOT NULL DEFAULT 'detected',
				raw_event_ref TEXT
			);

			CREATE TABLE IF NOT EXISTS alerts (
				id TEXT PRIMARY KEY,
				threat_id TEXT NOT NULL REFERENCES threats(id) ON DELETE CASCADE,
				alert_type TEXT NOT NULL,
				message TEXT NOT NULL,
				timestamp TIMESTAMPTZ NOT NULL,
				metadata TEXT NOT NULL DEFAULT '{}',
				status TEXT NOT NULL DEFAULT 'new'
			);

			CREATE INDEX IF NOT EXISTS idx_threats_status ON threats(status);
			CREATE INDEX IF NOT EXISTS idx_threats_type ON threats(threat_type);
			CREATE INDEX IF NOT EXISTS idx_threats_timestamp ON threats(timestamp);
			CREATE INDEX IF NOT EXISTS idx_alerts_threat ON alerts(threat_id);
			CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
		`,
	},
}

// runMigrations applies all pending migrations.
func runMigrations(db *sql.DB, d dialect) error {
	// Create migrations table if not exists
	_, err := db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at %s NOT NULL
		)
	`, d.timestampType))
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	// Get current version
	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	// Apply pending migrations
	for _, m := range d.migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d (%s): %w", m.Version, m.Name, err)
		}

		_, err = tx.Exec(
			d.rebind("INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)"),
			m.Version, m.Name, time.Now().UTC(),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}
