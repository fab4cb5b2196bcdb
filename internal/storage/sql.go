package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/good-yellow-bee/threatwatch/internal/metrics"
	"github.com/good-yellow-bee/threatwatch/internal/models"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name          string
	timestampType string
	numbered      bool   // $1 placeholders instead of ?
	forUpdate     string // row lock suffix for read-then-write
	migrations    []Migration
}

var (
	sqliteDialect = dialect{
		name:          "sqlite",
		timestampType: "DATETIME",
		migrations:    sqliteMigrations,
	}
	postgresDialect = dialect{
		name:          "postgres",
		timestampType: "TIMESTAMPTZ",
		numbered:      true,
		forUpdate:     " FOR UPDATE",
		migrations:    postgresMigrations,
	}
)

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// sqlStore implements ThreatRecordStore on database/sql. SQLiteStorage and
// PostgresStorage embed it and differ only in how they open the database.
type sqlStore struct {
	dialect dialect
	db      *sql.DB

	threats *sqlThreatRepo
	alerts  *sqlAlertRepo
}

func (s *sqlStore) attach(db *sql.DB) {
	s.db = db
	s.threats = &sqlThreatRepo{db: db, dialect: s.dialect}
	s.alerts = &sqlAlertRepo{db: db, dialect: s.dialect}
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying database connection for health checks.
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

// Migrate runs database migrations.
func (s *sqlStore) Migrate() error {
	return runMigrations(s.db, s.dialect)
}

// Ping checks the connection health.
func (s *sqlStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New(s.dialect.name + ": not open")
	}
	return s.db.PingContext(ctx)
}

// Threats returns the threat repository.
func (s *sqlStore) Threats() ThreatRepository {
	return s.threats
}

// Alerts returns the alert repository.
func (s *sqlStore) Alerts() AlertRepository {
	return s.alerts
}

// Statistics counts threats by status and type, and alerts by status.
func (s *sqlStore) Statistics(ctx context.Context) (_ *Statistics, err error) {
	start := time.Now()
	defer func() { metrics.ObserveStorage("statistics", s.dialect.name, start, err) }()

	st := newStatistics()
	if st.TotalThreats, err = s.countBy(ctx, TableThreats, "status", st.ThreatsByStatus); err != nil {
		return nil, err
	}
	if _, err = s.countBy(ctx, TableThreats, "threat_type", st.ThreatsByType); err != nil {
		return nil, err
	}
	if st.TotalAlerts, err = s.countBy(ctx, TableAlerts, "status", st.AlertsByStatus); err != nil {
		return nil, err
	}
	return st, nil
}

// countBy adds per-value row counts of column into into and returns the
// total. table and column are compile-time constants.
func (s *sqlStore) countBy(ctx context.Context, table, column string, into map[string]int64) (int64, error) {
	query := "SELECT " + column + ", COUNT(*) FROM " + table + " GROUP BY " + column
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("count %s by %s: %w", table, column, err)
	}
	defer rows.Close()

	var total int64
	for rows.Next() {
		var (
			value string
			n     int64
		)
		if err := rows.Scan(&value, &n); err != nil {
			return 0, fmt.Errorf("scan %s count: %w", table, err)
		}
		into[value] += n
		total += n
	}
	return total, rows.Err()
}

const insertThreatSQL = `
	INSERT INTO threats (id, threat_type, severity, source_ip, destination_ip,
		timestamp, confidence_score, status, raw_event_ref)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const insertAlertSQL = `
	INSERT INTO alerts (id, threat_id, alert_type, message, timestamp, metadata, status)
	VALUES (?, ?, ?, ?, ?, ?, ?)
`

// CreateThreatWithAlert inserts threat then alert in one transaction.
// Missing IDs are generated.
func (s *sqlStore) CreateThreatWithAlert(ctx context.Context, threat *models.Threat, alert *models.Alert) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveStorage("create_threat_with_alert", s.dialect.name, start, err) }()

	if threat.ID == "" {
		threat.ID = uuid.New().String()
	}
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	alert.ThreatID = threat.ID

	metadata, err := alert.MetadataJSON()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.dialect.rebind(insertThreatSQL),
		threat.ID, string(threat.ThreatType), threat.Severity,
		nullString(threat.SourceIP), nullString(threat.DestinationIP),
		threat.Timestamp.UTC(), threat.ConfidenceScore, string(threat.Status),
		nullString(threat.RawEventRef),
	)
	if err != nil {
		return fmt.Errorf("insert threat: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.dialect.rebind(insertAlertSQL),
		alert.ID, alert.ThreatID, alert.AlertType, alert.Message,
		alert.Timestamp.UTC(), metadata, string(alert.Status),
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type sqlThreatRepo struct {
	db      *sql.DB
	dialect dialect
}

const threatColumns = `id, threat_type, severity, source_ip, destination_ip,
	timestamp, confidence_score, status, raw_event_ref`

func (r *sqlThreatRepo) GetByID(ctx context.Context, id string) (*models.Threat, error) {
	query := r.dialect.rebind("SELECT " + threatColumns + " FROM threats WHERE id = ?")
	threat, err := scanThreat(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get threat: %w", err)
	}
	return threat, nil
}

func (r *sqlThreatRepo) List(ctx context.Context, filter *ThreatFilter) (_ []*models.Threat, _ int64, err error) {
	start := time.Now()
	defer func() { metrics.ObserveStorage("list_threats", r.dialect.name, start, err) }()

	if filter == nil {
		filter = &ThreatFilter{}
	}

	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		where = append(where, "threat_type = ?")
		args = append(args, string(filter.Type))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	countQuery := r.dialect.rebind("SELECT COUNT(*) FROM threats" + clause)
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count threats: %w", err)
	}

	query := r.dialect.rebind("SELECT " + threatColumns + " FROM threats" + clause +
		" ORDER BY timestamp DESC, id LIMIT ? OFFSET ?")
	rows, err := r.db.QueryContext(ctx, query, append(args, effectiveLimit(filter.Limit), filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query threats: %w", err)
	}
	defer rows.Close()

	var threats []*models.Threat
	for rows.Next() {
		threat, err := scanThreat(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan threat: %w", err)
		}
		threats = append(threats, threat)
	}
	return threats, total, rows.Err()
}

func (r *sqlThreatRepo) UpdateStatus(ctx context.Context, id string, status models.ThreatStatus) error {
	return updateStatus(ctx, r.db, r.dialect, TableThreats, id, func(current string) bool {
		return models.ThreatStatus(current).CanTransition(status)
	}, string(status))
}

type sqlAlertRepo struct {
	db      *sql.DB
	dialect dialect
}

const alertColumns = `id, threat_id, alert_type, message, timestamp, metadata, status`

func (r *sqlAlertRepo) GetByID(ctx context.Context, id string) (*models.Alert, error) {
	query := r.dialect.rebind("SELECT " + alertColumns + " FROM alerts WHERE id = ?")
	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return alert, nil
}

func (r *sqlAlertRepo) List(ctx context.Context, filter *AlertFilter) (_ []*models.Alert, _ int64, err error) {
	start := time.Now()
	defer func() { metrics.ObserveStorage("list_alerts", r.dialect.name, start, err) }()

	if filter == nil {
		filter = &AlertFilter{}
	}

	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ThreatID != "" {
		where = append(where, "threat_id = ?")
		args = append(args, filter.ThreatID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	countQuery := r.dialect.rebind("SELECT COUNT(*) FROM alerts" + clause)
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count alerts: %w", err)
	}

	query := r.dialect.rebind("SELECT " + alertColumns + " FROM alerts" + clause +
		" ORDER BY timestamp DESC, id LIMIT ? OFFSET ?")
	alerts, err := r.query(ctx, query, append(args, effectiveLimit(filter.Limit), filter.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	return alerts, total, nil
}

func (r *sqlAlertRepo) ListByThreat(ctx context.Context, threatID string) ([]*models.Alert, error) {
	query := r.dialect.rebind("SELECT " + alertColumns + " FROM alerts WHERE threat_id = ? ORDER BY timestamp, id")
	return r.query(ctx, query, threatID)
}

func (r *sqlAlertRepo) UpdateStatus(ctx context.Context, id string, status models.AlertStatus) error {
	return updateStatus(ctx, r.db, r.dialect, TableAlerts, id, func(current string) bool {
		return models.AlertStatus(current).CanTransition(status)
	}, string(status))
}

func (r *sqlAlertRepo) query(ctx context.Context, query string, args ...any) ([]*models.Alert, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// updateStatus moves a record to next if allowed reports the transition
// from its current status as valid.
func updateStatus(ctx context.Context, db *sql.DB, d dialect, table, id string, allowed func(current string) bool, next string) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveStorage("update_"+table+"_status", d.name, start, err) }()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, d.rebind("SELECT status FROM "+table+" WHERE id = ?"+d.forUpdate), id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s %s", ErrNotFound, table, id)
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if !allowed(current) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}

	if _, err := tx.ExecContext(ctx, d.rebind("UPDATE "+table+" SET status = ? WHERE id = ?"), next, id); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanThreat(row scanner) (*models.Threat, error) {
	threat := &models.Threat{}
	var threatType, status string
	var sourceIP, destinationIP, rawEventRef sql.NullString

	err := row.Scan(
		&threat.ID, &threatType, &threat.Severity, &sourceIP, &destinationIP,
		&threat.Timestamp, &threat.ConfidenceScore, &status, &rawEventRef,
	)
	if err != nil {
		return nil, err
	}

	threat.ThreatType = models.ThreatType(threatType)
	threat.Status = models.ThreatStatus(status)
	threat.SourceIP = sourceIP.String
	threat.DestinationIP = destinationIP.String
	threat.RawEventRef = rawEventRef.String
	threat.Timestamp = threat.Timestamp.UTC()
	return threat, nil
}

func scanAlert(row scanner) (*models.Alert, error) {
	alert := &models.Alert{}
	var status, metadata string

	err := row.Scan(
		&alert.ID, &alert.ThreatID, &alert.AlertType, &alert.Message,
		&alert.Timestamp, &metadata, &status,
	)
	if err != nil {
		return nil, err
	}

	alert.Status = models.AlertStatus(status)
	alert.Timestamp = alert.Timestamp.UTC()
	if err := alert.SetMetadataJSON(metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return alert, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
