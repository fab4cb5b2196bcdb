package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"

	"github.com/good-yellow-bee/threatwatch/internal/metrics"
	"github.com/good-yellow-bee/threatwatch/internal/models"
)

const backendClickHouse = "clickhouse"

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	// Addresses are the ClickHouse server addresses (host:port).
	Addresses []string

	// Database is the ClickHouse database name.
	Database string

	// Username for authentication.
	Username string

	// Password for authentication.
	Password string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// DialTimeout is the connection timeout.
	DialTimeout time.Duration

	// Compression enables LZ4 compression.
	Compression bool

	// RetentionDays is the TTL in days for raw events. Zero keeps them
	// forever so every raw_event_ref stays resolvable.
	RetentionDays int
}

// ClickHouseRawEventStore implements RawEventStore on a ClickHouse table.
type ClickHouseRawEventStore struct {
	config *ClickHouseConfig
	db     *sql.DB
	logger *slog.Logger
}

// NewClickHouseRawEventStore creates a new ClickHouse raw event store.
func NewClickHouseRawEventStore(config *ClickHouseConfig, logger *slog.Logger) *ClickHouseRawEventStore {
	if logger == nil {
		logger = slog.Default()
	}
	// Apply defaults
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 5
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 5
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}

	return &ClickHouseRawEventStore{config: config, logger: logger}
}

// Open initializes the ClickHouse connection.
func (s *ClickHouseRawEventStore) Open() error {
	opts := &clickhouse.Options{
		Addr: s.config.Addresses,
		Auth: clickhouse.Auth{
			Database: s.config.Database,
			Username: s.config.Username,
			Password: s.config.Password,
		},
		DialTimeout:  s.config.DialTimeout,
		MaxOpenConns: s.config.MaxOpenConns,
		MaxIdleConns: s.config.MaxIdleConns,
	}

	if s.config.Compression {
		opts.Compression = &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		}
	}

	db := clickhouse.OpenDB(opts)

	ctx, cancel := context.WithTimeout(context.Background(), s.config.DialTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping clickhouse: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *ClickHouseRawEventStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rawEventsTableDDL builds the CREATE TABLE statement. A positive
// retention adds a TTL; expired rows leave dangling raw_event_ref values
// on threats, which are never deleted.
func rawEventsTableDDL(retentionDays int) string {
	ttl := ""
	if retentionDays > 0 {
		ttl = fmt.Sprintf("\n\t\tTTL _date + INTERVAL %d DAY DELETE", retentionDays)
	}
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID,
			kind LowCardinality(String),
			ingested_at DateTime64(3, 'UTC'),
			payload String,
			context String,
			_date Date DEFAULT toDate(ingested_at)
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(_date)
		ORDER BY (id)%s
		SETTINGS index_granularity = 8192
	`, CollectionRawEvents, ttl)
}

// Migrate creates the raw events table if it doesn't exist.
func (s *ClickHouseRawEventStore) Migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	createTable := rawEventsTableDDL(s.config.RetentionDays)

	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create %s table: %w", CollectionRawEvents, err)
	}

	idx := fmt.Sprintf("ALTER TABLE %s ADD INDEX IF NOT EXISTS idx_kind kind TYPE set(8) GRANULARITY 4", CollectionRawEvents)
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		// Index creation may not be supported in all ClickHouse versions.
		s.logger.Warn("failed to create raw events index", "error", err)
	}

	return nil
}

// Ping checks the connection health.
func (s *ClickHouseRawEventStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("clickhouse: not open")
	}
	return s.db.PingContext(ctx)
}

// Store inserts event and returns its generated UUID reference.
func (s *ClickHouseRawEventStore) Store(ctx context.Context, event *models.RawEvent) (ref string, err error) {
	start := time.Now()
	defer func() { metrics.ObserveStorage("raw_store", backendClickHouse, start, err) }()

	payload, err := event.PayloadJSON()
	if err != nil {
		return "", err
	}
	decision, err := event.ContextJSON()
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	ingestedAt := event.IngestedAt
	if ingestedAt.IsZero() {
		ingestedAt = time.Now().UTC()
	}

	// clickhouse-go inserts through a prepared batch inside a transaction.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (id, kind, ingested_at, payload, context) VALUES (?, ?, ?, ?, ?)",
		CollectionRawEvents,
	))
	if err != nil {
		return "", fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx, id, string(event.Kind), ingestedAt, payload, decision); err != nil {
		return "", fmt.Errorf("exec: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// Get returns the event for ref, or nil if it does not exist.
func (s *ClickHouseRawEventStore) Get(ctx context.Context, ref string) (event *models.RawEvent, err error) {
	start := time.Now()
	defer func() { metrics.ObserveStorage("raw_get", backendClickHouse, start, err) }()

	if _, perr := uuid.Parse(ref); perr != nil {
		return nil, nil
	}

	query := fmt.Sprintf(
		"SELECT toString(id), kind, ingested_at, payload, context FROM %s WHERE id = toUUID(?) LIMIT 1",
		CollectionRawEvents,
	)

	var (
		kind              string
		payload, decision string
	)
	event = &models.RawEvent{}
	err = s.db.QueryRowContext(ctx, query, ref).Scan(&event.ID, &kind, &event.IngestedAt, &payload, &decision)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query raw event: %w", err)
	}

	event.Kind = models.EventKind(kind)
	if err := json.Unmarshal([]byte(payload), &event.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal([]byte(decision), &event.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	return event, nil
}

var _ RawEventStore = (*ClickHouseRawEventStore)(nil)
