package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	// DSN is a postgres:// connection URL.
	DSN string

	// MaxConns is the pool size.
	MaxConns int32

	// MaxConnLifetime bounds how long a pooled connection is reused.
	MaxConnLifetime time.Duration

	// ConnectTimeout bounds the initial ping.
	ConnectTimeout time.Duration
}

// PostgresStorage implements ThreatRecordStore using PostgreSQL through a
// pgx pool exposed as database/sql.
type PostgresStorage struct {
	sqlStore
	config *PostgresConfig
	pool   *pgxpool.Pool
}

// NewPostgresStorage creates a new PostgreSQL storage.
func NewPostgresStorage(config *PostgresConfig) *PostgresStorage {
	if config.MaxConns == 0 {
		config.MaxConns = 10
	}
	if config.MaxConnLifetime == 0 {
		config.MaxConnLifetime = time.Hour
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 5 * time.Second
	}
	return &PostgresStorage{
		sqlStore: sqlStore{dialect: postgresDialect},
		config:   config,
	}
}

// Open creates the connection pool and verifies it.
func (s *PostgresStorage) Open() error {
	poolConfig, err := pgxpool.ParseConfig(s.config.DSN)
	if err != nil {
		return fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolConfig.MaxConns = s.config.MaxConns
	poolConfig.MaxConnLifetime = s.config.MaxConnLifetime

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}

	s.pool = pool
	s.attach(stdlib.OpenDBFromPool(pool))
	return nil
}

// Close closes the database handle and the pool.
func (s *PostgresStorage) Close() error {
	err := s.sqlStore.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

var _ ThreatRecordStore = (*PostgresStorage)(nil)
