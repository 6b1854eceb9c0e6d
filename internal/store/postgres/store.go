// Package postgres implements the store repositories on PostgreSQL via
// sqlx. The action status transition is a single conditional UPDATE so
// the compare-and-set holds across processes.
package postgres

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/adverve/roaspilot/internal/store"
)

// Config holds connection settings.
type Config struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns sane pool settings.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:          dsn,
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		QueryTimeout: 5 * time.Second,
	}
}

// Store is the PostgreSQL-backed store.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects and verifies the database.
func Open(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	return &Store{db: db, timeout: cfg.QueryTimeout}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Actions() store.ActionRepo          { return &actionRepo{db: s.db, timeout: s.timeout} }
func (s *Store) Metrics() store.MetricsRepo         { return &metricsRepo{db: s.db, timeout: s.timeout} }
func (s *Store) Outcomes() store.OutcomeRepo        { return &outcomeRepo{db: s.db, timeout: s.timeout} }
func (s *Store) Performance() store.PerformanceRepo { return &perfRepo{db: s.db, timeout: s.timeout} }
