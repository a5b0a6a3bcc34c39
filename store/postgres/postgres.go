/*
Package postgres provides a PostgreSQL RemoteStore for settlement records.

PURPOSE:
  The production remote store. Sales are kept in one table with the
  installment ledger in a JSONB column, so older documents holding bare
  status strings can be normalized on read.

KEY TABLE:
  sales: remote_id (UUID text, primary key), local_id (UNIQUE), record JSONB,
         installments JSONB, denormalized columns for filtering

ERROR MAPPING:
  - Connection failures, timeouts, class 08/53/57 codes: generic.Transient
  - Data, constraint, syntax and auth errors
    (class 22/23/42/28):                              generic.Rejected
  - 23505 on local_id: not an error; the existing remote_id is returned

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - settlement/store.go: RemoteStore interface
  - store/sqlite: Single-node RemoteStore and the outbox queue
*/
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config tunes the connection pool.
type Config struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
}

// DefaultConfig returns the pool settings used by New.
func DefaultConfig() Config {
	return Config{
		MaxConns:          10,
		MinConns:          1,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
		ConnectTimeout:    5 * time.Second,
	}
}

// Store implements settlement.RemoteStore on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New connects with DefaultConfig and creates the schema.
func New(ctx context.Context, connString string) (*Store, error) {
	return NewWithConfig(ctx, connString, DefaultConfig())
}

// NewWithConfig connects, pings and creates the schema.
func NewWithConfig(ctx context.Context, connString string, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	s := &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sales (
		remote_id TEXT PRIMARY KEY,
		local_id TEXT NOT NULL,
		sale_id TEXT NOT NULL,
		client_name TEXT NOT NULL,
		sale_type TEXT NOT NULL,
		credit_value NUMERIC(18, 2) NOT NULL,
		overall_status TEXT NOT NULL,
		installments JSONB NOT NULL,
		record JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_sales_local_id ON sales(local_id);
	CREATE INDEX IF NOT EXISTS idx_sales_overall_status ON sales(overall_status);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Reset truncates the sales table (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE sales")
	return err
}
