/*
Package sqlite provides SQLite-backed implementations of the settlement
storage interfaces.

PURPOSE:
  One Store type serves two roles, usually as two separate database files:
  - settlement.Queue:       the durable outbox of unacknowledged inserts
  - settlement.RemoteStore: a single-node stand-in for the remote store

INTERFACES IMPLEMENTED:
  settlement.Queue:       Enqueue, ListPending, GetPending, Remove, UpdatePending
  settlement.RecoveryLocker: TryLockRecovery, UnlockRecovery
  settlement.RemoteStore: Insert, Update, Delete, ListAll

KEY TABLES:
  pending_writes: Outbox entries keyed by local_id
  recovery_lock:  At most one row; the process allowed to run recovery
  sales:          Persisted sales, remote_id primary key

INDEXES:
  - idx_sales_local_id (UNIQUE): de-duplicates re-sent inserts; a
    conflicting insert returns the existing remote_id
  - idx_pending_enqueued_at: ListPending order

LEGACY ROWS:
  sales.installments_json may hold bare status strings from older writers.
  Rows are normalized through installment.NormalizeLedger on read.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. SQLite allows one writer at a time;
  the connection pool is pinned to a single connection.

WAL MODE:
  Opened with WAL (Write-Ahead Logging) so readers don't block the writer.

USAGE:
  queue, err := sqlite.New("./data/outbox.db")
  if err != nil {
      log.Fatal(err)
  }
  defer queue.Close()

SEE ALSO:
  - settlement/store.go: Interface definitions
  - store/postgres: Production RemoteStore
  - store/memory: In-memory implementations for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Store implements settlement.Queue and settlement.RemoteStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	// now stamps created_at/updated_at; replaced in tests.
	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: a ":memory:" database lives exactly as long as it.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Outbox of inserts awaiting remote acknowledgement
	CREATE TABLE IF NOT EXISTS pending_writes (
		local_id TEXT PRIMARY KEY,
		payload_json TEXT NOT NULL,
		enqueued_at TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		last_attempt_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_pending_enqueued_at
		ON pending_writes(enqueued_at);

	-- Advisory lock held by the process running a recovery pass
	CREATE TABLE IF NOT EXISTS recovery_lock (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		holder TEXT NOT NULL,
		acquired_at INTEGER NOT NULL
	);

	-- Persisted sales
	CREATE TABLE IF NOT EXISTS sales (
		remote_id TEXT PRIMARY KEY,
		local_id TEXT NOT NULL,
		sale_id TEXT NOT NULL,
		client_name TEXT NOT NULL,
		sale_type TEXT NOT NULL,
		credit_value TEXT NOT NULL,
		overall_status TEXT NOT NULL,
		installments_json TEXT NOT NULL,
		record_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: re-sent inserts must not create a second row
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sales_local_id
		ON sales(local_id);

	CREATE INDEX IF NOT EXISTS idx_sales_status
		ON sales(overall_status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"pending_writes", "recovery_lock", "sales"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isPermanent reports errors a retry cannot fix.
func isPermanent(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code {
	case sqlite3.ErrConstraint, sqlite3.ErrMismatch, sqlite3.ErrTooBig, sqlite3.ErrReadonly:
		return true
	}
	return false
}
