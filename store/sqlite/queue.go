package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// OUTBOX (settlement.Queue interface)
// =============================================================================

// Enqueue stores a pending write. Re-enqueueing the same local id replaces it.
func (s *Store) Enqueue(ctx context.Context, w settlement.PendingWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(w.Payload.Payload())
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	query := `
		INSERT INTO pending_writes
		(local_id, payload_json, enqueued_at, attempt_count, last_error, last_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			payload_json = excluded.payload_json,
			attempt_count = excluded.attempt_count,
			last_error = excluded.last_error,
			last_attempt_at = excluded.last_attempt_at
	`
	_, err = s.db.ExecContext(ctx, query,
		string(w.LocalID),
		string(payload),
		formatTime(w.EnqueuedAt),
		w.AttemptCount,
		nullString(w.LastError),
		nullTime(w.LastAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", w.LocalID, err)
	}
	return nil
}

// ListPending returns every pending write, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]settlement.PendingWrite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT local_id, payload_json, enqueued_at, attempt_count, last_error, last_attempt_at
		FROM pending_writes
		ORDER BY enqueued_at, local_id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	defer rows.Close()

	var out []settlement.PendingWrite
	for rows.Next() {
		w, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetPending returns one pending write.
func (s *Store) GetPending(ctx context.Context, id generic.LocalID) (settlement.PendingWrite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPending(ctx, id)
}

func (s *Store) getPending(ctx context.Context, id generic.LocalID) (settlement.PendingWrite, error) {
	query := `
		SELECT local_id, payload_json, enqueued_at, attempt_count, last_error, last_attempt_at
		FROM pending_writes
		WHERE local_id = ?
	`
	w, err := scanPending(s.db.QueryRowContext(ctx, query, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.PendingWrite{}, fmt.Errorf("%w: %s", generic.ErrPendingNotFound, id)
	}
	return w, err
}

// Remove deletes a pending write.
func (s *Store) Remove(ctx context.Context, id generic.LocalID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM pending_writes WHERE local_id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", generic.ErrPendingNotFound, id)
	}
	return nil
}

// UpdatePending applies a patch to a pending write.
func (s *Store) UpdatePending(ctx context.Context, id generic.LocalID, patch settlement.PendingPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.getPending(ctx, id)
	if err != nil {
		return err
	}
	next := patch.Apply(current)

	payload, err := json.Marshal(next.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	query := `
		UPDATE pending_writes
		SET payload_json = ?, attempt_count = ?, last_error = ?, last_attempt_at = ?
		WHERE local_id = ?
	`
	_, err = s.db.ExecContext(ctx, query,
		string(payload),
		next.AttemptCount,
		nullString(next.LastError),
		nullTime(next.LastAttemptAt),
		string(id),
	)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", id, err)
	}
	return nil
}

// =============================================================================
// RECOVERY LOCK (settlement.RecoveryLocker interface)
// =============================================================================

// TryLockRecovery takes the outbox lock for holder. An existing lock is taken
// over only once it is older than ttl.
func (s *Store) TryLockRecovery(ctx context.Context, holder string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO recovery_lock (id, holder, acquired_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at
		WHERE recovery_lock.acquired_at <= ?
	`
	result, err := s.db.ExecContext(ctx, query, holder, now.UnixNano(), now.Add(-ttl).UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to lock outbox: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to lock outbox: %w", err)
	}
	return n == 1, nil
}

// UnlockRecovery releases the lock if holder still owns it.
func (s *Store) UnlockRecovery(ctx context.Context, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM recovery_lock WHERE holder = ?`, holder); err != nil {
		return fmt.Errorf("failed to unlock outbox: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPending(row rowScanner) (settlement.PendingWrite, error) {
	var (
		w           settlement.PendingWrite
		localID     string
		payloadJSON string
		enqueuedAt  string
		lastError   sql.NullString
		lastAttempt sql.NullString
	)
	if err := row.Scan(&localID, &payloadJSON, &enqueuedAt, &w.AttemptCount, &lastError, &lastAttempt); err != nil {
		return settlement.PendingWrite{}, err
	}
	if err := json.Unmarshal([]byte(payloadJSON), &w.Payload); err != nil {
		return settlement.PendingWrite{}, fmt.Errorf("failed to decode payload of %s: %w", localID, err)
	}
	w.LocalID = generic.LocalID(localID)
	w.EnqueuedAt = parseTime(enqueuedAt)
	w.LastError = lastError.String
	if lastAttempt.Valid {
		t := parseTime(lastAttempt.String)
		w.LastAttemptAt = &t
	}
	return w, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
