/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All error categories in one place for consistency and discoverability.
  Domain packages wrap these sentinels with structured errors that carry
  context, and callers classify with errors.Is().

ERROR CATEGORIES:
  1. ValidationGap - Missing required sale fields (synchronous, never retried)
  2. RemoteTransient - Network/timeout/5xx failures talking to the remote store
  3. RemoteAuthoritative - Store-level rejection that will not succeed on retry
  4. LedgerInvariantViolation - Illegal installment status transition
  5. Lookup errors - Unknown sale, installment out of range

RETRY POLICY:
  Inserts treat every remote failure as retryable (the outbox keeps them).
  Updates and deletes surface both remote categories to the caller, who
  retries manually.

SEE ALSO:
  - installment/ledger.go: TransitionError
  - settlement/record.go: ValidationError
  - store/sqlite, store/postgres: wrap driver errors with the remote sentinels
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidationGap is returned when a sale misses required fields.
	ErrValidationGap = errors.New("validation gap")

	// ErrRemoteTransient wraps connectivity, timeout and 5xx-class failures.
	ErrRemoteTransient = errors.New("remote store unavailable")

	// ErrRemoteRejected is a definitive rejection by the remote store.
	ErrRemoteRejected = errors.New("remote store rejected write")

	// ErrInvalidTransition is returned for a transition the ledger does not allow.
	ErrInvalidTransition = errors.New("invalid installment transition")

	// ErrSaleNotFound is returned when a sale id is unknown.
	ErrSaleNotFound = errors.New("sale not found")

	// ErrPendingNotFound is returned when an outbox entry does not exist.
	ErrPendingNotFound = errors.New("pending write not found")

	// ErrInstallmentOutOfRange is returned for installment numbers outside 1..15.
	ErrInstallmentOutOfRange = errors.New("installment number out of range")

	// ErrInvalidPeriod is returned when a period is malformed (end before start).
	ErrInvalidPeriod = errors.New("invalid period: end before start")

	// ErrOverlappingPeriods is returned when competence overrides overlap.
	ErrOverlappingPeriods = errors.New("overlapping competence periods")

	// ErrRecoveryInProgress is returned when a recovery pass is already running.
	ErrRecoveryInProgress = errors.New("recovery pass already running")

	// ErrInvalidConfig is returned when configuration cannot be loaded.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// RemoteError records which remote operation failed and how.
type RemoteError struct {
	Op       string // "insert", "update", "delete", "list"
	RemoteID RemoteID
	Err      error
	// Authoritative is true when the store rejected the write definitively.
	Authoritative bool
}

func (e *RemoteError) Error() string {
	if e.RemoteID != "" {
		return fmt.Sprintf("remote %s %s: %v", e.Op, e.RemoteID, e.Err)
	}
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() []error {
	if e.Authoritative {
		return []error{ErrRemoteRejected, e.Err}
	}
	return []error{ErrRemoteTransient, e.Err}
}

// Transient wraps err as a RemoteTransient failure of op.
func Transient(op string, id RemoteID, err error) error {
	return &RemoteError{Op: op, RemoteID: id, Err: err}
}

// Rejected wraps err as a RemoteAuthoritative failure of op.
func Rejected(op string, id RemoteID, err error) error {
	return &RemoteError{Op: op, RemoteID: id, Err: err, Authoritative: true}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable reports whether an insert failure stays in the outbox.
// Authoritative rejections are retried too; see the package doc.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRemoteTransient) || errors.Is(err, ErrRemoteRejected)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidationGap) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInstallmentOutOfRange) ||
		errors.Is(err, ErrInvalidPeriod)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSaleNotFound) ||
		errors.Is(err, ErrPendingNotFound)
}

// IsRemote returns true for either remote category.
func IsRemote(err error) bool {
	return errors.Is(err, ErrRemoteTransient) || errors.Is(err, ErrRemoteRejected)
}
