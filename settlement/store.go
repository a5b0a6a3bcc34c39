package settlement

import (
	"context"
	"time"

	"github.com/warp/settlement-engine/generic"
)

// =============================================================================
// REMOTE STORE - Out-of-process persistence
// =============================================================================

// RemoteAck is returned by a successful insert.
type RemoteAck struct {
	RemoteID  generic.RemoteID
	CreatedAt time.Time
}

// RemoteStore persists sales outside the process. Implementations wrap
// failures with generic.Transient or generic.Rejected.
//
// Insert must de-duplicate on Record.LocalID: re-inserting a payload whose
// LocalID is already stored returns the existing id without error.
type RemoteStore interface {
	Insert(ctx context.Context, r Record) (RemoteAck, error)
	Update(ctx context.Context, id generic.RemoteID, r Record) error
	Delete(ctx context.Context, id generic.RemoteID) error
	ListAll(ctx context.Context) ([]Record, error)
}

// =============================================================================
// QUEUE - Durable local outbox
// =============================================================================

// PendingWrite is a sale whose remote insert has not been acknowledged.
type PendingWrite struct {
	LocalID       generic.LocalID `json:"local_id"`
	Payload       Record          `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	AttemptCount  int             `json:"attempt_count"`
	LastError     string          `json:"last_error,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
}

// PendingPatch updates selected fields of a PendingWrite. Nil means unchanged.
type PendingPatch struct {
	Payload       *Record
	AttemptCount  *int
	LastError     *string
	LastAttemptAt *time.Time
}

// Apply returns w with the patch applied.
func (p PendingPatch) Apply(w PendingWrite) PendingWrite {
	if p.Payload != nil {
		w.Payload = p.Payload.Payload()
	}
	if p.AttemptCount != nil {
		w.AttemptCount = *p.AttemptCount
	}
	if p.LastError != nil {
		w.LastError = *p.LastError
	}
	if p.LastAttemptAt != nil {
		t := *p.LastAttemptAt
		w.LastAttemptAt = &t
	}
	return w
}

// Queue must survive process restart. GetPending, Remove and UpdatePending
// return generic.ErrPendingNotFound for unknown ids.
type Queue interface {
	Enqueue(ctx context.Context, w PendingWrite) error
	ListPending(ctx context.Context) ([]PendingWrite, error)
	GetPending(ctx context.Context, id generic.LocalID) (PendingWrite, error)
	Remove(ctx context.Context, id generic.LocalID) error
	UpdatePending(ctx context.Context, id generic.LocalID, patch PendingPatch) error
}

// RecoveryLocker is implemented by queues that several processes may share.
// A recovery pass runs only while its holder owns the lock; a lock older than
// ttl is considered abandoned and may be taken over.
type RecoveryLocker interface {
	TryLockRecovery(ctx context.Context, holder string, now time.Time, ttl time.Duration) (bool, error)
	UnlockRecovery(ctx context.Context, holder string) error
}
