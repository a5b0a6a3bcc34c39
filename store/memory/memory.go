// Package memory provides in-memory RemoteStore and Queue implementations
// for tests and local development. The remote store can be scripted to fail.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// REMOTE - In-memory RemoteStore with fault injection
// =============================================================================

type Remote struct {
	mu      sync.Mutex
	records map[generic.RemoteID]settlement.Record
	byLocal map[generic.LocalID]generic.RemoteID
	seq     int

	failures []error
	failAll  error
	gate     chan struct{}

	InsertCalls int
	UpdateCalls int
	DeleteCalls int
}

func NewRemote() *Remote {
	return &Remote{
		records: make(map[generic.RemoteID]settlement.Record),
		byLocal: make(map[generic.LocalID]generic.RemoteID),
	}
}

// FailNext makes the next n calls fail with err (a transient error when nil).
func (m *Remote) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = fmt.Errorf("connection refused")
	}
	for i := 0; i < n; i++ {
		m.failures = append(m.failures, err)
	}
}

// FailAlways makes every call fail until Heal.
func (m *Remote) FailAlways(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = fmt.Errorf("connection refused")
	}
	m.failAll = err
}

// Heal clears scripted failures.
func (m *Remote) Heal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = nil
	m.failAll = nil
}

// Hold blocks every call until Release, or until the call's context ends.
func (m *Remote) Hold() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = make(chan struct{})
}

func (m *Remote) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
}

// enter waits on the gate and pops a scripted failure.
func (m *Remote) enter(ctx context.Context, op string, id generic.RemoteID) error {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return generic.Transient(op, id, ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll != nil {
		return generic.Transient(op, id, m.failAll)
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return generic.Transient(op, id, err)
	}
	return nil
}

func (m *Remote) Insert(ctx context.Context, r settlement.Record) (settlement.RemoteAck, error) {
	m.mu.Lock()
	m.InsertCalls++
	m.mu.Unlock()
	if err := m.enter(ctx, "insert", ""); err != nil {
		return settlement.RemoteAck{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byLocal[r.LocalID]; ok && r.LocalID != "" {
		return settlement.RemoteAck{RemoteID: existing, CreatedAt: m.records[existing].CreatedAt}, nil
	}
	m.seq++
	id := generic.RemoteID(fmt.Sprintf("rec-%d", m.seq))
	stored := r.Clone()
	stored.RemoteID = id
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	m.records[id] = stored
	if r.LocalID != "" {
		m.byLocal[r.LocalID] = id
	}
	return settlement.RemoteAck{RemoteID: id, CreatedAt: stored.CreatedAt}, nil
}

func (m *Remote) Update(ctx context.Context, id generic.RemoteID, r settlement.Record) error {
	m.mu.Lock()
	m.UpdateCalls++
	m.mu.Unlock()
	if err := m.enter(ctx, "update", id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return generic.Rejected("update", id, generic.ErrSaleNotFound)
	}
	stored := r.Clone()
	stored.RemoteID = id
	m.records[id] = stored
	return nil
}

func (m *Remote) Delete(ctx context.Context, id generic.RemoteID) error {
	m.mu.Lock()
	m.DeleteCalls++
	m.mu.Unlock()
	if err := m.enter(ctx, "delete", id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return generic.Rejected("delete", id, generic.ErrSaleNotFound)
	}
	delete(m.records, id)
	delete(m.byLocal, r.LocalID)
	return nil
}

func (m *Remote) ListAll(ctx context.Context) ([]settlement.Record, error) {
	if err := m.enter(ctx, "list", ""); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]settlement.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out, nil
}

// Get returns a stored record directly, for assertions.
func (m *Remote) Get(id generic.RemoteID) (settlement.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	return r.Clone(), ok
}

func (m *Remote) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Put stores a record as if it had been persisted earlier.
func (m *Remote) Put(r settlement.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.RemoteID] = r.Clone()
	if r.LocalID != "" {
		m.byLocal[r.LocalID] = r.RemoteID
	}
}

var _ settlement.RemoteStore = (*Remote)(nil)

// =============================================================================
// QUEUE - In-memory outbox (does not survive restart)
// =============================================================================

type Queue struct {
	mu      sync.RWMutex
	entries map[generic.LocalID]settlement.PendingWrite
}

func NewQueue() *Queue {
	return &Queue{entries: make(map[generic.LocalID]settlement.PendingWrite)}
}

func (q *Queue) Enqueue(_ context.Context, w settlement.PendingWrite) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	w.Payload = w.Payload.Payload()
	q.entries[w.LocalID] = w
	return nil
}

// ListPending returns entries oldest first.
func (q *Queue) ListPending(_ context.Context) ([]settlement.PendingWrite, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]settlement.PendingWrite, 0, len(q.entries))
	for _, w := range q.entries {
		w.Payload = w.Payload.Clone()
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].LocalID < out[j].LocalID
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out, nil
}

func (q *Queue) GetPending(_ context.Context, id generic.LocalID) (settlement.PendingWrite, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	w, ok := q.entries[id]
	if !ok {
		return settlement.PendingWrite{}, fmt.Errorf("%w: %s", generic.ErrPendingNotFound, id)
	}
	w.Payload = w.Payload.Clone()
	return w, nil
}

func (q *Queue) Remove(_ context.Context, id generic.LocalID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[id]; !ok {
		return fmt.Errorf("%w: %s", generic.ErrPendingNotFound, id)
	}
	delete(q.entries, id)
	return nil
}

func (q *Queue) UpdatePending(_ context.Context, id generic.LocalID, patch settlement.PendingPatch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", generic.ErrPendingNotFound, id)
	}
	q.entries[id] = patch.Apply(w)
	return nil
}

// Get returns one entry, for assertions.
func (q *Queue) Get(id generic.LocalID) (settlement.PendingWrite, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	w, ok := q.entries[id]
	return w, ok
}

func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

var _ settlement.Queue = (*Queue)(nil)
