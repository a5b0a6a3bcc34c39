package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/warp/settlement-engine/commission"
	"github.com/warp/settlement-engine/competence"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/installment"
)

// =============================================================================
// OPTIONS
// =============================================================================

const (
	DefaultWriteTimeout    = 10 * time.Second
	DefaultRecoveryTimeout = 60 * time.Second
)

type Options struct {
	// WriteTimeout bounds each remote call.
	WriteTimeout time.Duration
	// RecoveryTimeout bounds a whole recovery pass.
	RecoveryTimeout time.Duration

	Calculator *commission.Calculator
	Resolver   competence.Resolver
	Clock      generic.Clock
	Logger     *log.Logger

	// NewID generates sale and local ids. Defaults to uuid.NewString.
	NewID func() string
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.RecoveryTimeout <= 0 {
		o.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if o.Calculator == nil {
		o.Calculator = commission.NewCalculator(commission.BuiltinDefaults())
	}
	if o.Resolver == nil {
		o.Resolver = competence.DefaultCalendar()
	}
	if o.Clock == nil {
		o.Clock = generic.SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// =============================================================================
// PIPELINE
// =============================================================================

// flight tracks an insert that is currently talking to the remote store.
type flight struct {
	// stale is set when the queued payload changed after the insert started.
	stale bool
	// deleted is set when the sale was deleted locally mid-insert.
	deleted bool
}

// Pipeline is the only writer of its Collection.
type Pipeline struct {
	remote  RemoteStore
	queue   Queue
	records *Collection
	opts    Options

	// holder names this pipeline when it takes a shared recovery lock.
	holder string

	mu       sync.Mutex
	inflight map[generic.LocalID]*flight

	running atomic.Bool
	// started is set once Start has published the outbox.
	started atomic.Bool
	wg      sync.WaitGroup
}

func NewPipeline(remote RemoteStore, queue Queue, opts Options) *Pipeline {
	opts = opts.withDefaults()
	return &Pipeline{
		remote:   remote,
		queue:    queue,
		records:  NewCollection(),
		opts:     opts,
		holder:   uuid.NewString(),
		inflight: make(map[generic.LocalID]*flight),
	}
}

// Records exposes read access to the visible sales.
func (p *Pipeline) Records() *Collection { return p.records }

// Calculator returns the calculator used for every sale.
func (p *Pipeline) Calculator() *commission.Calculator { return p.opts.Calculator }

// Resolver returns the competence resolver used for paid installments.
func (p *Pipeline) Resolver() competence.Resolver { return p.opts.Resolver }

// Logger returns the pipeline's logger.
func (p *Pipeline) Logger() *log.Logger { return p.opts.Logger }

// Pending lists the outbox.
func (p *Pipeline) Pending(ctx context.Context) ([]PendingWrite, error) {
	return p.queue.ListPending(ctx)
}

// Close waits for in-flight background inserts.
func (p *Pipeline) Close() {
	p.wg.Wait()
}

func (p *Pipeline) logf(format string, args ...any) {
	p.opts.Logger.Printf("[Pipeline] "+format, args...)
}

// =============================================================================
// REGISTER
// =============================================================================

// Register validates the input, publishes the sale locally, queues it in the
// outbox and starts the remote insert in the background. It never fails for
// remote connectivity; the returned record carries a placeholder RemoteID.
func (p *Pipeline) Register(ctx context.Context, in RegisterInput) (Record, error) {
	if err := in.Validate(); err != nil {
		return Record{}, err
	}

	now := p.opts.Clock.Now().UTC()
	local := generic.LocalID(p.opts.NewID())
	r := Record{
		ID:             generic.SaleID(p.opts.NewID()),
		RemoteID:       generic.PlaceholderRemoteID(local),
		LocalID:        local,
		ClientName:     in.ClientName,
		SaleType:       in.SaleType,
		Group:          in.Group,
		Quota:          in.Quota,
		PV:             in.PV,
		CreditValue:    in.CreditValue,
		TaxRatePercent: in.TaxRatePercent,
		ConsultantName: in.ConsultantName,
		ManagerName:    in.ManagerName,
		AngelName:      in.AngelName,
		Schedule:       in.schedule(),
		Installments:   installment.NewLedger(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.refresh(p.opts.Calculator)

	pending := PendingWrite{
		LocalID:    local,
		Payload:    r.Payload(),
		EnqueuedAt: now,
	}
	if err := p.queue.Enqueue(ctx, pending); err != nil {
		return Record{}, fmt.Errorf("enqueue sale %s: %w", r.ID, err)
	}
	p.records.insert(r)

	p.beginFlight(local)
	p.wg.Add(1)
	go p.initialWrite(pending)

	return r.Clone(), nil
}

// initialWrite is attempt zero. A failure records LastError only; recovery
// passes count attempts.
func (p *Pipeline) initialWrite(w PendingWrite) {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.WriteTimeout)
	defer cancel()

	ack, err := p.remote.Insert(ctx, w.Payload)
	f := p.endFlight(w.LocalID)
	if err != nil {
		p.logf("initial write of %s failed, queued for retry: %v", w.LocalID, err)
		msg := err.Error()
		at := p.opts.Clock.Now().UTC()
		if uerr := p.queue.UpdatePending(context.Background(), w.LocalID, PendingPatch{
			LastError:     &msg,
			LastAttemptAt: &at,
		}); uerr != nil && !errors.Is(uerr, generic.ErrPendingNotFound) {
			p.logf("record failure of %s: %v", w.LocalID, uerr)
		}
		return
	}
	p.complete(context.Background(), w, ack, f)
}

// complete applies a successful insert: patch the id, drop the outbox entry,
// then reconcile anything that changed while the insert was in flight.
func (p *Pipeline) complete(ctx context.Context, w PendingWrite, ack RemoteAck, f *flight) {
	if err := p.queue.Remove(ctx, w.LocalID); err != nil && !errors.Is(err, generic.ErrPendingNotFound) {
		// The remote de-duplicates on local id, so a leftover entry is harmless.
		p.logf("remove %s from outbox: %v", w.LocalID, err)
	}

	if f != nil && f.deleted {
		p.logf("sale %s deleted during insert, removing remote %s", w.Payload.ID, ack.RemoteID)
		if err := p.callRemote(ctx, func(ctx context.Context) error {
			return p.remote.Delete(ctx, ack.RemoteID)
		}); err != nil {
			p.logf("remote delete of %s failed: %v", ack.RemoteID, err)
		}
		return
	}

	current, ok := p.records.patchRemoteID(w.LocalID, ack.RemoteID)
	if !ok && p.started.Load() {
		// Start published every queued entry, so the sale was deleted.
		p.logf("sale %s no longer visible, removing remote %s", w.Payload.ID, ack.RemoteID)
		if err := p.callRemote(ctx, func(ctx context.Context) error {
			return p.remote.Delete(ctx, ack.RemoteID)
		}); err != nil {
			p.logf("remote delete of %s failed: %v", ack.RemoteID, err)
		}
		return
	}
	if !ok {
		// Outbox entry for a sale not yet published (Recover before Start).
		r := w.Payload.Clone()
		r.RemoteID = ack.RemoteID
		r.refresh(p.opts.Calculator)
		p.records.insert(r)
		p.logf("persisted %s as %s", w.LocalID, ack.RemoteID)
		return
	}
	p.logf("persisted %s as %s", w.LocalID, ack.RemoteID)

	if f != nil && f.stale {
		if _, err := p.push(ctx, current); err != nil {
			p.logf("update after insert of %s failed: %v", current.ID, err)
		}
	}
}

func (p *Pipeline) beginFlight(id generic.LocalID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[id]; busy {
		return false
	}
	p.inflight[id] = &flight{}
	return true
}

func (p *Pipeline) endFlight(id generic.LocalID) *flight {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.inflight[id]
	delete(p.inflight, id)
	return f
}

func (p *Pipeline) markFlight(id generic.LocalID, fn func(f *flight)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.inflight[id]; ok {
		fn(f)
	}
}

// InFlight reports whether an insert for the local id is running.
func (p *Pipeline) InFlight(id generic.LocalID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[id]
	return ok
}

func (p *Pipeline) callRemote(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.WriteTimeout)
	defer cancel()
	return fn(ctx)
}

// =============================================================================
// LEDGER UPDATES
// =============================================================================

// SetInstallmentStatus moves installment n through the state machine. The
// overall status is recomputed in the same locked step.
func (p *Pipeline) SetInstallmentStatus(ctx context.Context, id generic.SaleID, n int, status installment.Status, paidDate *generic.Date) (Record, error) {
	return p.mutate(ctx, id, func(r *Record) error {
		return r.Installments.Set(n, status, paidDate, p.opts.Resolver, p.opts.Clock)
	})
}

// Override forces installment n to status. Administrative path.
func (p *Pipeline) Override(ctx context.Context, id generic.SaleID, n int, status installment.Status, paidDate *generic.Date) (Record, error) {
	return p.mutate(ctx, id, func(r *Record) error {
		return r.Installments.Override(n, status, paidDate, p.opts.Resolver, p.opts.Clock)
	})
}

// Correct applies a corrective update and recomputes the breakdown.
func (p *Pipeline) Correct(ctx context.Context, id generic.SaleID, c Correction) (Record, error) {
	if c.IsEmpty() {
		return p.records.Get(id)
	}
	return p.mutate(ctx, id, func(r *Record) error {
		c.apply(r)
		return r.validate()
	})
}

// mutate applies fn locally, then propagates. Local changes are kept when
// propagation fails; the error is returned alongside the updated record.
func (p *Pipeline) mutate(ctx context.Context, id generic.SaleID, fn func(r *Record) error) (Record, error) {
	updated, err := p.records.update(id, func(r *Record) error {
		if err := fn(r); err != nil {
			return err
		}
		r.refresh(p.opts.Calculator)
		r.UpdatedAt = p.opts.Clock.Now().UTC()
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return p.push(ctx, updated)
}

// push sends the current state of a sale to wherever it lives: the queued
// payload while the sale is pending, the remote store once persisted.
func (p *Pipeline) push(ctx context.Context, r Record) (Record, error) {
	if !r.IsPersisted() {
		err := p.queue.UpdatePending(ctx, r.LocalID, PendingPatch{Payload: &r})
		if err != nil && !errors.Is(err, generic.ErrPendingNotFound) {
			return r, fmt.Errorf("update queued payload of %s: %w", r.ID, err)
		}
		p.markFlight(r.LocalID, func(f *flight) { f.stale = true })
		if errors.Is(err, generic.ErrPendingNotFound) {
			// The insert finished between the local update and this call.
			if latest, gerr := p.records.Get(r.ID); gerr == nil && latest.IsPersisted() {
				return p.push(ctx, latest)
			}
		}
		return r, nil
	}

	err := p.callRemote(ctx, func(ctx context.Context) error {
		return p.remote.Update(ctx, r.RemoteID, r.Payload())
	})
	msg := ""
	if err != nil {
		msg = err.Error()
		p.logf("remote update of %s failed, kept locally: %v", r.ID, err)
	}
	synced, uerr := p.records.update(r.ID, func(cur *Record) error {
		cur.SyncError = msg
		return nil
	})
	if uerr == nil {
		r = synced
	}
	if err != nil {
		return r, fmt.Errorf("sale %s updated locally: %w", r.ID, err)
	}
	return r, nil
}

// Sync retries propagation of a sale: the remote update for a persisted
// sale, or one insert attempt for a pending one.
func (p *Pipeline) Sync(ctx context.Context, id generic.SaleID) (Record, error) {
	r, err := p.records.Get(id)
	if err != nil {
		return Record{}, err
	}
	if r.IsPersisted() {
		return p.push(ctx, r)
	}

	if err := p.retry(ctx, r.LocalID); err != nil {
		return r, err
	}
	return p.records.Get(id)
}

// =============================================================================
// DELETE
// =============================================================================

// Delete removes a sale. A persisted sale is deleted remotely first and
// stays visible if that fails. A pending sale is dropped from the outbox.
func (p *Pipeline) Delete(ctx context.Context, id generic.SaleID) error {
	r, err := p.records.Get(id)
	if err != nil {
		return err
	}

	if r.IsPersisted() {
		if err := p.callRemote(ctx, func(ctx context.Context) error {
			return p.remote.Delete(ctx, r.RemoteID)
		}); err != nil {
			return fmt.Errorf("delete sale %s: %w", id, err)
		}
		p.records.remove(id)
		return nil
	}

	if err := p.queue.Remove(ctx, r.LocalID); err != nil && !errors.Is(err, generic.ErrPendingNotFound) {
		return fmt.Errorf("drop %s from outbox: %w", r.LocalID, err)
	}
	p.markFlight(r.LocalID, func(f *flight) { f.deleted = true })
	if removed, ok := p.records.remove(id); ok && removed.IsPersisted() {
		// Persisted between Get and remove.
		return p.callRemote(ctx, func(ctx context.Context) error {
			return p.remote.Delete(ctx, removed.RemoteID)
		})
	}
	return nil
}

// =============================================================================
// START - Session bootstrap
// =============================================================================

// Start loads persisted sales, re-publishes queued writes not yet visible,
// and runs one recovery pass. An unreachable remote store is logged and the
// session continues with the outbox contents.
func (p *Pipeline) Start(ctx context.Context) error {
	loaded := 0
	var remote []Record
	err := p.callRemote(ctx, func(ctx context.Context) error {
		var lerr error
		remote, lerr = p.remote.ListAll(ctx)
		return lerr
	})
	if err != nil {
		p.logf("load from remote failed, continuing with outbox only: %v", err)
	}
	for _, r := range remote {
		r.refresh(p.opts.Calculator)
		if p.records.insert(r) {
			loaded++
		}
	}

	pending, err := p.queue.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list outbox: %w", err)
	}
	republished := 0
	for _, w := range pending {
		if p.records.HasLocal(w.LocalID) {
			continue
		}
		r := w.Payload.Clone()
		r.LocalID = w.LocalID
		r.RemoteID = generic.PlaceholderRemoteID(w.LocalID)
		r.refresh(p.opts.Calculator)
		if p.records.insert(r) {
			republished++
		}
	}
	p.started.Store(true)
	p.logf("session started: %d from remote, %d from outbox", loaded, republished)

	if _, err := p.Recover(ctx); err != nil && !errors.Is(err, generic.ErrRecoveryInProgress) {
		return err
	}
	return nil
}
