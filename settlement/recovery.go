package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/settlement-engine/generic"
)

// =============================================================================
// RECOVERY - Outbox retry pass
// =============================================================================

// RecoveryReport summarizes one pass.
type RecoveryReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Attempted int           `json:"attempted"`
	Recovered int           `json:"recovered"`
	Failed    int           `json:"failed"`
	// Skipped counts writes whose insert was already in flight or whose
	// entry left the outbox after the pass listed it.
	Skipped int `json:"skipped"`
}

// errInFlight is returned by retry when another insert holds the local id.
var errInFlight = errors.New("insert already in flight")

// Recover retries every queued write at most once. Successes are removed
// from the outbox and their ids patched; failures increment AttemptCount.
//
// Only one pass runs at a time; an overlapping call returns
// generic.ErrRecoveryInProgress without doing anything. A queue implementing
// RecoveryLocker extends that guard to other processes sharing the outbox.
func (p *Pipeline) Recover(ctx context.Context) (RecoveryReport, error) {
	if !p.running.CompareAndSwap(false, true) {
		return RecoveryReport{}, generic.ErrRecoveryInProgress
	}
	defer p.running.Store(false)

	if locker, ok := p.queue.(RecoveryLocker); ok {
		acquired, err := locker.TryLockRecovery(ctx, p.holder, p.opts.Clock.Now().UTC(), p.opts.RecoveryTimeout)
		if err != nil {
			return RecoveryReport{}, fmt.Errorf("lock outbox: %w", err)
		}
		if !acquired {
			return RecoveryReport{}, generic.ErrRecoveryInProgress
		}
		defer func() {
			if err := locker.UnlockRecovery(context.WithoutCancel(ctx), p.holder); err != nil {
				p.opts.Logger.Printf("[Recovery] release outbox lock: %v", err)
			}
		}()
	}

	report := RecoveryReport{StartedAt: p.opts.Clock.Now().UTC()}
	ctx, cancel := context.WithTimeout(ctx, p.opts.RecoveryTimeout)
	defer cancel()

	pending, err := p.queue.ListPending(ctx)
	if err != nil {
		return report, fmt.Errorf("list outbox: %w", err)
	}

	for _, w := range pending {
		if ctx.Err() != nil {
			p.opts.Logger.Printf("[Recovery] pass deadline reached, %d writes left", len(pending)-report.Attempted-report.Skipped)
			break
		}
		if p.InFlight(w.LocalID) {
			report.Skipped++
			continue
		}
		err := p.retry(ctx, w.LocalID)
		switch {
		case errors.Is(err, errInFlight), errors.Is(err, generic.ErrPendingNotFound):
			report.Skipped++
		case err != nil:
			report.Attempted++
			report.Failed++
		default:
			report.Attempted++
			report.Recovered++
		}
	}

	report.Duration = p.opts.Clock.Now().UTC().Sub(report.StartedAt)
	if report.Attempted > 0 || report.Skipped > 0 {
		p.opts.Logger.Printf("[Recovery] pass done: %d attempted, %d recovered, %d failed, %d skipped",
			report.Attempted, report.Recovered, report.Failed, report.Skipped)
	}
	return report, nil
}

// retry makes one counted insert attempt for a queued write. The entry is
// re-read once the flight is held: a listing may predate a delete or edit,
// and later changes mark the flight. A missing entry returns
// generic.ErrPendingNotFound.
func (p *Pipeline) retry(ctx context.Context, id generic.LocalID) error {
	if !p.beginFlight(id) {
		return fmt.Errorf("%w: %s", errInFlight, id)
	}

	w, err := p.queue.GetPending(ctx, id)
	if err != nil {
		p.endFlight(id)
		return err
	}

	var ack RemoteAck
	err = p.callRemote(ctx, func(ctx context.Context) error {
		var ierr error
		ack, ierr = p.remote.Insert(ctx, w.Payload)
		return ierr
	})
	f := p.endFlight(id)

	if err != nil {
		attempts := w.AttemptCount + 1
		msg := err.Error()
		at := p.opts.Clock.Now().UTC()
		if uerr := p.queue.UpdatePending(ctx, id, PendingPatch{
			AttemptCount:  &attempts,
			LastError:     &msg,
			LastAttemptAt: &at,
		}); uerr != nil {
			p.opts.Logger.Printf("[Recovery] record failure of %s: %v", id, uerr)
		}
		p.opts.Logger.Printf("[Recovery] retry %d of %s failed: %v", attempts, id, err)
		return err
	}

	p.complete(ctx, w, ack, f)
	return nil
}
