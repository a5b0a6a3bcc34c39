/*
scheduler.go - Periodic outbox recovery

PURPOSE:
  Re-drives the outbox in the background so sales registered while the
  remote store was down get persisted without operator action.

DESIGN:
  - Runs a background goroutine: one pass after StartupDelay, then one
    per Interval
  - Each pass is settlement.Pipeline.Recover; a pass still running when
    the next tick fires is reported and skipped
  - The last report is kept for the dashboard

CONFIGURATION:
  - Interval:     How often to run (default: factory.DefaultRecoveryInterval)
  - StartupDelay: Wait before the first pass (default: factory.DefaultRecoveryStartupDelay)
  - Enabled:      Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewRecoveryScheduler(pipeline, cfg)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RecoverOutbox endpoint (manual pass)
  - settlement/recovery.go: Recover
*/
package api

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/settlement"
)

// RecoveryScheduler runs outbox recovery on a timer.
type RecoveryScheduler struct {
	Pipeline     *settlement.Pipeline
	Interval     time.Duration
	StartupDelay time.Duration
	Enabled      bool
	Logger       *log.Logger

	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
	nextRun time.Time
	last    *settlement.RecoveryReport
}

// NewRecoveryScheduler creates a scheduler using the configured interval.
func NewRecoveryScheduler(p *settlement.Pipeline, cfg factory.Config) *RecoveryScheduler {
	interval := cfg.RecoveryInterval
	if interval <= 0 {
		interval = factory.DefaultRecoveryInterval
	}
	return &RecoveryScheduler{
		Pipeline:     p,
		Interval:     interval,
		StartupDelay: cfg.RecoveryStartupDelay,
		Enabled:      true,
		Logger:       log.Default(),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (rs *RecoveryScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.logf("Disabled, not starting")
		return
	}
	if rs.running {
		return
	}

	rs.stop = make(chan struct{})
	rs.running = true
	rs.nextRun = time.Now().Add(rs.StartupDelay)
	rs.wg.Add(1)
	go rs.run(rs.stop)

	rs.logf("Started with interval %v (first pass in %v)", rs.Interval, rs.StartupDelay)
}

// Stop stops the scheduler and waits for a running pass to finish.
func (rs *RecoveryScheduler) Stop() {
	rs.mu.Lock()
	if !rs.running {
		rs.mu.Unlock()
		return
	}
	close(rs.stop)
	rs.running = false
	rs.mu.Unlock()

	rs.wg.Wait()
	rs.logf("Stopped")
}

func (rs *RecoveryScheduler) run(stop <-chan struct{}) {
	defer rs.wg.Done()

	delay := time.NewTimer(rs.StartupDelay)
	defer delay.Stop()
	select {
	case <-delay.C:
	case <-stop:
		return
	}
	rs.RunNow()

	ticker := time.NewTicker(rs.Interval)
	defer ticker.Stop()
	for {
		rs.setNext(time.Now().Add(rs.Interval))
		select {
		case <-ticker.C:
			rs.RunNow()
		case <-stop:
			return
		}
	}
}

// RunNow triggers an immediate pass (for testing/admin).
func (rs *RecoveryScheduler) RunNow() (settlement.RecoveryReport, error) {
	report, err := rs.Pipeline.Recover(context.Background())
	if err != nil {
		if errors.Is(err, generic.ErrRecoveryInProgress) {
			rs.logf("Previous pass still running, skipped")
		} else {
			rs.logf("Pass failed: %v", err)
		}
		return report, err
	}

	rs.mu.Lock()
	rs.last = &report
	rs.mu.Unlock()

	if report.Attempted > 0 {
		rs.logf("Completed: %d attempted, %d recovered, %d failed, %d skipped",
			report.Attempted, report.Recovered, report.Failed, report.Skipped)
	}
	return report, nil
}

// LastReport returns the most recent successful pass, if any.
func (rs *RecoveryScheduler) LastReport() (settlement.RecoveryReport, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.last == nil {
		return settlement.RecoveryReport{}, false
	}
	return *rs.last, true
}

// NextRunTime returns when the next scheduled pass will occur.
func (rs *RecoveryScheduler) NextRunTime() (time.Time, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.nextRun, rs.running
}

func (rs *RecoveryScheduler) setNext(t time.Time) {
	rs.mu.Lock()
	rs.nextRun = t
	rs.mu.Unlock()
}

func (rs *RecoveryScheduler) logf(format string, args ...any) {
	logger := rs.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("[Scheduler] "+format, args...)
}
