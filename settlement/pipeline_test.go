package settlement_test

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/commission"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/installment"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type harness struct {
	remote   *memory.Remote
	queue    *memory.Queue
	clock    *generic.FixedClock
	pipeline *settlement.Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		remote: memory.NewRemote(),
		queue:  memory.NewQueue(),
		clock:  generic.NewFixedClock(time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)),
	}
	h.pipeline = settlement.NewPipeline(h.remote, h.queue, settlement.Options{
		WriteTimeout:    time.Second,
		RecoveryTimeout: 5 * time.Second,
		Clock:           h.clock,
		Logger:          log.New(io.Discard, "", 0),
	})
	t.Cleanup(func() {
		h.remote.Release()
		h.pipeline.Close()
	})
	return h
}

func validInput() settlement.RegisterInput {
	return settlement.RegisterInput{
		ClientName:      "Maria Souza",
		SaleType:        settlement.SaleImovel,
		Group:           "1020",
		Quota:           "045",
		PV:              "PV-7",
		CreditValue:     generic.NewMoneyFromInt(100000),
		TaxRatePercent:  generic.MustParseRate("18"),
		ConsultantName:  "Ana",
		ManagerName:     "Bruno",
		UseDefaultRules: true,
	}
}

func (h *harness) register(t *testing.T) settlement.Record {
	t.Helper()
	r, err := h.pipeline.Register(context.Background(), validInput())
	require.NoError(t, err)
	return r
}

// settle waits for background inserts to finish.
func (h *harness) settle() { h.pipeline.Close() }

func paidOn(y int, m time.Month, d int) *generic.Date {
	date := generic.NewDate(y, m, d)
	return &date
}

// =============================================================================
// REGISTER
// =============================================================================

func TestRegister_VisibleImmediatelyWithPlaceholder(t *testing.T) {
	h := newHarness(t)
	h.remote.Hold()

	r := h.register(t)

	assert.True(t, r.RemoteID.IsPlaceholder())
	assert.Equal(t, generic.PlaceholderRemoteID(r.LocalID), r.RemoteID)
	assert.Equal(t, installment.EmAndamento, r.OverallStatus)
	assert.Equal(t, 1, h.pipeline.Records().Len())
	assert.Equal(t, 1, h.queue.Len(), "queued before the remote answers")
	assert.True(t, h.pipeline.InFlight(r.LocalID))

	h.remote.Release()
	h.settle()

	got, err := h.pipeline.Records().Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.RemoteID("rec-1"), got.RemoteID)
	assert.Equal(t, 0, h.queue.Len())
}

func TestRegister_ValidationGap(t *testing.T) {
	h := newHarness(t)
	in := validInput()
	in.ClientName = " "
	in.ConsultantName = ""
	in.CreditValue = generic.ZeroMoney()
	in.UseDefaultRules = false

	_, err := h.pipeline.Register(context.Background(), in)

	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrValidationGap)
	var verr *settlement.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.ElementsMatch(t, []string{"client_name", "consultant_name", "credit_value", "custom_rules"}, verr.Missing)
	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, 0, h.pipeline.Records().Len())
}

func TestRegister_InitialFailureKeepsRecordAndQueuesAttemptZero(t *testing.T) {
	h := newHarness(t)
	h.remote.FailAlways(nil)

	r := h.register(t)
	h.settle()

	w, ok := h.queue.Get(r.LocalID)
	require.True(t, ok)
	assert.Equal(t, 0, w.AttemptCount)
	assert.Contains(t, w.LastError, "connection refused")
	assert.Empty(t, w.Payload.RemoteID, "payload carries no remote id")
	assert.Equal(t, r.LocalID, w.Payload.LocalID)

	got, err := h.pipeline.Records().Get(r.ID)
	require.NoError(t, err)
	assert.True(t, got.RemoteID.IsPlaceholder())
}

// =============================================================================
// RECOVERY
// =============================================================================

func TestRecover_FailTwiceThenSucceed(t *testing.T) {
	// GIVEN: A remote that fails the first two calls and succeeds the third
	// WHEN: One registration and two recovery passes
	// THEN: The record carries the store id and the outbox is empty

	h := newHarness(t)
	h.remote.FailNext(2, nil)
	ctx := context.Background()

	r := h.register(t)
	h.settle()

	report, err := h.pipeline.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	w, ok := h.queue.Get(r.LocalID)
	require.True(t, ok)
	assert.Equal(t, 1, w.AttemptCount)

	report, err = h.pipeline.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)

	got, err := h.pipeline.Records().Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.RemoteID("rec-1"), got.RemoteID)
	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, 3, h.remote.InsertCalls)
}

func TestRecover_AlwaysFailingCountsEachPass(t *testing.T) {
	h := newHarness(t)
	h.remote.FailAlways(nil)
	ctx := context.Background()

	r := h.register(t)
	h.settle()

	const passes = 4
	for i := 0; i < passes; i++ {
		_, err := h.pipeline.Recover(ctx)
		require.NoError(t, err)
	}

	w, ok := h.queue.Get(r.LocalID)
	require.True(t, ok)
	assert.Equal(t, passes, w.AttemptCount)
	require.NotNil(t, w.LastAttemptAt)

	got, err := h.pipeline.Records().Get(r.ID)
	require.NoError(t, err)
	assert.True(t, got.RemoteID.IsPlaceholder())
}

func TestRecover_SkipsInFlightInsert(t *testing.T) {
	h := newHarness(t)
	h.remote.Hold()

	r := h.register(t)
	report, err := h.pipeline.Recover(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Attempted)

	h.remote.Release()
	h.settle()
	got, _ := h.pipeline.Records().Get(r.ID)
	assert.False(t, got.RemoteID.IsPlaceholder())
	assert.Equal(t, 1, h.remote.InsertCalls)
}

func TestRecover_OverlappingPassShortCircuits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.queue.Enqueue(ctx, settlement.PendingWrite{
		LocalID:    "queued-1",
		Payload:    settlement.Record{ID: "sale-1", LocalID: "queued-1", CreditValue: generic.NewMoneyFromInt(10)},
		EnqueuedAt: h.clock.Now(),
	}))
	h.remote.Hold()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = h.pipeline.Recover(ctx)
	}()
	require.Eventually(t, func() bool { return h.pipeline.InFlight("queued-1") }, time.Second, 5*time.Millisecond)

	_, err := h.pipeline.Recover(ctx)
	assert.ErrorIs(t, err, generic.ErrRecoveryInProgress)

	h.remote.Release()
	wg.Wait()
	assert.Equal(t, 0, h.queue.Len())
	assert.True(t, h.pipeline.Records().HasLocal("queued-1"), "recovered entry is published")
}

// listHookQueue runs afterList once, right after the first ListPending
// returns, to land a change between a pass's listing and its retries.
type listHookQueue struct {
	*memory.Queue
	afterList func()
}

func (q *listHookQueue) ListPending(ctx context.Context) ([]settlement.PendingWrite, error) {
	pending, err := q.Queue.ListPending(ctx)
	if hook := q.afterList; hook != nil {
		q.afterList = nil
		hook()
	}
	return pending, err
}

func newHookedHarness(t *testing.T) (*harness, *listHookQueue) {
	t.Helper()
	h := newHarness(t)
	hooked := &listHookQueue{Queue: h.queue}
	h.pipeline = settlement.NewPipeline(h.remote, hooked, settlement.Options{
		WriteTimeout:    time.Second,
		RecoveryTimeout: 5 * time.Second,
		Clock:           h.clock,
		Logger:          log.New(io.Discard, "", 0),
	})
	t.Cleanup(h.pipeline.Close)
	return h, hooked
}

func TestRecover_DeleteAfterListingIsNotRevived(t *testing.T) {
	// GIVEN: A queued sale whose initial write failed
	// WHEN: The sale is deleted after the pass lists the outbox
	// THEN: The pass skips it, nothing is inserted and it stays deleted

	h, hooked := newHookedHarness(t)
	ctx := context.Background()
	h.remote.FailAlways(nil)
	r := h.register(t)
	h.settle()
	h.remote.Heal()

	hooked.afterList = func() {
		require.NoError(t, h.pipeline.Delete(ctx, r.ID))
	}
	report, err := h.pipeline.Recover(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Attempted)
	assert.False(t, h.pipeline.Records().HasLocal(r.LocalID))
	assert.Equal(t, 0, h.remote.Len())
	assert.Equal(t, 1, h.remote.InsertCalls, "only the failed initial write")
}

func TestRecover_EditAfterListingIsPersisted(t *testing.T) {
	h, hooked := newHookedHarness(t)
	ctx := context.Background()
	h.remote.FailAlways(nil)
	r := h.register(t)
	h.settle()
	h.remote.Heal()

	name := "Corrected Name"
	hooked.afterList = func() {
		_, err := h.pipeline.Correct(ctx, r.ID, settlement.Correction{ClientName: &name})
		require.NoError(t, err)
	}
	report, err := h.pipeline.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)

	got, err := h.pipeline.Records().Get(r.ID)
	require.NoError(t, err)
	require.True(t, got.IsPersisted())
	stored, ok := h.remote.Get(got.RemoteID)
	require.True(t, ok)
	assert.Equal(t, name, stored.ClientName)
	assert.Equal(t, name, got.ClientName)
}

func TestRecover_AfterStartDropsRemoteCopyOfVanishedSale(t *testing.T) {
	// GIVEN: A started session with an outbox entry that has no visible sale
	// WHEN: A pass persists the entry
	// THEN: The sale is not published and its remote copy is removed

	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.pipeline.Start(ctx))

	require.NoError(t, h.queue.Enqueue(ctx, settlement.PendingWrite{
		LocalID:    "orphan-1",
		Payload:    settlement.Record{ID: "sale-orphan", LocalID: "orphan-1", CreditValue: generic.NewMoneyFromInt(10)},
		EnqueuedAt: h.clock.Now(),
	}))
	report, err := h.pipeline.Recover(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)
	assert.False(t, h.pipeline.Records().HasLocal("orphan-1"))
	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, 0, h.remote.Len())
	assert.Equal(t, 1, h.remote.DeleteCalls)
}

// =============================================================================
// START
// =============================================================================

func TestStart_LoadsRemoteAndRepublishesOutbox(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	persisted := settlement.Record{
		ID:             "sale-old",
		RemoteID:       "rec-900",
		LocalID:        "local-old",
		ClientName:     "Carlos",
		SaleType:       settlement.SaleVeiculo,
		CreditValue:    generic.NewMoneyFromInt(50000),
		ConsultantName: "Ana",
		ManagerName:    "Bruno",
		Installments:   installment.NewLedger(),
		OverallStatus:  "stale value",
	}
	h.remote.Put(persisted)
	require.NoError(t, h.queue.Enqueue(ctx, settlement.PendingWrite{
		LocalID: "local-new",
		Payload: settlement.Record{
			ID:             "sale-new",
			LocalID:        "local-new",
			ClientName:     "Dora",
			SaleType:       settlement.SaleImovel,
			CreditValue:    generic.NewMoneyFromInt(100000),
			ConsultantName: "Ana",
			ManagerName:    "Bruno",
			Installments:   installment.NewLedger(),
		},
		EnqueuedAt: h.clock.Now(),
	}))

	require.NoError(t, h.pipeline.Start(ctx))

	assert.Equal(t, 2, h.pipeline.Records().Len())
	old, err := h.pipeline.Records().Get("sale-old")
	require.NoError(t, err)
	assert.Equal(t, installment.EmAndamento, old.OverallStatus, "derived on load")
	assert.Equal(t, "25001.00", old.Breakdown.Totals.Consultant.Display(), "breakdown derived on load")

	fresh, err := h.pipeline.Records().Get("sale-new")
	require.NoError(t, err)
	assert.True(t, fresh.IsPersisted(), "start runs a recovery pass")
	assert.Equal(t, 0, h.queue.Len())
}

func TestStart_RemoteDownStillPublishesOutbox(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.queue.Enqueue(ctx, settlement.PendingWrite{
		LocalID:    "local-1",
		Payload:    settlement.Record{ID: "sale-1", LocalID: "local-1", Installments: installment.NewLedger()},
		EnqueuedAt: h.clock.Now(),
	}))
	h.remote.FailAlways(nil)

	require.NoError(t, h.pipeline.Start(ctx))

	r, err := h.pipeline.Records().Get("sale-1")
	require.NoError(t, err)
	assert.Equal(t, generic.PlaceholderRemoteID("local-1"), r.RemoteID)
	w, _ := h.queue.Get("local-1")
	assert.Equal(t, 1, w.AttemptCount)
}

// =============================================================================
// UPDATES
// =============================================================================

func TestEndToEnd_RegisterThenPayFirstInstallment(t *testing.T) {
	// GIVEN: A 100,000 sale on default rules without angel
	// WHEN: Installment 1 is paid on March 25 (after the 19th cutoff)
	// THEN: Consultant totals 50,002, competence is May, sale still in progress

	h := newHarness(t)
	ctx := context.Background()

	r := h.register(t)
	assert.Equal(t, "50002.00", r.Breakdown.Totals.Consultant.Display())
	h.settle()

	updated, err := h.pipeline.SetInstallmentStatus(ctx, r.ID, 1, installment.Pago, paidOn(2025, time.March, 25))
	require.NoError(t, err)

	info, err := updated.Installments.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "2025-05", info.CompetenceMonth.String())
	assert.Equal(t, installment.EmAndamento, updated.OverallStatus)
	assert.Equal(t, 14, updated.Installments.Summary()[installment.Pendente])

	stored, ok := h.remote.Get(updated.RemoteID)
	require.True(t, ok)
	storedInfo, _ := stored.Installments.Get(1)
	assert.Equal(t, installment.Pago, storedInfo.Status)
}

func TestSetInstallmentStatus_AtrasoForcesOverall(t *testing.T) {
	h := newHarness(t)
	r := h.register(t)
	h.settle()

	updated, err := h.pipeline.SetInstallmentStatus(context.Background(), r.ID, 9, installment.Atraso, nil)

	require.NoError(t, err)
	assert.Equal(t, installment.OverallAtraso, updated.OverallStatus)
}

func TestSetInstallmentStatus_InvalidTransitionLeavesRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.register(t)
	h.settle()
	_, err := h.pipeline.SetInstallmentStatus(ctx, r.ID, 2, installment.Cancelado, nil)
	require.NoError(t, err)

	_, err = h.pipeline.SetInstallmentStatus(ctx, r.ID, 2, installment.Pago, nil)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)

	got, _ := h.pipeline.Records().Get(r.ID)
	info, _ := got.Installments.Get(2)
	assert.Equal(t, installment.Cancelado, info.Status)

	_, err = h.pipeline.SetInstallmentStatus(ctx, "missing", 1, installment.Pago, nil)
	assert.ErrorIs(t, err, generic.ErrSaleNotFound)
}

func TestOverride_AdministrativeReopen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.register(t)
	h.settle()
	_, err := h.pipeline.SetInstallmentStatus(ctx, r.ID, 3, installment.Pago, nil)
	require.NoError(t, err)

	updated, err := h.pipeline.Override(ctx, r.ID, 3, installment.Pendente, nil)
	require.NoError(t, err)

	info, _ := updated.Installments.Get(3)
	assert.Equal(t, installment.Pendente, info.Status)
	assert.Nil(t, info.PaidDate)
}

func TestUpdate_PendingSalePatchesQueuedPayload(t *testing.T) {
	h := newHarness(t)
	h.remote.FailAlways(nil)
	r := h.register(t)
	h.settle()

	_, err := h.pipeline.SetInstallmentStatus(context.Background(), r.ID, 1, installment.Pago, nil)
	require.NoError(t, err)

	w, ok := h.queue.Get(r.LocalID)
	require.True(t, ok)
	info, _ := w.Payload.Installments.Get(1)
	assert.Equal(t, installment.Pago, info.Status)
	assert.Equal(t, 0, h.remote.UpdateCalls)
}

func TestUpdate_RemoteFailureKeepsLocalChangeAndSyncRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.register(t)
	h.settle()
	h.remote.FailNext(1, nil)

	updated, err := h.pipeline.SetInstallmentStatus(ctx, r.ID, 1, installment.Pago, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrRemoteTransient)
	assert.NotEmpty(t, updated.SyncError)
	got, _ := h.pipeline.Records().Get(r.ID)
	info, _ := got.Installments.Get(1)
	assert.Equal(t, installment.Pago, info.Status, "local change kept")

	synced, err := h.pipeline.Sync(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, synced.SyncError)
	stored, ok := h.remote.Get(synced.RemoteID)
	require.True(t, ok)
	storedInfo, _ := stored.Installments.Get(1)
	assert.Equal(t, installment.Pago, storedInfo.Status)
}

func TestUpdate_DuringInFlightInsertIsPushedAfterwards(t *testing.T) {
	h := newHarness(t)
	h.remote.Hold()
	r := h.register(t)

	_, err := h.pipeline.SetInstallmentStatus(context.Background(), r.ID, 1, installment.Pago, nil)
	require.NoError(t, err)

	h.remote.Release()
	h.settle()

	stored, ok := h.remote.Get("rec-1")
	require.True(t, ok)
	info, _ := stored.Installments.Get(1)
	assert.Equal(t, installment.Pago, info.Status)
}

func TestCorrect_RecomputesBreakdown(t *testing.T) {
	h := newHarness(t)
	r := h.register(t)
	h.settle()

	credit := generic.NewMoneyFromInt(200000)
	angel := "Clara"
	updated, err := h.pipeline.Correct(context.Background(), r.ID, settlement.Correction{
		CreditValue: &credit,
		AngelName:   &angel,
	})

	require.NoError(t, err)
	assert.True(t, updated.HasAngel())
	assert.Equal(t, "100004.00", updated.Breakdown.Totals.Consultant.Display())
	assert.Equal(t, "5900.00", updated.Breakdown.Totals.Angel.Display())
}

func TestCorrect_CustomScheduleAndValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.register(t)
	h.settle()

	schedule := commission.CustomSchedule(commission.RateRule{
		StartInstallment: 1, EndInstallment: 15,
		ConsultantRate: generic.MustParseRate("1"),
		ManagerRate:    generic.ZeroRate(),
		AngelRate:      generic.ZeroRate(),
	})
	updated, err := h.pipeline.Correct(ctx, r.ID, settlement.Correction{Schedule: &schedule})
	require.NoError(t, err)
	assert.True(t, updated.Breakdown.Custom)
	assert.Equal(t, "15000.00", updated.Breakdown.Totals.Consultant.Display())

	empty := ""
	_, err = h.pipeline.Correct(ctx, r.ID, settlement.Correction{ClientName: &empty})
	assert.ErrorIs(t, err, generic.ErrValidationGap)
	got, _ := h.pipeline.Records().Get(r.ID)
	assert.Equal(t, "Maria Souza", got.ClientName)
}

// =============================================================================
// DELETE
// =============================================================================

func TestDelete_PendingSaleDropsOutboxEntry(t *testing.T) {
	h := newHarness(t)
	h.remote.FailAlways(nil)
	r := h.register(t)
	h.settle()

	require.NoError(t, h.pipeline.Delete(context.Background(), r.ID))

	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, 0, h.pipeline.Records().Len())
	assert.Equal(t, 0, h.remote.DeleteCalls)
}

func TestDelete_PersistedSaleFailureKeepsRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.register(t)
	h.settle()
	h.remote.FailNext(1, nil)

	err := h.pipeline.Delete(ctx, r.ID)
	assert.ErrorIs(t, err, generic.ErrRemoteTransient)
	assert.Equal(t, 1, h.pipeline.Records().Len())

	require.NoError(t, h.pipeline.Delete(ctx, r.ID))
	assert.Equal(t, 0, h.pipeline.Records().Len())
	assert.Equal(t, 0, h.remote.Len())
}

func TestDelete_DuringInFlightInsertRemovesRemoteCopy(t *testing.T) {
	h := newHarness(t)
	h.remote.Hold()
	r := h.register(t)

	require.NoError(t, h.pipeline.Delete(context.Background(), r.ID))
	h.remote.Release()
	h.settle()

	assert.Equal(t, 0, h.remote.Len())
	assert.Equal(t, 1, h.remote.DeleteCalls)
}

// =============================================================================
// COLLECTION
// =============================================================================

func TestCollection_ReadersGetCopies(t *testing.T) {
	h := newHarness(t)
	r := h.register(t)
	h.settle()

	got, _ := h.pipeline.Records().Get(r.ID)
	got.ClientName = "mutated"
	require.NoError(t, got.Installments.Override(1, installment.Pago, nil, h.pipeline.Resolver(), h.clock))

	again, _ := h.pipeline.Records().Get(r.ID)
	assert.Equal(t, "Maria Souza", again.ClientName)
	info, _ := again.Installments.Get(1)
	assert.Equal(t, installment.Pendente, info.Status)
}

func TestCollection_Summary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.register(t)
	h.settle()
	h.remote.FailAlways(nil)
	h.register(t)
	h.settle()
	h.remote.Heal()

	_, err := h.pipeline.SetInstallmentStatus(ctx, a.ID, 1, installment.Atraso, nil)
	require.NoError(t, err)

	s := h.pipeline.Records().Summary()
	assert.Equal(t, 2, s.Sales)
	assert.Equal(t, 1, s.ByStatus[installment.OverallAtraso])
	assert.Equal(t, 1, s.ByStatus[installment.EmAndamento])
	assert.Equal(t, 1, s.PendingSync)
	assert.Equal(t, "100004.00", s.Commission.Consultant.Display())
	assert.Equal(t, "200000.00", s.CreditTotal.Display())
}
