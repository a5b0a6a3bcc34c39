package installment_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/competence"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/installment"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var calendar = competence.DefaultCalendar()

func clockAt(y int, m time.Month, d int) *generic.FixedClock {
	return generic.NewFixedClock(time.Date(y, m, d, 12, 0, 0, 0, time.UTC))
}

func datePtr(y int, m time.Month, d int) *generic.Date {
	date := generic.NewDate(y, m, d)
	return &date
}

func setAll(t *testing.T, l *installment.Ledger, status installment.Status) {
	t.Helper()
	clock := clockAt(2025, time.March, 10)
	for n := 1; n <= generic.InstallmentCount; n++ {
		require.NoError(t, l.Set(n, status, nil, calendar, clock))
	}
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func TestNewLedger_AllPendente(t *testing.T) {
	l := installment.NewLedger()

	assert.Len(t, l.All(), generic.InstallmentCount)
	assert.Equal(t, generic.InstallmentCount, l.Summary()[installment.Pendente])
	assert.Equal(t, installment.EmAndamento, l.Overall())
}

func TestSet_PagoStampsPaidDateAndCompetence(t *testing.T) {
	// GIVEN: A pending installment
	// WHEN: Marked Pago on March 20 (after the cutoff)
	// THEN: Paid date is stamped and competence is two months ahead

	l := installment.NewLedger()
	err := l.Set(1, installment.Pago, datePtr(2025, time.March, 20), calendar, clockAt(2025, time.April, 1))
	require.NoError(t, err)

	info, err := l.Get(1)
	require.NoError(t, err)
	assert.Equal(t, installment.Pago, info.Status)
	require.NotNil(t, info.PaidDate)
	assert.Equal(t, "2025-03-20", info.PaidDate.String())
	require.NotNil(t, info.CompetenceMonth)
	assert.Equal(t, "2025-05", info.CompetenceMonth.String())
}

func TestSet_PagoDefaultsToToday(t *testing.T) {
	l := installment.NewLedger()
	require.NoError(t, l.Set(2, installment.Pago, nil, calendar, clockAt(2025, time.March, 19)))

	info, _ := l.Get(2)
	assert.Equal(t, "2025-03-19", info.PaidDate.String())
	assert.Equal(t, "2025-04", info.CompetenceMonth.String())
}

func TestSet_ResettleRecomputesCompetence(t *testing.T) {
	l := installment.NewLedger()
	clock := clockAt(2025, time.March, 1)
	require.NoError(t, l.Set(3, installment.Pago, datePtr(2025, time.March, 5), calendar, clock))
	require.NoError(t, l.Set(3, installment.Pago, datePtr(2025, time.December, 25), calendar, clock))

	info, _ := l.Get(3)
	assert.Equal(t, "2025-12-25", info.PaidDate.String())
	assert.Equal(t, "2026-02", info.CompetenceMonth.String())
}

func TestSet_AllowedTransitions(t *testing.T) {
	clock := clockAt(2025, time.March, 10)

	tests := []struct {
		path []installment.Status
	}{
		{[]installment.Status{installment.Pago}},
		{[]installment.Status{installment.Atraso}},
		{[]installment.Status{installment.Cancelado}},
		{[]installment.Status{installment.Atraso, installment.Pago}},
		{[]installment.Status{installment.Atraso, installment.Cancelado}},
		{[]installment.Status{installment.Pendente, installment.Pendente}},
		{[]installment.Status{installment.Atraso, installment.Atraso}},
		{[]installment.Status{installment.Cancelado, installment.Cancelado}},
	}

	for _, tt := range tests {
		l := installment.NewLedger()
		for _, s := range tt.path {
			require.NoError(t, l.Set(1, s, nil, calendar, clock), "path %v", tt.path)
		}
		info, _ := l.Get(1)
		assert.Equal(t, tt.path[len(tt.path)-1], info.Status)
	}
}

func TestSet_RejectedTransitions(t *testing.T) {
	clock := clockAt(2025, time.March, 10)

	tests := []struct {
		from, to installment.Status
	}{
		{installment.Pago, installment.Pendente},
		{installment.Pago, installment.Atraso},
		{installment.Pago, installment.Cancelado},
		{installment.Cancelado, installment.Pendente},
		{installment.Cancelado, installment.Pago},
		{installment.Atraso, installment.Pendente},
		{installment.Pendente, installment.Status("Perdido")},
	}

	for _, tt := range tests {
		l := installment.NewLedger()
		if tt.from != installment.Pendente {
			require.NoError(t, l.Set(4, tt.from, nil, calendar, clock))
		}
		before, _ := l.Get(4)

		err := l.Set(4, tt.to, nil, calendar, clock)

		require.Error(t, err, "%s -> %s", tt.from, tt.to)
		assert.ErrorIs(t, err, generic.ErrInvalidTransition)
		var te *installment.TransitionError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, 4, te.Installment)
		after, _ := l.Get(4)
		assert.Equal(t, before, after, "rejected transition must not change state")
	}
}

func TestSet_OutOfRange(t *testing.T) {
	l := installment.NewLedger()
	clock := clockAt(2025, time.March, 10)

	assert.ErrorIs(t, l.Set(0, installment.Pago, nil, calendar, clock), generic.ErrInstallmentOutOfRange)
	assert.ErrorIs(t, l.Set(16, installment.Pago, nil, calendar, clock), generic.ErrInstallmentOutOfRange)
	_, err := l.Get(16)
	assert.ErrorIs(t, err, generic.ErrInstallmentOutOfRange)
}

func TestOverride_AllowsAnyTransitionAndClearsStamps(t *testing.T) {
	l := installment.NewLedger()
	clock := clockAt(2025, time.March, 10)
	require.NoError(t, l.Set(5, installment.Pago, nil, calendar, clock))

	require.NoError(t, l.Override(5, installment.Pendente, nil, calendar, clock))

	info, _ := l.Get(5)
	assert.Equal(t, installment.Pendente, info.Status)
	assert.Nil(t, info.PaidDate)
	assert.Nil(t, info.CompetenceMonth)

	require.NoError(t, l.Set(6, installment.Cancelado, nil, calendar, clock))
	require.NoError(t, l.Override(6, installment.Pago, datePtr(2025, time.June, 18), calendar, clock))
	info, _ = l.Get(6)
	assert.Equal(t, "2025-08", info.CompetenceMonth.String())
}

func TestLedger_CloneIsIndependent(t *testing.T) {
	l := installment.NewLedger()
	clock := clockAt(2025, time.March, 10)
	require.NoError(t, l.Set(1, installment.Pago, nil, calendar, clock))

	copied := l.Clone()
	require.NoError(t, copied.Override(1, installment.Pendente, nil, calendar, clock))

	info, _ := l.Get(1)
	assert.Equal(t, installment.Pago, info.Status)
}

// =============================================================================
// OVERALL STATUS
// =============================================================================

func TestOverall_Precedence(t *testing.T) {
	clock := clockAt(2025, time.March, 10)

	t.Run("all pago is concluido", func(t *testing.T) {
		l := installment.NewLedger()
		setAll(t, &l, installment.Pago)
		assert.Equal(t, installment.Concluido, l.Overall())
	})

	t.Run("all cancelado is cancelado", func(t *testing.T) {
		l := installment.NewLedger()
		setAll(t, &l, installment.Cancelado)
		assert.Equal(t, installment.OverallCancelado, l.Overall())
	})

	t.Run("any atraso wins", func(t *testing.T) {
		l := installment.NewLedger()
		setAll(t, &l, installment.Pago)
		require.NoError(t, l.Override(15, installment.Atraso, nil, calendar, clock))
		assert.Equal(t, installment.OverallAtraso, l.Overall())
	})

	t.Run("pago and cancelado mix is in progress", func(t *testing.T) {
		l := installment.NewLedger()
		setAll(t, &l, installment.Pago)
		require.NoError(t, l.Override(15, installment.Cancelado, nil, calendar, clock))
		assert.Equal(t, installment.EmAndamento, l.Overall())
	})

	t.Run("partially paid is in progress", func(t *testing.T) {
		l := installment.NewLedger()
		require.NoError(t, l.Set(1, installment.Pago, nil, calendar, clock))
		assert.Equal(t, installment.EmAndamento, l.Overall())
	})
}

// =============================================================================
// JSON AND LEGACY NORMALIZATION
// =============================================================================

func TestLedger_JSONRoundTripKeepsStamps(t *testing.T) {
	l := installment.NewLedger()
	require.NoError(t, l.Set(7, installment.Pago, datePtr(2025, time.March, 20), calendar, clockAt(2025, time.March, 21)))

	data, err := json.Marshal(l)
	require.NoError(t, err)

	var decoded installment.Ledger
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, l, decoded)
}

func TestNormalize_LegacyBareStrings(t *testing.T) {
	tests := []struct {
		raw  string
		want installment.Status
	}{
		{`"Pago"`, installment.Pago},
		{`"pago"`, installment.Pago},
		{`"Cancelada"`, installment.Cancelado},
		{`"Atrasado"`, installment.Atraso},
		{`"Pendente"`, installment.Pendente},
		{`null`, installment.Pendente},
		{`{"status":"pago","paid_date":"2025-03-01","competence_month":"2025-04"}`, installment.Pago},
	}

	for _, tt := range tests {
		info, err := installment.Normalize(json.RawMessage(tt.raw))
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, info.Status, tt.raw)
	}
}

func TestNormalize_StampsOnlyOnPago(t *testing.T) {
	info, err := installment.Normalize(json.RawMessage(`{"status":"Cancelado","paid_date":"2025-03-01"}`))
	require.NoError(t, err)
	assert.Nil(t, info.PaidDate)
}

func TestNormalize_UnknownStringFails(t *testing.T) {
	_, err := installment.Normalize(json.RawMessage(`"Perdido"`))
	assert.Error(t, err)

	_, err = installment.NormalizeLedger([]byte(`{"1":"Pago","2":"quem sabe"}`))
	assert.Error(t, err)
}

func TestNormalizeLedger_MixedLegacyDocument(t *testing.T) {
	l, err := installment.NormalizeLedger([]byte(`{"1":"Pago","2":{"status":"Atraso"},"3":"Cancelada"}`))
	require.NoError(t, err)

	counts := l.Summary()
	assert.Equal(t, 1, counts[installment.Pago])
	assert.Equal(t, 1, counts[installment.Atraso])
	assert.Equal(t, 1, counts[installment.Cancelado])
	assert.Equal(t, 12, counts[installment.Pendente])
	assert.Equal(t, installment.OverallAtraso, l.Overall())

	_, err = installment.NormalizeLedger([]byte(`{"16":"Pago"}`))
	assert.ErrorIs(t, err, generic.ErrInstallmentOutOfRange)
}
