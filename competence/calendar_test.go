package competence_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/competence"
	"github.com/warp/settlement-engine/generic"
)

func date(y int, m time.Month, d int) generic.Date { return generic.NewDate(y, m, d) }

func TestResolve_CutoffDay(t *testing.T) {
	cal := competence.DefaultCalendar()

	tests := []struct {
		name string
		paid generic.Date
		want string
	}{
		{"on cutoff", date(2025, time.March, 19), "2025-04"},
		{"day after cutoff", date(2025, time.March, 20), "2025-05"},
		{"first of month", date(2025, time.March, 1), "2025-04"},
		{"february cutoff is 18", date(2025, time.February, 18), "2025-03"},
		{"february 19 is late", date(2025, time.February, 19), "2025-04"},
		{"june cutoff is 17", date(2025, time.June, 17), "2025-07"},
		{"june 18 is late", date(2025, time.June, 18), "2025-08"},
		{"december late rolls year", date(2025, time.December, 20), "2026-02"},
		{"december early rolls year", date(2025, time.December, 5), "2026-01"},
		{"november late rolls year", date(2025, time.November, 30), "2026-01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cal.Resolve(tt.paid).String())
		})
	}
}

func TestResolve_IsPure(t *testing.T) {
	cal := competence.DefaultCalendar()
	paid := date(2025, time.August, 25)
	assert.Equal(t, cal.Resolve(paid), cal.Resolve(paid))
}

func TestResolve_ExplicitPeriodWins(t *testing.T) {
	// GIVEN: A holiday period that books late-December payments into January
	// WHEN: Resolving a date inside and outside it
	// THEN: The period overrides the cutoff rule only inside its range

	cal, err := competence.NewCalendar([]competence.CutoffPeriod{{
		Start:           date(2025, time.December, 15),
		End:             date(2025, time.December, 31),
		CompetenceMonth: generic.NewYearMonth(2026, time.January),
	}}, nil)
	require.NoError(t, err)

	assert.Equal(t, "2026-01", cal.Resolve(date(2025, time.December, 20)).String())
	assert.Equal(t, "2026-01", cal.Resolve(date(2025, time.December, 31)).String())
	assert.Equal(t, "2026-01", cal.Resolve(date(2025, time.December, 14)).String())
	assert.Equal(t, "2026-03", cal.Resolve(date(2026, time.January, 20)).String())
}

func TestNewCalendar_RejectsOverlap(t *testing.T) {
	// Given out of order on purpose; overlap is found after sorting by start
	_, err := competence.NewCalendar([]competence.CutoffPeriod{
		{Start: date(2025, time.March, 10), End: date(2025, time.March, 31), CompetenceMonth: generic.NewYearMonth(2025, time.April)},
		{Start: date(2025, time.March, 1), End: date(2025, time.March, 10), CompetenceMonth: generic.NewYearMonth(2025, time.April)},
	}, nil)
	assert.ErrorIs(t, err, generic.ErrOverlappingPeriods)
}

func TestNewCalendar_RejectsMalformedPeriods(t *testing.T) {
	_, err := competence.NewCalendar([]competence.CutoffPeriod{
		{Start: date(2025, time.March, 10), End: date(2025, time.March, 1), CompetenceMonth: generic.NewYearMonth(2025, time.April)},
	}, nil)
	assert.ErrorIs(t, err, generic.ErrInvalidPeriod)

	_, err = competence.NewCalendar([]competence.CutoffPeriod{
		{Start: date(2025, time.March, 1), End: date(2025, time.March, 10)},
	}, nil)
	assert.ErrorIs(t, err, generic.ErrInvalidConfig)
}

func TestNewCalendar_CustomCutoffs(t *testing.T) {
	cal, err := competence.NewCalendar(nil, competence.MonthlyCutoffDays{time.March: 10})
	require.NoError(t, err)

	assert.Equal(t, 10, cal.CutoffDay(time.March))
	assert.Equal(t, competence.DefaultCutoffDay, cal.CutoffDay(time.February))
	assert.Equal(t, "2025-05", cal.Resolve(date(2025, time.March, 11)).String())

	_, err = competence.NewCalendar(nil, competence.MonthlyCutoffDays{time.March: 0})
	assert.ErrorIs(t, err, generic.ErrInvalidConfig)
}

func TestCalendar_PeriodsAreCopied(t *testing.T) {
	cal, err := competence.NewCalendar([]competence.CutoffPeriod{
		{Start: date(2025, time.March, 1), End: date(2025, time.March, 5), CompetenceMonth: generic.NewYearMonth(2025, time.April)},
	}, nil)
	require.NoError(t, err)

	periods := cal.Periods()
	periods[0].CompetenceMonth = generic.NewYearMonth(2030, time.January)

	assert.Equal(t, "2025-04", cal.Resolve(date(2025, time.March, 3)).String())
}
