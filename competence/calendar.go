/*
Package competence resolves the accounting month a payment belongs to.

PURPOSE:
  A commission paid on a given date is booked against a competence month
  that depends on the payment day and a cutoff calendar. Payments on or
  before the month's cutoff day fall into the next month; later payments
  fall two months ahead.

RESOLUTION ORDER:
  1. An explicit CutoffPeriod containing the date wins.
  2. Otherwise the calendar month's cutoff day decides:
       day <= cutoff  ->  month + 1
       day >  cutoff  ->  month + 2
     Year rollover applies (a late December payment resolves to February).

DEFAULT CUTOFFS:
  Every month cuts off on the 19th, except February (18th) and June (17th).

IMMUTABILITY:
  A Calendar is built once by NewCalendar and never mutated. Resolve is a
  pure function of (date, calendar).

SEE ALSO:
  - installment/ledger.go: Stamps competence when an installment is paid
  - factory/config.go: Calendar loaded from configuration
*/
package competence

import (
	"fmt"
	"sort"
	"time"

	"github.com/warp/settlement-engine/generic"
)

// DefaultCutoffDay applies to every month without an exception.
const DefaultCutoffDay = 19

// =============================================================================
// CUTOFF PERIOD - Explicit override
// =============================================================================

// CutoffPeriod maps every payment inside [Start, End] to CompetenceMonth.
type CutoffPeriod struct {
	Start           generic.Date      `json:"start"`
	End             generic.Date      `json:"end"`
	CompetenceMonth generic.YearMonth `json:"competence_month"`
}

func (p CutoffPeriod) period() generic.Period {
	return generic.Period{Start: p.Start, End: p.End}
}

// =============================================================================
// MONTHLY CUTOFF DAYS
// =============================================================================

// MonthlyCutoffDays holds per-month exceptions to DefaultCutoffDay.
type MonthlyCutoffDays map[time.Month]int

// DefaultMonthlyCutoffDays returns the standard exceptions.
func DefaultMonthlyCutoffDays() MonthlyCutoffDays {
	return MonthlyCutoffDays{
		time.February: 18,
		time.June:     17,
	}
}

// Day returns the cutoff day for a month.
func (m MonthlyCutoffDays) Day(month time.Month) int {
	if d, ok := m[month]; ok {
		return d
	}
	return DefaultCutoffDay
}

// =============================================================================
// CALENDAR
// =============================================================================

// Calendar is the immutable competence configuration.
type Calendar struct {
	periods []CutoffPeriod
	cutoffs MonthlyCutoffDays
}

// NewCalendar validates and freezes a calendar. Periods are checked sorted
// by start; any two sharing a day return ErrOverlappingPeriods. A nil
// cutoffs map means the default exceptions.
func NewCalendar(periods []CutoffPeriod, cutoffs MonthlyCutoffDays) (*Calendar, error) {
	sorted := make([]CutoffPeriod, len(periods))
	copy(sorted, periods)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	for i, p := range sorted {
		if err := p.period().Validate(); err != nil {
			return nil, fmt.Errorf("cutoff period %s: %w", p.period(), err)
		}
		if p.CompetenceMonth.IsZero() {
			return nil, fmt.Errorf("%w: cutoff period %s has no competence month",
				generic.ErrInvalidConfig, p.period())
		}
		if i > 0 && sorted[i-1].period().Overlaps(p.period()) {
			return nil, fmt.Errorf("%w: %s and %s",
				generic.ErrOverlappingPeriods, sorted[i-1].period(), p.period())
		}
	}

	frozen := make(MonthlyCutoffDays)
	if cutoffs == nil {
		cutoffs = DefaultMonthlyCutoffDays()
	}
	for month, day := range cutoffs {
		if month < time.January || month > time.December || day < 1 || day > 31 {
			return nil, fmt.Errorf("%w: cutoff day %d for month %d",
				generic.ErrInvalidConfig, day, month)
		}
		frozen[month] = day
	}

	return &Calendar{periods: sorted, cutoffs: frozen}, nil
}

// DefaultCalendar has no explicit periods and the default cutoff days.
func DefaultCalendar() *Calendar {
	cal, _ := NewCalendar(nil, nil)
	return cal
}

// Periods returns a copy of the explicit periods, sorted by start.
func (c *Calendar) Periods() []CutoffPeriod {
	out := make([]CutoffPeriod, len(c.periods))
	copy(out, c.periods)
	return out
}

// CutoffDay returns the cutoff day for a month.
func (c *Calendar) CutoffDay(month time.Month) int {
	return c.cutoffs.Day(month)
}

// =============================================================================
// RESOLVER
// =============================================================================

// Resolver maps paid dates to competence months.
type Resolver interface {
	Resolve(paid generic.Date) generic.YearMonth
}

// Resolve returns the competence month for a payment date.
func (c *Calendar) Resolve(paid generic.Date) generic.YearMonth {
	// Periods are sorted and disjoint; the first hit is the only hit.
	for _, p := range c.periods {
		if p.period().Contains(paid) {
			return p.CompetenceMonth
		}
		if paid.Before(p.Start) {
			break
		}
	}

	base := paid.YearMonth()
	if paid.Day() <= c.cutoffs.Day(paid.Month()) {
		return base.AddMonths(1)
	}
	return base.AddMonths(2)
}

var _ Resolver = (*Calendar)(nil)
