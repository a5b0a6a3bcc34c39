package commission

import (
	"github.com/warp/settlement-engine/generic"
)

// =============================================================================
// BREAKDOWN - Calculator output
// =============================================================================

// RoleValue is one role's rate and the amount it earns per installment in a row.
type RoleValue struct {
	Rate           generic.Rate  `json:"rate"`
	PerInstallment generic.Money `json:"per_installment"`
}

// Subtotal is the role's earnings across all installments of the row.
func (v RoleValue) Subtotal(count int) generic.Money {
	return v.PerInstallment.MulInt(count)
}

// Row is one contiguous installment range evaluated against one rule.
type Row struct {
	Range      Range     `json:"range"`
	Consultant RoleValue `json:"consultant"`
	Manager    RoleValue `json:"manager"`
	Angel      RoleValue `json:"angel"`
}

// InstallmentCount is the number of installments the row pays.
func (r Row) InstallmentCount() int { return r.Range.Count() }

// Value returns the row's value for a role.
func (r Row) Value(role Role) RoleValue {
	switch role {
	case RoleConsultant:
		return r.Consultant
	case RoleManager:
		return r.Manager
	default:
		return r.Angel
	}
}

// Totals holds one amount per role.
type Totals struct {
	Consultant generic.Money `json:"consultant"`
	Manager    generic.Money `json:"manager"`
	Angel      generic.Money `json:"angel"`
}

func zeroTotals() Totals {
	return Totals{Consultant: generic.ZeroMoney(), Manager: generic.ZeroMoney(), Angel: generic.ZeroMoney()}
}

// Sum returns consultant + manager + angel.
func (t Totals) Sum() generic.Money {
	return t.Consultant.Add(t.Manager).Add(t.Angel)
}

func (t Totals) add(o Totals) Totals {
	return Totals{
		Consultant: t.Consultant.Add(o.Consultant),
		Manager:    t.Manager.Add(o.Manager),
		Angel:      t.Angel.Add(o.Angel),
	}
}

// Breakdown is the full commission picture for one sale.
type Breakdown struct {
	CreditValue generic.Money `json:"credit_value"`
	HasAngel    bool          `json:"has_angel"`
	Custom      bool          `json:"custom"`
	Rows        []Row         `json:"rows"`
	Totals      Totals        `json:"totals"`
	GrandTotal  generic.Money `json:"grand_total"`
	// Validated is false when the credit value was not positive and
	// every amount was forced to zero.
	Validated bool `json:"validated"`
}

// PerInstallment returns what each role earns on installment n, summing
// every row that covers it. Uncovered installments pay zero.
func (b Breakdown) PerInstallment(n int) Totals {
	out := zeroTotals()
	for _, row := range b.Rows {
		if n < row.Range.Start || n > row.Range.End {
			continue
		}
		out = out.add(Totals{
			Consultant: row.Consultant.PerInstallment,
			Manager:    row.Manager.PerInstallment,
			Angel:      row.Angel.PerInstallment,
		})
	}
	return out
}

// Schedule returns PerInstallment for every installment, index 0 being installment 1.
func (b Breakdown) Schedule() []Totals {
	out := make([]Totals, generic.InstallmentCount)
	for n := 1; n <= generic.InstallmentCount; n++ {
		out[n-1] = b.PerInstallment(n)
	}
	return out
}

// =============================================================================
// CALCULATOR
// =============================================================================

// Calculator evaluates schedules against a default table.
type Calculator struct {
	Defaults DefaultTable
}

// NewCalculator returns a calculator using the given default table.
func NewCalculator(defaults DefaultTable) *Calculator {
	return &Calculator{Defaults: defaults}
}

// Calculate evaluates a schedule with the builtin default table.
func Calculate(credit generic.Money, hasAngel bool, schedule Schedule) Breakdown {
	return Calculator{Defaults: BuiltinDefaults()}.Calculate(credit, hasAngel, schedule)
}

// Calculate is pure: identical inputs always yield identical breakdowns.
//
// A non-positive credit yields rows with their rates but zero amounts,
// zero totals, and Validated=false.
func (c Calculator) Calculate(credit generic.Money, hasAngel bool, schedule Schedule) Breakdown {
	b := Breakdown{
		CreditValue: credit,
		HasAngel:    hasAngel,
		Custom:      !schedule.UsesDefaults(),
		Totals:      zeroTotals(),
		GrandTotal:  generic.ZeroMoney(),
		Validated:   credit.IsPositive(),
	}

	var segments []segment
	if schedule.UsesDefaults() {
		segments = sumSegments(c.Defaults.Rules(hasAngel))
	} else if schedule.overlapMode() == OverlapFirstMatch {
		segments = firstMatchSegments(schedule.Custom)
	} else {
		segments = sumSegments(schedule.Custom)
	}

	b.Rows = make([]Row, 0, len(segments))
	for _, seg := range segments {
		row := Row{
			Range:      seg.rng,
			Consultant: c.value(credit, seg.rule.ConsultantRate, b.Validated),
			Manager:    c.value(credit, seg.rule.ManagerRate, b.Validated),
			Angel:      c.value(credit, seg.rule.AngelRate, b.Validated),
		}
		count := row.InstallmentCount()
		b.Totals = b.Totals.add(Totals{
			Consultant: row.Consultant.Subtotal(count),
			Manager:    row.Manager.Subtotal(count),
			Angel:      row.Angel.Subtotal(count),
		})
		b.Rows = append(b.Rows, row)
	}
	b.GrandTotal = b.Totals.Sum()
	return b
}

func (c Calculator) value(credit generic.Money, rate generic.Rate, valid bool) RoleValue {
	if !valid {
		return RoleValue{Rate: rate, PerInstallment: generic.ZeroMoney()}
	}
	return RoleValue{Rate: rate, PerInstallment: credit.Percent(rate)}
}

// =============================================================================
// SEGMENTATION - Rules to contiguous rows
// =============================================================================

type segment struct {
	rng  Range
	rule RateRule
}

// sumSegments keeps one row per rule, clipped to the schedule.
func sumSegments(rules []RateRule) []segment {
	out := make([]segment, 0, len(rules))
	for _, rule := range rules {
		if rng, ok := rule.Clipped(); ok {
			out = append(out, segment{rng: rng, rule: rule})
		}
	}
	return out
}

// firstMatchSegments gives each installment to the first rule containing it.
// A later rule that loses part of its range to an earlier one may split
// into several contiguous rows.
func firstMatchSegments(rules []RateRule) []segment {
	owner := make([]int, generic.InstallmentCount+1)
	for n := range owner {
		owner[n] = -1
	}
	for i, rule := range rules {
		for n := 1; n <= generic.InstallmentCount; n++ {
			if owner[n] == -1 && rule.Contains(n) {
				owner[n] = i
			}
		}
	}

	var out []segment
	for i, rule := range rules {
		start := 0
		for n := 1; n <= generic.InstallmentCount+1; n++ {
			owned := n <= generic.InstallmentCount && owner[n] == i
			switch {
			case owned && start == 0:
				start = n
			case !owned && start != 0:
				out = append(out, segment{rng: Range{Start: start, End: n - 1}, rule: rule})
				start = 0
			}
		}
	}
	return out
}
