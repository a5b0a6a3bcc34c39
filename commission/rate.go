/*
Package commission computes tiered, role-split commission values for a sale.

PURPOSE:
  A sale pays three roles (consultant, manager, optional angel) a percentage
  of its credit value on each of its 15 monthly installments. The percentage
  depends on which installment range the payment falls in. This package owns
  the rate tables and the pure calculator that turns a credit value into a
  per-range breakdown with totals.

KEY CONCEPTS IN THIS FILE (rate.go):
  - RateRule:     One installment range with a rate per role
  - DefaultTable: The built-in three-tier table (1-10, 11-13, 15)
  - Schedule:     What a sale is paid by (defaults, or a custom rule list)
  - OverlapMode:  How overlapping custom rules combine

RATE UNITS:
  Rates are percentages of the credit value paid PER INSTALLMENT.
  A consultant rate of 1.288 on a 100,000 credit pays 1,288 per installment.

DEFAULT TABLE:
  range   consultant  manager(solo)  manager(w/ angel)  angel
  1-10    1.288       0.350          0.250              0.100
  11-13   2.374       0.500          0.350              0.150
  15      30.000      5.000          3.500              1.500

  Installment 14 belongs to no range: nobody is paid on it.

SEE ALSO:
  - calculator.go: Calculate
  - factory/config.go: Replacing the default table from a config file
*/
package commission

import (
	"fmt"

	"github.com/warp/settlement-engine/generic"
)

// =============================================================================
// ROLES
// =============================================================================

type Role string

const (
	RoleConsultant Role = "consultant"
	RoleManager    Role = "manager"
	RoleAngel      Role = "angel"
)

// =============================================================================
// RATE RULE - One installment range with per-role rates
// =============================================================================

// RateRule pays each role Rate% of the credit on every installment in
// [StartInstallment, EndInstallment].
type RateRule struct {
	StartInstallment int          `json:"start_installment"`
	EndInstallment   int          `json:"end_installment"`
	ConsultantRate   generic.Rate `json:"consultant_rate"`
	ManagerRate      generic.Rate `json:"manager_rate"`
	AngelRate        generic.Rate `json:"angel_rate"`
}

// Contains reports whether installment n is inside the rule's range.
func (r RateRule) Contains(n int) bool {
	return n >= r.StartInstallment && n <= r.EndInstallment
}

// Clipped returns the rule's range intersected with 1..InstallmentCount.
// ok is false when nothing remains.
func (r RateRule) Clipped() (Range, bool) {
	start, end := r.StartInstallment, r.EndInstallment
	if start < 1 {
		start = 1
	}
	if end > generic.InstallmentCount {
		end = generic.InstallmentCount
	}
	if start > end {
		return Range{}, false
	}
	return Range{Start: start, End: end}, true
}

// RateFor returns the rule's rate for a role.
func (r RateRule) RateFor(role Role) generic.Rate {
	switch role {
	case RoleConsultant:
		return r.ConsultantRate
	case RoleManager:
		return r.ManagerRate
	case RoleAngel:
		return r.AngelRate
	default:
		return generic.ZeroRate()
	}
}

// =============================================================================
// RANGE
// =============================================================================

type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r Range) Count() int { return r.End - r.Start + 1 }

func (r Range) String() string {
	if r.Start == r.End {
		return fmt.Sprintf("%d", r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// =============================================================================
// DEFAULT TABLE - Built-in tiers, manager rate depends on angel presence
// =============================================================================

// DefaultTier is one row of the default table.
type DefaultTier struct {
	Range            Range
	Consultant       generic.Rate
	ManagerSolo      generic.Rate
	ManagerWithAngel generic.Rate
	Angel            generic.Rate
}

// DefaultTable is the rule set used by sales without custom rules.
type DefaultTable struct {
	Tiers []DefaultTier
}

// BuiltinDefaults returns the standard three-tier table.
func BuiltinDefaults() DefaultTable {
	return DefaultTable{Tiers: []DefaultTier{
		{
			Range:            Range{Start: 1, End: 10},
			Consultant:       generic.MustParseRate("1.288"),
			ManagerSolo:      generic.MustParseRate("0.35"),
			ManagerWithAngel: generic.MustParseRate("0.25"),
			Angel:            generic.MustParseRate("0.10"),
		},
		{
			Range:            Range{Start: 11, End: 13},
			Consultant:       generic.MustParseRate("2.374"),
			ManagerSolo:      generic.MustParseRate("0.50"),
			ManagerWithAngel: generic.MustParseRate("0.35"),
			Angel:            generic.MustParseRate("0.15"),
		},
		{
			Range:            Range{Start: 15, End: 15},
			Consultant:       generic.MustParseRate("30"),
			ManagerSolo:      generic.MustParseRate("5"),
			ManagerWithAngel: generic.MustParseRate("3.5"),
			Angel:            generic.MustParseRate("1.5"),
		},
	}}
}

// Rules resolves the table into concrete rules for a sale.
// The angel rate is zero unless the sale has an angel.
func (t DefaultTable) Rules(hasAngel bool) []RateRule {
	rules := make([]RateRule, 0, len(t.Tiers))
	for _, tier := range t.Tiers {
		rule := RateRule{
			StartInstallment: tier.Range.Start,
			EndInstallment:   tier.Range.End,
			ConsultantRate:   tier.Consultant,
			ManagerRate:      tier.ManagerSolo,
			AngelRate:        generic.ZeroRate(),
		}
		if hasAngel {
			rule.ManagerRate = tier.ManagerWithAngel
			rule.AngelRate = tier.Angel
		}
		rules = append(rules, rule)
	}
	return rules
}

// Validate checks that default tiers are inside the schedule and disjoint.
func (t DefaultTable) Validate() error {
	owner := make(map[int]int)
	for i, tier := range t.Tiers {
		if tier.Range.Start < 1 || tier.Range.End > generic.InstallmentCount || tier.Range.Start > tier.Range.End {
			return fmt.Errorf("%w: default tier %d has range %s outside 1-%d",
				generic.ErrInvalidConfig, i, tier.Range, generic.InstallmentCount)
		}
		for n := tier.Range.Start; n <= tier.Range.End; n++ {
			if prev, taken := owner[n]; taken {
				return fmt.Errorf("%w: default tiers %d and %d both cover installment %d",
					generic.ErrInvalidConfig, prev, i, n)
			}
			owner[n] = i
		}
	}
	return nil
}

// =============================================================================
// SCHEDULE - Default rules or an explicit custom list
// =============================================================================

type OverlapMode string

const (
	// OverlapSum evaluates every custom rule independently; overlaps pay twice.
	OverlapSum OverlapMode = "sum"
	// OverlapFirstMatch pays each installment from the first rule containing it.
	OverlapFirstMatch OverlapMode = "first_match"
)

// Schedule selects the rules a sale is paid by. An empty Custom list means
// the default table applies.
type Schedule struct {
	Custom  []RateRule  `json:"custom_rules,omitempty"`
	Overlap OverlapMode `json:"overlap_mode,omitempty"`
}

// DefaultSchedule uses the default table.
func DefaultSchedule() Schedule { return Schedule{} }

// CustomSchedule uses rules in order, summing overlaps.
func CustomSchedule(rules ...RateRule) Schedule {
	return Schedule{Custom: rules, Overlap: OverlapSum}
}

// UsesDefaults reports whether the default table applies.
func (s Schedule) UsesDefaults() bool { return len(s.Custom) == 0 }

func (s Schedule) overlapMode() OverlapMode {
	if s.Overlap == "" {
		return OverlapSum
	}
	return s.Overlap
}
