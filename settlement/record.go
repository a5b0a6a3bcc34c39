/*
Package settlement owns the sale aggregate and its resilient write path.

PURPOSE:
  A SettlementRecord is one registered sale: who sold it, what it is worth,
  how commission is split, and where each of its 15 installments stands.
  The Pipeline makes registration local-first: a sale is visible the moment
  it is registered, persisted remotely in the background, and kept in a
  durable outbox until the remote store acknowledges it.

KEY CONCEPTS IN THIS FILE (record.go):
  - Record:        The sale aggregate (derived breakdown and overall status)
  - RegisterInput: What a caller provides to register a sale
  - Correction:    Pointer-field patch for corrective updates
  - ValidationError: Missing or malformed registration fields

INVARIANTS:
  - OverallStatus is always Installments.Overall(); it is never set directly
  - Breakdown is always the calculator's output for the current credit,
    angel presence and schedule
  - RemoteID is a "local_" placeholder until the remote store assigns one

SEE ALSO:
  - pipeline.go: Register and the update paths
  - recovery.go: Outbox retry passes
  - collection.go: The in-memory record set
*/
package settlement

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/settlement-engine/commission"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/installment"
)

// =============================================================================
// SALE TYPE
// =============================================================================

type SaleType string

const (
	SaleImovel  SaleType = "Imóvel"
	SaleVeiculo SaleType = "Veículo"
)

func (t SaleType) Valid() bool {
	return t == SaleImovel || t == SaleVeiculo
}

// =============================================================================
// RECORD
// =============================================================================

type Record struct {
	ID       generic.SaleID   `json:"id"`
	RemoteID generic.RemoteID `json:"remote_id,omitempty"`
	LocalID  generic.LocalID  `json:"local_id"`

	ClientName     string        `json:"client_name"`
	SaleType       SaleType      `json:"sale_type"`
	Group          string        `json:"group"`
	Quota          string        `json:"quota"`
	PV             string        `json:"pv"`
	CreditValue    generic.Money `json:"credit_value"`
	TaxRatePercent generic.Rate  `json:"tax_rate_percent"`

	ConsultantName string `json:"consultant_name"`
	ManagerName    string `json:"manager_name"`
	AngelName      string `json:"angel_name,omitempty"`

	Schedule      commission.Schedule       `json:"schedule"`
	Installments  installment.Ledger        `json:"installments"`
	OverallStatus installment.OverallStatus `json:"overall_status"`
	Breakdown     commission.Breakdown      `json:"breakdown"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// SyncError holds the last remote update failure for a persisted sale.
	// The local change is kept; Pipeline.Sync retries it.
	SyncError string `json:"sync_error,omitempty"`
}

// HasAngel reports whether the sale names an angel.
func (r Record) HasAngel() bool {
	return strings.TrimSpace(r.AngelName) != ""
}

// IsPersisted reports whether the remote store has acknowledged the sale.
func (r Record) IsPersisted() bool {
	return r.RemoteID != "" && !r.RemoteID.IsPlaceholder()
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	out.Installments = r.Installments.Clone()
	if r.Schedule.Custom != nil {
		out.Schedule.Custom = append([]commission.RateRule(nil), r.Schedule.Custom...)
	}
	if r.Breakdown.Rows != nil {
		out.Breakdown.Rows = append([]commission.Row(nil), r.Breakdown.Rows...)
	}
	return out
}

// Payload is the record as sent to the remote store: no RemoteID, no local
// sync bookkeeping.
func (r Record) Payload() Record {
	out := r.Clone()
	out.RemoteID = ""
	out.SyncError = ""
	return out
}

// refresh re-derives every computed field.
func (r *Record) refresh(calc *commission.Calculator) {
	r.Breakdown = calc.Calculate(r.CreditValue, r.HasAngel(), r.Schedule)
	r.OverallStatus = r.Installments.Overall()
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError lists the fields that block registration.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", generic.ErrValidationGap, strings.Join(e.Missing, ", "))
}

func (e *ValidationError) Unwrap() error { return generic.ErrValidationGap }

type validator struct {
	missing []string
}

func (v *validator) require(ok bool, field string) {
	if !ok {
		v.missing = append(v.missing, field)
	}
}

func (v *validator) err() error {
	if len(v.missing) == 0 {
		return nil
	}
	return &ValidationError{Missing: v.missing}
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func validateRules(v *validator, rules []commission.RateRule) {
	for i, rule := range rules {
		_, inside := rule.Clipped()
		v.require(rule.StartInstallment <= rule.EndInstallment && inside,
			fmt.Sprintf("custom_rules[%d].range", i))
	}
}

func (r Record) validate() error {
	var v validator
	v.require(!blank(r.ClientName), "client_name")
	v.require(r.SaleType.Valid(), "sale_type")
	v.require(!blank(r.ConsultantName), "consultant_name")
	v.require(!blank(r.ManagerName), "manager_name")
	v.require(r.CreditValue.IsPositive(), "credit_value")
	if mode := r.Schedule.Overlap; mode != "" {
		v.require(mode == commission.OverlapSum || mode == commission.OverlapFirstMatch, "overlap_mode")
	}
	validateRules(&v, r.Schedule.Custom)
	return v.err()
}

// =============================================================================
// REGISTER INPUT
// =============================================================================

// RegisterInput is what a caller supplies to register a sale. Either
// UseDefaultRules is set or CustomRules is non-empty.
type RegisterInput struct {
	ClientName     string
	SaleType       SaleType
	Group          string
	Quota          string
	PV             string
	CreditValue    generic.Money
	TaxRatePercent generic.Rate

	ConsultantName string
	ManagerName    string
	AngelName      string

	UseDefaultRules bool
	CustomRules     []commission.RateRule
	OverlapMode     commission.OverlapMode
}

// Validate checks required fields and returns a *ValidationError.
func (in RegisterInput) Validate() error {
	var v validator
	v.require(!blank(in.ClientName), "client_name")
	v.require(in.SaleType.Valid(), "sale_type")
	v.require(!blank(in.ConsultantName), "consultant_name")
	v.require(!blank(in.ManagerName), "manager_name")
	v.require(in.CreditValue.IsPositive(), "credit_value")
	v.require(in.UseDefaultRules || len(in.CustomRules) > 0, "custom_rules")
	if !in.UseDefaultRules {
		validateRules(&v, in.CustomRules)
		if in.OverlapMode != "" {
			v.require(in.OverlapMode == commission.OverlapSum || in.OverlapMode == commission.OverlapFirstMatch, "overlap_mode")
		}
	}
	return v.err()
}

func (in RegisterInput) schedule() commission.Schedule {
	if in.UseDefaultRules {
		return commission.DefaultSchedule()
	}
	return commission.Schedule{
		Custom:  append([]commission.RateRule(nil), in.CustomRules...),
		Overlap: in.OverlapMode,
	}
}

// =============================================================================
// CORRECTION - Pointer fields: nil means unchanged
// =============================================================================

type Correction struct {
	ClientName     *string
	SaleType       *SaleType
	Group          *string
	Quota          *string
	PV             *string
	CreditValue    *generic.Money
	TaxRatePercent *generic.Rate
	ConsultantName *string
	ManagerName    *string
	// AngelName set to "" removes the angel.
	AngelName *string
	// Schedule replaces the rules; an empty Custom list restores defaults.
	Schedule *commission.Schedule
}

// IsEmpty reports whether the correction changes nothing.
func (c Correction) IsEmpty() bool {
	return c.ClientName == nil && c.SaleType == nil && c.Group == nil && c.Quota == nil &&
		c.PV == nil && c.CreditValue == nil && c.TaxRatePercent == nil &&
		c.ConsultantName == nil && c.ManagerName == nil && c.AngelName == nil && c.Schedule == nil
}

func (c Correction) apply(r *Record) {
	if c.ClientName != nil {
		r.ClientName = *c.ClientName
	}
	if c.SaleType != nil {
		r.SaleType = *c.SaleType
	}
	if c.Group != nil {
		r.Group = *c.Group
	}
	if c.Quota != nil {
		r.Quota = *c.Quota
	}
	if c.PV != nil {
		r.PV = *c.PV
	}
	if c.CreditValue != nil {
		r.CreditValue = *c.CreditValue
	}
	if c.TaxRatePercent != nil {
		r.TaxRatePercent = *c.TaxRatePercent
	}
	if c.ConsultantName != nil {
		r.ConsultantName = *c.ConsultantName
	}
	if c.ManagerName != nil {
		r.ManagerName = *c.ManagerName
	}
	if c.AngelName != nil {
		r.AngelName = *c.AngelName
	}
	if c.Schedule != nil {
		r.Schedule = commission.Schedule{
			Custom:  append([]commission.RateRule(nil), c.Schedule.Custom...),
			Overlap: c.Schedule.Overlap,
		}
		if len(r.Schedule.Custom) == 0 {
			r.Schedule = commission.DefaultSchedule()
		}
	}
}
