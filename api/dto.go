/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the settlement model from the external API contract: money is rendered
  as fixed two-decimal strings, installments as an ordered list.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Sales:
    SaleDTO, InstallmentDTO, RegisterSaleRequest, CorrectSaleRequest,
    SetInstallmentRequest

  Commission:
    BreakdownDTO, BreakdownRowDTO, RoleValueDTO, TotalsDTO, PreviewRequest

  Competence:
    CompetenceDTO

  Outbox:
    OutboxEntryDTO, RecoveryReportDTO

  Dashboard:
    DashboardDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by the settlement package, not in DTOs. DTOs are
  pure data carriers plus conversion helpers.

SEE ALSO:
  - handlers.go: Uses these types
  - settlement/record.go: RegisterInput and Correction
*/
package api

import (
	"time"

	"github.com/warp/settlement-engine/commission"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// SALES
// =============================================================================

// RegisterSaleRequest is the body of POST /api/sales.
type RegisterSaleRequest struct {
	ClientName      string                 `json:"client_name"`
	SaleType        string                 `json:"sale_type"`
	Group           string                 `json:"group,omitempty"`
	Quota           string                 `json:"quota,omitempty"`
	PV              string                 `json:"pv,omitempty"`
	CreditValue     generic.Money          `json:"credit_value"`
	TaxRatePercent  generic.Rate           `json:"tax_rate_percent"`
	ConsultantName  string                 `json:"consultant_name"`
	ManagerName     string                 `json:"manager_name"`
	AngelName       string                 `json:"angel_name,omitempty"`
	UseDefaultRules bool                   `json:"use_default_rules"`
	CustomRules     []commission.RateRule  `json:"custom_rules,omitempty"`
	OverlapMode     commission.OverlapMode `json:"overlap_mode,omitempty"`
}

func (req RegisterSaleRequest) toInput() settlement.RegisterInput {
	return settlement.RegisterInput{
		ClientName:      req.ClientName,
		SaleType:        settlement.SaleType(req.SaleType),
		Group:           req.Group,
		Quota:           req.Quota,
		PV:              req.PV,
		CreditValue:     req.CreditValue,
		TaxRatePercent:  req.TaxRatePercent,
		ConsultantName:  req.ConsultantName,
		ManagerName:     req.ManagerName,
		AngelName:       req.AngelName,
		UseDefaultRules: req.UseDefaultRules,
		CustomRules:     req.CustomRules,
		OverlapMode:     req.OverlapMode,
	}
}

// ScheduleRequest replaces a sale's rate rules. use_default_rules wins.
type ScheduleRequest struct {
	UseDefaultRules bool                   `json:"use_default_rules"`
	CustomRules     []commission.RateRule  `json:"custom_rules,omitempty"`
	OverlapMode     commission.OverlapMode `json:"overlap_mode,omitempty"`
}

// CorrectSaleRequest is the body of PATCH /api/sales/{id}. Omitted fields
// are unchanged; angel_name "" removes the angel.
type CorrectSaleRequest struct {
	ClientName     *string          `json:"client_name,omitempty"`
	SaleType       *string          `json:"sale_type,omitempty"`
	Group          *string          `json:"group,omitempty"`
	Quota          *string          `json:"quota,omitempty"`
	PV             *string          `json:"pv,omitempty"`
	CreditValue    *generic.Money   `json:"credit_value,omitempty"`
	TaxRatePercent *generic.Rate    `json:"tax_rate_percent,omitempty"`
	ConsultantName *string          `json:"consultant_name,omitempty"`
	ManagerName    *string          `json:"manager_name,omitempty"`
	AngelName      *string          `json:"angel_name,omitempty"`
	Schedule       *ScheduleRequest `json:"schedule,omitempty"`
}

func (req CorrectSaleRequest) toCorrection() settlement.Correction {
	c := settlement.Correction{
		ClientName:     req.ClientName,
		Group:          req.Group,
		Quota:          req.Quota,
		PV:             req.PV,
		CreditValue:    req.CreditValue,
		TaxRatePercent: req.TaxRatePercent,
		ConsultantName: req.ConsultantName,
		ManagerName:    req.ManagerName,
		AngelName:      req.AngelName,
	}
	if req.SaleType != nil {
		t := settlement.SaleType(*req.SaleType)
		c.SaleType = &t
	}
	if req.Schedule != nil {
		s := commission.DefaultSchedule()
		if !req.Schedule.UseDefaultRules {
			s = commission.Schedule{Custom: req.Schedule.CustomRules, Overlap: req.Schedule.OverlapMode}
		}
		c.Schedule = &s
	}
	return c
}

// SetInstallmentRequest is the body of PUT /api/sales/{id}/installments/{n}.
type SetInstallmentRequest struct {
	Status   string        `json:"status"`
	PaidDate *generic.Date `json:"paid_date,omitempty"`
}

// SaleDTO represents a sale in API responses.
type SaleDTO struct {
	ID             string           `json:"id"`
	RemoteID       string           `json:"remote_id"`
	LocalID        string           `json:"local_id"`
	Persisted      bool             `json:"persisted"`
	ClientName     string           `json:"client_name"`
	SaleType       string           `json:"sale_type"`
	Group          string           `json:"group"`
	Quota          string           `json:"quota"`
	PV             string           `json:"pv"`
	CreditValue    string           `json:"credit_value"`
	TaxRatePercent string           `json:"tax_rate_percent"`
	ConsultantName string           `json:"consultant_name"`
	ManagerName    string           `json:"manager_name"`
	AngelName      string           `json:"angel_name,omitempty"`
	CustomRules    bool             `json:"custom_rules"`
	OverallStatus  string           `json:"overall_status"`
	Installments   []InstallmentDTO `json:"installments"`
	Breakdown      BreakdownDTO     `json:"breakdown"`
	SyncError      string           `json:"sync_error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// InstallmentDTO is one schedule position with what it pays.
type InstallmentDTO struct {
	Number          int       `json:"number"`
	Status          string    `json:"status"`
	PaidDate        string    `json:"paid_date,omitempty"`
	CompetenceMonth string    `json:"competence_month,omitempty"`
	Payout          TotalsDTO `json:"payout"`
}

func toSaleDTO(r settlement.Record) SaleDTO {
	dto := SaleDTO{
		ID:             string(r.ID),
		RemoteID:       string(r.RemoteID),
		LocalID:        string(r.LocalID),
		Persisted:      r.IsPersisted(),
		ClientName:     r.ClientName,
		SaleType:       string(r.SaleType),
		Group:          r.Group,
		Quota:          r.Quota,
		PV:             r.PV,
		CreditValue:    r.CreditValue.Display(),
		TaxRatePercent: r.TaxRatePercent.String(),
		ConsultantName: r.ConsultantName,
		ManagerName:    r.ManagerName,
		AngelName:      r.AngelName,
		CustomRules:    !r.Schedule.UsesDefaults(),
		OverallStatus:  string(r.OverallStatus),
		Breakdown:      toBreakdownDTO(r.Breakdown),
		SyncError:      r.SyncError,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}

	payouts := r.Breakdown.Schedule()
	for i, info := range r.Installments.All() {
		item := InstallmentDTO{Number: i + 1, Status: string(info.Status)}
		if info.PaidDate != nil {
			item.PaidDate = info.PaidDate.String()
		}
		if info.CompetenceMonth != nil {
			item.CompetenceMonth = info.CompetenceMonth.String()
		}
		if i < len(payouts) {
			item.Payout = toTotalsDTO(payouts[i])
		}
		dto.Installments = append(dto.Installments, item)
	}
	return dto
}

// =============================================================================
// COMMISSION
// =============================================================================

// PreviewRequest is the body of POST /api/commission/preview.
type PreviewRequest struct {
	CreditValue generic.Money          `json:"credit_value"`
	HasAngel    bool                   `json:"has_angel"`
	CustomRules []commission.RateRule  `json:"custom_rules,omitempty"`
	OverlapMode commission.OverlapMode `json:"overlap_mode,omitempty"`
}

// RoleValueDTO is one role's share of a breakdown row.
type RoleValueDTO struct {
	Rate           string `json:"rate"`
	PerInstallment string `json:"per_installment"`
	Subtotal       string `json:"subtotal"`
}

// BreakdownRowDTO is one contiguous installment range.
type BreakdownRowDTO struct {
	Range        string       `json:"range"`
	Installments int          `json:"installments"`
	Consultant   RoleValueDTO `json:"consultant"`
	Manager      RoleValueDTO `json:"manager"`
	Angel        RoleValueDTO `json:"angel"`
}

// TotalsDTO holds display values per role.
type TotalsDTO struct {
	Consultant string `json:"consultant"`
	Manager    string `json:"manager"`
	Angel      string `json:"angel"`
}

// BreakdownDTO represents a commission breakdown.
type BreakdownDTO struct {
	CreditValue string            `json:"credit_value"`
	HasAngel    bool              `json:"has_angel"`
	Custom      bool              `json:"custom"`
	Rows        []BreakdownRowDTO `json:"rows"`
	Totals      TotalsDTO         `json:"totals"`
	GrandTotal  string            `json:"grand_total"`
	Validated   bool              `json:"validated"`
}

func toTotalsDTO(t commission.Totals) TotalsDTO {
	return TotalsDTO{
		Consultant: t.Consultant.Display(),
		Manager:    t.Manager.Display(),
		Angel:      t.Angel.Display(),
	}
}

func toRoleValueDTO(v commission.RoleValue, count int) RoleValueDTO {
	return RoleValueDTO{
		Rate:           v.Rate.String(),
		PerInstallment: v.PerInstallment.Display(),
		Subtotal:       v.Subtotal(count).Display(),
	}
}

func toBreakdownDTO(b commission.Breakdown) BreakdownDTO {
	dto := BreakdownDTO{
		CreditValue: b.CreditValue.Display(),
		HasAngel:    b.HasAngel,
		Custom:      b.Custom,
		Rows:        make([]BreakdownRowDTO, 0, len(b.Rows)),
		Totals:      toTotalsDTO(b.Totals),
		GrandTotal:  b.GrandTotal.Display(),
		Validated:   b.Validated,
	}
	for _, row := range b.Rows {
		n := row.InstallmentCount()
		dto.Rows = append(dto.Rows, BreakdownRowDTO{
			Range:        row.Range.String(),
			Installments: n,
			Consultant:   toRoleValueDTO(row.Consultant, n),
			Manager:      toRoleValueDTO(row.Manager, n),
			Angel:        toRoleValueDTO(row.Angel, n),
		})
	}
	return dto
}

// =============================================================================
// COMPETENCE
// =============================================================================

// CompetenceDTO answers GET /api/competence.
type CompetenceDTO struct {
	Date            string `json:"date"`
	CompetenceMonth string `json:"competence_month"`
	CutoffDay       int    `json:"cutoff_day"`
}

// =============================================================================
// OUTBOX
// =============================================================================

// OutboxEntryDTO is one pending write.
type OutboxEntryDTO struct {
	LocalID       string     `json:"local_id"`
	SaleID        string     `json:"sale_id"`
	ClientName    string     `json:"client_name"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	AttemptCount  int        `json:"attempt_count"`
	LastError     string     `json:"last_error,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	InFlight      bool       `json:"in_flight"`
}

// RecoveryReportDTO summarizes one recovery pass.
type RecoveryReportDTO struct {
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
	Attempted int       `json:"attempted"`
	Recovered int       `json:"recovered"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
}

func toRecoveryReportDTO(r settlement.RecoveryReport) RecoveryReportDTO {
	return RecoveryReportDTO{
		StartedAt: r.StartedAt,
		Duration:  r.Duration.String(),
		Attempted: r.Attempted,
		Recovered: r.Recovered,
		Failed:    r.Failed,
		Skipped:   r.Skipped,
	}
}

// =============================================================================
// DASHBOARD
// =============================================================================

// DashboardDTO answers GET /api/dashboard.
type DashboardDTO struct {
	Sales           int                `json:"sales"`
	ByStatus        map[string]int     `json:"by_status"`
	PendingSync     int                `json:"pending_sync"`
	UnsyncedEdits   int                `json:"unsynced_edits"`
	CreditTotal     string             `json:"credit_total"`
	Commission      TotalsDTO          `json:"commission"`
	CommissionTotal string             `json:"commission_total"`
	NextRecoveryAt  *time.Time         `json:"next_recovery_at,omitempty"`
	LastRecovery    *RecoveryReportDTO `json:"last_recovery,omitempty"`
}

func toDashboardDTO(s settlement.Summary) DashboardDTO {
	byStatus := make(map[string]int, len(s.ByStatus))
	for st, n := range s.ByStatus {
		byStatus[string(st)] = n
	}
	return DashboardDTO{
		Sales:           s.Sales,
		ByStatus:        byStatus,
		PendingSync:     s.PendingSync,
		UnsyncedEdits:   s.UnsyncedEdits,
		CreditTotal:     s.CreditTotal.Display(),
		Commission:      toTotalsDTO(s.Commission),
		CommissionTotal: s.Commission.Sum().Display(),
	}
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
