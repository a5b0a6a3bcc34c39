/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the pipeline with realistic
	sales for demos. Each scenario registers sales and walks some of their
	installments through the state machine.

AVAILABLE SCENARIOS:

	single-sale:   One default-rule sale, no angel
	angel-team:    Sales with an angel, partly paid across a cutoff
	collections:   One sale per overall status
	custom-rules:  Overlapping custom rules, summed and first-match

HOW SCENARIOS WORK:
 1. Delete every current sale through the pipeline
 2. Register the scenario's sales
 3. Apply installment changes

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "collections"}

NOTE:

	Loading deletes all sales, remotely too. Only use in development/demo
	environments.

SEE ALSO:
  - handlers.go: Pipeline-backed handlers
  - settlement/pipeline.go: Register, SetInstallmentStatus
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/settlement-engine/commission"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/installment"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "single-sale",
		Name:        "Single Sale",
		Description: "One property sale on the default table, no angel",
	},
	{
		ID:          "angel-team",
		Name:        "Angel Team",
		Description: "Sales with an angel; payments on both sides of the cutoff day",
	},
	{
		ID:          "collections",
		Name:        "Collections",
		Description: "One sale in each overall status: in progress, late, concluded, cancelled",
	},
	{
		ID:          "custom-rules",
		Name:        "Custom Rules",
		Description: "Overlapping custom rate rules under sum and first-match",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	current := h.scenario()
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	loader, ok := h.loaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.clearSales(ctx); err != nil {
		writeDomainError(w, "Failed to clear sales", err)
		return
	}
	h.setScenario("")

	if err := loader(ctx); err != nil {
		writeDomainError(w, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.setScenario(req.ScenarioID)

	writeJSON(w, http.StatusOK, map[string]any{
		"scenario_id": req.ScenarioID,
		"sales":       h.Pipeline.Records().Len(),
	})
}

func (h *Handler) loaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"single-sale":  h.loadSingleSaleScenario,
		"angel-team":   h.loadAngelTeamScenario,
		"collections":  h.loadCollectionsScenario,
		"custom-rules": h.loadCustomRulesScenario,
	}
}

func (h *Handler) clearSales(ctx context.Context) error {
	for _, r := range h.Pipeline.Records().List() {
		if err := h.Pipeline.Delete(ctx, r.ID); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func demoSale(client string, saleType settlement.SaleType, credit int64, angel string) settlement.RegisterInput {
	return settlement.RegisterInput{
		ClientName:      client,
		SaleType:        saleType,
		Group:           "G-1042",
		Quota:           "117",
		PV:              "PV-03",
		CreditValue:     generic.NewMoneyFromInt(credit),
		TaxRatePercent:  generic.MustParseRate("18"),
		ConsultantName:  "Ana Souza",
		ManagerName:     "Bruno Lima",
		AngelName:       angel,
		UseDefaultRules: true,
	}
}

func paidOn(year int, month time.Month, day int) *generic.Date {
	d := generic.NewDate(year, month, day)
	return &d
}

// pay marks installments 1..n paid, one month apart from start.
func (h *Handler) pay(ctx context.Context, id generic.SaleID, n int, start generic.Date) error {
	for i := 1; i <= n; i++ {
		date := generic.DateOf(start.Time.AddDate(0, i-1, 0))
		if err := h.apply(ctx, id, i, installment.Pago, &date); err != nil {
			return err
		}
	}
	return nil
}

// apply sets an installment, ignoring remote failures: the change is kept
// locally and surfaced on the sale.
func (h *Handler) apply(ctx context.Context, id generic.SaleID, n int, status installment.Status, paid *generic.Date) error {
	_, err := h.Pipeline.SetInstallmentStatus(ctx, id, n, status, paid)
	if err != nil && !generic.IsRemote(err) {
		return err
	}
	return nil
}

func (h *Handler) loadSingleSaleScenario(ctx context.Context) error {
	_, err := h.Pipeline.Register(ctx, demoSale("Maria Oliveira", settlement.SaleImovel, 100000, ""))
	return err
}

func (h *Handler) loadAngelTeamScenario(ctx context.Context) error {
	first, err := h.Pipeline.Register(ctx, demoSale("Carlos Pereira", settlement.SaleImovel, 250000, "Helena Costa"))
	if err != nil {
		return err
	}
	// The 19th is on the cutoff, the 20th after it.
	if err := h.apply(ctx, first.ID, 1, installment.Pago, paidOn(2025, time.March, 19)); err != nil {
		return err
	}
	if err := h.apply(ctx, first.ID, 2, installment.Pago, paidOn(2025, time.April, 20)); err != nil {
		return err
	}

	second, err := h.Pipeline.Register(ctx, demoSale("Joana Alves", settlement.SaleVeiculo, 80000, "Helena Costa"))
	if err != nil {
		return err
	}
	return h.apply(ctx, second.ID, 1, installment.Pago, paidOn(2025, time.February, 18))
}

func (h *Handler) loadCollectionsScenario(ctx context.Context) error {
	if _, err := h.Pipeline.Register(ctx, demoSale("Em Dia Ltda", settlement.SaleImovel, 120000, "")); err != nil {
		return err
	}

	late, err := h.Pipeline.Register(ctx, demoSale("Atrasos SA", settlement.SaleVeiculo, 60000, ""))
	if err != nil {
		return err
	}
	if err := h.pay(ctx, late.ID, 2, generic.NewDate(2025, time.January, 10)); err != nil {
		return err
	}
	if err := h.apply(ctx, late.ID, 3, installment.Atraso, nil); err != nil {
		return err
	}

	done, err := h.Pipeline.Register(ctx, demoSale("Quitado ME", settlement.SaleImovel, 90000, "Helena Costa"))
	if err != nil {
		return err
	}
	if err := h.pay(ctx, done.ID, generic.InstallmentCount, generic.NewDate(2024, time.January, 5)); err != nil {
		return err
	}

	cancelled, err := h.Pipeline.Register(ctx, demoSale("Desistente", settlement.SaleVeiculo, 40000, ""))
	if err != nil {
		return err
	}
	for n := 1; n <= generic.InstallmentCount; n++ {
		if err := h.apply(ctx, cancelled.ID, n, installment.Cancelado, nil); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadCustomRulesScenario(ctx context.Context) error {
	rules := []commission.RateRule{
		{StartInstallment: 1, EndInstallment: 10, ConsultantRate: generic.MustParseRate("1"), ManagerRate: generic.MustParseRate("0.3")},
		{StartInstallment: 5, EndInstallment: 15, ConsultantRate: generic.MustParseRate("0.5"), ManagerRate: generic.MustParseRate("0.2")},
	}
	for _, mode := range []commission.OverlapMode{commission.OverlapSum, commission.OverlapFirstMatch} {
		in := demoSale("Regra "+string(mode), settlement.SaleImovel, 150000, "")
		in.UseDefaultRules = false
		in.CustomRules = rules
		in.OverlapMode = mode
		if _, err := h.Pipeline.Register(ctx, in); err != nil {
			return err
		}
	}
	return nil
}
