/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes the settlement pipeline via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the pipeline,
  the commission calculator and the competence calendar.

ENDPOINTS:
  Sales:
    GET    /api/sales                         List sales (?status= filter)
    POST   /api/sales                         Register a sale
    GET    /api/sales/{id}                    Sale details
    PATCH  /api/sales/{id}                    Corrective update
    DELETE /api/sales/{id}                    Delete a sale
    PUT    /api/sales/{id}/installments/{n}   Move installment n
    POST   /api/sales/{id}/installments/{n}/override  Force installment n
    POST   /api/sales/{id}/sync               Retry propagation

  Commission & Competence:
    POST   /api/commission/preview            Breakdown without saving
    GET    /api/competence?date=YYYY-MM-DD    Competence month of a payment

  Outbox:
    GET    /api/outbox                        Pending writes
    POST   /api/outbox/recover                Run a recovery pass now

  Dashboard:
    GET    /api/dashboard                     Status counts and totals

REQUEST FLOW:
  1. Parse HTTP request
  2. Convert DTO to pipeline input
  3. Call the pipeline (validation happens there)
  4. Serialize response
  5. Map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Sale or outbox entry not found
  - 409: Invalid installment transition, recovery already running
  - 502: Remote store failure
  - 500: Internal errors

  An edit that was applied locally but could not reach the remote store
  answers 202 with the sale; its sync_error field carries the failure.

SECURITY NOTE:
  No authentication or authorization. Override is an administrative path
  and should sit behind one in production.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/warp/settlement-engine/commission"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/installment"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Pipeline *settlement.Pipeline
	Config   factory.Config
	Clock    generic.Clock
	// Scheduler is optional; when set the dashboard reports its next run.
	Scheduler *RecoveryScheduler

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(p *settlement.Pipeline, cfg factory.Config) *Handler {
	return &Handler{
		Pipeline: p,
		Config:   cfg,
		Clock:    generic.SystemClock{},
	}
}

// =============================================================================
// SALE HANDLERS
// =============================================================================

// ListSales returns every sale, newest first.
func (h *Handler) ListSales(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("status")
	records := h.Pipeline.Records().List()

	dtos := make([]SaleDTO, 0, len(records))
	for _, rec := range records {
		if filter != "" && string(rec.OverallStatus) != filter {
			continue
		}
		dtos = append(dtos, toSaleDTO(rec))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSale returns one sale.
func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Pipeline.Records().Get(saleID(r))
	if err != nil {
		writeDomainError(w, "Failed to get sale", err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTO(rec))
}

// RegisterSale registers a sale. The response is immediate; the remote
// insert continues in the background.
func (h *Handler) RegisterSale(w http.ResponseWriter, r *http.Request) {
	var req RegisterSaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rec, err := h.Pipeline.Register(r.Context(), req.toInput())
	if err != nil {
		writeDomainError(w, "Failed to register sale", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSaleDTO(rec))
}

// CorrectSale applies a corrective update.
func (h *Handler) CorrectSale(w http.ResponseWriter, r *http.Request) {
	var req CorrectSaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rec, err := h.Pipeline.Correct(r.Context(), saleID(r), req.toCorrection())
	h.writeMutation(w, "Failed to update sale", rec, err)
}

// DeleteSale removes a sale.
func (h *Handler) DeleteSale(w http.ResponseWriter, r *http.Request) {
	if err := h.Pipeline.Delete(r.Context(), saleID(r)); err != nil {
		writeDomainError(w, "Failed to delete sale", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetInstallment moves one installment through the state machine.
func (h *Handler) SetInstallment(w http.ResponseWriter, r *http.Request) {
	h.changeInstallment(w, r, h.Pipeline.SetInstallmentStatus)
}

// OverrideInstallment forces one installment to a status.
func (h *Handler) OverrideInstallment(w http.ResponseWriter, r *http.Request) {
	h.changeInstallment(w, r, h.Pipeline.Override)
}

type installmentChange func(ctx context.Context, id generic.SaleID, n int, status installment.Status, paid *generic.Date) (settlement.Record, error)

func (h *Handler) changeInstallment(w http.ResponseWriter, r *http.Request, change installmentChange) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid installment number", err)
		return
	}

	var req SetInstallmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	status, err := installment.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid status", err)
		return
	}

	rec, err := change(r.Context(), saleID(r), n, status, req.PaidDate)
	h.writeMutation(w, "Failed to update installment", rec, err)
}

// SyncSale retries propagation of a sale.
func (h *Handler) SyncSale(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Pipeline.Sync(r.Context(), saleID(r))
	if err != nil {
		writeDomainError(w, "Failed to sync sale", err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTO(rec))
}

// writeMutation answers an edit. A remote failure after a successful local
// change is 202 with the sale.
func (h *Handler) writeMutation(w http.ResponseWriter, message string, rec settlement.Record, err error) {
	if err != nil {
		if generic.IsRemote(err) && rec.ID != "" {
			writeJSON(w, http.StatusAccepted, toSaleDTO(rec))
			return
		}
		writeDomainError(w, message, err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTO(rec))
}

// =============================================================================
// COMMISSION & COMPETENCE
// =============================================================================

// PreviewCommission computes a breakdown without registering anything.
func (h *Handler) PreviewCommission(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	schedule := commission.DefaultSchedule()
	if len(req.CustomRules) > 0 {
		schedule = commission.Schedule{Custom: req.CustomRules, Overlap: req.OverlapMode}
	}
	b := h.Pipeline.Calculator().Calculate(req.CreditValue, req.HasAngel, schedule)
	writeJSON(w, http.StatusOK, toBreakdownDTO(b))
}

// ResolveCompetence returns the competence month of a payment date.
// Without ?date= it resolves today.
func (h *Handler) ResolveCompetence(w http.ResponseWriter, r *http.Request) {
	date := generic.Today(h.Clock)
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := generic.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date", err)
			return
		}
		date = parsed
	}

	month := h.Pipeline.Resolver().Resolve(date)
	dto := CompetenceDTO{Date: date.String(), CompetenceMonth: month.String()}
	if h.Config.Calendar != nil {
		dto.CutoffDay = h.Config.Calendar.CutoffDay(date.Month())
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// OUTBOX
// =============================================================================

// ListOutbox returns the pending writes, oldest first.
func (h *Handler) ListOutbox(w http.ResponseWriter, r *http.Request) {
	pending, err := h.Pipeline.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list outbox", err)
		return
	}

	dtos := make([]OutboxEntryDTO, 0, len(pending))
	for _, p := range pending {
		dtos = append(dtos, OutboxEntryDTO{
			LocalID:       string(p.LocalID),
			SaleID:        string(p.Payload.ID),
			ClientName:    p.Payload.ClientName,
			EnqueuedAt:    p.EnqueuedAt,
			AttemptCount:  p.AttemptCount,
			LastError:     p.LastError,
			LastAttemptAt: p.LastAttemptAt,
			InFlight:      h.Pipeline.InFlight(p.LocalID),
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RecoverOutbox runs one recovery pass and reports it.
func (h *Handler) RecoverOutbox(w http.ResponseWriter, r *http.Request) {
	var (
		report settlement.RecoveryReport
		err    error
	)
	if h.Scheduler != nil {
		report, err = h.Scheduler.RunNow()
	} else {
		report, err = h.Pipeline.Recover(r.Context())
	}
	if err != nil {
		writeDomainError(w, "Recovery failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecoveryReportDTO(report))
}

// =============================================================================
// DASHBOARD
// =============================================================================

// Dashboard returns per-status counts and commission totals.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	dto := toDashboardDTO(h.Pipeline.Records().Summary())
	if h.Scheduler != nil {
		if next, ok := h.Scheduler.NextRunTime(); ok {
			dto.NextRecoveryAt = &next
		}
		if last, ok := h.Scheduler.LastReport(); ok {
			report := toRecoveryReportDTO(last)
			dto.LastRecovery = &report
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// HELPERS
// =============================================================================

func saleID(r *http.Request) generic.SaleID {
	return generic.SaleID(chi.URLParam(r, "id"))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError picks the status code from the error chain.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, generic.ErrInvalidTransition), errors.Is(err, generic.ErrRecoveryInProgress):
		return http.StatusConflict
	case generic.IsClientError(err):
		return http.StatusBadRequest
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case generic.IsRemote(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *Handler) setScenario(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentScenario = id
}

func (h *Handler) scenario() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentScenario
}
