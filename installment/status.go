/*
Package installment tracks the payout state of a sale's 15 installments.

PURPOSE:
  Each installment moves through a small state machine. Paying an
  installment stamps its paid date and the competence month that date
  resolves to. The sale's overall status is always derived from the
  installments, never stored independently.

STATE MACHINE:

    Pendente ──► Pago ◄──┐
       │  │        │     │ (re-settle: new paid date, new competence)
       │  │        └─────┘
       │  └──► Atraso ──► Pago
       │          │
       └──────────┴──► Cancelado

  Same-status writes on Pendente, Atraso and Cancelado are no-ops.
  Everything else is a *TransitionError. Override bypasses the machine
  for administrative corrections.

SEE ALSO:
  - ledger.go: Ledger, Set, Override, Overall
  - migrate.go: Normalization of legacy bare-string entries
  - competence/calendar.go: Competence month resolution
*/
package installment

import (
	"fmt"
	"strings"

	"github.com/warp/settlement-engine/generic"
)

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	Pendente  Status = "Pendente"
	Pago      Status = "Pago"
	Atraso    Status = "Atraso"
	Cancelado Status = "Cancelado"
)

// Statuses lists every status in display order.
var Statuses = []Status{Pendente, Pago, Atraso, Cancelado}

func (s Status) Valid() bool {
	switch s {
	case Pendente, Pago, Atraso, Cancelado:
		return true
	}
	return false
}

// transitions lists the allowed targets for each status, same-status excluded.
var transitions = map[Status][]Status{
	Pendente: {Pago, Atraso, Cancelado},
	Atraso:   {Pago, Cancelado},
}

// CanTransition reports whether from -> to is allowed by the state machine.
// Same-status writes are allowed (they are no-ops or re-settles).
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// =============================================================================
// OVERALL STATUS - Derived per sale
// =============================================================================

type OverallStatus string

const (
	EmAndamento      OverallStatus = "Em Andamento"
	Concluido        OverallStatus = "Concluído"
	OverallAtraso    OverallStatus = "Atraso"
	OverallCancelado OverallStatus = "Cancelado"
)

// =============================================================================
// INFO - One installment
// =============================================================================

// Info is the state of one installment. PaidDate and CompetenceMonth are
// non-nil only while Status is Pago.
type Info struct {
	Status          Status             `json:"status"`
	PaidDate        *generic.Date      `json:"paid_date,omitempty"`
	CompetenceMonth *generic.YearMonth `json:"competence_month,omitempty"`
}

func pending() Info { return Info{Status: Pendente} }

// Clone returns a copy that shares no pointers with i.
func (i Info) Clone() Info {
	out := Info{Status: i.Status}
	if i.PaidDate != nil {
		d := *i.PaidDate
		out.PaidDate = &d
	}
	if i.CompetenceMonth != nil {
		ym := *i.CompetenceMonth
		out.CompetenceMonth = &ym
	}
	return out
}

// =============================================================================
// TRANSITION ERROR
// =============================================================================

type TransitionError struct {
	Installment int
	From        Status
	To          Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("installment %d: cannot move from %q to %q", e.Installment, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return generic.ErrInvalidTransition }

// =============================================================================
// PARSING
// =============================================================================

// legacyStatuses maps lowercased spellings found in older records.
var legacyStatuses = map[string]Status{
	"pendente":  Pendente,
	"pending":   Pendente,
	"pago":      Pago,
	"paga":      Pago,
	"paid":      Pago,
	"atraso":    Atraso,
	"atrasado":  Atraso,
	"atrasada":  Atraso,
	"late":      Atraso,
	"cancelado": Cancelado,
	"cancelada": Cancelado,
	"cancelled": Cancelado,
	"canceled":  Cancelado,
}

// ParseStatus accepts canonical and legacy spellings, case-insensitively.
func ParseStatus(s string) (Status, error) {
	if st, ok := legacyStatuses[strings.ToLower(strings.TrimSpace(s))]; ok {
		return st, nil
	}
	return "", fmt.Errorf("unknown installment status %q", s)
}
