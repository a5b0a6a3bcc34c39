package installment

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/warp/settlement-engine/competence"
	"github.com/warp/settlement-engine/generic"
)

// =============================================================================
// LEDGER - The 15 installments of one sale
// =============================================================================

// Ledger holds exactly generic.InstallmentCount installments, numbered 1..15.
// The zero value is not usable; call NewLedger.
type Ledger struct {
	items [generic.InstallmentCount]Info
}

// NewLedger returns a ledger with every installment Pendente.
func NewLedger() Ledger {
	var l Ledger
	for i := range l.items {
		l.items[i] = pending()
	}
	return l
}

// Get returns installment n.
func (l Ledger) Get(n int) (Info, error) {
	if !generic.ValidInstallment(n) {
		return Info{}, fmt.Errorf("%w: %d", generic.ErrInstallmentOutOfRange, n)
	}
	return l.items[n-1].Clone(), nil
}

// All returns every installment in order, index 0 being installment 1.
func (l Ledger) All() []Info {
	out := make([]Info, len(l.items))
	for i, info := range l.items {
		out[i] = info.Clone()
	}
	return out
}

// Clone returns a deep copy.
func (l Ledger) Clone() Ledger {
	var out Ledger
	for i, info := range l.items {
		out.items[i] = info.Clone()
	}
	return out
}

// Set applies a state-machine transition to installment n.
//
// Moving to Pago stamps paidDate (today per clock when nil) and the
// competence month it resolves to. Pago -> Pago re-settles with the new
// date. Same-status writes on other statuses change nothing.
func (l *Ledger) Set(n int, status Status, paidDate *generic.Date, resolver competence.Resolver, clock generic.Clock) error {
	if !generic.ValidInstallment(n) {
		return fmt.Errorf("%w: %d", generic.ErrInstallmentOutOfRange, n)
	}
	current := l.items[n-1]
	if !CanTransition(current.Status, status) {
		return &TransitionError{Installment: n, From: current.Status, To: status}
	}
	if current.Status == status && status != Pago {
		return nil
	}
	l.items[n-1] = settle(status, paidDate, resolver, clock)
	return nil
}

// Override forces installment n to status, bypassing the state machine.
// Paid date and competence are recomputed for Pago and cleared otherwise.
func (l *Ledger) Override(n int, status Status, paidDate *generic.Date, resolver competence.Resolver, clock generic.Clock) error {
	if !generic.ValidInstallment(n) {
		return fmt.Errorf("%w: %d", generic.ErrInstallmentOutOfRange, n)
	}
	if !status.Valid() {
		return &TransitionError{Installment: n, From: l.items[n-1].Status, To: status}
	}
	l.items[n-1] = settle(status, paidDate, resolver, clock)
	return nil
}

func settle(status Status, paidDate *generic.Date, resolver competence.Resolver, clock generic.Clock) Info {
	if status != Pago {
		return Info{Status: status}
	}
	paid := generic.Today(clock)
	if paidDate != nil {
		paid = *paidDate
	}
	month := resolver.Resolve(paid)
	return Info{Status: Pago, PaidDate: &paid, CompetenceMonth: &month}
}

// =============================================================================
// DERIVED VIEWS
// =============================================================================

// Overall derives the sale status:
//
//	any Atraso         -> Atraso
//	all Pago           -> Concluído
//	all Cancelado      -> Cancelado
//	otherwise          -> Em Andamento
func (l Ledger) Overall() OverallStatus {
	counts := l.Summary()
	switch {
	case counts[Atraso] > 0:
		return OverallAtraso
	case counts[Pago] == generic.InstallmentCount:
		return Concluido
	case counts[Cancelado] == generic.InstallmentCount:
		return OverallCancelado
	default:
		return EmAndamento
	}
}

// Summary counts installments per status.
func (l Ledger) Summary() map[Status]int {
	counts := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		counts[s] = 0
	}
	for _, info := range l.items {
		counts[info.Status]++
	}
	return counts
}

// =============================================================================
// JSON - Object keyed "1".."15"
// =============================================================================

func (l Ledger) MarshalJSON() ([]byte, error) {
	out := make(map[string]Info, len(l.items))
	for i, info := range l.items {
		out[strconv.Itoa(i+1)] = info
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts both current entries and legacy bare strings.
// Missing installments default to Pendente.
func (l *Ledger) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode installments: %w", err)
	}
	parsed := NewLedger()
	for key, value := range raw {
		n, err := strconv.Atoi(key)
		if err != nil || !generic.ValidInstallment(n) {
			return fmt.Errorf("%w: key %q", generic.ErrInstallmentOutOfRange, key)
		}
		info, err := Normalize(value)
		if err != nil {
			return fmt.Errorf("installment %d: %w", n, err)
		}
		parsed.items[n-1] = info
	}
	*l = parsed
	return nil
}
