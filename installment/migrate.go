package installment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warp/settlement-engine/generic"
)

// Normalize converts one stored installment into an Info.
//
// Older records stored a bare status string ("Pago") instead of an object,
// sometimes with legacy spellings ("pago", "Cancelada", "Atrasado"). Both
// forms are accepted; an unknown spelling is an error. A null or empty
// entry is Pendente.
//
// Paid date and competence survive only on Pago entries.
func Normalize(raw json.RawMessage) (Info, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return pending(), nil
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Info{}, fmt.Errorf("decode legacy status: %w", err)
		}
		if strings.TrimSpace(s) == "" {
			return pending(), nil
		}
		status, err := ParseStatus(s)
		if err != nil {
			return Info{}, err
		}
		return Info{Status: status}, nil
	}

	var stored struct {
		Status          string             `json:"status"`
		PaidDate        *generic.Date      `json:"paid_date"`
		CompetenceMonth *generic.YearMonth `json:"competence_month"`
	}
	if err := json.Unmarshal(trimmed, &stored); err != nil {
		return Info{}, fmt.Errorf("decode installment: %w", err)
	}
	if strings.TrimSpace(stored.Status) == "" {
		return pending(), nil
	}
	status, err := ParseStatus(stored.Status)
	if err != nil {
		return Info{}, err
	}
	info := Info{Status: status}
	if status == Pago {
		info.PaidDate = stored.PaidDate
		info.CompetenceMonth = stored.CompetenceMonth
	}
	return info, nil
}

// NormalizeLedger decodes a stored installments document into a Ledger.
func NormalizeLedger(data []byte) (Ledger, error) {
	var l Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return Ledger{}, err
	}
	return l, nil
}
