/*
Package generic provides the shared kernel of the settlement engine.

PURPOSE:
  This package contains the domain-agnostic value types every other package
  builds on. Commission math, installment tracking, competence resolution and
  the write pipeline all speak in these types, so they never disagree about
  precision, dates or error categories.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A monetary quantity with full decimal precision
  - Rate:  A percentage coefficient (1.288 means 1.288%)
  - Identifiers: Type-safe ids for sales and outbox entries

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point errors
  2. Presentation rounding only: Display() rounds, arithmetic never does
  3. Type Safety: Strong typing for IDs prevents mixing sale/local/remote IDs

USAGE:
  credit := generic.NewMoneyFromInt(100000)
  perInstallment := credit.Percent(generic.MustParseRate("1.288"))
  fmt.Println(perInstallment.Display()) // "1288.00"

SEE ALSO:
  - time.go: Date and YearMonth
  - clock.go: Injectable time source
  - errors.go: Error taxonomy
*/
package generic

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Monetary quantity, rounded only when presented
// =============================================================================

type Money struct {
	Value decimal.Decimal
}

// DisplayScale is the number of decimal places used by Display.
const DisplayScale = 2

var hundred = decimal.NewFromInt(100)

func NewMoney(value float64) Money {
	return Money{Value: decimal.NewFromFloat(value)}
}

func NewMoneyFromInt(value int64) Money {
	return Money{Value: decimal.NewFromInt(value)}
}

func NewMoneyFromDecimal(value decimal.Decimal) Money {
	return Money{Value: value}
}

func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, err
	}
	return Money{Value: d}, nil
}

// MustParseDecimal panics if s is not a decimal. For literals only.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(`generic: MustParseDecimal(` + strconv.Quote(s) + `): ` + err.Error())
	}
	return d
}

func ZeroMoney() Money { return Money{Value: decimal.Zero} }

func (m Money) Add(b Money) Money           { return Money{Value: m.Value.Add(b.Value)} }
func (m Money) Sub(b Money) Money           { return Money{Value: m.Value.Sub(b.Value)} }
func (m Money) Mul(s decimal.Decimal) Money { return Money{Value: m.Value.Mul(s)} }
func (m Money) MulInt(n int) Money          { return Money{Value: m.Value.Mul(decimal.NewFromInt(int64(n)))} }
func (m Money) IsZero() bool                { return m.Value.IsZero() }
func (m Money) IsPositive() bool            { return m.Value.IsPositive() }
func (m Money) IsNegative() bool            { return m.Value.IsNegative() }
func (m Money) Equal(b Money) bool          { return m.Value.Equal(b.Value) }
func (m Money) GreaterThan(b Money) bool    { return m.Value.GreaterThan(b.Value) }
func (m Money) String() string              { return m.Value.String() }

// Percent returns m x rate / 100.
func (m Money) Percent(rate Rate) Money {
	return Money{Value: m.Value.Mul(rate.Value).Div(hundred)}
}

// Display rounds half away from zero to DisplayScale places.
func (m Money) Display() string {
	return m.Value.StringFixed(DisplayScale)
}

// Float64 is for presentation layers that need a JSON number.
func (m Money) Float64() float64 {
	f, _ := m.Value.Round(DisplayScale).Float64()
	return f
}

func (m Money) MarshalJSON() ([]byte, error) {
	return m.Value.MarshalJSON()
}

func (m *Money) UnmarshalJSON(data []byte) error {
	return m.Value.UnmarshalJSON(data)
}

// =============================================================================
// RATE - Percentage coefficient
// =============================================================================

type Rate struct {
	Value decimal.Decimal
}

func NewRate(percent float64) Rate {
	return Rate{Value: decimal.NewFromFloat(percent)}
}

func MustParseRate(s string) Rate {
	return Rate{Value: MustParseDecimal(s)}
}

func ZeroRate() Rate { return Rate{Value: decimal.Zero} }

func (r Rate) Add(b Rate) Rate   { return Rate{Value: r.Value.Add(b.Value)} }
func (r Rate) IsZero() bool      { return r.Value.IsZero() }
func (r Rate) Equal(b Rate) bool { return r.Value.Equal(b.Value) }
func (r Rate) String() string    { return r.Value.String() }

func (r Rate) MarshalJSON() ([]byte, error) {
	return r.Value.MarshalJSON()
}

func (r *Rate) UnmarshalJSON(data []byte) error {
	return r.Value.UnmarshalJSON(data)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

// SaleID is assigned by the client at registration and never changes.
type SaleID string

// LocalID correlates a sale with its outbox entry and travels in the remote payload.
type LocalID string

// RemoteID is assigned by the remote store once persistence succeeds.
type RemoteID string

// LocalRemotePrefix marks a placeholder RemoteID for a sale not yet persisted.
const LocalRemotePrefix = "local_"

// PlaceholderRemoteID returns the placeholder id used until the remote insert succeeds.
func PlaceholderRemoteID(id LocalID) RemoteID {
	return RemoteID(LocalRemotePrefix + string(id))
}

// IsPlaceholder reports whether the id is a local placeholder.
func (id RemoteID) IsPlaceholder() bool {
	return len(id) >= len(LocalRemotePrefix) && string(id[:len(LocalRemotePrefix)]) == LocalRemotePrefix
}

// =============================================================================
// SCHEDULE SHAPE
// =============================================================================

// InstallmentCount is the length of every sale's payout schedule.
const InstallmentCount = 15

// ValidInstallment reports whether n is a schedule position (1..InstallmentCount).
func ValidInstallment(n int) bool {
	return n >= 1 && n <= InstallmentCount
}
