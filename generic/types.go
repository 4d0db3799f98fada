/*
Package generic provides the domain-agnostic primitives of the rental engine.

PURPOSE:
  Money arithmetic, instants and date ranges, the error taxonomy, and the
  append-only settlement ledger. None of it knows about vehicles, extras or
  payment policies; the rental package builds the reservation domain on top.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: a decimal value with a currency
  - Round2: the single rounding rule used for every persisted amount
  - Tolerance: the 0.01 slack allowed between a total and its rounded parts

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, never float64 for money
  2. Late rounding: intermediate sums keep full precision, only returned
     components are rounded
  3. Type Safety: Money carries its currency, mixing currencies is a bug

USAGE:
  rate := generic.MustMoney("79.00", generic.CurrencyEUR)
  base := rate.MulInt(4).Round2() // 316.00 EUR

SEE ALSO:
  - ledger.go: settlement entries built from Money
  - errors.go: error taxonomy
  - rental/pricing.go: price breakdowns
*/
package generic

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CURRENCY
// =============================================================================

type Currency string

const (
	CurrencyEUR Currency = "EUR"
	CurrencyUSD Currency = "USD"
	CurrencyGBP Currency = "GBP"
)

// DefaultCurrency is used when a catalog or reservation does not name one.
const DefaultCurrency = CurrencyEUR

// =============================================================================
// MONEY
// =============================================================================

// Tolerance is the rounding slack accepted between a total and the sum of
// its independently rounded components.
var Tolerance = decimal.New(1, -2)

type Money struct {
	Value    decimal.Decimal
	Currency Currency
}

func NewMoney(value float64, currency Currency) Money {
	return Money{Value: decimal.NewFromFloat(value), Currency: currency}
}

func NewMoneyFromDecimal(value decimal.Decimal, currency Currency) Money {
	return Money{Value: value, Currency: currency}
}

// ParseMoney parses a decimal string such as "79.00".
func ParseMoney(s string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Money{Value: d, Currency: currency}, nil
}

// MustMoney is ParseMoney for literals in fixtures and tests.
func MustMoney(s string, currency Currency) Money {
	m, err := ParseMoney(s, currency)
	if err != nil {
		panic(err)
	}
	return m
}

func ZeroMoney(currency Currency) Money { return Money{Value: decimal.Zero, Currency: currency} }

func (m Money) Add(o Money) Money             { return Money{Value: m.Value.Add(o.Value), Currency: m.Currency} }
func (m Money) Sub(o Money) Money             { return Money{Value: m.Value.Sub(o.Value), Currency: m.Currency} }
func (m Money) Mul(f decimal.Decimal) Money   { return Money{Value: m.Value.Mul(f), Currency: m.Currency} }
func (m Money) MulInt(n int64) Money          { return m.Mul(decimal.NewFromInt(n)) }
func (m Money) Neg() Money                    { return Money{Value: m.Value.Neg(), Currency: m.Currency} }
func (m Money) Abs() Money                    { return Money{Value: m.Value.Abs(), Currency: m.Currency} }
func (m Money) Round2() Money                 { return Money{Value: Round2(m.Value), Currency: m.Currency} }
func (m Money) IsZero() bool                  { return m.Value.IsZero() }
func (m Money) IsPositive() bool              { return m.Value.IsPositive() }
func (m Money) IsNegative() bool              { return m.Value.IsNegative() }
func (m Money) Equal(o Money) bool            { return m.Value.Equal(o.Value) && m.Currency == o.Currency }
func (m Money) GreaterThan(o Money) bool      { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThan(o Money) bool         { return m.Value.LessThan(o.Value) }
func (m Money) String() string                { return m.Value.StringFixed(2) + " " + string(m.Currency) }
func (m Money) Float64() float64              { return m.Value.InexactFloat64() }
func (m Money) WithinTolerance(o Money) bool  { return m.Value.Sub(o.Value).Abs().LessThanOrEqual(Tolerance) }

// MinorUnits returns the amount in cents, rounded to 2 places first.
func (m Money) MinorUnits() int64 {
	return Round2(m.Value).Shift(2).IntPart()
}

// WholeCents reports whether m has no precision below one cent.
// Catalog rates must: only the tax component of a breakdown may round.
func (m Money) WholeCents() bool {
	return m.Value.Equal(Round2(m.Value))
}

// Round2 rounds half away from zero to 2 decimal places.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// SumMoney adds amounts in the currency of the first one.
func SumMoney(currency Currency, amounts ...Money) Money {
	total := ZeroMoney(currency)
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
