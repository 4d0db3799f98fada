/*
pricing.go - Price breakdown for a (possibly mutated) reservation

ALGORITHM:
  days      = ceil(hours / 24)                 25 hours bills as 2 days
  base      = vehicle.dailyRate * days
  extras    = sum(extra.dailyRate * qty * days)
  policyFee = policy.flatFee                   flat, not scaled by days
  tax       = (base + extras + policyFee) * policy.taxRate
  total     = base + extras + policyFee + tax

ROUNDING:
  Intermediate sums keep full decimal precision. Only the returned
  components are rounded, each independently, half away from zero. The
  rounded total may differ from the sum of the rounded components by at
  most 0.01; that difference is accepted and never redistributed.

FAILURES:
  MISSING_FIELD names the first absent field (vehicle, pickup, dropoff,
  policy). Unknown catalog ids fail with UNKNOWN_VEHICLE, UNKNOWN_EXTRA or
  UNKNOWN_POLICY. Any other provider error is returned wrapped. No price
  is ever substituted with a default.

EXAMPLE (92 hours, 79.00/day, one 10.00/day extra, no fee, 21% tax):
  base=316.00 extras=40.00 policyFee=0.00 tax=74.76 total=430.76
*/
package rental

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/rental-engine/generic"
)

// =============================================================================
// INPUT AND OUTPUT
// =============================================================================

type PriceInput struct {
	VehicleID string
	Pickup    time.Time
	Dropoff   time.Time
	Extras    []SelectedExtra
	PolicyID  string
}

// ExtraLine is the priced form of one selected extra.
type ExtraLine struct {
	ExtraID   string
	Name      string
	Quantity  int
	DailyRate generic.Money
	Amount    generic.Money
}

type PriceBreakdown struct {
	Base      generic.Money
	Extras    generic.Money
	PolicyFee generic.Money
	TaxAmount generic.Money
	Total     generic.Money
	Days      int64
	Hours     decimal.Decimal
	TaxRate   decimal.Decimal
	Currency  generic.Currency
	Lines     []ExtraLine
}

// ComponentSum returns base + extras + policyFee + tax of the rounded components.
func (b PriceBreakdown) ComponentSum() generic.Money {
	return generic.SumMoney(b.Currency, b.Base, b.Extras, b.PolicyFee, b.TaxAmount)
}

// Additive reports whether Total matches its rounded components within 0.01.
func (b PriceBreakdown) Additive() bool {
	return b.Total.WithinTolerance(b.ComponentSum())
}

// =============================================================================
// CALCULATOR
// =============================================================================

type PriceCalculator struct {
	Provider PricingDataProvider
	Currency generic.Currency
}

func NewPriceCalculator(provider PricingDataProvider, currency generic.Currency) *PriceCalculator {
	return &PriceCalculator{Provider: provider, Currency: currency}
}

// CheckRequired returns a MissingFieldError for the first absent field.
func CheckRequired(in PriceInput) error {
	switch {
	case in.VehicleID == "":
		return &generic.MissingFieldError{Field: string(FieldVehicle)}
	case in.Pickup.IsZero():
		return &generic.MissingFieldError{Field: string(FieldPickup)}
	case in.Dropoff.IsZero():
		return &generic.MissingFieldError{Field: string(FieldDropoff)}
	case in.PolicyID == "":
		return &generic.MissingFieldError{Field: string(FieldPolicy)}
	}
	return nil
}

// Calculate prices in without consulting the clock. Only the ordering of
// the instants is checked; callers that need the full date rules run the
// validator first and use CalculateForHours.
func (c *PriceCalculator) Calculate(ctx context.Context, in PriceInput) (PriceBreakdown, error) {
	if err := CheckRequired(in); err != nil {
		return PriceBreakdown{}, err
	}
	if !in.Dropoff.After(in.Pickup) {
		return PriceBreakdown{}, fmt.Errorf("%w: dropoff %s is not after pickup %s",
			generic.ErrInvertedRange, generic.FormatInstant(in.Dropoff), generic.FormatInstant(in.Pickup))
	}
	hours := generic.NewDateRange(in.Pickup, in.Dropoff).Hours()
	return c.CalculateForHours(ctx, in, hours)
}

// CalculateForHours prices in for an already validated duration.
func (c *PriceCalculator) CalculateForHours(ctx context.Context, in PriceInput, hours decimal.Decimal) (PriceBreakdown, error) {
	if err := CheckRequired(in); err != nil {
		return PriceBreakdown{}, err
	}
	if c.Provider == nil {
		return PriceBreakdown{}, errors.New("price calculator: no pricing data provider")
	}
	extras, err := NormalizeExtras(in.Extras)
	if err != nil {
		return PriceBreakdown{}, err
	}

	currency := c.Currency
	if currency == "" {
		currency = generic.DefaultCurrency
	}
	days := generic.BillableDays(hours)
	daysDec := decimal.NewFromInt(days)

	vehicle, err := c.Provider.Vehicle(ctx, in.VehicleID)
	if err != nil {
		return PriceBreakdown{}, lookupError(err, generic.ErrUnknownVehicle, "vehicle", in.VehicleID)
	}
	base := vehicle.DailyRate.Value.Mul(daysDec)

	extrasSum := decimal.Zero
	lines := make([]ExtraLine, 0, len(extras))
	for _, sel := range extras {
		rate, err := c.Provider.Extra(ctx, sel.ExtraID)
		if err != nil {
			return PriceBreakdown{}, lookupError(err, generic.ErrUnknownExtra, "extra", sel.ExtraID)
		}
		amount := rate.DailyRate.Value.Mul(decimal.NewFromInt(int64(sel.Quantity))).Mul(daysDec)
		extrasSum = extrasSum.Add(amount)
		lines = append(lines, ExtraLine{
			ExtraID:   sel.ExtraID,
			Name:      rate.Name,
			Quantity:  sel.Quantity,
			DailyRate: generic.NewMoneyFromDecimal(rate.DailyRate.Value, currency),
			Amount:    generic.NewMoneyFromDecimal(generic.Round2(amount), currency),
		})
	}

	policy, err := c.Provider.Policy(ctx, in.PolicyID)
	if err != nil {
		return PriceBreakdown{}, lookupError(err, generic.ErrUnknownPolicy, "policy", in.PolicyID)
	}
	fee := policy.FlatFee.Value

	subtotal := base.Add(extrasSum).Add(fee)
	tax := subtotal.Mul(policy.TaxRate)
	total := subtotal.Add(tax)

	return PriceBreakdown{
		Base:      generic.NewMoneyFromDecimal(generic.Round2(base), currency),
		Extras:    generic.NewMoneyFromDecimal(generic.Round2(extrasSum), currency),
		PolicyFee: generic.NewMoneyFromDecimal(generic.Round2(fee), currency),
		TaxAmount: generic.NewMoneyFromDecimal(generic.Round2(tax), currency),
		Total:     generic.NewMoneyFromDecimal(generic.Round2(total), currency),
		Days:      days,
		Hours:     hours,
		TaxRate:   policy.TaxRate,
		Currency:  currency,
		Lines:     lines,
	}, nil
}

// NormalizeExtras turns a selection into a set: quantities must be positive
// and a repeated id keeps its first position with the last quantity.
func NormalizeExtras(extras []SelectedExtra) ([]SelectedExtra, error) {
	out := make([]SelectedExtra, 0, len(extras))
	index := make(map[string]int, len(extras))
	for _, e := range extras {
		if e.ExtraID == "" {
			return nil, &generic.MissingFieldError{Field: "extras.extra_id"}
		}
		if e.Quantity <= 0 {
			return nil, fmt.Errorf("%w: %s has quantity %d", generic.ErrInvalidQuantity, e.ExtraID, e.Quantity)
		}
		if i, ok := index[e.ExtraID]; ok {
			out[i].Quantity = e.Quantity
			continue
		}
		index[e.ExtraID] = len(out)
		out = append(out, e)
	}
	return out, nil
}

func lookupError(err error, kind error, what, id string) error {
	if errors.Is(err, generic.ErrNotFound) {
		return &generic.UnknownReferenceError{Kind: kind, ID: id}
	}
	return fmt.Errorf("pricing data: %s %s: %w", what, id, err)
}
