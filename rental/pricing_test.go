package rental_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rental-engine/generic"
	"github.com/warp/rental-engine/rental"
)

func scenarioAInput() rental.PriceInput {
	return rental.PriceInput{
		VehicleID: "v-compact",
		Pickup:    testPickup,
		Dropoff:   testDropoff,
		Extras:    []rental.SelectedExtra{{ExtraID: "gps", Quantity: 1}},
		PolicyID:  "standard",
	}
}

func TestCalculate_ScenarioA(t *testing.T) {
	calc := rental.NewPriceCalculator(newFakeProvider(), generic.CurrencyEUR)

	b, err := calc.Calculate(context.Background(), scenarioAInput())
	require.NoError(t, err)

	assert.Equal(t, int64(4), b.Days)
	assertMoney(t, "316.00", b.Base, "base")
	assertMoney(t, "40.00", b.Extras, "extras")
	assertMoney(t, "0", b.PolicyFee, "policyFee")
	assertMoney(t, "74.76", b.TaxAmount, "taxAmount")
	assertMoney(t, "430.76", b.Total, "total")
	assert.True(t, b.TaxRate.Equal(dec("0.21")))
	assert.Equal(t, generic.CurrencyEUR, b.Total.Currency)

	require.Len(t, b.Lines, 1)
	assert.Equal(t, "gps", b.Lines[0].ExtraID)
	assertMoney(t, "40.00", b.Lines[0].Amount, "gps line")
}

func TestCalculate_PartialDaysRoundUp(t *testing.T) {
	calc := rental.NewPriceCalculator(newFakeProvider(), generic.CurrencyEUR)
	in := scenarioAInput()
	in.Extras = nil
	in.Dropoff = in.Pickup.Add(25 * time.Hour)

	b, err := calc.Calculate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.Days)
	assertMoney(t, "158.00", b.Base, "base")
}

func TestCalculate_MissingFieldOrder(t *testing.T) {
	calc := rental.NewPriceCalculator(newFakeProvider(), generic.CurrencyEUR)

	cases := []struct {
		name  string
		clear func(*rental.PriceInput)
		field string
	}{
		{"everything", func(in *rental.PriceInput) { *in = rental.PriceInput{} }, "vehicle"},
		{"vehicle", func(in *rental.PriceInput) { in.VehicleID = "" }, "vehicle"},
		{"pickup and policy", func(in *rental.PriceInput) { in.Pickup = time.Time{}; in.PolicyID = "" }, "pickup"},
		{"dropoff", func(in *rental.PriceInput) { in.Dropoff = time.Time{} }, "dropoff"},
		{"policy", func(in *rental.PriceInput) { in.PolicyID = "" }, "policy"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			in := scenarioAInput()
			c.clear(&in)
			_, err := calc.Calculate(context.Background(), in)

			var mf *generic.MissingFieldError
			require.True(t, errors.As(err, &mf), "expected MissingFieldError, got %v", err)
			assert.Equal(t, c.field, mf.Field)
			assert.Equal(t, generic.CodeMissingField, generic.CodeOf(err))
		})
	}
}

func TestCalculate_UnknownReferences(t *testing.T) {
	calc := rental.NewPriceCalculator(newFakeProvider(), generic.CurrencyEUR)

	in := scenarioAInput()
	in.VehicleID = "v-nope"
	_, err := calc.Calculate(context.Background(), in)
	assert.ErrorIs(t, err, generic.ErrUnknownVehicle)

	in = scenarioAInput()
	in.Extras = append(in.Extras, rental.SelectedExtra{ExtraID: "jetpack", Quantity: 1})
	_, err = calc.Calculate(context.Background(), in)
	assert.ErrorIs(t, err, generic.ErrUnknownExtra)
	var ref *generic.UnknownReferenceError
	require.True(t, errors.As(err, &ref))
	assert.Equal(t, "jetpack", ref.ID)

	in = scenarioAInput()
	in.PolicyID = "free-for-all"
	_, err = calc.Calculate(context.Background(), in)
	assert.ErrorIs(t, err, generic.ErrUnknownPolicy)
	assert.True(t, generic.IsReferenceError(err))
}

func TestCalculate_ProviderFailureIsNotDefaulted(t *testing.T) {
	provider := newFakeProvider()
	outage := errors.New("catalog service unavailable")
	provider.err = outage
	calc := rental.NewPriceCalculator(provider, generic.CurrencyEUR)

	b, err := calc.Calculate(context.Background(), scenarioAInput())
	require.Error(t, err)
	assert.ErrorIs(t, err, outage)
	assert.False(t, generic.IsReferenceError(err))
	assert.Equal(t, generic.CodeInternal, generic.CodeOf(err))
	assert.True(t, b.Total.Value.IsZero(), "no price on failure")
}

func TestCalculate_InvalidQuantity(t *testing.T) {
	calc := rental.NewPriceCalculator(newFakeProvider(), generic.CurrencyEUR)
	for _, qty := range []int{0, -1} {
		in := scenarioAInput()
		in.Extras = []rental.SelectedExtra{{ExtraID: "gps", Quantity: qty}}
		_, err := calc.Calculate(context.Background(), in)
		assert.ErrorIs(t, err, generic.ErrInvalidQuantity, "qty=%d", qty)
	}
}

func TestCalculate_DuplicateExtrasAreASet(t *testing.T) {
	calc := rental.NewPriceCalculator(newFakeProvider(), generic.CurrencyEUR)
	in := scenarioAInput()
	in.Extras = []rental.SelectedExtra{
		{ExtraID: "gps", Quantity: 1},
		{ExtraID: "child-seat", Quantity: 1},
		{ExtraID: "gps", Quantity: 2},
	}

	b, err := calc.Calculate(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, b.Lines, 2)
	assert.Equal(t, "gps", b.Lines[0].ExtraID)
	assert.Equal(t, 2, b.Lines[0].Quantity)
	// gps 10.00*2*4 + child seat 7.45*1*4
	assertMoney(t, "109.80", b.Extras, "extras")

	again, err := calc.Calculate(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, b.Total.Equal(again.Total), "re-applying the same extras is idempotent")
}

func TestCalculate_PolicyFeeIsFlat(t *testing.T) {
	calc := rental.NewPriceCalculator(newFakeProvider(), generic.CurrencyEUR)

	short := scenarioAInput()
	short.PolicyID = "flex"
	long := short
	long.Dropoff = long.Pickup.Add(8 * 24 * time.Hour)

	a, err := calc.Calculate(context.Background(), short)
	require.NoError(t, err)
	b, err := calc.Calculate(context.Background(), long)
	require.NoError(t, err)

	assertMoney(t, "25.00", a.PolicyFee, "4 day fee")
	assertMoney(t, "25.00", b.PolicyFee, "8 day fee")
	// (316 + 40 + 25) * 0.21 = 80.01
	assertMoney(t, "80.01", a.TaxAmount, "tax includes the fee")
}

func TestCalculate_InvertedRange(t *testing.T) {
	calc := rental.NewPriceCalculator(newFakeProvider(), generic.CurrencyEUR)
	in := scenarioAInput()
	in.Dropoff = in.Pickup
	_, err := calc.Calculate(context.Background(), in)
	assert.ErrorIs(t, err, generic.ErrInvertedRange)
}

func TestCalculate_MonotonicInDays(t *testing.T) {
	calc := rental.NewPriceCalculator(newFakeProvider(), generic.CurrencyEUR)
	in := scenarioAInput()

	var prev generic.Money
	for d := 1; d <= 10; d++ {
		in.Dropoff = in.Pickup.Add(time.Duration(d) * 24 * time.Hour)
		b, err := calc.Calculate(context.Background(), in)
		require.NoError(t, err)
		if d > 1 {
			assert.True(t, b.Total.GreaterThan(prev), "day %d: %s <= %s", d, b.Total, prev)
		}
		prev = b.Total
	}
}

// Every combination keeps |total - sum(components)| <= 0.01.
func TestCalculate_BreakdownAdditivity(t *testing.T) {
	calc := rental.NewPriceCalculator(newFakeProvider(), generic.CurrencyEUR)

	vehicles := []string{"v-compact", "v-suv", "v-odd"}
	policies := []string{"standard", "flex", "reduced"}
	extraSets := [][]rental.SelectedExtra{
		nil,
		{{ExtraID: "gps", Quantity: 1}},
		{{ExtraID: "child-seat", Quantity: 3}},
		{{ExtraID: "gps", Quantity: 2}, {ExtraID: "child-seat", Quantity: 1}},
	}
	durations := []time.Duration{24 * time.Hour, 25 * time.Hour, 92 * time.Hour, 7*24*time.Hour + 1, 31 * 24 * time.Hour}

	checked := 0
	for _, v := range vehicles {
		for _, pol := range policies {
			for _, extras := range extraSets {
				for _, dur := range durations {
					in := rental.PriceInput{VehicleID: v, PolicyID: pol, Extras: extras, Pickup: testPickup, Dropoff: testPickup.Add(dur)}
					b, err := calc.Calculate(context.Background(), in)
					require.NoError(t, err)
					if !b.Additive() {
						t.Errorf("%s/%s/%v/%s: total %s vs components %s", v, pol, extras, dur, b.Total, b.ComponentSum())
					}
					checked++
				}
			}
		}
	}
	assert.Equal(t, 180, checked)
}
