package rental

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/rental-engine/generic"
)

// =============================================================================
// DATE RANGE VALIDATION
// =============================================================================

const (
	DefaultMinDurationHours = 24
	NearTermPickup          = 2 * time.Hour
	LongRental              = 30 * 24 * time.Hour
)

// DateRangeResult is returned on success. Hours is reused by the price
// calculator so both see the same duration.
type DateRangeResult struct {
	Range    generic.DateRange
	Hours    decimal.Decimal
	Warnings []Warning
}

// ValidateDateRange checks a pickup/dropoff pair against now.
//
// Checks, first failure wins:
//  1. INVALID_DATE   either instant is unset
//  2. PAST_DATE      pickup <= now
//  3. INVERTED_RANGE dropoff <= pickup
//  4. TOO_SHORT      duration below minDurationHours (<= 0 means 24)
//
// A pickup less than two hours away and a rental longer than 30 days are
// reported as warnings. The function has no side effects.
func ValidateDateRange(pickup, dropoff, now time.Time, minDurationHours float64) (DateRangeResult, error) {
	if pickup.IsZero() {
		return DateRangeResult{}, fmt.Errorf("%w: pickup is not set", generic.ErrInvalidDate)
	}
	if dropoff.IsZero() {
		return DateRangeResult{}, fmt.Errorf("%w: dropoff is not set", generic.ErrInvalidDate)
	}
	if !pickup.After(now) {
		return DateRangeResult{}, fmt.Errorf("%w: pickup %s is not after %s",
			generic.ErrPastDate, generic.FormatInstant(pickup), generic.FormatInstant(now))
	}
	if !dropoff.After(pickup) {
		return DateRangeResult{}, fmt.Errorf("%w: dropoff %s is not after pickup %s",
			generic.ErrInvertedRange, generic.FormatInstant(dropoff), generic.FormatInstant(pickup))
	}

	if minDurationHours <= 0 {
		minDurationHours = DefaultMinDurationHours
	}
	r := generic.NewDateRange(pickup, dropoff)
	hours := r.Hours()
	if hours.LessThan(decimal.NewFromFloat(minDurationHours)) {
		return DateRangeResult{}, fmt.Errorf("%w: %s hours, minimum is %s",
			generic.ErrTooShort, hours.StringFixed(2), decimal.NewFromFloat(minDurationHours).String())
	}

	var warnings []Warning
	if pickup.Sub(now) < NearTermPickup {
		warnings = append(warnings, Warning{
			Code:    WarningNearTermPickup,
			Message: "pickup is less than 2 hours away",
		})
	}
	if r.Duration() > LongRental {
		warnings = append(warnings, Warning{
			Code:    WarningLongRental,
			Message: "rental exceeds 30 days",
		})
	}

	return DateRangeResult{Range: r, Hours: hours, Warnings: warnings}, nil
}

// ValidateInstantStrings parses both instants, then validates them.
// Unparseable input fails with INVALID_DATE.
func ValidateInstantStrings(pickup, dropoff string, now time.Time, minDurationHours float64) (DateRangeResult, error) {
	p, err := generic.ParseInstant(pickup)
	if err != nil {
		return DateRangeResult{}, fmt.Errorf("pickup: %w", err)
	}
	d, err := generic.ParseInstant(dropoff)
	if err != nil {
		return DateRangeResult{}, fmt.Errorf("dropoff: %w", err)
	}
	return ValidateDateRange(p, d, now, minDurationHours)
}

// DateRangeValidator binds ValidateDateRange to a clock and a minimum duration.
type DateRangeValidator struct {
	Clock            generic.Clock
	MinDurationHours float64
}

func (v *DateRangeValidator) Validate(pickup, dropoff time.Time) (DateRangeResult, error) {
	var clock generic.Clock
	var minHours float64
	if v != nil {
		clock, minHours = v.Clock, v.MinDurationHours
	}
	return ValidateDateRange(pickup, dropoff, clock.Now(), minHours)
}
