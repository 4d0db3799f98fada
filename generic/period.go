package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DATE RANGE - The rental period between pickup and dropoff
// =============================================================================

// DateRange is a half-open interval [Pickup, Dropoff).
type DateRange struct {
	Pickup  time.Time
	Dropoff time.Time
}

func NewDateRange(pickup, dropoff time.Time) DateRange {
	return DateRange{Pickup: pickup.UTC(), Dropoff: dropoff.UTC()}
}

func (r DateRange) IsZero() bool { return r.Pickup.IsZero() || r.Dropoff.IsZero() }
func (r DateRange) Duration() time.Duration { return r.Dropoff.Sub(r.Pickup) }

// Hours returns the exact length of the range in hours.
// Computed from whole seconds so the same range always yields the same value.
func (r DateRange) Hours() decimal.Decimal {
	secs := r.Dropoff.Unix() - r.Pickup.Unix()
	return decimal.NewFromInt(secs).Div(decimal.NewFromInt(3600))
}

// BillableDays returns ceil(hours/24). A 25 hour rental bills as 2 days.
func BillableDays(hours decimal.Decimal) int64 {
	if !hours.IsPositive() {
		return 0
	}
	return hours.Div(decimal.NewFromInt(24)).Ceil().IntPart()
}

// Contains returns true if t is within [Pickup, Dropoff).
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Pickup) && t.Before(r.Dropoff)
}

// Overlaps returns true if the two ranges share any instant.
func (r DateRange) Overlaps(o DateRange) bool {
	return r.Pickup.Before(o.Dropoff) && o.Pickup.Before(r.Dropoff)
}

func (r DateRange) Equal(o DateRange) bool {
	return r.Pickup.Equal(o.Pickup) && r.Dropoff.Equal(o.Dropoff)
}

func (r DateRange) String() string {
	return "[" + FormatInstant(r.Pickup) + ", " + FormatInstant(r.Dropoff) + ")"
}
