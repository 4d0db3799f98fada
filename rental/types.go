// Package rental implements reservation edits for the car-rental domain.
// It prices a mutated reservation, reconciles the new price against what
// was already paid, and drives the settlement of any difference before the
// reservation is replaced.
package rental

import (
	"fmt"
	"time"

	"github.com/warp/rental-engine/generic"
)

// =============================================================================
// RESERVATION - The booking aggregate
// =============================================================================

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// Editable reports whether reservations in this status accept edits.
func (s Status) Editable() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled:
		return true
	}
	return false
}

// SelectedExtra is one extra on a reservation. Extras form a set keyed by ExtraID.
type SelectedExtra struct {
	ExtraID  string `json:"extra_id"`
	Quantity int    `json:"quantity"`
}

// Reservation is owned by the repository. The core reads it, then replaces
// it through a single versioned write.
type Reservation struct {
	ID              string
	Number          string
	Email           string
	CustomerName    string
	VehicleID       string
	PickupLocation  string
	DropoffLocation string
	Pickup          time.Time
	Dropoff         time.Time
	PolicyID        string
	Extras          []SelectedExtra

	// Financial snapshot. Replaced, never patched, on each settlement.
	PaidBase     generic.Money
	PaidExtras   generic.Money
	PaidTax      generic.Money
	PaidDiscount generic.Money
	PaidTotal    generic.Money

	// Cumulative amounts from edit settlements.
	AmountPaidExtra    generic.Money // card charges
	AmountDueAtCounter generic.Money // cash, collected at pickup
	AmountCredited     generic.Money // refund credits

	Currency  generic.Currency
	Status    Status
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Range returns the rental period.
func (r *Reservation) Range() generic.DateRange {
	return generic.NewDateRange(r.Pickup, r.Dropoff)
}

// CheckInvariant verifies paidTotal == paidBase + paidExtras + paidTax - paidDiscount
// within generic.Tolerance.
func (r *Reservation) CheckInvariant() error {
	sum := r.PaidBase.Add(r.PaidExtras).Add(r.PaidTax).Sub(r.PaidDiscount)
	if !sum.WithinTolerance(r.PaidTotal) {
		return fmt.Errorf("reservation %s: paid total %s does not match components %s",
			r.ID, r.PaidTotal, sum.Round2())
	}
	return nil
}

// Clone returns a deep copy.
func (r *Reservation) Clone() *Reservation {
	if r == nil {
		return nil
	}
	c := *r
	c.Extras = CloneExtras(r.Extras)
	return &c
}

func CloneExtras(extras []SelectedExtra) []SelectedExtra {
	if extras == nil {
		return nil
	}
	out := make([]SelectedExtra, len(extras))
	copy(out, extras)
	return out
}

// Credentials identify the customer opening an edit. The repository decides
// whether they grant access to a reservation.
type Credentials struct {
	Email string
	Token string
}

// =============================================================================
// SETTLEMENT RECORD - Outcome of reconciling a difference
// =============================================================================

type Disposition string

const (
	DispositionPay    Disposition = "PAY"
	DispositionRefund Disposition = "REFUND"
	DispositionNone   Disposition = "NONE"
)

type Method string

const (
	MethodCard   Method = "card"
	MethodCash   Method = "cash"
	MethodCredit Method = "credit"
)

func (m Method) Valid() bool {
	return m == MethodCard || m == MethodCash
}

// SettlementRecord is the reconciled difference. Method is assigned by the
// settlement flow; Amount is always non-negative.
type SettlementRecord struct {
	Disposition Disposition
	Amount      generic.Money
	Difference  generic.Money // signed, positive means the customer owes more
	Method      Method
	Timestamp   time.Time
}

// =============================================================================
// WARNINGS - Non-fatal validation notices
// =============================================================================

type WarningCode string

const (
	WarningNearTermPickup WarningCode = "NEAR_TERM_PICKUP"
	WarningLongRental     WarningCode = "LONG_RENTAL"
)

type Warning struct {
	Code    WarningCode
	Message string
}
