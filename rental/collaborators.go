/*
collaborators.go - Interfaces the edit engine consumes

PURPOSE:
  The core never talks to a database, a catalog service or a payment
  gateway directly. It depends on four narrow interfaces:

    PricingDataProvider   - daily rates, flat fees, tax rates (read-only)
    ReservationRepository - load with credentials, versioned replace
    PaymentProcessor      - one charge per call, idempotency keyed
    EventPublisher        - best-effort notification after settlement

IMPLEMENTATIONS:
  PricingDataProvider:   store/sqlite (live), factory.Catalog (fixture)
  ReservationRepository: store/sqlite, store/memory
  PaymentProcessor:      payments.StripeProcessor, payments.Sandbox
  EventPublisher:        events.Publisher (RabbitMQ)

ATOMIC WRITE:
  WriteReservation applies a ReservationPatch in one step: field
  mutations, the replaced financial snapshot, the cumulative deltas, the
  version increment and the ledger entry. Implementations must apply all
  of it or none of it, and must fail with CONCURRENT_MODIFICATION when the
  stored version differs from expectedVersion.

HOLDS:
  Before a card is charged the flow holds the reservation for its
  proposal. While a hold is live every write or hold by another holder
  fails with CONCURRENT_MODIFICATION, so nothing can slip in between the
  charge and the write that books it. A successful write clears the hold;
  an abandoned hold expires.
*/
package rental

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/rental-engine/generic"
)

// =============================================================================
// PRICING DATA
// =============================================================================

type VehicleRate struct {
	ID        string
	Name      string
	DailyRate generic.Money
}

type ExtraRate struct {
	ID        string
	Name      string
	DailyRate generic.Money
}

type PolicyRate struct {
	ID      string
	Name    string
	FlatFee generic.Money
	TaxRate decimal.Decimal
}

// PricingDataProvider resolves catalog ids to rates.
// Unknown ids fail with generic.ErrNotFound.
type PricingDataProvider interface {
	Vehicle(ctx context.Context, id string) (VehicleRate, error)
	Extra(ctx context.Context, id string) (ExtraRate, error)
	Policy(ctx context.Context, id string) (PolicyRate, error)
}

// RateCard is every rate a provider knows, each list ordered by id.
type RateCard struct {
	Vehicles []VehicleRate
	Extras   []ExtraRate
	Policies []PolicyRate
}

// RateLister is implemented by providers that can enumerate their rates.
type RateLister interface {
	ListRates(ctx context.Context) (RateCard, error)
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// ReservationRepository owns reservations.
type ReservationRepository interface {
	// LoadReservation fails with generic.ErrNotFound or generic.ErrUnauthorized.
	LoadReservation(ctx context.Context, id string, creds Credentials) (*Reservation, error)

	// WriteReservation applies patch atomically if the stored version equals
	// expectedVersion, and returns the reservation as written.
	WriteReservation(ctx context.Context, id string, patch ReservationPatch, expectedVersion int64) (*Reservation, error)

	// HoldReservation holds the reservation for holder until the given time.
	// Holding again as the same holder extends the hold.
	HoldReservation(ctx context.Context, id, holder string, expectedVersion int64, until time.Time) error

	// ReleaseReservation drops holder's hold. Holds of other holders are untouched.
	ReleaseReservation(ctx context.Context, id, holder string) error
}

// ReservationPatch is the complete change produced by one committed edit.
type ReservationPatch struct {
	VehicleID       string
	PickupLocation  string
	DropoffLocation string
	Pickup          time.Time
	Dropoff         time.Time
	PolicyID        string
	Extras          []SelectedExtra

	PaidBase     generic.Money
	PaidExtras   generic.Money
	PaidTax      generic.Money
	PaidDiscount generic.Money
	PaidTotal    generic.Money

	AmountPaidExtraDelta    generic.Money
	AmountDueAtCounterDelta generic.Money
	AmountCreditedDelta     generic.Money

	Entry generic.Entry

	// Holder is the proposal id the write is made for. It passes that
	// proposal's own hold.
	Holder string
}

// Apply writes the patch onto r and bumps the version.
// Repositories call it inside their transaction.
func (p ReservationPatch) Apply(r *Reservation, at time.Time) {
	r.VehicleID = p.VehicleID
	r.PickupLocation = p.PickupLocation
	r.DropoffLocation = p.DropoffLocation
	r.Pickup = p.Pickup.UTC()
	r.Dropoff = p.Dropoff.UTC()
	r.PolicyID = p.PolicyID
	r.Extras = CloneExtras(p.Extras)

	r.PaidBase = p.PaidBase
	r.PaidExtras = p.PaidExtras
	r.PaidTax = p.PaidTax
	r.PaidDiscount = p.PaidDiscount
	r.PaidTotal = p.PaidTotal

	r.AmountPaidExtra = addDelta(r.AmountPaidExtra, p.AmountPaidExtraDelta)
	r.AmountDueAtCounter = addDelta(r.AmountDueAtCounter, p.AmountDueAtCounterDelta)
	r.AmountCredited = addDelta(r.AmountCredited, p.AmountCreditedDelta)

	r.Version++
	r.UpdatedAt = at
}

func addDelta(total, delta generic.Money) generic.Money {
	if total.Currency == "" {
		total.Currency = delta.Currency
	}
	return total.Add(delta).Round2()
}

// =============================================================================
// PAYMENT PROCESSOR
// =============================================================================

type BillingDetails struct {
	Name          string
	Email         string
	Phone         string
	PostalCode    string
	Country       string
	PaymentMethod string // processor token, e.g. a Stripe PaymentMethod id
}

type ChargeRequest struct {
	Amount         generic.Money
	Billing        BillingDetails
	IdempotencyKey string
	Description    string
	Metadata       map[string]string
}

type ChargeResult struct {
	Success     bool
	ReferenceID string
}

// PaymentProcessor charges a card. Failures are generic.ErrDeclined or
// generic.ErrNetworkError (usually wrapped in *generic.ProcessorError).
type PaymentProcessor interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// =============================================================================
// EVENTS
// =============================================================================

// ReservationModified is published after a reservation is replaced.
type ReservationModified struct {
	ReservationID string      `json:"reservation_id"`
	Number        string      `json:"number"`
	Email         string      `json:"email"`
	Disposition   Disposition `json:"disposition"`
	Method        Method      `json:"method,omitempty"`
	Amount        string      `json:"amount"`
	NewTotal      string      `json:"new_total"`
	Currency      string      `json:"currency"`
	Version       int64       `json:"version"`
	OccurredAt    time.Time   `json:"occurred_at"`
}

// EventPublisher failures are logged and never fail a settlement.
type EventPublisher interface {
	PublishReservationModified(ctx context.Context, evt ReservationModified) error
}
