/*
session.go - Edit sessions: open, mutate, price, commit

PURPOSE:
  An EditProposal is the draft of one reservation edit. The EditService
  is the only way to create and mutate it. It seeds the proposal from the
  stored reservation, prices it on demand, and commits it either directly
  (the price did not change) or by handing off to a SettlementFlow.

LIFECYCLE:
  open ──setField──▶ open (stale) ──calculate──▶ open (calculated)
                                                   │
                         commit, difference == 0 ──┼──▶ committed
                         commit, difference != 0 ──┴──▶ settling ──flow──▶ committed | discarded

STALENESS:
  Every field change bumps Revision and clears the breakdown. Commit
  requires the last calculation to match the current revision, so a
  price computed for old inputs can never be committed.

CARD CHARGES:
  The proposal owns the charge idempotency key and remembers a charge
  whose outcome is unknown (a network error) or that was captured. Both
  survive a snapshot round trip. While a charge is unresolved the draft
  cannot change and cash is refused, so a retry replays the same request.
  A settling snapshot with a captured charge restores with its flow in
  PROCESSING, ready for ResumeCommit.

LOCKING:
  One mutex per proposal. While a calculation or a payment runs the
  proposal is BUSY: mutations fail immediately instead of queueing.
  Lock order is flow before proposal.

SEE ALSO:
  - settlement.go: the state machine for non-zero differences
  - pricing.go, validate.go, reconcile.go: the pure steps of Calculate
*/
package rental

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/warp/rental-engine/generic"
)

// =============================================================================
// FIELDS
// =============================================================================

type Field string

const (
	FieldVehicle         Field = "vehicle"
	FieldPickup          Field = "pickup"
	FieldDropoff         Field = "dropoff"
	FieldPickupLocation  Field = "pickup_location"
	FieldDropoffLocation Field = "dropoff_location"
	FieldExtras          Field = "extras"
	FieldPolicy          Field = "policy"
)

// =============================================================================
// EDIT PROPOSAL
// =============================================================================

type ProposalStatus string

const (
	ProposalOpen      ProposalStatus = "open"
	ProposalSettling  ProposalStatus = "settling"
	ProposalCommitted ProposalStatus = "committed"
	ProposalDiscarded ProposalStatus = "discarded"
)

// EditProposal is owned by one session. Read it through Snapshot.
type EditProposal struct {
	mu sync.Mutex

	id            string
	reservationID string
	original      *Reservation
	creds         Credentials

	vehicleID       string
	pickupLocation  string
	dropoffLocation string
	pickup          time.Time
	dropoff         time.Time
	extras          []SelectedExtra
	policyID        string

	breakdown  *PriceBreakdown
	difference *generic.Money
	record     *SettlementRecord
	warnings   []Warning

	revision           int64
	calculatedRevision int64

	busy   bool
	status ProposalStatus
	flow   *SettlementFlow

	chargeAttempt    int
	chargeKeyOpen    bool
	chargeUnresolved bool
	capturedCharge   string

	createdAt time.Time
	updatedAt time.Time
}

func (p *EditProposal) ID() string            { return p.id }
func (p *EditProposal) ReservationID() string { return p.reservationID }

// Flow returns the settlement flow handed off by Commit, if any.
func (p *EditProposal) Flow() *SettlementFlow {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flow
}

// ProposalSnapshot is a point-in-time copy of a proposal.
type ProposalSnapshot struct {
	ID                 string            `json:"id"`
	ReservationID      string            `json:"reservation_id"`
	Original           Reservation       `json:"original"`
	Email              string            `json:"email"`
	VehicleID          string            `json:"vehicle_id"`
	PickupLocation     string            `json:"pickup_location"`
	DropoffLocation    string            `json:"dropoff_location"`
	Pickup             time.Time         `json:"pickup"`
	Dropoff            time.Time         `json:"dropoff"`
	Extras             []SelectedExtra   `json:"extras"`
	PolicyID           string            `json:"policy_id"`
	Breakdown          *PriceBreakdown   `json:"breakdown,omitempty"`
	Difference         *generic.Money    `json:"difference,omitempty"`
	Record             *SettlementRecord `json:"record,omitempty"`
	Warnings           []Warning         `json:"warnings,omitempty"`
	Revision           int64             `json:"revision"`
	CalculatedRevision int64             `json:"calculated_revision"`
	Busy               bool              `json:"busy"`
	Status             ProposalStatus    `json:"status"`
	FlowID             string            `json:"flow_id,omitempty"`
	ChargeAttempt      int               `json:"charge_attempt,omitempty"`
	ChargeKeyOpen      bool              `json:"charge_key_open,omitempty"`
	ChargeUnresolved   bool              `json:"charge_unresolved,omitempty"`
	CapturedCharge     string            `json:"captured_charge,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Stale reports whether the proposal changed since its last calculation.
func (s ProposalSnapshot) Stale() bool {
	return s.Breakdown == nil || s.CalculatedRevision != s.Revision
}

func (p *EditProposal) Snapshot() ProposalSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := ProposalSnapshot{
		ID:                 p.id,
		ReservationID:      p.reservationID,
		Original:           *p.original.Clone(),
		Email:              p.creds.Email,
		VehicleID:          p.vehicleID,
		PickupLocation:     p.pickupLocation,
		DropoffLocation:    p.dropoffLocation,
		Pickup:             p.pickup,
		Dropoff:            p.dropoff,
		Extras:             CloneExtras(p.extras),
		PolicyID:           p.policyID,
		Warnings:           append([]Warning(nil), p.warnings...),
		Revision:           p.revision,
		CalculatedRevision: p.calculatedRevision,
		Busy:               p.busy,
		Status:             p.status,
		ChargeAttempt:      p.chargeAttempt,
		ChargeKeyOpen:      p.chargeKeyOpen,
		ChargeUnresolved:   p.chargeUnresolved,
		CapturedCharge:     p.capturedCharge,
		CreatedAt:          p.createdAt,
		UpdatedAt:          p.updatedAt,
	}
	if p.breakdown != nil {
		b := *p.breakdown
		b.Lines = append([]ExtraLine(nil), p.breakdown.Lines...)
		s.Breakdown = &b
	}
	if p.difference != nil {
		d := *p.difference
		s.Difference = &d
	}
	if p.record != nil {
		r := *p.record
		s.Record = &r
	}
	if p.flow != nil {
		s.FlowID = p.flow.id
	}
	return s
}

// RestoreProposal rebuilds a proposal from a snapshot, e.g. after a restart.
// A settling proposal whose card charge was captured gets its flow back in
// PROCESSING so only ResumeCommit can finish it. Any other settling
// proposal reopens with its last calculation intact so it can be committed
// again; its charge key carries over.
func (svc *EditService) RestoreProposal(s ProposalSnapshot, creds Credentials) *EditProposal {
	status := s.Status
	captured := status == ProposalSettling && s.CapturedCharge != "" && s.Breakdown != nil && s.Record != nil
	if status == ProposalSettling && !captured {
		status = ProposalOpen
	}
	p := &EditProposal{
		id:                 s.ID,
		reservationID:      s.ReservationID,
		original:           s.Original.Clone(),
		creds:              creds,
		vehicleID:          s.VehicleID,
		pickupLocation:     s.PickupLocation,
		dropoffLocation:    s.DropoffLocation,
		pickup:             s.Pickup,
		dropoff:            s.Dropoff,
		extras:             CloneExtras(s.Extras),
		policyID:           s.PolicyID,
		breakdown:          s.Breakdown,
		difference:         s.Difference,
		record:             s.Record,
		warnings:           s.Warnings,
		revision:           s.Revision,
		calculatedRevision: s.CalculatedRevision,
		status:             status,
		chargeAttempt:      s.ChargeAttempt,
		chargeKeyOpen:      s.ChargeKeyOpen,
		chargeUnresolved:   s.ChargeUnresolved,
		capturedCharge:     s.CapturedCharge,
		createdAt:          s.CreatedAt,
		updatedAt:          s.UpdatedAt,
	}
	if p.creds.Email == "" {
		p.creds.Email = s.Email
	}
	if captured {
		f := svc.newFlow(p, p.basePatchLocked(), *s.Breakdown, *s.Record)
		if s.FlowID != "" {
			f.id = s.FlowID
		}
		f.state = StateProcessing
		f.charged = true
		f.chargeRef = s.CapturedCharge
		f.record.Method = MethodCard
		p.flow = f
	}
	return p
}

func (p *EditProposal) staleLocked() bool {
	return p.breakdown == nil || p.calculatedRevision != p.revision
}

func (p *EditProposal) invalidateLocked(at time.Time) {
	p.revision++
	p.breakdown = nil
	p.difference = nil
	p.record = nil
	p.warnings = nil
	p.updatedAt = at
}

// checkMutableLocked guards every operation that changes the draft.
func (p *EditProposal) checkMutableLocked(op string) error {
	if p.busy {
		return fmt.Errorf("proposal %s: %w", p.id, generic.ErrBusy)
	}
	if p.status != ProposalOpen {
		return &generic.TransitionError{Operation: op, State: string(p.status)}
	}
	return nil
}

// checkDraftLocked guards changes to the priced inputs. They are frozen
// while a card charge for them may have gone through.
func (p *EditProposal) checkDraftLocked(op string) error {
	if err := p.checkMutableLocked(op); err != nil {
		return err
	}
	if p.chargeUnresolved {
		return &generic.TransitionError{Operation: op + " while a card charge is unresolved", State: string(p.status)}
	}
	return nil
}

func (p *EditProposal) priceInputLocked() PriceInput {
	return PriceInput{
		VehicleID: p.vehicleID,
		Pickup:    p.pickup,
		Dropoff:   p.dropoff,
		Extras:    CloneExtras(p.extras),
		PolicyID:  p.policyID,
	}
}

// basePatchLocked carries the proposed fields and the financial snapshot
// rebuilt from the breakdown. Deltas and the ledger entry are added by the
// committing path.
func (p *EditProposal) basePatchLocked() ReservationPatch {
	b := p.breakdown
	extras, _ := NormalizeExtras(p.extras)
	return ReservationPatch{
		VehicleID:       p.vehicleID,
		PickupLocation:  p.pickupLocation,
		DropoffLocation: p.dropoffLocation,
		Pickup:          p.pickup,
		Dropoff:         p.dropoff,
		PolicyID:        p.policyID,
		Extras:          extras,

		PaidBase:     b.Base,
		PaidExtras:   b.Extras.Add(b.PolicyFee),
		PaidTax:      b.TaxAmount,
		PaidDiscount: generic.ZeroMoney(b.Currency),
		PaidTotal:    b.Total,

		AmountPaidExtraDelta:    generic.ZeroMoney(b.Currency),
		AmountDueAtCounterDelta: generic.ZeroMoney(b.Currency),
		AmountCreditedDelta:     generic.ZeroMoney(b.Currency),
	}
}

// acquire marks the proposal busy for a settlement write or charge.
func (p *EditProposal) acquire() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy {
		return fmt.Errorf("proposal %s: %w", p.id, generic.ErrBusy)
	}
	p.busy = true
	return nil
}

func (p *EditProposal) release() {
	p.mu.Lock()
	p.busy = false
	p.mu.Unlock()
}

// nextChargeKey returns the idempotency key for a card charge. The same
// key is returned until a charge with it is definitely declined.
func (p *EditProposal) nextChargeKey() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.chargeKeyOpen {
		p.chargeAttempt++
		p.chargeKeyOpen = true
	}
	return fmt.Sprintf("%s-%d", p.id, p.chargeAttempt)
}

// chargeFinished records the outcome of a charge. called is false when the
// processor was never reached.
func (p *EditProposal) chargeFinished(called bool, err error, reference string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case err == nil:
		p.capturedCharge = reference
		p.chargeUnresolved = false
	case !called:
		// the key was never sent
	case errors.Is(err, generic.ErrDeclined) && !errors.Is(err, generic.ErrNetworkError):
		p.chargeKeyOpen = false
		p.chargeUnresolved = false
	default:
		p.chargeUnresolved = true
	}
}

func (p *EditProposal) chargePending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chargeUnresolved
}

func (p *EditProposal) finish(status ProposalStatus, record *SettlementRecord, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
	if record != nil {
		r := *record
		p.record = &r
	}
	p.updatedAt = at
}

// =============================================================================
// EDIT SERVICE
// =============================================================================

// EditService is the entry point for mutating reservations.
type EditService struct {
	Repository ReservationRepository
	Calculator *PriceCalculator
	Validator  *DateRangeValidator
	Processor  PaymentProcessor
	Publisher  EventPublisher // optional
	Logger     *zap.Logger    // optional
	Clock      generic.Clock  // optional, system clock when nil
	NewID      func() string  // optional, ULIDs when nil

	// HoldTTL bounds how long a card settlement holds the reservation.
	// Defaults to DefaultHoldTTL.
	HoldTTL time.Duration
}

const DefaultHoldTTL = 15 * time.Minute

// CommitResult is returned by Commit. Flow is set when Settled is false.
type CommitResult struct {
	Settled     bool
	Reservation *Reservation
	Record      SettlementRecord
	Flow        *SettlementFlow
}

func (s *EditService) now() time.Time { return s.Clock.Now() }

func (s *EditService) holdTTL() time.Duration {
	if s.HoldTTL > 0 {
		return s.HoldTTL
	}
	return DefaultHoldTTL
}

func (s *EditService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *EditService) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return ulid.Make().String()
}

func (s *EditService) validator() *DateRangeValidator {
	v := DateRangeValidator{Clock: s.Clock}
	if s.Validator != nil {
		v.MinDurationHours = s.Validator.MinDurationHours
		if s.Validator.Clock != nil {
			v.Clock = s.Validator.Clock
		}
	}
	return &v
}

// Open loads the reservation and seeds a proposal with its current values.
func (s *EditService) Open(ctx context.Context, reservationID string, creds Credentials) (*EditProposal, error) {
	if reservationID == "" {
		return nil, &generic.MissingFieldError{Field: "reservation_id"}
	}
	res, err := s.Repository.LoadReservation(ctx, reservationID, creds)
	if err != nil {
		return nil, fmt.Errorf("open edit for reservation %s: %w", reservationID, err)
	}
	if !res.Status.Editable() {
		return nil, fmt.Errorf("%w: reservation %s is %s", generic.ErrNotEditable, res.ID, res.Status)
	}

	now := s.now()
	p := &EditProposal{
		id:              s.newID(),
		reservationID:   res.ID,
		original:        res.Clone(),
		creds:           creds,
		vehicleID:       res.VehicleID,
		pickupLocation:  res.PickupLocation,
		dropoffLocation: res.DropoffLocation,
		pickup:          res.Pickup,
		dropoff:         res.Dropoff,
		extras:          CloneExtras(res.Extras),
		policyID:        res.PolicyID,
		status:          ProposalOpen,
		createdAt:       now,
		updatedAt:       now,
	}

	s.logger().Info("edit opened",
		zap.String("proposal_id", p.id),
		zap.String("reservation_id", res.ID),
		zap.Int64("version", res.Version))
	return p, nil
}

// SetField changes one proposed attribute and invalidates the last calculation.
//
// Accepted values:
//
//	vehicle, policy, pickup_location, dropoff_location: string or integer id
//	pickup, dropoff: time.Time, *time.Time or a string ParseInstant accepts
//	extras: []SelectedExtra or map[string]int
func (s *EditService) SetField(p *EditProposal, field Field, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkDraftLocked("set " + string(field)); err != nil {
		return err
	}

	switch field {
	case FieldVehicle, FieldPolicy, FieldPickupLocation, FieldDropoffLocation:
		v, err := idValue(field, value)
		if err != nil {
			return err
		}
		switch field {
		case FieldVehicle:
			p.vehicleID = v
		case FieldPolicy:
			p.policyID = v
		case FieldPickupLocation:
			p.pickupLocation = v
		case FieldDropoffLocation:
			p.dropoffLocation = v
		}
	case FieldPickup, FieldDropoff:
		t, err := instantValue(field, value)
		if err != nil {
			return err
		}
		if field == FieldPickup {
			p.pickup = t
		} else {
			p.dropoff = t
		}
	case FieldExtras:
		e, err := extrasValue(value)
		if err != nil {
			return err
		}
		p.extras = e
	default:
		return &generic.InvalidFieldError{Field: string(field), Reason: "unknown field"}
	}

	p.invalidateLocked(s.now())
	return nil
}

func (s *EditService) SetVehicle(p *EditProposal, vehicleID string) error {
	return s.SetField(p, FieldVehicle, vehicleID)
}

func (s *EditService) SetPolicy(p *EditProposal, policyID string) error {
	return s.SetField(p, FieldPolicy, policyID)
}

func (s *EditService) SetExtras(p *EditProposal, extras []SelectedExtra) error {
	return s.SetField(p, FieldExtras, extras)
}

func (s *EditService) SetDates(p *EditProposal, pickup, dropoff time.Time) error {
	if err := s.SetField(p, FieldPickup, pickup); err != nil {
		return err
	}
	return s.SetField(p, FieldDropoff, dropoff)
}

func (s *EditService) SetLocations(p *EditProposal, pickupLocation, dropoffLocation string) error {
	if err := s.SetField(p, FieldPickupLocation, pickupLocation); err != nil {
		return err
	}
	return s.SetField(p, FieldDropoffLocation, dropoffLocation)
}

// Calculate validates the dates, prices the proposal and reconciles the
// new total against the reservation. The first failure is returned and
// the proposal stays uncalculated.
func (s *EditService) Calculate(ctx context.Context, p *EditProposal) (*EditProposal, error) {
	p.mu.Lock()
	if err := p.checkDraftLocked("calculate"); err != nil {
		p.mu.Unlock()
		return p, err
	}
	in := p.priceInputLocked()
	original := p.original
	rev := p.revision
	p.busy = true
	p.mu.Unlock()

	b, rec, warnings, err := s.price(ctx, in, original)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy = false
	if err != nil {
		s.logger().Debug("calculation failed",
			zap.String("proposal_id", p.id),
			zap.String("code", string(generic.CodeOf(err))),
			zap.Error(err))
		return p, err
	}

	diff := rec.Difference
	p.breakdown = &b
	p.difference = &diff
	p.record = &rec
	p.warnings = warnings
	p.calculatedRevision = rev
	p.updatedAt = s.now()

	s.logger().Info("edit priced",
		zap.String("proposal_id", p.id),
		zap.String("total", b.Total.String()),
		zap.String("difference", diff.String()),
		zap.String("disposition", string(rec.Disposition)))
	return p, nil
}

func (s *EditService) price(ctx context.Context, in PriceInput, original *Reservation) (PriceBreakdown, SettlementRecord, []Warning, error) {
	if err := CheckRequired(in); err != nil {
		return PriceBreakdown{}, SettlementRecord{}, nil, err
	}
	dr, err := s.validator().Validate(in.Pickup, in.Dropoff)
	if err != nil {
		return PriceBreakdown{}, SettlementRecord{}, nil, err
	}
	if s.Calculator == nil {
		return PriceBreakdown{}, SettlementRecord{}, nil, fmt.Errorf("edit service: no price calculator")
	}
	b, err := s.Calculator.CalculateForHours(ctx, in, dr.Hours)
	if err != nil {
		return PriceBreakdown{}, SettlementRecord{}, nil, err
	}
	return b, Reconcile(b, original, s.now()), dr.Warnings, nil
}

// Commit applies a calculated proposal. A zero difference is written
// directly; anything else returns a SettlementFlow that must reach SETTLED
// before the reservation changes.
func (s *EditService) Commit(ctx context.Context, p *EditProposal) (CommitResult, error) {
	p.mu.Lock()
	if err := p.checkMutableLocked("commit"); err != nil {
		p.mu.Unlock()
		return CommitResult{}, err
	}
	if p.staleLocked() {
		p.mu.Unlock()
		return CommitResult{}, fmt.Errorf("proposal %s: %w", p.id, generic.ErrStaleCalculation)
	}

	rec := *p.record
	patch := p.basePatchLocked()
	original := p.original

	if rec.Disposition != DispositionNone {
		flow := s.newFlow(p, patch, *p.breakdown, rec)
		p.flow = flow
		p.status = ProposalSettling
		p.updatedAt = s.now()
		p.mu.Unlock()

		s.logger().Info("settlement required",
			zap.String("proposal_id", p.id),
			zap.String("flow_id", flow.id),
			zap.String("disposition", string(rec.Disposition)),
			zap.String("amount", rec.Amount.String()))
		return CommitResult{Settled: false, Record: rec, Flow: flow}, nil
	}

	p.busy = true
	p.mu.Unlock()

	now := s.now()
	patch.Holder = p.id
	patch.Entry = generic.Entry{
		ID:             s.newID(),
		ReservationID:  original.ID,
		Type:           generic.EntryAdjustment,
		Amount:         generic.ZeroMoney(patch.PaidTotal.Currency),
		PreviousTotal:  original.PaidTotal,
		NewTotal:       patch.PaidTotal,
		IdempotencyKey: "edit-" + p.id,
		RecordedAt:     now,
		Metadata:       map[string]string{"proposal_id": p.id},
	}
	updated, err := s.Repository.WriteReservation(ctx, original.ID, patch, original.Version)

	p.mu.Lock()
	p.busy = false
	if err != nil {
		p.mu.Unlock()
		s.logger().Warn("direct commit failed",
			zap.String("proposal_id", p.id),
			zap.String("reservation_id", original.ID),
			zap.Error(err))
		return CommitResult{}, fmt.Errorf("commit proposal %s: %w", p.id, err)
	}
	rec.Timestamp = now
	p.status = ProposalCommitted
	p.record = &rec
	p.updatedAt = now
	p.mu.Unlock()

	s.logger().Info("edit committed",
		zap.String("proposal_id", p.id),
		zap.String("reservation_id", updated.ID),
		zap.Int64("version", updated.Version))
	s.publish(ctx, updated, rec)
	return CommitResult{Settled: true, Reservation: updated, Record: rec}, nil
}

// Rebase reloads the reservation under the proposal, keeps the proposed
// fields and recalculates. Used to recover from CONCURRENT_MODIFICATION.
// A pending settlement that has not started processing is superseded.
func (s *EditService) Rebase(ctx context.Context, p *EditProposal) (*EditProposal, error) {
	p.mu.Lock()
	flow := p.flow
	if p.chargeUnresolved {
		err := &generic.TransitionError{Operation: "rebase while a card charge is unresolved", State: string(p.status)}
		p.mu.Unlock()
		return p, err
	}
	p.mu.Unlock()
	if flow != nil {
		if err := flow.supersede(); err != nil {
			return p, err
		}
	}

	p.mu.Lock()
	if p.status == ProposalSettling {
		p.status = ProposalOpen
		p.flow = nil
	}
	if err := p.checkMutableLocked("rebase"); err != nil {
		p.mu.Unlock()
		return p, err
	}
	creds := p.creds
	p.busy = true
	p.mu.Unlock()

	res, err := s.Repository.LoadReservation(ctx, p.reservationID, creds)

	p.mu.Lock()
	p.busy = false
	if err != nil {
		p.mu.Unlock()
		return p, fmt.Errorf("rebase proposal %s: %w", p.id, err)
	}
	if !res.Status.Editable() {
		p.mu.Unlock()
		return p, fmt.Errorf("%w: reservation %s is %s", generic.ErrNotEditable, res.ID, res.Status)
	}
	p.original = res.Clone()
	p.invalidateLocked(s.now())
	p.mu.Unlock()

	s.logger().Info("edit rebased",
		zap.String("proposal_id", p.id),
		zap.Int64("version", res.Version))
	return s.Calculate(ctx, p)
}

// Discard abandons the proposal and any settlement that has not started.
func (s *EditService) Discard(p *EditProposal) error {
	p.mu.Lock()
	flow := p.flow
	status := p.status
	p.mu.Unlock()

	if status == ProposalCommitted {
		return &generic.TransitionError{Operation: "discard", State: string(status)}
	}
	if flow != nil {
		return flow.Cancel()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy {
		return fmt.Errorf("proposal %s: %w", p.id, generic.ErrBusy)
	}
	p.status = ProposalDiscarded
	p.updatedAt = s.now()
	return nil
}

func (s *EditService) publish(ctx context.Context, r *Reservation, rec SettlementRecord) {
	if s.Publisher == nil || r == nil {
		return
	}
	evt := ReservationModified{
		ReservationID: r.ID,
		Number:        r.Number,
		Email:         r.Email,
		Disposition:   rec.Disposition,
		Method:        rec.Method,
		Amount:        rec.Amount.Value.StringFixed(2),
		NewTotal:      r.PaidTotal.Value.StringFixed(2),
		Currency:      string(r.PaidTotal.Currency),
		Version:       r.Version,
		OccurredAt:    s.now(),
	}
	if err := s.Publisher.PublishReservationModified(ctx, evt); err != nil {
		s.logger().Warn("publish reservation.modified failed",
			zap.String("reservation_id", r.ID),
			zap.Error(err))
	}
}

// =============================================================================
// VALUE COERCION
// =============================================================================

func idValue(field Field, value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		if v != float64(int64(v)) {
			return "", &generic.InvalidFieldError{Field: string(field), Reason: "id must be an integer"}
		}
		return strconv.FormatInt(int64(v), 10), nil
	case nil:
		return "", nil
	default:
		return "", &generic.InvalidFieldError{Field: string(field), Reason: fmt.Sprintf("unsupported type %T", value)}
	}
}

func instantValue(field Field, value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case *time.Time:
		if v == nil {
			return time.Time{}, nil
		}
		return v.UTC(), nil
	case string:
		if v == "" {
			return time.Time{}, nil
		}
		t, err := generic.ParseInstant(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("%s: %w", field, err)
		}
		return t, nil
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, &generic.InvalidFieldError{Field: string(field), Reason: fmt.Sprintf("unsupported type %T", value)}
	}
}

func extrasValue(value any) ([]SelectedExtra, error) {
	switch v := value.(type) {
	case []SelectedExtra:
		return CloneExtras(v), nil
	case map[string]int:
		out := make([]SelectedExtra, 0, len(v))
		for id, qty := range v {
			out = append(out, SelectedExtra{ExtraID: id, Quantity: qty})
		}
		sortExtras(out)
		return out, nil
	case nil:
		return []SelectedExtra{}, nil
	default:
		return nil, &generic.InvalidFieldError{Field: string(FieldExtras), Reason: fmt.Sprintf("unsupported type %T", value)}
	}
}

func sortExtras(extras []SelectedExtra) {
	sort.Slice(extras, func(i, j int) bool { return extras[i].ExtraID < extras[j].ExtraID })
}
