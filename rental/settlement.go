/*
settlement.go - State machine for settling a non-zero price difference

STATES:
                 selectMethod(card)            charge ok + write ok
  AWAITING_METHOD ─────────────────▶ PROCESSING ─────────────────────▶ SETTLED
        ▲   │                            │
        │   │ selectMethod(cash)         │ charge failed
        │   └── write ok ───────────────────────────────────────────▶ SETTLED
        │                                ▼
        └────── retry / selectMethod ── FAILED

  AWAITING_CONFIRMATION ── confirm + write ok ──▶ SETTLED     (refunds)

  Any state before SETTLED ── cancel ──▶ CANCELLED

ATOMICITY:
  SETTLED is entered only after the repository accepted the single
  versioned write that carries the new fields, the replaced financials,
  the cumulative delta and the ledger entry. A failed charge never
  writes. A failed write after a successful charge keeps the flow in
  PROCESSING with the charge reference; ResumeCommit repeats the write
  without charging again.

HOLD:
  Before the processor is called the reservation is held for the
  proposal at the version the proposal was priced against. Other writers
  and holders get CONCURRENT_MODIFICATION until the settling write lands
  (which clears the hold), the hold is released or EditService.HoldTTL
  passes. A definite decline releases the hold; an ambiguous failure
  keeps it, because the money may have moved.

CANCELLATION:
  Cancel during PROCESSING cancels the charge context and returns
  ErrCancelPending: the outcome is decided by the processor. If it still
  reports success the settlement completes, because the customer has
  paid. Once a charge is captured the flow can no longer be cancelled.

IDEMPOTENCY:
  Card charges use the key "<proposal id>-<attempt>". The attempt lives
  on the proposal and advances only after a definite decline, so a retry
  after a network error, a new flow for the same proposal or a proposal
  restored from a snapshot all replay the same key and the processor
  charges at most once. The ledger entry key is "settlement-<flow id>".
*/
package rental

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/rental-engine/generic"
)

type FlowState string

const (
	StateAwaitingMethod       FlowState = "AWAITING_METHOD"
	StateAwaitingConfirmation FlowState = "AWAITING_CONFIRMATION"
	StateProcessing           FlowState = "PROCESSING"
	StateSettled              FlowState = "SETTLED"
	StateFailed               FlowState = "FAILED"
	StateCancelled            FlowState = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s FlowState) Terminal() bool {
	return s == StateSettled || s == StateCancelled
}

// =============================================================================
// SETTLEMENT FLOW
// =============================================================================

type SettlementFlow struct {
	mu sync.Mutex

	svc             *EditService
	proposal        *EditProposal
	id              string
	reservationID   string
	original        *Reservation
	expectedVersion int64
	patch           ReservationPatch
	breakdown       PriceBreakdown
	record          SettlementRecord

	state           FlowState
	attempts        int
	charged         bool
	chargeRef       string
	cancelRequested bool
	cancelCharge    context.CancelFunc
	lastError       string
	result          *Reservation

	createdAt time.Time
	updatedAt time.Time
	settledAt time.Time
}

func (s *EditService) newFlow(p *EditProposal, patch ReservationPatch, b PriceBreakdown, rec SettlementRecord) *SettlementFlow {
	now := s.now()
	f := &SettlementFlow{
		svc:             s,
		proposal:        p,
		id:              s.newID(),
		reservationID:   p.reservationID,
		original:        p.original.Clone(),
		expectedVersion: p.original.Version,
		patch:           patch,
		breakdown:       b,
		record:          rec,
		state:           StateAwaitingMethod,
		createdAt:       now,
		updatedAt:       now,
	}
	if rec.Disposition == DispositionRefund {
		f.state = StateAwaitingConfirmation
		f.record.Method = MethodCredit
	}
	return f
}

func (f *SettlementFlow) ID() string         { return f.id }
func (f *SettlementFlow) ProposalID() string { return f.proposal.id }

func (f *SettlementFlow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// FlowSnapshot is a point-in-time copy of a flow.
type FlowSnapshot struct {
	ID              string           `json:"id"`
	ProposalID      string           `json:"proposal_id"`
	ReservationID   string           `json:"reservation_id"`
	State           FlowState        `json:"state"`
	Record          SettlementRecord `json:"record"`
	Breakdown       PriceBreakdown   `json:"breakdown"`
	Attempts        int              `json:"attempts"`
	ChargeReference string           `json:"charge_reference,omitempty"`
	AwaitingWrite   bool             `json:"awaiting_write"`
	LastError       string           `json:"last_error,omitempty"`
	Reservation     *Reservation     `json:"reservation,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	SettledAt       time.Time        `json:"settled_at,omitempty"`
}

func (f *SettlementFlow) Snapshot() FlowSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.breakdown
	b.Lines = append([]ExtraLine(nil), f.breakdown.Lines...)
	return FlowSnapshot{
		ID:              f.id,
		ProposalID:      f.proposal.id,
		ReservationID:   f.reservationID,
		State:           f.state,
		Record:          f.record,
		Breakdown:       b,
		Attempts:        f.attempts,
		ChargeReference: f.chargeRef,
		AwaitingWrite:   f.state == StateProcessing && f.charged,
		LastError:       f.lastError,
		Reservation:     f.result.Clone(),
		CreatedAt:       f.createdAt,
		UpdatedAt:       f.updatedAt,
		SettledAt:       f.settledAt,
	}
}

func (f *SettlementFlow) transitionErrorLocked(op string) error {
	return &generic.TransitionError{Operation: op, State: string(f.state)}
}

func (f *SettlementFlow) setStateLocked(s FlowState) {
	f.state = s
	f.updatedAt = f.svc.now()
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// SelectMethod settles a PAY difference. Valid in AWAITING_METHOD, and in
// FAILED, which is first returned to AWAITING_METHOD.
// Card delegates to the payment processor; cash is acknowledged and booked
// as due at the counter.
func (f *SettlementFlow) SelectMethod(ctx context.Context, method Method, billing BillingDetails) error {
	f.mu.Lock()

	if !method.Valid() {
		f.mu.Unlock()
		return &generic.InvalidFieldError{Field: "method", Reason: fmt.Sprintf("unsupported method %q", method)}
	}
	if f.state == StateFailed && !f.charged {
		f.setStateLocked(StateAwaitingMethod)
	}
	if f.state != StateAwaitingMethod {
		err := f.transitionErrorLocked("select method")
		f.mu.Unlock()
		return err
	}
	if method == MethodCash && f.proposal.chargePending() {
		err := f.transitionErrorLocked("settle in cash while a card charge is unresolved")
		f.mu.Unlock()
		return err
	}
	if method == MethodCard && f.svc.Processor == nil {
		f.mu.Unlock()
		return errors.New("settlement: no payment processor configured")
	}
	if err := f.proposal.acquire(); err != nil {
		f.mu.Unlock()
		return err
	}

	f.record.Method = method
	if method == MethodCash {
		defer f.mu.Unlock()
		defer f.proposal.release()
		if err := f.commitLocked(ctx); err != nil {
			f.setStateLocked(StateFailed)
			return err
		}
		return nil
	}

	f.attempts++
	chargeCtx, cancel := context.WithCancel(ctx)
	f.cancelCharge = cancel
	f.cancelRequested = false
	f.lastError = ""
	f.setStateLocked(StateProcessing)
	req := ChargeRequest{
		Amount:         f.record.Amount,
		Billing:        billing,
		IdempotencyKey: f.proposal.nextChargeKey(),
		Description:    fmt.Sprintf("Reservation %s modification", f.original.Number),
		Metadata: map[string]string{
			"reservation_id": f.reservationID,
			"flow_id":        f.id,
			"proposal_id":    f.proposal.id,
		},
	}
	f.mu.Unlock()

	result, called, err := f.charge(chargeCtx, req)
	cancel()
	f.proposal.chargeFinished(called, err, result.ReferenceID)

	f.mu.Lock()
	defer f.mu.Unlock()
	defer f.proposal.release()
	f.cancelCharge = nil

	if err != nil {
		f.lastError = err.Error()
		f.releaseHoldLocked(context.WithoutCancel(ctx))
		if f.cancelRequested {
			f.setStateLocked(StateCancelled)
			f.proposal.finish(ProposalDiscarded, nil, f.updatedAt)
			f.svc.logger().Info("settlement cancelled during charge",
				zap.String("flow_id", f.id),
				zap.Error(err))
			return fmt.Errorf("settlement %s cancelled: %w", f.id, err)
		}
		f.setStateLocked(StateFailed)
		f.svc.logger().Warn("card charge failed",
			zap.String("flow_id", f.id),
			zap.String("reservation_id", f.reservationID),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("code", string(generic.CodeOf(err))),
			zap.Error(err))
		return err
	}

	f.charged = true
	f.chargeRef = result.ReferenceID
	f.svc.logger().Info("card charged",
		zap.String("flow_id", f.id),
		zap.String("reference", result.ReferenceID),
		zap.String("amount", f.record.Amount.String()))
	return f.commitLocked(ctx)
}

// charge holds the reservation at the priced version, then calls the
// processor. called reports whether the processor was reached.
func (f *SettlementFlow) charge(ctx context.Context, req ChargeRequest) (result ChargeResult, called bool, err error) {
	until := f.svc.now().Add(f.svc.holdTTL())
	if err := f.svc.Repository.HoldReservation(ctx, f.reservationID, f.proposal.id, f.expectedVersion, until); err != nil {
		return ChargeResult{}, false, fmt.Errorf("settlement %s: hold reservation: %w", f.id, err)
	}

	result, err = f.svc.Processor.Charge(ctx, req)
	if err != nil {
		return ChargeResult{}, true, err
	}
	if !result.Success {
		return ChargeResult{}, true, &generic.ProcessorError{Kind: generic.ErrDeclined, Reason: "charge was not successful"}
	}
	return result, true, nil
}

// releaseHoldLocked drops the proposal's hold unless a card charge may
// still have gone through.
func (f *SettlementFlow) releaseHoldLocked(ctx context.Context) {
	if f.charged || f.proposal.chargePending() {
		return
	}
	if err := f.svc.Repository.ReleaseReservation(ctx, f.reservationID, f.proposal.id); err != nil {
		f.svc.logger().Warn("release reservation hold failed",
			zap.String("flow_id", f.id),
			zap.String("reservation_id", f.reservationID),
			zap.Error(err))
	}
}

// Confirm applies a refund credit. Valid only in AWAITING_CONFIRMATION.
func (f *SettlementFlow) Confirm(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateAwaitingConfirmation {
		return f.transitionErrorLocked("confirm")
	}
	if err := f.proposal.acquire(); err != nil {
		return err
	}
	defer f.proposal.release()
	return f.commitLocked(ctx)
}

// Retry returns a FAILED flow to AWAITING_METHOD.
func (f *SettlementFlow) Retry() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateFailed || f.charged {
		return f.transitionErrorLocked("retry")
	}
	f.setStateLocked(StateAwaitingMethod)
	return nil
}

// ResumeCommit repeats the reservation write after a captured charge whose
// write failed. The card is not charged again.
func (f *SettlementFlow) ResumeCommit(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateProcessing || !f.charged {
		return f.transitionErrorLocked("resume commit")
	}
	if err := f.proposal.acquire(); err != nil {
		return err
	}
	defer f.proposal.release()
	return f.commitLocked(ctx)
}

// Cancel abandons the flow and discards its proposal. The reservation is
// not touched. Cancelling an already cancelled flow is a no-op. While a
// charge is in flight Cancel only requests cancellation and returns
// ErrCancelPending; the flow ends CANCELLED or SETTLED once the processor
// answers.
func (f *SettlementFlow) Cancel() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StateCancelled:
		return nil
	case StateSettled:
		return f.transitionErrorLocked("cancel")
	case StateProcessing:
		if f.charged {
			return f.transitionErrorLocked("cancel")
		}
		f.cancelRequested = true
		if f.cancelCharge != nil {
			f.cancelCharge()
		}
		return fmt.Errorf("settlement %s: %w", f.id, generic.ErrCancelPending)
	}

	f.setStateLocked(StateCancelled)
	f.releaseHoldLocked(context.Background())
	f.proposal.finish(ProposalDiscarded, nil, f.updatedAt)
	f.svc.logger().Info("settlement cancelled", zap.String("flow_id", f.id))
	return nil
}

// supersede cancels the flow without discarding the proposal, so the
// proposal can be rebased and committed again.
func (f *SettlementFlow) supersede() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StateCancelled:
		return nil
	case StateProcessing, StateSettled:
		return f.transitionErrorLocked("rebase")
	}
	f.setStateLocked(StateCancelled)
	return nil
}

// =============================================================================
// ATOMIC WRITE
// =============================================================================

func (f *SettlementFlow) commitLocked(ctx context.Context) error {
	now := f.svc.now()
	patch := f.patch
	patch.Extras = CloneExtras(f.patch.Extras)
	patch.Holder = f.proposal.id
	amount := f.record.Amount

	entry := generic.Entry{
		ID:             f.svc.newID(),
		ReservationID:  f.reservationID,
		Method:         string(f.record.Method),
		PreviousTotal:  f.original.PaidTotal,
		NewTotal:       patch.PaidTotal,
		FlowID:         f.id,
		IdempotencyKey: "settlement-" + f.id,
		RecordedAt:     now,
		Metadata:       map[string]string{"proposal_id": f.proposal.id},
	}
	switch f.record.Method {
	case MethodCard:
		entry.Type = generic.EntryCharge
		entry.Amount = amount
		entry.ReferenceID = f.chargeRef
		patch.AmountPaidExtraDelta = amount
	case MethodCash:
		entry.Type = generic.EntryCounter
		entry.Amount = amount
		patch.AmountDueAtCounterDelta = amount
	case MethodCredit:
		entry.Type = generic.EntryCredit
		entry.Amount = amount.Neg()
		patch.AmountCreditedDelta = amount
	default:
		return fmt.Errorf("settlement %s: no method selected", f.id)
	}
	patch.Entry = entry

	updated, err := f.svc.Repository.WriteReservation(ctx, f.reservationID, patch, f.expectedVersion)
	if err != nil {
		f.lastError = err.Error()
		f.updatedAt = now
		if f.charged {
			f.svc.logger().Error("charge captured but reservation write failed",
				zap.String("flow_id", f.id),
				zap.String("reservation_id", f.reservationID),
				zap.String("reference", f.chargeRef),
				zap.Error(err))
		}
		return fmt.Errorf("settlement %s: write reservation: %w", f.id, err)
	}

	f.result = updated
	f.record.Timestamp = now
	f.settledAt = now
	f.lastError = ""
	f.setStateLocked(StateSettled)
	f.proposal.finish(ProposalCommitted, &f.record, now)

	f.svc.logger().Info("settlement completed",
		zap.String("flow_id", f.id),
		zap.String("reservation_id", f.reservationID),
		zap.String("method", string(f.record.Method)),
		zap.String("disposition", string(f.record.Disposition)),
		zap.String("amount", amount.String()),
		zap.Int64("version", updated.Version))
	f.svc.publish(ctx, updated, f.record)
	return nil
}
