/*
Package payments provides rental.PaymentProcessor implementations.

PROCESSORS:
  StripeProcessor - confirmed off-session PaymentIntents (stripe-go v78)
  Sandbox         - deterministic in-process processor for development,
                    demo scenarios and handler tests

SANDBOX TOKENS:
  The Sandbox decides the outcome from BillingDetails.PaymentMethod, using
  the same test tokens Stripe documents:

    pm_card_visa, pm_card_mastercard, ""   success
    pm_card_chargeDeclined                 DECLINED (generic_decline)
    pm_card_chargeDeclinedInsufficientFunds DECLINED (insufficient_funds)
    pm_card_network_error                  NETWORK_ERROR

IDEMPOTENCY:
  Both processors honour ChargeRequest.IdempotencyKey: a repeated key
  returns the outcome of the first call without charging again. The
  sandbox's NETWORK_ERROR models a request that never arrived, so it is
  not remembered and a retry under the same key is processed afresh.

SEE ALSO:
  - rental/settlement.go: how charges are attempted and retried
*/
package payments

import (
	"context"
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/warp/rental-engine/generic"
	"github.com/warp/rental-engine/rental"
)

const (
	TokenVisa              = "pm_card_visa"
	TokenDeclined          = "pm_card_chargeDeclined"
	TokenInsufficientFunds = "pm_card_chargeDeclinedInsufficientFunds"
	TokenNetworkError      = "pm_card_network_error"
)

type sandboxOutcome struct {
	result rental.ChargeResult
	err    error
}

// Sandbox is a PaymentProcessor that never leaves the process.
type Sandbox struct {
	mu      sync.Mutex
	byKey   map[string]sandboxOutcome
	charges []rental.ChargeRequest
	logger  *zap.Logger
}

var _ rental.PaymentProcessor = (*Sandbox)(nil)

func NewSandbox(logger *zap.Logger) *Sandbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sandbox{byKey: make(map[string]sandboxOutcome), logger: logger}
}

func (s *Sandbox) Charge(ctx context.Context, req rental.ChargeRequest) (rental.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return rental.ChargeResult{}, &generic.ProcessorError{Kind: generic.ErrNetworkError, Reason: "request aborted", Err: err}
	}
	if !req.Amount.IsPositive() {
		return rental.ChargeResult{}, &generic.InvalidFieldError{Field: "amount", Reason: "must be positive"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IdempotencyKey != "" {
		if prior, ok := s.byKey[req.IdempotencyKey]; ok {
			return prior.result, prior.err
		}
	}

	var out sandboxOutcome
	switch req.Billing.PaymentMethod {
	case TokenDeclined:
		out.err = &generic.ProcessorError{Kind: generic.ErrDeclined, Reason: "generic_decline"}
	case TokenInsufficientFunds:
		out.err = &generic.ProcessorError{Kind: generic.ErrDeclined, Reason: "insufficient_funds"}
	case TokenNetworkError:
		out.err = &generic.ProcessorError{Kind: generic.ErrNetworkError, Reason: "connection reset"}
	default:
		out.result = rental.ChargeResult{Success: true, ReferenceID: "pi_sbx_" + ulid.Make().String()}
		s.charges = append(s.charges, req)
	}

	if req.IdempotencyKey != "" && !errors.Is(out.err, generic.ErrNetworkError) {
		s.byKey[req.IdempotencyKey] = out
	}
	s.logger.Info("payments.sandbox.charge",
		zap.String("amount", req.Amount.String()),
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.Bool("success", out.err == nil))
	return out.result, out.err
}

// Charges returns the successful charges in call order.
func (s *Sandbox) Charges() []rental.ChargeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rental.ChargeRequest(nil), s.charges...)
}
