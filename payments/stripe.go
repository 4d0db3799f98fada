package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.uber.org/zap"

	"github.com/warp/rental-engine/generic"
	"github.com/warp/rental-engine/rental"
)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

// StripeConfig configures the StripeProcessor.
type StripeConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    *zap.Logger

	// Intents replaces the Stripe client, mainly in tests.
	Intents stripePaymentIntentAPI
}

// StripeProcessor charges cards with confirmed, off-session PaymentIntents.
type StripeProcessor struct {
	intents stripePaymentIntentAPI
	account string
	logger  *zap.Logger
}

var _ rental.PaymentProcessor = (*StripeProcessor)(nil)

func NewStripeProcessor(cfg StripeConfig) (*StripeProcessor, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Intents == nil {
		return nil, errors.New("stripe: api key is required")
	}

	intents := cfg.Intents
	if intents == nil {
		sc := client.New(apiKey, cfg.Backends)
		intents = sc.PaymentIntents
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StripeProcessor{
		intents: intents,
		account: strings.TrimSpace(cfg.AccountID),
		logger:  logger,
	}, nil
}

// Charge creates and confirms a PaymentIntent for req.Amount. The request
// idempotency key is forwarded, so a repeated call with the same key
// returns the original intent instead of charging twice.
func (p *StripeProcessor) Charge(ctx context.Context, req rental.ChargeRequest) (rental.ChargeResult, error) {
	if p == nil {
		return rental.ChargeResult{}, errors.New("stripe: processor is nil")
	}
	if !req.Amount.IsPositive() {
		return rental.ChargeResult{}, &generic.InvalidFieldError{Field: "amount", Reason: "must be positive"}
	}
	if strings.TrimSpace(req.Billing.PaymentMethod) == "" {
		return rental.ChargeResult{}, &generic.MissingFieldError{Field: "billing.payment_method"}
	}

	currency := req.Amount.Currency
	if currency == "" {
		currency = generic.DefaultCurrency
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount.MinorUnits()),
		Currency:      stripe.String(strings.ToLower(string(currency))),
		PaymentMethod: stripe.String(req.Billing.PaymentMethod),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String(string(stripe.PaymentIntentAutomaticPaymentMethodsAllowRedirectsNever)),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.Billing.Email != "" {
		params.ReceiptEmail = stripe.String(req.Billing.Email)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}

	intent, err := p.intents.New(params)
	if err != nil {
		mapped := mapStripeError(ctx, err)
		p.logger.Warn("payments.stripe.intent.failed",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("code", string(generic.CodeOf(mapped))),
			zap.Error(err))
		return rental.ChargeResult{}, mapped
	}

	p.logger.Info("payments.stripe.intent.created",
		zap.String("payment_intent", intent.ID),
		zap.String("status", string(intent.Status)),
		zap.Int64("amount", intent.Amount))

	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return rental.ChargeResult{Success: true, ReferenceID: intent.ID}, nil
	case stripe.PaymentIntentStatusRequiresCapture:
		// an authorization is not money received; release the hold
		p.release(ctx, intent.ID)
		return rental.ChargeResult{ReferenceID: intent.ID}, &generic.ProcessorError{
			Kind:   generic.ErrDeclined,
			Reason: fmt.Sprintf("payment intent %s was authorized but not captured", intent.ID),
		}
	default:
		return rental.ChargeResult{ReferenceID: intent.ID}, &generic.ProcessorError{
			Kind:   generic.ErrDeclined,
			Reason: fmt.Sprintf("payment intent %s is %s", intent.ID, intent.Status),
		}
	}
}

func (p *StripeProcessor) release(ctx context.Context, intentID string) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if _, err := p.intents.Cancel(intentID, params); err != nil {
		p.logger.Error("payments.stripe.intent.cancel_failed",
			zap.String("payment_intent", intentID),
			zap.Error(err))
		return
	}
	p.logger.Warn("payments.stripe.intent.uncaptured_released", zap.String("payment_intent", intentID))
}

// mapStripeError separates card declines from transport and API failures.
func mapStripeError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &generic.ProcessorError{Kind: generic.ErrNetworkError, Reason: "request aborted", Err: ctxErr}
	}

	var se *stripe.Error
	if !errors.As(err, &se) {
		return &generic.ProcessorError{Kind: generic.ErrNetworkError, Reason: "stripe unreachable", Err: err}
	}

	if se.Type == stripe.ErrorTypeCard {
		reason := string(se.DeclineCode)
		if reason == "" {
			reason = string(se.Code)
		}
		if reason == "" {
			reason = se.Msg
		}
		return &generic.ProcessorError{Kind: generic.ErrDeclined, Reason: reason, Err: err}
	}
	if se.HTTPStatusCode == 402 {
		return &generic.ProcessorError{Kind: generic.ErrDeclined, Reason: string(se.Code), Err: err}
	}
	return &generic.ProcessorError{Kind: generic.ErrNetworkError, Reason: string(se.Type), Err: err}
}
