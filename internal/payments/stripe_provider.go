package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clients   *stripeClients
}

// StripeProvider implements source refunds for orders paid through Stripe.
// International customers pay through Stripe; their refunds always go back to
// the original instrument, so no payout surface exists here.
type StripeProvider struct {
	api     stripeClients
	account string
	logger  StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	clients, err := buildStripeClients(cfg)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		logger:  logger,
	}, nil
}

func buildStripeClients(cfg StripeProviderConfig) (stripeClients, error) {
	if cfg.Clients != nil {
		clients := *cfg.Clients
		if clients.intents == nil || clients.refunds == nil {
			return stripeClients{}, errors.New("stripe: incomplete client configuration")
		}
		return clients, nil
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return stripeClients{}, errors.New("stripe: api key is required")
	}

	sc := client.New(apiKey, cfg.Backends)
	return stripeClients{intents: sc.PaymentIntents, refunds: sc.Refunds}, nil
}

// LookupPayment retrieves the Payment Intent backing the order payment.
func (p *StripeProvider) LookupPayment(ctx context.Context, paymentID string) (PaymentRecord, error) {
	if p == nil {
		return PaymentRecord{}, errors.New("stripe: provider is nil")
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return PaymentRecord{}, errors.New("stripe: payment id is required")
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	p.scopeToAccount(&params.Params)

	intent, err := p.api.intents.Get(paymentID, params)
	if err != nil {
		return PaymentRecord{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	return stripePaymentRecord(intent), nil
}

// Refund creates a refund against the Payment Intent.
func (p *StripeProvider) Refund(ctx context.Context, paymentID string, amount int64, idempotencyKey string) (RefundResult, error) {
	if p == nil {
		return RefundResult{}, errors.New("stripe: provider is nil")
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return RefundResult{}, errors.New("stripe: payment id is required")
	}
	if amount <= 0 {
		return RefundResult{}, errors.New("stripe: refund amount must be positive")
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentID),
		Amount:        stripe.Int64(amount),
	}
	params.Context = ctx
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	p.scopeToAccount(&params.Params)

	refund, err := p.api.refunds.New(params)
	if err != nil {
		return RefundResult{}, fmt.Errorf("stripe: refund payment intent: %w", err)
	}

	result := RefundResult{
		RefundID: refund.ID,
		Status:   string(refund.Status),
	}
	p.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"paymentIntent": paymentID,
		"refund":        result.RefundID,
		"status":        result.Status,
	})
	return result, nil
}

// scopeToAccount pins the call to the connected account when one is set.
func (p *StripeProvider) scopeToAccount(params *stripe.Params) {
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
}

func stripePaymentRecord(intent *stripe.PaymentIntent) PaymentRecord {
	if intent == nil {
		return PaymentRecord{}
	}

	record := PaymentRecord{
		PaymentID: intent.ID,
		Amount:    intent.Amount,
		Currency:  strings.ToUpper(string(intent.Currency)),
		Status:    string(intent.Status),
	}
	if charge := intent.LatestCharge; charge != nil {
		record.Refunded = charge.AmountRefunded
		if record.Currency == "" {
			record.Currency = strings.ToUpper(string(charge.Currency))
		}
	}
	return record
}

var _ Provider = (*StripeProvider)(nil)
