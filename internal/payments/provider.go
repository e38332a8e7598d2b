package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Digi9ReachInfoSystems/returns-api/internal/services"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// ErrPayoutsUnavailable is returned when no payout-capable provider is configured.
var ErrPayoutsUnavailable = errors.New("payments: payouts not configured")

// PaymentRecord normalises PSP payment details for refund decisions. Amounts
// are in minor currency units, as reported by the provider.
type PaymentRecord struct {
	PaymentID string
	Amount    int64
	Currency  string
	Status    string
	Refunded  int64
}

// RefundResult reports a source refund created at the PSP.
type RefundResult struct {
	RefundID string
	Status   string
}

// Provider defines the contract PSP adapters implement for source refunds.
type Provider interface {
	LookupPayment(ctx context.Context, paymentID string) (PaymentRecord, error)
	Refund(ctx context.Context, paymentID string, amount int64, idempotencyKey string) (RefundResult, error)
}

// PayoutProvider is implemented by providers that can push money to a
// customer's bank account or VPA.
type PayoutProvider interface {
	CreateContact(ctx context.Context, contact services.PayoutContact) (string, error)
	CreateFundAccount(ctx context.Context, contactID string, bank services.BankDetails) (string, error)
	CreatePayout(ctx context.Context, req services.PayoutRequest) (services.PayoutResult, error)
}

// Manager coordinates provider selection and exposes the gateway the refund
// flow consumes.
type Manager struct {
	providers       map[string]Provider
	payouts         PayoutProvider
	defaultProvider string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the provider used when a payment record does
// not name one.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithPayoutProvider registers the payout-capable provider.
func WithPayoutProvider(provider PayoutProvider) ManagerOption {
	return func(m *Manager) {
		m.payouts = provider
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["razorpay"]; ok {
		m.defaultProvider = "razorpay"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) resolveProvider(name string) (Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return nil, errors.New("payments: no providers registered")
	}
	if key := strings.TrimSpace(strings.ToLower(name)); key != "" {
		if p, ok := m.providers[key]; ok {
			return p, nil
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return p, nil
		}
	}
	if len(m.providers) == 1 {
		for _, p := range m.providers {
			return p, nil
		}
	}
	return nil, ErrUnsupportedProvider
}

// LookupPayment delegates to the provider named on the payment record.
func (m *Manager) LookupPayment(ctx context.Context, provider string, paymentID string) (services.PaymentLookup, error) {
	p, err := m.resolveProvider(provider)
	if err != nil {
		return services.PaymentLookup{}, err
	}
	record, err := p.LookupPayment(ctx, paymentID)
	if err != nil {
		return services.PaymentLookup{}, err
	}
	return services.PaymentLookup{
		PaymentID: record.PaymentID,
		Amount:    record.Amount,
		Currency:  record.Currency,
		Status:    record.Status,
		Refunded:  record.Refunded,
	}, nil
}

// RefundToSource delegates a source refund to the resolved provider.
func (m *Manager) RefundToSource(ctx context.Context, provider string, paymentID string, amount int64, idempotencyKey string) (services.SourceRefundResult, error) {
	p, err := m.resolveProvider(provider)
	if err != nil {
		return services.SourceRefundResult{}, err
	}
	result, err := p.Refund(ctx, paymentID, amount, idempotencyKey)
	if err != nil {
		return services.SourceRefundResult{}, err
	}
	return services.SourceRefundResult{
		RefundID: result.RefundID,
		Status:   result.Status,
	}, nil
}

// CreateContact registers the payee with the payout provider.
func (m *Manager) CreateContact(ctx context.Context, contact services.PayoutContact) (string, error) {
	if m == nil || m.payouts == nil {
		return "", ErrPayoutsUnavailable
	}
	return m.payouts.CreateContact(ctx, contact)
}

// CreateFundAccount registers the payout destination under a contact.
func (m *Manager) CreateFundAccount(ctx context.Context, contactID string, bank services.BankDetails) (string, error) {
	if m == nil || m.payouts == nil {
		return "", ErrPayoutsUnavailable
	}
	return m.payouts.CreateFundAccount(ctx, contactID, bank)
}

// CreatePayout pushes money to a previously registered fund account.
func (m *Manager) CreatePayout(ctx context.Context, req services.PayoutRequest) (services.PayoutResult, error) {
	if m == nil || m.payouts == nil {
		return services.PayoutResult{}, ErrPayoutsUnavailable
	}
	return m.payouts.CreatePayout(ctx, req)
}

var _ services.PaymentGateway = (*Manager)(nil)
