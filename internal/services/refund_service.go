package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/Digi9ReachInfoSystems/returns-api/internal/domain"
)

const minorUnitFactor = 100

var (
	// ErrRefundInvalidInput signals the refund command is malformed.
	ErrRefundInvalidInput = errors.New("refund: invalid input")
	// ErrRefundPaymentMissing indicates the order carries no payment record.
	ErrRefundPaymentMissing = errors.New("refund: payment record missing")
	// ErrRefundInsufficientBalance indicates the refundable balance is exhausted.
	ErrRefundInsufficientBalance = errors.New("refund: insufficient refundable balance")
	// ErrRefundProviderRejected indicates the PSP reported a failed refund.
	ErrRefundProviderRejected = errors.New("refund: provider rejected")
	// ErrRefundProviderUnavailable indicates the PSP could not be reached.
	ErrRefundProviderUnavailable = errors.New("refund: provider unavailable")
)

// PayoutRequest describes a bank or wallet payout in minor currency units.
type PayoutRequest struct {
	FundAccountID  string
	Amount         int64
	Currency       string
	Mode           string
	ReferenceID    string
	IdempotencyKey string
	Narration      string
}

// PayoutResult reports the provider payout outcome.
type PayoutResult struct {
	PayoutID string
	Status   string
}

// PayoutContact identifies the payee registered with the payout provider.
type PayoutContact struct {
	Name      string
	Email     string
	Phone     string
	Reference string
}

// PaymentLookup normalises the provider payment record.
type PaymentLookup struct {
	PaymentID string
	Amount    int64
	Currency  string
	Status    string
	Refunded  int64
}

// SourceRefundResult reports the provider source-refund outcome.
type SourceRefundResult struct {
	RefundID string
	Status   string
}

// PaymentGateway is the slice of the payments manager the refund flow needs.
type PaymentGateway interface {
	LookupPayment(ctx context.Context, provider string, paymentID string) (PaymentLookup, error)
	RefundToSource(ctx context.Context, provider string, paymentID string, amount int64, idempotencyKey string) (SourceRefundResult, error)
	CreateContact(ctx context.Context, contact PayoutContact) (string, error)
	CreateFundAccount(ctx context.Context, contactID string, bank BankDetails) (string, error)
	CreatePayout(ctx context.Context, req PayoutRequest) (PayoutResult, error)
}

// RefundExecutorDeps bundles collaborators for the refund flow.
type RefundExecutorDeps struct {
	Gateway PaymentGateway
	Users   UserDirectory
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type refundExecutor struct {
	gateway PaymentGateway
	users   UserDirectory
	logger  func(context.Context, string, map[string]any)
}

// NewRefundExecutor wires the provider-facing refund flow.
func NewRefundExecutor(deps RefundExecutorDeps) (RefundExecutor, error) {
	if deps.Gateway == nil {
		return nil, errors.New("refund executor: payment gateway is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &refundExecutor{
		gateway: deps.Gateway,
		users:   deps.Users,
		logger:  logger,
	}, nil
}

// Execute issues the refund for an approved return.
//
// An order without a payment record cannot be refunded at all, so that check
// runs before any strategy is chosen. A payout to the customer's fund account
// is attempted when bank details exist and the customer asked for a bank or
// wallet refund; every payout step failure falls back to a source refund.
func (e *refundExecutor) Execute(ctx context.Context, cmd ExecuteRefundCommand) (RefundOutcome, error) {
	ret := cmd.Return
	if ret.Refund == nil {
		return RefundOutcome{}, fmt.Errorf("%w: return carries no refund record", ErrRefundInvalidInput)
	}
	amount := ret.Refund.Amount
	if amount <= 0 {
		return RefundOutcome{}, fmt.Errorf("%w: refund amount must be positive", ErrRefundInvalidInput)
	}
	currency := ret.Refund.Currency
	if currency == "" {
		currency = "INR"
	}

	payment := cmd.Order.Payment
	if payment == nil || strings.TrimSpace(payment.PaymentID) == "" {
		return RefundOutcome{}, fmt.Errorf("%w: order %s", ErrRefundPaymentMissing, cmd.Order.ID)
	}

	wantsPayout := ret.Refund.Method == domain.RefundMethodBankAccount || ret.Refund.Method == domain.RefundMethodWallet
	if wantsPayout {
		if bank := e.lookupBankDetails(ctx, ret.CustomerID); bank != nil {
			outcome, err := e.executePayout(ctx, ret, bank, amount, currency, cmd.Now)
			if err == nil {
				return outcome, nil
			}
			e.logger(ctx, "refund.payout.failed", map[string]any{
				"return": ret.ID,
				"error":  err.Error(),
			})
			// Fall through to the source refund.
		}
	}

	return e.executeSourceRefund(ctx, ret, *payment, amount, currency, cmd.Now)
}

// lookupBankDetails degrades to nil on any directory failure.
func (e *refundExecutor) lookupBankDetails(ctx context.Context, customerID string) *BankDetails {
	if e.users == nil {
		return nil
	}
	profile, err := e.users.FindByID(ctx, customerID)
	if err != nil {
		e.logger(ctx, "refund.bank.lookup.failed", map[string]any{
			"customer": customerID,
			"error":    err.Error(),
		})
		return nil
	}
	if profile.BankDetails == nil || strings.TrimSpace(profile.BankDetails.AccountNumber) == "" {
		return nil
	}
	return profile.BankDetails
}

func (e *refundExecutor) executePayout(ctx context.Context, ret ReturnRequest, bank *BankDetails, amount int64, currency string, now time.Time) (RefundOutcome, error) {
	contactID, err := e.gateway.CreateContact(ctx, PayoutContact{
		Name:      bank.AccountHolder,
		Reference: ret.CustomerID,
	})
	if err != nil {
		return RefundOutcome{}, err
	}

	fundAccountID, err := e.gateway.CreateFundAccount(ctx, contactID, *bank)
	if err != nil {
		return RefundOutcome{}, err
	}

	idempotencyKey := refundIdempotencyKey(ret.ID, now)
	result, err := e.gateway.CreatePayout(ctx, PayoutRequest{
		FundAccountID:  fundAccountID,
		Amount:         amount * minorUnitFactor,
		Currency:       currency,
		Mode:           payoutMode(ret.Refund.Method),
		ReferenceID:    idempotencyKey,
		IdempotencyKey: idempotencyKey,
		Narration:      "Return refund " + ret.ID,
	})
	if err != nil {
		return RefundOutcome{}, err
	}
	if strings.EqualFold(result.Status, "failed") {
		return RefundOutcome{}, fmt.Errorf("%w: payout %s reported failed", ErrRefundProviderRejected, result.PayoutID)
	}

	return RefundOutcome{
		Amount:      amount,
		Currency:    currency,
		Method:      ret.Refund.Method,
		Destination: "payout",
		Provider:    "razorpay",
		ProviderRef: result.PayoutID,
		ProcessedAt: now,
	}, nil
}

func (e *refundExecutor) executeSourceRefund(ctx context.Context, ret ReturnRequest, payment OrderPayment, amount int64, currency string, now time.Time) (RefundOutcome, error) {
	lookup, err := e.gateway.LookupPayment(ctx, payment.Provider, payment.PaymentID)
	if err != nil {
		return RefundOutcome{}, fmt.Errorf("%w: %v", ErrRefundProviderUnavailable, err)
	}

	refundable := lookup.Amount - lookup.Refunded
	if amount*minorUnitFactor > refundable {
		return RefundOutcome{}, fmt.Errorf("%w: requested %d, refundable %d", ErrRefundInsufficientBalance, amount*minorUnitFactor, refundable)
	}

	idempotencyKey := refundIdempotencyKey(ret.ID, now)
	result, err := e.gateway.RefundToSource(ctx, payment.Provider, payment.PaymentID, amount*minorUnitFactor, idempotencyKey)
	if err != nil {
		return RefundOutcome{}, fmt.Errorf("%w: %v", ErrRefundProviderUnavailable, err)
	}
	if strings.EqualFold(result.Status, "failed") {
		return RefundOutcome{}, fmt.Errorf("%w: refund %s reported failed", ErrRefundProviderRejected, result.RefundID)
	}

	return RefundOutcome{
		Amount:      amount,
		Currency:    currency,
		Method:      domain.RefundMethodSource,
		Destination: "source",
		Provider:    payment.Provider,
		ProviderRef: result.RefundID,
		ProcessedAt: now,
	}, nil
}

func payoutMode(method RefundMethod) string {
	if method == domain.RefundMethodWallet {
		return "UPI"
	}
	return "IMPS"
}

func refundIdempotencyKey(returnID string, now time.Time) string {
	return fmt.Sprintf("%s-%d", returnID, now.Unix())
}
