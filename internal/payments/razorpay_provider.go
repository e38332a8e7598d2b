package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	razorpay "github.com/razorpay/razorpay-go"

	"github.com/Digi9ReachInfoSystems/returns-api/internal/services"
)

const (
	razorpayDefaultBaseURL = "https://api.razorpay.com/v1"
	razorpayPayoutPurpose  = "refund"

	// X-Payout-Idempotency makes payout creation safe to retry; Razorpay
	// returns the original payout for a repeated key.
	razorpayIdempotencyHeader = "X-Payout-Idempotency"
)

// RazorpayLogger defines the logging contract for Razorpay operations.
type RazorpayLogger func(ctx context.Context, event string, fields map[string]any)

// razorpayPaymentAPI narrows the SDK surface the provider needs so tests can
// stub it.
type razorpayPaymentAPI interface {
	Fetch(paymentID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	Refund(paymentID string, amount int, data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// RazorpayProviderConfig configures the RazorpayProvider.
type RazorpayProviderConfig struct {
	KeyID     string
	KeySecret string
	// AccountNumber is the RazorpayX virtual account payouts are debited from.
	AccountNumber string
	BaseURL       string
	HTTPClient    *http.Client
	Logger        RazorpayLogger
	// Payments overrides the SDK client, primarily for tests.
	Payments razorpayPaymentAPI
}

// RazorpayProvider implements source refunds through the Razorpay SDK and
// payouts through the RazorpayX REST API, which the SDK does not cover.
type RazorpayProvider struct {
	payments      razorpayPaymentAPI
	keyID         string
	keySecret     string
	accountNumber string
	baseURL       string
	httpClient    *http.Client
	logger        RazorpayLogger
}

// NewRazorpayProvider constructs a Razorpay Provider using the given configuration.
func NewRazorpayProvider(cfg RazorpayProviderConfig) (*RazorpayProvider, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	keySecret := strings.TrimSpace(cfg.KeySecret)
	if (keyID == "" || keySecret == "") && cfg.Payments == nil {
		return nil, errors.New("razorpay: key id and secret are required")
	}

	payments := cfg.Payments
	if payments == nil {
		client := razorpay.NewClient(keyID, keySecret)
		payments = client.Payment
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = razorpayDefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &RazorpayProvider{
		payments:      payments,
		keyID:         keyID,
		keySecret:     keySecret,
		accountNumber: strings.TrimSpace(cfg.AccountNumber),
		baseURL:       baseURL,
		httpClient:    httpClient,
		logger:        logger,
	}, nil
}

// LookupPayment fetches the payment record.
func (p *RazorpayProvider) LookupPayment(ctx context.Context, paymentID string) (PaymentRecord, error) {
	if p == nil || p.payments == nil {
		return PaymentRecord{}, errors.New("razorpay: provider is nil")
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return PaymentRecord{}, errors.New("razorpay: payment id is required")
	}

	payment, err := p.payments.Fetch(paymentID, nil, nil)
	if err != nil {
		return PaymentRecord{}, fmt.Errorf("razorpay: fetch payment %s: %w", paymentID, err)
	}

	return PaymentRecord{
		PaymentID: stringField(payment, "id"),
		Amount:    int64Field(payment, "amount"),
		Currency:  strings.ToUpper(stringField(payment, "currency")),
		Status:    stringField(payment, "status"),
		Refunded:  int64Field(payment, "amount_refunded"),
	}, nil
}

// Refund creates a source refund against the original payment. The
// idempotency key rides along as the refund receipt so retried attempts stay
// traceable at the PSP.
func (p *RazorpayProvider) Refund(ctx context.Context, paymentID string, amount int64, idempotencyKey string) (RefundResult, error) {
	if p == nil || p.payments == nil {
		return RefundResult{}, errors.New("razorpay: provider is nil")
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return RefundResult{}, errors.New("razorpay: payment id is required")
	}
	if amount <= 0 {
		return RefundResult{}, errors.New("razorpay: refund amount must be positive")
	}

	data := map[string]interface{}{
		"speed": "normal",
	}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		data["receipt"] = key
	}

	refund, err := p.payments.Refund(paymentID, int(amount), data, nil)
	if err != nil {
		return RefundResult{}, fmt.Errorf("razorpay: refund payment %s: %w", paymentID, err)
	}

	result := RefundResult{
		RefundID: stringField(refund, "id"),
		Status:   stringField(refund, "status"),
	}
	p.logger(ctx, "payments.razorpay.refund.created", map[string]any{
		"payment": paymentID,
		"refund":  result.RefundID,
		"status":  result.Status,
	})
	return result, nil
}

// CreateContact registers the payee with RazorpayX.
func (p *RazorpayProvider) CreateContact(ctx context.Context, contact services.PayoutContact) (string, error) {
	if p == nil {
		return "", errors.New("razorpay: provider is nil")
	}
	if strings.TrimSpace(contact.Name) == "" {
		return "", errors.New("razorpay: contact name is required")
	}

	payload := map[string]interface{}{
		"name": strings.TrimSpace(contact.Name),
		"type": "customer",
	}
	if email := strings.TrimSpace(contact.Email); email != "" {
		payload["email"] = email
	}
	if phone := strings.TrimSpace(contact.Phone); phone != "" {
		payload["contact"] = phone
	}
	if ref := strings.TrimSpace(contact.Reference); ref != "" {
		payload["reference_id"] = ref
	}

	var response map[string]interface{}
	if err := p.doJSON(ctx, http.MethodPost, "/contacts", "", payload, &response); err != nil {
		return "", err
	}
	contactID := stringField(response, "id")
	if contactID == "" {
		return "", errors.New("razorpay: contact response missing id")
	}
	return contactID, nil
}

// CreateFundAccount registers the payout destination under a contact. A VPA
// wins over bank details when both are on file.
func (p *RazorpayProvider) CreateFundAccount(ctx context.Context, contactID string, bank services.BankDetails) (string, error) {
	if p == nil {
		return "", errors.New("razorpay: provider is nil")
	}
	contactID = strings.TrimSpace(contactID)
	if contactID == "" {
		return "", errors.New("razorpay: contact id is required")
	}

	payload := map[string]interface{}{
		"contact_id": contactID,
	}
	switch {
	case strings.TrimSpace(bank.VPA) != "":
		payload["account_type"] = "vpa"
		payload["vpa"] = map[string]interface{}{
			"address": strings.TrimSpace(bank.VPA),
		}
	case strings.TrimSpace(bank.AccountNumber) != "":
		payload["account_type"] = "bank_account"
		payload["bank_account"] = map[string]interface{}{
			"name":           strings.TrimSpace(bank.AccountHolder),
			"ifsc":           strings.ToUpper(strings.TrimSpace(bank.IFSC)),
			"account_number": strings.TrimSpace(bank.AccountNumber),
		}
	default:
		return "", errors.New("razorpay: bank details carry no destination")
	}

	var response map[string]interface{}
	if err := p.doJSON(ctx, http.MethodPost, "/fund_accounts", "", payload, &response); err != nil {
		return "", err
	}
	fundAccountID := stringField(response, "id")
	if fundAccountID == "" {
		return "", errors.New("razorpay: fund account response missing id")
	}
	return fundAccountID, nil
}

// CreatePayout pushes money to the fund account.
func (p *RazorpayProvider) CreatePayout(ctx context.Context, req services.PayoutRequest) (services.PayoutResult, error) {
	if p == nil {
		return services.PayoutResult{}, errors.New("razorpay: provider is nil")
	}
	if p.accountNumber == "" {
		return services.PayoutResult{}, errors.New("razorpay: payout account number not configured")
	}
	if strings.TrimSpace(req.FundAccountID) == "" {
		return services.PayoutResult{}, errors.New("razorpay: fund account id is required")
	}
	if req.Amount <= 0 {
		return services.PayoutResult{}, errors.New("razorpay: payout amount must be positive")
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "INR"
	}
	mode := strings.ToUpper(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = "IMPS"
	}

	payload := map[string]interface{}{
		"account_number":       p.accountNumber,
		"fund_account_id":      strings.TrimSpace(req.FundAccountID),
		"amount":               req.Amount,
		"currency":             currency,
		"mode":                 mode,
		"purpose":              razorpayPayoutPurpose,
		"queue_if_low_balance": true,
	}
	if ref := strings.TrimSpace(req.ReferenceID); ref != "" {
		payload["reference_id"] = ref
	}
	if narration := strings.TrimSpace(req.Narration); narration != "" {
		payload["narration"] = narration
	}

	var response map[string]interface{}
	if err := p.doJSON(ctx, http.MethodPost, "/payouts", strings.TrimSpace(req.IdempotencyKey), payload, &response); err != nil {
		return services.PayoutResult{}, err
	}

	result := services.PayoutResult{
		PayoutID: stringField(response, "id"),
		Status:   stringField(response, "status"),
	}
	p.logger(ctx, "payments.razorpay.payout.created", map[string]any{
		"payout": result.PayoutID,
		"status": result.Status,
		"mode":   mode,
	})
	return result, nil
}

func (p *RazorpayProvider) doJSON(ctx context.Context, method, path, idempotencyKey string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("razorpay: marshal %s payload: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("razorpay: build %s request: %w", path, err)
	}
	req.SetBasicAuth(p.keyID, p.keySecret)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(razorpayIdempotencyHeader, idempotencyKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("razorpay: %s request: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("razorpay: read %s response: %w", path, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("razorpay: %s returned %d: %s", path, resp.StatusCode, razorpayErrorDescription(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("razorpay: decode %s response: %w", path, err)
		}
	}
	return nil
}

func razorpayErrorDescription(data []byte) string {
	var envelope struct {
		Error struct {
			Description string `json:"description"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Description != "" {
		return envelope.Error.Description
	}
	return strings.TrimSpace(string(data))
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if value, ok := m[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func int64Field(m map[string]interface{}, key string) int64 {
	if m == nil {
		return 0
	}
	switch value := m[key].(type) {
	case float64:
		return int64(value)
	case int64:
		return value
	case int:
		return int64(value)
	case json.Number:
		if parsed, err := value.Int64(); err == nil {
			return parsed
		}
	}
	return 0
}

var (
	_ Provider       = (*RazorpayProvider)(nil)
	_ PayoutProvider = (*RazorpayProvider)(nil)
)
