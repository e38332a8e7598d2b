package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Digi9ReachInfoSystems/returns-api/internal/services"
)

type stubRazorpayPayments struct {
	fetchFn  func(string, map[string]interface{}, map[string]string) (map[string]interface{}, error)
	refundFn func(string, int, map[string]interface{}, map[string]string) (map[string]interface{}, error)
}

func (s *stubRazorpayPayments) Fetch(paymentID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error) {
	if s.fetchFn != nil {
		return s.fetchFn(paymentID, queryParams, extraHeaders)
	}
	return map[string]interface{}{
		"id":              paymentID,
		"amount":          float64(300000),
		"currency":        "inr",
		"status":          "captured",
		"amount_refunded": float64(0),
	}, nil
}

func (s *stubRazorpayPayments) Refund(paymentID string, amount int, data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error) {
	if s.refundFn != nil {
		return s.refundFn(paymentID, amount, data, extraHeaders)
	}
	return map[string]interface{}{"id": "rfnd_1", "status": "processed"}, nil
}

func TestRazorpayLookupPayment(t *testing.T) {
	provider, err := NewRazorpayProvider(RazorpayProviderConfig{Payments: &stubRazorpayPayments{}})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	record, err := provider.LookupPayment(context.Background(), "pay_1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if record.Amount != 300000 || record.Currency != "INR" || record.Status != "captured" {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestRazorpayRefundCarriesReceipt(t *testing.T) {
	var gotReceipt string
	payments := &stubRazorpayPayments{
		refundFn: func(paymentID string, amount int, data map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
			if amount != 150000 {
				t.Fatalf("expected amount 150000 got %d", amount)
			}
			gotReceipt, _ = data["receipt"].(string)
			return map[string]interface{}{"id": "rfnd_2", "status": "processed"}, nil
		},
	}

	provider, err := NewRazorpayProvider(RazorpayProviderConfig{Payments: payments})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	result, err := provider.Refund(context.Background(), "pay_1", 150000, "ret-1-1700000000")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if result.RefundID != "rfnd_2" {
		t.Fatalf("unexpected result %+v", result)
	}
	if gotReceipt != "ret-1-1700000000" {
		t.Fatalf("expected idempotency key as receipt, got %q", gotReceipt)
	}
}

func TestRazorpayPayoutChain(t *testing.T) {
	var payoutIdempotency string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key_1" || pass != "secret_1" {
			t.Fatalf("expected basic auth credentials, got %q/%q", user, pass)
		}

		switch r.URL.Path {
		case "/contacts":
			json.NewEncoder(w).Encode(map[string]any{"id": "cont_9"})
		case "/fund_accounts":
			var payload map[string]any
			json.NewDecoder(r.Body).Decode(&payload)
			if payload["account_type"] != "bank_account" {
				t.Fatalf("expected bank_account fund account, got %v", payload["account_type"])
			}
			json.NewEncoder(w).Encode(map[string]any{"id": "fa_9"})
		case "/payouts":
			payoutIdempotency = r.Header.Get("X-Payout-Idempotency")
			json.NewEncoder(w).Encode(map[string]any{"id": "pout_9", "status": "processed"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	provider, err := NewRazorpayProvider(RazorpayProviderConfig{
		KeyID:         "key_1",
		KeySecret:     "secret_1",
		AccountNumber: "2323230099089860",
		BaseURL:       server.URL,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	ctx := context.Background()
	contactID, err := provider.CreateContact(ctx, services.PayoutContact{Name: "A Kumar", Reference: "cust-1"})
	if err != nil {
		t.Fatalf("create contact: %v", err)
	}
	if contactID != "cont_9" {
		t.Fatalf("unexpected contact id %q", contactID)
	}

	fundAccountID, err := provider.CreateFundAccount(ctx, contactID, services.BankDetails{
		AccountHolder: "A Kumar",
		AccountNumber: "1234567890",
		IFSC:          "HDFC0000001",
	})
	if err != nil {
		t.Fatalf("create fund account: %v", err)
	}
	if fundAccountID != "fa_9" {
		t.Fatalf("unexpected fund account id %q", fundAccountID)
	}

	result, err := provider.CreatePayout(ctx, services.PayoutRequest{
		FundAccountID:  fundAccountID,
		Amount:         150000,
		Currency:       "INR",
		Mode:           "IMPS",
		ReferenceID:    "ret-1-1700000000",
		IdempotencyKey: "ret-1-1700000000",
	})
	if err != nil {
		t.Fatalf("create payout: %v", err)
	}
	if result.PayoutID != "pout_9" || result.Status != "processed" {
		t.Fatalf("unexpected payout result %+v", result)
	}
	if payoutIdempotency != "ret-1-1700000000" {
		t.Fatalf("expected payout idempotency header, got %q", payoutIdempotency)
	}
}

func TestRazorpayPayoutErrorSurface(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"description": "fund account is inactive"},
		})
	}))
	defer server.Close()

	provider, err := NewRazorpayProvider(RazorpayProviderConfig{
		KeyID:         "key_1",
		KeySecret:     "secret_1",
		AccountNumber: "2323230099089860",
		BaseURL:       server.URL,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	_, err = provider.CreatePayout(context.Background(), services.PayoutRequest{FundAccountID: "fa_1", Amount: 1000})
	if err == nil || !strings.Contains(err.Error(), "fund account is inactive") {
		t.Fatalf("expected provider error description, got %v", err)
	}
}
