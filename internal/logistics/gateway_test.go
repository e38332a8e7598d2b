package logistics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Digi9ReachInfoSystems/returns-api/internal/services"
)

func bookingRequest() services.PickupBookingRequest {
	return services.PickupBookingRequest{
		ReturnID: "ret-1",
		OrderID:  "ord-1",
		SKU:      "SKU-1",
		Quantity: 1,
		Address: services.Address{
			Recipient:  "A Kumar",
			Line1:      "14 MG Road",
			City:       "Bengaluru",
			PostalCode: "560001",
			Country:    "IN",
		},
	}
}

func TestGatewayBookPickup(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pickups" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["reference_id"] != "ret-1" {
			t.Fatalf("expected reference ret-1, got %v", payload["reference_id"])
		}

		json.NewEncoder(w).Encode(map[string]any{"tracking_id": "BD123", "partner": "bluedart"})
	}))
	defer server.Close()

	gateway, err := NewGateway(GatewayConfig{BaseURL: server.URL, APIKey: "token-1"})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	booking, err := gateway.BookPickup(context.Background(), bookingRequest())
	if err != nil {
		t.Fatalf("book pickup: %v", err)
	}
	if booking.TrackingID != "BD123" || booking.Partner != "bluedart" {
		t.Fatalf("unexpected booking %+v", booking)
	}
	if booking.LocalBooking {
		t.Fatal("carrier booking must not be flagged local")
	}
	if gotAuth != "Bearer token-1" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
}

func TestGatewayBookPickupCarrierError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"error": "no serviceable pincode"})
	}))
	defer server.Close()

	gateway, err := NewGateway(GatewayConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	if _, err := gateway.BookPickup(context.Background(), bookingRequest()); err == nil {
		t.Fatal("expected error from carrier failure")
	}
}

func TestGatewayRequiresBaseURL(t *testing.T) {
	if _, err := NewGateway(GatewayConfig{}); err == nil {
		t.Fatal("expected error for missing base url")
	}
}
