package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Digi9ReachInfoSystems/returns-api/internal/services"
)

func newWebhookRouter(svc services.ReturnService) chi.Router {
	handler := NewWebhookHandlers(svc)
	router := chi.NewRouter()
	router.Route("/webhooks", handler.Routes)
	return router
}

func TestWebhookHandlersLogisticsEvent(t *testing.T) {
	occurred := time.Date(2026, 5, 11, 8, 30, 0, 0, time.FixedZone("IST", 5*3600+1800))

	var captured services.CarrierEventCommand
	service := &stubReturnService{
		carrierFn: func(ctx context.Context, cmd services.CarrierEventCommand) error {
			captured = cmd
			return nil
		},
	}

	body, _ := json.Marshal(map[string]any{
		"tracking_id": "TRK-9001",
		"status":      "Delivered",
		"occurred_at": occurred.Format(time.RFC3339),
		"details":     map[string]any{"hub": "BLR-04"},
	})

	router := newWebhookRouter(service)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/logistics", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.TrackingID != "TRK-9001" {
		t.Fatalf("expected tracking id TRK-9001, got %s", captured.TrackingID)
	}
	if captured.Status != "delivered" {
		t.Fatalf("expected status lowercased, got %s", captured.Status)
	}
	if !captured.OccurredAt.Equal(occurred) || captured.OccurredAt.Location() != time.UTC {
		t.Fatalf("expected occurred_at normalised to UTC, got %s", captured.OccurredAt)
	}
	if captured.Raw["hub"] != "BLR-04" {
		t.Fatalf("expected raw details forwarded, got %#v", captured.Raw)
	}

	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["status"] != "accepted" {
		t.Fatalf("expected accepted, got %s", resp["status"])
	}
}

func TestWebhookHandlersLogisticsEventUnknownTrackingIgnored(t *testing.T) {
	service := &stubReturnService{
		carrierFn: func(ctx context.Context, cmd services.CarrierEventCommand) error {
			return fmt.Errorf("%w: tracking %s", services.ErrReturnNotFound, cmd.TrackingID)
		},
	}

	router := newWebhookRouter(service)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/logistics", bytes.NewReader([]byte(`{"tracking_id":"TRK-GONE","status":"delivered"}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 for unknown tracking, got %d", rr.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["status"] != "ignored" {
		t.Fatalf("expected ignored, got %s", resp["status"])
	}
}

func TestWebhookHandlersLogisticsEventInvalidBody(t *testing.T) {
	router := newWebhookRouter(&stubReturnService{})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/logistics", bytes.NewReader([]byte(`{not json`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestWebhookHandlersLogisticsEventServiceError(t *testing.T) {
	service := &stubReturnService{
		carrierFn: func(ctx context.Context, cmd services.CarrierEventCommand) error {
			return fmt.Errorf("%w: status is required", services.ErrReturnInvalidInput)
		},
	}

	router := newWebhookRouter(service)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/logistics", bytes.NewReader([]byte(`{"tracking_id":"TRK-9001"}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestWebhookHandlersLogisticsEventRateLimited(t *testing.T) {
	service := &stubReturnService{
		carrierFn: func(ctx context.Context, cmd services.CarrierEventCommand) error {
			return nil
		},
	}

	handler := NewWebhookHandlers(service, WithWebhookRateLimit(2, time.Minute))
	router := chi.NewRouter()
	router.Route("/webhooks", handler.Routes)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/logistics", bytes.NewReader([]byte(`{"tracking_id":"TRK-9001","status":"in_transit"}`)))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200 on event %d, got %d", i+1, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/logistics", bytes.NewReader([]byte(`{"tracking_id":"TRK-9001","status":"in_transit"}`)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rr.Code)
	}
}
