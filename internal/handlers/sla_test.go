package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/Digi9ReachInfoSystems/returns-api/internal/domain"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/platform/auth"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/services"
)

type stubSLAService struct {
	evaluateFn   func(context.Context, string) (services.SLAEvaluationResult, error)
	sweepFn      func(context.Context, services.SLASweepCommand) (services.SLASweepResult, error)
	violationsFn func(context.Context, services.SLAViolationFilter) (domain.CursorPage[services.SLAViolation], error)
	warningsFn   func(context.Context, services.SLAWarningFilter) ([]services.SLAWarning, error)
}

func (s *stubSLAService) EvaluateOrder(ctx context.Context, orderID string) (services.SLAEvaluationResult, error) {
	if s.evaluateFn != nil {
		return s.evaluateFn(ctx, orderID)
	}
	return services.SLAEvaluationResult{}, errors.New("not implemented")
}

func (s *stubSLAService) Sweep(ctx context.Context, cmd services.SLASweepCommand) (services.SLASweepResult, error) {
	if s.sweepFn != nil {
		return s.sweepFn(ctx, cmd)
	}
	return services.SLASweepResult{}, errors.New("not implemented")
}

func (s *stubSLAService) ListViolations(ctx context.Context, filter services.SLAViolationFilter) (domain.CursorPage[services.SLAViolation], error) {
	if s.violationsFn != nil {
		return s.violationsFn(ctx, filter)
	}
	return domain.CursorPage[services.SLAViolation]{}, nil
}

func (s *stubSLAService) ListWarnings(ctx context.Context, filter services.SLAWarningFilter) ([]services.SLAWarning, error) {
	if s.warningsFn != nil {
		return s.warningsFn(ctx, filter)
	}
	return nil, nil
}

var _ services.SLAService = (*stubSLAService)(nil)

func newSLARouter(svc services.SLAService) chi.Router {
	handler := NewSLAHandlers(nil, svc)
	router := chi.NewRouter()
	router.Route("/sla", handler.Routes)
	router.Route("/internal", handler.InternalRoutes)
	return router
}

func TestSLAHandlersListViolationsScopesDealer(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	sku := "BRK-PAD-22"

	var captured services.SLAViolationFilter
	service := &stubSLAService{
		violationsFn: func(ctx context.Context, filter services.SLAViolationFilter) (domain.CursorPage[services.SLAViolation], error) {
			captured = filter
			return domain.CursorPage[services.SLAViolation]{
				Items: []services.SLAViolation{
					{
						ID:               "ord-1_BRK-PAD-22",
						OrderID:          "ord-1",
						DealerID:         "dealer-7",
						SKU:              &sku,
						ExpectedAt:       now.Add(-2 * time.Hour),
						ViolationMinutes: 120,
						CreatedAt:        now,
					},
				},
				NextPageToken: "tok-next",
			}, nil
		},
	}

	router := newSLARouter(service)
	req := authedRequest(http.MethodGet, "/sla/violations?dealer_id=somebody-else&resolved=false", nil, &auth.Identity{UID: "dealer-7", Roles: []string{"dealer"}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.DealerID != "dealer-7" {
		t.Fatalf("expected dealer filter pinned to caller, got %s", captured.DealerID)
	}
	if captured.Resolved == nil || *captured.Resolved {
		t.Fatalf("expected resolved=false filter, got %#v", captured.Resolved)
	}

	var resp slaViolationListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(resp.Items))
	}
	item := resp.Items[0]
	if item.SKU == nil || *item.SKU != sku {
		t.Fatalf("expected sku %s, got %#v", sku, item.SKU)
	}
	if item.ViolationMinutes != 120 {
		t.Fatalf("expected 120 violation minutes, got %d", item.ViolationMinutes)
	}
	if resp.NextPageToken != "tok-next" {
		t.Fatalf("expected next page token tok-next, got %s", resp.NextPageToken)
	}
}

func TestSLAHandlersListViolationsAdminPassesDealerFilter(t *testing.T) {
	var captured services.SLAViolationFilter
	service := &stubSLAService{
		violationsFn: func(ctx context.Context, filter services.SLAViolationFilter) (domain.CursorPage[services.SLAViolation], error) {
			captured = filter
			return domain.CursorPage[services.SLAViolation]{}, nil
		},
	}

	router := newSLARouter(service)
	req := authedRequest(http.MethodGet, "/sla/violations?dealer_id=dealer-3&order_id=ord-2&page_size=500", nil, &auth.Identity{UID: "admin-1", Roles: []string{"fulfillment-admin"}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.DealerID != "dealer-3" || captured.OrderID != "ord-2" {
		t.Fatalf("expected admin filters to pass through, got %#v", captured)
	}
	if captured.Pagination.PageSize != maxViolationPageSize {
		t.Fatalf("expected page size clamped to %d, got %d", maxViolationPageSize, captured.Pagination.PageSize)
	}
}

func TestSLAHandlersListViolationsInvalidResolved(t *testing.T) {
	router := newSLARouter(&stubSLAService{})
	req := authedRequest(http.MethodGet, "/sla/violations?resolved=maybe", nil, &auth.Identity{UID: "dealer-7", Roles: []string{"dealer"}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestSLAHandlersListViolationsUnauthenticated(t *testing.T) {
	router := newSLARouter(&stubSLAService{})
	req := authedRequest(http.MethodGet, "/sla/violations", nil, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestSLAHandlersListWarnings(t *testing.T) {
	expected := time.Date(2026, 5, 10, 17, 0, 0, 0, time.UTC)

	var captured services.SLAWarningFilter
	service := &stubSLAService{
		warningsFn: func(ctx context.Context, filter services.SLAWarningFilter) ([]services.SLAWarning, error) {
			captured = filter
			return []services.SLAWarning{
				{
					OrderID:    "ord-1",
					SKU:        "BRK-PAD-22",
					DealerID:   "dealer-7",
					ExpectedAt: expected,
					Remaining:  90 * time.Minute,
				},
			}, nil
		},
	}

	router := newSLARouter(service)
	req := authedRequest(http.MethodGet, "/sla/warnings?lookahead=4h", nil, &auth.Identity{UID: "dealer-7", Roles: []string{"dealer"}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.DealerID != "dealer-7" {
		t.Fatalf("expected dealer filter dealer-7, got %s", captured.DealerID)
	}
	if captured.Lookahead != 4*time.Hour {
		t.Fatalf("expected lookahead 4h, got %s", captured.Lookahead)
	}

	var resp slaWarningListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(resp.Items))
	}
	if resp.Items[0].RemainingMinutes != 90 {
		t.Fatalf("expected 90 remaining minutes, got %d", resp.Items[0].RemainingMinutes)
	}
}

func TestSLAHandlersListWarningsInvalidLookahead(t *testing.T) {
	router := newSLARouter(&stubSLAService{})
	req := authedRequest(http.MethodGet, "/sla/warnings?lookahead=-2h", nil, &auth.Identity{UID: "dealer-7", Roles: []string{"dealer"}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestSLAHandlersRunSweep(t *testing.T) {
	var captured services.SLASweepCommand
	service := &stubSLAService{
		sweepFn: func(ctx context.Context, cmd services.SLASweepCommand) (services.SLASweepResult, error) {
			captured = cmd
			return services.SLASweepResult{
				OrdersChecked:     12,
				ViolationsCreated: 3,
				Failures: []services.SLASweepFailure{
					{OrderID: "ord-9", Err: errors.New("order lookup failed")},
				},
			}, nil
		},
	}

	router := newSLARouter(service)
	req := authedRequest(http.MethodPost, "/internal/sla/sweep", []byte(`{"window":"72h","parallelism":4}`), nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Window != 72*time.Hour {
		t.Fatalf("expected window 72h, got %s", captured.Window)
	}
	if captured.Parallelism != 4 {
		t.Fatalf("expected parallelism 4, got %d", captured.Parallelism)
	}

	var resp sweepResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.OrdersChecked != 12 || resp.ViolationsCreated != 3 {
		t.Fatalf("unexpected sweep summary: %#v", resp)
	}
	if len(resp.Failures) != 1 || resp.Failures[0].OrderID != "ord-9" {
		t.Fatalf("expected ord-9 failure, got %#v", resp.Failures)
	}
}

func TestSLAHandlersRunSweepDefaults(t *testing.T) {
	service := &stubSLAService{
		sweepFn: func(ctx context.Context, cmd services.SLASweepCommand) (services.SLASweepResult, error) {
			if cmd.Window != 0 || cmd.Parallelism != 0 {
				t.Fatalf("expected zero command for empty body, got %#v", cmd)
			}
			return services.SLASweepResult{}, nil
		},
	}

	router := newSLARouter(service)
	req := authedRequest(http.MethodPost, "/internal/sla/sweep", nil, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestSLAHandlersRunSweepInvalidWindow(t *testing.T) {
	router := newSLARouter(&stubSLAService{})
	req := authedRequest(http.MethodPost, "/internal/sla/sweep", []byte(`{"window":"yesterday"}`), nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestSLAHandlersEvaluateOrder(t *testing.T) {
	service := &stubSLAService{
		evaluateFn: func(ctx context.Context, orderID string) (services.SLAEvaluationResult, error) {
			if orderID != "ord-1" {
				t.Fatalf("unexpected order id %s", orderID)
			}
			return services.SLAEvaluationResult{
				OrderID:           orderID,
				SKUsChecked:       3,
				SKUViolations:     3,
				OrderViolated:     true,
				ViolationsCreated: 4,
			}, nil
		},
	}

	router := newSLARouter(service)
	req := authedRequest(http.MethodPost, "/internal/sla/orders/ord-1:evaluate", nil, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp slaEvaluationPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !resp.OrderViolated {
		t.Fatalf("expected order violated")
	}
	if resp.ViolationsCreated != 4 {
		t.Fatalf("expected 4 violations created, got %d", resp.ViolationsCreated)
	}
}

func TestSLAHandlersEvaluateOrderNotFound(t *testing.T) {
	service := &stubSLAService{
		evaluateFn: func(ctx context.Context, orderID string) (services.SLAEvaluationResult, error) {
			return services.SLAEvaluationResult{}, fmt.Errorf("%w: order %s", services.ErrSLANotFound, orderID)
		},
	}

	router := newSLARouter(service)
	req := authedRequest(http.MethodPost, "/internal/sla/orders/missing:evaluate", nil, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}
