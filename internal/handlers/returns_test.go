package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/Digi9ReachInfoSystems/returns-api/internal/domain"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/platform/auth"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/services"
)

type stubReturnService struct {
	createFn       func(context.Context, services.CreateReturnCommand) (services.ReturnRequest, error)
	getFn          func(context.Context, string, services.ReturnReadOptions) (services.ReturnRequest, error)
	listFn         func(context.Context, services.ReturnListFilter) (domain.CursorPage[services.ReturnRequest], error)
	validateFn     func(context.Context, services.ReturnTransitionCommand) (services.ReturnRequest, error)
	scheduleFn     func(context.Context, services.SchedulePickupCommand) (services.ReturnRequest, error)
	pickupFn       func(context.Context, services.ReturnTransitionCommand) (services.ReturnRequest, error)
	startInspFn    func(context.Context, services.ReturnTransitionCommand) (services.ReturnRequest, error)
	completeInspFn func(context.Context, services.CompleteInspectionCommand) (services.ReturnRequest, error)
	refundFn       func(context.Context, services.ProcessRefundCommand) (services.ReturnRequest, error)
	completeFn     func(context.Context, services.ReturnTransitionCommand) (services.ReturnRequest, error)
	noteFn         func(context.Context, services.AppendReturnNoteCommand) (services.ReturnRequest, error)
	carrierFn      func(context.Context, services.CarrierEventCommand) error
}

func (s *stubReturnService) CreateReturn(ctx context.Context, cmd services.CreateReturnCommand) (services.ReturnRequest, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.ReturnRequest{}, errors.New("not implemented")
}

func (s *stubReturnService) GetReturn(ctx context.Context, returnID string, opts services.ReturnReadOptions) (services.ReturnRequest, error) {
	if s.getFn != nil {
		return s.getFn(ctx, returnID, opts)
	}
	return services.ReturnRequest{}, errors.New("not implemented")
}

func (s *stubReturnService) ListReturns(ctx context.Context, filter services.ReturnListFilter) (domain.CursorPage[services.ReturnRequest], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[services.ReturnRequest]{}, nil
}

func (s *stubReturnService) Validate(ctx context.Context, cmd services.ReturnTransitionCommand) (services.ReturnRequest, error) {
	if s.validateFn != nil {
		return s.validateFn(ctx, cmd)
	}
	return services.ReturnRequest{}, errors.New("not implemented")
}

func (s *stubReturnService) SchedulePickup(ctx context.Context, cmd services.SchedulePickupCommand) (services.ReturnRequest, error) {
	if s.scheduleFn != nil {
		return s.scheduleFn(ctx, cmd)
	}
	return services.ReturnRequest{}, errors.New("not implemented")
}

func (s *stubReturnService) CompletePickup(ctx context.Context, cmd services.ReturnTransitionCommand) (services.ReturnRequest, error) {
	if s.pickupFn != nil {
		return s.pickupFn(ctx, cmd)
	}
	return services.ReturnRequest{}, errors.New("not implemented")
}

func (s *stubReturnService) StartInspection(ctx context.Context, cmd services.ReturnTransitionCommand) (services.ReturnRequest, error) {
	if s.startInspFn != nil {
		return s.startInspFn(ctx, cmd)
	}
	return services.ReturnRequest{}, errors.New("not implemented")
}

func (s *stubReturnService) CompleteInspection(ctx context.Context, cmd services.CompleteInspectionCommand) (services.ReturnRequest, error) {
	if s.completeInspFn != nil {
		return s.completeInspFn(ctx, cmd)
	}
	return services.ReturnRequest{}, errors.New("not implemented")
}

func (s *stubReturnService) ProcessRefund(ctx context.Context, cmd services.ProcessRefundCommand) (services.ReturnRequest, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, cmd)
	}
	return services.ReturnRequest{}, errors.New("not implemented")
}

func (s *stubReturnService) Complete(ctx context.Context, cmd services.ReturnTransitionCommand) (services.ReturnRequest, error) {
	if s.completeFn != nil {
		return s.completeFn(ctx, cmd)
	}
	return services.ReturnRequest{}, errors.New("not implemented")
}

func (s *stubReturnService) AppendNote(ctx context.Context, cmd services.AppendReturnNoteCommand) (services.ReturnRequest, error) {
	if s.noteFn != nil {
		return s.noteFn(ctx, cmd)
	}
	return services.ReturnRequest{}, errors.New("not implemented")
}

func (s *stubReturnService) RecordCarrierEvent(ctx context.Context, cmd services.CarrierEventCommand) error {
	if s.carrierFn != nil {
		return s.carrierFn(ctx, cmd)
	}
	return errors.New("not implemented")
}

var _ services.ReturnService = (*stubReturnService)(nil)

func newReturnRouter(svc services.ReturnService, opts ...ReturnHandlerOption) chi.Router {
	handler := NewReturnHandlers(nil, svc, opts...)
	router := chi.NewRouter()
	router.Route("/returns", handler.Routes)
	return router
}

func authedRequest(method, target string, body []byte, identity *auth.Identity) *http.Request {
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if identity != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}
	return req
}

func TestReturnHandlersCreateReturnSuccess(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	var captured services.CreateReturnCommand
	service := &stubReturnService{
		createFn: func(ctx context.Context, cmd services.CreateReturnCommand) (services.ReturnRequest, error) {
			captured = cmd
			return services.ReturnRequest{
				ID:         "ret_123",
				OrderID:    cmd.OrderID,
				SKU:        cmd.SKU,
				Quantity:   cmd.Quantity,
				CustomerID: cmd.CustomerID,
				DealerID:   "dealer-9",
				Reason:     cmd.Reason,
				Status:     domain.ReturnStatusRequested,
				Timestamps: domain.ReturnTimestamps{RequestedAt: now},
				CreatedAt:  now,
			}, nil
		},
	}

	body, _ := json.Marshal(map[string]any{
		"order_id":      "ord-1",
		"sku":           "BRK-PAD-22",
		"quantity":      2,
		"reason":        "damaged",
		"refund_method": "Source",
		"pickup_address": map[string]any{
			"recipient":   "Asha",
			"line1":       "14 MG Road",
			"city":        "Bengaluru",
			"postal_code": "560001",
			"country":     "IN",
		},
	})

	router := newReturnRouter(service)
	req := authedRequest(http.MethodPost, "/returns/", body, &auth.Identity{UID: "cust-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.CustomerID != "cust-1" {
		t.Fatalf("expected customer id from identity, got %s", captured.CustomerID)
	}
	if captured.RefundMethod != domain.RefundMethodSource {
		t.Fatalf("expected refund method normalised to source, got %s", captured.RefundMethod)
	}
	if captured.PickupAddress == nil || captured.PickupAddress.City != "Bengaluru" {
		t.Fatalf("expected pickup address to be forwarded, got %#v", captured.PickupAddress)
	}

	var resp returnResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Return.ID != "ret_123" {
		t.Fatalf("expected return id ret_123, got %s", resp.Return.ID)
	}
	if resp.Return.Status != string(domain.ReturnStatusRequested) {
		t.Fatalf("expected status requested, got %s", resp.Return.Status)
	}
	if resp.Return.Timestamps.RequestedAt == "" {
		t.Fatalf("expected requested_at to be set")
	}
}

func TestReturnHandlersCreateReturnRequiresBody(t *testing.T) {
	router := newReturnRouter(&stubReturnService{})
	req := authedRequest(http.MethodPost, "/returns/", nil, &auth.Identity{UID: "cust-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestReturnHandlersCreateReturnUnauthenticated(t *testing.T) {
	router := newReturnRouter(&stubReturnService{})
	req := authedRequest(http.MethodPost, "/returns/", []byte(`{}`), nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestReturnHandlersListReturnsScopesCustomer(t *testing.T) {
	var captured services.ReturnListFilter
	service := &stubReturnService{
		listFn: func(ctx context.Context, filter services.ReturnListFilter) (domain.CursorPage[services.ReturnRequest], error) {
			captured = filter
			return domain.CursorPage[services.ReturnRequest]{}, nil
		},
	}

	router := newReturnRouter(service)
	req := authedRequest(http.MethodGet, "/returns/?customer_id=somebody-else&status=requested,validated&page_size=10", nil, &auth.Identity{UID: "cust-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.CustomerID != "cust-1" {
		t.Fatalf("expected filter pinned to caller, got %s", captured.CustomerID)
	}
	if captured.DealerID != "" {
		t.Fatalf("expected no dealer filter for customers, got %s", captured.DealerID)
	}
	if len(captured.Status) != 2 {
		t.Fatalf("expected 2 status filters, got %d", len(captured.Status))
	}
	if captured.Pagination.PageSize != 10 {
		t.Fatalf("expected page size 10, got %d", captured.Pagination.PageSize)
	}
}

func TestReturnHandlersListReturnsScopesDealer(t *testing.T) {
	var captured services.ReturnListFilter
	service := &stubReturnService{
		listFn: func(ctx context.Context, filter services.ReturnListFilter) (domain.CursorPage[services.ReturnRequest], error) {
			captured = filter
			return domain.CursorPage[services.ReturnRequest]{}, nil
		},
	}

	router := newReturnRouter(service)
	req := authedRequest(http.MethodGet, "/returns/", nil, &auth.Identity{UID: "dealer-7", Roles: []string{"dealer"}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.DealerID != "dealer-7" {
		t.Fatalf("expected dealer filter dealer-7, got %s", captured.DealerID)
	}
	if captured.CustomerID != "" {
		t.Fatalf("expected no customer filter for dealers, got %s", captured.CustomerID)
	}
}

func TestReturnHandlersListReturnsAdminFilters(t *testing.T) {
	var captured services.ReturnListFilter
	service := &stubReturnService{
		listFn: func(ctx context.Context, filter services.ReturnListFilter) (domain.CursorPage[services.ReturnRequest], error) {
			captured = filter
			return domain.CursorPage[services.ReturnRequest]{}, nil
		},
	}

	router := newReturnRouter(service)
	req := authedRequest(http.MethodGet, "/returns/?customer_id=cust-5&dealer_id=dealer-2&order_id=ord-9", nil, &auth.Identity{UID: "admin-1", Roles: []string{"fulfillment-admin"}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.CustomerID != "cust-5" || captured.DealerID != "dealer-2" || captured.OrderID != "ord-9" {
		t.Fatalf("expected admin filters to pass through, got %#v", captured)
	}
}

func TestReturnHandlersListReturnsInvalidStatus(t *testing.T) {
	router := newReturnRouter(&stubReturnService{})
	req := authedRequest(http.MethodGet, "/returns/?status=bogus", nil, &auth.Identity{UID: "cust-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestReturnHandlersGetReturnForwardsActor(t *testing.T) {
	service := &stubReturnService{
		getFn: func(ctx context.Context, returnID string, opts services.ReturnReadOptions) (services.ReturnRequest, error) {
			if returnID != "ret_42" {
				t.Fatalf("unexpected return id %s", returnID)
			}
			if opts.ActorID != "cust-1" {
				t.Fatalf("expected actor cust-1, got %s", opts.ActorID)
			}
			return services.ReturnRequest{ID: returnID, Status: domain.ReturnStatusValidated}, nil
		},
	}

	router := newReturnRouter(service)
	req := authedRequest(http.MethodGet, "/returns/ret_42", nil, &auth.Identity{UID: "cust-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestReturnHandlersGetReturnForbidden(t *testing.T) {
	service := &stubReturnService{
		getFn: func(ctx context.Context, returnID string, opts services.ReturnReadOptions) (services.ReturnRequest, error) {
			return services.ReturnRequest{}, fmt.Errorf("%w: not the owner", services.ErrReturnForbidden)
		},
	}

	router := newReturnRouter(service)
	req := authedRequest(http.MethodGet, "/returns/ret_42", nil, &auth.Identity{UID: "cust-2"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestReturnHandlersValidatePassesExpectedStatus(t *testing.T) {
	var captured services.ReturnTransitionCommand
	service := &stubReturnService{
		validateFn: func(ctx context.Context, cmd services.ReturnTransitionCommand) (services.ReturnRequest, error) {
			captured = cmd
			return services.ReturnRequest{ID: cmd.ReturnID, Status: domain.ReturnStatusValidated}, nil
		},
	}

	body := []byte(`{"expected_status":"requested"}`)
	router := newReturnRouter(service)
	req := authedRequest(http.MethodPost, "/returns/ret_1:validate", body, &auth.Identity{UID: "cust-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.ReturnID != "ret_1" {
		t.Fatalf("expected return id ret_1, got %s", captured.ReturnID)
	}
	if captured.ExpectedStatus == nil || *captured.ExpectedStatus != domain.ReturnStatusRequested {
		t.Fatalf("expected guard on requested, got %#v", captured.ExpectedStatus)
	}
}

func TestReturnHandlersValidateEmptyBodyAllowed(t *testing.T) {
	service := &stubReturnService{
		validateFn: func(ctx context.Context, cmd services.ReturnTransitionCommand) (services.ReturnRequest, error) {
			if cmd.ExpectedStatus != nil {
				t.Fatalf("expected no guard, got %#v", cmd.ExpectedStatus)
			}
			return services.ReturnRequest{ID: cmd.ReturnID, Status: domain.ReturnStatusValidated}, nil
		},
	}

	router := newReturnRouter(service)
	req := authedRequest(http.MethodPost, "/returns/ret_1:validate", nil, &auth.Identity{UID: "cust-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestReturnHandlersValidateInvalidExpectedStatus(t *testing.T) {
	router := newReturnRouter(&stubReturnService{})
	req := authedRequest(http.MethodPost, "/returns/ret_1:validate", []byte(`{"expected_status":"shipped"}`), &auth.Identity{UID: "cust-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestReturnHandlersCompletePickupRequiresRole(t *testing.T) {
	router := newReturnRouter(&stubReturnService{})
	req := authedRequest(http.MethodPost, "/returns/ret_1:complete-pickup", nil, &auth.Identity{UID: "cust-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestReturnHandlersStartInspectionAllowsDealer(t *testing.T) {
	service := &stubReturnService{
		startInspFn: func(ctx context.Context, cmd services.ReturnTransitionCommand) (services.ReturnRequest, error) {
			if cmd.ActorID != "dealer-7" {
				t.Fatalf("expected actor dealer-7, got %s", cmd.ActorID)
			}
			return services.ReturnRequest{ID: cmd.ReturnID, Status: domain.ReturnStatusUnderInspection}, nil
		},
	}

	router := newReturnRouter(service)
	req := authedRequest(http.MethodPost, "/returns/ret_1:start-inspection", nil, &auth.Identity{UID: "dealer-7", Roles: []string{"dealer"}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestReturnHandlersSchedulePickup(t *testing.T) {
	scheduled := time.Date(2026, 4, 5, 10, 0, 0, 0, time.UTC)

	var captured services.SchedulePickupCommand
	service := &stubReturnService{
		scheduleFn: func(ctx context.Context, cmd services.SchedulePickupCommand) (services.ReturnRequest, error) {
			captured = cmd
			return services.ReturnRequest{ID: cmd.ReturnID, Status: domain.ReturnStatusPickupScheduled}, nil
		},
	}

	body, _ := json.Marshal(map[string]any{
		"scheduled_date":  scheduled.Format(time.RFC3339),
		"expected_status": "validated",
	})

	router := newReturnRouter(service)
	req := authedRequest(http.MethodPost, "/returns/ret_1:schedule-pickup", body, &auth.Identity{UID: "admin-1", Roles: []string{"fulfillment-admin"}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.ScheduledDate == nil || !captured.ScheduledDate.Equal(scheduled) {
		t.Fatalf("expected scheduled date forwarded, got %#v", captured.ScheduledDate)
	}
	if captured.ExpectedStatus == nil || *captured.ExpectedStatus != domain.ReturnStatusValidated {
		t.Fatalf("expected guard on validated, got %#v", captured.ExpectedStatus)
	}
}

func TestReturnHandlersCompleteInspection(t *testing.T) {
	reason := "packaging missing"

	var captured services.CompleteInspectionCommand
	service := &stubReturnService{
		completeInspFn: func(ctx context.Context, cmd services.CompleteInspectionCommand) (services.ReturnRequest, error) {
			captured = cmd
			return services.ReturnRequest{ID: cmd.ReturnID, Status: domain.ReturnStatusRejected}, nil
		},
	}

	body, _ := json.Marshal(map[string]any{
		"sku_match":        true,
		"condition":        "used",
		"approved":         false,
		"rejection_reason": reason,
		"deduction":        150,
	})

	router := newReturnRouter(service)
	req := authedRequest(http.MethodPost, "/returns/ret_1:complete-inspection", body, &auth.Identity{UID: "dealer-7", Roles: []string{"dealer"}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Approved {
		t.Fatalf("expected rejection to pass through")
	}
	if captured.RejectionReason == nil || *captured.RejectionReason != reason {
		t.Fatalf("expected rejection reason, got %#v", captured.RejectionReason)
	}
	if captured.Deduction != 150 {
		t.Fatalf("expected deduction 150, got %d", captured.Deduction)
	}
}

func TestReturnHandlersProcessRefundMapsProviderErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "rejected", err: fmt.Errorf("%w: payout declined", services.ErrRefundProviderRejected), wantStatus: http.StatusUnprocessableEntity, wantCode: "refund_failed"},
		{name: "missing payment", err: fmt.Errorf("%w: order has no capture", services.ErrRefundPaymentMissing), wantStatus: http.StatusUnprocessableEntity, wantCode: "refund_failed"},
		{name: "unavailable", err: fmt.Errorf("%w: gateway timeout", services.ErrRefundProviderUnavailable), wantStatus: http.StatusBadGateway, wantCode: "refund_provider_unavailable"},
		{name: "wrong state", err: fmt.Errorf("%w: return is not approved", services.ErrReturnInvalidState), wantStatus: http.StatusConflict, wantCode: "return_invalid_state"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &stubReturnService{
				refundFn: func(ctx context.Context, cmd services.ProcessRefundCommand) (services.ReturnRequest, error) {
					return services.ReturnRequest{}, tc.err
				},
			}

			router := newReturnRouter(service)
			req := authedRequest(http.MethodPost, "/returns/ret_1:process-refund", nil, &auth.Identity{UID: "admin-1", Roles: []string{"fulfillment-admin"}})
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("expected JSON body: %v", err)
			}
			if body["error"] != tc.wantCode {
				t.Fatalf("expected error code %s, got %v", tc.wantCode, body["error"])
			}
		})
	}
}

func TestReturnHandlersProcessRefundUsesIdempotencyMiddleware(t *testing.T) {
	var sawMiddleware bool
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sawMiddleware = true
			next.ServeHTTP(w, r)
		})
	}

	service := &stubReturnService{
		refundFn: func(ctx context.Context, cmd services.ProcessRefundCommand) (services.ReturnRequest, error) {
			return services.ReturnRequest{ID: cmd.ReturnID, Status: domain.ReturnStatusRefundProcessed}, nil
		},
	}

	router := newReturnRouter(service, WithRefundIdempotency(mw))
	req := authedRequest(http.MethodPost, "/returns/ret_1:process-refund", nil, &auth.Identity{UID: "admin-1", Roles: []string{"fulfillment-admin"}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !sawMiddleware {
		t.Fatalf("expected idempotency middleware to run")
	}

	req = authedRequest(http.MethodPost, "/returns/ret_1:validate", nil, &auth.Identity{UID: "cust-1"})
	sawMiddleware = false
	rr = httptest.NewRecorder()
	service.validateFn = func(ctx context.Context, cmd services.ReturnTransitionCommand) (services.ReturnRequest, error) {
		return services.ReturnRequest{ID: cmd.ReturnID, Status: domain.ReturnStatusValidated}, nil
	}
	router.ServeHTTP(rr, req)
	if sawMiddleware {
		t.Fatalf("idempotency middleware should only wrap process-refund")
	}
}

func TestReturnHandlersAppendNote(t *testing.T) {
	service := &stubReturnService{
		noteFn: func(ctx context.Context, cmd services.AppendReturnNoteCommand) (services.ReturnRequest, error) {
			if cmd.AuthorID != "cust-1" {
				t.Fatalf("expected author cust-1, got %s", cmd.AuthorID)
			}
			if cmd.Body != "courier never arrived" {
				t.Fatalf("unexpected note body %q", cmd.Body)
			}
			return services.ReturnRequest{
				ID:     cmd.ReturnID,
				Status: domain.ReturnStatusPickupScheduled,
				Notes: []domain.ReturnNote{
					{ID: "note-1", AuthorID: cmd.AuthorID, Body: cmd.Body},
				},
			}, nil
		},
	}

	router := newReturnRouter(service)
	req := authedRequest(http.MethodPost, "/returns/ret_1/notes", []byte(`{"body":"courier never arrived"}`), &auth.Identity{UID: "cust-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp returnResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Return.Notes) != 1 || resp.Return.Notes[0].Body != "courier never arrived" {
		t.Fatalf("expected note in payload, got %#v", resp.Return.Notes)
	}
}

func TestReturnHandlersNotEligibleMapsTo422(t *testing.T) {
	service := &stubReturnService{
		createFn: func(ctx context.Context, cmd services.CreateReturnCommand) (services.ReturnRequest, error) {
			return services.ReturnRequest{}, fmt.Errorf("%w: return window expired", services.ErrReturnNotEligible)
		},
	}

	router := newReturnRouter(service)
	req := authedRequest(http.MethodPost, "/returns/", []byte(`{"order_id":"ord-1","sku":"BRK-PAD-22","quantity":1}`), &auth.Identity{UID: "cust-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "return_not_eligible") {
		t.Fatalf("expected return_not_eligible code, got %s", rr.Body.String())
	}
}

func TestReturnHandlersBodyTooLarge(t *testing.T) {
	router := newReturnRouter(&stubReturnService{})
	big := bytes.Repeat([]byte("a"), maxReturnBodySize+10)
	body, _ := json.Marshal(map[string]any{"description": string(big)})

	req := authedRequest(http.MethodPost, "/returns/", body, &auth.Identity{UID: "cust-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413, got %d", rr.Code)
	}
}
