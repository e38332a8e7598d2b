package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/Digi9ReachInfoSystems/returns-api/internal/domain"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/platform/auth"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/platform/httpx"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/services"
)

const (
	defaultViolationPageSize = 20
	maxViolationPageSize     = 100
	maxSweepBodySize         = 4 * 1024
)

// SLAHandlers exposes SLA violation reporting and sweep endpoints.
type SLAHandlers struct {
	authn *auth.Authenticator
	sla   services.SLAService
}

// NewSLAHandlers constructs a new SLAHandlers instance.
func NewSLAHandlers(authn *auth.Authenticator, sla services.SLAService) *SLAHandlers {
	return &SLAHandlers{
		authn: authn,
		sla:   sla,
	}
}

// Routes registers the /sla endpoints for dealers and admins.
func (h *SLAHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(roleDealer, roleFulfillmentAdmin))
	}
	r.Get("/violations", h.listViolations)
	r.Get("/warnings", h.listWarnings)
}

// InternalRoutes registers the sweep trigger under the /internal group.
func (h *SLAHandlers) InternalRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/sla/sweep", h.runSweep)
	r.Post("/sla/orders/{orderID}:evaluate", h.evaluateOrder)
}

func (h *SLAHandlers) listViolations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()

	filter := services.SLAViolationFilter{
		OrderID: strings.TrimSpace(query.Get("order_id")),
	}

	// Dealers only see their own violations.
	if identity.HasRole(roleFulfillmentAdmin) {
		filter.DealerID = strings.TrimSpace(query.Get("dealer_id"))
	} else {
		filter.DealerID = strings.TrimSpace(identity.UID)
	}

	if raw := strings.TrimSpace(query.Get("resolved")); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "resolved must be a boolean", http.StatusBadRequest))
			return
		}
		filter.Resolved = &resolved
	}

	var dateRange domain.RangeQuery[time.Time]
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.To = &ts
	}
	filter.DateRange = dateRange

	pageSize := defaultViolationPageSize
	if sizeRaw := strings.TrimSpace(query.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case size <= 0:
			pageSize = defaultViolationPageSize
		case size > maxViolationPageSize:
			pageSize = maxViolationPageSize
		default:
			pageSize = size
		}
	}
	filter.Pagination = services.Pagination{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(query.Get("page_token")),
	}

	page, err := h.sla.ListViolations(ctx, filter)
	if err != nil {
		writeSLAError(ctx, w, err)
		return
	}

	items := make([]slaViolationPayload, 0, len(page.Items))
	for _, violation := range page.Items {
		items = append(items, buildSLAViolationPayload(violation))
	}
	writeJSONResponse(w, http.StatusOK, slaViolationListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *SLAHandlers) listWarnings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()

	filter := services.SLAWarningFilter{}
	if identity.HasRole(roleFulfillmentAdmin) {
		filter.DealerID = strings.TrimSpace(query.Get("dealer_id"))
	} else {
		filter.DealerID = strings.TrimSpace(identity.UID)
	}

	if raw := strings.TrimSpace(query.Get("lookahead")); raw != "" {
		lookahead, err := time.ParseDuration(raw)
		if err != nil || lookahead <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "lookahead must be a positive duration", http.StatusBadRequest))
			return
		}
		filter.Lookahead = lookahead
	}

	warnings, err := h.sla.ListWarnings(ctx, filter)
	if err != nil {
		writeSLAError(ctx, w, err)
		return
	}

	items := make([]slaWarningPayload, 0, len(warnings))
	for _, warning := range warnings {
		items = append(items, slaWarningPayload{
			OrderID:          warning.OrderID,
			SKU:              warning.SKU,
			DealerID:         warning.DealerID,
			ExpectedAt:       formatTime(warning.ExpectedAt),
			RemainingMinutes: int64(warning.Remaining.Minutes()),
		})
	}
	writeJSONResponse(w, http.StatusOK, slaWarningListResponse{Items: items})
}

type sweepRequest struct {
	Window      string `json:"window"`
	Parallelism int    `json:"parallelism"`
}

func (h *SLAHandlers) runSweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sla == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sla_service_unavailable", "sla service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req sweepRequest
	body, err := readLimitedBody(r, maxSweepBodySize)
	if err != nil && !errors.Is(err, errEmptyBody) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	cmd := services.SLASweepCommand{Parallelism: req.Parallelism}
	if raw := strings.TrimSpace(req.Window); raw != "" {
		window, err := time.ParseDuration(raw)
		if err != nil || window <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "window must be a positive duration", http.StatusBadRequest))
			return
		}
		cmd.Window = window
	}

	result, err := h.sla.Sweep(ctx, cmd)
	if err != nil {
		writeSLAError(ctx, w, err)
		return
	}

	payload := sweepResponse{
		OrdersChecked:     result.OrdersChecked,
		ViolationsCreated: result.ViolationsCreated,
	}
	for _, failure := range result.Failures {
		payload.Failures = append(payload.Failures, sweepFailurePayload{
			OrderID: failure.OrderID,
			Error:   failure.Err.Error(),
		})
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *SLAHandlers) evaluateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sla == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sla_service_unavailable", "sla service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	result, err := h.sla.EvaluateOrder(ctx, orderID)
	if err != nil {
		writeSLAError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, slaEvaluationPayload{
		OrderID:           result.OrderID,
		SKUsChecked:       result.SKUsChecked,
		SKUViolations:     result.SKUViolations,
		OrderViolated:     result.OrderViolated,
		ViolationsCreated: result.ViolationsCreated,
	})
}

func (h *SLAHandlers) requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.sla == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sla_service_unavailable", "sla service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

type slaViolationListResponse struct {
	Items         []slaViolationPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type slaViolationPayload struct {
	ID               string  `json:"id"`
	OrderID          string  `json:"order_id"`
	DealerID         string  `json:"dealer_id"`
	SKU              *string `json:"sku"`
	ExpectedAt       string  `json:"expected_at"`
	ActualAt         string  `json:"actual_at,omitempty"`
	ViolationMinutes int64   `json:"violation_minutes"`
	Resolved         bool    `json:"resolved"`
	ResolvedAt       string  `json:"resolved_at,omitempty"`
	Notes            string  `json:"notes,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

type slaWarningListResponse struct {
	Items []slaWarningPayload `json:"items"`
}

type slaWarningPayload struct {
	OrderID          string `json:"order_id"`
	SKU              string `json:"sku"`
	DealerID         string `json:"dealer_id"`
	ExpectedAt       string `json:"expected_at"`
	RemainingMinutes int64  `json:"remaining_minutes"`
}

type sweepResponse struct {
	OrdersChecked     int                   `json:"orders_checked"`
	ViolationsCreated int                   `json:"violations_created"`
	Failures          []sweepFailurePayload `json:"failures,omitempty"`
}

type sweepFailurePayload struct {
	OrderID string `json:"order_id"`
	Error   string `json:"error"`
}

type slaEvaluationPayload struct {
	OrderID           string `json:"order_id"`
	SKUsChecked       int    `json:"skus_checked"`
	SKUViolations     int    `json:"sku_violations"`
	OrderViolated     bool   `json:"order_violated"`
	ViolationsCreated int    `json:"violations_created"`
}

func buildSLAViolationPayload(violation services.SLAViolation) slaViolationPayload {
	return slaViolationPayload{
		ID:               violation.ID,
		OrderID:          violation.OrderID,
		DealerID:         violation.DealerID,
		SKU:              cloneStringPointer(violation.SKU),
		ExpectedAt:       formatTime(violation.ExpectedAt),
		ActualAt:         formatTime(pointerTime(violation.ActualAt)),
		ViolationMinutes: violation.ViolationMinutes,
		Resolved:         violation.Resolved,
		ResolvedAt:       formatTime(pointerTime(violation.ResolvedAt)),
		Notes:            violation.Notes,
		CreatedAt:        formatTime(violation.CreatedAt),
	}
}

func writeSLAError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrSLAInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrSLANotFound):
		httpx.WriteError(ctx, w, httpx.NewError("sla_not_found", "order or violation not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("sla_error", "failed to process sla request", http.StatusInternalServerError))
	}
}
