package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
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
	defaultReturnPageSize = 20
	maxReturnPageSize     = 100
	maxReturnBodySize     = 64 * 1024

	roleCustomer         = "customer"
	roleDealer           = "dealer"
	roleFulfillmentAdmin = "fulfillment-admin"
)

var (
	errEmptyBody    = errors.New("request body is empty")
	errBodyTooLarge = errors.New("request body too large")
)

var validReturnStatuses = map[domain.ReturnStatus]struct{}{
	domain.ReturnStatusRequested:       {},
	domain.ReturnStatusValidated:       {},
	domain.ReturnStatusPickupScheduled: {},
	domain.ReturnStatusPickupCompleted: {},
	domain.ReturnStatusUnderInspection: {},
	domain.ReturnStatusApproved:        {},
	domain.ReturnStatusRejected:        {},
	domain.ReturnStatusRefundProcessed: {},
	domain.ReturnStatusCompleted:       {},
}

// ReturnHandlers exposes the return lifecycle endpoints.
type ReturnHandlers struct {
	authn       *auth.Authenticator
	returns     services.ReturnService
	idempotency func(http.Handler) http.Handler
}

// ReturnHandlerOption customises handler construction.
type ReturnHandlerOption func(*ReturnHandlers)

// WithRefundIdempotency wraps the process-refund route with the idempotency middleware.
func WithRefundIdempotency(mw func(http.Handler) http.Handler) ReturnHandlerOption {
	return func(h *ReturnHandlers) {
		h.idempotency = mw
	}
}

// NewReturnHandlers constructs a new ReturnHandlers instance.
func NewReturnHandlers(authn *auth.Authenticator, returns services.ReturnService, opts ...ReturnHandlerOption) *ReturnHandlers {
	h := &ReturnHandlers{
		authn:   authn,
		returns: returns,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the /returns endpoints.
func (h *ReturnHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createReturn)
	r.Get("/", h.listReturns)
	r.Get("/{returnID}", h.getReturn)
	r.Post("/{returnID}:validate", h.validateReturn)
	r.Post("/{returnID}:schedule-pickup", h.schedulePickup)
	r.Post("/{returnID}:complete-pickup", h.completePickup)
	r.Post("/{returnID}:start-inspection", h.startInspection)
	r.Post("/{returnID}:complete-inspection", h.completeInspection)
	r.Post("/{returnID}:complete", h.completeReturn)
	r.Post("/{returnID}/notes", h.appendNote)

	if h.idempotency != nil {
		r.With(h.idempotency).Post("/{returnID}:process-refund", h.processRefund)
	} else {
		r.Post("/{returnID}:process-refund", h.processRefund)
	}
}

type createReturnRequest struct {
	OrderID       string          `json:"order_id"`
	SKU           string          `json:"sku"`
	Quantity      int             `json:"quantity"`
	Reason        string          `json:"reason"`
	Description   string          `json:"description"`
	Images        []string        `json:"images"`
	RefundMethod  string          `json:"refund_method"`
	PickupAddress *addressPayload `json:"pickup_address"`
}

type returnTransitionRequest struct {
	Reason         string `json:"reason"`
	ExpectedStatus string `json:"expected_status"`
}

type schedulePickupRequest struct {
	ScheduledDate  *time.Time      `json:"scheduled_date"`
	PickupAddress  *addressPayload `json:"pickup_address"`
	ExpectedStatus string          `json:"expected_status"`
}

type completeInspectionRequest struct {
	SKUMatch        bool    `json:"sku_match"`
	Condition       string  `json:"condition"`
	Approved        bool    `json:"approved"`
	RejectionReason *string `json:"rejection_reason"`
	Deduction       int64   `json:"deduction"`
	ExpectedStatus  string  `json:"expected_status"`
}

type appendNoteRequest struct {
	Body string `json:"body"`
}

func (h *ReturnHandlers) createReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req createReturnRequest
	if !h.decodeBody(ctx, w, r, &req, true) {
		return
	}

	cmd := services.CreateReturnCommand{
		OrderID:      strings.TrimSpace(req.OrderID),
		SKU:          strings.TrimSpace(req.SKU),
		Quantity:     req.Quantity,
		CustomerID:   strings.TrimSpace(identity.UID),
		Reason:       strings.TrimSpace(req.Reason),
		Description:  strings.TrimSpace(req.Description),
		Images:       req.Images,
		RefundMethod: domain.RefundMethod(strings.TrimSpace(strings.ToLower(req.RefundMethod))),
	}
	if req.PickupAddress != nil {
		addr := req.PickupAddress.toDomain()
		cmd.PickupAddress = &addr
	}

	ret, err := h.returns.CreateReturn(ctx, cmd)
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, returnResponse{Return: buildReturnPayload(ret)})
}

func (h *ReturnHandlers) listReturns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()

	statuses := make([]domain.ReturnStatus, 0)
	for _, raw := range parseFilterValues(query["status"]) {
		status := domain.ReturnStatus(strings.ToLower(raw))
		if _, valid := validReturnStatuses[status]; !valid {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status filter contains an unknown status", http.StatusBadRequest))
			return
		}
		statuses = append(statuses, status)
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

	pageSize := defaultReturnPageSize
	if sizeRaw := strings.TrimSpace(query.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case size <= 0:
			pageSize = defaultReturnPageSize
		case size > maxReturnPageSize:
			pageSize = maxReturnPageSize
		default:
			pageSize = size
		}
	}

	filter := services.ReturnListFilter{
		OrderID:   strings.TrimSpace(query.Get("order_id")),
		Status:    statuses,
		DateRange: dateRange,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}

	// Customers only ever see their own returns. Dealers see returns routed to
	// them, admins see everything and may narrow by query filters.
	switch {
	case identity.HasRole(roleFulfillmentAdmin):
		filter.CustomerID = strings.TrimSpace(query.Get("customer_id"))
		filter.DealerID = strings.TrimSpace(query.Get("dealer_id"))
	case identity.HasRole(roleDealer):
		filter.DealerID = strings.TrimSpace(identity.UID)
	default:
		filter.CustomerID = strings.TrimSpace(identity.UID)
	}

	page, err := h.returns.ListReturns(ctx, filter)
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}

	items := make([]returnPayload, 0, len(page.Items))
	for _, ret := range page.Items {
		items = append(items, buildReturnPayload(ret))
	}
	writeJSONResponse(w, http.StatusOK, returnListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *ReturnHandlers) getReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	returnID, ok := h.returnIDParam(ctx, w, r)
	if !ok {
		return
	}

	ret, err := h.returns.GetReturn(ctx, returnID, services.ReturnReadOptions{
		ActorID:    strings.TrimSpace(identity.UID),
		ActorRoles: identity.Roles,
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, returnResponse{Return: buildReturnPayload(ret)})
}

func (h *ReturnHandlers) validateReturn(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, nil, h.returns.Validate)
}

func (h *ReturnHandlers) completePickup(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, []string{roleFulfillmentAdmin}, h.returns.CompletePickup)
}

func (h *ReturnHandlers) startInspection(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, []string{roleDealer, roleFulfillmentAdmin}, h.returns.StartInspection)
}

func (h *ReturnHandlers) completeReturn(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, []string{roleFulfillmentAdmin}, h.returns.Complete)
}

// transition handles the plain status transitions that share a request shape.
func (h *ReturnHandlers) transition(
	w http.ResponseWriter,
	r *http.Request,
	roles []string,
	invoke func(context.Context, services.ReturnTransitionCommand) (services.ReturnRequest, error),
) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}
	if len(roles) > 0 && !identity.HasAnyRole(roles...) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "caller lacks the required role", http.StatusForbidden))
		return
	}

	returnID, ok := h.returnIDParam(ctx, w, r)
	if !ok {
		return
	}

	var req returnTransitionRequest
	if !h.decodeBody(ctx, w, r, &req, false) {
		return
	}

	expected, ok := parseExpectedStatus(ctx, w, req.ExpectedStatus)
	if !ok {
		return
	}

	ret, err := invoke(ctx, services.ReturnTransitionCommand{
		ReturnID:       returnID,
		ActorID:        strings.TrimSpace(identity.UID),
		Reason:         strings.TrimSpace(req.Reason),
		ExpectedStatus: expected,
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, returnResponse{Return: buildReturnPayload(ret)})
}

func (h *ReturnHandlers) schedulePickup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}
	if !identity.HasRole(roleFulfillmentAdmin) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "caller lacks the required role", http.StatusForbidden))
		return
	}

	returnID, ok := h.returnIDParam(ctx, w, r)
	if !ok {
		return
	}

	var req schedulePickupRequest
	if !h.decodeBody(ctx, w, r, &req, false) {
		return
	}

	expected, ok := parseExpectedStatus(ctx, w, req.ExpectedStatus)
	if !ok {
		return
	}

	cmd := services.SchedulePickupCommand{
		ReturnID:       returnID,
		ActorID:        strings.TrimSpace(identity.UID),
		ScheduledDate:  req.ScheduledDate,
		ExpectedStatus: expected,
	}
	if req.PickupAddress != nil {
		addr := req.PickupAddress.toDomain()
		cmd.PickupAddress = &addr
	}

	ret, err := h.returns.SchedulePickup(ctx, cmd)
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, returnResponse{Return: buildReturnPayload(ret)})
}

func (h *ReturnHandlers) completeInspection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}
	if !identity.HasAnyRole(roleDealer, roleFulfillmentAdmin) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "caller lacks the required role", http.StatusForbidden))
		return
	}

	returnID, ok := h.returnIDParam(ctx, w, r)
	if !ok {
		return
	}

	var req completeInspectionRequest
	if !h.decodeBody(ctx, w, r, &req, true) {
		return
	}

	expected, ok := parseExpectedStatus(ctx, w, req.ExpectedStatus)
	if !ok {
		return
	}

	ret, err := h.returns.CompleteInspection(ctx, services.CompleteInspectionCommand{
		ReturnID:        returnID,
		ActorID:         strings.TrimSpace(identity.UID),
		SKUMatch:        req.SKUMatch,
		Condition:       strings.TrimSpace(req.Condition),
		Approved:        req.Approved,
		RejectionReason: req.RejectionReason,
		Deduction:       req.Deduction,
		ExpectedStatus:  expected,
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, returnResponse{Return: buildReturnPayload(ret)})
}

func (h *ReturnHandlers) processRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}
	if !identity.HasRole(roleFulfillmentAdmin) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "caller lacks the required role", http.StatusForbidden))
		return
	}

	returnID, ok := h.returnIDParam(ctx, w, r)
	if !ok {
		return
	}

	var req returnTransitionRequest
	if !h.decodeBody(ctx, w, r, &req, false) {
		return
	}

	expected, ok := parseExpectedStatus(ctx, w, req.ExpectedStatus)
	if !ok {
		return
	}

	ret, err := h.returns.ProcessRefund(ctx, services.ProcessRefundCommand{
		ReturnID:       returnID,
		ActorID:        strings.TrimSpace(identity.UID),
		ExpectedStatus: expected,
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, returnResponse{Return: buildReturnPayload(ret)})
}

func (h *ReturnHandlers) appendNote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	returnID, ok := h.returnIDParam(ctx, w, r)
	if !ok {
		return
	}

	var req appendNoteRequest
	if !h.decodeBody(ctx, w, r, &req, true) {
		return
	}

	ret, err := h.returns.AppendNote(ctx, services.AppendReturnNoteCommand{
		ReturnID: returnID,
		AuthorID: strings.TrimSpace(identity.UID),
		Body:     strings.TrimSpace(req.Body),
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, returnResponse{Return: buildReturnPayload(ret)})
}

func (h *ReturnHandlers) requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.returns == nil {
		httpx.WriteError(ctx, w, httpx.NewError("return_service_unavailable", "return service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func (h *ReturnHandlers) returnIDParam(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	returnID := strings.TrimSpace(chi.URLParam(r, "returnID"))
	if returnID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "return id is required", http.StatusBadRequest))
		return "", false
	}
	return returnID, true
}

// decodeBody reads and unmarshals the request body. When required is false an
// empty body decodes to the zero value.
func (h *ReturnHandlers) decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, target any, required bool) bool {
	body, err := readLimitedBody(r, maxReturnBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errEmptyBody):
			if !required {
				return true
			}
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, target); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func parseExpectedStatus(ctx context.Context, w http.ResponseWriter, raw string) (*services.ReturnStatus, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, true
	}
	status := domain.ReturnStatus(strings.ToLower(raw))
	if _, valid := validReturnStatuses[status]; !valid {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expected_status must be a valid return status", http.StatusBadRequest))
		return nil, false
	}
	return &status, true
}

// Payloads ------------------------------------------------------------------

type returnListResponse struct {
	Items         []returnPayload `json:"items"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

type returnResponse struct {
	Return returnPayload `json:"return"`
}

type returnPayload struct {
	ID          string                    `json:"id"`
	OrderID     string                    `json:"order_id"`
	SKU         string                    `json:"sku"`
	Quantity    int                       `json:"quantity"`
	CustomerID  string                    `json:"customer_id"`
	DealerID    string                    `json:"dealer_id,omitempty"`
	Reason      string                    `json:"reason"`
	Description string                    `json:"description,omitempty"`
	Images      []string                  `json:"images,omitempty"`
	Status      string                    `json:"status"`
	Eligibility *returnEligibilityPayload `json:"eligibility,omitempty"`
	Pickup      *returnPickupPayload      `json:"pickup,omitempty"`
	Inspection  *returnInspectionPayload  `json:"inspection,omitempty"`
	Refund      *returnRefundPayload      `json:"refund,omitempty"`
	Notes       []returnNotePayload       `json:"notes,omitempty"`
	Timestamps  returnTimestampsPayload   `json:"timestamps"`
	CreatedAt   string                    `json:"created_at"`
	UpdatedAt   string                    `json:"updated_at,omitempty"`
}

type returnEligibilityPayload struct {
	Eligible          bool   `json:"eligible"`
	Reason            string `json:"reason,omitempty"`
	WindowDays        int    `json:"window_days"`
	DeliveredAt       string `json:"delivered_at,omitempty"`
	EvaluatedAt       string `json:"evaluated_at"`
	ProductReturnable bool   `json:"product_returnable"`
}

type returnPickupPayload struct {
	Partner       string           `json:"partner"`
	TrackingID    string           `json:"tracking_id"`
	LocalBooking  bool             `json:"local_booking,omitempty"`
	ScheduledDate string           `json:"scheduled_date,omitempty"`
	Address       addressPayload   `json:"address"`
	Coordinates   *geoPointPayload `json:"coordinates,omitempty"`
	CompletedAt   string           `json:"completed_at,omitempty"`
}

type returnInspectionPayload struct {
	InspectedBy     string  `json:"inspected_by"`
	SKUMatch        bool    `json:"sku_match"`
	Condition       string  `json:"condition"`
	Approved        bool    `json:"approved"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	Deduction       int64   `json:"deduction,omitempty"`
	CompletedAt     string  `json:"completed_at,omitempty"`
}

type returnRefundPayload struct {
	Method        string  `json:"method"`
	Amount        int64   `json:"amount"`
	Currency      string  `json:"currency"`
	Status        string  `json:"status"`
	Destination   string  `json:"destination,omitempty"`
	Provider      string  `json:"provider,omitempty"`
	ProviderRef   string  `json:"provider_ref,omitempty"`
	FailureReason *string `json:"failure_reason,omitempty"`
	ProcessedAt   string  `json:"processed_at,omitempty"`
}

type returnNotePayload struct {
	ID        string `json:"id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

type returnTimestampsPayload struct {
	RequestedAt           string `json:"requested_at"`
	ValidatedAt           string `json:"validated_at,omitempty"`
	PickupScheduledAt     string `json:"pickup_scheduled_at,omitempty"`
	PickupCompletedAt     string `json:"pickup_completed_at,omitempty"`
	InspectionStartedAt   string `json:"inspection_started_at,omitempty"`
	InspectionCompletedAt string `json:"inspection_completed_at,omitempty"`
	RefundProcessedAt     string `json:"refund_processed_at,omitempty"`
	CompletedAt           string `json:"completed_at,omitempty"`
	RejectedAt            string `json:"rejected_at,omitempty"`
}

type addressPayload struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postal_code"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
}

func (p addressPayload) toDomain() domain.Address {
	return domain.Address{
		Recipient:  strings.TrimSpace(p.Recipient),
		Line1:      strings.TrimSpace(p.Line1),
		Line2:      cloneStringPointer(p.Line2),
		City:       strings.TrimSpace(p.City),
		State:      cloneStringPointer(p.State),
		PostalCode: strings.TrimSpace(p.PostalCode),
		Country:    strings.TrimSpace(p.Country),
		Phone:      cloneStringPointer(p.Phone),
	}
}

func buildAddressPayload(addr domain.Address) addressPayload {
	return addressPayload{
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		Line2:      cloneStringPointer(addr.Line2),
		City:       addr.City,
		State:      cloneStringPointer(addr.State),
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      cloneStringPointer(addr.Phone),
	}
}

type geoPointPayload struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

func buildReturnPayload(ret services.ReturnRequest) returnPayload {
	payload := returnPayload{
		ID:          strings.TrimSpace(ret.ID),
		OrderID:     strings.TrimSpace(ret.OrderID),
		SKU:         strings.TrimSpace(ret.SKU),
		Quantity:    ret.Quantity,
		CustomerID:  strings.TrimSpace(ret.CustomerID),
		DealerID:    strings.TrimSpace(ret.DealerID),
		Reason:      ret.Reason,
		Description: ret.Description,
		Images:      ret.Images,
		Status:      string(ret.Status),
		Timestamps: returnTimestampsPayload{
			RequestedAt:           formatTime(ret.Timestamps.RequestedAt),
			ValidatedAt:           formatTime(pointerTime(ret.Timestamps.ValidatedAt)),
			PickupScheduledAt:     formatTime(pointerTime(ret.Timestamps.PickupScheduledAt)),
			PickupCompletedAt:     formatTime(pointerTime(ret.Timestamps.PickupCompletedAt)),
			InspectionStartedAt:   formatTime(pointerTime(ret.Timestamps.InspectionStartedAt)),
			InspectionCompletedAt: formatTime(pointerTime(ret.Timestamps.InspectionCompletedAt)),
			RefundProcessedAt:     formatTime(pointerTime(ret.Timestamps.RefundProcessedAt)),
			CompletedAt:           formatTime(pointerTime(ret.Timestamps.CompletedAt)),
			RejectedAt:            formatTime(pointerTime(ret.Timestamps.RejectedAt)),
		},
		CreatedAt: formatTime(ret.CreatedAt),
		UpdatedAt: formatTime(ret.UpdatedAt),
	}

	if ret.Eligibility != nil {
		payload.Eligibility = &returnEligibilityPayload{
			Eligible:          ret.Eligibility.Eligible,
			Reason:            ret.Eligibility.Reason,
			WindowDays:        ret.Eligibility.WindowDays,
			DeliveredAt:       formatTime(pointerTime(ret.Eligibility.DeliveredAt)),
			EvaluatedAt:       formatTime(ret.Eligibility.EvaluatedAt),
			ProductReturnable: ret.Eligibility.ProductReturnable,
		}
	}

	if ret.Pickup != nil {
		pickup := &returnPickupPayload{
			Partner:       ret.Pickup.Partner,
			TrackingID:    ret.Pickup.TrackingID,
			LocalBooking:  ret.Pickup.LocalBooking,
			ScheduledDate: formatTime(pointerTime(ret.Pickup.ScheduledDate)),
			Address:       buildAddressPayload(ret.Pickup.Address),
			CompletedAt:   formatTime(pointerTime(ret.Pickup.CompletedAt)),
		}
		if ret.Pickup.Coordinates != nil {
			pickup.Coordinates = &geoPointPayload{
				Latitude:  ret.Pickup.Coordinates.Latitude,
				Longitude: ret.Pickup.Coordinates.Longitude,
			}
		}
		payload.Pickup = pickup
	}

	if ret.Inspection != nil {
		payload.Inspection = &returnInspectionPayload{
			InspectedBy:     ret.Inspection.InspectedBy,
			SKUMatch:        ret.Inspection.SKUMatch,
			Condition:       ret.Inspection.Condition,
			Approved:        ret.Inspection.Approved,
			RejectionReason: cloneStringPointer(ret.Inspection.RejectionReason),
			Deduction:       ret.Inspection.Deduction,
			CompletedAt:     formatTime(pointerTime(ret.Inspection.CompletedAt)),
		}
	}

	if ret.Refund != nil {
		payload.Refund = &returnRefundPayload{
			Method:        string(ret.Refund.Method),
			Amount:        ret.Refund.Amount,
			Currency:      strings.ToUpper(ret.Refund.Currency),
			Status:        string(ret.Refund.Status),
			Destination:   ret.Refund.Destination,
			Provider:      ret.Refund.Provider,
			ProviderRef:   ret.Refund.ProviderRef,
			FailureReason: cloneStringPointer(ret.Refund.FailureReason),
			ProcessedAt:   formatTime(pointerTime(ret.Refund.ProcessedAt)),
		}
	}

	if len(ret.Notes) > 0 {
		notes := make([]returnNotePayload, 0, len(ret.Notes))
		for _, note := range ret.Notes {
			notes = append(notes, returnNotePayload{
				ID:        note.ID,
				AuthorID:  note.AuthorID,
				Body:      note.Body,
				CreatedAt: formatTime(note.CreatedAt),
			})
		}
		payload.Notes = notes
	}

	return payload
}

func writeReturnError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrReturnInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrReturnNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("return_not_found", "return not found", http.StatusNotFound))
	case errors.Is(err, services.ErrReturnForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "caller may not access this return", http.StatusForbidden))
	case errors.Is(err, services.ErrReturnConflict):
		httpx.WriteError(ctx, w, httpx.NewError("return_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrReturnInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("return_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrReturnNotEligible):
		httpx.WriteError(ctx, w, httpx.NewError("return_not_eligible", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrRefundInsufficientBalance),
		errors.Is(err, services.ErrRefundPaymentMissing),
		errors.Is(err, services.ErrRefundProviderRejected):
		httpx.WriteError(ctx, w, httpx.NewError("refund_failed", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrRefundProviderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("refund_provider_unavailable", "payment provider unavailable", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("return_error", "failed to process return request", http.StatusInternalServerError))
	}
}

// Shared helpers ------------------------------------------------------------

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = maxReturnBodySize
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func parseFilterValues(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			if _, dup := seen[trimmed]; dup {
				continue
			}
			seen[trimmed] = struct{}{}
			out = append(out, trimmed)
		}
	}
	return out
}

func parseTimeParam(value string) (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimSpace(value))
}

func pointerTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func cloneStringPointer(value *string) *string {
	if value == nil {
		return nil
	}
	copy := *value
	return &copy
}
