package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Digi9ReachInfoSystems/returns-api/internal/platform/httpx"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/services"
)

const maxWebhookBodySize = 256 * 1024

// WebhookHandlers receives signed callbacks from external integrations.
type WebhookHandlers struct {
	returns services.ReturnService
	limiter rateLimiter
}

// WebhookHandlerOption customises handler construction.
type WebhookHandlerOption func(*WebhookHandlers)

// WithWebhookRateLimit throttles carrier callbacks per tracking id. Carriers
// retry aggressively on timeouts and can flood a single shipment.
func WithWebhookRateLimit(limit int, window time.Duration) WebhookHandlerOption {
	return func(h *WebhookHandlers) {
		h.limiter = newWindowLimiter(limit, window, nil)
	}
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(returns services.ReturnService, opts ...WebhookHandlerOption) *WebhookHandlers {
	h := &WebhookHandlers{returns: returns}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the /webhooks endpoints. Signature validation happens in
// the group middleware configured by the router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/logistics", h.logisticsEvent)
}

type logisticsEventRequest struct {
	TrackingID string         `json:"tracking_id"`
	Status     string         `json:"status"`
	OccurredAt *time.Time     `json:"occurred_at"`
	Details    map[string]any `json:"details"`
}

func (h *WebhookHandlers) logisticsEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.returns == nil {
		httpx.WriteError(ctx, w, httpx.NewError("return_service_unavailable", "return service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		}
		return
	}

	var req logisticsEventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	cmd := services.CarrierEventCommand{
		TrackingID: strings.TrimSpace(req.TrackingID),
		Status:     strings.TrimSpace(strings.ToLower(req.Status)),
		Raw:        req.Details,
	}
	if h.limiter != nil && !h.limiter.Allow(cmd.TrackingID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many events for this shipment", http.StatusTooManyRequests))
		return
	}
	if req.OccurredAt != nil {
		cmd.OccurredAt = req.OccurredAt.UTC()
	}

	if err := h.returns.RecordCarrierEvent(ctx, cmd); err != nil {
		// Unknown tracking ids are acknowledged so the carrier stops retrying;
		// the return may have been completed through the manual path already.
		if errors.Is(err, services.ErrReturnNotFound) {
			writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		writeReturnError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "accepted"})
}
