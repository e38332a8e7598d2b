package logistics

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

	"github.com/Digi9ReachInfoSystems/returns-api/internal/services"
)

// Logger defines the logging contract for carrier operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

// GatewayConfig configures the HTTP carrier gateway.
type GatewayConfig struct {
	// BaseURL points at the reverse-logistics aggregator.
	BaseURL string
	APIKey  string
	// Partner names the carrier bookings are placed with.
	Partner    string
	HTTPClient *http.Client
	Logger     Logger
}

// Gateway books reverse pickups over the aggregator's HTTP API.
type Gateway struct {
	baseURL    string
	apiKey     string
	partner    string
	httpClient *http.Client
	logger     Logger
}

// NewGateway constructs the carrier gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("logistics: base url is required")
	}

	partner := strings.TrimSpace(cfg.Partner)
	if partner == "" {
		partner = "bluedart"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &Gateway{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		partner:    partner,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type pickupPayload struct {
	ReferenceID   string         `json:"reference_id"`
	OrderID       string         `json:"order_id"`
	SKU           string         `json:"sku"`
	Quantity      int            `json:"quantity"`
	Partner       string         `json:"partner"`
	ScheduledDate *time.Time     `json:"scheduled_date,omitempty"`
	Address       pickupAddress  `json:"address"`
	Coordinates   *pickupLatLong `json:"coordinates,omitempty"`
}

type pickupAddress struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type pickupLatLong struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

type pickupResponse struct {
	TrackingID string `json:"tracking_id"`
	Partner    string `json:"partner"`
	Error      string `json:"error,omitempty"`
}

// BookPickup places a reverse pickup with the carrier. Callers decide what to
// do when the carrier is unreachable; this gateway only reports the failure.
func (g *Gateway) BookPickup(ctx context.Context, req services.PickupBookingRequest) (services.PickupBooking, error) {
	if g == nil {
		return services.PickupBooking{}, errors.New("logistics: gateway is nil")
	}
	if strings.TrimSpace(req.ReturnID) == "" {
		return services.PickupBooking{}, errors.New("logistics: return id is required")
	}

	payload := pickupPayload{
		ReferenceID:   req.ReturnID,
		OrderID:       req.OrderID,
		SKU:           req.SKU,
		Quantity:      req.Quantity,
		Partner:       g.partner,
		ScheduledDate: req.ScheduledDate,
		Address: pickupAddress{
			Recipient:  req.Address.Recipient,
			Line1:      req.Address.Line1,
			Line2:      derefString(req.Address.Line2),
			City:       req.Address.City,
			State:      derefString(req.Address.State),
			PostalCode: req.Address.PostalCode,
			Country:    req.Address.Country,
			Phone:      derefString(req.Address.Phone),
		},
	}
	if req.Coordinates != nil {
		payload.Coordinates = &pickupLatLong{
			Latitude:  req.Coordinates.Latitude,
			Longitude: req.Coordinates.Longitude,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return services.PickupBooking{}, fmt.Errorf("logistics: marshal pickup: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/pickups", bytes.NewReader(body))
	if err != nil {
		return services.PickupBooking{}, fmt.Errorf("logistics: build pickup request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return services.PickupBooking{}, fmt.Errorf("logistics: book pickup: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return services.PickupBooking{}, fmt.Errorf("logistics: read pickup response: %w", err)
	}

	var decoded pickupResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return services.PickupBooking{}, fmt.Errorf("logistics: decode pickup response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		detail := decoded.Error
		if detail == "" {
			detail = strings.TrimSpace(string(data))
		}
		return services.PickupBooking{}, fmt.Errorf("logistics: pickup returned %d: %s", resp.StatusCode, detail)
	}
	if strings.TrimSpace(decoded.TrackingID) == "" {
		return services.PickupBooking{}, errors.New("logistics: pickup response missing tracking id")
	}

	partner := strings.TrimSpace(decoded.Partner)
	if partner == "" {
		partner = g.partner
	}

	g.logger(ctx, "logistics.pickup.booked", map[string]any{
		"return":   req.ReturnID,
		"partner":  partner,
		"tracking": decoded.TrackingID,
	})

	return services.PickupBooking{
		Partner:    partner,
		TrackingID: strings.TrimSpace(decoded.TrackingID),
	}, nil
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

var _ services.LogisticsGateway = (*Gateway)(nil)
