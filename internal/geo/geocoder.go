package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Digi9ReachInfoSystems/returns-api/internal/services"
)

// Logger defines the logging contract for geocoding operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

// ErrNoMatch is returned when the geocoder finds no coordinates for an address.
var ErrNoMatch = errors.New("geo: address not found")

// GeocoderConfig configures the HTTP geocoder.
type GeocoderConfig struct {
	// BaseURL points at a Nominatim-compatible search endpoint.
	BaseURL string
	// UserAgent identifies this service to the geocoding provider, which
	// rejects anonymous clients.
	UserAgent  string
	HTTPClient *http.Client
	Logger     Logger
}

// Geocoder resolves pickup addresses to coordinates through a
// Nominatim-compatible API.
type Geocoder struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	logger     Logger
}

// NewGeocoder constructs the HTTP geocoder.
func NewGeocoder(cfg GeocoderConfig) (*Geocoder, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("geo: base url is required")
	}

	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = "returns-api"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &Geocoder{
		baseURL:    baseURL,
		userAgent:  userAgent,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type geocodeResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Geocode resolves the address to coordinates. The first candidate wins.
func (g *Geocoder) Geocode(ctx context.Context, addr services.Address) (services.GeoPoint, error) {
	if g == nil {
		return services.GeoPoint{}, errors.New("geo: geocoder is nil")
	}

	query := formatAddress(addr)
	if query == "" {
		return services.GeoPoint{}, errors.New("geo: address is empty")
	}

	params := url.Values{}
	params.Set("format", "json")
	params.Set("limit", "1")
	params.Set("q", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return services.GeoPoint{}, fmt.Errorf("geo: build request: %w", err)
	}
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return services.GeoPoint{}, fmt.Errorf("geo: geocode request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return services.GeoPoint{}, fmt.Errorf("geo: read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return services.GeoPoint{}, fmt.Errorf("geo: geocode returned %d", resp.StatusCode)
	}

	var results []geocodeResult
	if err := json.Unmarshal(data, &results); err != nil {
		return services.GeoPoint{}, fmt.Errorf("geo: decode response: %w", err)
	}
	if len(results) == 0 {
		return services.GeoPoint{}, fmt.Errorf("%w: %s", ErrNoMatch, query)
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(results[0].Lat), 64)
	if err != nil {
		return services.GeoPoint{}, fmt.Errorf("geo: parse latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(results[0].Lon), 64)
	if err != nil {
		return services.GeoPoint{}, fmt.Errorf("geo: parse longitude: %w", err)
	}

	point := services.GeoPoint{Latitude: lat, Longitude: lon}
	g.logger(ctx, "geo.address.resolved", map[string]any{
		"lat": point.Latitude,
		"lng": point.Longitude,
	})
	return point, nil
}

func formatAddress(addr services.Address) string {
	parts := make([]string, 0, 5)
	for _, part := range []string{addr.Line1, addr.City, derefString(addr.State), addr.PostalCode, addr.Country} {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, ", ")
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

var _ services.Geocoder = (*Geocoder)(nil)
