package geo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Digi9ReachInfoSystems/returns-api/internal/services"
)

func pickupAddress() services.Address {
	return services.Address{
		Recipient:  "A Kumar",
		Line1:      "14 MG Road",
		City:       "Bengaluru",
		PostalCode: "560001",
		Country:    "IN",
	}
}

func TestGeocoderResolvesFirstCandidate(t *testing.T) {
	var gotQuery, gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		gotQuery = r.URL.Query().Get("q")
		gotAgent = r.Header.Get("User-Agent")
		json.NewEncoder(w).Encode([]map[string]any{
			{"lat": "12.9716", "lon": "77.5946"},
			{"lat": "0", "lon": "0"},
		})
	}))
	defer server.Close()

	geocoder, err := NewGeocoder(GeocoderConfig{BaseURL: server.URL, UserAgent: "returns-api-test"})
	if err != nil {
		t.Fatalf("new geocoder: %v", err)
	}

	point, err := geocoder.Geocode(context.Background(), pickupAddress())
	if err != nil {
		t.Fatalf("geocode: %v", err)
	}
	if point.Latitude != 12.9716 || point.Longitude != 77.5946 {
		t.Fatalf("unexpected point %+v", point)
	}
	if gotQuery != "14 MG Road, Bengaluru, 560001, IN" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if gotAgent != "returns-api-test" {
		t.Fatalf("unexpected user agent %q", gotAgent)
	}
}

func TestGeocoderNoMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer server.Close()

	geocoder, err := NewGeocoder(GeocoderConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new geocoder: %v", err)
	}

	if _, err := geocoder.Geocode(context.Background(), pickupAddress()); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestGeocoderRejectsEmptyAddress(t *testing.T) {
	geocoder, err := NewGeocoder(GeocoderConfig{BaseURL: "http://geocoder.invalid"})
	if err != nil {
		t.Fatalf("new geocoder: %v", err)
	}

	if _, err := geocoder.Geocode(context.Background(), services.Address{}); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestNewGeocoderRequiresBaseURL(t *testing.T) {
	if _, err := NewGeocoder(GeocoderConfig{}); err == nil {
		t.Fatal("expected error for missing base url")
	}
}
