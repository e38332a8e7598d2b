package pagination

import (
	"errors"
	"testing"
)

func TestEncodeTokenEmptyCursor(t *testing.T) {
	token, err := EncodeToken(Cursor{})
	if err != nil {
		t.Fatalf("EncodeToken returned error: %v", err)
	}
	if token != "" {
		t.Fatalf("expected empty token for empty cursor, got %q", token)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	cursor := Cursor{StartAfter: []any{"2026-03-01T10:00:00Z", "ret-0042"}}

	token, err := EncodeToken(cursor)
	if err != nil {
		t.Fatalf("EncodeToken returned error: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	decoded, err := DecodeToken(token)
	if err != nil {
		t.Fatalf("DecodeToken returned error: %v", err)
	}
	if len(decoded.StartAfter) != 2 {
		t.Fatalf("expected 2 cursor values, got %d", len(decoded.StartAfter))
	}
	if decoded.StartAfter[0] != "2026-03-01T10:00:00Z" || decoded.StartAfter[1] != "ret-0042" {
		t.Fatalf("unexpected cursor values: %#v", decoded.StartAfter)
	}
}

func TestDecodeTokenBlank(t *testing.T) {
	decoded, err := DecodeToken("   ")
	if err != nil {
		t.Fatalf("DecodeToken returned error: %v", err)
	}
	if len(decoded.StartAfter) != 0 || len(decoded.StartAt) != 0 {
		t.Fatalf("expected empty cursor, got %#v", decoded)
	}
}

func TestDecodeTokenInvalid(t *testing.T) {
	if _, err := DecodeToken("not-base64!!"); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken got %v", err)
	}
}

func TestClampPageSize(t *testing.T) {
	cases := []struct {
		name      string
		requested int
		want      int
	}{
		{name: "zero falls back", requested: 0, want: DefaultPageSize},
		{name: "negative falls back", requested: -3, want: DefaultPageSize},
		{name: "within bounds", requested: 25, want: 25},
		{name: "above ceiling", requested: 500, want: DefaultMaxPageSize},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClampPageSize(tc.requested, DefaultPageSize, DefaultMaxPageSize)
			if got != tc.want {
				t.Fatalf("expected %d got %d", tc.want, got)
			}
		})
	}
}
