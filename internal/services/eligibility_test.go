package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/Digi9ReachInfoSystems/returns-api/internal/domain"
)

type stubCatalog struct {
	returnableFn func(context.Context, string) (bool, error)
}

func (s *stubCatalog) IsReturnable(ctx context.Context, productID string) (bool, error) {
	if s.returnableFn != nil {
		return s.returnableFn(ctx, productID)
	}
	return true, nil
}

func deliveredOrder(deliveredAt time.Time) domain.Order {
	return domain.Order{
		ID: "ord-1",
		SKUs: []domain.OrderSKU{
			{
				SKU:       "SKU-1",
				ProductID: "prod-1",
				Quantity:  2,
				UnitPrice: 1500,
				DealerID:  "dealer-1",
				Tracking: domain.SKUTracking{
					Status:      domain.SKUTrackingDelivered,
					DeliveredAt: &deliveredAt,
				},
			},
		},
	}
}

func TestEligibilityHappyPath(t *testing.T) {
	ctx := context.Background()
	delivered := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	eval, err := NewEligibilityEvaluator(EligibilityEvaluatorDeps{Catalog: &stubCatalog{}})
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}

	result, err := eval.Evaluate(ctx, EligibilityInput{
		Order:       deliveredOrder(delivered),
		SKU:         "SKU-1",
		Quantity:    1,
		RequestedAt: delivered.Add(3 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !result.Eligible {
		t.Fatalf("expected eligible, reason %q", result.Reason)
	}
	if result.WindowDays != DefaultReturnWindowDays {
		t.Fatalf("expected default window, got %d", result.WindowDays)
	}
}

func TestEligibilityWindowExpired(t *testing.T) {
	ctx := context.Background()
	delivered := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	eval, _ := NewEligibilityEvaluator(EligibilityEvaluatorDeps{Catalog: &stubCatalog{}})

	result, err := eval.Evaluate(ctx, EligibilityInput{
		Order:       deliveredOrder(delivered),
		SKU:         "SKU-1",
		Quantity:    1,
		RequestedAt: delivered.Add(8 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Eligible {
		t.Fatal("expected ineligible")
	}
	if result.Reason != "Return window has expired" {
		t.Fatalf("unexpected reason %q", result.Reason)
	}
}

func TestEligibilityWindowExpiryTakesPrecedence(t *testing.T) {
	ctx := context.Background()
	delivered := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Product is also non-returnable, but the expired window must win.
	catalog := &stubCatalog{
		returnableFn: func(context.Context, string) (bool, error) { return false, nil },
	}
	eval, _ := NewEligibilityEvaluator(EligibilityEvaluatorDeps{Catalog: catalog})

	result, err := eval.Evaluate(ctx, EligibilityInput{
		Order:       deliveredOrder(delivered),
		SKU:         "SKU-1",
		Quantity:    1,
		RequestedAt: delivered.Add(10 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Reason != "Return window has expired" {
		t.Fatalf("expected window expiry to take precedence, got %q", result.Reason)
	}
}

func TestEligibilityWindowBoundaryIsInclusive(t *testing.T) {
	ctx := context.Background()
	delivered := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	eval, _ := NewEligibilityEvaluator(EligibilityEvaluatorDeps{Catalog: &stubCatalog{}})

	// A request exactly at the deadline is still accepted.
	result, err := eval.Evaluate(ctx, EligibilityInput{
		Order:       deliveredOrder(delivered),
		SKU:         "SKU-1",
		Quantity:    1,
		RequestedAt: delivered.Add(7 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !result.Eligible {
		t.Fatalf("expected eligible at window boundary, got %q", result.Reason)
	}

	// One second past the deadline the window is closed.
	result, err = eval.Evaluate(ctx, EligibilityInput{
		Order:       deliveredOrder(delivered),
		SKU:         "SKU-1",
		Quantity:    1,
		RequestedAt: delivered.Add(7*24*time.Hour + time.Second),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Eligible {
		t.Fatal("expected ineligible past window boundary")
	}
}

func TestEligibilityCatalogFailureFailsClosed(t *testing.T) {
	ctx := context.Background()
	delivered := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	catalog := &stubCatalog{
		returnableFn: func(context.Context, string) (bool, error) {
			return true, errors.New("catalog unavailable")
		},
	}
	eval, _ := NewEligibilityEvaluator(EligibilityEvaluatorDeps{Catalog: catalog})

	result, err := eval.Evaluate(ctx, EligibilityInput{
		Order:       deliveredOrder(delivered),
		SKU:         "SKU-1",
		Quantity:    1,
		RequestedAt: delivered.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Eligible {
		t.Fatal("expected fail-closed ineligibility on catalog failure")
	}
	if result.Reason != "Product is not returnable" {
		t.Fatalf("unexpected reason %q", result.Reason)
	}
}

func TestEligibilityNotDelivered(t *testing.T) {
	ctx := context.Background()
	order := domain.Order{
		ID: "ord-1",
		SKUs: []domain.OrderSKU{
			{SKU: "SKU-1", ProductID: "prod-1", Quantity: 1, Tracking: domain.SKUTracking{Status: domain.SKUTrackingShipped}},
		},
	}

	eval, _ := NewEligibilityEvaluator(EligibilityEvaluatorDeps{Catalog: &stubCatalog{}})

	result, err := eval.Evaluate(ctx, EligibilityInput{
		Order:       order,
		SKU:         "SKU-1",
		Quantity:    1,
		RequestedAt: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Eligible {
		t.Fatal("expected ineligible before delivery")
	}
	if !strings.Contains(result.Reason, "not been delivered") {
		t.Fatalf("unexpected reason %q", result.Reason)
	}
}

func TestEligibilityQuantityExceeded(t *testing.T) {
	ctx := context.Background()
	delivered := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	eval, _ := NewEligibilityEvaluator(EligibilityEvaluatorDeps{Catalog: &stubCatalog{}})

	result, err := eval.Evaluate(ctx, EligibilityInput{
		Order:       deliveredOrder(delivered),
		SKU:         "SKU-1",
		Quantity:    3,
		RequestedAt: delivered.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Eligible {
		t.Fatal("expected ineligible for excess quantity")
	}
}
