package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/Digi9ReachInfoSystems/returns-api/internal/domain"
)

const (
	// DefaultReturnWindowDays applies when no window is configured.
	DefaultReturnWindowDays = 7

	reasonWindowExpired    = "Return window has expired"
	reasonNotDelivered     = "Item has not been delivered yet"
	reasonNotReturnable    = "Product is not returnable"
	reasonSKUNotFound      = "SKU not found on order"
	reasonQuantityExceeded = "Requested quantity exceeds ordered quantity"
	reasonQuantityInvalid  = "Requested quantity must be positive"
)

// ErrEligibilityInvalidInput signals the evaluation input is malformed.
var ErrEligibilityInvalidInput = errors.New("eligibility: invalid input")

// EligibilityEvaluatorDeps bundles collaborators for the evaluator.
type EligibilityEvaluatorDeps struct {
	Catalog    ProductCatalog
	WindowDays int
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type eligibilityEvaluator struct {
	catalog    ProductCatalog
	windowDays int
	logger     func(context.Context, string, map[string]any)
}

// NewEligibilityEvaluator builds the returnability decision component.
func NewEligibilityEvaluator(deps EligibilityEvaluatorDeps) (EligibilityEvaluator, error) {
	windowDays := deps.WindowDays
	if windowDays <= 0 {
		windowDays = DefaultReturnWindowDays
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &eligibilityEvaluator{
		catalog:    deps.Catalog,
		windowDays: windowDays,
		logger:     logger,
	}, nil
}

// Evaluate decides returnability for one order line.
//
// Window expiry takes precedence over every other ineligibility reason, so a
// late request against a non-returnable product still reports the expired
// window. Catalog failures degrade to non-returnable rather than blocking the
// decision with an error.
func (e *eligibilityEvaluator) Evaluate(ctx context.Context, input EligibilityInput) (ReturnEligibility, error) {
	sku := strings.TrimSpace(input.SKU)
	if strings.TrimSpace(input.Order.ID) == "" || sku == "" {
		return ReturnEligibility{}, fmt.Errorf("%w: order id and sku are required", ErrEligibilityInvalidInput)
	}

	windowDays := input.WindowDays
	if windowDays <= 0 {
		windowDays = e.windowDays
	}

	requestedAt := input.RequestedAt.UTC()
	result := ReturnEligibility{
		WindowDays:  windowDays,
		EvaluatedAt: requestedAt,
	}

	line, ok := findOrderSKU(input.Order, sku)
	if !ok {
		result.Reason = reasonSKUNotFound
		return result, nil
	}

	if input.Quantity <= 0 {
		result.Reason = reasonQuantityInvalid
		return result, nil
	}
	if input.Quantity > line.Quantity {
		result.Reason = reasonQuantityExceeded
		return result, nil
	}

	deliveredAt := line.Tracking.DeliveredAt
	if deliveredAt == nil {
		result.Reason = reasonNotDelivered
		return result, nil
	}
	result.DeliveredAt = deliveredAt

	// The deadline itself is still inside the window.
	windowEnd := deliveredAt.UTC().Add(time.Duration(windowDays) * 24 * time.Hour)
	windowOpen := !requestedAt.After(windowEnd)

	returnable := e.lookupReturnable(ctx, line.ProductID)
	result.ProductReturnable = returnable

	if !windowOpen {
		result.Reason = reasonWindowExpired
		return result, nil
	}
	if !returnable {
		result.Reason = reasonNotReturnable
		return result, nil
	}

	result.Eligible = true
	return result, nil
}

// lookupReturnable fails closed: an unreachable catalog means not returnable.
func (e *eligibilityEvaluator) lookupReturnable(ctx context.Context, productID string) bool {
	if e.catalog == nil {
		return false
	}
	returnable, err := e.catalog.IsReturnable(ctx, productID)
	if err != nil {
		e.logger(ctx, "return.eligibility.catalog.failed", map[string]any{
			"product": productID,
			"error":   err.Error(),
		})
		return false
	}
	return returnable
}

func findOrderSKU(order domain.Order, sku string) (domain.OrderSKU, bool) {
	for _, line := range order.SKUs {
		if line.SKU == sku {
			return line, true
		}
	}
	return domain.OrderSKU{}, false
}
