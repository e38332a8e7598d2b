package services

import (
	"context"
	"sync"
	"testing"
	"time"

	domain "github.com/Digi9ReachInfoSystems/returns-api/internal/domain"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/repositories"
)

type stubViolationRepo struct {
	mu       sync.Mutex
	insertFn func(context.Context, domain.SLAViolation) (bool, error)
	listFn   func(context.Context, repositories.SLAViolationListFilter) (domain.CursorPage[domain.SLAViolation], error)
	inserted []domain.SLAViolation
}

func (s *stubViolationRepo) InsertUnresolved(ctx context.Context, violation domain.SLAViolation) (bool, error) {
	if s.insertFn != nil {
		return s.insertFn(ctx, violation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, violation)
	return true, nil
}

func (s *stubViolationRepo) Resolve(context.Context, string, time.Time, string) error {
	return nil
}

func (s *stubViolationRepo) FindByID(context.Context, string) (domain.SLAViolation, error) {
	return domain.SLAViolation{}, notFoundErr{msg: "violation missing"}
}

func (s *stubViolationRepo) List(ctx context.Context, filter repositories.SLAViolationListFilter) (domain.CursorPage[domain.SLAViolation], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.SLAViolation]{}, nil
}

type stubDealerSLARepo struct {
	findFn func(context.Context, string) (domain.DealerSLA, error)
}

func (s *stubDealerSLARepo) FindActiveByDealer(ctx context.Context, dealerID string) (domain.DealerSLA, error) {
	if s.findFn != nil {
		return s.findFn(ctx, dealerID)
	}
	return domain.DealerSLA{}, notFoundErr{msg: "no sla"}
}

func (s *stubDealerSLARepo) Upsert(_ context.Context, sla domain.DealerSLA) (domain.DealerSLA, error) {
	return sla, nil
}

func slaOrder(orderDate time.Time, lines ...domain.OrderSKU) domain.Order {
	return domain.Order{
		ID:         "ord-1",
		CustomerID: "cust-1",
		OrderDate:  orderDate,
		SKUs:       lines,
	}
}

func packedLine(sku, dealer string, packedAt time.Time) domain.OrderSKU {
	return domain.OrderSKU{
		SKU:      sku,
		DealerID: dealer,
		Quantity: 1,
		Tracking: domain.SKUTracking{Status: domain.SKUTrackingPacked, PackedAt: &packedAt},
	}
}

func pendingLine(sku, dealer string) domain.OrderSKU {
	return domain.OrderSKU{
		SKU:      sku,
		DealerID: dealer,
		Quantity: 1,
		Tracking: domain.SKUTracking{Status: domain.SKUTrackingPending},
	}
}

func newTestSLAService(t *testing.T, orders repositories.OrderRepository, violations repositories.SLAViolationRepository, dealerSLAs repositories.DealerSLARepository, now time.Time) SLAService {
	t.Helper()
	svc, err := NewSLAService(SLAServiceDeps{
		Orders:     orders,
		Violations: violations,
		DealerSLAs: dealerSLAs,
		Calculator: NewSLACalculator(DispatchWindow{StartHour: 9, EndHour: 18}),
		Clock:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new sla service: %v", err)
	}
	return svc
}

func TestSLAEvaluateOrderRecordsSKUViolations(t *testing.T) {
	ctx := context.Background()
	// Order at 09:00, 4h SLA: deadline 13:00 same day.
	orderDate := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)

	latePacked := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)
	onTimePacked := time.Date(2025, 6, 2, 11, 0, 0, 0, time.UTC)

	violations := &stubViolationRepo{}
	var summary *domain.OrderSLASummary
	orders := &stubOrdersRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return slaOrder(orderDate,
				packedLine("SKU-1", "dealer-1", latePacked),
				packedLine("SKU-2", "dealer-1", onTimePacked),
			), nil
		},
		patchSLAFn: func(_ context.Context, _ string, s domain.OrderSLASummary) error {
			summary = &s
			return nil
		},
	}
	dealerSLAs := &stubDealerSLARepo{
		findFn: func(context.Context, string) (domain.DealerSLA, error) {
			return domain.DealerSLA{DealerID: "dealer-1", MaxDispatchHours: 4, Active: true}, nil
		},
	}

	svc := newTestSLAService(t, orders, violations, dealerSLAs, now)

	result, err := svc.EvaluateOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("evaluate order: %v", err)
	}
	if result.SKUViolations != 1 {
		t.Fatalf("expected 1 sku violation got %d", result.SKUViolations)
	}
	if result.OrderViolated {
		t.Fatal("order must not be violated when one sku met its deadline")
	}
	if len(violations.inserted) != 1 {
		t.Fatalf("expected 1 violation insert got %d", len(violations.inserted))
	}
	v := violations.inserted[0]
	if v.SKU == nil || *v.SKU != "SKU-1" {
		t.Fatalf("unexpected violation sku %+v", v.SKU)
	}
	// Packed 15:00 against a 13:00 deadline: 120 minutes.
	if v.ViolationMinutes != 120 {
		t.Fatalf("expected 120 minutes got %d", v.ViolationMinutes)
	}
	if summary == nil || summary.Violated {
		t.Fatalf("expected non-violated summary patch, got %+v", summary)
	}
	if summary.ViolationMinutes != 120 {
		t.Fatalf("expected summary minutes 120 got %d", summary.ViolationMinutes)
	}
}

func TestSLAEvaluateOrderAggregateSlot(t *testing.T) {
	ctx := context.Background()
	orderDate := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)
	latePacked := time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC)

	violations := &stubViolationRepo{}
	orders := &stubOrdersRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return slaOrder(orderDate,
				packedLine("SKU-1", "dealer-1", latePacked),
				packedLine("SKU-2", "dealer-1", latePacked),
			), nil
		},
	}
	dealerSLAs := &stubDealerSLARepo{
		findFn: func(context.Context, string) (domain.DealerSLA, error) {
			return domain.DealerSLA{DealerID: "dealer-1", MaxDispatchHours: 4, Active: true}, nil
		},
	}

	svc := newTestSLAService(t, orders, violations, dealerSLAs, now)

	result, err := svc.EvaluateOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("evaluate order: %v", err)
	}
	if !result.OrderViolated {
		t.Fatal("expected order-level violation when every sku violated")
	}
	// Two SKU slots plus the aggregate slot.
	if len(violations.inserted) != 3 {
		t.Fatalf("expected 3 inserts got %d", len(violations.inserted))
	}
	var aggregate *domain.SLAViolation
	for i := range violations.inserted {
		if violations.inserted[i].SKU == nil {
			aggregate = &violations.inserted[i]
		}
	}
	if aggregate == nil {
		t.Fatal("expected aggregate violation with nil sku")
	}
	if aggregate.DealerID != "dealer-1" {
		t.Fatalf("expected shared dealer on aggregate, got %q", aggregate.DealerID)
	}
}

func TestSLAEvaluateOrderIdempotentInserts(t *testing.T) {
	ctx := context.Background()
	orderDate := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)
	latePacked := time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC)

	violations := &stubViolationRepo{
		insertFn: func(context.Context, domain.SLAViolation) (bool, error) {
			// Slot already occupied by an unresolved violation.
			return false, nil
		},
	}
	orders := &stubOrdersRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return slaOrder(orderDate, packedLine("SKU-1", "dealer-1", latePacked)), nil
		},
	}
	dealerSLAs := &stubDealerSLARepo{
		findFn: func(context.Context, string) (domain.DealerSLA, error) {
			return domain.DealerSLA{DealerID: "dealer-1", MaxDispatchHours: 4, Active: true}, nil
		},
	}

	svc := newTestSLAService(t, orders, violations, dealerSLAs, now)

	result, err := svc.EvaluateOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("evaluate order: %v", err)
	}
	if result.SKUViolations != 1 {
		t.Fatalf("expected violation detected, got %d", result.SKUViolations)
	}
	if result.ViolationsCreated != 0 {
		t.Fatalf("expected no new violations, got %d", result.ViolationsCreated)
	}
}

func TestSLAEvaluateOrderSkipsDealersWithoutSLA(t *testing.T) {
	ctx := context.Background()
	orderDate := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)

	violations := &stubViolationRepo{}
	orders := &stubOrdersRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return slaOrder(orderDate, pendingLine("SKU-1", "dealer-1")), nil
		},
	}

	svc := newTestSLAService(t, orders, violations, &stubDealerSLARepo{}, now)

	result, err := svc.EvaluateOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("evaluate order: %v", err)
	}
	if result.SKUsChecked != 0 {
		t.Fatalf("expected no deadlines without sla, got %d", result.SKUsChecked)
	}
	if len(violations.inserted) != 0 {
		t.Fatalf("expected no inserts, got %d", len(violations.inserted))
	}
}

func TestSLAEvaluateOrderAggregatesOverPackedLinesOnly(t *testing.T) {
	ctx := context.Background()
	orderDate := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 6, 2, 18, 0, 0, 0, time.UTC)
	// Packed two hours past the 13:00 deadline.
	latePacked := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

	violations := &stubViolationRepo{}
	var summary *domain.OrderSLASummary
	orders := &stubOrdersRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			// dealer-2's line is unpacked and its 48h deadline is far away.
			// It must not suppress the order-level flag.
			return slaOrder(orderDate,
				packedLine("SKU-1", "dealer-1", latePacked),
				pendingLine("SKU-2", "dealer-2"),
			), nil
		},
		patchSLAFn: func(_ context.Context, _ string, s domain.OrderSLASummary) error {
			summary = &s
			return nil
		},
	}
	dealerSLAs := &stubDealerSLARepo{
		findFn: func(_ context.Context, dealerID string) (domain.DealerSLA, error) {
			hours := 4
			if dealerID == "dealer-2" {
				hours = 48
			}
			return domain.DealerSLA{DealerID: dealerID, MaxDispatchHours: hours, Active: true}, nil
		},
	}

	svc := newTestSLAService(t, orders, violations, dealerSLAs, now)

	result, err := svc.EvaluateOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("evaluate order: %v", err)
	}
	if result.SKUsChecked != 1 {
		t.Fatalf("expected only the packed line in scope, got %d", result.SKUsChecked)
	}
	if !result.OrderViolated {
		t.Fatal("expected order-level violation when every packed sku violated")
	}
	// One SKU slot plus the aggregate slot.
	if len(violations.inserted) != 2 {
		t.Fatalf("expected 2 inserts got %d", len(violations.inserted))
	}
	if summary == nil || !summary.Violated {
		t.Fatalf("expected violated summary patch, got %+v", summary)
	}
	if summary.ExpectedAt == nil || summary.ActualAt == nil || !summary.ActualAt.Equal(latePacked) {
		t.Fatalf("expected fulfillment timestamps on summary, got %+v", summary)
	}
}

func TestSLAEvaluateOrderSkipsUnpackedOverdueLines(t *testing.T) {
	ctx := context.Background()
	orderDate := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	// Well past the 13:00 deadline with the line still pending.
	now := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)

	violations := &stubViolationRepo{}
	patched := false
	orders := &stubOrdersRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return slaOrder(orderDate, pendingLine("SKU-1", "dealer-1")), nil
		},
		patchSLAFn: func(context.Context, string, domain.OrderSLASummary) error {
			patched = true
			return nil
		},
	}
	dealerSLAs := &stubDealerSLARepo{
		findFn: func(context.Context, string) (domain.DealerSLA, error) {
			return domain.DealerSLA{DealerID: "dealer-1", MaxDispatchHours: 4, Active: true}, nil
		},
	}

	svc := newTestSLAService(t, orders, violations, dealerSLAs, now)

	result, err := svc.EvaluateOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("evaluate order: %v", err)
	}
	if result.SKUsChecked != 0 {
		t.Fatalf("expected no lines in scope, got %d", result.SKUsChecked)
	}
	if result.OrderViolated {
		t.Fatal("an unpacked line must not mark the order violated")
	}
	if len(violations.inserted) != 0 {
		t.Fatalf("expected no violation records for an unpacked line, got %+v", violations.inserted)
	}
	if patched {
		t.Fatal("expected no summary patch when nothing is in scope")
	}
}

func TestSLASweepEvaluatesAllPages(t *testing.T) {
	ctx := context.Background()
	orderDate := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)
	latePacked := time.Date(2025, 6, 2, 16, 0, 0, 0, time.UTC)

	pageOne := []domain.Order{
		slaOrder(orderDate, packedLine("SKU-1", "dealer-1", latePacked)),
	}
	pageOne[0].ID = "ord-1"
	pageTwo := []domain.Order{
		slaOrder(orderDate, packedLine("SKU-2", "dealer-1", latePacked)),
	}
	pageTwo[0].ID = "ord-2"

	byID := map[string]domain.Order{
		"ord-1": pageOne[0],
		"ord-2": pageTwo[0],
	}

	violations := &stubViolationRepo{}
	orders := &stubOrdersRepo{
		findFn: func(_ context.Context, orderID string) (domain.Order, error) {
			order, ok := byID[orderID]
			if !ok {
				return domain.Order{}, notFoundErr{msg: "order missing"}
			}
			return order, nil
		},
		sweepFn: func(_ context.Context, filter repositories.SLASweepFilter) (domain.CursorPage[domain.Order], error) {
			if filter.Pagination.PageToken == "" {
				return domain.CursorPage[domain.Order]{Items: pageOne, NextPageToken: "page-2"}, nil
			}
			return domain.CursorPage[domain.Order]{Items: pageTwo}, nil
		},
	}
	dealerSLAs := &stubDealerSLARepo{
		findFn: func(context.Context, string) (domain.DealerSLA, error) {
			return domain.DealerSLA{DealerID: "dealer-1", MaxDispatchHours: 4, Active: true}, nil
		},
	}

	svc := newTestSLAService(t, orders, violations, dealerSLAs, now)

	result, err := svc.Sweep(ctx, SLASweepCommand{Parallelism: 2})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.OrdersChecked != 2 {
		t.Fatalf("expected 2 orders checked got %d", result.OrdersChecked)
	}
	if len(result.Failures) != 0 {
		t.Fatalf("unexpected failures %+v", result.Failures)
	}
}

func TestSLAListWarnings(t *testing.T) {
	ctx := context.Background()
	// Deadline at 13:00, now 11:00: inside a 4h lookahead.
	orderDate := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 6, 2, 11, 0, 0, 0, time.UTC)

	orders := &stubOrdersRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return slaOrder(orderDate, pendingLine("SKU-1", "dealer-1")), nil
		},
		sweepFn: func(context.Context, repositories.SLASweepFilter) (domain.CursorPage[domain.Order], error) {
			return domain.CursorPage[domain.Order]{
				Items: []domain.Order{slaOrder(orderDate,
					pendingLine("SKU-1", "dealer-1"),
					pendingLine("SKU-2", "dealer-2"),
				)},
			}, nil
		},
	}
	dealerSLAs := &stubDealerSLARepo{
		findFn: func(_ context.Context, dealerID string) (domain.DealerSLA, error) {
			if dealerID != "dealer-1" {
				return domain.DealerSLA{}, notFoundErr{msg: "no sla"}
			}
			return domain.DealerSLA{DealerID: dealerID, MaxDispatchHours: 4, Active: true}, nil
		},
	}

	svc := newTestSLAService(t, orders, &stubViolationRepo{}, dealerSLAs, now)

	warnings, err := svc.ListWarnings(ctx, SLAWarningFilter{Lookahead: 4 * time.Hour})
	if err != nil {
		t.Fatalf("list warnings: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning got %d", len(warnings))
	}
	if warnings[0].SKU != "SKU-1" || warnings[0].Remaining != 2*time.Hour {
		t.Fatalf("unexpected warning %+v", warnings[0])
	}
}
