package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/Digi9ReachInfoSystems/returns-api/internal/domain"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/repositories"
)

const (
	defaultSweepParallelism = 8
	defaultSweepWindow      = 14 * 24 * time.Hour
	sweepPageSize           = 100
)

var (
	// ErrSLAInvalidInput signals the caller provided invalid data.
	ErrSLAInvalidInput = errors.New("sla: invalid input")
	// ErrSLANotFound indicates the order or violation could not be located.
	ErrSLANotFound = errors.New("sla: not found")
)

// SLAServiceDeps bundles collaborators required to construct the SLA service.
type SLAServiceDeps struct {
	Orders     repositories.OrderRepository
	Violations repositories.SLAViolationRepository
	DealerSLAs repositories.DealerSLARepository
	Calculator SLACalculator
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type slaService struct {
	orders     repositories.OrderRepository
	violations repositories.SLAViolationRepository
	dealerSLAs repositories.DealerSLARepository
	calculator SLACalculator
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
}

// NewSLAService wires dependencies into a concrete SLAService implementation.
func NewSLAService(deps SLAServiceDeps) (SLAService, error) {
	if deps.Orders == nil {
		return nil, errors.New("sla service: order repository is required")
	}
	if deps.Violations == nil {
		return nil, errors.New("sla service: violation repository is required")
	}
	if deps.DealerSLAs == nil {
		return nil, errors.New("sla service: dealer sla repository is required")
	}
	if deps.Calculator == nil {
		return nil, errors.New("sla service: calculator is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &slaService{
		orders:     deps.Orders,
		violations: deps.Violations,
		dealerSLAs: deps.DealerSLAs,
		calculator: deps.Calculator,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// skuDeadline pairs an order line with its computed dispatch deadline.
type skuDeadline struct {
	line     domain.OrderSKU
	expected time.Time
}

func (s *slaService) EvaluateOrder(ctx context.Context, orderID string) (SLAEvaluationResult, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return SLAEvaluationResult{}, fmt.Errorf("%w: order id is required", ErrSLAInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return SLAEvaluationResult{}, s.mapRepositoryError(err)
	}

	now := s.now()

	// Only lines the dealer has packed are in scope. A line still waiting to
	// be packed has no actual fulfilment time, so neither a SKU-level record
	// nor the order-level quantifier may consider it.
	deadlines := packedOnly(s.collectDeadlines(ctx, order))
	result := SLAEvaluationResult{OrderID: orderID, SKUsChecked: len(deadlines)}
	if len(deadlines) == 0 {
		return result, nil
	}

	var (
		maxMinutes   int64
		allViolated  = true
		sharedDealer = deadlines[0].line.DealerID
		singleDealer = true
	)

	for _, d := range deadlines {
		violated, minutes, actual := evaluateSKU(d)
		if !violated {
			allViolated = false
			continue
		}
		result.SKUViolations++
		if minutes > maxMinutes {
			maxMinutes = minutes
		}
		if d.line.DealerID != sharedDealer {
			singleDealer = false
		}

		created, err := s.violations.InsertUnresolved(ctx, domain.SLAViolation{
			OrderID:          orderID,
			DealerID:         d.line.DealerID,
			SKU:              valuePtr(d.line.SKU),
			ExpectedAt:       d.expected,
			ActualAt:         actual,
			ViolationMinutes: minutes,
			CreatedAt:        now,
		})
		if err != nil {
			return result, s.mapRepositoryError(err)
		}
		if created {
			result.ViolationsCreated++
		}
	}

	expected := earliestDeadline(deadlines)
	actual := latestPackedAt(deadlines)

	result.OrderViolated = allViolated
	if allViolated {
		aggregateDealer := ""
		if singleDealer {
			aggregateDealer = sharedDealer
		}
		created, err := s.violations.InsertUnresolved(ctx, domain.SLAViolation{
			OrderID:          orderID,
			DealerID:         aggregateDealer,
			SKU:              nil,
			ExpectedAt:       expected,
			ActualAt:         actual,
			ViolationMinutes: maxMinutes,
			CreatedAt:        now,
		})
		if err != nil {
			return result, s.mapRepositoryError(err)
		}
		if created {
			result.ViolationsCreated++
		}
	}

	if err := s.orders.PatchSLASummary(ctx, orderID, domain.OrderSLASummary{
		Violated:         allViolated,
		ViolationMinutes: maxMinutes,
		ExpectedAt:       &expected,
		ActualAt:         actual,
		LastCheckedAt:    &now,
	}); err != nil {
		return result, s.mapRepositoryError(err)
	}

	return result, nil
}

func (s *slaService) Sweep(ctx context.Context, cmd SLASweepCommand) (SLASweepResult, error) {
	window := cmd.Window
	if window <= 0 {
		window = defaultSweepWindow
	}
	parallelism := cmd.Parallelism
	if parallelism <= 0 {
		parallelism = defaultSweepParallelism
	}

	now := s.now()
	filter := repositories.SLASweepFilter{
		OrderedBefore: now,
		OrderedAfter:  now.Add(-window),
		Pagination:    domain.Pagination{PageSize: sweepPageSize},
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		sem    = make(chan struct{}, parallelism)
		result SLASweepResult
	)

	for {
		page, err := s.orders.ListForSLASweep(ctx, filter)
		if err != nil {
			return result, s.mapRepositoryError(err)
		}

		for _, order := range page.Items {
			orderID := order.ID
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				evaluation, err := s.EvaluateOrder(ctx, orderID)
				mu.Lock()
				defer mu.Unlock()
				result.OrdersChecked++
				if err != nil {
					result.Failures = append(result.Failures, SLASweepFailure{OrderID: orderID, Err: err})
					return
				}
				result.ViolationsCreated += evaluation.ViolationsCreated
			}()
		}
		wg.Wait()

		if page.NextPageToken == "" {
			break
		}
		filter.Pagination.PageToken = page.NextPageToken
	}

	s.logger(ctx, "sla.sweep.completed", map[string]any{
		"orders":     result.OrdersChecked,
		"violations": result.ViolationsCreated,
		"failures":   len(result.Failures),
	})

	return result, nil
}

func (s *slaService) ListViolations(ctx context.Context, filter SLAViolationFilter) (domain.CursorPage[SLAViolation], error) {
	page, err := s.violations.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[SLAViolation]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *slaService) ListWarnings(ctx context.Context, filter SLAWarningFilter) ([]SLAWarning, error) {
	lookahead := filter.Lookahead
	if lookahead <= 0 {
		lookahead = 4 * time.Hour
	}

	now := s.now()
	horizon := now.Add(lookahead)
	sweep := repositories.SLASweepFilter{
		OrderedBefore: now,
		OrderedAfter:  now.Add(-defaultSweepWindow),
		Pagination:    domain.Pagination{PageSize: sweepPageSize},
	}

	var warnings []SLAWarning
	for {
		page, err := s.orders.ListForSLASweep(ctx, sweep)
		if err != nil {
			return nil, s.mapRepositoryError(err)
		}

		for _, order := range page.Items {
			for _, d := range s.collectDeadlines(ctx, order) {
				if filter.DealerID != "" && d.line.DealerID != filter.DealerID {
					continue
				}
				if d.line.Tracking.PackedAt != nil {
					continue
				}
				if d.expected.Before(now) || d.expected.After(horizon) {
					continue
				}
				warnings = append(warnings, SLAWarning{
					OrderID:    order.ID,
					SKU:        d.line.SKU,
					DealerID:   d.line.DealerID,
					ExpectedAt: d.expected,
					Remaining:  d.expected.Sub(now),
				})
			}
		}

		if page.NextPageToken == "" {
			break
		}
		sweep.Pagination.PageToken = page.NextPageToken
	}

	return warnings, nil
}

// collectDeadlines resolves the dispatch deadline for every line with an
// active dealer SLA. Lines without an SLA are skipped.
func (s *slaService) collectDeadlines(ctx context.Context, order domain.Order) []skuDeadline {
	deadlines := make([]skuDeadline, 0, len(order.SKUs))
	slaCache := make(map[string]*domain.DealerSLA, 2)

	for _, line := range order.SKUs {
		sla, ok := slaCache[line.DealerID]
		if !ok {
			sla = s.lookupDealerSLA(ctx, line.DealerID)
			slaCache[line.DealerID] = sla
		}
		expected := s.calculator.ExpectedDispatchTime(order.OrderDate, sla)
		if expected == nil {
			continue
		}
		deadlines = append(deadlines, skuDeadline{line: line, expected: *expected})
	}
	return deadlines
}

// lookupDealerSLA returns nil when the dealer has no active commitment.
func (s *slaService) lookupDealerSLA(ctx context.Context, dealerID string) *domain.DealerSLA {
	if strings.TrimSpace(dealerID) == "" {
		return nil
	}
	sla, err := s.dealerSLAs.FindActiveByDealer(ctx, dealerID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
			s.logger(ctx, "sla.dealer.lookup.failed", map[string]any{
				"dealer": dealerID,
				"error":  err.Error(),
			})
		}
		return nil
	}
	return &sla
}

// packedOnly keeps the lines whose dealer has marked them packed with a
// recorded packing time. Lines that already shipped or delivered still carry
// the timestamp and stay in scope.
func packedOnly(deadlines []skuDeadline) []skuDeadline {
	packed := deadlines[:0]
	for _, d := range deadlines {
		if d.line.Tracking.PackedAt == nil {
			continue
		}
		switch d.line.Tracking.Status {
		case domain.SKUTrackingPacked, domain.SKUTrackingShipped, domain.SKUTrackingDelivered:
			packed = append(packed, d)
		}
	}
	return packed
}

// evaluateSKU reports whether the packed line missed its deadline, by how
// many minutes, and the recorded packing time.
func evaluateSKU(d skuDeadline) (bool, int64, *time.Time) {
	packedAt := d.line.Tracking.PackedAt
	if packedAt.After(d.expected) {
		return true, int64(packedAt.Sub(d.expected) / time.Minute), packedAt
	}
	return false, 0, packedAt
}

func latestPackedAt(deadlines []skuDeadline) *time.Time {
	var latest *time.Time
	for _, d := range deadlines {
		packedAt := d.line.Tracking.PackedAt
		if packedAt == nil {
			continue
		}
		if latest == nil || packedAt.After(*latest) {
			latest = packedAt
		}
	}
	return latest
}

func earliestDeadline(deadlines []skuDeadline) time.Time {
	earliest := deadlines[0].expected
	for _, d := range deadlines[1:] {
		if d.expected.Before(earliest) {
			earliest = d.expected
		}
	}
	return earliest
}

func (s *slaService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrSLANotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("sla: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *slaService) now() time.Time {
	return s.clock()
}
