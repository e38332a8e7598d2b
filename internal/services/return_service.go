package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/Digi9ReachInfoSystems/returns-api/internal/domain"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/repositories"
)

const (
	returnEventCreated       = "return.created"
	returnEventStatusChanged = "return.status.changed"
	returnEventNoteAppended  = "return.note.appended"

	returnIDPrefix = "ret_"
	noteIDPrefix   = "rnt_"

	fulfillmentAdminRole = "fulfillment-admin"
)

var (
	// ErrReturnInvalidInput signals the caller provided invalid data.
	ErrReturnInvalidInput = errors.New("return: invalid input")
	// ErrReturnNotFound indicates the return could not be located.
	ErrReturnNotFound = errors.New("return: not found")
	// ErrReturnInvalidState indicates an invalid status transition was attempted.
	ErrReturnInvalidState = errors.New("return: invalid status transition")
	// ErrReturnConflict indicates optimistic concurrency conflicts or duplicates.
	ErrReturnConflict = errors.New("return: conflict")
	// ErrReturnNotEligible indicates the order line failed eligibility checks.
	ErrReturnNotEligible = errors.New("return: not eligible")
	// ErrReturnForbidden indicates the caller does not own the return.
	ErrReturnForbidden = errors.New("return: forbidden")
)

var returnStateTransitions = map[domain.ReturnStatus][]domain.ReturnStatus{
	domain.ReturnStatusRequested:       {domain.ReturnStatusValidated},
	domain.ReturnStatusValidated:       {domain.ReturnStatusPickupScheduled},
	domain.ReturnStatusPickupScheduled: {domain.ReturnStatusPickupCompleted},
	domain.ReturnStatusPickupCompleted: {domain.ReturnStatusUnderInspection},
	domain.ReturnStatusUnderInspection: {domain.ReturnStatusApproved, domain.ReturnStatusRejected},
	domain.ReturnStatusApproved:        {domain.ReturnStatusRefundProcessed},
	domain.ReturnStatusRefundProcessed: {domain.ReturnStatusCompleted},
}

// carrierPickupStatuses are carrier webhook states that close the pickup leg.
var carrierPickupStatuses = map[string]bool{
	"picked_up":  true,
	"collected":  true,
	"in_transit": true,
}

// ReturnServiceDeps bundles collaborators required to construct the return service.
type ReturnServiceDeps struct {
	Returns     repositories.ReturnRepository
	Orders      repositories.OrderRepository
	Ledger      repositories.RefundLedgerRepository
	Users       UserDirectory
	Eligibility EligibilityEvaluator
	Refunds     RefundExecutor
	Logistics   LogisticsGateway
	Geocoder    Geocoder
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Events      NotificationPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)

	// FallbackCoordinates are used when geocoding fails.
	FallbackCoordinates GeoPoint
}

type returnService struct {
	returns     repositories.ReturnRepository
	orders      repositories.OrderRepository
	ledger      repositories.RefundLedgerRepository
	users       UserDirectory
	eligibility EligibilityEvaluator
	refunds     RefundExecutor
	logistics   LogisticsGateway
	geocoder    Geocoder
	unitOfWork  repositories.UnitOfWork
	clock       func() time.Time
	newID       func() string
	events      NotificationPublisher
	logger      func(context.Context, string, map[string]any)
	fallback    GeoPoint
}

// NewReturnService wires dependencies into a concrete ReturnService implementation.
func NewReturnService(deps ReturnServiceDeps) (ReturnService, error) {
	if deps.Returns == nil {
		return nil, errors.New("return service: return repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("return service: order repository is required")
	}
	if deps.Eligibility == nil {
		return nil, errors.New("return service: eligibility evaluator is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &returnService{
		returns:     deps.Returns,
		orders:      deps.Orders,
		ledger:      deps.Ledger,
		users:       deps.Users,
		eligibility: deps.Eligibility,
		refunds:     deps.Refunds,
		logistics:   deps.Logistics,
		geocoder:    deps.Geocoder,
		unitOfWork:  unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		events:   deps.Events,
		logger:   logger,
		fallback: deps.FallbackCoordinates,
	}, nil
}

func (s *returnService) CreateReturn(ctx context.Context, cmd CreateReturnCommand) (ReturnRequest, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	sku := strings.TrimSpace(cmd.SKU)
	customerID := strings.TrimSpace(cmd.CustomerID)

	if orderID == "" {
		return ReturnRequest{}, fmt.Errorf("%w: order id is required", ErrReturnInvalidInput)
	}
	if sku == "" {
		return ReturnRequest{}, fmt.Errorf("%w: sku is required", ErrReturnInvalidInput)
	}
	if customerID == "" {
		return ReturnRequest{}, fmt.Errorf("%w: customer id is required", ErrReturnInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return ReturnRequest{}, fmt.Errorf("%w: quantity must be positive", ErrReturnInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return ReturnRequest{}, s.mapRepositoryError(err)
	}
	if order.CustomerID != customerID {
		return ReturnRequest{}, fmt.Errorf("%w: order belongs to another customer", ErrReturnForbidden)
	}

	line, ok := findOrderSKU(order, sku)
	if !ok {
		return ReturnRequest{}, fmt.Errorf("%w: sku %q not found on order", ErrReturnInvalidInput, sku)
	}
	if cmd.Quantity > line.Quantity {
		return ReturnRequest{}, fmt.Errorf("%w: quantity %d exceeds ordered %d", ErrReturnInvalidInput, cmd.Quantity, line.Quantity)
	}

	now := s.now()

	eligibility, err := s.eligibility.Evaluate(ctx, EligibilityInput{
		Order:       order,
		SKU:         sku,
		Quantity:    cmd.Quantity,
		RequestedAt: now,
	})
	if err != nil {
		return ReturnRequest{}, err
	}

	method := cmd.RefundMethod
	if method == "" {
		method = domain.RefundMethodSource
	}

	ret := ReturnRequest{
		ID:          s.nextReturnID(),
		OrderID:     orderID,
		SKU:         sku,
		Quantity:    cmd.Quantity,
		CustomerID:  customerID,
		DealerID:    line.DealerID,
		Reason:      strings.TrimSpace(cmd.Reason),
		Description: strings.TrimSpace(cmd.Description),
		Images:      slices.Clone(cmd.Images),
		Status:      domain.ReturnStatusRequested,
		Eligibility: &eligibility,
		Refund: &domain.ReturnRefund{
			Method:   method,
			Amount:   line.UnitPrice * int64(cmd.Quantity),
			Currency: paymentCurrency(order.Payment),
			Status:   domain.RefundStatusPending,
		},
		Timestamps: domain.ReturnTimestamps{RequestedAt: now},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	metadata := map[string]any{"eligible": eligibility.Eligible}

	if eligibility.Eligible {
		// When eligibility passes up front the return is validated and the
		// pickup booked in the same request. Ineligible requests persist at
		// requested with the failed snapshot so validation can re-run once
		// the order data is corrected.
		ret.Status = domain.ReturnStatusValidated
		ret.Timestamps.ValidatedAt = &now

		pickup := s.bookPickup(ctx, ret, cmd.PickupAddress, nil)
		ret.Pickup = &pickup
		ret.Status = domain.ReturnStatusPickupScheduled
		ret.Timestamps.PickupScheduledAt = &now

		metadata["trackingId"] = pickup.TrackingID
		metadata["localBooking"] = pickup.LocalBooking
	} else if eligibility.Reason != "" {
		metadata["reason"] = eligibility.Reason
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.returns.Insert(txCtx, domain.ReturnRequest(ret)); err != nil {
			return s.mapRepositoryError(err)
		}
		if err := s.orders.PatchSKUReturn(txCtx, orderID, sku, &domain.SKUReturnInfo{
			ReturnID:  ret.ID,
			Status:    ret.Status,
			UpdatedAt: now,
		}); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return ReturnRequest{}, err
	}

	s.publishEvent(ctx, ReturnEvent{
		Type:       returnEventCreated,
		ReturnID:   ret.ID,
		OrderID:    orderID,
		SKU:        sku,
		CustomerID: customerID,
		DealerID:   ret.DealerID,
		Status:     ret.Status,
		Recipients: []string{customerID},
		OccurredAt: now,
		Metadata:   metadata,
	})

	return ret, nil
}

func (s *returnService) GetReturn(ctx context.Context, returnID string, opts ReturnReadOptions) (ReturnRequest, error) {
	returnID = strings.TrimSpace(returnID)
	if returnID == "" {
		return ReturnRequest{}, fmt.Errorf("%w: return id is required", ErrReturnInvalidInput)
	}

	ret, err := s.returns.FindByID(ctx, returnID)
	if err != nil {
		return ReturnRequest{}, s.mapRepositoryError(err)
	}

	if err := authorizeReturnRead(ret, opts); err != nil {
		return ReturnRequest{}, err
	}
	return ret, nil
}

func (s *returnService) ListReturns(ctx context.Context, filter ReturnListFilter) (domain.CursorPage[ReturnRequest], error) {
	page, err := s.returns.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[ReturnRequest]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// Validate re-runs the eligibility check and records the outcome. An eligible
// return moves to validated, an ineligible one stays at requested, and both
// stamp validatedAt. Validation may be repeated.
func (s *returnService) Validate(ctx context.Context, cmd ReturnTransitionCommand) (ReturnRequest, error) {
	ret, prev, err := s.loadForTransition(ctx, cmd.ReturnID, cmd.ExpectedStatus)
	if err != nil {
		return ReturnRequest{}, err
	}
	if ret.Status != domain.ReturnStatusRequested && ret.Status != domain.ReturnStatusValidated {
		return ReturnRequest{}, fmt.Errorf("%w: validation requires requested or validated return, was %q", ErrReturnInvalidState, ret.Status)
	}

	order, err := s.orders.FindByID(ctx, ret.OrderID)
	if err != nil {
		return ReturnRequest{}, s.mapRepositoryError(err)
	}

	now := s.now()
	eligibility, err := s.eligibility.Evaluate(ctx, EligibilityInput{
		Order:       order,
		SKU:         ret.SKU,
		Quantity:    ret.Quantity,
		RequestedAt: ret.Timestamps.RequestedAt,
	})
	if err != nil {
		return ReturnRequest{}, err
	}
	eligibility.EvaluatedAt = now
	ret.Eligibility = &eligibility
	ret.Timestamps.ValidatedAt = &now
	ret.UpdatedAt = now

	if eligibility.Eligible && ret.Status == domain.ReturnStatusRequested {
		if err := s.applyStatusTransition(&ret, domain.ReturnStatusValidated, now); err != nil {
			return ReturnRequest{}, err
		}
	}

	metadata := map[string]any{"eligible": eligibility.Eligible}
	if !eligibility.Eligible && eligibility.Reason != "" {
		metadata["reason"] = eligibility.Reason
	}

	return s.persistTransition(ctx, ret, prev, cmd.ActorID, now, metadata)
}

func (s *returnService) SchedulePickup(ctx context.Context, cmd SchedulePickupCommand) (ReturnRequest, error) {
	ret, prev, err := s.loadForTransition(ctx, cmd.ReturnID, cmd.ExpectedStatus)
	if err != nil {
		return ReturnRequest{}, err
	}
	if ret.Status != domain.ReturnStatusValidated {
		return ReturnRequest{}, fmt.Errorf("%w: pickup scheduling requires validated return, was %q", ErrReturnInvalidState, ret.Status)
	}

	now := s.now()
	pickup := s.bookPickup(ctx, ret, cmd.PickupAddress, cmd.ScheduledDate)
	ret.Pickup = &pickup

	if err := s.applyStatusTransition(&ret, domain.ReturnStatusPickupScheduled, now); err != nil {
		return ReturnRequest{}, err
	}

	return s.persistTransition(ctx, ret, prev, cmd.ActorID, now, map[string]any{
		"trackingId":   pickup.TrackingID,
		"localBooking": pickup.LocalBooking,
	})
}

func (s *returnService) CompletePickup(ctx context.Context, cmd ReturnTransitionCommand) (ReturnRequest, error) {
	ret, prev, err := s.loadForTransition(ctx, cmd.ReturnID, cmd.ExpectedStatus)
	if err != nil {
		return ReturnRequest{}, err
	}
	if ret.Status != domain.ReturnStatusPickupScheduled {
		return ReturnRequest{}, fmt.Errorf("%w: pickup completion requires scheduled pickup, was %q", ErrReturnInvalidState, ret.Status)
	}

	now := s.now()
	if ret.Pickup != nil {
		ret.Pickup.CompletedAt = &now
	}
	if err := s.applyStatusTransition(&ret, domain.ReturnStatusPickupCompleted, now); err != nil {
		return ReturnRequest{}, err
	}

	return s.persistTransition(ctx, ret, prev, cmd.ActorID, now, nil)
}

func (s *returnService) StartInspection(ctx context.Context, cmd ReturnTransitionCommand) (ReturnRequest, error) {
	ret, prev, err := s.loadForTransition(ctx, cmd.ReturnID, cmd.ExpectedStatus)
	if err != nil {
		return ReturnRequest{}, err
	}
	if ret.Status != domain.ReturnStatusPickupCompleted {
		return ReturnRequest{}, fmt.Errorf("%w: inspection requires completed pickup, was %q", ErrReturnInvalidState, ret.Status)
	}

	now := s.now()
	if err := s.applyStatusTransition(&ret, domain.ReturnStatusUnderInspection, now); err != nil {
		return ReturnRequest{}, err
	}

	return s.persistTransition(ctx, ret, prev, cmd.ActorID, now, nil)
}

func (s *returnService) CompleteInspection(ctx context.Context, cmd CompleteInspectionCommand) (ReturnRequest, error) {
	ret, prev, err := s.loadForTransition(ctx, cmd.ReturnID, cmd.ExpectedStatus)
	if err != nil {
		return ReturnRequest{}, err
	}
	if ret.Status != domain.ReturnStatusUnderInspection {
		return ReturnRequest{}, fmt.Errorf("%w: inspection outcome requires return under inspection, was %q", ErrReturnInvalidState, ret.Status)
	}

	if !cmd.Approved && (cmd.RejectionReason == nil || strings.TrimSpace(*cmd.RejectionReason) == "") {
		return ReturnRequest{}, fmt.Errorf("%w: rejection reason is required", ErrReturnInvalidInput)
	}
	if cmd.Deduction < 0 {
		return ReturnRequest{}, fmt.Errorf("%w: deduction must not be negative", ErrReturnInvalidInput)
	}

	now := s.now()
	ret.Inspection = &domain.ReturnInspection{
		InspectedBy:     strings.TrimSpace(cmd.ActorID),
		SKUMatch:        cmd.SKUMatch,
		Condition:       strings.TrimSpace(cmd.Condition),
		Approved:        cmd.Approved,
		RejectionReason: cloneStringPtr(cmd.RejectionReason),
		Deduction:       cmd.Deduction,
		CompletedAt:     &now,
	}

	target := domain.ReturnStatusApproved
	if !cmd.Approved {
		target = domain.ReturnStatusRejected
	}
	if err := s.applyStatusTransition(&ret, target, now); err != nil {
		return ReturnRequest{}, err
	}

	if cmd.Approved && ret.Refund != nil && cmd.Deduction > 0 {
		if cmd.Deduction >= ret.Refund.Amount {
			return ReturnRequest{}, fmt.Errorf("%w: deduction %d consumes the full refund", ErrReturnInvalidInput, cmd.Deduction)
		}
		ret.Refund.Amount -= cmd.Deduction
	}

	metadata := map[string]any{"approved": cmd.Approved}
	if cmd.RejectionReason != nil {
		metadata["rejectionReason"] = *cmd.RejectionReason
	}

	updated, err := s.persistTransition(ctx, ret, prev, cmd.ActorID, now, metadata)
	if err != nil {
		return ReturnRequest{}, err
	}

	if cmd.Approved {
		s.notifyFulfillmentAdmins(ctx, updated, now)
	} else {
		s.releaseActiveSlot(ctx, updated)
	}
	return updated, nil
}

func (s *returnService) ProcessRefund(ctx context.Context, cmd ProcessRefundCommand) (ReturnRequest, error) {
	if s.refunds == nil {
		return ReturnRequest{}, errors.New("return service: refund executor not configured")
	}

	ret, prev, err := s.loadForTransition(ctx, cmd.ReturnID, cmd.ExpectedStatus)
	if err != nil {
		return ReturnRequest{}, err
	}
	if ret.Status != domain.ReturnStatusApproved {
		return ReturnRequest{}, fmt.Errorf("%w: refund requires approved return, was %q", ErrReturnInvalidState, ret.Status)
	}

	order, err := s.orders.FindByID(ctx, ret.OrderID)
	if err != nil {
		return ReturnRequest{}, s.mapRepositoryError(err)
	}

	now := s.now()
	outcome, execErr := s.refunds.Execute(ctx, ExecuteRefundCommand{
		Return: ret,
		Order:  order,
		Now:    now,
	})
	if execErr != nil {
		s.recordRefundFailure(ctx, ret, prev, execErr, now)
		return ReturnRequest{}, execErr
	}

	if ret.Refund == nil {
		ret.Refund = &domain.ReturnRefund{}
	}
	ret.Refund.Amount = outcome.Amount
	ret.Refund.Currency = outcome.Currency
	ret.Refund.Method = outcome.Method
	ret.Refund.Status = domain.RefundStatusProcessed
	ret.Refund.Destination = outcome.Destination
	ret.Refund.Provider = outcome.Provider
	ret.Refund.ProviderRef = outcome.ProviderRef
	ret.Refund.FailureReason = nil
	processedAt := outcome.ProcessedAt
	ret.Refund.ProcessedAt = &processedAt

	if err := s.applyStatusTransition(&ret, domain.ReturnStatusRefundProcessed, now); err != nil {
		return ReturnRequest{}, err
	}

	entry := domain.RefundLedgerEntry{
		ID:          s.nextLedgerID(),
		ReturnID:    ret.ID,
		OrderID:     ret.OrderID,
		CustomerID:  ret.CustomerID,
		Amount:      outcome.Amount,
		Currency:    outcome.Currency,
		Method:      outcome.Method,
		Destination: outcome.Destination,
		Provider:    outcome.Provider,
		ProviderRef: outcome.ProviderRef,
		CreatedAt:   now,
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.returns.Update(txCtx, domain.ReturnRequest(ret), prev); err != nil {
			return s.mapRepositoryError(err)
		}
		if s.ledger != nil {
			if err := s.ledger.Append(txCtx, entry); err != nil {
				return s.mapRepositoryError(err)
			}
		}
		if err := s.orders.PatchSKUReturn(txCtx, ret.OrderID, ret.SKU, &domain.SKUReturnInfo{
			ReturnID:  ret.ID,
			Status:    ret.Status,
			UpdatedAt: now,
		}); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return ReturnRequest{}, err
	}

	s.publishEvent(ctx, ReturnEvent{
		Type:       returnEventStatusChanged,
		ReturnID:   ret.ID,
		OrderID:    ret.OrderID,
		SKU:        ret.SKU,
		CustomerID: ret.CustomerID,
		DealerID:   ret.DealerID,
		Status:     ret.Status,
		Previous:   prev,
		Recipients: []string{ret.CustomerID},
		OccurredAt: now,
		Metadata: map[string]any{
			"amount":      outcome.Amount,
			"currency":    outcome.Currency,
			"destination": outcome.Destination,
			"providerRef": outcome.ProviderRef,
		},
	})

	return ret, nil
}

func (s *returnService) Complete(ctx context.Context, cmd ReturnTransitionCommand) (ReturnRequest, error) {
	ret, prev, err := s.loadForTransition(ctx, cmd.ReturnID, cmd.ExpectedStatus)
	if err != nil {
		return ReturnRequest{}, err
	}
	if ret.Status != domain.ReturnStatusRefundProcessed {
		return ReturnRequest{}, fmt.Errorf("%w: completion requires processed refund, was %q", ErrReturnInvalidState, ret.Status)
	}

	now := s.now()
	if err := s.applyStatusTransition(&ret, domain.ReturnStatusCompleted, now); err != nil {
		return ReturnRequest{}, err
	}

	updated, err := s.persistTransition(ctx, ret, prev, cmd.ActorID, now, nil)
	if err != nil {
		return ReturnRequest{}, err
	}

	s.releaseActiveSlot(ctx, updated)
	return updated, nil
}

func (s *returnService) AppendNote(ctx context.Context, cmd AppendReturnNoteCommand) (ReturnRequest, error) {
	returnID := strings.TrimSpace(cmd.ReturnID)
	body := strings.TrimSpace(cmd.Body)
	if returnID == "" {
		return ReturnRequest{}, fmt.Errorf("%w: return id is required", ErrReturnInvalidInput)
	}
	if body == "" {
		return ReturnRequest{}, fmt.Errorf("%w: note body is required", ErrReturnInvalidInput)
	}

	now := s.now()
	note := domain.ReturnNote{
		ID:        noteIDPrefix + s.newID(),
		AuthorID:  strings.TrimSpace(cmd.AuthorID),
		Body:      body,
		CreatedAt: now,
	}

	if err := s.returns.AppendNote(ctx, returnID, note); err != nil {
		return ReturnRequest{}, s.mapRepositoryError(err)
	}

	ret, err := s.returns.FindByID(ctx, returnID)
	if err != nil {
		return ReturnRequest{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, ReturnEvent{
		Type:       returnEventNoteAppended,
		ReturnID:   ret.ID,
		OrderID:    ret.OrderID,
		SKU:        ret.SKU,
		CustomerID: ret.CustomerID,
		DealerID:   ret.DealerID,
		Status:     ret.Status,
		Recipients: []string{ret.CustomerID},
		OccurredAt: now,
	})

	return ret, nil
}

func (s *returnService) RecordCarrierEvent(ctx context.Context, cmd CarrierEventCommand) error {
	trackingID := strings.TrimSpace(cmd.TrackingID)
	if trackingID == "" {
		return fmt.Errorf("%w: tracking id is required", ErrReturnInvalidInput)
	}

	ret, err := s.returns.FindByTrackingID(ctx, trackingID)
	if err != nil {
		return s.mapRepositoryError(err)
	}

	if !carrierPickupStatuses[strings.ToLower(strings.TrimSpace(cmd.Status))] {
		s.logger(ctx, "return.carrier.event.ignored", map[string]any{
			"return":   ret.ID,
			"tracking": trackingID,
			"status":   cmd.Status,
		})
		return nil
	}
	if ret.Status != domain.ReturnStatusPickupScheduled {
		// Late or duplicate carrier callbacks are not errors.
		return nil
	}

	partner := "local"
	if ret.Pickup != nil && strings.TrimSpace(ret.Pickup.Partner) != "" {
		partner = ret.Pickup.Partner
	}

	expected := ret.Status
	_, err = s.CompletePickup(ctx, ReturnTransitionCommand{
		ReturnID:       ret.ID,
		ActorID:        "carrier:" + partner,
		ExpectedStatus: &expected,
	})
	return err
}

// loadForTransition fetches the return and applies the caller's expected-status
// precondition before any mutation.
func (s *returnService) loadForTransition(ctx context.Context, returnID string, expected *ReturnStatus) (ReturnRequest, domain.ReturnStatus, error) {
	returnID = strings.TrimSpace(returnID)
	if returnID == "" {
		return ReturnRequest{}, "", fmt.Errorf("%w: return id is required", ErrReturnInvalidInput)
	}

	ret, err := s.returns.FindByID(ctx, returnID)
	if err != nil {
		return ReturnRequest{}, "", s.mapRepositoryError(err)
	}

	if expected != nil && ret.Status != *expected {
		return ReturnRequest{}, "", fmt.Errorf("%w: expected status %q but was %q", ErrReturnConflict, *expected, ret.Status)
	}
	return ret, ret.Status, nil
}

func (s *returnService) applyStatusTransition(ret *ReturnRequest, target domain.ReturnStatus, now time.Time) error {
	current := ret.Status
	if !canTransitionReturn(current, target) {
		return fmt.Errorf("%w: %s to %s", ErrReturnInvalidState, current, target)
	}

	ret.Status = target
	ret.UpdatedAt = now
	s.updateTimestamps(ret, target, now)
	return nil
}

func (s *returnService) updateTimestamps(ret *ReturnRequest, status domain.ReturnStatus, now time.Time) {
	switch status {
	case domain.ReturnStatusValidated:
		ret.Timestamps.ValidatedAt = &now
	case domain.ReturnStatusPickupScheduled:
		ret.Timestamps.PickupScheduledAt = &now
	case domain.ReturnStatusPickupCompleted:
		ret.Timestamps.PickupCompletedAt = &now
	case domain.ReturnStatusUnderInspection:
		ret.Timestamps.InspectionStartedAt = &now
	case domain.ReturnStatusApproved:
		ret.Timestamps.InspectionCompletedAt = &now
	case domain.ReturnStatusRejected:
		ret.Timestamps.InspectionCompletedAt = &now
		ret.Timestamps.RejectedAt = &now
	case domain.ReturnStatusRefundProcessed:
		ret.Timestamps.RefundProcessedAt = &now
	case domain.ReturnStatusCompleted:
		ret.Timestamps.CompletedAt = &now
	}
}

// persistTransition writes the guarded update, mirrors the status onto the
// order line, and emits the status change event.
func (s *returnService) persistTransition(ctx context.Context, ret ReturnRequest, prev domain.ReturnStatus, actorID string, now time.Time, metadata map[string]any) (ReturnRequest, error) {
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.returns.Update(txCtx, domain.ReturnRequest(ret), prev); err != nil {
			return s.mapRepositoryError(err)
		}
		if err := s.orders.PatchSKUReturn(txCtx, ret.OrderID, ret.SKU, &domain.SKUReturnInfo{
			ReturnID:  ret.ID,
			Status:    ret.Status,
			UpdatedAt: now,
		}); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return ReturnRequest{}, err
	}

	if actor := strings.TrimSpace(actorID); actor != "" {
		metadata = ensureMap(metadata)
		metadata["actor"] = actor
	}

	s.publishEvent(ctx, ReturnEvent{
		Type:       returnEventStatusChanged,
		ReturnID:   ret.ID,
		OrderID:    ret.OrderID,
		SKU:        ret.SKU,
		CustomerID: ret.CustomerID,
		DealerID:   ret.DealerID,
		Status:     ret.Status,
		Previous:   prev,
		Recipients: []string{ret.CustomerID},
		OccurredAt: now,
		Metadata:   metadata,
	})

	return ret, nil
}

// bookPickup geocodes the address and books the carrier. Both collaborators
// are best effort: geocoding falls back to the configured coordinates and a
// failed booking synthesizes a local tracking id reconciled later.
func (s *returnService) bookPickup(ctx context.Context, ret ReturnRequest, addr *Address, scheduledDate *time.Time) ReturnPickup {
	address := Address{}
	if addr != nil {
		address = *addr
	} else if ret.Pickup != nil {
		address = ret.Pickup.Address
	}

	coords := s.resolveCoordinates(ctx, ret.ID, address)

	pickup := ReturnPickup{
		Address:       address,
		Coordinates:   &coords,
		ScheduledDate: scheduledDate,
	}

	if s.logistics == nil {
		pickup.Partner = "local"
		pickup.TrackingID = s.localTrackingID(ret.ID)
		pickup.LocalBooking = true
		return pickup
	}

	booking, err := s.logistics.BookPickup(ctx, PickupBookingRequest{
		ReturnID:      ret.ID,
		OrderID:       ret.OrderID,
		SKU:           ret.SKU,
		Quantity:      ret.Quantity,
		Address:       address,
		Coordinates:   &coords,
		ScheduledDate: scheduledDate,
	})
	if err != nil {
		s.logger(ctx, "return.pickup.booking.failed", map[string]any{
			"return": ret.ID,
			"error":  err.Error(),
		})
		pickup.Partner = "local"
		pickup.TrackingID = s.localTrackingID(ret.ID)
		pickup.LocalBooking = true
		return pickup
	}

	pickup.Partner = booking.Partner
	pickup.TrackingID = booking.TrackingID
	pickup.LocalBooking = booking.LocalBooking
	return pickup
}

func (s *returnService) resolveCoordinates(ctx context.Context, returnID string, addr Address) GeoPoint {
	if s.geocoder == nil {
		return s.fallback
	}
	coords, err := s.geocoder.Geocode(ctx, addr)
	if err != nil {
		s.logger(ctx, "return.pickup.geocode.failed", map[string]any{
			"return": returnID,
			"error":  err.Error(),
		})
		return s.fallback
	}
	return coords
}

func (s *returnService) localTrackingID(returnID string) string {
	return "LOCAL-" + strings.ToUpper(strings.TrimPrefix(returnID, returnIDPrefix))
}

// recordRefundFailure persists the failed attempt without moving the status.
func (s *returnService) recordRefundFailure(ctx context.Context, ret ReturnRequest, prev domain.ReturnStatus, execErr error, now time.Time) {
	if ret.Refund == nil {
		ret.Refund = &domain.ReturnRefund{}
	}
	ret.Refund.Status = domain.RefundStatusFailed
	ret.Refund.FailureReason = valuePtr(execErr.Error())
	ret.UpdatedAt = now

	if err := s.returns.Update(ctx, domain.ReturnRequest(ret), prev); err != nil {
		s.logger(ctx, "return.refund.failure.persist.failed", map[string]any{
			"return": ret.ID,
			"error":  err.Error(),
		})
	}
}

// notifyFulfillmentAdmins fans the approval out to the operations team. An
// empty member list is not an error.
func (s *returnService) notifyFulfillmentAdmins(ctx context.Context, ret ReturnRequest, now time.Time) {
	if s.users == nil {
		return
	}
	admins, err := s.users.ListByRole(ctx, fulfillmentAdminRole)
	if err != nil {
		s.logger(ctx, "return.approval.fanout.failed", map[string]any{
			"return": ret.ID,
			"error":  err.Error(),
		})
		return
	}
	if len(admins) == 0 {
		return
	}

	recipients := make([]string, 0, len(admins))
	for _, admin := range admins {
		recipients = append(recipients, admin.ID)
	}

	s.publishEvent(ctx, ReturnEvent{
		Type:       returnEventStatusChanged,
		ReturnID:   ret.ID,
		OrderID:    ret.OrderID,
		SKU:        ret.SKU,
		CustomerID: ret.CustomerID,
		DealerID:   ret.DealerID,
		Status:     ret.Status,
		Recipients: recipients,
		OccurredAt: now,
		Metadata:   map[string]any{"audience": fulfillmentAdminRole},
	})
}

// releaseActiveSlot frees the (order, sku) guard after a terminal transition.
func (s *returnService) releaseActiveSlot(ctx context.Context, ret ReturnRequest) {
	if err := s.returns.ReleaseActiveSlot(ctx, ret.OrderID, ret.SKU); err != nil {
		s.logger(ctx, "return.slot.release.failed", map[string]any{
			"return": ret.ID,
			"order":  ret.OrderID,
			"sku":    ret.SKU,
			"error":  err.Error(),
		})
	}
}

func (s *returnService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrReturnNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrReturnConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("return: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *returnService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *returnService) now() time.Time {
	return s.clock()
}

func (s *returnService) nextReturnID() string {
	return returnIDPrefix + s.newID()
}

func (s *returnService) nextLedgerID() string {
	return "rfl_" + s.newID()
}

func (s *returnService) publishEvent(ctx context.Context, event ReturnEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishReturnEvent(ctx, event); err != nil {
		s.logger(ctx, "return.event.publish.failed", map[string]any{
			"type":   event.Type,
			"return": event.ReturnID,
			"error":  err.Error(),
			"status": string(event.Status),
		})
	}
}

func authorizeReturnRead(ret ReturnRequest, opts ReturnReadOptions) error {
	actor := strings.TrimSpace(opts.ActorID)
	if actor == "" {
		return nil
	}
	for _, role := range opts.ActorRoles {
		switch role {
		case "admin", fulfillmentAdminRole:
			return nil
		case "dealer":
			if ret.DealerID == actor {
				return nil
			}
		}
	}
	if ret.CustomerID == actor {
		return nil
	}
	return fmt.Errorf("%w: return belongs to another customer", ErrReturnForbidden)
}

func paymentCurrency(payment *domain.OrderPayment) string {
	if payment == nil || strings.TrimSpace(payment.Currency) == "" {
		return "INR"
	}
	return payment.Currency
}

// canTransitionReturn reports whether the lifecycle allows moving between the
// two states. Repeating the current state is not a transition.
func canTransitionReturn(current, target domain.ReturnStatus) bool {
	next, ok := returnStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func ensureMap(src map[string]any) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	return src
}

func valuePtr[T any](v T) *T {
	return &v
}

func cloneStringPtr(value *string) *string {
	if value == nil {
		return nil
	}
	ref := *value
	return &ref
}
