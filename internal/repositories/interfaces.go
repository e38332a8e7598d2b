package repositories

import (
	"context"
	"time"

	domain "github.com/Digi9ReachInfoSystems/returns-api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Returns() ReturnRepository
	Orders() OrderRepository
	SLAViolations() SLAViolationRepository
	DealerSLAs() DealerSLARepository
	RefundLedger() RefundLedgerRepository
	Users() UserRepository
	Dealers() DealerRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ReturnRepository persists return requests and guards lifecycle writes.
type ReturnRepository interface {
	// Insert stores a new return and reserves the (orderID, sku) active slot.
	// Returns a conflict RepositoryError when another active return already
	// holds the slot.
	Insert(ctx context.Context, ret domain.ReturnRequest) error
	// Update rewrites the return document inside a transaction that re-reads
	// the stored status. Returns a conflict RepositoryError when the stored
	// status no longer equals expectedStatus.
	Update(ctx context.Context, ret domain.ReturnRequest, expectedStatus domain.ReturnStatus) error
	// ReleaseActiveSlot frees the (orderID, sku) guard once a return reaches a
	// terminal state, allowing a fresh return for the same line.
	ReleaseActiveSlot(ctx context.Context, orderID string, sku string) error
	FindByID(ctx context.Context, returnID string) (domain.ReturnRequest, error)
	FindActiveByOrderSKU(ctx context.Context, orderID string, sku string) (domain.ReturnRequest, error)
	List(ctx context.Context, filter ReturnListFilter) (domain.CursorPage[domain.ReturnRequest], error)
	AppendNote(ctx context.Context, returnID string, note domain.ReturnNote) error
	FindByTrackingID(ctx context.Context, trackingID string) (domain.ReturnRequest, error)
}

// OrderRepository reads order projections and patches the fields this service owns.
type OrderRepository interface {
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// PatchSKUReturn mirrors the active return onto the matching order line.
	PatchSKUReturn(ctx context.Context, orderID string, sku string, info *domain.SKUReturnInfo) error
	// PatchSLASummary overwrites the order-level SLA summary block.
	PatchSLASummary(ctx context.Context, orderID string, summary domain.OrderSLASummary) error
	// ListForSLASweep pages through orders whose SKUs may still miss their
	// dispatch deadline (not yet fully packed, not already flagged).
	ListForSLASweep(ctx context.Context, filter SLASweepFilter) (domain.CursorPage[domain.Order], error)
}

// SLAViolationRepository records dispatch deadline misses with store-level idempotency.
type SLAViolationRepository interface {
	// InsertUnresolved creates the violation at its deterministic unresolved
	// slot. The insert and the duplicate check are a single conditional write:
	// created reports false without error when an unresolved violation for the
	// same (orderID, sku) slot already exists.
	InsertUnresolved(ctx context.Context, violation domain.SLAViolation) (created bool, err error)
	Resolve(ctx context.Context, violationID string, resolvedAt time.Time, notes string) error
	FindByID(ctx context.Context, violationID string) (domain.SLAViolation, error)
	List(ctx context.Context, filter SLAViolationListFilter) (domain.CursorPage[domain.SLAViolation], error)
}

// DealerSLARepository stores dispatch commitments per dealer.
type DealerSLARepository interface {
	FindActiveByDealer(ctx context.Context, dealerID string) (domain.DealerSLA, error)
	Upsert(ctx context.Context, sla domain.DealerSLA) (domain.DealerSLA, error)
}

// RefundLedgerRepository appends immutable refund audit entries.
type RefundLedgerRepository interface {
	Append(ctx context.Context, entry domain.RefundLedgerEntry) error
	ListByReturn(ctx context.Context, returnID string) ([]domain.RefundLedgerEntry, error)
}

// UserRepository reads user profiles and role memberships.
type UserRepository interface {
	FindByID(ctx context.Context, userID string) (domain.UserProfile, error)
	ListByRole(ctx context.Context, role string) ([]domain.UserProfile, error)
}

// DealerRepository reads the dealer directory.
type DealerRepository interface {
	FindByID(ctx context.Context, dealerID string) (domain.Dealer, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type ReturnListFilter struct {
	CustomerID string
	DealerID   string
	OrderID    string
	Status     []domain.ReturnStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type SLAViolationListFilter struct {
	DealerID   string
	OrderID    string
	Resolved   *bool
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// SLASweepFilter bounds a sweep pass over candidate orders.
type SLASweepFilter struct {
	// OrderedBefore excludes orders too young to have a deadline worth checking.
	OrderedBefore time.Time
	// OrderedAfter bounds how far back the sweep rescans.
	OrderedAfter time.Time
	Pagination   domain.Pagination
}
