package services

import (
	"context"
	"time"

	domain "github.com/Digi9ReachInfoSystems/returns-api/internal/domain"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	SortOrder          = domain.SortOrder
	ReturnRequest      = domain.ReturnRequest
	ReturnStatus       = domain.ReturnStatus
	ReturnEligibility  = domain.ReturnEligibility
	ReturnPickup       = domain.ReturnPickup
	ReturnInspection   = domain.ReturnInspection
	ReturnRefund       = domain.ReturnRefund
	ReturnNote         = domain.ReturnNote
	RefundMethod       = domain.RefundMethod
	RefundStatus       = domain.RefundStatus
	Order              = domain.Order
	OrderSKU           = domain.OrderSKU
	OrderPayment       = domain.OrderPayment
	OrderSLASummary    = domain.OrderSLASummary
	SKUTracking        = domain.SKUTracking
	SLAViolation       = domain.SLAViolation
	DealerSLA          = domain.DealerSLA
	Dealer             = domain.Dealer
	RefundLedgerEntry  = domain.RefundLedgerEntry
	Address            = domain.Address
	GeoPoint           = domain.GeoPoint
	BankDetails        = domain.BankDetails
	UserProfile        = domain.UserProfile
	SystemHealthReport = domain.SystemHealthReport
)

// ReturnService orchestrates the return lifecycle from request through refund,
// coordinating repositories, logistics booking, and notifications.
type ReturnService interface {
	CreateReturn(ctx context.Context, cmd CreateReturnCommand) (ReturnRequest, error)
	GetReturn(ctx context.Context, returnID string, opts ReturnReadOptions) (ReturnRequest, error)
	ListReturns(ctx context.Context, filter ReturnListFilter) (domain.CursorPage[ReturnRequest], error)
	Validate(ctx context.Context, cmd ReturnTransitionCommand) (ReturnRequest, error)
	SchedulePickup(ctx context.Context, cmd SchedulePickupCommand) (ReturnRequest, error)
	CompletePickup(ctx context.Context, cmd ReturnTransitionCommand) (ReturnRequest, error)
	StartInspection(ctx context.Context, cmd ReturnTransitionCommand) (ReturnRequest, error)
	CompleteInspection(ctx context.Context, cmd CompleteInspectionCommand) (ReturnRequest, error)
	ProcessRefund(ctx context.Context, cmd ProcessRefundCommand) (ReturnRequest, error)
	Complete(ctx context.Context, cmd ReturnTransitionCommand) (ReturnRequest, error)
	AppendNote(ctx context.Context, cmd AppendReturnNoteCommand) (ReturnRequest, error)
	RecordCarrierEvent(ctx context.Context, cmd CarrierEventCommand) error
}

// EligibilityEvaluator decides whether a delivered SKU can still be returned.
type EligibilityEvaluator interface {
	Evaluate(ctx context.Context, input EligibilityInput) (ReturnEligibility, error)
}

// SLACalculator derives the expected dispatch deadline for an order.
type SLACalculator interface {
	// ExpectedDispatchTime returns nil when the dealer carries no active SLA.
	ExpectedDispatchTime(orderDate time.Time, sla *DealerSLA) *time.Time
}

// SLAService evaluates dispatch deadlines and records violations.
type SLAService interface {
	// EvaluateOrder checks every SKU of one order against its dealer SLA and
	// records unresolved violations. Safe to call repeatedly.
	EvaluateOrder(ctx context.Context, orderID string) (SLAEvaluationResult, error)
	// Sweep pages through candidate orders and evaluates each with bounded
	// parallelism. Returns per-order failures without aborting the pass.
	Sweep(ctx context.Context, cmd SLASweepCommand) (SLASweepResult, error)
	ListViolations(ctx context.Context, filter SLAViolationFilter) (domain.CursorPage[SLAViolation], error)
	// ListWarnings reports orders whose dispatch deadline falls inside the
	// lookahead window and which are not yet fully packed.
	ListWarnings(ctx context.Context, filter SLAWarningFilter) ([]SLAWarning, error)
}

// RefundExecutor runs the provider-side refund flow for an approved return.
type RefundExecutor interface {
	Execute(ctx context.Context, cmd ExecuteRefundCommand) (RefundOutcome, error)
}

// ProductCatalog answers returnability questions for ordered products.
type ProductCatalog interface {
	IsReturnable(ctx context.Context, productID string) (bool, error)
}

// LogisticsGateway books reverse pickups with the configured carrier.
type LogisticsGateway interface {
	BookPickup(ctx context.Context, req PickupBookingRequest) (PickupBooking, error)
}

// Geocoder resolves pickup addresses to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, addr Address) (GeoPoint, error)
}

// NotificationPublisher fans return lifecycle events out to the notification sink.
type NotificationPublisher interface {
	PublishReturnEvent(ctx context.Context, event ReturnEvent) error
}

// UserDirectory exposes user lookups needed for notifications and payouts.
type UserDirectory interface {
	FindByID(ctx context.Context, userID string) (UserProfile, error)
	ListByRole(ctx context.Context, role string) ([]UserProfile, error)
}

// SystemService aggregates utility endpoints (health checks).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// ErrorTranslator converts repository or platform errors into domain-aware sentinel errors.
type ErrorTranslator interface {
	Translate(err error) error
}

// DomainError represents a structured error with stable codes for transport across layers.
type DomainError interface {
	error
	Code() string
	SafeMessage() string
}

// Command and DTO definitions ------------------------------------------------

type CreateReturnCommand struct {
	OrderID       string
	SKU           string
	Quantity      int
	CustomerID    string
	Reason        string
	Description   string
	Images        []string
	RefundMethod  RefundMethod
	PickupAddress *Address
}

type ReturnReadOptions struct {
	// ActorID enforces ownership when set to a customer identity.
	ActorID    string
	ActorRoles []string
}

type ReturnListFilter = repositories.ReturnListFilter

// ReturnTransitionCommand drives a plain status transition with a write guard.
type ReturnTransitionCommand struct {
	ReturnID       string
	ActorID        string
	Reason         string
	ExpectedStatus *ReturnStatus
}

type SchedulePickupCommand struct {
	ReturnID       string
	ActorID        string
	ScheduledDate  *time.Time
	PickupAddress  *Address
	ExpectedStatus *ReturnStatus
}

type CompleteInspectionCommand struct {
	ReturnID        string
	ActorID         string
	SKUMatch        bool
	Condition       string
	Approved        bool
	RejectionReason *string
	Deduction       int64
	ExpectedStatus  *ReturnStatus
}

type ProcessRefundCommand struct {
	ReturnID       string
	ActorID        string
	ExpectedStatus *ReturnStatus
}

type AppendReturnNoteCommand struct {
	ReturnID string
	AuthorID string
	Body     string
}

// CarrierEventCommand carries a logistics webhook update keyed by tracking id.
type CarrierEventCommand struct {
	TrackingID string
	Status     string
	OccurredAt time.Time
	Raw        map[string]any
}

type EligibilityInput struct {
	Order       Order
	SKU         string
	Quantity    int
	RequestedAt time.Time
	WindowDays  int
}

type ExecuteRefundCommand struct {
	Return ReturnRequest
	Order  Order
	Now    time.Time
}

// RefundOutcome normalises the provider result for persistence.
type RefundOutcome struct {
	Amount      int64
	Currency    string
	Method      RefundMethod
	Destination string
	Provider    string
	ProviderRef string
	ProcessedAt time.Time
}

type SLAEvaluationResult struct {
	OrderID           string
	SKUsChecked       int
	SKUViolations     int
	OrderViolated     bool
	ViolationsCreated int
}

type SLASweepCommand struct {
	// Window bounds how far back the sweep rescans orders.
	Window time.Duration
	// Parallelism caps concurrent order evaluations. Zero uses the default.
	Parallelism int
}

type SLASweepResult struct {
	OrdersChecked     int
	ViolationsCreated int
	Failures          []SLASweepFailure
}

type SLASweepFailure struct {
	OrderID string
	Err     error
}

type SLAViolationFilter = repositories.SLAViolationListFilter

type SLAWarningFilter struct {
	DealerID  string
	Lookahead time.Duration
}

// SLAWarning flags a SKU approaching its dispatch deadline.
type SLAWarning struct {
	OrderID    string
	SKU        string
	DealerID   string
	ExpectedAt time.Time
	Remaining  time.Duration
}

type PickupBookingRequest struct {
	ReturnID      string
	OrderID       string
	SKU           string
	Quantity      int
	Address       Address
	Coordinates   *GeoPoint
	ScheduledDate *time.Time
}

// PickupBooking reports the carrier booking, or a locally synthesized tracking
// id when the carrier was unreachable.
type PickupBooking struct {
	Partner      string
	TrackingID   string
	LocalBooking bool
}

// ReturnEvent is the payload published to the notification sink on transitions.
type ReturnEvent struct {
	Type       string
	ReturnID   string
	OrderID    string
	SKU        string
	CustomerID string
	DealerID   string
	Status     ReturnStatus
	Previous   ReturnStatus
	Recipients []string
	OccurredAt time.Time
	Metadata   map[string]any
}
