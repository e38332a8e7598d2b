package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// ReturnStatus enumerates valid lifecycle states for return requests.
type ReturnStatus string

const (
	// ReturnStatusRequested indicates the customer filed the return and it awaits validation.
	ReturnStatusRequested ReturnStatus = "requested"
	// ReturnStatusValidated indicates eligibility checks passed.
	ReturnStatusValidated ReturnStatus = "validated"
	// ReturnStatusPickupScheduled indicates a reverse pickup has been booked.
	ReturnStatusPickupScheduled ReturnStatus = "pickup_scheduled"
	// ReturnStatusPickupCompleted indicates the carrier collected the item.
	ReturnStatusPickupCompleted ReturnStatus = "pickup_completed"
	// ReturnStatusUnderInspection indicates the item is being inspected at the dealer.
	ReturnStatusUnderInspection ReturnStatus = "under_inspection"
	// ReturnStatusApproved indicates inspection approved the return for refund.
	ReturnStatusApproved ReturnStatus = "approved"
	// ReturnStatusRejected indicates inspection rejected the return. Terminal.
	ReturnStatusRejected ReturnStatus = "rejected"
	// ReturnStatusRefundProcessed indicates the refund was issued by the PSP.
	ReturnStatusRefundProcessed ReturnStatus = "refund_processed"
	// ReturnStatusCompleted indicates the return is closed. Terminal.
	ReturnStatusCompleted ReturnStatus = "completed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ReturnStatus) IsTerminal() bool {
	return s == ReturnStatusRejected || s == ReturnStatusCompleted
}

// RefundMethod enumerates the refund destinations a customer can request.
type RefundMethod string

const (
	// RefundMethodSource refunds to the original payment instrument.
	RefundMethodSource RefundMethod = "source"
	// RefundMethodBankAccount pays out to the customer's registered bank account.
	RefundMethodBankAccount RefundMethod = "bank_account"
	// RefundMethodWallet pays out to the customer's wallet via their fund account.
	RefundMethodWallet RefundMethod = "wallet"
)

// RefundStatus tracks the refund sub-record state within a return.
type RefundStatus string

const (
	// RefundStatusPending indicates no refund attempt has completed yet.
	RefundStatusPending RefundStatus = "pending"
	// RefundStatusProcessed indicates the PSP confirmed the refund or payout.
	RefundStatusProcessed RefundStatus = "processed"
	// RefundStatusFailed indicates the last refund attempt failed.
	RefundStatusFailed RefundStatus = "failed"
)

// GeoPoint stores WGS84 coordinates captured for pickup addresses.
type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

// Address represents postal address structures shared by user and order layers.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// ReturnEligibility records the outcome of the eligibility evaluation.
type ReturnEligibility struct {
	Eligible          bool
	Reason            string
	WindowDays        int
	DeliveredAt       *time.Time
	EvaluatedAt       time.Time
	ProductReturnable bool
}

// ReturnPickup stores reverse-logistics booking details for a return.
type ReturnPickup struct {
	Partner       string
	TrackingID    string
	LocalBooking  bool
	ScheduledDate *time.Time
	Address       Address
	Coordinates   *GeoPoint
	CompletedAt   *time.Time
}

// ReturnInspection captures the dealer-side inspection verdict.
type ReturnInspection struct {
	InspectedBy     string
	SKUMatch        bool
	Condition       string
	Approved        bool
	RejectionReason *string
	Deduction       int64
	CompletedAt     *time.Time
}

// ReturnRefund stores the refund sub-record attached to a return.
type ReturnRefund struct {
	Method        RefundMethod
	Amount        int64
	Currency      string
	Status        RefundStatus
	Destination   string
	Provider      string
	ProviderRef   string
	FailureReason *string
	ProcessedAt   *time.Time
}

// ReturnNote is a free-form annotation appended by staff or the customer.
type ReturnNote struct {
	ID        string
	AuthorID  string
	Body      string
	CreatedAt time.Time
}

// ReturnTimestamps tracks when each lifecycle stage was reached.
type ReturnTimestamps struct {
	RequestedAt           time.Time
	ValidatedAt           *time.Time
	PickupScheduledAt     *time.Time
	PickupCompletedAt     *time.Time
	InspectionStartedAt   *time.Time
	InspectionCompletedAt *time.Time
	RefundProcessedAt     *time.Time
	CompletedAt           *time.Time
	RejectedAt            *time.Time
}

// ReturnRequest aggregates the full lifecycle state of a single-SKU return.
type ReturnRequest struct {
	ID          string
	OrderID     string
	SKU         string
	Quantity    int
	CustomerID  string
	DealerID    string
	Reason      string
	Description string
	Images      []string
	Status      ReturnStatus
	Eligibility *ReturnEligibility
	Pickup      *ReturnPickup
	Inspection  *ReturnInspection
	Refund      *ReturnRefund
	Notes       []ReturnNote
	Timestamps  ReturnTimestamps
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SKUTrackingStatus enumerates fulfilment states reported per order SKU.
type SKUTrackingStatus string

const (
	// SKUTrackingPending indicates the dealer has not packed the SKU yet.
	SKUTrackingPending SKUTrackingStatus = "pending"
	// SKUTrackingPacked indicates the dealer marked the SKU packed.
	SKUTrackingPacked SKUTrackingStatus = "packed"
	// SKUTrackingShipped indicates the carrier picked the SKU up.
	SKUTrackingShipped SKUTrackingStatus = "shipped"
	// SKUTrackingDelivered indicates the SKU reached the customer.
	SKUTrackingDelivered SKUTrackingStatus = "delivered"
)

// SKUTracking stores per-SKU fulfilment timestamps used by SLA evaluation.
type SKUTracking struct {
	Status      SKUTrackingStatus
	PackedAt    *time.Time
	ShippedAt   *time.Time
	DeliveredAt *time.Time
}

// SKUReturnInfo mirrors the active return onto the order line for fast reads.
type SKUReturnInfo struct {
	ReturnID  string
	Status    ReturnStatus
	UpdatedAt time.Time
}

// OrderSKU is a single line item within an order.
type OrderSKU struct {
	SKU         string
	ProductID   string
	ProductName string
	Quantity    int
	UnitPrice   int64
	DealerID    string
	Tracking    SKUTracking
	Return      *SKUReturnInfo
}

// OrderSLASummary aggregates dispatch-SLA evaluation results on the order.
type OrderSLASummary struct {
	Violated         bool
	ViolationMinutes int64
	ExpectedAt       *time.Time
	ActualAt         *time.Time
	LastCheckedAt    *time.Time
}

// OrderPayment stores the PSP reference captured at checkout.
type OrderPayment struct {
	Provider       string
	PaymentID      string
	Amount         int64
	Currency       string
	RefundedAmount int64
}

// Order is the read-mostly projection of a placed order consumed by this service.
type Order struct {
	ID         string
	CustomerID string
	Status     string
	OrderDate  time.Time
	Payment    *OrderPayment
	SKUs       []OrderSKU
	SLA        *OrderSLASummary
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SLAViolation records a dispatch deadline miss for a SKU or a whole order.
//
// SKU is nil for the order-level aggregate slot, which exists only when every
// packed SKU on the order violated its deadline.
type SLAViolation struct {
	ID               string
	OrderID          string
	DealerID         string
	SKU              *string
	ExpectedAt       time.Time
	ActualAt         *time.Time
	ViolationMinutes int64
	Resolved         bool
	ResolvedAt       *time.Time
	Notes            string
	CreatedAt        time.Time
}

// DealerSLA defines the dispatch commitment configured for a dealer.
type DealerSLA struct {
	ID               string
	DealerID         string
	MaxDispatchHours int
	Active           bool
	EffectiveFrom    time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Dealer stores the dealer directory entry referenced by orders and SLAs.
type Dealer struct {
	ID        string
	Name      string
	Email     string
	Phone     string
	Address   *Address
	Active    bool
	CreatedAt time.Time
}

// BankDetails stores the customer's registered payout destination.
type BankDetails struct {
	AccountHolder string
	AccountNumber string
	IFSC          string
	BankName      string
	VPA           string
}

// NotificationPreferences stores per-channel notification opt-in flags.
type NotificationPreferences map[string]bool

// UserProfile captures the canonical projection of a Firebase Auth user.
type UserProfile struct {
	ID                string
	DisplayName       string
	Email             string
	PhoneNumber       string
	Roles             []string
	IsActive          bool
	BankDetails       *BankDetails
	NotificationPrefs NotificationPreferences
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RefundLedgerEntry is the immutable audit record written after a successful refund.
type RefundLedgerEntry struct {
	ID          string
	ReturnID    string
	OrderID     string
	CustomerID  string
	Amount      int64
	Currency    string
	Method      RefundMethod
	Destination string
	Provider    string
	ProviderRef string
	CreatedAt   time.Time
}

// Health status values shared by health checks and reports.
const (
	// HealthStatusOK indicates the dependency responded normally.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates the dependency responded with warnings.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of a single dependency check.
type SystemHealthCheck struct {
	Status     string
	LatencyMS  int64
	Detail     string
	ObservedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	Checks      map[string]SystemHealthCheck
	GeneratedAt time.Time
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
