package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/genproto/googleapis/type/latlng"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/Digi9ReachInfoSystems/returns-api/internal/domain"
	pfirestore "github.com/Digi9ReachInfoSystems/returns-api/internal/platform/firestore"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/platform/pagination"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/repositories"
)

const (
	returnCollection     = "returnRequests"
	returnSlotCollection = "returnSlots"

	returnListDefaultPageSize = 50
	returnListMaxPageSize     = 200
)

// ReturnRepository persists return requests in Firestore. A companion slot
// document keyed by orderId_sku guarantees at most one active return per
// order line.
type ReturnRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[returnDocument]
	slots    *pfirestore.BaseRepository[returnSlotDocument]
}

// NewReturnRepository constructs a Firestore-backed return repository.
func NewReturnRepository(provider *pfirestore.Provider) (*ReturnRepository, error) {
	if provider == nil {
		return nil, errors.New("return repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[returnDocument](provider, returnCollection, nil, nil)
	slots := pfirestore.NewBaseRepository[returnSlotDocument](provider, returnSlotCollection, nil, nil)
	return &ReturnRepository{provider: provider, base: base, slots: slots}, nil
}

// Insert stores the return and claims the (orderID, sku) active slot in one
// transaction. A held slot surfaces as a conflict.
func (r *ReturnRepository) Insert(ctx context.Context, ret domain.ReturnRequest) error {
	if r == nil || r.provider == nil {
		return errors.New("return repository not initialised")
	}
	if strings.TrimSpace(ret.ID) == "" {
		return errors.New("return insert: id is required")
	}
	if strings.TrimSpace(ret.OrderID) == "" || strings.TrimSpace(ret.SKU) == "" {
		return errors.New("return insert: order id and sku are required")
	}

	doc := newReturnDocument(ret)
	slot := returnSlotDocument{
		ReturnID:  ret.ID,
		OrderID:   ret.OrderID,
		SKU:       ret.SKU,
		CreatedAt: doc.CreatedAt,
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		slotRef, err := r.slots.DocumentRef(ctx, activeSlotID(ret.OrderID, ret.SKU))
		if err != nil {
			return err
		}
		retRef, err := r.base.DocumentRef(ctx, ret.ID)
		if err != nil {
			return err
		}
		if err := tx.Create(slotRef, slot); err != nil {
			return err
		}
		return tx.Create(retRef, doc)
	})
	return wrapReturnError("returns.insert", err)
}

// Update rewrites the return document. The transaction re-reads the stored
// status and rejects the write when it no longer matches expectedStatus, so
// two staff members acting on a stale view cannot both win.
func (r *ReturnRepository) Update(ctx context.Context, ret domain.ReturnRequest, expectedStatus domain.ReturnStatus) error {
	if r == nil || r.provider == nil {
		return errors.New("return repository not initialised")
	}
	if strings.TrimSpace(ret.ID) == "" {
		return errors.New("return update: id is required")
	}

	doc := newReturnDocument(ret)

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, ret.ID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var stored returnDocument
		if err := snap.DataTo(&stored); err != nil {
			return fmt.Errorf("decode return %s: %w", ret.ID, err)
		}
		if stored.Status != string(expectedStatus) {
			return status.Errorf(codes.FailedPrecondition, "return %s is %s, expected %s", ret.ID, stored.Status, expectedStatus)
		}
		doc.CreatedAt = stored.CreatedAt
		return tx.Set(ref, doc)
	})
	return wrapReturnError("returns.update", err)
}

// ReleaseActiveSlot frees the (orderID, sku) guard. Missing slots are not an
// error so terminal transitions stay idempotent.
func (r *ReturnRepository) ReleaseActiveSlot(ctx context.Context, orderID string, sku string) error {
	if r == nil || r.provider == nil {
		return errors.New("return repository not initialised")
	}

	ref, err := r.slots.DocumentRef(ctx, activeSlotID(orderID, sku))
	if err != nil {
		return wrapReturnError("returns.releaseSlot", err)
	}
	if _, err := ref.Delete(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return wrapReturnError("returns.releaseSlot", err)
	}
	return nil
}

// FindByID loads a single return request.
func (r *ReturnRepository) FindByID(ctx context.Context, returnID string) (domain.ReturnRequest, error) {
	if r == nil || r.base == nil {
		return domain.ReturnRequest{}, errors.New("return repository not initialised")
	}
	returnID = strings.TrimSpace(returnID)
	if returnID == "" {
		return domain.ReturnRequest{}, errors.New("return find: id is required")
	}

	doc, err := r.base.Get(ctx, returnID)
	if err != nil {
		return domain.ReturnRequest{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindActiveByOrderSKU resolves the slot guard to its active return.
func (r *ReturnRepository) FindActiveByOrderSKU(ctx context.Context, orderID string, sku string) (domain.ReturnRequest, error) {
	if r == nil || r.slots == nil {
		return domain.ReturnRequest{}, errors.New("return repository not initialised")
	}

	slot, err := r.slots.Get(ctx, activeSlotID(orderID, sku))
	if err != nil {
		return domain.ReturnRequest{}, err
	}
	return r.FindByID(ctx, slot.Data.ReturnID)
}

// List pages return requests, newest first.
func (r *ReturnRepository) List(ctx context.Context, filter repositories.ReturnListFilter) (domain.CursorPage[domain.ReturnRequest], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.ReturnRequest]{}, errors.New("return repository not initialised")
	}

	pageSize := normalisePageSize(filter.Pagination.PageSize, returnListDefaultPageSize, returnListMaxPageSize)

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.ReturnRequest]{}, wrapReturnError("returns.list", err)
	}

	query := client.Collection(returnCollection).Query
	if customer := strings.TrimSpace(filter.CustomerID); customer != "" {
		query = query.Where("customerId", "==", customer)
	}
	if dealer := strings.TrimSpace(filter.DealerID); dealer != "" {
		query = query.Where("dealerId", "==", dealer)
	}
	if order := strings.TrimSpace(filter.OrderID); order != "" {
		query = query.Where("orderId", "==", order)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, s := range filter.Status {
			statuses = append(statuses, string(s))
		}
		query = query.Where("status", "in", statuses)
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodeTimeCursor(token)
		if err != nil {
			return domain.CursorPage[domain.ReturnRequest]{}, wrapReturnError("returns.list", err)
		}
		query = query.StartAfter(decoded.At, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var returns []domain.ReturnRequest
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.ReturnRequest]{}, wrapReturnError("returns.list", err)
		}
		var doc returnDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.ReturnRequest]{}, fmt.Errorf("decode return %s: %w", snap.Ref.ID, err)
		}
		returns = append(returns, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(returns) > pageSize
	if hasMore {
		returns = returns[:pageSize]
	}
	var nextToken string
	if hasMore && len(returns) > 0 {
		last := returns[len(returns)-1]
		encoded, err := encodeTimeCursor(timeCursor{At: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.ReturnRequest]{}, wrapReturnError("returns.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.ReturnRequest]{Items: returns, NextPageToken: nextToken}, nil
}

// AppendNote attaches a note to the return without disturbing the rest of the
// document.
func (r *ReturnRepository) AppendNote(ctx context.Context, returnID string, note domain.ReturnNote) error {
	if r == nil || r.provider == nil {
		return errors.New("return repository not initialised")
	}
	returnID = strings.TrimSpace(returnID)
	if returnID == "" {
		return errors.New("return note: return id is required")
	}
	if strings.TrimSpace(note.Body) == "" {
		return errors.New("return note: body is required")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, returnID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var stored returnDocument
		if err := snap.DataTo(&stored); err != nil {
			return fmt.Errorf("decode return %s: %w", returnID, err)
		}
		stored.Notes = append(stored.Notes, newReturnNoteDocument(note))
		stored.UpdatedAt = note.CreatedAt.UTC()
		return tx.Set(ref, stored)
	})
	return wrapReturnError("returns.appendNote", err)
}

// FindByTrackingID resolves a carrier tracking reference to its return.
func (r *ReturnRepository) FindByTrackingID(ctx context.Context, trackingID string) (domain.ReturnRequest, error) {
	if r == nil || r.provider == nil {
		return domain.ReturnRequest{}, errors.New("return repository not initialised")
	}
	trackingID = strings.TrimSpace(trackingID)
	if trackingID == "" {
		return domain.ReturnRequest{}, errors.New("return find: tracking id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.ReturnRequest{}, wrapReturnError("returns.findByTracking", err)
	}

	iter := client.Collection(returnCollection).Query.
		Where("pickup.trackingId", "==", trackingID).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.ReturnRequest{}, wrapReturnError("returns.findByTracking", status.Errorf(codes.NotFound, "no return with tracking id %s", trackingID))
	}
	if err != nil {
		return domain.ReturnRequest{}, wrapReturnError("returns.findByTracking", err)
	}
	var doc returnDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.ReturnRequest{}, fmt.Errorf("decode return %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

// Document model ------------------------------------------------------------

type returnDocument struct {
	OrderID     string                `firestore:"orderId"`
	SKU         string                `firestore:"sku"`
	Quantity    int                   `firestore:"quantity"`
	CustomerID  string                `firestore:"customerId"`
	DealerID    string                `firestore:"dealerId"`
	Reason      string                `firestore:"reason"`
	Description string                `firestore:"description,omitempty"`
	Images      []string              `firestore:"images,omitempty"`
	Status      string                `firestore:"status"`
	Eligibility *returnEligibilityDoc `firestore:"eligibility,omitempty"`
	Pickup      *returnPickupDoc      `firestore:"pickup,omitempty"`
	Inspection  *returnInspectionDoc  `firestore:"inspection,omitempty"`
	Refund      *returnRefundDoc      `firestore:"refund,omitempty"`
	Notes       []returnNoteDocument  `firestore:"notes,omitempty"`
	Timestamps  returnTimestampsDoc   `firestore:"timestamps"`
	CreatedAt   time.Time             `firestore:"createdAt"`
	UpdatedAt   time.Time             `firestore:"updatedAt"`
}

type returnEligibilityDoc struct {
	Eligible          bool       `firestore:"eligible"`
	Reason            string     `firestore:"reason,omitempty"`
	WindowDays        int        `firestore:"windowDays"`
	DeliveredAt       *time.Time `firestore:"deliveredAt,omitempty"`
	EvaluatedAt       time.Time  `firestore:"evaluatedAt"`
	ProductReturnable bool       `firestore:"productReturnable"`
}

type returnPickupDoc struct {
	Partner       string              `firestore:"partner"`
	TrackingID    string              `firestore:"trackingId"`
	LocalBooking  bool                `firestore:"localBooking"`
	ScheduledDate *time.Time          `firestore:"scheduledDate,omitempty"`
	Address       returnAddressDoc    `firestore:"address"`
	Coordinates   *latlng.LatLng      `firestore:"coordinates,omitempty"`
	CompletedAt   *time.Time          `firestore:"completedAt,omitempty"`
}

type returnAddressDoc struct {
	Recipient  string  `firestore:"recipient"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state,omitempty"`
	PostalCode string  `firestore:"postalCode"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone,omitempty"`
}

type returnInspectionDoc struct {
	InspectedBy     string     `firestore:"inspectedBy"`
	SKUMatch        bool       `firestore:"skuMatch"`
	Condition       string     `firestore:"condition,omitempty"`
	Approved        bool       `firestore:"approved"`
	RejectionReason *string    `firestore:"rejectionReason,omitempty"`
	Deduction       int64      `firestore:"deduction"`
	CompletedAt     *time.Time `firestore:"completedAt,omitempty"`
}

type returnRefundDoc struct {
	Method        string     `firestore:"method"`
	Amount        int64      `firestore:"amount"`
	Currency      string     `firestore:"currency"`
	Status        string     `firestore:"status"`
	Destination   string     `firestore:"destination,omitempty"`
	Provider      string     `firestore:"provider,omitempty"`
	ProviderRef   string     `firestore:"providerRef,omitempty"`
	FailureReason *string    `firestore:"failureReason,omitempty"`
	ProcessedAt   *time.Time `firestore:"processedAt,omitempty"`
}

type returnNoteDocument struct {
	ID        string    `firestore:"id"`
	AuthorID  string    `firestore:"authorId"`
	Body      string    `firestore:"body"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type returnTimestampsDoc struct {
	RequestedAt           time.Time  `firestore:"requestedAt"`
	ValidatedAt           *time.Time `firestore:"validatedAt,omitempty"`
	PickupScheduledAt     *time.Time `firestore:"pickupScheduledAt,omitempty"`
	PickupCompletedAt     *time.Time `firestore:"pickupCompletedAt,omitempty"`
	InspectionStartedAt   *time.Time `firestore:"inspectionStartedAt,omitempty"`
	InspectionCompletedAt *time.Time `firestore:"inspectionCompletedAt,omitempty"`
	RefundProcessedAt     *time.Time `firestore:"refundProcessedAt,omitempty"`
	CompletedAt           *time.Time `firestore:"completedAt,omitempty"`
	RejectedAt            *time.Time `firestore:"rejectedAt,omitempty"`
}

type returnSlotDocument struct {
	ReturnID  string    `firestore:"returnId"`
	OrderID   string    `firestore:"orderId"`
	SKU       string    `firestore:"sku"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// escapeIDPart makes a caller-supplied value safe to embed in a composite
// document id. Underscores join the parts, so underscores and percents inside
// the value itself are percent-escaped first. Without this, distinct pairs
// like ("a", "b_c") and ("a_b", "c") would map to the same document.
func escapeIDPart(value string) string {
	value = strings.TrimSpace(value)
	value = strings.ReplaceAll(value, "%", "%25")
	return strings.ReplaceAll(value, "_", "%5F")
}

func activeSlotID(orderID, sku string) string {
	return escapeIDPart(orderID) + "_" + escapeIDPart(sku)
}

func newReturnDocument(ret domain.ReturnRequest) returnDocument {
	doc := returnDocument{
		OrderID:     strings.TrimSpace(ret.OrderID),
		SKU:         strings.TrimSpace(ret.SKU),
		Quantity:    ret.Quantity,
		CustomerID:  strings.TrimSpace(ret.CustomerID),
		DealerID:    strings.TrimSpace(ret.DealerID),
		Reason:      strings.TrimSpace(ret.Reason),
		Description: strings.TrimSpace(ret.Description),
		Images:      append([]string(nil), ret.Images...),
		Status:      string(ret.Status),
		Timestamps: returnTimestampsDoc{
			RequestedAt:           ret.Timestamps.RequestedAt.UTC(),
			ValidatedAt:           ret.Timestamps.ValidatedAt,
			PickupScheduledAt:     ret.Timestamps.PickupScheduledAt,
			PickupCompletedAt:     ret.Timestamps.PickupCompletedAt,
			InspectionStartedAt:   ret.Timestamps.InspectionStartedAt,
			InspectionCompletedAt: ret.Timestamps.InspectionCompletedAt,
			RefundProcessedAt:     ret.Timestamps.RefundProcessedAt,
			CompletedAt:           ret.Timestamps.CompletedAt,
			RejectedAt:            ret.Timestamps.RejectedAt,
		},
		CreatedAt: ret.CreatedAt.UTC(),
		UpdatedAt: ret.UpdatedAt.UTC(),
	}
	if ret.Eligibility != nil {
		doc.Eligibility = &returnEligibilityDoc{
			Eligible:          ret.Eligibility.Eligible,
			Reason:            ret.Eligibility.Reason,
			WindowDays:        ret.Eligibility.WindowDays,
			DeliveredAt:       ret.Eligibility.DeliveredAt,
			EvaluatedAt:       ret.Eligibility.EvaluatedAt.UTC(),
			ProductReturnable: ret.Eligibility.ProductReturnable,
		}
	}
	if ret.Pickup != nil {
		doc.Pickup = &returnPickupDoc{
			Partner:       strings.TrimSpace(ret.Pickup.Partner),
			TrackingID:    strings.TrimSpace(ret.Pickup.TrackingID),
			LocalBooking:  ret.Pickup.LocalBooking,
			ScheduledDate: ret.Pickup.ScheduledDate,
			Address:       newReturnAddressDoc(ret.Pickup.Address),
			CompletedAt:   ret.Pickup.CompletedAt,
		}
		if ret.Pickup.Coordinates != nil {
			doc.Pickup.Coordinates = &latlng.LatLng{
				Latitude:  ret.Pickup.Coordinates.Latitude,
				Longitude: ret.Pickup.Coordinates.Longitude,
			}
		}
	}
	if ret.Inspection != nil {
		doc.Inspection = &returnInspectionDoc{
			InspectedBy:     strings.TrimSpace(ret.Inspection.InspectedBy),
			SKUMatch:        ret.Inspection.SKUMatch,
			Condition:       strings.TrimSpace(ret.Inspection.Condition),
			Approved:        ret.Inspection.Approved,
			RejectionReason: ret.Inspection.RejectionReason,
			Deduction:       ret.Inspection.Deduction,
			CompletedAt:     ret.Inspection.CompletedAt,
		}
	}
	if ret.Refund != nil {
		doc.Refund = &returnRefundDoc{
			Method:        string(ret.Refund.Method),
			Amount:        ret.Refund.Amount,
			Currency:      strings.TrimSpace(ret.Refund.Currency),
			Status:        string(ret.Refund.Status),
			Destination:   strings.TrimSpace(ret.Refund.Destination),
			Provider:      strings.TrimSpace(ret.Refund.Provider),
			ProviderRef:   strings.TrimSpace(ret.Refund.ProviderRef),
			FailureReason: ret.Refund.FailureReason,
			ProcessedAt:   ret.Refund.ProcessedAt,
		}
	}
	for _, note := range ret.Notes {
		doc.Notes = append(doc.Notes, newReturnNoteDocument(note))
	}
	return doc
}

func newReturnNoteDocument(note domain.ReturnNote) returnNoteDocument {
	return returnNoteDocument{
		ID:        strings.TrimSpace(note.ID),
		AuthorID:  strings.TrimSpace(note.AuthorID),
		Body:      strings.TrimSpace(note.Body),
		CreatedAt: note.CreatedAt.UTC(),
	}
}

func newReturnAddressDoc(addr domain.Address) returnAddressDoc {
	return returnAddressDoc{
		Recipient:  strings.TrimSpace(addr.Recipient),
		Line1:      strings.TrimSpace(addr.Line1),
		Line2:      addr.Line2,
		City:       strings.TrimSpace(addr.City),
		State:      addr.State,
		PostalCode: strings.TrimSpace(addr.PostalCode),
		Country:    strings.TrimSpace(addr.Country),
		Phone:      addr.Phone,
	}
}

func (d returnDocument) toDomain(id string) domain.ReturnRequest {
	ret := domain.ReturnRequest{
		ID:          id,
		OrderID:     d.OrderID,
		SKU:         d.SKU,
		Quantity:    d.Quantity,
		CustomerID:  d.CustomerID,
		DealerID:    d.DealerID,
		Reason:      d.Reason,
		Description: d.Description,
		Images:      append([]string(nil), d.Images...),
		Status:      domain.ReturnStatus(d.Status),
		Timestamps: domain.ReturnTimestamps{
			RequestedAt:           d.Timestamps.RequestedAt,
			ValidatedAt:           d.Timestamps.ValidatedAt,
			PickupScheduledAt:     d.Timestamps.PickupScheduledAt,
			PickupCompletedAt:     d.Timestamps.PickupCompletedAt,
			InspectionStartedAt:   d.Timestamps.InspectionStartedAt,
			InspectionCompletedAt: d.Timestamps.InspectionCompletedAt,
			RefundProcessedAt:     d.Timestamps.RefundProcessedAt,
			CompletedAt:           d.Timestamps.CompletedAt,
			RejectedAt:            d.Timestamps.RejectedAt,
		},
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if d.Eligibility != nil {
		ret.Eligibility = &domain.ReturnEligibility{
			Eligible:          d.Eligibility.Eligible,
			Reason:            d.Eligibility.Reason,
			WindowDays:        d.Eligibility.WindowDays,
			DeliveredAt:       d.Eligibility.DeliveredAt,
			EvaluatedAt:       d.Eligibility.EvaluatedAt,
			ProductReturnable: d.Eligibility.ProductReturnable,
		}
	}
	if d.Pickup != nil {
		ret.Pickup = &domain.ReturnPickup{
			Partner:       d.Pickup.Partner,
			TrackingID:    d.Pickup.TrackingID,
			LocalBooking:  d.Pickup.LocalBooking,
			ScheduledDate: d.Pickup.ScheduledDate,
			Address: domain.Address{
				Recipient:  d.Pickup.Address.Recipient,
				Line1:      d.Pickup.Address.Line1,
				Line2:      d.Pickup.Address.Line2,
				City:       d.Pickup.Address.City,
				State:      d.Pickup.Address.State,
				PostalCode: d.Pickup.Address.PostalCode,
				Country:    d.Pickup.Address.Country,
				Phone:      d.Pickup.Address.Phone,
			},
			CompletedAt: d.Pickup.CompletedAt,
		}
		if d.Pickup.Coordinates != nil {
			ret.Pickup.Coordinates = &domain.GeoPoint{
				Latitude:  d.Pickup.Coordinates.Latitude,
				Longitude: d.Pickup.Coordinates.Longitude,
			}
		}
	}
	if d.Inspection != nil {
		ret.Inspection = &domain.ReturnInspection{
			InspectedBy:     d.Inspection.InspectedBy,
			SKUMatch:        d.Inspection.SKUMatch,
			Condition:       d.Inspection.Condition,
			Approved:        d.Inspection.Approved,
			RejectionReason: d.Inspection.RejectionReason,
			Deduction:       d.Inspection.Deduction,
			CompletedAt:     d.Inspection.CompletedAt,
		}
	}
	if d.Refund != nil {
		ret.Refund = &domain.ReturnRefund{
			Method:        domain.RefundMethod(d.Refund.Method),
			Amount:        d.Refund.Amount,
			Currency:      d.Refund.Currency,
			Status:        domain.RefundStatus(d.Refund.Status),
			Destination:   d.Refund.Destination,
			Provider:      d.Refund.Provider,
			ProviderRef:   d.Refund.ProviderRef,
			FailureReason: d.Refund.FailureReason,
			ProcessedAt:   d.Refund.ProcessedAt,
		}
	}
	for _, note := range d.Notes {
		ret.Notes = append(ret.Notes, domain.ReturnNote{
			ID:        note.ID,
			AuthorID:  note.AuthorID,
			Body:      note.Body,
			CreatedAt: note.CreatedAt,
		})
	}
	return ret
}

// Shared paging helpers -----------------------------------------------------

type timeCursor struct {
	At time.Time
	ID string
}

func encodeTimeCursor(cursor timeCursor) (string, error) {
	token, err := pagination.EncodeToken(pagination.Cursor{
		StartAfter: []any{cursor.At.UTC().Format(time.RFC3339Nano), cursor.ID},
	})
	if err != nil {
		return "", fmt.Errorf("encode page token: %w", err)
	}
	return token, nil
}

func decodeTimeCursor(encoded string) (*timeCursor, error) {
	decoded, err := pagination.DecodeToken(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode page token: %w", err)
	}
	if len(decoded.StartAfter) != 2 {
		return nil, fmt.Errorf("%w: unexpected cursor shape", pagination.ErrInvalidPageToken)
	}
	raw, ok := decoded.StartAfter[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected cursor timestamp", pagination.ErrInvalidPageToken)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pagination.ErrInvalidPageToken, err)
	}
	id, ok := decoded.StartAfter[1].(string)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected cursor id", pagination.ErrInvalidPageToken)
	}
	return &timeCursor{At: at, ID: id}, nil
}

func normalisePageSize(requested, fallback, ceiling int) int {
	return pagination.ClampPageSize(requested, fallback, ceiling)
}

func wrapReturnError(op string, err error) error {
	if err == nil {
		return nil
	}
	return pfirestore.WrapError(op, err)
}

var _ repositories.ReturnRepository = (*ReturnRepository)(nil)
