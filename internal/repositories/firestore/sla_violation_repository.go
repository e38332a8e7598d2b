package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/Digi9ReachInfoSystems/returns-api/internal/domain"
	pfirestore "github.com/Digi9ReachInfoSystems/returns-api/internal/platform/firestore"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/repositories"
)

const (
	slaViolationCollection = "slaViolations"

	// orderAggregateSlot keys the order-level violation document. Its raw
	// underscore cannot collide with a SKU slot because SKU values are
	// percent-escaped before joining.
	orderAggregateSlot = "_order"

	violationListDefaultPageSize = 50
	violationListMaxPageSize     = 200
)

// SLAViolationRepository records dispatch deadline misses. Unresolved
// violations live at deterministic document ids derived from (orderID, sku),
// which turns duplicate detection into a conditional create instead of a
// racy check-then-act.
type SLAViolationRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[slaViolationDocument]
}

// NewSLAViolationRepository constructs a Firestore-backed violation repository.
func NewSLAViolationRepository(provider *pfirestore.Provider) (*SLAViolationRepository, error) {
	if provider == nil {
		return nil, errors.New("sla violation repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[slaViolationDocument](provider, slaViolationCollection, nil, nil)
	return &SLAViolationRepository{provider: provider, base: base}, nil
}

// InsertUnresolved writes the violation at its deterministic slot. When an
// unresolved violation already occupies the slot the call reports created
// false without error, so concurrent sweeps converge on a single record. A
// resolved occupant is archived under a fresh id before the slot is retaken.
func (r *SLAViolationRepository) InsertUnresolved(ctx context.Context, violation domain.SLAViolation) (bool, error) {
	if r == nil || r.provider == nil {
		return false, errors.New("sla violation repository not initialised")
	}
	if strings.TrimSpace(violation.OrderID) == "" {
		return false, errors.New("sla violation insert: order id is required")
	}

	slotID := violationSlotID(violation.OrderID, violation.SKU)
	doc := newSLAViolationDocument(violation)

	created := false
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		created = false
		slotRef, err := r.base.DocumentRef(ctx, slotID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(slotRef)
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
			if err := tx.Create(slotRef, doc); err != nil {
				return err
			}
			created = true
			return nil
		}

		var existing slaViolationDocument
		if err := snap.DataTo(&existing); err != nil {
			return fmt.Errorf("decode sla violation %s: %w", slotID, err)
		}
		if !existing.Resolved {
			// The sweep already flagged this slot.
			return nil
		}

		client, err := r.provider.Client(ctx)
		if err != nil {
			return err
		}
		archiveRef := client.Collection(slaViolationCollection).NewDoc()
		if err := tx.Create(archiveRef, existing); err != nil {
			return err
		}
		if err := tx.Set(slotRef, doc); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, pfirestore.WrapError("slaViolations.insert", err)
	}
	return created, nil
}

// Resolve marks the violation as handled.
func (r *SLAViolationRepository) Resolve(ctx context.Context, violationID string, resolvedAt time.Time, notes string) error {
	if r == nil || r.base == nil {
		return errors.New("sla violation repository not initialised")
	}
	violationID = strings.TrimSpace(violationID)
	if violationID == "" {
		return errors.New("sla violation resolve: id is required")
	}

	resolved := resolvedAt.UTC()
	updates := []firestore.Update{
		{Path: "resolved", Value: true},
		{Path: "resolvedAt", Value: resolved},
	}
	if trimmed := strings.TrimSpace(notes); trimmed != "" {
		updates = append(updates, firestore.Update{Path: "notes", Value: trimmed})
	}
	_, err := r.base.Update(ctx, violationID, updates)
	return err
}

// FindByID loads a single violation record.
func (r *SLAViolationRepository) FindByID(ctx context.Context, violationID string) (domain.SLAViolation, error) {
	if r == nil || r.base == nil {
		return domain.SLAViolation{}, errors.New("sla violation repository not initialised")
	}
	violationID = strings.TrimSpace(violationID)
	if violationID == "" {
		return domain.SLAViolation{}, errors.New("sla violation find: id is required")
	}

	doc, err := r.base.Get(ctx, violationID)
	if err != nil {
		return domain.SLAViolation{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// List pages violations, newest first.
func (r *SLAViolationRepository) List(ctx context.Context, filter repositories.SLAViolationListFilter) (domain.CursorPage[domain.SLAViolation], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.SLAViolation]{}, errors.New("sla violation repository not initialised")
	}

	pageSize := normalisePageSize(filter.Pagination.PageSize, violationListDefaultPageSize, violationListMaxPageSize)

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.SLAViolation]{}, pfirestore.WrapError("slaViolations.list", err)
	}

	query := client.Collection(slaViolationCollection).Query
	if dealer := strings.TrimSpace(filter.DealerID); dealer != "" {
		query = query.Where("dealerId", "==", dealer)
	}
	if order := strings.TrimSpace(filter.OrderID); order != "" {
		query = query.Where("orderId", "==", order)
	}
	if filter.Resolved != nil {
		query = query.Where("resolved", "==", *filter.Resolved)
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
			return domain.CursorPage[domain.SLAViolation]{}, pfirestore.WrapError("slaViolations.list", err)
		}
		query = query.StartAfter(decoded.At, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var violations []domain.SLAViolation
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.SLAViolation]{}, pfirestore.WrapError("slaViolations.list", err)
		}
		var doc slaViolationDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.SLAViolation]{}, fmt.Errorf("decode sla violation %s: %w", snap.Ref.ID, err)
		}
		violations = append(violations, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(violations) > pageSize
	if hasMore {
		violations = violations[:pageSize]
	}
	var nextToken string
	if hasMore && len(violations) > 0 {
		last := violations[len(violations)-1]
		encoded, err := encodeTimeCursor(timeCursor{At: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.SLAViolation]{}, pfirestore.WrapError("slaViolations.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.SLAViolation]{Items: violations, NextPageToken: nextToken}, nil
}

type slaViolationDocument struct {
	OrderID          string     `firestore:"orderId"`
	DealerID         string     `firestore:"dealerId,omitempty"`
	SKU              *string    `firestore:"sku"`
	ExpectedAt       time.Time  `firestore:"expectedAt"`
	ActualAt         *time.Time `firestore:"actualAt,omitempty"`
	ViolationMinutes int64      `firestore:"violationMinutes"`
	Resolved         bool       `firestore:"resolved"`
	ResolvedAt       *time.Time `firestore:"resolvedAt,omitempty"`
	Notes            string     `firestore:"notes,omitempty"`
	CreatedAt        time.Time  `firestore:"createdAt"`
}

func violationSlotID(orderID string, sku *string) string {
	if sku != nil && strings.TrimSpace(*sku) != "" {
		return escapeIDPart(orderID) + "_" + escapeIDPart(*sku)
	}
	return escapeIDPart(orderID) + "_" + orderAggregateSlot
}

func newSLAViolationDocument(v domain.SLAViolation) slaViolationDocument {
	return slaViolationDocument{
		OrderID:          strings.TrimSpace(v.OrderID),
		DealerID:         strings.TrimSpace(v.DealerID),
		SKU:              v.SKU,
		ExpectedAt:       v.ExpectedAt.UTC(),
		ActualAt:         v.ActualAt,
		ViolationMinutes: v.ViolationMinutes,
		Resolved:         v.Resolved,
		ResolvedAt:       v.ResolvedAt,
		Notes:            strings.TrimSpace(v.Notes),
		CreatedAt:        v.CreatedAt.UTC(),
	}
}

func (d slaViolationDocument) toDomain(id string) domain.SLAViolation {
	return domain.SLAViolation{
		ID:               id,
		OrderID:          d.OrderID,
		DealerID:         d.DealerID,
		SKU:              d.SKU,
		ExpectedAt:       d.ExpectedAt,
		ActualAt:         d.ActualAt,
		ViolationMinutes: d.ViolationMinutes,
		Resolved:         d.Resolved,
		ResolvedAt:       d.ResolvedAt,
		Notes:            d.Notes,
		CreatedAt:        d.CreatedAt,
	}
}

var _ repositories.SLAViolationRepository = (*SLAViolationRepository)(nil)
