package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/Digi9ReachInfoSystems/returns-api/internal/domain"
	pfirestore "github.com/Digi9ReachInfoSystems/returns-api/internal/platform/firestore"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/repositories"
)

const refundLedgerCollection = "refundLedger"

// RefundLedgerRepository appends immutable refund audit entries. Entries are
// created, never updated, so a replayed append with the same id surfaces as a
// conflict instead of silently rewriting history.
type RefundLedgerRepository struct {
	base *pfirestore.BaseRepository[refundLedgerDocument]
}

// NewRefundLedgerRepository constructs a Firestore-backed refund ledger.
func NewRefundLedgerRepository(provider *pfirestore.Provider) (*RefundLedgerRepository, error) {
	if provider == nil {
		return nil, errors.New("refund ledger repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[refundLedgerDocument](provider, refundLedgerCollection, nil, nil)
	return &RefundLedgerRepository{base: base}, nil
}

// Append writes a new ledger entry.
func (r *RefundLedgerRepository) Append(ctx context.Context, entry domain.RefundLedgerEntry) error {
	if r == nil || r.base == nil {
		return errors.New("refund ledger repository not initialised")
	}
	if strings.TrimSpace(entry.ID) == "" {
		return errors.New("refund ledger append: id is required")
	}
	if strings.TrimSpace(entry.ReturnID) == "" {
		return errors.New("refund ledger append: return id is required")
	}

	ref, err := r.base.DocumentRef(ctx, entry.ID)
	if err != nil {
		return pfirestore.WrapError("refundLedger.append", err)
	}
	if _, err := ref.Create(ctx, newRefundLedgerDocument(entry)); err != nil {
		return pfirestore.WrapError("refundLedger.append", err)
	}
	return nil
}

// ListByReturn returns ledger entries for a return, oldest first.
func (r *RefundLedgerRepository) ListByReturn(ctx context.Context, returnID string) ([]domain.RefundLedgerEntry, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("refund ledger repository not initialised")
	}
	returnID = strings.TrimSpace(returnID)
	if returnID == "" {
		return nil, errors.New("refund ledger list: return id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("returnId", "==", returnID).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}

	entries := make([]domain.RefundLedgerEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, doc.Data.toDomain(doc.ID))
	}
	return entries, nil
}

type refundLedgerDocument struct {
	ReturnID    string    `firestore:"returnId"`
	OrderID     string    `firestore:"orderId"`
	CustomerID  string    `firestore:"customerId"`
	Amount      int64     `firestore:"amount"`
	Currency    string    `firestore:"currency"`
	Method      string    `firestore:"method"`
	Destination string    `firestore:"destination"`
	Provider    string    `firestore:"provider"`
	ProviderRef string    `firestore:"providerRef"`
	CreatedAt   time.Time `firestore:"createdAt"`
}

func newRefundLedgerDocument(entry domain.RefundLedgerEntry) refundLedgerDocument {
	return refundLedgerDocument{
		ReturnID:    strings.TrimSpace(entry.ReturnID),
		OrderID:     strings.TrimSpace(entry.OrderID),
		CustomerID:  strings.TrimSpace(entry.CustomerID),
		Amount:      entry.Amount,
		Currency:    strings.TrimSpace(entry.Currency),
		Method:      string(entry.Method),
		Destination: strings.TrimSpace(entry.Destination),
		Provider:    strings.TrimSpace(entry.Provider),
		ProviderRef: strings.TrimSpace(entry.ProviderRef),
		CreatedAt:   entry.CreatedAt.UTC(),
	}
}

func (d refundLedgerDocument) toDomain(id string) domain.RefundLedgerEntry {
	return domain.RefundLedgerEntry{
		ID:          id,
		ReturnID:    d.ReturnID,
		OrderID:     d.OrderID,
		CustomerID:  d.CustomerID,
		Amount:      d.Amount,
		Currency:    d.Currency,
		Method:      domain.RefundMethod(d.Method),
		Destination: d.Destination,
		Provider:    d.Provider,
		ProviderRef: d.ProviderRef,
		CreatedAt:   d.CreatedAt,
	}
}

var _ repositories.RefundLedgerRepository = (*RefundLedgerRepository)(nil)
