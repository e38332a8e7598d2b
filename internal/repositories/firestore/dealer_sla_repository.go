package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/Digi9ReachInfoSystems/returns-api/internal/domain"
	pfirestore "github.com/Digi9ReachInfoSystems/returns-api/internal/platform/firestore"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/repositories"
)

const dealerSLACollection = "dealerSlas"

// DealerSLARepository stores dispatch commitments per dealer.
type DealerSLARepository struct {
	base *pfirestore.BaseRepository[dealerSLADocument]
}

// NewDealerSLARepository constructs a Firestore-backed dealer SLA repository.
func NewDealerSLARepository(provider *pfirestore.Provider) (*DealerSLARepository, error) {
	if provider == nil {
		return nil, errors.New("dealer sla repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[dealerSLADocument](provider, dealerSLACollection, nil, nil)
	return &DealerSLARepository{base: base}, nil
}

// FindActiveByDealer returns the most recently effective active SLA for the
// dealer. A dealer without one gets a not-found error, which callers treat as
// "no dispatch commitment configured".
func (r *DealerSLARepository) FindActiveByDealer(ctx context.Context, dealerID string) (domain.DealerSLA, error) {
	if r == nil || r.base == nil {
		return domain.DealerSLA{}, errors.New("dealer sla repository not initialised")
	}
	dealerID = strings.TrimSpace(dealerID)
	if dealerID == "" {
		return domain.DealerSLA{}, errors.New("dealer sla find: dealer id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("dealerId", "==", dealerID).
			Where("active", "==", true).
			OrderBy("effectiveFrom", firestore.Desc).
			Limit(1)
	})
	if err != nil {
		return domain.DealerSLA{}, err
	}
	if len(docs) == 0 {
		return domain.DealerSLA{}, pfirestore.WrapError("dealerSlas.findActive", status.Errorf(codes.NotFound, "no active sla for dealer %s", dealerID))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// Upsert writes the SLA document, keyed by the dealer so one active
// commitment exists per dealer.
func (r *DealerSLARepository) Upsert(ctx context.Context, sla domain.DealerSLA) (domain.DealerSLA, error) {
	if r == nil || r.base == nil {
		return domain.DealerSLA{}, errors.New("dealer sla repository not initialised")
	}
	dealerID := strings.TrimSpace(sla.DealerID)
	if dealerID == "" {
		return domain.DealerSLA{}, errors.New("dealer sla upsert: dealer id is required")
	}
	if sla.MaxDispatchHours <= 0 {
		return domain.DealerSLA{}, errors.New("dealer sla upsert: max dispatch hours must be > 0")
	}

	docID := strings.TrimSpace(sla.ID)
	if docID == "" {
		docID = dealerID
	}

	now := time.Now().UTC()
	doc := dealerSLADocument{
		DealerID:         dealerID,
		MaxDispatchHours: sla.MaxDispatchHours,
		Active:           sla.Active,
		EffectiveFrom:    sla.EffectiveFrom.UTC(),
		CreatedAt:        sla.CreatedAt.UTC(),
		UpdatedAt:        now,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.EffectiveFrom.IsZero() {
		doc.EffectiveFrom = now
	}

	if _, err := r.base.Set(ctx, docID, doc); err != nil {
		return domain.DealerSLA{}, err
	}
	return doc.toDomain(docID), nil
}

type dealerSLADocument struct {
	DealerID         string    `firestore:"dealerId"`
	MaxDispatchHours int       `firestore:"maxDispatchHours"`
	Active           bool      `firestore:"active"`
	EffectiveFrom    time.Time `firestore:"effectiveFrom"`
	CreatedAt        time.Time `firestore:"createdAt"`
	UpdatedAt        time.Time `firestore:"updatedAt"`
}

func (d dealerSLADocument) toDomain(id string) domain.DealerSLA {
	return domain.DealerSLA{
		ID:               id,
		DealerID:         d.DealerID,
		MaxDispatchHours: d.MaxDispatchHours,
		Active:           d.Active,
		EffectiveFrom:    d.EffectiveFrom,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

var _ repositories.DealerSLARepository = (*DealerSLARepository)(nil)
