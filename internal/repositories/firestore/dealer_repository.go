package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/Digi9ReachInfoSystems/returns-api/internal/domain"
	pfirestore "github.com/Digi9ReachInfoSystems/returns-api/internal/platform/firestore"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/repositories"
)

const dealerCollection = "dealers"

// DealerRepository reads the dealer directory.
type DealerRepository struct {
	base *pfirestore.BaseRepository[dealerDocument]
}

// NewDealerRepository constructs a Firestore-backed dealer repository.
func NewDealerRepository(provider *pfirestore.Provider) (*DealerRepository, error) {
	if provider == nil {
		return nil, errors.New("dealer repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[dealerDocument](provider, dealerCollection, nil, nil)
	return &DealerRepository{base: base}, nil
}

// FindByID loads a dealer record.
func (r *DealerRepository) FindByID(ctx context.Context, dealerID string) (domain.Dealer, error) {
	if r == nil || r.base == nil {
		return domain.Dealer{}, errors.New("dealer repository not initialised")
	}
	dealerID = strings.TrimSpace(dealerID)
	if dealerID == "" {
		return domain.Dealer{}, errors.New("dealer find: id is required")
	}

	doc, err := r.base.Get(ctx, dealerID)
	if err != nil {
		return domain.Dealer{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

type dealerDocument struct {
	Name      string            `firestore:"name"`
	Email     string            `firestore:"email,omitempty"`
	Phone     string            `firestore:"phone,omitempty"`
	Address   *returnAddressDoc `firestore:"address,omitempty"`
	Active    bool              `firestore:"active"`
	CreatedAt time.Time         `firestore:"createdAt"`
}

func (d dealerDocument) toDomain(id string) domain.Dealer {
	dealer := domain.Dealer{
		ID:        id,
		Name:      d.Name,
		Email:     d.Email,
		Phone:     d.Phone,
		Active:    d.Active,
		CreatedAt: d.CreatedAt,
	}
	if d.Address != nil {
		dealer.Address = &domain.Address{
			Recipient:  d.Address.Recipient,
			Line1:      d.Address.Line1,
			Line2:      d.Address.Line2,
			City:       d.Address.City,
			State:      d.Address.State,
			PostalCode: d.Address.PostalCode,
			Country:    d.Address.Country,
			Phone:      d.Address.Phone,
		}
	}
	return dealer
}

var _ repositories.DealerRepository = (*DealerRepository)(nil)
