package firestore

import (
	"context"
	"errors"
	"strings"

	pfirestore "github.com/Digi9ReachInfoSystems/returns-api/internal/platform/firestore"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/services"
)

const productCollection = "products"

type productDocument struct {
	Name       string `firestore:"name"`
	Category   string `firestore:"category"`
	Returnable *bool  `firestore:"returnable"`
}

// ProductCatalog reads returnability flags from the products collection.
type ProductCatalog struct {
	base *pfirestore.BaseRepository[productDocument]
}

// NewProductCatalog constructs the Firestore-backed product catalog.
func NewProductCatalog(provider *pfirestore.Provider) (*ProductCatalog, error) {
	if provider == nil {
		return nil, errors.New("firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[productDocument](provider, productCollection, nil, nil)
	return &ProductCatalog{base: base}, nil
}

// IsReturnable reports whether the product may be returned. Products without
// an explicit flag are returnable. A missing product surfaces as an error so
// the eligibility check can refuse rather than guess.
func (c *ProductCatalog) IsReturnable(ctx context.Context, productID string) (bool, error) {
	if c == nil || c.base == nil {
		return false, errors.New("product catalog not initialised")
	}

	id := strings.TrimSpace(productID)
	if id == "" {
		return false, errors.New("product id is required")
	}

	doc, err := c.base.Get(ctx, id)
	if err != nil {
		return false, wrapReturnError("products.isReturnable", err)
	}
	if doc.Data.Returnable == nil {
		return true, nil
	}
	return *doc.Data.Returnable, nil
}

var _ services.ProductCatalog = (*ProductCatalog)(nil)
