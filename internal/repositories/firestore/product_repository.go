package firestore

import (
	"context"
	"errors"
	"strings"

	domain "github.com/hanko-field/marketplace/internal/domain"
	pfirestore "github.com/hanko-field/marketplace/internal/platform/firestore"
	"github.com/hanko-field/marketplace/internal/repositories"
)

// ProductRepository reads listings from Firestore. The sold flag is only written by
// OrderRepository.CommitPurchase.
type ProductRepository struct {
	products *pfirestore.Collection[productDocument]
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{products: pfirestore.NewCollection[productDocument](provider, productCollection)}, nil
}

// FindByID loads the product by document ID.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.products == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	doc, err := r.products.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.toDomain(productID), nil
}
