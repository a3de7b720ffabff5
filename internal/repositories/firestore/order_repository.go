package firestore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/marketplace/internal/domain"
	pfirestore "github.com/hanko-field/marketplace/internal/platform/firestore"
	"github.com/hanko-field/marketplace/internal/repositories"
)

// OrderRepository stores orders alongside an orderNumbers index whose document IDs are the
// human-readable order numbers.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
	products *pfirestore.Collection[productDocument]
	numbers  *pfirestore.Collection[orderNumberDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, orderCollection),
		products: pfirestore.NewCollection[productDocument](provider, productCollection),
		numbers:  pfirestore.NewCollection[orderNumberDocument](provider, orderNumberCollection),
	}, nil
}

// CommitPurchase flips the product to sold, reserves the order number and creates the order
// in a single transaction.
func (r *OrderRepository) CommitPurchase(ctx context.Context, record repositories.PurchaseRecord) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	order := record.Order
	if strings.TrimSpace(order.ID) == "" || strings.TrimSpace(order.OrderNumber) == "" {
		return domain.Order{}, errors.New("order id and order number are required")
	}

	productRef, err := r.products.DocumentRef(ctx, order.ProductID)
	if err != nil {
		return domain.Order{}, err
	}
	numberRef, err := r.numbers.DocumentRef(ctx, order.OrderNumber)
	if err != nil {
		return domain.Order{}, err
	}
	orderRef, err := r.orders.DocumentRef(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	soldAt := record.SoldAt.UTC()

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		product, err := r.products.GetTx(tx, productRef)
		if err != nil {
			return err
		}
		if product.Sold {
			return &repositories.PurchaseConflictError{Reason: repositories.PurchaseConflictProductSold, Key: order.ProductID}
		}
		numberSnap, err := tx.Get(numberRef)
		if err != nil && !pfirestore.IsNotFoundStatus(err) {
			return err
		}
		if numberSnap != nil && numberSnap.Exists() {
			return &repositories.PurchaseConflictError{Reason: repositories.PurchaseConflictOrderNumber, Key: order.OrderNumber}
		}

		if err := tx.Update(productRef, []firestore.Update{
			{Path: "sold", Value: true},
			{Path: "soldAt", Value: soldAt},
			{Path: "updatedAt", Value: soldAt},
		}); err != nil {
			return err
		}
		if err := tx.Create(numberRef, orderNumberDocument{OrderID: order.ID, CreatedAt: soldAt}); err != nil {
			return err
		}
		return tx.Create(orderRef, fromDomainOrder(order))
	})
	if err != nil {
		var conflict *repositories.PurchaseConflictError
		if errors.As(err, &conflict) {
			return domain.Order{}, conflict
		}
		return domain.Order{}, err
	}
	return order, nil
}

// FindByID loads an order by document ID.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.toDomain(orderID), nil
}

// FindByTrackerID resolves the order owning a carrier tracker.
func (r *OrderRepository) FindByTrackerID(ctx context.Context, trackerID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	trackerID = strings.TrimSpace(trackerID)
	if trackerID == "" {
		return domain.Order{}, errors.New("tracker id is required")
	}
	id, doc, err := r.orders.First(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("trackerId", "==", trackerID)
	})
	if err != nil {
		return domain.Order{}, err
	}
	return doc.toDomain(id), nil
}

// OrderNumberExists reports whether the order number has been reserved.
func (r *OrderRepository) OrderNumberExists(ctx context.Context, orderNumber string) (bool, error) {
	if r == nil || r.numbers == nil {
		return false, errors.New("order repository not initialised")
	}
	_, err := r.numbers.Get(ctx, strings.TrimSpace(orderNumber))
	if err == nil {
		return true, nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return false, nil
	}
	return false, err
}

// TransitionStatus applies mutate inside a transaction when the stored status is one of expected.
func (r *OrderRepository) TransitionStatus(ctx context.Context, orderID string, expected []domain.OrderStatus, mutate func(*domain.Order)) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if mutate == nil {
		return domain.Order{}, errors.New("mutate function is required")
	}
	orderID = strings.TrimSpace(orderID)
	orderRef, err := r.orders.DocumentRef(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	var updated domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := r.orders.GetTx(tx, orderRef)
		if err != nil {
			return err
		}
		order := doc.toDomain(orderID)
		if !slices.Contains(expected, order.Status) {
			return &repositories.StatusMismatchError{OrderID: orderID, Actual: string(order.Status)}
		}
		mutate(&order)
		if order.ID != orderID {
			return fmt.Errorf("order %s: mutation changed the order id", orderID)
		}
		updated = order
		return tx.Set(orderRef, fromDomainOrder(order))
	})
	if err != nil {
		var mismatch *repositories.StatusMismatchError
		if errors.As(err, &mismatch) {
			return domain.Order{}, mismatch
		}
		return domain.Order{}, err
	}
	return updated, nil
}
