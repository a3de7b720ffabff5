package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/marketplace/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ProductRepository loads listings and owns the single-sale compare-and-swap.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
}

// UserRepository exposes buyer and seller profiles.
type UserRepository interface {
	FindByID(ctx context.Context, userID string) (domain.UserProfile, error)
	// ReserveFreeSale consumes one of the seller's free sales only while the allowance is
	// positive. reserved reports whether one was taken; remaining is the allowance afterwards.
	ReserveFreeSale(ctx context.Context, sellerID string) (remaining int, reserved bool, err error)
	// ReleaseFreeSale returns a reserved free sale whose purchase was unwound.
	ReleaseFreeSale(ctx context.Context, sellerID string) error
}

// PurchaseRecord bundles the writes that commit a sale atomically.
type PurchaseRecord struct {
	Order  domain.Order
	SoldAt time.Time
}

// OrderRepository persists orders and applies conditional status transitions.
type OrderRepository interface {
	// CommitPurchase marks the product sold only if it is still unsold, reserves the order number,
	// and inserts the order in one transaction. A sold product or taken order number yields a
	// conflict error; see PurchaseConflict for the reason.
	CommitPurchase(ctx context.Context, record PurchaseRecord) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByTrackerID(ctx context.Context, trackerID string) (domain.Order, error)
	OrderNumberExists(ctx context.Context, orderNumber string) (bool, error)
	// TransitionStatus applies mutate to the order only while its status is one of expected.
	// A status mismatch yields a conflict error and leaves the document untouched.
	TransitionStatus(ctx context.Context, orderID string, expected []domain.OrderStatus, mutate func(*domain.Order)) (domain.Order, error)
}

// HealthRepository exposes status of downstream dependencies for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}
