package repositories

import "fmt"

// PurchaseConflictReason identifies which uniqueness guard rejected a purchase commit.
type PurchaseConflictReason string

const (
	// PurchaseConflictProductSold indicates the product was already sold.
	PurchaseConflictProductSold PurchaseConflictReason = "product_sold"
	// PurchaseConflictOrderNumber indicates the order number is already taken.
	PurchaseConflictOrderNumber PurchaseConflictReason = "order_number_taken"
)

// PurchaseConflictError reports a lost compare-and-swap during CommitPurchase.
type PurchaseConflictError struct {
	Reason PurchaseConflictReason
	Key    string
}

// Error implements the error interface.
func (e *PurchaseConflictError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("purchase conflict: %s (%s)", e.Reason, e.Key)
}

// IsNotFound implements RepositoryError.
func (e *PurchaseConflictError) IsNotFound() bool { return false }

// IsConflict implements RepositoryError.
func (e *PurchaseConflictError) IsConflict() bool { return true }

// IsUnavailable implements RepositoryError.
func (e *PurchaseConflictError) IsUnavailable() bool { return false }

// StatusMismatchError reports a conditional transition whose expected prior state did not hold.
type StatusMismatchError struct {
	OrderID string
	Actual  string
}

// Error implements the error interface.
func (e *StatusMismatchError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("order %s: status %q does not match expected", e.OrderID, e.Actual)
}

// IsNotFound implements RepositoryError.
func (e *StatusMismatchError) IsNotFound() bool { return false }

// IsConflict implements RepositoryError.
func (e *StatusMismatchError) IsConflict() bool { return true }

// IsUnavailable implements RepositoryError.
func (e *StatusMismatchError) IsUnavailable() bool { return false }
