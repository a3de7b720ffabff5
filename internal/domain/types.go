package domain

import (
	"strings"
	"time"
)

// Product is a single-unit listing owned by a seller. Products are sold at most once.
type Product struct {
	ID         string
	SellerID   string
	Title      string
	Price      int64
	Currency   string
	Weight     float64
	Categories []string
	Sold       bool
	SoldAt     *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PrimaryCategory returns the first category attached to the product, used for tax classification.
func (p Product) PrimaryCategory() string {
	if len(p.Categories) == 0 {
		return ""
	}
	return p.Categories[0]
}

// Address represents postal address structures shared by user and order layers.
type Address struct {
	Recipient  string
	Company    *string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// StateCode returns the upper-case state/province code or an empty string.
func (a Address) StateCode() string {
	if a.State == nil {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(*a.State))
}

// UserProfile captures buyer and seller attributes of a marketplace account.
type UserProfile struct {
	ID               string
	DisplayName      string
	Email            string
	StripeCustomerID string
	PrimaryAddressID string
	Addresses        map[string]Address
	StripeSellerID   string
	ReturnAddress    *Address
	FreeSales        int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PrimaryAddress resolves the buyer's default shipping address when one is configured.
func (u UserProfile) PrimaryAddress() (Address, bool) {
	if u.PrimaryAddressID == "" || len(u.Addresses) == 0 {
		return Address{}, false
	}
	addr, ok := u.Addresses[u.PrimaryAddressID]
	return addr, ok
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusOrdered is the transient state before the charge settles.
	OrderStatusOrdered OrderStatus = "ordered"
	// OrderStatusPurchased indicates the charge succeeded and a label was bought.
	OrderStatusPurchased OrderStatus = "purchased"
	// OrderStatusShipped indicates the carrier reported the parcel in transit.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the carrier confirmed delivery.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusError indicates the carrier reported a delivery failure.
	OrderStatusError OrderStatus = "error"
	// OrderStatusDisputed indicates the buyer opened a dispute.
	OrderStatusDisputed OrderStatus = "disputed"
	// OrderStatusCancelled indicates an operator cancelled the order.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded indicates the charge was refunded.
	OrderStatusRefunded OrderStatus = "refunded"
)

// IsTerminal reports whether no further transitions are accepted from the status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusRefunded, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Order is the immutable purchase record plus its fulfilment progress.
type Order struct {
	ID               string
	OrderNumber      string
	ProductID        string
	SellerID         string
	BuyerID          string
	Status           OrderStatus
	Currency         string
	Price            int64
	Total            int64
	ShippingCost     int64
	Tax              int64
	SellerFee        int64
	TransferFee      int64
	FreeSaleApplied  bool
	ShipmentID       string
	TrackerID        string
	TrackingURL      string
	ShippingLabelURL string
	Carrier          string
	Service          string
	StripeChargeID   string
	Address          Address
	PurchaseDate     time.Time
	ShipDate         *time.Time
	DeliveryDate     *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OrderDetail is an order with its product, buyer, and seller resolved.
type OrderDetail struct {
	Order   Order
	Product Product
	Buyer   UserProfile
	Seller  UserProfile
}

// ShippingChoice references a previously previewed shipment rate.
type ShippingChoice struct {
	ShipmentID string
	RateID     string
}

// ShipmentPreview is the rate quote presented to the buyer before purchase.
type ShipmentPreview struct {
	ShipmentID string
	RateID     string
	Rate       int64
	Carrier    string
	Service    string
}

// AddressVerification reports the outcome of a carrier-side address check.
type AddressVerification struct {
	Success   bool
	Corrected *Address
	Errors    []string
}
