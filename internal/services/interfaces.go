package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/marketplace/internal/domain"
	"github.com/hanko-field/marketplace/internal/payments"
	"github.com/hanko-field/marketplace/internal/shipping"
	"github.com/hanko-field/marketplace/internal/tax"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order               = domain.Order
	OrderStatus         = domain.OrderStatus
	OrderDetail         = domain.OrderDetail
	Product             = domain.Product
	UserProfile         = domain.UserProfile
	Address             = domain.Address
	ShippingChoice      = domain.ShippingChoice
	ShipmentPreview     = domain.ShipmentPreview
	AddressVerification = domain.AddressVerification
	FeeBreakdown        = domain.FeeBreakdown
	SystemHealthReport  = domain.HealthReport
)

// PurchaseService runs the purchase sequence: label, fees and tax, charge, and the sold commit.
type PurchaseService interface {
	Purchase(ctx context.Context, cmd PurchaseCommand) (OrderDetail, error)
}

// FulfillmentService advances orders as carrier tracking events arrive.
type FulfillmentService interface {
	HandleTrackerEvent(ctx context.Context, event TrackerEvent) (FulfillmentResult, error)
}

// OrderService exposes order reads and operator-driven transitions.
type OrderService interface {
	GetOrder(ctx context.Context, orderID string, viewerID string) (OrderDetail, error)
	Dispute(ctx context.Context, cmd OrderTransitionCommand) (Order, error)
	Cancel(ctx context.Context, cmd OrderTransitionCommand) (Order, error)
	Refund(ctx context.Context, cmd OrderTransitionCommand) (Order, error)
}

// ShippingService offers pre-purchase rate previews and address checks.
type ShippingService interface {
	PreviewShipment(ctx context.Context, cmd PreviewShipmentCommand) (ShipmentPreview, error)
	VerifyAddress(ctx context.Context, address Address) (AddressVerification, error)
}

// SystemService exposes operational utilities such as health reporting.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// PurchaseCommand requests a purchase of a single product. Address overrides the buyer's
// primary address when set.
type PurchaseCommand struct {
	ProductID        string
	BuyerID          string
	Shipping         ShippingChoice
	PaymentMethodRef string
	Address          *Address
}

// TrackerEvent is a carrier tracking update correlated to an order by tracker ID.
type TrackerEvent struct {
	TrackerID   string
	Status      string
	Description string
}

// FulfillmentResult reports the order after an event and whether the event changed it.
type FulfillmentResult struct {
	Order   Order
	Applied bool
}

// OrderTransitionCommand captures an operator-requested status change.
type OrderTransitionCommand struct {
	OrderID string
	ActorID string
	Reason  string
}

// PreviewShipmentCommand quotes shipping for a product to a buyer's address. Address falls
// back to the buyer's primary address.
type PreviewShipmentCommand struct {
	ProductID string
	BuyerID   string
	Address   *Address
}

// ShippingGateway is the carrier-rate service used for label previews and purchases.
type ShippingGateway interface {
	PreviewShipment(ctx context.Context, to, from Address, weightOz float64) (ShipmentPreview, error)
	PurchaseShipment(ctx context.Context, shipmentID, rateID string) (shipping.Purchase, error)
	VoidShipment(ctx context.Context, shipmentID string) error
	VerifyAddress(ctx context.Context, address Address) (AddressVerification, error)
}

// TaxGateway computes sales tax and records completed transactions.
type TaxGateway interface {
	AmountToCollect(ctx context.Context, quote tax.Quote) (decimal.Decimal, error)
	RecordTransaction(ctx context.Context, tx tax.Transaction) error
}

// PaymentGateway abstracts payments.Manager for easier testing.
type PaymentGateway interface {
	Charge(ctx context.Context, paymentCtx payments.PaymentContext, req payments.ChargeRequest) (payments.ChargeResult, error)
	Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.RefundResult, error)
	VerifyPaymentMethod(ctx context.Context, paymentCtx payments.PaymentContext, customerRef, token string) (payments.PaymentMethodDetails, error)
}

const (
	// OrderEventPurchased is emitted once an order is committed.
	OrderEventPurchased = "order.purchased"
	// OrderEventStatusChanged is emitted for every applied status transition after purchase.
	OrderEventStatusChanged = "order.status_changed"
	// OrderEventReconciliationRequired flags a purchase that left external side effects behind
	// (a bought label or a captured charge) without a committed order.
	OrderEventReconciliationRequired = "order.reconciliation_required"
)

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	ProductID      string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}
