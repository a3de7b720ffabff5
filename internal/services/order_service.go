package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	domain "github.com/hanko-field/marketplace/internal/domain"
	"github.com/hanko-field/marketplace/internal/payments"
	"github.com/hanko-field/marketplace/internal/repositories"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates optimistic concurrency conflicts.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUpstream indicates the payment processor rejected a refund.
	ErrOrderUpstream = errors.New("order: upstream failure")
)

var openStatuses = []domain.OrderStatus{
	domain.OrderStatusOrdered,
	domain.OrderStatusPurchased,
	domain.OrderStatusShipped,
	domain.OrderStatusError,
	domain.OrderStatusDisputed,
}

// refundableStatuses adds delivered to the open statuses so returned goods can be refunded.
var refundableStatuses = append(slices.Clone(openStatuses), domain.OrderStatusDelivered)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders   repositories.OrderRepository
	Products repositories.ProductRepository
	Users    repositories.UserRepository
	Payments PaymentGateway
	Events   OrderEventPublisher
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders   repositories.OrderRepository
	products repositories.ProductRepository
	users    repositories.UserRepository
	payments PaymentGateway
	events   OrderEventPublisher
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil || deps.Users == nil {
		return nil, errors.New("order service: product and user repositories are required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &orderService{
		orders:   deps.Orders,
		products: deps.Products,
		users:    deps.Users,
		payments: deps.Payments,
		events:   deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// GetOrder loads an order with its product, buyer and seller. A non-empty viewerID must be the
// buyer or the seller; other viewers see not found.
func (s *orderService) GetOrder(ctx context.Context, orderID string, viewerID string) (OrderDetail, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return OrderDetail{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return OrderDetail{}, mapOrderRepositoryError(err)
	}
	viewerID = strings.TrimSpace(viewerID)
	if viewerID != "" && viewerID != order.BuyerID && viewerID != order.SellerID {
		return OrderDetail{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	detail := OrderDetail{Order: order}
	if detail.Product, err = s.products.FindByID(ctx, order.ProductID); err != nil {
		return OrderDetail{}, fmt.Errorf("order: load product %s: %w", order.ProductID, err)
	}
	if detail.Buyer, err = s.users.FindByID(ctx, order.BuyerID); err != nil {
		return OrderDetail{}, fmt.Errorf("order: load buyer %s: %w", order.BuyerID, err)
	}
	if detail.Seller, err = s.users.FindByID(ctx, order.SellerID); err != nil {
		return OrderDetail{}, fmt.Errorf("order: load seller %s: %w", order.SellerID, err)
	}
	return detail, nil
}

// Dispute flags a purchased order as disputed by the buyer.
func (s *orderService) Dispute(ctx context.Context, cmd OrderTransitionCommand) (Order, error) {
	return s.transition(ctx, cmd, domain.OrderStatusDisputed, []domain.OrderStatus{domain.OrderStatusPurchased})
}

// Cancel closes any open order without moving money.
func (s *orderService) Cancel(ctx context.Context, cmd OrderTransitionCommand) (Order, error) {
	return s.transition(ctx, cmd, domain.OrderStatusCancelled, openStatuses)
}

// Refund returns the buyer's payment and closes the order. Delivered orders are refundable too.
// The refund is issued before the status changes, so a processor failure leaves the order open.
func (s *orderService) Refund(ctx context.Context, cmd OrderTransitionCommand) (Order, error) {
	if s.payments == nil {
		return Order{}, fmt.Errorf("%w: payments not configured", ErrOrderUpstream)
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	if order.Status == domain.OrderStatusRefunded {
		return order, nil
	}
	if !slices.Contains(refundableStatuses, order.Status) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, order.Status, domain.OrderStatusRefunded)
	}
	if strings.TrimSpace(order.StripeChargeID) == "" {
		return Order{}, fmt.Errorf("%w: order %s has no charge", ErrOrderInvalidState, order.ID)
	}

	refund, err := s.payments.Refund(ctx, payments.PaymentContext{Currency: order.Currency}, payments.RefundRequest{
		ChargeRef:      order.StripeChargeID,
		Reason:         "requested_by_customer",
		IdempotencyKey: "refund-" + order.ID,
		Metadata:       map[string]string{"orderId": order.ID, "actor": cmd.ActorID},
	})
	if err != nil {
		s.logger(ctx, "order.refund.failed", map[string]any{
			"orderID":   order.ID,
			"chargeRef": order.StripeChargeID,
			"error":     err.Error(),
		})
		return Order{}, fmt.Errorf("%w: refund: %v", ErrOrderUpstream, err)
	}

	updated, err := s.transition(ctx, cmd, domain.OrderStatusRefunded, refundableStatuses)
	if err != nil {
		s.logger(ctx, "order.refund.reconciliation", map[string]any{
			"orderID":   order.ID,
			"refundRef": refund.RefundRef,
			"error":     err.Error(),
		})
		return Order{}, err
	}
	return updated, nil
}

func (s *orderService) transition(ctx context.Context, cmd OrderTransitionCommand, target domain.OrderStatus, from []domain.OrderStatus) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	if order.Status == target {
		return order, nil
	}
	if !slices.Contains(from, order.Status) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, order.Status, target)
	}

	previous := order.Status
	updated, err := s.orders.TransitionStatus(ctx, orderID, from, func(o *domain.Order) {
		previous = o.Status
		o.Status = target
		o.UpdatedAt = s.clock()
	})
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}

	metadata := map[string]any{}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		metadata["reason"] = reason
	}
	publishOrderEvent(ctx, s.events, s.logger, OrderEvent{
		Type:           OrderEventStatusChanged,
		OrderID:        updated.ID,
		OrderNumber:    updated.OrderNumber,
		ProductID:      updated.ProductID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(updated.Status),
		ActorID:        strings.TrimSpace(cmd.ActorID),
		OccurredAt:     updated.UpdatedAt,
		Metadata:       metadata,
	})
	return updated, nil
}

func mapOrderRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var mismatch *repositories.StatusMismatchError
	if errors.As(err, &mismatch) {
		return fmt.Errorf("%w: %v", ErrOrderConflict, err)
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}
	return err
}

func publishOrderEvent(ctx context.Context, events OrderEventPublisher, logger func(context.Context, string, map[string]any), event OrderEvent) {
	if events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := events.PublishOrderEvent(ctx, event); err != nil {
		logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}
