package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/hanko-field/marketplace/internal/domain"
)

type orderHarness struct {
	store    *store
	payments *fakePayments
	events   *recordingPublisher
	logs     *recordingLogger
	svc      OrderService
}

func newOrderHarness(t *testing.T, status domain.OrderStatus) *orderHarness {
	t.Helper()
	h := &orderHarness{
		store:    newStore(),
		payments: &fakePayments{},
		events:   &recordingPublisher{},
		logs:     &recordingLogger{},
	}
	h.store.products["prod_1"] = domain.Product{ID: "prod_1", SellerID: "seller_1", Price: 1000, Sold: true}
	h.store.users["seller_1"] = domain.UserProfile{ID: "seller_1"}
	h.store.users["buyer_1"] = domain.UserProfile{ID: "buyer_1"}
	h.store.orders["ord_1"] = domain.Order{
		ID:             "ord_1",
		OrderNumber:    "260315-7k2",
		ProductID:      "prod_1",
		BuyerID:        "buyer_1",
		SellerID:       "seller_1",
		Status:         status,
		Currency:       "USD",
		Total:          1818,
		StripeChargeID: "ch_1",
	}

	svc, err := NewOrderService(OrderServiceDeps{
		Orders:   storeOrders{h.store},
		Products: storeProducts{h.store},
		Users:    storeUsers{h.store},
		Payments: h.payments,
		Events:   h.events,
		Clock:    fixedClock,
		Logger:   h.logs.log,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	h.svc = svc
	return h
}

func TestOrderServiceGetOrder(t *testing.T) {
	h := newOrderHarness(t, domain.OrderStatusPurchased)
	ctx := context.Background()

	for _, viewer := range []string{"buyer_1", "seller_1", ""} {
		detail, err := h.svc.GetOrder(ctx, "ord_1", viewer)
		if err != nil {
			t.Fatalf("GetOrder(%q): %v", viewer, err)
		}
		if detail.Product.ID != "prod_1" || detail.Buyer.ID != "buyer_1" || detail.Seller.ID != "seller_1" {
			t.Fatalf("expected relations resolved, got %+v", detail)
		}
	}

	if _, err := h.svc.GetOrder(ctx, "ord_1", "stranger"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected strangers to see not found, got %v", err)
	}
	if _, err := h.svc.GetOrder(ctx, "ord_missing", "buyer_1"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := h.svc.GetOrder(ctx, " ", "buyer_1"); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestOrderServiceDispute(t *testing.T) {
	h := newOrderHarness(t, domain.OrderStatusPurchased)

	order, err := h.svc.Dispute(context.Background(), OrderTransitionCommand{OrderID: "ord_1", ActorID: "buyer_1", Reason: "item not as described"})
	if err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	if order.Status != domain.OrderStatusDisputed || !order.UpdatedAt.Equal(fixedClock()) {
		t.Fatalf("unexpected order %+v", order)
	}
	if len(h.events.events) != 1 {
		t.Fatalf("expected one event, got %d", len(h.events.events))
	}
	event := h.events.events[0]
	if event.PreviousStatus != "purchased" || event.CurrentStatus != "disputed" || event.ActorID != "buyer_1" || event.Metadata["reason"] != "item not as described" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestOrderServiceDisputeRequiresPurchased(t *testing.T) {
	h := newOrderHarness(t, domain.OrderStatusDelivered)

	_, err := h.svc.Dispute(context.Background(), OrderTransitionCommand{OrderID: "ord_1", ActorID: "buyer_1"})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
	if h.store.transitionCalls != 0 {
		t.Fatalf("expected no write")
	}
}

func TestOrderServiceCancelDoesNotMoveMoney(t *testing.T) {
	h := newOrderHarness(t, domain.OrderStatusShipped)

	order, err := h.svc.Cancel(context.Background(), OrderTransitionCommand{OrderID: "ord_1", ActorID: "ops"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", order.Status)
	}
	if h.payments.calls() != 0 {
		t.Fatalf("expected no payment calls")
	}

	// Cancelling again returns the order unchanged.
	again, err := h.svc.Cancel(context.Background(), OrderTransitionCommand{OrderID: "ord_1", ActorID: "ops"})
	if err != nil || again.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected idempotent cancel, got %v %+v", err, again)
	}
	if len(h.events.events) != 1 {
		t.Fatalf("expected one event, got %d", len(h.events.events))
	}
}

func TestOrderServiceCancelTerminalOrder(t *testing.T) {
	h := newOrderHarness(t, domain.OrderStatusDelivered)

	if _, err := h.svc.Cancel(context.Background(), OrderTransitionCommand{OrderID: "ord_1"}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}

func TestOrderServiceRefund(t *testing.T) {
	h := newOrderHarness(t, domain.OrderStatusDisputed)

	order, err := h.svc.Refund(context.Background(), OrderTransitionCommand{OrderID: "ord_1", ActorID: "ops"})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if order.Status != domain.OrderStatusRefunded {
		t.Fatalf("expected refunded, got %s", order.Status)
	}
	if len(h.payments.refunds) != 1 {
		t.Fatalf("expected one refund, got %d", len(h.payments.refunds))
	}
	refund := h.payments.refunds[0]
	if refund.ChargeRef != "ch_1" || refund.IdempotencyKey != "refund-ord_1" || refund.Amount != nil {
		t.Fatalf("unexpected refund request %+v", refund)
	}

	// A second refund is a no-op.
	if _, err := h.svc.Refund(context.Background(), OrderTransitionCommand{OrderID: "ord_1"}); err != nil {
		t.Fatalf("second Refund: %v", err)
	}
	if len(h.payments.refunds) != 1 {
		t.Fatalf("expected no second refund, got %d", len(h.payments.refunds))
	}
}

func TestOrderServiceRefundDeliveredOrder(t *testing.T) {
	h := newOrderHarness(t, domain.OrderStatusDelivered)

	order, err := h.svc.Refund(context.Background(), OrderTransitionCommand{OrderID: "ord_1", ActorID: "ops", Reason: "returned"})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if order.Status != domain.OrderStatusRefunded || len(h.payments.refunds) != 1 {
		t.Fatalf("expected delivered order refunded once, got %s with %d refunds", order.Status, len(h.payments.refunds))
	}
	if event := h.events.events[0]; event.PreviousStatus != "delivered" || event.CurrentStatus != "refunded" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestOrderServiceRefundCancelledOrder(t *testing.T) {
	h := newOrderHarness(t, domain.OrderStatusCancelled)

	if _, err := h.svc.Refund(context.Background(), OrderTransitionCommand{OrderID: "ord_1"}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
	if h.payments.calls() != 0 {
		t.Fatalf("expected no payment calls")
	}
}

func TestOrderServiceRefundFailureKeepsStatus(t *testing.T) {
	h := newOrderHarness(t, domain.OrderStatusPurchased)
	h.payments.refundErr = errors.New("processor unavailable")

	_, err := h.svc.Refund(context.Background(), OrderTransitionCommand{OrderID: "ord_1"})
	if !errors.Is(err, ErrOrderUpstream) {
		t.Fatalf("expected ErrOrderUpstream, got %v", err)
	}
	if got := h.store.orders["ord_1"].Status; got != domain.OrderStatusPurchased {
		t.Fatalf("expected status kept, got %s", got)
	}
	if h.store.transitionCalls != 0 {
		t.Fatalf("expected no transition after a failed refund")
	}
}

func TestOrderServiceRefundRaceIsReported(t *testing.T) {
	h := newOrderHarness(t, domain.OrderStatusPurchased)
	h.store.beforeTransition = func(o *domain.Order) { o.Status = domain.OrderStatusCancelled }

	_, err := h.svc.Refund(context.Background(), OrderTransitionCommand{OrderID: "ord_1"})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected ErrOrderConflict, got %v", err)
	}
	if !h.logs.has("order.refund.reconciliation") {
		t.Fatalf("expected reconciliation log")
	}
}

func TestOrderServiceRefundWithoutCharge(t *testing.T) {
	h := newOrderHarness(t, domain.OrderStatusPurchased)
	order := h.store.orders["ord_1"]
	order.StripeChargeID = ""
	h.store.orders["ord_1"] = order

	if _, err := h.svc.Refund(context.Background(), OrderTransitionCommand{OrderID: "ord_1"}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
	if h.payments.calls() != 0 {
		t.Fatalf("expected no payment calls")
	}
}

func TestNewOrderServiceRequiresRepositories(t *testing.T) {
	if _, err := NewOrderService(OrderServiceDeps{}); err == nil {
		t.Fatalf("expected error for missing repositories")
	}
}
