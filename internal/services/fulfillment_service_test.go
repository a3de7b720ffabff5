package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/hanko-field/marketplace/internal/domain"
)

type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

func newFulfillmentHarness(t *testing.T, status domain.OrderStatus) (*store, *recordingPublisher, *recordingLogger, FulfillmentService) {
	t.Helper()
	s := newStore()
	s.orders["ord_1"] = domain.Order{
		ID:          "ord_1",
		OrderNumber: "260315-42ab",
		ProductID:   "prod_1",
		BuyerID:     "buyer_1",
		SellerID:    "seller_1",
		Status:      status,
		TrackerID:   "trk_1",
	}
	events := &recordingPublisher{}
	logs := &recordingLogger{}
	clock := &tickingClock{now: fixedClock()}
	svc, err := NewFulfillmentService(FulfillmentServiceDeps{
		Orders: storeOrders{s},
		Events: events,
		Clock:  clock.Now,
		Logger: logs.log,
	})
	if err != nil {
		t.Fatalf("NewFulfillmentService: %v", err)
	}
	return s, events, logs, svc
}

func TestFulfillmentInTransitMarksShipped(t *testing.T) {
	s, events, _, svc := newFulfillmentHarness(t, domain.OrderStatusPurchased)

	result, err := svc.HandleTrackerEvent(context.Background(), TrackerEvent{TrackerID: "trk_1", Status: "in_transit"})
	if err != nil {
		t.Fatalf("HandleTrackerEvent: %v", err)
	}
	if !result.Applied || result.Order.Status != domain.OrderStatusShipped {
		t.Fatalf("expected shipped, got %+v", result)
	}
	if s.orders["ord_1"].ShipDate == nil {
		t.Fatalf("expected ship date to be set")
	}
	if len(events.events) != 1 {
		t.Fatalf("expected one event, got %d", len(events.events))
	}
	event := events.events[0]
	if event.Type != OrderEventStatusChanged || event.PreviousStatus != "purchased" || event.CurrentStatus != "shipped" || event.ActorID != "carrier" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestFulfillmentDeliveredTwiceIsIdempotent(t *testing.T) {
	s, events, logs, svc := newFulfillmentHarness(t, domain.OrderStatusShipped)
	ctx := context.Background()

	if _, err := svc.HandleTrackerEvent(ctx, TrackerEvent{TrackerID: "trk_1", Status: "delivered"}); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	first := s.orders["ord_1"]
	if first.Status != domain.OrderStatusDelivered || first.DeliveryDate == nil {
		t.Fatalf("expected delivered with delivery date, got %+v", first)
	}

	result, err := svc.HandleTrackerEvent(ctx, TrackerEvent{TrackerID: "trk_1", Status: "delivered"})
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if result.Applied {
		t.Fatalf("expected duplicate delivery to be a no-op")
	}
	second := s.orders["ord_1"]
	if !second.DeliveryDate.Equal(*first.DeliveryDate) || !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatalf("expected state unchanged, first %+v second %+v", first, second)
	}
	if len(events.events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events.events))
	}
	if !logs.has("fulfillment.duplicate_event") {
		t.Fatalf("expected duplicate to be logged")
	}
}

func TestFulfillmentDeliveredFromPurchasedSkipsShipped(t *testing.T) {
	s, _, _, svc := newFulfillmentHarness(t, domain.OrderStatusPurchased)

	if _, err := svc.HandleTrackerEvent(context.Background(), TrackerEvent{TrackerID: "trk_1", Status: "DELIVERED"}); err != nil {
		t.Fatalf("HandleTrackerEvent: %v", err)
	}
	order := s.orders["ord_1"]
	if order.Status != domain.OrderStatusDelivered || order.ShipDate != nil {
		t.Fatalf("expected delivered without a ship date, got %+v", order)
	}
}

func TestFulfillmentIllegalTransitionsAreAnomalies(t *testing.T) {
	for _, status := range []domain.OrderStatus{domain.OrderStatusOrdered, domain.OrderStatusDisputed, domain.OrderStatusRefunded} {
		t.Run(string(status), func(t *testing.T) {
			s, events, logs, svc := newFulfillmentHarness(t, status)

			result, err := svc.HandleTrackerEvent(context.Background(), TrackerEvent{TrackerID: "trk_1", Status: "delivered"})
			if err != nil {
				t.Fatalf("HandleTrackerEvent: %v", err)
			}
			if result.Applied || s.orders["ord_1"].Status != status {
				t.Fatalf("expected status %s to be kept, got %+v", status, s.orders["ord_1"])
			}
			if s.transitionCalls != 0 {
				t.Fatalf("expected no write, got %d", s.transitionCalls)
			}
			if len(events.events) != 0 {
				t.Fatalf("expected no events")
			}
			if !logs.has("fulfillment.transition.anomaly") {
				t.Fatalf("expected anomaly log")
			}
		})
	}
}

func TestFulfillmentShippedDoesNotRegressDelivered(t *testing.T) {
	s, _, _, svc := newFulfillmentHarness(t, domain.OrderStatusDelivered)

	if _, err := svc.HandleTrackerEvent(context.Background(), TrackerEvent{TrackerID: "trk_1", Status: "in_transit"}); err != nil {
		t.Fatalf("HandleTrackerEvent: %v", err)
	}
	if got := s.orders["ord_1"].Status; got != domain.OrderStatusDelivered {
		t.Fatalf("expected delivered to be kept, got %s", got)
	}
}

func TestFulfillmentFailureMarksError(t *testing.T) {
	for _, carrierStatus := range []string{"error", "failure"} {
		t.Run(carrierStatus, func(t *testing.T) {
			s, _, _, svc := newFulfillmentHarness(t, domain.OrderStatusShipped)
			result, err := svc.HandleTrackerEvent(context.Background(), TrackerEvent{TrackerID: "trk_1", Status: carrierStatus})
			if err != nil {
				t.Fatalf("HandleTrackerEvent: %v", err)
			}
			if !result.Applied || s.orders["ord_1"].Status != domain.OrderStatusError {
				t.Fatalf("expected error status, got %+v", s.orders["ord_1"])
			}
		})
	}
}

func TestFulfillmentIgnoresUnmappedStatus(t *testing.T) {
	s, events, logs, svc := newFulfillmentHarness(t, domain.OrderStatusPurchased)

	for _, status := range []string{"pre_transit", "out_for_delivery", "return_to_sender", "unknown"} {
		result, err := svc.HandleTrackerEvent(context.Background(), TrackerEvent{TrackerID: "trk_1", Status: status})
		if err != nil {
			t.Fatalf("HandleTrackerEvent(%s): %v", status, err)
		}
		if result.Applied {
			t.Fatalf("expected %s to be ignored", status)
		}
	}
	if s.orders["ord_1"].Status != domain.OrderStatusPurchased || len(events.events) != 0 {
		t.Fatalf("expected order untouched")
	}
	if !logs.has("fulfillment.event_ignored") {
		t.Fatalf("expected ignored events to be logged")
	}
}

func TestFulfillmentUnknownTracker(t *testing.T) {
	_, _, _, svc := newFulfillmentHarness(t, domain.OrderStatusPurchased)

	_, err := svc.HandleTrackerEvent(context.Background(), TrackerEvent{TrackerID: "trk_missing", Status: "delivered"})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	_, err = svc.HandleTrackerEvent(context.Background(), TrackerEvent{Status: "delivered"})
	if !errors.Is(err, ErrFulfillmentInvalidInput) {
		t.Fatalf("expected ErrFulfillmentInvalidInput, got %v", err)
	}
}

func TestFulfillmentConcurrentWriterIsRespected(t *testing.T) {
	s, events, logs, svc := newFulfillmentHarness(t, domain.OrderStatusPurchased)
	// A dispute lands between our read and our write.
	s.beforeTransition = func(o *domain.Order) { o.Status = domain.OrderStatusDisputed }

	result, err := svc.HandleTrackerEvent(context.Background(), TrackerEvent{TrackerID: "trk_1", Status: "in_transit"})
	if err != nil {
		t.Fatalf("HandleTrackerEvent: %v", err)
	}
	if result.Applied || result.Order.Status != domain.OrderStatusDisputed {
		t.Fatalf("expected disputed to be kept, got %+v", result)
	}
	if s.transitionCalls != 1 || len(events.events) != 0 {
		t.Fatalf("expected one rejected write and no events")
	}
	if !logs.has("fulfillment.transition.anomaly") {
		t.Fatalf("expected anomaly log")
	}
}

func TestFulfillmentReportsStatusSeenAtWrite(t *testing.T) {
	s, events, _, svc := newFulfillmentHarness(t, domain.OrderStatusPurchased)
	// An in_transit handler moved the order to shipped between our read and our write.
	s.beforeTransition = func(o *domain.Order) { o.Status = domain.OrderStatusShipped }

	result, err := svc.HandleTrackerEvent(context.Background(), TrackerEvent{TrackerID: "trk_1", Status: "delivered"})
	if err != nil {
		t.Fatalf("HandleTrackerEvent: %v", err)
	}
	if !result.Applied || s.orders["ord_1"].Status != domain.OrderStatusDelivered {
		t.Fatalf("expected delivered, got %+v", s.orders["ord_1"])
	}
	if len(events.events) != 1 || events.events[0].PreviousStatus != "shipped" {
		t.Fatalf("unexpected events %+v", events.events)
	}
}
