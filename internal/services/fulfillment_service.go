package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/hanko-field/marketplace/internal/domain"
	"github.com/hanko-field/marketplace/internal/repositories"
)

// ErrFulfillmentInvalidInput indicates a tracker event without a tracker reference.
var ErrFulfillmentInvalidInput = errors.New("fulfillment: invalid input")

type trackerTransition struct {
	target domain.OrderStatus
	from   []domain.OrderStatus
}

// trackerTransitions maps carrier tracking statuses onto order transitions. Statuses missing
// here (pre_transit, out_for_delivery, return_to_sender, ...) leave the order untouched.
var trackerTransitions = map[string]trackerTransition{
	"in_transit": {
		target: domain.OrderStatusShipped,
		from:   []domain.OrderStatus{domain.OrderStatusPurchased},
	},
	"delivered": {
		target: domain.OrderStatusDelivered,
		from:   []domain.OrderStatus{domain.OrderStatusPurchased, domain.OrderStatusShipped},
	},
	"error": {
		target: domain.OrderStatusError,
		from:   []domain.OrderStatus{domain.OrderStatusPurchased, domain.OrderStatusShipped, domain.OrderStatusDelivered},
	},
	"failure": {
		target: domain.OrderStatusError,
		from:   []domain.OrderStatus{domain.OrderStatusPurchased, domain.OrderStatusShipped, domain.OrderStatusDelivered},
	},
}

// FulfillmentServiceDeps bundles collaborators required to construct the fulfillment service.
type FulfillmentServiceDeps struct {
	Orders repositories.OrderRepository
	Events OrderEventPublisher
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type fulfillmentService struct {
	orders repositories.OrderRepository
	events OrderEventPublisher
	now    func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewFulfillmentService wires dependencies into a FulfillmentService.
func NewFulfillmentService(deps FulfillmentServiceDeps) (FulfillmentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("fulfillment service: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &fulfillmentService{
		orders: deps.Orders,
		events: deps.Events,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// HandleTrackerEvent applies a carrier status to the order owning the tracker. Events that are
// unknown, duplicated or out of order leave the order as it is.
func (s *fulfillmentService) HandleTrackerEvent(ctx context.Context, event TrackerEvent) (FulfillmentResult, error) {
	trackerID := strings.TrimSpace(event.TrackerID)
	if trackerID == "" {
		return FulfillmentResult{}, fmt.Errorf("%w: tracker id is required", ErrFulfillmentInvalidInput)
	}

	order, err := s.orders.FindByTrackerID(ctx, trackerID)
	if err != nil {
		return FulfillmentResult{}, mapOrderRepositoryError(err)
	}

	status := strings.ToLower(strings.TrimSpace(event.Status))
	rule, ok := trackerTransitions[status]
	if !ok {
		s.logger(ctx, "fulfillment.event_ignored", map[string]any{
			"orderID":   order.ID,
			"trackerID": trackerID,
			"status":    status,
		})
		return FulfillmentResult{Order: order}, nil
	}

	// One re-read covers a concurrent writer; after that the fresh state decides.
	for attempt := 0; attempt < 2; attempt++ {
		if !slices.Contains(rule.from, order.Status) {
			s.skip(ctx, order, rule, status)
			return FulfillmentResult{Order: order}, nil
		}

		previous := order.Status
		mutate := s.mutation(rule.target)
		updated, err := s.orders.TransitionStatus(ctx, order.ID, rule.from, func(o *domain.Order) {
			previous = o.Status
			mutate(o)
		})
		if err == nil {
			s.logger(ctx, "fulfillment.transitioned", map[string]any{
				"orderID": updated.ID,
				"from":    string(previous),
				"to":      string(updated.Status),
			})
			publishOrderEvent(ctx, s.events, s.logger, OrderEvent{
				Type:           OrderEventStatusChanged,
				OrderID:        updated.ID,
				OrderNumber:    updated.OrderNumber,
				ProductID:      updated.ProductID,
				PreviousStatus: string(previous),
				CurrentStatus:  string(updated.Status),
				ActorID:        "carrier",
				OccurredAt:     updated.UpdatedAt,
				Metadata:       map[string]any{"trackerId": trackerID, "carrierStatus": status},
			})
			return FulfillmentResult{Order: updated, Applied: true}, nil
		}

		var mismatch *repositories.StatusMismatchError
		if !errors.As(err, &mismatch) {
			return FulfillmentResult{}, mapOrderRepositoryError(err)
		}
		order, err = s.orders.FindByID(ctx, order.ID)
		if err != nil {
			return FulfillmentResult{}, mapOrderRepositoryError(err)
		}
	}

	s.skip(ctx, order, rule, status)
	return FulfillmentResult{Order: order}, nil
}

func (s *fulfillmentService) mutation(target domain.OrderStatus) func(*domain.Order) {
	return func(o *domain.Order) {
		now := s.now()
		o.Status = target
		o.UpdatedAt = now
		switch target {
		case domain.OrderStatusShipped:
			if o.ShipDate == nil {
				o.ShipDate = &now
			}
		case domain.OrderStatusDelivered:
			if o.DeliveryDate == nil {
				o.DeliveryDate = &now
			}
		}
	}
}

func (s *fulfillmentService) skip(ctx context.Context, order Order, rule trackerTransition, status string) {
	fields := map[string]any{
		"orderID":       order.ID,
		"currentStatus": string(order.Status),
		"carrierStatus": status,
	}
	if order.Status == rule.target {
		s.logger(ctx, "fulfillment.duplicate_event", fields)
		return
	}
	s.logger(ctx, "fulfillment.transition.anomaly", fields)
}
