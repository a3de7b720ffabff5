package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/marketplace/internal/platform/auth"
	"github.com/hanko-field/marketplace/internal/platform/httpx"
	"github.com/hanko-field/marketplace/internal/services"
)

const maxInternalOrderBodySize = 4 * 1024

type orderTransitionRequest struct {
	Reason string `json:"reason"`
}

type orderStatusResponse struct {
	ID          string `json:"id"`
	OrderNumber string `json:"orderNumber"`
	Status      string `json:"status"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

// InternalOrderHandlers exposes operator transitions invoked by trusted services.
type InternalOrderHandlers struct {
	orders services.OrderService
}

// NewInternalOrderHandlers constructs the internal order handlers.
func NewInternalOrderHandlers(orders services.OrderService) *InternalOrderHandlers {
	return &InternalOrderHandlers{orders: orders}
}

// Routes registers the internal order endpoints. OIDC is enforced by the /internal group.
func (h *InternalOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/{orderID}:dispute", h.transition(func(ctx context.Context, cmd services.OrderTransitionCommand) (services.Order, error) {
		return h.orders.Dispute(ctx, cmd)
	}))
	r.Post("/orders/{orderID}:cancel", h.transition(func(ctx context.Context, cmd services.OrderTransitionCommand) (services.Order, error) {
		return h.orders.Cancel(ctx, cmd)
	}))
	r.Post("/orders/{orderID}:refund", h.transition(func(ctx context.Context, cmd services.OrderTransitionCommand) (services.Order, error) {
		return h.orders.Refund(ctx, cmd)
	}))
}

func (h *InternalOrderHandlers) transition(apply func(context.Context, services.OrderTransitionCommand) (services.Order, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if h.orders == nil {
			httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
			return
		}
		orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
		if orderID == "" {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
			return
		}

		var req orderTransitionRequest
		body, err := readLimitedBody(r, maxInternalOrderBodySize)
		switch {
		case errors.Is(err, errEmptyBody):
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
			return
		case err != nil:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		default:
			if err := json.Unmarshal(body, &req); err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
				return
			}
		}

		order, err := apply(ctx, services.OrderTransitionCommand{
			OrderID: orderID,
			ActorID: serviceActor(ctx),
			Reason:  strings.TrimSpace(req.Reason),
		})
		if err != nil {
			writeOrderError(ctx, w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, orderStatusResponse{
			ID:          order.ID,
			OrderNumber: order.OrderNumber,
			Status:      string(order.Status),
			UpdatedAt:   formatTime(order.UpdatedAt),
		})
	}
}

func serviceActor(ctx context.Context) string {
	identity, ok := auth.ServiceIdentityFromContext(ctx)
	if !ok || identity == nil {
		return ""
	}
	if email := strings.TrimSpace(identity.Email); email != "" {
		return email
	}
	return strings.TrimSpace(identity.Subject)
}
