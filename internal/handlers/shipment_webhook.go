package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hanko-field/marketplace/internal/platform/httpx"
	"github.com/hanko-field/marketplace/internal/platform/observability"
	"github.com/hanko-field/marketplace/internal/services"
)

const (
	maxWebhookBodySize    = 256 * 1024
	trackerUpdatedEvent   = "tracker.updated"
	trackerWebhookPattern = shipmentWebhookPath
)

type trackerWebhookPayload struct {
	Description string `json:"description"`
	Result      struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"result"`
}

// ShipmentWebhookHandlers receives carrier tracker callbacks. Authentication is applied by the
// router through the webhook middleware chain.
type ShipmentWebhookHandlers struct {
	fulfillment services.FulfillmentService
}

// NewShipmentWebhookHandlers constructs the carrier webhook handler.
func NewShipmentWebhookHandlers(fulfillment services.FulfillmentService) *ShipmentWebhookHandlers {
	return &ShipmentWebhookHandlers{fulfillment: fulfillment}
}

// Routes registers the tracker webhook.
func (h *ShipmentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post(trackerWebhookPattern, h.handleTracker)
}

func (h *ShipmentWebhookHandlers) handleTracker(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fulfillment == nil {
		httpx.WriteError(ctx, w, httpx.NewError("fulfillment_unavailable", "fulfillment service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	var payload trackerWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	logger := observability.FromContext(ctx).Named("shipments.webhook")
	if !strings.EqualFold(strings.TrimSpace(payload.Description), trackerUpdatedEvent) {
		logger.Debug("ignoring carrier event", zap.String("description", payload.Description))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	result, err := h.fulfillment.HandleTrackerEvent(ctx, services.TrackerEvent{
		TrackerID:   strings.TrimSpace(payload.Result.ID),
		Status:      strings.TrimSpace(payload.Result.Status),
		Description: payload.Description,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrFulfillmentInvalidInput):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		case errors.Is(err, services.ErrOrderNotFound):
			httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "no order for tracker", http.StatusNotFound))
		default:
			logger.Error("tracker event failed", zap.String("trackerId", observability.MaskReference(payload.Result.ID)), zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("fulfillment_error", "tracker event could not be applied", http.StatusInternalServerError))
		}
		return
	}
	if result.Applied {
		logger.Info("tracker event applied",
			zap.String("orderId", result.Order.ID),
			zap.String("status", string(result.Order.Status)),
		)
	}
	w.WriteHeader(http.StatusNoContent)
}
