package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/marketplace/internal/platform/auth"
	"github.com/hanko-field/marketplace/internal/platform/httpx"
	"github.com/hanko-field/marketplace/internal/services"
)

const maxShippingBodySize = 8 * 1024

type previewShipmentRequest struct {
	ProductID string          `json:"productId"`
	Address   *addressPayload `json:"address"`
}

type previewShipmentResponse struct {
	ShipmentID string `json:"shipmentId"`
	RateID     string `json:"rateId"`
	Rate       int64  `json:"rate"`
	Carrier    string `json:"carrier"`
	Service    string `json:"service"`
}

type verifyAddressResponse struct {
	Success   bool            `json:"success"`
	Corrected *addressPayload `json:"corrected,omitempty"`
	Errors    []string        `json:"errors,omitempty"`
}

// ShippingHandlers serves rate previews and address verification for signed-in buyers.
type ShippingHandlers struct {
	authn    *auth.Authenticator
	shipping services.ShippingService
	limiter  *windowLimiter
}

// ShippingHandlersOption customises ShippingHandlers.
type ShippingHandlersOption func(*ShippingHandlers)

// WithPreviewRateLimit caps shipment previews per buyer within the window.
func WithPreviewRateLimit(limit int, window time.Duration, clock func() time.Time) ShippingHandlersOption {
	return func(h *ShippingHandlers) {
		h.limiter = newWindowLimiter(limit, window, clock)
	}
}

// NewShippingHandlers constructs shipping handlers.
func NewShippingHandlers(authn *auth.Authenticator, shipping services.ShippingService, opts ...ShippingHandlersOption) *ShippingHandlers {
	h := &ShippingHandlers{authn: authn, shipping: shipping}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the shipping endpoints.
func (h *ShippingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/shipments/preview", h.previewShipment)
	r.Post("/addresses/verify", h.verifyAddress)
}

func (h *ShippingHandlers) previewShipment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipping == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_service_unavailable", "shipping service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}
	if ok, wait := h.limiter.Allow(identity.UID); !ok {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many shipment previews; retry later", http.StatusTooManyRequests).
			WithRetryAfter(wait))
		return
	}

	var req previewShipmentRequest
	if !decodeShippingBody(ctx, w, r, &req) {
		return
	}

	preview, err := h.shipping.PreviewShipment(ctx, services.PreviewShipmentCommand{
		ProductID: strings.TrimSpace(req.ProductID),
		BuyerID:   identity.UID,
		Address:   req.Address.toDomain(),
	})
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, previewShipmentResponse{
		ShipmentID: preview.ShipmentID,
		RateID:     preview.RateID,
		Rate:       preview.Rate,
		Carrier:    preview.Carrier,
		Service:    preview.Service,
	})
}

func (h *ShippingHandlers) verifyAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipping == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_service_unavailable", "shipping service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req addressPayload
	if !decodeShippingBody(ctx, w, r, &req) {
		return
	}

	result, err := h.shipping.VerifyAddress(ctx, *req.toDomain())
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	resp := verifyAddressResponse{Success: result.Success, Errors: result.Errors}
	if result.Corrected != nil {
		corrected := addressPayloadFrom(*result.Corrected)
		resp.Corrected = &corrected
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func decodeShippingBody(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := readLimitedBody(r, maxShippingBodySize)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
			return false
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func writeShippingError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrShippingInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrShippingNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrShippingUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("carrier_unavailable", "shipping carrier unavailable", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("shipping_error", "shipping request failed", http.StatusInternalServerError))
	}
}
