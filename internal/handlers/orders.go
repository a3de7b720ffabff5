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
	"github.com/hanko-field/marketplace/internal/repositories"
	"github.com/hanko-field/marketplace/internal/services"
)

const maxPurchaseBodySize = 16 * 1024

type purchaseRequest struct {
	ProductID       string          `json:"productId"`
	ShipmentID      string          `json:"shipmentId"`
	RateID          string          `json:"rateId"`
	PaymentMethodID string          `json:"paymentMethodId"`
	Address         *addressPayload `json:"address"`
}

// OrderHandlers exposes buyer-facing purchase and order read endpoints.
type OrderHandlers struct {
	authn       *auth.Authenticator
	purchases   services.PurchaseService
	orders      services.OrderService
	idempotency func(http.Handler) http.Handler
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithPurchaseIdempotency wraps the purchase endpoint with the provided middleware.
func WithPurchaseIdempotency(mw func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, purchases services.PurchaseService, orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:     authn,
		purchases: purchases,
		orders:    orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	var purchase http.Handler = http.HandlerFunc(h.createOrder)
	if h.idempotency != nil {
		purchase = h.idempotency(purchase)
	}
	r.Method(http.MethodPost, "/", purchase)
	r.Get("/{orderID}", h.getOrder)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.purchases == nil {
		httpx.WriteError(ctx, w, httpx.NewError("purchase_service_unavailable", "purchase service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxPurchaseBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}
	var req purchaseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.ProductID) == "" || strings.TrimSpace(req.ShipmentID) == "" || strings.TrimSpace(req.RateID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "productId, shipmentId and rateId are required", http.StatusBadRequest))
		return
	}

	detail, err := h.purchases.Purchase(ctx, services.PurchaseCommand{
		ProductID: strings.TrimSpace(req.ProductID),
		BuyerID:   identity.UID,
		Shipping: services.ShippingChoice{
			ShipmentID: strings.TrimSpace(req.ShipmentID),
			RateID:     strings.TrimSpace(req.RateID),
		},
		PaymentMethodRef: strings.TrimSpace(req.PaymentMethodID),
		Address:          req.Address.toDomain(),
	})
	if err != nil {
		writePurchaseError(ctx, w, strings.TrimSpace(req.ProductID), err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, buildOrderPayload(detail, identity.UID))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	detail, err := h.orders.GetOrder(ctx, orderID, identity.UID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(detail, identity.UID))
}

func writePurchaseError(ctx context.Context, w http.ResponseWriter, productID string, err error) {
	switch {
	case errors.Is(err, services.ErrPurchaseConflict):
		httpx.WriteError(ctx, w, httpx.NewError("product_sold", "product is no longer available", http.StatusConflict).
			WithDetails(map[string]any{"productId": productID}))
	case errors.Is(err, services.ErrTaxCalculation):
		httpx.WriteError(ctx, w, httpx.NewError("tax_calculation_failed", "sales tax could not be calculated for this address", http.StatusBadRequest))
	case errors.Is(err, services.ErrPurchaseDeclined):
		httpx.WriteError(ctx, w, httpx.NewError("payment_declined", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPurchaseInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPurchaseNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrPurchaseUpstream):
		httpx.WriteError(ctx, w, httpx.NewError("upstream_failure", "a payment or shipping provider failed", http.StatusBadGateway))
	case errors.Is(err, services.ErrPurchaseUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("purchase_unavailable", "purchase service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("purchase_error", "purchase failed", http.StatusInternalServerError))
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order changed concurrently; refresh and retry", http.StatusConflict))
	case errors.Is(err, services.ErrOrderUpstream):
		httpx.WriteError(ctx, w, httpx.NewError("upstream_failure", "payment provider failed", http.StatusBadGateway))
	default:
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
			httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order repository unavailable", http.StatusServiceUnavailable))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "order request failed", http.StatusInternalServerError))
	}
}
