package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/marketplace/internal/domain"
	"github.com/hanko-field/marketplace/internal/platform/auth"
	"github.com/hanko-field/marketplace/internal/services"
)

func serveInternal(h *InternalOrderHandlers, path, body string, identity *auth.ServiceIdentity) *httptest.ResponseRecorder {
	router := chi.NewRouter()
	h.Routes(router)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if identity != nil {
		req = req.WithContext(auth.WithServiceIdentity(req.Context(), identity))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestInternalOrderHandlersActions(t *testing.T) {
	updated := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	for _, action := range []string{"dispute", "cancel", "refund"} {
		t.Run(action, func(t *testing.T) {
			orders := &stubOrderService{order: domain.Order{ID: "ord_1", OrderNumber: "260315-1ab", Status: domain.OrderStatusDisputed, UpdatedAt: updated}}
			h := NewInternalOrderHandlers(orders)

			rr := serveInternal(h, "/orders/ord_1:"+action, `{"reason":" item damaged "}`, &auth.ServiceIdentity{Subject: "svc-123", Email: "ops@marketplace.iam.gserviceaccount.com"})

			if rr.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
			}
			if orders.lastAction != action {
				t.Fatalf("expected %s, got %s", action, orders.lastAction)
			}
			cmd := orders.lastCmd
			if cmd.OrderID != "ord_1" || cmd.Reason != "item damaged" || cmd.ActorID != "ops@marketplace.iam.gserviceaccount.com" {
				t.Fatalf("unexpected command %+v", cmd)
			}
			var body orderStatusResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if body.ID != "ord_1" || body.Status != "disputed" || body.UpdatedAt != "2026-03-20T12:00:00Z" {
				t.Fatalf("unexpected response %+v", body)
			}
		})
	}
}

func TestInternalOrderHandlersEmptyBodyUsesSubject(t *testing.T) {
	orders := &stubOrderService{order: domain.Order{ID: "ord_1", Status: domain.OrderStatusCancelled}}
	h := NewInternalOrderHandlers(orders)

	rr := serveInternal(h, "/orders/ord_1:cancel", "", &auth.ServiceIdentity{Subject: "svc-123"})

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if orders.lastCmd.ActorID != "svc-123" || orders.lastCmd.Reason != "" {
		t.Fatalf("unexpected command %+v", orders.lastCmd)
	}
}

func TestInternalOrderHandlersErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid state", err: fmt.Errorf("%w: refunded", services.ErrOrderInvalidState), want: http.StatusConflict},
		{name: "conflict", err: fmt.Errorf("%w: status changed", services.ErrOrderConflict), want: http.StatusConflict},
		{name: "not found", err: fmt.Errorf("%w: ord_1", services.ErrOrderNotFound), want: http.StatusNotFound},
		{name: "upstream", err: fmt.Errorf("%w: refund declined", services.ErrOrderUpstream), want: http.StatusBadGateway},
		{name: "invalid input", err: fmt.Errorf("%w: order has no charge", services.ErrOrderInvalidInput), want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewInternalOrderHandlers(&stubOrderService{err: tc.err})
			rr := serveInternal(h, "/orders/ord_1:refund", `{}`, nil)
			if rr.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, rr.Code)
			}
		})
	}
}

func TestInternalOrderHandlersInvalidJSON(t *testing.T) {
	orders := &stubOrderService{}
	h := NewInternalOrderHandlers(orders)

	rr := serveInternal(h, "/orders/ord_1:dispute", `{"reason":`, nil)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if orders.lastAction != "" {
		t.Fatalf("expected service not to be called")
	}
}
