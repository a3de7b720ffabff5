package handlers

import (
	"context"
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

type stubShippingService struct {
	preview      services.ShipmentPreview
	verification services.AddressVerification
	err          error
	lastPreview  services.PreviewShipmentCommand
	lastAddress  services.Address
}

func (s *stubShippingService) PreviewShipment(_ context.Context, cmd services.PreviewShipmentCommand) (services.ShipmentPreview, error) {
	s.lastPreview = cmd
	return s.preview, s.err
}

func (s *stubShippingService) VerifyAddress(_ context.Context, address services.Address) (services.AddressVerification, error) {
	s.lastAddress = address
	return s.verification, s.err
}

func serveShipping(h *ShippingHandlers, path, body, uid string) *httptest.ResponseRecorder {
	router := chi.NewRouter()
	h.Routes(router)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if uid != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestShippingHandlersPreview(t *testing.T) {
	svc := &stubShippingService{preview: services.ShipmentPreview{ShipmentID: "shp_1", RateID: "rate_1", Rate: 735, Carrier: "USPS", Service: "Priority"}}
	h := NewShippingHandlers(nil, svc)

	rr := serveShipping(h, "/shipments/preview", `{"productId":"prod_1"}`, "buyer_1")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if svc.lastPreview.BuyerID != "buyer_1" || svc.lastPreview.ProductID != "prod_1" || svc.lastPreview.Address != nil {
		t.Fatalf("unexpected preview command %+v", svc.lastPreview)
	}
	var body previewShipmentResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.ShipmentID != "shp_1" || body.RateID != "rate_1" || body.Rate != 735 {
		t.Fatalf("unexpected preview %+v", body)
	}
}

func TestShippingHandlersPreviewRequiresIdentity(t *testing.T) {
	h := NewShippingHandlers(nil, &stubShippingService{})
	rr := serveShipping(h, "/shipments/preview", `{"productId":"prod_1"}`, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestShippingHandlersErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid", err: fmt.Errorf("%w: product prod_1 is sold", services.ErrShippingInvalidInput), want: http.StatusBadRequest},
		{name: "not found", err: fmt.Errorf("%w: product", services.ErrShippingNotFound), want: http.StatusNotFound},
		{name: "carrier", err: fmt.Errorf("%w: timeout", services.ErrShippingUnavailable), want: http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewShippingHandlers(nil, &stubShippingService{err: tc.err})
			rr := serveShipping(h, "/shipments/preview", `{"productId":"prod_1"}`, "buyer_1")
			if rr.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, rr.Code)
			}
		})
	}
}

func TestShippingHandlersPreviewRateLimit(t *testing.T) {
	now := time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)
	svc := &stubShippingService{preview: services.ShipmentPreview{ShipmentID: "shp_1"}}
	h := NewShippingHandlers(nil, svc, WithPreviewRateLimit(2, time.Minute, func() time.Time { return now }))

	for i := 0; i < 2; i++ {
		if rr := serveShipping(h, "/shipments/preview", `{"productId":"prod_1"}`, "buyer_1"); rr.Code != http.StatusOK {
			t.Fatalf("preview %d: expected status 200, got %d", i, rr.Code)
		}
	}
	rr := serveShipping(h, "/shipments/preview", `{"productId":"prod_1"}`, "buyer_1")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", rr.Header().Get("Retry-After"))
	}
	if rr := serveShipping(h, "/shipments/preview", `{"productId":"prod_1"}`, "buyer_2"); rr.Code != http.StatusOK {
		t.Fatalf("expected other buyers unaffected, got %d", rr.Code)
	}

	now = now.Add(time.Minute)
	if rr := serveShipping(h, "/shipments/preview", `{"productId":"prod_1"}`, "buyer_1"); rr.Code != http.StatusOK {
		t.Fatalf("expected window reset, got %d", rr.Code)
	}
}

func TestShippingHandlersVerifyAddress(t *testing.T) {
	state := "TX"
	svc := &stubShippingService{verification: services.AddressVerification{
		Success:   true,
		Corrected: &domain.Address{Recipient: "Buyer", Line1: "2 MAIN ST", City: "AUSTIN", State: &state, PostalCode: "78701-1234", Country: "US"},
	}}
	h := NewShippingHandlers(nil, svc)

	rr := serveShipping(h, "/addresses/verify", `{"recipient":"Buyer","line1":"2 main st","city":"austin","state":"tx","postalCode":"78701","country":"us"}`, "buyer_1")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if svc.lastAddress.Country != "US" || svc.lastAddress.Line1 != "2 main st" {
		t.Fatalf("unexpected address %+v", svc.lastAddress)
	}
	var body verifyAddressResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !body.Success || body.Corrected == nil || body.Corrected.PostalCode != "78701-1234" {
		t.Fatalf("unexpected verification %+v", body)
	}
}

func TestShippingHandlersVerifyAddressInvalidJSON(t *testing.T) {
	svc := &stubShippingService{}
	h := NewShippingHandlers(nil, svc)
	rr := serveShipping(h, "/addresses/verify", `not json`, "buyer_1")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}
