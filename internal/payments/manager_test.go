package payments

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	lastOp string
	charge ChargeResult
	refund RefundResult
	method PaymentMethodDetails
	err    error
}

func (f *fakeProvider) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	f.lastOp = "charge"
	return f.charge, f.err
}

func (f *fakeProvider) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	f.lastOp = "refund"
	return f.refund, f.err
}

func (f *fakeProvider) LookupPaymentMethod(ctx context.Context, token string) (PaymentMethodDetails, error) {
	f.lastOp = "lookup"
	return f.method, f.err
}

func TestManagerChargeUsesPreferredProvider(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{charge: ChargeResult{ChargeRef: "ch_stripe"}}
	adyen := &fakeProvider{charge: ChargeResult{ChargeRef: "ch_adyen"}}

	mgr, err := NewManager(map[string]Provider{"stripe": stripe, "adyen": adyen})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	result, err := mgr.Charge(ctx, PaymentContext{PreferredProvider: "adyen"}, ChargeRequest{Currency: "USD"})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if result.Provider != "adyen" || result.ChargeRef != "ch_adyen" {
		t.Fatalf("expected adyen charge, got %+v", result)
	}
	if stripe.lastOp != "" {
		t.Fatalf("expected stripe provider to remain unused")
	}
}

func TestManagerRoutesByCurrency(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{}
	adyen := &fakeProvider{}

	mgr, err := NewManager(
		map[string]Provider{"stripe": stripe, "adyen": adyen},
		WithCurrencyRoutes(map[string]string{"eur": "adyen"}),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if _, err := mgr.Refund(ctx, PaymentContext{Currency: "EUR"}, RefundRequest{ChargeRef: "ch_1"}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if adyen.lastOp != "refund" {
		t.Fatalf("expected EUR refund to route to adyen")
	}
	if _, err := mgr.Refund(ctx, PaymentContext{Currency: "USD"}, RefundRequest{ChargeRef: "ch_2"}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if stripe.lastOp != "refund" {
		t.Fatalf("expected USD refund to fall back to stripe")
	}
}

func TestManagerUnsupportedProvider(t *testing.T) {
	mgr, err := NewManager(map[string]Provider{"stripe": &fakeProvider{}, "adyen": &fakeProvider{}}, WithDefaultProvider(""))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	_, err = mgr.Charge(context.Background(), PaymentContext{PreferredProvider: "unknown"}, ChargeRequest{})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestManagerVerifyPaymentMethod(t *testing.T) {
	provider := &fakeProvider{method: PaymentMethodDetails{Token: "pm_1", CustomerRef: "cus_owner"}}
	mgr, err := NewManager(map[string]Provider{"stripe": provider})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if _, err := mgr.VerifyPaymentMethod(context.Background(), PaymentContext{}, "cus_owner", "pm_1"); err != nil {
		t.Fatalf("expected owner to verify, got %v", err)
	}
	if _, err := mgr.VerifyPaymentMethod(context.Background(), PaymentContext{}, "cus_other", "pm_1"); !errors.Is(err, ErrPaymentMethodMismatch) {
		t.Fatalf("expected ErrPaymentMethodMismatch, got %v", err)
	}
}

func TestNewManagerValidatesProviders(t *testing.T) {
	if _, err := NewManager(map[string]Provider{"bad": nil}); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error when providers empty")
	}
}
