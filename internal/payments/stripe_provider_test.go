package payments

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stripe/stripe-go/v78"
)

type fakeIntentAPI struct {
	params *stripe.PaymentIntentParams
	intent *stripe.PaymentIntent
	err    error
}

func (f *fakeIntentAPI) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.params = params
	return f.intent, f.err
}

type fakeRefundAPI struct {
	params *stripe.RefundParams
	refund *stripe.Refund
	err    error
}

func (f *fakeRefundAPI) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	f.params = params
	return f.refund, f.err
}

type fakePaymentMethodAPI struct {
	pm  *stripe.PaymentMethod
	err error
}

func (f *fakePaymentMethodAPI) Get(id string, params *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error) {
	return f.pm, f.err
}

func newTestStripeProvider(t *testing.T, intents *fakeIntentAPI, refunds *fakeRefundAPI, methods *fakePaymentMethodAPI) *StripeProvider {
	t.Helper()
	if intents == nil {
		intents = &fakeIntentAPI{}
	}
	if refunds == nil {
		refunds = &fakeRefundAPI{}
	}
	if methods == nil {
		methods = &fakePaymentMethodAPI{}
	}
	provider, err := NewStripeProvider(StripeProviderConfig{
		Clients: &stripeClients{intents: intents, refunds: refunds, paymentMethods: methods},
	})
	if err != nil {
		t.Fatalf("NewStripeProvider: %v", err)
	}
	return provider
}

func TestStripeProviderChargeBuildsDestinationCharge(t *testing.T) {
	intents := &fakeIntentAPI{intent: &stripe.PaymentIntent{
		ID:           "pi_123",
		Amount:       1725,
		Currency:     stripe.CurrencyUSD,
		Status:       stripe.PaymentIntentStatusSucceeded,
		LatestCharge: &stripe.Charge{ID: "ch_123"},
	}}
	provider := newTestStripeProvider(t, intents, nil, nil)

	result, err := provider.Charge(context.Background(), ChargeRequest{
		CustomerRef:      "cus_buyer",
		SellerRef:        "acct_seller",
		PaymentMethodRef: "pm_card",
		Amount:           1725,
		Fees:             725,
		Currency:         "USD",
		IdempotencyKey:   "purchase:prod_1:buyer_1",
		Metadata:         map[string]string{"productId": "prod_1"},
	})
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if result.ChargeRef != "ch_123" || result.IntentRef != "pi_123" || result.Status != StatusSucceeded {
		t.Fatalf("unexpected result %+v", result)
	}

	params := intents.params
	if params == nil {
		t.Fatalf("expected payment intent params to be sent")
	}
	if *params.Amount != 1725 || *params.ApplicationFeeAmount != 725 {
		t.Fatalf("unexpected amount/fee %d/%d", *params.Amount, *params.ApplicationFeeAmount)
	}
	if *params.Currency != "usd" {
		t.Fatalf("expected lowercase currency, got %s", *params.Currency)
	}
	if !*params.Confirm || !*params.OffSession {
		t.Fatalf("expected confirm and off_session to be set")
	}
	if params.TransferData == nil || *params.TransferData.Destination != "acct_seller" {
		t.Fatalf("expected seller destination transfer")
	}
	if *params.Customer != "cus_buyer" || *params.PaymentMethod != "pm_card" {
		t.Fatalf("unexpected customer/payment method")
	}
	if params.IdempotencyKey == nil || *params.IdempotencyKey != "purchase:prod_1:buyer_1" {
		t.Fatalf("expected idempotency key to be forwarded")
	}
	if params.Metadata["productId"] != "prod_1" {
		t.Fatalf("expected metadata to be forwarded, got %v", params.Metadata)
	}
}

func TestStripeProviderChargeCardErrorIsDecline(t *testing.T) {
	intents := &fakeIntentAPI{err: &stripe.Error{
		Type:        stripe.ErrorTypeCard,
		Code:        stripe.ErrorCodeCardDeclined,
		DeclineCode: stripe.DeclineCodeInsufficientFunds,
	}}
	provider := newTestStripeProvider(t, intents, nil, nil)

	_, err := provider.Charge(context.Background(), ChargeRequest{Amount: 1000, Fees: 100, Currency: "usd"})
	if !errors.Is(err, ErrPaymentDeclined) {
		t.Fatalf("expected ErrPaymentDeclined, got %v", err)
	}
	if !strings.Contains(err.Error(), "insufficient_funds") {
		t.Fatalf("expected decline code in error, got %v", err)
	}
}

func TestStripeProviderChargeRequiresActionIsDecline(t *testing.T) {
	intents := &fakeIntentAPI{intent: &stripe.PaymentIntent{ID: "pi_sca", Status: stripe.PaymentIntentStatusRequiresAction}}
	provider := newTestStripeProvider(t, intents, nil, nil)

	_, err := provider.Charge(context.Background(), ChargeRequest{Amount: 1000, Fees: 100, Currency: "usd"})
	if !errors.Is(err, ErrPaymentDeclined) {
		t.Fatalf("expected ErrPaymentDeclined, got %v", err)
	}
}

func TestStripeProviderChargeAPIErrorIsNotDecline(t *testing.T) {
	intents := &fakeIntentAPI{err: &stripe.Error{Type: stripe.ErrorTypeAPI, Msg: "boom"}}
	provider := newTestStripeProvider(t, intents, nil, nil)

	_, err := provider.Charge(context.Background(), ChargeRequest{Amount: 1000, Fees: 100, Currency: "usd"})
	if err == nil || errors.Is(err, ErrPaymentDeclined) {
		t.Fatalf("expected non-decline error, got %v", err)
	}
}

func TestStripeProviderChargeRejectsFeeAboveAmount(t *testing.T) {
	intents := &fakeIntentAPI{}
	provider := newTestStripeProvider(t, intents, nil, nil)

	if _, err := provider.Charge(context.Background(), ChargeRequest{Amount: 100, Fees: 101, Currency: "usd"}); err == nil {
		t.Fatalf("expected validation error")
	}
	if intents.params != nil {
		t.Fatalf("stripe should not be called for invalid requests")
	}
}

func TestStripeProviderRefund(t *testing.T) {
	refunds := &fakeRefundAPI{refund: &stripe.Refund{ID: "re_1", Amount: 1725, Status: stripe.RefundStatusSucceeded}}
	provider := newTestStripeProvider(t, nil, refunds, nil)

	result, err := provider.Refund(context.Background(), RefundRequest{ChargeRef: "ch_123", Reason: "duplicate"})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if result.Status != StatusRefunded || result.RefundRef != "re_1" {
		t.Fatalf("unexpected refund result %+v", result)
	}
	if refunds.params.Charge == nil || *refunds.params.Charge != "ch_123" {
		t.Fatalf("expected charge reference on refund params")
	}
	if refunds.params.PaymentIntent != nil {
		t.Fatalf("did not expect payment intent reference for ch_ ids")
	}
	if !*refunds.params.ReverseTransfer || !*refunds.params.RefundApplicationFee {
		t.Fatalf("expected transfer reversal and fee refund")
	}
	if *refunds.params.Reason != "duplicate" {
		t.Fatalf("expected duplicate reason, got %s", *refunds.params.Reason)
	}

	if _, err := provider.Refund(context.Background(), RefundRequest{ChargeRef: "pi_456"}); err != nil {
		t.Fatalf("Refund intent: %v", err)
	}
	if refunds.params.PaymentIntent == nil || *refunds.params.PaymentIntent != "pi_456" {
		t.Fatalf("expected payment intent reference for pi_ ids")
	}
}

func TestStripeProviderLookupPaymentMethod(t *testing.T) {
	methods := &fakePaymentMethodAPI{pm: &stripe.PaymentMethod{
		ID:       "pm_1",
		Type:     stripe.PaymentMethodTypeCard,
		Customer: &stripe.Customer{ID: "cus_1"},
		Card: &stripe.PaymentMethodCard{
			Brand:    stripe.PaymentMethodCardBrandVisa,
			Last4:    "4242",
			ExpMonth: 12,
			ExpYear:  2030,
		},
	}}
	provider := newTestStripeProvider(t, nil, nil, methods)

	details, err := provider.LookupPaymentMethod(context.Background(), "pm_1")
	if err != nil {
		t.Fatalf("LookupPaymentMethod: %v", err)
	}
	if details.CustomerRef != "cus_1" || details.Brand != "visa" || details.Last4 != "4242" || details.ExpYear != 2030 {
		t.Fatalf("unexpected details %+v", details)
	}
}
