package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripePaymentMethodAPI interface {
	Get(id string, params *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error)
}

type stripeClients struct {
	intents        stripePaymentIntentAPI
	refunds        stripeRefundAPI
	paymentMethods stripePaymentMethodAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey   string
	Backends *stripe.Backends
	Logger   StripeLogger
	Clock    func() time.Time
	Clients  *stripeClients
}

// StripeProvider charges buyers with Stripe Connect destination PaymentIntents.
type StripeProvider struct {
	api    stripeClients
	clock  func() time.Time
	logger StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents:        sc.PaymentIntents,
			refunds:        sc.Refunds,
			paymentMethods: sc.PaymentMethods,
		}
	}
	if clients.intents == nil || clients.refunds == nil || clients.paymentMethods == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:    clients,
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

// Charge creates and confirms an off-session PaymentIntent against the buyer's saved payment
// method. Card errors and intents left requiring another payment method map to ErrPaymentDeclined.
func (p *StripeProvider) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if p == nil {
		return ChargeResult{}, errors.New("stripe: provider is nil")
	}
	if req.Amount <= 0 {
		return ChargeResult{}, errors.New("stripe: charge amount must be positive")
	}
	if req.Fees < 0 || req.Fees > req.Amount {
		return ChargeResult{}, fmt.Errorf("stripe: application fee %d outside charge amount %d", req.Fees, req.Amount)
	}

	params := &stripe.PaymentIntentParams{
		Amount:               stripe.Int64(req.Amount),
		Currency:             stripe.String(strings.ToLower(strings.TrimSpace(req.Currency))),
		Customer:             stripe.String(req.CustomerRef),
		PaymentMethod:        stripe.String(req.PaymentMethodRef),
		Confirm:              stripe.Bool(true),
		OffSession:           stripe.Bool(true),
		ApplicationFeeAmount: stripe.Int64(req.Fees),
		TransferData: &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(req.SellerRef),
		},
	}
	params.Context = ctx
	if desc := strings.TrimSpace(req.Description); desc != "" {
		params.Description = stripe.String(desc)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	started := p.clock()
	intent, err := p.api.intents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			p.logger(ctx, "payments.stripe.charge.declined", map[string]any{
				"code":        string(stripeErr.Code),
				"declineCode": string(stripeErr.DeclineCode),
				"amount":      req.Amount,
			})
			return ChargeResult{}, fmt.Errorf("%w: %s", ErrPaymentDeclined, declineReason(stripeErr))
		}
		return ChargeResult{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	status := intentStatus(intent)
	if status == StatusFailed {
		p.logger(ctx, "payments.stripe.charge.declined", map[string]any{
			"paymentIntent": intent.ID,
			"status":        string(intent.Status),
		})
		return ChargeResult{}, fmt.Errorf("%w: payment intent %s", ErrPaymentDeclined, intent.Status)
	}

	chargeRef := intent.ID
	if intent.LatestCharge != nil && intent.LatestCharge.ID != "" {
		chargeRef = intent.LatestCharge.ID
	}

	p.logger(ctx, "payments.stripe.charge.succeeded", map[string]any{
		"paymentIntent": intent.ID,
		"charge":        chargeRef,
		"amount":        intent.Amount,
		"fee":           req.Fees,
		"latencyMs":     p.clock().Sub(started).Milliseconds(),
	})

	return ChargeResult{
		Provider:  "stripe",
		ChargeRef: chargeRef,
		IntentRef: intent.ID,
		Status:    status,
		Amount:    intent.Amount,
		Currency:  strings.ToUpper(string(intent.Currency)),
	}, nil
}

// Refund refunds a charge (ch_) or PaymentIntent (pi_) reference. Destination charges reverse
// the seller transfer and refund the application fee with it.
func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if p == nil {
		return RefundResult{}, errors.New("stripe: provider is nil")
	}
	ref := strings.TrimSpace(req.ChargeRef)
	if ref == "" {
		return RefundResult{}, errors.New("stripe: charge reference is required")
	}

	params := &stripe.RefundParams{
		ReverseTransfer:      stripe.Bool(true),
		RefundApplicationFee: stripe.Bool(true),
	}
	if strings.HasPrefix(ref, "pi_") {
		params.PaymentIntent = stripe.String(ref)
	} else {
		params.Charge = stripe.String(ref)
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if req.Amount != nil {
		params.Amount = stripe.Int64(*req.Amount)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	refund, err := p.api.refunds.New(params)
	if err != nil {
		return RefundResult{}, fmt.Errorf("stripe: refund %s: %w", ref, err)
	}

	status := StatusPending
	switch refund.Status {
	case stripe.RefundStatusSucceeded:
		status = StatusRefunded
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		status = StatusFailed
	}

	p.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"charge": ref,
		"refund": refund.ID,
		"status": string(refund.Status),
	})

	return RefundResult{
		Provider:  "stripe",
		RefundRef: refund.ID,
		ChargeRef: ref,
		Status:    status,
		Amount:    refund.Amount,
	}, nil
}

// LookupPaymentMethod fetches card metadata and the owning customer for token.
func (p *StripeProvider) LookupPaymentMethod(ctx context.Context, token string) (PaymentMethodDetails, error) {
	if p == nil {
		return PaymentMethodDetails{}, errors.New("stripe: provider is nil")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return PaymentMethodDetails{}, errors.New("stripe: payment method token is required")
	}

	params := &stripe.PaymentMethodParams{}
	params.Context = ctx
	pm, err := p.api.paymentMethods.Get(token, params)
	if err != nil {
		return PaymentMethodDetails{}, fmt.Errorf("stripe: lookup payment method: %w", err)
	}

	details := PaymentMethodDetails{Token: token}
	if pm == nil {
		return details, nil
	}
	if pm.Customer != nil {
		details.CustomerRef = pm.Customer.ID
	}
	if pm.Type == stripe.PaymentMethodTypeCard && pm.Card != nil {
		details.Brand = strings.ToLower(string(pm.Card.Brand))
		details.Last4 = strings.TrimSpace(pm.Card.Last4)
		details.ExpMonth = int(pm.Card.ExpMonth)
		details.ExpYear = int(pm.Card.ExpYear)
	}
	return details, nil
}

func intentStatus(intent *stripe.PaymentIntent) Status {
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusProcessing:
		return StatusPending
	default:
		// requires_payment_method, requires_action (off-session SCA) and canceled all mean
		// the buyer has not paid.
		return StatusFailed
	}
}

func declineReason(err *stripe.Error) string {
	if err.DeclineCode != "" {
		return string(err.DeclineCode)
	}
	if err.Code != "" {
		return string(err.Code)
	}
	return "card_error"
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
