package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the PSP accepted the charge but has not settled it yet.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the PSP reports the payment as captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the PSP reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the payment has been refunded.
	StatusRefunded Status = "refunded"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrPaymentDeclined reports that the issuer or PSP refused the charge. It is a normal
	// buyer-facing outcome rather than an internal fault.
	ErrPaymentDeclined = errors.New("payments: payment declined")
	// ErrPaymentMethodMismatch reports a payment method that is not attached to the paying customer.
	ErrPaymentMethodMismatch = errors.New("payments: payment method does not belong to customer")
)

// ChargeRequest describes a destination charge: the buyer's customer is charged Amount, the
// platform keeps Fees, and the remainder is transferred to the seller's connected account.
type ChargeRequest struct {
	CustomerRef      string
	SellerRef        string
	PaymentMethodRef string
	Amount           int64
	Fees             int64
	Currency         string
	Description      string
	IdempotencyKey   string
	Metadata         map[string]string
}

// ChargeResult is the normalised outcome of a successful charge.
type ChargeResult struct {
	Provider  string
	ChargeRef string
	IntentRef string
	Status    Status
	Amount    int64
	Currency  string
}

// RefundRequest refunds a previous charge, fully when Amount is nil.
type RefundRequest struct {
	ChargeRef      string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// RefundResult is the normalised outcome of a refund.
type RefundResult struct {
	Provider  string
	RefundRef string
	ChargeRef string
	Status    Status
	Amount    int64
}

// PaymentMethodDetails captures PSP-sourced metadata for a payment instrument.
type PaymentMethodDetails struct {
	Token       string
	CustomerRef string
	Brand       string
	Last4       string
	ExpMonth    int
	ExpYear     int
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
	LookupPaymentMethod(ctx context.Context, token string) (PaymentMethodDetails, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	registered := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		registered[key] = v
	}
	m := &Manager{providers: registered}
	if _, ok := registered["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if providerKey, ok := m.currencyRoutes[currency]; ok && currency != "" {
		provider := strings.TrimSpace(strings.ToLower(providerKey))
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// Charge delegates to the resolved provider.
func (m *Manager) Charge(ctx context.Context, paymentCtx PaymentContext, req ChargeRequest) (ChargeResult, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return ChargeResult{}, err
	}
	result, err := provider.Charge(ctx, req)
	if err != nil {
		return ChargeResult{}, err
	}
	result.Provider = key
	return result, nil
}

// Refund delegates to the resolved provider.
func (m *Manager) Refund(ctx context.Context, paymentCtx PaymentContext, req RefundRequest) (RefundResult, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return RefundResult{}, err
	}
	result, err := provider.Refund(ctx, req)
	if err != nil {
		return RefundResult{}, err
	}
	result.Provider = key
	return result, nil
}

// VerifyPaymentMethod checks that token is attached to customerRef. It returns
// ErrPaymentMethodMismatch when the instrument belongs to someone else.
func (m *Manager) VerifyPaymentMethod(ctx context.Context, paymentCtx PaymentContext, customerRef, token string) (PaymentMethodDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentMethodDetails{}, err
	}
	details, err := provider.LookupPaymentMethod(ctx, token)
	if err != nil {
		return PaymentMethodDetails{}, err
	}
	if details.CustomerRef != "" && details.CustomerRef != strings.TrimSpace(customerRef) {
		return details, ErrPaymentMethodMismatch
	}
	return details, nil
}
