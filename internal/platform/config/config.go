package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 60 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
	defaultShippingBaseURL     = "https://api.easypost.com"
	defaultShippingService     = "Priority"
	defaultShippingTimeout     = 15 * time.Second
	defaultTaxBaseURL          = "https://api.taxjar.com"
	defaultTaxTimeout          = 10 * time.Second
	defaultPaymentTimeout      = 20 * time.Second
	defaultSellerFeeRate       = "0.10"
	defaultTransferFeeRate     = "0.029"
	defaultSellerFeeFloor      = 50
	defaultSellerFeeThreshold  = 500
	defaultCurrency            = "USD"
	defaultOrderNumberAttempts = 5
	defaultOrderEventsTopic    = "order-events"
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyBatch    = 200
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	PubSub      PubSubConfig
	Stripe      StripeConfig
	Shipping    ShippingConfig
	Tax         TaxConfig
	Fees        FeeConfig
	Orders      OrderConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PubSubConfig names the topic order lifecycle events are published to. An empty topic disables publishing.
type PubSubConfig struct {
	ProjectID   string
	OrderTopic  string
	EmulatorURL string
}

// StripeConfig holds payment processor credentials.
type StripeConfig struct {
	APIKey  string
	Timeout time.Duration
}

// ShippingConfig configures the carrier-rate service and its tracking webhook.
type ShippingConfig struct {
	BaseURL       string
	APIKey        string
	ServiceTier   string
	WebhookSecret string
	Timeout       time.Duration
}

// TaxConfig configures the sales tax service.
type TaxConfig struct {
	BaseURL     string
	APIKey      string
	NexusStates []string
	Timeout     time.Duration
}

// FeeConfig controls the marketplace fee schedule. Rates are fractions of the item price.
type FeeConfig struct {
	SellerRate         decimal.Decimal
	TransferRate       decimal.Decimal
	SellerFloor        int64
	SellerTierMinPrice int64
}

// OrderConfig holds order defaults.
type OrderConfig struct {
	Currency            string
	OrderNumberAttempts int
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification for internal routes.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory, e.g. "Stripe.APIKey".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	lookup, err := newLookup(options)
	if err != nil {
		return Config{}, err
	}

	var invalid []string
	rate := func(key, fallback, field string) decimal.Decimal {
		raw := stringWithDefault(lookup, key, fallback)
		value, err := decimal.NewFromString(raw)
		if err != nil || value.IsNegative() || value.GreaterThan(decimal.NewFromInt(1)) {
			invalid = append(invalid, field)
			return decimal.Zero
		}
		return value
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:   stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			OrderTopic:  stringWithDefault(lookup, "API_PUBSUB_ORDER_TOPIC", defaultOrderEventsTopic),
			EmulatorURL: stringWithDefault(lookup, "API_PUBSUB_EMULATOR_HOST", ""),
		},
		Stripe: StripeConfig{
			APIKey:  stringWithDefault(lookup, "API_STRIPE_API_KEY", ""),
			Timeout: durationWithDefault(lookup, "API_STRIPE_TIMEOUT", defaultPaymentTimeout),
		},
		Shipping: ShippingConfig{
			BaseURL:       stringWithDefault(lookup, "API_SHIPPING_BASE_URL", defaultShippingBaseURL),
			APIKey:        stringWithDefault(lookup, "API_SHIPPING_API_KEY", ""),
			ServiceTier:   stringWithDefault(lookup, "API_SHIPPING_SERVICE_TIER", defaultShippingService),
			WebhookSecret: stringWithDefault(lookup, "API_SHIPPING_WEBHOOK_SECRET", ""),
			Timeout:       durationWithDefault(lookup, "API_SHIPPING_TIMEOUT", defaultShippingTimeout),
		},
		Tax: TaxConfig{
			BaseURL:     stringWithDefault(lookup, "API_TAX_BASE_URL", defaultTaxBaseURL),
			APIKey:      stringWithDefault(lookup, "API_TAX_API_KEY", ""),
			NexusStates: upper(csvWithDefault(lookup, "API_TAX_NEXUS_STATES")),
			Timeout:     durationWithDefault(lookup, "API_TAX_TIMEOUT", defaultTaxTimeout),
		},
		Fees: FeeConfig{
			SellerRate:         rate("API_FEES_SELLER_RATE", defaultSellerFeeRate, "Fees.SellerRate"),
			TransferRate:       rate("API_FEES_TRANSFER_RATE", defaultTransferFeeRate, "Fees.TransferRate"),
			SellerFloor:        int64(intWithDefault(lookup, "API_FEES_SELLER_FLOOR", defaultSellerFeeFloor)),
			SellerTierMinPrice: int64(intWithDefault(lookup, "API_FEES_SELLER_TIER_MIN_PRICE", defaultSellerFeeThreshold)),
		},
		Orders: OrderConfig{
			Currency:            strings.ToUpper(stringWithDefault(lookup, "API_ORDERS_CURRENCY", defaultCurrency)),
			OrderNumberAttempts: intWithDefault(lookup, "API_ORDERS_NUMBER_ATTEMPTS", defaultOrderNumberAttempts),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:  stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:  csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Stripe.APIKey", &cfg.Stripe.APIKey},
		{"Shipping.APIKey", &cfg.Shipping.APIKey},
		{"Shipping.WebhookSecret", &cfg.Shipping.WebhookSecret},
		{"Tax.APIKey", &cfg.Tax.APIKey},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

// IsNexusState reports whether the state code is in the configured nexus set.
func (c TaxConfig) IsNexusState(state string) bool {
	state = strings.ToUpper(strings.TrimSpace(state))
	if state == "" {
		return false
	}
	for _, candidate := range c.NexusStates {
		if candidate == state {
			return true
		}
	}
	return false
}

func validateConfig(cfg Config, invalid []string) error {
	fields := append([]string(nil), invalid...)

	if cfg.Server.Port == "" {
		fields = append(fields, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		fields = append(fields, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		fields = append(fields, "Firestore.ProjectID")
	}
	if strings.TrimSpace(cfg.Shipping.ServiceTier) == "" {
		fields = append(fields, "Shipping.ServiceTier")
	}
	if cfg.Shipping.Timeout <= 0 {
		fields = append(fields, "Shipping.Timeout")
	}
	if cfg.Tax.Timeout <= 0 {
		fields = append(fields, "Tax.Timeout")
	}
	if cfg.Fees.SellerFloor < 0 {
		fields = append(fields, "Fees.SellerFloor")
	}
	if _, err := currency.ParseISO(cfg.Orders.Currency); err != nil {
		fields = append(fields, "Orders.Currency")
	}
	if cfg.Orders.OrderNumberAttempts <= 0 {
		fields = append(fields, "Orders.OrderNumberAttempts")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		fields = append(fields, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		fields = append(fields, "Idempotency.TTL")
	}

	if len(fields) > 0 {
		return &ValidationError{fields: fields}
	}
	return nil
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

func upper(values []string) []string {
	for i, value := range values {
		values[i] = strings.ToUpper(value)
	}
	return values
}
