package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/stripe/stripe-go/v78"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/marketplace/internal/handlers"
	"github.com/hanko-field/marketplace/internal/payments"
	"github.com/hanko-field/marketplace/internal/platform/auth"
	"github.com/hanko-field/marketplace/internal/platform/config"
	pfirestore "github.com/hanko-field/marketplace/internal/platform/firestore"
	"github.com/hanko-field/marketplace/internal/platform/idempotency"
	"github.com/hanko-field/marketplace/internal/platform/jobs"
	"github.com/hanko-field/marketplace/internal/platform/observability"
	"github.com/hanko-field/marketplace/internal/platform/secrets"
	"github.com/hanko-field/marketplace/internal/repositories"
	firestoreRepo "github.com/hanko-field/marketplace/internal/repositories/firestore"
	"github.com/hanko-field/marketplace/internal/services"
	"github.com/hanko-field/marketplace/internal/shipping"
	"github.com/hanko-field/marketplace/internal/tax"
)

const (
	meterName = "github.com/hanko-field/marketplace"

	previewRateLimit  = 30
	previewRateWindow = time.Minute
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames()...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	pubsubClient, err := newPubSubClient(ctx, cfg.PubSub)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()
	orderTopic := pubsubClient.Topic(cfg.PubSub.OrderTopic)
	defer orderTopic.Stop()

	eventPublisher, err := jobs.NewPubSubOrderEventPublisher(orderTopic)
	if err != nil {
		logger.Fatal("failed to initialise order event publisher", zap.Error(err))
	}

	productRepo, err := firestoreRepo.NewProductRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise product repository", zap.Error(err))
	}
	userRepo, err := firestoreRepo.NewUserRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise user repository", zap.Error(err))
	}
	orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}

	paymentManager, err := newPaymentManager(logger, cfg)
	if err != nil {
		logger.Fatal("failed to initialise payment providers", zap.Error(err))
	}

	shippingClient, err := shipping.NewClient(shipping.Config{
		BaseURL:     cfg.Shipping.BaseURL,
		APIKey:      cfg.Shipping.APIKey,
		ServiceTier: cfg.Shipping.ServiceTier,
		Timeout:     cfg.Shipping.Timeout,
	})
	if err != nil {
		logger.Fatal("failed to initialise shipping client", zap.Error(err))
	}

	taxClient, err := tax.NewClient(tax.Config{
		BaseURL: cfg.Tax.BaseURL,
		APIKey:  cfg.Tax.APIKey,
		Timeout: cfg.Tax.Timeout,
	})
	if err != nil {
		logger.Fatal("failed to initialise tax client", zap.Error(err))
	}

	feeCalculator, err := services.NewFeeCalculator(services.FeeCalculatorDeps{
		Tax: taxClient,
		Schedule: services.FeeSchedule{
			SellerRate:         cfg.Fees.SellerRate,
			TransferRate:       cfg.Fees.TransferRate,
			SellerFloor:        cfg.Fees.SellerFloor,
			SellerTierMinPrice: cfg.Fees.SellerTierMinPrice,
		},
		NexusStates: cfg.Tax.NexusStates,
	})
	if err != nil {
		logger.Fatal("failed to initialise fee calculator", zap.Error(err))
	}

	orderNumbers, err := services.NewOrderNumberGenerator(services.OrderNumberGeneratorDeps{
		Lookup:      orderRepo,
		Clock:       time.Now,
		MaxAttempts: cfg.Orders.OrderNumberAttempts,
	})
	if err != nil {
		logger.Fatal("failed to initialise order number generator", zap.Error(err))
	}

	purchaseService, err := services.NewPurchaseService(services.PurchaseServiceDeps{
		Products:            productRepo,
		Users:               userRepo,
		Orders:              orderRepo,
		Shipping:            shippingClient,
		Payments:            paymentManager,
		Tax:                 taxClient,
		Fees:                feeCalculator,
		OrderNumbers:        orderNumbers,
		Events:              eventPublisher,
		Currency:            cfg.Orders.Currency,
		VerifyPaymentMethod: true,
		Clock:               time.Now,
		Logger:              observability.NewEventLogger(logger.Named("purchase")),
	})
	if err != nil {
		logger.Fatal("failed to initialise purchase service", zap.Error(err))
	}

	fulfillmentService, err := services.NewFulfillmentService(services.FulfillmentServiceDeps{
		Orders: orderRepo,
		Events: eventPublisher,
		Clock:  time.Now,
		Logger: observability.NewEventLogger(logger.Named("fulfillment")),
	})
	if err != nil {
		logger.Fatal("failed to initialise fulfillment service", zap.Error(err))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:   orderRepo,
		Products: productRepo,
		Users:    userRepo,
		Payments: paymentManager,
		Events:   eventPublisher,
		Clock:    time.Now,
		Logger:   observability.NewEventLogger(logger.Named("orders")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	shippingService, err := services.NewShippingService(services.ShippingServiceDeps{
		Products: productRepo,
		Users:    userRepo,
		Gateway:  shippingClient,
		Logger:   observability.NewEventLogger(logger.Named("shipping")),
	})
	if err != nil {
		logger.Fatal("failed to initialise shipping service", zap.Error(err))
	}

	systemService, err := newSystemService(firestoreProvider, orderTopic, fetcher, buildInfo)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreProvider)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	var cleanupTicker *time.Ticker
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupTicker = time.NewTicker(cfg.Idempotency.CleanupInterval)
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			cleanupLogger := logger.Named("idempotency")
			for {
				select {
				case <-cleanupTicker.C:
					runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
					removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithAuthLogger(logger.Named("auth")))

	orderHandlers := handlers.NewOrderHandlers(authenticator, purchaseService, orderService,
		handlers.WithPurchaseIdempotency(idempotencyMiddleware),
	)
	shippingHandlers := handlers.NewShippingHandlers(authenticator, shippingService,
		handlers.WithPreviewRateLimit(previewRateLimit, previewRateWindow, time.Now),
	)
	webhookHandlers := handlers.NewShipmentWebhookHandlers(fulfillmentService)
	internalHandlers := handlers.NewInternalOrderHandlers(orderService)

	projectID := traceProjectID(cfg)
	routerOpts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger),
			observability.RequestLoggerMiddleware(projectID),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthSystemService(systemService),
			handlers.WithHealthBuildInfo(buildInfo),
		)),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithShippingRoutes(shippingHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithWebhookMiddlewares(auth.RequireQuerySecret(cfg.Shipping.WebhookSecret)),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if oidc := buildOIDCMiddleware(logger.Named("auth"), cfg); oidc != nil {
		routerOpts = append(routerOpts, handlers.WithInternalMiddlewares(oidc))
	} else {
		logger.Warn("auth: OIDC not configured; internal routes are disabled")
	}
	router := handlers.NewRouter(routerOpts...)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("marketplace api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

// newPubSubClient dials Pub/Sub, or the emulator when one is configured.
func newPubSubClient(ctx context.Context, cfg config.PubSubConfig) (*pubsub.Client, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, errors.New("pubsub: project id is required")
	}
	var opts []option.ClientOption
	if host := strings.TrimSpace(cfg.EmulatorURL); host != "" {
		opts = append(opts,
			option.WithEndpoint(host),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	return pubsub.NewClient(ctx, projectID, opts...)
}

func newPaymentManager(logger *zap.Logger, cfg config.Config) (*payments.Manager, error) {
	// Stripe's own retries are disabled; the purchase flow decides what may be repeated.
	retries := int64(0)
	httpClient := &http.Client{Timeout: cfg.Stripe.Timeout}
	backendConfig := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: &retries,
	}
	provider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey: cfg.Stripe.APIKey,
		Backends: &stripe.Backends{
			API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig),
			Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig),
			Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig),
		},
		Logger: payments.StripeLogger(observability.NewEventLogger(logger.Named("stripe"))),
		Clock:  time.Now,
	})
	if err != nil {
		return nil, err
	}
	return payments.NewManager(map[string]payments.Provider{"stripe": provider},
		payments.WithDefaultProvider("stripe"),
	)
}

func newSystemService(provider *pfirestore.Provider, topic *pubsub.Topic, fetcher *secrets.Fetcher, build services.BuildInfo) (services.SystemService, error) {
	checks := make([]repositories.DependencyCheck, 0, 3)
	if provider != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check:   provider.Ping,
		})
	}
	if topic != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s does not exist", topic.ID())
				}
				return nil
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	repo, err := repositories.NewDependencyHealthRepository(checks, time.Now)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            build,
		Critical:         []string{"firestore", "pubsub"},
	})
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(logger))
	opts := []auth.OIDCOption{auth.WithOIDCLogger(logger)}
	if recorder, err := oidcRecorder(otel.Meter(meterName)); err != nil {
		logger.Warn("auth: oidc metrics disabled", zap.Error(err))
	} else {
		opts = append(opts, auth.WithOIDCRecorder(recorder))
	}
	validator := auth.NewOIDCValidator(cache, opts...)

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	issuers := cfg.Security.OIDC.Issuers
	if len(issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, issuers)
}

func oidcRecorder(meter metric.Meter) (auth.VerificationRecorder, error) {
	verifications, err := meter.Int64Counter("auth.oidc.verifications",
		metric.WithDescription("OIDC token verifications on internal routes"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("auth.oidc.latency",
		metric.WithDescription("OIDC verification latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, success bool, reason string, elapsed time.Duration) {
		attrs := metric.WithAttributes(
			attribute.Bool("success", success),
			attribute.String("reason", reason),
		)
		verifications.Add(ctx, 1, attrs)
		latency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}, nil
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
		secrets.WithMeter(otel.Meter(meterName)),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames() []string {
	return []string{
		"Stripe.APIKey",
		"Shipping.APIKey",
		"Shipping.WebhookSecret",
		"Tax.APIKey",
	}
}
