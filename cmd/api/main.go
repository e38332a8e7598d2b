package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Digi9ReachInfoSystems/returns-api/internal/di"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/geo"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/handlers"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/logistics"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/payments"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/platform/auth"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/platform/config"
	pfirestore "github.com/Digi9ReachInfoSystems/returns-api/internal/platform/firestore"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/platform/idempotency"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/platform/jobs"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/platform/observability"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/platform/secrets"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/repositories"
	firestoreRepo "github.com/Digi9ReachInfoSystems/returns-api/internal/repositories/firestore"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	rootLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger bootstrap failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = rootLogger.Sync() }()

	logger := rootLogger.Named("returns-api")
	ctx = observability.WithLogger(ctx, logger)

	env, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	secretFetcher, err := newSecretFetcher(ctx, logger, env)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := secretFetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(secretFetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(env)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(env, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer closeWithTimeout(logger, "firestore", firestoreProvider.Close)

	pubsubClient, err := pubsub.NewClient(ctx, cfg.Notifications.ProjectID)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()
	eventTopic := pubsubClient.Topic(cfg.Notifications.Topic)
	defer eventTopic.Stop()

	eventPublisher, err := jobs.NewPubSubReturnEventPublisher(eventTopic)
	if err != nil {
		logger.Fatal("failed to initialise event publisher", zap.Error(err))
	}

	healthRepo, err := newHealthRepository(firestoreClient, secretFetcher)
	if err != nil {
		logger.Fatal("failed to initialise health repository", zap.Error(err))
	}

	registry, err := firestoreRepo.NewRegistry(firestoreRepo.RegistryDeps{
		Provider: firestoreProvider,
		Health:   healthRepo,
	})
	if err != nil {
		logger.Fatal("failed to initialise repository registry", zap.Error(err))
	}

	productCatalog, err := firestoreRepo.NewProductCatalog(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise product catalog", zap.Error(err))
	}

	paymentsLogger := zapEventLogger(logger.Named("payments"))
	razorpayProvider, err := payments.NewRazorpayProvider(payments.RazorpayProviderConfig{
		KeyID:         cfg.PSP.RazorpayKeyID,
		KeySecret:     cfg.PSP.RazorpayKeySecret,
		AccountNumber: cfg.PSP.RazorpayAccountNumber,
		Logger:        paymentsLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise razorpay provider", zap.Error(err))
	}

	providers := map[string]payments.Provider{
		"razorpay": razorpayProvider,
	}
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) != "" {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: cfg.PSP.StripeAPIKey,
			Logger: paymentsLogger,
		})
		if err != nil {
			logger.Fatal("failed to initialise stripe provider", zap.Error(err))
		}
		providers["stripe"] = stripeProvider
	}

	paymentManager, err := payments.NewManager(providers,
		payments.WithDefaultProvider(cfg.PSP.DefaultProvider),
		payments.WithPayoutProvider(razorpayProvider),
	)
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	logisticsGateway, err := logistics.NewGateway(logistics.GatewayConfig{
		BaseURL: cfg.Logistics.BaseURL,
		APIKey:  cfg.Logistics.APIKey,
		Partner: cfg.Logistics.Partner,
		Logger:  zapEventLogger(logger.Named("logistics")),
	})
	if err != nil {
		logger.Fatal("failed to initialise logistics gateway", zap.Error(err))
	}

	geocoder, err := geo.NewGeocoder(geo.GeocoderConfig{
		BaseURL:   cfg.Geocoder.BaseURL,
		UserAgent: cfg.Geocoder.UserAgent,
		Logger:    zapEventLogger(logger.Named("geo")),
	})
	if err != nil {
		logger.Fatal("failed to initialise geocoder", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, registry, di.Deps{
		Catalog:   productCatalog,
		Payments:  paymentManager,
		Logistics: logisticsGateway,
		Geocoder:  geocoder,
		Events:    eventPublisher,
		Build:     buildInfo,
		Clock:     time.Now,
		Logger:    zapEventLogger(logger.Named("services")),
	})
	if err != nil {
		logger.Fatal("failed to assemble service container", zap.Error(err))
	}
	defer closeWithTimeout(logger, "container", container.Close)

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	backgroundCtx, stopBackground := context.WithCancel(context.Background())
	var background sync.WaitGroup

	cleanupTicker := startIdempotencyCleanup(backgroundCtx, &background, logger, idempotencyStore, cfg.Idempotency)
	sweepTicker := startSLASweeps(backgroundCtx, &background, logger, container.Services.SLA, cfg.SLA)

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithUserGetter(firebaseVerifier))

	hmacValidator := newHMACValidator(logger.Named("auth"), cfg)
	webhookMiddleware := buildWebhookMiddleware(hmacValidator, cfg)
	internalMiddleware := buildInternalMiddleware(hmacValidator, logger.Named("auth"), cfg)

	returnHandlers := handlers.NewReturnHandlers(authenticator, container.Services.Returns,
		handlers.WithRefundIdempotency(idempotencyMiddleware),
	)
	slaHandlers := handlers.NewSLAHandlers(authenticator, container.Services.SLA)
	webhookHandlers := handlers.NewWebhookHandlers(container.Services.Returns,
		handlers.WithWebhookRateLimit(cfg.RateLimits.WebhookBurst, time.Minute),
	)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithReturnRoutes(returnHandlers.Routes),
		handlers.WithSLARoutes(slaHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(slaHandlers.InternalRoutes),
	}
	if webhookMiddleware != nil {
		opts = append(opts, handlers.WithWebhookMiddlewares(webhookMiddleware))
	}
	if internalMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(internalMiddleware))
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handlers.NewRouter(opts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	httpLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		httpLogger.Info("returns api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("shutdown signal received; draining requests")

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	if sweepTicker != nil {
		sweepTicker.Stop()
	}
	stopBackground()
	background.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// startIdempotencyCleanup periodically prunes expired idempotency records so
// the collection does not grow without bound.
func startIdempotencyCleanup(ctx context.Context, wg *sync.WaitGroup, logger *zap.Logger, store *idempotency.FirestoreStore, cfg config.IdempotencyConfig) *time.Ticker {
	if cfg.CleanupInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(cfg.CleanupInterval)
	cleanupLogger := logger.Named("idempotency")
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(ctx, time.Minute)
				removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
				cancel()
				if err != nil {
					cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return ticker
}

// startSLASweeps drives the periodic dispatch deadline sweep across open
// orders. Sweeps also run via /internal when triggered by the scheduler.
func startSLASweeps(ctx context.Context, wg *sync.WaitGroup, logger *zap.Logger, sla services.SLAService, cfg config.SLAConfig) *time.Ticker {
	if cfg.SweepInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(cfg.SweepInterval)
	sweepLogger := logger.Named("sla")
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
				result, err := sla.Sweep(runCtx, services.SLASweepCommand{
					Parallelism: cfg.SweepParallelism,
				})
				cancel()
				if err != nil {
					sweepLogger.Error("sla sweep error", zap.Error(err))
					continue
				}
				sweepLogger.Info("sla sweep completed",
					zap.Int("ordersChecked", result.OrdersChecked),
					zap.Int("violationsCreated", result.ViolationsCreated),
					zap.Int("failures", len(result.Failures)),
				)
				for _, failure := range result.Failures {
					sweepLogger.Warn("sla sweep order failed",
						zap.String("orderId", failure.OrderID),
						zap.Error(failure.Err),
					)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return ticker
}

// zapEventLogger adapts a zap logger to the event callback signature the
// service and gateway layers accept.
func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("event", zFields...)
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	return services.BuildInfo{
		Version:     firstNonEmpty(env["RETURNS_BUILD_VERSION"], "dev"),
		CommitSHA:   firstNonEmpty(env["RETURNS_BUILD_COMMIT_SHA"], "unknown"),
		Environment: firstNonEmpty(cfg.Security.Environment, "local"),
		StartedAt:   started,
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func newHealthRepository(client *firestore.Client, fetcher *secrets.Fetcher) (repositories.HealthRepository, error) {
	var checks []repositories.DependencyCheck
	if client != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check:   firestoreReachable(client),
		})
	}
	if fetcher != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check:   secretManagerReachable(fetcher),
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func firestoreReachable(client *firestore.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := client.Collections(ctx).Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		return err
	}
}

func secretManagerReachable(fetcher *secrets.Fetcher) func(context.Context) error {
	const healthSecretRef = "secret://system/healthz?version=latest"
	return func(ctx context.Context) error {
		_, err := fetcher.Resolve(ctx, healthSecretRef)
		// The health secret does not need to exist; reaching the API is enough.
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			return nil
		}
		return err
	}
}

func newHMACValidator(logger *zap.Logger, cfg config.Config) *auth.HMACValidator {
	secretValues := lowercaseKeys(cfg.Security.HMAC.Secrets)
	if len(secretValues) == 0 {
		return nil
	}

	hmacCfg := cfg.Security.HMAC
	return auth.NewHMACValidator(
		configuredSecretProvider{secrets: secretValues},
		auth.NewInMemoryNonceStore(),
		auth.WithHMACLogger(observability.NewPrintfAdapter(logger)),
		auth.WithHMACHeaders(hmacCfg.SignatureHeader, hmacCfg.TimestampHeader, hmacCfg.NonceHeader),
		auth.WithHMACClockSkew(hmacCfg.ClockSkew),
		auth.WithHMACNonceTTL(hmacCfg.NonceTTL),
	)
}

// buildWebhookMiddleware resolves the signing secret from the webhook path, so
// /webhooks/logistics verifies against the "logistics" secret.
func buildWebhookMiddleware(validator *auth.HMACValidator, cfg config.Config) func(http.Handler) http.Handler {
	if validator == nil {
		return nil
	}
	secretValues := lowercaseKeys(cfg.Security.HMAC.Secrets)
	return validator.RequireHMACResolver(webhookSecretResolver(secretValues))
}

// buildInternalMiddleware guards the /internal group with the "internal" HMAC
// secret. The scheduler that triggers sweeps signs its requests with it.
func buildInternalMiddleware(validator *auth.HMACValidator, logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if validator == nil {
		return nil
	}
	secretValues := lowercaseKeys(cfg.Security.HMAC.Secrets)
	if strings.TrimSpace(secretValues["internal"]) == "" {
		logger.Warn("internal HMAC secret not configured; internal routes left unguarded")
		return nil
	}
	return validator.RequireHMAC("internal")
}

func lowercaseKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		if strings.TrimSpace(value) == "" {
			continue
		}
		out[strings.ToLower(key)] = value
	}
	return out
}

// configuredSecretProvider serves HMAC secrets straight from the loaded
// configuration. Secret Manager indirection already happened during Load.
type configuredSecretProvider struct {
	secrets map[string]string
}

func (p configuredSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	switch {
	case len(p.secrets) == 0:
		return "", errors.New("auth: hmac secrets not configured")
	case key == "":
		return "", errors.New("auth: secret name required")
	}

	secret := p.secrets[key]
	if secret == "" {
		return "", errors.New("auth: secret not found")
	}
	return secret, nil
}

// webhookSecretResolver maps /webhooks/<caller>/... paths onto secret names,
// trying the two-segment form first so carrier-specific secrets win over
// partner-wide ones.
func webhookSecretResolver(secretValues map[string]string) func(*http.Request) (string, bool) {
	return func(r *http.Request) (string, bool) {
		for _, candidate := range webhookSecretCandidates(r.URL.Path) {
			if secretValues[candidate] != "" {
				return candidate, true
			}
		}
		return "", false
	}
}

func webhookSecretCandidates(path string) []string {
	if idx := strings.Index(path, "/webhooks/"); idx >= 0 {
		path = path[idx+len("/webhooks/"):]
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return []string{"default"}
	}

	segments := strings.Split(path, "/")
	var candidates []string
	if len(segments) >= 2 {
		candidates = append(candidates, strings.ToLower(segments[0]+"/"+segments[1]))
	}
	return append(candidates, strings.ToLower(segments[0]), "default")
}

func traceProjectID(cfg config.Config) string {
	return firstNonEmpty(cfg.Firebase.ProjectID, cfg.Firestore.ProjectID)
}

// closeWithTimeout runs a shutdown hook with a bounded grace period.
func closeWithTimeout(logger *zap.Logger, name string, close func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := close(ctx); err != nil {
		logger.Warn(name+" close error", zap.Error(err))
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string { return strings.TrimSpace(env[key]) }

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithEnvironment(firstNonEmpty(strings.ToLower(lookup("RETURNS_SECURITY_ENVIRONMENT")), "local")),
		secrets.WithFallbackFile(firstNonEmpty(lookup("RETURNS_SECRET_FALLBACK_FILE"), ".secrets.local")),
	}
	if projectMap := parseCSVMap(env["RETURNS_SECRET_PROJECT_IDS"]); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if project := firstNonEmpty(lookup("RETURNS_SECRET_DEFAULT_PROJECT_ID"), lookup("RETURNS_FIREBASE_PROJECT_ID")); project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	}
	if pins := parseCSVMap(env["RETURNS_SECRET_VERSION_PINS"]); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if creds := lookup("RETURNS_FIREBASE_CREDENTIALS_FILE"); creds != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(creds)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets Load must have resolved before the
// service starts. Stripe and logistics credentials are only required when the
// corresponding integration is configured at all.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"PSP.RazorpayKeySecret"}
	if strings.TrimSpace(env["RETURNS_PSP_STRIPE_API_KEY"]) != "" {
		required = append(required, "PSP.StripeAPIKey")
	}
	if strings.TrimSpace(env["RETURNS_LOGISTICS_API_KEY"]) != "" {
		required = append(required, "Logistics.APIKey")
	}
	for caller := range parseCSVMap(env["RETURNS_SECURITY_HMAC_SECRETS"]) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", strings.ToLower(caller)))
	}
	return dedupeSorted(required)
}

func parseCSVMap(raw string) map[string]string {
	result := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(entry, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if ok && key != "" && value != "" {
			result[key] = value
		}
	}
	return result
}

func dedupeSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, value := range values {
		value = strings.TrimSpace(value)
		_, dup := seen[value]
		if value == "" || dup {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	slices.Sort(out)
	return out
}
