package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile               = ".env"
	defaultPort                  = "8080"
	defaultReadTimeout           = 15 * time.Second
	defaultWriteTimeout          = 30 * time.Second
	defaultIdleTimeout           = 120 * time.Second
	defaultRateLimitDefault      = 120
	defaultRateLimitAuth         = 240
	defaultRateLimitWebhookBurst = 60
	defaultSecurityEnvironment   = "local"
	defaultHMACSignatureHeader   = "X-Signature"
	defaultHMACTimestampHeader   = "X-Signature-Timestamp"
	defaultHMACNonceHeader       = "X-Signature-Nonce"
	defaultHMACClockSkew         = 5 * time.Minute
	defaultHMACNonceTTL          = 5 * time.Minute
	defaultIdempotencyHeader     = "Idempotency-Key"
	defaultIdempotencyTTL        = 24 * time.Hour
	defaultIdempotencyInterval   = time.Hour
	defaultIdempotencyBatchSize  = 200
	defaultLogisticsPartner      = "bluedart"
	defaultNotificationTopic     = "return-events"
	defaultReturnWindowDays      = 7
	defaultDispatchStartHour     = 9
	defaultDispatchEndHour       = 18
	defaultSLAWarningLookahead   = 4 * time.Hour
	defaultSLASweepInterval      = time.Hour
	defaultSLASweepParallelism   = 8
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Firebase      FirebaseConfig
	Firestore     FirestoreConfig
	PSP           PSPConfig
	Logistics     LogisticsConfig
	Geocoder      GeocoderConfig
	Notifications NotificationConfig
	Returns       ReturnsConfig
	SLA           SLAConfig
	RateLimits    RateLimitConfig
	Security      SecurityConfig
	Idempotency   IdempotencyConfig
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

// PSPConfig collects credentials for payment providers.
type PSPConfig struct {
	RazorpayKeyID     string
	RazorpayKeySecret string
	// RazorpayAccountNumber is the RazorpayX virtual account payouts draw from.
	RazorpayAccountNumber string
	StripeAPIKey          string
	DefaultProvider       string
}

// LogisticsConfig points at the reverse-logistics aggregator.
type LogisticsConfig struct {
	BaseURL string
	APIKey  string
	Partner string
}

// GeocoderConfig points at the address resolution service.
type GeocoderConfig struct {
	BaseURL   string
	UserAgent string
}

// NotificationConfig names the Pub/Sub topic lifecycle events are published to.
type NotificationConfig struct {
	ProjectID string
	Topic     string
}

// ReturnsConfig holds return eligibility parameters.
type ReturnsConfig struct {
	WindowDays int
	// Fallback coordinates are used when geocoding a pickup address fails.
	FallbackLatitude  float64
	FallbackLongitude float64
}

// SLAConfig holds dispatch deadline and sweep parameters.
type SLAConfig struct {
	// Dispatch window hours are interpreted in UTC; the end hour is exclusive.
	DispatchStartHour int
	DispatchEndHour   int
	WarningLookahead  time.Duration
	SweepInterval     time.Duration
	SweepParallelism  int
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	DefaultPerMinute       int
	AuthenticatedPerMinute int
	WebhookBurst           int
}

// SecurityConfig groups webhook authentication settings.
type SecurityConfig struct {
	Environment string
	HMAC        HMACConfig
}

// HMACConfig captures webhook signing expectations keyed by caller name.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError reports configuration fields that are absent or out of range.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the offending field names.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
// Error output carries only hashed identifiers so the real secret names stay out
// of crash logs.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

func (e *MissingSecretsError) Error() string {
	redacted := e.RedactedNames()
	if len(redacted) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(redacted, ", "))
}

// RedactedNames returns the hashed secret identifiers, sorted.
func (e *MissingSecretsError) RedactedNames() []string {
	return e.collect(func(s missingSecret) string { return s.redacted })
}

// Names returns the underlying secret identifiers, sorted.
func (e *MissingSecretsError) Names() []string {
	return e.collect(func(s missingSecret) string { return s.name })
}

func (e *MissingSecretsError) collect(pick func(missingSecret) string) []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, pick(secret))
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loader)

// loader accumulates the sources Load reads from. Precedence is fixed:
// explicit map beats OS environment beats dotenv file.
type loader struct {
	envFile               string
	overrides             map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// lookupFunc reports the raw value for an environment key, if any source set it.
type lookupFunc func(key string) (string, bool)

func newLoader(opts []Option) loader {
	l := loader{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&l)
	}
	return l
}

func (l *loader) lookup(fileValues map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		if l.overrides != nil {
			if value, ok := l.overrides[key]; ok {
				return value, true
			}
		}
		if l.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if fileValues != nil {
			if value, ok := fileValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}
}

// EnvironmentValues returns the flattened key/value environment after applying
// the same precedence rules as Load. The secrets fetcher uses it to learn the
// Secret Manager project before Load itself runs.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	l := newLoader(opts)

	fileValues, err := readDotEnv(l.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	for key, value := range fileValues {
		values[key] = value
	}
	if l.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				continue
			}
			values[key] = value
		}
	}
	for key, value := range l.overrides {
		values[key] = value
	}

	return values, nil
}

// WithEnvFile points the loader at a different dotenv file.
func WithEnvFile(path string) Option {
	return func(l *loader) {
		l.envFile = path
	}
}

// WithEnvMap supplies explicit key/value pairs that win over every other
// source.
func WithEnvMap(values map[string]string) Option {
	return func(l *loader) {
		l.overrides = values
	}
}

// WithoutSystemEnv ignores the process environment, so only WithEnvMap and
// the dotenv file feed the loader.
func WithoutSystemEnv() Option {
	return func(l *loader) {
		l.useSystemEnv = false
	}
}

// WithSecretResolver installs the resolver used for secret:// and sm://
// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(l *loader) {
		l.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers should match the config field names recorded by the loader
// (e.g. "PSP.RazorpayKeySecret" or "Security.HMAC.Secrets[logistics]").
func WithRequiredSecrets(names ...string) Option {
	return func(l *loader) {
		l.requiredSecrets = append(l.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(l *loader) {
		l.panicOnMissingSecrets = true
	}
}

// Load assembles the application configuration from defaults, a dotenv file,
// environment variables and optional Secret Manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	l := newLoader(opts)
	if l.secret == nil {
		l.secret = SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		})
	}

	fileValues, err := readDotEnv(l.envFile)
	if err != nil {
		return Config{}, err
	}
	env := l.lookup(fileValues)

	cfg := Config{
		Server: ServerConfig{
			Port:         envStr(env, "RETURNS_SERVER_PORT", defaultPort),
			ReadTimeout:  envDuration(env, "RETURNS_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: envDuration(env, "RETURNS_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  envDuration(env, "RETURNS_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       envStr(env, "RETURNS_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: envStr(env, "RETURNS_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    envStr(env, "RETURNS_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: envStr(env, "RETURNS_FIRESTORE_EMULATOR_HOST", ""),
		},
		PSP: PSPConfig{
			RazorpayKeyID:         envStr(env, "RETURNS_PSP_RAZORPAY_KEY_ID", ""),
			RazorpayKeySecret:     envStr(env, "RETURNS_PSP_RAZORPAY_KEY_SECRET", ""),
			RazorpayAccountNumber: envStr(env, "RETURNS_PSP_RAZORPAY_ACCOUNT_NUMBER", ""),
			StripeAPIKey:          envStr(env, "RETURNS_PSP_STRIPE_API_KEY", ""),
			DefaultProvider:       strings.ToLower(envStr(env, "RETURNS_PSP_DEFAULT_PROVIDER", "razorpay")),
		},
		Logistics: LogisticsConfig{
			BaseURL: envStr(env, "RETURNS_LOGISTICS_BASE_URL", ""),
			APIKey:  envStr(env, "RETURNS_LOGISTICS_API_KEY", ""),
			Partner: envStr(env, "RETURNS_LOGISTICS_PARTNER", defaultLogisticsPartner),
		},
		Geocoder: GeocoderConfig{
			BaseURL:   envStr(env, "RETURNS_GEOCODER_BASE_URL", ""),
			UserAgent: envStr(env, "RETURNS_GEOCODER_USER_AGENT", "returns-api"),
		},
		Notifications: NotificationConfig{
			ProjectID: envStr(env, "RETURNS_NOTIFICATIONS_PROJECT_ID", ""),
			Topic:     envStr(env, "RETURNS_NOTIFICATIONS_TOPIC", defaultNotificationTopic),
		},
		Returns: ReturnsConfig{
			WindowDays:        envInt(env, "RETURNS_WINDOW_DAYS", defaultReturnWindowDays),
			FallbackLatitude:  envFloat(env, "RETURNS_FALLBACK_LATITUDE", 0),
			FallbackLongitude: envFloat(env, "RETURNS_FALLBACK_LONGITUDE", 0),
		},
		SLA: SLAConfig{
			DispatchStartHour: envInt(env, "RETURNS_SLA_DISPATCH_START_HOUR", defaultDispatchStartHour),
			DispatchEndHour:   envInt(env, "RETURNS_SLA_DISPATCH_END_HOUR", defaultDispatchEndHour),
			WarningLookahead:  envDuration(env, "RETURNS_SLA_WARNING_LOOKAHEAD", defaultSLAWarningLookahead),
			SweepInterval:     envDuration(env, "RETURNS_SLA_SWEEP_INTERVAL", defaultSLASweepInterval),
			SweepParallelism:  envInt(env, "RETURNS_SLA_SWEEP_PARALLELISM", defaultSLASweepParallelism),
		},
		RateLimits: RateLimitConfig{
			DefaultPerMinute:       envInt(env, "RETURNS_RATELIMIT_DEFAULT_PER_MIN", defaultRateLimitDefault),
			AuthenticatedPerMinute: envInt(env, "RETURNS_RATELIMIT_AUTH_PER_MIN", defaultRateLimitAuth),
			WebhookBurst:           envInt(env, "RETURNS_RATELIMIT_WEBHOOK_BURST", defaultRateLimitWebhookBurst),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(envStr(env, "RETURNS_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			HMAC: HMACConfig{
				Secrets:         envPairs(env, "RETURNS_SECURITY_HMAC_SECRETS"),
				SignatureHeader: envStr(env, "RETURNS_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: envStr(env, "RETURNS_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     envStr(env, "RETURNS_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       envDuration(env, "RETURNS_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        envDuration(env, "RETURNS_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           envStr(env, "RETURNS_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              envDuration(env, "RETURNS_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  envDuration(env, "RETURNS_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: envInt(env, "RETURNS_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	// Firestore and Pub/Sub projects default to the Firebase project.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Notifications.ProjectID == "" {
		cfg.Notifications.ProjectID = cfg.Firebase.ProjectID
	}

	resolved := make(map[string]string)

	for caller, value := range cfg.Security.HMAC.Secrets {
		fieldName := fmt.Sprintf("Security.HMAC.Secrets[%s]", caller)
		secret, err := resolveSecretRef(ctx, value, l.secret)
		if err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[caller] = secret
		resolved[fieldName] = strings.TrimSpace(secret)
	}

	// PSP and logistics credentials may arrive as Secret Manager references.
	for _, target := range []struct {
		name  string
		field *string
	}{
		{"PSP.RazorpayKeySecret", &cfg.PSP.RazorpayKeySecret},
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"Logistics.APIKey", &cfg.Logistics.APIKey},
	} {
		secret, err := resolveSecretRef(ctx, *target.field, l.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = secret
		resolved[target.name] = strings.TrimSpace(secret)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	if missing := missingRequiredSecrets(l.requiredSecrets, resolved); missing != nil {
		if l.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecretRef(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !hasSecretScheme(value) {
		return value, nil
	}
	ref := canonicalSecretRef(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func (cfg Config) validate() error {
	dispatchOK := cfg.SLA.DispatchStartHour >= 0 && cfg.SLA.DispatchEndHour <= 24 &&
		cfg.SLA.DispatchStartHour < cfg.SLA.DispatchEndHour

	rules := []struct {
		field string
		ok    bool
	}{
		{"Server.Port", cfg.Server.Port != ""},
		{"Firebase.ProjectID", cfg.Firebase.ProjectID != ""},
		{"Firestore.ProjectID", cfg.Firestore.ProjectID != ""},
		{"Returns.WindowDays", cfg.Returns.WindowDays > 0},
		{"SLA.DispatchHours", dispatchOK},
		{"SLA.SweepParallelism", cfg.SLA.SweepParallelism > 0},
		{"Idempotency.Header", strings.TrimSpace(cfg.Idempotency.Header) != ""},
		{"Idempotency.TTL", cfg.Idempotency.TTL > 0},
		{"Idempotency.CleanupInterval", cfg.Idempotency.CleanupInterval > 0},
		{"Idempotency.CleanupBatchSize", cfg.Idempotency.CleanupBatchSize > 0},
	}

	var missing []string
	for _, rule := range rules {
		if !rule.ok {
			missing = append(missing, rule.field)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func missingRequiredSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []missingSecret
	seen := make(map[string]struct{}, len(required))
	for _, name := range required {
		name = strings.TrimSpace(name)
		_, dup := seen[name]
		if name == "" || dup {
			continue
		}
		seen[name] = struct{}{}

		if strings.TrimSpace(resolved[name]) == "" {
			missing = append(missing, missingSecret{name: name, redacted: redactSecretName(name)})
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func hasSecretScheme(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

// canonicalSecretRef folds the sm:// shorthand into the secret:// form the
// fetcher expects.
func canonicalSecretRef(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	raw, err := os.ReadFile(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}

	values := make(map[string]string)
	for _, line := range strings.Split(string(raw), "\n") {
		if key, value, ok := parseDotEnvLine(line); ok {
			values[key] = value
		}
	}
	return values, nil
}

// parseDotEnvLine understands KEY=value with optional export prefix, quotes
// and comment lines.
func parseDotEnvLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

	key, value, ok := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", "", false
	}
	return key, strings.Trim(strings.TrimSpace(value), "\"'"), true
}

func envStr(env lookupFunc, key, fallback string) string {
	if value, ok := env(key); ok && value != "" {
		return value
	}
	return fallback
}

func envDuration(env lookupFunc, key string, fallback time.Duration) time.Duration {
	value := envStr(env, key, "")
	if d, err := time.ParseDuration(value); value != "" && err == nil {
		return d
	}
	return fallback
}

func envInt(env lookupFunc, key string, fallback int) int {
	value := envStr(env, key, "")
	if parsed, err := strconv.Atoi(value); value != "" && err == nil {
		return parsed
	}
	return fallback
}

func envFloat(env lookupFunc, key string, fallback float64) float64 {
	value := envStr(env, key, "")
	if parsed, err := strconv.ParseFloat(value, 64); value != "" && err == nil {
		return parsed
	}
	return fallback
}

// envPairs parses "name=value,name=value" lists, as used for the per-caller
// webhook secret map. Names are lowercased so header lookups stay predictable.
func envPairs(env lookupFunc, key string) map[string]string {
	values := make(map[string]string)
	raw, ok := env(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return values
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, secret, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		secret = strings.TrimSpace(secret)
		if name == "" || secret == "" {
			continue
		}
		values[name] = secret
	}
	return values
}
