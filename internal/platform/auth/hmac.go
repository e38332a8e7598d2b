package auth

import (
	"bytes"
	"cmp"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	hmacSignatureHeader = "X-Signature"
	hmacTimestampHeader = "X-Signature-Timestamp"
	hmacNonceHeader     = "X-Signature-Nonce"

	hmacClockSkew = 5 * time.Minute
	hmacNonceTTL  = 5 * time.Minute
)

// Logger captures the minimal logging contract used by the auth package.
type Logger interface {
	Printf(format string, args ...any)
}

// SecretProvider resolves the shared secrets HMAC signatures are verified against.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to the SecretProvider interface.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// NonceStore tracks nonces per signing scope so a captured carrier callback
// cannot be replayed within the signature window.
type NonceStore interface {
	// UseNonce records the nonce if it has not been seen before within the
	// scope. The boolean reports whether the nonce was stored (true) or had
	// already been used (false).
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore is a process-local nonce registry. Carrier retries land
// on the same instance in this deployment, so per-process replay tracking is
// sufficient.
type InMemoryNonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewInMemoryNonceStore constructs the store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{seen: make(map[string]time.Time)}
}

// sweep drops entries whose expiry has passed. Caller holds the lock.
func (s *InMemoryNonceStore) sweep(now time.Time) {
	for key, expiry := range s.seen {
		if expiry.Before(now) {
			delete(s.seen, key)
		}
	}
}

// UseNonce records the nonce until the given expiry. A false return means the
// nonce was already spent inside its window.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.sweep(now)
	if expiry.Before(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}

	key := scope + "::" + nonce
	previous, replay := s.seen[key]
	if replay && previous.After(now) {
		return false, nil
	}
	s.seen[key] = expiry
	return true, nil
}

// HMACValidator verifies signed requests from external integrations: carrier
// webhooks and the scheduler that drives internal sweeps.
type HMACValidator struct {
	provider SecretProvider
	nonces   NonceStore

	logger Logger
	now    func() time.Time

	signatureHeader, timestampHeader, nonceHeader string

	clockSkew, nonceTTL time.Duration

	secretCache sync.Map
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// NewHMACValidator builds a validator around the secret provider and nonce store.
func NewHMACValidator(provider SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{provider: provider, nonces: nonces}
	v.logger, v.now = log.Default(), time.Now
	v.signatureHeader, v.timestampHeader, v.nonceHeader = hmacSignatureHeader, hmacTimestampHeader, hmacNonceHeader
	v.clockSkew, v.nonceTTL = hmacClockSkew, hmacNonceTTL

	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

func replaceIfSet(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

// WithHMACLogger routes validator diagnostics through the given logger.
func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACClock swaps the time source, used by tests to pin the skew window.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders renames the signature, timestamp and nonce headers.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		replaceIfSet(&v.signatureHeader, signature)
		replaceIfSet(&v.timestampHeader, timestamp)
		replaceIfSet(&v.nonceHeader, nonce)
	}
}

// WithHMACClockSkew widens or narrows the accepted timestamp window.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithHMACNonceTTL controls how long spent nonces are remembered.
func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// signedRequest collects the signature material extracted from the headers
// and body of an incoming webhook call.
type signedRequest struct {
	signature    []byte
	timestamp    time.Time
	rawTimestamp string
	nonce        string
	body         []byte
}

// rejection pairs the HTTP status with the machine-readable error code sent
// back to the caller. A non-nil cause is logged but never exposed.
type rejection struct {
	status  int
	code    string
	message string
	cause   error
}

func unavailable(message string, cause error) *rejection {
	return &rejection{http.StatusServiceUnavailable, "verification_unavailable", message, cause}
}

func unauthorized(code, message string) *rejection {
	return &rejection{http.StatusUnauthorized, code, message, nil}
}

func (v *HMACValidator) extractSigned(r *http.Request) (signedRequest, *rejection) {
	var signed signedRequest

	rawSignature := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	if rawSignature == "" {
		return signed, unauthorized("signature_missing", "signature header missing")
	}

	signed.rawTimestamp = strings.TrimSpace(r.Header.Get(v.timestampHeader))
	if signed.rawTimestamp == "" {
		return signed, unauthorized("timestamp_missing", "signature timestamp missing")
	}

	timestamp, err := parseTimestamp(signed.rawTimestamp)
	if err != nil {
		return signed, unauthorized("timestamp_invalid", "signature timestamp invalid")
	}
	signed.timestamp = timestamp

	if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return signed, unauthorized("timestamp_skew", "signature timestamp outside allowed window")
	}

	signed.nonce = strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if signed.nonce == "" {
		return signed, unauthorized("nonce_missing", "signature nonce missing")
	}

	signed.body, err = drainBody(r)
	if err != nil {
		return signed, &rejection{http.StatusBadRequest, "invalid_body", "unable to read body for signature verification", nil}
	}

	signed.signature, err = parseSignature(rawSignature)
	if err != nil {
		return signed, unauthorized("signature_invalid", "signature encoding invalid")
	}

	return signed, nil
}

// verify runs the full signature check for one request. A nil return means
// the caller may proceed to the protected handler.
func (v *HMACValidator) verify(r *http.Request, scope string) *rejection {
	if scope == "" {
		return unavailable("hmac secret not configured", nil)
	}

	secret, err := v.secretFor(r.Context(), scope)
	if err != nil {
		return unavailable("hmac secret unavailable", fmt.Errorf("auth: hmac secret lookup failed: %w", err))
	}

	signed, rej := v.extractSigned(r)
	if rej != nil {
		return rej
	}

	expected := sign(secret, signingString(r, signed.body, signed.rawTimestamp, signed.nonce))
	if !hmac.Equal(signed.signature, expected) {
		return unauthorized("signature_mismatch", "signature verification failed")
	}

	if v.nonces == nil {
		return unavailable("nonce store unavailable", nil)
	}

	// Nonces outlive the signature window slightly so a replay right at the
	// edge is still caught.
	expiry := signed.timestamp.Add(v.nonceTTL)
	if expiry.Before(v.now()) {
		expiry = v.now().Add(v.nonceTTL)
	}

	stored, err := v.nonces.UseNonce(r.Context(), scope, signed.nonce, expiry)
	if err != nil {
		return unavailable("nonce storage error", fmt.Errorf("auth: nonce store error: %w", err))
	}
	if !stored {
		return unauthorized("nonce_replay", "duplicate signature nonce")
	}
	return nil
}

func (v *HMACValidator) reject(w http.ResponseWriter, rej *rejection) {
	if rej.cause != nil && v.logger != nil {
		v.logger.Printf("%v", rej.cause)
	}
	respondAuthError(w, rej.status, rej.code, rej.message)
}

// RequireHMAC enforces a valid signature against the named secret.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	scope := strings.TrimSpace(secretName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rej := v.verify(r, scope); rej != nil {
				v.reject(w, rej)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireHMACResolver selects the signing secret per request, so one webhook
// group can serve multiple carriers with distinct secrets.
func (v *HMACValidator) RequireHMACResolver(resolver func(*http.Request) (string, bool)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if resolver == nil {
				v.reject(w, unavailable("hmac secret resolver not configured", nil))
				return
			}

			secretName, ok := resolver(r)
			if !ok || strings.TrimSpace(secretName) == "" {
				v.reject(w, unauthorized("unknown_provider", "webhook provider not recognised"))
				return
			}

			v.RequireHMAC(secretName)(next).ServeHTTP(w, r)
		})
	}
}

func (v *HMACValidator) secretFor(ctx context.Context, name string) ([]byte, error) {
	if v == nil || v.provider == nil {
		return nil, errors.New("auth: secret provider not configured")
	}

	cached, _ := v.secretCache.Load(name)
	if secret, ok := cached.([]byte); ok && len(secret) > 0 {
		return secret, nil
	}

	raw, err := v.provider.GetSecret(ctx, name)
	switch {
	case err != nil:
		return nil, err
	case raw == "":
		return nil, errors.New("auth: secret is empty")
	}

	secret := []byte(raw)
	v.secretCache.Store(name, secret)
	return secret, nil
}

// drainBody reads the request body and replaces it so the downstream handler
// still sees the payload.
func drainBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}

	buf, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func parseSignature(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	for _, decode := range []func(string) ([]byte, error){base64.StdEncoding.DecodeString, hex.DecodeString} {
		if decoded, err := decode(value); err == nil {
			return decoded, nil
		}
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

// parseTimestamp accepts RFC 3339 and Unix seconds, the formats carriers
// actually send.
func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("auth: timestamp empty")
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}

	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
	}
	return time.Unix(seconds, 0).UTC(), nil
}

// signingString pins method, path, timestamp, nonce and a body digest under
// the signature so none of them can be swapped after signing.
func signingString(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := cmp.Or(r.URL.EscapedPath(), "/")
	digest := sha256.Sum256(body)

	parts := []string{strings.ToUpper(r.Method), path, timestamp, nonce, hex.EncodeToString(digest[:])}
	return []byte(strings.Join(parts, "\n"))
}

func sign(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return mac.Sum(nil)
}
