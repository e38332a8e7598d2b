package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Digi9ReachInfoSystems/returns-api/internal/platform/auth"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
)

// Logger is the minimal logging surface the middleware needs.
type Logger interface {
	Printf(format string, args ...any)
}

type clockFunc func() time.Time

type guardSettings struct {
	header string
	ttl    time.Duration
	clock  clockFunc
	logger Logger
}

// MiddlewareOption customises middleware behaviour.
type MiddlewareOption func(*guardSettings)

// WithHeader overrides the header carrying the idempotency key.
func WithHeader(name string) MiddlewareOption {
	return func(s *guardSettings) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			s.header = trimmed
		}
	}
}

// WithTTL sets how long completed records are retained.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(s *guardSettings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger injects a logger for persistence errors.
func WithLogger(logger Logger) MiddlewareOption {
	return func(s *guardSettings) {
		s.logger = logger
	}
}

// WithClock overrides the time source, primarily for testing.
func WithClock(clock clockFunc) MiddlewareOption {
	return func(s *guardSettings) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Middleware enforces idempotency on mutating requests. Clients retrying a
// return creation or a refund trigger replay the stored response instead of
// running the operation twice.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	guard := &keyGuard{
		store: store,
		guardSettings: guardSettings{
			header: defaultHeaderName,
			ttl:    DefaultTTL,
			clock:  time.Now,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&guard.guardSettings)
		}
	}

	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			guard.serve(next, w, r)
		})
	}
}

type keyGuard struct {
	store Store
	guardSettings
}

func (g *keyGuard) serve(next http.Handler, w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(g.header))
	if key == "" {
		writeGuardError(w, http.StatusBadRequest, "idempotency_key_required", "missing idempotency key header")
		return
	}

	body, err := bufferRequestBody(r)
	if err != nil {
		writeGuardError(w, http.StatusInternalServerError, "idempotency_read_body_failed", "unable to read request body")
		return
	}

	identity := requesterID(r.Context())
	fingerprint := requestFingerprint(r, body, identity)
	scoped := scopedKey(key, identity)

	reservation, err := g.store.Reserve(r.Context(), scoped, fingerprint, g.clock().UTC(), g.ttl)
	if err != nil {
		g.reserveFailed(w, err)
		return
	}

	switch reservation.State {
	case ReservationStateCompleted:
		replayStoredResponse(w, reservation.Record)
		return
	case ReservationStatePending:
		writeGuardError(w, http.StatusConflict, "idempotency_in_progress", "another request is processing this idempotency key")
		return
	case ReservationStateNew:
		// First time through, run the handler.
	default:
		writeGuardError(w, http.StatusInternalServerError, "idempotency_unknown_state", "unexpected idempotency state")
		return
	}

	buffered := newBufferedResponse(w)
	next.ServeHTTP(buffered, r)

	captured := Response{
		Status:  buffered.Status(),
		Headers: buffered.HeaderSnapshot(),
		Body:    buffered.Body(),
	}
	if err := g.store.SaveResponse(r.Context(), scoped, fingerprint, captured, g.clock().UTC(), g.ttl); err != nil {
		g.logf("idempotency: failed to persist response for key %s (identity %s): %v", key, identity, err)
		if releaseErr := g.store.Release(r.Context(), scoped, fingerprint); releaseErr != nil {
			g.logf("idempotency: failed to release key %s after save failure: %v", key, releaseErr)
		}
		writeGuardError(w, http.StatusInternalServerError, "idempotency_store_error", "unable to persist idempotency state")
		return
	}

	if err := buffered.Commit(); err != nil {
		g.logf("idempotency: failed to flush response for key %s: %v", key, err)
	}
}

func (g *keyGuard) reserveFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrFingerprintMismatch) {
		writeGuardError(w, http.StatusConflict, "idempotency_key_conflict", "idempotency key already used for a different request")
		return
	}
	g.logf("idempotency: store error: %v", err)
	writeGuardError(w, http.StatusInternalServerError, "idempotency_store_error", "unable to process idempotency key")
}

func (g *keyGuard) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// bufferRequestBody consumes the body for fingerprinting and hands the
// handler a fresh reader over the same bytes.
func bufferRequestBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if err := r.Body.Close(); err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

// requestFingerprint binds the stored response to the exact request shape.
// A retry with the same key but a different target or payload is a conflict,
// not a replay.
func requestFingerprint(r *http.Request, body []byte, identity string) string {
	bodyDigest := ""
	if len(body) > 0 {
		bodyDigest = sha256Hex(body)
	}
	return sha256Hex([]byte(strings.Join([]string{
		strings.ToUpper(r.Method),
		r.URL.Path,
		r.URL.RawQuery,
		r.Host,
		r.Header.Get("Content-Type"),
		identity,
		bodyDigest,
	}, "|")))
}

// Keys are scoped per caller so two customers reusing the same client-side
// key value cannot replay each other's responses.
func requesterID(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && identity.UID != "" {
		return identity.UID
	}
	return "anonymous"
}

func scopedKey(key, identity string) string {
	key = strings.TrimSpace(key)
	if identity = strings.TrimSpace(identity); identity == "" {
		identity = "anonymous"
	}
	if key == "" {
		return identity
	}
	return key + "|" + identity
}

func replayStoredResponse(w http.ResponseWriter, record Record) {
	overwriteHeaders(w.Header(), headersFromRecord(record.ResponseHeaders))
	w.Header().Set(replayHeaderName, "true")

	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}

// overwriteHeaders replaces everything in dst with the headers from src.
func overwriteHeaders(dst, src http.Header) {
	for key := range dst {
		dst.Del(key)
	}
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func writeGuardError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Code    string `json:"error"`
		Message string `json:"message"`
	}{Code: code, Message: message})
}

// bufferedResponse buffers the handler's response so it can be persisted
// before anything reaches the wire. Commit replays it to the real writer.
type bufferedResponse struct {
	parent http.ResponseWriter
	header http.Header
	status int
	body   []byte
}

func newBufferedResponse(parent http.ResponseWriter) *bufferedResponse {
	return &bufferedResponse{parent: parent, header: http.Header{}}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if status <= 0 {
		status = http.StatusOK
	}
	b.status = status
}

func (b *bufferedResponse) Write(data []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	b.body = append(b.body, data...)
	return len(data), nil
}

func (b *bufferedResponse) Status() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedResponse) Body() []byte {
	if len(b.body) == 0 {
		return nil
	}
	return b.body
}

func (b *bufferedResponse) HeaderSnapshot() http.Header {
	snapshot := b.header.Clone()
	if snapshot == nil {
		snapshot = http.Header{}
	}
	return snapshot
}

func (b *bufferedResponse) Commit() error {
	overwriteHeaders(b.parent.Header(), b.header)
	b.parent.WriteHeader(b.Status())
	if len(b.body) == 0 {
		return nil
	}
	_, err := b.parent.Write(b.body)
	return err
}
