package observability

import (
	"context"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Digi9ReachInfoSystems/returns-api/internal/platform/auth"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/platform/httpx"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/platform/requestctx"
)

func orNoop(next http.Handler) http.Handler {
	if next != nil {
		return next
	}
	return http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
}

// InjectLoggerMiddleware puts the base logger on every request context so
// handlers and the request logger below can enrich it.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		next = orNoop(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestctx.WithLogger(r.Context(), logger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestLogger enriches the context logger with the per-request fields Cloud
// Logging keys on.
func requestLogger(ctx context.Context, r *http.Request, route string) *zap.Logger {
	traceInfo, _ := requestctx.Trace(ctx)
	fields := []zap.Field{
		zap.String("request_id", middleware.GetReqID(ctx)),
		zap.String("method", SanitizeMethod(r.Method)),
		zap.String("route", SanitizeRoute(route)),
		zap.String("trace_id", traceInfo.TraceID),
		zap.String("user_id", callerUID(ctx)),
	}
	if traceResource := cloudTraceResource(traceInfo); traceResource != "" {
		fields = append(fields, zap.String("logging.googleapis.com/trace", traceResource))
	}
	if ip := clientIP(r); ip != "" {
		fields = append(fields, zap.String("remote_ip", ip))
	}
	return withRequestFields(requestctx.Logger(ctx), fields...)
}

// RequestLoggerMiddleware logs request start and completion with the
// structured fields Cloud Logging expects, and mirrors the outcome onto the
// active trace span.
func RequestLoggerMiddleware(projectID string) func(http.Handler) http.Handler {
	_ = projectID // the trace middleware stamps the project onto the context
	return func(next http.Handler) http.Handler {
		next = orNoop(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			route := requestRoute(r)
			logger := requestLogger(ctx, r, route)

			ctx = requestctx.WithLogger(ctx, logger)
			r = r.WithContext(ctx)

			recorder := wrapWriter(w)
			start := time.Now()
			logger.Info("request started")

			var panicked bool
			defer func() {
				status := recorder.Status()
				if panicked && status < http.StatusInternalServerError {
					status = http.StatusInternalServerError
				}

				finishSpan(ctx, route, status)
				completionLog(logger, panicked, status)("request completed",
					zap.Int("status", status),
					zap.Duration("latency", time.Since(start)),
					zap.Int64("bytes", recorder.BytesWritten()),
				)
			}()

			defer func() {
				if rec := recover(); rec != nil {
					panicked = true
					panic(rec)
				}
			}()

			next.ServeHTTP(recorder, r)
		})
	}
}

// finishSpan mirrors the response outcome onto the active span.
func finishSpan(ctx context.Context, route string, status int) {
	span := trace.SpanFromContext(ctx)
	if span == nil {
		return
	}

	attrs := []attribute.KeyValue{semconv.HTTPResponseStatusCode(status)}
	if route != "" {
		attrs = append(attrs, semconv.HTTPRoute(SanitizeRoute(route)))
	}
	span.SetAttributes(attrs...)

	outcome := codes.Ok
	if status >= http.StatusInternalServerError {
		outcome = codes.Error
	}
	span.SetStatus(outcome, http.StatusText(status))
}

func completionLog(logger *zap.Logger, panicked bool, status int) func(string, ...zap.Field) {
	switch {
	case panicked || status >= http.StatusInternalServerError:
		return logger.Error
	case status >= http.StatusBadRequest:
		return logger.Warn
	default:
		return logger.Info
	}
}

// RecoveryMiddleware turns panics into logged 500 responses.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		next = orNoop(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					ctx := r.Context()
					recoveryLogger(ctx, fallback).Error("panic recovered",
						zap.Any("panic", rec),
						zap.ByteString("stack", debug.Stack()),
					)
					httpx.WriteError(ctx, w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func recoveryLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := requestctx.Logger(ctx)
	if logger != nil && logger != requestctx.NoopLogger() {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return requestctx.NoopLogger()
}

func callerUID(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
		return SanitizeUserID(identity.UID)
	}
	return ""
}

func requestRoute(r *http.Request) string {
	if r == nil {
		return "/"
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	if r.URL == nil || r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return sanitizeString(addr, 64)
}

func cloudTraceResource(info requestctx.TraceInfo) string {
	if info.ProjectID == "" || info.TraceID == "" {
		return ""
	}
	return "projects/" + info.ProjectID + "/traces/" + info.TraceID
}

// statusWriter captures the status code and byte count for the completion
// log line while passing writes straight through.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written int64
}

func wrapWriter(w http.ResponseWriter) *statusWriter {
	return &statusWriter{ResponseWriter: w, code: http.StatusOK}
}

func (sw *statusWriter) WriteHeader(status int) {
	if status < 100 {
		status = http.StatusOK
	}
	sw.code = status
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	n, err := sw.ResponseWriter.Write(b)
	sw.written += int64(n)
	return n, err
}

func (sw *statusWriter) Status() int {
	if sw.code == 0 {
		return http.StatusOK
	}
	return sw.code
}

func (sw *statusWriter) BytesWritten() int64 {
	return sw.written
}
