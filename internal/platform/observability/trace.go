package observability

import (
	"encoding/binary"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Digi9ReachInfoSystems/returns-api/internal/platform/requestctx"
)

const cloudTraceHeader = "X-Cloud-Trace-Context"

var tracer = otel.Tracer("github.com/Digi9ReachInfoSystems/returns-api/internal/platform/observability")

// cloudTraceContext is the decoded TRACE_ID/SPAN_ID;o=1 header.
type cloudTraceContext struct {
	traceID trace.TraceID
	spanID  trace.SpanID
	sampled bool
}

// TraceMiddleware reads the incoming Cloud Trace header, starts a server
// span, and stores the trace metadata on the request context so log lines
// can be correlated with traces.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		next = orNoop(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if parent, ok := parseCloudTrace(r.Header.Get(cloudTraceHeader)); ok {
				ctx = trace.ContextWithRemoteSpanContext(ctx, parent.spanContext())
			}

			ctx, span := tracer.Start(ctx, requestSpanName(r), trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()
			span.SetAttributes(requestSpanAttributes(r)...)

			info := traceInfoFromSpan(span, projectID)
			ctx = requestctx.WithTrace(ctx, info)

			if echoed := encodeTraceHeader(info); echoed != "" {
				w.Header().Set(cloudTraceHeader, echoed)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func traceInfoFromSpan(span trace.Span, projectID string) requestctx.TraceInfo {
	sc := span.SpanContext()
	return requestctx.TraceInfo{
		TraceID:   sc.TraceID().String(),
		SpanID:    sc.SpanID().String(),
		Sampled:   sc.IsSampled(),
		ProjectID: projectID,
	}
}

// parseCloudTrace decodes the Cloud Trace propagation header. Malformed
// headers are ignored rather than rejected.
func parseCloudTrace(header string) (cloudTraceContext, bool) {
	var parsed cloudTraceContext

	traceHex, rest, found := strings.Cut(strings.TrimSpace(header), "/")
	traceHex = strings.TrimSpace(traceHex)
	if !found || len(traceHex) != 32 {
		return parsed, false
	}

	var err error
	if parsed.traceID, err = trace.TraceIDFromHex(traceHex); err != nil {
		return parsed, false
	}

	spanPart, optionPart, _ := strings.Cut(rest, ";")
	spanID, ok := parseSpanID(spanPart)
	if !ok {
		return parsed, false
	}
	parsed.spanID = spanID
	parsed.sampled = traceOptionSampled(optionPart)
	return parsed, true
}

func (c cloudTraceContext) spanContext() trace.SpanContext {
	cfg := trace.SpanContextConfig{
		TraceID: c.traceID,
		SpanID:  c.spanID,
		Remote:  true,
	}
	if c.sampled {
		cfg.TraceFlags = trace.FlagsSampled
	}
	return trace.NewSpanContext(cfg)
}

// parseSpanID accepts both hex and the decimal form Cloud Trace clients send.
func parseSpanID(value string) (trace.SpanID, bool) {
	value = strings.TrimSpace(value)

	if n := len(value); n > 0 && n <= 16 {
		if _, err := hex.DecodeString(value); err == nil {
			padded := strings.Repeat("0", 16-n) + value
			if spanID, err := trace.SpanIDFromHex(padded); err == nil {
				return spanID, true
			}
		}
	}

	if num, err := strconv.ParseUint(value, 10, 64); err == nil {
		var spanID trace.SpanID
		binary.BigEndian.PutUint64(spanID[:], num)
		return spanID, spanID.IsValid()
	}
	return trace.SpanID{}, false
}

func traceOptionSampled(options string) bool {
	for _, segment := range strings.Split(options, ";") {
		if opt, ok := strings.CutPrefix(strings.TrimSpace(segment), "o="); ok {
			return opt == "1"
		}
	}
	return false
}

func encodeTraceHeader(info requestctx.TraceInfo) string {
	if info.TraceID == "" || info.SpanID == "" {
		return ""
	}
	option := ";o=0"
	if info.Sampled {
		option = ";o=1"
	}
	return info.TraceID + "/" + info.SpanID + option
}

func requestSpanName(r *http.Request) string {
	if r == nil {
		return "unknown"
	}
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	return r.Method + " " + path
}

func requestSpanAttributes(r *http.Request) []attribute.KeyValue {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	attrs := []attribute.KeyValue{
		attribute.String("http.request.method", r.Method),
		attribute.String("url.scheme", scheme),
	}
	add := func(key, value string) {
		if value != "" {
			attrs = append(attrs, attribute.String(key, value))
		}
	}
	if r.URL != nil {
		add("url.path", r.URL.Path)
		add("url.full", r.URL.RequestURI())
	}
	add("server.address", r.Host)
	add("user_agent.original", r.UserAgent())
	return attrs
}
