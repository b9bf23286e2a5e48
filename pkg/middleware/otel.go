package middleware

import (
	"fmt"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Default tracer name for bridge HTTP spans.
const defaultTracerName = "github.com/vango-dev/wsbridge/pkg/middleware"

// TraceConfig configures the tracing middleware.
type TraceConfig struct {
	// Tracer creates the spans.
	// Default: the global provider's tracer named TracerName.
	Tracer trace.Tracer

	// TracerName is used when Tracer is nil.
	TracerName string

	// Filter determines which requests to trace. If nil, all are traced.
	Filter func(r *http.Request) bool
}

// TraceOption configures the tracing middleware.
type TraceOption func(*TraceConfig)

// WithTracer sets the tracer. A nil tracer keeps the default.
func WithTracer(tracer trace.Tracer) TraceOption {
	return func(c *TraceConfig) {
		c.Tracer = tracer
	}
}

// WithTracerName sets the tracer name.
func WithTracerName(name string) TraceOption {
	return func(c *TraceConfig) {
		c.TracerName = name
	}
}

// WithFilter sets a filter function for requests.
func WithFilter(filter func(r *http.Request) bool) TraceOption {
	return func(c *TraceConfig) {
		c.Filter = filter
	}
}

// Tracing creates middleware that wraps each request in a server span.
// Responses with a 5xx status mark the span as an error.
func Tracing(opts ...TraceOption) func(http.Handler) http.Handler {
	config := TraceConfig{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&config)
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.Tracer(config.TracerName)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.Filter != nil && !config.Filter(r) {
				next.ServeHTTP(w, r)
				return
			}

			ctx, span := tracer.Start(r.Context(), "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("url.path", r.URL.Path),
				))
			defer span.End()

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := statusOf(ww)
			route := routePattern(r)
			span.SetName(fmt.Sprintf("HTTP %s %s", r.Method, route))
			span.SetAttributes(
				attribute.String("http.route", route),
				attribute.Int("http.status_code", status),
				attribute.Int("http.response_size", ww.BytesWritten()),
			)
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}
