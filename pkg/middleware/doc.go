// Package middleware provides net/http middleware for the plain HTTP routes
// a bridge listener serves next to its WebSocket endpoint: static
// resources, pull payloads and the metrics endpoint.
//
// This package includes:
//   - Tracing: one OpenTelemetry server span per request
//   - Instrument: Prometheus request counts and latency via pkg/metrics
//   - AccessLog: a structured slog line per request
//
// All three are chi-compatible func(http.Handler) http.Handler values and
// record the matched chi route pattern rather than the raw path, so pull
// ids do not explode label cardinality.
//
//	r := chi.NewRouter()
//	r.Use(
//	    middleware.Tracing(middleware.WithTracer(tracer)),
//	    middleware.Instrument(m),
//	    middleware.AccessLog(logger),
//	)
//
// The WebSocket upgrade route is not wrapped.
package middleware
