package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vango-dev/wsbridge/pkg/metrics"
)

// recordingSpan keeps what the middleware reports and discards the rest.
type recordingSpan struct {
	trace.Span

	mu     sync.Mutex
	name   string
	attrs  map[attribute.Key]attribute.Value
	status codes.Code
	ended  bool
}

func (s *recordingSpan) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

func (s *recordingSpan) SetAttributes(kv ...attribute.KeyValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range kv {
		s.attrs[a.Key] = a.Value
	}
}

func (s *recordingSpan) SetStatus(code codes.Code, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
}

func (s *recordingSpan) End(...trace.SpanEndOption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}

type recordingTracer struct {
	embedded.Tracer

	mu    sync.Mutex
	spans []*recordingSpan
}

func (t *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	ctx, base := noop.NewTracerProvider().Tracer("").Start(ctx, name, opts...)
	span := &recordingSpan{Span: base, name: name, attrs: map[attribute.Key]attribute.Value{}}
	cfg := trace.NewSpanStartConfig(opts...)
	for _, a := range cfg.Attributes() {
		span.attrs[a.Key] = a.Value
	}
	t.mu.Lock()
	t.spans = append(t.spans, span)
	t.mu.Unlock()
	return trace.ContextWithSpan(ctx, span), span
}

func newRouter(mw ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(mw...)
	r.Get("/pull/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	})
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	})
	return r
}

func serve(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestTracing(t *testing.T) {
	tracer := &recordingTracer{}
	h := newRouter(Tracing(WithTracer(tracer)))

	if rec := serve(h, "/pull/abc"); rec.Body.String() != "payload" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	serve(h, "/boom")

	if len(tracer.spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(tracer.spans))
	}

	ok := tracer.spans[0]
	if ok.name != "HTTP GET /pull/{id}" {
		t.Errorf("span name = %q", ok.name)
	}
	if got := ok.attrs["http.route"].AsString(); got != "/pull/{id}" {
		t.Errorf("http.route = %q", got)
	}
	if got := ok.attrs["url.path"].AsString(); got != "/pull/abc" {
		t.Errorf("url.path = %q", got)
	}
	if got := ok.attrs["http.status_code"].AsInt64(); got != 200 {
		t.Errorf("http.status_code = %d", got)
	}
	if ok.status != codes.Ok || !ok.ended {
		t.Errorf("status = %v ended = %v", ok.status, ok.ended)
	}

	if failed := tracer.spans[1]; failed.status != codes.Error {
		t.Errorf("5xx span status = %v, want Error", failed.status)
	}
}

func TestTracingFilter(t *testing.T) {
	tracer := &recordingTracer{}
	h := newRouter(Tracing(
		WithTracer(tracer),
		WithFilter(func(r *http.Request) bool { return !strings.HasPrefix(r.URL.Path, "/pull/") }),
	))

	serve(h, "/pull/abc")
	serve(h, "/boom")

	if len(tracer.spans) != 1 {
		t.Errorf("recorded %d spans, want 1", len(tracer.spans))
	}
}

func TestTracingDefaultTracer(t *testing.T) {
	h := newRouter(Tracing(WithTracer(nil)))
	if rec := serve(h, "/pull/x"); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestInstrument(t *testing.T) {
	m := metrics.New()
	h := newRouter(Instrument(m))

	serve(h, "/pull/a")
	serve(h, "/pull/b")
	serve(h, "/boom")

	count, err := testutil.GatherAndCount(m.Registry(), "wsbridge_http_requests_total")
	if err != nil {
		t.Fatal(err)
	}
	// One series per route and status, not per pull id.
	if count != 2 {
		t.Errorf("http_requests_total series = %d, want 2", count)
	}

	expected := `
# HELP wsbridge_http_requests_total Total number of plain HTTP requests served on the listener
# TYPE wsbridge_http_requests_total counter
wsbridge_http_requests_total{code="200",route="/pull/{id}"} 2
wsbridge_http_requests_total{code="500",route="/boom"} 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "wsbridge_http_requests_total"); err != nil {
		t.Error(err)
	}
}

func TestInstrumentNil(t *testing.T) {
	h := newRouter(Instrument(nil))
	if rec := serve(h, "/pull/a"); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := newRouter(AccessLog(logger))

	serve(h, "/pull/abc")
	serve(h, "/boom")

	out := buf.String()
	for _, want := range []string{
		`level=DEBUG msg="http request"`,
		"path=/pull/abc",
		"status=200",
		"bytes=7",
		`level=WARN msg="http request"`,
		"status=500",
		"component=http",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}
