package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/wsbridge/pkg/metrics"
	"github.com/vango-dev/wsbridge/pkg/middleware"
	"github.com/vango-dev/wsbridge/pkg/transport"
)

// Config holds configuration for a Server.
type Config struct {
	// Listener

	// Host is the interface to bind.
	// Default: "127.0.0.1".
	Host string

	// Port is the first port tried. When it is taken the server probes the
	// following ports.
	// Default: 30000.
	Port int

	// MaxPortAttempts is the total number of ports tried, including Port.
	// Default: 50.
	MaxPortAttempts int

	// PortFree checks whether a port can be bound before it is tried.
	// Default: transport.IsPortFree.
	PortFree func(host string, port int) bool

	// Session

	// ReconnectGrace is how long the server waits in Pending for the
	// controller to come back before reporting a close.
	// Default: 1 second.
	ReconnectGrace time.Duration

	// ThrottleDelay is how long a send is held back when a peer is
	// already over its buffer budget.
	// Default: 100ms.
	ThrottleDelay time.Duration

	// QueryAttempts is the number of times Query sends its request.
	// Default: 5.
	QueryAttempts int

	// QueryTimeout bounds the wait for each query attempt.
	// Default: 10 seconds.
	QueryTimeout time.Duration

	// PullThreshold is the encoded size above which a text message is
	// served over HTTP instead of the socket. 0 disables pull mode.
	// Default: 0.
	PullThreshold int

	// Transport

	// WebSocketPath is the URL path that accepts WebSocket upgrades.
	// Default: "/ws".
	WebSocketPath string

	// MaxBufferedBytes is the per-peer write buffer budget.
	// Default: 1MB.
	MaxBufferedBytes int

	// MaxMessageSize is the maximum size of an incoming message.
	// Default: 16MB.
	MaxMessageSize int64

	// WriteTimeout is the maximum time to wait when writing a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// CheckOrigin validates the upgrade request origin.
	// Default: SameOriginCheck.
	CheckOrigin func(r *http.Request) bool

	// MetricsPath exposes Metrics on the listener when set.
	MetricsPath string

	// Transport builds the transport. It is called once by New.
	// Default: a transport.WebSocket configured from this Config.
	Transport func(c *Config) transport.Transport

	// Hooks

	// OnGet serves plain HTTP GET requests on the listener. ok is false
	// for 404. It runs on the network goroutine.
	OnGet func(path string) (data []byte, ok bool)

	// OnListen is called once the listener is bound. Returning false
	// aborts startup.
	OnListen func(port int) bool

	// Observability

	// Logger is the server logger.
	// Default: slog.Default().
	Logger *slog.Logger

	// Metrics records queue and session activity. nil disables metrics.
	Metrics *metrics.Metrics

	// Tracer creates spans around batches and queries.
	// Default: the global OpenTelemetry tracer provider.
	Tracer trace.Tracer
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:             "127.0.0.1",
		Port:             30000,
		MaxPortAttempts:  50,
		PortFree:         transport.IsPortFree,
		ReconnectGrace:   time.Second,
		ThrottleDelay:    100 * time.Millisecond,
		QueryAttempts:    5,
		QueryTimeout:     10 * time.Second,
		WebSocketPath:    "/ws",
		MaxBufferedBytes: 1024 * 1024,      // 1MB
		MaxMessageSize:   16 * 1024 * 1024, // 16MB
		WriteTimeout:     10 * time.Second,
		CheckOrigin:      SameOriginCheck,
	}
}

// fillDefaults replaces zero fields with their defaults.
func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.MaxPortAttempts <= 0 {
		c.MaxPortAttempts = d.MaxPortAttempts
	}
	if c.PortFree == nil {
		c.PortFree = d.PortFree
	}
	if c.ReconnectGrace <= 0 {
		c.ReconnectGrace = d.ReconnectGrace
	}
	if c.ThrottleDelay <= 0 {
		c.ThrottleDelay = d.ThrottleDelay
	}
	if c.QueryAttempts <= 0 {
		c.QueryAttempts = d.QueryAttempts
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = d.QueryTimeout
	}
	if c.WebSocketPath == "" {
		c.WebSocketPath = d.WebSocketPath
	}
	if c.MaxBufferedBytes <= 0 {
		c.MaxBufferedBytes = d.MaxBufferedBytes
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = d.CheckOrigin
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("server: port %d out of range", c.Port)
	}
	if c.Port+c.MaxPortAttempts-1 > 65535 {
		return fmt.Errorf("server: %d port attempts from %d run past 65535", c.MaxPortAttempts, c.Port)
	}
	if c.PullThreshold < 0 {
		return fmt.Errorf("server: negative pull threshold %d", c.PullThreshold)
	}
	if c.WebSocketPath != "" && c.WebSocketPath[0] != '/' {
		return fmt.Errorf("server: websocket path %q must start with /", c.WebSocketPath)
	}
	return nil
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// WithPort sets the first port and returns the config for chaining.
func (c *Config) WithPort(port int) *Config {
	c.Port = port
	return c
}

// WithLogger sets the logger and returns the config for chaining.
func (c *Config) WithLogger(logger *slog.Logger) *Config {
	c.Logger = logger
	return c
}

// SameOriginCheck accepts upgrade requests without an Origin header or
// whose Origin host matches the request host.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if r.Host == "" {
		return false
	}
	return originURL.Host == r.Host
}

// newWebSocketTransport is the default Transport factory.
func newWebSocketTransport(c *Config) transport.Transport {
	wsc := &transport.WebSocketConfig{
		Path:           c.WebSocketPath,
		MaxBuffered:    c.MaxBufferedBytes,
		MaxMessageSize: c.MaxMessageSize,
		WriteTimeout:   c.WriteTimeout,
		CheckOrigin:    c.CheckOrigin,
		Logger:         c.Logger,
		Middleware: []func(http.Handler) http.Handler{
			middleware.Tracing(middleware.WithTracer(c.Tracer)),
			middleware.Instrument(c.Metrics),
			middleware.AccessLog(c.Logger),
		},
	}
	if c.MetricsPath != "" && c.Metrics != nil {
		wsc.MetricsPath = c.MetricsPath
		wsc.MetricsHandler = c.Metrics.Handler()
	}
	return transport.NewWebSocket(wsc)
}
