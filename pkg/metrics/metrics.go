// Package metrics exposes Prometheus collectors for the bridge.
//
// Metrics collected:
//   - wsbridge_messages_sent_total: messages written to peers, by channel
//   - wsbridge_messages_dropped_total: droppable entries evicted, by channel
//   - wsbridge_duplicates_collapsed_total: duplicate text entries collapsed
//   - wsbridge_backpressure_total: sends deferred because a peer was full
//   - wsbridge_resend_requests_total: send failures escalated to the owner
//   - wsbridge_port_probes_total: ports tried while binding
//   - wsbridge_peers: connected peers, by class
//   - wsbridge_queue_depth: outbound entries waiting, by channel
//   - wsbridge_batch_size: messages per flushed batch
//   - wsbridge_session_state: current session state as a number
//   - wsbridge_http_requests_total: plain HTTP requests, by route and status
//   - wsbridge_http_request_duration_seconds: plain HTTP request latency
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "wsbridge").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is where collectors are registered.
	// Default: a fresh prometheus.Registry.
	Registry *prometheus.Registry
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the registry.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics holds the bridge collectors.
type Metrics struct {
	registry *prometheus.Registry

	sent         *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	duplicates   prometheus.Counter
	backpressure prometheus.Counter
	resends      prometheus.Counter
	portProbes   prometheus.Counter
	peers        *prometheus.GaugeVec
	queueDepth   *prometheus.GaugeVec
	batchSize    prometheus.Histogram
	sessionState prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates and registers the collectors.
func New(opts ...Option) *Metrics {
	config := Config{Namespace: "wsbridge"}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}

	factory := promauto.With(config.Registry)
	counterOpts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}
	}
	gaugeOpts := func(name, help string) prometheus.GaugeOpts {
		return prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}
	}

	return &Metrics{
		registry: config.Registry,

		sent: factory.NewCounterVec(counterOpts("messages_sent_total",
			"Total number of messages written to peers"), []string{"channel"}),
		dropped: factory.NewCounterVec(counterOpts("messages_dropped_total",
			"Total number of droppable entries evicted under backpressure"), []string{"channel"}),
		duplicates: factory.NewCounter(counterOpts("duplicates_collapsed_total",
			"Total number of duplicate text entries collapsed")),
		backpressure: factory.NewCounter(counterOpts("backpressure_total",
			"Total number of sends deferred because a peer buffer was full")),
		resends: factory.NewCounter(counterOpts("resend_requests_total",
			"Total number of send failures escalated to the owner")),
		portProbes: factory.NewCounter(counterOpts("port_probes_total",
			"Total number of ports tried while binding the listener")),
		peers: factory.NewGaugeVec(gaugeOpts("peers",
			"Number of connected peers"), []string{"class"}),
		queueDepth: factory.NewGaugeVec(gaugeOpts("queue_depth",
			"Number of outbound entries waiting to be sent"), []string{"channel"}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "batch_size",
			Help:        "Number of messages in each flushed batch",
			ConstLabels: config.ConstLabels,
			Buckets:     []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
		sessionState: factory.NewGauge(gaugeOpts("session_state",
			"Current session state")),
		httpRequests: factory.NewCounterVec(counterOpts("http_requests_total",
			"Total number of plain HTTP requests served on the listener"), []string{"route", "code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "http_request_duration_seconds",
			Help:        "Latency of plain HTTP requests served on the listener",
			ConstLabels: config.ConstLabels,
			Buckets:     []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"route"}),
	}
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSent records messages written on a channel.
func (m *Metrics) RecordSent(channel string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.sent.WithLabelValues(channel).Add(float64(n))
}

// RecordDropped records droppable entries evicted.
func (m *Metrics) RecordDropped(channel string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.dropped.WithLabelValues(channel).Add(float64(n))
}

// RecordDuplicates records collapsed duplicates.
func (m *Metrics) RecordDuplicates(n int) {
	if m == nil || n == 0 {
		return
	}
	m.duplicates.Add(float64(n))
}

// RecordBackpressure records a deferred send.
func (m *Metrics) RecordBackpressure() {
	if m == nil {
		return
	}
	m.backpressure.Inc()
}

// RecordResend records an escalated send failure.
func (m *Metrics) RecordResend() {
	if m == nil {
		return
	}
	m.resends.Inc()
}

// RecordPortProbe records one bind attempt.
func (m *Metrics) RecordPortProbe() {
	if m == nil {
		return
	}
	m.portProbes.Inc()
}

// SetPeers sets the number of peers of a class.
func (m *Metrics) SetPeers(class string, n int) {
	if m == nil {
		return
	}
	m.peers.WithLabelValues(class).Set(float64(n))
}

// SetQueueDepth sets the outbound queue depth of a channel.
func (m *Metrics) SetQueueDepth(channel string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(channel).Set(float64(n))
}

// ObserveBatch records the size of a flushed batch.
func (m *Metrics) ObserveBatch(n int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(n))
}

// SetState records the session state.
func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.sessionState.Set(float64(state))
}

// RecordHTTPRequest records one plain HTTP request.
func (m *Metrics) RecordHTTPRequest(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
