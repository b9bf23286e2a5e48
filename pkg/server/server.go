package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/wsbridge/pkg/broadcast"
	"github.com/vango-dev/wsbridge/pkg/loop"
	"github.com/vango-dev/wsbridge/pkg/metrics"
	"github.com/vango-dev/wsbridge/pkg/outbound"
	"github.com/vango-dev/wsbridge/pkg/protocol"
	"github.com/vango-dev/wsbridge/pkg/transport"
)

const tracerName = "github.com/vango-dev/wsbridge/pkg/server"

// Server is the session state machine between the owner and its peers.
type Server struct {
	config    *Config
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *metrics.Metrics
	transport transport.Transport
	registry  *broadcast.Registry
	queue     *outbound.Queue
	sender    *broadcast.Sender
	bc        *broadcast.Broadcaster
	events    *loop.Queue[Event]

	mu        sync.Mutex
	state     State
	changed   chan struct{} // closed on every state change
	port      int
	batch     map[protocol.PeerClass][]json.RawMessage
	grace     *time.Timer
	graceGen  uint64
	graceCode int
	queries   map[string]chan *protocol.Message
	pulls     map[string][]byte

	nextID atomic.Uint64
}

// New creates a server. The config is copied; zero fields take their
// defaults from DefaultConfig.
func New(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	} else {
		config = config.Clone()
	}
	config.fillDefaults()
	if config.Tracer == nil {
		config.Tracer = otel.Tracer(tracerName)
	}
	if config.Transport == nil {
		config.Transport = newWebSocketTransport
	}

	s := &Server{
		config:  config,
		logger:  config.Logger.With("component", "server"),
		tracer:  config.Tracer,
		metrics: config.Metrics,
		events:  loop.NewQueue[Event](),
		changed: make(chan struct{}),
		queries: make(map[string]chan *protocol.Message),
		pulls:   make(map[string][]byte),
	}
	s.transport = config.Transport(config)
	s.registry = broadcast.NewRegistry(config.Metrics)
	s.queue = outbound.New()
	s.sender = broadcast.NewSender(s.transport, s.registry, s.queue, broadcast.SenderConfig{
		Throttle: config.ThrottleDelay,
		Resend:   s.requestResend,
		Logger:   config.Logger,
		Metrics:  config.Metrics,
	})
	s.bc = broadcast.NewBroadcaster(s.registry, s.queue, s.sender)
	s.metrics.SetState(int(StateNotStarted))
	return s
}

// Events returns the owner's mailbox. It is closed after the final
// EventClose once the server reaches StateExit.
func (s *Server) Events() *loop.Queue[Event] {
	return s.events
}

// State returns the current state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Port returns the bound port, or 0 before the server is listening.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Peers returns the number of connected peers addressed by target.
func (s *Server) Peers(target protocol.PeerClass) int {
	return s.registry.Count(target)
}

// WaitState blocks until the server is in one of states and returns it.
func (s *Server) WaitState(ctx context.Context, states ...State) (State, error) {
	for {
		s.mu.Lock()
		cur, changed := s.state, s.changed
		s.mu.Unlock()
		if slices.Contains(states, cur) {
			return cur, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return cur, ctx.Err()
		}
	}
}

func (s *Server) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.logger.Debug("state change", "from", s.state, "to", st)
	s.state = st
	close(s.changed)
	s.changed = make(chan struct{})
	s.metrics.SetState(int(st))
}

func (s *Server) addr(port int) string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(port))
}

// Start binds the listener. If the configured port is taken the following
// ports are probed; when none can be bound the server exits with an
// EventClose{StatusFail, -1} and Start returns ErrPortsExhausted.
func (s *Server) Start(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.state != StateNotStarted {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.mu.Unlock()

	s.metrics.RecordPortProbe()
	port, err := s.transport.Listen(s.addr(s.config.Port), (*handler)(s))
	if err != nil {
		s.logger.Warn("port unavailable, probing", "port", s.config.Port, "error", err)
		return s.retry(ctx)
	}
	return s.listening(ctx, port)
}

// Retry rebinds the listener on the next free port. It is called when the
// listener stops accepting connections and may be called by the owner.
func (s *Server) Retry(ctx context.Context) error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st != StateRunning {
		return ErrNotRunning
	}
	return s.retry(ctx)
}

func (s *Server) retry(ctx context.Context) error {
	s.mu.Lock()
	s.setStateLocked(StateRetry)
	s.mu.Unlock()

	for i := 1; i < s.config.MaxPortAttempts; i++ {
		if err := ctx.Err(); err != nil {
			_ = s.exit(context.Background(), protocol.StatusFail, protocol.CloseNoListener)
			return err
		}
		port := s.config.Port + i
		s.metrics.RecordPortProbe()
		if !s.config.PortFree(s.config.Host, port) {
			continue
		}
		bound, err := s.transport.Listen(s.addr(port), (*handler)(s))
		if err != nil {
			s.logger.Debug("bind failed", "port", port, "error", err)
			continue
		}
		return s.listening(ctx, bound)
	}

	s.logger.Error("no free port",
		"host", s.config.Host,
		"from", s.config.Port,
		"attempts", s.config.MaxPortAttempts)
	_ = s.exit(ctx, protocol.StatusFail, protocol.CloseNoListener)
	return &OpError{Op: "listen", Target: s.config.Host, Err: ErrPortsExhausted}
}

func (s *Server) listening(ctx context.Context, port int) error {
	if s.config.OnListen != nil && !s.config.OnListen(port) {
		s.logger.Warn("listen rejected by owner", "port", port)
		_ = s.exit(ctx, protocol.StatusFail, protocol.CloseNoListener)
		return &OpError{Op: "listen", Target: strconv.Itoa(port), Err: ErrListenRejected}
	}

	s.mu.Lock()
	s.port = port
	s.setStateLocked(StateRunning)
	s.mu.Unlock()

	s.logger.Info("listening", "host", s.config.Host, "port", port)
	return nil
}

// Shutdown moves the server to StateExit: every peer is closed, queued
// messages are discarded, the transport is closed and the owner receives
// a final EventClose{StatusExit, 0}. Calling it again is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.exit(ctx, protocol.StatusExit, 0)
}

// exit must not be called from the network goroutine.
func (s *Server) exit(ctx context.Context, status protocol.Status, code int) error {
	s.mu.Lock()
	if s.state == StateExit {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateExit)
	s.stopGraceLocked()
	s.batch = nil
	clear(s.pulls)
	s.mu.Unlock()

	s.transport.Dispatch(func() {
		s.registry.ForceCloseAll(func(p transport.Peer) {
			err := s.transport.ClosePeer(p, protocol.CloseGoingAway, "shutdown")
			if err != nil && !errors.Is(err, transport.ErrPeerGone) {
				s.logger.Warn("close peer failed", "peer", p.ID(), "error", err)
			}
		})
	})
	err := s.transport.Close(ctx)

	if n := s.queue.Clear(); n > 0 {
		s.logger.Debug("discarded queued messages", "count", n)
	}
	s.metrics.SetQueueDepth(outbound.Text.String(), 0)
	s.metrics.SetQueueDepth(outbound.Binary.String(), 0)

	s.emit(Event{Kind: EventClose, Status: status, Code: code})
	s.events.Close()

	s.logger.Info("session exited", "status", status, "code", code)
	return err
}

// startGraceLocked arms the reconnect window. A stale timer that fires
// after being replaced or stopped sees a different generation and does
// nothing.
func (s *Server) startGraceLocked(code int) {
	s.stopGraceLocked()
	s.graceCode = code
	gen := s.graceGen
	s.grace = time.AfterFunc(s.config.ReconnectGrace, func() {
		s.transport.Dispatch(func() { s.graceExpired(gen) })
	})
}

func (s *Server) stopGraceLocked() {
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.graceGen++
}

func (s *Server) graceExpired(gen uint64) {
	s.mu.Lock()
	if gen != s.graceGen || (s.state != StatePending && s.state != StateReload) {
		s.mu.Unlock()
		return
	}
	s.grace = nil
	code := s.graceCode
	s.setStateLocked(StateClose)
	s.mu.Unlock()

	status := protocol.StatusClose
	if !protocol.IsGracefulClose(code) {
		status = protocol.StatusFail
	}
	s.logger.Info("controller did not reconnect",
		"grace", s.config.ReconnectGrace,
		"code", code,
		"status", status)
	s.emit(Event{Kind: EventClose, Status: status, Code: code})
}

func (s *Server) emit(e Event) {
	if !s.events.Push(e) {
		s.logger.Debug("event dropped after exit", "kind", e.Kind)
	}
}

func (s *Server) requestResend() {
	s.emit(Event{Kind: EventResend})
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
