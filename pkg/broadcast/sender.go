package broadcast

import (
	"errors"
	"log/slog"
	"time"

	"github.com/vango-dev/wsbridge/pkg/metrics"
	"github.com/vango-dev/wsbridge/pkg/outbound"
	"github.com/vango-dev/wsbridge/pkg/protocol"
	"github.com/vango-dev/wsbridge/pkg/transport"
)

// SenderConfig configures a Sender.
type SenderConfig struct {
	// Throttle is how long SocketSend sleeps when a peer is already over
	// budget. Default: 100ms.
	Throttle time.Duration

	// Resend is called on the network goroutine when a send fails for a
	// reason other than backpressure. The owner schedules the retry.
	Resend func()

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Sender moves queued entries onto the transport while watching each
// peer's buffered byte count.
type Sender struct {
	transport transport.Transport
	registry  *Registry
	queue     *outbound.Queue
	throttle  time.Duration
	resend    func()
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// sleep is replaced in tests.
	sleep func(time.Duration)
}

// NewSender creates a sender.
func NewSender(t transport.Transport, reg *Registry, q *outbound.Queue, config SenderConfig) *Sender {
	if config.Throttle <= 0 {
		config.Throttle = 100 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Sender{
		transport: t,
		registry:  reg,
		queue:     q,
		throttle:  config.Throttle,
		resend:    config.Resend,
		logger:    config.Logger.With("component", "sender"),
		metrics:   config.Metrics,
		sleep:     time.Sleep,
	}
}

// HasBackpressure reports whether writing additional bytes to p would
// exceed the transport's buffer budget. An idle peer always accepts one
// message, however large, so oversized payloads cannot wedge the queue.
func (s *Sender) HasBackpressure(p transport.Peer, additional int) bool {
	buffered := s.transport.Buffered(p)
	if buffered == 0 {
		return false
	}
	return buffered+additional > s.transport.MaxBuffered()
}

func (s *Sender) anyBackpressure(additional int) bool {
	for _, p := range s.registry.Peers(protocol.ClassAll, false) {
		if s.HasBackpressure(p, additional) {
			return true
		}
	}
	return false
}

// SocketSend hands a flush to the network goroutine. When sizeHint is
// non-zero and a peer is already over budget the caller is first slowed
// down by the throttle delay. It returns false if the transport is closed.
func (s *Sender) SocketSend(sizeHint int) bool {
	if sizeHint > 0 && s.anyBackpressure(sizeHint) {
		s.sleep(s.throttle)
	}
	return s.transport.Dispatch(s.Flush)
}

// Flush drains both channels. It must run on the network goroutine.
func (s *Sender) Flush() {
	s.flush(outbound.Text)
	s.flush(outbound.Binary)
	s.metrics.SetQueueDepth(outbound.Text.String(), s.queue.Len(outbound.Text))
	s.metrics.SetQueueDepth(outbound.Binary.String(), s.queue.Len(outbound.Binary))
}

func (s *Sender) flush(ch outbound.Channel) {
	sent, res := s.queue.Drain(ch, protocol.ClassAll, s.deliver)
	s.metrics.RecordSent(ch.String(), sent)

	switch res {
	case outbound.Failed:
		s.requestResend()

	case outbound.Backpressure:
		s.metrics.RecordBackpressure()
		// Whatever relief does, the next attempt waits for a drain
		// notification instead of retrying in this pass.
		relief, n := s.queue.Relieve()
		switch relief {
		case outbound.ReliefDropped:
			s.metrics.RecordDropped(ch.String(), n)
			s.logger.Debug("dropped droppable entries", "channel", ch, "count", n)
		case outbound.ReliefDuplicates:
			s.metrics.RecordDuplicates(n)
			s.logger.Debug("collapsed duplicate entries", "count", n)
		default:
			s.logger.Debug("send paused by backpressure", "channel", ch)
		}
	}
}

// deliver writes one entry to every addressed peer. All peers are checked
// before any is written, so a fan-out entry is never delivered twice. A
// peer that fails after another peer received the entry triggers a resend
// request.
func (s *Sender) deliver(e outbound.Entry) outbound.Result {
	binary := e.Frame != nil
	peers := s.registry.Peers(e.Class, binary)
	if len(peers) == 0 {
		s.logger.Debug("no peer for entry, discarding", "class", e.Class)
		return outbound.Sent
	}

	size := e.Size()
	for _, p := range peers {
		if s.HasBackpressure(p, size) {
			return outbound.Backpressure
		}
	}

	delivered, failed, pressured := 0, 0, 0
	for _, p := range peers {
		var err error
		if binary {
			err = s.transport.SendBinary(p, e.Frame.Bytes())
		} else {
			err = s.transport.SendText(p, e.Data)
		}
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, transport.ErrPeerGone):
			// The close notification will remove it.
		case errors.Is(err, transport.ErrBackpressure):
			pressured++
		default:
			failed++
			s.logger.Error("send failed", "peer", p.ID(), "error", err)
		}
	}

	switch {
	case delivered > 0:
		if failed > 0 || pressured > 0 {
			// The entry stays consumed: replaying it would duplicate it for
			// the peers that already have it. The owner resends instead.
			s.logger.Warn("partial delivery",
				"class", e.Class,
				"delivered", delivered,
				"failed", failed,
				"backpressured", pressured)
			s.requestResend()
		}
		return outbound.Sent
	case pressured > 0:
		return outbound.Backpressure
	case failed > 0:
		return outbound.Failed
	default:
		return outbound.Sent
	}
}

func (s *Sender) requestResend() {
	s.metrics.RecordResend()
	if s.resend != nil {
		s.resend()
	}
}
