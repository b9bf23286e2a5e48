package server

import (
	"context"
	"strings"

	"github.com/vango-dev/wsbridge/pkg/protocol"
	"github.com/vango-dev/wsbridge/pkg/transport"
)

// handler receives transport callbacks on the network goroutine. It is a
// separate type so the callbacks stay out of the Server API.
type handler Server

var _ transport.Handler = (*handler)(nil)

func (h *handler) server() *Server { return (*Server)(h) }

// OnOpen registers the peer. A peer arriving during the grace window moves
// the session to Reload; the window keeps running until the peer completes
// its handshake.
func (h *handler) OnOpen(p transport.Peer) {
	s := h.server()
	s.registry.Append(p)

	s.mu.Lock()
	if s.state == StatePending {
		s.setStateLocked(StateReload)
	}
	s.mu.Unlock()

	s.logger.Debug("peer connected", "peer", p.ID(), "remote", p.RemoteAddr())
	s.emit(Event{Kind: EventOpen, Peer: p, Class: protocol.ClassUndefined})
}

func (h *handler) OnText(p transport.Peer, data []byte) {
	s := h.server()
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.logger.Warn("dropping malformed message", "peer", p.ID(), "error", err)
		return
	}

	switch msg.Kind() {
	case protocol.KindKeepalive:
	case protocol.KindHandshake:
		s.handshake(p, msg)
	case protocol.KindLog:
		s.logger.Log(context.Background(), protocol.LogLevel(msg.Level), msg.Msg,
			"source", "peer",
			"peer", p.ID(),
			"type", msg.Type)
	case protocol.KindResponse:
		if !s.answer(msg) {
			s.forward(p, msg)
		}
	default:
		s.forward(p, msg)
	}
}

func (h *handler) OnBinary(p transport.Peer, data []byte) {
	s := h.server()
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		s.logger.Warn("dropping malformed frame", "peer", p.ID(), "size", len(data), "error", err)
		return
	}
	class, _ := s.registry.Class(p)
	s.emit(Event{Kind: EventBinary, Peer: p, Class: class, Frame: frame})
}

// OnClose forgets the peer. When the last controller leaves a running
// session the grace window starts.
func (h *handler) OnClose(p transport.Peer, code int, reason string) {
	s := h.server()
	class, known := s.registry.Class(p)
	s.registry.Remove(p)

	if protocol.IsGracefulClose(code) {
		s.logger.Info("peer disconnected", "peer", p.ID(), "class", class, "code", code)
	} else {
		s.logger.Error("peer disconnected abnormally",
			"peer", p.ID(),
			"class", class,
			"code", code,
			"reason", reason)
	}

	if !known || class != protocol.ClassController {
		return
	}
	if s.registry.Count(protocol.ClassController) > 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return
	}
	s.setStateLocked(StatePending)
	s.startGraceLocked(code)
}

func (h *handler) OnDrain(p transport.Peer) {
	h.server().sender.Flush()
}

func (h *handler) OnGet(path string) ([]byte, string, bool) {
	s := h.server()
	if id, ok := strings.CutPrefix(path, pullPrefix); ok {
		data, ok := s.takePull(id)
		return data, "application/json", ok
	}
	if s.config.OnGet == nil {
		return nil, "", false
	}
	data, ok := s.config.OnGet(path)
	return data, "", ok
}

// OnServeError rebinds on another goroutine, since Retry may close the
// transport and that must not happen on the network goroutine.
func (h *handler) OnServeError(err error) {
	s := h.server()
	s.logger.Error("listener failed", "error", err)
	go func() {
		if err := s.Retry(context.Background()); err != nil {
			s.logger.Error("rebind failed", "error", err)
		}
	}()
}

// handshake classifies the peer and still forwards the message so the owner
// can track readiness.
func (s *Server) handshake(p transport.Peer, msg *protocol.Message) {
	class, _ := msg.HandshakeClass()
	if err := s.registry.Classify(p, class); err != nil {
		s.logger.Error("handshake rejected", "peer", p.ID(), "type", msg.Type, "error", err)
		return
	}
	s.logger.Debug("peer classified", "peer", p.ID(), "class", class)

	if class == protocol.ClassController {
		s.mu.Lock()
		if s.state == StateReload || s.state == StatePending {
			s.stopGraceLocked()
			s.setStateLocked(StateRunning)
		}
		s.mu.Unlock()
	}
	s.emit(Event{Kind: EventMessage, Peer: p, Class: class, Message: msg})
}

func (s *Server) forward(p transport.Peer, msg *protocol.Message) {
	class, _ := s.registry.Class(p)
	s.emit(Event{Kind: EventMessage, Peer: p, Class: class, Message: msg})
}
