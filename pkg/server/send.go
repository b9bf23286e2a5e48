package server

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vango-dev/wsbridge/pkg/protocol"
)

// Send queues value for every peer addressed by target. value is encoded
// as JSON; []byte and json.RawMessage must already hold JSON. While a batch
// is open the value is added to the batch instead.
func (s *Server) Send(target protocol.PeerClass, value any) error {
	return s.sendValue(target, value, false)
}

// SendDroppable is Send for values that may be discarded under
// backpressure, such as intermediate animation frames.
func (s *Server) SendDroppable(target protocol.PeerClass, value any) error {
	return s.sendValue(target, value, true)
}

func (s *Server) sendValue(target protocol.PeerClass, value any, droppable bool) error {
	data, err := protocol.Marshal(value)
	if err != nil {
		return &OpError{Op: "send", Target: target.String(), Err: err}
	}
	data = bytes.Clone(data)

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if s.batch != nil {
		s.batch[target] = append(s.batch[target], json.RawMessage(data))
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.broadcast(target, data, droppable)
}

func (s *Server) broadcast(target protocol.PeerClass, data []byte, droppable bool) error {
	data, pullID, err := s.pullNotice(data)
	if err != nil {
		return &OpError{Op: "send", Target: target.String(), Err: err}
	}
	if !s.bc.BroadcastText(target, data, droppable) {
		if pullID != "" {
			s.takePull(pullID)
		}
		return &OpError{Op: "send", Target: target.String(), Err: ErrNoPeer}
	}
	return nil
}

// SendFrame queues a copy of frame for the non-extension peers addressed by
// target. The caller keeps ownership of frame.
func (s *Server) SendFrame(target protocol.PeerClass, frame *protocol.Frame, droppable bool) error {
	if s.State() != StateRunning {
		return ErrNotRunning
	}
	ok, err := s.bc.BroadcastBinary(target, frame, droppable)
	if err != nil {
		return &OpError{Op: "send frame", Target: target.String(), Err: err}
	}
	if !ok {
		return &OpError{Op: "send frame", Target: target.String(), Err: ErrNoPeer}
	}
	return nil
}

// BeginBatch opens a batch. Until EndBatch, Send collects values per
// target instead of queueing them.
func (s *Server) BeginBatch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return ErrNotRunning
	}
	if s.batch != nil {
		return ErrBatchActive
	}
	s.batch = make(map[protocol.PeerClass][]json.RawMessage)
	return nil
}

// EndBatch closes the batch and sends one aggregate message per target.
// It stops at the first target that fails; targets already sent stay sent,
// so the owner retries by composing the whole batch again.
func (s *Server) EndBatch(ctx context.Context) (err error) {
	_, span := s.tracer.Start(ctx, "wsbridge.EndBatch")
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	batch := s.batch
	s.batch = nil
	s.mu.Unlock()
	if batch == nil {
		return ErrNoBatch
	}

	targets := make([]protocol.PeerClass, 0, len(batch))
	for target, values := range batch {
		if len(values) > 0 {
			targets = append(targets, target)
		}
	}
	slices.Sort(targets)
	span.SetAttributes(attribute.Int("wsbridge.batch.targets", len(targets)))

	for _, target := range targets {
		values := batch[target]
		data, err := protocol.EncodeBatch(values)
		if err != nil {
			return &OpError{Op: "batch", Target: target.String(), Err: err}
		}
		s.metrics.ObserveBatch(len(values))
		if err := s.broadcast(target, data, false); err != nil {
			return err
		}
	}
	return nil
}

// Flush asks the network goroutine to drain the outbound queue. Owners
// call it after an EventResend.
func (s *Server) Flush() bool {
	return s.sender.SocketSend(0)
}
