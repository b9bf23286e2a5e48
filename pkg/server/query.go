package server

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/wsbridge/pkg/protocol"
)

// Query sends a query to the peers addressed by target and waits for the
// first response carrying the same id. Each attempt waits QueryTimeout;
// after QueryAttempts unanswered attempts it returns ErrQueryTimeout. The
// wait ends early with ErrQueryAborted when the session leaves
// StateRunning.
func (s *Server) Query(ctx context.Context, target protocol.PeerClass, query any) (reply *protocol.Message, err error) {
	ctx, span := s.tracer.Start(ctx, "wsbridge.Query",
		trace.WithAttributes(attribute.String("wsbridge.target", target.String())))
	defer func() { endSpan(span, err) }()

	for attempt := 1; attempt <= s.config.QueryAttempts; attempt++ {
		id := strconv.FormatUint(s.nextID.Add(1), 10)
		data, err := protocol.EncodeQuery(id, query)
		if err != nil {
			return nil, &OpError{Op: "query", Target: target.String(), Err: err}
		}

		ch := make(chan *protocol.Message, 1)
		changed, ok := s.registerQuery(id, ch)
		if !ok {
			return nil, ErrQueryAborted
		}
		if err := s.broadcast(target, data, false); err != nil {
			s.unregisterQuery(id)
			return nil, err
		}

		reply, err := s.awaitReply(ctx, ch, changed)
		s.unregisterQuery(id)
		if err == nil {
			span.SetAttributes(attribute.Int("wsbridge.query.attempts", attempt))
			return reply, nil
		}
		if !errors.Is(err, ErrQueryTimeout) {
			return nil, err
		}
		s.logger.Debug("query attempt timed out", "id", id, "attempt", attempt)
	}
	return nil, ErrQueryTimeout
}

func (s *Server) registerQuery(id string, ch chan *protocol.Message) (<-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return nil, false
	}
	s.queries[id] = ch
	return s.changed, true
}

func (s *Server) unregisterQuery(id string) {
	s.mu.Lock()
	delete(s.queries, id)
	s.mu.Unlock()
}

// awaitReply checks the session state on every wake-up.
func (s *Server) awaitReply(ctx context.Context, ch <-chan *protocol.Message, changed <-chan struct{}) (*protocol.Message, error) {
	timer := time.NewTimer(s.config.QueryTimeout)
	defer timer.Stop()

	for {
		select {
		case reply := <-ch:
			return reply, nil
		case <-timer.C:
			return nil, ErrQueryTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
			s.mu.Lock()
			st := s.state
			changed = s.changed
			s.mu.Unlock()
			if st != StateRunning {
				return nil, ErrQueryAborted
			}
		}
	}
}

// answer hands a response to the query waiting for its id.
func (s *Server) answer(msg *protocol.Message) bool {
	s.mu.Lock()
	ch, ok := s.queries[msg.ID]
	if ok {
		delete(s.queries, msg.ID)
	}
	s.mu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}
