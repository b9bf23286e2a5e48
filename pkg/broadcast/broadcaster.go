// Package broadcast fans outbound messages out to connected peers.
//
// The Registry knows which peers are connected and what role each one
// announced. The Sender drains the outbound queue onto the transport,
// pausing when a peer's buffer is over budget. The Broadcaster ties the two
// together: it queues a message for a peer class and asks the sender to
// flush.
package broadcast

import (
	"github.com/vango-dev/wsbridge/pkg/outbound"
	"github.com/vango-dev/wsbridge/pkg/protocol"
)

// Broadcaster queues messages for peer classes.
type Broadcaster struct {
	registry *Registry
	queue    *outbound.Queue
	sender   *Sender
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(reg *Registry, q *outbound.Queue, s *Sender) *Broadcaster {
	return &Broadcaster{registry: reg, queue: q, sender: s}
}

// Registry returns the peer registry.
func (b *Broadcaster) Registry() *Registry { return b.registry }

// Sender returns the sender.
func (b *Broadcaster) Sender() *Sender { return b.sender }

// Queue returns the outbound queue.
func (b *Broadcaster) Queue() *outbound.Queue { return b.queue }

// BroadcastText queues a text message for every peer addressed by target.
// It returns false, queueing nothing, if no such peer is connected.
func (b *Broadcaster) BroadcastText(target protocol.PeerClass, data []byte, droppable bool) bool {
	if b.registry.Count(target) == 0 {
		return false
	}
	b.queue.PushText(target, data, droppable)
	b.sender.SocketSend(len(data))
	return true
}

// BroadcastBinary queues a clone of frame for the non-extension peers
// addressed by target. The caller may keep mutating frame afterwards.
func (b *Broadcaster) BroadcastBinary(target protocol.PeerClass, frame *protocol.Frame, droppable bool) (bool, error) {
	if target == protocol.ClassExtension {
		return false, ErrExtensionBinary
	}
	if len(b.registry.Peers(target, true)) == 0 {
		return false, nil
	}
	if !b.queue.PushBinary(target, frame.Clone(), droppable) {
		return false, ErrExtensionBinary
	}
	b.sender.SocketSend(frame.Size())
	return true, nil
}
