package server

import (
	"github.com/vango-dev/wsbridge/pkg/protocol"
	"github.com/vango-dev/wsbridge/pkg/transport"
)

// State is the session state.
//
//	NotStarted ──► Running ──► Retry ──► Running | Exit
//	                  │
//	                  ├──► Pending ──► Reload ──► Running
//	                  │       │
//	                  │       └──► Close ──► Exit
//	                  └──► Exit
type State int32

const (
	StateNotStarted State = iota // No listener yet
	StateRunning                 // Listening with a controller, or waiting for the first one
	StateRetry                   // Probing for a free port
	StateExit                    // Terminal; transport closed
	StateClose                   // Controller did not come back; owner should shut down
	StateReload                  // A peer reconnected during the grace window
	StatePending                 // Controller left; grace window running
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateRunning:
		return "Running"
	case StateRetry:
		return "Retry"
	case StateExit:
		return "Exit"
	case StateClose:
		return "Close"
	case StateReload:
		return "Reload"
	case StatePending:
		return "Pending"
	default:
		return "Unknown"
	}
}

// EventKind identifies an owner notification.
type EventKind uint8

const (
	EventOpen    EventKind = iota // Peer connected
	EventMessage                  // Text message for the owner
	EventBinary                   // Binary frame from a peer
	EventClose                    // Session or listener closed
	EventResend                   // A send failed; call Flush to retry
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventBinary:
		return "binary"
	case EventClose:
		return "close"
	case EventResend:
		return "resend"
	default:
		return "unknown"
	}
}

// Event is delivered to the owner through Server.Events.
type Event struct {
	Kind EventKind

	// Peer is the sender for EventOpen, EventMessage and EventBinary.
	Peer transport.Peer

	// Class is the peer's class at the time of the event.
	Class protocol.PeerClass

	// Message is set for EventMessage.
	Message *protocol.Message

	// Frame is set for EventBinary.
	Frame *protocol.Frame

	// Status and Code are set for EventClose. Code is the peer close code,
	// 0 for an orderly shutdown or -1 when no port could be bound.
	Status protocol.Status
	Code   int
}
