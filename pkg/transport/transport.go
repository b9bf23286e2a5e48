// Package transport abstracts the duplex socket between the controller
// process and its renderer peers.
//
// A Transport owns a single network goroutine. Every Handler callback runs
// on that goroutine, and SendText, SendBinary and ClosePeer must only be
// called from it; other goroutines hand work over with Dispatch. Writes are
// buffered per peer and Buffered reports how many bytes are still waiting,
// which is what the broadcast package uses to detect backpressure.
package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
)

// Transport errors.
var (
	// ErrBackpressure is returned by a send that would overrun the peer's
	// hard buffer limit. It is not a connection failure.
	ErrBackpressure = errors.New("transport: backpressure")

	// ErrPeerGone is returned when sending to a peer that has closed.
	ErrPeerGone = errors.New("transport: peer closed")

	// ErrClosed is returned after the transport has been shut down.
	ErrClosed = errors.New("transport: closed")
)

// Peer is an opaque connection handle. The transport owns the underlying
// socket; holders must not assume a Peer is alive after OnClose fired.
type Peer interface {
	ID() string
	RemoteAddr() string
}

// Handler receives transport notifications on the network goroutine.
type Handler interface {
	// OnOpen is called when a peer connects.
	OnOpen(p Peer)

	// OnText is called for each text message.
	OnText(p Peer, data []byte)

	// OnBinary is called for each binary message.
	OnBinary(p Peer, data []byte)

	// OnClose is called once per peer with the close code it reported.
	OnClose(p Peer, code int, reason string)

	// OnDrain is called when a peer's write buffer has emptied.
	OnDrain(p Peer)

	// OnGet serves a plain HTTP GET on the listener. ok is false for 404.
	OnGet(path string) (data []byte, contentType string, ok bool)

	// OnServeError is called when the listener stops accepting connections.
	OnServeError(err error)
}

// Transport is a duplex socket backend.
type Transport interface {
	// Listen binds addr and starts serving. It returns the bound port.
	Listen(addr string, h Handler) (int, error)

	// SendText queues a text message for p.
	SendText(p Peer, data []byte) error

	// SendBinary queues a binary message for p.
	SendBinary(p Peer, data []byte) error

	// Buffered returns the bytes queued for p and not yet written.
	Buffered(p Peer) int

	// MaxBuffered is the per-peer buffer budget used for backpressure.
	MaxBuffered() int

	// Dispatch runs fn on the network goroutine. It returns false once the
	// transport is closed.
	Dispatch(fn func()) bool

	// ClosePeer starts a close handshake with p.
	ClosePeer(p Peer, code int, reason string) error

	// Close stops the listener, closes every peer and waits for the network
	// goroutine to exit. It must not be called from the network goroutine.
	Close(ctx context.Context) error
}

// IsPortFree reports whether host:port can be bound right now.
func IsPortFree(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
