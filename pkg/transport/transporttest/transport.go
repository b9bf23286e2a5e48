// Package transporttest provides an in-memory Transport for tests.
//
// Dispatch runs functions synchronously on the calling goroutine, so tests
// observe the effects of a send as soon as the call returns. Buffered byte
// counts, occupied ports and send failures are scripted by the test.
package transporttest

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/vango-dev/wsbridge/pkg/transport"
)

// Peer is a fake connection handle.
type Peer struct {
	id string
}

// NewPeer creates a peer with the given ID.
func NewPeer(id string) *Peer {
	return &Peer{id: id}
}

func (p *Peer) ID() string         { return p.id }
func (p *Peer) RemoteAddr() string { return "fake:" + p.id }

// Message is a message written by the transport.
type Message struct {
	Peer   string
	Binary bool
	Data   []byte
}

// Closed records a ClosePeer call.
type Closed struct {
	Peer   string
	Code   int
	Reason string
}

// Transport is an in-memory transport.Transport.
type Transport struct {
	mu       sync.Mutex
	handler  transport.Handler
	max      int
	buffered map[string]int
	grow     bool
	sent     []Message
	occupied map[int]bool
	attempts []int
	failures map[string]error
	closes   []Closed
	closed   bool
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport with the given per-peer buffer budget.
func New(maxBuffered int) *Transport {
	return &Transport{
		max:      maxBuffered,
		buffered: make(map[string]int),
		occupied: make(map[int]bool),
		failures: make(map[string]error),
	}
}

// Occupy marks ports as bound by someone else.
func (t *Transport) Occupy(ports ...int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range ports {
		t.occupied[p] = true
	}
}

// PortFree is a port check that consults the occupied set.
func (t *Transport) PortFree(host string, port int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.occupied[port]
}

// Attempts returns every port Listen was asked to bind, in order.
func (t *Transport) Attempts() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.attempts...)
}

// Listen records the attempt and fails for occupied ports.
func (t *Transport) Listen(addr string, h transport.Handler) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, transport.ErrClosed
	}
	t.attempts = append(t.attempts, port)
	if t.occupied[port] {
		return 0, fmt.Errorf("listen tcp %s: address already in use", addr)
	}
	t.handler = h
	return port, nil
}

// GrowBuffers makes every successful send add its size to the peer's
// buffered count, simulating a peer that never reads.
func (t *Transport) GrowBuffers(on bool) {
	t.mu.Lock()
	t.grow = on
	t.mu.Unlock()
}

// SetBuffered sets the buffered byte count reported for p.
func (t *Transport) SetBuffered(p transport.Peer, n int) {
	t.mu.Lock()
	t.buffered[p.ID()] = n
	t.mu.Unlock()
}

// FailSends makes every send to p return err. A nil err clears the failure.
func (t *Transport) FailSends(p transport.Peer, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.failures, p.ID())
		return
	}
	t.failures[p.ID()] = err
}

func (t *Transport) send(p transport.Peer, binary bool, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	if err := t.failures[p.ID()]; err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	t.sent = append(t.sent, Message{Peer: p.ID(), Binary: binary, Data: buf})
	if t.grow {
		t.buffered[p.ID()] += len(data)
	}
	return nil
}

// SendText records a text message.
func (t *Transport) SendText(p transport.Peer, data []byte) error {
	return t.send(p, false, data)
}

// SendBinary records a binary message.
func (t *Transport) SendBinary(p transport.Peer, data []byte) error {
	return t.send(p, true, data)
}

// Buffered returns the scripted buffered count for p.
func (t *Transport) Buffered(p transport.Peer) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buffered[p.ID()]
}

// MaxBuffered returns the buffer budget.
func (t *Transport) MaxBuffered() int {
	return t.max
}

// Dispatch runs fn immediately.
func (t *Transport) Dispatch(fn func()) bool {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return false
	}
	fn()
	return true
}

// ClosePeer records the close. Use Disconnect to deliver the close
// notification.
func (t *Transport) ClosePeer(p transport.Peer, code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes = append(t.closes, Closed{Peer: p.ID(), Code: code, Reason: reason})
	return nil
}

// Close marks the transport closed.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (t *Transport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Sent returns every message written so far.
func (t *Transport) Sent() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.sent...)
}

// SentText returns the text messages written to p as strings.
func (t *Transport) SentText(p transport.Peer) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, m := range t.sent {
		if m.Peer == p.ID() && !m.Binary {
			out = append(out, string(m.Data))
		}
	}
	return out
}

// SentBinary returns the binary messages written to p.
func (t *Transport) SentBinary(p transport.Peer) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out [][]byte
	for _, m := range t.sent {
		if m.Peer == p.ID() && m.Binary {
			out = append(out, m.Data)
		}
	}
	return out
}

// Closes returns the recorded ClosePeer calls.
func (t *Transport) Closes() []Closed {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Closed(nil), t.closes...)
}

func (t *Transport) current() transport.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// Connect delivers OnOpen for p.
func (t *Transport) Connect(p transport.Peer) {
	t.current().OnOpen(p)
}

// Receive delivers a text message from p.
func (t *Transport) Receive(p transport.Peer, text string) {
	t.current().OnText(p, []byte(text))
}

// ReceiveBinary delivers a binary message from p.
func (t *Transport) ReceiveBinary(p transport.Peer, data []byte) {
	t.current().OnBinary(p, data)
}

// Disconnect delivers OnClose for p.
func (t *Transport) Disconnect(p transport.Peer, code int) {
	t.mu.Lock()
	delete(t.buffered, p.ID())
	t.mu.Unlock()
	t.current().OnClose(p, code, "")
}

// Drain empties p's buffer and delivers OnDrain.
func (t *Transport) Drain(p transport.Peer) {
	t.SetBuffered(p, 0)
	t.current().OnDrain(p)
}

// Get performs an HTTP-style fetch through the handler.
func (t *Transport) Get(path string) ([]byte, string, bool) {
	return t.current().OnGet(path)
}

// FailServe delivers OnServeError.
func (t *Transport) FailServe(err error) {
	t.current().OnServeError(err)
}
