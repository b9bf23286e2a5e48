package transport

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"path"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vango-dev/wsbridge/pkg/loop"
)

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	// Path is the URL path that accepts WebSocket upgrades.
	// Default: "/ws".
	Path string

	// MaxBuffered is the per-peer write buffer budget in bytes.
	// Default: 1MB.
	MaxBuffered int

	// HardLimitFactor multiplies MaxBuffered to get the point where sends
	// fail with ErrBackpressure instead of queueing.
	// Default: 4.
	HardLimitFactor int

	// MaxMessageSize is the maximum size of an incoming message.
	// Default: 16MB.
	MaxMessageSize int64

	// WriteTimeout is the maximum time to wait when writing a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// PingInterval is the time between heartbeat pings. A peer that stays
	// silent for two intervals is dropped.
	// Default: 30 seconds.
	PingInterval time.Duration

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin validates the upgrade request origin.
	// Default: allows all origins; the listener binds loopback by default.
	CheckOrigin func(r *http.Request) bool

	// MetricsPath mounts MetricsHandler when both are set.
	MetricsPath    string
	MetricsHandler http.Handler

	// Middleware wraps the plain HTTP routes. The upgrade route is not
	// wrapped.
	Middleware []func(http.Handler) http.Handler

	// Logger is the transport logger.
	// Default: slog.Default().
	Logger *slog.Logger
}

// DefaultWebSocketConfig returns a WebSocketConfig with sensible defaults.
func DefaultWebSocketConfig() *WebSocketConfig {
	return &WebSocketConfig{
		Path:            "/ws",
		MaxBuffered:     1024 * 1024,
		HardLimitFactor: 4,
		MaxMessageSize:  16 * 1024 * 1024,
		WriteTimeout:    10 * time.Second,
		PingInterval:    30 * time.Second,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

func (c *WebSocketConfig) fillDefaults() {
	d := DefaultWebSocketConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = d.MaxBuffered
	}
	if c.HardLimitFactor <= 0 {
		c.HardLimitFactor = d.HardLimitFactor
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = d.CheckOrigin
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// WebSocket is a Transport backed by gorilla/websocket.
//
// Each peer gets a reader goroutine and a writer goroutine. Readers never
// call the Handler directly; they dispatch onto the network goroutine, so
// callbacks are serialized.
type WebSocket struct {
	config   *WebSocketConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
	tasks    *loop.Queue[func()]

	mu         sync.Mutex
	handler    Handler
	httpServer *http.Server
	peers      map[string]*wsPeer
	running    bool

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewWebSocket creates a WebSocket transport.
func NewWebSocket(config *WebSocketConfig) *WebSocket {
	if config == nil {
		config = DefaultWebSocketConfig()
	}
	config.fillDefaults()

	return &WebSocket{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		logger: config.Logger.With("component", "transport"),
		tasks:  loop.NewQueue[func()](),
		peers:  make(map[string]*wsPeer),
	}
}

// Listen binds addr and serves HTTP and WebSocket upgrades on it. It may be
// called again after the previous listener failed.
func (w *WebSocket) Listen(addr string, h Handler) (int, error) {
	if w.closed.Load() {
		return 0, ErrClosed
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, err
	}

	srv := &http.Server{
		Handler:           w.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	w.mu.Lock()
	w.handler = h
	old := w.httpServer
	w.httpServer = srv
	if !w.running {
		w.running = true
		w.wg.Add(1)
		go w.networkLoop()
	}
	w.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("listener failed", "error", err)
			w.Dispatch(func() {
				if hh := w.currentHandler(); hh != nil {
					hh.OnServeError(err)
				}
			})
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	w.logger.Info("listening", "addr", ln.Addr().String(), "path", w.config.Path)
	return port, nil
}

func (w *WebSocket) currentHandler() Handler {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handler
}

// router builds the HTTP routes served on the listener.
func (w *WebSocket) router() http.Handler {
	r := chi.NewRouter()
	r.Get(w.config.Path, w.handleUpgrade)
	r.Group(func(r chi.Router) {
		r.Use(w.config.Middleware...)
		if w.config.MetricsPath != "" && w.config.MetricsHandler != nil {
			r.Handle(w.config.MetricsPath, w.config.MetricsHandler)
		}
		r.Get("/*", w.handleGet)
	})
	return r
}

// handleGet serves resources through Handler.OnGet. The callback runs on
// the network goroutine like every other handler call.
func (w *WebSocket) handleGet(rw http.ResponseWriter, r *http.Request) {
	type result struct {
		data        []byte
		contentType string
		ok          bool
	}
	done := make(chan result, 1)
	if !w.Dispatch(func() {
		var res result
		if h := w.currentHandler(); h != nil {
			res.data, res.contentType, res.ok = h.OnGet(r.URL.Path)
		}
		done <- res
	}) {
		http.Error(rw, "shutting down", http.StatusServiceUnavailable)
		return
	}

	var res result
	select {
	case res = <-done:
	case <-r.Context().Done():
		return
	}
	if !res.ok {
		http.NotFound(rw, r)
		return
	}
	ct := res.contentType
	if ct == "" {
		ct = mime.TypeByExtension(path.Ext(r.URL.Path))
	}
	if ct == "" {
		ct = http.DetectContentType(res.data)
	}
	rw.Header().Set("Content-Type", ct)
	rw.Header().Set("Cache-Control", "no-store")
	_, _ = rw.Write(res.data)
}

// handleUpgrade upgrades a request and starts the peer goroutines.
func (w *WebSocket) handleUpgrade(rw http.ResponseWriter, r *http.Request) {
	if w.closed.Load() {
		http.Error(rw, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(w.config.MaxMessageSize)

	p := newWSPeer(uuid.NewString(), conn, w)

	w.mu.Lock()
	w.peers[p.id] = p
	w.mu.Unlock()

	// OnOpen is dispatched before the reader starts so it always precedes
	// the peer's first message.
	w.Dispatch(func() {
		if h := w.currentHandler(); h != nil {
			h.OnOpen(p)
		}
	})

	w.wg.Add(2)
	go p.writeLoop()
	go p.readLoop()
}

// networkLoop runs dispatched work one function at a time.
func (w *WebSocket) networkLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.tasks.Notify():
		case <-w.tasks.Done():
			for _, fn := range w.tasks.Drain() {
				w.run(fn)
			}
			return
		}
		for _, fn := range w.tasks.Drain() {
			w.run(fn)
		}
	}
}

func (w *WebSocket) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("network callback panic",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Dispatch runs fn on the network goroutine.
func (w *WebSocket) Dispatch(fn func()) bool {
	return w.tasks.Push(fn)
}

func (w *WebSocket) lookup(p Peer) (*wsPeer, error) {
	if p == nil {
		return nil, ErrPeerGone
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	wp, ok := w.peers[p.ID()]
	if !ok {
		return nil, ErrPeerGone
	}
	return wp, nil
}

// SendText queues a text message.
func (w *WebSocket) SendText(p Peer, data []byte) error {
	return w.send(p, websocket.TextMessage, data)
}

// SendBinary queues a binary message.
func (w *WebSocket) SendBinary(p Peer, data []byte) error {
	return w.send(p, websocket.BinaryMessage, data)
}

func (w *WebSocket) send(p Peer, kind int, data []byte) error {
	if w.closed.Load() {
		return ErrClosed
	}
	wp, err := w.lookup(p)
	if err != nil {
		return err
	}
	return wp.enqueue(kind, data, w.config.MaxBuffered*w.config.HardLimitFactor)
}

// Buffered returns the bytes queued for p.
func (w *WebSocket) Buffered(p Peer) int {
	wp, err := w.lookup(p)
	if err != nil {
		return 0
	}
	return int(wp.buffered.Load())
}

// MaxBuffered returns the per-peer buffer budget.
func (w *WebSocket) MaxBuffered() int {
	return w.config.MaxBuffered
}

// ClosePeer sends a close frame and closes the connection.
func (w *WebSocket) ClosePeer(p Peer, code int, reason string) error {
	wp, err := w.lookup(p)
	if err != nil {
		return err
	}
	wp.shutdown(code, reason)
	return nil
}

// Close stops the listener, closes all peers and joins every goroutine the
// transport started.
func (w *WebSocket) Close(ctx context.Context) error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}

	w.mu.Lock()
	srv := w.httpServer
	peers := make([]*wsPeer, 0, len(w.peers))
	for _, p := range w.peers {
		peers = append(peers, p)
	}
	w.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	for _, p := range peers {
		p.shutdown(websocket.CloseGoingAway, "server shutdown")
	}

	w.tasks.Close()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// removePeer forgets a peer and reports its close on the network goroutine.
func (w *WebSocket) removePeer(p *wsPeer, code int, reason string) {
	w.mu.Lock()
	_, ok := w.peers[p.id]
	delete(w.peers, p.id)
	w.mu.Unlock()
	if !ok {
		return
	}
	w.Dispatch(func() {
		if h := w.currentHandler(); h != nil {
			h.OnClose(p, code, reason)
		}
	})
}

type outMsg struct {
	kind int
	data []byte
}

// wsPeer is one WebSocket connection.
type wsPeer struct {
	id     string
	remote string
	conn   *websocket.Conn
	ws     *WebSocket

	mu       sync.Mutex
	cond     *sync.Cond
	out      []outMsg
	closing  bool
	code     int
	reason   string
	buffered atomic.Int64

	closeOnce sync.Once
}

func newWSPeer(id string, conn *websocket.Conn, ws *WebSocket) *wsPeer {
	p := &wsPeer{
		id:     id,
		remote: conn.RemoteAddr().String(),
		conn:   conn,
		ws:     ws,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *wsPeer) ID() string         { return p.id }
func (p *wsPeer) RemoteAddr() string { return p.remote }

func (p *wsPeer) enqueue(kind int, data []byte, hardLimit int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return ErrPeerGone
	}
	if int(p.buffered.Load())+len(data) > hardLimit && len(p.out) > 0 {
		return ErrBackpressure
	}
	p.out = append(p.out, outMsg{kind: kind, data: data})
	p.buffered.Add(int64(len(data)))
	p.cond.Signal()
	return nil
}

// writeLoop writes queued messages and pings until the peer closes.
func (p *wsPeer) writeLoop() {
	defer p.ws.wg.Done()

	cfg := p.ws.config
	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(cfg.WriteTimeout)
				if err := p.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			case <-stopPing:
				return
			}
		}
	}()

	for {
		p.mu.Lock()
		for len(p.out) == 0 && !p.closing {
			p.cond.Wait()
		}
		if p.closing {
			p.mu.Unlock()
			return
		}
		msg := p.out[0]
		p.out[0] = outMsg{}
		p.out = p.out[1:]
		p.mu.Unlock()

		_ = p.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
		err := p.conn.WriteMessage(msg.kind, msg.data)
		left := p.buffered.Add(-int64(len(msg.data)))
		if err != nil {
			p.ws.logger.Error("write error", "peer", p.id, "error", err)
			p.shutdown(websocket.CloseAbnormalClosure, "write failed")
			return
		}
		if left == 0 {
			p.ws.Dispatch(func() {
				if h := p.ws.currentHandler(); h != nil {
					h.OnDrain(p)
				}
			})
		}
	}
}

// readLoop reads messages until the connection fails, then reports the close.
func (p *wsPeer) readLoop() {
	defer p.ws.wg.Done()

	cfg := p.ws.config
	extend := func() {
		_ = p.conn.SetReadDeadline(time.Now().Add(2 * cfg.PingInterval))
	}
	extend()
	p.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseAbnormalClosure, err.Error()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				p.ws.logger.Error("read error", "peer", p.id, "error", err)
			}
			code, reason = p.shutdown(code, reason)
			p.ws.removePeer(p, code, reason)
			return
		}
		extend()

		switch kind {
		case websocket.TextMessage:
			p.ws.Dispatch(func() {
				if h := p.ws.currentHandler(); h != nil {
					h.OnText(p, data)
				}
			})
		case websocket.BinaryMessage:
			p.ws.Dispatch(func() {
				if h := p.ws.currentHandler(); h != nil {
					h.OnBinary(p, data)
				}
			})
		}
	}
}

// shutdown sends a close frame once and closes the socket, which ends both
// peer goroutines. It returns the code and reason of the first shutdown.
func (p *wsPeer) shutdown(code int, reason string) (int, string) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closing = true
		p.code, p.reason = code, reason
		dropped := p.out
		p.out = nil
		p.cond.Broadcast()
		p.mu.Unlock()

		for _, m := range dropped {
			p.buffered.Add(-int64(len(m.data)))
		}

		if code != websocket.CloseAbnormalClosure {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		_ = p.conn.Close()
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.reason
}
