package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/vango-dev/wsbridge/pkg/protocol"
	"github.com/vango-dev/wsbridge/pkg/server"
)

// echoOwner is the owner behind "wsbridge serve". It only runs on the loop
// goroutine, so its fields need no locking.
type echoOwner struct {
	srv    *server.Server
	logger *slog.Logger
	seq    int
	failed bool
}

func newEchoOwner(srv *server.Server, logger *slog.Logger) *echoOwner {
	return &echoOwner{srv: srv, logger: logger.With("component", "owner")}
}

type echoMessage struct {
	Type  string          `json:"type"`
	Seq   int             `json:"seq"`
	Value json.RawMessage `json:"value"`
}

func (o *echoOwner) handle(ev server.Event) {
	switch ev.Kind {
	case server.EventOpen:
		o.logger.Debug("peer opened", "peer", ev.Peer.ID())

	case server.EventMessage:
		switch ev.Message.Type {
		case protocol.TypeUIReady, protocol.TypeExtensionReady:
			o.logger.Info("peer ready", "peer", ev.Peer.ID(), "class", ev.Class)
		case protocol.TypeExitRequest, protocol.TypeCloseRequest:
			o.logger.Info("exit requested", "peer", ev.Peer.ID())
			o.shutdown()
		default:
			o.echo(ev)
		}

	case server.EventBinary:
		o.logger.Info("frame received",
			"peer", ev.Peer.ID(),
			"type", ev.Frame.Type(),
			"size", ev.Frame.Size())
		if ev.Class == protocol.ClassController {
			if err := o.srv.SendFrame(ev.Class, ev.Frame, true); err != nil {
				o.logger.Warn("frame echo failed", "error", err)
			}
		}

	case server.EventResend:
		o.srv.Flush()

	case server.EventClose:
		o.logger.Info("session closed", "status", ev.Status, "code", ev.Code)
		if ev.Status == protocol.StatusFail {
			o.failed = true
		}
		if ev.Status != protocol.StatusExit {
			o.shutdown()
		}
	}
}

// echo sends the message back to its sender's class together with a
// second copy addressed to every peer, as one batch per class.
func (o *echoOwner) echo(ev server.Event) {
	o.seq++
	o.logger.Info("message", "peer", ev.Peer.ID(), "type", ev.Message.Type, "seq", o.seq)

	if err := o.srv.BeginBatch(); err != nil {
		o.logger.Warn("begin batch failed", "error", err)
		return
	}
	if err := o.srv.Send(ev.Class, echoMessage{Type: "echo", Seq: o.seq, Value: ev.Message.Raw}); err != nil {
		o.logger.Warn("echo send failed", "seq", o.seq, "error", err)
	}
	if err := o.srv.Send(ev.Class, map[string]any{"type": "ack", "seq": o.seq}); err != nil {
		o.logger.Warn("ack send failed", "seq", o.seq, "error", err)
	}
	if err := o.srv.EndBatch(context.Background()); err != nil {
		o.logger.Warn("echo failed", "seq", o.seq, "error", err)
	}
}

func (o *echoOwner) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.srv.Shutdown(ctx); err != nil {
		o.logger.Warn("shutdown failed", "error", err)
	}
}
