// Package server is the session state machine between a native owner
// process and the renderer peers connected over a local WebSocket.
//
// # Architecture
//
// A Server owns a transport, a peer registry and an outbound queue:
//
//   - Transport: the duplex socket backend; all of its callbacks run on one
//     network goroutine
//   - Registry: connected peers and the class each one announced
//   - Queue: text and binary messages waiting for a peer with room
//   - Sender: drains the queue onto the transport under backpressure
//
// The owner talks to the server through method calls (Send, BeginBatch,
// EndBatch, SendFrame, Query, Shutdown) and hears back through the
// Events mailbox. The mailbox is unbounded, so the network goroutine never
// waits on the owner.
//
// # Session Lifecycle
//
//	NotStarted ─► Running ─► Pending ─► Reload ─► Running
//	                 │          │
//	                 │          └─► Close ─► Exit
//	                 └─► Retry ─► Running | Exit
//
// Start binds the first free port, probing up to MaxPortAttempts ports.
// When the last controller disconnects the session waits ReconnectGrace for
// a new controller to announce itself with ui_ready; otherwise the owner
// receives EventClose with StatusClose for a graceful close code or
// StatusFail for an abnormal one. Shutdown ends the session with a single
// EventClose{StatusExit, 0} and closes the mailbox.
//
// # Inbound Messages
//
// Text messages are routed by their "type" field:
//   - keepalive: swallowed
//   - ui_ready, extension_ready: classify the peer, then forwarded
//   - log, extension with a level: written to the server logger
//   - query, extension_response with a pending id: answer Query
//   - anything else: forwarded as EventMessage
//
// # Batching
//
// Between BeginBatch and EndBatch, Send collects values per target class.
// EndBatch sends one {"type":"batch","batches":[...]} message per target.
//
// # Example
//
//	srv := server.New(&server.Config{Port: 30000})
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	defer srv.Shutdown(context.Background())
//
//	for {
//	    <-srv.Events().Notify()
//	    for _, ev := range srv.Events().Drain() {
//	        // handle ev
//	    }
//	}
package server
