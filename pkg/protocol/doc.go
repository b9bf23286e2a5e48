// Package protocol implements the two wire formats a bridge speaks with its
// renderer peers.
//
// # Text Channel
//
// Text messages are JSON objects with a string "type" field. The bridge
// only decodes the routing fields (type, id, level, msg) and keeps the rest
// in Message.Raw for the owner. Reserved types:
//
//   - keepalive: liveness ping, swallowed
//   - ui_ready, extension_ready: handshake announcing the peer class
//   - log, extension: diagnostic lines re-emitted through slog
//   - query, extension_response: replies to a pending query
//   - batch: {"type":"batch","batches":[...]} carrying several values
//   - pull: notice that a large payload waits at GET /pull/{id}
//
// # Binary Channel
//
// Binary messages are Frames: little-endian 4-byte words made of a
// preamble (type, element count, owner tag words, header words), the
// payload, a class-specific header and an optional UTF-16 owner tag.
//
//	f, err := protocol.NewTileFrame("canvas-1", protocol.TileHeader{
//	    Width: 64, Height: 64, Final: true,
//	}, pixels)
//
// DecodeFrame validates every count against the buffer length before
// allocating, so a hostile peer cannot request an oversized frame.
//
// # Peer Classes and Close Codes
//
// PeerClass names the role a peer announced (controller or extension) and
// doubles as a send target, with ClassAll addressing everyone.
// IsGracefulClose separates orderly WebSocket closes (1000, 1001, 1005)
// from abnormal ones.
package protocol
