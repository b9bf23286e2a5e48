package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Reserved values of the "type" field on the text channel.
const (
	TypeKeepalive         = "keepalive"
	TypeUIReady           = "ui_ready"
	TypeExtensionReady    = "extension_ready"
	TypeLog               = "log"
	TypeExtension         = "extension"
	TypeQuery             = "query"
	TypeExtensionResponse = "extension_response"
	TypeEvent             = "event"
	TypeExitRequest       = "exit_request"
	TypeError             = "error"
	TypeCloseRequest      = "close_request"
	TypeBatch             = "batch"
	TypePull              = "pull"
)

// ErrInvalidMessage is returned for text messages that are not JSON objects
// with a string "type" field.
var ErrInvalidMessage = errors.New("protocol: invalid text message")

// Kind is the routing class of an inbound text message.
type Kind uint8

const (
	KindOther     Kind = iota // Forwarded to the owner
	KindKeepalive             // Swallowed
	KindHandshake             // Classifies the peer, then forwarded
	KindLog                   // Re-emitted through the local logger
	KindResponse              // Answers a pending query
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindKeepalive:
		return "keepalive"
	case KindHandshake:
		return "handshake"
	case KindLog:
		return "log"
	case KindResponse:
		return "response"
	default:
		return "other"
	}
}

// Message is a parsed inbound text message. Only the routing fields are
// decoded; the application schema stays in Raw.
type Message struct {
	Type  string
	ID    string
	Level string
	Msg   string
	Raw   json.RawMessage
}

type messageFields struct {
	Type  string          `json:"type"`
	ID    json.RawMessage `json:"id,omitempty"`
	Level string          `json:"level,omitempty"`
	Msg   json.RawMessage `json:"msg,omitempty"`
}

// ParseMessage decodes the routing fields of a text message.
func ParseMessage(data []byte) (*Message, error) {
	var f messageFields
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}

	raw := make(json.RawMessage, len(data))
	copy(raw, data)

	return &Message{
		Type:  f.Type,
		ID:    scalarString(f.ID),
		Level: f.Level,
		Msg:   scalarString(f.Msg),
		Raw:   raw,
	}, nil
}

// scalarString renders a JSON string as its contents and any other value as
// its literal text, so {"id":7} and {"id":"7"} correlate the same way.
func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

// Kind classifies the message for routing.
func (m *Message) Kind() Kind {
	switch m.Type {
	case TypeKeepalive:
		return KindKeepalive
	case TypeUIReady, TypeExtensionReady:
		return KindHandshake
	case TypeLog, TypeExtension:
		if m.Level != "" {
			return KindLog
		}
	case TypeQuery, TypeExtensionResponse:
		if m.ID != "" {
			return KindResponse
		}
	}
	return KindOther
}

// HandshakeClass returns the peer class announced by a handshake message.
func (m *Message) HandshakeClass() (PeerClass, bool) {
	switch m.Type {
	case TypeUIReady:
		return ClassController, true
	case TypeExtensionReady:
		return ClassExtension, true
	default:
		return ClassUndefined, false
	}
}

// LogLevel maps a peer severity name to a slog level. Unknown names map to Info.
func LogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EncodeBatch wraps already-encoded messages into one aggregate message.
func EncodeBatch(values []json.RawMessage) ([]byte, error) {
	return json.Marshal(struct {
		Type    string            `json:"type"`
		Batches []json.RawMessage `json:"batches"`
	}{TypeBatch, values})
}

// DecodeBatch returns the members of an aggregate batch message.
func DecodeBatch(data []byte) ([]json.RawMessage, error) {
	var b struct {
		Type    string            `json:"type"`
		Batches []json.RawMessage `json:"batches"`
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if b.Type != TypeBatch {
		return nil, fmt.Errorf("%w: type %q is not a batch", ErrInvalidMessage, b.Type)
	}
	return b.Batches, nil
}

// EncodeQuery builds a query request correlated by id.
func EncodeQuery(id string, query any) ([]byte, error) {
	return json.Marshal(struct {
		Type  string `json:"type"`
		ID    string `json:"id"`
		Query any    `json:"query"`
	}{TypeQuery, id, query})
}

// EncodePull builds the notice sent in place of a payload that is served
// over HTTP instead of the socket.
func EncodePull(id string, size int) ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Size int    `json:"size"`
	}{TypePull, id, size})
}

// Marshal encodes an outbound value. Byte slices and json.RawMessage are
// assumed to hold JSON already and pass through after validation.
func Marshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case json.RawMessage:
		if !json.Valid(val) {
			return nil, ErrInvalidMessage
		}
		return val, nil
	case []byte:
		if !json.Valid(val) {
			return nil, ErrInvalidMessage
		}
		return val, nil
	default:
		return json.Marshal(v)
	}
}
