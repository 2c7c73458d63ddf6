// Package protocol implements the wire-level pieces of the Socket.IO
// version 1 protocol as served by the MtGox streaming feed: the
// `type:id:endpoint:data` message envelope, RFC 6455 frame
// encoding/decoding, and the client side of the WebSocket upgrade
// handshake.
package protocol

import (
	"strings"

	"github.com/pkg/errors"
)

// MessageType identifies one of the nine Socket.IO message types.
type MessageType int

// The message type codes defined by the Socket.IO protocol.
const (
	Disconnect MessageType = iota
	Connect
	Heartbeat
	Text
	JSON
	Event
	ACK
	Error
	Noop
)

// HeartbeatPayload is the literal heartbeat message.
const HeartbeatPayload = "2::"

// Message represents one decoded Socket.IO envelope.
type Message struct {
	Type MessageType

	// message id, used by the server to match acks to requests
	ID string

	// the logical sub-channel this message belongs to
	Endpoint string

	// the raw data field; for JSON messages this is the undecoded
	// JSON text
	Data string
}

// ParseMessage decodes a Socket.IO envelope of the form
// `type:id:endpoint:data`. Fields beyond the first may be absent, in
// which case they are empty. A payload whose type field is not a
// single digit in the range 0-8 is rejected as malformed.
func ParseMessage(raw string) (Message, error) {
	parts := strings.SplitN(raw, ":", 4)
	if len(parts[0]) != 1 || parts[0][0] < '0' || parts[0][0] > '8' {
		return Message{}, errors.Errorf("malformed message: %q", raw)
	}
	if len(parts) < 2 {
		return Message{}, errors.Errorf("malformed message: %q", raw)
	}

	m := Message{Type: MessageType(parts[0][0] - '0')}
	m.ID = parts[1]
	if len(parts) > 2 {
		m.Endpoint = parts[2]
	}
	if len(parts) > 3 {
		m.Data = parts[3]
	}

	return m, nil
}

// Encode produces the wire form of the message. The inverse of
// ParseMessage for any message this client sends.
func (m Message) Encode() string {
	s := string(byte(m.Type)+'0') + ":" + m.ID + ":" + m.Endpoint
	if m.Data != "" {
		s += ":" + m.Data
	}
	return s
}
