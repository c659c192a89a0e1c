// pkg/interfaces/transport.go
package interfaces

import (
	"context"
	"errors"
)

var (
	ErrConnectionFailed    = errors.New("connection failed")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrNotConnected        = errors.New("not connected")
	ErrSendQueueFull       = errors.New("send queue full")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
)

// TransportProtocol is one open bidirectional message channel. A value is
// connected at most once; reconnecting means building a new one.
type TransportProtocol interface {
	Connect(ctx context.Context) error
	// Send queues data for writing and returns without waiting for the write.
	Send(data []byte, msgType MessageType) error
	// Receive yields complete inbound messages. It is closed once the
	// connection ends.
	Receive() <-chan Message
	// Done is closed when the connection leaves the open state for good.
	Done() <-chan struct{}
	State() TransportState
	// CloseStatus reports the close code and reason sent by the peer, or
	// CloseNoStatus when none was received.
	CloseStatus() (code int, reason string)
	// Close performs the graceful close handshake.
	Close(code int, reason string) error
	// Abort drops the connection without a close handshake.
	Abort()
	ProtocolType() string
}

type Message struct {
	Payload []byte
	Type    MessageType
}

type MessageType int

const (
	MsgText    MessageType = iota // UTF-8 text
	MsgBinary                     // raw bytes
	MsgControl                    // close/ping/pong
)

// TransportState mirrors the lifecycle of the underlying socket.
type TransportState int32

const (
	StateConnecting TransportState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s TransportState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close status codes (RFC 6455 section 7.4.1).
const (
	CloseNoStatus        = 0
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	CloseAbnormalClosure = 1006
	CloseInternalError   = 1011
)
