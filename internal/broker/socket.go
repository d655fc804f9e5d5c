package broker

import "context"

// MessageType mirrors the text/binary distinction coder/websocket exposes,
// kept as its own type so this package has no import-time dependency on any
// particular websocket library.
type MessageType int

const (
	MessageText MessageType = iota
	MessageBinary
)

// Socket is the narrow capability the broker needs from an upgraded
// WebSocket connection. The real adapter (internal/server) wraps
// *websocket.Conn; tests use an in-memory fake.
type Socket interface {
	Read(ctx context.Context) (MessageType, []byte, error)
	Write(ctx context.Context, mt MessageType, data []byte) error
	Close(code int, reason string) error
}

// Close codes used on both planes.
const (
	CloseReconnected     = 4000
	CloseUnauthorized    = 4001
	closeReasonReconnect = "reconnected"
)
