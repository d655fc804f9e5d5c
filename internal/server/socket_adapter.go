package server

import (
	"context"

	"github.com/coder/websocket"
	"github.com/muxgate/muxgate/internal/broker"
)

// wsSocket adapts a *websocket.Conn to broker.Socket, so broker logic never
// imports the transport package directly and stays testable against a fake.
type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Read(ctx context.Context) (broker.MessageType, []byte, error) {
	mt, data, err := s.conn.Read(ctx)
	if err != nil {
		return 0, nil, err
	}
	return fromWSMessageType(mt), data, nil
}

func (s *wsSocket) Write(ctx context.Context, mt broker.MessageType, data []byte) error {
	return s.conn.Write(ctx, toWSMessageType(mt), data)
}

func (s *wsSocket) Close(code int, reason string) error {
	return s.conn.Close(websocket.StatusCode(code), reason)
}

func fromWSMessageType(mt websocket.MessageType) broker.MessageType {
	if mt == websocket.MessageBinary {
		return broker.MessageBinary
	}
	return broker.MessageText
}

func toWSMessageType(mt broker.MessageType) websocket.MessageType {
	if mt == broker.MessageBinary {
		return websocket.MessageBinary
	}
	return websocket.MessageText
}
