package broker

import "fmt"

// AuthFailure covers every reason verify({token,password}) or the data-plane
// auth handshake can fail. Reason is one of "invalid token", "invalid
// password", "auth required", "unauthorized".
type AuthFailure struct {
	Reason string
}

func (e *AuthFailure) Error() string { return e.Reason }

// ProtocolError is a malformed inbound message: bad JSON, missing type, or
// an unknown variant. The socket stays open; the client gets an error
// reply.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string { return "invalid message format" }

// GatewayError wraps a failed multiplexer command. The broker continues
// running; the issuing client sees the message.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *GatewayError) Unwrap() error { return e.Err }

// InitialAttachFailure means ensureAttachedSession could not attach the
// control context to any session. The context stays authenticated but
// without attachedSession.
type InitialAttachFailure struct {
	Err error
}

func (e *InitialAttachFailure) Error() string { return "initial attach failed: " + e.Err.Error() }
func (e *InitialAttachFailure) Unwrap() error { return e.Err }

// RuntimeExit signals the attached PTY process exited. It is reported to
// the client as info, never as error.
type RuntimeExit struct {
	Err error
}

func (e *RuntimeExit) Error() string {
	if e.Err == nil {
		return "tmux client exited"
	}
	return "tmux client exited: " + e.Err.Error()
}

// ShutdownError is logged during teardown and never surfaced to a client.
type ShutdownError struct {
	Op  string
	Err error
}

func (e *ShutdownError) Error() string { return fmt.Sprintf("shutdown: %s: %v", e.Op, e.Err) }
func (e *ShutdownError) Unwrap() error { return e.Err }
