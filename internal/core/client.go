package core

import "context"

// Conn is a live client connection as seen by the core layer.
type Conn interface {
	// ID identifies the connection in logs.
	ID() string
	// Send queues payload for delivery. It returns ErrConnBusy when the
	// connection cannot take more data right now.
	Send(ctx context.Context, payload []byte) error
	// Writable reports whether the connection is open for writes.
	Writable() bool
	// Ping starts a liveness probe; a successful probe comes back as EventPong.
	Ping()
	// Terminate drops the connection without a close handshake.
	Terminate()
}
