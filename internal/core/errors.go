package core

import "errors"

var (
	// ErrMalformedPayload is returned for inbound payloads that cannot be parsed
	// or lack required fields.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrNoPreviousRoom rejects an init without a room from a user who never joined one.
	ErrNoPreviousRoom = errors.New("no previous room")
	// ErrNoRoom drops a chat message from a user whose room cannot be resolved.
	ErrNoRoom = errors.New("user has no room")
	// ErrConnBusy is returned by Conn.Send when the outbound buffer is full.
	ErrConnBusy = errors.New("connection not writable")
	// ErrConnClosed is returned by Conn.Send after the connection closed.
	ErrConnClosed = errors.New("connection closed")
)
