package core

// EventKind is something that happened on a client connection.
type EventKind int

const (
	// EventConnect registers a freshly accepted connection.
	EventConnect EventKind = iota
	// EventMessage carries a raw inbound payload.
	EventMessage
	// EventPong answers a liveness probe.
	EventPong
	// EventDisconnect fires once the connection is gone.
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventMessage:
		return "message"
	case EventPong:
		return "pong"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Event is handed to Hub.Dispatch by the transport. Connect, Message and
// Disconnect of one connection must be dispatched sequentially; Pong may
// arrive concurrently.
type Event struct {
	Kind    EventKind
	Conn    Conn
	Payload []byte
}
