package proto

const (
	InboundTypeInit    = "init"
	InboundTypeMessage = "message"

	OutboundTypeMessage = "message"
)

// Inbound is any payload a client sends. Fields not used by Type are empty.
type Inbound struct {
	Type string `json:"type"`
	User string `json:"user"`
	Room string `json:"room,omitempty"`
	Text string `json:"text,omitempty"`
}

// Delivered is a room message pushed to every connection in the room.
type Delivered struct {
	Type      string `json:"type"`
	User      string `json:"user"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"` // unix milliseconds, decimal
	ID        string `json:"id"`
}

// Health is the body of the health endpoint.
type Health struct {
	Status    string  `json:"status"`
	Timestamp string  `json:"timestamp"`
	Uptime    float64 `json:"uptime"`
}
