package core

import (
	"encoding/json"
	"fmt"

	"github.com/vovakirdan/chat-relay/internal/proto"
)

// CommandKind describes what the client wants to do.
type CommandKind int

const (
	// CommandInit binds the connection to a user and a room.
	CommandInit CommandKind = iota
	// CommandSendMessage appends a chat message to the user's room.
	CommandSendMessage
)

// Command represents an action requested by a client.
type Command struct {
	Kind CommandKind
	User string
	Room string
	Text string
}

// ParseCommand decodes an inbound payload. Unknown types and missing
// required fields yield ErrMalformedPayload.
func ParseCommand(payload []byte) (Command, error) {
	var in proto.Inbound
	if err := json.Unmarshal(payload, &in); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch in.Type {
	case proto.InboundTypeInit:
		if in.User == "" {
			return Command{}, fmt.Errorf("%w: init without user", ErrMalformedPayload)
		}
		return Command{Kind: CommandInit, User: in.User, Room: in.Room}, nil
	case proto.InboundTypeMessage:
		if in.User == "" || in.Text == "" {
			return Command{}, fmt.Errorf("%w: message without user or text", ErrMalformedPayload)
		}
		return Command{Kind: CommandSendMessage, User: in.User, Text: in.Text}, nil
	default:
		return Command{}, fmt.Errorf("%w: unknown type %q", ErrMalformedPayload, in.Type)
	}
}
