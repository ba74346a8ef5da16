package core

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/chat-relay/internal/proto"
	"github.com/vovakirdan/chat-relay/internal/store"
)

// Broadcaster fans a room entry out to every local connection whose user
// currently resolves to that room.
type Broadcaster struct {
	registry *Registry
	resolver *Resolver
	log      *zerolog.Logger
}

// NewBroadcaster builds a broadcaster over the registry.
func NewBroadcaster(registry *Registry, resolver *Resolver, logger *zerolog.Logger) *Broadcaster {
	return &Broadcaster{registry: registry, resolver: resolver, log: logger}
}

// Deliver sends e to the matching connections and returns how many accepted it.
// Calling it twice with the same entry sends it twice.
func (b *Broadcaster) Deliver(ctx context.Context, room string, e store.Entry) int {
	payload, err := json.Marshal(proto.Delivered{
		Type:      proto.OutboundTypeMessage,
		User:      e.User,
		Text:      e.Text,
		Timestamp: strconv.FormatInt(e.Timestamp, 10),
		ID:        e.ID,
	})
	if err != nil {
		b.log.Error().Err(err).Str("room", room).Str("entry_id", e.ID).Msg("encode delivery")
		return 0
	}

	delivered, lookups := 0, 0
	for _, binding := range b.registry.Bindings() {
		if !binding.Conn.Writable() {
			continue
		}
		lookups++

		userRoom, ok := b.resolver.Resolve(ctx, binding.User)
		if !ok || userRoom != room {
			continue
		}

		if err := binding.Conn.Send(ctx, payload); err != nil {
			ev := b.log.Warn()
			if errors.Is(err, ErrConnBusy) || errors.Is(err, ErrConnClosed) {
				ev = b.log.Debug()
			}
			ev.Err(err).Str("room", room).Str("user", binding.User).Str("conn_id", binding.Conn.ID()).Msg("skip delivery")
			continue
		}
		delivered++
	}

	b.log.Debug().
		Str("room", room).
		Str("entry_id", e.ID).
		Str("from", e.User).
		Int("delivered", delivered).
		Int("lookups", lookups).
		Msg("broadcast")
	return delivered
}
