package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/chat-relay/internal/store"
)

// Options tunes the delivery pipeline.
type Options struct {
	// Group is the consumer group shared by every relay process.
	Group string
	// Consumer is this process's identity inside Group.
	Consumer string

	CacheTTL           time.Duration
	CacheSweepInterval time.Duration
	ReadBlock          time.Duration
	ReadCount          int64
	PollInterval       time.Duration
	ErrorBackoff       time.Duration
	ProbeInterval      time.Duration
	// ClaimMinIdle is how long an entry must sit unacknowledged before a
	// starting consumer takes it over. Zero disables claiming.
	ClaimMinIdle time.Duration
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		Group:              "chat-consumers",
		CacheTTL:           10 * time.Second,
		CacheSweepInterval: 30 * time.Second,
		ReadBlock:          5 * time.Second,
		ReadCount:          100,
		PollInterval:       100 * time.Millisecond,
		ErrorBackoff:       5 * time.Second,
		ProbeInterval:      30 * time.Second,
		ClaimMinIdle:       time.Minute,
	}
}

// Hub owns the process-local state of the relay and routes connection events.
type Hub struct {
	opts        Options
	store       store.Store
	registry    *Registry
	cache       *MembershipCache
	resolver    *Resolver
	broadcaster *Broadcaster
	consumers   *consumerSet
	log         *zerolog.Logger
	now         func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewHub creates a hub over st. Room consumers may start as soon as the first
// init arrives; Run drives the timers and stops everything on return.
func NewHub(st store.Store, opts Options, logger *zerolog.Logger) *Hub {
	if opts.Consumer == "" {
		opts.Consumer = fmt.Sprintf("server-%d", time.Now().UnixMilli())
	}

	hubLog := logger.With().Str("component", "hub").Str("consumer", opts.Consumer).Logger()
	registry := NewRegistry()
	cache := NewMembershipCache(opts.CacheTTL)
	resolver := NewResolver(cache, st, &hubLog)

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		opts:        opts,
		store:       st,
		registry:    registry,
		cache:       cache,
		resolver:    resolver,
		broadcaster: NewBroadcaster(registry, resolver, &hubLog),
		consumers:   newConsumerSet(),
		log:         &hubLog,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run starts the cache sweeper and the liveness supervisor and blocks until
// ctx is done. Room consumers are stopped before it returns; in-flight
// acknowledgements are abandoned.
func (h *Hub) Run(ctx context.Context) {
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.cache.RunSweeper(h.ctx, h.opts.CacheSweepInterval)
	}()
	go func() {
		defer h.wg.Done()
		h.superviseLiveness(h.ctx)
	}()

	select {
	case <-ctx.Done():
	case <-h.ctx.Done():
	}
	h.cancel()
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.wg.Wait()
	h.log.Info().Msg("hub stopped")
}

// Dispatch handles one connection event. Failures are logged, never returned.
func (h *Hub) Dispatch(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventConnect:
		h.registry.Add(ev.Conn)
		h.log.Debug().Str("conn_id", ev.Conn.ID()).Msg("connection opened")
	case EventMessage:
		h.handlePayload(ctx, ev.Conn, ev.Payload)
	case EventPong:
		h.registry.MarkAlive(ev.Conn)
	case EventDisconnect:
		h.Disconnect(ev.Conn)
	default:
		h.log.Warn().Int("kind", int(ev.Kind)).Msg("unknown event kind")
	}
}

func (h *Hub) handlePayload(ctx context.Context, conn Conn, payload []byte) {
	cmd, err := ParseCommand(payload)
	if err != nil {
		h.log.Warn().Err(err).Str("conn_id", conn.ID()).Msg("drop inbound payload")
		return
	}

	switch cmd.Kind {
	case CommandInit:
		if err := h.Init(ctx, conn, cmd.User, cmd.Room); err != nil {
			h.log.Warn().Err(err).Str("conn_id", conn.ID()).Str("user", cmd.User).Msg("init rejected")
		}
	case CommandSendMessage:
		if _, err := h.Publish(ctx, cmd.User, cmd.Text); err != nil {
			h.log.Warn().Err(err).Str("user", cmd.User).Msg("message dropped")
		}
	}
}

// Init binds conn to user and joins room, or rejoins the user's last room when
// room is empty. It starts the room consumer if this process has none.
func (h *Hub) Init(ctx context.Context, conn Conn, user, room string) error {
	if !h.store.Ready() {
		return store.ErrUnavailable
	}

	if room != "" {
		if err := h.store.SetUserRoom(ctx, user, room); err != nil {
			return fmt.Errorf("save user room: %w", err)
		}
		if err := h.store.AddRoomMember(ctx, room, user); err != nil {
			return fmt.Errorf("add room member: %w", err)
		}
		h.log.Info().Str("user", user).Str("room", room).Msg("joined")
	} else {
		prev, ok, err := h.store.UserRoom(ctx, user)
		if err != nil {
			return fmt.Errorf("lookup previous room: %w", err)
		}
		if !ok {
			return ErrNoPreviousRoom
		}
		if err := h.store.AddRoomMember(ctx, prev, user); err != nil {
			return fmt.Errorf("add room member: %w", err)
		}
		room = prev
		h.log.Info().Str("user", user).Str("room", room).Msg("rejoined")
	}

	if prevUser := h.registry.Bind(conn, user); prevUser != "" && prevUser != user {
		h.cache.Invalidate(prevUser)
	}
	h.cache.Invalidate(user)
	h.log.Debug().Str("conn_id", conn.ID()).Str("user", user).Msg("connection associated with user")

	h.activate(ctx, room)
	return nil
}

// Publish appends a chat message to the sender's current room and returns the entry ID.
func (h *Hub) Publish(ctx context.Context, user, text string) (string, error) {
	if !h.store.Ready() {
		return "", store.ErrUnavailable
	}

	room, ok := h.resolver.Resolve(ctx, user)
	if !ok {
		return "", ErrNoRoom
	}

	id, err := h.store.Append(ctx, room, store.Entry{
		User:      user,
		Text:      text,
		Timestamp: h.now().UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", room, err)
	}
	h.log.Debug().Str("user", user).Str("room", room).Str("entry_id", id).Msg("message stored")
	return id, nil
}

// Disconnect forgets conn. The user stays in the room's member set.
func (h *Hub) Disconnect(conn Conn) {
	if user := h.registry.Remove(conn); user != "" {
		h.cache.Invalidate(user)
		h.log.Debug().Str("conn_id", conn.ID()).Str("user", user).Msg("connection disassociated from user")
	}
}

// activate starts the room consumer. The group is created before any caller
// returns, including callers that find the consumer already starting, so
// messages published right after an init are not skipped by "$".
func (h *Hub) activate(ctx context.Context, room string) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	start, groupDone := h.consumers.tryStart(room)
	if !start {
		h.mu.Unlock()
		h.log.Debug().Str("room", room).Msg("room consumer already active")
		select {
		case <-groupDone:
		case <-ctx.Done():
		case <-h.ctx.Done():
		}
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()

	c := &roomConsumer{
		room:        room,
		opts:        h.opts,
		store:       h.store,
		registry:    h.registry,
		broadcaster: h.broadcaster,
		consumers:   h.consumers,
		log:         h.log.With().Str("room", room).Logger(),
	}

	groupReady := true
	if err := h.store.EnsureGroup(ctx, room, h.opts.Group); err != nil {
		c.log.Error().Err(err).Msg("ensure consumer group")
		groupReady = false
	}
	close(groupDone)

	go func() {
		defer h.wg.Done()
		c.run(h.ctx, groupReady)
	}()
}

// ActiveRooms lists rooms with a running consumer in this process.
func (h *Hub) ActiveRooms() []string {
	return h.consumers.rooms()
}

// Connections returns the number of tracked connections.
func (h *Hub) Connections() int {
	return h.registry.Len()
}
