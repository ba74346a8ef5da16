package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/chat-relay/internal/store"
)

type consumerState struct {
	// rearmed is set when a start request arrives while the consumer runs; the
	// consumer then skips its next idle stop.
	rearmed bool
	// groupDone is closed once the starter attempted to create the group.
	groupDone chan struct{}
}

// consumerSet is the set of rooms with a running consumer in this process.
type consumerSet struct {
	mu     sync.Mutex
	active map[string]*consumerState
}

func newConsumerSet() *consumerSet {
	return &consumerSet{active: make(map[string]*consumerState)}
}

// tryStart marks room active and reports whether the caller must start its
// consumer. The returned channel is closed by the starter after the group
// creation attempt; only the starter may close it.
func (s *consumerSet) tryStart(room string) (bool, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.active[room]; ok {
		st.rearmed = true
		return false, st.groupDone
	}
	st := &consumerState{groupDone: make(chan struct{})}
	s.active[room] = st
	return true, st.groupDone
}

// stopIfIdle removes room when idle, unless a start request arrived since the
// last check. It reports whether the consumer must exit.
func (s *consumerSet) stopIfIdle(room string, idle bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.active[room]
	if !ok {
		return true
	}
	if st.rearmed {
		st.rearmed = false
		return false
	}
	if idle {
		delete(s.active, room)
		return true
	}
	return false
}

func (s *consumerSet) remove(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, room)
}

func (s *consumerSet) rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.active))
	for room := range s.active {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// roomConsumer pulls one room's log through the shared consumer group and
// hands every entry to the broadcaster before acknowledging it.
type roomConsumer struct {
	room        string
	opts        Options
	store       store.Store
	registry    *Registry
	broadcaster *Broadcaster
	consumers   *consumerSet
	log         zerolog.Logger
}

func (c *roomConsumer) run(ctx context.Context, groupReady bool) {
	stopped := false
	defer func() {
		if !stopped {
			c.consumers.remove(c.room)
		}
	}()

	c.log.Info().Msg("starting room consumer")

	for !groupReady {
		if !sleepCtx(ctx, c.opts.ErrorBackoff) {
			return
		}
		err := c.store.EnsureGroup(ctx, c.room, c.opts.Group)
		if err != nil {
			c.log.Error().Err(err).Msg("ensure consumer group")
			continue
		}
		groupReady = true
	}

	c.claimStale(ctx)

	// Start with a pending pass so claimed entries left unacknowledged are retried.
	pending := true
	for {
		if ctx.Err() != nil {
			return
		}

		if !c.store.Ready() {
			c.log.Warn().Msg("store not ready, pausing room consumer")
			if !sleepCtx(ctx, c.opts.ErrorBackoff) {
				return
			}
			continue
		}

		members, err := c.store.RoomMembers(ctx, c.room)
		if err != nil {
			c.log.Error().Err(err).Msg("read room members")
			if !sleepCtx(ctx, c.opts.ErrorBackoff) {
				return
			}
			continue
		}
		if c.consumers.stopIfIdle(c.room, !c.registry.HasAnyUser(members)) {
			stopped = true
			c.log.Info().Msg("no active clients in room, stopping room consumer")
			return
		}

		entries, err := c.store.ReadGroup(ctx, store.ReadRequest{
			Room:     c.room,
			Group:    c.opts.Group,
			Consumer: c.opts.Consumer,
			Block:    c.opts.ReadBlock,
			Count:    c.opts.ReadCount,
			Pending:  pending,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error().Err(err).Bool("pending", pending).Msg("read room log")
			pending = true
			if !sleepCtx(ctx, c.opts.ErrorBackoff) {
				return
			}
			continue
		}
		// A pending pass keeps going until this consumer owns nothing unacknowledged.
		pending = pending && len(entries) > 0

		if err := c.process(ctx, entries); err != nil {
			c.log.Error().Err(err).Msg("acknowledge entry")
			pending = true
			if !sleepCtx(ctx, c.opts.ErrorBackoff) {
				return
			}
			continue
		}

		if !sleepCtx(ctx, c.opts.PollInterval) {
			return
		}
	}
}

// process delivers and acknowledges entries one at a time, in order. It stops
// at the first failed acknowledgement; the rest stay pending.
func (c *roomConsumer) process(ctx context.Context, entries []store.Entry) error {
	for _, e := range entries {
		c.broadcaster.Deliver(ctx, c.room, e)
		if err := c.store.Ack(ctx, c.room, c.opts.Group, e.ID); err != nil {
			return err
		}
		c.log.Debug().Str("entry_id", e.ID).Msg("acknowledged")
	}
	return nil
}

// claimStale takes over entries another relay process read but never acknowledged.
func (c *roomConsumer) claimStale(ctx context.Context) {
	if c.opts.ClaimMinIdle <= 0 {
		return
	}

	entries, err := c.store.Claim(ctx, store.ClaimRequest{
		Room:     c.room,
		Group:    c.opts.Group,
		Consumer: c.opts.Consumer,
		MinIdle:  c.opts.ClaimMinIdle,
		Count:    c.opts.ReadCount,
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("claim stale entries")
		return
	}
	if len(entries) == 0 {
		return
	}

	c.log.Info().Int("count", len(entries)).Msg("claimed stale entries")
	if err := c.process(ctx, entries); err != nil {
		c.log.Error().Err(err).Msg("acknowledge claimed entry")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
