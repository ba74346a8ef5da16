package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/chat-relay/internal/store"
)

type cacheEntry struct {
	room     string
	cachedAt time.Time
}

// MembershipCache is a process-local user → room cache with a fixed TTL.
type MembershipCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMembershipCache builds a cache whose entries expire after ttl.
func NewMembershipCache(ttl time.Duration) *MembershipCache {
	return &MembershipCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached room if it is younger than the TTL.
func (c *MembershipCache) Get(user string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[user]
	if !ok || c.now().Sub(e.cachedAt) >= c.ttl {
		return "", false
	}
	return e.room, true
}

// Put caches room for user as of now.
func (c *MembershipCache) Put(user, room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[user] = cacheEntry{room: room, cachedAt: c.now()}
}

// Invalidate drops the user's entry.
func (c *MembershipCache) Invalidate(user string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, user)
}

// Sweep removes expired entries and returns how many were removed.
func (c *MembershipCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for user, e := range c.entries {
		if now.Sub(e.cachedAt) > c.ttl {
			delete(c.entries, user)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, expired or not.
func (c *MembershipCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *MembershipCache) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Resolver answers "which room is this user in" from the cache, falling back
// to the membership store.
type Resolver struct {
	cache *MembershipCache
	store store.Membership
	log   *zerolog.Logger
}

// NewResolver builds a cache-then-store resolver.
func NewResolver(cache *MembershipCache, st store.Membership, logger *zerolog.Logger) *Resolver {
	return &Resolver{cache: cache, store: st, log: logger}
}

// Resolve returns the user's current room. ok is false when the room is
// unknown, either because none is recorded or because the store failed.
func (r *Resolver) Resolve(ctx context.Context, user string) (room string, ok bool) {
	if room, ok := r.cache.Get(user); ok {
		return room, true
	}

	room, ok, err := r.store.UserRoom(ctx, user)
	if err != nil {
		r.log.Error().Err(err).Str("user", user).Msg("resolve room")
		return "", false
	}
	if !ok {
		return "", false
	}
	r.cache.Put(user, room)
	return room, true
}
