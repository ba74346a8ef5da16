// Package memory provides a single-process store with the same log and
// consumer group semantics as the Redis backend.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vovakirdan/chat-relay/internal/store"
)

type pendingEntry struct {
	idx         int
	consumer    string
	deliveredAt time.Time
}

type group struct {
	next    int
	pending map[string]*pendingEntry
}

type roomLog struct {
	entries []store.Entry
	groups  map[string]*group
	notify  chan struct{}
	lastMs  int64
	seq     int64
}

// Store keeps logs and membership in process memory.
type Store struct {
	mu        sync.Mutex
	logs      map[string]*roomLog
	userRooms map[string]string
	members   map[string]map[string]struct{}
	ready     atomic.Bool
	now       func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty, ready store.
func New() *Store {
	s := &Store{
		logs:      make(map[string]*roomLog),
		userRooms: make(map[string]string),
		members:   make(map[string]map[string]struct{}),
		now:       time.Now,
	}
	s.ready.Store(true)
	return s
}

// SetReady simulates the store going away and coming back.
func (s *Store) SetReady(ok bool) {
	s.ready.Store(ok)
}

// Ready reports whether operations are currently served.
func (s *Store) Ready() bool {
	return s.ready.Load()
}

func (s *Store) check() error {
	if !s.ready.Load() {
		return store.ErrUnavailable
	}
	return nil
}

func (s *Store) logFor(room string) *roomLog {
	l, ok := s.logs[room]
	if !ok {
		l = &roomLog{
			groups: make(map[string]*group),
			notify: make(chan struct{}),
		}
		s.logs[room] = l
	}
	return l
}

// Append adds an entry and wakes blocked readers.
func (s *Store) Append(_ context.Context, room string, e store.Entry) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.logFor(room)
	ms := s.now().UnixMilli()
	if ms <= l.lastMs {
		ms = l.lastMs
		l.seq++
	} else {
		l.lastMs = ms
		l.seq = 0
	}
	e.ID = fmt.Sprintf("%d-%d", ms, l.seq)
	l.entries = append(l.entries, e)

	close(l.notify)
	l.notify = make(chan struct{})
	return e.ID, nil
}

// EnsureGroup creates the log if needed and anchors a new group at its tail.
func (s *Store) EnsureGroup(_ context.Context, room, name string) error {
	if err := s.check(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.logFor(room)
	if _, ok := l.groups[name]; ok {
		return nil
	}
	l.groups[name] = &group{
		next:    len(l.entries),
		pending: make(map[string]*pendingEntry),
	}
	return nil
}

// ReadGroup hands undelivered entries to the consumer, blocking up to req.Block.
func (s *Store) ReadGroup(ctx context.Context, req store.ReadRequest) ([]store.Entry, error) {
	var timeout <-chan time.Time
	if req.Block > 0 && !req.Pending {
		timer := time.NewTimer(req.Block)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		if err := s.check(); err != nil {
			return nil, err
		}

		s.mu.Lock()
		l, ok := s.logs[req.Room]
		var g *group
		if ok {
			g, ok = l.groups[req.Group]
		}
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("no group %q on %s", req.Group, store.LogKey(req.Room))
		}

		if req.Pending {
			entries := s.pendingFor(l, g, req.Consumer, req.Count)
			s.mu.Unlock()
			return entries, nil
		}

		if g.next < len(l.entries) {
			entries := s.deliver(l, g, req.Consumer, req.Count)
			s.mu.Unlock()
			return entries, nil
		}

		wake := l.notify
		s.mu.Unlock()

		if timeout == nil {
			return nil, nil
		}
		select {
		case <-wake:
		case <-timeout:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Store) deliver(l *roomLog, g *group, consumer string, count int64) []store.Entry {
	end := len(l.entries)
	if count > 0 && g.next+int(count) < end {
		end = g.next + int(count)
	}

	now := s.now()
	entries := make([]store.Entry, 0, end-g.next)
	for i := g.next; i < end; i++ {
		e := l.entries[i]
		g.pending[e.ID] = &pendingEntry{idx: i, consumer: consumer, deliveredAt: now}
		entries = append(entries, e)
	}
	g.next = end
	return entries
}

func (s *Store) pendingFor(l *roomLog, g *group, consumer string, count int64) []store.Entry {
	var owned []*pendingEntry
	for _, p := range g.pending {
		if p.consumer == consumer {
			owned = append(owned, p)
		}
	}
	return collect(l, owned, count)
}

// Ack removes the entry from the group's pending list.
func (s *Store) Ack(_ context.Context, room, name, id string) error {
	if err := s.check(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.logs[room]; ok {
		if g, ok := l.groups[name]; ok {
			delete(g.pending, id)
		}
	}
	return nil
}

// Claim reassigns pending entries idle for at least MinIdle.
func (s *Store) Claim(_ context.Context, req store.ClaimRequest) ([]store.Entry, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[req.Room]
	if !ok {
		return nil, nil
	}
	g, ok := l.groups[req.Group]
	if !ok {
		return nil, nil
	}

	now := s.now()
	var idle []*pendingEntry
	for _, p := range g.pending {
		if now.Sub(p.deliveredAt) >= req.MinIdle {
			idle = append(idle, p)
		}
	}
	entries := collect(l, idle, req.Count)
	for _, e := range entries {
		p := g.pending[e.ID]
		p.consumer = req.Consumer
		p.deliveredAt = now
	}
	return entries, nil
}

func collect(l *roomLog, pending []*pendingEntry, count int64) []store.Entry {
	slices.SortFunc(pending, func(a, b *pendingEntry) int { return cmp.Compare(a.idx, b.idx) })
	if count > 0 && int64(len(pending)) > count {
		pending = pending[:count]
	}
	entries := make([]store.Entry, 0, len(pending))
	for _, p := range pending {
		entries = append(entries, l.entries[p.idx])
	}
	return entries
}

// UserRoom returns the user's current room.
func (s *Store) UserRoom(_ context.Context, user string) (string, bool, error) {
	if err := s.check(); err != nil {
		return "", false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.userRooms[user]
	return room, ok, nil
}

// SetUserRoom records the user's current room.
func (s *Store) SetUserRoom(_ context.Context, user, room string) error {
	if err := s.check(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.userRooms[user] = room
	return nil
}

// AddRoomMember adds user to the room's member set.
func (s *Store) AddRoomMember(_ context.Context, room, user string) error {
	if err := s.check(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.members[room]
	if !ok {
		set = make(map[string]struct{})
		s.members[room] = set
	}
	set[user] = struct{}{}
	return nil
}

// RoomMembers lists the room's member set.
func (s *Store) RoomMembers(_ context.Context, room string) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	members := make([]string, 0, len(s.members[room]))
	for user := range s.members[room] {
		members = append(members, user)
	}
	slices.Sort(members)
	return members, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
