package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/chat-relay/internal/proto"
	"github.com/vovakirdan/chat-relay/internal/store"
	"github.com/vovakirdan/chat-relay/internal/store/memory"
)

type fakeConn struct {
	id         string
	sent       chan []byte
	closed     atomic.Bool
	busy       atomic.Bool
	pings      atomic.Int32
	terminated atomic.Bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, sent: make(chan []byte, 64)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(_ context.Context, payload []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	if c.busy.Load() {
		return ErrConnBusy
	}
	select {
	case c.sent <- payload:
		return nil
	default:
		return ErrConnBusy
	}
}

func (c *fakeConn) Writable() bool { return !c.closed.Load() }

func (c *fakeConn) Ping() { c.pings.Add(1) }

func (c *fakeConn) Terminate() {
	c.terminated.Store(true)
	c.closed.Store(true)
}

// spyStore counts membership lookups and can fail acknowledgements.
type spyStore struct {
	*memory.Store

	userRoomCalls atomic.Int64
	failAcks      atomic.Int32
	failLookups   atomic.Bool

	// groupGate, when set, holds EnsureGroup until it is closed.
	groupGate  chan struct{}
	groupCalls atomic.Int32

	mu    sync.Mutex
	acked []string
}

func newSpyStore() *spyStore {
	return &spyStore{Store: memory.New()}
}

func (s *spyStore) UserRoom(ctx context.Context, user string) (string, bool, error) {
	s.userRoomCalls.Add(1)
	if s.failLookups.Load() {
		return "", false, errors.New("lookup failed")
	}
	return s.Store.UserRoom(ctx, user)
}

func (s *spyStore) EnsureGroup(ctx context.Context, room, name string) error {
	s.groupCalls.Add(1)
	if s.groupGate != nil {
		<-s.groupGate
	}
	return s.Store.EnsureGroup(ctx, room, name)
}

func (s *spyStore) Ack(ctx context.Context, room, group, id string) error {
	if s.failAcks.Load() > 0 {
		s.failAcks.Add(-1)
		return errors.New("ack failed")
	}
	if err := s.Store.Ack(ctx, room, group, id); err != nil {
		return err
	}
	s.mu.Lock()
	s.acked = append(s.acked, id)
	s.mu.Unlock()
	return nil
}

func (s *spyStore) ackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked...)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Consumer = "server-0-test"
	opts.ReadBlock = 50 * time.Millisecond
	opts.PollInterval = 5 * time.Millisecond
	opts.ErrorBackoff = 20 * time.Millisecond
	opts.ProbeInterval = 0
	opts.ClaimMinIdle = 0
	return opts
}

func startTestHub(t *testing.T, st store.Store) *Hub {
	t.Helper()
	return startTestHubWith(t, st, testOptions())
}

func startTestHubWith(t *testing.T, st store.Store, opts Options) *Hub {
	t.Helper()

	logger := zerolog.Nop()
	hub := NewHub(st, opts, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func initPayload(user, room string) []byte {
	payload, _ := json.Marshal(proto.Inbound{Type: proto.InboundTypeInit, User: user, Room: room})
	return payload
}

func messagePayload(user, text string) []byte {
	payload, _ := json.Marshal(proto.Inbound{Type: proto.InboundTypeMessage, User: user, Text: text})
	return payload
}

func connect(hub *Hub, conn *fakeConn) {
	hub.Dispatch(context.Background(), Event{Kind: EventConnect, Conn: conn})
}

func send(hub *Hub, conn *fakeConn, payload []byte) {
	hub.Dispatch(context.Background(), Event{Kind: EventMessage, Conn: conn, Payload: payload})
}

func mustDelivered(t *testing.T, conn *fakeConn) proto.Delivered {
	t.Helper()

	select {
	case raw := <-conn.sent:
		var msg proto.Delivered
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("no delivery on %s", conn.id)
		return proto.Delivered{}
	}
}

func mustNotDeliver(t *testing.T, conn *fakeConn, wait time.Duration) {
	t.Helper()

	select {
	case raw := <-conn.sent:
		t.Fatalf("unexpected delivery on %s: %s", conn.id, raw)
	case <-time.After(wait):
	}
}
