package core

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/chat-relay/internal/proto"
	"github.com/vovakirdan/chat-relay/internal/store"
)

func TestHubInitAndBroadcast(t *testing.T) {
	st := newSpyStore()
	hub := startTestHub(t, st)
	ctx := context.Background()

	alice, bob := newFakeConn("a"), newFakeConn("b")
	connect(hub, alice)
	connect(hub, bob)

	send(hub, alice, initPayload("alice", "general"))

	room, ok, err := st.UserRoom(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "general", room)
	members, err := st.RoomMembers(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)
	assert.Equal(t, []string{"general"}, hub.ActiveRooms())

	send(hub, bob, initPayload("bob", "general"))
	assert.Equal(t, []string{"general"}, hub.ActiveRooms())

	before := time.Now().UnixMilli()
	send(hub, alice, messagePayload("alice", "hi"))

	for _, conn := range []*fakeConn{alice, bob} {
		msg := mustDelivered(t, conn)
		assert.Equal(t, proto.OutboundTypeMessage, msg.Type)
		assert.Equal(t, "alice", msg.User)
		assert.Equal(t, "hi", msg.Text)
		assert.NotEmpty(t, msg.ID)
		ts, err := strconv.ParseInt(msg.Timestamp, 10, 64)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, ts, before)
	}
}

func TestHubInitWithoutRoomOrHistoryIsRejected(t *testing.T) {
	hub := startTestHub(t, newSpyStore())

	carol := newFakeConn("c")
	connect(hub, carol)

	err := hub.Init(context.Background(), carol, "carol", "")
	assert.ErrorIs(t, err, ErrNoPreviousRoom)
	assert.Empty(t, hub.ActiveRooms())

	_, bound := hub.registry.User(carol)
	assert.False(t, bound)
	mustNotDeliver(t, carol, 20*time.Millisecond)
}

func TestHubInitRejoinsPreviousRoom(t *testing.T) {
	st := newSpyStore()
	require.NoError(t, st.SetUserRoom(context.Background(), "dave", "random"))
	hub := startTestHub(t, st)

	dave := newFakeConn("d")
	connect(hub, dave)
	require.NoError(t, hub.Init(context.Background(), dave, "dave", ""))

	assert.Equal(t, []string{"random"}, hub.ActiveRooms())
	members, err := st.RoomMembers(context.Background(), "random")
	require.NoError(t, err)
	assert.Equal(t, []string{"dave"}, members)
}

func TestHubPublishWhileStoreUnavailable(t *testing.T) {
	st := newSpyStore()
	hub := startTestHub(t, st)
	ctx := context.Background()

	alice, bob := newFakeConn("a"), newFakeConn("b")
	connect(hub, alice)
	connect(hub, bob)
	send(hub, alice, initPayload("alice", "general"))
	send(hub, bob, initPayload("bob", "general"))

	st.SetReady(false)
	_, err := hub.Publish(ctx, "alice", "lost")
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.NotPanics(t, func() { send(hub, alice, messagePayload("alice", "also lost")) })

	st.SetReady(true)
	send(hub, alice, messagePayload("alice", "back"))

	msg := mustDelivered(t, bob)
	assert.Equal(t, "back", msg.Text)
	mustNotDeliver(t, bob, 50*time.Millisecond)
}

func TestHubPublishWithoutRoomIsDropped(t *testing.T) {
	hub := startTestHub(t, newSpyStore())

	_, err := hub.Publish(context.Background(), "ghost", "hello?")
	assert.ErrorIs(t, err, ErrNoRoom)
}

func TestHubMalformedPayloadKeepsConnection(t *testing.T) {
	hub := startTestHub(t, newSpyStore())

	conn := newFakeConn("x")
	connect(hub, conn)
	send(hub, conn, []byte("{not json"))
	send(hub, conn, []byte(`{"type":"init"}`))

	assert.Equal(t, 1, hub.Connections())
	assert.False(t, conn.terminated.Load())
}

func TestHubAcknowledgesEveryEntryOnce(t *testing.T) {
	st := newSpyStore()
	hub := startTestHub(t, st)
	ctx := context.Background()

	alice := newFakeConn("a")
	connect(hub, alice)
	require.NoError(t, hub.Init(ctx, alice, "alice", "general"))

	var ids []string
	for _, text := range []string{"one", "two", "three", "four"} {
		id, err := hub.Publish(ctx, "alice", text)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, want := range []string{"one", "two", "three", "four"} {
		assert.Equal(t, want, mustDelivered(t, alice).Text)
	}
	require.Eventually(t, func() bool { return len(st.ackedIDs()) == len(ids) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, ids, st.ackedIDs())
}

func TestHubRetriesFailedAck(t *testing.T) {
	st := newSpyStore()
	hub := startTestHub(t, st)
	ctx := context.Background()

	alice := newFakeConn("a")
	connect(hub, alice)
	require.NoError(t, hub.Init(ctx, alice, "alice", "general"))

	st.failAcks.Store(1)
	id, err := hub.Publish(ctx, "alice", "retry me")
	require.NoError(t, err)

	// First attempt delivers then fails to ack; the pending pass delivers again.
	assert.Equal(t, "retry me", mustDelivered(t, alice).Text)
	assert.Equal(t, "retry me", mustDelivered(t, alice).Text)
	require.Eventually(t, func() bool { return len(st.ackedIDs()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{id}, st.ackedIDs())
}

func TestHubConsumerStopsWithoutLocalMembers(t *testing.T) {
	hub := startTestHub(t, newSpyStore())
	ctx := context.Background()

	alice := newFakeConn("a")
	connect(hub, alice)
	require.NoError(t, hub.Init(ctx, alice, "alice", "general"))
	require.Equal(t, []string{"general"}, hub.ActiveRooms())

	hub.Dispatch(ctx, Event{Kind: EventDisconnect, Conn: alice})
	require.Eventually(t, func() bool { return len(hub.ActiveRooms()) == 0 }, 2*time.Second, 5*time.Millisecond)

	again := newFakeConn("a2")
	connect(hub, again)
	require.NoError(t, hub.Init(ctx, again, "alice", "general"))
	assert.Equal(t, []string{"general"}, hub.ActiveRooms())

	_, err := hub.Publish(ctx, "alice", "after restart")
	require.NoError(t, err)
	assert.Equal(t, "after restart", mustDelivered(t, again).Text)
}

func TestHubRoomSwitchFollowsResolution(t *testing.T) {
	hub := startTestHub(t, newSpyStore())
	ctx := context.Background()

	alice, bob := newFakeConn("a"), newFakeConn("b")
	connect(hub, alice)
	connect(hub, bob)
	require.NoError(t, hub.Init(ctx, alice, "alice", "general"))
	require.NoError(t, hub.Init(ctx, bob, "bob", "general"))

	// Bob moves; init invalidates his cached room immediately.
	require.NoError(t, hub.Init(ctx, bob, "bob", "random"))

	_, err := hub.Publish(ctx, "alice", "general only")
	require.NoError(t, err)
	assert.Equal(t, "general only", mustDelivered(t, alice).Text)
	mustNotDeliver(t, bob, 100*time.Millisecond)

	_, err = hub.Publish(ctx, "bob", "random only")
	require.NoError(t, err)
	assert.Equal(t, "random only", mustDelivered(t, bob).Text)
	mustNotDeliver(t, alice, 100*time.Millisecond)
}

func TestHubReinitAsOtherUserInvalidatesPreviousUser(t *testing.T) {
	hub := startTestHub(t, newSpyStore())
	ctx := context.Background()

	conn := newFakeConn("a")
	connect(hub, conn)
	require.NoError(t, hub.Init(ctx, conn, "alice", "general"))
	_, ok := hub.resolver.Resolve(ctx, "alice")
	require.True(t, ok)
	require.Equal(t, 1, hub.cache.Len())

	require.NoError(t, hub.Init(ctx, conn, "erin", "general"))
	_, cached := hub.cache.Get("alice")
	assert.False(t, cached)

	user, ok := hub.registry.User(conn)
	assert.True(t, ok)
	assert.Equal(t, "erin", user)
}

func TestHubLivenessProbe(t *testing.T) {
	hub := startTestHub(t, newSpyStore())
	ctx := context.Background()

	responsive, silent := newFakeConn("r"), newFakeConn("s")
	connect(hub, responsive)
	connect(hub, silent)

	hub.probeConnections()
	assert.EqualValues(t, 1, responsive.pings.Load())
	assert.EqualValues(t, 1, silent.pings.Load())

	hub.Dispatch(ctx, Event{Kind: EventPong, Conn: responsive})
	hub.probeConnections()

	assert.False(t, responsive.terminated.Load())
	assert.EqualValues(t, 2, responsive.pings.Load())
	assert.True(t, silent.terminated.Load())

	hub.Dispatch(ctx, Event{Kind: EventDisconnect, Conn: silent})
	assert.Equal(t, 1, hub.Connections())
}

func TestHubClaimsStaleEntriesOnStart(t *testing.T) {
	st := newSpyStore()
	ctx := context.Background()

	// Another process read the entry and died before acknowledging it.
	require.NoError(t, st.EnsureGroup(ctx, "general", "chat-consumers"))
	id, err := st.Append(ctx, "general", store.Entry{User: "bob", Text: "orphan", Timestamp: 1})
	require.NoError(t, err)
	read, err := st.ReadGroup(ctx, store.ReadRequest{
		Room: "general", Group: "chat-consumers", Consumer: "crashed", Block: time.Millisecond, Count: 10,
	})
	require.NoError(t, err)
	require.Len(t, read, 1)
	time.Sleep(5 * time.Millisecond)

	opts := testOptions()
	opts.ClaimMinIdle = time.Millisecond
	hub := startTestHubWith(t, st, opts)

	alice := newFakeConn("a")
	connect(hub, alice)
	require.NoError(t, hub.Init(ctx, alice, "alice", "general"))

	msg := mustDelivered(t, alice)
	assert.Equal(t, "orphan", msg.Text)
	assert.Equal(t, id, msg.ID)
	require.Eventually(t, func() bool { return len(st.ackedIDs()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{id}, st.ackedIDs())
}

func TestHubConcurrentInitWaitsForGroup(t *testing.T) {
	st := newSpyStore()
	st.groupGate = make(chan struct{})
	hub := startTestHub(t, st)
	ctx := context.Background()

	alice, bob := newFakeConn("a"), newFakeConn("b")
	connect(hub, alice)
	connect(hub, bob)

	aliceDone := make(chan error, 1)
	go func() { aliceDone <- hub.Init(ctx, alice, "alice", "general") }()
	require.Eventually(t, func() bool { return st.groupCalls.Load() == 1 }, 2*time.Second, time.Millisecond)

	bobDone := make(chan error, 1)
	go func() { bobDone <- hub.Init(ctx, bob, "bob", "general") }()

	select {
	case <-bobDone:
		t.Fatal("init returned before the consumer group existed")
	case <-time.After(50 * time.Millisecond):
	}

	close(st.groupGate)
	require.NoError(t, <-aliceDone)
	require.NoError(t, <-bobDone)

	_, err := hub.Publish(ctx, "bob", "first words")
	require.NoError(t, err)
	assert.Equal(t, "first words", mustDelivered(t, alice).Text)
	assert.Equal(t, "first words", mustDelivered(t, bob).Text)
}
