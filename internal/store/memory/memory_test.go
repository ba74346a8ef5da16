package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/chat-relay/internal/store"
)

const testGroup = "chat-consumers"

func read(t *testing.T, s *Store, consumer string, block time.Duration) []store.Entry {
	t.Helper()

	entries, err := s.ReadGroup(context.Background(), store.ReadRequest{
		Room: "general", Group: testGroup, Consumer: consumer, Block: block, Count: 100,
	})
	require.NoError(t, err)
	return entries
}

func TestGroupStartsAtTail(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Append(ctx, "general", store.Entry{User: "alice", Text: "before"})
	require.NoError(t, err)
	require.NoError(t, s.EnsureGroup(ctx, "general", testGroup))
	require.NoError(t, s.EnsureGroup(ctx, "general", testGroup))

	assert.Empty(t, read(t, s, "c1", 0))

	_, err = s.Append(ctx, "general", store.Entry{User: "alice", Text: "after"})
	require.NoError(t, err)

	entries := read(t, s, "c1", 0)
	require.Len(t, entries, 1)
	assert.Equal(t, "after", entries[0].Text)
}

func TestIDsIncreaseWithinSameMillisecond(t *testing.T) {
	s := New()
	fixed := time.UnixMilli(1700000000000)
	s.now = func() time.Time { return fixed }
	ctx := context.Background()

	first, err := s.Append(ctx, "general", store.Entry{})
	require.NoError(t, err)
	second, err := s.Append(ctx, "general", store.Entry{})
	require.NoError(t, err)

	assert.Equal(t, "1700000000000-0", first)
	assert.Equal(t, "1700000000000-1", second)
}

func TestReadBlocksUntilAppend(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.EnsureGroup(ctx, "general", testGroup))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = s.Append(ctx, "general", store.Entry{User: "bob", Text: "late"})
	}()

	entries := read(t, s, "c1", 2*time.Second)
	require.Len(t, entries, 1)
	assert.Equal(t, "late", entries[0].Text)
}

func TestReadTimesOutEmpty(t *testing.T) {
	s := New()
	require.NoError(t, s.EnsureGroup(context.Background(), "general", testGroup))

	start := time.Now()
	assert.Empty(t, read(t, s, "c1", 30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestReadWithoutGroupFails(t *testing.T) {
	s := New()
	_, err := s.ReadGroup(context.Background(), store.ReadRequest{Room: "general", Group: testGroup, Consumer: "c1"})
	assert.Error(t, err)
}

func TestPendingAckAndClaim(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.EnsureGroup(ctx, "general", testGroup))

	for _, text := range []string{"one", "two"} {
		_, err := s.Append(ctx, "general", store.Entry{Text: text})
		require.NoError(t, err)
	}
	delivered := read(t, s, "dead", 0)
	require.Len(t, delivered, 2)
	require.NoError(t, s.Ack(ctx, "general", testGroup, delivered[0].ID))

	pending, err := s.ReadGroup(ctx, store.ReadRequest{Room: "general", Group: testGroup, Consumer: "dead", Pending: true})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "two", pending[0].Text)

	claimed, err := s.Claim(ctx, store.ClaimRequest{Room: "general", Group: testGroup, Consumer: "live"})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, delivered[1].ID, claimed[0].ID)

	pending, err = s.ReadGroup(ctx, store.ReadRequest{Room: "general", Group: testGroup, Consumer: "dead", Pending: true})
	require.NoError(t, err)
	assert.Empty(t, pending)

	claimed, err = s.Claim(ctx, store.ClaimRequest{Room: "general", Group: testGroup, Consumer: "other", MinIdle: time.Hour})
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestUnavailable(t *testing.T) {
	s := New()
	s.SetReady(false)
	ctx := context.Background()

	_, err := s.Append(ctx, "general", store.Entry{})
	assert.True(t, errors.Is(err, store.ErrUnavailable))
	_, _, err = s.UserRoom(ctx, "alice")
	assert.True(t, errors.Is(err, store.ErrUnavailable))
	assert.False(t, s.Ready())

	s.SetReady(true)
	_, err = s.Append(ctx, "general", store.Entry{})
	assert.NoError(t, err)
}

func TestMembership(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.SetUserRoom(ctx, "alice", "general"))
	require.NoError(t, s.AddRoomMember(ctx, "general", "alice"))
	require.NoError(t, s.AddRoomMember(ctx, "general", "bob"))

	room, ok, err := s.UserRoom(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "general", room)

	members, err := s.RoomMembers(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)
}
