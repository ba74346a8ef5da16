package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("store unavailable")
	// ErrGroupExists reports that a consumer group is already registered for a log.
	// EnsureGroup swallows it; it is exported for backends and tests.
	ErrGroupExists = errors.New("consumer group already exists")
)

// Entry is one immutable message in a room log.
type Entry struct {
	ID        string // assigned by the store, strictly increasing within a room
	User      string
	Text      string
	Timestamp int64 // unix milliseconds
}

// ReadRequest describes a consumer group read against a room log.
type ReadRequest struct {
	Room     string
	Group    string
	Consumer string
	Block    time.Duration
	Count    int64
	// Pending re-reads entries already delivered to Consumer but not acknowledged,
	// instead of waiting for new ones.
	Pending bool
}

// ClaimRequest transfers entries idle for at least MinIdle to Consumer.
type ClaimRequest struct {
	Room     string
	Group    string
	Consumer string
	MinIdle  time.Duration
	Count    int64
}

// RoomLog is the durable, append-only, per-room message log with consumer groups.
type RoomLog interface {
	// Append stores an entry and returns its store-assigned ID.
	Append(ctx context.Context, room string, e Entry) (string, error)
	// EnsureGroup creates group on the room log starting at new entries only.
	// An existing group is not an error.
	EnsureGroup(ctx context.Context, room, group string) error
	// ReadGroup returns entries in log order, or none once Block elapses.
	ReadGroup(ctx context.Context, req ReadRequest) ([]Entry, error)
	// Ack marks an entry as processed for the group.
	Ack(ctx context.Context, room, group, id string) error
	// Claim takes over entries left pending by other consumers.
	Claim(ctx context.Context, req ClaimRequest) ([]Entry, error)
}

// Membership maps users to their current room and rooms to their member sets.
type Membership interface {
	// UserRoom returns the user's current room; ok is false when none is recorded.
	UserRoom(ctx context.Context, user string) (room string, ok bool, err error)
	SetUserRoom(ctx context.Context, user, room string) error
	AddRoomMember(ctx context.Context, room, user string) error
	RoomMembers(ctx context.Context, room string) ([]string, error)
}

// Store is the shared backend used by every relay process.
type Store interface {
	RoomLog
	Membership

	// Ready reports whether the store is currently reachable.
	Ready() bool
	Close() error
}

// LogKey is the key of a room's message log.
func LogKey(room string) string {
	return "chat:room:" + room
}

// RoomKey is the key of a room's member set.
func RoomKey(room string) string {
	return "room:" + room
}

// UserKey is the key of a user's membership record.
func UserKey(user string) string {
	return "user:" + user
}
