// Package redis implements the relay store on Redis streams, hashes and sets.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/chat-relay/internal/store"
)

const roomField = "room"

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	// PingTimeout bounds each readiness probe.
	PingTimeout time.Duration
}

// Store is a store.Store backed by Redis.
type Store struct {
	client      goredis.UniversalClient
	ready       atomic.Bool
	pingTimeout time.Duration
	log         zerolog.Logger
}

var _ store.Store = (*Store)(nil)

// New connects to Redis. An unreachable server is not an error: the store starts
// not ready and Monitor flips it once the server answers.
func New(ctx context.Context, opts Options, logger *zerolog.Logger) *Store {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	s := NewWithClient(client, logger)
	if opts.PingTimeout > 0 {
		s.pingTimeout = opts.PingTimeout
	}
	if !s.probe(ctx) {
		s.log.Warn().Str("addr", opts.Addr).Msg("redis not reachable, room management disabled until it is")
	}
	return s
}

// NewWithClient wraps an existing client and probes it once.
func NewWithClient(client goredis.UniversalClient, logger *zerolog.Logger) *Store {
	s := &Store{
		client:      client,
		pingTimeout: time.Second,
		log:         logger.With().Str("component", "redis").Logger(),
	}
	s.probe(context.Background())
	return s
}

// Ready reports the result of the latest readiness probe.
func (s *Store) Ready() bool {
	return s.ready.Load()
}

// Monitor probes Redis every interval until ctx is done.
func (s *Store) Monitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	defer cancel()

	err := s.client.Ping(ctx).Err()
	ok := err == nil
	if prev := s.ready.Swap(ok); prev != ok {
		if ok {
			s.log.Info().Msg("redis is ready")
		} else {
			s.log.Error().Err(err).Msg("redis connection error")
		}
	}
	return ok
}

// Append adds an entry to the room stream with a server-generated ID.
func (s *Store) Append(ctx context.Context, room string, e store.Entry) (string, error) {
	id, err := s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: store.LogKey(room),
		ID:     "*",
		Values: map[string]any{
			"user":      e.User,
			"text":      e.Text,
			"timestamp": strconv.FormatInt(e.Timestamp, 10),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", store.LogKey(room), err)
	}
	return id, nil
}

// EnsureGroup creates the group at "$" so only entries appended from now on are read.
func (s *Store) EnsureGroup(ctx context.Context, room, group string) error {
	if err := s.createGroup(ctx, room, group); err != nil && !errors.Is(err, store.ErrGroupExists) {
		return err
	}
	return nil
}

func (s *Store) createGroup(ctx context.Context, room, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, store.LogKey(room), group, "$").Err()
	switch {
	case err == nil:
		return nil
	case isBusyGroup(err):
		return store.ErrGroupExists
	default:
		return fmt.Errorf("xgroup create %s %s: %w", store.LogKey(room), group, err)
	}
}

// ReadGroup reads new entries (">") or this consumer's pending entries ("0").
func (s *Store) ReadGroup(ctx context.Context, req store.ReadRequest) ([]store.Entry, error) {
	start := ">"
	block := req.Block
	if req.Pending {
		start = "0"
		block = -1
	}

	streams, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    req.Group,
		Consumer: req.Consumer,
		Streams:  []string{store.LogKey(req.Room), start},
		Count:    req.Count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", store.LogKey(req.Room), err)
	}

	var entries []store.Entry
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			entries = append(entries, entryFromMessage(msg))
		}
	}
	return entries, nil
}

// Ack acknowledges a single entry.
func (s *Store) Ack(ctx context.Context, room, group, id string) error {
	if err := s.client.XAck(ctx, store.LogKey(room), group, id).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", store.LogKey(room), id, err)
	}
	return nil
}

// Claim moves entries idle longer than MinIdle to the requesting consumer.
func (s *Store) Claim(ctx context.Context, req store.ClaimRequest) ([]store.Entry, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   store.LogKey(req.Room),
		Group:    req.Group,
		Consumer: req.Consumer,
		MinIdle:  req.MinIdle,
		Start:    "0-0",
		Count:    req.Count,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim %s: %w", store.LogKey(req.Room), err)
	}

	entries := make([]store.Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, entryFromMessage(msg))
	}
	return entries, nil
}

// UserRoom reads the room field of the user's hash.
func (s *Store) UserRoom(ctx context.Context, user string) (string, bool, error) {
	room, err := s.client.HGet(ctx, store.UserKey(user), roomField).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("hget %s: %w", store.UserKey(user), err)
	}
	return room, room != "", nil
}

// SetUserRoom overwrites the user's current room.
func (s *Store) SetUserRoom(ctx context.Context, user, room string) error {
	if err := s.client.HSet(ctx, store.UserKey(user), roomField, room).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", store.UserKey(user), err)
	}
	return nil
}

// AddRoomMember adds user to the room's member set.
func (s *Store) AddRoomMember(ctx context.Context, room, user string) error {
	if err := s.client.SAdd(ctx, store.RoomKey(room), user).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", store.RoomKey(room), err)
	}
	return nil
}

// RoomMembers lists every user ever added to the room.
func (s *Store) RoomMembers(ctx context.Context, room string) ([]string, error) {
	members, err := s.client.SMembers(ctx, store.RoomKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", store.RoomKey(room), err)
	}
	return members, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func entryFromMessage(msg goredis.XMessage) store.Entry {
	e := store.Entry{ID: msg.ID}
	if v, ok := msg.Values["user"].(string); ok {
		e.User = v
	}
	if v, ok := msg.Values["text"].(string); ok {
		e.Text = v
	}
	if v, ok := msg.Values["timestamp"].(string); ok {
		e.Timestamp, _ = strconv.ParseInt(v, 10, 64)
	}
	return e
}

func isBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}
