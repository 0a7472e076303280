// Package state implements the coordination-state store (spec.md
// §4.6): project write-locks, page-in pub/sub channels, the page-out
// set, the delayed-write list, and the optional cache-miss queue. It
// runs against the same kind of Redis client as internal/cache but a
// logically separate database, so a single write-lock scan never
// collides with cuboid cache keys.
package state

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jhuapl-boss/spdb/internal/config"
	"github.com/jhuapl-boss/spdb/internal/spdberr"
)

// State is the coordination-state client.
type State struct {
	client *redis.Client
	logger *zap.Logger
}

// New dials the Redis instance backing the coordination-state store.
func New(cfg config.RedisConfig, logger *zap.Logger) (*State, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr(),
		Password:        cfg.Password,
		DB:              cfg.Database,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.MinRetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, spdberr.Wrap(err, spdberr.RedisError, "state: failed to connect to redis")
	}
	return &State{client: client, logger: logger}, nil
}

func (s *State) Close() error { return s.client.Close() }

func writeLockKey(lookupKey string) string { return "WRITE-LOCK&" + lookupKey }

// SetProjectLock sets or clears the write-lock for a channel.
func (s *State) SetProjectLock(ctx context.Context, lookupKey string, locked bool) error {
	if !locked {
		return spdberr.Wrap(s.client.Del(ctx, writeLockKey(lookupKey)).Err(), spdberr.RedisError, "state: clear project lock failed")
	}
	if err := s.client.Set(ctx, writeLockKey(lookupKey), "1", 0).Err(); err != nil {
		return spdberr.Wrap(err, spdberr.RedisError, "state: set project lock failed")
	}
	return nil
}

// ProjectLocked reports whether writes are currently blocked for lookupKey.
func (s *State) ProjectLocked(ctx context.Context, lookupKey string) (bool, error) {
	n, err := s.client.Exists(ctx, writeLockKey(lookupKey)).Result()
	if err != nil {
		return false, spdberr.Wrap(err, spdberr.RedisError, "state: project lock check failed")
	}
	return n > 0, nil
}

// PageInWaiter is a live subscription to one outstanding page-in
// batch's pub/sub channel. It is the narrow surface internal/spatialdb
// depends on, so tests can substitute an in-memory fake instead of a
// real Redis pub/sub.
type PageInWaiter interface {
	// Name returns the channel name passed to NotifyPageInComplete.
	Name() string
	// Wait blocks until every key in expectedKeys has been published
	// on the channel or timeout elapses.
	Wait(ctx context.Context, expectedKeys []string, timeout time.Duration) error
	// Close unsubscribes; any publication landing after Close is
	// dropped (spec.md §5 Cancellation).
	Close() error
}

// PageInChannel is PageInWaiter's production implementation, backed by
// a real Redis pub/sub subscription.
type PageInChannel struct {
	name string
	sub  *redis.PubSub
}

// CreatePageInChannel allocates a fresh PAGE-IN-CHANNEL&U name and
// subscribes the calling process to it.
func (s *State) CreatePageInChannel(ctx context.Context) (PageInWaiter, error) {
	name := fmt.Sprintf("PAGE-IN-CHANNEL&%s", uuid.NewString())
	sub := s.client.Subscribe(ctx, name)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, spdberr.Wrap(err, spdberr.RedisError, "state: subscribe to page-in channel failed")
	}
	return &PageInChannel{name: name, sub: sub}, nil
}

func (p *PageInChannel) Name() string { return p.name }

// Close unsubscribes from the page-in channel. Any publication landing
// after Close is simply dropped (spec.md §5 Cancellation).
func (p *PageInChannel) Close() error { return p.sub.Close() }

// NotifyPageInComplete publishes objectKey on channel, marking that
// cuboid as paged in.
func (s *State) NotifyPageInComplete(ctx context.Context, channel, objectKey string) error {
	if err := s.client.Publish(ctx, channel, objectKey).Err(); err != nil {
		return spdberr.Wrap(err, spdberr.RedisError, "state: publish page-in completion failed")
	}
	return nil
}

// Wait blocks consuming messages from the channel, removing each
// received key from the expected set, until the set empties or
// timeout elapses.
func (p *PageInChannel) Wait(ctx context.Context, expectedKeys []string, timeout time.Duration) error {
	remaining := make(map[string]struct{}, len(expectedKeys))
	for _, k := range expectedKeys {
		remaining[k] = struct{}{}
	}
	if len(remaining) == 0 {
		return nil
	}

	deadline := time.After(timeout)
	msgs := p.sub.Channel()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return spdberr.New(spdberr.AsyncError, "state: page-in channel closed before all keys arrived")
			}
			if msg.Channel != p.name {
				return spdberr.Newf(spdberr.AsyncError, "state: message arrived on unexpected channel %q", msg.Channel)
			}
			delete(remaining, msg.Payload)
			if len(remaining) == 0 {
				return nil
			}
		case <-deadline:
			return spdberr.Newf(spdberr.AsyncError, "state: timed out waiting for %d page-in key(s)", len(remaining))
		case <-ctx.Done():
			return spdberr.Wrap(ctx.Err(), spdberr.AsyncError, "state: context cancelled while waiting for page-in")
		}
	}
}

func pageOutKey(lookupKey string, resolution int) string {
	return fmt.Sprintf("PAGE-OUT&%s&%d", lookupKey, resolution)
}

func tmMember(t int, morton uint64) string { return fmt.Sprintf("%d&%d", t, morton) }

// AddToPageOut atomically adds t&m to the page-out set for
// (lookupKey, resolution) iff not already present.
func (s *State) AddToPageOut(ctx context.Context, lookupKey string, resolution int, morton uint64, t int) (added, alreadyPresent bool, err error) {
	n, err := s.client.SAdd(ctx, pageOutKey(lookupKey, resolution), tmMember(t, morton)).Result()
	if err != nil {
		return false, false, spdberr.Wrap(err, spdberr.RedisError, "state: add to page-out failed")
	}
	added = n > 0
	return added, !added, nil
}

// InPageOut reports whether (t,morton) is currently being flushed.
func (s *State) InPageOut(ctx context.Context, lookupKey string, resolution int, morton uint64, t int) (bool, error) {
	ok, err := s.client.SIsMember(ctx, pageOutKey(lookupKey, resolution), tmMember(t, morton)).Result()
	if err != nil {
		return false, spdberr.Wrap(err, spdberr.RedisError, "state: page-out membership check failed")
	}
	return ok, nil
}

// RemoveFromPageOut removes (t,morton) from the page-out set, normally
// called once the page-out worker commits the flush.
func (s *State) RemoveFromPageOut(ctx context.Context, lookupKey string, resolution int, morton uint64, t int) error {
	if err := s.client.SRem(ctx, pageOutKey(lookupKey, resolution), tmMember(t, morton)).Err(); err != nil {
		return spdberr.Wrap(err, spdberr.RedisError, "state: remove from page-out failed")
	}
	return nil
}

func delayedWriteKey(lookupKey string, resolution int, morton uint64, t int) string {
	return fmt.Sprintf("DELAYED-WRITE&%s&%d&%d&%d", lookupKey, resolution, t, morton)
}

const delayedWriteIndex = "DELAYED-WRITE-INDEX"

// DelayedWrite pairs a lookup key with the write-cuboid key that
// could not be flushed immediately.
type DelayedWrite struct {
	LookupKey string
	WriteKey  string
}

// AddToDelayedWrite enqueues writeKey for (lookupKey, resolution, morton,
// t) — a later flush will dequeue it once the cuboid's page-out
// completes.
func (s *State) AddToDelayedWrite(ctx context.Context, writeKey, lookupKey string, resolution int, morton uint64, t int) error {
	listKey := delayedWriteKey(lookupKey, resolution, morton, t)
	if err := s.client.RPush(ctx, listKey, writeKey).Err(); err != nil {
		return spdberr.Wrap(err, spdberr.RedisError, "state: add to delayed write failed")
	}
	if err := s.client.SAdd(ctx, delayedWriteIndex, listKey+"|"+lookupKey).Err(); err != nil {
		return spdberr.Wrap(err, spdberr.RedisError, "state: delayed write index update failed")
	}
	return nil
}

// GetDelayedWriteKeys pops and returns one (lookupKey, writeKey) pair
// per call, matching the source's one-at-a-time dequeue contract.
func (s *State) GetDelayedWriteKeys(ctx context.Context) (*DelayedWrite, error) {
	members, err := s.client.SMembers(ctx, delayedWriteIndex).Result()
	if err != nil {
		return nil, spdberr.Wrap(err, spdberr.RedisError, "state: delayed write index read failed")
	}
	for _, member := range members {
		listKey, lookupKey, ok := splitDelayedIndexMember(member)
		if !ok {
			continue
		}
		writeKey, err := s.client.LPop(ctx, listKey).Result()
		if err == redis.Nil {
			s.client.SRem(ctx, delayedWriteIndex, member)
			continue
		}
		if err != nil {
			return nil, spdberr.Wrap(err, spdberr.RedisError, "state: delayed write pop failed")
		}
		return &DelayedWrite{LookupKey: lookupKey, WriteKey: writeKey}, nil
	}
	return nil, nil
}

func splitDelayedIndexMember(member string) (listKey, lookupKey string, ok bool) {
	for i := len(member) - 1; i >= 0; i-- {
		if member[i] == '|' {
			return member[:i], member[i+1:], true
		}
	}
	return "", "", false
}

const cacheMissKey = "CACHE-MISS"

// AddCacheMisses appends object keys that need future pre-fetch. The
// source treats this as a stray optimization hook that nothing reads
// back (SPEC_FULL.md §9); kept as a write-only list for parity.
func (s *State) AddCacheMisses(ctx context.Context, objectKeys []string) error {
	if len(objectKeys) == 0 {
		return nil
	}
	args := make([]interface{}, len(objectKeys))
	for i, k := range objectKeys {
		args[i] = k
	}
	if err := s.client.RPush(ctx, cacheMissKey, args...).Err(); err != nil {
		return spdberr.Wrap(err, spdberr.RedisError, "state: add cache misses failed")
	}
	return nil
}
