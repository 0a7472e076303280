// Package cache implements the L1 read cache and L2 write buffer: a
// flat, TTL-bearing keyspace fronted by Redis (spec.md §4.5). Both
// tiers share one client against one logical database — they are
// distinguished only by key prefix (CACHED-CUBOID vs
// WRITE-CUBOID/BLACK-CUBOID), matching the source's single-Redis-DB
// layout for the cuboid cache.
package cache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jhuapl-boss/spdb/internal/config"
	"github.com/jhuapl-boss/spdb/internal/keys"
	"github.com/jhuapl-boss/spdb/internal/spdberr"
)

// CachedCube is one decoded-key, still-compressed cuboid blob
// returned by GetCubes.
type CachedCube struct {
	Morton uint64
	T      int
	Blob   []byte
}

// Cache is the KV cache client. A process holds exactly one for its
// whole lifetime; it is safe for concurrent use (go-redis pools
// internally).
type Cache struct {
	client      *redis.Client
	logger      *zap.Logger
	readTimeout time.Duration
}

// New dials the Redis instance backing the L1/L2 cache.
func New(cfg config.RedisConfig, readTimeout time.Duration, logger *zap.Logger) (*Cache, error) {
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
		return nil, spdberr.Wrap(err, spdberr.RedisError, "cache: failed to connect to redis")
	}

	return &Cache{client: client, logger: logger, readTimeout: readTimeout}, nil
}

func (c *Cache) Close() error { return c.client.Close() }

// GetMissingReadCacheKeys computes the CACHED-CUBOID keys for the
// Cartesian product of timeRange × mortonList (t outer, morton
// inner), refreshes the TTL on every key including misses, and
// reports which indices were hits. One pipelined EXPIRE+EXISTS per
// key, issued as a single round trip.
func (c *Cache) GetMissingReadCacheKeys(ctx context.Context, lookupKey string, resolution int, timeRange [2]int, mortonList []uint64, iso bool) (missingIdx, cachedIdx []int, allKeys []string, err error) {
	for t := timeRange[0]; t < timeRange[1]; t++ {
		for _, m := range mortonList {
			allKeys = append(allKeys, keys.CachedCuboidKey(lookupKey, resolution, t, m, iso))
		}
	}

	pipe := c.client.Pipeline()
	existsCmds := make([]*redis.IntCmd, len(allKeys))
	for i, k := range allKeys {
		pipe.Expire(ctx, k, c.readTimeout)
		existsCmds[i] = pipe.Exists(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, nil, nil, spdberr.Wrap(err, spdberr.RedisError, "cache: pipelined exists/expire failed")
	}

	for i, cmd := range existsCmds {
		if cmd.Val() > 0 {
			cachedIdx = append(cachedIdx, i)
		} else {
			missingIdx = append(missingIdx, i)
		}
	}
	return missingIdx, cachedIdx, allKeys, nil
}

// GetCubes multi-gets a list of CACHED-CUBOID keys, parsing the
// trailing "t&morton" fields from each key alongside its blob.
func (c *Cache) GetCubes(ctx context.Context, keyList []string) ([]CachedCube, error) {
	if len(keyList) == 0 {
		return nil, nil
	}
	vals, err := c.client.MGet(ctx, keyList...).Result()
	if err != nil {
		return nil, spdberr.Wrap(err, spdberr.RedisError, "cache: mget failed")
	}

	out := make([]CachedCube, 0, len(keyList))
	for i, v := range vals {
		if v == nil {
			return nil, spdberr.Newf(spdberr.RedisError, "cache: missing value for key %q", keyList[i])
		}
		blob, ok := v.(string)
		if !ok {
			return nil, spdberr.Newf(spdberr.RedisError, "cache: unexpected value type for key %q", keyList[i])
		}
		t, m, err := parseTrailingTM(keyList[i])
		if err != nil {
			return nil, err
		}
		out = append(out, CachedCube{Morton: m, T: t, Blob: []byte(blob)})
	}
	return out, nil
}

func parseTrailingTM(key string) (t int, m uint64, err error) {
	parts := strings.Split(key, "&")
	if len(parts) < 2 {
		return 0, 0, spdberr.Newf(spdberr.RedisError, "cache: malformed cache key %q", key)
	}
	mStr, tStr := parts[len(parts)-1], parts[len(parts)-2]
	mVal, parseErr := strconv.ParseUint(mStr, 10, 64)
	if parseErr != nil {
		return 0, 0, spdberr.Wrap(parseErr, spdberr.RedisError, "cache: malformed morton field in key")
	}
	tVal, parseErr := strconv.Atoi(tStr)
	if parseErr != nil {
		return 0, 0, spdberr.Wrap(parseErr, spdberr.RedisError, "cache: malformed time field in key")
	}
	return tVal, mVal, nil
}

// PutCubes multi-sets a batch of CACHED-CUBOID keys then refreshes
// each one's TTL.
func (c *Cache) PutCubes(ctx context.Context, keyList []string, blobs [][]byte) error {
	if len(keyList) != len(blobs) {
		return spdberr.New(spdberr.SpdbError, "cache: PutCubes keys/blobs length mismatch")
	}
	pipe := c.client.Pipeline()
	for i, k := range keyList {
		pipe.Set(ctx, k, blobs[i], 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return spdberr.Wrap(err, spdberr.RedisError, "cache: pipelined set failed")
	}
	pipe = c.client.Pipeline()
	for _, k := range keyList {
		pipe.Expire(ctx, k, c.readTimeout)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return spdberr.Wrap(err, spdberr.RedisError, "cache: pipelined expire failed")
	}
	return nil
}

// CubeExists refreshes the TTL on key and reports whether it exists.
func (c *Cache) CubeExists(ctx context.Context, key string) (bool, error) {
	pipe := c.client.Pipeline()
	pipe.Expire(ctx, key, c.readTimeout)
	existsCmd := pipe.Exists(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return false, spdberr.Wrap(err, spdberr.RedisError, "cache: exists check failed")
	}
	return existsCmd.Val() > 0, nil
}

// DeleteCube removes a single key.
func (c *Cache) DeleteCube(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return spdberr.Wrap(err, spdberr.RedisError, "cache: delete failed")
	}
	return nil
}

// InsertCubeInWriteBuffer appends a fresh UUID to baseKey (WRITE-CUBOID&L&r
// or BLACK-CUBOID&L&r) and sets the value with no TTL — the write
// buffer is append-only until the page-out flusher removes entries.
func (c *Cache) InsertCubeInWriteBuffer(ctx context.Context, baseKey string, t int, morton uint64, blob []byte) (string, error) {
	fullKey := fmt.Sprintf("%s&%d&%d&%s", baseKey, t, morton, uuid.NewString())
	if err := c.client.Set(ctx, fullKey, blob, 0).Err(); err != nil {
		return "", spdberr.Wrap(err, spdberr.RedisError, "cache: write-buffer insert failed")
	}
	return fullKey, nil
}

// GetCubeFromWriteBuffer reads a single write-buffer entry's blob.
func (c *Cache) GetCubeFromWriteBuffer(ctx context.Context, key string) ([]byte, error) {
	v, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, spdberr.Newf(spdberr.RedisError, "cache: write-buffer key %q not found", key)
		}
		return nil, spdberr.Wrap(err, spdberr.RedisError, "cache: write-buffer get failed")
	}
	return v, nil
}

// GetLatestWriteBufferBlob scans for write-buffer entries under prefix
// (WriteBufferPrefix's output, which has no UUID suffix) and returns
// the blob of the lexicographically last match, or (nil, nil) if none
// is currently buffered. Unlike GetCubeFromWriteBuffer's exact lookup
// — meant for callers like the page-out flusher that already hold the
// full key with its UUID — a reader racing a dirty write only knows
// the prefix, so it must scan.
func (c *Cache) GetLatestWriteBufferBlob(ctx context.Context, prefix string) ([]byte, error) {
	matches, err := c.client.Keys(ctx, prefix+"&*").Result()
	if err != nil {
		return nil, spdberr.Wrap(err, spdberr.RedisError, "cache: write-buffer scan failed")
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Strings(matches)
	return c.GetCubeFromWriteBuffer(ctx, matches[len(matches)-1])
}

// IsDirty reports, for each cached key, whether any write-cuboid
// entry exists with the matching L&r&t&m prefix; black-cuboid entries
// are not scanned.
// This is the spec's key-scan definition, used by callers that want
// exact semantic parity with the source; internal/spatialdb itself
// uses the O(1) DirtyCounter instead (see SPEC_FULL.md §9 — the
// source's KEYS-based scan is O(total keys) per call, unacceptable on
// a real server).
func (c *Cache) IsDirty(ctx context.Context, cachedKeys []string) ([]bool, error) {
	out := make([]bool, len(cachedKeys))
	for i, ck := range cachedKeys {
		prefix, err := cachedKeyToWritePrefix(ck)
		if err != nil {
			return nil, err
		}
		matches, err := c.client.Keys(ctx, prefix+"*").Result()
		if err != nil {
			return nil, spdberr.Wrap(err, spdberr.RedisError, "cache: dirty key scan failed")
		}
		out[i] = len(matches) > 0
	}
	return out, nil
}

func cachedKeyToWritePrefix(cachedKey string) (string, error) {
	parts := strings.Split(cachedKey, "&")
	if len(parts) < 2 || parts[0] != "CACHED-CUBOID" {
		return "", spdberr.Newf(spdberr.SpdbError, "cache: %q is not a cached-cuboid key", cachedKey)
	}
	parts[0] = "WRITE-CUBOID"
	return strings.Join(parts, "&"), nil
}

// DirtyCounter is an O(1) replacement for the source's KEYS-based
// IsDirty scan: a single Redis integer per (lookup key, resolution,
// t, morton), incremented on InsertCubeInWriteBuffer's callers and
// decremented on flush. Identical semantics, O(1) cost (spec.md
// Redesign Flags §9).
type DirtyCounter struct {
	client *redis.Client
}

// NewDirtyCounter wraps the same cache client for dirty-counter ops.
func (c *Cache) NewDirtyCounter() *DirtyCounter { return &DirtyCounter{client: c.client} }

// DirtyIncrement, DirtyDecrement and DirtyIsDirty forward to a fresh
// DirtyCounter. They exist so internal/spatialdb can depend on a flat
// cacheStore interface instead of NewDirtyCounter's concrete return
// type, letting tests substitute an in-memory fake.
func (c *Cache) DirtyIncrement(ctx context.Context, writeBufferPrefix string) error {
	return c.NewDirtyCounter().Increment(ctx, writeBufferPrefix)
}

func (c *Cache) DirtyDecrement(ctx context.Context, writeBufferPrefix string) error {
	return c.NewDirtyCounter().Decrement(ctx, writeBufferPrefix)
}

func (c *Cache) DirtyIsDirty(ctx context.Context, writeBufferPrefix string) (bool, error) {
	return c.NewDirtyCounter().IsDirty(ctx, writeBufferPrefix)
}

func (d *DirtyCounter) key(writeBufferPrefix string) string {
	return "DIRTY-COUNT&" + writeBufferPrefix
}

// Increment marks one more pending write against the given write-buffer
// prefix (WriteBufferPrefix's output).
func (d *DirtyCounter) Increment(ctx context.Context, writeBufferPrefix string) error {
	if err := d.client.Incr(ctx, d.key(writeBufferPrefix)).Err(); err != nil {
		return spdberr.Wrap(err, spdberr.RedisError, "cache: dirty counter increment failed")
	}
	return nil
}

// Decrement reverses Increment after a flush. The counter floors at
// zero: Decrement below zero resets to 0 rather than going negative,
// since a flush should never observe more completions than starts.
func (d *DirtyCounter) Decrement(ctx context.Context, writeBufferPrefix string) error {
	v, err := d.client.Decr(ctx, d.key(writeBufferPrefix)).Result()
	if err != nil {
		return spdberr.Wrap(err, spdberr.RedisError, "cache: dirty counter decrement failed")
	}
	if v < 0 {
		d.client.Set(ctx, d.key(writeBufferPrefix), 0, 0)
	}
	return nil
}

// IsDirty reports whether any pending writes are outstanding for the
// given write-buffer prefix.
func (d *DirtyCounter) IsDirty(ctx context.Context, writeBufferPrefix string) (bool, error) {
	v, err := d.client.Get(ctx, d.key(writeBufferPrefix)).Int()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, spdberr.Wrap(err, spdberr.RedisError, "cache: dirty counter read failed")
	}
	return v > 0, nil
}
