// Package keys formats the ampersand-joined ASCII key schema shared by
// the KV cache, the coordination state store, and the durable object
// index tables (spec.md §3.3). Every function here is pure: given the
// same inputs it always produces the same string, because these keys
// are persisted and must round-trip identically across process
// restarts and between writer and reader.
package keys

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const (
	cachedCuboidPrefix = "CACHED-CUBOID"
	writeCuboidPrefix  = "WRITE-CUBOID"
	blackCuboidPrefix  = "BLACK-CUBOID"
	isoSegment         = "ISO"
)

// CachedCuboidKey formats the L1 cache key for a located cuboid. When
// iso is true (the block lies above the channel's isotropic fork
// level on an anisotropic channel) an ISO segment is inserted right
// after the prefix.
func CachedCuboidKey(lookupKey string, resolution int, t int, morton uint64, iso bool) string {
	return join(prefixSegments(cachedCuboidPrefix, iso), lookupKey, itoa(resolution), itoa(t), utoa(morton))
}

// WriteCuboidKey formats an L2 write-buffer key with a fresh UUID
// suffix. The caller supplies the uuid so key generation stays pure;
// internal/state/internal/cache callers draw it from
// github.com/google/uuid.
func WriteCuboidKey(lookupKey string, resolution int, t int, morton uint64, uuid string, iso bool) string {
	return join(prefixSegments(writeCuboidPrefix, iso), lookupKey, itoa(resolution), itoa(t), utoa(morton), uuid)
}

// BlackCuboidKey formats a write-to-black request key, same shape as
// WriteCuboidKey but for overwrite_to_black requests.
func BlackCuboidKey(lookupKey string, resolution int, t int, morton uint64, uuid string, iso bool) string {
	return join(prefixSegments(blackCuboidPrefix, iso), lookupKey, itoa(resolution), itoa(t), utoa(morton), uuid)
}

// WriteBufferPrefix formats the non-unique prefix shared by every
// write-cuboid key for a given (lookup key, resolution, t, morton) —
// used by the dirty-cuboid check's key-scan fallback and by the
// per-(t,m) O(1) counter key. It always carries the WRITE-CUBOID
// prefix, so black-cuboid keys do not match it.
func WriteBufferPrefix(lookupKey string, resolution int, t int, morton uint64, iso bool) string {
	return join(prefixSegments(writeCuboidPrefix, iso), lookupKey, itoa(resolution), itoa(t), utoa(morton))
}

// CacheKeyFromWriteKey strips the UUID suffix from a write/black-cuboid
// key and replaces its prefix with CACHED-CUBOID, implementing the
// write-cuboid to cached-cuboid conversion spec.md §3.3 describes for
// flushes to the durable store.
func CacheKeyFromWriteKey(writeKey string) (string, error) {
	parts := strings.Split(writeKey, "&")
	if len(parts) < 2 {
		return "", fmt.Errorf("keys: malformed write-cuboid key %q", writeKey)
	}
	switch parts[0] {
	case writeCuboidPrefix, blackCuboidPrefix:
		parts[0] = cachedCuboidPrefix
	case isoSegment:
		return "", fmt.Errorf("keys: malformed write-cuboid key %q: unexpected ISO prefix position", writeKey)
	default:
		return "", fmt.Errorf("keys: %q is not a write-cuboid or black-cuboid key", writeKey)
	}
	// Drop the trailing UUID segment.
	return strings.Join(parts[:len(parts)-1], "&"), nil
}

// ObjectKey formats the durable object-store blob key and DynamoDB
// s3-index row key: an md5 hash of L&r&t&m, with the ISO segment (if
// any) inserted immediately after the hash rather than folded into
// the hashed body — the hash always covers the non-ISO form so the
// same block hashes identically regardless of which hierarchy fork
// it's stored under.
func ObjectKey(lookupKey string, resolution int, t int, morton uint64, iso bool) string {
	body := join(lookupKey, itoa(resolution), itoa(t), utoa(morton))
	sum := md5.Sum([]byte(body))
	hash := hex.EncodeToString(sum[:])
	return join(hash, isoBody(iso), body)
}

// IDIndexKey formats the id-index table's partition key for
// (lookup key, resolution, id).
func IDIndexKey(lookupKey string, resolution int, id uint64) string {
	body := join(lookupKey, itoa(resolution), utoa(id))
	return hashJoin(body)
}

// IDCountKey formats the id-count table's partition key for a channel.
func IDCountKey(lookupKey string) string {
	return hashJoin(lookupKey)
}

// LookupKeyAttr formats a sharded lookup-key GSI attribute value: a
// random suffix k in [0, maxN) spreads bulk-ingest writes across
// DynamoDB partitions rather than hammering one partition key.
func LookupKeyAttr(lookupKey string, resolution int, shard int) string {
	return fmt.Sprintf("%s&%s#%d", lookupKey, itoa(resolution), shard)
}

func prefixSegments(prefix string, iso bool) string {
	if iso {
		return prefix + "&" + isoSegment
	}
	return prefix
}

func isoBody(iso bool) string {
	if iso {
		return isoSegment
	}
	return ""
}

func hashJoin(body string) string {
	sum := md5.Sum([]byte(body))
	return hex.EncodeToString(sum[:]) + "&" + body
}

func join(segments ...string) string {
	out := make([]string, 0, len(segments))
	for _, s := range segments {
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return strings.Join(out, "&")
}

func itoa(v int) string  { return strconv.Itoa(v) }
func utoa(v uint64) string { return strconv.FormatUint(v, 10) }
