// Package kv defines the key-value store contract the durable components
// build on: the cache's remote tier, the job queues and the rate limiter.
//
// The operation set is deliberately narrow: byte values with TTL, one hash
// shape for records, plus the sorted-set operations behind priority order
// and time windows. Anything richer (scans, transactions, scripting) is out
// of contract so that the memory implementation stays an honest stand-in
// for the redis one.
//
// Implementations MUST be safe for concurrent use and byte-for-byte
// transparent: Get returns exactly the []byte previously passed to Set for
// the same key. Every method may fail with a connectivity error; callers
// are expected to have a defined degraded mode rather than propagate store
// failures upward.
package kv

import (
	"context"
	"time"
)

// ScoredMember pairs a sorted-set member with its score.
type ScoredMember struct {
	Member string
	Score  float64
}

// Store is the remote store contract.
//
// Sorted sets order members by score ascending; members with equal scores
// are ordered lexicographically, mirroring redis. Range indices follow the
// redis convention: zero-based, inclusive, with negative values counting
// from the end (-1 is the last member).
type Store interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. Non-positive TTLs mean no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes keys. Removing a missing key is not an error.
	Del(ctx context.Context, keys ...string) error

	// Expire sets or replaces the TTL on an existing key of any kind.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// HSet writes one field of a hash, creating the hash if needed.
	HSet(ctx context.Context, key, field, value string) error

	// HGet returns (value, true, nil) when the field exists;
	// ("", false, nil) when the hash or field is missing.
	HGet(ctx context.Context, key, field string) (string, bool, error)

	// HGetAll returns every field of a hash. A missing hash yields an
	// empty, non-nil map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// ZAdd inserts a member or updates its score.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRem removes members and reports how many were actually present.
	// The count is what makes single-claim arbitration possible: of N
	// concurrent removers of one member, exactly one observes 1.
	ZRem(ctx context.Context, key string, members ...string) (int64, error)

	// ZRemRangeByScore removes members with scores inside [min, max] and
	// reports how many were removed. Bounds are redis-style strings:
	// a number, "(number" for exclusive, or "-inf"/"+inf".
	ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error)

	// ZCard returns the member count.
	ZCard(ctx context.Context, key string) (int64, error)

	// ZRange returns members ordered by score ascending.
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// ZRevRange returns members ordered by score descending.
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// ZRangeWithScores is ZRange carrying scores.
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)
}
