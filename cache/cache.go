// Package cache implements a two-tier cache: an in-process fast tier in
// front of a shared remote tier reached through kv.Store.
//
// Both tiers enforce one logical TTL stamped at write time, so an entry
// read back from the remote tier expires at the same moment everywhere.
// Entries may carry tags for group invalidation, and Fetch collapses
// concurrent misses for one key into a single producer call.
//
// The cache is deliberately loss-tolerant: every remote-tier failure is
// absorbed and the cache degrades to the fast tier alone. Only encoding
// failures surface to callers, since those mean the value can never be
// stored anywhere.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/unkn0wn-root/backstop"
	"github.com/unkn0wn-root/backstop/codec"
	"github.com/unkn0wn-root/backstop/internal/singleflight"
	"github.com/unkn0wn-root/backstop/internal/wire"
	"github.com/unkn0wn-root/backstop/kv"
)

const (
	defaultTTL          = 5 * time.Minute
	defaultFastCapacity = 100
	defaultPromoteAfter = 5
	defaultSweep        = 5 * time.Minute
)

// Options tune one cache namespace. Only Namespace, Store and Codec are
// required; everything else has defaults.
type Options[V any] struct {
	// Required
	Namespace string // logical namespace to avoid collisions, e.g. "user", "session"
	Store     kv.Store
	Codec     codec.Codec[V]

	Logger  backstop.Logger // if nil, logging is disabled
	Metrics Metrics         // if nil, metrics are discarded
	Clock   backstop.Clock  // if nil, wall clock

	DefaultTTL    time.Duration // TTL when Set/Fetch get ttl<=0; 0 => 5m
	FastCapacity  int           // fast-tier entry limit; 0 => 100
	PromoteAfter  uint32        // remote hits before fast-tier promotion; 0 => 5
	SweepInterval time.Duration // fast-tier expiry sweep period; 0 => 5m
}

// Service is a two-tier cache for values of type V. Values returned by Get
// and Fetch are shared: treat them as immutable or copy before mutating.
//
// A Service never closes its kv.Store; the store is shared with whatever
// else the process wired it into and its lifecycle belongs to the caller.
type Service[V any] struct {
	ns      string
	store   kv.Store
	codec   codec.Codec[V]
	log     backstop.Logger
	metrics Metrics
	clock   backstop.Clock

	ttl          time.Duration
	promoteAfter uint32

	fast   *fastTier[V]
	flight singleflight.Group[string, V]

	// background expiry sweep
	ticker    *time.Ticker
	stopCh    chan struct{}
	closeWg   sync.WaitGroup
	closeOnce sync.Once
}

func New[V any](opts Options[V]) (*Service[V], error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("cache: namespace is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("cache: store is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("cache: codec is required")
	}

	s := &Service[V]{
		ns:    opts.Namespace,
		store: opts.Store,
		codec: opts.Codec,
	}

	s.log = coalesce[backstop.Logger](opts.Logger, backstop.NopLogger{})
	s.metrics = coalesce[Metrics](opts.Metrics, NopMetrics{})
	s.clock = coalesce[backstop.Clock](opts.Clock, backstop.SystemClock())
	s.ttl = coalesce[time.Duration](opts.DefaultTTL, defaultTTL)
	s.promoteAfter = coalesce[uint32](opts.PromoteAfter, defaultPromoteAfter)

	capacity := opts.FastCapacity
	if capacity <= 0 {
		capacity = defaultFastCapacity
	}
	s.fast = newFastTier[V](capacity, s.clock)

	sweep := coalesce[time.Duration](opts.SweepInterval, defaultSweep)
	s.ticker = time.NewTicker(sweep)
	s.stopCh = make(chan struct{})
	s.closeWg.Add(1)
	go s.sweepLoop()

	return s, nil
}

// Get returns the cached value for key, preferring the fast tier. Remote
// failures, corrupt envelopes and expired entries all read as a miss; Get
// itself never fails.
func (s *Service[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V
	if v, ok := s.fast.get(key); ok {
		s.metrics.Hit(TierFast)
		return v, true
	}

	raw, ok, err := s.store.Get(ctx, s.entryKey(key))
	if err != nil {
		s.log.Warn("remote tier get failed", backstop.Fields{"key": key, "err": err})
		s.metrics.Degraded("get")
		s.metrics.Miss()
		return zero, false
	}
	if !ok {
		s.metrics.Miss()
		return zero, false
	}

	ent, err := wire.Decode(raw)
	if err != nil {
		// foreign or corrupt bytes under our key; self-heal
		_ = s.store.Del(ctx, s.entryKey(key))
		s.log.Warn("corrupt remote entry removed", backstop.Fields{"key": key, "err": err})
		s.metrics.Miss()
		return zero, false
	}

	now := s.clock.Now()
	if expiredAt(ent.CreatedAtMs, ent.TTLMs, now) {
		// remote TTL should have caught this; enforce the logical one
		_ = s.store.Del(ctx, s.entryKey(key))
		s.metrics.Miss()
		return zero, false
	}

	v, err := s.codec.Decode(ent.Payload)
	if err != nil {
		_ = s.store.Del(ctx, s.entryKey(key))
		s.log.Warn("undecodable remote entry removed", backstop.Fields{"key": key, "err": err})
		s.metrics.Miss()
		return zero, false
	}

	ent.Hits++
	s.writeBack(ctx, key, ent, now)

	if ent.Hits > s.promoteAfter {
		s.promote(key, v, ent)
	}

	s.metrics.Hit(TierRemote)
	return v, true
}

// writeBack persists the bumped hit counter with the entry's remaining
// lifetime. Best-effort: the counter only has to survive often enough for
// promotion to trigger eventually.
func (s *Service[V]) writeBack(ctx context.Context, key string, ent wire.Entry, now time.Time) {
	remaining := time.Duration(ent.CreatedAtMs+ent.TTLMs-now.UnixMilli()) * time.Millisecond
	if remaining <= 0 {
		return
	}
	enc, err := wire.Encode(ent)
	if err != nil {
		return
	}
	if err := s.store.Set(ctx, s.entryKey(key), enc, remaining); err != nil {
		s.log.Debug("hit counter write-back failed", backstop.Fields{"key": key, "err": err})
		s.metrics.Degraded("writeback")
	}
}

// promote copies a hot remote entry into the fast tier, keeping its
// original creation time so the logical expiry moment is unchanged.
func (s *Service[V]) promote(key string, v V, ent wire.Entry) {
	createdAt := time.UnixMilli(ent.CreatedAtMs)
	ttl := time.Duration(ent.TTLMs) * time.Millisecond
	if n := s.fast.put(key, v, createdAt, ttl, ent.Tags, ent.Hits); n > 0 {
		s.metrics.Evicted(EvictCapacity, n)
	}
	s.metrics.Promoted()
	s.log.Debug("entry promoted to fast tier", backstop.Fields{"key": key, "hits": ent.Hits})
}

// Set writes value to both tiers with the given TTL (ttl<=0 uses the
// namespace default) and optional tags. A remote write failure degrades to
// the fast tier and is not an error; only an encode failure is, because an
// unencodable value cannot be cached at all.
func (s *Service[V]) Set(ctx context.Context, key string, value V, ttl time.Duration, tags ...string) error {
	if ttl <= 0 {
		ttl = s.ttl
	}

	payload, err := s.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("cache: encode %q: %w", key, err)
	}

	now := s.clock.Now()
	ent := wire.Entry{
		CreatedAtMs: now.UnixMilli(),
		TTLMs:       ttl.Milliseconds(),
		Tags:        tags,
		Payload:     payload,
	}
	enc, err := wire.Encode(ent)
	if err != nil {
		return fmt.Errorf("cache: frame %q: %w", key, err)
	}

	if n := s.fast.put(key, value, now, ttl, tags, 0); n > 0 {
		s.metrics.Evicted(EvictCapacity, n)
	}

	if err := s.store.Set(ctx, s.entryKey(key), enc, ttl); err != nil {
		s.log.Warn("remote tier set failed; entry is fast-tier only", backstop.Fields{"key": key, "err": err})
		s.metrics.Degraded("set")
		return nil
	}
	for _, tag := range tags {
		if err := s.store.Set(ctx, s.tagKey(tag, key), []byte{1}, ttl); err != nil {
			s.log.Debug("tag marker write failed", backstop.Fields{"key": key, "tag": tag, "err": err})
			s.metrics.Degraded("tag")
		}
	}
	return nil
}

// Delete removes key from both tiers. Deleting an absent key is a no-op;
// a remote failure leaves the remote copy to its TTL.
func (s *Service[V]) Delete(ctx context.Context, key string) {
	s.fast.remove(key)
	if err := s.store.Del(ctx, s.entryKey(key)); err != nil {
		s.log.Warn("remote tier delete failed", backstop.Fields{"key": key, "err": err})
		s.metrics.Degraded("delete")
	}
}

// InvalidateByTags removes every entry whose tag set intersects tags and
// returns how many fast-tier entries were dropped.
//
// Remote coverage is exactly the keys that were resident in this process's
// fast tier: their remote copies and tag markers are deleted best-effort.
// Entries written by other processes (or already evicted here) stay in the
// remote tier until their TTL runs out. Callers that need hard cross-process
// invalidation should use short TTLs or explicit Delete calls.
func (s *Service[V]) InvalidateByTags(ctx context.Context, tags ...string) int {
	removed := s.fast.removeByTags(tags)
	if len(removed) == 0 {
		return 0
	}

	keys := make([]string, 0, len(removed)*2)
	for _, r := range removed {
		keys = append(keys, s.entryKey(r.key))
		for _, tag := range r.tags {
			keys = append(keys, s.tagKey(tag, r.key))
		}
	}
	if err := s.store.Del(ctx, keys...); err != nil {
		s.log.Warn("remote tag invalidation incomplete", backstop.Fields{"tags": tags, "err": err})
		s.metrics.Degraded("invalidate")
	}

	s.metrics.Evicted(EvictInvalidated, len(removed))
	s.log.Debug("invalidated by tags", backstop.Fields{"tags": tags, "removed": len(removed)})
	return len(removed)
}

// Fetch returns the cached value for key or produces it with fn, storing
// the result in both tiers with the given TTL and tags. Concurrent Fetch
// calls for one key share a single fn execution; every caller gets the
// same value or the same error.
//
// fn runs with the first caller's ctx. A waiter whose own ctx ends stops
// waiting and returns its ctx error while fn keeps running for the rest.
// A failed store write does not fail Fetch; the produced value is returned
// regardless.
func (s *Service[V]) Fetch(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (V, error), tags ...string) (V, error) {
	if v, ok := s.Get(ctx, key); ok {
		return v, nil
	}

	v, joined, err := s.flight.Do(ctx, key, func() (V, error) {
		// someone may have stored the value between our miss and winning
		// the flight
		if v, ok := s.Get(ctx, key); ok {
			return v, nil
		}
		v, err := fn(ctx)
		if err != nil {
			return v, err
		}
		if serr := s.Set(ctx, key, v, ttl, tags...); serr != nil {
			s.log.Warn("fetched value not cached", backstop.Fields{"key": key, "err": serr})
		}
		return v, nil
	})
	if joined {
		s.metrics.Coalesced()
	}
	return v, err
}

// Close stops the background sweep. It does not close the kv.Store and it
// is safe to call more than once.
func (s *Service[V]) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.closeWg.Wait()
		s.ticker.Stop()
	})
}

func (s *Service[V]) sweepLoop() {
	defer s.closeWg.Done()
	for {
		select {
		case <-s.ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service[V]) sweep() {
	if n := s.fast.removeExpired(); n > 0 {
		s.metrics.Evicted(EvictExpired, n)
		s.log.Debug("fast tier sweep removed expired entries", backstop.Fields{"removed": n})
	}
}

func (s *Service[V]) entryKey(key string) string {
	// isolate by namespace
	return "cache:" + s.ns + ":" + key
}

func (s *Service[V]) tagKey(tag, key string) string {
	return "tag:" + s.ns + ":" + tag + ":" + key
}

func expiredAt(createdAtMs, ttlMs int64, now time.Time) bool {
	return now.UnixMilli()-createdAtMs > ttlMs
}

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
