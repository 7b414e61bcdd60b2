package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/unkn0wn-root/backstop"
)

// entry is one fast-tier record. createdAt/ttl carry the logical expiry
// shared with the remote tier; hits and tags feed eviction scoring and tag
// invalidation.
type entry[V any] struct {
	value     V
	createdAt time.Time
	ttl       time.Duration
	tags      []string
	hits      uint32
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// tagged pairs a removed key with the tags it carried, so the caller can
// clear the matching remote entry and its tag markers.
type tagged struct {
	key  string
	tags []string
}

// fastTier is the in-process tier. All access goes through one mutex; the
// hot path is a map lookup plus a counter bump, so contention stays low
// enough that sharding is not worth carrying here.
type fastTier[V any] struct {
	mu       sync.Mutex
	entries  map[string]*entry[V]
	capacity int
	clock    backstop.Clock
}

func newFastTier[V any](capacity int, clock backstop.Clock) *fastTier[V] {
	return &fastTier[V]{
		entries:  make(map[string]*entry[V], capacity),
		capacity: capacity,
		clock:    clock,
	}
}

func (t *fastTier[V]) get(key string) (V, bool) {
	var zero V
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return zero, false
	}
	if e.expired(t.clock.Now()) {
		delete(t.entries, key)
		return zero, false
	}
	e.hits++
	return e.value, true
}

// put inserts or replaces an entry, evicting when over capacity.
// Returns how many entries were evicted to make room.
func (t *fastTier[V]) put(key string, v V, createdAt time.Time, ttl time.Duration, tags []string, hits uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = &entry[V]{value: v, createdAt: createdAt, ttl: ttl, tags: tags, hits: hits}
	if len(t.entries) <= t.capacity {
		return 0
	}
	return t.evictLocked()
}

// evictLocked drops the coldest fifth of the tier, scored by hits per
// second of age. Entries already past their TTL sort below everything.
func (t *fastTier[V]) evictLocked() int {
	now := t.clock.Now()
	type scored struct {
		key   string
		score float64
	}
	all := make([]scored, 0, len(t.entries))
	for k, e := range t.entries {
		if e.expired(now) {
			all = append(all, scored{key: k, score: -1})
			continue
		}
		age := now.Sub(e.createdAt).Seconds()
		if age < 0.001 {
			age = 0.001
		}
		all = append(all, scored{key: k, score: float64(e.hits) / age})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score < all[j].score
		}
		return all[i].key < all[j].key
	})

	n := len(all) / 5
	if n < 1 {
		n = 1
	}
	for _, s := range all[:n] {
		delete(t.entries, s.key)
	}
	return n
}

func (t *fastTier[V]) remove(key string) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

// removeByTags drops every entry whose tag set intersects tags.
func (t *fastTier[V]) removeByTags(tags []string) []tagged {
	want := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		want[tag] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []tagged
	for k, e := range t.entries {
		for _, tag := range e.tags {
			if _, ok := want[tag]; ok {
				delete(t.entries, k)
				removed = append(removed, tagged{key: k, tags: e.tags})
				break
			}
		}
	}
	return removed
}

// removeExpired drops entries past their TTL. Called by the sweep loop.
func (t *fastTier[V]) removeExpired() int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, e := range t.entries {
		if e.expired(now) {
			delete(t.entries, k)
			n++
		}
	}
	return n
}

func (t *fastTier[V]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
