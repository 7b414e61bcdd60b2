// Package memory implements kv.Store with plain maps under one mutex.
//
// It exists for tests and single-process deployments. Semantics mirror the
// redis store closely enough to be an honest stand-in: sorted sets order by
// score then member, range indices may be negative, score bounds accept
// "(x" and "-inf"/"+inf". Expiry is lazy; a key past its deadline is
// dropped the next time any operation touches it.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/unkn0wn-root/backstop/kv"
)

type Store struct {
	mu      sync.Mutex
	values  map[string][]byte
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
	expires map[string]time.Time

	now func() time.Time
}

var _ kv.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		values:  make(map[string][]byte),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// dropExpiredLocked removes key if its deadline has passed.
func (s *Store) dropExpiredLocked(key string) {
	dl, ok := s.expires[key]
	if !ok || s.now().Before(dl) {
		return
	}
	s.deleteLocked(key)
}

func (s *Store) deleteLocked(key string) {
	delete(s.values, key)
	delete(s.hashes, key)
	delete(s.zsets, key)
	delete(s.expires, key)
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpiredLocked(key)
	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.values[key] = cp
	if ttl > 0 {
		s.expires[key] = s.now().Add(ttl)
	} else {
		delete(s.expires, key)
	}
	return nil
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.deleteLocked(k)
	}
	return nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpiredLocked(key)
	if !s.existsLocked(key) {
		return nil
	}
	if ttl > 0 {
		s.expires[key] = s.now().Add(ttl)
	} else {
		delete(s.expires, key)
	}
	return nil
}

func (s *Store) existsLocked(key string) bool {
	if _, ok := s.values[key]; ok {
		return true
	}
	if _, ok := s.hashes[key]; ok {
		return true
	}
	if _, ok := s.zsets[key]; ok {
		return true
	}
	return false
}

func (s *Store) HSet(_ context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpiredLocked(key)
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (s *Store) HGet(_ context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpiredLocked(key)
	h, ok := s.hashes[key]
	if !ok {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpiredLocked(key)
	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (s *Store) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpiredLocked(key)
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (s *Store) ZRem(_ context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpiredLocked(key)
	z := s.zsets[key]
	var n int64
	for _, m := range members {
		if _, ok := z[m]; ok {
			delete(z, m)
			n++
		}
	}
	if len(z) == 0 {
		delete(s.zsets, key)
	}
	return n, nil
}

func (s *Store) ZRemRangeByScore(_ context.Context, key, min, max string) (int64, error) {
	lo, loExcl, err := parseBound(min)
	if err != nil {
		return 0, err
	}
	hi, hiExcl, err := parseBound(max)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpiredLocked(key)
	z := s.zsets[key]
	var n int64
	for m, sc := range z {
		if sc < lo || (loExcl && sc == lo) {
			continue
		}
		if sc > hi || (hiExcl && sc == hi) {
			continue
		}
		delete(z, m)
		n++
	}
	if len(z) == 0 {
		delete(s.zsets, key)
	}
	return n, nil
}

func (s *Store) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpiredLocked(key)
	return int64(len(s.zsets[key])), nil
}

func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	scored, err := s.ZRangeWithScores(ctx, key, start, stop)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(scored))
	for i, sm := range scored {
		out[i] = sm.Member
	}
	return out, nil
}

func (s *Store) ZRevRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	all := s.sortedLocked(key)
	s.mu.Unlock()

	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	picked := slice(all, start, stop)
	out := make([]string, len(picked))
	for i, sm := range picked {
		out[i] = sm.Member
	}
	return out, nil
}

func (s *Store) ZRangeWithScores(_ context.Context, key string, start, stop int64) ([]kv.ScoredMember, error) {
	s.mu.Lock()
	all := s.sortedLocked(key)
	s.mu.Unlock()
	return slice(all, start, stop), nil
}

// sortedLocked snapshots a zset ordered by score ascending, ties broken by
// member, matching redis ordering.
func (s *Store) sortedLocked(key string) []kv.ScoredMember {
	s.dropExpiredLocked(key)
	z := s.zsets[key]
	all := make([]kv.ScoredMember, 0, len(z))
	for m, sc := range z {
		all = append(all, kv.ScoredMember{Member: m, Score: sc})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score < all[j].Score
		}
		return all[i].Member < all[j].Member
	})
	return all
}

// slice applies redis range semantics: inclusive indices, negative values
// count from the end.
func slice(all []kv.ScoredMember, start, stop int64) []kv.ScoredMember {
	n := int64(len(all))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return []kv.ScoredMember{}
	}
	return all[start : stop+1]
}

func parseBound(b string) (val float64, exclusive bool, err error) {
	switch b {
	case "-inf":
		return math.Inf(-1), false, nil
	case "+inf", "inf":
		return math.Inf(1), false, nil
	}
	if strings.HasPrefix(b, "(") {
		v, err := strconv.ParseFloat(b[1:], 64)
		if err != nil {
			return 0, false, fmt.Errorf("memory store: bad score bound %q: %w", b, err)
		}
		return v, true, nil
	}
	v, err := strconv.ParseFloat(b, 64)
	if err != nil {
		return 0, false, fmt.Errorf("memory store: bad score bound %q: %w", b, err)
	}
	return v, false, nil
}
