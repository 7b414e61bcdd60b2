// Package ratelimit implements a true sliding-window rate limiter on a
// kv.Store sorted set: one set per limited key, members are request ids,
// scores are request times. Every Allow prunes timestamps older than the
// window, records the current request and counts what is left, so the
// window trails the current instant instead of resetting on a boundary.
//
// When the store is unreachable the limiter decides from an in-process
// copy of the same algorithm. Limiting is then per process rather than
// shared; the remote set takes over again on the next successful call.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/backstop"
	"github.com/unkn0wn-root/backstop/kv"
)

const (
	defaultPrefix  = "ratelimit:"
	defaultJanitor = time.Minute
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int       // requests left in the window, 0 when denied
	ResetAt   time.Time // when the oldest counted request leaves the window
}

// Options configure a Limiter. Only Store is required.
type Options struct {
	// Required
	Store kv.Store

	Logger  backstop.Logger // if nil, logging is disabled
	Metrics Metrics         // if nil, metrics are discarded
	Clock   backstop.Clock  // if nil, wall clock

	KeyPrefix       string        // store key prefix; "" => "ratelimit:"
	JanitorInterval time.Duration // idle fallback-window cleanup period; 0 => 1m
}

// Limiter makes sliding-window rate decisions. Limit and window travel
// with each Allow call, so one Limiter serves every route or caller class
// in the process.
type Limiter struct {
	store   kv.Store
	log     backstop.Logger
	metrics Metrics
	clock   backstop.Clock
	prefix  string

	// in-process windows, used only while the store is unreachable
	mu    sync.Mutex
	local map[string]*window

	// background cleanup of idle fallback windows
	ticker    *time.Ticker
	stopCh    chan struct{}
	closeWg   sync.WaitGroup
	closeOnce sync.Once
}

// window is one fallback key's recent request times, ascending unix ms.
type window struct {
	stamps   []int64
	windowMs int64 // length from the most recent Allow, for idle detection
}

func New(opts Options) (*Limiter, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("ratelimit: store is required")
	}

	l := &Limiter{
		store: opts.Store,
		local: make(map[string]*window),
	}

	l.log = coalesce[backstop.Logger](opts.Logger, backstop.NopLogger{})
	l.metrics = coalesce[Metrics](opts.Metrics, NopMetrics{})
	l.clock = coalesce[backstop.Clock](opts.Clock, backstop.SystemClock())
	l.prefix = coalesce[string](opts.KeyPrefix, defaultPrefix)

	janitor := coalesce[time.Duration](opts.JanitorInterval, defaultJanitor)
	l.ticker = time.NewTicker(janitor)
	l.stopCh = make(chan struct{})
	l.closeWg.Add(1)
	go l.janitorLoop()

	return l, nil
}

// Allow records one request against key and decides whether it fits in
// the trailing window. Allow never fails: when the store is unreachable
// the decision comes from this process's own window for the key.
//
// The request is counted whether or not it is allowed: a denied caller
// still consumed its slot.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, windowDur time.Duration) Decision {
	now := l.clock.Now()

	dec, err := l.allowRemote(ctx, key, limit, windowDur, now)
	if err != nil {
		l.log.Warn("rate decision from in-process fallback", backstop.Fields{"key": key, "err": err})
		l.metrics.Fallback()
		dec = l.allowLocal(key, limit, windowDur, now)
	}

	if dec.Allowed {
		l.metrics.Allowed()
	} else {
		l.metrics.Denied()
	}
	return dec
}

// Close stops the fallback janitor. It does not close the kv.Store.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.closeWg.Wait()
		l.ticker.Stop()
	})
}

func (l *Limiter) allowRemote(ctx context.Context, key string, limit int, windowDur time.Duration, now time.Time) (Decision, error) {
	k := l.prefix + key
	nowMs := now.UnixMilli()
	windowMs := windowDur.Milliseconds()
	cutoff := nowMs - windowMs

	if _, err := l.store.ZRemRangeByScore(ctx, k, "0", strconv.FormatInt(cutoff, 10)); err != nil {
		return Decision{}, err
	}
	// unique member per request; the score alone carries the time, so two
	// requests in the same millisecond still count as two
	if err := l.store.ZAdd(ctx, k, float64(nowMs), uuid.NewString()); err != nil {
		return Decision{}, err
	}
	// the set only needs to outlive its own window
	if err := l.store.Expire(ctx, k, windowDur); err != nil {
		return Decision{}, err
	}
	count, err := l.store.ZCard(ctx, k)
	if err != nil {
		return Decision{}, err
	}

	resetAt := now.Add(windowDur)
	if oldest, err := l.store.ZRangeWithScores(ctx, k, 0, 0); err == nil && len(oldest) == 1 {
		resetAt = time.UnixMilli(int64(oldest[0].Score)).Add(windowDur)
	}

	return decide(count, limit, resetAt), nil
}

func (l *Limiter) allowLocal(key string, limit int, windowDur time.Duration, now time.Time) Decision {
	nowMs := now.UnixMilli()
	windowMs := windowDur.Milliseconds()
	cutoff := nowMs - windowMs

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.local[key]
	if !ok {
		w = &window{}
		l.local[key] = w
	}
	w.windowMs = windowMs

	keep := 0
	for keep < len(w.stamps) && w.stamps[keep] <= cutoff {
		keep++
	}
	w.stamps = append(w.stamps[:0], w.stamps[keep:]...)
	w.stamps = append(w.stamps, nowMs)

	resetAt := time.UnixMilli(w.stamps[0]).Add(windowDur)
	return decide(int64(len(w.stamps)), limit, resetAt)
}

func decide(count int64, limit int, resetAt time.Time) Decision {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(limit),
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

func (l *Limiter) janitorLoop() {
	defer l.closeWg.Done()
	for {
		select {
		case <-l.ticker.C:
			l.dropIdleWindows()
		case <-l.stopCh:
			return
		}
	}
}

// dropIdleWindows removes fallback windows whose every stamp has left the
// window, so keys seen once during an outage do not pin memory forever.
func (l *Limiter) dropIdleWindows() {
	nowMs := l.clock.Now().UnixMilli()

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, w := range l.local {
		if len(w.stamps) == 0 || w.stamps[len(w.stamps)-1] <= nowMs-w.windowMs {
			delete(l.local, key)
			removed++
		}
	}
	if removed > 0 {
		l.log.Debug("idle fallback windows dropped", backstop.Fields{"removed": removed})
	}
}

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
