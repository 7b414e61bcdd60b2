package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/backstop/kv"
	"github.com/unkn0wn-root/backstop/kv/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recMetrics struct {
	mu        sync.Mutex
	allowed   int
	denied    int
	fallbacks int
}

var _ Metrics = (*recMetrics)(nil)

func (m *recMetrics) Allowed()  { m.mu.Lock(); m.allowed++; m.mu.Unlock() }
func (m *recMetrics) Denied()   { m.mu.Lock(); m.denied++; m.mu.Unlock() }
func (m *recMetrics) Fallback() { m.mu.Lock(); m.fallbacks++; m.mu.Unlock() }

var errDown = errors.New("store down")

// faultStore fails the first store call of the remote path while down.
type faultStore struct {
	kv.Store
	mu   sync.Mutex
	down bool
}

func (f *faultStore) fail(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func (f *faultStore) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return 0, errDown
	}
	return f.Store.ZRemRangeByScore(ctx, key, min, max)
}

func newTestLimiter(t *testing.T, st kv.Store, optsOpt func(*Options)) *Limiter {
	t.Helper()
	opts := Options{Store: st}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	l, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

// ==============================
// Sliding window tests
// ==============================

// TestAllowWithinLimit admits exactly limit requests in one window; the
// denied request still consumes a slot.
func TestAllowWithinLimit(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	l := newTestLimiter(t, memory.New(), func(o *Options) { o.Clock = clk })

	wantAllowed := []bool{true, true, true, false}
	wantRemaining := []int{2, 1, 0, 0}

	for i := range wantAllowed {
		dec := l.Allow(ctx, "client-1", 3, time.Second)
		if dec.Allowed != wantAllowed[i] {
			t.Fatalf("call %d: allowed=%v, want %v", i, dec.Allowed, wantAllowed[i])
		}
		if dec.Remaining != wantRemaining[i] {
			t.Fatalf("call %d: remaining=%d, want %d", i, dec.Remaining, wantRemaining[i])
		}
		if want := clk.Now().Add(time.Second); !dec.ResetAt.Equal(want) {
			t.Fatalf("call %d: resetAt=%v, want %v", i, dec.ResetAt, want)
		}
	}

	// Another key is unaffected.
	if dec := l.Allow(ctx, "client-2", 3, time.Second); !dec.Allowed {
		t.Fatalf("independent key should be allowed")
	}
}

// TestWindowSlides verifies the window trails the current instant: old
// requests age out continuously instead of at interval boundaries.
func TestWindowSlides(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	l := newTestLimiter(t, memory.New(), func(o *Options) { o.Clock = clk })

	allow := func() bool { return l.Allow(ctx, "k", 3, time.Second).Allowed }

	if !allow() { // t=0
		t.Fatalf("t=0 should be allowed")
	}
	clk.Advance(400 * time.Millisecond)
	if !allow() { // t=400
		t.Fatalf("t=400ms should be allowed")
	}
	clk.Advance(400 * time.Millisecond)
	if !allow() { // t=800
		t.Fatalf("t=800ms should be allowed")
	}

	// At t=1000 the t=0 request has left the trailing window.
	clk.Advance(200 * time.Millisecond)
	if !allow() {
		t.Fatalf("t=1000ms should be allowed once the oldest request aged out")
	}

	// One more immediately after fills the window again.
	clk.Advance(time.Millisecond)
	if allow() {
		t.Fatalf("t=1001ms should be denied")
	}

	// Much later the backlog has drained.
	clk.Advance(899 * time.Millisecond)
	if !allow() { // t=1900: only t=1000 and t=1001 remain in window
		t.Fatalf("t=1900ms should be allowed")
	}
}

// TestResetAtTracksOldestRequest: ResetAt moves forward as older requests
// leave the window.
func TestResetAtTracksOldestRequest(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	l := newTestLimiter(t, memory.New(), func(o *Options) { o.Clock = clk })

	base := clk.Now()
	window := 10 * time.Second

	dec := l.Allow(ctx, "k", 5, window)
	if want := base.Add(window); !dec.ResetAt.Equal(want) {
		t.Fatalf("resetAt=%v, want %v", dec.ResetAt, want)
	}

	clk.Advance(3 * time.Second)
	dec = l.Allow(ctx, "k", 5, window)
	if want := base.Add(window); !dec.ResetAt.Equal(want) {
		t.Fatalf("resetAt should still track the first request: %v, want %v", dec.ResetAt, want)
	}

	// Past the first request's expiry the second one is the oldest.
	clk.Advance(8 * time.Second)
	dec = l.Allow(ctx, "k", 5, window)
	if want := base.Add(3 * time.Second).Add(window); !dec.ResetAt.Equal(want) {
		t.Fatalf("resetAt after slide: %v, want %v", dec.ResetAt, want)
	}
}

// ==============================
// Fallback tests
// ==============================

// TestFallbackKeepsLimiting: with the store down, decisions come from the
// in-process window and follow the same algorithm.
func TestFallbackKeepsLimiting(t *testing.T) {
	ctx := context.Background()
	st := &faultStore{Store: memory.New()}
	clk := newFakeClock()
	rec := &recMetrics{}
	l := newTestLimiter(t, st, func(o *Options) {
		o.Clock = clk
		o.Metrics = rec
	})

	st.fail(true)

	wantAllowed := []bool{true, true, true, false}
	for i := range wantAllowed {
		dec := l.Allow(ctx, "k", 3, time.Second)
		if dec.Allowed != wantAllowed[i] {
			t.Fatalf("fallback call %d: allowed=%v, want %v", i, dec.Allowed, wantAllowed[i])
		}
		if want := clk.Now().Add(time.Second); !dec.ResetAt.Equal(want) {
			t.Fatalf("fallback call %d: resetAt=%v, want %v", i, dec.ResetAt, want)
		}
	}

	rec.mu.Lock()
	fallbacks, allowed, denied := rec.fallbacks, rec.allowed, rec.denied
	rec.mu.Unlock()
	if fallbacks != 4 || allowed != 3 || denied != 1 {
		t.Fatalf("metrics fallbacks=%d allowed=%d denied=%d, want 4/3/1", fallbacks, allowed, denied)
	}

	// The fallback window slides like the remote one.
	clk.Advance(time.Second + time.Millisecond)
	if dec := l.Allow(ctx, "k", 3, time.Second); !dec.Allowed {
		t.Fatalf("fallback window should have drained")
	}

	// Store recovers: the remote set decides again, starting from what it
	// actually holds.
	st.fail(false)
	if dec := l.Allow(ctx, "k", 3, time.Second); !dec.Allowed {
		t.Fatalf("first remote decision after recovery should be allowed")
	}
}

// TestJanitorDropsIdleFallbackWindows: keys seen only during an outage are
// released once their stamps age out.
func TestJanitorDropsIdleFallbackWindows(t *testing.T) {
	ctx := context.Background()
	st := &faultStore{Store: memory.New()}
	clk := newFakeClock()
	l := newTestLimiter(t, st, func(o *Options) { o.Clock = clk })

	st.fail(true)
	l.Allow(ctx, "short", 3, time.Second)
	l.Allow(ctx, "long", 3, time.Hour)

	clk.Advance(2 * time.Second)
	l.dropIdleWindows()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.local["short"]; ok {
		t.Fatalf("idle window should have been dropped")
	}
	if _, ok := l.local["long"]; !ok {
		t.Fatalf("live window should have been kept")
	}
}

// ==============================
// Concurrency and lifecycle tests
// ==============================

// TestConcurrentAllowsStayBounded: the store pipeline is not atomic, so
// racing calls may under-admit, but they can never admit more than limit.
func TestConcurrentAllowsStayBounded(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter(t, memory.New(), nil)

	const (
		limit   = 50
		callers = 100
	)

	var mu sync.Mutex
	allowed := 0

	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			if l.Allow(ctx, "burst", limit, time.Minute).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Allow: %v", err)
	}

	if allowed > limit {
		t.Fatalf("admitted %d requests, limit is %d", allowed, limit)
	}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("New should reject a nil store")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	l := newTestLimiter(t, memory.New(), nil)
	l.Close()
	l.Close()
}
