package prom

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/unkn0wn-root/backstop/breaker"
	"github.com/unkn0wn-root/backstop/cache"
)

func TestCacheAdapter(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewCache(reg, "backstop", nil)

	a.Hit(cache.TierFast)
	a.Hit(cache.TierFast)
	a.Hit(cache.TierRemote)
	a.Miss()
	a.Evicted(cache.EvictCapacity, 3)
	a.Promoted()
	a.Coalesced()
	a.Degraded("set")

	if got := testutil.ToFloat64(a.hits.WithLabelValues("fast")); got != 2 {
		t.Fatalf("fast hits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(a.hits.WithLabelValues("remote")); got != 1 {
		t.Fatalf("remote hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(a.misses); got != 1 {
		t.Fatalf("misses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(a.evictions.WithLabelValues("capacity")); got != 3 {
		t.Fatalf("capacity evictions = %v, want 3", got)
	}
	if got := testutil.ToFloat64(a.degraded.WithLabelValues("set")); got != 1 {
		t.Fatalf("degraded set = %v, want 1", got)
	}
}

func TestQueueAdapter(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewQueue(reg, "backstop", nil)

	a.Enqueued("mail")
	a.Enqueued("mail")
	a.Completed("mail")
	a.Retried("mail")
	a.Failed("reports")
	a.Reclaimed("mail")
	a.PollError()

	if got := testutil.ToFloat64(a.jobs.WithLabelValues("mail", "enqueued")); got != 2 {
		t.Fatalf("mail enqueued = %v, want 2", got)
	}
	if got := testutil.ToFloat64(a.jobs.WithLabelValues("reports", "failed")); got != 1 {
		t.Fatalf("reports failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(a.pollErrors); got != 1 {
		t.Fatalf("poll errors = %v, want 1", got)
	}
}

func TestRateLimitAdapter(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewRateLimit(reg, "backstop", nil)

	a.Allowed()
	a.Allowed()
	a.Allowed()
	a.Denied()
	a.Fallback()

	if got := testutil.ToFloat64(a.decisions.WithLabelValues("allowed")); got != 3 {
		t.Fatalf("allowed = %v, want 3", got)
	}
	if got := testutil.ToFloat64(a.decisions.WithLabelValues("denied")); got != 1 {
		t.Fatalf("denied = %v, want 1", got)
	}
	if got := testutil.ToFloat64(a.fallbacks); got != 1 {
		t.Fatalf("fallbacks = %v, want 1", got)
	}
}

func TestBreakerAdapter(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewBreaker(reg, "backstop", nil)

	a.StateChange("db", breaker.StateClosed, breaker.StateOpen)
	a.Rejected("db")
	a.Rejected("db")

	if got := testutil.ToFloat64(a.transitions.WithLabelValues("db", "closed", "open")); got != 1 {
		t.Fatalf("transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(a.rejected.WithLabelValues("db")); got != 2 {
		t.Fatalf("rejected = %v, want 2", got)
	}
}
