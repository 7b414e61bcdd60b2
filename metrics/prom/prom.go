// Package prom implements the metrics interfaces of cache, queue,
// ratelimit and breaker on Prometheus counters.
//
// Each adapter registers its collectors on construction. Pass a nil
// registerer to use prometheus.DefaultRegisterer. All Prometheus metric
// types are goroutine-safe, so the adapters are too.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/backstop/breaker"
	"github.com/unkn0wn-root/backstop/cache"
	"github.com/unkn0wn-root/backstop/queue"
	"github.com/unkn0wn-root/backstop/ratelimit"
)

// Cache exports cache.Metrics.
type Cache struct {
	hits       *prometheus.CounterVec
	misses     prometheus.Counter
	evictions  *prometheus.CounterVec
	promotions prometheus.Counter
	coalesced  prometheus.Counter
	degraded   *prometheus.CounterVec
}

var _ cache.Metrics = (*Cache)(nil)

// NewCache constructs a cache metrics adapter.
//   - reg:         registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns:          Prometheus namespace
//   - constLabels: static labels applied to all metrics (may be nil)
func NewCache(reg prometheus.Registerer, ns string, constLabels prometheus.Labels) *Cache {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Cache{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "cache",
			Name:        "hits_total",
			Help:        "Cache hits by tier",
			ConstLabels: constLabels,
		}, []string{"tier"}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "cache",
			Name:        "misses_total",
			Help:        "Cache misses",
			ConstLabels: constLabels,
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "cache",
			Name:        "evictions_total",
			Help:        "Fast-tier evictions by reason",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "cache",
			Name:        "promotions_total",
			Help:        "Remote entries promoted to the fast tier",
			ConstLabels: constLabels,
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "cache",
			Name:        "coalesced_total",
			Help:        "Fetch calls that joined an in-flight producer",
			ConstLabels: constLabels,
		}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "cache",
			Name:        "degraded_total",
			Help:        "Remote-tier errors absorbed, by operation",
			ConstLabels: constLabels,
		}, []string{"op"}),
	}
	reg.MustRegister(a.hits, a.misses, a.evictions, a.promotions, a.coalesced, a.degraded)
	return a
}

func (a *Cache) Hit(tier cache.Tier) { a.hits.WithLabelValues(string(tier)).Inc() }
func (a *Cache) Miss()               { a.misses.Inc() }
func (a *Cache) Evicted(r cache.EvictReason, n int) {
	a.evictions.WithLabelValues(string(r)).Add(float64(n))
}
func (a *Cache) Promoted()          { a.promotions.Inc() }
func (a *Cache) Coalesced()         { a.coalesced.Inc() }
func (a *Cache) Degraded(op string) { a.degraded.WithLabelValues(op).Inc() }

// Queue exports queue.Metrics. Job counters share one vec split by
// queue name and outcome.
type Queue struct {
	jobs       *prometheus.CounterVec
	pollErrors prometheus.Counter
}

var _ queue.Metrics = (*Queue)(nil)

func NewQueue(reg prometheus.Registerer, ns string, constLabels prometheus.Labels) *Queue {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Queue{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "queue",
			Name:        "jobs_total",
			Help:        "Job events by queue and outcome",
			ConstLabels: constLabels,
		}, []string{"queue", "outcome"}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "queue",
			Name:        "poll_errors_total",
			Help:        "Poll cycles skipped on store errors",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.jobs, a.pollErrors)
	return a
}

func (a *Queue) Enqueued(q string)  { a.jobs.WithLabelValues(q, "enqueued").Inc() }
func (a *Queue) Completed(q string) { a.jobs.WithLabelValues(q, "completed").Inc() }
func (a *Queue) Retried(q string)   { a.jobs.WithLabelValues(q, "retried").Inc() }
func (a *Queue) Failed(q string)    { a.jobs.WithLabelValues(q, "failed").Inc() }
func (a *Queue) Reclaimed(q string) { a.jobs.WithLabelValues(q, "reclaimed").Inc() }
func (a *Queue) PollError()         { a.pollErrors.Inc() }

// RateLimit exports ratelimit.Metrics.
type RateLimit struct {
	decisions *prometheus.CounterVec
	fallbacks prometheus.Counter
}

var _ ratelimit.Metrics = (*RateLimit)(nil)

func NewRateLimit(reg prometheus.Registerer, ns string, constLabels prometheus.Labels) *RateLimit {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &RateLimit{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "ratelimit",
			Name:        "decisions_total",
			Help:        "Rate decisions by result",
			ConstLabels: constLabels,
		}, []string{"result"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "ratelimit",
			Name:        "fallbacks_total",
			Help:        "Decisions made from the in-process window",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.decisions, a.fallbacks)
	return a
}

func (a *RateLimit) Allowed()  { a.decisions.WithLabelValues("allowed").Inc() }
func (a *RateLimit) Denied()   { a.decisions.WithLabelValues("denied").Inc() }
func (a *RateLimit) Fallback() { a.fallbacks.Inc() }

// Breaker exports breaker.Metrics.
type Breaker struct {
	transitions *prometheus.CounterVec
	rejected    *prometheus.CounterVec
}

var _ breaker.Metrics = (*Breaker)(nil)

func NewBreaker(reg prometheus.Registerer, ns string, constLabels prometheus.Labels) *Breaker {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Breaker{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "breaker",
			Name:        "transitions_total",
			Help:        "Circuit state transitions",
			ConstLabels: constLabels,
		}, []string{"dependency", "from", "to"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   "breaker",
			Name:        "rejected_total",
			Help:        "Calls short-circuited while open",
			ConstLabels: constLabels,
		}, []string{"dependency"}),
	}
	reg.MustRegister(a.transitions, a.rejected)
	return a
}

func (a *Breaker) StateChange(dep string, from, to breaker.State) {
	a.transitions.WithLabelValues(dep, string(from), string(to)).Inc()
}

func (a *Breaker) Rejected(dep string) { a.rejected.WithLabelValues(dep).Inc() }
