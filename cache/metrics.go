package cache

// Tier identifies which cache tier served a hit.
type Tier string

const (
	TierFast   Tier = "fast"
	TierRemote Tier = "remote"
)

// EvictReason says why fast-tier entries were dropped.
type EvictReason string

const (
	EvictCapacity    EvictReason = "capacity"
	EvictExpired     EvictReason = "expired"
	EvictInvalidated EvictReason = "invalidated"
)

// Metrics receives cache events. Implementations must be safe for
// concurrent use and must not block; they run on hot paths.
// See metrics/prom for a prometheus-backed implementation.
type Metrics interface {
	Hit(tier Tier)
	Miss()
	Evicted(reason EvictReason, n int)
	Promoted()
	Coalesced()         // a Fetch call joined an in-flight producer
	Degraded(op string) // a remote-tier operation absorbed a store error
}

type NopMetrics struct{}

func (NopMetrics) Hit(Tier)                 {}
func (NopMetrics) Miss()                    {}
func (NopMetrics) Evicted(EvictReason, int) {}
func (NopMetrics) Promoted()                {}
func (NopMetrics) Coalesced()               {}
func (NopMetrics) Degraded(string)          {}
