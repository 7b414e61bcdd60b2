package ratelimit

// Metrics receives limiter events. Implementations must be safe for
// concurrent use. See metrics/prom for a prometheus-backed one.
type Metrics interface {
	Allowed()
	Denied()
	Fallback() // a decision was made from the in-process window
}

type NopMetrics struct{}

func (NopMetrics) Allowed()  {}
func (NopMetrics) Denied()   {}
func (NopMetrics) Fallback() {}
