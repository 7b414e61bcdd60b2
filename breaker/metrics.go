package breaker

// Metrics receives breaker events. Implementations must be safe for
// concurrent use. See metrics/prom for a prometheus-backed one.
type Metrics interface {
	StateChange(dependency string, from, to State)
	Rejected(dependency string) // a call was short-circuited while open
}

type NopMetrics struct{}

func (NopMetrics) StateChange(string, State, State) {}
func (NopMetrics) Rejected(string)                  {}
