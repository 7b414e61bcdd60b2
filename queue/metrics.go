package queue

// Metrics receives queue events. Implementations must be safe for
// concurrent use. See metrics/prom for a prometheus-backed one.
type Metrics interface {
	Enqueued(queue string)
	Completed(queue string)
	Retried(queue string)
	Failed(queue string)
	Reclaimed(queue string)
	PollError()
}

type NopMetrics struct{}

func (NopMetrics) Enqueued(string)  {}
func (NopMetrics) Completed(string) {}
func (NopMetrics) Retried(string)   {}
func (NopMetrics) Failed(string)    {}
func (NopMetrics) Reclaimed(string) {}
func (NopMetrics) PollError()       {}
