package backstop

import "time"

// Clock abstracts wall time for components that do TTL or window math, so
// tests can drive expiry without sleeping. If Clock is nil in a service's
// Options, SystemClock is used.
type Clock interface {
	Now() time.Time
}

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return sysClock{} }

type sysClock struct{}

func (sysClock) Now() time.Time { return time.Now() }
