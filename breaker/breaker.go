// Package breaker puts a named circuit breaker in front of each outbound
// dependency. Consecutive failures past a threshold open the circuit;
// while open, calls fail immediately (or divert to a fallback) instead of
// waiting on a dependency that is already down. After the open timeout a
// single probe is let through and its outcome closes or reopens the
// circuit.
//
// State tracking rides on sony/gobreaker; this package adds the per-
// dependency registry, context plumbing, enforced call deadlines and the
// fallback contract: the fallback runs only for short-circuited calls,
// never for calls that genuinely ran and failed.
//
// Breakers keep time with the wall clock, not an injected Clock: open and
// half-open transitions happen inside gobreaker. Tests use short timeouts.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/unkn0wn-root/backstop"
)

const (
	defaultFailureThreshold uint32 = 5
	defaultOpenTimeout             = 30 * time.Second
	defaultCallTimeout             = 10 * time.Second
)

// ErrOpen matches any short-circuited call error via errors.Is.
var ErrOpen = errors.New("breaker: circuit open")

// OpenError reports which dependency's circuit rejected the call.
type OpenError struct {
	Dependency string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker: circuit open for %q", e.Dependency)
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// State is a circuit state, stringly typed for logs and metrics labels.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Snapshot is a point-in-time view of one dependency's circuit.
type Snapshot struct {
	Dependency          string
	State               State
	ConsecutiveFailures uint32
	OpenedAt            time.Time // set when the circuit opened, held through half-open; zero once it closes
}

// DependencyConfig overrides the breaker defaults for one dependency.
// Zero fields keep the default.
type DependencyConfig struct {
	FailureThreshold uint32        // consecutive failures before opening
	OpenTimeout      time.Duration // time in open before the half-open probe
	CallTimeout      time.Duration // per-call deadline; negative => none
}

// Options configure a Breaker registry.
type Options struct {
	Logger  backstop.Logger // if nil, logging is disabled
	Metrics Metrics         // if nil, metrics are discarded

	FailureThreshold uint32        // 0 => 5
	OpenTimeout      time.Duration // 0 => 30s
	CallTimeout      time.Duration // 0 => 10s, negative => none
}

// Breaker is a registry of circuit breakers keyed by dependency name.
// Circuits are independent: one dependency opening never affects another.
// Unknown names get a circuit with the registry defaults on first use.
type Breaker struct {
	defaults DependencyConfig
	log      backstop.Logger
	metrics  Metrics

	mu   sync.Mutex
	deps map[string]*dependency
	conf map[string]DependencyConfig
}

type dependency struct {
	cb   *gobreaker.CircuitBreaker[any]
	conf DependencyConfig

	mu       sync.Mutex
	openedAt time.Time
}

func New(opts Options) *Breaker {
	b := &Breaker{
		deps: make(map[string]*dependency),
		conf: make(map[string]DependencyConfig),
	}
	b.log = coalesce[backstop.Logger](opts.Logger, backstop.NopLogger{})
	b.metrics = coalesce[Metrics](opts.Metrics, NopMetrics{})

	b.defaults = DependencyConfig{
		FailureThreshold: coalesce[uint32](opts.FailureThreshold, defaultFailureThreshold),
		OpenTimeout:      coalesce[time.Duration](opts.OpenTimeout, defaultOpenTimeout),
	}
	switch {
	case opts.CallTimeout < 0:
		b.defaults.CallTimeout = 0 // no deadline
	case opts.CallTimeout == 0:
		b.defaults.CallTimeout = defaultCallTimeout
	default:
		b.defaults.CallTimeout = opts.CallTimeout
	}
	return b
}

// Configure sets per-dependency overrides. Call it before the
// dependency's first Execute; once the circuit exists its settings are
// fixed and later Configure calls are ignored with a warning.
func (b *Breaker) Configure(dep string, cfg DependencyConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.deps[dep]; exists {
		b.log.Warn("breaker already built; configuration ignored", backstop.Fields{"dependency": dep})
		return
	}
	b.conf[dep] = cfg
}

// Execute runs call behind dep's circuit.
//
// While the circuit is closed (or the call is the half-open probe), call
// runs with the configured deadline and its result is returned as-is; its
// failures are the caller's to handle and are never masked by fallback.
// While the circuit is open, call is not invoked: fallback runs instead
// when given, and otherwise an *OpenError is returned.
func (b *Breaker) Execute(
	ctx context.Context,
	dep string,
	call func(context.Context) (any, error),
	fallback func(context.Context, error) (any, error),
) (any, error) {
	d := b.dep(dep)

	v, err := d.cb.Execute(func() (any, error) {
		return invoke(ctx, d.conf.CallTimeout, call)
	})
	if err == nil {
		return v, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.metrics.Rejected(dep)
		oerr := &OpenError{Dependency: dep}
		if fallback != nil {
			return fallback(ctx, oerr)
		}
		return nil, oerr
	}

	// the dependency actually ran and failed
	return nil, err
}

// Do is the typed form of Execute for callers that want a concrete T
// back instead of any.
func Do[T any](
	ctx context.Context,
	b *Breaker,
	dep string,
	call func(context.Context) (T, error),
	fallback func(context.Context, error) (T, error),
) (T, error) {
	var fb func(context.Context, error) (any, error)
	if fallback != nil {
		fb = func(ctx context.Context, err error) (any, error) {
			return fallback(ctx, err)
		}
	}

	v, err := b.Execute(ctx, dep, func(ctx context.Context) (any, error) {
		return call(ctx)
	}, fb)

	var zero T
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("breaker: unexpected result type %T for %q", v, dep)
	}
	return t, nil
}

// Snapshot reports dep's current circuit state. Asking about a dependency
// that never ran a call reports a closed, untouched circuit.
func (b *Breaker) Snapshot(dep string) Snapshot {
	d := b.dep(dep)
	counts := d.cb.Counts()

	d.mu.Lock()
	openedAt := d.openedAt
	d.mu.Unlock()

	return Snapshot{
		Dependency:          dep,
		State:               stateOf(d.cb.State()),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		OpenedAt:            openedAt,
	}
}

// dep returns the dependency's circuit, building it on first use from the
// registry defaults plus any Configure overrides.
func (b *Breaker) dep(name string) *dependency {
	b.mu.Lock()
	defer b.mu.Unlock()

	if d, ok := b.deps[name]; ok {
		return d
	}

	cfg := b.defaults
	if o, ok := b.conf[name]; ok {
		if o.FailureThreshold > 0 {
			cfg.FailureThreshold = o.FailureThreshold
		}
		if o.OpenTimeout > 0 {
			cfg.OpenTimeout = o.OpenTimeout
		}
		if o.CallTimeout != 0 {
			cfg.CallTimeout = o.CallTimeout
			if o.CallTimeout < 0 {
				cfg.CallTimeout = 0
			}
		}
	}

	d := &dependency{conf: cfg}
	d.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // one probe decides the half-open outcome
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(n string, from, to gobreaker.State) {
			d.mu.Lock()
			switch to {
			case gobreaker.StateOpen:
				d.openedAt = time.Now()
			case gobreaker.StateClosed:
				d.openedAt = time.Time{}
			}
			d.mu.Unlock()

			b.metrics.StateChange(n, stateOf(from), stateOf(to))
			b.log.Info("circuit state changed", backstop.Fields{
				"dependency": n, "from": from.String(), "to": to.String(),
			})
		},
	})
	b.deps[name] = d
	return d
}

// invoke runs call under an enforced deadline. The deadline holds even
// against a call that ignores its ctx: the caller is released when the
// timer fires and the stray goroutine ends when call eventually returns.
func invoke(ctx context.Context, timeout time.Duration, call func(context.Context) (any, error)) (any, error) {
	if timeout <= 0 {
		return call(ctx)
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := call(cctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-cctx.Done():
		return nil, cctx.Err()
	}
}

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
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
