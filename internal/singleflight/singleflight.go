// Package singleflight coalesces concurrent calls for the same key so the
// work runs at most once and every caller shares the one result.
package singleflight

import (
	"context"
	"sync"
)

type call[V any] struct {
	done     chan struct{} // closed once val/err/pval are published
	val      V
	err      error
	panicked bool // fn panicked; pval resurfaces in every caller
	pval     any
}

// Group deduplicates in-flight work per key. The first caller for a key
// becomes the producer and runs fn; callers arriving while it runs wait
// for the shared result. Publishing (val, err) happens-before close(done),
// so reads after <-done observe the final values.
type Group[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*call[V]
}

// Do runs fn once per key among concurrent callers. joined reports whether
// this caller attached to another caller's in-flight work.
//
// A waiter whose ctx ends returns ctx.Err() and detaches alone; the
// producer keeps running and its result still reaches the remaining
// waiters. Cancelling the producer's work itself is fn's job: thread a
// ctx into fn and honor it there.
//
// A panic in fn unregisters the key like any other outcome, then
// resurfaces in the producer and in every waiter that reached the result.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) (v V, joined bool, err error) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*call[V])
	}
	if c, ok := g.m[key]; ok {
		g.mu.Unlock()

		select {
		case <-c.done:
			if c.panicked {
				panic(c.pval)
			}
			return c.val, true, c.err
		case <-ctx.Done():
			var zero V
			return zero, true, ctx.Err()
		}
	}

	// We are the producer for this key.
	c := &call[V]{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	// Publish the outcome and drop the in-flight marker however fn ends;
	// waiters wake on the close. Without the recover a panicking fn would
	// leave the marker registered and every later call for the key would
	// join a flight that never finishes.
	defer func() {
		if r := recover(); r != nil {
			c.panicked = true
			c.pval = r
		}
		close(c.done)

		g.mu.Lock()
		delete(g.m, key)
		g.mu.Unlock()

		if c.panicked {
			panic(c.pval)
		}
	}()

	c.val, c.err = fn()
	return c.val, false, c.err
}
