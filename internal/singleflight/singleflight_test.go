package singleflight

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestProducerRunsOnce(t *testing.T) {
	var g Group[string, int]
	var calls atomic.Int32

	gate := make(chan struct{})
	ctx := context.Background()

	var eg errgroup.Group
	var joinedCount atomic.Int32
	for i := 0; i < 16; i++ {
		eg.Go(func() error {
			v, joined, err := g.Do(ctx, "k", func() (int, error) {
				calls.Add(1)
				<-gate
				return 42, nil
			})
			if err != nil {
				return err
			}
			if v != 42 {
				return errors.New("wrong value")
			}
			if joined {
				joinedCount.Add(1)
			}
			return nil
		})
	}

	// Give the goroutines time to pile up on the in-flight call, then
	// release the producer.
	time.Sleep(20 * time.Millisecond)
	close(gate)

	if err := eg.Wait(); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("fn ran %d times, want 1", n)
	}
	if n := joinedCount.Load(); n != 15 {
		t.Fatalf("joined count = %d, want 15", n)
	}
}

func TestErrorSharedByWaiters(t *testing.T) {
	var g Group[string, int]
	boom := errors.New("boom")
	gate := make(chan struct{})
	ctx := context.Background()

	var eg errgroup.Group
	for i := 0; i < 4; i++ {
		eg.Go(func() error {
			_, _, err := g.Do(ctx, "k", func() (int, error) {
				<-gate
				return 0, boom
			})
			if !errors.Is(err, boom) {
				return errors.New("expected shared error")
			}
			return nil
		})
	}
	time.Sleep(10 * time.Millisecond)
	close(gate)
	if err := eg.Wait(); err != nil {
		t.Fatalf("%v", err)
	}
}

func TestWaiterCancelDetachesAlone(t *testing.T) {
	var g Group[string, string]
	gate := make(chan struct{})

	producerStarted := make(chan struct{})
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		v, joined, err := g.Do(context.Background(), "k", func() (string, error) {
			close(producerStarted)
			<-gate
			return "v", nil
		})
		if err != nil || joined || v != "v" {
			t.Errorf("producer: v=%q joined=%v err=%v", v, joined, err)
		}
	}()

	<-producerStarted

	ctx, cancel := context.WithCancel(context.Background())
	waiterDone := make(chan error, 1)
	go func() {
		_, _, err := g.Do(ctx, "k", func() (string, error) { return "", nil })
		waiterDone <- err
	}()

	cancel()
	select {
	case err := <-waiterDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("waiter err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("cancelled waiter did not return")
	}

	// Producer is unaffected by the waiter leaving.
	close(gate)
	<-producerDone
}

func TestNextCallStartsFreshFlight(t *testing.T) {
	var g Group[string, int]
	var calls atomic.Int32
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, joined, err := g.Do(ctx, "k", func() (int, error) {
			return int(calls.Add(1)), nil
		})
		if err != nil || joined {
			t.Fatalf("call %d: joined=%v err=%v", i, joined, err)
		}
		if v != i+1 {
			t.Fatalf("call %d: v=%d", i, v)
		}
	}
}

// TestProducerPanicReleasesKey: a panicking fn must unwind to its caller
// and unregister the flight; the key must not stay poisoned.
func TestProducerPanicReleasesKey(t *testing.T) {
	var g Group[string, int]
	ctx := context.Background()

	recovered := func() (r any) {
		defer func() { r = recover() }()
		g.Do(ctx, "k", func() (int, error) { panic("boom") })
		return nil
	}()
	if recovered != "boom" {
		t.Fatalf("producer panic = %v, want boom", recovered)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		v, joined, err := g.Do(ctx, "k", func() (int, error) { return 7, nil })
		if err != nil || joined || v != 7 {
			t.Errorf("Do after panic: v=%d joined=%v err=%v", v, joined, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("key still poisoned after the panic")
	}
}

func TestWaitersObserveProducerPanic(t *testing.T) {
	var g Group[string, int]

	gate := make(chan struct{})
	producerStarted := make(chan struct{})
	producerPanic := make(chan any, 1)
	go func() {
		producerPanic <- func() (r any) {
			defer func() { r = recover() }()
			g.Do(context.Background(), "k", func() (int, error) {
				close(producerStarted)
				<-gate
				panic("boom")
			})
			return nil
		}()
	}()

	<-producerStarted

	waiterPanic := make(chan any, 1)
	go func() {
		waiterPanic <- func() (r any) {
			defer func() { r = recover() }()
			g.Do(context.Background(), "k", func() (int, error) { return 1, nil })
			return nil
		}()
	}()

	// Let the waiter attach to the in-flight call, then release it.
	time.Sleep(10 * time.Millisecond)
	close(gate)

	if p := <-producerPanic; p != "boom" {
		t.Fatalf("producer panic = %v, want boom", p)
	}
	if p := <-waiterPanic; p != "boom" {
		t.Fatalf("waiter panic = %v, want boom", p)
	}
}
