package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cklxx/deepresearch/internal/logging"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStartReplacesPriorUnit(t *testing.T) {
	e := New(Config{Capacity: 2, Logger: logging.NewComponentLogger("test")})

	var firstCancelled atomic.Bool
	firstStarted := make(chan struct{})
	err := e.Start(context.Background(), "task-1", func(ctx context.Context) {
		close(firstStarted)
		<-ctx.Done()
		firstCancelled.Store(true)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-firstStarted

	secondDone := make(chan struct{})
	err = e.Start(context.Background(), "task-1", func(ctx context.Context) {
		close(secondDone)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitUntil(t, time.Second, firstCancelled.Load)
	<-secondDone
}

func TestCancelSignalsRunningUnit(t *testing.T) {
	e := New(Config{Capacity: 1, Logger: logging.NewComponentLogger("test")})

	started := make(chan struct{})
	cancelled := make(chan struct{})
	_ = e.Start(context.Background(), "t", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	<-started

	if !e.Cancel("t") {
		t.Fatal("expected Cancel to find a running unit")
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("unit was not cancelled in time")
	}
	if e.Cancel("nonexistent") {
		t.Fatal("expected Cancel to return false for unknown task")
	}
}

func TestIsRunningAndRunningIDs(t *testing.T) {
	e := New(Config{Capacity: 2, Logger: logging.NewComponentLogger("test")})
	started := make(chan struct{})
	release := make(chan struct{})
	_ = e.Start(context.Background(), "a", func(ctx context.Context) {
		close(started)
		<-release
	})
	<-started

	if !e.IsRunning("a") {
		t.Fatal("expected task a to be running")
	}
	if e.IsRunning("b") {
		t.Fatal("expected task b to not be running")
	}
	ids := e.RunningIDs()
	if len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("expected [a], got %v", ids)
	}

	close(release)
	waitUntil(t, time.Second, func() bool { return !e.IsRunning("a") })
}

func TestCapacityRejectPolicy(t *testing.T) {
	e := New(Config{Capacity: 1, Policy: PolicyReject, Logger: logging.NewComponentLogger("test")})
	release := make(chan struct{})
	started := make(chan struct{})
	if err := e.Start(context.Background(), "busy", func(ctx context.Context) {
		close(started)
		<-release
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-started

	err := e.Start(context.Background(), "overflow", func(ctx context.Context) {})
	if err == nil {
		t.Fatal("expected CapacityExceeded error")
	}
	close(release)
}

func TestConcurrentStartsRespectCapacity(t *testing.T) {
	e := New(Config{Capacity: 3, Logger: logging.NewComponentLogger("test")})
	var concurrent atomic.Int32
	var maxSeen atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		id := string(rune('a' + i))
		go func() {
			defer wg.Done()
			_ = e.Start(context.Background(), id, func(ctx context.Context) {
				n := concurrent.Add(1)
				for {
					cur := maxSeen.Load()
					if n <= cur || maxSeen.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				concurrent.Add(-1)
			})
		}()
	}
	wg.Wait()
	waitUntil(t, 2*time.Second, func() bool { return len(e.RunningIDs()) == 0 })

	if maxSeen.Load() > 3 {
		t.Fatalf("expected at most 3 concurrent units, saw %d", maxSeen.Load())
	}
}
