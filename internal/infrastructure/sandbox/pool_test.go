package sandbox

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeExecutor builds an Executor wired to an in-memory pipe instead of a
// real process, same as NewPipeExecutor, with a background goroutine that
// answers every "reset" frame with "reset_ok" until the pipe closes. Pool
// tests only exercise Acquire/Release/Stats, but Release still calls
// Executor.Reset on a live executor, which writes a real frame over
// stdin/reads one back from reader — a bare &Executor{alive: true} has both
// nil and panics the first time Release reaches that write.
func fakeExecutor() *Executor {
	logger, _ := zap.NewDevelopment()
	e, tp := NewPipeExecutor(logger)
	go func() {
		for {
			f, err := tp.ReadFrame()
			if err != nil {
				return
			}
			if f.Action == ActionReset {
				_ = tp.WriteFrame(inboundFrame{Action: ActionResetOK})
			}
		}
	}()
	return e
}

func newTestPool(capacity int) *ContainerPool {
	logger, _ := zap.NewDevelopment()
	p := NewContainerPool(capacity, Config{}, logger)
	var spawned int64
	p.spawn = func() (*Executor, error) {
		atomic.AddInt64(&spawned, 1)
		return fakeExecutor(), nil
	}
	return p
}

func TestPool_AcquireSpawnsUpToCapacity(t *testing.T) {
	p := newTestPool(2)
	ctx := context.Background()

	e1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	e2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if e1 == e2 {
		t.Fatal("expected two distinct executors")
	}

	stats := p.Stats()
	if stats.ActiveCheckedOut != 2 {
		t.Errorf("expected 2 checked out, got %d", stats.ActiveCheckedOut)
	}
}

func TestPool_AcquireBlocksAtCapacityThenUnblocksOnRelease(t *testing.T) {
	p := newTestPool(1)
	ctx := context.Background()

	e1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan *Executor, 1)
	go func() {
		e, err := p.Acquire(ctx)
		if err != nil {
			t.Error(err)
			return
		}
		done <- e
	}()

	select {
	case <-done:
		t.Fatal("acquire should have blocked at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(ctx, e1)

	select {
	case e2 := <-done:
		if e2 != e1 {
			t.Error("expected the released executor to be handed to the waiter")
		}
	case <-time.After(time.Second):
		t.Fatal("acquire did not unblock after release")
	}
}

func TestPool_ReleaseDeadExecutorIsDiscardedNotReused(t *testing.T) {
	p := newTestPool(1)
	ctx := context.Background()

	e1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	e1.markDead()
	p.Release(ctx, e1)

	e2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if e2 == e1 {
		t.Fatal("a dead executor must not be handed out again")
	}
}

func TestPool_AcquireReleaseConservation(t *testing.T) {
	p := newTestPool(4)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := p.Acquire(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			time.Sleep(time.Millisecond)
			p.Release(ctx, e)
		}()
	}
	wg.Wait()

	stats := p.Stats()
	if stats.ActiveCheckedOut != 0 {
		t.Errorf("expected 0 active checked out after all releases, got %d", stats.ActiveCheckedOut)
	}
	if stats.AcquireCount != stats.ReleaseCount {
		t.Errorf("acquire/release mismatch: %d vs %d", stats.AcquireCount, stats.ReleaseCount)
	}
}

func TestPool_ReleaseHandsToWaiterThenShutdownRejectsAcquire(t *testing.T) {
	p := newTestPool(1)
	ctx := context.Background()

	e1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(ctx, e1) // e1 should go straight to the waiter

	var got error
	select {
	case got = <-errCh:
	case <-time.After(time.Second):
		t.Fatal("waiter never unblocked")
	}
	if got != nil {
		t.Fatalf("unexpected acquire error: %v", got)
	}

	p.Shutdown()
	p.Shutdown() // idempotent

	if _, err := p.Acquire(ctx); err == nil {
		t.Fatal("acquire after shutdown should fail")
	}
}
