package sandbox

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ContainerPool maintains up to N warm Executors shared across queries.
// acquire/release are the only mutation points; fairness is not
// guaranteed, but the no-leak invariant is: every acquire is matched by
// exactly one release, and a released dead executor never re-enters the
// idle set. Uses the same sync.Mutex-guarded registry shape NGOClaw uses
// elsewhere, though NGOClaw itself spawns sandboxes per-command rather than
// from a warm pool.
type ContainerPool struct {
	cfg      Config
	logger   *zap.Logger
	capacity int
	spawn    func() (*Executor, error)

	mu         sync.Mutex
	idle       []*Executor
	numSpawned int // live + checked-out count, bounded by capacity
	shutdown   bool
	waiters    []chan *Executor

	acquireCount int
	releaseCount int
}

// NewContainerPool creates a pool that lazily spawns up to capacity warm
// Executors. Executors carry no document context until a query binds one
// via Executor.SetContext after acquiring.
func NewContainerPool(capacity int, cfg Config, logger *zap.Logger) *ContainerPool {
	p := &ContainerPool{
		cfg:      cfg,
		logger:   logger,
		capacity: capacity,
	}
	p.spawn = func() (*Executor, error) {
		return StartExecutor(p.cfg, p.logger)
	}
	return p
}

// SetSpawnForTest overrides the pool's spawn function. Exported only so
// engine tests in other packages can hand out fake, pipe-backed executors
// instead of real subprocesses; production callers never call this.
func (p *ContainerPool) SetSpawnForTest(spawn func() (*Executor, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spawn = spawn
}

// Acquire returns an idle, live Executor — spawning a fresh one if capacity
// allows, or blocking until one is released otherwise. Every live Executor
// returned is verified before handout; a dead one found in the idle set is
// discarded and replaced transparently.
func (p *ContainerPool) Acquire(ctx context.Context) (*Executor, error) {
	for {
		p.mu.Lock()
		if p.shutdown {
			p.mu.Unlock()
			return nil, fmt.Errorf("sandbox: pool is shut down")
		}

		for len(p.idle) > 0 {
			e := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			if !e.IsAlive() {
				p.numSpawned--
				continue
			}
			p.acquireCount++
			p.mu.Unlock()
			return e, nil
		}

		if p.numSpawned < p.capacity {
			p.numSpawned++
			spawn := p.spawn
			p.mu.Unlock()
			e, err := spawn()
			if err != nil {
				p.mu.Lock()
				p.numSpawned--
				p.mu.Unlock()
				return nil, fmt.Errorf("sandbox: spawn executor: %w", err)
			}
			p.mu.Lock()
			p.acquireCount++
			p.mu.Unlock()
			return e, nil
		}

		wait := make(chan *Executor, 1)
		p.waiters = append(p.waiters, wait)
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case e, ok := <-wait:
			if !ok {
				continue // pool shut down while we waited; re-check loop
			}
			p.mu.Lock()
			p.acquireCount++
			p.mu.Unlock()
			return e, nil
		}
	}
}

// Release returns e to the pool. A dead executor is discarded; a live one
// is reset and marked idle, or handed directly to a waiting Acquire.
func (p *ContainerPool) Release(ctx context.Context, e *Executor) {
	e.ClearHandlers()

	if !e.IsAlive() {
		p.discard(e)
		return
	}

	if err := e.Reset(ctx); err != nil {
		p.logger.Warn("sandbox: reset on release failed, discarding executor", zap.Error(err))
		p.discard(e)
		return
	}

	p.mu.Lock()
	p.releaseCount++

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		w <- e
		return
	}
	if p.shutdown {
		p.numSpawned--
		p.mu.Unlock()
		_ = e.Stop()
		return
	}
	p.idle = append(p.idle, e)
	p.mu.Unlock()
}

// discard stops a dead executor and accounts for its departure without
// re-entering the idle set.
func (p *ContainerPool) discard(e *Executor) {
	_ = e.Stop()
	p.mu.Lock()
	p.releaseCount++
	p.numSpawned--
	p.mu.Unlock()
}

// Shutdown stops every idle executor and unblocks any pending waiters with a
// closed channel, so their Acquire fails. Executors still checked out are not
// stopped here; Release stops each one when it is returned after shutdown.
// Idempotent.
func (p *ContainerPool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, e := range idle {
		_ = e.Stop()
	}
	for _, w := range waiters {
		close(w)
	}
}

// Stats reports conservation counters for tests and diagnostics:
// acquireCount = releaseCount + activeCheckedOut at every observation
// point.
type Stats struct {
	AcquireCount     int
	ReleaseCount     int
	ActiveCheckedOut int
}

func (p *ContainerPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		AcquireCount:     p.acquireCount,
		ReleaseCount:     p.releaseCount,
		ActiveCheckedOut: p.acquireCount - p.releaseCount,
	}
}
