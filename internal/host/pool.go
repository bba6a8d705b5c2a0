package host

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// errPoolClosed is returned when a pass is scheduled after Shutdown.
var errPoolClosed = errors.New("pass pool is closed")

// PassStats counts the instance passes processed by the pool.
type PassStats struct {
	InFlight  int64 `json:"inFlight"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Recovered int64 `json:"recovered"`
}

// passPool bounds how many instance passes run concurrently. Slots double
// as backpressure: scheduling blocks while every slot is busy.
type passPool struct {
	slots chan struct{}
	quit  chan struct{}

	mu     sync.RWMutex
	wg     sync.WaitGroup
	closed bool

	inFlight  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	recovered atomic.Int64
}

func newPassPool(size int) *passPool {
	if size < 1 {
		size = 1
	}
	return &passPool{
		slots: make(chan struct{}, size),
		quit:  make(chan struct{}),
	}
}

// Submit runs fn on its own goroutine once a slot frees up, respecting
// context cancellation while blocked. A panic inside fn is contained: the
// slot is released and the pass counts as failed.
func (p *passPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case p.slots <- struct{}{}:
	case <-p.quit:
		return errPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	// The slot is held; registering with the WaitGroup must not race a
	// concurrent Shutdown between its closed flip and its Wait.
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		<-p.slots
		return errPoolClosed
	}
	p.wg.Add(1)
	p.inFlight.Add(1)
	p.mu.RUnlock()

	go p.run(ctx, fn)
	return nil
}

func (p *passPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.recovered.Add(1)
			p.failed.Add(1)
		}
		p.inFlight.Add(-1)
		<-p.slots
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

// Wait blocks until every in-flight pass returns.
func (p *passPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new passes and drains the in-flight ones. Safe to call
// more than once.
func (p *passPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats snapshots the pass counters.
func (p *passPool) Stats() PassStats {
	return PassStats{
		InFlight:  p.inFlight.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Recovered: p.recovered.Load(),
	}
}
