// Package pool provides admission control for expensive worker operations.
// A Pool hands out a bounded number of slots; callers that find the pool
// saturated wait in a FIFO queue until a slot frees or their timeout expires.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrPoolFull is returned when no slot became free within the acquire timeout.
var ErrPoolFull = errors.New("pool full")

// ReleaseFunc returns a slot to the pool. Calling it more than once is a no-op.
type ReleaseFunc func()

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Max    int
	Active int
	Queued int
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

// Pool is a counting semaphore with a FIFO wait queue.
type Pool struct {
	mu      sync.Mutex
	max     int
	active  int
	waiters *list.List
	metrics *Metrics
}

// New creates a pool with max concurrent slots. max below 1 is treated as 1.
func New(max int, metrics *Metrics) *Pool {
	if max < 1 {
		max = 1
	}
	p := &Pool{
		max:     max,
		waiters: list.New(),
		metrics: metrics,
	}
	p.metrics.setMax(max)
	return p
}

// Acquire grants a slot immediately when one is free, otherwise queues the
// caller. It fails with ErrPoolFull once timeout elapses and with the context
// error when ctx is done first. A timeout <= 0 waits only on ctx.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (ReleaseFunc, error) {
	p.mu.Lock()
	if p.active < p.max {
		p.active++
		p.observeLocked()
		p.mu.Unlock()
		return p.releaser(), nil
	}

	w := &waiter{ready: make(chan struct{}, 1)}
	elem := p.waiters.PushBack(w)
	p.observeLocked()
	p.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-w.ready:
		return p.releaser(), nil
	case <-expired:
		if p.abandon(elem, w) {
			p.metrics.incRejected()
			return nil, fmt.Errorf("%w: no slot within %v", ErrPoolFull, timeout)
		}
		return p.releaser(), nil
	case <-ctx.Done():
		if p.abandon(elem, w) {
			return nil, ctx.Err()
		}
		return p.releaser(), nil
	}
}

// abandon removes a waiter from the queue. It reports false when the slot
// was handed over concurrently, in which case the caller owns it.
func (p *Pool) abandon(elem *list.Element, w *waiter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w.granted {
		return false
	}
	p.waiters.Remove(elem)
	p.observeLocked()
	return true
}

func (p *Pool) releaser() ReleaseFunc {
	var once sync.Once
	return func() {
		once.Do(p.release)
	}
}

// release hands the slot straight to the longest waiter; active only drops
// when nobody is queued.
func (p *Pool) release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if front := p.waiters.Front(); front != nil {
		w := p.waiters.Remove(front).(*waiter)
		w.granted = true
		w.ready <- struct{}{}
		p.observeLocked()
		return
	}

	if p.active > 0 {
		p.active--
	}
	p.observeLocked()
}

// Stats returns the current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Max: p.max, Active: p.active, Queued: p.waiters.Len()}
}

func (p *Pool) observeLocked() {
	p.metrics.observe(p.active, p.waiters.Len())
}
