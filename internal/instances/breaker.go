package instances

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned while an owner's worker keeps failing to start.
var ErrCircuitOpen = errors.New("worker start circuit open")

type circuitState int32

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// breaker stops respawning a worker that fails its handshake repeatedly,
// typically because the owner's credentials are broken. After cooldown a
// single probe start is let through.
type breaker struct {
	state     atomic.Int32
	failures  atomic.Int32
	lastFail  atomic.Int64
	probing   atomic.Bool
	threshold int32
	cooldown  time.Duration
	now       func() time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{
		threshold: int32(threshold),
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (b *breaker) allow() bool {
	for {
		switch circuitState(b.state.Load()) {
		case circuitClosed:
			return true

		case circuitOpen:
			if b.now().Sub(time.Unix(0, b.lastFail.Load())) <= b.cooldown {
				return false
			}
			if !b.state.CompareAndSwap(int32(circuitOpen), int32(circuitHalfOpen)) {
				continue
			}
			b.probing.Store(true)
			return true

		case circuitHalfOpen:
			return b.probing.CompareAndSwap(false, true)
		}
	}
}

func (b *breaker) success() {
	b.failures.Store(0)
	b.probing.Store(false)
	b.state.Store(int32(circuitClosed))
}

// release gives back a probe that ended without a verdict.
func (b *breaker) release() {
	b.probing.Store(false)
}

// failure records a failed start and reports whether the circuit tripped.
func (b *breaker) failure() bool {
	n := b.failures.Add(1)
	b.lastFail.Store(b.now().UnixNano())

	if circuitState(b.state.Load()) == circuitHalfOpen {
		b.probing.Store(false)
		b.state.Store(int32(circuitOpen))
		return false
	}
	return n >= b.threshold && b.state.CompareAndSwap(int32(circuitClosed), int32(circuitOpen))
}

func (b *breaker) open() bool {
	return circuitState(b.state.Load()) != circuitClosed
}
