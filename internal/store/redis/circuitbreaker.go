package redis

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the current mode of the publish breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0 // writes pass through
	BreakerOpen     BreakerState = 1 // writes rejected until the cooldown expires
	BreakerHalfOpen BreakerState = 2 // one probe write admitted
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Allow while the cooldown is running.
var ErrBreakerOpen = errors.New("redis breaker open")

// Breaker trips after a run of consecutive publish failures and
// rejects further writes until a cooldown elapses. The first call
// after the cooldown runs as a probe: success closes the breaker,
// failure restarts the cooldown. The mirror is best-effort, so a dead
// Redis should cost the tick loop one failed pipeline per cooldown
// window rather than a timeout per alert.
//
// Callers bracket each write with Allow and Record:
//
//	if b.Allow() != nil {
//	    return // skip the write
//	}
//	err := doWrite()
//	b.Record(err)
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	probing   bool

	// OnStateChange, when set, observes transitions.
	OnStateChange func(from, to BreakerState)
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and probes again after cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a write may proceed. While open it returns
// ErrBreakerOpen until the cooldown elapses, then admits a single
// probe; concurrent callers during the probe are rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return ErrBreakerOpen
		}
		b.transition(BreakerHalfOpen)
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Record feeds the outcome of an admitted write back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.probing = false
		if err != nil {
			b.openedAt = time.Now()
			b.transition(BreakerOpen)
		} else {
			b.transition(BreakerClosed)
		}
		return
	}

	if err != nil {
		b.failures++
		b.openedAt = time.Now()
		if b.state == BreakerClosed && b.failures >= b.threshold {
			b.transition(BreakerOpen)
		}
		return
	}
	b.failures = 0
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == BreakerClosed {
		b.failures = 0
	}
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}
