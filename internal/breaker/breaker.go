// Package breaker implements the circuit breaker that isolates the
// correction stage from a chronically failing dependency.
package breaker

import (
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

const (
	DefaultThreshold = 3
	DefaultCooldown  = 30 * time.Second
)

type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithStateChange registers a hook called after every transition. It runs
// with the breaker lock released.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// Breaker trips to Open after threshold consecutive failures and stays Open
// for exactly cooldown. The Open to Closed transition happens lazily on the
// next IsOpen or State call; there is no half-open probe.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	state     State
	openedAt  time.Time
	now       func() time.Time
	onChange  func(from, to State)
}

func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	b := &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.refreshLocked()
	b.failures++
	if b.state == Closed && b.failures >= b.threshold {
		b.state = Open
		b.openedAt = b.now()
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// RecordSuccess resets the failure counter. It has no effect while Open.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.refreshLocked()
	if b.state == Closed {
		b.failures = 0
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

func (b *Breaker) IsOpen() bool {
	return b.State() == Open
}

func (b *Breaker) State() State {
	b.mu.Lock()
	from := b.state
	b.refreshLocked()
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return to
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// OpenedAt returns when the breaker last tripped.
func (b *Breaker) OpenedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}

func (b *Breaker) refreshLocked() {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = Closed
		b.failures = 0
	}
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}
