// Package deadline bounds how long the pipeline waits on an external call
// without controlling the callee's own cancellation.
//
// Each call runs on its own goroutine. The waiter gives up once the deadline
// passes and moves on; the abandoned call keeps running until it finishes on
// its own. Every call is tagged with the iteration that spawned it, and a
// completion whose iteration is no longer active is discarded.
package deadline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

var (
	ErrTimeout = errors.New("deadline exceeded")
	ErrStale   = errors.New("stale completion discarded")
)

// PanicError is returned when the wrapped call panics.
type PanicError struct {
	Call  string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Call, e.Value)
}

// Call describes one deadline-bounded invocation.
type Call struct {
	Name     string
	Seq      uint64
	Deadline time.Duration
}

type Option func(*Executor)

// WithStaleHook registers a hook for completions that arrive after their
// iteration was superseded. It runs on the abandoned call's goroutine.
func WithStaleHook(fn func(call string, seq uint64)) Option {
	return func(e *Executor) {
		e.onStale = fn
	}
}

type Executor struct {
	active   atomic.Uint64
	inFlight atomic.Int64
	stale    atomic.Uint64
	onStale  func(call string, seq uint64)
}

func NewExecutor(opts ...Option) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Begin marks seq as the active iteration. Completions tagged with any other
// sequence number are discarded from here on.
func (e *Executor) Begin(seq uint64) {
	e.active.Store(seq)
}

func (e *Executor) Active() uint64 {
	return e.active.Load()
}

// InFlight reports calls still running, including abandoned ones.
func (e *Executor) InFlight() int64 {
	return e.inFlight.Load()
}

// Stale reports how many completions were discarded as stale.
func (e *Executor) Stale() uint64 {
	return e.stale.Load()
}

func (e *Executor) discard(call string, seq uint64) {
	e.stale.Add(1)
	if e.onStale != nil {
		e.onStale(call, seq)
	}
}

type outcome[T any] struct {
	value T
	err   error
}

// Run invokes fn on a separate goroutine and waits at most c.Deadline for it.
// The callee receives a context that is never cancelled by the waiter; ctx
// only aborts the wait. A non-positive deadline waits for ctx alone.
//
// Staleness is decided on the callee's goroutine when it completes: a
// completion that lost the claim to the waiter is dropped, and one whose
// iteration is no longer active reaches the waiter as ErrStale.
func Run[T any](ctx context.Context, e *Executor, c Call, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	done := make(chan outcome[T], 1)
	callCtx := context.WithoutCancel(ctx)
	// claimed decides the race between completion and the waiter giving up.
	// Whichever side claims first owns the outcome.
	var claimed atomic.Bool

	e.inFlight.Add(1)
	go func() {
		defer e.inFlight.Add(-1)

		var out outcome[T]
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					out = outcome[T]{err: &PanicError{Call: c.Name, Value: rec}}
				}
			}()
			v, err := fn(callCtx)
			out = outcome[T]{value: v, err: err}
		}()

		if !claimed.CompareAndSwap(false, true) {
			e.discard(c.Name, c.Seq)
			return
		}
		if e.Active() != c.Seq {
			e.discard(c.Name, c.Seq)
			out = outcome[T]{err: fmt.Errorf("%s: %w", c.Name, ErrStale)}
		}
		done <- out
	}()

	var expired <-chan time.Time
	if c.Deadline > 0 {
		timer := time.NewTimer(c.Deadline)
		defer timer.Stop()
		expired = timer.C
	}

	var out outcome[T]
	select {
	case out = <-done:
	case <-expired:
		if claimed.CompareAndSwap(false, true) {
			return zero, fmt.Errorf("%s: %w after %s", c.Name, ErrTimeout, c.Deadline)
		}
		out = <-done
	case <-ctx.Done():
		if claimed.CompareAndSwap(false, true) {
			return zero, ctx.Err()
		}
		out = <-done
	}
	return out.value, out.err
}
