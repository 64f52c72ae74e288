// Package slot provides single-value overwrite cells used to hand values
// between the frame producer and the pipeline without a queue.
//
// A write always replaces the current value and never blocks. A read returns
// a copy and never blocks. Locks are held only for the duration of the copy.
package slot

import "sync"

// Slot holds at most one value of type T.
type Slot[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	clone   func(T) T
}

// New returns a slot holding initial. clone, when non-nil, is applied on every
// write and read so that callers never share mutable memory with the slot.
func New[T any](initial T, clone func(T) T) *Slot[T] {
	s := &Slot[T]{clone: clone}
	s.value = s.copyOf(initial)
	return s
}

// Write replaces the held value unconditionally.
func (s *Slot[T]) Write(v T) {
	s.mu.Lock()
	s.value = s.copyOf(v)
	s.version++
	s.mu.Unlock()
}

// Read returns a snapshot of the held value. Repeated reads without an
// intervening write return identical values.
func (s *Slot[T]) Read() T {
	v, _ := s.ReadVersioned()
	return v
}

// ReadVersioned returns a snapshot together with the number of writes so far.
func (s *Slot[T]) ReadVersioned() (T, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyOf(s.value), s.version
}

// Version returns the number of writes so far.
func (s *Slot[T]) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Slot[T]) copyOf(v T) T {
	if s.clone == nil {
		return v
	}
	return s.clone(v)
}
