package config

import "sync/atomic"

// Snapshot holds an immutable configuration record behind an atomic pointer.
// Readers call Load on every use and never retain the result across
// operations; writers replace the whole record with Store.
type Snapshot[T any] struct {
	p atomic.Pointer[T]
}

// NewSnapshot wraps an initial record. The record must not be mutated after
// being handed over.
func NewSnapshot[T any](initial *T) *Snapshot[T] {
	s := &Snapshot[T]{}
	s.p.Store(initial)
	return s
}

// Load returns the current record.
func (s *Snapshot[T]) Load() *T { return s.p.Load() }

// Store atomically replaces the record.
func (s *Snapshot[T]) Store(next *T) { s.p.Store(next) }
