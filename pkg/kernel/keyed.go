// Package kernel provides the concurrency primitives the coordinators share:
// per-aggregate serialized execution, token-bucket rate limiting, and
// deterministic retry backoff.
package kernel

import (
	"hash/fnv"
	"sync"

	"github.com/Mindburn-Labs/vigil/pkg/fault"
)

// ErrWouldBlock is returned when an aggregate's queue is full. Callers
// backpressure instead of dropping: retry after backoff, bounded by their
// deadline.
var ErrWouldBlock = &fault.Error{Kind: fault.Capacity, Op: "kernel.submit", Msg: "would_block: aggregate queue full"}

// ErrClosed is returned when submitting to a closed executor.
var ErrClosed = &fault.Error{Kind: fault.Permanent, Op: "kernel.submit", Msg: "executor closed"}

// Task is a unit of work bound to one aggregate.
type Task func()

// KeyedExecutor serializes work per aggregate id. Every key maps to exactly
// one worker, so two tasks for the same actuator, officer, or pool never run
// concurrently and observe submission order. Distinct keys spread across
// workers and run in parallel.
type KeyedExecutor struct {
	workers []chan Task
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewKeyedExecutor starts workers goroutines, each owning a bounded queue of
// queueDepth tasks.
func NewKeyedExecutor(workers, queueDepth int) *KeyedExecutor {
	if workers <= 0 {
		workers = 8
	}
	if queueDepth <= 0 {
		queueDepth = 128
	}

	e := &KeyedExecutor{workers: make([]chan Task, workers)}
	for i := range e.workers {
		ch := make(chan Task, queueDepth)
		e.workers[i] = ch
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for task := range ch {
				task()
			}
		}()
	}
	return e
}

// Submit enqueues task on the worker owning key. Returns ErrWouldBlock when
// that worker's queue is full and ErrClosed after Close.
func (e *KeyedExecutor) Submit(key string, task Task) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}

	select {
	case e.workers[e.indexOf(key)] <- task:
		return nil
	default:
		return ErrWouldBlock
	}
}

// Drain submits a barrier to every worker and waits until all previously
// submitted tasks have run. Tests use this to make effects visible.
func (e *KeyedExecutor) Drain() {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return
	}
	var wg sync.WaitGroup
	for _, ch := range e.workers {
		wg.Add(1)
		// A full queue still accepts the barrier eventually; block here.
		ch <- func() { wg.Done() }
	}
	e.mu.RUnlock()
	wg.Wait()
}

// Close stops accepting work and waits for queued tasks to finish.
func (e *KeyedExecutor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, ch := range e.workers {
		close(ch)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *KeyedExecutor) indexOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(e.workers)))
}
