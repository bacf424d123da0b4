package kernel

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedExecutor_SameKeySerializes(t *testing.T) {
	e := NewKeyedExecutor(4, 64)
	defer e.Close()

	var order []int
	var mu sync.Mutex

	for i := 0; i < 50; i++ {
		i := i
		if err := e.Submit("actuator-d1", func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	e.Drain()

	if len(order) != 50 {
		t.Fatalf("expected 50 tasks, ran %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("submission order violated at %d: got %d", i, v)
		}
	}
}

func TestKeyedExecutor_DistinctKeysRunConcurrently(t *testing.T) {
	e := NewKeyedExecutor(8, 64)
	defer e.Close()

	// Two keys that land on different workers block on each other; if they
	// were serialized this would deadlock the test's timeout.
	var hits int32
	barrier := make(chan struct{})

	// Find two keys mapped to different workers.
	keyA, keyB := "", ""
	for _, candidate := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"} {
		if keyA == "" {
			keyA = candidate
			continue
		}
		if e.indexOf(candidate) != e.indexOf(keyA) {
			keyB = candidate
			break
		}
	}
	if keyB == "" {
		t.Skip("could not find keys on distinct workers")
	}

	_ = e.Submit(keyA, func() {
		atomic.AddInt32(&hits, 1)
		<-barrier
	})
	_ = e.Submit(keyB, func() {
		atomic.AddInt32(&hits, 1)
		<-barrier
	})

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&hits) != 2 {
		select {
		case <-deadline:
			t.Fatal("distinct keys did not run concurrently")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	close(barrier)
}

func TestKeyedExecutor_WouldBlockOnFullQueue(t *testing.T) {
	e := NewKeyedExecutor(1, 2)
	defer e.Close()

	block := make(chan struct{})
	_ = e.Submit("k", func() { <-block }) // occupies the worker

	// Fill the queue.
	for i := 0; i < 2; i++ {
		if err := e.Submit("k", func() {}); err != nil {
			t.Fatalf("queue should accept %d: %v", i, err)
		}
	}

	err := e.Submit("k", func() {})
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
	close(block)
}

func TestKeyedExecutor_SubmitAfterClose(t *testing.T) {
	e := NewKeyedExecutor(2, 8)
	e.Close()

	if err := e.Submit("k", func() {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	// Close twice is safe.
	e.Close()
}

func TestKeyedExecutor_CloseRunsQueued(t *testing.T) {
	e := NewKeyedExecutor(2, 16)

	var ran int32
	for i := 0; i < 10; i++ {
		_ = e.Submit("k", func() { atomic.AddInt32(&ran, 1) })
	}
	e.Close()

	if got := atomic.LoadInt32(&ran); got != 10 {
		t.Fatalf("close must drain queued tasks, ran %d", got)
	}
}
