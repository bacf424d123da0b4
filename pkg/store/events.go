// Package store holds the persistence layer under the engines: the raw-event
// hot store, anomaly baselines, and the dead-letter queue. Every store ships
// a process-local implementation for lite mode and tests next to its durable
// one, behind the same interface.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/event"
)

// EventStore is the hot store for accepted raw events. Put is the single
// dedup point for the ingest path: a second event carrying an already-known
// event_id is reported as a duplicate and never re-enters the pipeline.
type EventStore interface {
	// Put stores the event. It returns false when an event with the same
	// event_id was already accepted; the stored copy is left untouched.
	Put(ctx context.Context, ev *event.RawEvent) (bool, error)
	// Get returns the stored event, or nil when the id is unknown.
	Get(ctx context.Context, eventID string) (*event.RawEvent, error)
	// Window returns events whose timestamps fall in [from, to], oldest
	// first. Both bounds are inclusive.
	Window(ctx context.Context, from, to time.Time) ([]*event.RawEvent, error)
	// Prune drops events with timestamps before cutoff and reports how
	// many were removed.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	// Size reports how many events the hot window currently holds.
	Size(ctx context.Context) (int, error)
}

// MemoryEventStore keeps the hot window in process. It is the lite-mode
// default and the test double for the redis-backed store.
type MemoryEventStore struct {
	mu      sync.RWMutex
	byID    map[string]*event.RawEvent
	ordered []*event.RawEvent // sorted by Timestamp, then EventID
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{byID: make(map[string]*event.RawEvent)}
}

func (s *MemoryEventStore) Put(_ context.Context, ev *event.RawEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byID[ev.EventID]; dup {
		return false, nil
	}
	s.byID[ev.EventID] = ev

	i := sort.Search(len(s.ordered), func(i int) bool {
		o := s.ordered[i]
		if !o.Timestamp.Equal(ev.Timestamp) {
			return o.Timestamp.After(ev.Timestamp)
		}
		return o.EventID > ev.EventID
	})
	s.ordered = append(s.ordered, nil)
	copy(s.ordered[i+1:], s.ordered[i:])
	s.ordered[i] = ev
	return true, nil
}

func (s *MemoryEventStore) Get(_ context.Context, eventID string) (*event.RawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[eventID], nil
}

func (s *MemoryEventStore) Window(_ context.Context, from, to time.Time) ([]*event.RawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo := sort.Search(len(s.ordered), func(i int) bool {
		return !s.ordered[i].Timestamp.Before(from)
	})
	hi := sort.Search(len(s.ordered), func(i int) bool {
		return s.ordered[i].Timestamp.After(to)
	})
	if lo >= hi {
		return nil, nil
	}
	out := make([]*event.RawEvent, hi-lo)
	copy(out, s.ordered[lo:hi])
	return out, nil
}

func (s *MemoryEventStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo := sort.Search(len(s.ordered), func(i int) bool {
		return !s.ordered[i].Timestamp.Before(cutoff)
	})
	if lo == 0 {
		return 0, nil
	}
	for _, ev := range s.ordered[:lo] {
		delete(s.byID, ev.EventID)
	}
	s.ordered = append([]*event.RawEvent(nil), s.ordered[lo:]...)
	return lo, nil
}

func (s *MemoryEventStore) Size(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ordered), nil
}
