package fusion

import (
	"context"
	"sort"
	"sync"
)

// EntityStore persists resolved entities across resolution passes. Get
// resolves aliases: looking up an absorbed id returns the surviving record.
// Returned records are treated as read-only; a merge writes a replacement
// through Upsert rather than mutating in place.
type EntityStore interface {
	Get(ctx context.Context, entityID string) (*ResolvedEntity, error)
	Upsert(ctx context.Context, e *ResolvedEntity) error
	// ByType returns up to limit entities of the type, most recently seen
	// first. limit <= 0 means no cap.
	ByType(ctx context.Context, t EntityType, limit int) ([]*ResolvedEntity, error)
}

// MemoryEntityStore is the lite-mode entity store.
type MemoryEntityStore struct {
	mu      sync.RWMutex
	byID    map[string]*ResolvedEntity
	aliases map[string]string // absorbed id -> surviving id
}

func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{
		byID:    make(map[string]*ResolvedEntity),
		aliases: make(map[string]string),
	}
}

func (s *MemoryEntityStore) Get(_ context.Context, entityID string) (*ResolvedEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.byID[entityID]; ok {
		return e, nil
	}
	if canonical, ok := s.aliases[entityID]; ok {
		return s.byID[canonical], nil
	}
	return nil, nil
}

func (s *MemoryEntityStore) Upsert(_ context.Context, e *ResolvedEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[e.EntityID] = e
	for _, alias := range e.AliasSet {
		s.aliases[alias] = e.EntityID
		// An absorbed entity stops being a record of its own.
		delete(s.byID, alias)
	}
	return nil
}

func (s *MemoryEntityStore) ByType(_ context.Context, t EntityType, limit int) ([]*ResolvedEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ResolvedEntity
	for _, e := range s.byID {
		if e.Type == t {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].EntityID < out[j].EntityID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Size reports how many canonical entities the store holds.
func (s *MemoryEntityStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
