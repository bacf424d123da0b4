package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// Baseline is the rolling activity profile for one (zone, hour-of-week)
// slot. Mean and M2 accumulate with Welford's online method so the profile
// updates in one pass without keeping history.
type Baseline struct {
	Zone       string    `json:"zone"`
	HourOfWeek int       `json:"hour_of_week"` // 0 = Sunday 00:00 .. 167 = Saturday 23:00
	Count      int64     `json:"count"`
	Mean       float64   `json:"mean"`
	M2         float64   `json:"m2"`
	Peak       float64   `json:"peak"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HourOfWeek maps a timestamp onto the 0..167 slot index the baselines are
// keyed by. The timestamp's own location decides the local hour.
func HourOfWeek(t time.Time) int {
	return int(t.Weekday())*24 + t.Hour()
}

// Observe folds one observation into the baseline.
func (b *Baseline) Observe(x float64) {
	b.Count++
	delta := x - b.Mean
	b.Mean += delta / float64(b.Count)
	b.M2 += delta * (x - b.Mean)
	if x > b.Peak {
		b.Peak = x
	}
}

// StdDev returns the sample standard deviation, 0 while fewer than two
// observations exist.
func (b *Baseline) StdDev() float64 {
	if b.Count < 2 {
		return 0
	}
	return math.Sqrt(b.M2 / float64(b.Count-1))
}

// BaselineStore persists anomaly baselines across restarts.
type BaselineStore interface {
	// Load returns the baseline for the slot, or nil when none has been
	// recorded yet.
	Load(ctx context.Context, zone string, hourOfWeek int) (*Baseline, error)
	// Save upserts the baseline keyed by (zone, hour_of_week).
	Save(ctx context.Context, b *Baseline) error
	// ForZone returns all recorded slots for a zone ordered by hour.
	ForZone(ctx context.Context, zone string) ([]*Baseline, error)
}

type baselineKey struct {
	zone string
	hour int
}

// MemoryBaselineStore holds baselines in process for lite mode and tests.
type MemoryBaselineStore struct {
	mu    sync.RWMutex
	slots map[baselineKey]Baseline
}

func NewMemoryBaselineStore() *MemoryBaselineStore {
	return &MemoryBaselineStore{slots: make(map[baselineKey]Baseline)}
}

func (s *MemoryBaselineStore) Load(_ context.Context, zone string, hourOfWeek int) (*Baseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.slots[baselineKey{zone, hourOfWeek}]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *MemoryBaselineStore) Save(_ context.Context, b *Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[baselineKey{b.Zone, b.HourOfWeek}] = *b
	return nil
}

func (s *MemoryBaselineStore) ForZone(_ context.Context, zone string) ([]*Baseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Baseline
	for key, b := range s.slots {
		if key.zone != zone {
			continue
		}
		copied := b
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HourOfWeek < out[j].HourOfWeek })
	return out, nil
}
