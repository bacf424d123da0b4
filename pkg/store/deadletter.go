package store

import (
	"sync"
	"time"
)

// DeadLetter is an event the pipeline gave up on, parked with the reason so
// an operator can inspect and replay it.
type DeadLetter struct {
	EventID     string    `json:"event_id"`
	Source      string    `json:"source"`
	Reason      string    `json:"reason"`
	Body        []byte    `json:"body"`
	Attempts    int       `json:"attempts"`
	FirstFailed time.Time `json:"first_failed"`
	LastFailed  time.Time `json:"last_failed"`
}

// DeadLetters is a bounded in-memory parking lot. When full, the oldest
// entry is dropped to admit the new one.
type DeadLetters struct {
	mu    sync.Mutex
	limit int
	order []string
	byID  map[string]*DeadLetter
	clock func() time.Time
}

func NewDeadLetters(limit int) *DeadLetters {
	if limit <= 0 {
		limit = 1000
	}
	return &DeadLetters{
		limit: limit,
		byID:  make(map[string]*DeadLetter),
		clock: time.Now,
	}
}

// WithClock overrides the time source for tests.
func (d *DeadLetters) WithClock(clock func() time.Time) *DeadLetters {
	d.clock = clock
	return d
}

// Add parks an event. A repeat failure for the same event id updates the
// existing entry instead of occupying another slot.
func (d *DeadLetters) Add(eventID, source, reason string, body []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock().UTC()
	if existing, ok := d.byID[eventID]; ok {
		existing.Attempts++
		existing.Reason = reason
		existing.LastFailed = now
		return
	}

	if len(d.order) >= d.limit {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.byID, oldest)
	}
	d.order = append(d.order, eventID)
	d.byID[eventID] = &DeadLetter{
		EventID:     eventID,
		Source:      source,
		Reason:      reason,
		Body:        body,
		Attempts:    1,
		FirstFailed: now,
		LastFailed:  now,
	}
}

// Take removes and returns the entry for manual replay.
func (d *DeadLetters) Take(eventID string) (*DeadLetter, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dl, ok := d.byID[eventID]
	if !ok {
		return nil, false
	}
	delete(d.byID, eventID)
	for i, id := range d.order {
		if id == eventID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return dl, true
}

// List returns parked entries, oldest first, up to limit (0 means all).
func (d *DeadLetters) List(limit int) []*DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*DeadLetter, 0, n)
	for _, id := range d.order[:n] {
		out = append(out, d.byID[id])
	}
	return out
}

// Size reports how many events are parked.
func (d *DeadLetters) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}
