package audit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/vigil/pkg/canonicalize"
)

var (
	ErrEntryNotFound = errors.New("entry not found")
	ErrChainBroken   = errors.New("hash chain is broken")
)

// EntryHandler is called with each appended entry. Handlers run under the
// log mutex; they must not call back into the log.
type EntryHandler func(entry *Entry)

// Log is an append-only audit log with hash chaining. Appends are totally
// ordered under one mutex; the chain head of an empty log is "genesis".
type Log struct {
	mu        sync.RWMutex
	entries   []*Entry
	byID      map[string]*Entry
	sequence  uint64
	chainHead string
	clock     func() time.Time
	handlers  []EntryHandler
}

// NewLog creates an empty audit log.
func NewLog() *Log {
	return &Log{
		byID:      make(map[string]*Entry),
		chainHead: "genesis",
		clock:     time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append masks sensitive details, chains the entry to the current head, and
// stores it.
func (l *Log) Append(kind ActionKind, severity Severity, source, description string, details map[string]interface{}, sessionID string) (*Entry, error) {
	masked := MaskDetails(details)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sequence++
	entry := &Entry{
		EntryID:      "aud_" + uuid.NewString(),
		Sequence:     l.sequence,
		Timestamp:    l.clock().UTC(),
		ActionKind:   kind,
		Severity:     severity,
		Source:       source,
		Description:  description,
		Details:      masked,
		SessionID:    sessionID,
		PreviousHash: l.chainHead,
	}

	hash, err := computeEntryHash(entry)
	if err != nil {
		l.sequence--
		return nil, fmt.Errorf("failed to compute entry hash: %w", err)
	}
	entry.EntryHash = hash
	l.chainHead = hash

	l.entries = append(l.entries, entry)
	l.byID[entry.EntryID] = entry

	for _, h := range l.handlers {
		h(entry)
	}

	return entry, nil
}

// computeEntryHash hashes the canonical fields together with the previous
// hash. The entry hash itself is excluded from its own input.
func computeEntryHash(entry *Entry) (string, error) {
	hashable := struct {
		Sequence     uint64                 `json:"sequence"`
		Timestamp    time.Time              `json:"timestamp"`
		ActionKind   ActionKind             `json:"action_kind"`
		Severity     Severity               `json:"severity"`
		Source       string                 `json:"source"`
		Description  string                 `json:"description"`
		Details      map[string]interface{} `json:"details,omitempty"`
		SessionID    string                 `json:"session_id,omitempty"`
		PreviousHash string                 `json:"previous_hash"`
	}{
		Sequence:     entry.Sequence,
		Timestamp:    entry.Timestamp,
		ActionKind:   entry.ActionKind,
		Severity:     entry.Severity,
		Source:       entry.Source,
		Description:  entry.Description,
		Details:      entry.Details,
		SessionID:    entry.SessionID,
		PreviousHash: entry.PreviousHash,
	}

	data, err := canonicalize.JCS(hashable)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize entry: %w", err)
	}
	return "sha256:" + canonicalize.HashBytes(data), nil
}

// Get retrieves an entry by ID.
func (l *Log) Get(entryID string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.byID[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// ChainHead returns the current chain head hash.
func (l *Log) ChainHead() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chainHead
}

// Sequence returns the current sequence number.
func (l *Log) Sequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sequence
}

// Size returns the number of entries.
func (l *Log) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// QueryFilter defines filtering criteria for queries.
type QueryFilter struct {
	ActionKind ActionKind
	Severity   Severity
	Source     string
	SessionID  string
	StartTime  *time.Time
	EndTime    *time.Time
	MaxResults int
}

func (f QueryFilter) matches(e *Entry) bool {
	if f.ActionKind != "" && e.ActionKind != f.ActionKind {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// Query returns entries matching the filter in append order.
func (l *Log) Query(filter QueryFilter) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	results := make([]*Entry, 0)
	for _, e := range l.entries {
		if filter.matches(e) {
			results = append(results, e)
			if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
				break
			}
		}
	}
	return results
}

// VerifyChain walks every entry checking linkage and recomputing hashes.
func (l *Log) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	expectedPrev := "genesis"
	for i, entry := range l.entries {
		if entry.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, i, entry.PreviousHash, expectedPrev)
		}

		computed, err := computeEntryHash(entry)
		if err != nil {
			return fmt.Errorf("%w: entry %d hash computation failed: %w",
				ErrChainBroken, i, err)
		}
		if computed != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, entry.EntryHash)
		}

		expectedPrev = entry.EntryHash
	}

	return nil
}

// AddHandler registers a handler for new entries.
func (l *Log) AddHandler(h EntryHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// VerifyEntries checks linkage and hashes over an arbitrary ordered slice,
// anchored at the given previous hash. It returns the last hash on success.
func VerifyEntries(entries []*Entry, anchor string) (string, error) {
	expectedPrev := anchor
	for i, entry := range entries {
		if entry.PreviousHash != expectedPrev {
			return "", fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, i, entry.PreviousHash, expectedPrev)
		}
		computed, err := computeEntryHash(entry)
		if err != nil {
			return "", fmt.Errorf("%w: entry %d hash computation failed: %w",
				ErrChainBroken, i, err)
		}
		if computed != entry.EntryHash {
			return "", fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i)
		}
		expectedPrev = entry.EntryHash
	}
	return expectedPrev, nil
}
