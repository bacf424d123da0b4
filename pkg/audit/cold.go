package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/canonicalize"
	"github.com/Mindburn-Labs/vigil/pkg/fault"
)

// ColdStore holds rolled audit segments. Implementations must be idempotent
// on Put for the same name and bytes.
type ColdStore interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
}

const manifestName = "cold-manifest.json"

// ColdSegment records one rolled segment in the manifest, in chain order.
type ColdSegment struct {
	Name     string    `json:"name"`
	LastHash string    `json:"last_hash"`
	Entries  int       `json:"entries"`
	OldestTS time.Time `json:"oldest_ts,omitempty"`
	NewestTS time.Time `json:"newest_ts,omitempty"`
}

// Manifest tracks which chain prefix lives in cold storage. Anchor is the
// hash preceding the first cold segment; after pruning it advances so the
// remaining chain stays verifiable.
type Manifest struct {
	Anchor   string        `json:"anchor"`
	Segments []ColdSegment `json:"segments"`
}

// Archiver rolls sealed segments to cold storage while keeping the hash
// chain continuous across the hot/cold boundary.
type Archiver struct {
	mu     sync.Mutex
	dir    string
	cold   ColdStore
	writer *SegmentWriter
}

// NewArchiver creates an archiver for the writer's directory.
func NewArchiver(writer *SegmentWriter, cold ColdStore) *Archiver {
	return &Archiver{dir: writer.dir, cold: cold, writer: writer}
}

func (a *Archiver) loadManifest() (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(a.dir, manifestName))
	if os.IsNotExist(err) {
		return &Manifest{Anchor: "genesis"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cold manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fault.New(fault.Integrity, "audit.cold", "malformed cold manifest: %v", err)
	}
	if m.Anchor == "" {
		m.Anchor = "genesis"
	}
	return &m, nil
}

func (a *Archiver) saveManifest(m *Manifest) error {
	data, err := canonicalize.JCS(m)
	if err != nil {
		return fmt.Errorf("canonicalize cold manifest: %w", err)
	}
	tmp := filepath.Join(a.dir, manifestName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cold manifest: %w", err)
	}
	return os.Rename(tmp, filepath.Join(a.dir, manifestName))
}

// Manifest returns the current cold manifest.
func (a *Archiver) Manifest() (*Manifest, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadManifest()
}

// Roll moves the longest prefix of sealed segments whose entries all predate
// the cutoff into cold storage. It stops at the first segment holding a
// newer entry, preserving the chain-prefix property of the manifest. It
// returns the names of the rolled segments.
func (a *Archiver) Roll(ctx context.Context, cutoff time.Time) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	manifest, err := a.loadManifest()
	if err != nil {
		return nil, err
	}

	names, err := listSegments(a.dir)
	if err != nil {
		return nil, err
	}
	active := a.writer.ActiveIndex()

	var rolled []string
	for _, name := range names {
		idx, err := segmentIndex(name)
		if err != nil {
			return rolled, fmt.Errorf("bad segment name %s: %w", name, err)
		}
		if idx >= active {
			break
		}

		path := filepath.Join(a.dir, name)
		header, entries, err := ReadSegment(path)
		if err != nil {
			return rolled, err
		}
		if tooRecent(entries, cutoff) {
			break
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return rolled, fmt.Errorf("read segment %s: %w", name, err)
		}
		if err := a.cold.Put(ctx, name, data); err != nil {
			return rolled, fault.Wrap(fault.Transient, "audit.cold", err)
		}

		seg := ColdSegment{
			Name:     name,
			LastHash: header.PreviousLastHash,
			Entries:  len(entries),
		}
		if len(entries) > 0 {
			seg.LastHash = entries[len(entries)-1].EntryHash
			seg.OldestTS = entries[0].Timestamp
			seg.NewestTS = entries[len(entries)-1].Timestamp
		}
		manifest.Segments = append(manifest.Segments, seg)
		if err := a.saveManifest(manifest); err != nil {
			return rolled, err
		}
		if err := os.Remove(path); err != nil {
			return rolled, fmt.Errorf("remove rolled segment %s: %w", name, err)
		}
		rolled = append(rolled, name)
	}
	return rolled, nil
}

func tooRecent(entries []*Entry, cutoff time.Time) bool {
	for _, e := range entries {
		if !e.Timestamp.Before(cutoff) {
			return true
		}
	}
	return false
}

// Prune discards cold segments whose newest entry predates the retention
// cutoff. The manifest anchor advances to the last pruned hash so the
// surviving chain still verifies end-to-end.
func (a *Archiver) Prune(ctx context.Context, before time.Time) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	manifest, err := a.loadManifest()
	if err != nil {
		return nil, err
	}

	var pruned []string
	for len(manifest.Segments) > 0 {
		seg := manifest.Segments[0]
		if seg.Entries > 0 && !seg.NewestTS.Before(before) {
			break
		}
		if err := a.cold.Delete(ctx, seg.Name); err != nil {
			return pruned, fault.Wrap(fault.Transient, "audit.cold", err)
		}
		manifest.Anchor = seg.LastHash
		manifest.Segments = manifest.Segments[1:]
		if err := a.saveManifest(manifest); err != nil {
			return pruned, err
		}
		pruned = append(pruned, seg.Name)
	}
	return pruned, nil
}

// VerifyAll verifies the full chain: cold segments from the manifest anchor,
// then local segments continuing from the last cold hash. It returns the
// total number of entries verified.
func (a *Archiver) VerifyAll(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	manifest, err := a.loadManifest()
	if err != nil {
		return 0, err
	}

	prev := manifest.Anchor
	total := 0
	for _, seg := range manifest.Segments {
		data, err := a.cold.Get(ctx, seg.Name)
		if err != nil {
			return total, fault.Wrap(fault.Transient, "audit.cold", err)
		}
		header, entries, err := ReadSegmentBytes(seg.Name, data)
		if err != nil {
			return total, err
		}
		if header.PreviousLastHash != prev {
			return total, fault.New(fault.Integrity, "audit.verify",
				"cold %s: header references %s but chain ended at %s",
				seg.Name, header.PreviousLastHash, prev)
		}
		last, err := VerifyEntries(entries, prev)
		if err != nil {
			return total, fault.New(fault.Integrity, "audit.verify", "cold %s: %v", seg.Name, err)
		}
		if last != seg.LastHash {
			return total, fault.New(fault.Integrity, "audit.verify",
				"cold %s: manifest records last hash %s but segment ends at %s",
				seg.Name, seg.LastHash, last)
		}
		prev = last
		total += len(entries)
	}

	n, err := verifySegments(a.dir, prev)
	return total + n, err
}

// MemoryCold is an in-process ColdStore for tests and lite deployments.
type MemoryCold struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryCold creates an empty in-memory cold store.
func NewMemoryCold() *MemoryCold {
	return &MemoryCold{objects: make(map[string][]byte)}
}

func (m *MemoryCold) Put(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[name] = cp
	return nil
}

func (m *MemoryCold) Get(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[name]
	if !ok {
		return nil, fmt.Errorf("cold object %s not found", name)
	}
	return data, nil
}

func (m *MemoryCold) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, name)
	return nil
}

// Len returns the number of stored objects.
func (m *MemoryCold) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
