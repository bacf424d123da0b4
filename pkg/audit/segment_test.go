package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/fault"
)

func buildChain(t *testing.T, n int) []*Entry {
	t.Helper()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	log := NewLog().WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	})

	entries := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := log.Append(ActionEventIngested, SeverityInfo, "ingest", "event accepted",
			map[string]interface{}{"seq": i}, "")
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func writeAll(t *testing.T, dir string, entries []*Entry, maxBytes int64) *SegmentWriter {
	t.Helper()
	w, err := OpenWriter(dir, maxBytes)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	for _, e := range entries {
		if err := w.Append(e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return w
}

func TestSegmentWriter_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	entries := buildChain(t, 5)
	w := writeAll(t, dir, entries, 0)
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	header, got, err := ReadSegment(filepath.Join(dir, segmentName(1)))
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	if header.PreviousLastHash != "genesis" {
		t.Errorf("first segment should anchor at genesis, got %s", header.PreviousLastHash)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(got))
	}
	if got[4].EntryHash != entries[4].EntryHash {
		t.Error("entries came back in wrong order or mutated")
	}

	n, err := VerifyDir(dir)
	if err != nil {
		t.Fatalf("verify dir: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5 verified entries, got %d", n)
	}
}

func TestSegmentReplayByteIdentical(t *testing.T) {
	entries := buildChain(t, 8)

	dirA := t.TempDir()
	dirB := t.TempDir()
	wa := writeAll(t, dirA, entries, 1500)
	wb := writeAll(t, dirB, entries, 1500)
	if err := wa.Close(); err != nil {
		t.Fatalf("close a: %v", err)
	}
	if err := wb.Close(); err != nil {
		t.Fatalf("close b: %v", err)
	}

	namesA, _ := listSegments(dirA)
	namesB, _ := listSegments(dirB)
	if len(namesA) != len(namesB) {
		t.Fatalf("segment counts differ: %d vs %d", len(namesA), len(namesB))
	}
	if len(namesA) < 2 {
		t.Fatalf("expected rotation to produce multiple segments, got %d", len(namesA))
	}

	for i := range namesA {
		a, err := os.ReadFile(filepath.Join(dirA, namesA[i]))
		if err != nil {
			t.Fatal(err)
		}
		b, err := os.ReadFile(filepath.Join(dirB, namesB[i]))
		if err != nil {
			t.Fatal(err)
		}
		if string(a) != string(b) {
			t.Errorf("segment %s differs between replays", namesA[i])
		}
	}
}

func TestSegmentRotationKeepsChain(t *testing.T) {
	dir := t.TempDir()
	entries := buildChain(t, 12)
	w := writeAll(t, dir, entries, 1500)
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	names, _ := listSegments(dir)
	if len(names) < 2 {
		t.Fatalf("expected multiple segments, got %d", len(names))
	}

	n, err := VerifyDir(dir)
	if err != nil {
		t.Fatalf("verify after rotation: %v", err)
	}
	if n != 12 {
		t.Errorf("expected 12 entries across segments, got %d", n)
	}

	// Second segment's header must reference the first segment's last hash.
	_, first, err := ReadSegment(filepath.Join(dir, names[0]))
	if err != nil {
		t.Fatal(err)
	}
	header2, _, err := ReadSegment(filepath.Join(dir, names[1]))
	if err != nil {
		t.Fatal(err)
	}
	if header2.PreviousLastHash != first[len(first)-1].EntryHash {
		t.Error("segment header does not reference previous segment's last hash")
	}
}

func TestSegmentWriter_Resume(t *testing.T) {
	dir := t.TempDir()
	entries := buildChain(t, 6)

	w := writeAll(t, dir, entries[:3], 0)
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w2, err := OpenWriter(dir, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if w2.LastHash() != entries[2].EntryHash {
		t.Errorf("resume should pick up last hash, got %s", w2.LastHash())
	}
	for _, e := range entries[3:] {
		if err := w2.Append(e); err != nil {
			t.Fatalf("append after resume: %v", err)
		}
	}
	if err := w2.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	n, err := VerifyDir(dir)
	if err != nil {
		t.Fatalf("verify after resume: %v", err)
	}
	if n != 6 {
		t.Errorf("expected 6 entries, got %d", n)
	}
}

func TestVerifyDirDetectsTamper(t *testing.T) {
	dir := t.TempDir()
	entries := buildChain(t, 4)
	w := writeAll(t, dir, entries, 0)
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	path := filepath.Join(dir, segmentName(1))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Flip one byte in the middle of the file.
	data[len(data)/2] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = VerifyDir(dir)
	if err == nil {
		t.Fatal("expected verification to fail after tamper")
	}
	if fault.KindOf(err) != fault.Integrity {
		t.Errorf("expected integrity fault, got %v", err)
	}
}

func TestArchiver_RollPruneVerify(t *testing.T) {
	dir := t.TempDir()
	entries := buildChain(t, 12)
	w := writeAll(t, dir, entries, 1500)
	defer w.Close()

	cold := NewMemoryCold()
	arch := NewArchiver(w, cold)
	ctx := context.Background()

	// Everything predates a far-future cutoff, so all sealed segments roll.
	rolled, err := arch.Roll(ctx, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("roll: %v", err)
	}
	if len(rolled) == 0 {
		t.Fatal("expected at least one sealed segment to roll")
	}
	if cold.Len() != len(rolled) {
		t.Errorf("cold store holds %d objects, expected %d", cold.Len(), len(rolled))
	}
	for _, name := range rolled {
		if _, err := os.Stat(filepath.Join(dir, name)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("rolled segment %s still on disk", name)
		}
	}

	total, err := arch.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("verify across hot/cold boundary: %v", err)
	}
	if total != 12 {
		t.Errorf("expected 12 entries verified, got %d", total)
	}

	// The active segment must never roll.
	names, _ := listSegments(dir)
	if len(names) == 0 {
		t.Fatal("active segment missing after roll")
	}

	// Prune everything older than a future cutoff; chain still verifies from
	// the advanced anchor.
	pruned, err := arch.Prune(ctx, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(pruned) != len(rolled) {
		t.Errorf("expected all cold segments pruned, got %d of %d", len(pruned), len(rolled))
	}

	manifest, err := arch.Manifest()
	if err != nil {
		t.Fatal(err)
	}
	if manifest.Anchor == "genesis" {
		t.Error("anchor should advance past pruned segments")
	}

	if _, err := arch.VerifyAll(ctx); err != nil {
		t.Fatalf("verify after prune: %v", err)
	}
}

func TestArchiver_RollStopsAtRecentSegment(t *testing.T) {
	dir := t.TempDir()
	entries := buildChain(t, 12)
	w := writeAll(t, dir, entries, 1500)
	defer w.Close()

	arch := NewArchiver(w, NewMemoryCold())

	// Cutoff before every entry: nothing qualifies.
	rolled, err := arch.Roll(context.Background(), time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("roll: %v", err)
	}
	if len(rolled) != 0 {
		t.Errorf("expected no segments to roll, got %v", rolled)
	}
}
