package fusion

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/config"
)

func newTestResolver() (*Resolver, *MemoryEntityStore) {
	store := NewMemoryEntityStore()
	r := NewResolver(store, config.DefaultTuning().Fusion).
		WithClock(func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) })
	return r, store
}

func vehicle(recordID, eventID, plate string) *EntityRecord {
	return &EntityRecord{
		RecordID:   recordID,
		Type:       EntityVehicle,
		Attributes: map[string]string{"plate": plate},
		EventID:    eventID,
		ObservedAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func TestResolveSoloRecordHasFullConfidence(t *testing.T) {
	r, store := newTestResolver()

	entities, err := r.Resolve(context.Background(), []*EntityRecord{
		vehicle("rec_1", "evt_1", "ABC-1234"),
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("got %d entities, want 1", len(entities))
	}

	e := entities[0]
	if e.Confidence != 1.0 {
		t.Errorf("solo confidence = %v, want 1.0", e.Confidence)
	}
	if len(e.MergeCandidates) != 0 {
		t.Errorf("solo entity has %d merge candidates", len(e.MergeCandidates))
	}
	if len(e.SourceIDs) != 1 || e.SourceIDs[0] != "evt_1" {
		t.Errorf("source ids = %v, want [evt_1]", e.SourceIDs)
	}
	if store.Size() != 1 {
		t.Errorf("store size = %d, want 1", store.Size())
	}
}

func TestResolveGreedyClusterAbsorbsLaterRecords(t *testing.T) {
	r, store := newTestResolver()

	entities, err := r.Resolve(context.Background(), []*EntityRecord{
		vehicle("rec_1", "evt_1", "ABC-1234"),
		vehicle("rec_2", "evt_2", "abc 1234"), // identical after folding
		vehicle("rec_3", "evt_3", "XYZ-9999"), // unrelated
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("got %d entities, want 2", len(entities))
	}

	cluster := entities[0]
	if len(cluster.MergeCandidates) != 1 {
		t.Fatalf("cluster candidates = %v, want one", cluster.MergeCandidates)
	}
	cand := cluster.MergeCandidates[0]
	if cand.RecordID != "rec_2" || cand.Score != 1.0 || cand.Band != BandHigh {
		t.Errorf("candidate = %+v, want rec_2 at 1.0 high", cand)
	}
	if cluster.Confidence != 1.0 {
		t.Errorf("cluster confidence = %v, want max pairwise 1.0", cluster.Confidence)
	}
	if len(cluster.SourceIDs) != 2 {
		t.Errorf("cluster sources = %v, want both events", cluster.SourceIDs)
	}

	solo := entities[1]
	if solo.Confidence != 1.0 || len(solo.MergeCandidates) != 0 {
		t.Errorf("unrelated record should resolve solo, got %+v", solo)
	}
	if store.Size() != 2 {
		t.Errorf("store size = %d, want 2", store.Size())
	}
}

func TestResolveAbsorbedRecordNeverSeeds(t *testing.T) {
	r, _ := newTestResolver()

	// r2 matches the seed and is absorbed; r3 matches only r2, so with r2
	// off the table it has to open its own cluster.
	seed := &EntityRecord{RecordID: "g1", Type: EntityGeneric, Attributes: map[string]string{"label": "abcdefgh"}}
	near := &EntityRecord{RecordID: "g2", Type: EntityGeneric, Attributes: map[string]string{"label": "abcdefgx"}}
	farther := &EntityRecord{RecordID: "g3", Type: EntityGeneric, Attributes: map[string]string{"label": "abcdxxxx"}}

	entities, err := r.Resolve(context.Background(), []*EntityRecord{seed, near, farther})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("got %d entities, want 2", len(entities))
	}
	if len(entities[0].MergeCandidates) != 1 || entities[0].MergeCandidates[0].RecordID != "g2" {
		t.Errorf("seed cluster candidates = %+v, want only g2", entities[0].MergeCandidates)
	}
	if len(entities[1].MergeCandidates) != 0 {
		t.Errorf("g3 should stand alone, got candidates %+v", entities[1].MergeCandidates)
	}
}

func TestResolveThresholdEqualityMatches(t *testing.T) {
	score := Similarity(vehicle("rec_1", "evt_1", "ABC-1234"), vehicle("rec_2", "evt_2", "ABC-1235"))
	if score <= 0 || score >= 1 {
		t.Fatalf("pair score = %v, want interior of (0, 1)", score)
	}
	clock := func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) }

	// A score equal to the threshold merges.
	cfg := config.DefaultTuning().Fusion
	cfg.SimilarityThreshold = score
	at := NewResolver(NewMemoryEntityStore(), cfg).WithClock(clock)
	entities, err := at.Resolve(context.Background(), []*EntityRecord{
		vehicle("rec_1", "evt_1", "ABC-1234"),
		vehicle("rec_2", "evt_2", "ABC-1235"),
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("at threshold: got %d entities, want 1 merged cluster", len(entities))
	}

	// The same pair lands just below a nudged threshold and stays apart.
	cfg.SimilarityThreshold = math.Nextafter(score, 2)
	above := NewResolver(NewMemoryEntityStore(), cfg).WithClock(clock)
	entities, err = above.Resolve(context.Background(), []*EntityRecord{
		vehicle("rec_1", "evt_1", "ABC-1234"),
		vehicle("rec_2", "evt_2", "ABC-1235"),
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("below threshold: got %d entities, want 2 separate clusters", len(entities))
	}
}

func TestResolveReplaySameBatchChangesNothing(t *testing.T) {
	r, store := newTestResolver()
	batch := []*EntityRecord{
		vehicle("rec_1", "evt_1", "ABC-1234"),
		vehicle("rec_2", "evt_2", "ABC-1235"),
	}

	first, err := r.Resolve(context.Background(), batch)
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	second, err := r.Resolve(context.Background(), batch)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("entity counts = %d then %d, want 1 and 1", len(first), len(second))
	}
	if first[0].EntityID != second[0].EntityID {
		t.Errorf("replay landed in %s, want %s", second[0].EntityID, first[0].EntityID)
	}
	if first[0].Confidence != second[0].Confidence {
		t.Errorf("replay moved confidence %v -> %v", first[0].Confidence, second[0].Confidence)
	}
	if len(first[0].MergeCandidates) != len(second[0].MergeCandidates) {
		t.Errorf("replay grew candidates %d -> %d",
			len(first[0].MergeCandidates), len(second[0].MergeCandidates))
	}
	if len(first[0].SourceIDs) != len(second[0].SourceIDs) {
		t.Errorf("replay grew sources %d -> %d",
			len(first[0].SourceIDs), len(second[0].SourceIDs))
	}
	if store.Size() != 1 {
		t.Errorf("store size = %d, want 1", store.Size())
	}
}

func TestResolveMergesIntoStoredEntity(t *testing.T) {
	r, store := newTestResolver()

	first, err := r.Resolve(context.Background(), []*EntityRecord{
		vehicle("rec_1", "evt_1", "ABC-1234"),
	})
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}

	second, err := r.Resolve(context.Background(), []*EntityRecord{
		vehicle("rec_2", "evt_2", "ABC-1233"),
	})
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}

	if second[0].EntityID != first[0].EntityID {
		t.Fatalf("close plate opened new entity %s, want merge into %s",
			second[0].EntityID, first[0].EntityID)
	}
	if len(second[0].SourceIDs) != 2 {
		t.Errorf("merged sources = %v, want both events", second[0].SourceIDs)
	}
	// Cluster confidence is the similarity that joined the records.
	want := 1 - 1.0/7
	if math.Abs(second[0].Confidence-want) > 1e-9 {
		t.Errorf("merged confidence = %v, want %v", second[0].Confidence, want)
	}
	if store.Size() != 1 {
		t.Errorf("store size = %d, want 1", store.Size())
	}
}

func TestResolveEntityIDStableAcrossEntityMerge(t *testing.T) {
	r, store := newTestResolver()
	ctx := context.Background()

	// Two stored entities too far apart to have merged on their own.
	a, err := r.Resolve(ctx, []*EntityRecord{vehicle("rec_a", "evt_a", "ABC-1234")})
	if err != nil {
		t.Fatalf("Resolve a: %v", err)
	}
	b, err := r.Resolve(ctx, []*EntityRecord{vehicle("rec_b", "evt_b", "ABC-1299")})
	if err != nil {
		t.Fatalf("Resolve b: %v", err)
	}
	if a[0].EntityID == b[0].EntityID {
		t.Fatal("setup: plates should not have merged yet")
	}

	// A bridging read close to both pulls them together under one id.
	merged, err := r.Resolve(ctx, []*EntityRecord{vehicle("rec_c", "evt_c", "ABC-1294")})
	if err != nil {
		t.Fatalf("Resolve bridge: %v", err)
	}
	if len(merged) != 1 {
		t.Fatalf("got %d entities, want 1", len(merged))
	}

	survivor := merged[0]
	if survivor.EntityID != a[0].EntityID && survivor.EntityID != b[0].EntityID {
		t.Fatalf("survivor id %s is neither prior id", survivor.EntityID)
	}
	absorbedID := a[0].EntityID
	if survivor.EntityID == a[0].EntityID {
		absorbedID = b[0].EntityID
	}
	if !survivor.HasAlias(absorbedID) {
		t.Errorf("alias set %v missing absorbed id %s", survivor.AliasSet, absorbedID)
	}
	if len(survivor.SourceIDs) != 3 {
		t.Errorf("merged sources = %v, want all three events", survivor.SourceIDs)
	}
	if store.Size() != 1 {
		t.Errorf("store size = %d, want 1 after merge", store.Size())
	}

	// The retired id keeps resolving to the survivor.
	got, err := store.Get(ctx, absorbedID)
	if err != nil {
		t.Fatalf("Get absorbed id: %v", err)
	}
	if got == nil || got.EntityID != survivor.EntityID {
		t.Errorf("absorbed id resolved to %+v, want survivor", got)
	}
}

func TestResolveKeepsTypesApart(t *testing.T) {
	r, _ := newTestResolver()

	entities, err := r.Resolve(context.Background(), []*EntityRecord{
		record(EntityPerson, map[string]string{"name": "jordan avery"}),
		{RecordID: "rec_v", Type: EntityVehicle, Attributes: map[string]string{"plate": "JORDAN"}},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("got %d entities, want one per type", len(entities))
	}
	if entities[0].Type == entities[1].Type {
		t.Errorf("types collapsed: %s and %s", entities[0].Type, entities[1].Type)
	}
}

func TestResolveFillsCanonicalGapsFromMembers(t *testing.T) {
	r, _ := newTestResolver()

	seed := &EntityRecord{
		RecordID: "rec_1", EventID: "evt_1", Type: EntityVehicle,
		Attributes: map[string]string{"plate": "ABC-1234", "color": "silver"},
	}
	absorbed := &EntityRecord{
		RecordID: "rec_2", EventID: "evt_2", Type: EntityVehicle,
		Attributes: map[string]string{"plate": "ABC-1234", "color": "gray", "make": "honda"},
	}

	entities, err := r.Resolve(context.Background(), []*EntityRecord{seed, absorbed})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	canon := entities[0].Canonical
	if canon["color"] != "silver" {
		t.Errorf("seed value lost: color = %q", canon["color"])
	}
	if canon["make"] != "honda" {
		t.Errorf("gap not filled: make = %q", canon["make"])
	}
}
