package fusion

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/vigil/pkg/config"
)

// resolverScanLimit caps how many stored entities a cluster seed is scored
// against, most recently seen first, so active entities stay mergeable
// without rescanning the whole population.
const resolverScanLimit = 256

// Resolver clusters same-type records and folds the clusters into the
// canonical entity store.
type Resolver struct {
	store EntityStore
	cfg   config.FusionConfig
	clock func() time.Time
}

func NewResolver(store EntityStore, cfg config.FusionConfig) *Resolver {
	return &Resolver{store: store, cfg: cfg, clock: time.Now}
}

// WithClock overrides the time source for tests.
func (r *Resolver) WithClock(clock func() time.Time) *Resolver {
	r.clock = clock
	return r
}

// Resolve runs one greedy single-pass clustering over the batch, reconciles
// each cluster against stored entities, and returns the canonical entities
// the batch landed in. Running the same batch again lands in the same
// entities and creates nothing new.
func (r *Resolver) Resolve(ctx context.Context, records []*EntityRecord) ([]*ResolvedEntity, error) {
	byType := make(map[EntityType][]*EntityRecord)
	var typeOrder []EntityType
	for _, rec := range records {
		if _, ok := byType[rec.Type]; !ok {
			typeOrder = append(typeOrder, rec.Type)
		}
		byType[rec.Type] = append(byType[rec.Type], rec)
	}

	var out []*ResolvedEntity
	seen := make(map[string]bool)
	for _, t := range typeOrder {
		for _, cl := range r.clusterPass(byType[t]) {
			entity, err := r.reconcile(ctx, cl)
			if err != nil {
				return nil, err
			}
			if !seen[entity.EntityID] {
				seen[entity.EntityID] = true
				out = append(out, entity)
			}
		}
	}
	return out, nil
}

// cluster is one seed and the records it absorbed.
type cluster struct {
	seed       *EntityRecord
	members    []*EntityRecord
	candidates []MergeCandidate
	maxScore   float64
}

// clusterPass is the greedy pass: the first unabsorbed record seeds a
// cluster and absorbs every later record meeting the threshold. Absorbed
// records never seed.
func (r *Resolver) clusterPass(group []*EntityRecord) []*cluster {
	absorbed := make([]bool, len(group))
	var clusters []*cluster
	for i, seed := range group {
		if absorbed[i] {
			continue
		}
		cl := &cluster{seed: seed, members: []*EntityRecord{seed}}
		for j := i + 1; j < len(group); j++ {
			if absorbed[j] {
				continue
			}
			score := Similarity(seed, group[j])
			if score < r.cfg.SimilarityThreshold {
				continue
			}
			absorbed[j] = true
			cl.members = append(cl.members, group[j])
			cl.candidates = append(cl.candidates, MergeCandidate{
				RecordID: group[j].RecordID,
				Score:    score,
				Band:     r.band(score),
			})
			if score > cl.maxScore {
				cl.maxScore = score
			}
		}
		clusters = append(clusters, cl)
	}
	return clusters
}

func (r *Resolver) band(score float64) Band {
	return BandFor(score, r.cfg.HighConfidenceThreshold, r.cfg.MediumConfidenceThreshold)
}

// reconcile lands a cluster in the store: into the best-matching stored
// entity when one clears the threshold (absorbing any further matching
// entities under its id), otherwise as a new entity.
func (r *Resolver) reconcile(ctx context.Context, cl *cluster) (*ResolvedEntity, error) {
	now := r.clock().UTC()

	stored, err := r.store.ByType(ctx, cl.seed.Type, resolverScanLimit)
	if err != nil {
		return nil, err
	}

	type match struct {
		entity *ResolvedEntity
		score  float64
		replay bool
	}
	var matches []match
	for _, e := range stored {
		if e.HasAlias(cl.seed.RecordID) || hasSourceID(e, cl.members) {
			// The batch replayed an observation this entity already
			// absorbed; land in it without rescoring.
			matches = append(matches, match{entity: e, replay: true})
			continue
		}
		score := Similarity(cl.seed, &EntityRecord{Type: e.Type, Attributes: e.Canonical})
		if score >= r.cfg.SimilarityThreshold {
			matches = append(matches, match{entity: e, score: score})
		}
	}

	if len(matches) == 0 {
		entity := &ResolvedEntity{
			EntityID:        "ent_" + uuid.NewString(),
			Type:            cl.seed.Type,
			Canonical:       mergedAttributes(nil, cl.members),
			MergeCandidates: cl.candidates,
			Confidence:      clusterConfidence(len(cl.members), cl.maxScore),
			SourceIDs:       sourceIDsOf(cl.members),
			FirstSeen:       now,
			LastSeen:        now,
		}
		return entity, r.store.Upsert(ctx, entity)
	}

	// Replayed observations rank ahead of fresh similarity matches, then
	// higher scores win.
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].replay != matches[j].replay {
			return matches[i].replay
		}
		return matches[i].score > matches[j].score
	})
	survivor := matches[0].entity

	merged := &ResolvedEntity{
		EntityID:        survivor.EntityID,
		Type:            survivor.Type,
		Canonical:       mergedAttributes(survivor.Canonical, cl.members),
		AliasSet:        append([]string(nil), survivor.AliasSet...),
		MergeCandidates: appendCandidates(append([]MergeCandidate(nil), survivor.MergeCandidates...), cl.candidates),
		SourceIDs:       appendMissing(survivor.SourceIDs, sourceIDsOf(cl.members)),
		FirstSeen:       survivor.FirstSeen,
		LastSeen:        now,
	}

	// Pairwise scores feeding the cluster-confidence maximum. A solo
	// entity's 1.0 is a default, not a similarity, so it never counts;
	// neither does a replay, which adds no new pair.
	scores := []float64{cl.maxScore}
	if isCluster(survivor) {
		scores = append(scores, survivor.Confidence)
	}
	if !matches[0].replay {
		scores = append(scores, matches[0].score)
	}

	// Any further matching entities merge under the survivor's id.
	for _, m := range matches[1:] {
		absorbedEntity := m.entity
		merged.AliasSet = appendMissing(merged.AliasSet, append([]string{absorbedEntity.EntityID}, absorbedEntity.AliasSet...))
		merged.Canonical = fillMissing(merged.Canonical, absorbedEntity.Canonical)
		merged.SourceIDs = appendMissing(merged.SourceIDs, absorbedEntity.SourceIDs)
		merged.MergeCandidates = appendCandidates(merged.MergeCandidates, []MergeCandidate{{
			RecordID: absorbedEntity.EntityID,
			Score:    m.score,
			Band:     r.band(m.score),
		}})
		if !m.replay {
			scores = append(scores, m.score)
		}
		if isCluster(absorbedEntity) {
			scores = append(scores, absorbedEntity.Confidence)
		}
		if absorbedEntity.FirstSeen.Before(merged.FirstSeen) {
			merged.FirstSeen = absorbedEntity.FirstSeen
		}
	}

	merged.Confidence = maxScore(scores)
	if !isCluster(merged) {
		merged.Confidence = 1.0
	}

	return merged, r.store.Upsert(ctx, merged)
}

// clusterConfidence: 1.0 for a solo entity, maximum pairwise similarity for
// a matched cluster.
func clusterConfidence(memberCount int, maxScore float64) float64 {
	if memberCount <= 1 {
		return 1.0
	}
	return maxScore
}

func isCluster(e *ResolvedEntity) bool {
	return len(e.SourceIDs) > 1 || len(e.MergeCandidates) > 0
}

// mergedAttributes copies base, then fills gaps from members in order. The
// seed comes first, so its values win.
func mergedAttributes(base map[string]string, members []*EntityRecord) map[string]string {
	out := make(map[string]string, len(base))
	for k, v := range base {
		out[k] = v
	}
	for _, m := range members {
		out = fillMissing(out, m.Attributes)
	}
	return out
}

func fillMissing(dst, src map[string]string) map[string]string {
	for k, v := range src {
		if v == "" {
			continue
		}
		if _, ok := dst[k]; !ok || dst[k] == "" {
			dst[k] = v
		}
	}
	return dst
}

func sourceIDsOf(members []*EntityRecord) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		id := m.EventID
		if id == "" {
			id = m.RecordID
		}
		out = append(out, id)
	}
	return out
}

func appendMissing(dst []string, items []string) []string {
	known := make(map[string]struct{}, len(dst))
	for _, s := range dst {
		known[s] = struct{}{}
	}
	for _, s := range items {
		if _, ok := known[s]; !ok {
			known[s] = struct{}{}
			dst = append(dst, s)
		}
	}
	return dst
}

func appendCandidates(dst []MergeCandidate, items []MergeCandidate) []MergeCandidate {
	known := make(map[string]struct{}, len(dst))
	for _, c := range dst {
		known[c.RecordID] = struct{}{}
	}
	for _, c := range items {
		if _, ok := known[c.RecordID]; !ok {
			known[c.RecordID] = struct{}{}
			dst = append(dst, c)
		}
	}
	return dst
}

func hasSourceID(e *ResolvedEntity, members []*EntityRecord) bool {
	for _, m := range members {
		for _, id := range e.SourceIDs {
			if (m.EventID != "" && id == m.EventID) || (m.RecordID != "" && id == m.RecordID) {
				return true
			}
		}
	}
	return false
}

func maxScore(scores []float64) float64 {
	best := 0.0
	for _, s := range scores {
		if s > best {
			best = s
		}
	}
	return best
}
