package fusion

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/vigil/pkg/config"
	"github.com/Mindburn-Labs/vigil/pkg/event"
	"github.com/Mindburn-Labs/vigil/pkg/geo"
	"github.com/Mindburn-Labs/vigil/pkg/store"
)

// Correlation kinds derived from source composition. SensorLPR is the
// acoustic-sensor-plus-plate-read pairing that localizes a shooter's
// vehicle.
const (
	KindSensorLPR       = "sensor_lpr"
	KindGunshotIncident = "gunshot_incident"
	KindEmergencyAlert  = "emergency_alert"
	KindCrowdHazard     = "crowd_hazard"
	KindVehicleIncident = "vehicle_incident"
	KindMultiSource     = "multi_source_incident"
)

// Correlator maintains the live fusion set. Events are folded in one at a
// time; each arrival either extends a fusion already referencing a matched
// source or creates a new one.
type Correlator struct {
	mu      sync.Mutex
	events  store.EventStore
	rules   []Rule
	cfg     config.FusionConfig
	fusions map[string]*FusedEvent
	byEvent map[string]string // source event id -> fusion id
	clock   func() time.Time
}

func NewCorrelator(events store.EventStore, rules []Rule, cfg config.FusionConfig) *Correlator {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Correlator{
		events:  events,
		rules:   rules,
		cfg:     cfg,
		fusions: make(map[string]*FusedEvent),
		byEvent: make(map[string]string),
		clock:   time.Now,
	}
}

// WithClock overrides the time source for tests.
func (c *Correlator) WithClock(clock func() time.Time) *Correlator {
	c.clock = clock
	return c
}

// Update is one correlation outcome for an arriving event.
type Update struct {
	Fusion  *FusedEvent
	Created bool
}

// Correlate folds an accepted event into the live fusion set and returns
// the fusions it created or extended, at most one per rule. Feeding the
// same event again matches the same fusions and changes nothing.
func (c *Correlator) Correlate(ctx context.Context, ev *event.RawEvent) ([]Update, error) {
	if ev.Location == nil {
		// Correlation is spatial; location-less events only feed entity
		// resolution and anomaly scoring.
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var updates []Update
	for i := range c.rules {
		rule := &c.rules[i]
		if !rule.eligible(ev.Source) {
			continue
		}
		matched, err := c.scan(ctx, rule, ev)
		if err != nil {
			return updates, err
		}
		if len(matched) < rule.MinSources {
			continue
		}
		if update := c.apply(rule, matched); update != nil {
			updates = append(updates, *update)
		}
	}
	return updates, nil
}

// scan returns ev plus stored events of the rule's other eligible classes
// within the rule window and radius, oldest first.
func (c *Correlator) scan(ctx context.Context, rule *Rule, ev *event.RawEvent) ([]*event.RawEvent, error) {
	window := time.Duration(rule.WindowSec) * time.Second
	others, err := c.events.Window(ctx, ev.Timestamp.Add(-window), ev.Timestamp.Add(window))
	if err != nil {
		return nil, err
	}

	matched := []*event.RawEvent{ev}
	origin := ev.Location.Point()
	for _, cand := range others {
		if cand.EventID == ev.EventID || cand.Source == ev.Source {
			continue
		}
		if !rule.eligible(cand.Source) || cand.Location == nil {
			continue
		}
		if geo.DistanceMeters(origin, cand.Location.Point()) > rule.RadiusM {
			continue
		}
		matched = append(matched, cand)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.Before(matched[j].Timestamp) })
	return matched, nil
}

// apply extends the first fusion overlapping a matched source, or creates a
// new fusion when none overlaps.
func (c *Correlator) apply(rule *Rule, matched []*event.RawEvent) *Update {
	now := c.clock().UTC()

	for _, m := range matched {
		if fid, ok := c.byEvent[m.EventID]; ok {
			f := c.fusions[fid]
			if f == nil {
				continue
			}
			if c.extend(f, rule, matched, now) {
				return &Update{Fusion: f.snapshot()}
			}
			return nil
		}
	}

	f := &FusedEvent{
		FusionID:   "fus_" + uuid.NewString(),
		Sources:    refsOf(matched),
		Confidence: creationConfidence(rule, matched),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if f.Confidence < c.cfg.MinConfidence {
		return nil
	}
	f.CorrelationKind, f.Severity = classify(f.sourceSet())
	f.Center, f.RadiusM = extentOf(f.Sources)
	f.Verified = f.Confidence >= c.cfg.AutoVerifyThreshold

	c.fusions[f.FusionID] = f
	for _, ref := range f.Sources {
		c.byEvent[ref.EventID] = f.FusionID
	}
	return &Update{Fusion: f.snapshot(), Created: true}
}

// extend adds the unseen matched sources and applies the rule boost.
// Confidence never decreases, severity never downgrades, and a fusion that
// crossed the auto-verify gate stays verified. Reports whether anything new
// was absorbed.
func (c *Correlator) extend(f *FusedEvent, rule *Rule, matched []*event.RawEvent, now time.Time) bool {
	added := false
	for _, m := range matched {
		if f.HasSource(m.EventID) {
			continue
		}
		f.Sources = append(f.Sources, m.AsRef())
		c.byEvent[m.EventID] = f.FusionID
		added = true
	}
	if !added {
		return false
	}

	f.Confidence = clamp01(f.Confidence + rule.Boost)
	kind, severity := classify(f.sourceSet())
	f.CorrelationKind = kind
	f.Severity = MaxSeverity(f.Severity, severity)
	f.Center, f.RadiusM = extentOf(f.Sources)
	f.UpdatedAt = now
	if f.Confidence >= c.cfg.AutoVerifyThreshold {
		f.Verified = true
	}
	return true
}

// creationConfidence: mean source confidence scaled by half, plus the rule
// boost, plus 0.1 for every source beyond the second, clamped to [0,1].
func creationConfidence(rule *Rule, matched []*event.RawEvent) float64 {
	var sum float64
	for _, m := range matched {
		sum += m.Confidence
	}
	mean := sum / float64(len(matched))
	return clamp01(mean*0.5 + rule.Boost + 0.1*float64(len(matched)-2))
}

// classify derives the correlation kind and base severity from the source
// composition.
func classify(sources map[event.Source]struct{}) (string, Severity) {
	_, gunshot := sources[event.SourceGunshot]
	_, beacon := sources[event.SourcePanic]
	_, crowd := sources[event.SourceCrowd]
	_, environmental := sources[event.SourceEnvironmental]
	_, lpr := sources[event.SourceLPR]
	switch {
	case gunshot && lpr:
		return KindSensorLPR, SeverityHigh
	case gunshot:
		return KindGunshotIncident, SeverityCritical
	case beacon:
		return KindEmergencyAlert, SeverityCritical
	case crowd && environmental:
		return KindCrowdHazard, SeverityHigh
	case lpr && len(sources) == 1:
		return KindVehicleIncident, SeverityMedium
	default:
		return KindMultiSource, SeverityMedium
	}
}

// extentOf recomputes the centroid and spread radius from the sources that
// carry locations.
func extentOf(refs []event.Ref) (geo.Point, float64) {
	var pts []geo.Point
	for _, ref := range refs {
		if ref.Location != nil {
			pts = append(pts, ref.Location.Point())
		}
	}
	if len(pts) == 0 {
		return geo.Point{}, 0
	}
	center := geo.Centroid(pts)
	var radius float64
	for _, p := range pts {
		if d := geo.DistanceMeters(center, p); d > radius {
			radius = d
		}
	}
	return center, radius
}

func refsOf(events []*event.RawEvent) []event.Ref {
	refs := make([]event.Ref, len(events))
	for i, ev := range events {
		refs[i] = ev.AsRef()
	}
	return refs
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// snapshot copies the fusion so callers read a stable view while the
// correlator keeps mutating its own record.
func (f *FusedEvent) snapshot() *FusedEvent {
	cp := *f
	cp.Sources = append([]event.Ref(nil), f.Sources...)
	return &cp
}

// Get returns a copy of the fusion.
func (c *Correlator) Get(fusionID string) (*FusedEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.fusions[fusionID]
	if !ok {
		return nil, false
	}
	return f.snapshot(), true
}

// Active returns live fusions, most recently updated first.
func (c *Correlator) Active() []*FusedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*FusedEvent, 0, len(c.fusions))
	for _, f := range c.fusions {
		out = append(out, f.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].FusionID < out[j].FusionID
	})
	return out
}

// Verify marks a fusion operator-verified. Verification never reverts.
func (c *Correlator) Verify(fusionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.fusions[fusionID]
	if !ok {
		return false
	}
	f.Verified = true
	f.UpdatedAt = c.clock().UTC()
	return true
}

// AttachIncident links the incident a fusion escalated into.
func (c *Correlator) AttachIncident(fusionID, incidentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.fusions[fusionID]
	if !ok {
		return false
	}
	f.IncidentID = incidentID
	f.UpdatedAt = c.clock().UTC()
	return true
}

// Prune drops fusions not updated since cutoff and releases their source
// index entries.
func (c *Correlator) Prune(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, f := range c.fusions {
		if !f.UpdatedAt.Before(cutoff) {
			continue
		}
		for _, ref := range f.Sources {
			if c.byEvent[ref.EventID] == id {
				delete(c.byEvent, ref.EventID)
			}
		}
		delete(c.fusions, id)
		removed++
	}
	return removed
}
