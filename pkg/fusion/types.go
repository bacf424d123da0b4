// Package fusion turns the raw event stream into resolved entities, fused
// multi-source incidents, and anomaly alerts. Entity resolution clusters
// near-duplicate observations with per-type weighted similarity; correlation
// joins events across sources inside a rule's time window and radius;
// anomaly detection scores zone activity against rolling baselines.
package fusion

import (
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/event"
	"github.com/Mindburn-Labs/vigil/pkg/geo"
)

// EntityType classifies the records the resolver clusters.
type EntityType string

const (
	EntityPerson   EntityType = "person"
	EntityVehicle  EntityType = "vehicle"
	EntityIncident EntityType = "incident"
	EntityAddress  EntityType = "address"
	EntityGeneric  EntityType = "generic"
)

// ParseEntityType maps a free-form tag onto a known type; anything
// unrecognized resolves as generic.
func ParseEntityType(s string) EntityType {
	switch t := EntityType(s); t {
	case EntityPerson, EntityVehicle, EntityIncident, EntityAddress:
		return t
	default:
		return EntityGeneric
	}
}

// Band labels match strength for analyst triage.
type Band string

const (
	BandHigh   Band = "high"
	BandMedium Band = "medium"
	BandLow    Band = "low"
)

// BandFor grades a similarity score against the configured high and medium
// cutoffs. Everything below medium is low, including scores that still
// cleared the match threshold.
func BandFor(score, high, medium float64) Band {
	switch {
	case score >= high:
		return BandHigh
	case score >= medium:
		return BandMedium
	default:
		return BandLow
	}
}

// Severity grades fused events and anomalies.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// MaxSeverity returns the higher-graded of two severities.
func MaxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// EntityRecord is one pre-resolution observation, extracted from a raw
// event's payload. Attribute keys are normalized snake_case names; values
// are compared by the per-type similarity scorers.
type EntityRecord struct {
	RecordID   string            `json:"record_id"`
	Type       EntityType        `json:"type"`
	Attributes map[string]string `json:"attributes"`
	EventID    string            `json:"event_id,omitempty"`
	ObservedAt time.Time         `json:"observed_at"`
}

// MergeCandidate is a record absorbed into a cluster, kept with the score
// that absorbed it so every merge decision can be audited later.
type MergeCandidate struct {
	RecordID string  `json:"record_id"`
	Score    float64 `json:"score"`
	Band     Band    `json:"band"`
}

// ResolvedEntity is the canonical record for a cluster of observations.
// EntityID is stable across merges: when two entities merge, the surviving
// id keeps the record and the absorbed id joins AliasSet. Confidence is 1.0
// for a solo entity and the maximum pairwise similarity for a cluster.
type ResolvedEntity struct {
	EntityID        string            `json:"entity_id"`
	Type            EntityType        `json:"type"`
	Canonical       map[string]string `json:"canonical_attributes"`
	AliasSet        []string          `json:"alias_set,omitempty"`
	MergeCandidates []MergeCandidate  `json:"merge_candidates,omitempty"`
	Confidence      float64           `json:"confidence"`
	SourceIDs       []string          `json:"source_ids,omitempty"`
	FirstSeen       time.Time         `json:"first_seen"`
	LastSeen        time.Time         `json:"last_seen"`
}

// HasAlias reports whether id is the entity's own id or a known alias.
func (e *ResolvedEntity) HasAlias(id string) bool {
	if id == e.EntityID {
		return true
	}
	for _, a := range e.AliasSet {
		if a == id {
			return true
		}
	}
	return false
}

// FusedEvent is a multi-source incident produced by the correlation rules.
// Sources only grows, and Confidence never decreases while it does.
type FusedEvent struct {
	FusionID        string      `json:"fusion_id"`
	CorrelationKind string      `json:"correlation_kind"`
	Sources         []event.Ref `json:"sources"`
	Center          geo.Point   `json:"center_location"`
	RadiusM         float64     `json:"radius_m"`
	Confidence      float64     `json:"confidence"`
	Severity        Severity    `json:"severity"`
	Verified        bool        `json:"verified"`
	IncidentID      string      `json:"incident_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// HasSource reports whether the fusion already references the event.
func (f *FusedEvent) HasSource(eventID string) bool {
	for _, ref := range f.Sources {
		if ref.EventID == eventID {
			return true
		}
	}
	return false
}

// sourceSet returns the distinct source classes composing the fusion.
func (f *FusedEvent) sourceSet() map[event.Source]struct{} {
	set := make(map[event.Source]struct{}, len(f.Sources))
	for _, ref := range f.Sources {
		set[ref.Source] = struct{}{}
	}
	return set
}

// Anomaly is one observation that cleared its baseline threshold.
type Anomaly struct {
	Zone       string    `json:"zone"`
	HourOfWeek int       `json:"hour_of_week"`
	Observed   float64   `json:"observed"`
	Mean       float64   `json:"mean"`
	StdDev     float64   `json:"std_dev"`
	Threshold  float64   `json:"threshold"`
	Severity   Severity  `json:"severity"`
	DetectedAt time.Time `json:"detected_at"`
}
