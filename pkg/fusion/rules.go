package fusion

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/vigil/pkg/event"
)

// Rule joins events across source classes inside a time window and radius.
// An arriving event matches a rule when its source is eligible; the rule
// then scans for events of the other eligible classes near it.
type Rule struct {
	Name       string         `yaml:"name" json:"name"`
	Sources    []event.Source `yaml:"sources" json:"sources"`
	WindowSec  int            `yaml:"window_sec" json:"window_sec"`
	RadiusM    float64        `yaml:"radius_m" json:"radius_m"`
	MinSources int            `yaml:"min_sources" json:"min_sources"`
	Boost      float64        `yaml:"boost" json:"boost"`
}

// Normalize applies rule defaults: 60s window, 500m radius, two sources
// minimum, non-negative boost.
func (r *Rule) Normalize() {
	if r.WindowSec <= 0 {
		r.WindowSec = 60
	}
	if r.RadiusM <= 0 {
		r.RadiusM = 500
	}
	if r.MinSources < 2 {
		r.MinSources = 2
	}
	if r.Boost < 0 {
		r.Boost = 0
	}
}

func (r *Rule) eligible(s event.Source) bool {
	for _, src := range r.Sources {
		if src == s {
			return true
		}
	}
	return false
}

// DefaultRules is the correlation set a center starts with before loading
// its own.
func DefaultRules() []Rule {
	rules := []Rule{
		{Name: "gunshot_multi", Sources: []event.Source{event.SourceGunshot, event.SourceSensor, event.SourceBWC}, Boost: 0.2},
		{Name: "panic_context", Sources: []event.Source{event.SourcePanic, event.SourceCAD, event.SourceBWC, event.SourceVitals}, Boost: 0.3},
		{Name: "sensor_lpr", Sources: []event.Source{event.SourceGunshot, event.SourceSensor, event.SourceLPR}, Boost: 0.25},
		{Name: "crowd_environmental", Sources: []event.Source{event.SourceCrowd, event.SourceEnvironmental}, Boost: 0.15},
		{Name: "cad_transcript", Sources: []event.Source{event.SourceCAD, event.SourceTranscript}, Boost: 0.2},
	}
	for i := range rules {
		rules[i].Normalize()
	}
	return rules
}

// LoadRules reads a YAML rule list. Every loaded rule is normalized; a rule
// with fewer than two source classes is rejected because it could never
// correlate anything.
func LoadRules(path string) ([]Rule, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fusion rules: %w", err)
	}
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse fusion rules: %w", err)
	}
	for i := range doc.Rules {
		if len(doc.Rules[i].Sources) < 2 {
			return nil, fmt.Errorf("fusion rule %q needs at least two source classes", doc.Rules[i].Name)
		}
		doc.Rules[i].Normalize()
	}
	return doc.Rules, nil
}
