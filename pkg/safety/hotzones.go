package safety

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/vigil/pkg/geo"
)

// hotzoneDoc is the YAML shape: boundary vertices come in as [lat, lon]
// pairs.
type hotzoneDoc struct {
	ZoneID   string       `yaml:"zone_id"`
	Name     string       `yaml:"name"`
	Level    ThreatLevel  `yaml:"risk_level"`
	Note     string       `yaml:"note"`
	Boundary [][2]float64 `yaml:"boundary"`
}

// LoadHotzones reads a hotzone table from YAML. Zones need a unique id,
// at least three boundary vertices, and a known risk level (omitted
// defaults to medium).
func LoadHotzones(path string) ([]Hotzone, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hotzones: %w", err)
	}
	var doc struct {
		Hotzones []hotzoneDoc `yaml:"hotzones"`
	}
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse hotzones: %w", err)
	}

	seen := make(map[string]bool, len(doc.Hotzones))
	zones := make([]Hotzone, 0, len(doc.Hotzones))
	for _, z := range doc.Hotzones {
		if z.ZoneID == "" {
			return nil, fmt.Errorf("hotzones: zone missing zone_id")
		}
		if seen[z.ZoneID] {
			return nil, fmt.Errorf("hotzones: duplicate zone_id %q", z.ZoneID)
		}
		seen[z.ZoneID] = true
		if len(z.Boundary) < 3 {
			return nil, fmt.Errorf("hotzones: %s boundary has fewer than 3 vertices", z.ZoneID)
		}
		level := z.Level
		if level == "" {
			level = LevelMedium
		}
		if !KnownLevel(level) {
			return nil, fmt.Errorf("hotzones: %s has unknown risk_level %q", z.ZoneID, z.Level)
		}
		boundary := make(geo.Polygon, len(z.Boundary))
		for i, v := range z.Boundary {
			boundary[i] = geo.Point{Lat: v[0], Lon: v[1]}
		}
		zones = append(zones, Hotzone{
			ZoneID:   z.ZoneID,
			Name:     z.Name,
			Level:    level,
			Boundary: boundary,
			Note:     z.Note,
		})
	}
	return zones, nil
}
