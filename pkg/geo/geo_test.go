package geo

import (
	"math"
	"testing"
)

func TestDistanceMeters_CloseSensors(t *testing.T) {
	// The gunshot/LPR pair used across the fusion tests: roughly 30 m apart.
	gunshot := Point{Lat: 26.7000, Lon: -80.0500}
	lpr := Point{Lat: 26.7002, Lon: -80.0498}

	d := DistanceMeters(gunshot, lpr)
	if d < 20 || d > 40 {
		t.Fatalf("expected ~30m, got %.1fm", d)
	}
}

func TestDistanceMeters_ZeroForSamePoint(t *testing.T) {
	p := Point{Lat: 26.7, Lon: -80.05}
	if d := DistanceMeters(p, p); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestBearingAndCardinal(t *testing.T) {
	origin := Point{Lat: 26.7000, Lon: -80.0500}

	cases := []struct {
		to   Point
		want string
	}{
		{Point{Lat: 26.7100, Lon: -80.0500}, "N"},
		{Point{Lat: 26.7000, Lon: -80.0400}, "E"},
		{Point{Lat: 26.6900, Lon: -80.0500}, "S"},
		{Point{Lat: 26.7000, Lon: -80.0600}, "W"},
	}
	for _, c := range cases {
		if got := Cardinal(BearingDegrees(origin, c.to)); got != c.want {
			t.Errorf("direction to %+v = %s, want %s", c.to, got, c.want)
		}
	}
}

func TestCardinal_Wraparound(t *testing.T) {
	if got := Cardinal(359.0); got != "N" {
		t.Errorf("359 degrees should read N, got %s", got)
	}
	if got := Cardinal(22.4); got != "N" {
		t.Errorf("22.4 degrees should read N, got %s", got)
	}
	if got := Cardinal(22.6); got != "NE" {
		t.Errorf("22.6 degrees should read NE, got %s", got)
	}
}

var square = Polygon{
	{Lat: 26.70, Lon: -80.06},
	{Lat: 26.70, Lon: -80.04},
	{Lat: 26.72, Lon: -80.04},
	{Lat: 26.72, Lon: -80.06},
}

func TestPolygonContains_Interior(t *testing.T) {
	if !square.Contains(Point{Lat: 26.71, Lon: -80.05}) {
		t.Fatal("center of square must be inside")
	}
}

func TestPolygonContains_Outside(t *testing.T) {
	if square.Contains(Point{Lat: 26.75, Lon: -80.05}) {
		t.Fatal("point north of square must be outside")
	}
}

func TestPolygonContains_BoundaryIsInside(t *testing.T) {
	// Edge midpoint.
	if !square.Contains(Point{Lat: 26.70, Lon: -80.05}) {
		t.Fatal("point on edge must count as inside")
	}
	// Vertex.
	if !square.Contains(Point{Lat: 26.70, Lon: -80.06}) {
		t.Fatal("vertex must count as inside")
	}
}

func TestPolygonContains_DegeneratePolygon(t *testing.T) {
	line := Polygon{{Lat: 0, Lon: 0}, {Lat: 1, Lon: 1}}
	if line.Contains(Point{Lat: 0.5, Lon: 0.5}) {
		t.Fatal("two-vertex polygon contains nothing")
	}
}

func TestCentroid(t *testing.T) {
	c := Centroid([]Point{{Lat: 26.70, Lon: -80.05}, {Lat: 26.72, Lon: -80.03}})
	if math.Abs(c.Lat-26.71) > 1e-9 || math.Abs(c.Lon-(-80.04)) > 1e-9 {
		t.Fatalf("unexpected centroid %+v", c)
	}
}
