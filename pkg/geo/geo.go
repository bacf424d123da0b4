// Package geo provides the geodesic primitives the fusion, dispatch, and
// officer-safety engines share: great-circle distance, bearings, and
// point-in-polygon tests for geofences and hotzones.
package geo

import "math"

const earthRadiusMeters = 6371000.0

// Point is a WGS-84 coordinate. Altitude is meters above ground where the
// producing sensor reports one; zero otherwise.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DistanceMeters returns the haversine great-circle distance between a and b.
func DistanceMeters(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// BearingDegrees returns the initial bearing from a to b in [0, 360).
func BearingDegrees(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

var cardinals = [8]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// Cardinal maps a bearing to the nearest 8-point compass direction.
// Officer warnings report threat direction in this form.
func Cardinal(bearingDeg float64) string {
	idx := int(math.Mod(bearingDeg+22.5, 360) / 45)
	return cardinals[idx]
}

// Centroid returns the arithmetic center of the points. Adequate for the
// sub-kilometer clusters fusion produces; not meridian-crossing safe.
func Centroid(pts []Point) Point {
	if len(pts) == 0 {
		return Point{}
	}
	var lat, lon float64
	for _, p := range pts {
		lat += p.Lat
		lon += p.Lon
	}
	n := float64(len(pts))
	return Point{Lat: lat / n, Lon: lon / n}
}

// Polygon is a closed ring of vertices. The last vertex is implicitly
// connected to the first; callers do not repeat it.
type Polygon []Point

// Contains reports whether p lies inside or on the boundary of the polygon.
// A point exactly on an edge or vertex counts as inside: a geofenced waypoint
// on the fence line is legal, and an officer standing on a hotzone border is
// in the zone.
func (poly Polygon) Contains(p Point) bool {
	n := len(poly)
	if n < 3 {
		return false
	}

	for i := 0; i < n; i++ {
		if onSegment(poly[i], poly[(i+1)%n], p) {
			return true
		}
	}

	// Ray casting on the planar lat/lon approximation.
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		pi, pj := poly[i], poly[j]
		if (pi.Lat > p.Lat) != (pj.Lat > p.Lat) {
			cross := (pj.Lon-pi.Lon)*(p.Lat-pi.Lat)/(pj.Lat-pi.Lat) + pi.Lon
			if p.Lon < cross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

const segmentEps = 1e-9

func onSegment(a, b, p Point) bool {
	cross := (b.Lat-a.Lat)*(p.Lon-a.Lon) - (b.Lon-a.Lon)*(p.Lat-a.Lat)
	if math.Abs(cross) > segmentEps {
		return false
	}
	if p.Lat < math.Min(a.Lat, b.Lat)-segmentEps || p.Lat > math.Max(a.Lat, b.Lat)+segmentEps {
		return false
	}
	if p.Lon < math.Min(a.Lon, b.Lon)-segmentEps || p.Lon > math.Max(a.Lon, b.Lon)+segmentEps {
		return false
	}
	return true
}
