package dispatch

import (
	"github.com/Mindburn-Labs/vigil/pkg/config"
	"github.com/Mindburn-Labs/vigil/pkg/fault"
	"github.com/Mindburn-Labs/vigil/pkg/geo"
)

// ReasonEnvelopeViolation is the failure reason for commands outside the
// operating envelope.
const ReasonEnvelopeViolation = "envelope_violation"

// Envelope bounds what motion commands may ask of an airframe: an altitude
// band, a speed ceiling, and optionally a geofence polygon. Both altitude
// bounds and the polygon boundary are inclusive.
type Envelope struct {
	MinAltitudeM float64
	MaxAltitudeM float64
	MaxSpeedMps  float64
	Geofence     geo.Polygon // nil means geofencing disabled
}

// EnvelopeFromConfig builds the envelope, attaching the geofence polygon
// only when geofencing is enabled and the polygon has enough vertices to
// enclose anything.
func EnvelopeFromConfig(cfg config.DispatchConfig) *Envelope {
	env := &Envelope{
		MinAltitudeM: cfg.MinAltitudeM,
		MaxAltitudeM: cfg.MaxAltitudeM,
		MaxSpeedMps:  cfg.MaxSpeedMps,
	}
	if cfg.GeofenceEnabled && len(cfg.GeofenceVertices) >= 3 {
		poly := make(geo.Polygon, len(cfg.GeofenceVertices))
		for i, v := range cfg.GeofenceVertices {
			poly[i] = geo.Point{Lat: v[0], Lon: v[1]}
		}
		env.Geofence = poly
	}
	return env
}

// Check validates a motion command against the envelope. Non-motion
// commands always pass. A zero altitude or speed means "not specified" and
// is left for the actuator's own defaults.
func (e *Envelope) Check(cmd *Command) error {
	if e == nil || !cmd.Type.Motion() {
		return nil
	}

	p := cmd.Params
	if p.AltitudeM != 0 && (p.AltitudeM < e.MinAltitudeM || p.AltitudeM > e.MaxAltitudeM) {
		return fault.New(fault.Validation, "dispatch.envelope",
			"%s: altitude %.1fm outside [%.1f, %.1f]", ReasonEnvelopeViolation,
			p.AltitudeM, e.MinAltitudeM, e.MaxAltitudeM)
	}
	if p.SpeedMps != 0 && p.SpeedMps > e.MaxSpeedMps {
		return fault.New(fault.Validation, "dispatch.envelope",
			"%s: speed %.1fm/s exceeds %.1f", ReasonEnvelopeViolation,
			p.SpeedMps, e.MaxSpeedMps)
	}
	if e.Geofence != nil && p.Target != nil && !e.Geofence.Contains(*p.Target) {
		return fault.New(fault.Validation, "dispatch.envelope",
			"%s: target (%.5f, %.5f) outside geofence", ReasonEnvelopeViolation,
			p.Target.Lat, p.Target.Lon)
	}
	return nil
}
