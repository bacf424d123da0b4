// Package event defines the normalized raw-event envelope every source
// produces and every engine consumes. The envelope is a discriminated
// union: Kind selects the payload variant, and consumers pattern-match on
// the concrete type. Vendor fields outside the normalized shape ride in
// Attributes without interpretation.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/fault"
	"github.com/Mindburn-Labs/vigil/pkg/geo"
)

// Source identifies the producing system class.
type Source string

const (
	SourceCAD           Source = "cad"
	SourceLPR           Source = "lpr"
	SourceGunshot       Source = "gunshot"
	SourceBWC           Source = "bwc"
	SourceSensor        Source = "sensor"
	SourcePanic         Source = "panic"
	SourceEnvironmental Source = "environmental"
	SourceCrowd         Source = "crowd"
	SourceVitals        Source = "vitals"
	SourceTranscript    Source = "transcript"
)

var knownSources = map[Source]struct{}{
	SourceCAD: {}, SourceLPR: {}, SourceGunshot: {}, SourceBWC: {},
	SourceSensor: {}, SourcePanic: {}, SourceEnvironmental: {},
	SourceCrowd: {}, SourceVitals: {}, SourceTranscript: {},
}

// KnownSource reports whether s is an accepted source.
func KnownSource(s Source) bool {
	_, ok := knownSources[s]
	return ok
}

// DefaultKind returns the event kind a source produces when the sender
// does not name one.
func DefaultKind(s Source) string {
	switch s {
	case SourceCAD:
		return "call_created"
	case SourceLPR:
		return "plate_read"
	case SourceGunshot:
		return "gunshot_detected"
	case SourceBWC:
		return "bwc_activated"
	case SourceSensor:
		return "sensor_reading"
	case SourcePanic:
		return "panic_activated"
	case SourceEnvironmental:
		return "environmental_alert"
	case SourceCrowd:
		return "crowd_density"
	case SourceVitals:
		return "vitals_update"
	case SourceTranscript:
		return "transcript_keyword"
	default:
		return ""
	}
}

// Location is a reported position. Altitude is meters above ground and
// optional; most fixed sensors omit it.
type Location struct {
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Altitude *float64 `json:"altitude,omitempty"`
}

// Point projects the location onto the shared geodesic type.
func (l *Location) Point() geo.Point {
	if l == nil {
		return geo.Point{}
	}
	return geo.Point{Lat: l.Lat, Lon: l.Lon}
}

// RawEvent is immutable once accepted. Confidence defaults to 1.0 for
// sources that do not grade their own detections.
type RawEvent struct {
	EventID          string
	Source           Source
	Kind             string
	Timestamp        time.Time
	IngestTime       time.Time
	Location         *Location
	Confidence       float64
	Payload          Payload
	Attributes       map[string]interface{} // opaque vendor fields
	CorrelationHints []string
}

// envelope is the wire shape of a RawEvent.
type envelope struct {
	EventID          string          `json:"event_id,omitempty"`
	Source           Source          `json:"source"`
	Kind             string          `json:"kind,omitempty"`
	EventTime        time.Time       `json:"event_time"`
	IngestTime       time.Time       `json:"ingest_time,omitempty"`
	Location         *Location       `json:"location,omitempty"`
	Confidence       *float64        `json:"confidence,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	CorrelationHints []string        `json:"correlation_hints,omitempty"`
}

// MarshalJSON renders the normalized wire shape. Vendor attributes are
// folded back into the payload object so a stored event round-trips to the
// bytes-equivalent document it arrived as.
func (e *RawEvent) MarshalJSON() ([]byte, error) {
	payload := map[string]interface{}{}
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &payload); err != nil {
			return nil, err
		}
	}
	for k, v := range e.Attributes {
		if _, taken := payload[k]; !taken {
			payload[k] = v
		}
	}

	env := envelope{
		EventID:          e.EventID,
		Source:           e.Source,
		Kind:             e.Kind,
		EventTime:        e.Timestamp,
		IngestTime:       e.IngestTime,
		Location:         e.Location,
		CorrelationHints: e.CorrelationHints,
	}
	if e.Confidence > 0 {
		c := e.Confidence
		env.Confidence = &c
	}
	if len(payload) > 0 {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = b
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes the wire shape and selects the payload variant by
// kind (falling back to the source's default kind).
func (e *RawEvent) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	e.EventID = env.EventID
	e.Source = env.Source
	e.Kind = env.Kind
	if e.Kind == "" {
		e.Kind = DefaultKind(env.Source)
	}
	e.Timestamp = env.EventTime
	e.IngestTime = env.IngestTime
	e.Location = env.Location
	e.CorrelationHints = env.CorrelationHints
	if env.Confidence != nil {
		e.Confidence = *env.Confidence
	} else {
		e.Confidence = 1.0
	}

	payload, attrs, err := decodePayload(e.Source, env.Payload)
	if err != nil {
		return err
	}
	e.Payload = payload
	e.Attributes = attrs
	return nil
}

// Validate checks the accepted-event invariants. skewTolerance bounds how
// far an event's own timestamp may run ahead of its ingest time.
func (e *RawEvent) Validate(skewTolerance time.Duration) error {
	const op = "event.validate"
	if e.EventID == "" {
		return fault.New(fault.Validation, op, "event_id is required")
	}
	if !KnownSource(e.Source) {
		return fault.New(fault.Validation, op, "unknown source %q", e.Source)
	}
	if e.Timestamp.IsZero() {
		return fault.New(fault.Validation, op, "event_time is required")
	}
	if e.IngestTime.IsZero() {
		return fault.New(fault.Validation, op, "ingest_time is required")
	}
	if e.IngestTime.Before(e.Timestamp.Add(-skewTolerance)) {
		return fault.New(fault.Validation, op,
			"event_time %s runs ahead of ingest_time %s beyond tolerance",
			e.Timestamp.Format(time.RFC3339), e.IngestTime.Format(time.RFC3339))
	}
	if e.Location != nil {
		if e.Location.Lat < -90 || e.Location.Lat > 90 {
			return fault.New(fault.Validation, op, "latitude %f out of range", e.Location.Lat)
		}
		if e.Location.Lon < -180 || e.Location.Lon > 180 {
			return fault.New(fault.Validation, op, "longitude %f out of range", e.Location.Lon)
		}
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fault.New(fault.Validation, op, "confidence %f out of range", e.Confidence)
	}
	return nil
}

// Ref is a compact reference to a stored raw event; fused events carry
// these instead of owning their sources.
type Ref struct {
	EventID    string    `json:"event_id"`
	Source     Source    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
	Location   *Location `json:"location,omitempty"`
	Confidence float64   `json:"confidence"`
}

// AsRef projects the event into a reference.
func (e *RawEvent) AsRef() Ref {
	return Ref{
		EventID:    e.EventID,
		Source:     e.Source,
		Timestamp:  e.Timestamp,
		Location:   e.Location,
		Confidence: e.Confidence,
	}
}

func (e *RawEvent) String() string {
	return fmt.Sprintf("%s/%s %s", e.Source, e.Kind, e.EventID)
}
