package event

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/vigil/pkg/fault"
)

var testNow = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func gunshotBody(t *testing.T) []byte {
	t.Helper()
	return []byte(`{
		"event_id": "evt_gs_001",
		"source": "gunshot",
		"event_time": "2026-03-14T15:09:00Z",
		"confidence": 0.92,
		"location": {"lat": 26.7000, "lon": -80.0500},
		"payload": {"sensor_id": "ac-214", "rounds": 3}
	}`)
}

func TestParseInboundGunshot(t *testing.T) {
	ev, err := ParseInbound(gunshotBody(t), testNow, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, "evt_gs_001", ev.EventID)
	assert.Equal(t, SourceGunshot, ev.Source)
	assert.Equal(t, "gunshot_detected", ev.Kind, "kind defaults by source")
	assert.Equal(t, testNow, ev.IngestTime, "ingest_time defaults to now")
	assert.InDelta(t, 0.92, ev.Confidence, 1e-9)
	require.NotNil(t, ev.Location)
	assert.InDelta(t, 26.70, ev.Location.Lat, 1e-9)

	gs, ok := ev.Payload.(GunshotPayload)
	require.True(t, ok, "payload decodes to the gunshot variant, got %T", ev.Payload)
	assert.Equal(t, "ac-214", gs.SensorID)
	assert.Equal(t, 3, gs.Rounds)
}

func TestParseInboundDefaults(t *testing.T) {
	body := []byte(`{
		"source": "lpr",
		"event_time": "2026-03-14T15:09:00Z",
		"payload": {"plate": "ABC1234", "camera_id": "cam-9"}
	}`)
	ev, err := ParseInbound(body, testNow, time.Minute)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(ev.EventID, "evt_"), "generated id carries the evt_ prefix: %s", ev.EventID)
	assert.Equal(t, "plate_read", ev.Kind)
	assert.Equal(t, 1.0, ev.Confidence, "absent confidence means full confidence")
}

func TestParseInboundLiftsEntityAliases(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "entityId alias",
			body: `{"source":"sensor","event_time":"2026-03-14T15:09:00Z","payload":{"entityId":"unit-7","sensor_id":"s1","sensor_type":"shotspotter"}}`,
			want: "unit-7",
		},
		{
			name: "bare id alias",
			body: `{"source":"sensor","event_time":"2026-03-14T15:09:00Z","payload":{"id":"unit-8","sensor_id":"s1","sensor_type":"shotspotter"}}`,
			want: "unit-8",
		},
		{
			name: "explicit entity_id wins",
			body: `{"source":"sensor","event_time":"2026-03-14T15:09:00Z","payload":{"entity_id":"unit-9","id":"ignored","sensor_id":"s1","sensor_type":"shotspotter"}}`,
			want: "unit-9",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := ParseInbound([]byte(tc.body), testNow, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ev.Attributes["entity_id"])
			if tc.name == "explicit entity_id wins" {
				assert.Equal(t, "ignored", ev.Attributes["id"], "aliases stay put when entity_id is explicit")
			}
		})
	}
}

func TestParseInboundVendorExtras(t *testing.T) {
	body := []byte(`{
		"source": "lpr",
		"event_time": "2026-03-14T15:09:00Z",
		"payload": {"plate": "XYZ", "camera_id": "cam-1", "vendor_firmware": "9.1.2", "lane": 3}
	}`)
	ev, err := ParseInbound(body, testNow, time.Minute)
	require.NoError(t, err)

	lpr, ok := ev.Payload.(LPRPayload)
	require.True(t, ok)
	assert.Equal(t, "XYZ", lpr.Plate)

	assert.Equal(t, "9.1.2", ev.Attributes["vendor_firmware"])
	assert.Equal(t, float64(3), ev.Attributes["lane"], "unknown keys survive as attributes")
	assert.NotContains(t, ev.Attributes, "plate", "typed keys are not duplicated into attributes")
}

func TestParseInboundRejects(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown source", `{"source":"drone_swarm","event_time":"2026-03-14T15:09:00Z"}`},
		{"missing event_time", `{"source":"cad"}`},
		{"confidence above one", `{"source":"cad","event_time":"2026-03-14T15:09:00Z","confidence":1.5}`},
		{"latitude out of range", `{"source":"cad","event_time":"2026-03-14T15:09:00Z","location":{"lat":95,"lon":0}}`},
		{"unknown envelope key", `{"source":"cad","event_time":"2026-03-14T15:09:00Z","operator":"x"}`},
		{"not json", `{"source":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseInbound([]byte(tc.body), testNow, time.Minute)
			require.Error(t, err)
			assert.Equal(t, fault.Validation, fault.KindOf(err), "expected a validation fault, got %v", err)
		})
	}
}

func TestValidateClockSkew(t *testing.T) {
	ev := &RawEvent{
		EventID:    "evt_skew",
		Source:     SourceCAD,
		Kind:       "call_created",
		Timestamp:  testNow,
		IngestTime: testNow.Add(-2 * time.Minute),
		Confidence: 1.0,
	}
	err := ev.Validate(time.Minute)
	require.Error(t, err, "ingest more than skew tolerance before event time is rejected")

	ev.IngestTime = testNow.Add(-30 * time.Second)
	assert.NoError(t, ev.Validate(time.Minute), "skew inside tolerance passes")
}

func TestMarshalRoundTrip(t *testing.T) {
	ev, err := ParseInbound(gunshotBody(t), testNow, time.Minute)
	require.NoError(t, err)

	out, err := json.Marshal(ev)
	require.NoError(t, err)

	var again RawEvent
	require.NoError(t, json.Unmarshal(out, &again))

	assert.Equal(t, ev.EventID, again.EventID)
	assert.Equal(t, ev.Kind, again.Kind)
	assert.Equal(t, ev.Payload, again.Payload)
	assert.Equal(t, ev.Confidence, again.Confidence)
}

func TestMarshalFoldsAttributes(t *testing.T) {
	ev := &RawEvent{
		EventID:    "evt_fold",
		Source:     SourceSensor,
		Kind:       "sensor_reading",
		Timestamp:  testNow,
		IngestTime: testNow,
		Confidence: 0.8,
		Payload:    SensorPayload{SensorID: "s1", SensorType: "air_quality", Value: 42, Unit: "aqi"},
		Attributes: map[string]interface{}{"site": "lot-b"},
	}
	out, err := json.Marshal(ev)
	require.NoError(t, err)

	var doc struct {
		Payload map[string]interface{} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "s1", doc.Payload["sensor_id"])
	assert.Equal(t, "lot-b", doc.Payload["site"], "attributes fold back into payload on marshal")
}

func TestDefaultKindCoversAllSources(t *testing.T) {
	for _, src := range []Source{
		SourceCAD, SourceLPR, SourceGunshot, SourceBWC, SourceSensor,
		SourcePanic, SourceEnvironmental, SourceCrowd, SourceVitals, SourceTranscript,
	} {
		assert.NotEmpty(t, DefaultKind(src), "source %s has a default kind", src)
	}
}

func TestRef(t *testing.T) {
	ev, err := ParseInbound(gunshotBody(t), testNow, time.Minute)
	require.NoError(t, err)

	ref := ev.AsRef()
	assert.Equal(t, ev.EventID, ref.EventID)
	assert.Equal(t, ev.Source, ref.Source)
	assert.Equal(t, ev.Confidence, ref.Confidence)
	require.NotNil(t, ref.Location)
	assert.Equal(t, ev.Location.Lat, ref.Location.Lat)
}
