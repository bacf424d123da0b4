package fusion

import (
	"testing"
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/event"
)

func TestExtractRecordsFromPlateRead(t *testing.T) {
	ev := &event.RawEvent{
		EventID:   "evt_lpr1",
		Source:    event.SourceLPR,
		Timestamp: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		Payload: event.LPRPayload{
			Plate:        "ABC-1234",
			VehicleMake:  "honda",
			VehicleColor: "silver",
		},
	}

	records := ExtractRecords(ev)
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	r := records[0]
	if r.Type != EntityVehicle || r.RecordID != "evt_lpr1:vehicle" || r.EventID != "evt_lpr1" {
		t.Errorf("record = %+v", r)
	}
	if r.Attributes["plate"] != "ABC-1234" || r.Attributes["make"] != "honda" || r.Attributes["color"] != "silver" {
		t.Errorf("attributes = %v", r.Attributes)
	}
	if _, has := r.Attributes["model"]; has {
		t.Error("empty model should be omitted")
	}
	if !r.ObservedAt.Equal(ev.Timestamp) {
		t.Errorf("observed_at = %v", r.ObservedAt)
	}
}

func TestExtractRecordsFromCADCall(t *testing.T) {
	ev := &event.RawEvent{
		EventID:   "evt_cad1",
		Source:    event.SourceCAD,
		Timestamp: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		Payload: event.CADPayload{
			CaseNumber: "2026-001234",
			CallType:   "burglary",
		},
		Attributes: map[string]interface{}{"address": "742 Evergreen Terrace"},
	}

	records := ExtractRecords(ev)
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	r := records[0]
	if r.Type != EntityIncident || r.RecordID != "evt_cad1:incident" {
		t.Errorf("record = %+v", r)
	}
	if r.Attributes["case_number"] != "2026-001234" || r.Attributes["incident_type"] != "burglary" {
		t.Errorf("attributes = %v", r.Attributes)
	}
	if r.Attributes["location"] != "742 Evergreen Terrace" {
		t.Errorf("address not lifted into location: %v", r.Attributes)
	}
}

func TestExtractRecordsFromTaggedPayload(t *testing.T) {
	ev := &event.RawEvent{
		EventID:   "evt_rms1",
		Source:    event.SourceCAD,
		Timestamp: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		Payload:   event.CADPayload{},
		Attributes: map[string]interface{}{
			"entity_type": "person",
			"entity_id":   "per_889",
			"name":        "Maria Lopez",
			"dob":         "1988-04-12",
			"priors":      float64(3),
			"armed":       true,
			"raw":         map[string]interface{}{"nested": "dropped"},
		},
	}

	records := ExtractRecords(ev)
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	r := records[0]
	if r.Type != EntityPerson || r.RecordID != "per_889" {
		t.Errorf("record = %+v", r)
	}
	if r.Attributes["name"] != "Maria Lopez" || r.Attributes["dob"] != "1988-04-12" {
		t.Errorf("attributes = %v", r.Attributes)
	}
	if r.Attributes["priors"] != "3" || r.Attributes["armed"] != "true" {
		t.Errorf("scalar rendering = %v", r.Attributes)
	}
	if _, has := r.Attributes["raw"]; has {
		t.Error("nested values should be dropped")
	}
	if _, has := r.Attributes["entity_type"]; has {
		t.Error("routing keys should not become attributes")
	}
}

func TestExtractRecordsUnknownTypeFallsBackToGeneric(t *testing.T) {
	ev := &event.RawEvent{
		EventID:    "evt_x",
		Source:     event.SourceSensor,
		Timestamp:  time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		Attributes: map[string]interface{}{"entity_type": "drone", "label": "dji-7"},
	}
	records := ExtractRecords(ev)
	if len(records) != 1 || records[0].Type != EntityGeneric {
		t.Fatalf("records = %+v, want one generic", records)
	}
}

func TestExtractRecordsNothingToExtract(t *testing.T) {
	ev := &event.RawEvent{
		EventID:   "evt_shots",
		Source:    event.SourceGunshot,
		Timestamp: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		Payload:   event.GunshotPayload{Rounds: 3},
	}
	if records := ExtractRecords(ev); records != nil {
		t.Fatalf("records = %+v, want none", records)
	}
}
