package fusion

import (
	"strconv"

	"github.com/Mindburn-Labs/vigil/pkg/event"
)

// Attribute keys reserved for routing; they never become entity attributes.
const (
	attrEntityID   = "entity_id"
	attrEntityType = "entity_type"
)

// ExtractRecords derives entity records from an accepted event. Two paths
// feed the resolver: payloads that describe an entity on their own (a plate
// read is a vehicle sighting, a CAD call is an incident record), and vendor
// payloads that carry an explicit entity_type marker with free-form
// attributes. Events that describe neither yield no records.
func ExtractRecords(ev *event.RawEvent) []*EntityRecord {
	var records []*EntityRecord

	switch p := ev.Payload.(type) {
	case event.LPRPayload:
		if p.Plate != "" {
			records = append(records, vehicleRecord(ev, p))
		}
	case event.CADPayload:
		if p.CaseNumber != "" || p.CallType != "" {
			records = append(records, incidentRecord(ev, p))
		}
	}

	if r := taggedRecord(ev); r != nil {
		records = append(records, r)
	}
	return records
}

func vehicleRecord(ev *event.RawEvent, p event.LPRPayload) *EntityRecord {
	attrs := map[string]string{"plate": p.Plate}
	putAttr(attrs, "plate_state", p.PlateState)
	putAttr(attrs, "make", p.VehicleMake)
	putAttr(attrs, "model", p.VehicleModel)
	putAttr(attrs, "color", p.VehicleColor)
	return &EntityRecord{
		RecordID:   ev.EventID + ":vehicle",
		Type:       EntityVehicle,
		Attributes: attrs,
		EventID:    ev.EventID,
		ObservedAt: ev.Timestamp,
	}
}

func incidentRecord(ev *event.RawEvent, p event.CADPayload) *EntityRecord {
	attrs := map[string]string{}
	putAttr(attrs, "case_number", p.CaseNumber)
	putAttr(attrs, "incident_type", p.CallType)
	if addr, ok := ev.Attributes["address"].(string); ok {
		putAttr(attrs, "location", addr)
	}
	return &EntityRecord{
		RecordID:   ev.EventID + ":incident",
		Type:       EntityIncident,
		Attributes: attrs,
		EventID:    ev.EventID,
		ObservedAt: ev.Timestamp,
	}
}

// taggedRecord builds a record from a payload that names its own entity
// type. This is how person and address records arrive: records-management
// webhooks tag the payload with entity_type and ship flat attributes.
func taggedRecord(ev *event.RawEvent) *EntityRecord {
	rawType, ok := ev.Attributes[attrEntityType].(string)
	if !ok || rawType == "" {
		return nil
	}

	attrs := make(map[string]string, len(ev.Attributes))
	for k, v := range ev.Attributes {
		if k == attrEntityID || k == attrEntityType {
			continue
		}
		if s, ok := scalarString(v); ok {
			attrs[k] = s
		}
	}
	if len(attrs) == 0 {
		return nil
	}

	recordID := ev.EventID + ":" + rawType
	if id, ok := ev.Attributes[attrEntityID].(string); ok && id != "" {
		recordID = id
	}
	return &EntityRecord{
		RecordID:   recordID,
		Type:       ParseEntityType(rawType),
		Attributes: attrs,
		EventID:    ev.EventID,
		ObservedAt: ev.Timestamp,
	}
}

// scalarString renders JSON scalars as attribute values. Nested objects and
// arrays are vendor baggage the similarity scorers cannot compare; they are
// dropped.
func scalarString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

func putAttr(attrs map[string]string, key, value string) {
	if value != "" {
		attrs[key] = value
	}
}
