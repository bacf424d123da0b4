package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/vigil/pkg/fault"
)

// ParseInbound turns a webhook body into a validated RawEvent. The body is
// schema-checked first, then decoded with source defaults applied: missing
// kind falls back to the source default, missing ingest_time is stamped with
// now, missing event_id gets a generated id, and missing confidence means
// full confidence.
//
// Vendors disagree on entity naming, so payload keys "id" and "entityId" are
// lifted to "entity_id" before typed decoding. Lifting happens exactly once,
// at ingest; downstream code only ever sees entity_id.
func ParseInbound(body []byte, now time.Time, skewTolerance time.Duration) (*RawEvent, error) {
	if err := ValidateInbound(body); err != nil {
		return nil, err
	}

	lifted, err := liftEntityAliases(body)
	if err != nil {
		return nil, err
	}

	var ev RawEvent
	if err := json.Unmarshal(lifted, &ev); err != nil {
		return nil, fault.Wrap(fault.Validation, "event.parse", err)
	}

	if ev.EventID == "" {
		ev.EventID = "evt_" + uuid.NewString()
	}
	if ev.IngestTime.IsZero() {
		ev.IngestTime = now.UTC()
	}

	if err := ev.Validate(skewTolerance); err != nil {
		return nil, err
	}
	return &ev, nil
}

// liftEntityAliases rewrites payload-level "id" / "entityId" keys to
// "entity_id" when no entity_id is already present. An explicit entity_id
// always wins over an alias.
func liftEntityAliases(body []byte) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fault.Wrap(fault.Validation, "event.parse", err)
	}
	rawPayload, ok := doc["payload"]
	if !ok {
		return body, nil
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return nil, fault.Wrap(fault.Validation, "event.parse", err)
	}
	if _, has := payload["entity_id"]; has {
		return body, nil
	}

	changed := false
	for _, alias := range []string{"entityId", "id"} {
		if v, has := payload[alias]; has {
			payload["entity_id"] = v
			delete(payload, alias)
			changed = true
			break
		}
	}
	if !changed {
		return body, nil
	}

	newPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, fault.Wrap(fault.Permanent, "event.parse", err)
	}
	doc["payload"] = newPayload
	return json.Marshal(doc)
}
