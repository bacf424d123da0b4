package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/vigil/pkg/fault"
)

// inboundSchema is the contract every webhook body must satisfy. Fields the
// shape does not name must ride inside payload; the envelope itself is
// closed.
const inboundSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["source", "event_time"],
  "additionalProperties": false,
  "properties": {
    "event_id": {"type": "string", "minLength": 1},
    "source": {
      "type": "string",
      "enum": ["cad", "lpr", "gunshot", "bwc", "sensor", "panic", "environmental", "crowd", "vitals", "transcript"]
    },
    "kind": {"type": "string"},
    "event_time": {"type": "string", "format": "date-time"},
    "ingest_time": {"type": "string", "format": "date-time"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "location": {
      "type": "object",
      "required": ["lat", "lon"],
      "additionalProperties": false,
      "properties": {
        "lat": {"type": "number", "minimum": -90, "maximum": 90},
        "lon": {"type": "number", "minimum": -180, "maximum": 180},
        "altitude": {"type": "number"}
      }
    },
    "payload": {"type": "object"},
    "correlation_hints": {"type": "array", "items": {"type": "string"}}
  }
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func compiled() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		const url = "https://vigil.schemas.local/inbound-event.schema.json"
		if err := c.AddResource(url, strings.NewReader(inboundSchema)); err != nil {
			compileErr = fmt.Errorf("inbound schema load failed: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile(url)
	})
	return compiledSchema, compileErr
}

// ValidateInbound checks a raw webhook body against the normalized shape.
// Schema violations are validation faults carrying the offending pointer.
func ValidateInbound(body []byte) error {
	schema, err := compiled()
	if err != nil {
		return fault.Wrap(fault.Permanent, "event.schema", err)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return fault.Wrap(fault.Validation, "event.schema", err)
	}

	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			leaf := ve
			for len(leaf.Causes) > 0 {
				leaf = leaf.Causes[0]
			}
			return fault.New(fault.Validation, "event.schema", "%s: %s",
				leaf.InstanceLocation, leaf.Message)
		}
		return fault.Wrap(fault.Validation, "event.schema", err)
	}
	return nil
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}
