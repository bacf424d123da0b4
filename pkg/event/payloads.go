package event

import "encoding/json"

// Payload is the discriminated-union interface. Concrete variants are
// defined per source; downstream consumers type-switch on them.
type Payload interface {
	payloadSource() Source
}

// GunshotPayload is an acoustic gunshot detection.
type GunshotPayload struct {
	SensorID   string  `json:"sensor_id,omitempty"`
	Rounds     int     `json:"rounds,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Caliber    string  `json:"caliber,omitempty"`
}

// LPRPayload is a license-plate read.
type LPRPayload struct {
	Plate        string  `json:"plate"`
	PlateState   string  `json:"plate_state,omitempty"`
	CameraID     string  `json:"camera_id,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
	VehicleMake  string  `json:"vehicle_make,omitempty"`
	VehicleModel string  `json:"vehicle_model,omitempty"`
	VehicleColor string  `json:"vehicle_color,omitempty"`
	HotlistMatch bool    `json:"hotlist_match,omitempty"`
}

// CADPayload is a computer-aided-dispatch call record.
type CADPayload struct {
	CallID       string   `json:"call_id,omitempty"`
	CallType     string   `json:"call_type,omitempty"`
	PriorityCode string   `json:"priority_code,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
	CaseNumber   string   `json:"case_number,omitempty"`
	Units        []string `json:"units,omitempty"`
}

// BWCPayload is a body-worn-camera activation.
type BWCPayload struct {
	OfficerID string `json:"officer_id"`
	CameraID  string `json:"camera_id,omitempty"`
	Trigger   string `json:"trigger,omitempty"` // manual, holster, impact
}

// SensorPayload is generic sensor telemetry.
type SensorPayload struct {
	SensorID   string  `json:"sensor_id,omitempty"`
	SensorType string  `json:"sensor_type,omitempty"`
	Value      float64 `json:"value,omitempty"`
	Unit       string  `json:"unit,omitempty"`
	Zone       string  `json:"zone,omitempty"`
}

// PanicPayload is a panic-beacon activation.
type PanicPayload struct {
	OfficerID string `json:"officer_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	Beacon    string `json:"beacon,omitempty"`
}

// EnvironmentalPayload is a hazard reading (gas, radiation, flood).
type EnvironmentalPayload struct {
	HazardType string  `json:"hazard_type"`
	Level      string  `json:"level,omitempty"`
	Reading    float64 `json:"reading,omitempty"`
	Unit       string  `json:"unit,omitempty"`
}

// CrowdPayload is a crowd-density estimate.
type CrowdPayload struct {
	EstimatedCount int     `json:"estimated_count,omitempty"`
	Density        float64 `json:"density,omitempty"`
	TrendPct       float64 `json:"trend_pct,omitempty"`
	Zone           string  `json:"zone,omitempty"`
}

// VitalsPayload is officer biometric telemetry.
type VitalsPayload struct {
	OfficerID     string    `json:"officer_id"`
	HeartRate     int       `json:"heart_rate,omitempty"`
	SpO2          float64   `json:"spo2,omitempty"`
	Activity      string    `json:"activity,omitempty"`
	PossibleFall  bool      `json:"possible_fall,omitempty"`
	Accelerometer []float64 `json:"accelerometer,omitempty"`
}

// TranscriptPayload is a keyword hit from a 911 call transcript.
type TranscriptPayload struct {
	CallID   string   `json:"call_id,omitempty"`
	Text     string   `json:"text,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Speaker  string   `json:"speaker,omitempty"`
}

func (GunshotPayload) payloadSource() Source       { return SourceGunshot }
func (LPRPayload) payloadSource() Source           { return SourceLPR }
func (CADPayload) payloadSource() Source           { return SourceCAD }
func (BWCPayload) payloadSource() Source           { return SourceBWC }
func (SensorPayload) payloadSource() Source        { return SourceSensor }
func (PanicPayload) payloadSource() Source         { return SourcePanic }
func (EnvironmentalPayload) payloadSource() Source { return SourceEnvironmental }
func (CrowdPayload) payloadSource() Source         { return SourceCrowd }
func (VitalsPayload) payloadSource() Source        { return SourceVitals }
func (TranscriptPayload) payloadSource() Source    { return SourceTranscript }

var payloadKeys = map[Source][]string{
	SourceGunshot:       {"sensor_id", "rounds", "confidence", "caliber"},
	SourceLPR:           {"plate", "plate_state", "camera_id", "confidence", "vehicle_make", "vehicle_model", "vehicle_color", "hotlist_match"},
	SourceCAD:           {"call_id", "call_type", "priority_code", "keywords", "case_number", "units"},
	SourceBWC:           {"officer_id", "camera_id", "trigger"},
	SourceSensor:        {"sensor_id", "sensor_type", "value", "unit", "zone"},
	SourcePanic:         {"officer_id", "device_id", "beacon"},
	SourceEnvironmental: {"hazard_type", "level", "reading", "unit"},
	SourceCrowd:         {"estimated_count", "density", "trend_pct", "zone"},
	SourceVitals:        {"officer_id", "heart_rate", "spo2", "activity", "possible_fall", "accelerometer"},
	SourceTranscript:    {"call_id", "text", "keywords", "speaker"},
}

// decodePayload picks the variant for the source and splits off any vendor
// fields the normalized shape does not know.
func decodePayload(source Source, raw json.RawMessage) (Payload, map[string]interface{}, error) {
	if len(raw) == 0 {
		return emptyPayload(source), nil, nil
	}

	var target Payload
	switch source {
	case SourceGunshot:
		target = &GunshotPayload{}
	case SourceLPR:
		target = &LPRPayload{}
	case SourceCAD:
		target = &CADPayload{}
	case SourceBWC:
		target = &BWCPayload{}
	case SourceSensor:
		target = &SensorPayload{}
	case SourcePanic:
		target = &PanicPayload{}
	case SourceEnvironmental:
		target = &EnvironmentalPayload{}
	case SourceCrowd:
		target = &CrowdPayload{}
	case SourceVitals:
		target = &VitalsPayload{}
	case SourceTranscript:
		target = &TranscriptPayload{}
	default:
		// Unknown sources fail validation later; keep the payload opaque.
		var attrs map[string]interface{}
		if err := json.Unmarshal(raw, &attrs); err != nil {
			return nil, nil, err
		}
		return nil, attrs, nil
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return nil, nil, err
	}

	var full map[string]interface{}
	if err := json.Unmarshal(raw, &full); err != nil {
		return nil, nil, err
	}
	for _, k := range payloadKeys[source] {
		delete(full, k)
	}
	if len(full) == 0 {
		full = nil
	}
	return deref(target), full, nil
}

func emptyPayload(source Source) Payload {
	p, _, _ := decodePayload(source, json.RawMessage(`{}`))
	return p
}

// deref returns the value form so type switches match without pointers.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *GunshotPayload:
		return *v
	case *LPRPayload:
		return *v
	case *CADPayload:
		return *v
	case *BWCPayload:
		return *v
	case *SensorPayload:
		return *v
	case *PanicPayload:
		return *v
	case *EnvironmentalPayload:
		return *v
	case *CrowdPayload:
		return *v
	case *VitalsPayload:
		return *v
	case *TranscriptPayload:
		return *v
	default:
		return p
	}
}
