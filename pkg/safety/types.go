// Package safety maintains per-officer situational state: proximity
// warnings against a live threat registry, ambush indicators, hotzone
// entry and exit, check-in discipline, and the fall-detection lifecycle.
package safety

import (
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/geo"
)

// Bus topics for officer safety traffic.
const (
	// TopicWarning carries every Warning raised or cleared.
	TopicWarning = "safety.warning"
	// TopicAlert carries AmbushAlert lifecycle updates.
	TopicAlert = "safety.ambush"
)

// ThreatLevel grades threats and warnings.
type ThreatLevel string

const (
	LevelNone     ThreatLevel = "none"
	LevelLow      ThreatLevel = "low"
	LevelMedium   ThreatLevel = "medium"
	LevelHigh     ThreatLevel = "high"
	LevelCritical ThreatLevel = "critical"
)

var levelRank = map[ThreatLevel]int{
	LevelNone:     0,
	LevelLow:      1,
	LevelMedium:   2,
	LevelHigh:     3,
	LevelCritical: 4,
}

// levelWeight feeds the threat_score aggregate; critical stays below 1.0
// so a single warning never saturates the scale outright.
var levelWeight = map[ThreatLevel]float64{
	LevelNone:     0,
	LevelLow:      0.25,
	LevelMedium:   0.5,
	LevelHigh:     0.75,
	LevelCritical: 0.95,
}

// KnownLevel reports whether the level is part of the grading scale.
func KnownLevel(l ThreatLevel) bool {
	_, ok := levelRank[l]
	return ok
}

// MaxLevel returns the higher of two levels.
func MaxLevel(a, b ThreatLevel) ThreatLevel {
	if levelRank[b] > levelRank[a] {
		return b
	}
	return a
}

// Threat is an entry in the threat registry: something officers should
// keep distance from or approach with awareness.
type Threat struct {
	ThreatID    string      `json:"threat_id"`
	Type        string      `json:"threat_type"`
	Level       ThreatLevel `json:"threat_level"`
	Location    geo.Point   `json:"location"`
	Description string      `json:"description,omitempty"`
	Source      string      `json:"source,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	// ExpiresAt zero means the threat stands until cleared.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Warning types beyond the threat registry's own types.
const (
	WarnAmbush           = "ambush"
	WarnHotzone          = "hotzone"
	WarnFall             = "fall"
	WarnEmergencyCheckin = "emergency_checkin"
)

// Warning is one active hazard on an officer's board. Proximity warnings
// reference the threat; hotzone warnings the zone; ambush warnings the
// alert. Warnings leave the active set on expiry or acknowledgment.
type Warning struct {
	WarningID  string      `json:"warning_id"`
	OfficerID  string      `json:"officer_id"`
	Type       string      `json:"warning_type"`
	Level      ThreatLevel `json:"threat_level"`
	Direction  string      `json:"direction,omitempty"`
	DistanceM  float64     `json:"distance_m,omitempty"`
	Detail     string      `json:"detail,omitempty"`
	ThreatID   string      `json:"threat_id,omitempty"`
	ZoneID     string      `json:"zone_id,omitempty"`
	AlertID    string      `json:"alert_id,omitempty"`
	Indicators []string    `json:"indicators,omitempty"`
	Actions    []string    `json:"recommended_actions,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// FallState is the fall-detection lifecycle position.
type FallState string

const (
	FallNormal     FallState = "normal"
	FallPossible   FallState = "possible_fall"
	FallConfirmed  FallState = "confirmed_fall"
	FallFalseAlarm FallState = "false_alarm"
	FallAcked      FallState = "acknowledged"
)

// FallSnapshot is the device report that opens a possible fall.
type FallSnapshot struct {
	AccelMagnitude float64   `json:"accel_magnitude"`
	Location       geo.Point `json:"location"`
	DeviceID       string    `json:"device_id,omitempty"`
}

// Officer is a roster entry. A zero Location means no telemetry yet;
// such officers are skipped by proximity and hotzone checks.
type Officer struct {
	OfficerID   string    `json:"officer_id"`
	Callsign    string    `json:"callsign,omitempty"`
	Unit        string    `json:"unit,omitempty"`
	OnDuty      bool      `json:"on_duty"`
	Location    geo.Point `json:"location"`
	LastSeen    time.Time `json:"last_seen"`
	LastCheckIn time.Time `json:"last_check_in"`
	FallState   FallState `json:"fall_detection_state"`
}

// OfficerStatus is the derived per-officer view the supervisor board
// renders: threat level and score from active warnings, hotzone
// membership, check-in standing, fall state.
type OfficerStatus struct {
	OfficerID      string      `json:"officer_id"`
	Callsign       string      `json:"callsign,omitempty"`
	OnDuty         bool        `json:"on_duty"`
	ThreatLevel    ThreatLevel `json:"threat_level"`
	ThreatScore    float64     `json:"threat_score"`
	ActiveWarnings []Warning   `json:"active_warnings"`
	InHotzone      bool        `json:"in_hotzone"`
	Hotzones       []string    `json:"hotzones,omitempty"`
	LastCheckIn    time.Time   `json:"last_check_in"`
	LastLocation   geo.Point   `json:"last_location"`
	CheckinOverdue bool        `json:"checkin_overdue"`
	FallState      FallState   `json:"fall_detection_state"`
}

// Hotzone is a polygon with elevated risk metadata.
type Hotzone struct {
	ZoneID   string      `json:"zone_id"`
	Name     string      `json:"name"`
	Level    ThreatLevel `json:"risk_level"`
	Boundary geo.Polygon `json:"boundary"`
	Note     string      `json:"note,omitempty"`
}

// Call is one inbound call-for-service observation fed to ambush
// clustering.
type Call struct {
	CallID   string    `json:"call_id"`
	Kind     string    `json:"kind,omitempty"`
	Location geo.Point `json:"location"`
	At       time.Time `json:"at"`
}

// Ambush alert origins.
const (
	AmbushFromCalls    = "call_cluster"
	AmbushFromSilence  = "sudden_silence"
	AmbushFromDetector = "detector"
)

// AmbushAlert tracks one raised ambush condition. It closes when every
// affected officer acknowledges their warning or a supervisor closes it.
type AmbushAlert struct {
	AlertID     string               `json:"alert_id"`
	Origin      string               `json:"origin"`
	Center      geo.Point            `json:"center"`
	Indicators  []string             `json:"indicators"`
	Actions     []string             `json:"recommended_actions"`
	OfficerIDs  []string             `json:"officer_ids"`
	Acked       map[string]time.Time `json:"acked,omitempty"`
	Status      string               `json:"status"`
	CreatedAt   time.Time            `json:"created_at"`
	ClosedAt    time.Time            `json:"closed_at,omitempty"`
	ClosedBy    string               `json:"closed_by,omitempty"`
	CloseReason string               `json:"close_reason,omitempty"`
}

// Ambush alert statuses.
const (
	AlertActive = "active"
	AlertClosed = "closed"
)

// Check-in kinds. Emergency resets the timer and raises a critical
// warning besides.
const (
	CheckinSelf      = "self"
	CheckinOperator  = "operator"
	CheckinEmergency = "emergency"
)

// SweepReport summarizes one maintenance pass.
type SweepReport struct {
	OverdueOfficers []string `json:"overdue_officers,omitempty"`
	ConfirmedFalls  []string `json:"confirmed_falls,omitempty"`
	ExpiredWarnings int      `json:"expired_warnings"`
	ExpiredThreats  int      `json:"expired_threats"`
}
