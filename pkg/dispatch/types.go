// Package dispatch converts trigger events into actuator missions and
// drives each actuator through a bounded command state machine. Every
// dispatch passes the guardrail gate before any hardware moves, and an
// emergency command preempts everything an actuator is doing.
package dispatch

import (
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/geo"
)

// TriggerType names the situations that can open a dispatch request.
// Shotspotter is the gunshot-detection trigger, named for the sensor
// network that raises it.
type TriggerType string

const (
	TriggerShotspotter     TriggerType = "shotspotter"
	TriggerOfficerDistress TriggerType = "officer_distress"
	TriggerAmbush          TriggerType = "ambush"
	TriggerHotVehicle      TriggerType = "hot_vehicle"
	TriggerPursuit         TriggerType = "pursuit"
	Trigger911Keyword      TriggerType = "911_keyword"
	TriggerMissingPerson   TriggerType = "missing_person"
	TriggerCrash           TriggerType = "crash"
	TriggerPerimeterBreach TriggerType = "perimeter_breach"
	TriggerActiveShooter   TriggerType = "active_shooter"
	TriggerManual          TriggerType = "manual"
)

var knownTriggers = map[TriggerType]bool{
	TriggerShotspotter:     true,
	TriggerOfficerDistress: true,
	TriggerAmbush:          true,
	TriggerHotVehicle:      true,
	TriggerPursuit:         true,
	Trigger911Keyword:      true,
	TriggerMissingPerson:   true,
	TriggerCrash:           true,
	TriggerPerimeterBreach: true,
	TriggerActiveShooter:   true,
	TriggerManual:          true,
}

// KnownTrigger reports whether the trigger type is recognized.
func KnownTrigger(t TriggerType) bool {
	return knownTriggers[t]
}

// criticalTriggers always dispatch at critical priority regardless of
// what the rule or caller asked for.
var criticalTriggers = map[TriggerType]bool{
	TriggerOfficerDistress: true,
	TriggerAmbush:          true,
	TriggerActiveShooter:   true,
}

// Priority orders dispatch requests and commands.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityUrgent   Priority = "urgent"
	PriorityCritical Priority = "critical"
)

var tierScores = map[Priority]float64{
	PriorityLow:      0.3,
	PriorityNormal:   0.5,
	PriorityHigh:     0.7,
	PriorityUrgent:   0.85,
	PriorityCritical: 1.0,
}

var priorityRank = map[Priority]int{
	PriorityLow:      0,
	PriorityNormal:   1,
	PriorityHigh:     2,
	PriorityUrgent:   3,
	PriorityCritical: 4,
}

// TierScore maps the priority onto its evaluation-score contribution.
func (p Priority) TierScore() (float64, bool) {
	s, ok := tierScores[p]
	return s, ok
}

// AtLeast reports whether p ranks at or above the floor.
func (p Priority) AtLeast(floor Priority) bool {
	return priorityRank[p] >= priorityRank[floor]
}

// Trigger is the input that may become a dispatch. ThreatLevel is
// normalized to [0,1]. OperatorOverride marks a trigger an operator has
// already taken responsibility for, skipping the rule's approval step.
type Trigger struct {
	Type             TriggerType `json:"type"`
	Priority         Priority    `json:"priority"`
	ThreatLevel      float64     `json:"threat_level"`
	Location         geo.Point   `json:"location"`
	FusionID         string      `json:"fusion_id,omitempty"`
	Description      string      `json:"description,omitempty"`
	ProbableCause    bool        `json:"probable_cause"`
	OperatorOverride bool        `json:"operator_override,omitempty"`
	RequestedBy      string      `json:"requested_by,omitempty"`
	SessionID        string      `json:"session_id,omitempty"`
}

// RequestStatus tracks a dispatch request's lifecycle. Evaluating is
// transient; pending waits on an approval or manual go-ahead;
// no_actuator_available is retained for manual assignment until its
// retry window lapses. Dispatched advances to en_route when the transit
// command starts executing and on_scene when it lands the actuator at the
// target. Completed, cancelled, and failed are terminal.
type RequestStatus string

const (
	StatusEvaluating          RequestStatus = "evaluating"
	StatusPending             RequestStatus = "pending"
	StatusDispatching         RequestStatus = "dispatching"
	StatusDispatched          RequestStatus = "dispatched"
	StatusEnRoute             RequestStatus = "en_route"
	StatusOnScene             RequestStatus = "on_scene"
	StatusCompleted           RequestStatus = "completed"
	StatusCancelled           RequestStatus = "cancelled"
	StatusFailed              RequestStatus = "failed"
	StatusNoActuatorAvailable RequestStatus = "no_actuator_available"
)

// TerminalRequest reports whether the status ends the request.
func TerminalRequest(s RequestStatus) bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// DispatchRequest is one trigger's journey to an actuator.
type DispatchRequest struct {
	RequestID      string        `json:"request_id"`
	Trigger        TriggerType   `json:"trigger"`
	Priority       Priority      `json:"priority"`
	Score          float64       `json:"score"`
	Status         RequestStatus `json:"status"`
	Reason         string        `json:"reason,omitempty"`
	ActuatorID     string        `json:"actuator_id,omitempty"`
	FusionID       string        `json:"fusion_id,omitempty"`
	Location       geo.Point     `json:"location"`
	DecisionID     string        `json:"decision_id,omitempty"`
	ApprovalID     string        `json:"approval_id,omitempty"`
	ResponseTimeMS int64         `json:"response_time_ms,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	RetryUntil     time.Time     `json:"retry_until,omitempty"`

	trigger Trigger // original input, kept for resumption after approval
}

// ActuatorStatus is the registry's view of an airframe.
type ActuatorStatus string

const (
	ActuatorAvailable   ActuatorStatus = "available"
	ActuatorAssigned    ActuatorStatus = "assigned"
	ActuatorUnavailable ActuatorStatus = "unavailable"
)

// Actuator is a dispatchable asset: for now a drone, though fixed
// cameras with PTZ respond to a subset of commands.
type Actuator struct {
	ActuatorID   string         `json:"actuator_id"`
	Callsign     string         `json:"callsign,omitempty"`
	Capabilities []string       `json:"capabilities"`
	Battery      float64        `json:"battery"`
	Position     geo.Point      `json:"position"`
	CruiseMps    float64        `json:"cruise_mps"`
	Status       ActuatorStatus `json:"status"`
	LastSeen     time.Time      `json:"last_seen"`
}

// HasCapabilities reports whether the actuator carries every required
// capability.
func (a *Actuator) HasCapabilities(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range a.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CommandType enumerates the bounded actuator command vocabulary.
type CommandType string

const (
	CmdTakeoff      CommandType = "takeoff"
	CmdLand         CommandType = "land"
	CmdReturnHome   CommandType = "return_home"
	CmdHover        CommandType = "hover"
	CmdOrbit        CommandType = "orbit"
	CmdPatrol       CommandType = "patrol"
	CmdFollow       CommandType = "follow"
	CmdGoto         CommandType = "goto"
	CmdSearch       CommandType = "search"
	CmdTrack        CommandType = "track"
	CmdSpotlightOn  CommandType = "spotlight_on"
	CmdSpotlightOff CommandType = "spotlight_off"
	CmdAnnounce     CommandType = "announce"
	CmdStartRecord  CommandType = "start_record"
	CmdStopRecord   CommandType = "stop_record"
	CmdPhoto        CommandType = "photo"
	CmdZoom         CommandType = "zoom"
	CmdGimbal       CommandType = "gimbal"
	CmdEmergency    CommandType = "emergency_stop"
	CmdAbort        CommandType = "abort"
)

var knownCommands = map[CommandType]bool{
	CmdTakeoff: true, CmdLand: true, CmdReturnHome: true, CmdHover: true,
	CmdOrbit: true, CmdPatrol: true, CmdFollow: true, CmdGoto: true,
	CmdSearch: true, CmdTrack: true, CmdSpotlightOn: true, CmdSpotlightOff: true,
	CmdAnnounce: true, CmdStartRecord: true, CmdStopRecord: true, CmdPhoto: true,
	CmdZoom: true, CmdGimbal: true, CmdEmergency: true, CmdAbort: true,
}

// KnownCommand reports whether the command type is in the vocabulary.
func KnownCommand(t CommandType) bool {
	return knownCommands[t]
}

var motionCommands = map[CommandType]bool{
	CmdTakeoff: true, CmdLand: true, CmdReturnHome: true, CmdHover: true,
	CmdOrbit: true, CmdPatrol: true, CmdFollow: true, CmdGoto: true,
	CmdSearch: true, CmdTrack: true,
}

// Motion reports whether the command moves the airframe. Motion
// commands are envelope-checked and never auto-retried.
func (t CommandType) Motion() bool {
	return motionCommands[t]
}

// EmergencyType reports whether the command preempts the queue.
func (t CommandType) EmergencyType() bool {
	return t == CmdEmergency || t == CmdAbort
}

// CommandStatus is the command state machine. Pending and queued
// precede executing; the other four are terminal.
type CommandStatus string

const (
	CmdPending   CommandStatus = "pending"
	CmdQueued    CommandStatus = "queued"
	CmdExecuting CommandStatus = "executing"
	CmdCompleted CommandStatus = "completed"
	CmdFailed    CommandStatus = "failed"
	CmdTimeout   CommandStatus = "timeout"
	CmdCancelled CommandStatus = "cancelled"
)

// Terminal reports whether the status ends the command.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CmdCompleted, CmdFailed, CmdTimeout, CmdCancelled:
		return true
	}
	return false
}

// CommandParams carries the motion and payload arguments a command
// needs. Zero values mean "not specified".
type CommandParams struct {
	Target    *geo.Point `json:"target,omitempty"`
	AltitudeM float64    `json:"altitude_m,omitempty"`
	SpeedMps  float64    `json:"speed_mps,omitempty"`
	RadiusM   float64    `json:"radius_m,omitempty"`
	HeadingD  float64    `json:"heading_deg,omitempty"`
	Message   string     `json:"message,omitempty"`
	ZoomLevel float64    `json:"zoom_level,omitempty"`
	SubjectID string     `json:"subject_id,omitempty"`
}

// Command is one instruction to one actuator.
type Command struct {
	CommandID   string        `json:"command_id"`
	ActuatorID  string        `json:"actuator_id"`
	Type        CommandType   `json:"type"`
	Priority    Priority      `json:"priority"`
	Params      CommandParams `json:"parameters"`
	Status      CommandStatus `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	Emergency   bool          `json:"emergency,omitempty"`
	RequestID   string        `json:"request_id,omitempty"`
	IssuedAt    time.Time     `json:"issued_at"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Deadline    time.Time     `json:"deadline,omitempty"`
	TimeoutSec  int           `json:"timeout_sec"`
}

// commandTimeouts are per-type execution budgets in seconds. Types not
// listed use the configured default.
var commandTimeouts = map[CommandType]int{
	CmdTakeoff:     60,
	CmdLand:        120,
	CmdReturnHome:  600,
	CmdGoto:        600,
	CmdOrbit:       1800,
	CmdPatrol:      3600,
	CmdFollow:      1800,
	CmdSearch:      1800,
	CmdTrack:       1800,
	CmdHover:       1800,
	CmdAnnounce:    30,
	CmdPhoto:       15,
	CmdZoom:        10,
	CmdGimbal:      10,
	CmdStartRecord: 10,
	CmdStopRecord:  10,
	CmdEmergency:   15,
	CmdAbort:       15,
}
