package safety

import (
	"context"

	"github.com/Mindburn-Labs/vigil/pkg/audit"
	"github.com/Mindburn-Labs/vigil/pkg/fault"
	"github.com/Mindburn-Labs/vigil/pkg/geo"
)

// ReportPossibleFall opens the fall lifecycle from a device report.
// A repeat report while a possible fall is pending keeps the original
// confirmation timer. A confirmed fall must be acknowledged or
// dismissed before a new one can open.
func (e *Engine) ReportPossibleFall(ctx context.Context, officerID string, snap FallSnapshot) error {
	_ = ctx
	now := e.clock().UTC()

	e.mu.Lock()
	state, ok := e.officers[officerID]
	if !ok {
		e.mu.Unlock()
		return fault.New(fault.Validation, "safety.fall", "unknown officer %q", officerID)
	}
	switch state.FallState {
	case FallPossible:
		e.mu.Unlock()
		return nil
	case FallConfirmed:
		e.mu.Unlock()
		return fault.New(fault.Validation, "safety.fall", "officer %q has an unresolved confirmed fall", officerID)
	}
	state.FallState = FallPossible
	state.fallAt = now
	if snap.Location != (geo.Point{}) {
		state.Location = snap.Location
		state.located = true
		state.LastSeen = now
	}
	e.mu.Unlock()

	e.record(audit.ActionFallEvent, audit.SeverityWarning, "possible fall reported",
		map[string]interface{}{
			"officer_id":      officerID,
			"accel_magnitude": snap.AccelMagnitude,
			"device_id":       snap.DeviceID,
		})
	return nil
}

// AcknowledgeFall is the officer (or dispatcher on their behalf)
// reporting they are fine; it resolves a possible or confirmed fall and
// clears any fall warning.
func (e *Engine) AcknowledgeFall(ctx context.Context, officerID string) error {
	_ = ctx

	e.mu.Lock()
	state, ok := e.officers[officerID]
	if !ok {
		e.mu.Unlock()
		return fault.New(fault.Validation, "safety.fall", "unknown officer %q", officerID)
	}
	if state.FallState != FallPossible && state.FallState != FallConfirmed {
		e.mu.Unlock()
		return fault.New(fault.Validation, "safety.fall", "officer %q has no fall to acknowledge", officerID)
	}
	state.FallState = FallAcked
	e.clearFallWarningsLocked(state)
	e.mu.Unlock()

	e.record(audit.ActionFallEvent, audit.SeverityInfo, "fall acknowledged",
		map[string]interface{}{"officer_id": officerID})
	return nil
}

// DismissFall is the supervisor marking a fall a false alarm; the
// reason is part of the record.
func (e *Engine) DismissFall(ctx context.Context, officerID, supervisor, reason string) error {
	_ = ctx
	if supervisor == "" {
		return fault.New(fault.Validation, "safety.fall", "dismissal requires a supervisor id")
	}
	if reason == "" {
		return fault.New(fault.Validation, "safety.fall", "dismissal requires a reason")
	}

	e.mu.Lock()
	state, ok := e.officers[officerID]
	if !ok {
		e.mu.Unlock()
		return fault.New(fault.Validation, "safety.fall", "unknown officer %q", officerID)
	}
	if state.FallState != FallPossible && state.FallState != FallConfirmed {
		e.mu.Unlock()
		return fault.New(fault.Validation, "safety.fall", "officer %q has no fall to dismiss", officerID)
	}
	state.FallState = FallFalseAlarm
	e.clearFallWarningsLocked(state)
	e.mu.Unlock()

	e.record(audit.ActionFallEvent, audit.SeverityInfo, "fall marked false alarm",
		map[string]interface{}{
			"officer_id": officerID,
			"supervisor": supervisor,
			"reason":     reason,
		})
	return nil
}

func (e *Engine) clearFallWarningsLocked(state *officerState) {
	for id, w := range state.warnings {
		if w.Type == WarnFall {
			delete(state.warnings, id)
		}
	}
}
