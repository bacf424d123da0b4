package safety

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/vigil/pkg/fault"
	"github.com/Mindburn-Labs/vigil/pkg/geo"
)

// ambushCallThreshold is how many distinct calls inside the window and
// radius it takes to read a cluster as bait.
const ambushCallThreshold = 3

var defaultAmbushActions = []string{
	"hold at distance until backup is on scene",
	"approach from an unexpected axis",
	"notify tactical supervisor",
}

// ReportCall feeds one call-for-service into ambush clustering. When
// the threshold of distinct calls lands inside the ambush window and
// radius, an alert is raised for officers near the cluster; a cluster
// already covered by an active alert returns that alert instead of
// raising another.
func (e *Engine) ReportCall(ctx context.Context, call Call) (*AmbushAlert, error) {
	if call.CallID == "" {
		return nil, fault.New(fault.Validation, "safety.ambush", "call missing call_id")
	}
	now := e.clock().UTC()
	if call.At.IsZero() {
		call.At = now
	}

	e.mu.Lock()
	cutoff := now.Add(-e.cfg.AmbushWindow())
	kept := e.calls[:0]
	for _, c := range e.calls {
		if c.At.After(cutoff) && c.CallID != call.CallID {
			kept = append(kept, c)
		}
	}
	e.calls = append(kept, call)

	var cluster []Call
	for _, c := range e.calls {
		if geo.DistanceMeters(c.Location, call.Location) <= e.cfg.AmbushRadiusM {
			cluster = append(cluster, c)
		}
	}
	if len(cluster) < ambushCallThreshold {
		e.mu.Unlock()
		return nil, nil
	}

	points := make([]geo.Point, len(cluster))
	for i, c := range cluster {
		points[i] = c.Location
	}
	center := geo.Centroid(points)

	if existing := e.activeAlertNearLocked(center); existing != nil {
		out := existing.clone()
		e.mu.Unlock()
		return &out, nil
	}

	indicators := []string{
		fmt.Sprintf("%d separate calls within %.0fm over the last %s",
			len(cluster), e.cfg.AmbushRadiusM, e.cfg.AmbushWindow()),
	}
	alert, warnings := e.raiseAmbushLocked(AmbushFromCalls, center, indicators, e.officersNearLocked(center), now)
	out := alert.clone()
	e.mu.Unlock()

	e.announceAlert(out, "ambush indicators: clustered calls")
	for i := range warnings {
		e.announceWarning(ctx, warnings[i], "ambush warning")
	}
	return &out, nil
}

// ReportSilence raises an ambush alert for a unit that went quiet while
// known active. Nearby officers are pulled into the alert as well.
func (e *Engine) ReportSilence(ctx context.Context, officerID string) (*AmbushAlert, error) {
	now := e.clock().UTC()

	e.mu.Lock()
	state, ok := e.officers[officerID]
	if !ok {
		e.mu.Unlock()
		return nil, fault.New(fault.Validation, "safety.ambush", "unknown officer %q", officerID)
	}
	if !state.OnDuty {
		e.mu.Unlock()
		return nil, fault.New(fault.Validation, "safety.ambush", "officer %q is not on duty", officerID)
	}

	if existing := e.activeAlertForOfficerLocked(officerID); existing != nil {
		out := existing.clone()
		e.mu.Unlock()
		return &out, nil
	}

	affected := []string{officerID}
	center := state.Location
	if state.located {
		for _, id := range e.officersNearLocked(center) {
			if id != officerID {
				affected = append(affected, id)
			}
		}
	}
	unit := state.Unit
	if unit == "" {
		unit = officerID
	}
	indicators := []string{"sudden radio silence on active unit " + unit}
	alert, warnings := e.raiseAmbushLocked(AmbushFromSilence, center, indicators, affected, now)
	out := alert.clone()
	e.mu.Unlock()

	e.announceAlert(out, "ambush indicators: sudden silence")
	for i := range warnings {
		e.announceWarning(ctx, warnings[i], "ambush warning")
	}
	return &out, nil
}

// ReportAmbush ingests an explicit detector verdict centered on a
// location.
func (e *Engine) ReportAmbush(ctx context.Context, center geo.Point, indicators []string) (*AmbushAlert, error) {
	now := e.clock().UTC()
	if len(indicators) == 0 {
		indicators = []string{"detector-reported ambush risk"}
	}

	e.mu.Lock()
	if existing := e.activeAlertNearLocked(center); existing != nil {
		out := existing.clone()
		e.mu.Unlock()
		return &out, nil
	}
	alert, warnings := e.raiseAmbushLocked(AmbushFromDetector, center, indicators, e.officersNearLocked(center), now)
	out := alert.clone()
	e.mu.Unlock()

	e.announceAlert(out, "ambush indicators: detector input")
	for i := range warnings {
		e.announceWarning(ctx, warnings[i], "ambush warning")
	}
	return &out, nil
}

// CloseAmbush closes an alert on supervisor authority, clearing the
// remaining ambush warnings it raised.
func (e *Engine) CloseAmbush(ctx context.Context, alertID, closedBy, reason string) error {
	_ = ctx
	if closedBy == "" {
		return fault.New(fault.Validation, "safety.ambush", "close requires a supervisor id")
	}
	now := e.clock().UTC()

	e.mu.Lock()
	alert, ok := e.alerts[alertID]
	if !ok {
		e.mu.Unlock()
		return fault.New(fault.Validation, "safety.ambush", "unknown alert %q", alertID)
	}
	if alert.Status != AlertActive {
		e.mu.Unlock()
		return fault.New(fault.Validation, "safety.ambush", "alert %q already %s", alertID, alert.Status)
	}
	alert.Status = AlertClosed
	alert.ClosedAt = now
	alert.ClosedBy = closedBy
	alert.CloseReason = reason
	for _, state := range e.officers {
		for id, w := range state.warnings {
			if w.AlertID == alertID {
				delete(state.warnings, id)
			}
		}
	}
	out := alert.clone()
	e.mu.Unlock()

	e.announceAlert(out, "ambush alert closed by supervisor")
	return nil
}

// Ambush returns a copy of the alert.
func (e *Engine) Ambush(alertID string) (AmbushAlert, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	alert, ok := e.alerts[alertID]
	if !ok {
		return AmbushAlert{}, false
	}
	return alert.clone(), true
}

// Ambushes returns every alert, newest first.
func (e *Engine) Ambushes() []AmbushAlert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AmbushAlert, 0, len(e.alerts))
	for _, alert := range e.alerts {
		out = append(out, alert.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].AlertID < out[j].AlertID
	})
	return out
}

// raiseAmbushLocked creates the alert and a critical ambush warning for
// each affected officer. Caller holds e.mu and announces afterwards.
func (e *Engine) raiseAmbushLocked(origin string, center geo.Point, indicators, officerIDs []string, now time.Time) (*AmbushAlert, []Warning) {
	sort.Strings(officerIDs)
	alert := &AmbushAlert{
		AlertID:    "amb_" + uuid.NewString(),
		Origin:     origin,
		Center:     center,
		Indicators: indicators,
		Actions:    defaultAmbushActions,
		OfficerIDs: officerIDs,
		Acked:      make(map[string]time.Time),
		Status:     AlertActive,
		CreatedAt:  now,
	}
	e.alerts[alert.AlertID] = alert

	var warnings []Warning
	for _, id := range officerIDs {
		state, ok := e.officers[id]
		if !ok {
			continue
		}
		w := &Warning{
			WarningID:  "warn_" + uuid.NewString(),
			OfficerID:  id,
			Type:       WarnAmbush,
			Level:      LevelCritical,
			AlertID:    alert.AlertID,
			Indicators: indicators,
			Actions:    defaultAmbushActions,
			CreatedAt:  now,
			ExpiresAt:  now.Add(e.cfg.WarningTTL()),
		}
		if state.located {
			w.DistanceM = geo.DistanceMeters(state.Location, center)
			w.Direction = geo.Cardinal(geo.BearingDegrees(state.Location, center))
		}
		state.warnings[w.WarningID] = w
		warnings = append(warnings, *w)
	}
	return alert, warnings
}

// ackAlertLocked records one officer's acknowledgment and closes the
// alert when everyone affected has acknowledged. Returns the closed
// alert for announcement, nil while still open.
func (e *Engine) ackAlertLocked(alertID, officerID string, now time.Time) *AmbushAlert {
	alert, ok := e.alerts[alertID]
	if !ok || alert.Status != AlertActive {
		return nil
	}
	alert.Acked[officerID] = now
	for _, id := range alert.OfficerIDs {
		if _, acked := alert.Acked[id]; !acked {
			return nil
		}
	}
	alert.Status = AlertClosed
	alert.ClosedAt = now
	alert.CloseReason = "all officers acknowledged"
	out := alert.clone()
	return &out
}

// officersNearLocked lists on-duty located officers within the ambush
// radius of a point.
func (e *Engine) officersNearLocked(center geo.Point) []string {
	var out []string
	for id, state := range e.officers {
		if !state.OnDuty || !state.located {
			continue
		}
		if geo.DistanceMeters(state.Location, center) <= e.cfg.AmbushRadiusM {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (e *Engine) activeAlertNearLocked(center geo.Point) *AmbushAlert {
	for _, alert := range e.alerts {
		if alert.Status != AlertActive {
			continue
		}
		if geo.DistanceMeters(alert.Center, center) <= e.cfg.AmbushRadiusM {
			return alert
		}
	}
	return nil
}

func (e *Engine) activeAlertForOfficerLocked(officerID string) *AmbushAlert {
	for _, alert := range e.alerts {
		if alert.Status != AlertActive {
			continue
		}
		for _, id := range alert.OfficerIDs {
			if id == officerID {
				return alert
			}
		}
	}
	return nil
}

func (a *AmbushAlert) clone() AmbushAlert {
	out := *a
	out.Indicators = append([]string(nil), a.Indicators...)
	out.Actions = append([]string(nil), a.Actions...)
	out.OfficerIDs = append([]string(nil), a.OfficerIDs...)
	out.Acked = make(map[string]time.Time, len(a.Acked))
	for k, v := range a.Acked {
		out.Acked[k] = v
	}
	return out
}
