package center

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/dispatch"
	"github.com/Mindburn-Labs/vigil/pkg/event"
	"github.com/Mindburn-Labs/vigil/pkg/fusion"
	"github.com/Mindburn-Labs/vigil/pkg/geo"
	"github.com/Mindburn-Labs/vigil/pkg/safety"
)

// requestedBy tags triggers the bridge raises itself, as opposed to
// operator-submitted manual triggers.
const requestedBy = "center"

// firedTrigger is one recent detection-derived trigger, kept for
// duplicate suppression.
type firedTrigger struct {
	trigger dispatch.TriggerType
	at      geo.Point
	when    time.Time
}

// suppressible marks detection-derived triggers that collapse to one
// sortie per incident locality: a gunshot and the fusion it later joins
// must not launch twice. Distress, ambush, and manual triggers always
// route; each carries explicit officer or operator intent.
var suppressible = map[dispatch.TriggerType]bool{
	dispatch.TriggerShotspotter:     true,
	dispatch.TriggerHotVehicle:      true,
	dispatch.Trigger911Keyword:      true,
	dispatch.TriggerCrash:           true,
	dispatch.TriggerPerimeterBreach: true,
}

// routeEvent feeds one accepted raw event into officer safety and the
// trigger path. Routing failures are logged, never propagated: the
// event is already durable and audited, and a safety hiccup must not
// bounce the vendor's webhook.
func (c *Center) routeEvent(ctx context.Context, ev *event.RawEvent) {
	c.bumpActivity(ev)
	loc := ev.Location.Point()

	switch p := ev.Payload.(type) {
	case event.GunshotPayload:
		c.routeTrigger(ctx, dispatch.Trigger{
			Type:          dispatch.TriggerShotspotter,
			Priority:      dispatch.PriorityHigh,
			ThreatLevel:   ev.Confidence,
			Location:      loc,
			Description:   fmt.Sprintf("gunshot detection, %d rounds", p.Rounds),
			ProbableCause: true,
			RequestedBy:   requestedBy,
		})

	case event.LPRPayload:
		if !p.HotlistMatch {
			return
		}
		if c.once("plate:"+p.Plate, c.cfg.Safety.WarningTTL()) {
			c.registerThreat(ctx, safety.Threat{
				Type:        "stolen_vehicle",
				Level:       safety.LevelHigh,
				Location:    loc,
				Description: "hotlist vehicle " + p.Plate,
				Source:      ev.EventID,
			})
		}
		c.routeTrigger(ctx, dispatch.Trigger{
			Type:        dispatch.TriggerHotVehicle,
			Priority:    dispatch.PriorityNormal,
			ThreatLevel: ev.Confidence,
			Location:    loc,
			Description: "hotlist hit on plate " + p.Plate,
			RequestedBy: requestedBy,
		})

	case event.CADPayload:
		alert, err := c.Safety.ReportCall(ctx, safety.Call{
			CallID:   p.CallID,
			Kind:     p.CallType,
			Location: loc,
			At:       ev.Timestamp,
		})
		if err != nil {
			c.logger.WarnContext(ctx, "call report failed", "event_id", ev.EventID, "error", err)
			return
		}
		if alert != nil {
			c.routeAlert(ctx, *alert)
		}

	case event.PanicPayload:
		if p.OfficerID != "" {
			if err := c.Safety.CheckIn(ctx, p.OfficerID, safety.CheckinEmergency); err != nil {
				c.logger.WarnContext(ctx, "emergency check-in failed",
					"officer_id", p.OfficerID, "error", err)
			}
		}
		c.routeTrigger(ctx, dispatch.Trigger{
			Type:          dispatch.TriggerOfficerDistress,
			ThreatLevel:   1,
			Location:      loc,
			Description:   "panic beacon activated, officer " + p.OfficerID,
			ProbableCause: true,
			RequestedBy:   requestedBy,
		})

	case event.VitalsPayload:
		if p.OfficerID == "" {
			return
		}
		if ev.Location != nil {
			c.moveOfficer(ctx, p.OfficerID, loc)
		}
		if p.PossibleFall {
			snap := safety.FallSnapshot{
				AccelMagnitude: accelMagnitude(p.Accelerometer),
				Location:       loc,
			}
			if err := c.Safety.ReportPossibleFall(ctx, p.OfficerID, snap); err != nil {
				c.logger.WarnContext(ctx, "fall report failed",
					"officer_id", p.OfficerID, "error", err)
			}
		}

	case event.BWCPayload:
		if p.OfficerID != "" && ev.Location != nil {
			c.moveOfficer(ctx, p.OfficerID, loc)
		}

	case event.TranscriptPayload:
		matched := c.dangerousKeywords(p.Keywords)
		if len(matched) == 0 {
			return
		}
		c.routeTrigger(ctx, dispatch.Trigger{
			Type:        dispatch.Trigger911Keyword,
			Priority:    dispatch.PriorityHigh,
			ThreatLevel: 0.7,
			Location:    loc,
			Description: "911 transcript keywords: " + strings.Join(matched, ", "),
			RequestedBy: requestedBy,
		})

	case event.EnvironmentalPayload:
		c.registerThreat(ctx, safety.Threat{
			Type:        "hazard",
			Level:       hazardLevel(p.Level),
			Location:    loc,
			Description: p.HazardType + " hazard reported",
			Source:      ev.EventID,
		})
	}
}

// routeFusion maps a created or extended fusion onto the trigger
// vocabulary. Vehicle-only and generic multi-source fusions stay on
// the bus for operator review; they launch nothing by themselves.
func (c *Center) routeFusion(ctx context.Context, f *fusion.FusedEvent) {
	switch f.CorrelationKind {
	case fusion.KindSensorLPR, fusion.KindGunshotIncident:
		c.routeTrigger(ctx, dispatch.Trigger{
			Type:          dispatch.TriggerShotspotter,
			Priority:      priorityFor(f.Severity),
			ThreatLevel:   f.Confidence,
			Location:      f.Center,
			FusionID:      f.FusionID,
			Description:   fmt.Sprintf("%s fusion of %d sources", f.CorrelationKind, len(f.Sources)),
			ProbableCause: true,
			RequestedBy:   requestedBy,
		})

	case fusion.KindEmergencyAlert:
		c.routeTrigger(ctx, dispatch.Trigger{
			Type:          dispatch.TriggerOfficerDistress,
			ThreatLevel:   1,
			Location:      f.Center,
			FusionID:      f.FusionID,
			Description:   fmt.Sprintf("emergency alert fusion of %d sources", len(f.Sources)),
			ProbableCause: true,
			RequestedBy:   requestedBy,
		})

	case fusion.KindCrowdHazard:
		if !c.once("fusion-threat:"+f.FusionID, c.cfg.Safety.WarningTTL()) {
			return
		}
		c.registerThreat(ctx, safety.Threat{
			Type:        "hazard",
			Level:       safety.LevelHigh,
			Location:    f.Center,
			Description: fmt.Sprintf("crowd hazard fusion of %d sources", len(f.Sources)),
			Source:      f.FusionID,
		})
	}
}

// routeAlert launches one sortie per ambush alert, regardless of how
// many calls or silences extended it.
func (c *Center) routeAlert(ctx context.Context, a safety.AmbushAlert) {
	if a.Status != safety.AlertActive {
		return
	}
	if !c.once("ambush:"+a.AlertID, 24*time.Hour) {
		return
	}
	c.routeTrigger(ctx, dispatch.Trigger{
		Type:          dispatch.TriggerAmbush,
		ThreatLevel:   1,
		Location:      a.Center,
		Description:   "ambush indicators: " + strings.Join(a.Indicators, ", "),
		ProbableCause: true,
		RequestedBy:   requestedBy,
	})
}

// routeFall launches a distress sortie to a confirmed-fall officer's
// last reported position. An officer with no telemetry still gets the
// sortie; the rule's notify channels carry the position gap to the
// supervisor.
func (c *Center) routeFall(ctx context.Context, officerID string) {
	var loc geo.Point
	if st, err := c.Safety.Status(officerID); err == nil {
		loc = st.LastLocation
	}
	c.routeTrigger(ctx, dispatch.Trigger{
		Type:          dispatch.TriggerOfficerDistress,
		ThreatLevel:   1,
		Location:      loc,
		Description:   "confirmed fall, officer " + officerID,
		ProbableCause: true,
		RequestedBy:   requestedBy,
	})
}

// routeTrigger hands one trigger to the dispatch engine. Denied and
// at-capacity outcomes are recorded on the request and its audit
// trail; the bridge only logs them.
func (c *Center) routeTrigger(ctx context.Context, trig dispatch.Trigger) {
	if suppressible[trig.Type] && c.suppress(trig) {
		c.logger.DebugContext(ctx, "duplicate trigger suppressed",
			"type", string(trig.Type), "description", trig.Description)
		return
	}
	if _, err := c.Dispatch.HandleTrigger(ctx, trig); err != nil {
		c.logger.WarnContext(ctx, "trigger not dispatched",
			"type", string(trig.Type), "error", err)
	}
}

// suppress reports whether an equivalent trigger already fired within
// the correlation window and radius, recording this one if not. The
// same locality that fuses two detections into one incident makes two
// triggers one sortie.
func (c *Center) suppress(trig dispatch.Trigger) bool {
	now := c.clock().UTC()
	window := c.cfg.Fusion.CorrelationWindow()
	radius := c.cfg.Fusion.CorrelationRadiusM

	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.fired[:0]
	for _, f := range c.fired {
		if now.Sub(f.when) <= window {
			kept = append(kept, f)
		}
	}
	c.fired = kept

	for _, f := range c.fired {
		if f.trigger == trig.Type && geo.DistanceMeters(f.at, trig.Location) <= radius {
			return true
		}
	}
	c.fired = append(c.fired, firedTrigger{trigger: trig.Type, at: trig.Location, when: now})
	return false
}

// once reports whether the key has not fired within ttl, recording it
// when it has not. Expired keys are pruned on the way through.
func (c *Center) once(key string, ttl time.Duration) bool {
	now := c.clock().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, at := range c.onceKeys {
		if now.Sub(at) > 24*time.Hour {
			delete(c.onceKeys, k)
		}
	}
	if at, ok := c.onceKeys[key]; ok && now.Sub(at) <= ttl {
		return false
	}
	c.onceKeys[key] = now
	return true
}

func (c *Center) registerThreat(ctx context.Context, t safety.Threat) {
	if t.ExpiresAt.IsZero() {
		t.ExpiresAt = c.clock().UTC().Add(c.cfg.Safety.WarningTTL())
	}
	if _, _, err := c.Safety.RegisterThreat(ctx, t); err != nil {
		c.logger.WarnContext(ctx, "threat registration failed",
			"threat_type", t.Type, "error", err)
	}
}

func (c *Center) moveOfficer(ctx context.Context, officerID string, loc geo.Point) {
	if _, err := c.Safety.UpdateLocation(ctx, officerID, loc); err != nil {
		// Telemetry routinely arrives for officers not on this center's
		// roster; that is not a fault worth an operator's attention.
		c.logger.DebugContext(ctx, "location update skipped",
			"officer_id", officerID, "error", err)
	}
}

// bumpActivity counts the event toward its zone's current interval.
// Payload zones win over the location grid so fixed sensors aggregate
// under their configured zone names.
func (c *Center) bumpActivity(ev *event.RawEvent) {
	zone := ""
	switch p := ev.Payload.(type) {
	case event.SensorPayload:
		zone = p.Zone
	case event.CrowdPayload:
		zone = p.Zone
	}
	if zone == "" {
		if ev.Location == nil {
			return
		}
		zone = gridZone(ev.Location.Point())
	}

	c.mu.Lock()
	c.activity[zone]++
	c.mu.Unlock()
}

// gridZone buckets a position into a roughly kilometer-scale cell.
func gridZone(p geo.Point) string {
	return fmt.Sprintf("cell:%.2f:%.2f", p.Lat, p.Lon)
}

// priorityFor maps fusion severity onto dispatch priority; the rule's
// floor still applies after this.
func priorityFor(s fusion.Severity) dispatch.Priority {
	switch s {
	case fusion.SeverityCritical:
		return dispatch.PriorityCritical
	case fusion.SeverityHigh:
		return dispatch.PriorityHigh
	case fusion.SeverityMedium:
		return dispatch.PriorityNormal
	default:
		return dispatch.PriorityLow
	}
}

func hazardLevel(level string) safety.ThreatLevel {
	switch strings.ToLower(level) {
	case "critical":
		return safety.LevelCritical
	case "high":
		return safety.LevelHigh
	case "low":
		return safety.LevelLow
	default:
		return safety.LevelMedium
	}
}

// dangerousKeywords intersects transcript keywords with the configured
// dangerous set, case-insensitively, preserving transcript order.
func (c *Center) dangerousKeywords(keywords []string) []string {
	var matched []string
	for _, kw := range keywords {
		for _, dangerous := range c.cfg.Dispatch.DangerousKeywords {
			if strings.EqualFold(kw, dangerous) {
				matched = append(matched, kw)
				break
			}
		}
	}
	return matched
}

func accelMagnitude(axes []float64) float64 {
	var sum float64
	for _, a := range axes {
		sum += a * a
	}
	return math.Sqrt(sum)
}
