package safety

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/vigil/pkg/audit"
	"github.com/Mindburn-Labs/vigil/pkg/bus"
	"github.com/Mindburn-Labs/vigil/pkg/config"
	"github.com/Mindburn-Labs/vigil/pkg/fault"
	"github.com/Mindburn-Labs/vigil/pkg/geo"
	"github.com/Mindburn-Labs/vigil/pkg/observability"
)

// officerState wraps the roster record with the engine's working set.
type officerState struct {
	Officer
	located  bool
	overdue  bool
	fallAt   time.Time
	warnings map[string]*Warning
	zones    map[string]bool
}

func (s *officerState) hasWarningForThreat(threatID string) bool {
	for _, w := range s.warnings {
		if w.ThreatID == threatID {
			return true
		}
	}
	return false
}

// Engine is the officer safety monitor. All state lives in memory under
// one mutex; warnings and alerts are audited and published on the bus as
// they are raised.
type Engine struct {
	cfg    config.SafetyConfig
	log    *audit.Log
	bus    *bus.Bus
	obs    *observability.Provider
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.Mutex
	officers map[string]*officerState
	threats  map[string]*Threat
	hotzones map[string]*Hotzone
	alerts   map[string]*AmbushAlert
	calls    []Call
}

func NewEngine(cfg config.SafetyConfig) *Engine {
	return &Engine{
		cfg:      cfg,
		logger:   slog.Default().With("component", "safety"),
		clock:    time.Now,
		officers: make(map[string]*officerState),
		threats:  make(map[string]*Threat),
		hotzones: make(map[string]*Hotzone),
		alerts:   make(map[string]*AmbushAlert),
	}
}

func (e *Engine) WithAudit(log *audit.Log) *Engine {
	e.log = log
	return e
}

func (e *Engine) WithBus(b *bus.Bus) *Engine {
	e.bus = b
	return e
}

func (e *Engine) WithObservability(p *observability.Provider) *Engine {
	e.obs = p
	return e
}

func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger.With("component", "safety")
	return e
}

func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// UpsertOfficer registers or refreshes a roster entry. A refresh updates
// identity and duty status but never discards active warnings, hotzone
// membership, or fall state.
func (e *Engine) UpsertOfficer(o Officer) Officer {
	now := e.clock().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.officers[o.OfficerID]
	if !ok {
		if o.FallState == "" {
			o.FallState = FallNormal
		}
		if o.LastCheckIn.IsZero() {
			o.LastCheckIn = now
		}
		o.LastSeen = now
		state = &officerState{
			Officer:  o,
			located:  o.Location != (geo.Point{}),
			warnings: make(map[string]*Warning),
			zones:    make(map[string]bool),
		}
		e.officers[o.OfficerID] = state
		return state.Officer
	}

	state.Callsign = o.Callsign
	state.Unit = o.Unit
	state.OnDuty = o.OnDuty
	if o.Location != (geo.Point{}) {
		state.Location = o.Location
		state.located = true
	}
	if !o.LastCheckIn.IsZero() {
		state.LastCheckIn = o.LastCheckIn
	}
	state.LastSeen = now
	return state.Officer
}

// SetDuty flips an officer on or off duty. Off-duty officers are skipped
// by proximity, hotzone, ambush, and check-in processing.
func (e *Engine) SetDuty(officerID string, onDuty bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.officers[officerID]
	if !ok {
		return fault.New(fault.Validation, "safety.duty", "unknown officer %q", officerID)
	}
	state.OnDuty = onDuty
	return nil
}

// UpdateLocation ingests one telemetry position: it materializes
// proximity warnings for threats now in radius, handles hotzone entry
// and exit, and returns the warnings the update created. Warnings for
// threats the officer has since moved away from stay active until they
// expire or are acknowledged.
func (e *Engine) UpdateLocation(ctx context.Context, officerID string, loc geo.Point) ([]Warning, error) {
	now := e.clock().UTC()

	e.mu.Lock()
	state, ok := e.officers[officerID]
	if !ok {
		e.mu.Unlock()
		return nil, fault.New(fault.Validation, "safety.location", "unknown officer %q", officerID)
	}
	state.Location = loc
	state.located = true
	state.LastSeen = now
	e.pruneWarningsLocked(state, now)

	var created, cleared []Warning
	if state.OnDuty {
		for _, t := range e.threats {
			if threatExpired(t, now) || state.hasWarningForThreat(t.ThreatID) {
				continue
			}
			dist := geo.DistanceMeters(loc, t.Location)
			if dist > e.cfg.RadiusFor(t.Type) {
				continue
			}
			created = append(created, e.addProximityWarningLocked(state, t, dist, now))
		}

		for zoneID, zone := range e.hotzones {
			inside := zone.Boundary.Contains(loc)
			switch {
			case inside && !state.zones[zoneID]:
				state.zones[zoneID] = true
				w := &Warning{
					WarningID: "warn_" + uuid.NewString(),
					OfficerID: state.OfficerID,
					Type:      WarnHotzone,
					Level:     zone.Level,
					Detail:    zone.Name,
					ZoneID:    zoneID,
					CreatedAt: now,
					ExpiresAt: now.Add(e.cfg.WarningTTL()),
				}
				state.warnings[w.WarningID] = w
				created = append(created, *w)
			case !inside && state.zones[zoneID]:
				delete(state.zones, zoneID)
				for id, w := range state.warnings {
					if w.ZoneID == zoneID {
						delete(state.warnings, id)
						cleared = append(cleared, *w)
					}
				}
			}
		}
	}
	e.mu.Unlock()

	for i := range created {
		e.announceWarning(ctx, created[i], "safety warning raised")
	}
	for i := range cleared {
		e.record(audit.ActionSafetyWarning, audit.SeverityInfo,
			"hotzone warning cleared on exit", warningDetails(cleared[i]))
	}
	return created, nil
}

// RegisterThreat adds a threat to the registry and immediately warns
// every on-duty officer already inside its radius.
func (e *Engine) RegisterThreat(ctx context.Context, t Threat) (Threat, []Warning, error) {
	if t.Type == "" {
		return Threat{}, nil, fault.New(fault.Validation, "safety.threat", "threat missing type")
	}
	if t.Level == "" {
		t.Level = LevelMedium
	}
	if !KnownLevel(t.Level) {
		return Threat{}, nil, fault.New(fault.Validation, "safety.threat", "unknown threat level %q", t.Level)
	}

	now := e.clock().UTC()
	if t.ThreatID == "" {
		t.ThreatID = "thr_" + uuid.NewString()
	}
	t.CreatedAt = now
	radius := e.cfg.RadiusFor(t.Type)

	e.mu.Lock()
	stored := t
	e.threats[t.ThreatID] = &stored

	var created []Warning
	for _, state := range e.officers {
		if !state.OnDuty || !state.located || state.hasWarningForThreat(t.ThreatID) {
			continue
		}
		dist := geo.DistanceMeters(state.Location, t.Location)
		if dist > radius {
			continue
		}
		created = append(created, e.addProximityWarningLocked(state, &stored, dist, now))
	}
	e.mu.Unlock()

	e.record(audit.ActionThreatRegistered, audit.SeverityInfo, "threat registered: "+t.Type,
		map[string]interface{}{
			"threat_id":    t.ThreatID,
			"threat_type":  t.Type,
			"threat_level": string(t.Level),
			"warned":       len(created),
		})
	for i := range created {
		e.announceWarning(ctx, created[i], "safety warning raised")
	}
	return t, created, nil
}

// ClearThreat removes a threat and every unexpired warning it produced;
// an explicit clear means the hazard is over, unlike natural expiry.
func (e *Engine) ClearThreat(ctx context.Context, threatID string) error {
	_ = ctx
	e.mu.Lock()
	t, ok := e.threats[threatID]
	if !ok {
		e.mu.Unlock()
		return fault.New(fault.Validation, "safety.threat", "unknown threat %q", threatID)
	}
	delete(e.threats, threatID)
	removed := 0
	for _, state := range e.officers {
		for id, w := range state.warnings {
			if w.ThreatID == threatID {
				delete(state.warnings, id)
				removed++
			}
		}
	}
	threatType := t.Type
	e.mu.Unlock()

	e.record(audit.ActionThreatRegistered, audit.SeverityInfo, "threat cleared: "+threatType,
		map[string]interface{}{"threat_id": threatID, "warnings_cleared": removed})
	return nil
}

// Acknowledge removes a warning from the officer's active set. Ambush
// warnings also count toward their alert's per-officer acknowledgment;
// the alert closes once every affected officer has acknowledged.
func (e *Engine) Acknowledge(ctx context.Context, officerID, warningID string) error {
	_ = ctx
	now := e.clock().UTC()

	e.mu.Lock()
	state, ok := e.officers[officerID]
	if !ok {
		e.mu.Unlock()
		return fault.New(fault.Validation, "safety.ack", "unknown officer %q", officerID)
	}
	w, ok := state.warnings[warningID]
	if !ok {
		e.mu.Unlock()
		return fault.New(fault.Validation, "safety.ack", "no active warning %q for officer %q", warningID, officerID)
	}
	delete(state.warnings, warningID)
	ack := *w
	var closed *AmbushAlert
	if w.AlertID != "" {
		closed = e.ackAlertLocked(w.AlertID, officerID, now)
	}
	e.mu.Unlock()

	e.record(audit.ActionSafetyWarning, audit.SeverityInfo, "warning acknowledged", warningDetails(ack))
	if closed != nil {
		e.announceAlert(*closed, "ambush alert closed: all officers acknowledged")
	}
	return nil
}

// SetHotzones replaces the hotzone table. Officers inside a zone that
// vanished are treated as having exited it.
func (e *Engine) SetHotzones(zones []Hotzone) error {
	table := make(map[string]*Hotzone, len(zones))
	for i := range zones {
		z := zones[i]
		if z.ZoneID == "" {
			return fault.New(fault.Validation, "safety.hotzone", "hotzone missing zone_id")
		}
		if len(z.Boundary) < 3 {
			return fault.New(fault.Validation, "safety.hotzone", "hotzone %q boundary has fewer than 3 vertices", z.ZoneID)
		}
		if z.Level == "" {
			z.Level = LevelMedium
		}
		if !KnownLevel(z.Level) {
			return fault.New(fault.Validation, "safety.hotzone", "hotzone %q has unknown risk_level %q", z.ZoneID, z.Level)
		}
		if _, dup := table[z.ZoneID]; dup {
			return fault.New(fault.Validation, "safety.hotzone", "duplicate hotzone %q", z.ZoneID)
		}
		table[z.ZoneID] = &z
	}

	e.mu.Lock()
	e.hotzones = table
	for _, state := range e.officers {
		for zoneID := range state.zones {
			if _, still := table[zoneID]; still {
				continue
			}
			delete(state.zones, zoneID)
			for id, w := range state.warnings {
				if w.ZoneID == zoneID {
					delete(state.warnings, id)
				}
			}
		}
	}
	e.mu.Unlock()

	e.logger.Info("hotzone table replaced", "zones", len(table))
	return nil
}

// CheckIn resets the officer's check-in timer. An emergency check-in
// additionally raises a critical warning.
func (e *Engine) CheckIn(ctx context.Context, officerID, kind string) error {
	switch kind {
	case CheckinSelf, CheckinOperator, CheckinEmergency:
	default:
		return fault.New(fault.Validation, "safety.checkin", "unknown check-in kind %q", kind)
	}
	now := e.clock().UTC()

	e.mu.Lock()
	state, ok := e.officers[officerID]
	if !ok {
		e.mu.Unlock()
		return fault.New(fault.Validation, "safety.checkin", "unknown officer %q", officerID)
	}
	state.LastCheckIn = now
	state.overdue = false
	var emergency *Warning
	if kind == CheckinEmergency {
		emergency = &Warning{
			WarningID: "warn_" + uuid.NewString(),
			OfficerID: officerID,
			Type:      WarnEmergencyCheckin,
			Level:     LevelCritical,
			Detail:    "emergency check-in",
			CreatedAt: now,
			ExpiresAt: now.Add(e.cfg.WarningTTL()),
		}
		state.warnings[emergency.WarningID] = emergency
	}
	var w Warning
	if emergency != nil {
		w = *emergency
	}
	e.mu.Unlock()

	if emergency != nil {
		e.announceWarning(ctx, w, "emergency check-in")
	} else {
		e.logger.Debug("officer checked in", "officer_id", officerID, "kind", kind)
	}
	return nil
}

// Sweep is the periodic maintenance pass: it expires threats and
// warnings, flags overdue check-ins, and escalates unacknowledged
// possible falls to confirmed.
func (e *Engine) Sweep(ctx context.Context) SweepReport {
	now := e.clock().UTC()

	e.mu.Lock()
	var report SweepReport
	for id, t := range e.threats {
		if threatExpired(t, now) {
			delete(e.threats, id)
			report.ExpiredThreats++
		}
	}

	var newlyOverdue []string
	var confirmed []Warning
	for _, state := range e.officers {
		report.ExpiredWarnings += e.pruneWarningsLocked(state, now)
		if !state.OnDuty {
			continue
		}
		if now.Sub(state.LastCheckIn) > e.cfg.CheckinInterval() {
			report.OverdueOfficers = append(report.OverdueOfficers, state.OfficerID)
			if !state.overdue {
				state.overdue = true
				newlyOverdue = append(newlyOverdue, state.OfficerID)
			}
		}
		if state.FallState == FallPossible && now.Sub(state.fallAt) >= e.cfg.FallConfirmTimeout() {
			state.FallState = FallConfirmed
			w := &Warning{
				WarningID: "warn_" + uuid.NewString(),
				OfficerID: state.OfficerID,
				Type:      WarnFall,
				Level:     LevelCritical,
				Detail:    "possible fall unacknowledged past confirmation window",
				CreatedAt: now,
				ExpiresAt: now.Add(e.cfg.WarningTTL()),
			}
			state.warnings[w.WarningID] = w
			confirmed = append(confirmed, *w)
			report.ConfirmedFalls = append(report.ConfirmedFalls, state.OfficerID)
		}
	}
	sort.Strings(report.OverdueOfficers)
	sort.Strings(report.ConfirmedFalls)
	e.mu.Unlock()

	for _, id := range newlyOverdue {
		e.record(audit.ActionCheckinOverdue, audit.SeverityWarning, "officer check-in overdue",
			map[string]interface{}{"officer_id": id})
	}
	for i := range confirmed {
		e.record(audit.ActionFallEvent, audit.SeverityCritical, "fall confirmed after timeout",
			map[string]interface{}{"officer_id": confirmed[i].OfficerID, "warning_id": confirmed[i].WarningID})
		e.announceWarning(ctx, confirmed[i], "fall confirmed")
	}
	return report
}

// Status derives the officer's current view: threat level and score
// from unexpired warnings, hotzone membership, check-in standing.
func (e *Engine) Status(officerID string) (OfficerStatus, error) {
	now := e.clock().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.officers[officerID]
	if !ok {
		return OfficerStatus{}, fault.New(fault.Validation, "safety.status", "unknown officer %q", officerID)
	}
	e.pruneWarningsLocked(state, now)
	return e.statusLocked(state, now), nil
}

// Statuses returns the whole board, sorted by officer id.
func (e *Engine) Statuses() []OfficerStatus {
	now := e.clock().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]OfficerStatus, 0, len(e.officers))
	for _, state := range e.officers {
		e.pruneWarningsLocked(state, now)
		out = append(out, e.statusLocked(state, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OfficerID < out[j].OfficerID })
	return out
}

// Threats returns the live registry, sorted by id.
func (e *Engine) Threats() []Threat {
	now := e.clock().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Threat, 0, len(e.threats))
	for _, t := range e.threats {
		if threatExpired(t, now) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThreatID < out[j].ThreatID })
	return out
}

func (e *Engine) statusLocked(state *officerState, now time.Time) OfficerStatus {
	warnings := make([]Warning, 0, len(state.warnings))
	level := LevelNone
	remainder := 1.0
	for _, w := range state.warnings {
		warnings = append(warnings, *w)
		level = MaxLevel(level, w.Level)
		remainder *= 1 - levelWeight[w.Level]
	}
	sort.Slice(warnings, func(i, j int) bool {
		if !warnings[i].CreatedAt.Equal(warnings[j].CreatedAt) {
			return warnings[i].CreatedAt.Before(warnings[j].CreatedAt)
		}
		return warnings[i].WarningID < warnings[j].WarningID
	})

	zones := make([]string, 0, len(state.zones))
	for id := range state.zones {
		zones = append(zones, id)
	}
	sort.Strings(zones)

	return OfficerStatus{
		OfficerID:      state.OfficerID,
		Callsign:       state.Callsign,
		OnDuty:         state.OnDuty,
		ThreatLevel:    level,
		ThreatScore:    1 - remainder,
		ActiveWarnings: warnings,
		InHotzone:      len(zones) > 0,
		Hotzones:       zones,
		LastCheckIn:    state.LastCheckIn,
		LastLocation:   state.Location,
		CheckinOverdue: state.OnDuty && now.Sub(state.LastCheckIn) > e.cfg.CheckinInterval(),
		FallState:      state.FallState,
	}
}

func (e *Engine) addProximityWarningLocked(state *officerState, t *Threat, dist float64, now time.Time) Warning {
	w := &Warning{
		WarningID: "warn_" + uuid.NewString(),
		OfficerID: state.OfficerID,
		Type:      t.Type,
		Level:     t.Level,
		Direction: geo.Cardinal(geo.BearingDegrees(state.Location, t.Location)),
		DistanceM: dist,
		Detail:    t.Description,
		ThreatID:  t.ThreatID,
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.WarningTTL()),
	}
	state.warnings[w.WarningID] = w
	return *w
}

func (e *Engine) pruneWarningsLocked(state *officerState, now time.Time) int {
	expired := 0
	for id, w := range state.warnings {
		if now.After(w.ExpiresAt) {
			delete(state.warnings, id)
			expired++
		}
	}
	return expired
}

func threatExpired(t *Threat, now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

func (e *Engine) announceWarning(ctx context.Context, w Warning, description string) {
	severity := audit.SeverityInfo
	switch w.Level {
	case LevelCritical:
		severity = audit.SeverityCritical
	case LevelHigh:
		severity = audit.SeverityWarning
	}
	e.record(audit.ActionSafetyWarning, severity, description, warningDetails(w))
	if e.bus != nil {
		e.bus.Publish(TopicWarning, w)
	}
	if e.obs != nil {
		e.obs.RecordWarning(ctx, observability.SafetyOperation(w.OfficerID, w.Type, string(w.Level))...)
	}
}

func (e *Engine) announceAlert(a AmbushAlert, description string) {
	severity := audit.SeverityCritical
	if a.Status == AlertClosed {
		severity = audit.SeverityInfo
	}
	e.record(audit.ActionAmbushAlert, severity, description, map[string]interface{}{
		"alert_id": a.AlertID,
		"origin":   a.Origin,
		"officers": len(a.OfficerIDs),
		"status":   a.Status,
	})
	if e.bus != nil {
		e.bus.Publish(TopicAlert, a)
	}
}

func (e *Engine) record(kind audit.ActionKind, severity audit.Severity, description string, details map[string]interface{}) {
	if e.log == nil {
		return
	}
	if _, err := e.log.Append(kind, severity, "safety", description, details, ""); err != nil {
		e.logger.Warn("safety audit append failed", "error", err)
	}
}

func warningDetails(w Warning) map[string]interface{} {
	details := map[string]interface{}{
		"warning_id":   w.WarningID,
		"officer_id":   w.OfficerID,
		"warning_type": w.Type,
		"threat_level": string(w.Level),
	}
	if w.ThreatID != "" {
		details["threat_id"] = w.ThreatID
	}
	if w.ZoneID != "" {
		details["zone_id"] = w.ZoneID
	}
	if w.AlertID != "" {
		details["alert_id"] = w.AlertID
	}
	if w.DistanceM > 0 {
		details["distance_m"] = w.DistanceM
		details["direction"] = w.Direction
	}
	return details
}
