package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/vigil/pkg/approval"
	"github.com/Mindburn-Labs/vigil/pkg/audit"
	"github.com/Mindburn-Labs/vigil/pkg/bus"
	"github.com/Mindburn-Labs/vigil/pkg/config"
	"github.com/Mindburn-Labs/vigil/pkg/fault"
	"github.com/Mindburn-Labs/vigil/pkg/guardrail"
	"github.com/Mindburn-Labs/vigil/pkg/observability"
)

// TopicRequest carries dispatch request lifecycle updates on the bus.
const TopicRequest = "dispatch.request"

// TopicNotify carries operator notifications: approvals wanted, unfilled
// dispatches, channel fan-outs from trigger rules.
const TopicNotify = "dispatch.notify"

// evaluationFloor is the score below which a trigger is cancelled outright.
const evaluationFloor = 0.5

// Notification is the operator-facing message published on TopicNotify.
type Notification struct {
	Kind      string    `json:"kind"`
	RequestID string    `json:"request_id"`
	Trigger   string    `json:"trigger,omitempty"`
	Channels  []string  `json:"channels,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// missionStage orders the commands a dispatch issues: launch, transit to
// the target, then hold on station per the rule's loiter behavior.
type missionStage int

const (
	stageLaunch missionStage = iota
	stageTransit
	stageStation
)

type missionRef struct {
	requestID string
	stage     missionStage
}

// Engine turns triggers into missions. Each trigger runs the same path:
// evaluate, clear the guardrail, obtain approval when the rule demands it,
// select an actuator by ETA, and drive the airframe through launch,
// transit, and on-station stages via the Commander. Request state advances
// from command terminals, so the engine never polls the fleet. All request
// mutation happens under one mutex; command outcomes arrive on transport
// worker goroutines.
type Engine struct {
	cfg       config.DispatchConfig
	registry  *Registry
	commander *Commander
	gate      *approval.Gate

	log    *audit.Log
	bus    *bus.Bus
	obs    *observability.Provider
	logger *slog.Logger
	clock  func() time.Time

	mu        sync.Mutex
	rules     map[TriggerType]TriggerRule
	requests  map[string]*DispatchRequest
	missions  map[string]missionRef // command id -> mission stage
	decisions map[string]*guardrail.Decision
	active    int
}

// NewEngine builds the dispatch engine and hooks it into the commander's
// terminal stream.
func NewEngine(registry *Registry, commander *Commander, cfg config.DispatchConfig) *Engine {
	e := &Engine{
		cfg:       cfg,
		rules:     DefaultTriggerRules(),
		registry:  registry,
		commander: commander,
		logger:    slog.Default().With("component", "dispatch"),
		clock:     time.Now,
		requests:  make(map[string]*DispatchRequest),
		missions:  make(map[string]missionRef),
		decisions: make(map[string]*guardrail.Decision),
	}
	commander.OnTerminal(e.onCommandTerminal)
	return e
}

// WithGate attaches the guardrail gate. Without one the engine dispatches
// on rule evaluation alone; the server always attaches it.
func (e *Engine) WithGate(gate *approval.Gate) *Engine {
	e.gate = gate
	return e
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
	e.logger = logger.With("component", "dispatch")
	return e
}

func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// SetRules replaces the trigger rule table.
func (e *Engine) SetRules(rules map[TriggerType]TriggerRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
}

// RuleFor returns the active rule for a trigger type.
func (e *Engine) RuleFor(t TriggerType) (TriggerRule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[t]
	return r, ok
}

// effectivePriority applies the rule floor, the dangerous-keyword floor,
// and the critical-trigger override. Priorities only ever rise.
func (e *Engine) effectivePriority(trigger *Trigger, rule TriggerRule) Priority {
	p := trigger.Priority
	if _, ok := p.TierScore(); !ok {
		p = PriorityNormal
	}
	if rule.MinPriority != "" && !p.AtLeast(rule.MinPriority) {
		p = rule.MinPriority
	}
	if e.containsDangerousKeyword(trigger.Description) && !p.AtLeast(PriorityUrgent) {
		p = PriorityUrgent
	}
	if criticalTriggers[trigger.Type] {
		p = PriorityCritical
	}
	return p
}

func (e *Engine) containsDangerousKeyword(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range e.cfg.DangerousKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// evaluationScore is the mean of the priority tier score, the normalized
// threat level, and the rule-enabled flag.
func evaluationScore(priority Priority, threat float64, enabled bool) float64 {
	tier, _ := priority.TierScore()
	threat = math.Max(0, math.Min(1, threat))
	flag := 0.0
	if enabled {
		flag = 1.0
	}
	return (tier + threat + flag) / 3
}

// HandleTrigger runs one trigger through evaluation, clearance, and
// assignment. The returned request carries the outcome; the error is a
// Policy fault when the guardrail denied the sortie and a Capacity fault
// when the engine is at its concurrent-dispatch ceiling.
func (e *Engine) HandleTrigger(ctx context.Context, trigger Trigger) (*DispatchRequest, error) {
	if !KnownTrigger(trigger.Type) {
		return nil, fault.New(fault.Validation, "dispatch.trigger", "unknown trigger type %q", trigger.Type)
	}

	e.mu.Lock()
	rule, ok := e.rules[trigger.Type]
	e.mu.Unlock()
	if !ok {
		return nil, fault.New(fault.Validation, "dispatch.trigger", "no rule for trigger %q", trigger.Type)
	}

	now := e.clock().UTC()
	req := &DispatchRequest{
		RequestID: "req_" + uuid.NewString(),
		Trigger:   trigger.Type,
		Priority:  e.effectivePriority(&trigger, rule),
		Status:    StatusEvaluating,
		FusionID:  trigger.FusionID,
		Location:  trigger.Location,
		CreatedAt: now,
		UpdatedAt: now,
		trigger:   trigger,
	}
	req.Score = evaluationScore(req.Priority, trigger.ThreatLevel, rule.Enabled)

	e.mu.Lock()
	e.requests[req.RequestID] = req
	snapshot := *req
	e.mu.Unlock()

	e.record(audit.ActionDispatchCreated, audit.SeverityInfo, &snapshot,
		fmt.Sprintf("trigger %s evaluated at %.2f", trigger.Type, req.Score))
	if e.obs != nil {
		e.obs.RecordRequest(ctx, observability.DispatchOperation(snapshot.RequestID,
			string(snapshot.Trigger), string(snapshot.Priority))...)
	}

	if snapshot.Score < evaluationFloor {
		e.close(req, StatusCancelled,
			fmt.Sprintf("evaluation score %.2f below dispatch floor", snapshot.Score))
		return req, nil
	}

	// Guardrail clearance precedes approval and assignment: a denied sortie
	// should not wait on a human.
	if e.gate != nil {
		decision, apr, err := e.gate.Evaluate(ctx, e.actionContext(&snapshot))
		if err != nil {
			e.close(req, StatusFailed, "guardrail evaluation failed: "+err.Error())
			return req, err
		}
		e.mu.Lock()
		req.DecisionID = decision.DecisionID
		e.decisions[req.RequestID] = decision
		e.mu.Unlock()

		if !decision.Allowed() {
			e.close(req, StatusCancelled, "guardrail denied: "+decision.Reason)
			return req, fault.New(fault.Policy, "dispatch.trigger",
				"guardrail denied dispatch: %s", decision.Reason)
		}
		if decision.NeedsApproval() {
			e.mu.Lock()
			req.ApprovalID = apr.RequestID
			e.mu.Unlock()
			e.hold(req, "guardrail requires approval: "+decision.Reason)
			return req, nil
		}
	}

	if (rule.RequireApproval || e.cfg.RequireOperatorApproval) && !trigger.OperatorOverride {
		e.hold(req, "trigger rule requires operator approval")
		return req, nil
	}

	return e.assign(ctx, req, rule)
}

// actionContext projects a dispatch request onto the guardrail's input.
func (e *Engine) actionContext(req *DispatchRequest) guardrail.ActionContext {
	return guardrail.ActionContext{
		ActionID:      req.RequestID,
		Type:          guardrail.ActionDroneSortie,
		ProbableCause: req.trigger.ProbableCause,
		RequestedBy:   req.trigger.RequestedBy,
		SessionID:     req.trigger.SessionID,
	}
}

// hold parks the request pending approval and tells the operators.
func (e *Engine) hold(req *DispatchRequest, detail string) {
	e.mu.Lock()
	req.Status = StatusPending
	req.Reason = detail
	req.UpdatedAt = e.clock().UTC()
	snapshot := *req
	e.mu.Unlock()

	e.record(audit.ActionDispatchCreated, audit.SeverityInfo, &snapshot, "dispatch held: "+detail)
	e.publish(snapshot)
	e.notify("approval_required", &snapshot, detail, nil)
}

// assign selects an actuator and starts the mission. Requests that cannot
// be filled are retained as no_actuator_available until their retry window
// lapses.
func (e *Engine) assign(ctx context.Context, req *DispatchRequest, rule TriggerRule) (*DispatchRequest, error) {
	e.mu.Lock()
	if e.cfg.MaxConcurrentDispatches > 0 && e.active >= e.cfg.MaxConcurrentDispatches {
		req.Status = StatusPending
		req.Reason = "max concurrent dispatches reached"
		req.UpdatedAt = e.clock().UTC()
		snapshot := *req
		e.mu.Unlock()
		e.publish(snapshot)
		return req, fault.New(fault.Capacity, "dispatch.assign",
			"at concurrent dispatch ceiling (%d)", e.cfg.MaxConcurrentDispatches)
	}
	e.mu.Unlock()

	radius := rule.ResponseRadiusM
	if radius <= 0 {
		radius = e.cfg.DefaultResponseRadiusM
	}

	candidates := e.registry.Select(req.Location, radius, rule.RequiredCapabilities, e.cfg.MinBattery)
	var chosen string
	for i := range candidates {
		if err := e.registry.Assign(candidates[i].Actuator.ActuatorID); err == nil {
			chosen = candidates[i].Actuator.ActuatorID
			break
		}
	}
	if chosen == "" {
		e.mu.Lock()
		now := e.clock().UTC()
		req.Status = StatusNoActuatorAvailable
		req.Reason = "no actuator satisfies capabilities and battery within radius"
		req.RetryUntil = now.Add(e.cfg.RetryWindow())
		req.UpdatedAt = now
		snapshot := *req
		e.mu.Unlock()

		e.record(audit.ActionDispatchUnfilled, audit.SeverityWarning, &snapshot, snapshot.Reason)
		e.publish(snapshot)
		e.notify("no_actuator_available", &snapshot, snapshot.Reason, rule.NotifyChannels)
		return req, nil
	}

	return e.launch(ctx, req, rule, chosen)
}

// launch marks the request dispatched and then issues the mission
// commands. Dispatched state is published before the first command goes
// out so command terminals, which can arrive on another goroutine within
// microseconds, only ever move the request forward.
func (e *Engine) launch(ctx context.Context, req *DispatchRequest, rule TriggerRule, actuatorID string) (*DispatchRequest, error) {
	now := e.clock().UTC()

	e.mu.Lock()
	req.ActuatorID = actuatorID
	req.Status = StatusDispatched
	req.ResponseTimeMS = now.Sub(req.CreatedAt).Milliseconds()
	req.UpdatedAt = now
	e.active++
	snapshot := *req
	e.mu.Unlock()

	e.record(audit.ActionDispatchAssigned, audit.SeverityInfo, &snapshot,
		fmt.Sprintf("actuator %s assigned to %s", actuatorID, snapshot.Trigger))
	e.publish(snapshot)
	e.notify("dispatched", &snapshot, "actuator "+actuatorID+" en route", rule.NotifyChannels)

	mission := []struct {
		stage missionStage
		cmd   *Command
	}{
		{stageLaunch, &Command{
			ActuatorID: actuatorID, Type: CmdTakeoff, Priority: snapshot.Priority, RequestID: snapshot.RequestID,
		}},
		{stageTransit, &Command{
			ActuatorID: actuatorID, Type: CmdGoto, Priority: snapshot.Priority, RequestID: snapshot.RequestID,
			Params: CommandParams{Target: &snapshot.Location},
		}},
		{stageStation, &Command{
			ActuatorID: actuatorID, Type: rule.LoiterCommand(), Priority: snapshot.Priority, RequestID: snapshot.RequestID,
			Params: CommandParams{Target: &snapshot.Location, RadiusM: 100},
		}},
	}

	for _, step := range mission {
		step.cmd.CommandID = "cmd_" + uuid.NewString()

		e.mu.Lock()
		if TerminalRequest(req.Status) {
			// An earlier stage already failed and closed the mission.
			e.mu.Unlock()
			return req, nil
		}
		e.missions[step.cmd.CommandID] = missionRef{requestID: req.RequestID, stage: step.stage}
		e.mu.Unlock()

		if _, err := e.commander.Submit(ctx, step.cmd); err != nil {
			e.mu.Lock()
			delete(e.missions, step.cmd.CommandID)
			e.mu.Unlock()
			e.finishMission(req, StatusFailed, "mission command rejected: "+err.Error())
			return req, err
		}
	}
	return req, nil
}

// onCommandTerminal advances request state from mission command outcomes.
// Launch completing puts the request en route, transit completing puts it
// on scene, and the station command ending closes the mission.
func (e *Engine) onCommandTerminal(cmd Command) {
	e.mu.Lock()
	ref, ok := e.missions[cmd.CommandID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.missions, cmd.CommandID)
	req, live := e.requests[ref.requestID]
	terminal := live && TerminalRequest(req.Status)
	e.mu.Unlock()
	if !live || terminal {
		return
	}

	switch cmd.Status {
	case CmdCompleted:
		switch ref.stage {
		case stageLaunch:
			e.advance(req, StatusEnRoute, "")
		case stageTransit:
			e.advance(req, StatusOnScene, "")
		case stageStation:
			e.finishMission(req, StatusCompleted, "mission complete")
		}
	case CmdCancelled:
		reason := cmd.Reason
		if reason == "" {
			reason = "mission command cancelled"
		}
		e.finishMission(req, StatusCancelled, reason)
	case CmdFailed, CmdTimeout:
		e.finishMission(req, StatusFailed,
			fmt.Sprintf("%s command %s: %s", cmd.Type, cmd.Status, cmd.Reason))
	}
}

// advance moves a live request forward and publishes the change.
func (e *Engine) advance(req *DispatchRequest, status RequestStatus, reason string) {
	e.mu.Lock()
	if TerminalRequest(req.Status) {
		e.mu.Unlock()
		return
	}
	req.Status = status
	if reason != "" {
		req.Reason = reason
	}
	req.UpdatedAt = e.clock().UTC()
	snapshot := *req
	e.mu.Unlock()
	e.publish(snapshot)
}

// finishMission closes the request, cancels any outstanding mission
// commands, and releases the actuator.
func (e *Engine) finishMission(req *DispatchRequest, status RequestStatus, reason string) {
	e.mu.Lock()
	if TerminalRequest(req.Status) {
		e.mu.Unlock()
		return
	}
	var residual []string
	for id, ref := range e.missions {
		if ref.requestID == req.RequestID {
			residual = append(residual, id)
			delete(e.missions, id)
		}
	}
	e.active--
	actuatorID := req.ActuatorID
	e.mu.Unlock()

	// Cancel queued mission commands before the executing one, otherwise
	// the commander promotes a just-cancelled queue entry into the freed
	// active slot.
	var activeID string
	if cur, ok := e.commander.Active(actuatorID); ok {
		activeID = cur.CommandID
	}
	sort.Strings(residual)
	var last string
	for _, id := range residual {
		if id == activeID {
			last = id
			continue
		}
		if _, err := e.commander.Cancel(context.Background(), id, "mission ended: "+reason); err != nil {
			e.logger.Debug("mission wrap-up cancel skipped", "command_id", id, "error", err)
		}
	}
	if last != "" {
		if _, err := e.commander.Cancel(context.Background(), last, "mission ended: "+reason); err != nil {
			e.logger.Debug("mission wrap-up cancel skipped", "command_id", last, "error", err)
		}
	}
	if actuatorID != "" {
		e.registry.Release(actuatorID)
	}
	e.close(req, status, reason)
}

// close marks the request terminal with an audit entry. Safe to call for
// requests that never held an actuator.
func (e *Engine) close(req *DispatchRequest, status RequestStatus, reason string) {
	e.mu.Lock()
	if TerminalRequest(req.Status) {
		e.mu.Unlock()
		return
	}
	req.Status = status
	req.Reason = reason
	req.UpdatedAt = e.clock().UTC()
	snapshot := *req
	e.mu.Unlock()

	kind := audit.ActionDispatchResolved
	severity := audit.SeverityInfo
	switch status {
	case StatusCancelled:
		kind = audit.ActionDispatchCancelled
	case StatusFailed:
		severity = audit.SeverityWarning
	}
	e.record(kind, severity, &snapshot, "dispatch "+string(status)+": "+reason)
	e.publish(snapshot)
}

// Resume re-runs a held request. Pending requests proceed once their
// guardrail decision has cleared (or an operator takes responsibility);
// unfilled requests retry actuator selection inside their window.
func (e *Engine) Resume(ctx context.Context, requestID string, operatorOverride bool) (*DispatchRequest, error) {
	e.mu.Lock()
	req, ok := e.requests[requestID]
	if !ok {
		e.mu.Unlock()
		return nil, fault.New(fault.Validation, "dispatch.resume", "unknown request %q", requestID)
	}
	rule, ruleOK := e.rules[req.Trigger]
	decision := e.decisions[requestID]
	status := req.Status
	retryUntil := req.RetryUntil
	approvalID := req.ApprovalID
	override := req.trigger.OperatorOverride
	e.mu.Unlock()
	if !ruleOK {
		return nil, fault.New(fault.Validation, "dispatch.resume", "no rule for trigger %q", req.Trigger)
	}

	switch status {
	case StatusPending:
		if decision != nil && decision.NeedsApproval() && !e.gate.Cleared(decision) {
			return req, fault.New(fault.Policy, "dispatch.resume",
				"request %q awaits approval %s", requestID, approvalID)
		}
		if (rule.RequireApproval || e.cfg.RequireOperatorApproval) &&
			!override && !operatorOverride && approvalID == "" {
			return req, fault.New(fault.Policy, "dispatch.resume",
				"request %q requires operator approval", requestID)
		}
		return e.assign(ctx, req, rule)
	case StatusNoActuatorAvailable:
		if e.clock().UTC().After(retryUntil) {
			e.close(req, StatusCancelled, "retry window elapsed with no actuator")
			return req, fault.New(fault.Capacity, "dispatch.resume",
				"request %q retry window elapsed", requestID)
		}
		return e.assign(ctx, req, rule)
	default:
		return req, fault.New(fault.Validation, "dispatch.resume",
			"request %q is %s, not resumable", requestID, status)
	}
}

// AssignManual lets an operator put a specific actuator on a held or
// unfilled request, bypassing selection but not the battery floor.
func (e *Engine) AssignManual(ctx context.Context, requestID, actuatorID string) (*DispatchRequest, error) {
	e.mu.Lock()
	req, ok := e.requests[requestID]
	if !ok {
		e.mu.Unlock()
		return nil, fault.New(fault.Validation, "dispatch.assign_manual", "unknown request %q", requestID)
	}
	rule, ruleOK := e.rules[req.Trigger]
	status := req.Status
	e.mu.Unlock()
	if !ruleOK {
		return nil, fault.New(fault.Validation, "dispatch.assign_manual", "no rule for trigger %q", req.Trigger)
	}
	if status != StatusPending && status != StatusNoActuatorAvailable {
		return nil, fault.New(fault.Validation, "dispatch.assign_manual",
			"request %q is %s, not assignable", requestID, status)
	}

	a, found := e.registry.Get(actuatorID)
	if !found {
		return nil, fault.New(fault.Validation, "dispatch.assign_manual", "unknown actuator %q", actuatorID)
	}
	if a.Battery < e.cfg.MinBattery {
		return nil, fault.New(fault.Validation, "dispatch.assign_manual",
			"actuator %q battery %.2f below floor %.2f", actuatorID, a.Battery, e.cfg.MinBattery)
	}
	if err := e.registry.Assign(actuatorID); err != nil {
		return nil, err
	}
	return e.launch(ctx, req, rule, actuatorID)
}

// CancelRequest cancels a live request, recalling its mission when one is
// flying.
func (e *Engine) CancelRequest(ctx context.Context, requestID, reason string) (*DispatchRequest, error) {
	_ = ctx
	e.mu.Lock()
	req, ok := e.requests[requestID]
	if !ok {
		e.mu.Unlock()
		return nil, fault.New(fault.Validation, "dispatch.cancel", "unknown request %q", requestID)
	}
	status := req.Status
	e.mu.Unlock()

	if TerminalRequest(status) {
		return nil, fault.New(fault.Validation, "dispatch.cancel",
			"request %q already %s", requestID, status)
	}

	switch status {
	case StatusDispatched, StatusEnRoute, StatusOnScene:
		e.finishMission(req, StatusCancelled, reason)
	default:
		e.close(req, StatusCancelled, reason)
	}
	return req, nil
}

// Sweep expires unfilled requests whose retry window has lapsed and
// returns how many it closed. The server runs this on a cadence alongside
// the commander's timeout sweep.
func (e *Engine) Sweep(ctx context.Context) int {
	_ = ctx
	now := e.clock().UTC()

	e.mu.Lock()
	var lapsed []*DispatchRequest
	for _, req := range e.requests {
		if req.Status == StatusNoActuatorAvailable && now.After(req.RetryUntil) {
			lapsed = append(lapsed, req)
		}
	}
	e.mu.Unlock()

	for _, req := range lapsed {
		e.close(req, StatusCancelled, "retry window elapsed with no actuator")
	}
	return len(lapsed)
}

// Get returns a copy of the request.
func (e *Engine) Get(requestID string) (DispatchRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.requests[requestID]
	if !ok {
		return DispatchRequest{}, false
	}
	return *req, true
}

// List returns copies of every request, newest first.
func (e *Engine) List() []DispatchRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]DispatchRequest, 0, len(e.requests))
	for _, req := range e.requests {
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out
}

// ActiveMissions reports how many requests hold an actuator right now.
func (e *Engine) ActiveMissions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// EmergencyStop preempts everything an actuator is doing. The mission hook
// sees the preemption and closes the owning request.
func (e *Engine) EmergencyStop(ctx context.Context, actuatorID, operator string) (*Command, error) {
	cmd := &Command{
		ActuatorID: actuatorID,
		Type:       CmdEmergency,
		Priority:   PriorityCritical,
	}
	issued, err := e.commander.Submit(ctx, cmd)
	if err != nil {
		return nil, err
	}
	e.record(audit.ActionCommandIssued, audit.SeverityCritical, nil,
		fmt.Sprintf("emergency stop on %s by %s", actuatorID, operator))
	return issued, nil
}

func (e *Engine) record(kind audit.ActionKind, severity audit.Severity, req *DispatchRequest, description string) {
	if e.log == nil {
		return
	}
	details := map[string]interface{}{}
	var session string
	if req != nil {
		details["request_id"] = req.RequestID
		details["trigger"] = string(req.Trigger)
		details["priority"] = string(req.Priority)
		details["status"] = string(req.Status)
		details["score"] = req.Score
		if req.ActuatorID != "" {
			details["actuator_id"] = req.ActuatorID
		}
		if req.DecisionID != "" {
			details["decision_id"] = req.DecisionID
		}
		session = req.trigger.SessionID
	}
	if _, err := e.log.Append(kind, severity, "dispatch", description, details, session); err != nil {
		e.logger.Warn("dispatch audit append failed", "error", err)
	}
}

func (e *Engine) publish(req DispatchRequest) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(TopicRequest, req)
}

func (e *Engine) notify(kind string, req *DispatchRequest, detail string, channels []string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(TopicNotify, Notification{
		Kind:      kind,
		RequestID: req.RequestID,
		Trigger:   string(req.Trigger),
		Channels:  channels,
		Detail:    detail,
		At:        e.clock().UTC(),
	})
}
