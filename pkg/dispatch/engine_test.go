package dispatch

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/vigil/pkg/approval"
	"github.com/Mindburn-Labs/vigil/pkg/audit"
	"github.com/Mindburn-Labs/vigil/pkg/bus"
	"github.com/Mindburn-Labs/vigil/pkg/config"
	"github.com/Mindburn-Labs/vigil/pkg/fault"
	"github.com/Mindburn-Labs/vigil/pkg/geo"
	"github.com/Mindburn-Labs/vigil/pkg/guardrail"
)

var (
	testStart  = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	testOrigin = geo.Point{Lat: 37.7749, Lon: -122.4194}
)

// stubTransport records every send and holds commands of the given types
// until the test releases them with an outcome.
type stubTransport struct {
	mu    sync.Mutex
	sent  []Command
	holds map[CommandType]chan error
}

func newStubTransport(held ...CommandType) *stubTransport {
	s := &stubTransport{holds: make(map[CommandType]chan error)}
	for _, typ := range held {
		s.holds[typ] = make(chan error)
	}
	return s
}

func (s *stubTransport) Send(ctx context.Context, cmd Command) error {
	s.mu.Lock()
	s.sent = append(s.sent, cmd)
	hold := s.holds[cmd.Type]
	s.mu.Unlock()
	if hold == nil {
		return nil
	}
	select {
	case err := <-hold:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stubTransport) release(typ CommandType, err error) {
	s.mu.Lock()
	hold := s.holds[typ]
	s.mu.Unlock()
	hold <- err
}

func (s *stubTransport) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type engineFixture struct {
	engine    *Engine
	registry  *Registry
	commander *Commander
	log       *audit.Log
	bus       *bus.Bus

	mu  sync.Mutex
	now time.Time
}

func (fx *engineFixture) clock() time.Time {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.now
}

func (fx *engineFixture) advance(d time.Duration) {
	fx.mu.Lock()
	fx.now = fx.now.Add(d)
	fx.mu.Unlock()
}

func newEngineFixture(t *testing.T, transport Transport, mutate func(*config.DispatchConfig)) *engineFixture {
	t.Helper()

	cfg := config.DefaultTuning().Dispatch
	if mutate != nil {
		mutate(&cfg)
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	fx := &engineFixture{now: testStart}
	fx.log = audit.NewLog()
	fx.bus = bus.New(64, 3, quiet)
	fx.registry = NewRegistry().WithClock(fx.clock)
	fx.commander = NewCommander(transport, EnvelopeFromConfig(cfg), cfg).
		WithAudit(fx.log).
		WithBus(fx.bus).
		WithLogger(quiet).
		WithClock(fx.clock)
	fx.engine = NewEngine(fx.registry, fx.commander, cfg).
		WithAudit(fx.log).
		WithBus(fx.bus).
		WithLogger(quiet).
		WithClock(fx.clock)

	t.Cleanup(func() {
		fx.commander.Close()
		fx.bus.Close()
	})
	return fx
}

func (fx *engineFixture) addDrone(id string, battery float64, caps ...string) {
	fx.registry.Upsert(Actuator{
		ActuatorID:   id,
		Callsign:     strings.ToUpper(id),
		Capabilities: caps,
		Battery:      battery,
		Position:     geo.Point{Lat: testOrigin.Lat + 0.002, Lon: testOrigin.Lon},
		CruiseMps:    20,
	})
}

func (fx *engineFixture) status(requestID string) RequestStatus {
	req, _ := fx.engine.Get(requestID)
	return req.Status
}

func (fx *engineFixture) waitStatus(t *testing.T, requestID string, want RequestStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return fx.status(requestID) == want
	}, 2*time.Second, 2*time.Millisecond, "request %s never reached %s (last %s)",
		requestID, want, fx.status(requestID))
}

func auditCount(log *audit.Log, kind audit.ActionKind) int {
	return len(log.Query(audit.QueryFilter{ActionKind: kind}))
}

func shotTrigger() Trigger {
	return Trigger{
		Type:          TriggerShotspotter,
		Priority:      PriorityHigh,
		ThreatLevel:   0.8,
		Location:      testOrigin,
		FusionID:      "fus_1",
		ProbableCause: true,
		RequestedBy:   "fusion",
	}
}

func manualTrigger(threat float64) Trigger {
	return Trigger{
		Type:        TriggerManual,
		Priority:    PriorityNormal,
		ThreatLevel: threat,
		Location:    testOrigin,
		RequestedBy: "op_1",
	}
}

func gateWithRules(t *testing.T, rules ...guardrail.Rule) *approval.Gate {
	t.Helper()
	eng, err := guardrail.NewEngine(config.DefaultTuning().Guardrail)
	require.NoError(t, err)
	eng.SetRules(rules)
	return approval.NewGate(eng, approval.NewManager(config.DefaultTuning().Guardrail))
}

func TestHandleTriggerRunsFullMission(t *testing.T) {
	fx := newEngineFixture(t, nil, nil)
	fx.addDrone("dr1", 0.9, "camera", "thermal")

	req, err := fx.engine.HandleTrigger(context.Background(), shotTrigger())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(req.RequestID, "req_"))
	assert.Equal(t, TriggerShotspotter, req.Trigger)
	assert.Equal(t, PriorityHigh, req.Priority)
	assert.InDelta(t, (0.7+0.8+1.0)/3, req.Score, 1e-9)

	// With no transport every command completes on issue, so the full
	// takeoff, transit, loiter sequence runs down to mission complete.
	fx.waitStatus(t, req.RequestID, StatusCompleted)

	got, ok := fx.engine.Get(req.RequestID)
	require.True(t, ok)
	assert.Equal(t, "dr1", got.ActuatorID)
	assert.Equal(t, 0, fx.engine.ActiveMissions())

	drone, _ := fx.registry.Get("dr1")
	assert.Equal(t, ActuatorAvailable, drone.Status)

	assert.Equal(t, 1, auditCount(fx.log, audit.ActionDispatchCreated))
	assert.Equal(t, 1, auditCount(fx.log, audit.ActionDispatchAssigned))
	assert.Equal(t, 3, auditCount(fx.log, audit.ActionCommandIssued))
	require.Eventually(t, func() bool {
		return auditCount(fx.log, audit.ActionDispatchResolved) == 1
	}, 2*time.Second, 2*time.Millisecond)
}

func TestMissionAdvancesOnCommandTerminals(t *testing.T) {
	transport := newStubTransport(CmdTakeoff, CmdGoto, CmdOrbit)
	fx := newEngineFixture(t, transport, nil)
	fx.addDrone("dr1", 0.9, "camera", "thermal")

	req, err := fx.engine.HandleTrigger(context.Background(), shotTrigger())
	require.NoError(t, err)

	assert.Equal(t, StatusDispatched, fx.status(req.RequestID))
	assert.Equal(t, 1, fx.engine.ActiveMissions())
	drone, _ := fx.registry.Get("dr1")
	assert.Equal(t, ActuatorAssigned, drone.Status)

	transport.release(CmdTakeoff, nil)
	fx.waitStatus(t, req.RequestID, StatusEnRoute)

	transport.release(CmdGoto, nil)
	fx.waitStatus(t, req.RequestID, StatusOnScene)

	transport.release(CmdOrbit, nil)
	fx.waitStatus(t, req.RequestID, StatusCompleted)

	assert.Equal(t, 0, fx.engine.ActiveMissions())
	drone, _ = fx.registry.Get("dr1")
	assert.Equal(t, ActuatorAvailable, drone.Status)
}

func TestLaunchFailureClosesMission(t *testing.T) {
	transport := newStubTransport(CmdTakeoff)
	fx := newEngineFixture(t, transport, nil)
	fx.addDrone("dr1", 0.9, "camera", "thermal")

	req, err := fx.engine.HandleTrigger(context.Background(), shotTrigger())
	require.NoError(t, err)
	require.Equal(t, StatusDispatched, fx.status(req.RequestID))

	transport.release(CmdTakeoff, fault.New(fault.Permanent, "dispatch.transport", "motor fault"))
	fx.waitStatus(t, req.RequestID, StatusFailed)

	got, _ := fx.engine.Get(req.RequestID)
	assert.Contains(t, got.Reason, "takeoff")
	assert.Equal(t, 0, fx.engine.ActiveMissions())

	drone, _ := fx.registry.Get("dr1")
	assert.Equal(t, ActuatorAvailable, drone.Status)

	// The transit and loiter commands never reach the airframe.
	require.Eventually(t, func() bool {
		_, active := fx.commander.Active("dr1")
		return !active && fx.commander.QueueDepth("dr1") == 0
	}, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, transport.sentCount())
}

func TestEvaluationBelowFloorCancels(t *testing.T) {
	fx := newEngineFixture(t, nil, nil)
	fx.addDrone("dr1", 0.9, "camera")

	rules := DefaultTriggerRules()
	r := rules[TriggerManual]
	r.Enabled = false
	rules[TriggerManual] = r
	fx.engine.SetRules(rules)

	req, err := fx.engine.HandleTrigger(context.Background(), manualTrigger(0))
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, fx.status(req.RequestID))
	assert.InDelta(t, 0.5/3, req.Score, 1e-9)
	got, _ := fx.engine.Get(req.RequestID)
	assert.Contains(t, got.Reason, "below dispatch floor")
	assert.Equal(t, 1, auditCount(fx.log, audit.ActionDispatchCancelled))
	assert.Equal(t, 0, auditCount(fx.log, audit.ActionDispatchAssigned))
}

func TestEvaluationAtFloorProceeds(t *testing.T) {
	fx := newEngineFixture(t, nil, nil)

	// Normal priority, zero threat, enabled rule scores exactly 0.5, which
	// is dispatchable; no registered actuator leaves it unfilled.
	req, err := fx.engine.HandleTrigger(context.Background(), manualTrigger(0))
	require.NoError(t, err)

	assert.InDelta(t, 0.5, req.Score, 1e-9)
	assert.Equal(t, StatusNoActuatorAvailable, fx.status(req.RequestID))
}

func TestHandleTriggerRejectsUnknownType(t *testing.T) {
	fx := newEngineFixture(t, nil, nil)

	req, err := fx.engine.HandleTrigger(context.Background(), Trigger{Type: "earthquake"})
	require.Error(t, err)
	assert.Nil(t, req)
	assert.Equal(t, fault.Validation, fault.KindOf(err))
}

func TestCriticalTriggerForcesPriority(t *testing.T) {
	fx := newEngineFixture(t, nil, nil)
	fx.addDrone("dr1", 0.9, "camera")

	req, err := fx.engine.HandleTrigger(context.Background(), Trigger{
		Type:        TriggerOfficerDistress,
		Priority:    PriorityLow,
		ThreatLevel: 0.5,
		Location:    testOrigin,
	})
	require.NoError(t, err)

	assert.Equal(t, PriorityCritical, req.Priority)
	assert.InDelta(t, (1.0+0.5+1.0)/3, req.Score, 1e-9)
}

func TestDangerousKeywordRaisesPriority(t *testing.T) {
	fx := newEngineFixture(t, nil, nil)
	fx.addDrone("dr1", 0.9, "camera")

	trigger := manualTrigger(0.3)
	trigger.Description = "caller reports man with a WEAPON near the park"
	req, err := fx.engine.HandleTrigger(context.Background(), trigger)
	require.NoError(t, err)

	assert.Equal(t, PriorityUrgent, req.Priority)
}

func TestGuardrailDenyCancelsDispatch(t *testing.T) {
	fx := newEngineFixture(t, nil, nil)
	fx.engine.WithGate(gateWithRules(t, guardrail.Rule{
		ID:        "no-night-sorties",
		Layer:     guardrail.LayerAgencySOP,
		Condition: `action.type == "drone_sortie"`,
		Action:    guardrail.RuleDeny,
		Priority:  100,
		Active:    true,
	}))
	fx.addDrone("dr1", 0.9, "camera", "thermal")

	req, err := fx.engine.HandleTrigger(context.Background(), shotTrigger())
	require.Error(t, err)
	assert.Equal(t, fault.Policy, fault.KindOf(err))

	assert.Equal(t, StatusCancelled, fx.status(req.RequestID))
	assert.NotEmpty(t, req.DecisionID)
	got, _ := fx.engine.Get(req.RequestID)
	assert.Contains(t, got.Reason, "guardrail denied")

	drone, _ := fx.registry.Get("dr1")
	assert.Equal(t, ActuatorAvailable, drone.Status)
	assert.Equal(t, 0, fx.engine.ActiveMissions())
}

func TestGuardrailReviewHoldsUntilApproved(t *testing.T) {
	transport := newStubTransport(CmdTakeoff)
	fx := newEngineFixture(t, transport, nil)
	gate := gateWithRules(t, guardrail.Rule{
		ID:        "sortie-signoff",
		Layer:     guardrail.LayerAgencySOP,
		Condition: `action.type == "drone_sortie"`,
		Action:    guardrail.RuleRequireApproval,
		Priority:  100,
		Active:    true,
	})
	fx.engine.WithGate(gate)
	fx.addDrone("dr1", 0.9, "camera", "thermal")

	req, err := fx.engine.HandleTrigger(context.Background(), shotTrigger())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, fx.status(req.RequestID))
	require.NotEmpty(t, req.ApprovalID)

	_, err = fx.engine.Resume(context.Background(), req.RequestID, false)
	require.Error(t, err)
	assert.Equal(t, fault.Policy, fault.KindOf(err))
	assert.Equal(t, StatusPending, fx.status(req.RequestID))

	_, err = gate.Manager().Approve(context.Background(), req.ApprovalID,
		approval.Approver{ID: "u_sup", Role: "supervisor"}, "cleared to fly")
	require.NoError(t, err)

	resumed, err := fx.engine.Resume(context.Background(), req.RequestID, false)
	require.NoError(t, err)
	assert.Equal(t, StatusDispatched, fx.status(resumed.RequestID))
	assert.Equal(t, "dr1", resumed.ActuatorID)

	transport.release(CmdTakeoff, nil)
}

func TestRuleApprovalHoldAndOverride(t *testing.T) {
	fx := newEngineFixture(t, nil, nil)
	fx.addDrone("dr1", 0.9, "camera")

	req, err := fx.engine.HandleTrigger(context.Background(), Trigger{
		Type:        TriggerPursuit,
		Priority:    PriorityHigh,
		ThreatLevel: 0.6,
		Location:    testOrigin,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, fx.status(req.RequestID))
	assert.Empty(t, req.ApprovalID)

	_, err = fx.engine.Resume(context.Background(), req.RequestID, false)
	require.Error(t, err)
	assert.Equal(t, fault.Policy, fault.KindOf(err))

	_, err = fx.engine.Resume(context.Background(), req.RequestID, true)
	require.NoError(t, err)
	fx.waitStatus(t, req.RequestID, StatusCompleted)
}

func TestOperatorOverrideSkipsHold(t *testing.T) {
	fx := newEngineFixture(t, nil, nil)
	fx.addDrone("dr1", 0.9, "camera")

	req, err := fx.engine.HandleTrigger(context.Background(), Trigger{
		Type:             TriggerPursuit,
		Priority:         PriorityHigh,
		ThreatLevel:      0.6,
		Location:         testOrigin,
		OperatorOverride: true,
	})
	require.NoError(t, err)

	assert.NotEqual(t, StatusPending, fx.status(req.RequestID))
	fx.waitStatus(t, req.RequestID, StatusCompleted)
}

func TestNoActuatorRetainedForRetry(t *testing.T) {
	fx := newEngineFixture(t, nil, nil)
	sub := fx.bus.Subscribe(TopicNotify)

	req, err := fx.engine.HandleTrigger(context.Background(), shotTrigger())
	require.NoError(t, err)

	assert.Equal(t, StatusNoActuatorAvailable, fx.status(req.RequestID))
	got, _ := fx.engine.Get(req.RequestID)
	assert.Equal(t, testStart.Add(10*time.Minute), got.RetryUntil)
	assert.Equal(t, 1, auditCount(fx.log, audit.ActionDispatchUnfilled))

	var kinds []string
	for len(sub.C()) > 0 {
		msg := <-sub.C()
		kinds = append(kinds, msg.Payload.(Notification).Kind)
	}
	assert.Contains(t, kinds, "no_actuator_available")

	// An airframe comes back on station inside the window.
	fx.addDrone("dr1", 0.9, "camera", "thermal")
	fx.advance(5 * time.Minute)

	_, err = fx.engine.Resume(context.Background(), req.RequestID, false)
	require.NoError(t, err)
	fx.waitStatus(t, req.RequestID, StatusCompleted)
}

func TestSweepExpiresLapsedRetryWindow(t *testing.T) {
	fx := newEngineFixture(t, nil, nil)

	req, err := fx.engine.HandleTrigger(context.Background(), shotTrigger())
	require.NoError(t, err)
	require.Equal(t, StatusNoActuatorAvailable, fx.status(req.RequestID))

	fx.advance(11 * time.Minute)
	assert.Equal(t, 1, fx.engine.Sweep(context.Background()))

	got, _ := fx.engine.Get(req.RequestID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Contains(t, got.Reason, "retry window")

	assert.Equal(t, 0, fx.engine.Sweep(context.Background()))
}

func TestResumeAfterWindowElapsed(t *testing.T) {
	fx := newEngineFixture(t, nil, nil)

	req, err := fx.engine.HandleTrigger(context.Background(), shotTrigger())
	require.NoError(t, err)
	require.Equal(t, StatusNoActuatorAvailable, fx.status(req.RequestID))

	fx.advance(11 * time.Minute)
	fx.addDrone("dr1", 0.9, "camera", "thermal")

	_, err = fx.engine.Resume(context.Background(), req.RequestID, false)
	require.Error(t, err)
	assert.Equal(t, fault.Capacity, fault.KindOf(err))
	assert.Equal(t, StatusCancelled, fx.status(req.RequestID))
}

func TestCapabilityFiltering(t *testing.T) {
	fx := newEngineFixture(t, nil, nil)
	fx.addDrone("dr1", 0.9, "camera") // shotspotter needs thermal too

	req, err := fx.engine.HandleTrigger(context.Background(), shotTrigger())
	require.NoError(t, err)
	assert.Equal(t, StatusNoActuatorAvailable, fx.status(req.RequestID))
}

func TestResponseRadiusBoundsSelection(t *testing.T) {
	fx := newEngineFixture(t, nil, nil)
	// Roughly 5.5 km north; the shotspotter rule reaches 3 km.
	fx.registry.Upsert(Actuator{
		ActuatorID:   "dr_far",
		Capabilities: []string{"camera", "thermal"},
		Battery:      0.9,
		Position:     geo.Point{Lat: testOrigin.Lat + 0.05, Lon: testOrigin.Lon},
		CruiseMps:    20,
	})

	req, err := fx.engine.HandleTrigger(context.Background(), shotTrigger())
	require.NoError(t, err)
	assert.Equal(t, StatusNoActuatorAvailable, fx.status(req.RequestID))
}

func TestConcurrentDispatchCeiling(t *testing.T) {
	transport := newStubTransport(CmdTakeoff)
	fx := newEngineFixture(t, transport, func(cfg *config.DispatchConfig) {
		cfg.MaxConcurrentDispatches = 1
	})
	fx.addDrone("dr1", 0.9, "camera")

	first, err := fx.engine.HandleTrigger(context.Background(), manualTrigger(0.9))
	require.NoError(t, err)
	require.Equal(t, StatusDispatched, fx.status(first.RequestID))

	second, err := fx.engine.HandleTrigger(context.Background(), manualTrigger(0.9))
	require.Error(t, err)
	assert.Equal(t, fault.Capacity, fault.KindOf(err))
	assert.Equal(t, StatusPending, fx.status(second.RequestID))

	// First mission lands; the held request can now take the airframe.
	transport.release(CmdTakeoff, nil)
	fx.waitStatus(t, first.RequestID, StatusCompleted)

	_, err = fx.engine.Resume(context.Background(), second.RequestID, false)
	require.NoError(t, err)
	fx.waitStatus(t, second.RequestID, StatusDispatched)
	transport.release(CmdTakeoff, nil)
	fx.waitStatus(t, second.RequestID, StatusCompleted)
}

func TestAssignManual(t *testing.T) {
	fx := newEngineFixture(t, nil, nil)
	fx.addDrone("dr_low", 0.1, "camera")
	fx.addDrone("dr_ok", 0.9, "camera")

	req, err := fx.engine.HandleTrigger(context.Background(), Trigger{
		Type:        TriggerPursuit,
		Priority:    PriorityHigh,
		ThreatLevel: 0.6,
		Location:    testOrigin,
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, fx.status(req.RequestID))

	_, err = fx.engine.AssignManual(context.Background(), req.RequestID, "dr_missing")
	require.Error(t, err)
	assert.Equal(t, fault.Validation, fault.KindOf(err))

	_, err = fx.engine.AssignManual(context.Background(), req.RequestID, "dr_low")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "battery")

	assigned, err := fx.engine.AssignManual(context.Background(), req.RequestID, "dr_ok")
	require.NoError(t, err)
	assert.Equal(t, "dr_ok", assigned.ActuatorID)
	fx.waitStatus(t, req.RequestID, StatusCompleted)

	// Terminal requests cannot be reassigned.
	_, err = fx.engine.AssignManual(context.Background(), req.RequestID, "dr_ok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not assignable")
}

func TestCancelRequestRecallsMission(t *testing.T) {
	transport := newStubTransport(CmdTakeoff)
	fx := newEngineFixture(t, transport, nil)
	fx.addDrone("dr1", 0.9, "camera", "thermal")

	req, err := fx.engine.HandleTrigger(context.Background(), shotTrigger())
	require.NoError(t, err)
	require.Equal(t, StatusDispatched, fx.status(req.RequestID))

	cancelled, err := fx.engine.CancelRequest(context.Background(), req.RequestID, "operator recall")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, fx.status(cancelled.RequestID))

	got, _ := fx.engine.Get(req.RequestID)
	assert.Equal(t, "operator recall", got.Reason)
	assert.Equal(t, 0, fx.engine.ActiveMissions())

	drone, _ := fx.registry.Get("dr1")
	assert.Equal(t, ActuatorAvailable, drone.Status)

	require.Eventually(t, func() bool {
		_, active := fx.commander.Active("dr1")
		return !active && fx.commander.QueueDepth("dr1") == 0
	}, 2*time.Second, 2*time.Millisecond)

	_, err = fx.engine.CancelRequest(context.Background(), req.RequestID, "again")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already cancelled")
}

func TestEmergencyStopPreemptsMission(t *testing.T) {
	transport := newStubTransport(CmdTakeoff)
	fx := newEngineFixture(t, transport, nil)
	fx.addDrone("dr1", 0.9, "camera", "thermal")

	req, err := fx.engine.HandleTrigger(context.Background(), shotTrigger())
	require.NoError(t, err)
	require.Equal(t, StatusDispatched, fx.status(req.RequestID))

	stop, err := fx.engine.EmergencyStop(context.Background(), "dr1", "op_1")
	require.NoError(t, err)
	assert.True(t, stop.Emergency)

	fx.waitStatus(t, req.RequestID, StatusCancelled)
	got, _ := fx.engine.Get(req.RequestID)
	assert.Equal(t, ReasonPreempted, got.Reason)
	assert.Equal(t, 0, fx.engine.ActiveMissions())
	assert.Equal(t, 3, auditCount(fx.log, audit.ActionCommandPreempted))
}

func TestRequireOperatorApprovalConfig(t *testing.T) {
	fx := newEngineFixture(t, nil, func(cfg *config.DispatchConfig) {
		cfg.RequireOperatorApproval = true
	})
	fx.addDrone("dr1", 0.9, "camera")

	req, err := fx.engine.HandleTrigger(context.Background(), manualTrigger(0.9))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, fx.status(req.RequestID))

	_, err = fx.engine.Resume(context.Background(), req.RequestID, true)
	require.NoError(t, err)
	fx.waitStatus(t, req.RequestID, StatusCompleted)
}

func TestListNewestFirst(t *testing.T) {
	fx := newEngineFixture(t, nil, nil)

	first, err := fx.engine.HandleTrigger(context.Background(), shotTrigger())
	require.NoError(t, err)
	fx.advance(time.Minute)
	second, err := fx.engine.HandleTrigger(context.Background(), manualTrigger(0.9))
	require.NoError(t, err)

	list := fx.engine.List()
	require.Len(t, list, 2)
	assert.Equal(t, second.RequestID, list[0].RequestID)
	assert.Equal(t, first.RequestID, list[1].RequestID)
}

func TestResumeUnknownRequest(t *testing.T) {
	fx := newEngineFixture(t, nil, nil)

	_, err := fx.engine.Resume(context.Background(), "req_nope", false)
	require.Error(t, err)
	assert.Equal(t, fault.Validation, fault.KindOf(err))
}
