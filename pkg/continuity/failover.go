package continuity

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
	"github.com/Mindburn-Labs/vigil/pkg/observability"
)

type pairState struct {
	Pair
	state      FailoverState
	active     string
	failures   int
	healthy    int
	lastChange time.Time
	buffer     []BufferedWrite
	replay     ReplayFunc
	pool       *Pool
}

// Manager moves failover pairs between their primary and secondary
// targets. Auto pairs ride the probe stream: a streak of unhealthy or
// offline probes on the active target fails the pair over, and a streak
// of healthy probes on the primary recovers it. Manual operations work
// on any pair in any mode. Writes parked while a pair is failed over
// replay in order on recovery.
type Manager struct {
	cfg    config.ContinuityConfig
	log    *audit.Log
	bus    *bus.Bus
	obs    *observability.Provider
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.Mutex
	pairs    map[string]*pairState
	byTarget map[string]string
}

func NewManager(cfg config.ContinuityConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   slog.Default().With("component", "continuity"),
		clock:    time.Now,
		pairs:    make(map[string]*pairState),
		byTarget: make(map[string]string),
	}
}

func (m *Manager) WithAudit(log *audit.Log) *Manager {
	m.log = log
	return m
}

func (m *Manager) WithBus(b *bus.Bus) *Manager {
	m.bus = b
	return m
}

func (m *Manager) WithObservability(p *observability.Provider) *Manager {
	m.obs = p
	return m
}

func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	m.logger = logger.With("component", "continuity")
	return m
}

func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Register adds a failover pair. Mode defaults to auto.
func (m *Manager) Register(p Pair) error {
	if p.Service == "" || p.Primary == "" || p.Secondary == "" {
		return fault.New(fault.Validation, "continuity.register", "pair needs service, primary, and secondary")
	}
	if p.Primary == p.Secondary {
		return fault.New(fault.Validation, "continuity.register", "pair %q primary and secondary are the same target", p.Service)
	}
	if p.Mode == "" {
		p.Mode = ModeAuto
	}
	if p.Mode != ModeAuto && p.Mode != ModeManual {
		return fault.New(fault.Validation, "continuity.register", "pair %q has unknown mode %q", p.Service, p.Mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pairs[p.Service]; ok {
		return fault.New(fault.Validation, "continuity.register", "pair %q already registered", p.Service)
	}
	for _, target := range []string{p.Primary, p.Secondary} {
		if owner, ok := m.byTarget[target]; ok {
			return fault.New(fault.Validation, "continuity.register", "target %q already belongs to pair %q", target, owner)
		}
	}
	m.pairs[p.Service] = &pairState{Pair: p, state: StateNormal, active: p.Primary, lastChange: m.clock().UTC()}
	m.byTarget[p.Primary] = p.Service
	m.byTarget[p.Secondary] = p.Service
	return nil
}

// AttachPool ties a redundancy pool to a pair: failover and recovery
// switch the pool's active instance, going through primary/secondary
// instance names that match the pair's targets.
func (m *Manager) AttachPool(service string, pool *Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pair, ok := m.pairs[service]
	if !ok {
		return fault.New(fault.Validation, "continuity.pool", "unknown pair %q", service)
	}
	pair.pool = pool
	return nil
}

// OnReplay registers the function that applies buffered writes back to
// a recovered service.
func (m *Manager) OnReplay(service string, fn ReplayFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pair, ok := m.pairs[service]
	if !ok {
		return fault.New(fault.Validation, "continuity.replay", "unknown pair %q", service)
	}
	pair.replay = fn
	return nil
}

// ObserveProbe feeds one probe into the failover logic. Probes for
// targets that belong to no pair are ignored. Degraded probes break
// both the failure streak and the recovery streak without starting
// either.
func (m *Manager) ObserveProbe(ctx context.Context, p Probe) {
	now := m.clock().UTC()

	m.mu.Lock()
	service, ok := m.byTarget[p.Target]
	if !ok {
		m.mu.Unlock()
		return
	}
	pair := m.pairs[service]

	var event *FailoverEvent
	var replayable []BufferedWrite
	var replay ReplayFunc
	switch pair.state {
	case StateNormal:
		if p.Target != pair.active {
			break
		}
		if p.Down() {
			pair.failures++
			if pair.Mode == ModeAuto && pair.failures >= m.cfg.FailoverAfter {
				event = m.failOverLocked(pair, "auto", "", "probe streak on "+p.Target, now)
			}
		} else {
			pair.failures = 0
		}
	case StateFailedOver:
		if p.Target != pair.Primary {
			break
		}
		if p.Healthy() {
			pair.healthy++
			if pair.Mode == ModeAuto && pair.healthy >= m.cfg.RecoverAfter {
				event = m.recoverLocked(pair, "auto", "", "primary healthy again", now)
				replayable, replay = m.stealBufferLocked(pair)
			}
		} else {
			pair.healthy = 0
		}
	}
	m.mu.Unlock()

	if event != nil {
		m.announce(ctx, *event)
		m.replayWrites(ctx, replayable, replay, now)
	}
}

// Failover manually moves a pair onto its secondary. Permitted in any
// mode, but not when already failed over.
func (m *Manager) Failover(ctx context.Context, service, user, reason string) error {
	now := m.clock().UTC()

	m.mu.Lock()
	pair, ok := m.pairs[service]
	if !ok {
		m.mu.Unlock()
		return fault.New(fault.Validation, "continuity.failover", "unknown pair %q", service)
	}
	if pair.state == StateFailedOver {
		m.mu.Unlock()
		return fault.New(fault.Validation, "continuity.failover", "pair %q is already failed over", service)
	}
	event := m.failOverLocked(pair, "manual", user, reason, now)
	m.mu.Unlock()

	m.announce(ctx, *event)
	return nil
}

// Recover manually moves a pair back onto its primary and replays any
// buffered writes in order.
func (m *Manager) Recover(ctx context.Context, service, user, reason string) error {
	now := m.clock().UTC()

	m.mu.Lock()
	pair, ok := m.pairs[service]
	if !ok {
		m.mu.Unlock()
		return fault.New(fault.Validation, "continuity.recovery", "unknown pair %q", service)
	}
	if pair.state != StateFailedOver {
		m.mu.Unlock()
		return fault.New(fault.Validation, "continuity.recovery", "pair %q is not failed over", service)
	}
	event := m.recoverLocked(pair, "manual", user, reason, now)
	replayable, replay := m.stealBufferLocked(pair)
	m.mu.Unlock()

	m.announce(ctx, *event)
	m.replayWrites(ctx, replayable, replay, now)
	return nil
}

// SetMode flips a pair between auto and manual failover.
func (m *Manager) SetMode(service string, mode FailoverMode) error {
	if mode != ModeAuto && mode != ModeManual {
		return fault.New(fault.Validation, "continuity.mode", "unknown mode %q", mode)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pair, ok := m.pairs[service]
	if !ok {
		return fault.New(fault.Validation, "continuity.mode", "unknown pair %q", service)
	}
	pair.Mode = mode
	return nil
}

// BufferWrite parks a write for a failed-over service. Writes carry a
// deadline and are discarded with an audit entry if recovery does not
// come in time. A full buffer pushes back on the caller.
func (m *Manager) BufferWrite(ctx context.Context, service string, payload interface{}) (BufferedWrite, error) {
	_ = ctx
	now := m.clock().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	pair, ok := m.pairs[service]
	if !ok {
		return BufferedWrite{}, fault.New(fault.Validation, "continuity.buffer", "unknown pair %q", service)
	}
	if pair.state != StateFailedOver {
		return BufferedWrite{}, fault.New(fault.Validation, "continuity.buffer", "pair %q is not failed over; write directly", service)
	}
	limit := m.cfg.BufferLimit
	if limit > 0 && len(pair.buffer) >= limit {
		return BufferedWrite{}, fault.New(fault.Capacity, "continuity.buffer", "buffer for %q is full (%d writes)", service, len(pair.buffer))
	}
	w := BufferedWrite{
		WriteID:    "bw_" + uuid.NewString(),
		Service:    service,
		Payload:    payload,
		EnqueuedAt: now,
	}
	if ttl := m.cfg.BufferedWriteTTL(); ttl > 0 {
		w.Deadline = now.Add(ttl)
	}
	pair.buffer = append(pair.buffer, w)
	return w, nil
}

// Sweep discards buffered writes whose deadline has passed, each with
// its own audit entry. Returns the number discarded.
func (m *Manager) Sweep(ctx context.Context) int {
	_ = ctx
	now := m.clock().UTC()

	m.mu.Lock()
	var discarded []BufferedWrite
	for _, pair := range m.pairs {
		kept := pair.buffer[:0]
		for _, w := range pair.buffer {
			if !w.Deadline.IsZero() && now.After(w.Deadline) {
				discarded = append(discarded, w)
				continue
			}
			kept = append(kept, w)
		}
		pair.buffer = kept
	}
	m.mu.Unlock()

	for _, w := range discarded {
		m.auditDiscard(w, "deadline expired before recovery")
	}
	return len(discarded)
}

// Status returns the observable state of one pair.
func (m *Manager) Status(service string) (PairStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pair, ok := m.pairs[service]
	if !ok {
		return PairStatus{}, fault.New(fault.Validation, "continuity.status", "unknown pair %q", service)
	}
	return pairStatus(pair), nil
}

// Statuses returns every pair, sorted by service.
func (m *Manager) Statuses() []PairStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PairStatus, 0, len(m.pairs))
	for _, pair := range m.pairs {
		out = append(out, pairStatus(pair))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// FailedOver reports whether any pair is currently off its primary,
// which health readiness reflects.
func (m *Manager) FailedOver() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pair := range m.pairs {
		if pair.state == StateFailedOver {
			return true
		}
	}
	return false
}

func pairStatus(pair *pairState) PairStatus {
	return PairStatus{
		Service:             pair.Service,
		Primary:             pair.Primary,
		Secondary:           pair.Secondary,
		Active:              pair.active,
		State:               pair.state,
		Mode:                pair.Mode,
		ConsecutiveFailures: pair.failures,
		ConsecutiveHealthy:  pair.healthy,
		Buffered:            len(pair.buffer),
		LastChange:          pair.lastChange,
	}
}

func (m *Manager) failOverLocked(pair *pairState, trigger, user, reason string, now time.Time) *FailoverEvent {
	from := pair.active
	pair.state = StateFailedOver
	pair.active = pair.Secondary
	pair.failures = 0
	pair.healthy = 0
	pair.lastChange = now
	if pair.pool != nil {
		if err := pair.pool.SwitchTo(pair.Secondary); err != nil {
			m.logger.Error("pool switch failed", "service", pair.Service, "error", err)
		}
	}
	return &FailoverEvent{
		Kind:    "failover",
		Service: pair.Service,
		From:    from,
		To:      pair.active,
		State:   pair.state,
		Trigger: trigger,
		Reason:  reason,
		User:    user,
		At:      now,
	}
}

func (m *Manager) recoverLocked(pair *pairState, trigger, user, reason string, now time.Time) *FailoverEvent {
	from := pair.active
	pair.state = StateNormal
	pair.active = pair.Primary
	pair.failures = 0
	pair.healthy = 0
	pair.lastChange = now
	if pair.pool != nil {
		if err := pair.pool.SwitchTo(pair.Primary); err != nil {
			m.logger.Error("pool switch failed", "service", pair.Service, "error", err)
		}
	}
	return &FailoverEvent{
		Kind:    "recovery",
		Service: pair.Service,
		From:    from,
		To:      pair.active,
		State:   pair.state,
		Trigger: trigger,
		Reason:  reason,
		User:    user,
		At:      now,
	}
}

func (m *Manager) stealBufferLocked(pair *pairState) ([]BufferedWrite, ReplayFunc) {
	writes := pair.buffer
	pair.buffer = nil
	return writes, pair.replay
}

func (m *Manager) announce(ctx context.Context, e FailoverEvent) {
	severity := audit.SeverityInfo
	kind := audit.ActionRecovery
	if e.Kind == "failover" {
		kind = audit.ActionFailover
		severity = audit.SeverityWarning
		if e.Trigger == "auto" {
			severity = audit.SeverityCritical
		}
	}
	m.record(kind, severity, e.Kind+": "+e.Service, map[string]interface{}{
		"service": e.Service,
		"from":    e.From,
		"to":      e.To,
		"trigger": e.Trigger,
		"reason":  e.Reason,
		"user":    e.User,
	})
	m.logger.Warn("failover transition",
		"kind", e.Kind, "service", e.Service, "from", e.From, "to", e.To, "trigger", e.Trigger)
	if m.bus != nil {
		m.bus.Publish(TopicFailover, e)
	}
	if m.obs != nil {
		m.obs.RecordFailover(ctx, observability.ContinuityOperation(e.Service, string(e.State))...)
	}
}

// replayWrites applies stolen buffer entries in enqueue order. Expired
// entries and entries the replay function rejects are discarded with an
// audit entry each; with no replay function registered everything
// buffered is discarded rather than silently dropped.
func (m *Manager) replayWrites(ctx context.Context, writes []BufferedWrite, replay ReplayFunc, now time.Time) {
	for _, w := range writes {
		switch {
		case !w.Deadline.IsZero() && now.After(w.Deadline):
			m.auditDiscard(w, "deadline expired before recovery")
		case replay == nil:
			m.auditDiscard(w, "no replay handler registered")
		default:
			if err := replay(ctx, w); err != nil {
				m.auditDiscard(w, "replay failed: "+err.Error())
			}
		}
	}
}

func (m *Manager) auditDiscard(w BufferedWrite, reason string) {
	m.logger.Warn("buffered write discarded", "write_id", w.WriteID, "service", w.Service, "reason", reason)
	m.record(audit.ActionWriteDiscarded, audit.SeverityWarning, "buffered write discarded", map[string]interface{}{
		"write_id":    w.WriteID,
		"service":     w.Service,
		"enqueued_at": w.EnqueuedAt,
		"reason":      reason,
	})
}

func (m *Manager) record(kind audit.ActionKind, severity audit.Severity, description string, details map[string]interface{}) {
	if m.log == nil {
		return
	}
	if _, err := m.log.Append(kind, severity, "continuity", description, details, ""); err != nil {
		m.logger.Warn("continuity audit append failed", "error", err)
	}
}
