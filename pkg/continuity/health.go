package continuity

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/bus"
	"github.com/Mindburn-Labs/vigil/pkg/config"
	"github.com/Mindburn-Labs/vigil/pkg/fault"
)

const (
	snapshotHour = time.Hour
	snapshotDay  = 24 * time.Hour
)

type targetState struct {
	check   CheckFunc
	history []Probe
	probed  bool
	last    Probe
}

// Monitor probes registered targets and keeps a rolling day of history
// per target. A target's status is its latest probe; transitions publish
// on TopicHealth and feed any registered probe hooks, which is how the
// failover manager rides the probe stream.
type Monitor struct {
	cfg    config.ContinuityConfig
	bus    *bus.Bus
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	targets map[string]*targetState
	hooks   []func(Probe)
}

func NewMonitor(cfg config.ContinuityConfig) *Monitor {
	return &Monitor{
		cfg:     cfg,
		logger:  slog.Default().With("component", "continuity"),
		clock:   time.Now,
		targets: make(map[string]*targetState),
	}
}

func (m *Monitor) WithBus(b *bus.Bus) *Monitor {
	m.bus = b
	return m
}

func (m *Monitor) WithLogger(logger *slog.Logger) *Monitor {
	m.logger = logger.With("component", "continuity")
	return m
}

func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	return m
}

// Register adds a monitored target. The checker may be nil for targets
// whose probes arrive from outside through Observe.
func (m *Monitor) Register(target string, check CheckFunc) error {
	if target == "" {
		return fault.New(fault.Validation, "continuity.register", "target name is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.targets[target]; ok {
		return fault.New(fault.Validation, "continuity.register", "target %q already registered", target)
	}
	m.targets[target] = &targetState{check: check}
	return nil
}

// OnProbe registers a hook invoked after every recorded probe.
func (m *Monitor) OnProbe(fn func(Probe)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Check runs the target's checker under its probe interval as a deadline
// and records the result.
func (m *Monitor) Check(ctx context.Context, target string) (Probe, error) {
	m.mu.Lock()
	st, ok := m.targets[target]
	if !ok {
		m.mu.Unlock()
		return Probe{}, fault.New(fault.Validation, "continuity.check", "unknown target %q", target)
	}
	check := st.check
	m.mu.Unlock()
	if check == nil {
		return Probe{}, fault.New(fault.Validation, "continuity.check", "target %q has no checker", target)
	}

	interval := m.cfg.ProbeIntervalFor(target)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()

	start := m.clock()
	err := check(cctx)
	return m.Observe(target, m.clock().Sub(start), err)
}

// Observe records one probe result for a target and classifies it:
// healthy, degraded past the latency threshold, unhealthy on error, or
// offline when the error wraps ErrOffline.
func (m *Monitor) Observe(target string, latency time.Duration, err error) (Probe, error) {
	now := m.clock().UTC()
	p := Probe{
		Target:    target,
		Status:    classifyProbe(latency, err, m.cfg.DegradedLatency()),
		LatencyMs: float64(latency) / float64(time.Millisecond),
		At:        now,
	}
	if err != nil {
		p.Error = err.Error()
	}

	m.mu.Lock()
	st, ok := m.targets[target]
	if !ok {
		m.mu.Unlock()
		return Probe{}, fault.New(fault.Validation, "continuity.observe", "unknown target %q", target)
	}
	changed := !st.probed || st.last.Status != p.Status
	st.history = append(st.history, p)
	cutoff := now.Add(-snapshotDay)
	for len(st.history) > 0 && st.history[0].At.Before(cutoff) {
		st.history = st.history[1:]
	}
	st.last = p
	st.probed = true
	hooks := make([]func(Probe), len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	if changed {
		m.logger.Info("target status changed",
			"target", target, "status", string(p.Status), "latency_ms", p.LatencyMs, "error", p.Error)
		if m.bus != nil {
			m.bus.Publish(TopicHealth, p)
		}
	}
	for _, fn := range hooks {
		fn(p)
	}
	return p, nil
}

// Status returns the latest probe of a target.
func (m *Monitor) Status(target string) (Probe, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.targets[target]
	if !ok || !st.probed {
		return Probe{}, false
	}
	return st.last, true
}

// Statuses returns the board, sorted by target. A registered target that
// has never answered a probe reads as offline.
func (m *Monitor) Statuses() []Probe {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Probe, 0, len(m.targets))
	for name, st := range m.targets {
		if !st.probed {
			out = append(out, Probe{Target: name, Status: StatusOffline, Error: "never probed"})
			continue
		}
		out = append(out, st.last)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Snapshots aggregates the target's probes over the last hour and the
// last day.
func (m *Monitor) Snapshots(target string) (hour, day Snapshot, err error) {
	now := m.clock().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.targets[target]
	if !ok {
		return Snapshot{}, Snapshot{}, fault.New(fault.Validation, "continuity.snapshot", "unknown target %q", target)
	}
	return aggregate(target, st.history, now, snapshotHour),
		aggregate(target, st.history, now, snapshotDay), nil
}

// Run probes every target that has a checker on its configured interval
// until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	type probeTarget struct {
		name  string
		every time.Duration
	}
	var targets []probeTarget
	for name, st := range m.targets {
		if st.check == nil {
			continue
		}
		every := m.cfg.ProbeIntervalFor(name)
		if every <= 0 {
			every = 30 * time.Second
		}
		targets = append(targets, probeTarget{name: name, every: every})
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(name string, every time.Duration) {
			defer wg.Done()
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := m.Check(ctx, name); err != nil {
						m.logger.Warn("probe failed to record", "target", name, "error", err)
					}
				}
			}
		}(t.name, t.every)
	}
	wg.Wait()
}

func classifyProbe(latency time.Duration, err error, degraded time.Duration) ProbeStatus {
	switch {
	case err == nil && degraded > 0 && latency > degraded:
		return StatusDegraded
	case err == nil:
		return StatusHealthy
	case errors.Is(err, ErrOffline):
		return StatusOffline
	default:
		return StatusUnhealthy
	}
}

func aggregate(target string, history []Probe, now time.Time, window time.Duration) Snapshot {
	snap := Snapshot{
		Target: target,
		Window: window,
		Counts: make(map[ProbeStatus]int),
	}
	cutoff := now.Add(-window)
	var totalMs float64
	for _, p := range history {
		if p.At.Before(cutoff) {
			continue
		}
		snap.Probes++
		snap.Counts[p.Status]++
		totalMs += p.LatencyMs
	}
	if snap.Probes > 0 {
		snap.AvgLatencyMs = totalMs / float64(snap.Probes)
	}
	return snap
}
