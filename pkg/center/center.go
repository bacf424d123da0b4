// Package center is the composition root. It assembles the fusion
// pipeline, dispatch engine, officer safety engine, guardrail gate,
// continuity core, and zero-trust gateway over one audit log and one
// bus, then routes each engine's output into the next engine's input:
// accepted raw events feed officer safety and the trigger path, fused
// events and ambush alerts become dispatch triggers, health probes
// drive failover, and confirmed falls launch distress sorties.
package center

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/approval"
	"github.com/Mindburn-Labs/vigil/pkg/audit"
	"github.com/Mindburn-Labs/vigil/pkg/bus"
	"github.com/Mindburn-Labs/vigil/pkg/config"
	"github.com/Mindburn-Labs/vigil/pkg/continuity"
	"github.com/Mindburn-Labs/vigil/pkg/dispatch"
	"github.com/Mindburn-Labs/vigil/pkg/event"
	"github.com/Mindburn-Labs/vigil/pkg/fusion"
	"github.com/Mindburn-Labs/vigil/pkg/gateway"
	"github.com/Mindburn-Labs/vigil/pkg/guardrail"
	"github.com/Mindburn-Labs/vigil/pkg/ingest"
	"github.com/Mindburn-Labs/vigil/pkg/observability"
	"github.com/Mindburn-Labs/vigil/pkg/safety"
	"github.com/Mindburn-Labs/vigil/pkg/store"
)

// Maintenance cadences. Sweeps are cheap; activity scoring batches a
// minute of zone counts per observation so baselines stay comparable.
const (
	sweepInterval    = 5 * time.Second
	activityInterval = time.Minute
)

// Deps supplies the center's pluggable backends and credentials. Nil
// store and transport fields fall back to in-process implementations,
// which is the lite-mode posture; the server swaps in Redis, Postgres,
// and SQLite stores when configured. Empty FusionRules falls back to
// the built-in correlation table. WebhookSeed and JWTSecret are
// required: the first keys the webhook front door, the second signs
// gateway sessions.
type Deps struct {
	Events      store.EventStore
	Entities    fusion.EntityStore
	Baselines   store.BaselineStore
	DeadLetter  *store.DeadLetters
	Transport   dispatch.Transport
	FusionRules []fusion.Rule

	Audit  *audit.Log
	Bus    *bus.Bus
	Obs    *observability.Provider
	Logger *slog.Logger
	Clock  func() time.Time

	WebhookSeed string
	JWTSecret   []byte
}

// Center owns every engine plus the glue between them. Engines stay
// individually addressable so the HTTP layer can expose them directly;
// the center adds only composition, routing, and cadence.
type Center struct {
	cfg *config.Tuning

	Audit       *audit.Log
	Bus         *bus.Bus
	Receiver    *ingest.Receiver
	Pipeline    *fusion.Pipeline
	DeadLetter  *store.DeadLetters
	Registry    *dispatch.Registry
	Commander   *dispatch.Commander
	Dispatch    *dispatch.Engine
	Safety      *safety.Engine
	Guardrail   *guardrail.Engine
	Approvals   *approval.Manager
	Fairness    *guardrail.Analyzer
	Monitor     *continuity.Monitor
	Failover    *continuity.Manager
	Diagnostics *continuity.Diagnostics
	Sessions    *gateway.SessionManager
	Gateway     *gateway.Evaluator
	CJIS        *gateway.QueryLogger

	obs    *observability.Provider
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.Mutex
	fired    []firedTrigger
	onceKeys map[string]time.Time
	activity map[string]float64
}

// New wires the full operating picture from one tuning record.
func New(cfg *config.Tuning, deps Deps) (*Center, error) {
	if cfg == nil {
		cfg = config.DefaultTuning()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	log := deps.Audit
	if log == nil {
		log = audit.NewLog()
	}
	b := deps.Bus
	if b == nil {
		b = bus.New(256, 3, logger)
	}

	events := deps.Events
	if events == nil {
		events = store.NewMemoryEventStore()
	}
	entities := deps.Entities
	if entities == nil {
		entities = fusion.NewMemoryEntityStore()
	}
	baselines := deps.Baselines
	if baselines == nil {
		baselines = store.NewMemoryBaselineStore()
	}
	deadLetter := deps.DeadLetter
	if deadLetter == nil {
		deadLetter = store.NewDeadLetters(0).WithClock(clock)
	}
	rules := deps.FusionRules
	if len(rules) == 0 {
		rules = fusion.DefaultRules()
	}

	c := &Center{
		cfg:        cfg,
		Audit:      log,
		Bus:        b,
		DeadLetter: deadLetter,
		obs:        deps.Obs,
		logger:     logger.With("component", "center"),
		clock:      clock,
		onceKeys:   make(map[string]time.Time),
		activity:   make(map[string]float64),
	}

	c.Pipeline = fusion.NewPipeline(fusion.PipelineDeps{
		Events:     events,
		Resolver:   fusion.NewResolver(entities, cfg.Fusion).WithClock(clock),
		Correlator: fusion.NewCorrelator(events, rules, cfg.Fusion).WithClock(clock),
		Detector:   fusion.NewDetector(baselines, cfg.Fusion).WithClock(clock),
		DeadLetter: deadLetter,
		Audit:      log,
		Bus:        b,
		Obs:        deps.Obs,
		Logger:     logger,
	}, cfg.Fusion)

	keys, err := ingest.NewKeyring(deps.WebhookSeed)
	if err != nil {
		return nil, err
	}
	c.Receiver = ingest.NewReceiver(c, keys, cfg.Fusion).
		WithAudit(log).
		WithLogger(logger).
		WithClock(clock)

	c.Guardrail, err = guardrail.NewEngine(cfg.Guardrail)
	if err != nil {
		return nil, err
	}
	c.Guardrail.WithAudit(log).WithObservability(deps.Obs).WithLogger(logger).WithClock(clock)
	c.Approvals = approval.NewManager(cfg.Guardrail).
		WithAudit(log).
		WithLogger(logger).
		WithClock(clock)
	c.Fairness = guardrail.NewAnalyzer(cfg.Guardrail.Fairness).
		WithAudit(log).
		WithLogger(logger).
		WithClock(clock)

	c.Registry = dispatch.NewRegistry().WithClock(clock)
	c.Commander = dispatch.NewCommander(deps.Transport, dispatch.EnvelopeFromConfig(cfg.Dispatch), cfg.Dispatch).
		WithAudit(log).
		WithBus(b).
		WithObservability(deps.Obs).
		WithLogger(logger).
		WithClock(clock)
	c.Dispatch = dispatch.NewEngine(c.Registry, c.Commander, cfg.Dispatch).
		WithGate(approval.NewGate(c.Guardrail, c.Approvals)).
		WithAudit(log).
		WithBus(b).
		WithObservability(deps.Obs).
		WithLogger(logger).
		WithClock(clock)

	c.Safety = safety.NewEngine(cfg.Safety).
		WithAudit(log).
		WithBus(b).
		WithObservability(deps.Obs).
		WithLogger(logger).
		WithClock(clock)

	c.Monitor = continuity.NewMonitor(cfg.Continuity).
		WithBus(b).
		WithLogger(logger).
		WithClock(clock)
	c.Failover = continuity.NewManager(cfg.Continuity).
		WithAudit(log).
		WithBus(b).
		WithObservability(deps.Obs).
		WithLogger(logger).
		WithClock(clock)
	c.Diagnostics = continuity.NewDiagnostics(cfg.Continuity).
		WithAudit(log).
		WithBus(b).
		WithLogger(logger).
		WithClock(clock)
	c.Monitor.OnProbe(func(p continuity.Probe) {
		c.Failover.ObserveProbe(context.Background(), p)
	})

	c.Sessions, err = gateway.NewSessionManager(deps.JWTSecret, cfg.Gateway)
	if err != nil {
		return nil, err
	}
	c.Sessions.WithAudit(log).WithLogger(logger).WithClock(clock)
	c.Gateway, err = gateway.NewEvaluator(cfg.Gateway, c.Sessions)
	if err != nil {
		return nil, err
	}
	c.Gateway.WithAudit(log).WithObservability(deps.Obs).WithLogger(logger).WithClock(clock)
	c.CJIS = gateway.NewQueryLogger(cfg.Gateway).
		WithAudit(log).
		WithLogger(logger).
		WithClock(clock)

	return c, nil
}

// Process implements the webhook sink: one accepted event runs the
// pipeline and then the bridge synchronously, so by the time a vendor
// gets its 202 any sortie the event warranted is already underway.
// Duplicates short-circuit in the pipeline and route nothing.
func (c *Center) Process(ctx context.Context, ev *event.RawEvent) (*fusion.ProcessResult, error) {
	res, err := c.Pipeline.Process(ctx, ev)
	if res == nil || !res.Accepted {
		return res, err
	}
	c.routeEvent(ctx, ev)
	for _, u := range res.Updates {
		c.routeFusion(ctx, u.Fusion)
	}
	return res, err
}

// Sweep runs one maintenance pass across every engine: command
// timeouts, dispatch retry windows, safety timers, failover buffers,
// approval and session expiry. Confirmed falls found by the safety
// sweep launch distress sorties to the officer's last position. Run
// calls this on a cadence; tests call it directly after advancing
// their clock.
func (c *Center) Sweep(ctx context.Context) {
	c.Commander.SweepTimeouts(ctx)
	c.Dispatch.Sweep(ctx)

	report := c.Safety.Sweep(ctx)
	for _, officerID := range report.ConfirmedFalls {
		c.routeFall(ctx, officerID)
	}

	c.Failover.Sweep(ctx)
	c.Approvals.Sweep(ctx)
	c.Sessions.Sweep(ctx)
}

// Run starts the health prober and the maintenance cadence and blocks
// until the context ends. The caller closes the center afterward.
func (c *Center) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Monitor.Run(ctx)
	}()

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	score := time.NewTicker(activityInterval)
	defer score.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-sweep.C:
			c.Sweep(ctx)
		case <-score.C:
			c.FlushActivity(ctx)
		}
	}
}

// Close drains the command lanes and disconnects bus subscribers.
func (c *Center) Close() {
	c.Commander.Close()
	c.Bus.Close()
}

// FlushActivity scores the zone counts accumulated since the last
// flush against their baselines and resets the accumulator. Anomalies
// are announced by the pipeline.
func (c *Center) FlushActivity(ctx context.Context) {
	now := c.clock().UTC()

	c.mu.Lock()
	if len(c.activity) == 0 {
		c.mu.Unlock()
		return
	}
	batch := make([]fusion.Observation, 0, len(c.activity))
	for zone, count := range c.activity {
		batch = append(batch, fusion.Observation{Zone: zone, Time: now, Value: count})
	}
	c.activity = make(map[string]float64)
	c.mu.Unlock()

	if _, err := c.Pipeline.ScoreActivity(ctx, batch); err != nil {
		c.logger.ErrorContext(ctx, "activity scoring failed", "error", err)
	}
}
