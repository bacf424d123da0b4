package fusion

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/vigil/pkg/audit"
	"github.com/Mindburn-Labs/vigil/pkg/bus"
	"github.com/Mindburn-Labs/vigil/pkg/config"
	"github.com/Mindburn-Labs/vigil/pkg/event"
	"github.com/Mindburn-Labs/vigil/pkg/fault"
	"github.com/Mindburn-Labs/vigil/pkg/kernel/retry"
	"github.com/Mindburn-Labs/vigil/pkg/observability"
	"github.com/Mindburn-Labs/vigil/pkg/store"
)

// Bus topics the pipeline publishes on. Subscribers filter on exact names.
const (
	TopicEventAccepted   = "fusion.event.accepted"
	TopicEventDead       = "fusion.event.dead_letter"
	TopicFusionCreated   = "fusion.created"
	TopicFusionExtended  = "fusion.extended"
	TopicAnomalyDetected = "fusion.anomaly"
)

// PipelineDeps wires the pipeline to its collaborators. Events, Resolver
// and Correlator are required; the rest default to no-ops or fresh
// instances when nil.
type PipelineDeps struct {
	Events     store.EventStore
	Resolver   *Resolver
	Correlator *Correlator
	Detector   *Detector
	DeadLetter *store.DeadLetters
	Audit      *audit.Log
	Bus        *bus.Bus
	Obs        *observability.Provider
	Logger     *slog.Logger
}

// Pipeline is the ingest path. Every accepted event runs store, dedup,
// entity resolution and spatial correlation in order; anomaly scoring runs
// on aggregated activity batches through ScoreActivity.
type Pipeline struct {
	events     store.EventStore
	resolver   *Resolver
	correlator *Correlator
	detector   *Detector
	deadLetter *store.DeadLetters
	log        *audit.Log
	bus        *bus.Bus
	obs        *observability.Provider
	policy     retry.Policy
	logger     *slog.Logger
}

// NewPipeline assembles the ingest path.
func NewPipeline(deps PipelineDeps, cfg config.FusionConfig) *Pipeline {
	_ = cfg // thresholds live in the resolver, correlator and detector
	if deps.DeadLetter == nil {
		deps.DeadLetter = store.NewDeadLetters(0)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Pipeline{
		events:     deps.Events,
		resolver:   deps.Resolver,
		correlator: deps.Correlator,
		detector:   deps.Detector,
		deadLetter: deps.DeadLetter,
		log:        deps.Audit,
		bus:        deps.Bus,
		obs:        deps.Obs,
		policy:     retry.DefaultPolicy(),
		logger:     deps.Logger.With("component", "fusion"),
	}
}

// WithRetryPolicy overrides the store retry policy; tests shrink it.
func (p *Pipeline) WithRetryPolicy(policy retry.Policy) *Pipeline {
	p.policy = policy
	return p
}

// ProcessResult reports what one event run produced.
type ProcessResult struct {
	Accepted  bool
	Duplicate bool
	Entities  []*ResolvedEntity
	Updates   []Update
}

// Process runs one validated event through the pipeline. Storage failures
// retry with backoff and dead-letter the event on exhaustion; a duplicate
// event_id short-circuits with Duplicate set and no downstream work, so a
// replayed webhook changes nothing. Once the event is stored it stays
// accepted: resolution or correlation failures are reported in the returned
// error but do not roll it back.
func (p *Pipeline) Process(ctx context.Context, ev *event.RawEvent) (*ProcessResult, error) {
	attrs := observability.EventOperation(ev.EventID, string(ev.Source), ev.Kind)
	ctx, done := p.track(ctx, "fusion.process", attrs)

	res := &ProcessResult{}

	var fresh bool
	err := retry.Do(ctx, retry.Params{Source: "fusion", OpID: ev.EventID}, p.policy,
		func(ctx context.Context) error {
			ok, err := p.events.Put(ctx, ev)
			if err != nil {
				return fault.Wrap(fault.Transient, "fusion.event_store", err)
			}
			fresh = ok
			return nil
		})
	if err != nil {
		p.deadLetterEvent(ctx, ev, err)
		done(err)
		return res, err
	}

	if !fresh {
		res.Duplicate = true
		p.logger.DebugContext(ctx, "duplicate event ignored", "event_id", ev.EventID)
		done(nil)
		return res, nil
	}
	res.Accepted = true

	p.audit(ctx, audit.ActionEventIngested, audit.SeverityInfo,
		"event accepted", map[string]interface{}{
			"event_id": ev.EventID,
			"source":   string(ev.Source),
			"kind":     ev.Kind,
		})
	if p.obs != nil {
		p.obs.RecordEventIngested(ctx, attrs...)
	}
	p.publish(TopicEventAccepted, ev)

	err = p.runDownstream(ctx, ev, res)
	done(err)
	return res, err
}

// runDownstream resolves entities and correlates the event. Both stages
// retry transient store failures independently so an entity-store outage
// does not starve correlation.
func (p *Pipeline) runDownstream(ctx context.Context, ev *event.RawEvent, res *ProcessResult) error {
	var firstErr error

	if records := ExtractRecords(ev); len(records) > 0 {
		err := retry.Do(ctx, retry.Params{Source: "fusion.resolve", OpID: ev.EventID}, p.policy,
			func(ctx context.Context) error {
				entities, err := p.resolver.Resolve(ctx, records)
				if err != nil {
					return fault.Wrap(fault.Transient, "fusion.resolve", err)
				}
				res.Entities = entities
				return nil
			})
		if err != nil {
			firstErr = err
			p.logger.ErrorContext(ctx, "entity resolution failed",
				"event_id", ev.EventID, "error", err)
		}
	}

	err := retry.Do(ctx, retry.Params{Source: "fusion.correlate", OpID: ev.EventID}, p.policy,
		func(ctx context.Context) error {
			updates, err := p.correlator.Correlate(ctx, ev)
			if err != nil {
				return fault.Wrap(fault.Transient, "fusion.correlate", err)
			}
			res.Updates = updates
			return nil
		})
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
		p.logger.ErrorContext(ctx, "correlation failed",
			"event_id", ev.EventID, "error", err)
	}

	for _, u := range res.Updates {
		p.announceFusion(ctx, u)
	}
	return firstErr
}

func (p *Pipeline) announceFusion(ctx context.Context, u Update) {
	f := u.Fusion
	action, topic := audit.ActionFusionExtended, TopicFusionExtended
	verb := "fused event extended"
	if u.Created {
		action, topic = audit.ActionFusionCreated, TopicFusionCreated
		verb = "fused event created"
	}

	p.audit(ctx, action, fusionAuditSeverity(f.Severity), verb, map[string]interface{}{
		"fusion_id":  f.FusionID,
		"kind":       f.CorrelationKind,
		"confidence": f.Confidence,
		"severity":   string(f.Severity),
		"sources":    len(f.Sources),
		"verified":   f.Verified,
	})
	if p.obs != nil {
		p.obs.RecordFusion(ctx, observability.FusionOperation(
			f.FusionID, f.CorrelationKind, string(f.Severity), f.Confidence)...)
	}
	p.publish(topic, f)
}

// ScoreActivity feeds aggregated per-zone counts to the anomaly detector
// and announces every anomaly it finds. The center runs this on a cadence;
// it is not part of the per-event path.
func (p *Pipeline) ScoreActivity(ctx context.Context, batch []Observation) ([]Anomaly, error) {
	ctx, done := p.track(ctx, "fusion.score_activity", nil)

	anomalies, err := p.detector.Score(ctx, batch)
	if err != nil {
		done(err)
		return nil, err
	}

	for _, a := range anomalies {
		p.audit(ctx, audit.ActionAnomalyDetected, anomalyAuditSeverity(a.Severity),
			"activity anomaly in zone "+a.Zone, map[string]interface{}{
				"zone":         a.Zone,
				"hour_of_week": a.HourOfWeek,
				"observed":     a.Observed,
				"mean":         a.Mean,
				"std_dev":      a.StdDev,
				"threshold":    a.Threshold,
				"severity":     string(a.Severity),
			})
		p.publish(TopicAnomalyDetected, a)
	}
	done(nil)
	return anomalies, nil
}

// ReplayDeadLetter pulls a dead-lettered event and runs it through Process
// again. The original body is decoded fresh so operators can repair a
// poisoned store and drain the queue without re-ingesting from the vendor.
func (p *Pipeline) ReplayDeadLetter(ctx context.Context, eventID string) (*ProcessResult, error) {
	letter, ok := p.deadLetter.Take(eventID)
	if !ok {
		return nil, fault.New(fault.Validation, "fusion.replay", "no dead letter for event %q", eventID)
	}

	var ev event.RawEvent
	if err := json.Unmarshal(letter.Body, &ev); err != nil {
		p.deadLetter.Add(letter.EventID, letter.Source, "body no longer decodes: "+err.Error(), letter.Body)
		return nil, fault.Wrap(fault.Permanent, "fusion.replay", err)
	}
	return p.Process(ctx, &ev)
}

// DeadLetters exposes the queue for diagnostics handlers.
func (p *Pipeline) DeadLetters() *store.DeadLetters {
	return p.deadLetter
}

func (p *Pipeline) deadLetterEvent(ctx context.Context, ev *event.RawEvent, cause error) {
	body, merr := json.Marshal(ev)
	if merr != nil {
		p.logger.ErrorContext(ctx, "dead letter body lost", "event_id", ev.EventID, "error", merr)
	}
	p.deadLetter.Add(ev.EventID, string(ev.Source), cause.Error(), body)

	p.audit(ctx, audit.ActionEventRejected, audit.SeverityError,
		"event dead-lettered after store retries", map[string]interface{}{
			"event_id": ev.EventID,
			"source":   string(ev.Source),
			"reason":   cause.Error(),
		})
	if p.obs != nil {
		p.obs.RecordError(ctx, cause, observability.EventOperation(ev.EventID, string(ev.Source), ev.Kind)...)
	}
	p.publish(TopicEventDead, ev.AsRef())
	p.logger.ErrorContext(ctx, "event dead-lettered",
		"event_id", ev.EventID, "source", ev.Source, "error", cause)
}

func (p *Pipeline) audit(ctx context.Context, kind audit.ActionKind, sev audit.Severity, desc string, details map[string]interface{}) {
	if p.log == nil {
		return
	}
	if _, err := p.log.Append(kind, sev, "fusion", desc, details, ""); err != nil {
		p.logger.ErrorContext(ctx, "audit append failed", "action", string(kind), "error", err)
	}
}

func (p *Pipeline) publish(topic string, payload interface{}) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(topic, payload)
}

func (p *Pipeline) track(ctx context.Context, name string, attrs []attribute.KeyValue) (context.Context, func(error)) {
	if p.obs == nil {
		return ctx, func(error) {}
	}
	return p.obs.TrackOperation(ctx, name, attrs...)
}

func fusionAuditSeverity(s Severity) audit.Severity {
	switch s {
	case SeverityCritical, SeverityHigh:
		return audit.SeverityWarning
	default:
		return audit.SeverityInfo
	}
}

func anomalyAuditSeverity(s Severity) audit.Severity {
	if s == SeverityCritical {
		return audit.SeverityCritical
	}
	return audit.SeverityWarning
}
