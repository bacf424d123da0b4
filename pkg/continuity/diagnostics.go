package continuity

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/vigil/pkg/audit"
	"github.com/Mindburn-Labs/vigil/pkg/bus"
	"github.com/Mindburn-Labs/vigil/pkg/config"
)

const (
	diagEventCap         = 1000
	predictiveMinSamples = 3
)

// categoryRules is consulted in order; the first category with a keyword
// hit wins. Websocket outranks network so "websocket" never reads as a
// bare socket problem, and network outranks performance so a dial
// timeout stays a network event.
var categoryRules = []struct {
	category DiagCategory
	keywords []string
}{
	{CategoryFederal, []string{"ncic", "nlets", "cjis", "federal", "fbi"}},
	{CategoryWebsocket, []string{"websocket", "wss://", "ws://"}},
	{CategoryDatabase, []string{"postgres", "database", "sql", "pgx"}},
	{CategoryCache, []string{"redis", "cache", "memcached"}},
	{CategoryQueue, []string{"queue", "amqp", "rabbit", "kafka", "nats", "broker"}},
	{CategoryETL, []string{"etl", "batch", "warehouse", "export"}},
	{CategoryAuthentication, []string{"auth", "login", "token", "credential", "mfa"}},
	{CategoryConfiguration, []string{"config", "setting", "yaml"}},
	{CategoryResource, []string{"memory", "cpu", "disk", "oom", "file descriptor"}},
	{CategoryVendor, []string{"vendor", "shotspotter", "flock", "axon", "webhook"}},
	{CategoryNetwork, []string{"network", "dns", "tcp", "tls", "socket", "connection", "unreachable", "refused"}},
	{CategoryPerformance, []string{"slow", "latency", "timeout", "degraded"}},
	{CategoryEngine, []string{"fusion", "dispatch", "guardrail", "safety", "engine", "pipeline"}},
}

// Classify bins a diagnostic observation by keyword over its source and
// message. Nothing matching reads as an engine-internal event.
func Classify(source, message string) DiagCategory {
	haystack := strings.ToLower(source + " " + message)
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(haystack, kw) {
				return rule.category
			}
		}
	}
	return CategoryEngine
}

type latencySample struct {
	at time.Time
	ms float64
}

type outcomeSample struct {
	at     time.Time
	failed bool
}

// Diagnostics classifies operational events and watches per-source
// rolling windows for trouble that has not broken anything yet: a
// recent latency mean far above the older mean, or an error rate over
// the configured threshold. Slow queries raise their own events.
type Diagnostics struct {
	cfg    config.ContinuityConfig
	log    *audit.Log
	bus    *bus.Bus
	logger *slog.Logger
	clock  func() time.Time

	mu        sync.Mutex
	events    []DiagEvent
	latency   map[string][]latencySample
	outcomes  map[string][]outcomeSample
	lastAlert map[string]time.Time
	alerts    []PredictiveAlert
}

func NewDiagnostics(cfg config.ContinuityConfig) *Diagnostics {
	return &Diagnostics{
		cfg:       cfg,
		logger:    slog.Default().With("component", "continuity"),
		clock:     time.Now,
		latency:   make(map[string][]latencySample),
		outcomes:  make(map[string][]outcomeSample),
		lastAlert: make(map[string]time.Time),
	}
}

func (d *Diagnostics) WithAudit(log *audit.Log) *Diagnostics {
	d.log = log
	return d
}

func (d *Diagnostics) WithBus(b *bus.Bus) *Diagnostics {
	d.bus = b
	return d
}

func (d *Diagnostics) WithLogger(logger *slog.Logger) *Diagnostics {
	d.logger = logger.With("component", "continuity")
	return d
}

func (d *Diagnostics) WithClock(clock func() time.Time) *Diagnostics {
	d.clock = clock
	return d
}

// Report classifies and records one diagnostic event. Severity defaults
// to info.
func (d *Diagnostics) Report(source, message string, severity audit.Severity) DiagEvent {
	if severity == "" {
		severity = audit.SeverityInfo
	}
	event := DiagEvent{
		EventID:  "diag_" + uuid.NewString(),
		Category: Classify(source, message),
		Severity: severity,
		Source:   source,
		Message:  message,
		At:       d.clock().UTC(),
	}
	d.store(event)
	d.announceEvent(event)
	return event
}

// ObserveQuery raises a performance event when a query overruns the
// slow-query threshold. The statement also feeds the latency trend for
// its source. Returns nil for queries under the threshold.
func (d *Diagnostics) ObserveQuery(source, statement string, duration time.Duration) *DiagEvent {
	d.ObserveLatency(source, duration)

	threshold := d.cfg.SlowQuery()
	if threshold <= 0 || duration <= threshold {
		return nil
	}
	event := DiagEvent{
		EventID:    "diag_" + uuid.NewString(),
		Category:   CategoryPerformance,
		Severity:   audit.SeverityWarning,
		Source:     source,
		Message:    "slow query: " + truncate(statement, 120),
		DurationMs: float64(duration) / float64(time.Millisecond),
		At:         d.clock().UTC(),
	}
	d.store(event)
	d.announceEvent(event)
	return &event
}

// ObserveLatency feeds one latency sample into the source's rolling
// windows and returns a predictive alert when the recent window's mean
// has run past the configured multiple of the older window's mean.
func (d *Diagnostics) ObserveLatency(source string, duration time.Duration) *PredictiveAlert {
	now := d.clock().UTC()
	window := d.cfg.PredictiveWindow()
	if window <= 0 {
		return nil
	}
	ms := float64(duration) / float64(time.Millisecond)

	d.mu.Lock()
	samples := append(d.latency[source], latencySample{at: now, ms: ms})
	horizon := now.Add(-2 * window)
	for len(samples) > 0 && samples[0].at.Before(horizon) {
		samples = samples[1:]
	}
	d.latency[source] = samples

	var recent, older []float64
	split := now.Add(-window)
	for _, s := range samples {
		if s.at.After(split) {
			recent = append(recent, s.ms)
		} else {
			older = append(older, s.ms)
		}
	}
	alert := d.trendAlertLocked(source, recent, older, window, now)
	d.mu.Unlock()

	if alert != nil {
		d.announceAlert(*alert)
	}
	return alert
}

// ObserveOutcome feeds one success-or-failure sample for a source and
// returns a predictive alert when the recent error rate crosses the
// threshold.
func (d *Diagnostics) ObserveOutcome(source string, failed bool) *PredictiveAlert {
	now := d.clock().UTC()
	window := d.cfg.PredictiveWindow()
	if window <= 0 {
		return nil
	}

	d.mu.Lock()
	samples := append(d.outcomes[source], outcomeSample{at: now, failed: failed})
	cutoff := now.Add(-window)
	for len(samples) > 0 && samples[0].at.Before(cutoff) {
		samples = samples[1:]
	}
	d.outcomes[source] = samples

	var alert *PredictiveAlert
	failures := 0
	for _, s := range samples {
		if s.failed {
			failures++
		}
	}
	rate := float64(failures) / float64(len(samples))
	if len(samples) >= predictiveMinSamples &&
		rate > d.cfg.ErrorRateThreshold &&
		d.allowAlertLocked(source, now, window) {
		alert = &PredictiveAlert{
			AlertID:   "pred_" + uuid.NewString(),
			Source:    source,
			Kind:      AlertErrorRate,
			ErrorRate: rate,
			Indicators: []string{fmt.Sprintf("error rate %.0f%% over the last %s (%d of %d calls)",
				rate*100, window, failures, len(samples))},
			Actions: recommendedActions,
			At:      now,
		}
		d.alerts = append(d.alerts, *alert)
	}
	d.mu.Unlock()

	if alert != nil {
		d.announceAlert(*alert)
	}
	return alert
}

// Events returns recorded diagnostic events, newest first. A limit of
// zero or less returns everything retained.
func (d *Diagnostics) Events(limit int) []DiagEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DiagEvent, 0, n)
	for i := len(d.events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, d.events[i])
	}
	return out
}

// Alerts returns raised predictive alerts, newest first.
func (d *Diagnostics) Alerts() []PredictiveAlert {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]PredictiveAlert, 0, len(d.alerts))
	for i := len(d.alerts) - 1; i >= 0; i-- {
		out = append(out, d.alerts[i])
	}
	return out
}

var recommendedActions = []string{
	"check downstream capacity and connection pools",
	"review recent deploys and configuration changes",
	"stage a manual failover target",
}

func (d *Diagnostics) trendAlertLocked(source string, recent, older []float64, window time.Duration, now time.Time) *PredictiveAlert {
	if len(recent) < predictiveMinSamples || len(older) < predictiveMinSamples {
		return nil
	}
	recentMean := mean(recent)
	olderMean := mean(older)
	factor := d.cfg.PredictiveFactor
	if factor <= 0 {
		factor = 2
	}
	if olderMean <= 0 || recentMean <= factor*olderMean {
		return nil
	}
	if !d.allowAlertLocked(source, now, window) {
		return nil
	}
	alert := &PredictiveAlert{
		AlertID:        "pred_" + uuid.NewString(),
		Source:         source,
		Kind:           AlertLatencyTrend,
		RecentMeanMs:   recentMean,
		BaselineMeanMs: olderMean,
		Indicators: []string{fmt.Sprintf("mean latency %.0fms vs %.0fms baseline over the last %s",
			recentMean, olderMean, window)},
		Actions: recommendedActions,
		At:      now,
	}
	d.alerts = append(d.alerts, *alert)
	return alert
}

// allowAlertLocked suppresses repeat alerts for a source until a full
// window has passed since the last one.
func (d *Diagnostics) allowAlertLocked(source string, now time.Time, window time.Duration) bool {
	if last, ok := d.lastAlert[source]; ok && now.Sub(last) < window {
		return false
	}
	d.lastAlert[source] = now
	return true
}

func (d *Diagnostics) store(event DiagEvent) {
	d.mu.Lock()
	d.events = append(d.events, event)
	if over := len(d.events) - diagEventCap; over > 0 {
		d.events = append(d.events[:0], d.events[over:]...)
	}
	d.mu.Unlock()
}

func (d *Diagnostics) announceEvent(event DiagEvent) {
	details := map[string]interface{}{
		"event_id": event.EventID,
		"category": string(event.Category),
		"source":   event.Source,
	}
	if event.DurationMs > 0 {
		details["duration_ms"] = event.DurationMs
	}
	d.record(audit.ActionDiagnostic, event.Severity, event.Message, details)
	if d.bus != nil {
		d.bus.Publish(TopicDiagnostic, event)
	}
}

func (d *Diagnostics) announceAlert(alert PredictiveAlert) {
	d.logger.Warn("predictive alert",
		"source", alert.Source, "kind", alert.Kind, "indicators", strings.Join(alert.Indicators, "; "))
	d.record(audit.ActionPredictiveAlert, audit.SeverityWarning, "predictive alert: "+alert.Source,
		map[string]interface{}{
			"alert_id":   alert.AlertID,
			"source":     alert.Source,
			"kind":       alert.Kind,
			"indicators": alert.Indicators,
		})
	if d.bus != nil {
		d.bus.Publish(TopicPredictive, alert)
	}
}

func (d *Diagnostics) record(kind audit.ActionKind, severity audit.Severity, description string, details map[string]interface{}) {
	if d.log == nil {
		return
	}
	if _, err := d.log.Append(kind, severity, "continuity", description, details, ""); err != nil {
		d.logger.Warn("continuity audit append failed", "error", err)
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
