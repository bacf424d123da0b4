// Package continuity keeps the system observable and recoverable: health
// probes with rolling snapshots, automatic and manual failover between
// primary and secondary targets, redundancy pools whose handles go stale
// on failover, and a diagnostics layer that classifies events and raises
// predictive alerts before a dependency falls over.
package continuity

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/audit"
)

// Bus topics for continuity events.
const (
	TopicHealth     = "continuity.health"
	TopicFailover   = "continuity.failover"
	TopicDiagnostic = "continuity.diagnostic"
	TopicPredictive = "continuity.alert"
)

// ErrOffline marks a probe failure as total unreachability. Checkers wrap
// or return it when the target cannot be dialed at all; any other error
// reads as unhealthy.
var ErrOffline = errors.New("target offline")

// ProbeStatus is the health read of one probe.
type ProbeStatus string

const (
	StatusHealthy   ProbeStatus = "healthy"
	StatusDegraded  ProbeStatus = "degraded"
	StatusUnhealthy ProbeStatus = "unhealthy"
	StatusOffline   ProbeStatus = "offline"
)

// Probe is one health observation of a target.
type Probe struct {
	Target    string      `json:"target"`
	Status    ProbeStatus `json:"status"`
	LatencyMs float64     `json:"latency_ms"`
	At        time.Time   `json:"at"`
	Error     string      `json:"error,omitempty"`
}

// Healthy reports whether the probe saw a fully healthy target.
func (p Probe) Healthy() bool { return p.Status == StatusHealthy }

// Down reports whether the probe saw an unusable target.
func (p Probe) Down() bool {
	return p.Status == StatusUnhealthy || p.Status == StatusOffline
}

// CheckFunc probes one target. Returning nil means the target answered;
// wrap ErrOffline for a target that could not be reached at all.
type CheckFunc func(ctx context.Context) error

// Snapshot aggregates the probes of one target over a window.
type Snapshot struct {
	Target       string              `json:"target"`
	Window       time.Duration       `json:"window"`
	Probes       int                 `json:"probes"`
	Counts       map[ProbeStatus]int `json:"counts"`
	AvgLatencyMs float64             `json:"avg_latency_ms"`
}

// FailoverState is where a service pair currently points.
type FailoverState string

const (
	StateNormal     FailoverState = "normal"
	StateFailedOver FailoverState = "failed_over"
)

// FailoverMode controls whether probe streaks move the pair on their own.
type FailoverMode string

const (
	ModeAuto   FailoverMode = "auto"
	ModeManual FailoverMode = "manual"
)

// Pair declares a failover pair for one service type. Primary and
// Secondary name monitored probe targets.
type Pair struct {
	Service   string       `json:"service"`
	Primary   string       `json:"primary"`
	Secondary string       `json:"secondary"`
	Mode      FailoverMode `json:"mode"`
}

// PairStatus is the observable state of a registered pair.
type PairStatus struct {
	Service             string        `json:"service"`
	Primary             string        `json:"primary"`
	Secondary           string        `json:"secondary"`
	Active              string        `json:"active"`
	State               FailoverState `json:"state"`
	Mode                FailoverMode  `json:"mode"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ConsecutiveHealthy  int           `json:"consecutive_healthy"`
	Buffered            int           `json:"buffered"`
	LastChange          time.Time     `json:"last_change"`
}

// FailoverEvent is published on TopicFailover for every transition.
type FailoverEvent struct {
	Kind    string        `json:"kind"` // "failover" or "recovery"
	Service string        `json:"service"`
	From    string        `json:"from"`
	To      string        `json:"to"`
	State   FailoverState `json:"state"`
	Trigger string        `json:"trigger"` // "auto" or "manual"
	Reason  string        `json:"reason,omitempty"`
	User    string        `json:"user,omitempty"`
	At      time.Time     `json:"at"`
}

// BufferedWrite is a write parked while its service is failed over. It
// replays in enqueue order on recovery and is discarded with an audit
// entry once its deadline passes.
type BufferedWrite struct {
	WriteID    string      `json:"write_id"`
	Service    string      `json:"service"`
	Payload    interface{} `json:"payload"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	Deadline   time.Time   `json:"deadline,omitempty"`
}

// ReplayFunc applies one buffered write back to its recovered service.
type ReplayFunc func(ctx context.Context, w BufferedWrite) error

// DiagCategory bins diagnostic events by subsystem.
type DiagCategory string

const (
	CategoryNetwork        DiagCategory = "network"
	CategoryDatabase       DiagCategory = "database"
	CategoryFederal        DiagCategory = "federal"
	CategoryVendor         DiagCategory = "vendor"
	CategoryCache          DiagCategory = "cache"
	CategoryQueue          DiagCategory = "queue"
	CategoryWebsocket      DiagCategory = "websocket"
	CategoryETL            DiagCategory = "etl"
	CategoryEngine         DiagCategory = "engine"
	CategoryAuthentication DiagCategory = "authentication"
	CategoryConfiguration  DiagCategory = "configuration"
	CategoryResource       DiagCategory = "resource"
	CategoryPerformance    DiagCategory = "performance"
)

// DiagEvent is one classified diagnostic observation. Severity reuses
// the audit scale so the event and its log entry always agree.
type DiagEvent struct {
	EventID    string         `json:"event_id"`
	Category   DiagCategory   `json:"category"`
	Severity   audit.Severity `json:"severity"`
	Source     string         `json:"source"`
	Message    string         `json:"message"`
	DurationMs float64        `json:"duration_ms,omitempty"`
	At         time.Time      `json:"at"`
}

// Predictive alert kinds.
const (
	AlertLatencyTrend = "latency_trend"
	AlertErrorRate    = "error_rate"
)

// PredictiveAlert flags a source trending toward failure before it
// actually fails.
type PredictiveAlert struct {
	AlertID        string    `json:"alert_id"`
	Source         string    `json:"source"`
	Kind           string    `json:"kind"`
	RecentMeanMs   float64   `json:"recent_mean_ms,omitempty"`
	BaselineMeanMs float64   `json:"baseline_mean_ms,omitempty"`
	ErrorRate      float64   `json:"error_rate,omitempty"`
	Indicators     []string  `json:"indicators"`
	Actions        []string  `json:"actions"`
	At             time.Time `json:"at"`
}
