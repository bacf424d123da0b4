package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning aggregates the per-engine configuration records. Each engine
// receives its record at construction and treats it as immutable; live
// updates go through a Snapshot swap, never field mutation.
type Tuning struct {
	Fusion     FusionConfig     `yaml:"fusion" json:"fusion"`
	Dispatch   DispatchConfig   `yaml:"dispatch" json:"dispatch"`
	Safety     SafetyConfig     `yaml:"safety" json:"safety"`
	Guardrail  GuardrailConfig  `yaml:"guardrail" json:"guardrail"`
	Continuity ContinuityConfig `yaml:"continuity" json:"continuity"`
	Gateway    GatewayConfig    `yaml:"gateway" json:"gateway"`
}

// FusionConfig tunes correlation, entity resolution, and anomaly scoring.
type FusionConfig struct {
	SimilarityThreshold       float64 `yaml:"similarity_threshold" json:"similarity_threshold"`
	HighConfidenceThreshold   float64 `yaml:"high_confidence_threshold" json:"high_confidence_threshold"`
	MediumConfidenceThreshold float64 `yaml:"medium_confidence_threshold" json:"medium_confidence_threshold"`
	CorrelationWindowSec      int     `yaml:"correlation_window_sec" json:"correlation_window_sec"`
	CorrelationRadiusM        float64 `yaml:"correlation_radius_m" json:"correlation_radius_m"`
	AutoVerifyThreshold       float64 `yaml:"auto_verify_threshold" json:"auto_verify_threshold"`
	MinConfidence             float64 `yaml:"min_confidence" json:"min_confidence"`
	AnomalyK                  float64 `yaml:"anomaly_k" json:"anomaly_k"`
	ClockSkewSec              int     `yaml:"clock_skew_sec" json:"clock_skew_sec"`
	DedupTTLSec               int     `yaml:"dedup_ttl_sec" json:"dedup_ttl_sec"`
}

func (c FusionConfig) CorrelationWindow() time.Duration {
	return time.Duration(c.CorrelationWindowSec) * time.Second
}

func (c FusionConfig) ClockSkew() time.Duration {
	return time.Duration(c.ClockSkewSec) * time.Second
}

func (c FusionConfig) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLSec) * time.Second
}

// DispatchConfig tunes trigger evaluation and actuator command limits.
// MinBattery is a fraction in [0,1].
type DispatchConfig struct {
	MaxConcurrentDispatches int      `yaml:"max_concurrent_dispatches" json:"max_concurrent_dispatches"`
	MinBattery              float64  `yaml:"min_battery" json:"min_battery"`
	RequireOperatorApproval bool     `yaml:"require_operator_approval" json:"require_operator_approval"`
	DangerousKeywords       []string `yaml:"dangerous_keywords" json:"dangerous_keywords"`
	DefaultResponseRadiusM  float64  `yaml:"default_response_radius_m" json:"default_response_radius_m"`
	CommandTimeoutSec       int      `yaml:"command_timeout_sec" json:"command_timeout_sec"`
	RetryWindowMin          int      `yaml:"retry_window_min" json:"retry_window_min"`
	MinAltitudeM            float64  `yaml:"min_altitude_m" json:"min_altitude_m"`
	MaxAltitudeM            float64  `yaml:"max_altitude_m" json:"max_altitude_m"`
	MaxSpeedMps             float64  `yaml:"max_speed_mps" json:"max_speed_mps"`
	GeofenceEnabled         bool     `yaml:"geofence_enabled" json:"geofence_enabled"`
	// GeofenceVertices are [lat, lon] pairs tracing the operating
	// polygon; ignored unless GeofenceEnabled.
	GeofenceVertices [][2]float64 `yaml:"geofence_vertices" json:"geofence_vertices"`
}

func (c DispatchConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSec) * time.Second
}

func (c DispatchConfig) RetryWindow() time.Duration {
	return time.Duration(c.RetryWindowMin) * time.Minute
}

// SafetyConfig tunes officer safety monitoring. ProximityRadiusM is keyed by
// threat type; threats with no entry use DefaultProximityM.
type SafetyConfig struct {
	ProximityRadiusM      map[string]float64 `yaml:"proximity_radius_m" json:"proximity_radius_m"`
	DefaultProximityM     float64            `yaml:"default_proximity_m" json:"default_proximity_m"`
	WarningTTLMin         int                `yaml:"warning_ttl_min" json:"warning_ttl_min"`
	CheckinIntervalMin    int                `yaml:"checkin_interval_min" json:"checkin_interval_min"`
	FallConfirmTimeoutSec int                `yaml:"fall_confirm_timeout_sec" json:"fall_confirm_timeout_sec"`
	AmbushWindowSec       int                `yaml:"ambush_window_sec" json:"ambush_window_sec"`
	AmbushRadiusM         float64            `yaml:"ambush_radius_m" json:"ambush_radius_m"`
}

func (c SafetyConfig) WarningTTL() time.Duration {
	return time.Duration(c.WarningTTLMin) * time.Minute
}

func (c SafetyConfig) CheckinInterval() time.Duration {
	return time.Duration(c.CheckinIntervalMin) * time.Minute
}

func (c SafetyConfig) FallConfirmTimeout() time.Duration {
	return time.Duration(c.FallConfirmTimeoutSec) * time.Second
}

func (c SafetyConfig) AmbushWindow() time.Duration {
	return time.Duration(c.AmbushWindowSec) * time.Second
}

// RadiusFor returns the proximity radius for a threat type.
func (c SafetyConfig) RadiusFor(threatType string) float64 {
	if r, ok := c.ProximityRadiusM[threatType]; ok {
		return r
	}
	return c.DefaultProximityM
}

// FairnessThresholds holds the statistical gates for bias audits.
// DisparateImpactMin is a floor; the rest are ceilings.
type FairnessThresholds struct {
	DisparateImpactMin    float64 `yaml:"disparate_impact_min" json:"disparate_impact_min"`
	ParityGapMax          float64 `yaml:"parity_gap_max" json:"parity_gap_max"`
	EqualOpportunityMax   float64 `yaml:"equal_opportunity_max" json:"equal_opportunity_max"`
	PredictiveEqualityMax float64 `yaml:"predictive_equality_max" json:"predictive_equality_max"`
	CalibrationMax        float64 `yaml:"calibration_max" json:"calibration_max"`
}

// RiskWeights weight the five risk factors; they should sum to 1.
type RiskWeights struct {
	Legal        float64 `yaml:"legal" json:"legal"`
	CivilRights  float64 `yaml:"civil_rights" json:"civil_rights"`
	Jurisdiction float64 `yaml:"jurisdiction" json:"jurisdiction"`
	Operational  float64 `yaml:"operational" json:"operational"`
	Political    float64 `yaml:"political" json:"political"`
}

// GuardrailConfig tunes policy evaluation, risk scoring, and approvals.
// ApprovalThreshold is on the 0-100 risk scale.
type GuardrailConfig struct {
	Fairness          FairnessThresholds `yaml:"fairness" json:"fairness"`
	Risk              RiskWeights        `yaml:"risk_weights" json:"risk_weights"`
	ApprovalThreshold float64            `yaml:"approval_threshold" json:"approval_threshold"`
	RoleTiers         map[string]int     `yaml:"role_tiers" json:"role_tiers"`
	ApprovalTTLMin    int                `yaml:"approval_ttl_min" json:"approval_ttl_min"`
	MFAValidityMin    int                `yaml:"mfa_validity_min" json:"mfa_validity_min"`
}

func (c GuardrailConfig) ApprovalTTL() time.Duration {
	return time.Duration(c.ApprovalTTLMin) * time.Minute
}

func (c GuardrailConfig) MFAValidity() time.Duration {
	return time.Duration(c.MFAValidityMin) * time.Minute
}

// ContinuityConfig tunes health probing, failover, and diagnostics.
type ContinuityConfig struct {
	ProbeIntervalSec    int            `yaml:"probe_interval_sec" json:"probe_interval_sec"`
	ProbeIntervalsSec   map[string]int `yaml:"probe_intervals_sec" json:"probe_intervals_sec"`
	DegradedLatencyMs   int            `yaml:"degraded_latency_ms" json:"degraded_latency_ms"`
	FailoverAfter       int            `yaml:"failover_consecutive_failures" json:"failover_consecutive_failures"`
	RecoverAfter        int            `yaml:"recovery_consecutive_successes" json:"recovery_consecutive_successes"`
	BufferLimit         int            `yaml:"buffer_limit" json:"buffer_limit"`
	BufferedWriteTTLSec int            `yaml:"buffered_write_ttl_sec" json:"buffered_write_ttl_sec"`
	SlowQueryMs         int            `yaml:"slow_query_ms" json:"slow_query_ms"`
	PredictiveWindowSec int            `yaml:"predictive_window_sec" json:"predictive_window_sec"`
	PredictiveFactor    float64        `yaml:"predictive_factor" json:"predictive_factor"`
	ErrorRateThreshold  float64        `yaml:"error_rate_threshold" json:"error_rate_threshold"`
	RetentionDays       int            `yaml:"retention_days" json:"retention_days"`
}

// ProbeIntervalFor returns the probe interval for a service, falling back to
// the global default.
func (c ContinuityConfig) ProbeIntervalFor(service string) time.Duration {
	if sec, ok := c.ProbeIntervalsSec[service]; ok {
		return time.Duration(sec) * time.Second
	}
	return time.Duration(c.ProbeIntervalSec) * time.Second
}

func (c ContinuityConfig) DegradedLatency() time.Duration {
	return time.Duration(c.DegradedLatencyMs) * time.Millisecond
}

func (c ContinuityConfig) SlowQuery() time.Duration {
	return time.Duration(c.SlowQueryMs) * time.Millisecond
}

func (c ContinuityConfig) BufferedWriteTTL() time.Duration {
	return time.Duration(c.BufferedWriteTTLSec) * time.Second
}

func (c ContinuityConfig) PredictiveWindow() time.Duration {
	return time.Duration(c.PredictiveWindowSec) * time.Second
}

func (c ContinuityConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// TrustWeights weight the five access-trust factors; they should sum to 1.
type TrustWeights struct {
	IP     float64 `yaml:"ip" json:"ip"`
	Geo    float64 `yaml:"geo" json:"geo"`
	Token  float64 `yaml:"token" json:"token"`
	Role   float64 `yaml:"role" json:"role"`
	Device float64 `yaml:"device" json:"device"`
}

// TrustThresholds map composite trust to an access verdict. Allow is
// inclusive; scores below RequireMFA deny.
type TrustThresholds struct {
	Allow      float64 `yaml:"allow" json:"allow"`
	Challenge  float64 `yaml:"challenge" json:"challenge"`
	RequireMFA float64 `yaml:"require_mfa" json:"require_mfa"`
}

// GatewayConfig tunes the zero-trust access layer. Empty AllowedStates means
// any state within an allowed country passes.
type GatewayConfig struct {
	AllowedCountries    []string            `yaml:"allowed_countries" json:"allowed_countries"`
	AllowedStates       []string            `yaml:"allowed_states" json:"allowed_states"`
	AllowedNetworks     []string            `yaml:"allowed_networks" json:"allowed_networks"`
	RolePermissions     map[string][]string `yaml:"role_permissions" json:"role_permissions"`
	SessionTimeoutMin   map[string]int      `yaml:"session_timeout_min" json:"session_timeout_min"`
	Weights             TrustWeights        `yaml:"weights" json:"weights"`
	Thresholds          TrustThresholds     `yaml:"thresholds" json:"thresholds"`
	RateLimitPerMin     int                 `yaml:"rate_limit_per_min" json:"rate_limit_per_min"`
	QueryBurstLimit     int                 `yaml:"query_burst_limit" json:"query_burst_limit"`
	QueryBurstWindowSec int                 `yaml:"query_burst_window_sec" json:"query_burst_window_sec"`
}

// SessionTimeoutFor returns the idle timeout for a role, defaulting to 30
// minutes for unknown roles.
func (c GatewayConfig) SessionTimeoutFor(role string) time.Duration {
	if m, ok := c.SessionTimeoutMin[role]; ok {
		return time.Duration(m) * time.Minute
	}
	return 30 * time.Minute
}

func (c GatewayConfig) QueryBurstWindow() time.Duration {
	return time.Duration(c.QueryBurstWindowSec) * time.Second
}

// DefaultTuning returns the recommended operating point for every engine.
func DefaultTuning() *Tuning {
	return &Tuning{
		Fusion: FusionConfig{
			SimilarityThreshold:       0.75,
			HighConfidenceThreshold:   0.90,
			MediumConfidenceThreshold: 0.80,
			CorrelationWindowSec:      60,
			CorrelationRadiusM:        500,
			AutoVerifyThreshold:       0.9,
			MinConfidence:             0.3,
			AnomalyK:                  2.0,
			ClockSkewSec:              300,
			DedupTTLSec:               86400,
		},
		Dispatch: DispatchConfig{
			MaxConcurrentDispatches: 10,
			MinBattery:              0.30,
			RequireOperatorApproval: false,
			DangerousKeywords: []string{
				"weapon", "hostage", "officer_down", "active_shooter", "explosive",
			},
			DefaultResponseRadiusM: 5000,
			CommandTimeoutSec:      30,
			RetryWindowMin:         10,
			MinAltitudeM:           0,
			MaxAltitudeM:           120,
			MaxSpeedMps:            25,
			GeofenceEnabled:        false,
		},
		Safety: SafetyConfig{
			ProximityRadiusM: map[string]float64{
				"wanted_person":   500,
				"stolen_vehicle":  1000,
				"gunfire_cluster": 1500,
				"hazard":          800,
			},
			DefaultProximityM:     500,
			WarningTTLMin:         30,
			CheckinIntervalMin:    30,
			FallConfirmTimeoutSec: 120,
			AmbushWindowSec:       600,
			AmbushRadiusM:         500,
		},
		Guardrail: GuardrailConfig{
			Fairness: FairnessThresholds{
				DisparateImpactMin:    0.8,
				ParityGapMax:          0.1,
				EqualOpportunityMax:   0.1,
				PredictiveEqualityMax: 0.1,
				CalibrationMax:        0.1,
			},
			Risk: RiskWeights{
				Legal:        0.25,
				CivilRights:  0.25,
				Jurisdiction: 0.15,
				Operational:  0.20,
				Political:    0.15,
			},
			ApprovalThreshold: 75,
			RoleTiers: map[string]int{
				"operator":   1,
				"supervisor": 2,
				"commander":  3,
				"chief":      4,
			},
			ApprovalTTLMin: 15,
			MFAValidityMin: 5,
		},
		Continuity: ContinuityConfig{
			ProbeIntervalSec:    30,
			DegradedLatencyMs:   250,
			FailoverAfter:       3,
			RecoverAfter:        3,
			BufferLimit:         1000,
			BufferedWriteTTLSec: 3600,
			SlowQueryMs:         500,
			PredictiveWindowSec: 300,
			PredictiveFactor:    2.0,
			ErrorRateThreshold:  0.10,
			RetentionDays:       2555,
		},
		Gateway: GatewayConfig{
			AllowedCountries: []string{"US"},
			AllowedNetworks:  []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
			RolePermissions: map[string][]string{
				"admin":      {"*"},
				"commander":  {"*"},
				"supervisor": {"dispatch.*", "safety.*", "query.*", "approval.*", "audit.read"},
				"operator":   {"dispatch.read", "dispatch.create", "safety.read", "query.basic", "event.ingest"},
				"analyst":    {"query.*", "audit.read", "safety.read"},
				"viewer":     {"dispatch.read", "safety.read", "audit.read"},
			},
			SessionTimeoutMin: map[string]int{
				"admin":      15,
				"commander":  15,
				"supervisor": 30,
				"operator":   30,
				"analyst":    30,
				"viewer":     60,
			},
			Weights: TrustWeights{
				IP:     0.20,
				Geo:    0.20,
				Token:  0.25,
				Role:   0.25,
				Device: 0.10,
			},
			Thresholds: TrustThresholds{
				Allow:      0.70,
				Challenge:  0.50,
				RequireMFA: 0.40,
			},
			RateLimitPerMin:     300,
			QueryBurstLimit:     20,
			QueryBurstWindowSec: 60,
		},
	}
}

// LoadTuning reads a tuning YAML over the defaults: fields absent from the
// file keep their default values.
func LoadTuning(path string) (*Tuning, error) {
	t := DefaultTuning()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tuning %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("parse tuning %q: %w", path, err)
	}
	return t, nil
}
