package guardrail

import (
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/vigil/pkg/audit"
	"github.com/Mindburn-Labs/vigil/pkg/config"
)

// BiasStatus summarizes a fairness analysis.
type BiasStatus string

const (
	BiasNone    BiasStatus = "no_bias"
	BiasReview  BiasStatus = "possible_bias_review"
	BiasBlocked BiasStatus = "bias_detected_blocked"
)

// GroupOutcome is one demographic group's observed outcome rates.
type GroupOutcome struct {
	Group             string  `json:"group"`
	PositiveRate      float64 `json:"positive_rate"`
	TruePositiveRate  float64 `json:"true_positive_rate"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
	Calibration       float64 `json:"calibration"`
}

// BiasMetric is one fairness test with its computed value and verdict.
// For disparate impact the threshold is a floor; for the gap metrics it
// is a ceiling.
type BiasMetric struct {
	Name       string  `json:"name"`
	Value      float64 `json:"value"`
	Threshold  float64 `json:"threshold"`
	Passed     bool    `json:"passed"`
	WorstGroup string  `json:"worst_group,omitempty"`
}

// BiasReport is the full result of one analysis.
type BiasReport struct {
	ReportID   string       `json:"report_id"`
	Reference  string       `json:"reference_group"`
	Metrics    []BiasMetric `json:"metrics"`
	Failed     int          `json:"failed"`
	Status     BiasStatus   `json:"status"`
	AnalyzedAt time.Time    `json:"analyzed_at"`
}

// Blocks reports whether the gated action must not proceed. A blocked
// report requires civil-rights officer review before the action can be
// re-attempted.
func (r *BiasReport) Blocks() bool {
	return r.Status == BiasBlocked
}

// Analyzer runs the five fairness metrics against an explicit reference
// group. Zero failing metrics is no_bias, one or two is
// possible_bias_review, three or more is bias_detected_blocked.
type Analyzer struct {
	thresholds config.FairnessThresholds
	audit      *audit.Log
	logger     *slog.Logger
	clock      func() time.Time
}

func NewAnalyzer(thresholds config.FairnessThresholds) *Analyzer {
	return &Analyzer{
		thresholds: thresholds,
		logger:     slog.Default().With("component", "guardrail"),
		clock:      time.Now,
	}
}

func (a *Analyzer) WithAudit(log *audit.Log) *Analyzer {
	a.audit = log
	return a
}

func (a *Analyzer) WithLogger(logger *slog.Logger) *Analyzer {
	a.logger = logger.With("component", "guardrail")
	return a
}

func (a *Analyzer) WithClock(clock func() time.Time) *Analyzer {
	a.clock = clock
	return a
}

// Analyze computes the metrics for groups against reference.
func (a *Analyzer) Analyze(reference GroupOutcome, groups []GroupOutcome) *BiasReport {
	t := a.thresholds

	diValue, diGroup := worstRatio(reference.PositiveRate, groups)
	parity, parityGroup := maxGap(reference.PositiveRate, groups, func(g GroupOutcome) float64 { return g.PositiveRate })
	eo, eoGroup := maxGap(reference.TruePositiveRate, groups, func(g GroupOutcome) float64 { return g.TruePositiveRate })
	pe, peGroup := maxGap(reference.FalsePositiveRate, groups, func(g GroupOutcome) float64 { return g.FalsePositiveRate })
	cal, calGroup := maxGap(reference.Calibration, groups, func(g GroupOutcome) float64 { return g.Calibration })

	metrics := []BiasMetric{
		{Name: "disparate_impact", Value: diValue, Threshold: t.DisparateImpactMin, Passed: diValue >= t.DisparateImpactMin, WorstGroup: diGroup},
		{Name: "demographic_parity", Value: parity, Threshold: t.ParityGapMax, Passed: parity <= t.ParityGapMax, WorstGroup: parityGroup},
		{Name: "equal_opportunity", Value: eo, Threshold: t.EqualOpportunityMax, Passed: eo <= t.EqualOpportunityMax, WorstGroup: eoGroup},
		{Name: "predictive_equality", Value: pe, Threshold: t.PredictiveEqualityMax, Passed: pe <= t.PredictiveEqualityMax, WorstGroup: peGroup},
		{Name: "calibration", Value: cal, Threshold: t.CalibrationMax, Passed: cal <= t.CalibrationMax, WorstGroup: calGroup},
	}

	failed := 0
	for _, m := range metrics {
		if !m.Passed {
			failed++
		}
	}

	report := &BiasReport{
		ReportID:   "bias_" + uuid.NewString(),
		Reference:  reference.Group,
		Metrics:    metrics,
		Failed:     failed,
		Status:     biasStatusFor(failed),
		AnalyzedAt: a.clock().UTC(),
	}
	a.record(report)
	return report
}

func biasStatusFor(failed int) BiasStatus {
	switch {
	case failed == 0:
		return BiasNone
	case failed <= 2:
		return BiasReview
	default:
		return BiasBlocked
	}
}

func (a *Analyzer) record(report *BiasReport) {
	if a.audit == nil {
		return
	}
	severity := audit.SeverityInfo
	switch report.Status {
	case BiasReview:
		severity = audit.SeverityWarning
	case BiasBlocked:
		severity = audit.SeverityCritical
	}
	failedNames := make([]string, 0, len(report.Metrics))
	for _, m := range report.Metrics {
		if !m.Passed {
			failedNames = append(failedNames, m.Name)
		}
	}
	details := map[string]interface{}{
		"report_id":       report.ReportID,
		"reference_group": report.Reference,
		"status":          string(report.Status),
		"failed_metrics":  failedNames,
	}
	if _, err := a.audit.Append(audit.ActionBiasAudit, severity, "guardrail", "fairness analysis "+string(report.Status), details, ""); err != nil {
		a.logger.Warn("bias audit append failed", "error", err)
	}
}

// worstRatio finds the lowest group-to-reference positive-rate ratio. A
// reference rate of zero means no adverse impact is measurable, which
// passes trivially.
func worstRatio(ref float64, groups []GroupOutcome) (float64, string) {
	if ref == 0 || len(groups) == 0 {
		return 1.0, ""
	}
	worst := math.Inf(1)
	var worstGroup string
	for _, g := range groups {
		r := g.PositiveRate / ref
		if r < worst {
			worst = r
			worstGroup = g.Group
		}
	}
	return worst, worstGroup
}

func maxGap(ref float64, groups []GroupOutcome, pick func(GroupOutcome) float64) (float64, string) {
	var worst float64
	var worstGroup string
	for _, g := range groups {
		gap := math.Abs(pick(g) - ref)
		if gap > worst {
			worst = gap
			worstGroup = g.Group
		}
	}
	return worst, worstGroup
}
