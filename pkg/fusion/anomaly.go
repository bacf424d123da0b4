package fusion

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/config"
	"github.com/Mindburn-Labs/vigil/pkg/store"
)

// baselineWarmup is how many observations a slot needs before it may alarm.
// A baseline younger than this only accumulates.
const baselineWarmup = 12

// Detector scores zone activity against per-(zone, hour-of-week) baselines
// and folds every observation back in online, so the baseline trails the
// stream without replaying history.
type Detector struct {
	baselines store.BaselineStore
	k         float64
	clock     func() time.Time
}

func NewDetector(baselines store.BaselineStore, cfg config.FusionConfig) *Detector {
	return &Detector{baselines: baselines, k: cfg.AnomalyK, clock: time.Now}
}

// WithClock overrides the time source for tests.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// Observation is one zone activity measurement, typically an event count
// for a short interval.
type Observation struct {
	Zone  string    `json:"zone"`
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Score checks each observation against its baseline, emitting an anomaly
// when the value exceeds mean + k*stddev, then updates the baseline with
// the observation. Scoring happens before the update so an outlier cannot
// soften the gate it is judged by.
func (d *Detector) Score(ctx context.Context, batch []Observation) ([]Anomaly, error) {
	var out []Anomaly
	for _, obs := range batch {
		hour := store.HourOfWeek(obs.Time)
		b, err := d.baselines.Load(ctx, obs.Zone, hour)
		if err != nil {
			return out, err
		}
		if b == nil {
			b = &store.Baseline{Zone: obs.Zone, HourOfWeek: hour}
		}

		if b.Count >= baselineWarmup {
			if sigma := b.StdDev(); sigma > 0 {
				threshold := b.Mean + d.k*sigma
				if obs.Value > threshold {
					out = append(out, Anomaly{
						Zone:       obs.Zone,
						HourOfWeek: hour,
						Observed:   obs.Value,
						Mean:       b.Mean,
						StdDev:     sigma,
						Threshold:  threshold,
						Severity:   anomalySeverity((obs.Value-b.Mean)/sigma, d.k),
						DetectedAt: d.clock().UTC(),
					})
				}
			}
		}

		b.Observe(obs.Value)
		b.UpdatedAt = d.clock().UTC()
		if err := d.baselines.Save(ctx, b); err != nil {
			return out, err
		}
	}
	return out, nil
}

// anomalySeverity grades by how many multiples of the configured gate the
// observation cleared.
func anomalySeverity(z, k float64) Severity {
	switch {
	case z >= 3*k:
		return SeverityCritical
	case z >= 2*k:
		return SeverityHigh
	case z >= 1.5*k:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
