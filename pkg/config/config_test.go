package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
// Invariant: System must boot with safe defaults in dev mode.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("VIGIL_LITE", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "8081", cfg.HealthPort)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.True(t, cfg.Lite, "no DATABASE_URL means lite mode")
	assert.Equal(t, "./data/audit", cfg.AuditDir)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
// Invariant: Ops can control config via standard 12-factor env vars.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/vigil")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("AUDIT_COLD_BUCKET", "vigil-audit-cold")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/vigil", cfg.DatabaseURL)
	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
	assert.Equal(t, "vigil-audit-cold", cfg.ColdBucket)
	assert.False(t, cfg.Lite, "DATABASE_URL present disables lite mode")
}

func TestDefaultTuning(t *testing.T) {
	tn := config.DefaultTuning()

	assert.Equal(t, 0.75, tn.Fusion.SimilarityThreshold)
	assert.Equal(t, 60*time.Second, tn.Fusion.CorrelationWindow())
	assert.Equal(t, float64(500), tn.Fusion.CorrelationRadiusM)
	assert.Equal(t, 0.9, tn.Fusion.AutoVerifyThreshold)

	assert.Equal(t, 30*time.Minute, tn.Safety.WarningTTL())
	assert.Equal(t, 30*time.Minute, tn.Safety.CheckinInterval())
	assert.Equal(t, float64(1500), tn.Safety.RadiusFor("gunfire_cluster"))
	assert.Equal(t, float64(500), tn.Safety.RadiusFor("unknown_threat"), "unknown threat types use the default radius")

	assert.Equal(t, 0.8, tn.Guardrail.Fairness.DisparateImpactMin)
	weightSum := tn.Guardrail.Risk.Legal + tn.Guardrail.Risk.CivilRights +
		tn.Guardrail.Risk.Jurisdiction + tn.Guardrail.Risk.Operational + tn.Guardrail.Risk.Political
	assert.InDelta(t, 1.0, weightSum, 1e-9, "risk weights sum to 1")

	assert.Equal(t, 3, tn.Continuity.FailoverAfter)
	assert.Equal(t, 2555, tn.Continuity.RetentionDays, "seven year retention")

	trustSum := tn.Gateway.Weights.IP + tn.Gateway.Weights.Geo + tn.Gateway.Weights.Token +
		tn.Gateway.Weights.Role + tn.Gateway.Weights.Device
	assert.InDelta(t, 1.0, trustSum, 1e-9, "trust weights sum to 1")
	assert.Equal(t, 0.70, tn.Gateway.Thresholds.Allow)
	assert.Equal(t, 60*time.Minute, tn.Gateway.SessionTimeoutFor("viewer"))
	assert.Equal(t, 30*time.Minute, tn.Gateway.SessionTimeoutFor("nobody"), "unknown roles get the conservative default")
}

func TestLoadTuning_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	doc := []byte(`
fusion:
  correlation_window_sec: 120
  auto_verify_threshold: 0.95
safety:
  checkin_interval_min: 15
`)
	require.NoError(t, os.WriteFile(path, doc, 0o600))

	tn, err := config.LoadTuning(path)
	require.NoError(t, err)

	assert.Equal(t, 120*time.Second, tn.Fusion.CorrelationWindow())
	assert.Equal(t, 0.95, tn.Fusion.AutoVerifyThreshold)
	assert.Equal(t, 0.75, tn.Fusion.SimilarityThreshold, "untouched fields keep defaults")
	assert.Equal(t, 15*time.Minute, tn.Safety.CheckinInterval())
	assert.Equal(t, 3, tn.Continuity.FailoverAfter, "untouched sections keep defaults")
}

func TestLoadTuning_MissingFile(t *testing.T) {
	_, err := config.LoadTuning(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestSnapshotSwap(t *testing.T) {
	snap := config.NewSnapshot(config.DefaultTuning())
	assert.Equal(t, 0.75, snap.Load().Fusion.SimilarityThreshold)

	next := config.DefaultTuning()
	next.Fusion.SimilarityThreshold = 0.85
	snap.Store(next)

	assert.Equal(t, 0.85, snap.Load().Fusion.SimilarityThreshold, "readers observe the swapped record")
}
