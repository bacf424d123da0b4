package dispatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRulesFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "triggers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultTriggerRulesCoverEveryTrigger(t *testing.T) {
	rules := DefaultTriggerRules()
	for trigger := range knownTriggers {
		rule, ok := rules[trigger]
		require.True(t, ok, "no default rule for %s", trigger)
		assert.True(t, rule.Enabled, "%s default disabled", trigger)
		assert.True(t, KnownCommand(rule.LoiterCommand()), "%s loiter unmapped", trigger)
		_, ok = rule.MinPriority.TierScore()
		assert.True(t, ok, "%s min_priority unranked", trigger)
	}
	assert.Len(t, rules, len(knownTriggers))
}

func TestLoiterCommandMapping(t *testing.T) {
	for behavior, want := range map[string]CommandType{
		"orbit": CmdOrbit, "hover": CmdHover, "patrol": CmdPatrol,
		"follow": CmdFollow, "search": CmdSearch, "track": CmdTrack,
	} {
		assert.Equal(t, want, TriggerRule{LoiterBehavior: behavior}.LoiterCommand())
	}
	assert.Equal(t, CmdHover, TriggerRule{}.LoiterCommand(), "unset behavior hovers")
}

func TestLoadTriggerRulesOverlaysDefaults(t *testing.T) {
	path := writeRulesFile(t, `
triggers:
  shotspotter:
    min_priority: critical
    auto_dispatch: true
    response_radius_m: 4000
    required_capabilities: [camera]
    loiter_behavior: orbit
  crash:
    enabled: false
    min_priority: high
    auto_dispatch: true
`)

	rules, err := LoadTriggerRules(path)
	require.NoError(t, err)

	shot := rules[TriggerShotspotter]
	assert.True(t, shot.Enabled, "omitted enabled defaults to true")
	assert.Equal(t, PriorityCritical, shot.MinPriority)
	assert.Equal(t, 4000.0, shot.ResponseRadiusM)
	assert.Equal(t, []string{"camera"}, shot.RequiredCapabilities)

	assert.False(t, rules[TriggerCrash].Enabled)

	// Triggers absent from the file keep their defaults.
	pursuit := rules[TriggerPursuit]
	assert.True(t, pursuit.RequireApproval)
	assert.Equal(t, 10000.0, pursuit.ResponseRadiusM)
}

func TestLoadTriggerRulesDefaultsOmittedPriority(t *testing.T) {
	path := writeRulesFile(t, `
triggers:
  manual:
    auto_dispatch: true
    loiter_behavior: hover
`)

	rules, err := LoadTriggerRules(path)
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, rules[TriggerManual].MinPriority)
}

func TestLoadTriggerRulesRejectsBadTables(t *testing.T) {
	cases := map[string]string{
		"unknown trigger type": `
triggers:
  seismic:
    min_priority: high
`,
		"unknown min_priority": `
triggers:
  manual:
    min_priority: apocalyptic
`,
		"unknown loiter_behavior": `
triggers:
  manual:
    loiter_behavior: barrel_roll
`,
		"negative response_radius_m": `
triggers:
  manual:
    response_radius_m: -100
`,
	}
	for want, body := range cases {
		_, err := LoadTriggerRules(writeRulesFile(t, body))
		require.Error(t, err, want)
		assert.Contains(t, err.Error(), "trigger rules:")
	}

	_, err := LoadTriggerRules(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read trigger rules")
}
