package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/vigil/pkg/audit"
	"github.com/Mindburn-Labs/vigil/pkg/config"
)

var testStart = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestGateway(t *testing.T) (*Evaluator, *SessionManager, *audit.Log) {
	t.Helper()
	cfg := config.DefaultTuning().Gateway
	log := audit.NewLog()

	sessions, err := NewSessionManager(testSecret, cfg)
	require.NoError(t, err)
	sessions.WithAudit(log).WithClock(func() time.Time { return testStart })

	evaluator, err := NewEvaluator(cfg, sessions)
	require.NoError(t, err)
	evaluator.WithAudit(log).WithClock(func() time.Time { return testStart })

	return evaluator, sessions, log
}

func openSession(t *testing.T, sessions *SessionManager, userID, role, sourceIP, fingerprint string, mfa bool) string {
	t.Helper()
	token, _, err := sessions.Create(context.Background(), userID, role, sourceIP, fingerprint, mfa)
	require.NoError(t, err)
	return token
}

func TestEvaluateAllowsTrustedOperator(t *testing.T) {
	evaluator, sessions, _ := newTestGateway(t)
	token := openSession(t, sessions, "u-100", "operator", "10.1.2.3", "dev-1", false)

	decision := evaluator.Evaluate(context.Background(), AccessRequest{
		Token:             token,
		SourceIP:          "10.1.2.3",
		Country:           "US",
		DeviceFingerprint: "dev-1",
		DeviceManaged:     true,
		Resource:          "dispatch.create",
	})

	assert.Equal(t, VerdictAllow, decision.Verdict)
	assert.InDelta(t, 0.95, decision.Trust, 1e-9)
	assert.Equal(t, "u-100", decision.UserID)
	assert.Equal(t, "operator", decision.Role)
	assert.Len(t, decision.Factors, 5)
	assert.Empty(t, decision.Outstanding)
}

func TestEvaluateDeniesDisallowedCountry(t *testing.T) {
	evaluator, sessions, log := newTestGateway(t)
	token := openSession(t, sessions, "u-200", "commander", "10.1.2.3", "dev-2", true)

	decision := evaluator.Evaluate(context.Background(), AccessRequest{
		Token:             token,
		SourceIP:          "10.1.2.3",
		Country:           "XX",
		DeviceFingerprint: "dev-2",
		DeviceManaged:     true,
	})

	assert.Equal(t, VerdictDeny, decision.Verdict)
	assert.Contains(t, decision.Reason, "XX")
	assert.Contains(t, decision.Reason, "geo")

	entries := log.Query(audit.QueryFilter{ActionKind: audit.ActionAccessDecision})
	require.Len(t, entries, 1)
	assert.Equal(t, audit.SeverityWarning, entries[0].Severity)
	assert.Equal(t, "deny", entries[0].Details["verdict"])
}

func TestEvaluateDeniesOutsideNetworks(t *testing.T) {
	evaluator, sessions, _ := newTestGateway(t)
	token := openSession(t, sessions, "u-300", "operator", "203.0.113.7", "", false)

	decision := evaluator.Evaluate(context.Background(), AccessRequest{
		Token:    token,
		SourceIP: "203.0.113.7",
		Country:  "US",
	})

	assert.Equal(t, VerdictDeny, decision.Verdict)
	assert.Contains(t, decision.Reason, "outside allowed networks")
}

func TestEvaluateDeniesUnparseableIP(t *testing.T) {
	evaluator, _, _ := newTestGateway(t)

	decision := evaluator.Evaluate(context.Background(), AccessRequest{
		SourceIP: "not-an-ip",
		Country:  "US",
	})

	assert.Equal(t, VerdictDeny, decision.Verdict)
}

func TestEvaluateDeniesMissingToken(t *testing.T) {
	evaluator, _, _ := newTestGateway(t)

	decision := evaluator.Evaluate(context.Background(), AccessRequest{
		SourceIP: "10.1.2.3",
		Country:  "US",
	})

	assert.Equal(t, VerdictDeny, decision.Verdict)
	assert.Contains(t, decision.Reason, "no session token presented")
}

func TestEvaluateDeniesGarbageToken(t *testing.T) {
	evaluator, _, _ := newTestGateway(t)

	decision := evaluator.Evaluate(context.Background(), AccessRequest{
		Token:    "not.a.jwt",
		SourceIP: "10.1.2.3",
		Country:  "US",
	})

	assert.Equal(t, VerdictDeny, decision.Verdict)
	assert.Contains(t, decision.Reason, "token")
}

func TestEvaluateDeniesUnpermittedResource(t *testing.T) {
	evaluator, sessions, _ := newTestGateway(t)
	token := openSession(t, sessions, "u-400", "operator", "10.1.2.3", "", false)

	decision := evaluator.Evaluate(context.Background(), AccessRequest{
		Token:    token,
		SourceIP: "10.1.2.3",
		Country:  "US",
		Resource: "approval.approve",
	})

	assert.Equal(t, VerdictDeny, decision.Verdict)
	assert.Contains(t, decision.Reason, "approval.approve")
}

func TestEvaluateCapsAllowToChallengeWhenVerificationOutstanding(t *testing.T) {
	evaluator, sessions, _ := newTestGateway(t)
	// Commander role demands MFA and a managed device; this session has
	// neither, but its composite trust would otherwise clear allow.
	token := openSession(t, sessions, "u-500", "commander", "10.1.2.3", "dev-5", false)

	decision := evaluator.Evaluate(context.Background(), AccessRequest{
		Token:             token,
		SourceIP:          "10.1.2.3",
		Country:           "US",
		DeviceFingerprint: "dev-5",
	})

	assert.Equal(t, VerdictChallenge, decision.Verdict)
	assert.Contains(t, decision.Outstanding, "mfa_verification")
	assert.Contains(t, decision.Outstanding, "device_verification")
	assert.GreaterOrEqual(t, decision.Trust, evaluator.cfg.Thresholds.Allow)
}

func TestEvaluateCommanderFullPosture(t *testing.T) {
	evaluator, sessions, _ := newTestGateway(t)
	token := openSession(t, sessions, "u-600", "commander", "10.1.2.3", "dev-6", true)

	decision := evaluator.Evaluate(context.Background(), AccessRequest{
		Token:             token,
		SourceIP:          "10.1.2.3",
		Country:           "US",
		DeviceFingerprint: "dev-6",
		DeviceManaged:     true,
	})

	assert.Equal(t, VerdictAllow, decision.Verdict)
	assert.Empty(t, decision.Outstanding)
	assert.InDelta(t, 1.0, decision.Trust, 1e-9)
}

func TestEvaluateUnknownCountrySoftens(t *testing.T) {
	evaluator, sessions, _ := newTestGateway(t)
	token := openSession(t, sessions, "u-700", "operator", "10.1.2.3", "dev-7", false)

	decision := evaluator.Evaluate(context.Background(), AccessRequest{
		Token:             token,
		SourceIP:          "10.1.2.3",
		DeviceFingerprint: "dev-7",
		DeviceManaged:     true,
	})

	// Geo contributes 0.5 instead of 1.0; still above the allow line.
	assert.Equal(t, VerdictAllow, decision.Verdict)
	assert.InDelta(t, 0.85, decision.Trust, 1e-9)
}

func TestEvaluateStateRestriction(t *testing.T) {
	cfg := config.DefaultTuning().Gateway
	cfg.AllowedStates = []string{"FL"}
	log := audit.NewLog()

	sessions, err := NewSessionManager(testSecret, cfg)
	require.NoError(t, err)
	sessions.WithClock(func() time.Time { return testStart })

	evaluator, err := NewEvaluator(cfg, sessions)
	require.NoError(t, err)
	evaluator.WithAudit(log).WithClock(func() time.Time { return testStart })

	token, _, err := sessions.Create(context.Background(), "u-800", "operator", "10.1.2.3", "", false)
	require.NoError(t, err)

	in := evaluator.Evaluate(context.Background(), AccessRequest{
		Token: token, SourceIP: "10.1.2.3", Country: "US", State: "FL", DeviceManaged: true,
	})
	assert.Equal(t, VerdictAllow, in.Verdict)

	out := evaluator.Evaluate(context.Background(), AccessRequest{
		Token: token, SourceIP: "10.1.2.3", Country: "US", State: "GA", DeviceManaged: true,
	})
	assert.Equal(t, VerdictDeny, out.Verdict)
	assert.Contains(t, out.Reason, "GA")
}

func TestVerdictBoundaries(t *testing.T) {
	evaluator, _, _ := newTestGateway(t)

	cases := []struct {
		trust float64
		want  Verdict
	}{
		{1.0, VerdictAllow},
		{0.70, VerdictAllow},
		{0.6999, VerdictChallenge},
		{0.50, VerdictChallenge},
		{0.4999, VerdictRequireMFA},
		{0.40, VerdictRequireMFA},
		{0.3999, VerdictDeny},
		{0.0, VerdictDeny},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, evaluator.verdictFor(tc.trust), "trust %.4f", tc.trust)
	}
}

func TestEvaluateAuditsEveryDecision(t *testing.T) {
	evaluator, sessions, log := newTestGateway(t)
	token := openSession(t, sessions, "u-900", "viewer", "10.1.2.3", "", false)

	for i := 0; i < 3; i++ {
		evaluator.Evaluate(context.Background(), AccessRequest{
			Token: token, SourceIP: "10.1.2.3", Country: "US",
		})
	}

	entries := log.Query(audit.QueryFilter{ActionKind: audit.ActionAccessDecision})
	assert.Len(t, entries, 3)
}

func TestEvaluateRejectsBadCIDRConfig(t *testing.T) {
	cfg := config.DefaultTuning().Gateway
	cfg.AllowedNetworks = []string{"10.0.0.0/8", "not-a-cidr"}

	_, err := NewEvaluator(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not-a-cidr")
}

func TestRoleAllowsGlobs(t *testing.T) {
	role := Role{AllowedResources: []string{"dispatch.*", "audit.read"}}

	assert.True(t, role.Allows("dispatch.create"))
	assert.True(t, role.Allows("dispatch.read"))
	assert.True(t, role.Allows("audit.read"))
	assert.False(t, role.Allows("audit.write"))
	assert.False(t, role.Allows("safety.read"))

	wildcard := Role{AllowedResources: []string{"*"}}
	assert.True(t, wildcard.Allows("anything.at.all"))
}

func TestRolesFromConfigMergesPosture(t *testing.T) {
	roles := RolesFromConfig(config.DefaultTuning().Gateway)

	commander := roles["commander"]
	assert.Equal(t, 1.0, commander.TrustLevel)
	assert.True(t, commander.RequireMFA)
	assert.True(t, commander.RequireManagedDevice)
	assert.Equal(t, 15*time.Minute, commander.SessionTimeout)

	viewer := roles["viewer"]
	assert.Equal(t, 0.6, viewer.TrustLevel)
	assert.False(t, viewer.RequireMFA)
	assert.Equal(t, 60*time.Minute, viewer.SessionTimeout)
}
