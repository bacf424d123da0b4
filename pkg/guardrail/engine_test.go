package guardrail

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/vigil/pkg/audit"
	"github.com/Mindburn-Labs/vigil/pkg/config"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(config.DefaultTuning().Guardrail)
	require.NoError(t, err)
	return eng.WithClock(func() time.Time {
		return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	})
}

func testRule(id string, layer Layer, action RuleAction, priority int, condition string) Rule {
	return Rule{
		ID:        id,
		Layer:     layer,
		Condition: condition,
		Action:    action,
		Priority:  priority,
		Active:    true,
	}
}

func TestEngineDeniesWarrantlessSearch(t *testing.T) {
	eng := newTestEngine(t)
	eng.SetRules([]Rule{
		testRule("no-warrantless-search", LayerFederalConstitutional, RuleDeny, 100,
			`action.type == "search" && !probable_cause && !consent.search`),
	})

	d, err := eng.Evaluate(context.Background(), ActionContext{Type: ActionSearch})
	require.NoError(t, err)

	assert.Equal(t, ResultDenied, d.Result)
	assert.False(t, d.Allowed())
	assert.True(t, strings.HasPrefix(d.Reason, "denied by federal_constitutional rule no-warrantless-search"), d.Reason)
	require.Len(t, d.PrecedenceChain, 1)
	assert.True(t, d.PrecedenceChain[0].Matched)
	assert.True(t, strings.HasPrefix(d.DecisionID, "gd_"))
	assert.True(t, strings.HasPrefix(d.DecisionHash, "sha256:"))
	require.NotNil(t, d.Risk)
}

func TestEngineConsentDefeatsSearchRule(t *testing.T) {
	eng := newTestEngine(t)
	eng.SetRules([]Rule{
		testRule("no-warrantless-search", LayerFederalConstitutional, RuleDeny, 100,
			`action.type == "search" && !probable_cause && !consent.search`),
	})

	d, err := eng.Evaluate(context.Background(), ActionContext{
		Type:    ActionSearch,
		Consent: map[string]bool{"search": true},
	})
	require.NoError(t, err)

	assert.Equal(t, ResultAllowed, d.Result)
	require.Len(t, d.PrecedenceChain, 1)
	assert.False(t, d.PrecedenceChain[0].Matched)
}

func TestEngineHigherLayerWins(t *testing.T) {
	eng := newTestEngine(t)
	eng.SetRules([]Rule{
		// The agency rule outranks on priority but sits in a lower layer.
		testRule("agency-no-search", LayerAgencySOP, RuleDeny, 100, `action.type == "search"`),
		testRule("pc-search", LayerFederalConstitutional, RuleAllow, 50,
			`action.type == "search" && probable_cause`),
	})

	d, err := eng.Evaluate(context.Background(), ActionContext{Type: ActionSearch, ProbableCause: true})
	require.NoError(t, err)

	assert.Equal(t, ResultAllowed, d.Result)
	assert.True(t, strings.HasPrefix(d.Reason, "allowed by federal_constitutional rule pc-search"), d.Reason)
	assert.Contains(t, d.Reason, "failed checks: agency_sop/agency-no-search")
	assert.Len(t, d.PrecedenceChain, 2)
}

func TestEngineInLayerPriorityOrder(t *testing.T) {
	eng := newTestEngine(t)
	eng.SetRules([]Rule{
		testRule("allow-surv", LayerAgencySOP, RuleAllow, 10, `action.type == "surveillance"`),
		testRule("deny-surv", LayerAgencySOP, RuleDeny, 90, `action.type == "surveillance"`),
	})

	d, err := eng.Evaluate(context.Background(), ActionContext{Type: ActionSurveillance})
	require.NoError(t, err)

	assert.Equal(t, ResultDenied, d.Result)
	assert.True(t, strings.HasPrefix(d.Reason, "denied by agency_sop rule deny-surv"), d.Reason)
	// The matched allow rule is not an objection, so no failed-checks suffix.
	assert.NotContains(t, d.Reason, "failed checks")
}

func TestEngineRequireApproval(t *testing.T) {
	eng := newTestEngine(t)
	eng.SetRules([]Rule{
		testRule("lethal-force-approval", LayerAgencySOP, RuleRequireApproval, 100,
			`action.type == "force" && action.force_level == "lethal"`),
	})

	d, err := eng.Evaluate(context.Background(), ActionContext{
		Type:          ActionForce,
		ForceLevel:    ForceLethal,
		ProbableCause: true,
	})
	require.NoError(t, err)

	assert.Equal(t, ResultAllowedReview, d.Result)
	assert.True(t, d.Allowed())
	assert.True(t, d.NeedsApproval())
	assert.True(t, strings.HasPrefix(d.Reason, "approval required by agency_sop rule lethal-force-approval"), d.Reason)
}

func TestEngineRiskThresholdForcesReview(t *testing.T) {
	cfg := config.DefaultTuning().Guardrail
	cfg.ApprovalThreshold = 20

	eng, err := NewEngine(cfg)
	require.NoError(t, err)

	// Surveillance of a known subject scores 22.25 with default weights.
	d, err := eng.Evaluate(context.Background(), ActionContext{
		Type:    ActionSurveillance,
		Subject: &Subject{Race: "white", Gender: "male"},
	})
	require.NoError(t, err)

	assert.Equal(t, ResultAllowedReview, d.Result)
	assert.Contains(t, d.Reason, "at or above approval threshold")
	assert.InDelta(t, 22.25, d.Risk.Total, 1e-9)
}

func TestEngineNoRulesAllows(t *testing.T) {
	eng := newTestEngine(t)

	d, err := eng.Evaluate(context.Background(), ActionContext{Type: ActionDataQuery})
	require.NoError(t, err)

	assert.Equal(t, ResultAllowed, d.Result)
	assert.Contains(t, d.Reason, "no policy objection")
	assert.Empty(t, d.PrecedenceChain)
}

func TestEngineConditionErrorFailsClosed(t *testing.T) {
	eng := newTestEngine(t)
	eng.SetRules([]Rule{
		testRule("bad-math", LayerAgencySOP, RuleAllow, 50, `1 / prior_contacts > 0`),
	})

	// prior_contacts defaults to zero, so the division errors at runtime.
	d, err := eng.Evaluate(context.Background(), ActionContext{Type: ActionDataQuery})
	require.NoError(t, err)

	assert.Equal(t, ResultDenied, d.Result)
	assert.Contains(t, d.Reason, "failed closed")
	assert.Contains(t, d.Reason, "bad-math")
}

func TestEngineInactiveRuleIgnored(t *testing.T) {
	eng := newTestEngine(t)
	inactive := testRule("deny-everything", LayerFederalConstitutional, RuleDeny, 100, `true`)
	inactive.Active = false
	eng.SetRules([]Rule{inactive})

	d, err := eng.Evaluate(context.Background(), ActionContext{Type: ActionDataQuery})
	require.NoError(t, err)

	assert.Equal(t, ResultAllowed, d.Result)
	assert.Empty(t, d.PrecedenceChain)
}

func TestEngineGeneratesActionID(t *testing.T) {
	eng := newTestEngine(t)

	d, err := eng.Evaluate(context.Background(), ActionContext{Type: ActionDataQuery})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(d.ActionID, "act_"))

	d2, err := eng.Evaluate(context.Background(), ActionContext{ActionID: "act_fixed", Type: ActionDataQuery})
	require.NoError(t, err)
	assert.Equal(t, "act_fixed", d2.ActionID)
}

func TestEngineDecisionHashDeterministic(t *testing.T) {
	eng := newTestEngine(t)
	eng.SetRules(DefaultPack().Rules)

	actx := ActionContext{ActionID: "act_1", Type: ActionSearch}
	first, err := eng.Evaluate(context.Background(), actx)
	require.NoError(t, err)
	second, err := eng.Evaluate(context.Background(), actx)
	require.NoError(t, err)

	assert.Equal(t, first.DecisionHash, second.DecisionHash)
	assert.NotEqual(t, first.DecisionID, second.DecisionID)

	other, err := eng.Evaluate(context.Background(), ActionContext{ActionID: "act_2", Type: ActionSearch, ProbableCause: true, Consent: map[string]bool{"search": true}})
	require.NoError(t, err)
	assert.NotEqual(t, first.DecisionHash, other.DecisionHash)
}

func TestEngineDefaultPackBaseline(t *testing.T) {
	eng := newTestEngine(t)
	eng.LoadPack(DefaultPack())

	d, err := eng.Evaluate(context.Background(), ActionContext{Type: ActionSearch})
	require.NoError(t, err)
	assert.Equal(t, ResultDenied, d.Result)
	assert.Contains(t, d.Reason, "U.S. Const. amend. IV")

	d, err = eng.Evaluate(context.Background(), ActionContext{Type: ActionInterrogation, MirandaGiven: false})
	require.NoError(t, err)
	assert.Equal(t, ResultDenied, d.Result)
	assert.Contains(t, d.Reason, "Miranda")

	d, err = eng.Evaluate(context.Background(), ActionContext{Type: ActionPursuit, ProbableCause: true, PursuitSpeedMPH: 95})
	require.NoError(t, err)
	assert.Equal(t, ResultAllowedReview, d.Result)
}

func TestEngineAuditsDecisions(t *testing.T) {
	log := audit.NewLog()
	eng := newTestEngine(t).WithAudit(log)
	eng.SetRules([]Rule{
		testRule("no-warrantless-search", LayerFederalConstitutional, RuleDeny, 100,
			`action.type == "search" && !probable_cause && !consent.search`),
	})

	_, err := eng.Evaluate(context.Background(), ActionContext{Type: ActionSearch, SessionID: "sess_1"})
	require.NoError(t, err)

	entries := log.Query(audit.QueryFilter{ActionKind: audit.ActionGuardrailDecision})
	require.Len(t, entries, 1)
	assert.Equal(t, audit.SeverityWarning, entries[0].Severity)
	assert.Equal(t, "guardrail", entries[0].Source)
	assert.Equal(t, "sess_1", entries[0].SessionID)
	assert.Equal(t, "denied", entries[0].Details["result"])
	assert.NotEmpty(t, entries[0].Details["decision_hash"])
}
