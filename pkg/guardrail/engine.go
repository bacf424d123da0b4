package guardrail

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/vigil/pkg/audit"
	"github.com/Mindburn-Labs/vigil/pkg/config"
	"github.com/Mindburn-Labs/vigil/pkg/fault"
	"github.com/Mindburn-Labs/vigil/pkg/observability"
)

// Engine evaluates proposed actions against the layered rule set and the
// risk assessor. Every call consults all layers so the precedence chain is
// complete, but the verdict comes from the highest layer with a matching
// rule. A condition that errors at runtime denies the action: guardrails
// fail closed, never open.
type Engine struct {
	cfg        config.GuardrailConfig
	conditions *Conditions
	assessor   *Assessor

	audit  *audit.Log
	obs    *observability.Provider
	logger *slog.Logger
	clock  func() time.Time

	mu    sync.RWMutex
	rules map[Layer][]Rule
}

func NewEngine(cfg config.GuardrailConfig) (*Engine, error) {
	conditions, err := NewConditions()
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:        cfg,
		conditions: conditions,
		assessor:   NewAssessor(cfg.Risk),
		logger:     slog.Default().With("component", "guardrail"),
		clock:      time.Now,
		rules:      make(map[Layer][]Rule),
	}, nil
}

func (e *Engine) WithAudit(log *audit.Log) *Engine {
	e.audit = log
	return e
}

func (e *Engine) WithObservability(p *observability.Provider) *Engine {
	e.obs = p
	return e
}

func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger.With("component", "guardrail")
	return e
}

func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Conditions exposes the shared evaluator so a PackLoader can warm the
// same program cache the engine evaluates from.
func (e *Engine) Conditions() *Conditions {
	return e.conditions
}

// SetRules replaces the active rule set. Inactive rules are dropped here,
// and each layer is ordered by priority descending with rule ID as the
// tiebreak, so evaluation is a straight walk.
func (e *Engine) SetRules(rules []Rule) {
	grouped := make(map[Layer][]Rule)
	for _, r := range rules {
		if !r.Active {
			continue
		}
		grouped[r.Layer] = append(grouped[r.Layer], r)
	}
	for layer := range grouped {
		rs := grouped[layer]
		sort.SliceStable(rs, func(i, j int) bool {
			if rs[i].Priority != rs[j].Priority {
				return rs[i].Priority > rs[j].Priority
			}
			return rs[i].ID < rs[j].ID
		})
		grouped[layer] = rs
	}
	e.mu.Lock()
	e.rules = grouped
	e.mu.Unlock()
}

// LoadPack installs a validated pack's rules as the active set.
func (e *Engine) LoadPack(p *Pack) {
	e.SetRules(p.Rules)
}

// Evaluate decides whether the action may proceed. The returned decision
// is final for deny, advisory for allowed_with_review (an approval request
// must resolve before execution). No matching rule means the action is
// allowed, subject to the risk threshold: rules encode prohibitions, not
// permissions.
func (e *Engine) Evaluate(ctx context.Context, actx ActionContext) (*Decision, error) {
	if actx.ActionID == "" {
		actx.ActionID = "act_" + uuid.NewString()
	}
	risk := e.assessor.Score(&actx)
	input := actx.celInput()

	e.mu.RLock()
	snapshot := e.rules
	e.mu.RUnlock()

	var (
		chain       []ConsultedRule
		winner      *Rule
		winnerLayer Layer
		matched     []Rule
	)
	for _, layer := range layerOrder {
		var layerTop *Rule
		for i := range snapshot[layer] {
			rule := snapshot[layer][i]
			ok, err := e.conditions.Eval(rule.Condition, input)
			if err != nil {
				e.logger.ErrorContext(ctx, "condition evaluation failed",
					"rule_id", rule.ID, "layer", rule.Layer, "error", err)
				reason := fmt.Sprintf("rule %s (%s) condition evaluation failed closed: %v", rule.ID, rule.Layer, err)
				return e.finish(ctx, actx, ResultDenied, reason, chain, risk, rule.Layer)
			}
			chain = append(chain, ConsultedRule{
				RuleID:   rule.ID,
				Layer:    rule.Layer,
				Action:   rule.Action,
				Priority: rule.Priority,
				Matched:  ok,
			})
			if ok {
				matched = append(matched, rule)
				if layerTop == nil {
					layerTop = &snapshot[layer][i]
				}
			}
		}
		if winner == nil && layerTop != nil {
			winner = layerTop
			winnerLayer = layer
		}
	}

	result, reason := e.verdict(winner, matched, risk)
	if result != ResultDenied && risk.Total >= e.cfg.ApprovalThreshold {
		result = ResultAllowedReview
		reason += fmt.Sprintf("; risk %.1f (%s) at or above approval threshold %.0f",
			risk.Total, risk.Band, e.cfg.ApprovalThreshold)
	}
	return e.finish(ctx, actx, result, reason, chain, risk, winnerLayer)
}

func (e *Engine) verdict(winner *Rule, matched []Rule, risk *RiskScore) (Result, string) {
	if winner == nil {
		return ResultAllowed, fmt.Sprintf("no policy objection; risk %s (%.1f)", risk.Band, risk.Total)
	}

	label := ruleLabel(*winner)
	var result Result
	var reason string
	switch winner.Action {
	case RuleDeny:
		result = ResultDenied
		reason = "denied by " + label
	case RuleRequireApproval:
		result = ResultAllowedReview
		reason = "approval required by " + label
	default:
		result = ResultAllowed
		reason = "allowed by " + label
	}

	// Surface every other matched prohibition so an operator sees the
	// full set of objections, not just the winning layer's.
	var others []string
	for _, r := range matched {
		if r.ID == winner.ID || r.Action == RuleAllow {
			continue
		}
		others = append(others, string(r.Layer)+"/"+r.ID)
	}
	if len(others) > 0 {
		reason += "; failed checks: " + strings.Join(others, ", ")
	}
	return result, reason
}

func ruleLabel(r Rule) string {
	label := fmt.Sprintf("%s rule %s", r.Layer, r.ID)
	if len(r.Citations) > 0 {
		label += " (" + strings.Join(r.Citations, "; ") + ")"
	}
	return label
}

func (e *Engine) finish(ctx context.Context, actx ActionContext, result Result, reason string, chain []ConsultedRule, risk *RiskScore, layer Layer) (*Decision, error) {
	d := &Decision{
		DecisionID:      "gd_" + uuid.NewString(),
		ActionID:        actx.ActionID,
		ActionType:      actx.Type,
		Result:          result,
		Reason:          reason,
		PrecedenceChain: chain,
		Risk:            risk,
		DecidedAt:       e.clock().UTC(),
	}
	hash, err := ComputeDecisionHash(d)
	if err != nil {
		return nil, fault.Wrap(fault.Integrity, "guardrail.evaluate", err)
	}
	d.DecisionHash = hash

	e.record(ctx, actx, d, layer)
	return d, nil
}

func (e *Engine) record(ctx context.Context, actx ActionContext, d *Decision, layer Layer) {
	if e.audit != nil {
		severity := audit.SeverityInfo
		if d.Result != ResultAllowed {
			severity = audit.SeverityWarning
		}
		details := map[string]interface{}{
			"decision_id":     d.DecisionID,
			"action_id":       d.ActionID,
			"action_type":     string(d.ActionType),
			"result":          string(d.Result),
			"risk_total":      d.Risk.Total,
			"risk_band":       string(d.Risk.Band),
			"decision_hash":   d.DecisionHash,
			"rules_consulted": len(d.PrecedenceChain),
		}
		desc := fmt.Sprintf("action %s %s", d.ActionID, d.Result)
		if _, err := e.audit.Append(audit.ActionGuardrailDecision, severity, "guardrail", desc, details, actx.SessionID); err != nil {
			e.logger.Warn("guardrail audit append failed", "error", err)
		}
	}
	if e.obs != nil {
		e.obs.RecordDecision(ctx, observability.GuardrailOperation(string(actx.Type), string(d.Result), string(layer), d.Risk.Total)...)
	}
	e.logger.InfoContext(ctx, "guardrail decision",
		"decision_id", d.DecisionID,
		"action_id", d.ActionID,
		"action_type", actx.Type,
		"result", d.Result,
		"risk_total", d.Risk.Total,
		"risk_band", d.Risk.Band,
	)
}
