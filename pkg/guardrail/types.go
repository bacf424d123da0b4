// Package guardrail decides whether proposed actions are allowed, denied, or
// held for human approval. Rules live in layers with strict precedence;
// conditions are CEL expressions over the action context. Risk scoring and
// fairness analysis ride alongside the rule engine: high risk forces review,
// and a blocked bias report stops the gated action outright.
package guardrail

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/canonicalize"
)

// Layer orders rule precedence. Higher layers always win: a federal
// constitutional rule overrides everything below it regardless of priority.
type Layer string

const (
	LayerFederalConstitutional Layer = "federal_constitutional"
	LayerFederalStatute        Layer = "federal_statute"
	LayerStateStatute          Layer = "state_statute"
	LayerLocalOrdinance        Layer = "local_ordinance"
	LayerAgencySOP             Layer = "agency_sop"
	LayerModelConstraint       Layer = "model_constraint"
)

// layerOrder is the consultation order, highest precedence first.
var layerOrder = []Layer{
	LayerFederalConstitutional,
	LayerFederalStatute,
	LayerStateStatute,
	LayerLocalOrdinance,
	LayerAgencySOP,
	LayerModelConstraint,
}

// ParseLayer rejects unknown layers instead of guessing a precedence for
// them.
func ParseLayer(s string) (Layer, error) {
	for _, l := range layerOrder {
		if Layer(s) == l {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown guardrail layer %q", s)
}

// RuleAction is a rule's verdict when its condition matches.
type RuleAction string

const (
	RuleAllow           RuleAction = "allow"
	RuleDeny            RuleAction = "deny"
	RuleRequireApproval RuleAction = "require_approval"
)

func ParseRuleAction(s string) (RuleAction, error) {
	switch a := RuleAction(s); a {
	case RuleAllow, RuleDeny, RuleRequireApproval:
		return a, nil
	default:
		return "", fmt.Errorf("unknown rule action %q", s)
	}
}

// Rule is one layered policy rule. Condition is a CEL expression over the
// action context; an empty condition never matches. Inactive rules are not
// consulted.
type Rule struct {
	ID        string     `yaml:"id" json:"id"`
	Layer     Layer      `yaml:"layer" json:"layer"`
	Condition string     `yaml:"condition" json:"condition"`
	Action    RuleAction `yaml:"action" json:"action"`
	Category  string     `yaml:"category" json:"category"`
	Priority  int        `yaml:"priority" json:"priority"`
	Citations []string   `yaml:"citations,omitempty" json:"citations,omitempty"`
	Active    bool       `yaml:"-" json:"active"`
}

// ActionType classifies the proposed action under evaluation.
type ActionType string

const (
	ActionSurveillance  ActionType = "surveillance"
	ActionSearch        ActionType = "search"
	ActionInterrogation ActionType = "interrogation"
	ActionForce         ActionType = "force"
	ActionDataQuery     ActionType = "data_query"
	ActionDroneSortie   ActionType = "drone_sortie"
	ActionPursuit       ActionType = "pursuit"
)

// ForceLevel follows the use-of-force continuum.
type ForceLevel string

const (
	ForceNone       ForceLevel = "none"
	ForcePresence   ForceLevel = "presence"
	ForceVerbal     ForceLevel = "verbal"
	ForceEmptyHand  ForceLevel = "empty_hand"
	ForceLessLethal ForceLevel = "less_lethal"
	ForceLethal     ForceLevel = "lethal"
)

// Subject carries demographics when they are in scope for the action.
// Presence of a subject at all raises civil-rights exposure.
type Subject struct {
	Race     string `json:"race,omitempty"`
	Gender   string `json:"gender,omitempty"`
	AgeRange string `json:"age_range,omitempty"`
}

// ActionContext is the full input to a guardrail evaluation.
type ActionContext struct {
	ActionID        string          `json:"action_id"`
	Type            ActionType      `json:"type"`
	Subject         *Subject        `json:"subject,omitempty"`
	ProbableCause   bool            `json:"probable_cause"`
	Consent         map[string]bool `json:"consent,omitempty"`
	MirandaGiven    bool            `json:"miranda_given"`
	ForceLevel      ForceLevel      `json:"force_level,omitempty"`
	PursuitSpeedMPH float64         `json:"pursuit_speed_mph,omitempty"`
	SearchScope     string          `json:"search_scope,omitempty"`
	DurationMin     int             `json:"duration_min,omitempty"`
	PriorContacts   int             `json:"prior_contacts,omitempty"`
	RequestedBy     string          `json:"requested_by,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
}

// celInput maps the context onto the CEL variables rule conditions see.
// Every key is always present so conditions like `subject.race == "x"` or
// `consent.search` evaluate cleanly instead of erroring when a field was
// not supplied.
func (a *ActionContext) celInput() map[string]any {
	subject := map[string]any{
		"present":   false,
		"race":      "",
		"gender":    "",
		"age_range": "",
	}
	if a.Subject != nil {
		subject["present"] = true
		subject["race"] = a.Subject.Race
		subject["gender"] = a.Subject.Gender
		subject["age_range"] = a.Subject.AgeRange
	}

	consent := map[string]any{
		"search":    false,
		"recording": false,
		"entry":     false,
	}
	for k, v := range a.Consent {
		consent[k] = v
	}

	force := a.ForceLevel
	if force == "" {
		force = ForceNone
	}

	return map[string]any{
		"action": map[string]any{
			"type":             string(a.Type),
			"force_level":      string(force),
			"pursuit_speed":    a.PursuitSpeedMPH,
			"search_scope":     a.SearchScope,
			"duration_minutes": a.DurationMin,
		},
		"subject":        subject,
		"probable_cause": a.ProbableCause,
		"consent":        consent,
		"miranda_given":  a.MirandaGiven,
		"prior_contacts": a.PriorContacts,
	}
}

// Result is the engine's verdict for an action.
type Result string

const (
	ResultAllowed       Result = "allowed"
	ResultDenied        Result = "denied"
	ResultAllowedReview Result = "allowed_with_review"
)

// ConsultedRule records one rule's participation in a decision. The ordered
// list of these is the decision's precedence chain.
type ConsultedRule struct {
	RuleID   string     `json:"rule_id"`
	Layer    Layer      `json:"layer"`
	Action   RuleAction `json:"action"`
	Priority int        `json:"priority"`
	Matched  bool       `json:"matched"`
}

// Decision is the engine's output for one action context.
type Decision struct {
	DecisionID      string          `json:"decision_id"`
	ActionID        string          `json:"action_id"`
	ActionType      ActionType      `json:"action_type"`
	Result          Result          `json:"result"`
	Reason          string          `json:"reason"`
	PrecedenceChain []ConsultedRule `json:"precedence_chain"`
	Risk            *RiskScore      `json:"risk"`
	DecisionHash    string          `json:"decision_hash"`
	DecidedAt       time.Time       `json:"decided_at"`
}

// Allowed reports whether the action may proceed, possibly pending review.
func (d *Decision) Allowed() bool {
	return d.Result != ResultDenied
}

// NeedsApproval reports whether the decision requires a human sign-off.
func (d *Decision) NeedsApproval() bool {
	return d.Result == ResultAllowedReview
}

// ComputeDecisionHash produces a deterministic SHA-256 hash of the decision
// using JCS canonicalization, excluding the hash field itself and the
// per-evaluation id and timestamp. Two evaluations of the same context
// against the same rules hash identically.
func ComputeDecisionHash(d *Decision) (string, error) {
	hashInput := struct {
		ActionID  string          `json:"action_id"`
		Result    Result          `json:"result"`
		Reason    string          `json:"reason"`
		Chain     []ConsultedRule `json:"precedence_chain"`
		RiskTotal float64         `json:"risk_total"`
	}{
		ActionID: d.ActionID,
		Result:   d.Result,
		Reason:   d.Reason,
		Chain:    d.PrecedenceChain,
	}
	if d.Risk != nil {
		hashInput.RiskTotal = d.Risk.Total
	}

	sum, err := canonicalize.CanonicalHash(hashInput)
	if err != nil {
		return "", fmt.Errorf("guardrail: decision hash canonicalization failed: %w", err)
	}
	return "sha256:" + sum, nil
}
