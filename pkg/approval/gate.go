package approval

import (
	"context"

	"github.com/Mindburn-Labs/vigil/pkg/guardrail"
)

// Gate fronts the guardrail engine so every decision held for review gets
// a matching approval request. Callers that execute actions go through the
// gate, not the engine directly.
type Gate struct {
	engine  *guardrail.Engine
	manager *Manager
}

func NewGate(engine *guardrail.Engine, manager *Manager) *Gate {
	return &Gate{engine: engine, manager: manager}
}

// Evaluate runs the guardrail engine and, when the decision is
// allowed_with_review, opens (or reuses) the approval request for the
// action. The request is nil for outright allow and deny.
func (g *Gate) Evaluate(ctx context.Context, actx guardrail.ActionContext) (*guardrail.Decision, *Request, error) {
	decision, err := g.engine.Evaluate(ctx, actx)
	if err != nil {
		return nil, nil, err
	}
	if !decision.NeedsApproval() {
		return decision, nil, nil
	}
	request, err := g.manager.Create(ctx, decision)
	if err != nil {
		return nil, nil, err
	}
	return decision, request, nil
}

// Cleared reports whether an action may execute right now: allowed
// outright, or held and since approved.
func (g *Gate) Cleared(decision *guardrail.Decision) bool {
	if decision == nil || !decision.Allowed() {
		return false
	}
	if !decision.NeedsApproval() {
		return true
	}
	request, ok := g.manager.ForAction(decision.ActionID)
	return ok && request.Status == StatusApproved
}

// Manager exposes the underlying request store for resolution endpoints.
func (g *Gate) Manager() *Manager {
	return g.manager
}
