// Package approval runs the human-in-the-loop flow for guardrail decisions
// held for review. A request stays pending until a qualified approver
// resolves it or its deadline passes; every terminal state is reached from
// pending exactly once and lands in the audit log.
package approval

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/vigil/pkg/audit"
	"github.com/Mindburn-Labs/vigil/pkg/config"
	"github.com/Mindburn-Labs/vigil/pkg/fault"
	"github.com/Mindburn-Labs/vigil/pkg/guardrail"
)

// Status is a request's lifecycle state. The only transitions are from
// pending to one of the four terminals.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusEscalated Status = "escalated"
	StatusExpired   Status = "expired"
)

// Approver identifies who is resolving a request. MFAVerifiedAt is the
// time of their last second-factor assertion; zero means none.
type Approver struct {
	ID            string    `json:"id"`
	Role          string    `json:"role"`
	MFAVerifiedAt time.Time `json:"mfa_verified_at,omitempty"`
}

// ChainStep is one act recorded on a request's approval chain.
type ChainStep struct {
	Actor     string    `json:"actor"`
	Role      string    `json:"role"`
	Tier      int       `json:"tier"`
	Action    string    `json:"action"`
	Note      string    `json:"note,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Request is one approval tied to a guardrail decision.
type Request struct {
	RequestID    string               `json:"request_id"`
	ActionID     string               `json:"action_id"`
	ActionType   guardrail.ActionType `json:"action_type"`
	DecisionID   string               `json:"decision_id"`
	Reason       string               `json:"reason"`
	RiskScore    float64              `json:"risk_score"`
	RiskBand     guardrail.RiskBand   `json:"risk_band"`
	RequiredTier int                  `json:"required_approval_tier"`
	RequireMFA   bool                 `json:"require_mfa"`
	Status       Status               `json:"status"`
	Chain        []ChainStep          `json:"approval_chain"`
	CreatedAt    time.Time            `json:"created_at"`
	ExpiresAt    time.Time            `json:"expires_at"`
	ResolvedAt   *time.Time           `json:"resolved_at,omitempty"`
}

// Resolved reports whether the request has left pending.
func (r *Request) Resolved() bool {
	return r.Status != StatusPending
}

// TierForBand maps a risk band to the role tier that must sign off.
// Supervisors clear low and elevated risk, commanders clear high, and
// critical goes to the chief.
func TierForBand(band guardrail.RiskBand) int {
	switch band {
	case guardrail.RiskCritical:
		return 4
	case guardrail.RiskHigh:
		return 3
	default:
		return 2
	}
}

// Manager owns the request lifecycle. Expiry is lazy on resolution
// attempts and batched in Sweep, so an expired request fails its approver
// even if no sweeper has run yet.
type Manager struct {
	cfg    config.GuardrailConfig
	audit  *audit.Log
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.Mutex
	requests map[string]*Request
	byAction map[string]string
}

func NewManager(cfg config.GuardrailConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   slog.Default().With("component", "approval"),
		clock:    time.Now,
		requests: make(map[string]*Request),
		byAction: make(map[string]string),
	}
}

func (m *Manager) WithAudit(log *audit.Log) *Manager {
	m.audit = log
	return m
}

func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	m.logger = logger.With("component", "approval")
	return m
}

func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Create opens a request for a decision held for review. Creating again
// for the same action while a request is still pending returns the
// existing one, so re-evaluated actions do not stack duplicates.
func (m *Manager) Create(ctx context.Context, d *guardrail.Decision) (*Request, error) {
	if d == nil || !d.NeedsApproval() {
		return nil, fault.New(fault.Validation, "approval.create", "decision does not require approval")
	}

	now := m.clock().UTC()
	band := guardrail.RiskLow
	score := 0.0
	if d.Risk != nil {
		band = d.Risk.Band
		score = d.Risk.Total
	}

	m.mu.Lock()
	if existingID, ok := m.byAction[d.ActionID]; ok {
		if existing := m.requests[existingID]; existing != nil && existing.Status == StatusPending && !now.After(existing.ExpiresAt) {
			m.mu.Unlock()
			return existing, nil
		}
	}

	req := &Request{
		RequestID:    "apr_" + uuid.NewString(),
		ActionID:     d.ActionID,
		ActionType:   d.ActionType,
		DecisionID:   d.DecisionID,
		Reason:       d.Reason,
		RiskScore:    score,
		RiskBand:     band,
		RequiredTier: TierForBand(band),
		RequireMFA:   band == guardrail.RiskHigh || band == guardrail.RiskCritical,
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.cfg.ApprovalTTL()),
	}
	m.requests[req.RequestID] = req
	m.byAction[req.ActionID] = req.RequestID
	m.mu.Unlock()

	m.record(ctx, audit.ActionApprovalRequested, audit.SeverityInfo, req, "approval requested for action "+req.ActionID, nil)
	return req, nil
}

// Approve resolves a pending request. The approver's role must meet the
// required tier, and when the request demands MFA their assertion must be
// within validity.
func (m *Manager) Approve(ctx context.Context, requestID string, approver Approver, note string) (*Request, error) {
	return m.resolve(ctx, requestID, approver, note, StatusApproved, true)
}

// Deny resolves a pending request negatively. Tier still applies; MFA does
// not, since refusal is the safe direction.
func (m *Manager) Deny(ctx context.Context, requestID string, approver Approver, note string) (*Request, error) {
	return m.resolve(ctx, requestID, approver, note, StatusDenied, false)
}

func (m *Manager) resolve(ctx context.Context, requestID string, approver Approver, note string, terminal Status, checkMFA bool) (*Request, error) {
	now := m.clock().UTC()

	m.mu.Lock()
	req, ok := m.requests[requestID]
	if !ok {
		m.mu.Unlock()
		return nil, fault.New(fault.Validation, "approval.resolve", "approval request %q not found", requestID)
	}
	if expired := m.expireLocked(req, now); expired != nil {
		m.mu.Unlock()
		m.record(ctx, audit.ActionApprovalResolved, audit.SeverityWarning, expired, "approval request expired", nil)
		return nil, fault.New(fault.Policy, "approval.resolve", "approval request %q expired at %s", requestID, req.ExpiresAt.Format(time.RFC3339))
	}
	if req.Status != StatusPending {
		m.mu.Unlock()
		return nil, fault.New(fault.Validation, "approval.resolve", "approval request %q already %s", requestID, req.Status)
	}

	tier, known := m.cfg.RoleTiers[approver.Role]
	if !known {
		m.mu.Unlock()
		return nil, fault.New(fault.Policy, "approval.resolve", "unknown approver role %q", approver.Role)
	}
	if tier < req.RequiredTier {
		m.mu.Unlock()
		return nil, fault.New(fault.Policy, "approval.resolve", "role %q (tier %d) below required tier %d", approver.Role, tier, req.RequiredTier)
	}
	if checkMFA && req.RequireMFA {
		if approver.MFAVerifiedAt.IsZero() || now.Sub(approver.MFAVerifiedAt) > m.cfg.MFAValidity() {
			m.mu.Unlock()
			return nil, fault.New(fault.Policy, "approval.resolve", "mfa assertion missing or outside %s validity", m.cfg.MFAValidity())
		}
	}

	req.Status = terminal
	req.ResolvedAt = &now
	req.Chain = append(req.Chain, ChainStep{
		Actor:     approver.ID,
		Role:      approver.Role,
		Tier:      tier,
		Action:    string(terminal),
		Note:      note,
		Timestamp: now,
	})
	m.mu.Unlock()

	severity := audit.SeverityInfo
	if terminal == StatusDenied {
		severity = audit.SeverityWarning
	}
	m.record(ctx, audit.ActionApprovalResolved, severity, req, "approval request "+string(terminal)+" by "+approver.ID, map[string]interface{}{
		"approver":      approver.ID,
		"approver_role": approver.Role,
	})
	return req, nil
}

// Escalate closes a pending request as escalated and opens a successor one
// tier up with a fresh deadline. Escalating at the top tier is refused.
func (m *Manager) Escalate(ctx context.Context, requestID string, actor Approver, note string) (*Request, error) {
	now := m.clock().UTC()

	m.mu.Lock()
	req, ok := m.requests[requestID]
	if !ok {
		m.mu.Unlock()
		return nil, fault.New(fault.Validation, "approval.escalate", "approval request %q not found", requestID)
	}
	if expired := m.expireLocked(req, now); expired != nil {
		m.mu.Unlock()
		m.record(ctx, audit.ActionApprovalResolved, audit.SeverityWarning, expired, "approval request expired", nil)
		return nil, fault.New(fault.Policy, "approval.escalate", "approval request %q expired at %s", requestID, req.ExpiresAt.Format(time.RFC3339))
	}
	if req.Status != StatusPending {
		m.mu.Unlock()
		return nil, fault.New(fault.Validation, "approval.escalate", "approval request %q already %s", requestID, req.Status)
	}
	if req.RequiredTier >= m.maxTierLocked() {
		m.mu.Unlock()
		return nil, fault.New(fault.Policy, "approval.escalate", "approval request %q already at highest tier %d", requestID, req.RequiredTier)
	}

	tier := m.cfg.RoleTiers[actor.Role]
	req.Status = StatusEscalated
	req.ResolvedAt = &now
	req.Chain = append(req.Chain, ChainStep{
		Actor:     actor.ID,
		Role:      actor.Role,
		Tier:      tier,
		Action:    string(StatusEscalated),
		Note:      note,
		Timestamp: now,
	})

	successor := &Request{
		RequestID:    "apr_" + uuid.NewString(),
		ActionID:     req.ActionID,
		ActionType:   req.ActionType,
		DecisionID:   req.DecisionID,
		Reason:       req.Reason,
		RiskScore:    req.RiskScore,
		RiskBand:     req.RiskBand,
		RequiredTier: req.RequiredTier + 1,
		RequireMFA:   req.RequireMFA,
		Status:       StatusPending,
		Chain:        append([]ChainStep(nil), req.Chain...),
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.cfg.ApprovalTTL()),
	}
	m.requests[successor.RequestID] = successor
	m.byAction[successor.ActionID] = successor.RequestID
	m.mu.Unlock()

	m.record(ctx, audit.ActionApprovalResolved, audit.SeverityWarning, req, "approval request escalated to tier "+strconv.Itoa(successor.RequiredTier), map[string]interface{}{
		"successor_request_id": successor.RequestID,
	})
	m.record(ctx, audit.ActionApprovalRequested, audit.SeverityInfo, successor, "approval requested for action "+successor.ActionID, nil)
	return successor, nil
}

// Sweep expires every overdue pending request and returns them.
func (m *Manager) Sweep(ctx context.Context) []*Request {
	now := m.clock().UTC()

	m.mu.Lock()
	var expired []*Request
	for _, req := range m.requests {
		if e := m.expireLocked(req, now); e != nil {
			expired = append(expired, e)
		}
	}
	m.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt.Before(expired[j].CreatedAt) })
	for _, req := range expired {
		m.record(ctx, audit.ActionApprovalResolved, audit.SeverityWarning, req, "approval request expired", nil)
	}
	return expired
}

// expireLocked flips an overdue pending request to expired. Caller holds
// the mutex; the audit entry is the caller's job since the lock must not
// be held across Append handlers.
func (m *Manager) expireLocked(req *Request, now time.Time) *Request {
	if req.Status != StatusPending || !now.After(req.ExpiresAt) {
		return nil
	}
	req.Status = StatusExpired
	resolved := now
	req.ResolvedAt = &resolved
	return req
}

func (m *Manager) maxTierLocked() int {
	max := 0
	for _, tier := range m.cfg.RoleTiers {
		if tier > max {
			max = tier
		}
	}
	return max
}

// Get returns a request by id.
func (m *Manager) Get(requestID string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return nil, fault.New(fault.Validation, "approval.get", "approval request %q not found", requestID)
	}
	return req, nil
}

// ForAction returns the latest request opened for an action id.
func (m *Manager) ForAction(actionID string) (*Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byAction[actionID]
	if !ok {
		return nil, false
	}
	req, ok := m.requests[id]
	return req, ok
}

// Pending lists pending requests oldest first.
func (m *Manager) Pending() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Request
	for _, req := range m.requests {
		if req.Status == StatusPending {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PendingCount reports how many requests await resolution.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, req := range m.requests {
		if req.Status == StatusPending {
			count++
		}
	}
	return count
}

func (m *Manager) record(ctx context.Context, kind audit.ActionKind, severity audit.Severity, req *Request, description string, extra map[string]interface{}) {
	_ = ctx
	if m.audit == nil {
		return
	}
	details := map[string]interface{}{
		"request_id":    req.RequestID,
		"action_id":     req.ActionID,
		"decision_id":   req.DecisionID,
		"status":        string(req.Status),
		"required_tier": req.RequiredTier,
		"risk_band":     string(req.RiskBand),
	}
	for k, v := range extra {
		details[k] = v
	}
	if _, err := m.audit.Append(kind, severity, "approval", description, details, ""); err != nil {
		m.logger.Warn("approval audit append failed", "error", err)
	}
}

