package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/vigil/pkg/audit"
	"github.com/Mindburn-Labs/vigil/pkg/config"
	"github.com/Mindburn-Labs/vigil/pkg/fault"
	"github.com/Mindburn-Labs/vigil/pkg/observability"
)

// Evaluator scores access requests. All five factors are computed on
// every request even when one hard-fails, so the audit trail shows the
// whole posture of the caller, not just the first problem.
type Evaluator struct {
	cfg      config.GatewayConfig
	roles    map[string]Role
	networks []*net.IPNet
	sessions *SessionManager
	audit    *audit.Log
	obs      *observability.Provider
	logger   *slog.Logger
	clock    func() time.Time
}

// NewEvaluator builds an evaluator over the configured networks and
// roles. Malformed CIDRs in config are a deploy-time mistake and refuse
// to start rather than silently weakening the allowlist.
func NewEvaluator(cfg config.GatewayConfig, sessions *SessionManager) (*Evaluator, error) {
	networks := make([]*net.IPNet, 0, len(cfg.AllowedNetworks))
	for _, cidr := range cfg.AllowedNetworks {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fault.New(fault.Validation, "gateway.evaluator", "allowed network %q: %v", cidr, err)
		}
		networks = append(networks, network)
	}
	return &Evaluator{
		cfg:      cfg,
		roles:    RolesFromConfig(cfg),
		networks: networks,
		sessions: sessions,
		logger:   slog.Default().With("component", "gateway"),
		clock:    time.Now,
	}, nil
}

func (e *Evaluator) WithAudit(log *audit.Log) *Evaluator {
	e.audit = log
	return e
}

func (e *Evaluator) WithObservability(obs *observability.Provider) *Evaluator {
	e.obs = obs
	return e
}

func (e *Evaluator) WithLogger(logger *slog.Logger) *Evaluator {
	e.logger = logger.With("component", "gateway")
	return e
}

func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	e.clock = clock
	return e
}

// Roles exposes the merged role table.
func (e *Evaluator) Roles() map[string]Role {
	return e.roles
}

// Evaluate scores one request and returns the decision. It never
// returns an error: anything that goes wrong scores against the caller
// and the decision lands on deny.
func (e *Evaluator) Evaluate(ctx context.Context, req AccessRequest) *AccessDecision {
	// Resolve the session first so the role and MFA factors see the
	// identity the token actually proves, not what the caller asserts.
	tokenFactor := FactorScore{Name: "token", Weight: e.cfg.Weights.Token}
	switch {
	case req.Token == "":
		tokenFactor.Hard = true
		tokenFactor.Reason = "no session token presented"
	case e.sessions == nil:
		tokenFactor.Hard = true
		tokenFactor.Reason = "no session validator configured"
	default:
		sess, err := e.sessions.Validate(ctx, req.Token, req.SourceIP, req.DeviceFingerprint)
		if err != nil {
			tokenFactor.Hard = true
			tokenFactor.Reason = err.Error()
		} else {
			tokenFactor.Score = 1.0
			req.UserID = sess.UserID
			req.Role = sess.Role
			req.SessionID = sess.SessionID
			if req.MFAVerifiedAt.IsZero() {
				req.MFAVerifiedAt = sess.MFAVerifiedAt
			}
		}
	}

	factors := []FactorScore{
		e.scoreIP(req),
		e.scoreGeo(req),
		tokenFactor,
		e.scoreRole(req),
		e.scoreDevice(req),
	}

	trust := 0.0
	var firstHard *FactorScore
	for i := range factors {
		if factors[i].Hard {
			factors[i].Score = 0
			if firstHard == nil {
				firstHard = &factors[i]
			}
		}
		trust += factors[i].Score * factors[i].Weight
	}

	outstanding := e.outstanding(req)

	decision := &AccessDecision{
		DecisionID:  "acc_" + uuid.NewString(),
		UserID:      req.UserID,
		Role:        req.Role,
		SessionID:   req.SessionID,
		Resource:    req.Resource,
		Trust:       trust,
		Factors:     factors,
		Outstanding: outstanding,
		DecidedAt:   e.clock().UTC(),
	}

	switch {
	case firstHard != nil:
		decision.Verdict = VerdictDeny
		decision.Reason = firstHard.Name + ": " + firstHard.Reason
	default:
		decision.Verdict = e.verdictFor(trust)
		switch decision.Verdict {
		case VerdictAllow:
			if len(outstanding) > 0 {
				decision.Verdict = VerdictChallenge
				decision.Reason = "verification outstanding: " + strings.Join(outstanding, ", ")
			} else {
				decision.Reason = "trust meets allow threshold"
			}
		case VerdictChallenge:
			decision.Reason = "trust in challenge band"
		case VerdictRequireMFA:
			decision.Reason = "trust requires step-up mfa"
		default:
			decision.Reason = "trust below minimum"
		}
	}

	e.record(ctx, decision, req)
	if e.obs != nil {
		e.obs.RecordDecision(ctx, observability.AccessOperation(decision.UserID, decision.Resource, string(decision.Verdict), decision.Trust)...)
	}
	return decision
}

// verdictFor maps composite trust onto a verdict. The allow threshold
// is inclusive: a score of exactly 0.70 under defaults allows.
func (e *Evaluator) verdictFor(trust float64) Verdict {
	t := e.cfg.Thresholds
	switch {
	case trust >= t.Allow:
		return VerdictAllow
	case trust >= t.Challenge:
		return VerdictChallenge
	case trust >= t.RequireMFA:
		return VerdictRequireMFA
	default:
		return VerdictDeny
	}
}

func (e *Evaluator) scoreIP(req AccessRequest) FactorScore {
	factor := FactorScore{Name: "ip", Weight: e.cfg.Weights.IP}
	ip := net.ParseIP(req.SourceIP)
	if ip == nil {
		factor.Hard = true
		factor.Reason = fmt.Sprintf("source ip %q unparseable", req.SourceIP)
		return factor
	}
	if len(e.networks) == 0 {
		factor.Score = 1.0
		return factor
	}
	for _, network := range e.networks {
		if network.Contains(ip) {
			factor.Score = 1.0
			return factor
		}
	}
	factor.Hard = true
	factor.Reason = fmt.Sprintf("source ip %s outside allowed networks", req.SourceIP)
	return factor
}

func (e *Evaluator) scoreGeo(req AccessRequest) FactorScore {
	factor := FactorScore{Name: "geo", Weight: e.cfg.Weights.Geo}
	if req.Country == "" {
		factor.Score = 0.5
		factor.Reason = "origin country unknown"
		return factor
	}
	if !containsFold(e.cfg.AllowedCountries, req.Country) {
		factor.Hard = true
		factor.Reason = fmt.Sprintf("country %s not allowed", req.Country)
		return factor
	}
	if len(e.cfg.AllowedStates) > 0 {
		if req.State == "" {
			factor.Score = 0.8
			factor.Reason = "origin state unknown"
			return factor
		}
		if !containsFold(e.cfg.AllowedStates, req.State) {
			factor.Hard = true
			factor.Reason = fmt.Sprintf("state %s not allowed", req.State)
			return factor
		}
	}
	factor.Score = 1.0
	return factor
}

func (e *Evaluator) scoreRole(req AccessRequest) FactorScore {
	factor := FactorScore{Name: "role", Weight: e.cfg.Weights.Role}
	role, ok := e.roles[req.Role]
	if !ok {
		factor.Hard = true
		factor.Reason = fmt.Sprintf("unknown role %q", req.Role)
		return factor
	}
	if req.Resource != "" && !role.Allows(req.Resource) {
		factor.Hard = true
		factor.Reason = fmt.Sprintf("role %q not permitted resource %q", req.Role, req.Resource)
		return factor
	}
	factor.Score = role.TrustLevel
	return factor
}

func (e *Evaluator) scoreDevice(req AccessRequest) FactorScore {
	factor := FactorScore{Name: "device", Weight: e.cfg.Weights.Device}
	switch {
	case req.DeviceManaged:
		factor.Score = 1.0
	case req.DeviceFingerprint != "":
		factor.Score = 0.6
		factor.Reason = "device present but unmanaged"
	default:
		factor.Score = 0.3
		factor.Reason = "no device fingerprint"
	}
	return factor
}

// outstanding lists the verifications a role demands that this request
// has not satisfied. An allow verdict with outstanding items is capped
// to challenge.
func (e *Evaluator) outstanding(req AccessRequest) []string {
	role, ok := e.roles[req.Role]
	if !ok {
		return nil
	}
	var out []string
	if role.RequireMFA && e.mfaStale(req.MFAVerifiedAt, role) {
		out = append(out, "mfa_verification")
	}
	if role.RequireManagedDevice && !req.DeviceManaged {
		out = append(out, "device_verification")
	}
	return out
}

// mfaStale treats MFA performed at session creation as valid for the
// session lifetime: older than the role's idle timeout means a live
// session kept alive by activity alone, which is exactly when step-up
// should be demanded again.
func (e *Evaluator) mfaStale(verifiedAt time.Time, role Role) bool {
	if verifiedAt.IsZero() {
		return true
	}
	return e.clock().UTC().Sub(verifiedAt) > role.SessionTimeout
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}

func (e *Evaluator) record(ctx context.Context, decision *AccessDecision, req AccessRequest) {
	if e.audit == nil {
		return
	}
	severity := audit.SeverityInfo
	if decision.Verdict == VerdictDeny {
		severity = audit.SeverityWarning
	}
	hard := make([]string, 0)
	for _, f := range decision.Factors {
		if f.Hard {
			hard = append(hard, f.Name)
		}
	}
	_, err := e.audit.Append(audit.ActionAccessDecision, severity, "gateway", decision.Reason, map[string]interface{}{
		"decision_id": decision.DecisionID,
		"user_id":     decision.UserID,
		"role":        decision.Role,
		"resource":    decision.Resource,
		"verdict":     string(decision.Verdict),
		"trust":       decision.Trust,
		"source_ip":   req.SourceIP,
		"hard_fails":  hard,
		"outstanding": decision.Outstanding,
	}, req.SessionID)
	if err != nil {
		e.logger.WarnContext(ctx, "access audit append failed", "error", err)
	}
}
