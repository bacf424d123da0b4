// Package gateway is the zero-trust access layer in front of every
// operator-facing surface. Each request is scored across five factors
// (source IP, geography, token validity, role permissions, device
// posture); hard failures deny outright, and composite trust maps onto
// allow, challenge, require_mfa, or deny. Sessions are short-lived JWTs
// bound to the user, role, source IP, and device fingerprint, expiring
// on idle per role. Queries over regulated data flow through the CJIS
// query logger, which masks sensitive parameters and flags suspicious
// patterns for supervisor review.
package gateway

import (
	"path"
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/config"
)

// Verdict is the outcome of an access evaluation.
type Verdict string

const (
	VerdictAllow      Verdict = "allow"
	VerdictChallenge  Verdict = "challenge"
	VerdictRequireMFA Verdict = "require_mfa"
	VerdictDeny       Verdict = "deny"
)

// AccessRequest describes one request seeking entry. Token is the raw
// session JWT; Country and State come from the edge (load balancer geo
// headers or the VPN concentrator). UserID, Role, and SessionID may be
// left empty when a token is presented; they are filled from the
// validated session.
type AccessRequest struct {
	UserID            string
	Role              string
	Token             string
	SourceIP          string
	Country           string
	State             string
	DeviceFingerprint string
	DeviceManaged     bool
	MFAVerifiedAt     time.Time
	Resource          string
	SessionID         string
}

// FactorScore is one factor's contribution to the composite. Hard marks
// a short-circuit failure; its score is zeroed and the verdict is deny
// regardless of the other factors.
type FactorScore struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
	Hard   bool    `json:"hard,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

// AccessDecision records one evaluation end to end.
type AccessDecision struct {
	DecisionID  string        `json:"decision_id"`
	UserID      string        `json:"user_id,omitempty"`
	Role        string        `json:"role,omitempty"`
	SessionID   string        `json:"session_id,omitempty"`
	Resource    string        `json:"resource,omitempty"`
	Verdict     Verdict       `json:"verdict"`
	Trust       float64       `json:"trust"`
	Factors     []FactorScore `json:"factors"`
	Outstanding []string      `json:"outstanding,omitempty"`
	Reason      string        `json:"reason"`
	DecidedAt   time.Time     `json:"decided_at"`
}

// Role defines what a role may touch and what posture it must hold.
type Role struct {
	Name                 string
	AllowedResources     []string
	TrustLevel           float64
	RequireMFA           bool
	RequireManagedDevice bool
	SessionTimeout       time.Duration
}

// Allows reports whether any resource pattern matches. Resources are
// dot-separated names ("dispatch.create", "audit.read") so path.Match
// semantics apply cleanly; they never contain slashes.
func (r Role) Allows(resource string) bool {
	for _, pattern := range r.AllowedResources {
		if pattern == "*" {
			return true
		}
		if ok, err := path.Match(pattern, resource); err == nil && ok {
			return true
		}
	}
	return false
}

// rolePosture carries the trust and verification posture built into each
// known role. Roles found in config but not here get a conservative
// default.
var rolePosture = map[string]struct {
	trust         float64
	requireMFA    bool
	managedDevice bool
}{
	"admin":      {1.0, true, true},
	"commander":  {1.0, true, true},
	"supervisor": {0.9, true, false},
	"operator":   {0.8, false, false},
	"analyst":    {0.7, false, false},
	"viewer":     {0.6, false, false},
}

// RolesFromConfig merges the configured permission and timeout tables
// with the built-in posture table into concrete roles.
func RolesFromConfig(cfg config.GatewayConfig) map[string]Role {
	roles := make(map[string]Role, len(cfg.RolePermissions))
	for name, resources := range cfg.RolePermissions {
		role := Role{
			Name:             name,
			AllowedResources: append([]string(nil), resources...),
			TrustLevel:       0.5,
			SessionTimeout:   cfg.SessionTimeoutFor(name),
		}
		if posture, ok := rolePosture[name]; ok {
			role.TrustLevel = posture.trust
			role.RequireMFA = posture.requireMFA
			role.RequireManagedDevice = posture.managedDevice
		}
		roles[name] = role
	}
	return roles
}
