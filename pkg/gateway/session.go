package gateway

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/vigil/pkg/audit"
	"github.com/Mindburn-Labs/vigil/pkg/config"
	"github.com/Mindburn-Labs/vigil/pkg/fault"
)

// sessionClaims bind a token to the user, role, source IP, and device it
// was issued for. Liveness is server-side: the JWT proves identity and
// binding, the manager's state decides whether the session is still
// alive, so no expiry is encoded in the token itself.
type sessionClaims struct {
	jwt.RegisteredClaims
	Role              string `json:"role"`
	SourceIP          string `json:"source_ip"`
	DeviceFingerprint string `json:"device_fp,omitempty"`
}

// Session is a point-in-time snapshot of one live session.
type Session struct {
	SessionID         string    `json:"session_id"`
	UserID            string    `json:"user_id"`
	Role              string    `json:"role"`
	SourceIP          string    `json:"source_ip"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	LastSeen          time.Time `json:"last_seen"`
	MFAVerifiedAt     time.Time `json:"mfa_verified_at,omitempty"`
}

type sessionState struct {
	Session
	revoked bool
}

// SessionManager issues and validates session tokens. Tokens are HS256
// JWTs; validation checks signature, server-side liveness, idle expiry
// per role, and the IP/device binding.
type SessionManager struct {
	secret []byte
	cfg    config.GatewayConfig
	audit  *audit.Log
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// NewSessionManager creates a manager signing with the given secret.
func NewSessionManager(secret []byte, cfg config.GatewayConfig) (*SessionManager, error) {
	if len(secret) < 32 {
		return nil, fault.New(fault.Validation, "gateway.sessions", "signing secret must be at least 32 bytes")
	}
	return &SessionManager{
		secret:   secret,
		cfg:      cfg,
		logger:   slog.Default().With("component", "gateway.sessions"),
		clock:    time.Now,
		sessions: make(map[string]*sessionState),
	}, nil
}

func (m *SessionManager) WithAudit(log *audit.Log) *SessionManager {
	m.audit = log
	return m
}

func (m *SessionManager) WithLogger(logger *slog.Logger) *SessionManager {
	m.logger = logger.With("component", "gateway.sessions")
	return m
}

func (m *SessionManager) WithClock(clock func() time.Time) *SessionManager {
	m.clock = clock
	return m
}

// Create opens a session for a user and returns the signed token. The
// role must be configured; sessions for roles nobody granted are
// refused at the door.
func (m *SessionManager) Create(ctx context.Context, userID, role, sourceIP, fingerprint string, mfaVerified bool) (string, *Session, error) {
	if userID == "" {
		return "", nil, fault.New(fault.Validation, "gateway.sessions", "user id is required")
	}
	if _, ok := m.cfg.RolePermissions[role]; !ok {
		return "", nil, fault.New(fault.Validation, "gateway.sessions", "unknown role %q", role)
	}

	now := m.clock().UTC()
	sess := Session{
		SessionID:         "ses_" + uuid.NewString(),
		UserID:            userID,
		Role:              role,
		SourceIP:          sourceIP,
		DeviceFingerprint: fingerprint,
		CreatedAt:         now,
		LastSeen:          now,
	}
	if mfaVerified {
		sess.MFAVerifiedAt = now
	}

	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       sess.SessionID,
			Subject:  userID,
			Issuer:   "vigil.gateway",
			Audience: jwt.ClaimStrings{"vigil.internal"},
			IssuedAt: jwt.NewNumericDate(now),
		},
		Role:              role,
		SourceIP:          sourceIP,
		DeviceFingerprint: fingerprint,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fault.Wrap(fault.Permanent, "gateway.sessions", err)
	}

	m.mu.Lock()
	m.sessions[sess.SessionID] = &sessionState{Session: sess}
	m.mu.Unlock()

	m.record(ctx, audit.ActionSessionCreated, audit.SeverityInfo, &sess, "session created")
	return token, &sess, nil
}

// Validate checks a token and returns the live session it names. The
// caller's source IP and fingerprint must match the binding captured at
// creation; a mismatch is treated as a stolen token, not an error to
// retry.
func (m *SessionManager) Validate(ctx context.Context, token, sourceIP, fingerprint string) (*Session, error) {
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fault.New(fault.Policy, "gateway.sessions", "unexpected signing method %q", t.Method.Alg())
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fault.New(fault.Policy, "gateway.sessions", "token invalid: %v", err)
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid {
		return nil, fault.New(fault.Policy, "gateway.sessions", "token claims unreadable")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[claims.ID]
	if !ok {
		return nil, fault.New(fault.Policy, "gateway.sessions", "session %s not found", claims.ID)
	}
	if state.revoked {
		return nil, fault.New(fault.Policy, "gateway.sessions", "session %s revoked", claims.ID)
	}

	now := m.clock().UTC()
	timeout := m.cfg.SessionTimeoutFor(state.Role)
	if now.Sub(state.LastSeen) > timeout {
		m.expireLocked(ctx, state)
		return nil, fault.New(fault.Policy, "gateway.sessions", "session %s idle-expired after %s", claims.ID, timeout)
	}

	if sourceIP != "" && sourceIP != state.SourceIP {
		return nil, fault.New(fault.Policy, "gateway.sessions", "session bound to a different source ip")
	}
	if state.DeviceFingerprint != "" && fingerprint != state.DeviceFingerprint {
		return nil, fault.New(fault.Policy, "gateway.sessions", "session bound to a different device")
	}

	state.LastSeen = now
	snapshot := state.Session
	return &snapshot, nil
}

// MarkMFA records a completed step-up challenge for a live session.
func (m *SessionManager) MarkMFA(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[sessionID]
	if !ok || state.revoked {
		return fault.New(fault.Validation, "gateway.sessions", "session %s not found", sessionID)
	}
	state.MFAVerifiedAt = m.clock().UTC()
	return nil
}

// Revoke invalidates a session immediately.
func (m *SessionManager) Revoke(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[sessionID]
	if !ok {
		return fault.New(fault.Validation, "gateway.sessions", "session %s not found", sessionID)
	}
	if !state.revoked {
		state.revoked = true
		m.record(ctx, audit.ActionSessionExpired, audit.SeverityWarning, &state.Session, "session revoked")
	}
	return nil
}

// Sweep expires every session idle past its role's timeout and prunes
// revoked state. Run it periodically so abandoned consoles do not stay
// live until their next use.
func (m *SessionManager) Sweep(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock().UTC()
	expired := make([]*sessionState, 0)
	for id, state := range m.sessions {
		if state.revoked {
			delete(m.sessions, id)
			continue
		}
		if now.Sub(state.LastSeen) > m.cfg.SessionTimeoutFor(state.Role) {
			expired = append(expired, state)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].LastSeen.Before(expired[j].LastSeen) })
	for _, state := range expired {
		m.expireLocked(ctx, state)
	}
	return len(expired)
}

// Active returns the number of live sessions.
func (m *SessionManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, state := range m.sessions {
		if !state.revoked {
			n++
		}
	}
	return n
}

// Get returns a copy of a live session. Approval handlers use it to
// read the caller's MFA recency without re-validating the token.
func (m *SessionManager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.sessions[sessionID]
	if !ok || state.revoked {
		return nil, false
	}
	s := state.Session
	return &s, true
}

func (m *SessionManager) expireLocked(ctx context.Context, state *sessionState) {
	delete(m.sessions, state.SessionID)
	m.record(ctx, audit.ActionSessionExpired, audit.SeverityInfo, &state.Session, "session idle-expired")
}

func (m *SessionManager) record(ctx context.Context, kind audit.ActionKind, severity audit.Severity, sess *Session, description string) {
	if m.audit == nil {
		return
	}
	_, err := m.audit.Append(kind, severity, "gateway", description, map[string]interface{}{
		"session_id": sess.SessionID,
		"user_id":    sess.UserID,
		"role":       sess.Role,
		"source_ip":  sess.SourceIP,
	}, sess.SessionID)
	if err != nil {
		m.logger.WarnContext(ctx, "session audit append failed", "error", err)
	}
}
