package main

import (
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/vigil/pkg/api"
	"github.com/Mindburn-Labs/vigil/pkg/approval"
	"github.com/Mindburn-Labs/vigil/pkg/audit"
	"github.com/Mindburn-Labs/vigil/pkg/center"
	"github.com/Mindburn-Labs/vigil/pkg/config"
	"github.com/Mindburn-Labs/vigil/pkg/dispatch"
	"github.com/Mindburn-Labs/vigil/pkg/gateway"
	"github.com/Mindburn-Labs/vigil/pkg/geo"
	"github.com/Mindburn-Labs/vigil/pkg/guardrail"
	"github.com/Mindburn-Labs/vigil/pkg/safety"
)

// Services bundles what the HTTP layer serves.
type Services struct {
	Center  *center.Center
	Config  *config.Config
	Logger  *slog.Logger
	Started time.Time
}

// resourceFor maps a gated request onto the dot-separated resource
// checked against role grants. Officer self-service actions (location,
// check-in, fall handling, warning acks) count as telemetry ingest so
// field devices reach them; manual overrides need command-level roles.
func resourceFor(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/")
	head := path
	if i := strings.IndexByte(head, '/'); i >= 0 {
		head = head[:i]
	}
	read := r.Method == http.MethodGet || r.Method == http.MethodHead

	switch head {
	case "status":
		return "query.basic"
	case "fleet":
		if read {
			return "dispatch.read"
		}
		if strings.HasSuffix(r.URL.Path, "/heartbeat") {
			return "event.ingest"
		}
		return "dispatch.fleet"
	case "dispatch":
		if read {
			return "dispatch.read"
		}
		if strings.HasSuffix(r.URL.Path, "/requests") {
			return "dispatch.create"
		}
		return "dispatch.command"
	case "safety":
		if read {
			return "safety.read"
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/location"),
			strings.HasSuffix(r.URL.Path, "/checkin"),
			strings.HasSuffix(r.URL.Path, "/fall"),
			strings.HasSuffix(r.URL.Path, "/ack"):
			return "event.ingest"
		}
		return "safety.manage"
	case "fairness":
		return "query.fairness"
	case "approvals":
		if read {
			return "approval.read"
		}
		return "approval.decide"
	case "continuity":
		if read {
			return "query.continuity"
		}
		return "continuity.control"
	case "cjis":
		if read {
			return "audit.read"
		}
		if strings.Contains(r.URL.Path, "/review/") {
			return "audit.review"
		}
		return "query.cjis"
	case "audit":
		return "audit.read"
	case "deadletters":
		if read {
			return "query.deadletter"
		}
		return "event.replay"
	}
	return "admin." + head
}

type loginRequest struct {
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
	MFAVerified bool   `json:"mfa_verified"`
}

type mfaRequest struct {
	Code string `json:"code"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type noteRequest struct {
	Note string `json:"note"`
}

type resumeRequest struct {
	OperatorOverride bool `json:"operator_override"`
}

type actuatorRequest struct {
	ActuatorID string `json:"actuator_id"`
}

type heartbeatRequest struct {
	Position geo.Point `json:"position"`
	Battery  float64   `json:"battery"`
}

type locationRequest struct {
	Location geo.Point `json:"location"`
}

type checkinRequest struct {
	Kind string `json:"kind"`
}

type ackRequest struct {
	WarningID string `json:"warning_id"`
}

type fairnessRequest struct {
	Reference guardrail.GroupOutcome   `json:"reference"`
	Groups    []guardrail.GroupOutcome `json:"groups"`
}

type cjisQueryRequest struct {
	System          string                 `json:"system"`
	Purpose         string                 `json:"purpose"`
	CaseNumber      string                 `json:"case_number,omitempty"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
	ResponseSummary string                 `json:"response_summary,omitempty"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		api.WriteBadRequest(w, "Invalid JSON body")
		return false
	}
	return true
}

// RegisterAuthRoutes mounts the session lifecycle outside the gateway:
// login mints the token the gateway later checks, MFA completion and
// logout authenticate with the token they act on.
func RegisterAuthRoutes(mux *http.ServeMux, svc *Services) {
	c := svc.Center

	mux.HandleFunc("POST /v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if !decode(w, r, &req) {
			return
		}
		token, session, err := c.Sessions.Create(r.Context(), req.UserID, req.Role,
			api.ClientIP(r), r.Header.Get("X-Device-Fingerprint"), req.MFAVerified)
		if err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, map[string]any{"token": token, "session": session})
	})

	mux.HandleFunc("POST /v1/auth/mfa", func(w http.ResponseWriter, r *http.Request) {
		session, ok := sessionFromBearer(w, r, c)
		if !ok {
			return
		}
		var req mfaRequest
		if !decode(w, r, &req) {
			return
		}
		// The agency IdP verifies the second factor upstream; this
		// endpoint records completion against the session.
		if req.Code == "" {
			api.WriteBadRequest(w, "Missing verification code")
			return
		}
		if err := c.Sessions.MarkMFA(session.SessionID); err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "verified"})
	})

	mux.HandleFunc("POST /v1/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		session, ok := sessionFromBearer(w, r, c)
		if !ok {
			return
		}
		if err := c.Sessions.Revoke(r.Context(), session.SessionID); err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
	})
}

func sessionFromBearer(w http.ResponseWriter, r *http.Request, c *center.Center) (*gateway.Session, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		api.WriteUnauthorized(w, "Missing or malformed Authorization header")
		return nil, false
	}
	session, err := c.Sessions.Validate(r.Context(), parts[1], api.ClientIP(r), r.Header.Get("X-Device-Fingerprint"))
	if err != nil {
		api.WriteUnauthorized(w, "Invalid session")
		return nil, false
	}
	return session, true
}

func approverFrom(c *center.Center, w http.ResponseWriter, r *http.Request) (approval.Approver, bool) {
	p, ok := gateway.PrincipalFrom(r.Context())
	if !ok {
		api.WriteUnauthorized(w, "No principal in context")
		return approval.Approver{}, false
	}
	a := approval.Approver{ID: p.UserID, Role: p.Role}
	if session, ok := c.Sessions.Get(p.SessionID); ok {
		a.MFAVerifiedAt = session.MFAVerifiedAt
	}
	return a, true
}

// RegisterSubsystemRoutes registers the gated API surface on the given
// mux. Every route here runs behind the zero-trust middleware.
//
//nolint:gocyclo,gocognit // Route registration is linear and intentionally exhaustive.
func RegisterSubsystemRoutes(mux *http.ServeMux, svc *Services) {
	log.Println("[vigil] routes: registering API routes...")
	c := svc.Center

	// --- Status ---
	mux.HandleFunc("GET /api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]any{
			"service":           "vigil-rtcc",
			"version":           version,
			"uptime_secs":       int(time.Since(svc.Started).Seconds()),
			"lite":              svc.Config.Lite,
			"actuators":         len(c.Registry.All()),
			"active_missions":   c.Dispatch.ActiveMissions(),
			"pending_approvals": c.Approvals.PendingCount(),
			"active_sessions":   c.Sessions.Active(),
			"audit_entries":     c.Audit.Size(),
			"failed_over":       c.Failover.FailedOver(),
		})
	})

	// --- Fleet ---
	mux.HandleFunc("GET /api/v1/fleet", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, c.Registry.All())
	})
	mux.HandleFunc("POST /api/v1/fleet", func(w http.ResponseWriter, r *http.Request) {
		var a dispatch.Actuator
		if !decode(w, r, &a) {
			return
		}
		if a.ActuatorID == "" {
			api.WriteBadRequest(w, "actuator_id is required")
			return
		}
		c.Registry.Upsert(a)
		stored, _ := c.Registry.Get(a.ActuatorID)
		api.WriteJSON(w, http.StatusOK, stored)
	})
	mux.HandleFunc("POST /api/v1/fleet/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var req heartbeatRequest
		if !decode(w, r, &req) {
			return
		}
		id := r.PathValue("id")
		c.Registry.Heartbeat(id, req.Position, req.Battery)
		stored, ok := c.Registry.Get(id)
		if !ok {
			api.WriteNotFound(w, "Unknown actuator")
			return
		}
		api.WriteJSON(w, http.StatusOK, stored)
	})

	// --- Dispatch ---
	mux.HandleFunc("GET /api/v1/dispatch/requests", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, c.Dispatch.List())
	})
	mux.HandleFunc("GET /api/v1/dispatch/requests/{id}", func(w http.ResponseWriter, r *http.Request) {
		req, ok := c.Dispatch.Get(r.PathValue("id"))
		if !ok {
			api.WriteNotFound(w, "Unknown dispatch request")
			return
		}
		api.WriteJSON(w, http.StatusOK, req)
	})
	mux.HandleFunc("POST /api/v1/dispatch/requests", func(w http.ResponseWriter, r *http.Request) {
		var trig dispatch.Trigger
		if !decode(w, r, &trig) {
			return
		}
		if p, ok := gateway.PrincipalFrom(r.Context()); ok {
			trig.RequestedBy = p.UserID
			trig.SessionID = p.SessionID
		}
		req, err := c.Dispatch.HandleTrigger(r.Context(), trig)
		if err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, req)
	})
	mux.HandleFunc("POST /api/v1/dispatch/requests/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		var req reasonRequest
		if !decode(w, r, &req) {
			return
		}
		updated, err := c.Dispatch.CancelRequest(r.Context(), r.PathValue("id"), req.Reason)
		if err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, updated)
	})
	mux.HandleFunc("POST /api/v1/dispatch/requests/{id}/resume", func(w http.ResponseWriter, r *http.Request) {
		var req resumeRequest
		if !decode(w, r, &req) {
			return
		}
		updated, err := c.Dispatch.Resume(r.Context(), r.PathValue("id"), req.OperatorOverride)
		if err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, updated)
	})
	mux.HandleFunc("POST /api/v1/dispatch/requests/{id}/assign", func(w http.ResponseWriter, r *http.Request) {
		var req actuatorRequest
		if !decode(w, r, &req) {
			return
		}
		updated, err := c.Dispatch.AssignManual(r.Context(), r.PathValue("id"), req.ActuatorID)
		if err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, updated)
	})
	mux.HandleFunc("POST /api/v1/dispatch/emergency-stop", func(w http.ResponseWriter, r *http.Request) {
		var req actuatorRequest
		if !decode(w, r, &req) {
			return
		}
		operator := "unknown"
		if p, ok := gateway.PrincipalFrom(r.Context()); ok {
			operator = p.UserID
		}
		cmd, err := c.Dispatch.EmergencyStop(r.Context(), req.ActuatorID, operator)
		if err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusAccepted, cmd)
	})

	// --- Officer Safety ---
	mux.HandleFunc("GET /api/v1/safety/officers", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, c.Safety.Statuses())
	})
	mux.HandleFunc("GET /api/v1/safety/officers/{id}", func(w http.ResponseWriter, r *http.Request) {
		status, err := c.Safety.Status(r.PathValue("id"))
		if err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, status)
	})
	mux.HandleFunc("POST /api/v1/safety/officers", func(w http.ResponseWriter, r *http.Request) {
		var o safety.Officer
		if !decode(w, r, &o) {
			return
		}
		if o.OfficerID == "" {
			api.WriteBadRequest(w, "officer_id is required")
			return
		}
		api.WriteJSON(w, http.StatusOK, c.Safety.UpsertOfficer(o))
	})
	mux.HandleFunc("POST /api/v1/safety/officers/{id}/location", func(w http.ResponseWriter, r *http.Request) {
		var req locationRequest
		if !decode(w, r, &req) {
			return
		}
		warnings, err := c.Safety.UpdateLocation(r.Context(), r.PathValue("id"), req.Location)
		if err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"warnings": warnings})
	})
	mux.HandleFunc("POST /api/v1/safety/officers/{id}/checkin", func(w http.ResponseWriter, r *http.Request) {
		var req checkinRequest
		if !decode(w, r, &req) {
			return
		}
		id := r.PathValue("id")
		if err := c.Safety.CheckIn(r.Context(), id, req.Kind); err != nil {
			api.WriteFault(w, err)
			return
		}
		status, err := c.Safety.Status(id)
		if err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, status)
	})
	mux.HandleFunc("POST /api/v1/safety/officers/{id}/ack", func(w http.ResponseWriter, r *http.Request) {
		var req ackRequest
		if !decode(w, r, &req) {
			return
		}
		if err := c.Safety.Acknowledge(r.Context(), r.PathValue("id"), req.WarningID); err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
	})
	mux.HandleFunc("POST /api/v1/safety/officers/{id}/fall", func(w http.ResponseWriter, r *http.Request) {
		var snap safety.FallSnapshot
		if !decode(w, r, &snap) {
			return
		}
		if err := c.Safety.ReportPossibleFall(r.Context(), r.PathValue("id"), snap); err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "monitoring"})
	})
	mux.HandleFunc("POST /api/v1/safety/officers/{id}/fall/ack", func(w http.ResponseWriter, r *http.Request) {
		if err := c.Safety.AcknowledgeFall(r.Context(), r.PathValue("id")); err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
	})
	mux.HandleFunc("POST /api/v1/safety/officers/{id}/fall/dismiss", func(w http.ResponseWriter, r *http.Request) {
		var req reasonRequest
		if !decode(w, r, &req) {
			return
		}
		supervisor := "unknown"
		if p, ok := gateway.PrincipalFrom(r.Context()); ok {
			supervisor = p.UserID
		}
		if err := c.Safety.DismissFall(r.Context(), r.PathValue("id"), supervisor, req.Reason); err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
	})
	mux.HandleFunc("GET /api/v1/safety/threats", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, c.Safety.Threats())
	})
	mux.HandleFunc("POST /api/v1/safety/threats", func(w http.ResponseWriter, r *http.Request) {
		var t safety.Threat
		if !decode(w, r, &t) {
			return
		}
		stored, warnings, err := c.Safety.RegisterThreat(r.Context(), t)
		if err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, map[string]any{"threat": stored, "warnings": warnings})
	})
	mux.HandleFunc("DELETE /api/v1/safety/threats/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := c.Safety.ClearThreat(r.Context(), r.PathValue("id")); err != nil {
			api.WriteFault(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("PUT /api/v1/safety/hotzones", func(w http.ResponseWriter, r *http.Request) {
		var zones []safety.Hotzone
		if !decode(w, r, &zones) {
			return
		}
		if err := c.Safety.SetHotzones(zones); err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]int{"count": len(zones)})
	})

	// --- Fairness ---
	mux.HandleFunc("POST /api/v1/fairness/analyze", func(w http.ResponseWriter, r *http.Request) {
		var req fairnessRequest
		if !decode(w, r, &req) {
			return
		}
		api.WriteJSON(w, http.StatusOK, c.Fairness.Analyze(req.Reference, req.Groups))
	})

	// --- Approvals ---
	mux.HandleFunc("GET /api/v1/approvals", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, c.Approvals.Pending())
	})
	mux.HandleFunc("GET /api/v1/approvals/{id}", func(w http.ResponseWriter, r *http.Request) {
		req, err := c.Approvals.Get(r.PathValue("id"))
		if err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, req)
	})
	mux.HandleFunc("POST /api/v1/approvals/{id}/approve", func(w http.ResponseWriter, r *http.Request) {
		approver, ok := approverFrom(c, w, r)
		if !ok {
			return
		}
		var req noteRequest
		if !decode(w, r, &req) {
			return
		}
		updated, err := c.Approvals.Approve(r.Context(), r.PathValue("id"), approver, req.Note)
		if err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, updated)
	})
	mux.HandleFunc("POST /api/v1/approvals/{id}/deny", func(w http.ResponseWriter, r *http.Request) {
		approver, ok := approverFrom(c, w, r)
		if !ok {
			return
		}
		var req noteRequest
		if !decode(w, r, &req) {
			return
		}
		updated, err := c.Approvals.Deny(r.Context(), r.PathValue("id"), approver, req.Note)
		if err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, updated)
	})
	mux.HandleFunc("POST /api/v1/approvals/{id}/escalate", func(w http.ResponseWriter, r *http.Request) {
		approver, ok := approverFrom(c, w, r)
		if !ok {
			return
		}
		var req noteRequest
		if !decode(w, r, &req) {
			return
		}
		updated, err := c.Approvals.Escalate(r.Context(), r.PathValue("id"), approver, req.Note)
		if err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, updated)
	})

	// --- Continuity ---
	mux.HandleFunc("GET /api/v1/continuity/status", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]any{
			"failed_over": c.Failover.FailedOver(),
			"pairs":       c.Failover.Statuses(),
			"probes":      c.Monitor.Statuses(),
		})
	})
	mux.HandleFunc("GET /api/v1/continuity/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]any{
			"events": c.Diagnostics.Events(50),
			"alerts": c.Diagnostics.Alerts(),
		})
	})
	mux.HandleFunc("POST /api/v1/continuity/{service}/failover", func(w http.ResponseWriter, r *http.Request) {
		var req reasonRequest
		if !decode(w, r, &req) {
			return
		}
		user := "unknown"
		if p, ok := gateway.PrincipalFrom(r.Context()); ok {
			user = p.UserID
		}
		service := r.PathValue("service")
		if err := c.Failover.Failover(r.Context(), service, user, req.Reason); err != nil {
			api.WriteFault(w, err)
			return
		}
		status, err := c.Failover.Status(service)
		if err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, status)
	})
	mux.HandleFunc("POST /api/v1/continuity/{service}/recover", func(w http.ResponseWriter, r *http.Request) {
		var req reasonRequest
		if !decode(w, r, &req) {
			return
		}
		user := "unknown"
		if p, ok := gateway.PrincipalFrom(r.Context()); ok {
			user = p.UserID
		}
		service := r.PathValue("service")
		if err := c.Failover.Recover(r.Context(), service, user, req.Reason); err != nil {
			api.WriteFault(w, err)
			return
		}
		status, err := c.Failover.Status(service)
		if err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, status)
	})

	// --- CJIS Query Logging ---
	mux.HandleFunc("POST /api/v1/cjis/queries", func(w http.ResponseWriter, r *http.Request) {
		var req cjisQueryRequest
		if !decode(w, r, &req) {
			return
		}
		in := gateway.QueryInput{
			System:          req.System,
			Purpose:         req.Purpose,
			CaseNumber:      req.CaseNumber,
			Parameters:      req.Parameters,
			ResponseSummary: req.ResponseSummary,
		}
		if p, ok := gateway.PrincipalFrom(r.Context()); ok {
			in.UserID = p.UserID
			in.Role = p.Role
			in.SessionID = p.SessionID
		}
		record, err := c.CJIS.Record(r.Context(), in)
		if err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, record)
	})
	mux.HandleFunc("GET /api/v1/cjis/review", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, c.CJIS.ForReview())
	})
	mux.HandleFunc("POST /api/v1/cjis/review/{txn}", func(w http.ResponseWriter, r *http.Request) {
		if err := c.CJIS.MarkReviewed(r.PathValue("txn")); err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "reviewed"})
	})

	// --- Audit ---
	mux.HandleFunc("GET /api/v1/audit/entries", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := audit.QueryFilter{
			ActionKind: audit.ActionKind(q.Get("kind")),
			Severity:   audit.Severity(q.Get("severity")),
			Source:     q.Get("source"),
			SessionID:  q.Get("session"),
			MaxResults: intParam(q.Get("limit"), 100),
		}
		api.WriteJSON(w, http.StatusOK, c.Audit.Query(filter))
	})
	mux.HandleFunc("GET /api/v1/audit/verify", func(w http.ResponseWriter, r *http.Request) {
		result := map[string]any{
			"entries": c.Audit.Size(),
			"head":    c.Audit.ChainHead(),
		}
		if err := c.Audit.VerifyChain(); err != nil {
			result["valid"] = false
			result["error"] = err.Error()
		} else {
			result["valid"] = true
		}
		api.WriteJSON(w, http.StatusOK, result)
	})

	// --- Dead Letters ---
	mux.HandleFunc("GET /api/v1/deadletters", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, c.DeadLetter.List(intParam(r.URL.Query().Get("limit"), 100)))
	})
	mux.HandleFunc("POST /api/v1/deadletters/{id}/replay", func(w http.ResponseWriter, r *http.Request) {
		result, err := c.Pipeline.ReplayDeadLetter(r.Context(), r.PathValue("id"))
		if err != nil {
			api.WriteFault(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, result)
	})
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
