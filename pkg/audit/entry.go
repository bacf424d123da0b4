// Package audit implements the tamper-evident audit log: hash-chained
// entries, segmented on-disk persistence, and cold-storage rollover.
// It is the only component that appends audit records; everything else
// submits entries through it.
package audit

import (
	"strings"
	"time"
)

// ActionKind categorizes audit entries.
type ActionKind string

const (
	ActionEventIngested   ActionKind = "event_ingested"
	ActionEventRejected   ActionKind = "event_rejected"
	ActionFusionCreated   ActionKind = "fusion_created"
	ActionFusionExtended  ActionKind = "fusion_extended"
	ActionAnomalyDetected ActionKind = "anomaly_detected"

	ActionDispatchCreated   ActionKind = "dispatch_created"
	ActionDispatchAssigned  ActionKind = "dispatch_assigned"
	ActionDispatchCancelled ActionKind = "dispatch_cancelled"
	ActionDispatchUnfilled  ActionKind = "dispatch_unfilled"
	ActionDispatchResolved  ActionKind = "dispatch_resolved"
	ActionCommandIssued     ActionKind = "command_issued"
	ActionCommandPreempted  ActionKind = "command_preempted"
	ActionCommandRejected   ActionKind = "command_rejected"
	ActionCommandResolved   ActionKind = "command_resolved"

	ActionGuardrailDecision ActionKind = "guardrail_decision"
	ActionBiasAudit         ActionKind = "bias_audit"
	ActionApprovalRequested ActionKind = "approval_requested"
	ActionApprovalResolved  ActionKind = "approval_resolved"

	ActionSafetyWarning    ActionKind = "safety_warning"
	ActionThreatRegistered ActionKind = "threat_registered"
	ActionAmbushAlert      ActionKind = "ambush_alert"
	ActionFallEvent        ActionKind = "fall_event"
	ActionCheckinOverdue   ActionKind = "checkin_overdue"

	ActionFailover        ActionKind = "failover"
	ActionRecovery        ActionKind = "recovery"
	ActionWriteDiscarded  ActionKind = "buffered_write_discarded"
	ActionDiagnostic      ActionKind = "diagnostic_event"
	ActionPredictiveAlert ActionKind = "predictive_alert"

	ActionAccessDecision  ActionKind = "access_decision"
	ActionSessionCreated  ActionKind = "session_created"
	ActionSessionExpired  ActionKind = "session_expired"
	ActionCJISQuery       ActionKind = "cjis_query"
	ActionWebhookRejected ActionKind = "webhook_rejected"

	ActionConfigChanged ActionKind = "config_changed"
	ActionColdRoll      ActionKind = "cold_roll"
)

// Severity grades audit entries.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Entry is a single immutable record in the audit chain.
type Entry struct {
	EntryID      string                 `json:"entry_id"`
	Sequence     uint64                 `json:"sequence"`
	Timestamp    time.Time              `json:"timestamp"`
	ActionKind   ActionKind             `json:"action_kind"`
	Severity     Severity               `json:"severity"`
	Source       string                 `json:"source"`
	Description  string                 `json:"description"`
	Details      map[string]interface{} `json:"details,omitempty"`
	SessionID    string                 `json:"session_id,omitempty"`
	PreviousHash string                 `json:"previous_hash"`
	EntryHash    string                 `json:"entry_hash"`
}

// maskedValue replaces sensitive detail values before persistence.
const maskedValue = "[MASKED]"

var sensitiveKeyParts = []string{"password", "token", "api_key", "secret", "credential"}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

// MaskDetails returns a copy of details with sensitive values replaced.
// Nested maps and slices are masked recursively; the input is not mutated.
func MaskDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		if isSensitiveKey(k) {
			out[k] = maskedValue
			continue
		}
		out[k] = maskValue(v)
	}
	return out
}

func maskValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return MaskDetails(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = maskValue(item)
		}
		return out
	default:
		return v
	}
}
