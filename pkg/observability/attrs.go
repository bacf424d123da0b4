// Package observability provides domain-specific instrumentation helpers.
package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attributes for crime-center operations.
var (
	// Event attributes
	AttrEventID     = attribute.Key("vigil.event.id")
	AttrEventSource = attribute.Key("vigil.event.source")
	AttrEventKind   = attribute.Key("vigil.event.kind")

	// Fusion attributes
	AttrFusionID       = attribute.Key("vigil.fusion.id")
	AttrFusionType     = attribute.Key("vigil.fusion.type")
	AttrFusionSeverity = attribute.Key("vigil.fusion.severity")
	AttrFusionScore    = attribute.Key("vigil.fusion.confidence")

	// Dispatch attributes
	AttrDispatchID       = attribute.Key("vigil.dispatch.id")
	AttrDispatchTrigger  = attribute.Key("vigil.dispatch.trigger")
	AttrDispatchPriority = attribute.Key("vigil.dispatch.priority")
	AttrActuatorID       = attribute.Key("vigil.actuator.id")

	// Guardrail attributes
	AttrActionType    = attribute.Key("vigil.action.type")
	AttrDecision      = attribute.Key("vigil.guardrail.decision")
	AttrDecisionLayer = attribute.Key("vigil.guardrail.layer")
	AttrRiskScore     = attribute.Key("vigil.guardrail.risk_score")

	// Officer safety attributes
	AttrOfficerID   = attribute.Key("vigil.officer.id")
	AttrWarningType = attribute.Key("vigil.warning.type")
	AttrThreatLevel = attribute.Key("vigil.threat.level")

	// Access attributes
	AttrUserID     = attribute.Key("vigil.access.user_id")
	AttrResource   = attribute.Key("vigil.access.resource")
	AttrVerdict    = attribute.Key("vigil.access.verdict")
	AttrTrustScore = attribute.Key("vigil.access.trust_score")

	// Continuity attributes
	AttrService       = attribute.Key("vigil.continuity.service")
	AttrFailoverState = attribute.Key("vigil.continuity.state")
)

// EventOperation creates attributes for ingest operations.
func EventOperation(eventID, source, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEventID.String(eventID),
		AttrEventSource.String(source),
		AttrEventKind.String(kind),
	}
}

// FusionOperation creates attributes for correlation operations.
func FusionOperation(fusionID, eventType, severity string, confidence float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrFusionID.String(fusionID),
		AttrFusionType.String(eventType),
		AttrFusionSeverity.String(severity),
		AttrFusionScore.Float64(confidence),
	}
}

// DispatchOperation creates attributes for dispatch evaluation.
func DispatchOperation(requestID, trigger, priority string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDispatchID.String(requestID),
		AttrDispatchTrigger.String(trigger),
		AttrDispatchPriority.String(priority),
	}
}

// GuardrailOperation creates attributes for policy evaluation.
func GuardrailOperation(actionType, decision, layer string, riskScore float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrActionType.String(actionType),
		AttrDecision.String(decision),
		AttrDecisionLayer.String(layer),
		AttrRiskScore.Float64(riskScore),
	}
}

// SafetyOperation creates attributes for officer safety warnings.
func SafetyOperation(officerID, warningType, threatLevel string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOfficerID.String(officerID),
		AttrWarningType.String(warningType),
		AttrThreatLevel.String(threatLevel),
	}
}

// AccessOperation creates attributes for zero-trust evaluation.
func AccessOperation(userID, resource, verdict string, trust float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrUserID.String(userID),
		AttrResource.String(resource),
		AttrVerdict.String(verdict),
		AttrTrustScore.Float64(trust),
	}
}

// ContinuityOperation labels a failover or recovery transition.
func ContinuityOperation(service, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrService.String(service),
		AttrFailoverState.String(state),
	}
}
