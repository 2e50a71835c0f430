package audit

import (
	"opsagent/internal/types"
)

// Constructors for each event type. Timestamps and sequence numbers are
// assigned by the Emitter.

func RouteSelected(d types.RouteDecision) Event {
	payload := map[string]any{"path": string(d.Path)}
	if d.MatchedPattern != "" {
		payload["pattern"] = d.MatchedPattern
	}
	return Event{Type: EventRouteSelected, RequestID: d.RequestID, Payload: payload}
}

func ToolStart(requestID string, call types.ToolCall) Event {
	return Event{
		Type:      EventToolStart,
		RequestID: requestID,
		Payload: map[string]any{
			"tool":     string(call.Tool),
			"call_ref": call.ID,
			"mutating": call.Mutating,
		},
	}
}

// ToolEnd records completion. errMsg is empty on success.
func ToolEnd(requestID string, call types.ToolCall, mutating bool, durationMs int64, errMsg string) Event {
	payload := map[string]any{
		"tool":        string(call.Tool),
		"call_ref":    call.ID,
		"mutating":    mutating,
		"success":     errMsg == "",
		"duration_ms": durationMs,
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	return Event{Type: EventToolEnd, RequestID: requestID, Payload: payload}
}

// GuardrailBlocked records an input or output guardrail block.
func GuardrailBlocked(requestID, stage string, reason types.ReasonCode, ruleID, rulesetVersion string) Event {
	return Event{
		Type:      EventGuardrailBlocked,
		RequestID: requestID,
		Payload: map[string]any{
			"stage":           stage,
			"reason_code":     string(reason),
			"rule_id":         ruleID,
			"ruleset_version": rulesetVersion,
		},
	}
}

// PolicyDecision records the gate's verdict as policy_allowed or policy_blocked.
func PolicyDecision(requestID string, d types.PolicyDecision) Event {
	payload := map[string]any{
		"tool":     string(d.Tool),
		"call_ref": d.ToolCallRef,
	}
	if d.Allowed {
		return Event{Type: EventPolicyAllowed, RequestID: requestID, Payload: payload}
	}
	payload["reason_code"] = string(d.Reason)
	return Event{Type: EventPolicyBlocked, RequestID: requestID, Payload: payload}
}

// AgentError records a collaborator failure.
func AgentError(requestID, kind string, err error) Event {
	payload := map[string]any{"kind": kind}
	if err != nil {
		payload["error"] = err.Error()
	}
	return Event{Type: EventAgentError, RequestID: requestID, Payload: payload}
}

// HasSuccessfulMutation reports whether the trail contains a successful
// tool_end for a mutating tool.
func HasSuccessfulMutation(trail []Event) bool {
	for _, ev := range trail {
		if ev.Type == EventToolEnd && ev.Bool("mutating") && ev.Bool("success") {
			return true
		}
	}
	return false
}
