// Package types holds the value types shared by every stage of the request
// pipeline: requests, routing decisions, tool calls and policy decisions.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ToolName identifies one member of the closed set of tools the assistant may invoke.
type ToolName string

const (
	ToolRetrieveIncidentInfo ToolName = "retrieve_incident_info" // RAG lookup over runbooks and incident reports
	ToolCalculate            ToolName = "calculate"              // Safe arithmetic
	ToolCreateTicket         ToolName = "create_ticket"          // Mutating
	ToolGetTicketStatus      ToolName = "get_ticket_status"      // Read-only ticket lookup
	ToolUpdateTicketStatus   ToolName = "update_ticket_status"   // Mutating
)

var allTools = []ToolName{
	ToolRetrieveIncidentInfo,
	ToolCalculate,
	ToolCreateTicket,
	ToolGetTicketStatus,
	ToolUpdateTicketStatus,
}

// AllToolNames returns the allowlist in registration order.
func AllToolNames() []ToolName {
	out := make([]ToolName, len(allTools))
	copy(out, allTools)
	return out
}

// Known reports whether the name is part of the allowlist.
func (n ToolName) Known() bool {
	for _, t := range allTools {
		if t == n {
			return true
		}
	}
	return false
}

// IsMutating reports whether invoking the tool changes ticket state.
func (n ToolName) IsMutating() bool {
	return n == ToolCreateTicket || n == ToolUpdateTicketStatus
}

func (n ToolName) String() string { return string(n) }

// Request is one inbound user message. It is never modified after creation.
type Request struct {
	ID         string
	Text       string
	ReceivedAt time.Time
}

// NewRequest stamps raw text with a fresh correlation id.
func NewRequest(text string) Request {
	return Request{
		ID:         uuid.NewString(),
		Text:       text,
		ReceivedAt: time.Now().UTC(),
	}
}

// Path is the route a request takes through the pipeline.
type Path string

const (
	PathDeterministic Path = "deterministic"
	PathReasoning     Path = "reasoning"
)

// RouteDecision records which path was chosen and, for deterministic routes,
// which pattern matched.
type RouteDecision struct {
	RequestID      string `json:"request_id"`
	Path           Path   `json:"path"`
	MatchedPattern string `json:"pattern,omitempty"`
}

// ToolCall is a proposed tool invocation. The policy gate consumes each call
// exactly once, keyed by ID.
type ToolCall struct {
	ID        string         `json:"call_ref"`
	Tool      ToolName       `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Mutating  bool           `json:"mutating"`
	Confirmed bool           `json:"confirmed"`
	Origin    Path           `json:"origin"`
}

// CallRef builds the reference for the n-th call proposed within a request.
func CallRef(requestID string, n int) string {
	return fmt.Sprintf("%s#%d", requestID, n)
}

// StringArg returns a trimmed string argument. Non-string values are rendered
// with fmt so that numeric ids survive.
func (c ToolCall) StringArg(key string) (string, bool) {
	v, ok := c.Arguments[key]
	if !ok || v == nil {
		return "", false
	}
	var s string
	switch val := v.(type) {
	case string:
		s = val
	default:
		s = fmt.Sprint(val)
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// ReasonCode is the machine-readable reason attached to every allow/block decision.
type ReasonCode string

const (
	ReasonAllowed                 ReasonCode = "allowed"
	ReasonUnknownTool             ReasonCode = "unknown_tool"
	ReasonExfiltrationInArguments ReasonCode = "exfiltration_in_arguments"
	ReasonConfirmationRequired    ReasonCode = "confirmation_required"
	ReasonMutationIntentUnclear   ReasonCode = "mutation_intent_unclear"
	ReasonReplayedCall            ReasonCode = "replayed_call"
	ReasonPolicyError             ReasonCode = "policy_error"

	ReasonExfiltrationAttempt   ReasonCode = "exfiltration_attempt"
	ReasonOutOfScope            ReasonCode = "out_of_scope"
	ReasonSecretLeak            ReasonCode = "secret_leak"
	ReasonUnbackedMutationClaim ReasonCode = "unbacked_mutation_claim"
)

// PolicyDecision is the gate's verdict on a single ToolCall.
type PolicyDecision struct {
	Allowed     bool       `json:"allowed"`
	Reason      ReasonCode `json:"reason_code"`
	ToolCallRef string     `json:"tool_call_ref"`
	Tool        ToolName   `json:"tool"`
	Message     string     `json:"message,omitempty"`
}

// FinalAnswer is the reasoning engine's terminal proposal.
type FinalAnswer struct {
	Text string
}

// Proposal is exactly one of a tool call or a final answer.
type Proposal struct {
	Call   *ToolCall
	Answer *FinalAnswer
}
