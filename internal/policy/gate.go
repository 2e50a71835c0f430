// Package policy is the final authorization boundary in front of the tool
// executor. Every proposed tool call passes through Gate.Authorize regardless
// of which path proposed it.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"opsagent/internal/audit"
	"opsagent/internal/guardrail"
	"opsagent/internal/logging"
	"opsagent/internal/types"
)

// Catalog answers what the gate needs to know about registered tools.
type Catalog interface {
	// Mutating reports whether name is registered and, if so, whether it
	// changes state.
	Mutating(name types.ToolName) (mutating, registered bool)
}

// Gate authorizes tool calls.
type Gate struct {
	catalog  Catalog
	rules    *guardrail.Holder
	recorder audit.Recorder
}

// New creates a gate. Argument exfiltration patterns and mutation intent
// phrases are read from the active guardrail ruleset on every call.
func New(catalog Catalog, rules *guardrail.Holder, recorder audit.Recorder) *Gate {
	return &Gate{catalog: catalog, rules: rules, recorder: recorder}
}

// Authorize decides whether call may execute on behalf of req. Checks run in
// order: allowlist, replay, exfiltration in arguments or request text,
// confirmation of mutations, and explicit mutation intent for calls proposed
// by the reasoning engine. Exactly one policy event is emitted per call.
func (g *Gate) Authorize(ctx context.Context, req types.Request, call types.ToolCall) (d types.PolicyDecision) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryPolicy).Error("authorize panicked for %s: %v", call.ID, r)
			d = deny(call, types.ReasonPolicyError, "Policy evaluation failed.")
		}
		g.record(req.ID, d)
	}()

	if err := ctx.Err(); err != nil {
		return deny(call, types.ReasonPolicyError, "Policy evaluation cancelled.")
	}

	mutating, registered := false, false
	if call.Tool.Known() && g.catalog != nil {
		mutating, registered = g.catalog.Mutating(call.Tool)
	}
	if !registered {
		return deny(call, types.ReasonUnknownTool,
			fmt.Sprintf("Tool '%s' is not in the allowlist.", call.Tool))
	}

	if g.replayed(req.ID, call.ID) {
		return deny(call, types.ReasonReplayedCall,
			fmt.Sprintf("Tool call '%s' was already authorized or refused.", call.ID))
	}

	rs := g.rules.Load()
	if rs == nil {
		return deny(call, types.ReasonPolicyError, "No policy rules are loaded.")
	}

	if rule, hit := scanArguments(rs, req.Text, call.Arguments); hit {
		logging.PolicyDebug("%s matched %s", call.ID, rule.ID)
		return deny(call, types.ReasonExfiltrationInArguments,
			"Request appears to target prompts, secrets, or credentials.")
	}

	// The registered flag wins over whatever the proposer claimed.
	if mutating || call.Mutating {
		if !call.Confirmed {
			return deny(call, types.ReasonConfirmationRequired, "Mutation tool call requires confirm=true.")
		}
		if call.Origin == types.PathReasoning && !rs.HasIntent(call.Tool, req.Text) {
			return deny(call, types.ReasonMutationIntentUnclear,
				"Mutation tool call blocked because user intent is not explicit.")
		}
	}

	return types.PolicyDecision{
		Allowed:     true,
		Reason:      types.ReasonAllowed,
		ToolCallRef: call.ID,
		Tool:        call.Tool,
	}
}

func deny(call types.ToolCall, reason types.ReasonCode, msg string) types.PolicyDecision {
	return types.PolicyDecision{
		Reason:      reason,
		ToolCallRef: call.ID,
		Tool:        call.Tool,
		Message:     msg,
	}
}

func (g *Gate) record(requestID string, d types.PolicyDecision) {
	if d.Allowed {
		logging.PolicyDebug("allowed %s (%s)", d.Tool, d.ToolCallRef)
	} else {
		logging.Policy("blocked %s (%s): %s", d.Tool, d.ToolCallRef, d.Reason)
	}
	if g.recorder != nil {
		g.recorder.Emit(audit.PolicyDecision(requestID, d))
	}
}

// replayed reports whether the trail already holds a decision for callRef.
func (g *Gate) replayed(requestID, callRef string) bool {
	if g.recorder == nil || callRef == "" {
		return false
	}
	for _, ev := range g.recorder.Trail(requestID) {
		if ev.Type != audit.EventPolicyAllowed && ev.Type != audit.EventPolicyBlocked {
			continue
		}
		if ev.String("call_ref") == callRef {
			return true
		}
	}
	return false
}

// scanArguments matches the argument rules against the request text and
// every string leaf of args.
func scanArguments(rs *guardrail.RuleSet, requestText string, args map[string]any) (guardrail.Rule, bool) {
	texts := []string{requestText}
	texts = appendStrings(texts, args)
	for _, text := range texts {
		if rule, ok := guardrail.FirstMatch(rs.Arguments, guardrail.Normalize(text)); ok {
			return rule, true
		}
	}
	return guardrail.Rule{}, false
}

func appendStrings(out []string, v any) []string {
	switch val := v.(type) {
	case string:
		return append(out, val)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, k)
			out = appendStrings(out, val[k])
		}
	case []any:
		for _, item := range val {
			out = appendStrings(out, item)
		}
	case []string:
		out = append(out, val...)
	case nil:
	default:
		out = append(out, strings.TrimSpace(fmt.Sprint(val)))
	}
	return out
}
