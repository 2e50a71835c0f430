// Package guardrail screens requests before routing and responses before they
// leave the system. Both guards fail closed.
package guardrail

import (
	"fmt"
	"strings"

	"opsagent/internal/audit"
	"opsagent/internal/logging"
	"opsagent/internal/types"
)

// RefusalMessage is returned to the user whenever a guardrail blocks.
const RefusalMessage = "I cannot provide that information due to a guardrail policy."

// Stage names used in guardrail_blocked events.
const (
	StageInput  = "input"
	StageOutput = "output"
)

// Verdict is the outcome of screening one piece of text.
type Verdict struct {
	Pass           bool
	Reason         types.ReasonCode
	RuleID         string
	RulesetVersion string
}

func pass(version string) Verdict {
	return Verdict{Pass: true, Reason: types.ReasonAllowed, RulesetVersion: version}
}

func block(reason types.ReasonCode, ruleID, version string) Verdict {
	return Verdict{Reason: reason, RuleID: ruleID, RulesetVersion: version}
}

// InputGuard pre-screens raw requests.
type InputGuard struct {
	rules    *Holder
	recorder audit.Recorder
}

// NewInputGuard creates an input guard reading rules from holder.
func NewInputGuard(rules *Holder, recorder audit.Recorder) *InputGuard {
	return &InputGuard{rules: rules, recorder: recorder}
}

// Screen checks exfiltration patterns first, then out-of-scope patterns, then
// emptiness. Any internal failure blocks.
func (g *InputGuard) Screen(req types.Request) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			logging.GuardrailWarn("input screen panicked: %v", r)
			v = block(types.ReasonOutOfScope, "guard.internal_error", "")
		}
		if !v.Pass {
			g.record(req.ID, StageInput, v)
		}
	}()

	rs := g.rules.Load()
	if rs == nil {
		return block(types.ReasonOutOfScope, "guard.no_ruleset", "")
	}

	text := Normalize(req.Text)
	if rule, ok := FirstMatch(rs.Input, text); ok {
		logging.Guardrail("input blocked by %s (%s)", rule.ID, rule.Reason)
		return block(rule.Reason, rule.ID, rs.Version)
	}
	if strings.TrimSpace(text) == "" {
		return block(types.ReasonOutOfScope, "scope.empty", rs.Version)
	}
	if rs.MaxInputChars > 0 && len([]rune(text)) > rs.MaxInputChars {
		return block(types.ReasonOutOfScope, "scope.too_long", rs.Version)
	}
	return pass(rs.Version)
}

func (g *InputGuard) record(requestID, stage string, v Verdict) {
	if g.recorder != nil {
		g.recorder.Emit(audit.GuardrailBlocked(requestID, stage, v.Reason, v.RuleID, v.RulesetVersion))
	}
}

// OutputGuard screens final responses.
type OutputGuard struct {
	rules    *Holder
	recorder audit.Recorder
	secrets  []string
}

// NewOutputGuard creates an output guard. secrets are literal values (API keys
// and similar) that must never appear in a response.
func NewOutputGuard(rules *Holder, recorder audit.Recorder, secrets []string) *OutputGuard {
	var s []string
	for _, v := range secrets {
		if len(strings.TrimSpace(v)) >= 4 {
			s = append(s, v)
		}
	}
	return &OutputGuard{rules: rules, recorder: recorder, secrets: s}
}

// Screen blocks leaked secrets and mutation claims that the request's trail
// does not back with a successful mutating tool_end. quoted holds output of
// read-only tools for this request; text repeating it verbatim is stored data,
// not a claim, and is left out of claim matching. Secret checks still see it.
func (g *OutputGuard) Screen(requestID, text string, quoted []string, trail []audit.Event) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			logging.GuardrailWarn("output screen panicked: %v", r)
			v = block(types.ReasonSecretLeak, "guard.internal_error", "")
		}
		if !v.Pass && g.recorder != nil {
			g.recorder.Emit(audit.GuardrailBlocked(requestID, StageOutput, v.Reason, v.RuleID, v.RulesetVersion))
		}
	}()

	rs := g.rules.Load()
	if rs == nil {
		return block(types.ReasonSecretLeak, "guard.no_ruleset", "")
	}

	for i, secret := range g.secrets {
		if strings.Contains(text, secret) {
			return block(types.ReasonSecretLeak, fmt.Sprintf("leak.configured_secret.%d", i), rs.Version)
		}
	}

	normalized := Normalize(text)
	if rule, ok := FirstMatch(rs.Output, normalized); ok {
		logging.Guardrail("output blocked by %s", rule.ID)
		return block(rule.Reason, rule.ID, rs.Version)
	}

	claims := Normalize(withoutQuoted(text, quoted))
	if rule, ok := FirstMatch(rs.MutationClaims, claims); ok && !audit.HasSuccessfulMutation(trail) {
		logging.Guardrail("unbacked mutation claim matched %s", rule.ID)
		return block(rule.Reason, rule.ID, rs.Version)
	}
	return pass(rs.Version)
}

func withoutQuoted(text string, quoted []string) string {
	for _, q := range quoted {
		if strings.TrimSpace(q) != "" {
			text = strings.ReplaceAll(text, q, "\n")
		}
	}
	return text
}
