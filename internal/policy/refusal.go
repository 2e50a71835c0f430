package policy

import (
	"encoding/json"

	"opsagent/internal/types"
)

// Refusal is the payload returned to the user when the gate blocks a call.
type Refusal struct {
	Type    string           `json:"type"`
	Code    types.ReasonCode `json:"code"`
	Message string           `json:"message"`
	Tool    types.ToolName   `json:"tool"`
	Action  string           `json:"action"`
}

// RefusalJSON renders a blocked decision as a policy_refusal document.
func RefusalJSON(d types.PolicyDecision) string {
	data, err := json.Marshal(Refusal{
		Type:    "policy_refusal",
		Code:    d.Reason,
		Message: d.Message,
		Tool:    d.Tool,
		Action:  "blocked",
	})
	if err != nil {
		// Every field is a plain string.
		panic(err)
	}
	return string(data)
}

// ParseRefusal reports whether text is a policy_refusal document.
func ParseRefusal(text string) (Refusal, bool) {
	var r Refusal
	if err := json.Unmarshal([]byte(text), &r); err != nil || r.Type != "policy_refusal" {
		return Refusal{}, false
	}
	return r, true
}
