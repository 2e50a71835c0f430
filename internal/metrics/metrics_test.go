package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsagent/internal/audit"
	"opsagent/internal/types"
)

func TestPolicyDecisionsCountedThroughRecorder(t *testing.T) {
	m := New()
	rec := Instrument(audit.NewEmitter(nil), m)

	call := types.ToolCall{ID: "r1#1", Tool: types.ToolCreateTicket}
	rec.Emit(audit.PolicyDecision("r1", types.PolicyDecision{Allowed: false, Reason: types.ReasonConfirmationRequired, Tool: call.Tool, ToolCallRef: call.ID}))
	rec.Emit(audit.PolicyDecision("r1", types.PolicyDecision{Allowed: false, Reason: types.ReasonConfirmationRequired, Tool: call.Tool, ToolCallRef: call.ID}))
	rec.Emit(audit.PolicyDecision("r2", types.PolicyDecision{Allowed: true, Reason: types.ReasonAllowed, Tool: types.ToolCalculate, ToolCallRef: "r2#1"}))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.policyDecisions.WithLabelValues("blocked", "confirmation_required")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.policyDecisions.WithLabelValues("allowed", "allowed")))

	// Events still reach the wrapped recorder.
	assert.Len(t, rec.Trail("r1"), 2)
}

func TestToolAndGuardrailCounters(t *testing.T) {
	m := New()
	call := types.ToolCall{ID: "r1#1", Tool: types.ToolCalculate}

	m.Observe(audit.ToolEnd("r1", call, false, 12, ""))
	m.Observe(audit.ToolEnd("r1", call, false, 3, "division by zero"))
	m.Observe(audit.GuardrailBlocked("r2", "input", types.ReasonExfiltrationAttempt, "exfil.system_prompt", "v1"))
	m.Observe(audit.RouteSelected(types.RouteDecision{RequestID: "r3", Path: types.PathDeterministic, MatchedPattern: "calculate"}))
	m.Observe(audit.AgentError("r4", "timeout", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("calculate", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("calculate", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.guardrailBlocks.WithLabelValues("input", "exfiltration_attempt")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.routes.WithLabelValues("deterministic", "calculate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.agentErrors.WithLabelValues("timeout")))

	snap, err := m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 2.0, snap["opsagent_tool_duration_seconds{tool=calculate}"])
	assert.Equal(t, 1.0, snap["opsagent_routes_total{path=deterministic,pattern=calculate}"])
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Observe(audit.AgentError("r", "timeout", nil))
	})
	snap, err := m.Snapshot()
	assert.NoError(t, err)
	assert.Nil(t, snap)
	assert.Nil(t, m.Registry())
}
