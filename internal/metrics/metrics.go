// Package metrics exposes Prometheus counters for every control-plane
// decision. Counters are derived from audit events so that a metric can never
// disagree with the trail.
package metrics

import (
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"opsagent/internal/audit"
)

// Metrics owns a private registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	policyDecisions *prometheus.CounterVec
	guardrailBlocks *prometheus.CounterVec
	routes          *prometheus.CounterVec
	toolCalls       *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	agentErrors     *prometheus.CounterVec
}

// New creates and registers the opsagent collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		policyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsagent_policy_decisions_total",
				Help: "Policy gate decisions by outcome and reason code",
			},
			[]string{"outcome", "reason"},
		),
		guardrailBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsagent_guardrail_blocks_total",
				Help: "Guardrail blocks by stage and reason code",
			},
			[]string{"stage", "reason"},
		),
		routes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsagent_routes_total",
				Help: "Routing decisions by path and matched pattern",
			},
			[]string{"path", "pattern"},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsagent_tool_calls_total",
				Help: "Tool executions by tool and result",
			},
			[]string{"tool", "result"},
		),
		toolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "opsagent_tool_duration_seconds",
				Help:    "Tool execution latency",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 15, 30},
			},
			[]string{"tool"},
		),
		agentErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsagent_agent_errors_total",
				Help: "Collaborator failures by kind",
			},
			[]string{"kind"},
		),
	}
	m.registry.MustRegister(
		m.policyDecisions,
		m.guardrailBlocks,
		m.routes,
		m.toolCalls,
		m.toolDuration,
		m.agentErrors,
	)
	return m
}

// Registry returns the registry holding every opsagent collector.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Observe updates counters for one audit event.
func (m *Metrics) Observe(ev audit.Event) {
	if m == nil {
		return
	}
	switch ev.Type {
	case audit.EventPolicyAllowed:
		m.policyDecisions.WithLabelValues("allowed", "allowed").Inc()
	case audit.EventPolicyBlocked:
		m.policyDecisions.WithLabelValues("blocked", ev.String("reason_code")).Inc()
	case audit.EventGuardrailBlocked:
		m.guardrailBlocks.WithLabelValues(ev.String("stage"), ev.String("reason_code")).Inc()
	case audit.EventRouteSelected:
		m.routes.WithLabelValues(ev.String("path"), ev.String("pattern")).Inc()
	case audit.EventToolEnd:
		tool := ev.String("tool")
		result := "success"
		if !ev.Bool("success") {
			result = "error"
		}
		m.toolCalls.WithLabelValues(tool, result).Inc()
		if ms, ok := number(ev.Payload["duration_ms"]); ok {
			m.toolDuration.WithLabelValues(tool).Observe(ms / 1000)
		}
	case audit.EventAgentError:
		m.agentErrors.WithLabelValues(ev.String("kind")).Inc()
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Snapshot flattens every counter series into "name{label=value,...}" keys.
// Histograms contribute their sample count.
func (m *Metrics) Snapshot() (map[string]float64, error) {
	if m == nil {
		return nil, nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			pairs := make([]string, 0, len(metric.GetLabel()))
			for _, lp := range metric.GetLabel() {
				pairs = append(pairs, lp.GetName()+"="+lp.GetValue())
			}
			sort.Strings(pairs)
			key := mf.GetName() + "{" + strings.Join(pairs, ",") + "}"
			switch {
			case metric.GetCounter() != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.GetHistogram() != nil:
				out[key] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return out, nil
}
