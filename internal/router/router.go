// Package router maps requests with unambiguous intent directly to tool calls,
// bypassing the reasoning engine. Anything it cannot fully parse is delegated.
package router

import (
	"golang.org/x/text/unicode/norm"

	"opsagent/internal/audit"
	"opsagent/internal/logging"
	"opsagent/internal/types"
)

type matcher struct {
	id    string
	match func(text string) (map[string]any, bool)
}

// Result is either a direct tool call or a delegation.
type Result struct {
	Decision types.RouteDecision
	Call     *types.ToolCall
}

// Delegated reports whether the request must go to the reasoning engine.
func (r Result) Delegated() bool { return r.Call == nil }

// Router evaluates its patterns in fixed priority order.
type Router struct {
	matchers []matcher
	recorder audit.Recorder
}

// New creates a router that records route_selected events on recorder.
func New(recorder audit.Recorder) *Router {
	return &Router{
		recorder: recorder,
		matchers: []matcher{
			{PatternCalculate, matchCalculate},
			{PatternTicketStatus, matchTicketStatus},
			{PatternCreateTicket, matchCreateTicket},
			{PatternUpdateTicket, matchUpdateTicket},
		},
	}
}

// Route picks the first matching pattern. The returned call always carries
// call ref <request_id>#1; the router never produces a partial call.
func (r *Router) Route(req types.Request) Result {
	text := norm.NFC.String(req.Text)

	res := Result{Decision: types.RouteDecision{RequestID: req.ID, Path: types.PathReasoning}}
	for _, m := range r.matchers {
		args, ok := m.match(text)
		if !ok {
			continue
		}
		tool := toolFor(m.id)
		res.Decision.Path = types.PathDeterministic
		res.Decision.MatchedPattern = m.id
		res.Call = &types.ToolCall{
			ID:        types.CallRef(req.ID, 1),
			Tool:      tool,
			Arguments: args,
			Mutating:  tool.IsMutating(),
			Confirmed: tool.IsMutating() && Confirmed(text),
			Origin:    types.PathDeterministic,
		}
		break
	}

	if res.Delegated() {
		logging.RoutingDebug("request %s delegated to reasoning", req.ID)
	} else {
		logging.Routing("request %s matched %s", req.ID, res.Decision.MatchedPattern)
	}
	if r.recorder != nil {
		r.recorder.Emit(audit.RouteSelected(res.Decision))
	}
	return res
}
