package reasoning

import (
	"context"
	"fmt"
	"strings"

	"opsagent/internal/tools/knowledge"
	"opsagent/internal/types"
)

// OfflineEngine is the engine used without an API key. It answers every
// delegated request from the incident corpus: first it proposes a retrieval
// with the request text as query, then it answers with what came back.
type OfflineEngine struct{}

// NewOfflineEngine creates an offline engine.
func NewOfflineEngine() *OfflineEngine { return &OfflineEngine{} }

func (e *OfflineEngine) Name() string { return "offline" }

func (e *OfflineEngine) Propose(ctx context.Context, req ProposalRequest) (types.Proposal, error) {
	if err := ctx.Err(); err != nil {
		return types.Proposal{}, err
	}

	if len(req.Observations) == 0 {
		if !hasTool(req.Tools, types.ToolRetrieveIncidentInfo) {
			return answer("I can only help with these actions right now:\n" + toolSummary(req.Tools)), nil
		}
		return call(types.ToolRetrieveIncidentInfo, map[string]any{"query": req.Text}), nil
	}

	last := req.Observations[len(req.Observations)-1]
	if last.Failed || last.Call.Tool != types.ToolRetrieveIncidentInfo {
		return answer(last.Result), nil
	}

	text, sources := knowledge.ExtractSources(last.Result)
	if strings.TrimSpace(text) == "" {
		return answer("I could not find anything relevant in the incident corpus."), nil
	}
	out := "Here is what the incident corpus says:\n\n" + text
	if len(sources) > 0 {
		out += fmt.Sprintf("\n\nSources: %s", strings.Join(sources, ", "))
	}
	return answer(out), nil
}
