// Package reasoning proposes the next step for requests the router could not
// handle: either one tool call or a final answer. Engines never execute tools;
// every proposed call goes through the policy gate.
package reasoning

import (
	"context"
	"errors"
	"fmt"

	"opsagent/internal/tools"
	"opsagent/internal/types"
)

// ErrEngineUnavailable means the engine could not produce a proposal.
var ErrEngineUnavailable = errors.New("reasoning engine unavailable")

// Role of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one earlier message in the conversation.
type Turn struct {
	Role    Role
	Content string
}

// Observation is a tool call made earlier in the current request and what it
// returned. Refused calls carry the refusal text with Failed set.
type Observation struct {
	Call   types.ToolCall
	Result string
	Failed bool
}

// ProposalRequest is everything an engine may look at.
type ProposalRequest struct {
	RequestID    string
	Text         string
	Tools        []tools.Definition
	History      []Turn
	Observations []Observation
}

// Engine proposes the next step.
type Engine interface {
	Propose(ctx context.Context, req ProposalRequest) (types.Proposal, error)
	Name() string
}

// Config selects an engine.
type Config struct {
	Provider    string // openai or offline
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
}

// New builds the engine named by cfg.Provider.
func New(cfg Config) (Engine, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIEngine(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Temperature)
	case "offline", "":
		return NewOfflineEngine(), nil
	default:
		return nil, fmt.Errorf("unsupported reasoning provider: %s", cfg.Provider)
	}
}

func answer(text string) types.Proposal {
	return types.Proposal{Answer: &types.FinalAnswer{Text: text}}
}

func call(tool types.ToolName, args map[string]any) types.Proposal {
	return types.Proposal{Call: &types.ToolCall{Tool: tool, Arguments: args}}
}

func hasTool(defs []tools.Definition, name types.ToolName) bool {
	for _, d := range defs {
		if d.Name == name {
			return true
		}
	}
	return false
}
