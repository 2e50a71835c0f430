package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"opsagent/internal/logging"
	"opsagent/internal/tools"
	"opsagent/internal/types"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIEngine proposes steps through OpenAI chat completions with native
// tool calling.
type OpenAIEngine struct {
	client      *openai.Client
	model       string
	temperature float32
}

// NewOpenAIEngine creates an engine. baseURL may point at any
// OpenAI-compatible endpoint.
func NewOpenAIEngine(apiKey, baseURL, model string, temperature float32) (*OpenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai reasoning engine requires an API key")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIEngine{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: temperature,
	}, nil
}

func (e *OpenAIEngine) Name() string { return "openai:" + e.model }

// Propose sends the conversation plus this request's tool observations and
// maps the first tool call, or the reply text, to a Proposal.
func (e *OpenAIEngine) Propose(ctx context.Context, req ProposalRequest) (types.Proposal, error) {
	timer := logging.StartTimer(logging.CategoryReasoning, "OpenAIPropose")
	defer timer.Stop()

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		Messages:    buildMessages(req),
		Tools:       mapTools(req.Tools),
		ToolChoice:  "auto",
		Temperature: e.temperature,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return types.Proposal{}, err
		}
		return types.Proposal{}, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return types.Proposal{}, fmt.Errorf("%w: no choices in response", ErrEngineUnavailable)
	}

	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		if len(msg.ToolCalls) > 1 {
			logging.ReasoningDebug("Engine proposed %d tool calls; taking the first", len(msg.ToolCalls))
		}
		tc := msg.ToolCalls[0]
		args, err := parseArguments(tc.Function.Arguments)
		if err != nil {
			return types.Proposal{}, fmt.Errorf("%w: tool %s: %v", ErrEngineUnavailable, tc.Function.Name, err)
		}
		logging.Reasoning("Engine proposed %s", tc.Function.Name)
		return call(types.ToolName(tc.Function.Name), args), nil
	}

	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return types.Proposal{}, fmt.Errorf("%w: empty response", ErrEngineUnavailable)
	}
	return answer(text), nil
}

func buildMessages(req ProposalRequest) []openai.ChatCompletionMessage {
	msgs := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: systemPrompt}}
	for _, t := range req.History {
		role := openai.ChatMessageRoleUser
		if t.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Text})

	for i, obs := range req.Observations {
		id := fmt.Sprintf("call_%d", i+1)
		args, _ := json.Marshal(obs.Call.Arguments)
		msgs = append(msgs,
			openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:   id,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      string(obs.Call.Tool),
						Arguments: string(args),
					},
				}},
			},
			openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    obs.Result,
				ToolCallID: id,
			},
		)
	}
	return msgs
}

func mapTools(defs []tools.Definition) []openai.Tool {
	out := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        string(d.Name),
				Description: d.Description,
				Parameters:  d.Schema.JSONSchema(),
			},
		})
	}
	return out
}

func parseArguments(raw string) (map[string]any, error) {
	args := make(map[string]any)
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}
	return args, nil
}
