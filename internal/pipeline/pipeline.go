// Package pipeline runs one request through every control-plane stage:
//
//	input guardrail → router → (reasoning engine) → policy gate → tool → output guardrail
//
// Every failure is converted into a typed Outcome plus an audit event; nothing
// escapes Handle as an error.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"opsagent/internal/audit"
	"opsagent/internal/guardrail"
	"opsagent/internal/logging"
	"opsagent/internal/policy"
	"opsagent/internal/reasoning"
	"opsagent/internal/router"
	"opsagent/internal/tools"
	"opsagent/internal/tools/knowledge"
	"opsagent/internal/types"
)

// DegradedMessage is returned when a collaborator fails or times out.
const DegradedMessage = "The assistant is temporarily unavailable. Please try again shortly."

// Outcome classifies how a request ended.
type Outcome string

const (
	OutcomeAnswered         Outcome = "answered"
	OutcomeGuardrailBlocked Outcome = "guardrail_blocked"
	OutcomePolicyBlocked    Outcome = "policy_blocked"
	OutcomeToolError        Outcome = "tool_error"
	OutcomeAgentError       Outcome = "agent_error"
)

// Confidence labels shown next to answers.
const (
	ConfidenceDeterministic = "High (deterministic)"
	ConfidencePolicy        = "High (policy enforcement)"
	ConfidenceReasoning     = "Medium (reasoning)"
	ConfidenceNone          = "N/A"
)

// agent_error kinds.
const (
	KindTimeout     = "timeout"
	KindEngine      = "engine_error"
	KindStepLimit   = "step_limit"
	KindUnavailable = "unavailable"
	KindInternal    = "internal"
)

// Authorizer decides whether a tool call may run.
type Authorizer interface {
	Authorize(ctx context.Context, req types.Request, call types.ToolCall) types.PolicyDecision
}

// Executor runs authorized tool calls.
type Executor interface {
	Execute(ctx context.Context, name types.ToolName, args map[string]any) (*tools.ToolResult, error)
	Definitions() []tools.Definition
	Mutating(name types.ToolName) (mutating, registered bool)
}

// Config tunes the reasoning loop.
type Config struct {
	// MaxSteps bounds propose/execute rounds per delegated request.
	MaxSteps int

	// ReasoningTimeout bounds each call to the reasoning engine.
	ReasoningTimeout time.Duration

	// MaxHistory is the number of conversation turns kept for the engine.
	MaxHistory int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSteps:         6,
		ReasoningTimeout: 30 * time.Second,
		MaxHistory:       50,
	}
}

// Deps are the stages a Pipeline wires together.
type Deps struct {
	Input    *guardrail.InputGuard
	Output   *guardrail.OutputGuard
	Router   *router.Router
	Gate     Authorizer
	Tools    Executor
	Engine   reasoning.Engine
	Recorder audit.Recorder
}

// Result is what the caller shows the user.
type Result struct {
	RequestID  string
	Outcome    Outcome
	Text       string
	Path       types.Path
	Pattern    string
	Reason     types.ReasonCode
	Sources    []string
	Confidence string
	ToolsUsed  []types.ToolName
	Duration   time.Duration

	// read-only tool output the answer may repeat verbatim
	quoted []string
}

// Pipeline handles requests one at a time and keeps the chat history.
type Pipeline struct {
	deps   Deps
	config Config

	mu      sync.Mutex
	history []reasoning.Turn
}

// New creates a pipeline. Zero config fields take their defaults.
func New(deps Deps, cfg Config) *Pipeline {
	def := DefaultConfig()
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = def.MaxSteps
	}
	if cfg.ReasoningTimeout <= 0 {
		cfg.ReasoningTimeout = def.ReasoningTimeout
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	return &Pipeline{deps: deps, config: cfg}
}

// Handle processes one request end to end. Requests are serialized.
func (p *Pipeline) Handle(ctx context.Context, text string) *Result {
	return p.HandleRequest(ctx, types.NewRequest(text))
}

// HandleRequest is Handle for a request that already carries an id.
func (p *Pipeline) HandleRequest(ctx context.Context, req types.Request) (res *Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	log := logging.Get(logging.CategoryPipeline).WithRequestID(req.ID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("request panicked: %v", r)
			res = p.agentError(req, KindInternal, fmt.Errorf("panic: %v", r))
		}
		res.RequestID = req.ID
		res.Duration = time.Since(start)
		if res.Outcome != OutcomeGuardrailBlocked {
			p.remember(req.Text, res.Text)
		}
		log.Debug("finished with %s in %v", res.Outcome, res.Duration)
	}()

	if v := p.deps.Input.Screen(req); !v.Pass {
		return &Result{
			Outcome:    OutcomeGuardrailBlocked,
			Text:       guardrail.RefusalMessage,
			Reason:     v.Reason,
			Confidence: ConfidenceNone,
		}
	}

	route := p.deps.Router.Route(req)
	if route.Delegated() {
		res = p.delegate(ctx, req)
		res.Path = types.PathReasoning
	} else {
		res = p.direct(ctx, req, *route.Call)
		res.Path = types.PathDeterministic
		res.Pattern = route.Decision.MatchedPattern
	}

	if res.Outcome == OutcomeAgentError {
		return res
	}
	return p.screenOutput(req, res)
}

// direct runs the router's call.
func (p *Pipeline) direct(ctx context.Context, req types.Request, call types.ToolCall) *Result {
	st := p.runCall(ctx, req, call)
	switch {
	case st.decision != nil && !st.decision.Allowed:
		return policyBlocked(*st.decision)
	case st.timedOut():
		return p.agentError(req, KindTimeout, st.err)
	case st.err != nil:
		return &Result{
			Outcome:    OutcomeToolError,
			Text:       tools.Message(st.err),
			Confidence: ConfidenceDeterministic,
			ToolsUsed:  []types.ToolName{call.Tool},
		}
	}
	text, sources := knowledge.ExtractSources(st.result)
	res := &Result{
		Outcome:    OutcomeAnswered,
		Text:       text,
		Sources:    sources,
		Confidence: ConfidenceDeterministic,
		ToolsUsed:  []types.ToolName{call.Tool},
	}
	if !st.mutating {
		res.quoted = []string{text}
	}
	return res
}

// delegate runs the bounded propose → authorize → execute → observe loop.
func (p *Pipeline) delegate(ctx context.Context, req types.Request) *Result {
	if p.deps.Engine == nil {
		return p.agentError(req, KindUnavailable, reasoning.ErrEngineUnavailable)
	}

	var (
		observations []reasoning.Observation
		sources      []string
		used         []types.ToolName
		quoted       []string
	)
	preq := reasoning.ProposalRequest{
		RequestID: req.ID,
		Text:      req.Text,
		Tools:     p.deps.Tools.Definitions(),
		History:   p.historyCopy(),
	}

	for step := 1; step <= p.config.MaxSteps; step++ {
		preq.Observations = observations
		proposal, err := p.propose(ctx, preq)
		if err != nil {
			kind := KindEngine
			if errors.Is(err, context.DeadlineExceeded) {
				kind = KindTimeout
			}
			return p.agentError(req, kind, err)
		}

		if proposal.Answer != nil {
			return &Result{
				Outcome:    OutcomeAnswered,
				Text:       proposal.Answer.Text,
				Sources:    sources,
				Confidence: ConfidenceReasoning,
				ToolsUsed:  used,
				quoted:     quoted,
			}
		}
		if proposal.Call == nil {
			return p.agentError(req, KindEngine, fmt.Errorf("%w: empty proposal", reasoning.ErrEngineUnavailable))
		}

		call := *proposal.Call
		call.ID = types.CallRef(req.ID, step)
		call.Origin = types.PathReasoning
		// The user's own text decides confirmation, never the engine's arguments.
		call.Confirmed = router.Confirmed(req.Text)

		st := p.runCall(ctx, req, call)
		switch {
		case st.decision != nil && !st.decision.Allowed:
			return policyBlocked(*st.decision)
		case st.timedOut():
			return p.agentError(req, KindTimeout, st.err)
		}

		used = append(used, call.Tool)
		obs := reasoning.Observation{Call: call}
		if st.err != nil {
			obs.Result, obs.Failed = tools.Message(st.err), true
		} else {
			obs.Result = st.result
			text, found := knowledge.ExtractSources(st.result)
			sources = appendUnique(sources, found...)
			if !st.mutating {
				quoted = append(quoted, st.result, text)
			}
		}
		observations = append(observations, obs)
	}

	logging.PipelineWarn("request %s hit the step limit (%d)", req.ID, p.config.MaxSteps)
	return p.agentError(req, KindStepLimit, fmt.Errorf("no answer after %d steps", p.config.MaxSteps))
}

func (p *Pipeline) propose(ctx context.Context, preq reasoning.ProposalRequest) (types.Proposal, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.ReasoningTimeout)
	defer cancel()
	return p.deps.Engine.Propose(ctx, preq)
}

type stepResult struct {
	decision *types.PolicyDecision
	mutating bool
	result   string
	err      error
}

func (s stepResult) timedOut() bool {
	return s.err != nil && errors.Is(s.err, context.DeadlineExceeded)
}

// runCall authorizes call and, if allowed, executes it between tool_start and
// tool_end events. A blocked call never reaches the executor.
func (p *Pipeline) runCall(ctx context.Context, req types.Request, call types.ToolCall) stepResult {
	mutating, _ := p.deps.Tools.Mutating(call.Tool)
	call.Mutating = call.Mutating || mutating

	d := p.deps.Gate.Authorize(ctx, req, call)
	if !d.Allowed {
		return stepResult{decision: &d}
	}

	p.emit(audit.ToolStart(req.ID, call))
	res, err := p.deps.Tools.Execute(ctx, call.Tool, call.Arguments)

	var (
		duration int64
		errMsg   string
	)
	if res != nil {
		duration = res.DurationMs
	}
	if err != nil {
		errMsg = tools.Message(err)
	}
	p.emit(audit.ToolEnd(req.ID, call, call.Mutating, duration, errMsg))

	if err != nil {
		return stepResult{decision: &d, mutating: call.Mutating, err: err}
	}
	return stepResult{decision: &d, mutating: call.Mutating, result: res.Result}
}

func (p *Pipeline) screenOutput(req types.Request, res *Result) *Result {
	v := p.deps.Output.Screen(req.ID, res.Text, res.quoted, p.trail(req.ID))
	if v.Pass {
		return res
	}
	return &Result{
		Outcome:    OutcomeGuardrailBlocked,
		Text:       guardrail.RefusalMessage,
		Reason:     v.Reason,
		Path:       res.Path,
		Pattern:    res.Pattern,
		Confidence: ConfidenceNone,
		ToolsUsed:  res.ToolsUsed,
	}
}

func (p *Pipeline) agentError(req types.Request, kind string, err error) *Result {
	logging.PipelineWarn("request %s failed (%s): %v", req.ID, kind, err)
	p.emit(audit.AgentError(req.ID, kind, err))
	return &Result{
		Outcome:    OutcomeAgentError,
		Text:       DegradedMessage,
		Confidence: ConfidenceNone,
	}
}

func policyBlocked(d types.PolicyDecision) *Result {
	return &Result{
		Outcome:    OutcomePolicyBlocked,
		Text:       policy.RefusalJSON(d),
		Reason:     d.Reason,
		Confidence: ConfidencePolicy,
	}
}

func (p *Pipeline) emit(ev audit.Event) {
	if p.deps.Recorder != nil {
		p.deps.Recorder.Emit(ev)
	}
}

func (p *Pipeline) trail(requestID string) []audit.Event {
	if p.deps.Recorder == nil {
		return nil
	}
	return p.deps.Recorder.Trail(requestID)
}

// remember appends a completed turn. Caller holds p.mu.
func (p *Pipeline) remember(user, assistant string) {
	p.history = append(p.history,
		reasoning.Turn{Role: reasoning.RoleUser, Content: user},
		reasoning.Turn{Role: reasoning.RoleAssistant, Content: assistant},
	)
	if len(p.history) > p.config.MaxHistory {
		p.history = p.history[len(p.history)-p.config.MaxHistory:]
	}
}

func (p *Pipeline) historyCopy() []reasoning.Turn {
	out := make([]reasoning.Turn, len(p.history))
	copy(out, p.history)
	return out
}

// History returns a copy of the conversation so far.
func (p *Pipeline) History() []reasoning.Turn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.historyCopy()
}

// ClearHistory forgets the conversation.
func (p *Pipeline) ClearHistory() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = nil
}

func appendUnique(dst []string, items ...string) []string {
	for _, it := range items {
		found := false
		for _, d := range dst {
			if d == it {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, it)
		}
	}
	return dst
}
