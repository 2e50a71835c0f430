package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"opsagent/internal/logging"
	"opsagent/internal/types"
)

// Registry holds all available tools and provides lookup functionality.
// It is thread-safe.
type Registry struct {
	mu    sync.RWMutex
	tools map[types.ToolName]*Tool
}

// NewRegistry creates a new empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[types.ToolName]*Tool),
	}
}

// Register adds a tool to the registry.
// Returns an error if a tool with the same name already exists.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool %q: %w", tool.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Name)
	}

	r.tools[tool.Name] = tool
	logging.ToolsDebug("Registered tool: %s (mutating=%v)", tool.Name, tool.Mutating)
	return nil
}

// MustRegister registers a tool and panics on error.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Name, err))
	}
}

// Get returns a tool by name, or nil if not found.
func (r *Registry) Get(name types.ToolName) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has returns true if a tool with the given name is registered.
func (r *Registry) Has(name types.ToolName) bool {
	return r.Get(name) != nil
}

// Mutating reports whether name is registered and whether it changes state.
// A name the closed set marks as mutating is always reported as mutating.
func (r *Registry) Mutating(name types.ToolName) (bool, bool) {
	tool := r.Get(name)
	if tool == nil {
		return false, false
	}
	return tool.Mutating || name.IsMutating(), true
}

// All returns registered tools in allowlist order.
func (r *Registry) All() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Tool, 0, len(r.tools))
	for _, name := range types.AllToolNames() {
		if tool, ok := r.tools[name]; ok {
			result = append(result, tool)
		}
	}
	return result
}

// Definitions returns the schema view of every registered tool.
func (r *Registry) Definitions() []Definition {
	all := r.All()
	defs := make([]Definition, 0, len(all))
	for _, t := range all {
		defs = append(defs, Definition{
			Name:        t.Name,
			Description: t.Description,
			Mutating:    t.Mutating,
			Schema:      t.Schema,
		})
	}
	return defs
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute runs a tool by name with the given arguments. Callers must have
// obtained an allowed PolicyDecision for the call first.
func (r *Registry) Execute(ctx context.Context, name types.ToolName, args map[string]any) (*ToolResult, error) {
	tool := r.Get(name)
	if tool == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return r.ExecuteTool(ctx, tool, args)
}

// ExecuteTool runs a specific tool with the given arguments. A panicking
// tool is reported as a failed execution.
func (r *Registry) ExecuteTool(ctx context.Context, tool *Tool, args map[string]any) (res *ToolResult, err error) {
	start := time.Now()

	if err := r.validateArgs(tool, args); err != nil {
		err = Failure(err, fmt.Sprintf("Error: %s requires argument '%s'.", tool.Name, missingArg(tool, args)))
		return &ToolResult{
			ToolName:   tool.Name,
			Error:      err,
			DurationMs: time.Since(start).Milliseconds(),
		}, err
	}

	defer func() {
		if p := recover(); p != nil {
			logging.ToolsError("Tool %s panicked: %v", tool.Name, p)
			err = Failure(fmt.Errorf("panic: %v", p), fmt.Sprintf("Error: tool '%s' failed unexpectedly.", tool.Name))
			res = &ToolResult{ToolName: tool.Name, Error: err, DurationMs: time.Since(start).Milliseconds()}
		}
	}()

	logging.ToolsDebug("Executing tool: %s", tool.Name)
	result, err := tool.Execute(ctx, args)

	duration := time.Since(start)
	logging.ToolsDebug("Tool %s completed in %v (success=%v)", tool.Name, duration, err == nil)

	return &ToolResult{
		ToolName:   tool.Name,
		Result:     result,
		Error:      err,
		DurationMs: duration.Milliseconds(),
	}, err
}

// validateArgs checks that all required arguments are present.
func (r *Registry) validateArgs(tool *Tool, args map[string]any) error {
	if name := missingArg(tool, args); name != "" {
		return fmt.Errorf("%w: %s", ErrMissingRequiredArg, name)
	}
	return nil
}

func missingArg(tool *Tool, args map[string]any) string {
	for _, required := range tool.Schema.Required {
		if v, ok := args[required]; !ok || v == nil {
			return required
		}
	}
	return ""
}
