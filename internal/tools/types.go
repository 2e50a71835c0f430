// Package tools is the closed registry of actions the assistant can take.
//
// Every tool is a member of types.ToolName. Tools are registered once at
// start-up and invoked through Registry.Execute after the policy gate has
// allowed the call:
//
//	Proposal → policy.Gate.Authorize → Registry.Execute → Tool.Execute
package tools

import (
	"context"

	"opsagent/internal/types"
)

// Property describes a single parameter property for JSON schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// ToolSchema defines the JSON schema for tool arguments.
type ToolSchema struct {
	// Required lists parameters that must be provided.
	Required []string `json:"required"`

	// Properties describes each parameter.
	Properties map[string]Property `json:"properties"`
}

// JSONSchema renders the schema as a JSON Schema object, the shape function
// calling APIs expect.
func (s ToolSchema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		prop := map[string]any{"type": p.Type, "description": p.Description}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[name] = prop
	}
	required := s.Required
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// ExecuteFunc is the signature for tool execution.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool is one registered action.
type Tool struct {
	// Name must be a member of the closed tool set.
	Name types.ToolName

	// Description is shown to the reasoning engine.
	Description string

	// Mutating tools change ticket state and always require confirmation.
	Mutating bool

	Execute ExecuteFunc
	Schema  ToolSchema
}

// Validate checks if the tool definition is valid.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if !t.Name.Known() {
		return ErrToolNotAllowed
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	if t.Name.IsMutating() && !t.Mutating {
		return ErrMutatingMismatch
	}
	return nil
}

// Definition is the side-effect free view of a tool handed to the reasoning engine.
type Definition struct {
	Name        types.ToolName
	Description string
	Mutating    bool
	Schema      ToolSchema
}

// ToolResult wraps the result of tool execution with metadata.
type ToolResult struct {
	ToolName   types.ToolName
	Result     string
	Error      error
	DurationMs int64
}

// IsSuccess returns true if the tool executed without error.
func (r *ToolResult) IsSuccess() bool {
	return r.Error == nil
}
