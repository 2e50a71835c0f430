package calc

import (
	"context"
	"fmt"

	"opsagent/internal/tools"
	"opsagent/internal/types"
)

// Tool returns the calculate tool.
func Tool() *tools.Tool {
	return &tools.Tool{
		Name:        types.ToolCalculate,
		Description: "Safely evaluate an arithmetic expression. Supports + - * / % **, unary signs and parentheses.",
		Execute:     execute,
		Schema: tools.ToolSchema{
			Required: []string{"expression"},
			Properties: map[string]tools.Property{
				"expression": {
					Type:        "string",
					Description: "Arithmetic expression, for example (10 + 20 + 30) / 3",
				},
			},
		},
	}
}

func execute(ctx context.Context, args map[string]any) (string, error) {
	expr, ok := args["expression"].(string)
	if !ok {
		return "", tools.Failure(ErrUnsafe, "Error evaluating expression: expression must be a string")
	}
	v, err := Evaluate(expr)
	if err != nil {
		return "", tools.Failure(err, fmt.Sprintf("Error evaluating expression: %v", err))
	}
	return Format(v), nil
}

// RegisterAll registers the arithmetic tools.
func RegisterAll(registry *tools.Registry) error {
	return registry.Register(Tool())
}
