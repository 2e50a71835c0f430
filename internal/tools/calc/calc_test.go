package calc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsagent/internal/tools"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		expr string
		want string
	}{
		{"(10 + 20 + 30) / 3", "20"},
		{"2 + 3 * 4", "14"},
		{"(2 + 3) * 4", "20"},
		{"10 / 4", "2.5"},
		{"7 % 3", "1"},
		{"-7 % 3", "2"},
		{"7 % -3", "-2"},
		{"2 ** 10", "1024"},
		{"2 ** 3 ** 2", "512"},
		{"-2 ** 2", "-4"},
		{"2 ** -1", "0.5"},
		{"-(3 - 5)", "2"},
		{"+4", "4"},
		{"--4", "4"},
		{"1.5 * 2", "3"},
		{".5 + .25", "0.75"},
		{"0.1 + 0.2", "0.30000000000000004"},
		{"1e3 / 4", "250"},
		{"0 * -1", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			v, err := Evaluate(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, Format(v))
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr string
	}{
		{"", "empty expression"},
		{"1 / 0", "division by zero"},
		{"5 % 0", "modulo by zero"},
		{"__import__('os')", "unsupported or unsafe expression"},
		{"2 + x", "unsupported or unsafe expression"},
		{"(1 + 2", "missing closing parenthesis"},
		{"1 +", "unexpected end of expression"},
		{"1 2", "unexpected \"2\""},
		{"1..2", "invalid number"},
		{"10 ** 400", "result out of range"},
		{"(-8) ** 0.5", "not a real number"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := Evaluate(tt.expr)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEvaluateRejectsDeepNesting(t *testing.T) {
	expr := ""
	for i := 0; i < 200; i++ {
		expr += "("
	}
	expr += "1"
	for i := 0; i < 200; i++ {
		expr += ")"
	}
	_, err := Evaluate(expr)
	assert.ErrorContains(t, err, "nested too deeply")
}

func TestTool(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, RegisterAll(reg))

	res, err := reg.Execute(context.Background(), "calculate", map[string]any{"expression": "(10 + 20 + 30) / 3"})
	require.NoError(t, err)
	assert.Equal(t, "20", res.Result)

	_, err = reg.Execute(context.Background(), "calculate", map[string]any{"expression": "1/0"})
	require.Error(t, err)
	assert.Equal(t, "Error evaluating expression: division by zero", tools.Message(err))

	_, err = reg.Execute(context.Background(), "calculate", map[string]any{"expression": 42})
	assert.ErrorIs(t, err, ErrUnsafe)
}
