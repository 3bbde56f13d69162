package gateexpr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateEmptyExpressionDefaultsTrue(t *testing.T) {
	e := New()
	ok, err := e.Evaluate("", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateArrayMembership(t *testing.T) {
	e := New()
	ctx := map[string]any{
		"event": map[string]any{
			"labels": []any{"bug", "p1"},
		},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"in operator finds element", `"bug" in event.labels`, true},
		{"in operator misses element", `"release" in event.labels`, false},
		{"has finds element", `has(event.labels, "p1")`, true},
		{"has misses element", `has(event.labels, "p0")`, false},
		{"includes is alias for has", `includes(event.labels, "bug")`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateCachesCompiledProgram(t *testing.T) {
	e := New()
	ctx := map[string]any{"event": map[string]any{"n": 1}}
	_, err := e.Evaluate("event.n == 1", ctx)
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)

	_, err = e.Evaluate("event.n == 1", ctx)
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)
}

func TestEvaluateRejectsCompileError(t *testing.T) {
	e := New()
	_, err := e.Evaluate("not : valid (", nil)
	assert.Error(t, err)
}

func TestEvaluateRejectsNonBooleanResult(t *testing.T) {
	e := New()
	_, err := e.Evaluate(`"not a bool"`, nil)
	assert.Error(t, err)
}
