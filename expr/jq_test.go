package expr_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/flow/expr"
	"goa.design/flow/flowerrors"
)

func TestEvaluateBareExpressionKeepsType(t *testing.T) {
	ev := expr.NewJQ()
	data := map[string]any{"count": 2, "name": "wf", "nested": map[string]any{"ok": true}}

	v, err := ev.Evaluate(context.Background(), "<% .count %>", data)
	require.NoError(t, err)
	assert.Equal(t, float64(2), v)

	v, err = ev.Evaluate(context.Background(), "<% .nested.ok %>", data)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = ev.Evaluate(context.Background(), "<% .missing %>", data)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEvaluateInterpolation(t *testing.T) {
	ev := expr.NewJQ()
	data := map[string]any{"result1": 1, "result2": "two"}

	v, err := ev.Evaluate(context.Background(), "<% .result1 %>,<% .result2 %>", data)
	require.NoError(t, err)
	assert.Equal(t, "1,two", v)

	v, err = ev.Evaluate(context.Background(), "value=<% .result1 %>!", data)
	require.NoError(t, err)
	assert.Equal(t, "value=1!", v)
}

func TestEvaluateMissingValuesRenderNone(t *testing.T) {
	ev := expr.NewJQ()

	v, err := ev.Evaluate(context.Background(), "<% .a %>,<% .b %>,<% .c %>",
		map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, "1,None,None", v)
}

func TestEvaluatePlainStringPassesThrough(t *testing.T) {
	ev := expr.NewJQ()

	v, err := ev.Evaluate(context.Background(), "no templates here", nil)
	require.NoError(t, err)
	assert.Equal(t, "no templates here", v)
}

func TestEvaluateComparison(t *testing.T) {
	ev := expr.NewJQ()
	data := map[string]any{"result2": 2}

	v, err := ev.Evaluate(context.Background(), "<% .result2 == 2 %>", data)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = ev.Evaluate(context.Background(), "<% .result2 == 11111 %>", data)
	require.NoError(t, err)
	assert.Equal(t, false, v)
}

func TestEvaluateParseErrors(t *testing.T) {
	ev := expr.NewJQ()

	_, err := ev.Evaluate(context.Background(), "<% wrong(expression %>", nil)
	require.Error(t, err)
	assert.True(t, flowerrors.IsKind(err, flowerrors.KindExpression))
}

func TestEvaluateAnyWalksStructures(t *testing.T) {
	ev := expr.NewJQ()
	data := map[string]any{"x": "deep"}

	v, err := expr.EvaluateAny(context.Background(), ev, map[string]any{
		"direct": "<% .x %>",
		"list":   []any{"<% .x %>", 7},
		"plain":  true,
	}, data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"direct": "deep",
		"list":   []any{"deep", 7},
		"plain":  true,
	}, v)
}

func TestTruthy(t *testing.T) {
	assert.False(t, expr.Truthy(nil))
	assert.False(t, expr.Truthy(false))
	assert.False(t, expr.Truthy(0))
	assert.False(t, expr.Truthy(float64(0)))
	assert.False(t, expr.Truthy(""))
	assert.False(t, expr.Truthy(map[string]any{}))
	assert.False(t, expr.Truthy([]any{}))

	assert.True(t, expr.Truthy(true))
	assert.True(t, expr.Truthy(1))
	assert.True(t, expr.Truthy("x"))
	assert.True(t, expr.Truthy(map[string]any{"k": 1}))
}
