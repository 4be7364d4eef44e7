package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IncludeBrake/TractionBuild-sub002/pkg/schema"
)

func TestCELGuardEvaluation(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	data := map[string]any{
		"project":   map[string]any{"id": "p1", "idea": "meal kit service"},
		"artifacts": map[string]any{"MARKET_RESEARCH": map[string]any{"viable": true}},
		"budget":    map[string]any{"used": int64(50), "hard_cap": int64(100)},
		"retries":   map[string]any{"PLANNING": 1},
	}

	ok, err := eng.EvaluateBool(ctx, `artifacts.MARKET_RESEARCH.viable == true`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = eng.EvaluateBool(ctx, `budget.used < budget.hard_cap`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = eng.EvaluateBool(ctx, `retries.PLANNING > 2`, data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCELMissingKeysDefaultToEmptyMaps(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	out, err := eng.Evaluate(context.Background(), `"PLANNING" in artifacts`, nil)
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCELCompileErrors(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	_, err = eng.Evaluate(context.Background(), `project..broken`, nil)
	require.Error(t, err)
	var terr *schema.TractionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, schema.ErrCodeValidation, terr.Code)

	_, err = eng.Evaluate(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestCELNonBoolGuard(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	_, err = eng.EvaluateBool(context.Background(), `1 + 1`, nil)
	require.Error(t, err)
	var terr *schema.TractionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, schema.ErrCodeValidation, terr.Code)
}

func TestExprCostRule(t *testing.T) {
	eng := NewExprEngine()
	ctx := context.Background()

	data := map[string]any{
		"idea_length": 400,
		"attempt":     2,
	}

	cost, err := eng.EvaluateInt(ctx, `idea_length / 4 + 200`, data)
	require.NoError(t, err)
	assert.Equal(t, int64(300), cost)

	// Retries escalate the estimate.
	cost, err = eng.EvaluateInt(ctx, `(idea_length / 4 + 200) * (attempt + 1)`, data)
	require.NoError(t, err)
	assert.Equal(t, int64(900), cost)
}

func TestExprNilCoalescing(t *testing.T) {
	eng := NewExprEngine()

	out, err := eng.Evaluate(context.Background(), `missing ?? 42`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestExprNonNumericCostRule(t *testing.T) {
	eng := NewExprEngine()

	_, err := eng.EvaluateInt(context.Background(), `"not a number"`, nil)
	require.Error(t, err)
	var terr *schema.TractionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, schema.ErrCodeValidation, terr.Code)
}

func TestGoJQExtraction(t *testing.T) {
	eng := NewGoJQEngine()
	ctx := context.Background()

	data := map[string]any{
		"report": map[string]any{
			"recommendation": "proceed_with_validation",
			"scores":         []any{3, 5, 4},
		},
	}

	out, err := eng.Evaluate(ctx, `.report.recommendation`, data)
	require.NoError(t, err)
	assert.Equal(t, "proceed_with_validation", out)

	out, err = eng.Evaluate(ctx, `[.report.scores[]] | add`, data)
	require.NoError(t, err)
	assert.Equal(t, float64(12), out)
}

func TestGoJQMultipleOutputs(t *testing.T) {
	eng := NewGoJQEngine()

	out, err := eng.Evaluate(context.Background(), `.items[]`,
		map[string]any{"items": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)

	all, err := eng.EvaluateAll(context.Background(), `.missing`,
		map[string]any{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Nil(t, all[0])
}

func TestGoJQParseError(t *testing.T) {
	eng := NewGoJQEngine()

	_, err := eng.Evaluate(context.Background(), `.[[[`, nil)
	require.Error(t, err)
	var terr *schema.TractionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, schema.ErrCodeValidation, terr.Code)
}

func TestGoJQEnvIsSandboxed(t *testing.T) {
	eng := NewGoJQEngine()

	out, err := eng.Evaluate(context.Background(), `env.PATH`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestEngineNames(t *testing.T) {
	cel, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", cel.Name())
	assert.Equal(t, "expr", NewExprEngine().Name())
	assert.Equal(t, "jq", NewGoJQEngine().Name())
}
