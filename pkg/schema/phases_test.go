package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPipeline_Shape(t *testing.T) {
	p := DefaultPipeline()

	assert.Equal(t, PhaseInitialization, p.Entry())
	assert.Len(t, p.Phases(), 5)

	// Every non-terminal phase chains to exactly one successor and the
	// chain ends at COMPLETED.
	phase := p.Entry()
	seen := map[Phase]bool{}
	for !phase.Terminal() {
		require.False(t, seen[phase], "cycle at %s", phase)
		seen[phase] = true
		spec, ok := p.Spec(phase)
		require.True(t, ok, "missing spec for %s", phase)
		require.NotEmpty(t, spec.Candidates)
		phase = spec.NextOnSuccess
	}
	assert.Equal(t, PhaseCompleted, phase)
}

func TestNewPipeline_Validation(t *testing.T) {
	_, err := NewPipeline(&PhaseSpec{Phase: PhasePlanning, Candidates: []string{"a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "next_on_success")

	_, err = NewPipeline(&PhaseSpec{Phase: PhasePlanning, NextOnSuccess: PhaseCompleted})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "candidate")

	_, err = NewPipeline(
		&PhaseSpec{Phase: PhasePlanning, NextOnSuccess: PhaseCompleted, Candidates: []string{"a"}},
		&PhaseSpec{Phase: PhasePlanning, NextOnSuccess: PhaseCompleted, Candidates: []string{"b"}},
	)
	require.Error(t, err)

	_, err = NewPipeline(&PhaseSpec{Phase: PhaseCompleted, NextOnSuccess: PhaseError, Candidates: []string{"a"}})
	require.Error(t, err)
}

func TestPhaseSpec_Defaults(t *testing.T) {
	s := &PhaseSpec{Phase: PhasePlanning}
	assert.Equal(t, DefaultPhaseTimeout, s.PhaseTimeout())
	assert.Equal(t, DefaultMaxRetries, s.RetryLimit())
}

func TestExecutionResult_Validate(t *testing.T) {
	meta := ExecutionMeta{Crew: "market_crew", ProjectID: "p-1", Phase: PhaseMarketResearch}

	ok := NewSuccessResult(map[string]any{"summary": "viable"}, meta)
	require.NoError(t, ok.Validate())
	assert.True(t, ok.Success())

	fail := NewFailureResult(CategoryTransient, "rate limited", meta)
	require.NoError(t, fail.Validate())
	assert.False(t, fail.Success())

	// Failure without a category violates the envelope invariant.
	bad := &ExecutionResult{Status: StatusError, Meta: meta}
	require.Error(t, bad.Validate())

	// Unknown status violates the envelope invariant.
	unknown := &ExecutionResult{Status: "maybe"}
	require.Error(t, unknown.Validate())
}
