package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IncludeBrake/TractionBuild-sub002/pkg/schema"
)

func TestPhaseFSM_ValidTransitions(t *testing.T) {
	log := &memEvents{}
	fsm := NewPhaseFSM(schema.DefaultPipeline(), log)
	ctx := context.Background()

	cases := []struct {
		from, to schema.Phase
	}{
		{schema.PhaseInitialization, schema.PhaseMarketResearch},
		{schema.PhaseMarketResearch, schema.PhasePlanning},
		{schema.PhaseMarketResearch, schema.PhaseRecovery},
		{schema.PhaseRecovery, schema.PhaseMarketResearch},
		{schema.PhaseRecovery, schema.PhaseError},
		{schema.PhaseSynthesis, schema.PhaseCompleted},
		// Skip-ahead to a later phase.
		{schema.PhaseInitialization, schema.PhaseSynthesis},
		{schema.PhasePlanning, schema.PhaseCompleted},
	}
	for _, tc := range cases {
		assert.NoError(t, fsm.Transition(ctx, "p1", tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestPhaseFSM_InvalidTransitions(t *testing.T) {
	log := &memEvents{}
	fsm := NewPhaseFSM(schema.DefaultPipeline(), log)
	ctx := context.Background()

	cases := []struct {
		from, to schema.Phase
	}{
		// Backwards.
		{schema.PhaseSynthesis, schema.PhaseInitialization},
		{schema.PhasePlanning, schema.PhaseMarketResearch},
		// Out of a terminal.
		{schema.PhaseCompleted, schema.PhaseInitialization},
		{schema.PhaseError, schema.PhaseRecovery},
		// Unknown phase.
		{schema.Phase("LAUNCH"), schema.PhaseCompleted},
	}
	for _, tc := range cases {
		err := fsm.Transition(ctx, "p1", tc.from, tc.to)
		require.Error(t, err, "%s -> %s", tc.from, tc.to)
		terr := &schema.TractionError{}
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, schema.ErrCodeInvalidTransition, terr.Code)
	}
	assert.Empty(t, log.events, "rejected transitions must not emit events")
}

func TestPhaseFSM_EmitsStatusUpdateBeforeTerminalMarker(t *testing.T) {
	log := &memEvents{}
	fsm := NewPhaseFSM(schema.DefaultPipeline(), log)

	require.NoError(t, fsm.Transition(context.Background(), "p1", schema.PhaseSynthesis, schema.PhaseCompleted))

	require.Len(t, log.events, 2)
	assert.Equal(t, schema.EventStatusUpdate, log.events[0].Type)
	assert.Equal(t, schema.PhaseSynthesis, log.events[0].Phase)
	assert.Equal(t, schema.EventProjectCompleted, log.events[1].Type)
	assert.Less(t, log.events[0].Sequence, log.events[1].Sequence)
}

func TestPhaseFSM_ErrorTerminalMarker(t *testing.T) {
	log := &memEvents{}
	fsm := NewPhaseFSM(schema.DefaultPipeline(), log)

	require.NoError(t, fsm.Transition(context.Background(), "p1", schema.PhasePlanning, schema.PhaseError))

	require.Len(t, log.events, 2)
	assert.Equal(t, schema.EventProjectFailed, log.events[1].Type)
}

func TestPhaseFSM_Hooks(t *testing.T) {
	log := &memEvents{}
	fsm := NewPhaseFSM(schema.DefaultPipeline(), log)
	ctx := context.Background()

	var order []string
	fsm.OnBefore(schema.PhaseInitialization, schema.PhaseMarketResearch, func(from, to schema.Phase) error {
		order = append(order, "before")
		return nil
	})
	fsm.OnAfter(schema.PhaseInitialization, schema.PhaseMarketResearch, func(from, to schema.Phase) error {
		order = append(order, "after")
		return nil
	})

	require.NoError(t, fsm.Transition(ctx, "p1", schema.PhaseInitialization, schema.PhaseMarketResearch))
	assert.Equal(t, []string{"before", "after"}, order)
}

func TestPhaseFSM_BeforeHookAbortsTransition(t *testing.T) {
	log := &memEvents{}
	fsm := NewPhaseFSM(schema.DefaultPipeline(), log)

	fsm.OnBefore(schema.PhaseInitialization, schema.PhaseMarketResearch, func(from, to schema.Phase) error {
		return schema.NewError(schema.ErrCodeConflict, "not yet")
	})

	err := fsm.Transition(context.Background(), "p1", schema.PhaseInitialization, schema.PhaseMarketResearch)
	require.Error(t, err)
	assert.Empty(t, log.events, "aborted transition must not emit events")
}

func TestPhaseFSM_Allowed(t *testing.T) {
	fsm := NewPhaseFSM(schema.DefaultPipeline(), &memEvents{})

	allowed := fsm.Allowed(schema.PhaseSynthesis)
	assert.Contains(t, allowed, schema.PhaseCompleted)
	assert.Contains(t, allowed, schema.PhaseRecovery)
	assert.Contains(t, allowed, schema.PhaseError)
	assert.NotContains(t, allowed, schema.PhaseInitialization)

	assert.Empty(t, fsm.Allowed(schema.PhaseCompleted))
	assert.Empty(t, fsm.Allowed(schema.PhaseError))
}
