package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IncludeBrake/TractionBuild-sub002/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewEventLog(s), s
}

func TestEventLog_AppendEvent_MonotonicSequence(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := &Event{ProjectID: "proj-1", Type: schema.EventStatusUpdate}
		require.NoError(t, el.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestEventLog_ProjectScopedSequences(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	require.NoError(t, el.AppendEvent(ctx, &Event{ProjectID: "a", Type: schema.EventProjectStarted}))
	require.NoError(t, el.AppendEvent(ctx, &Event{ProjectID: "b", Type: schema.EventProjectStarted}))
	require.NoError(t, el.AppendEvent(ctx, &Event{ProjectID: "a", Type: schema.EventStatusUpdate}))

	a, err := el.GetEvents(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, a, 2)
	assert.Equal(t, int64(1), a[0].Sequence)
	assert.Equal(t, int64(2), a[1].Sequence)

	b, err := el.GetEvents(ctx, "b", 0)
	require.NoError(t, err)
	require.Len(t, b, 1)
	assert.Equal(t, int64(1), b[0].Sequence)
}

func TestEventLog_EventsSince(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	early := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, el.AppendEvent(ctx, &Event{
		ProjectID: "proj-1", Type: schema.EventProjectStarted, Timestamp: early,
	}))
	require.NoError(t, el.AppendEvent(ctx, &Event{
		ProjectID: "proj-1", Type: schema.EventStatusUpdate,
	}))

	// Replay from a point between the two events.
	events, err := el.EventsSince(ctx, "proj-1", early.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventStatusUpdate, events[0].Type)

	// Replay from the beginning returns everything in append order.
	events, err = el.EventsSince(ctx, "proj-1", early.Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestEventLog_GetEventsByType(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	require.NoError(t, el.AppendEvent(ctx, &Event{ProjectID: "proj-1", Type: schema.EventStatusUpdate}))
	require.NoError(t, el.AppendEvent(ctx, &Event{ProjectID: "proj-1", Type: schema.EventSoftBudgetWarning}))
	require.NoError(t, el.AppendEvent(ctx, &Event{ProjectID: "proj-2", Type: schema.EventSoftBudgetWarning}))

	warnings, err := el.GetEventsByType(ctx, schema.EventSoftBudgetWarning, EventFilter{ProjectID: "proj-1"})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, "proj-1", warnings[0].ProjectID)
}

func TestEventLog_Replay_FullLifecycle(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()
	projectID := "proj-replay"

	append := func(eventType string, phase schema.Phase, payload any) {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		require.NoError(t, el.AppendEvent(ctx, &Event{
			ProjectID: projectID, Phase: phase, Type: eventType, Payload: raw,
		}))
	}

	append(schema.EventProjectStarted, schema.PhaseInitialization,
		map[string]any{"phase": schema.PhaseInitialization})
	append(schema.EventStepComplete, schema.PhaseInitialization,
		map[string]any{"phase": schema.PhaseInitialization, "content": map[string]any{"normalized": "idea"}})
	append(schema.EventStatusUpdate, schema.PhaseInitialization,
		map[string]any{"from": schema.PhaseInitialization, "to": schema.PhaseMarketResearch})
	append(schema.EventPhaseRetrying, schema.PhaseMarketResearch,
		map[string]any{"phase": schema.PhaseMarketResearch, "attempt": 1,
			"category": schema.CategoryTransient, "message": "rate limited"})
	append(schema.EventStatusUpdate, schema.PhaseMarketResearch,
		map[string]any{"from": schema.PhaseMarketResearch, "to": schema.PhaseRecovery})

	state, err := el.Replay(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, schema.PhaseRecovery, state.Phase)
	assert.Equal(t, []schema.Phase{schema.PhaseInitialization, schema.PhaseMarketResearch}, state.PhaseHistory)
	assert.Equal(t, map[string]any{"normalized": "idea"}, state.Artifacts[schema.PhaseInitialization])
	require.NotNil(t, state.Retries[schema.PhaseMarketResearch])
	assert.Equal(t, 1, state.Retries[schema.PhaseMarketResearch].Attempts)
	assert.Equal(t, schema.CategoryTransient, state.Retries[schema.PhaseMarketResearch].LastCategory)
	assert.False(t, state.Paused)
}

func TestEventLog_Replay_PauseResume(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()
	projectID := "proj-pause"

	payload, _ := json.Marshal(map[string]any{"reason": schema.ReasonTransientExhausted})
	require.NoError(t, el.AppendEvent(ctx, &Event{
		ProjectID: projectID, Type: schema.EventHumanIntervention, Payload: payload,
	}))

	state, err := el.Replay(ctx, projectID)
	require.NoError(t, err)
	assert.True(t, state.Paused)
	assert.Equal(t, schema.ReasonTransientExhausted, state.PauseReason)

	require.NoError(t, el.AppendEvent(ctx, &Event{
		ProjectID: projectID, Type: schema.EventProjectResumed,
	}))

	state, err = el.Replay(ctx, projectID)
	require.NoError(t, err)
	assert.False(t, state.Paused)
	assert.Empty(t, state.PauseReason)
}

func TestEventLog_Replay_Empty(t *testing.T) {
	el, _ := newTestEventLog(t)

	state, err := el.Replay(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Empty(t, state.Phase)
	assert.Empty(t, state.Artifacts)
}

func TestEventLog_Replay_SequenceGap(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()

	require.NoError(t, el.AppendEvent(ctx, &Event{ProjectID: "proj-gap", Type: schema.EventProjectStarted}))
	require.NoError(t, el.AppendEvent(ctx, &Event{ProjectID: "proj-gap", Type: schema.EventStatusUpdate}))

	// Simulate corruption: remove the first event.
	_, err := s.DB().ExecContext(ctx, `DELETE FROM events WHERE project_id = ? AND sequence = 1`, "proj-gap")
	require.NoError(t, err)

	_, err = el.Replay(ctx, "proj-gap")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence gap")
}

func TestEventLog_ConcurrentAppend_DifferentProjects(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	const perProject = 10
	var wg sync.WaitGroup
	for _, projectID := range []string{"pa", "pb", "pc"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < perProject; i++ {
				_ = el.AppendEvent(ctx, &Event{
					ProjectID: id,
					Type:      schema.EventStatusUpdate,
					Payload:   json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)),
				})
			}
		}(projectID)
	}
	wg.Wait()

	for _, projectID := range []string{"pa", "pb", "pc"} {
		events, err := el.GetEvents(ctx, projectID, 0)
		require.NoError(t, err)
		require.Len(t, events, perProject)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Sequence, "project %s", projectID)
		}
	}
}
