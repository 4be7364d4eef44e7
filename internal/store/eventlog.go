package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IncludeBrake/TractionBuild-sub002/pkg/schema"
)

// EventLog provides ordered append and replay operations on top of a
// LibSQLStore. It is the single source of truth for what happened to a
// project.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event log operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing
// per-project sequence. Appends for one project never interleave.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := el.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "begin tx: %s", err.Error()).WithCause(err)
	}
	defer tx.Rollback()

	if err := appendEventTx(ctx, tx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append event: %s", err.Error()).WithCause(err)
	}
	if err := tx.Commit(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "commit event: %s", err.Error()).WithCause(err)
	}
	return nil
}

// GetEvents returns events for a project with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, projectID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, projectID, since)
}

// EventsSince returns a project's events with timestamp >= since, in
// append order. Consumers that lost their connection use this to catch
// up from their last observed timestamp.
func (el *EventLog) EventsSince(ctx context.Context, projectID string, since time.Time) ([]*Event, error) {
	return el.store.GetEventsSince(ctx, projectID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// ReplayState is the project view reconstructed from the event log.
type ReplayState struct {
	Phase        schema.Phase
	PhaseHistory []schema.Phase
	Artifacts    map[schema.Phase]map[string]any
	Retries      map[schema.Phase]*RetryState
	Paused       bool
	PauseReason  string
}

// Replay folds all events for a project into a ReplayState, validating
// sequence contiguity along the way.
func (el *EventLog) Replay(ctx context.Context, projectID string) (*ReplayState, error) {
	events, err := el.store.GetEvents(ctx, projectID, 0)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get events for replay: %s", err.Error()).WithCause(err)
	}

	state := &ReplayState{
		Artifacts: make(map[schema.Phase]map[string]any),
		Retries:   make(map[schema.Phase]*RetryState),
	}
	if len(events) == 0 {
		return state, nil
	}

	// Validate sequence contiguity — a gap means the log was corrupted
	// or partially deleted, and replay results would lie.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in project %s: expected %d, got %d", projectID, expected, e.Sequence)
		}
	}

	for _, e := range events {
		switch e.Type {
		case schema.EventProjectStarted:
			var payload struct {
				Phase schema.Phase `json:"phase"`
			}
			if err := json.Unmarshal(e.Payload, &payload); err == nil && payload.Phase != "" {
				state.Phase = payload.Phase
			}

		case schema.EventStatusUpdate:
			var payload struct {
				From schema.Phase `json:"from"`
				To   schema.Phase `json:"to"`
			}
			if err := json.Unmarshal(e.Payload, &payload); err == nil && payload.To != "" {
				if state.Phase != "" {
					state.PhaseHistory = append(state.PhaseHistory, state.Phase)
				}
				state.Phase = payload.To
			}

		case schema.EventStepComplete:
			var payload struct {
				Phase   schema.Phase   `json:"phase"`
				Content map[string]any `json:"content"`
			}
			if err := json.Unmarshal(e.Payload, &payload); err == nil && payload.Phase != "" {
				state.Artifacts[payload.Phase] = payload.Content
			}

		case schema.EventPhaseRetrying:
			if e.Phase != "" {
				rs := state.Retries[e.Phase]
				if rs == nil {
					rs = &RetryState{}
					state.Retries[e.Phase] = rs
				}
				rs.Attempts++
				var payload struct {
					Category schema.ErrorCategory `json:"category"`
					Message  string               `json:"message"`
				}
				if err := json.Unmarshal(e.Payload, &payload); err == nil {
					rs.LastCategory = payload.Category
					rs.LastError = payload.Message
				}
			}

		case schema.EventHumanIntervention:
			var payload struct {
				Reason string `json:"reason"`
			}
			state.Paused = true
			if err := json.Unmarshal(e.Payload, &payload); err == nil {
				state.PauseReason = payload.Reason
			}

		case schema.EventProjectResumed:
			state.Paused = false
			state.PauseReason = ""
		}
	}

	return state, nil
}
