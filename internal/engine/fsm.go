package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/IncludeBrake/TractionBuild-sub002/internal/store"
	"github.com/IncludeBrake/TractionBuild-sub002/pkg/schema"
)

// TransitionHook is called before or after a phase transition.
type TransitionHook func(from, to schema.Phase) error

// EventAppender is satisfied by the EventLog; the FSM emits events
// through it on every transition.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type hookKey struct {
	from, to schema.Phase
}

// PhaseFSM validates and executes project phase transitions. The
// transition table is derived from the pipeline configuration; RECOVERY
// can re-enter any configured phase. Every transition appends a
// status_update event before the caller persists the new phase, so the
// log never lags the visible state.
type PhaseFSM struct {
	mu       sync.Mutex
	appender EventAppender
	allowed  map[schema.Phase][]schema.Phase
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewPhaseFSM builds the FSM for a pipeline, emitting events via the
// given appender.
func NewPhaseFSM(pipeline *schema.Pipeline, appender EventAppender) *PhaseFSM {
	return &PhaseFSM{
		appender: appender,
		allowed:  buildTransitionTable(pipeline),
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error
// aborts the transition and suppresses the event.
func (f *PhaseFSM) OnBefore(from, to schema.Phase, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *PhaseFSM) OnAfter(from, to schema.Phase, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a phase transition, appending the
// status_update event (plus a terminal marker for COMPLETED/ERROR). The
// caller persists the new phase afterwards.
func (f *PhaseFSM) Transition(ctx context.Context, projectID string, from, to schema.Phase) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.isValid(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid phase transition: %s -> %s", from, to).
			WithProject(projectID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	payload, _ := json.Marshal(map[string]any{"from": from, "to": to})
	event := &store.Event{
		ProjectID: projectID,
		Phase:     from,
		Type:      schema.EventStatusUpdate,
		Payload:   payload,
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit status update: %s", err.Error()).
			WithProject(projectID).WithCause(err)
	}

	if marker := terminalEventType(to); marker != "" {
		event := &store.Event{ProjectID: projectID, Phase: to, Type: marker}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit terminal event: %s", err.Error()).
				WithProject(projectID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	return nil
}

// Allowed returns the valid destinations from a phase.
func (f *PhaseFSM) Allowed(from schema.Phase) []schema.Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schema.Phase, len(f.allowed[from]))
	copy(out, f.allowed[from])
	return out
}

func (f *PhaseFSM) isValid(from, to schema.Phase) bool {
	for _, a := range f.allowed[from] {
		if a == to {
			return true
		}
	}
	return false
}

// buildTransitionTable derives the allowed transitions from the phase
// specs. Every configured phase may reach its declared successor, any
// later phase, both terminals, RECOVERY, and the configured
// permanent-failure override; RECOVERY may re-enter any configured
// phase or finish through either terminal.
func buildTransitionTable(pipeline *schema.Pipeline) map[schema.Phase][]schema.Phase {
	table := make(map[schema.Phase][]schema.Phase)

	order := pipeline.Phases()
	recoveryTargets := []schema.Phase{schema.PhaseError, schema.PhaseCompleted}
	for i, phase := range order {
		spec, _ := pipeline.Spec(phase)

		dests := []schema.Phase{spec.NextOnSuccess, schema.PhaseRecovery,
			schema.PhaseError, schema.PhaseCompleted}
		if spec.NextOnPermanentFailure != "" {
			dests = append(dests, spec.NextOnPermanentFailure)
		}
		// Skip-ahead directives may jump to any later phase, never back.
		dests = append(dests, order[i+1:]...)
		table[phase] = dedupe(dests)

		recoveryTargets = append(recoveryTargets, phase, spec.NextOnSuccess)
	}
	table[schema.PhaseRecovery] = dedupe(recoveryTargets)

	table[schema.PhaseCompleted] = nil
	table[schema.PhaseError] = nil
	return table
}

func dedupe(phases []schema.Phase) []schema.Phase {
	seen := make(map[schema.Phase]struct{}, len(phases))
	var out []schema.Phase
	for _, p := range phases {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func terminalEventType(to schema.Phase) string {
	switch to {
	case schema.PhaseCompleted:
		return schema.EventProjectCompleted
	case schema.PhaseError:
		return schema.EventProjectFailed
	default:
		return ""
	}
}
