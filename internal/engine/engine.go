// Package engine contains the workflow core: the phase state machine,
// the dispatcher pool, and the Advance loop that drives a project from
// INITIALIZATION to a terminal phase under budget and retry discipline.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/IncludeBrake/TractionBuild-sub002/internal/budget"
	"github.com/IncludeBrake/TractionBuild-sub002/internal/crews"
	"github.com/IncludeBrake/TractionBuild-sub002/internal/logging"
	"github.com/IncludeBrake/TractionBuild-sub002/internal/reliability"
	"github.com/IncludeBrake/TractionBuild-sub002/internal/router"
	"github.com/IncludeBrake/TractionBuild-sub002/internal/store"
	"github.com/IncludeBrake/TractionBuild-sub002/internal/streaming"
	"github.com/IncludeBrake/TractionBuild-sub002/pkg/schema"
)

// ProjectStore is the persistence surface the engine needs. The libsql
// store satisfies it.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *store.Project) error
	GetProject(ctx context.Context, id string) (*store.Project, error)
	UpdateProject(ctx context.Context, id string, update store.ProjectUpdate) error
}

// Deps carries every collaborator the engine uses. All dependencies are
// constructor-injected so multiple engines can coexist in one process.
type Deps struct {
	Pipeline    *schema.Pipeline
	Store       ProjectStore
	Events      EventAppender
	Dispatcher  *Dispatcher
	Crews       crews.CrewRegistry
	Router      *router.Router
	Reliability *reliability.Store
	Ledger      *budget.Ledger
	Breakers    *BreakerRegistry
	Guards      GuardEvaluator
	Costs       CostEvaluator
	Hub         streaming.EventHub
	Logger      *slog.Logger
	Backoff     BackoffConfig
}

// GuardEvaluator evaluates phase guard expressions. The CEL engine
// satisfies it.
type GuardEvaluator interface {
	EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error)
}

// CostEvaluator evaluates cost rule expressions. The Expr engine
// satisfies it.
type CostEvaluator interface {
	EvaluateInt(ctx context.Context, expression string, data map[string]any) (int64, error)
}

// Engine advances projects through the evaluation pipeline.
type Engine struct {
	pipeline    *schema.Pipeline
	store       ProjectStore
	events      EventAppender
	fsm         *PhaseFSM
	dispatcher  *Dispatcher
	crews       crews.CrewRegistry
	router      *router.Router
	reliability *reliability.Store
	ledger      *budget.Ledger
	breakers    *BreakerRegistry
	guards      GuardEvaluator
	costs       CostEvaluator
	hub         streaming.EventHub
	logger      *slog.Logger
	backoff     BackoffConfig
}

// New wires an engine from its dependencies.
func New(deps Deps) (*Engine, error) {
	switch {
	case deps.Pipeline == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a pipeline")
	case deps.Store == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a project store")
	case deps.Events == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires an event appender")
	case deps.Dispatcher == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a dispatcher")
	case deps.Crews == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a crew registry")
	case deps.Router == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a router")
	case deps.Reliability == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a reliability store")
	case deps.Ledger == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a budget ledger")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	breakers := deps.Breakers
	if breakers == nil {
		breakers = NewBreakerRegistry(DefaultBreakerConfig())
	}
	backoff := deps.Backoff
	if backoff.Strategy == "" {
		backoff = DefaultBackoff()
	}

	return &Engine{
		pipeline:    deps.Pipeline,
		store:       deps.Store,
		events:      deps.Events,
		fsm:         NewPhaseFSM(deps.Pipeline, deps.Events),
		dispatcher:  deps.Dispatcher,
		crews:       deps.Crews,
		router:      deps.Router,
		reliability: deps.Reliability,
		ledger:      deps.Ledger,
		breakers:    breakers,
		guards:      deps.Guards,
		costs:       deps.Costs,
		hub:         deps.Hub,
		logger:      logger,
		backoff:     backoff,
	}, nil
}

// CreateProject registers a new business idea at the pipeline entry
// phase and records the project_started event.
func (e *Engine) CreateProject(ctx context.Context, idea string) (*store.Project, error) {
	if idea == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "project idea is empty")
	}

	now := time.Now().UTC()
	p := &store.Project{
		ID:        uuid.New().String(),
		Idea:      idea,
		Phase:     e.pipeline.Entry(),
		CreatedAt: now,
		StartedAt: &now,
	}
	if err := e.store.CreateProject(ctx, p); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create project: %s", err.Error()).WithCause(err)
	}

	e.emit(ctx, p.ID, p.Phase, schema.EventProjectStarted, map[string]any{"phase": p.Phase})
	e.logger.InfoContext(logging.WithProjectID(ctx, p.ID), "project created", "phase", p.Phase)
	return p, nil
}

// Advance executes one step of the pipeline for the project: route a
// crew, gate the spend, dispatch, and apply the transition rule to the
// result. Returns the updated project. Terminal and paused projects are
// rejected.
func (e *Engine) Advance(ctx context.Context, projectID string) (*store.Project, error) {
	p, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	if p.Phase.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"project is in terminal phase %s", p.Phase).WithProject(projectID)
	}
	if p.Paused {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"project is paused (%s); resume it first", p.PauseReason).WithProject(projectID)
	}

	target := p.Phase
	if p.Phase == schema.PhaseRecovery {
		if p.RetryPhase == "" {
			return nil, schema.NewError(schema.ErrCodeConflict,
				"project in RECOVERY with no retry phase").WithProject(projectID)
		}
		target = p.RetryPhase
	}

	spec, ok := e.pipeline.Spec(target)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"phase %s has no pipeline spec", target).WithProject(projectID)
	}

	ctx = logging.WithIDs(ctx, p.ID, string(target), "")

	if skipped, err := e.applyGuard(ctx, p, spec); err != nil || skipped != nil {
		return skipped, err
	}

	estimate, err := e.estimateCost(ctx, p, spec)
	if err != nil {
		return nil, err
	}

	if !e.ledger.CanSpend(estimate) {
		return e.failOnBudget(ctx, p, spec, estimate)
	}

	crewName, crew, routeErr := e.route(ctx, p, spec)
	if routeErr != nil {
		// Routing failures reuse the normal failure branching so an
		// open circuit retries and an unknown crew escalates.
		result := schema.NewFailureResult(categorizeRouteError(routeErr), routeErr.Error(),
			schema.ExecutionMeta{ProjectID: p.ID, Phase: target, Attempt: p.Attempts(target) + 1})
		return e.applyResult(ctx, p, spec, target, crewName, result, false)
	}

	input := crews.Input{
		ProjectID: p.ID,
		Phase:     string(target),
		Idea:      p.Idea,
		Context:   flattenArtifacts(p),
		Attempt:   p.Attempts(target) + 1,
	}

	handle, err := e.dispatcher.Schedule(ctx, crew, input, spec.PhaseTimeout())
	if err != nil {
		return nil, err
	}

	// Await the single in-flight future for this phase. The grace period
	// covers the worker's own normalize-and-publish step; a crew that
	// ignores its deadline resolves as transient via the await timeout.
	awaitCtx, cancel := context.WithTimeout(ctx, spec.PhaseTimeout()+10*time.Second)
	result, awaitErr := handle.Await(awaitCtx)
	cancel()
	if awaitErr != nil {
		handle.Cancel()
		result = schema.NewFailureResult(schema.CategoryTransient, awaitErr.Error(),
			schema.ExecutionMeta{Crew: crewName, ProjectID: p.ID, Phase: target, Attempt: input.Attempt})
	}

	return e.applyResult(ctx, p, spec, target, crewName, result, true)
}

// Run advances the project until it reaches a terminal phase or pauses
// for human intervention, honoring retry backoff between RECOVERY
// passes. It returns the final project state.
func (e *Engine) Run(ctx context.Context, projectID string) (*store.Project, error) {
	for {
		p, err := e.Advance(ctx, projectID)
		if err != nil {
			return nil, err
		}
		if p.Phase.Terminal() || p.Paused {
			return p, nil
		}
		if p.Phase == schema.PhaseRecovery {
			attempt := p.Attempts(p.RetryPhase)
			if attempt > 0 {
				if err := WaitForBackoff(ctx, ComputeBackoff(e.backoff, attempt-1)); err != nil {
					return p, err
				}
			}
		}
	}
}

// Resume lifts a human-intervention pause, resetting the retry budget
// of the phase that exhausted it so the project gets a fresh batch of
// attempts.
func (e *Engine) Resume(ctx context.Context, projectID string) (*store.Project, error) {
	p, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !p.Paused {
		return nil, schema.NewError(schema.ErrCodeConflict, "project is not paused").WithProject(projectID)
	}

	e.emit(ctx, p.ID, p.Phase, schema.EventProjectResumed, map[string]any{"phase": p.Phase})

	paused := false
	reason := ""
	update := store.ProjectUpdate{Paused: &paused, PauseReason: &reason}
	if p.RetryPhase != "" {
		retries := cloneRetries(p)
		retries[p.RetryPhase] = &store.RetryState{}
		update.Retries = retries
	}
	if err := e.store.UpdateProject(ctx, projectID, update); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "resume project: %s", err.Error()).WithCause(err)
	}
	return e.store.GetProject(ctx, projectID)
}

// applyGuard skips the phase when its guard evaluates to false. Returns
// the updated project when a skip happened, nil otherwise.
func (e *Engine) applyGuard(ctx context.Context, p *store.Project, spec *schema.PhaseSpec) (*store.Project, error) {
	if spec.Guard == "" || e.guards == nil {
		return nil, nil
	}

	pass, err := e.guards.EvaluateBool(ctx, spec.Guard, e.snapshotData(p))
	if err != nil {
		return nil, err
	}
	if pass {
		return nil, nil
	}

	e.emit(ctx, p.ID, spec.Phase, schema.EventPhaseSkipped, map[string]any{
		"phase": spec.Phase, "guard": spec.Guard,
	})
	return e.transitionTo(ctx, p, spec.NextOnSuccess, nil)
}

func (e *Engine) estimateCost(ctx context.Context, p *store.Project, spec *schema.PhaseSpec) (int64, error) {
	if spec.CostRule == "" || e.costs == nil {
		return spec.EstimatedCost, nil
	}
	data := e.snapshotData(p)
	data["idea_length"] = len(p.Idea)
	data["attempt"] = p.Attempts(spec.Phase)
	return e.costs.EvaluateInt(ctx, spec.CostRule, data)
}

// failOnBudget records the refusal and terminates the project. The
// budget_exceeded event is appended before any state mutation.
func (e *Engine) failOnBudget(ctx context.Context, p *store.Project, spec *schema.PhaseSpec, estimate int64) (*store.Project, error) {
	snap := e.ledger.Snapshot()
	e.emit(ctx, p.ID, spec.Phase, schema.EventBudgetExceeded, map[string]any{
		"phase":     spec.Phase,
		"estimated": estimate,
		"used":      snap.Used,
		"hard_cap":  snap.HardCap,
	})
	e.logger.WarnContext(ctx, "budget refused spend",
		"estimated", estimate, "used", snap.Used, "hard_cap", snap.HardCap)

	errJSON, _ := json.Marshal(map[string]any{
		"code":    schema.ErrCodeBudgetExceeded,
		"message": fmt.Sprintf("estimated cost %d exceeds remaining budget", estimate),
	})
	return e.transitionTo(ctx, p, schema.PhaseError, errJSON)
}

// route picks the crew for the phase. A RECOVERY pass after a permanent
// failure uses the configured recovery crew; otherwise the router ranks
// the candidates and the first one with a closed circuit wins.
func (e *Engine) route(ctx context.Context, p *store.Project, spec *schema.PhaseSpec) (string, crews.Crew, error) {
	if p.Phase == schema.PhaseRecovery && spec.RecoveryCrew != "" {
		if rs := p.Retries[spec.Phase]; rs != nil && rs.LastCategory == schema.CategoryPermanent {
			crew, err := e.crews.Get(spec.RecoveryCrew)
			return spec.RecoveryCrew, crew, err
		}
	}

	ranked, err := e.router.Rank(spec.Phase, spec.Candidates)
	if err != nil {
		return "", nil, err
	}

	var lastErr error
	for _, candidate := range ranked {
		if err := e.breakers.Allow(candidate.Crew); err != nil {
			lastErr = err
			continue
		}
		crew, err := e.crews.Get(candidate.Crew)
		if err != nil {
			lastErr = err
			continue
		}
		return candidate.Crew, crew, nil
	}
	return "", nil, lastErr
}

// applyResult applies the §4.1 transition rule for one execution
// outcome. executed reports whether a crew actually ran (and so whether
// reliability and spend are recorded).
func (e *Engine) applyResult(ctx context.Context, p *store.Project, spec *schema.PhaseSpec, target schema.Phase, crewName string, result *schema.ExecutionResult, executed bool) (*store.Project, error) {
	if executed && crewName != "" {
		e.reliability.Record(ctx, target, crewName, result.Success())
		if result.Success() {
			e.breakers.RecordSuccess(crewName)
		} else {
			e.breakers.RecordFailure(crewName)
		}
		e.recordSpend(ctx, p, spec, result)
	}

	if result.Success() {
		return e.completePhase(ctx, p, target, result)
	}

	switch result.ErrorCategory {
	case schema.CategoryTransient:
		return e.failTransient(ctx, p, spec, target, result)
	default:
		return e.failPermanent(ctx, p, spec, target, result)
	}
}

// recordSpend charges the ledger with the crew's reported usage, or the
// phase estimate when the crew reports none, and raises the one-shot
// soft-cap warning.
func (e *Engine) recordSpend(ctx context.Context, p *store.Project, spec *schema.PhaseSpec, result *schema.ExecutionResult) {
	in, out, ok := usageFromContent(result.Content)
	if !ok {
		in = spec.EstimatedCost
	}
	snap := e.ledger.RecordSpend(in, out)
	if snap.CrossedSoft {
		e.emit(ctx, p.ID, spec.Phase, schema.EventSoftBudgetWarning, map[string]any{
			"phase":    spec.Phase,
			"used":     snap.Used,
			"soft_cap": snap.SoftCap,
			"hard_cap": snap.HardCap,
		})
		e.logger.WarnContext(ctx, "soft budget cap crossed", "used", snap.Used, "soft_cap", snap.SoftCap)
	}
}

func (e *Engine) completePhase(ctx context.Context, p *store.Project, target schema.Phase, result *schema.ExecutionResult) (*store.Project, error) {
	next := result.NextPhase
	if next == "" {
		if spec, ok := e.pipeline.Spec(target); ok {
			next = spec.NextOnSuccess
		} else {
			next = schema.PhaseError
		}
	}

	if err := e.fsm.Transition(ctx, p.ID, p.Phase, next); err != nil {
		return nil, err
	}
	e.publishHub(ctx, p.ID, target, schema.EventStatusUpdate, map[string]any{"from": p.Phase, "to": next})

	artifacts := cloneArtifacts(p)
	artifacts[target] = result.Content

	none := schema.Phase("")
	update := store.ProjectUpdate{
		Phase:        &next,
		PhaseHistory: append(append([]schema.Phase{}, p.PhaseHistory...), p.Phase),
		Artifacts:    artifacts,
		RetryPhase:   &none,
	}
	if next.Terminal() {
		now := time.Now().UTC()
		update.CompletedAt = &now
	}
	if err := e.store.UpdateProject(ctx, p.ID, update); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "persist phase completion: %s", err.Error()).WithCause(err)
	}

	e.logger.InfoContext(ctx, "phase completed", "crew", result.Meta.Crew, "next", next)
	return e.store.GetProject(ctx, p.ID)
}

// failTransient re-queues the phase through RECOVERY while attempts
// remain, and escalates to a human pause once they are exhausted.
func (e *Engine) failTransient(ctx context.Context, p *store.Project, spec *schema.PhaseSpec, target schema.Phase, result *schema.ExecutionResult) (*store.Project, error) {
	attempts := p.Attempts(target)
	if attempts < spec.RetryLimit() {
		e.emit(ctx, p.ID, target, schema.EventPhaseRetrying, map[string]any{
			"phase":    target,
			"attempt":  attempts + 1,
			"category": result.ErrorCategory,
			"message":  result.ErrorMessage,
		})

		retries := cloneRetries(p)
		retries[target] = &store.RetryState{
			Attempts:     attempts + 1,
			LastCategory: result.ErrorCategory,
			LastError:    result.ErrorMessage,
		}

		update := store.ProjectUpdate{Retries: retries, RetryPhase: &target}
		if p.Phase != schema.PhaseRecovery {
			if err := e.fsm.Transition(ctx, p.ID, p.Phase, schema.PhaseRecovery); err != nil {
				return nil, err
			}
			e.publishHub(ctx, p.ID, target, schema.EventStatusUpdate,
				map[string]any{"from": p.Phase, "to": schema.PhaseRecovery})
			recovery := schema.PhaseRecovery
			update.Phase = &recovery
			update.PhaseHistory = append(append([]schema.Phase{}, p.PhaseHistory...), p.Phase)
		}
		if err := e.store.UpdateProject(ctx, p.ID, update); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "persist retry state: %s", err.Error()).WithCause(err)
		}
		e.logger.WarnContext(ctx, "transient failure, retrying",
			"attempt", attempts+1, "max", spec.RetryLimit(), "error", result.ErrorMessage)
		return e.store.GetProject(ctx, p.ID)
	}

	// Retry budget exhausted: exactly one escalation event, then pause.
	e.emit(ctx, p.ID, target, schema.EventHumanIntervention, map[string]any{
		"reason":  schema.ReasonTransientExhausted,
		"phase":   target,
		"message": result.ErrorMessage,
	})

	e.emit(ctx, p.ID, target, schema.EventProjectPaused, map[string]any{
		"phase":  target,
		"reason": schema.ReasonTransientExhausted,
	})

	paused := true
	reason := schema.ReasonTransientExhausted
	if err := e.store.UpdateProject(ctx, p.ID, store.ProjectUpdate{
		Paused: &paused, PauseReason: &reason,
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "persist pause: %s", err.Error()).WithCause(err)
	}
	e.logger.ErrorContext(ctx, "retries exhausted, pausing for human intervention",
		"attempts", attempts, "error", result.ErrorMessage)
	return e.store.GetProject(ctx, p.ID)
}

// failPermanent escalates, then either hands the phase to its recovery
// crew or terminates the project.
func (e *Engine) failPermanent(ctx context.Context, p *store.Project, spec *schema.PhaseSpec, target schema.Phase, result *schema.ExecutionResult) (*store.Project, error) {
	e.emit(ctx, p.ID, target, schema.EventHumanIntervention, map[string]any{
		"reason":  schema.ReasonPermanentError,
		"phase":   target,
		"message": result.ErrorMessage,
	})

	recoverable := spec.RecoveryCrew != "" && e.crews.Has(spec.RecoveryCrew)
	if recoverable {
		if err := e.fsm.Transition(ctx, p.ID, p.Phase, schema.PhaseRecovery); err != nil {
			return nil, err
		}
		e.publishHub(ctx, p.ID, target, schema.EventStatusUpdate,
			map[string]any{"from": p.Phase, "to": schema.PhaseRecovery})

		retries := cloneRetries(p)
		retries[target] = &store.RetryState{
			Attempts:     p.Attempts(target) + 1,
			LastCategory: schema.CategoryPermanent,
			LastError:    result.ErrorMessage,
		}
		recovery := schema.PhaseRecovery
		if err := e.store.UpdateProject(ctx, p.ID, store.ProjectUpdate{
			Phase:        &recovery,
			PhaseHistory: append(append([]schema.Phase{}, p.PhaseHistory...), p.Phase),
			Retries:      retries,
			RetryPhase:   &target,
		}); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "persist recovery state: %s", err.Error()).WithCause(err)
		}
		e.logger.WarnContext(ctx, "permanent failure, handing to recovery crew",
			"recovery_crew", spec.RecoveryCrew, "error", result.ErrorMessage)
		return e.store.GetProject(ctx, p.ID)
	}

	dest := schema.PhaseError
	if spec.NextOnPermanentFailure != "" {
		dest = spec.NextOnPermanentFailure
	}
	errJSON, _ := json.Marshal(map[string]any{
		"code":    schema.ErrCodeExecution,
		"message": result.ErrorMessage,
		"phase":   target,
	})
	e.logger.ErrorContext(ctx, "permanent failure with no recovery crew",
		"dest", dest, "error", result.ErrorMessage)
	return e.transitionTo(ctx, p, dest, errJSON)
}

// transitionTo runs the FSM transition and persists the new phase.
func (e *Engine) transitionTo(ctx context.Context, p *store.Project, to schema.Phase, errJSON json.RawMessage) (*store.Project, error) {
	if err := e.fsm.Transition(ctx, p.ID, p.Phase, to); err != nil {
		return nil, err
	}
	e.publishHub(ctx, p.ID, p.Phase, schema.EventStatusUpdate, map[string]any{"from": p.Phase, "to": to})

	none := schema.Phase("")
	update := store.ProjectUpdate{
		Phase:        &to,
		PhaseHistory: append(append([]schema.Phase{}, p.PhaseHistory...), p.Phase),
		RetryPhase:   &none,
		Error:        errJSON,
	}
	if to.Terminal() {
		now := time.Now().UTC()
		update.CompletedAt = &now
	}
	if err := e.store.UpdateProject(ctx, p.ID, update); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "persist transition: %s", err.Error()).WithCause(err)
	}
	return e.store.GetProject(ctx, p.ID)
}

// emit appends an engine-level event and mirrors it to the hub.
func (e *Engine) emit(ctx context.Context, projectID string, phase schema.Phase, eventType string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	event := &store.Event{
		ProjectID: projectID,
		Phase:     phase,
		Type:      eventType,
		Payload:   raw,
	}
	if err := e.events.AppendEvent(ctx, event); err != nil {
		e.logger.ErrorContext(ctx, "failed to append event", "event_type", eventType, "error", err)
	}
	e.publishHub(ctx, projectID, phase, eventType, payload)
}

func (e *Engine) publishHub(ctx context.Context, projectID string, phase schema.Phase, eventType string, payload map[string]any) {
	if e.hub == nil {
		return
	}
	_ = e.hub.Publish(ctx, streaming.StreamEvent{
		ProjectID: projectID,
		Phase:     string(phase),
		EventType: eventType,
		Payload:   payload,
	})
}

// snapshotData builds the expression environment shared by guards and
// cost rules.
func (e *Engine) snapshotData(p *store.Project) map[string]any {
	artifacts := make(map[string]any, len(p.Artifacts))
	for phase, content := range p.Artifacts {
		artifacts[string(phase)] = content
	}
	retries := make(map[string]any, len(p.Retries))
	for phase, rs := range p.Retries {
		if rs != nil {
			retries[string(phase)] = rs.Attempts
		}
	}
	snap := e.ledger.Snapshot()
	return map[string]any{
		"project": map[string]any{
			"id":    p.ID,
			"idea":  p.Idea,
			"phase": string(p.Phase),
		},
		"artifacts": artifacts,
		"retries":   retries,
		"budget": map[string]any{
			"used":      snap.Used,
			"hard_cap":  snap.HardCap,
			"soft_cap":  snap.SoftCap,
			"over_soft": snap.OverSoft,
		},
	}
}

// flattenArtifacts merges prior phase outputs into the context map a
// crew receives. Later phases win on key collisions.
func flattenArtifacts(p *store.Project) map[string]any {
	out := make(map[string]any)
	for _, phase := range p.PhaseHistory {
		for k, v := range p.Artifacts[phase] {
			out[k] = v
		}
	}
	for phase, content := range p.Artifacts {
		out[string(phase)] = content
	}
	return out
}

func cloneArtifacts(p *store.Project) map[schema.Phase]map[string]any {
	out := make(map[schema.Phase]map[string]any, len(p.Artifacts)+1)
	for k, v := range p.Artifacts {
		out[k] = v
	}
	return out
}

func cloneRetries(p *store.Project) map[schema.Phase]*store.RetryState {
	out := make(map[schema.Phase]*store.RetryState, len(p.Retries)+1)
	for k, v := range p.Retries {
		out[k] = v
	}
	return out
}

// usageFromContent reads crew-reported token usage out of the content
// map: {"usage": {"input_units": n, "output_units": m}}.
func usageFromContent(content map[string]any) (in, out int64, ok bool) {
	usage, found := content["usage"].(map[string]any)
	if !found {
		return 0, 0, false
	}
	in, okIn := toInt64(usage["input_units"])
	out, okOut := toInt64(usage["output_units"])
	if !okIn && !okOut {
		return 0, 0, false
	}
	return in, out, true
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func categorizeRouteError(err error) schema.ErrorCategory {
	var terr *schema.TractionError
	if errors.As(err, &terr) && terr.Code == schema.ErrCodeCircuitOpen {
		return schema.CategoryTransient
	}
	return schema.CategoryPermanent
}
