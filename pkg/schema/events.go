package schema

// Event type constants for the append-only project event log. This is the
// full vocabulary external consumers may observe on the stream.
const (
	EventStatusUpdate      = "status_update"
	EventStepComplete      = "step_complete"
	EventError             = "error"
	EventHumanIntervention = "human_intervention_needed"
	EventSoftBudgetWarning = "soft_budget_warning"
	EventBudgetExceeded    = "budget_exceeded"

	EventProjectStarted   = "project_started"
	EventProjectCompleted = "project_completed"
	EventProjectFailed    = "project_failed"
	EventProjectPaused    = "project_paused"
	EventProjectResumed   = "project_resumed"
	EventPhaseSkipped     = "phase_skipped"
	EventPhaseRetrying    = "phase_retrying"
)

// Escalation reasons carried by human_intervention_needed events.
const (
	ReasonTransientExhausted = "transient_exhausted"
	ReasonPermanentError     = "permanent_error"
)
