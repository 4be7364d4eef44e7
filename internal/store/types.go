package store

import (
	"encoding/json"
	"time"

	"github.com/IncludeBrake/TractionBuild-sub002/pkg/schema"
)

// Project is the persisted aggregate for one business idea under
// evaluation. It is owned by the workflow engine for the duration of a
// run; everything else reads it through the store.
type Project struct {
	ID           string                          `json:"id"`
	Idea         string                          `json:"idea"`
	Phase        schema.Phase                    `json:"phase"`
	PhaseHistory []schema.Phase                  `json:"phase_history,omitempty"`
	Artifacts    map[schema.Phase]map[string]any `json:"artifacts,omitempty"`
	Retries      map[schema.Phase]*RetryState    `json:"retries,omitempty"`
	// RetryPhase is the phase a RECOVERY pass re-queues. Empty outside
	// of RECOVERY.
	RetryPhase  schema.Phase    `json:"retry_phase,omitempty"`
	Paused      bool            `json:"paused,omitempty"`
	PauseReason string          `json:"pause_reason,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// RetryState records retry history for one phase. Owned by the workflow
// engine and mutated only on phase exit.
type RetryState struct {
	Attempts     int                  `json:"attempts"`
	LastCategory schema.ErrorCategory `json:"last_category,omitempty"`
	LastError    string               `json:"last_error,omitempty"`
}

// Attempts returns the retry count recorded for a phase.
func (p *Project) Attempts(phase schema.Phase) int {
	if p.Retries == nil {
		return 0
	}
	if rs, ok := p.Retries[phase]; ok && rs != nil {
		return rs.Attempts
	}
	return 0
}

// Event is an immutable entry in the per-project append-only log.
// Sequence is monotonically increasing within a project; across projects
// there is no ordering guarantee.
type Event struct {
	ID        int64           `json:"id"`
	ProjectID string          `json:"project_id"`
	Phase     schema.Phase    `json:"phase,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ReliabilityRecord is the durable form of a (phase, crew) rolling score.
type ReliabilityRecord struct {
	Phase     schema.Phase `json:"phase"`
	Crew      string       `json:"crew"`
	Score     float64      `json:"score"`
	Samples   int64        `json:"samples"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ScheduledRun is a cron-triggered project evaluation.
type ScheduledRun struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	CronExpression string          `json:"cron_expression"`
	Params         json.RawMessage `json:"params,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// ProjectFilter specifies criteria for listing projects.
type ProjectFilter struct {
	Phase  *schema.Phase `json:"phase,omitempty"`
	Paused *bool         `json:"paused,omitempty"`
	Since  *time.Time    `json:"since,omitempty"`
	Limit  int           `json:"limit,omitempty"`
	Offset int           `json:"offset,omitempty"`
}

// ProjectUpdate specifies mutable fields of a project.
type ProjectUpdate struct {
	Phase        *schema.Phase                   `json:"phase,omitempty"`
	PhaseHistory []schema.Phase                  `json:"phase_history,omitempty"`
	Artifacts    map[schema.Phase]map[string]any `json:"artifacts,omitempty"`
	Retries      map[schema.Phase]*RetryState    `json:"retries,omitempty"`
	RetryPhase   *schema.Phase                   `json:"retry_phase,omitempty"`
	Paused       *bool                           `json:"paused,omitempty"`
	PauseReason  *string                         `json:"pause_reason,omitempty"`
	Error        json.RawMessage                 `json:"error,omitempty"`
	StartedAt    *time.Time                      `json:"started_at,omitempty"`
	CompletedAt  *time.Time                      `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ProjectID string       `json:"project_id,omitempty"`
	Phase     schema.Phase `json:"phase,omitempty"`
	EventType string       `json:"event_type,omitempty"`
	Since     *time.Time   `json:"since,omitempty"`
	Limit     int          `json:"limit,omitempty"`
}

// ScheduledRunUpdate specifies mutable fields of a scheduled run.
type ScheduledRunUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledRunFilter specifies criteria for listing scheduled runs.
type ScheduledRunFilter struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}
