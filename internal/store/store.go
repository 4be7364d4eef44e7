package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	UpdateProject(ctx context.Context, id string, update ProjectUpdate) error
	ListProjects(ctx context.Context, filter ProjectFilter) ([]*Project, error)
	DeleteProject(ctx context.Context, id string) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, projectID string, since int64) ([]*Event, error)
	GetEventsSince(ctx context.Context, projectID string, since time.Time) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Reliability records
	UpsertReliability(ctx context.Context, rec *ReliabilityRecord) error
	ListReliability(ctx context.Context) ([]*ReliabilityRecord, error)

	// Scheduled runs
	CreateScheduledRun(ctx context.Context, run *ScheduledRun) error
	GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error)
	UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error
	ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error)
	DeleteScheduledRun(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
