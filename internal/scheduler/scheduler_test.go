package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IncludeBrake/TractionBuild-sub002/internal/store"
	"github.com/IncludeBrake/TractionBuild-sub002/pkg/schema"
)

// mockSchedulerStore satisfies store.Store for scheduler tests.
type mockSchedulerStore struct {
	store.Store
	mu   sync.Mutex
	runs map[string]*store.ScheduledRun
}

func newMockSchedulerStore() *mockSchedulerStore {
	return &mockSchedulerStore{runs: make(map[string]*store.ScheduledRun)}
}

func (m *mockSchedulerStore) CreateScheduledRun(_ context.Context, run *store.ScheduledRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *mockSchedulerStore) GetScheduledRun(_ context.Context, id string) (*store.ScheduledRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *mockSchedulerStore) UpdateScheduledRun(_ context.Context, id string, update store.ScheduledRunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil
	}
	if update.Enabled != nil {
		r.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		r.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		r.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		r.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockSchedulerStore) ListScheduledRuns(_ context.Context, filter store.ScheduledRunFilter) ([]*store.ScheduledRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.ScheduledRun
	for _, r := range m.runs {
		if filter.Enabled != nil && r.Enabled != *filter.Enabled {
			continue
		}
		if filter.ProjectID != "" && r.ProjectID != filter.ProjectID {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// mockRunner tracks Run calls.
type mockRunner struct {
	mu     sync.Mutex
	calls  []string
	err    error
	paused bool
}

func (r *mockRunner) Run(_ context.Context, projectID string) (*store.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, projectID)
	if r.err != nil {
		return nil, r.err
	}
	p := &store.Project{ID: projectID, Phase: schema.PhaseCompleted}
	if r.paused {
		p.Phase = schema.PhaseRecovery
		p.Paused = true
	}
	return p, nil
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(s store.Store, runner ProjectRunner) *Scheduler {
	return NewScheduler(s, runner, slog.Default())
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore(), &mockRunner{})
	from := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)

	// Every hour at minute 0.
	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 10, 12, 15, 0, 0, time.UTC), next)

	// Daily at midnight.
	next, err = sched.CalculateNextRun("0 0 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 11, 0, 0, 0, 0, time.UTC), next)

	// Invalid expression.
	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestTickExecutesDueRuns(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID:             "run-1",
		ProjectID:      "proj-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 1, runner.callCount())

	got, _ := ms.GetScheduledRun(ctx, "run-1")
	assert.NotNil(t, got.LastRunAt)
	assert.NotNil(t, got.NextRunAt)
	assert.Equal(t, "success", got.LastRunStatus)
}

func TestTickSkipsNotDueRuns(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID:             "run-future",
		ProjectID:      "proj-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &future,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, runner.callCount())
}

func TestDisabledRunsSkipped(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID:             "run-disabled",
		ProjectID:      "proj-1",
		CronExpression: "0 * * * *",
		Enabled:        false,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, runner.callCount())
}

func TestMissedRecovery(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-2 * time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID:             "run-missed",
		ProjectID:      "proj-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	require.NoError(t, sched.RecoverMissed(ctx))

	assert.Equal(t, 1, runner.callCount())

	got, _ := ms.GetScheduledRun(ctx, "run-missed")
	assert.Equal(t, "success", got.LastRunStatus)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestRunFailureRecorded(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{err: assert.AnError}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID:             "run-fail",
		ProjectID:      "proj-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	got, _ := ms.GetScheduledRun(ctx, "run-fail")
	assert.Equal(t, "error", got.LastRunStatus)
	assert.NotNil(t, got.NextRunAt)
}

func TestPausedProjectRecorded(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{paused: true}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledRun(ctx, &store.ScheduledRun{
		ID:             "run-paused",
		ProjectID:      "proj-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	got, _ := ms.GetScheduledRun(ctx, "run-paused")
	assert.Equal(t, "paused", got.LastRunStatus)
}

func TestStartStop(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore(), &mockRunner{})
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))
	require.Error(t, sched.Start(ctx), "double start must fail")
	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop(), "double stop is a no-op")
}
