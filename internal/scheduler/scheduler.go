// Package scheduler drives cron-triggered project evaluation runs: a
// periodic re-check of an idea against fresh market data, or a retry of
// a paused project once someone has looked at it.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/IncludeBrake/TractionBuild-sub002/internal/store"
)

// ProjectRunner is the interface the scheduler uses to advance
// projects. Satisfied by the workflow engine (avoids import cycle).
type ProjectRunner interface {
	Run(ctx context.Context, projectID string) (*store.Project, error)
}

// Scheduler polls the store for due scheduled runs and executes them.
type Scheduler struct {
	store  store.Store
	runner ProjectRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // run IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner ProjectRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled runs and executes those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	runs, err := s.store.ListScheduledRuns(ctx, store.ScheduledRunFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled runs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, run := range runs {
		if run.NextRunAt == nil || !run.NextRunAt.After(now) {
			if !s.tryAcquire(run.ID) {
				continue // already running (dedup)
			}
			if err := s.execute(ctx, run, now); err != nil {
				s.logger.Error("failed to execute scheduled run",
					slog.String("run_id", run.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(run.ID)
		}
	}
}

// execute advances the run's project and updates the run's timestamps.
func (s *Scheduler) execute(ctx context.Context, run *store.ScheduledRun, now time.Time) error {
	s.logger.Info("executing scheduled run",
		slog.String("run_id", run.ID),
		slog.String("project_id", run.ProjectID),
	)

	p, err := s.runner.Run(ctx, run.ProjectID)
	status := "success"
	switch {
	case err != nil:
		status = "error"
		s.logger.Error("scheduled run failed",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
	case p.Paused:
		status = "paused"
	}

	return s.updateRunStatus(ctx, run, now, status)
}

func (s *Scheduler) updateRunStatus(ctx context.Context, run *store.ScheduledRun, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(run.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for %q: %w", run.ID, err)
	}

	return s.store.UpdateScheduledRun(ctx, run.ID, store.ScheduledRunUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the run as in-flight if it is not already executing.
func (s *Scheduler) tryAcquire(runID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[runID]; ok {
		return false
	}
	s.inflight[runID] = struct{}{}
	return true
}

// release removes the run from the in-flight set.
func (s *Scheduler) release(runID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, runID)
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed checks for runs that missed their next_run_at while the
// process was down and executes them once.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	runs, err := s.store.ListScheduledRuns(ctx, store.ScheduledRunFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed runs: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, run := range runs {
		if run.NextRunAt != nil && run.NextRunAt.Before(now) {
			if !s.tryAcquire(run.ID) {
				continue
			}
			if err := s.execute(ctx, run, now); err != nil {
				s.logger.Error("failed to recover missed run",
					slog.String("run_id", run.ID),
					slog.String("error", err.Error()),
				)
				s.release(run.ID)
				continue
			}
			s.release(run.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed runs", slog.Int("count", recovered))
	}
	return nil
}
