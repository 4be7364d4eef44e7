package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/IncludeBrake/TractionBuild-sub002/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Projects ---

func (s *LibSQLStore) CreateProject(ctx context.Context, p *Project) error {
	history, err := json.Marshal(p.PhaseHistory)
	if err != nil {
		return fmt.Errorf("marshal phase history: %w", err)
	}
	artifacts, err := json.Marshal(p.Artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	retries, err := json.Marshal(p.Retries)
	if err != nil {
		return fmt.Errorf("marshal retry states: %w", err)
	}
	now := timeOrNow(p.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, idea, phase, phase_history, artifacts, retries, retry_phase,
		                       paused, pause_reason, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Idea, string(p.Phase), string(history), string(artifacts), string(retries),
		nullStr(string(p.RetryPhase)),
		boolInt(p.Paused), nullStr(p.PauseReason), nullRaw(p.Error),
		now, nullTime(p.StartedAt), nullTime(p.CompletedAt), now,
	)
	return err
}

func (s *LibSQLStore) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, idea, phase, phase_history, artifacts, retries, retry_phase,
		        paused, pause_reason, error, created_at, started_at, completed_at, updated_at
		 FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("project", id)
	}
	return p, err
}

func (s *LibSQLStore) UpdateProject(ctx context.Context, id string, update ProjectUpdate) error {
	var sets []string
	var args []any

	if update.Phase != nil {
		sets = append(sets, "phase = ?")
		args = append(args, string(*update.Phase))
	}
	if update.PhaseHistory != nil {
		history, err := json.Marshal(update.PhaseHistory)
		if err != nil {
			return fmt.Errorf("marshal phase history: %w", err)
		}
		sets = append(sets, "phase_history = ?")
		args = append(args, string(history))
	}
	if update.Artifacts != nil {
		artifacts, err := json.Marshal(update.Artifacts)
		if err != nil {
			return fmt.Errorf("marshal artifacts: %w", err)
		}
		sets = append(sets, "artifacts = ?")
		args = append(args, string(artifacts))
	}
	if update.Retries != nil {
		retries, err := json.Marshal(update.Retries)
		if err != nil {
			return fmt.Errorf("marshal retry states: %w", err)
		}
		sets = append(sets, "retries = ?")
		args = append(args, string(retries))
	}
	if update.RetryPhase != nil {
		sets = append(sets, "retry_phase = ?")
		args = append(args, nullStr(string(*update.RetryPhase)))
	}
	if update.Paused != nil {
		sets = append(sets, "paused = ?")
		args = append(args, boolInt(*update.Paused))
	}
	if update.PauseReason != nil {
		sets = append(sets, "pause_reason = ?")
		args = append(args, nullStr(*update.PauseReason))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE projects SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "project", id)
}

func (s *LibSQLStore) ListProjects(ctx context.Context, filter ProjectFilter) ([]*Project, error) {
	var where []string
	var args []any

	if filter.Phase != nil {
		where = append(where, "phase = ?")
		args = append(args, string(*filter.Phase))
	}
	if filter.Paused != nil {
		where = append(where, "paused = ?")
		args = append(args, boolInt(*filter.Paused))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, idea, phase, phase_history, artifacts, retries, retry_phase,
	                 paused, pause_reason, error, created_at, started_at, completed_at, updated_at
	          FROM projects`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *LibSQLStore) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "project", id); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM events WHERE project_id = ?`, id)
	return err
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := appendEventTx(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

// appendEventTx assigns the next per-project sequence and inserts the
// event inside the given transaction.
func appendEventTx(ctx context.Context, tx *sql.Tx, event *Event) error {
	// Force write-lock acquisition up front so concurrent appenders
	// cannot interleave the sequence read with the insert.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE project_id = ?`, event.ProjectID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (project_id, phase, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ProjectID, nullStr(string(event.Phase)), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, projectID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, phase, event_type, payload, timestamp, sequence
		 FROM events WHERE project_id = ? AND sequence > ? ORDER BY sequence ASC`,
		projectID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsSince returns a project's events with timestamp >= since,
// ordered by sequence (append order).
func (s *LibSQLStore) GetEventsSince(ctx context.Context, projectID string, since time.Time) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, phase, event_type, payload, timestamp, sequence
		 FROM events WHERE project_id = ? AND timestamp >= ? ORDER BY sequence ASC`,
		projectID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Phase != "" {
		where = append(where, "phase = ?")
		args = append(args, string(filter.Phase))
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, project_id, phase, event_type, payload, timestamp, sequence
	          FROM events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY timestamp ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// --- Reliability ---

func (s *LibSQLStore) UpsertReliability(ctx context.Context, rec *ReliabilityRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reliability (phase, crew, score, samples, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(phase, crew) DO UPDATE SET score=excluded.score, samples=excluded.samples, updated_at=excluded.updated_at`,
		string(rec.Phase), rec.Crew, rec.Score, rec.Samples, timeOrNow(rec.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) ListReliability(ctx context.Context) ([]*ReliabilityRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT phase, crew, score, samples, updated_at FROM reliability`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*ReliabilityRecord
	for rows.Next() {
		var rec ReliabilityRecord
		var phase string
		if err := rows.Scan(&phase, &rec.Crew, &rec.Score, &rec.Samples, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Phase = schema.Phase(phase)
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// --- Scheduled runs ---

func (s *LibSQLStore) CreateScheduledRun(ctx context.Context, run *ScheduledRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (id, project_id, cron_expression, params, enabled,
		                             last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProjectID, run.CronExpression, nullRaw(run.Params), boolInt(run.Enabled),
		nullTime(run.LastRunAt), nullTime(run.NextRunAt), nullStr(run.LastRunStatus), timeOrNow(run.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error) {
	run := &ScheduledRun{}
	var params, status sql.NullString
	var lastRun, nextRun sql.NullTime
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, cron_expression, params, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.ProjectID, &run.CronExpression, &params, &enabled, &lastRun, &nextRun, &status, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled run", id)
	}
	if err != nil {
		return nil, err
	}
	run.Params = rawOrNil(params)
	run.Enabled = enabled != 0
	run.LastRunStatus = status.String
	if lastRun.Valid {
		run.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		run.NextRunAt = &nextRun.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE scheduled_runs SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled run", id)
}

func (s *LibSQLStore) ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}

	query := `SELECT id, project_id, cron_expression, params, enabled, last_run_at, next_run_at, last_run_status, created_at
	          FROM scheduled_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ScheduledRun
	for rows.Next() {
		run := &ScheduledRun{}
		var params, status sql.NullString
		var lastRun, nextRun sql.NullTime
		var enabled int
		if err := rows.Scan(&run.ID, &run.ProjectID, &run.CronExpression, &params, &enabled,
			&lastRun, &nextRun, &status, &run.CreatedAt); err != nil {
			return nil, err
		}
		run.Params = rawOrNil(params)
		run.Enabled = enabled != 0
		run.LastRunStatus = status.String
		if lastRun.Valid {
			run.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			run.NextRunAt = &nextRun.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled run", id)
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	p := &Project{}
	var phase string
	var history, artifacts, retries, retryPhase, pauseReason, errRaw sql.NullString
	var paused int
	var started, completed sql.NullTime

	err := row.Scan(&p.ID, &p.Idea, &phase, &history, &artifacts, &retries, &retryPhase,
		&paused, &pauseReason, &errRaw, &p.CreatedAt, &started, &completed, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.Phase = schema.Phase(phase)
	p.RetryPhase = schema.Phase(retryPhase.String)
	p.Paused = paused != 0
	p.PauseReason = pauseReason.String
	p.Error = rawOrNil(errRaw)
	if started.Valid {
		p.StartedAt = &started.Time
	}
	if completed.Valid {
		p.CompletedAt = &completed.Time
	}
	if history.Valid && history.String != "" {
		if err := json.Unmarshal([]byte(history.String), &p.PhaseHistory); err != nil {
			return nil, fmt.Errorf("unmarshal phase history: %w", err)
		}
	}
	if artifacts.Valid && artifacts.String != "" {
		if err := json.Unmarshal([]byte(artifacts.String), &p.Artifacts); err != nil {
			return nil, fmt.Errorf("unmarshal artifacts: %w", err)
		}
	}
	if retries.Valid && retries.String != "" {
		if err := json.Unmarshal([]byte(retries.String), &p.Retries); err != nil {
			return nil, fmt.Errorf("unmarshal retry states: %w", err)
		}
	}
	return p, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var phase, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ProjectID, &phase, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Phase = schema.Phase(phase.String)
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Value helpers ---

func storeNotFound(resource, id string) *schema.TractionError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
