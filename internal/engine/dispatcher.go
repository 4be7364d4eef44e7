package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IncludeBrake/TractionBuild-sub002/internal/crews"
	"github.com/IncludeBrake/TractionBuild-sub002/internal/logging"
	"github.com/IncludeBrake/TractionBuild-sub002/internal/store"
	"github.com/IncludeBrake/TractionBuild-sub002/internal/streaming"
	"github.com/IncludeBrake/TractionBuild-sub002/internal/validate"
	"github.com/IncludeBrake/TractionBuild-sub002/pkg/schema"
)

// PoolMetrics tracks dispatcher operational counters.
type PoolMetrics struct {
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// TaskHandle is the future returned by Schedule. The result becomes
// available on Done; Cancel aborts a task that has not finished.
type TaskHandle struct {
	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	result *schema.ExecutionResult
}

// Done is closed when the task has a result.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Cancel aborts the task. A cancelled task resolves to a failure
// envelope; callers still Await it to observe the terminal result.
func (h *TaskHandle) Cancel() { h.cancel() }

// Await blocks until the task resolves or ctx expires. On ctx expiry
// the task itself keeps running; the caller treats the await timeout as
// a transient failure of the phase.
func (h *TaskHandle) Await(ctx context.Context) (*schema.ExecutionResult, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, nil
	case <-ctx.Done():
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"timed out awaiting execution result: %s", ctx.Err().Error()).WithCause(ctx.Err())
	}
}

func (h *TaskHandle) resolve(result *schema.ExecutionResult) {
	h.mu.Lock()
	h.result = result
	h.mu.Unlock()
	close(h.done)
}

type task struct {
	crew    crews.Crew
	input   crews.Input
	timeout time.Duration
	ctx     context.Context
	handle  *TaskHandle
}

// Dispatcher is the execution tier between the workflow engine and
// crews: a fixed-size pool of workers pulling tasks from a FIFO queue.
// Workers run the crew, normalize its raw output through the validator,
// publish step_complete/error to the event log and hub, and resolve the
// caller's handle. A panicking crew resolves to a permanent failure;
// the pool itself never dies from a bad task.
type Dispatcher struct {
	queue     chan *task
	workers   int
	validator *validate.Validator
	appender  EventAppender
	hub       streaming.EventHub
	logger    *slog.Logger

	metrics PoolMetrics

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// DispatcherConfig sizes the pool and its queue.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
}

// NewDispatcher creates a stopped dispatcher. All collaborators are
// injected; the dispatcher owns no global state.
func NewDispatcher(cfg DispatcherConfig, validator *validate.Validator, appender EventAppender, hub streaming.EventHub, logger *slog.Logger) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = workers * 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:     make(chan *task, queueSize),
		workers:   workers,
		validator: validator,
		appender:  appender,
		hub:       hub,
		logger:    logger,
	}
}

// Start launches the worker pool. Idempotent.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop closes the queue and waits for workers to drain every queued
// task. Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.wg.Wait()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

// Schedule enqueues one crew execution and returns its handle. Blocks
// when the queue is full (backpressure) unless ctx expires first.
// Returns POOL_SHUTDOWN after Stop.
func (d *Dispatcher) Schedule(ctx context.Context, crew crews.Crew, input crews.Input, timeout time.Duration) (*TaskHandle, error) {
	// The read lock spans the queue send: Stop takes the write lock
	// before closing the queue, so a send can never race the close.
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, schema.NewError(schema.ErrCodePoolShutdown, "dispatcher is stopped")
	}
	if !d.started {
		return nil, schema.NewError(schema.ErrCodePoolShutdown, "dispatcher not started")
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := &TaskHandle{done: make(chan struct{}), cancel: cancel}
	t := &task{crew: crew, input: input, timeout: timeout, ctx: taskCtx, handle: handle}

	select {
	case d.queue <- t:
		atomic.AddInt64(&d.metrics.Queued, 1)
		return handle, nil
	case <-ctx.Done():
		cancel()
		return nil, schema.NewErrorf(schema.ErrCodeCancelled,
			"schedule cancelled: %s", ctx.Err().Error()).WithCause(ctx.Err())
	}
}

// Metrics returns a snapshot of the pool counters.
func (d *Dispatcher) Metrics() PoolMetrics {
	return PoolMetrics{
		Queued:    atomic.LoadInt64(&d.metrics.Queued),
		Active:    atomic.LoadInt64(&d.metrics.Active),
		Completed: atomic.LoadInt64(&d.metrics.Completed),
		Failed:    atomic.LoadInt64(&d.metrics.Failed),
		Panics:    atomic.LoadInt64(&d.metrics.Panics),
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for t := range d.queue {
		d.execute(t)
	}
}

func (d *Dispatcher) execute(t *task) {
	atomic.AddInt64(&d.metrics.Active, 1)
	defer atomic.AddInt64(&d.metrics.Active, -1)

	phase := schema.Phase(t.input.Phase)
	meta := schema.ExecutionMeta{
		Crew:      t.crew.Name(),
		ProjectID: t.input.ProjectID,
		Phase:     phase,
		Attempt:   t.input.Attempt,
	}

	// A task cancelled while still queued never runs and publishes no
	// events; only its handle resolves.
	if cause := t.ctx.Err(); cause != nil {
		atomic.AddInt64(&d.metrics.Failed, 1)
		callErr := schema.NewError(schema.ErrCodeCancelled, "task cancelled before execution").WithCause(cause)
		t.handle.resolve(d.validator.Normalize(context.WithoutCancel(t.ctx), nil, callErr, meta))
		return
	}

	ctx := logging.WithIDs(t.ctx, t.input.ProjectID, t.input.Phase, t.crew.Name())
	timeout := t.timeout
	if timeout <= 0 {
		timeout = schema.DefaultPhaseTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)

	started := time.Now()
	raw, runErr := d.runCrew(runCtx, t.crew, t.input)
	cancel()
	meta.Duration = time.Since(started)

	result := d.validator.Normalize(ctx, raw, runErr, meta)

	if result.Success() {
		atomic.AddInt64(&d.metrics.Completed, 1)
	} else {
		atomic.AddInt64(&d.metrics.Failed, 1)
	}

	d.publish(ctx, result)
	t.handle.resolve(result)
}

// runCrew invokes the crew with panic containment. A panic becomes a
// permanent execution error; nothing escapes the worker.
func (d *Dispatcher) runCrew(ctx context.Context, crew crews.Crew, input crews.Input) (raw map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&d.metrics.Panics, 1)
			d.logger.ErrorContext(ctx, "crew panicked", "crew", crew.Name(), "panic", fmt.Sprint(r))
			raw = nil
			err = schema.NewErrorf(schema.ErrCodeExecution, "crew %s panicked: %v", crew.Name(), r)
		}
	}()

	raw, err = crew.Run(ctx, input)
	if err == nil && ctx.Err() != nil {
		// The crew returned but blew its deadline; the result is stale.
		err = schema.NewErrorf(schema.ErrCodeTimeout,
			"crew %s exceeded its deadline", crew.Name()).WithCause(ctx.Err())
	}
	return raw, err
}

// publish appends the step_complete or error event and mirrors it to
// the live hub. Log append failures are logged, not propagated: the
// handle must always resolve.
func (d *Dispatcher) publish(ctx context.Context, result *schema.ExecutionResult) {
	meta := result.Meta

	var eventType string
	var payload map[string]any
	if result.Success() {
		eventType = schema.EventStepComplete
		payload = map[string]any{
			"phase":   meta.Phase,
			"crew":    meta.Crew,
			"content": result.Content,
		}
	} else {
		eventType = schema.EventError
		payload = map[string]any{
			"phase":    meta.Phase,
			"crew":     meta.Crew,
			"category": result.ErrorCategory,
			"message":  result.ErrorMessage,
			"attempt":  meta.Attempt,
		}
	}

	raw, _ := json.Marshal(payload)
	event := &store.Event{
		ProjectID: meta.ProjectID,
		Phase:     meta.Phase,
		Type:      eventType,
		Payload:   raw,
	}
	if err := d.appender.AppendEvent(ctx, event); err != nil {
		d.logger.ErrorContext(ctx, "failed to append execution event",
			"event_type", eventType, "error", err)
	}

	if d.hub != nil {
		_ = d.hub.Publish(ctx, streaming.StreamEvent{
			ProjectID: meta.ProjectID,
			Phase:     string(meta.Phase),
			EventType: eventType,
			Payload:   payload,
		})
	}
}
