package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/taskmanager/internal/events"
	"github.com/phrazzld/taskmanager/internal/store"
)

// RunnerConfig holds configuration for the task runner
type RunnerConfig struct {
	// NodeID identifies this node as a task owner
	NodeID string

	// DefaultTimeout bounds runs whose task and type set no timeout
	DefaultTimeout time.Duration

	// LivenessTimeout is added to every lease so that other nodes wait for
	// this one to report back before reclaiming
	LivenessTimeout time.Duration
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		DefaultTimeout:  5 * time.Minute,
		LivenessTimeout: 5 * time.Minute,
	}
}

// RunResult is the payload of run events.
type RunResult struct {
	// Task is the last known document: the persisted result, or the
	// running document when the write failed or the task was removed.
	Task        *Task
	Persistence Persistence
	Outcome     Outcome
	IsExpired   bool
	Err         error
}

type runState int

const (
	runCompleted runState = iota
	runExpired
	runAbandoned
)

type handlerOutcome struct {
	res Result
	err error
}

// TaskRunner executes claimed tasks and writes their outcome back.
type TaskRunner struct {
	store     Store
	registry  *HandlerRegistry
	retry     *RetryScheduler
	publisher events.Publisher
	clock     Clock
	config    RunnerConfig
	logger    *slog.Logger
}

// NewTaskRunner creates a new TaskRunner
func NewTaskRunner(
	s Store,
	registry *HandlerRegistry,
	retry *RetryScheduler,
	publisher events.Publisher,
	clock Clock,
	config RunnerConfig,
	logger *slog.Logger,
) *TaskRunner {
	defaults := DefaultRunnerConfig()
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = defaults.DefaultTimeout
	}
	if config.LivenessTimeout <= 0 {
		config.LivenessTimeout = defaults.LivenessTimeout
	}

	return &TaskRunner{
		store:     s,
		registry:  registry,
		retry:     retry,
		publisher: publisher,
		clock:     clock,
		config:    config,
		logger:    logger.With("component", "task_runner", "node_id", config.NodeID),
	}
}

// Timeout returns the run timeout for t: its override, else the type's
// timeout, else the configured default.
func (r *TaskRunner) Timeout(t *Task, def Definition) time.Duration {
	switch {
	case t.TimeoutOverride > 0:
		return t.TimeoutOverride
	case def.Timeout > 0:
		return def.Timeout
	default:
		return r.config.DefaultTimeout
	}
}

// Run executes one claimed task: it marks the task running, invokes the
// handler under the run timeout and persists the outcome. A run event is
// published whether or not the final write succeeds. When ctx is cancelled
// mid-run the run is abandoned without bookkeeping and the task is left for
// reclaim.
func (r *TaskRunner) Run(ctx context.Context, claimed *Task) RunResult {
	logger := r.logger.With("task_id", claimed.ID, "task_type", claimed.Type)
	result := RunResult{Task: claimed, Persistence: claimed.Persistence()}

	def, ok := r.registry.Lookup(claimed.Type)
	if !ok {
		return r.rejectUnrecognized(ctx, claimed, result, logger)
	}

	timeout := r.Timeout(claimed, def)
	startedAt := r.clock.Now()
	marked, err := r.markRunning(ctx, claimed, startedAt, timeout)
	if err != nil {
		logger.Warn("failed to mark task running, abandoning run", "error", err)
		r.publisher.Publish(events.NewError(events.TypeMarkRunning, claimed.ID, err, claimed,
			&events.Timing{Start: claimed.UpdatedAt, Stop: startedAt}))
		result.Err = err
		return result
	}
	result.Task = marked
	r.publisher.Publish(events.New(events.TypeMarkRunning, marked.ID, marked,
		&events.Timing{Start: claimed.UpdatedAt, Stop: startedAt}))
	r.publisher.Publish(events.Stat(events.StatRunDelay, millis(startedAt.Sub(claimed.RunAt))))

	logger.Info("running task", "attempt", marked.Attempts, "timeout", timeout)
	out, state := r.invoke(ctx, def, marked, timeout)
	now := r.clock.Now()
	timing := &events.Timing{Start: startedAt, Stop: now, Blocked: startedAt.Sub(claimed.UpdatedAt)}

	var saved *Task
	switch state {
	case runAbandoned:
		logger.Warn("run abandoned during shutdown, task left for reclaim")
		result.Err = out.err
		r.publisher.Publish(events.NewError(events.TypeRun, marked.ID, result.Err, result, timing))
		return result

	case runExpired:
		logger.Warn("task run timed out", "timeout", timeout)
		result.IsExpired = true
		result.Outcome = OutcomeExpired
		result.Err = ErrTimeoutExpired
		saved, err = r.persist(ctx, marked, func(cur *Task) (*Task, error) {
			return r.expire(cur, now), nil
		})

	default:
		if out.err != nil {
			herr := asHandlerError(out.err)
			result.Err = herr
			logger.Error("task execution failed", "error", out.err, "retryable", herr.Retryable)
			saved, err = r.persist(ctx, marked, func(cur *Task) (*Task, error) {
				next, outcome, err := r.retry.OnFailure(cur, herr, now)
				result.Outcome = outcome
				return next, err
			})
		} else {
			saved, err = r.persist(ctx, marked, func(cur *Task) (*Task, error) {
				next, outcome, err := r.retry.OnSuccess(cur, out.res, now)
				result.Outcome = outcome
				return next, err
			})
			logger.Info("task completed successfully", "outcome", result.Outcome)
		}
	}

	if err != nil {
		logger.Error("failed to persist run outcome, task left for reclaim", "error", err)
	} else if saved != nil {
		result.Task = saved
	}

	if result.Err != nil {
		r.publisher.Publish(events.NewError(events.TypeRun, marked.ID, result.Err, result, timing))
	} else {
		r.publisher.Publish(events.New(events.TypeRun, marked.ID, result, timing))
	}
	return result
}

func (r *TaskRunner) markRunning(ctx context.Context, t *Task, now time.Time, timeout time.Duration) (*Task, error) {
	next := t.Clone()
	next.Status = StatusRunning
	next.Owner = r.config.NodeID
	next.StartedAt = &now
	next.Attempts++
	lease := now.Add(timeout + r.config.LivenessTimeout)
	next.RetryAt = &lease
	next.UpdatedAt = now
	return r.store.Update(ctx, next, t.Version)
}

// invoke calls the handler on its own goroutine so that a handler that
// ignores its context cannot hold the worker past the timeout.
func (r *TaskRunner) invoke(
	ctx context.Context,
	def Definition,
	t *Task,
	timeout time.Duration,
) (handlerOutcome, runState) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inv := Invocation{
		TaskID:      t.ID,
		Type:        t.Type,
		Params:      cloneRaw(t.Params),
		State:       cloneRaw(t.State),
		Attempt:     t.Attempts,
		ScheduledAt: t.RunAt,
		Logger:      r.logger.With("task_id", t.ID, "task_type", t.Type),
	}

	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- handlerOutcome{err: fmt.Errorf("task handler panicked: %v", p)}
			}
		}()
		res, err := def.Handler(runCtx, inv)
		done <- handlerOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return out, runExpired
		}
		if out.err != nil && ctx.Err() != nil {
			return out, runAbandoned
		}
		return out, runCompleted
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return handlerOutcome{err: ctx.Err()}, runAbandoned
		}
		return handlerOutcome{err: ErrTimeoutExpired}, runExpired
	}
}

func (r *TaskRunner) expire(t *Task, now time.Time) *Task {
	next := t.Clone()
	next.Status = StatusExpired
	lease := now.Add(r.config.LivenessTimeout)
	next.RetryAt = &lease
	next.LastError = ErrTimeoutExpired.Error()
	next.UpdatedAt = now
	return next
}

// persist writes apply(current). When another writer bumped the version in
// the meantime, the task is re-read once and the outcome re-applied if this
// node still owns it. A nil task from apply removes the document.
func (r *TaskRunner) persist(ctx context.Context, current *Task, apply func(*Task) (*Task, error)) (*Task, error) {
	saved, err := r.write(ctx, current, apply)
	if !store.IsVersionConflict(err) {
		return saved, err
	}

	fresh, getErr := r.store.Get(ctx, current.ID)
	if getErr != nil {
		return nil, fmt.Errorf("failed to re-read task after conflict: %w", getErr)
	}
	if fresh.Owner != r.config.NodeID || !fresh.Status.Owned() {
		return nil, fmt.Errorf("task %s is no longer owned by this node: %w", current.ID, err)
	}

	r.logger.Debug("task changed while running, re-applying outcome",
		"task_id", current.ID,
		"expected_version", current.Version,
		"found_version", fresh.Version)
	return r.write(ctx, fresh, apply)
}

func (r *TaskRunner) write(ctx context.Context, current *Task, apply func(*Task) (*Task, error)) (*Task, error) {
	next, err := apply(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		err := r.store.RemoveVersion(ctx, current.ID, current.Version)
		if err == nil || store.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to remove completed task: %w", err)
	}
	return r.store.Update(ctx, next, current.Version)
}

func (r *TaskRunner) rejectUnrecognized(ctx context.Context, t *Task, result RunResult, logger *slog.Logger) RunResult {
	now := r.clock.Now()
	result.Err = fmt.Errorf("%w: %s", ErrUnrecognizedTaskType, t.Type)
	logger.Warn("claimed task has no registered handler, marking unrecognized")

	next := t.Clone()
	next.Status = StatusUnrecognized
	next.Owner = ""
	next.RetryAt = nil
	next.UpdatedAt = now
	if saved, err := r.store.Update(ctx, next, t.Version); err != nil {
		logger.Error("failed to mark task unrecognized", "error", err)
	} else {
		result.Task = saved
	}

	r.publisher.Publish(events.NewError(events.TypeRun, t.ID, result.Err, result,
		&events.Timing{Start: now, Stop: now}))
	return result
}

func millis(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
