package task

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/taskmanager/internal/redact"
	"github.com/phrazzld/taskmanager/internal/schedule"
)

// Outcome summarises what happened to a task after a run.
type Outcome string

// Run outcomes
const (
	// OutcomeSuccess: a one-shot task finished and was removed.
	OutcomeSuccess Outcome = "success"
	// OutcomeRescheduled: the task was re-armed for its next run.
	OutcomeRescheduled Outcome = "rescheduled"
	// OutcomeRetryScheduled: the run failed and will be retried after a backoff.
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	// OutcomeFailed: attempts are exhausted. Recurring tasks are re-armed on schedule.
	OutcomeFailed Outcome = "failed"
	// OutcomeExpired: the handler outlived its timeout.
	OutcomeExpired Outcome = "expired"
)

// DefaultMaxAttempts is used when neither the definition nor the
// configuration sets a limit.
const DefaultMaxAttempts = 3

// RetryScheduler computes a task's next document after a run. It never
// writes to the store; callers persist what it returns.
type RetryScheduler struct {
	registry           *HandlerRegistry
	defaultMaxAttempts int
	logger             *slog.Logger
}

// NewRetryScheduler creates a RetryScheduler. A non-positive
// defaultMaxAttempts falls back to DefaultMaxAttempts.
func NewRetryScheduler(registry *HandlerRegistry, defaultMaxAttempts int, logger *slog.Logger) *RetryScheduler {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = DefaultMaxAttempts
	}
	return &RetryScheduler{
		registry:           registry,
		defaultMaxAttempts: defaultMaxAttempts,
		logger:             logger.With("component", "retry_scheduler"),
	}
}

// MaxAttempts returns the attempt limit for a task type.
func (r *RetryScheduler) MaxAttempts(taskType string) int {
	if def, ok := r.registry.Lookup(taskType); ok && def.MaxAttempts > 0 {
		return def.MaxAttempts
	}
	return r.defaultMaxAttempts
}

func (r *RetryScheduler) backoff(taskType string) schedule.Backoff {
	if def, ok := r.registry.Lookup(taskType); ok && def.Backoff != nil {
		return def.Backoff
	}
	return schedule.DefaultBackoff
}

// OnSuccess returns the task after a successful run, or nil when the task
// is finished and should be removed.
func (r *RetryScheduler) OnSuccess(t *Task, res Result, now time.Time) (*Task, Outcome, error) {
	next := t.Clone()
	next.release()
	next.Attempts = 0
	next.LastError = ""
	next.UpdatedAt = now
	if res.State != nil {
		next.State = cloneRaw(res.State)
	}

	switch {
	case res.RunAt != nil:
		next.RunAt = schedule.CatchUp(*res.RunAt, now)
	case res.RunIn > 0:
		next.RunAt = now.Add(res.RunIn)
	case t.IsRecurring():
		runAt, err := r.nextScheduled(t, now)
		if err != nil {
			return nil, "", err
		}
		next.RunAt = runAt
	default:
		return nil, OutcomeSuccess, nil
	}

	return next, OutcomeRescheduled, nil
}

// OnFailure returns the task after a failed run. Retryable failures below
// the attempt limit are retried after a backoff; everything else fails.
func (r *RetryScheduler) OnFailure(t *Task, herr *HandlerError, now time.Time) (*Task, Outcome, error) {
	next := t.Clone()
	next.release()
	next.LastError = redact.Error(herr)
	next.UpdatedAt = now

	if herr.Retryable && next.Attempts < r.MaxAttempts(t.Type) {
		switch {
		case herr.RetryAt != nil:
			next.RunAt = schedule.CatchUp(*herr.RetryAt, now)
		case herr.RetryIn > 0:
			next.RunAt = now.Add(herr.RetryIn)
		default:
			next.RunAt = now.Add(r.backoff(t.Type).Delay(next.Attempts))
		}
		return next, OutcomeRetryScheduled, nil
	}

	if err := r.fail(next, now); err != nil {
		return nil, "", err
	}
	return next, OutcomeFailed, nil
}

// OnExhausted fails a stale task whose owner used up its last attempt
// without reporting back.
func (r *RetryScheduler) OnExhausted(t *Task, now time.Time) (*Task, error) {
	next := t.Clone()
	next.release()
	next.UpdatedAt = now
	next.LastError = fmt.Sprintf("%v: abandoned after %d attempts", ErrTimeoutExpired, t.Attempts)
	if err := r.fail(next, now); err != nil {
		return nil, err
	}
	return next, nil
}

// fail marks t failed. Recurring tasks get a fresh set of attempts and
// their next scheduled run; one-shot tasks stay failed until rescheduled
// by an operator.
func (r *RetryScheduler) fail(t *Task, now time.Time) error {
	t.Status = StatusFailed
	if !t.IsRecurring() {
		return nil
	}

	runAt, err := r.nextScheduled(t, now)
	if err != nil {
		return err
	}
	t.Attempts = 0
	t.RunAt = runAt
	r.logger.Debug("recurring task failed, re-armed on schedule",
		"task_id", t.ID,
		"task_type", t.Type,
		"run_at", runAt)
	return nil
}

func (r *RetryScheduler) nextScheduled(t *Task, now time.Time) (time.Time, error) {
	var lastRun time.Time
	if t.StartedAt != nil {
		lastRun = *t.StartedAt
	}
	runAt, err := t.Schedule.Next(lastRun, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to compute next run for task %s: %w", t.ID, err)
	}
	return runAt, nil
}
