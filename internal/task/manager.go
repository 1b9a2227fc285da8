package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phrazzld/taskmanager/internal/events"
	"github.com/phrazzld/taskmanager/internal/schedule"
	"github.com/phrazzld/taskmanager/internal/store"
	"golang.org/x/sync/errgroup"
)

// Config holds the tunables of a Manager.
type Config struct {
	NodeID              string
	PollInterval        time.Duration
	MaxPollInterval     time.Duration
	BatchSize           int
	WorkerCount         int
	DefaultTimeout      time.Duration
	LivenessTimeout     time.Duration
	DefaultMaxAttempts  int
	CandidateMultiplier int
	StoreRetries        int
	StoreRetryBase      time.Duration
	ShutdownGracePeriod time.Duration
	// BulkConcurrency bounds concurrent store writes in bulk operations.
	BulkConcurrency int
	// ConflictRetries bounds re-reads when an API write loses a version race.
	ConflictRetries int
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	poller := DefaultPollerConfig()
	claim := DefaultClaimConfig()
	runner := DefaultRunnerConfig()
	return Config{
		PollInterval:        poller.PollInterval,
		MaxPollInterval:     poller.MaxPollInterval,
		BatchSize:           poller.BatchSize,
		WorkerCount:         DefaultWorkerPoolConfig().WorkerCount,
		DefaultTimeout:      runner.DefaultTimeout,
		LivenessTimeout:     claim.LivenessTimeout,
		DefaultMaxAttempts:  DefaultMaxAttempts,
		CandidateMultiplier: claim.CandidateMultiplier,
		StoreRetries:        claim.StoreRetries,
		StoreRetryBase:      claim.StoreRetryBase,
		ShutdownGracePeriod: 30 * time.Second,
		BulkConcurrency:     10,
		ConflictRetries:     3,
	}
}

// Instance is a request to schedule a task.
type Instance struct {
	// ID is generated when empty. EnsureScheduled requires it.
	ID       string `validate:"omitempty,max=255"`
	Type     string `validate:"required,max=255"`
	Schedule *schedule.Schedule
	Params   json.RawMessage
	State    json.RawMessage
	// RunAt defaults to now.
	RunAt           time.Time
	TimeoutOverride time.Duration `validate:"gte=0"`
	// Enabled defaults to true.
	Enabled *bool
}

// FetchOptions selects a page of tasks.
type FetchOptions struct {
	Filter Filter
	Size   int
	After  *Cursor
}

// FetchResult is one page of tasks and the cursor for the next page, nil
// when there are no more.
type FetchResult struct {
	Tasks []*Task
	Next  *Cursor
}

// BulkError is the failure for one id of a bulk operation.
type BulkError struct {
	ID  string
	Err error
}

// BulkResult reports the outcome of a bulk operation per id.
type BulkResult struct {
	Tasks  []*Task
	Errors []BulkError
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// Manager is the task manager of one node. It owns the poller, the worker
// pool and the runner, and exposes the scheduling API.
type Manager struct {
	store     Store
	registry  *HandlerRegistry
	publisher events.Publisher
	clock     Clock
	config    Config
	logger    *slog.Logger
	validate  *validator.Validate

	retry  *RetryScheduler
	claim  *ClaimStrategy
	runner *TaskRunner
	pool   *WorkerPool
	poller *Poller

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewManager wires a Manager. Register task types on the registry before
// calling Start.
func NewManager(
	s Store,
	registry *HandlerRegistry,
	publisher events.Publisher,
	config Config,
	logger *slog.Logger,
	opts ...Option,
) *Manager {
	defaults := DefaultConfig()
	if config.NodeID == "" {
		config.NodeID = uuid.NewString()
	}
	if config.ShutdownGracePeriod <= 0 {
		config.ShutdownGracePeriod = defaults.ShutdownGracePeriod
	}
	if config.BulkConcurrency <= 0 {
		config.BulkConcurrency = defaults.BulkConcurrency
	}
	if config.ConflictRetries <= 0 {
		config.ConflictRetries = defaults.ConflictRetries
	}

	m := &Manager{
		store:     s,
		registry:  registry,
		publisher: publisher,
		clock:     SystemClock{},
		config:    config,
		logger:    logger.With("component", "task_manager", "node_id", config.NodeID),
		validate:  validator.New(),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.retry = NewRetryScheduler(registry, config.DefaultMaxAttempts, logger)
	m.claim = NewClaimStrategy(s, registry, m.retry, publisher, m.clock, ClaimConfig{
		NodeID:              config.NodeID,
		LivenessTimeout:     config.LivenessTimeout,
		CandidateMultiplier: config.CandidateMultiplier,
		StoreRetries:        config.StoreRetries,
		StoreRetryBase:      config.StoreRetryBase,
	}, logger)
	m.runner = NewTaskRunner(s, registry, m.retry, publisher, m.clock, RunnerConfig{
		NodeID:          config.NodeID,
		DefaultTimeout:  config.DefaultTimeout,
		LivenessTimeout: config.LivenessTimeout,
	}, logger)
	m.pool = NewWorkerPool(m.runner, WorkerPoolConfig{WorkerCount: config.WorkerCount}, logger)
	m.poller = NewPoller(m.claim, m.pool, publisher, m.clock, PollerConfig{
		PollInterval:    config.PollInterval,
		MaxPollInterval: config.MaxPollInterval,
		BatchSize:       config.BatchSize,
	}, logger)

	return m
}

// NodeID returns the owner id this node claims tasks under.
func (m *Manager) NodeID() string {
	return m.config.NodeID
}

// Start launches the worker pool and the poller.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}

	m.pool.Start()
	if err := m.poller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start poller: %w", err)
	}
	m.started = true

	m.logger.Info("task manager started",
		"registered_types", m.registry.Types(),
		"worker_count", m.pool.WorkerCount())
	return nil
}

// Stop stops polling, then drains in-flight runs for up to the configured
// grace period or until ctx is done, whichever comes first. Runs still
// going after that are abandoned and become claimable once their lease
// expires.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrNotStarted
	}
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	m.poller.Stop()

	grace := m.config.ShutdownGracePeriod
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < grace {
			grace = max(remaining, 0)
		}
	}

	if !m.pool.Stop(grace) {
		m.logger.Warn("task manager stopped with abandoned runs")
		return nil
	}
	m.logger.Info("task manager stopped")
	return nil
}

// Schedule validates inst and creates a new task from it.
func (m *Manager) Schedule(ctx context.Context, inst Instance) (*Task, error) {
	t, err := m.newTask(inst)
	if err != nil {
		return nil, err
	}

	created, err := m.store.Create(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule task: %w", err)
	}

	m.logger.Info("task scheduled",
		"task_id", created.ID,
		"task_type", created.Type,
		"run_at", created.RunAt,
		"schedule", created.Schedule.String())
	return created, nil
}

// EnsureScheduled creates the task unless one with the same id already
// exists, in which case the stored task is returned unchanged.
func (m *Manager) EnsureScheduled(ctx context.Context, inst Instance) (*Task, error) {
	if inst.ID == "" {
		return nil, fmt.Errorf("%w: ensure scheduled requires an id", ErrInvalidInstance)
	}

	t, err := m.newTask(inst)
	if err != nil {
		return nil, err
	}

	created, err := m.store.Create(ctx, t)
	if err == nil {
		m.logger.Info("task scheduled", "task_id", created.ID, "task_type", created.Type)
		return created, nil
	}
	if !store.IsDuplicateError(err) {
		return nil, fmt.Errorf("failed to ensure task is scheduled: %w", err)
	}

	existing, err := m.store.Get(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing task: %w", err)
	}
	m.logger.Debug("task already scheduled", "task_id", existing.ID)
	return existing, nil
}

// RunSoon makes an idle or failed task due now and wakes the poller. Tasks
// that are owned by a node fail with ErrTaskRunning.
func (m *Manager) RunSoon(ctx context.Context, id string) (*Task, error) {
	updated, err := m.mutate(ctx, id, func(t *Task, now time.Time) error {
		switch t.Status {
		case StatusClaiming, StatusRunning, StatusExpired:
			return ErrTaskRunning
		case StatusUnrecognized:
			if _, ok := m.registry.Lookup(t.Type); !ok {
				return fmt.Errorf("%w: %s", ErrUnrecognizedTaskType, t.Type)
			}
		}
		t.release()
		t.Attempts = 0
		t.RunAt = now
		return nil
	})

	now := m.clock.Now()
	timing := &events.Timing{Start: now, Stop: now}
	if err != nil {
		m.publisher.Publish(events.NewError(events.TypeRunRequest, id, err, nil, timing))
		return nil, err
	}

	m.publisher.Publish(events.New(events.TypeRunRequest, id, updated, timing))
	m.poller.Poke()
	return updated, nil
}

// BulkEnable enables the given tasks. With runSoon, idle and failed tasks
// are also made due now.
func (m *Manager) BulkEnable(ctx context.Context, ids []string, runSoon bool) BulkResult {
	res := m.bulk(ctx, ids, func(t *Task, now time.Time) error {
		t.Enabled = true
		if runSoon && (t.Status == StatusIdle || t.Status == StatusFailed) {
			t.release()
			t.RunAt = now
		}
		return nil
	})
	if runSoon && len(res.Tasks) > 0 {
		m.poller.Poke()
	}
	return res
}

// BulkDisable disables the given tasks. Runs already in flight finish.
func (m *Manager) BulkDisable(ctx context.Context, ids []string) BulkResult {
	return m.bulk(ctx, ids, func(t *Task, now time.Time) error {
		t.Enabled = false
		return nil
	})
}

// BulkUpdateSchedules replaces the schedule of the given recurring tasks.
// Idle tasks are re-armed from their last run on the new schedule.
func (m *Manager) BulkUpdateSchedules(ctx context.Context, ids []string, s *schedule.Schedule) (BulkResult, error) {
	if err := s.Validate(); err != nil {
		return BulkResult{}, fmt.Errorf("%w: %v", ErrInvalidInstance, err)
	}

	return m.bulk(ctx, ids, func(t *Task, now time.Time) error {
		if !t.IsRecurring() {
			return fmt.Errorf("%w: task %s is not recurring", ErrInvalidInstance, t.ID)
		}
		t.Schedule = s.Clone()
		if t.Status != StatusIdle {
			return nil
		}

		var lastRun time.Time
		if t.StartedAt != nil {
			lastRun = *t.StartedAt
		}
		runAt, err := t.Schedule.Next(lastRun, now)
		if err != nil {
			return err
		}
		t.RunAt = runAt
		return nil
	}), nil
}

// Remove deletes a task.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if err := m.store.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to remove task: %w", err)
	}
	m.logger.Info("task removed", "task_id", id)
	return nil
}

// Get returns a task by id.
func (m *Manager) Get(ctx context.Context, id string) (*Task, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// Fetch returns one page of tasks ordered by RunAt then ID.
func (m *Manager) Fetch(ctx context.Context, opts FetchOptions) (FetchResult, error) {
	size := opts.Size
	if size <= 0 {
		size = DefaultPageSize
	}

	tasks, err := m.store.QueryPage(ctx, PageQuery{Filter: opts.Filter, Size: size, After: opts.After})
	if err != nil {
		return FetchResult{}, fmt.Errorf("failed to fetch tasks: %w", err)
	}

	res := FetchResult{Tasks: tasks}
	if len(tasks) == size {
		res.Next = CursorOf(tasks[len(tasks)-1])
	}
	return res, nil
}

// RegisteredTypes returns the task types with a registered handler.
func (m *Manager) RegisteredTypes() []string {
	return m.registry.Types()
}

func (m *Manager) newTask(inst Instance) (*Task, error) {
	if err := m.validate.Struct(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInstance, err)
	}
	if inst.Schedule != nil {
		if err := inst.Schedule.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInstance, err)
		}
	}
	if len(inst.Params) > 0 && !json.Valid(inst.Params) {
		return nil, fmt.Errorf("%w: params are not valid JSON", ErrInvalidInstance)
	}
	if len(inst.State) > 0 && !json.Valid(inst.State) {
		return nil, fmt.Errorf("%w: state is not valid JSON", ErrInvalidInstance)
	}
	if _, ok := m.registry.Lookup(inst.Type); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnrecognizedTaskType, inst.Type)
	}

	now := m.clock.Now()
	t := &Task{
		ID:              inst.ID,
		Type:            inst.Type,
		Schedule:        inst.Schedule.Clone(),
		Params:          cloneRaw(inst.Params),
		State:           cloneRaw(inst.State),
		Enabled:         true,
		Status:          StatusIdle,
		RunAt:           inst.RunAt,
		TimeoutOverride: inst.TimeoutOverride,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if inst.Enabled != nil {
		t.Enabled = *inst.Enabled
	}
	if t.RunAt.IsZero() {
		t.RunAt = now
	}
	return t, nil
}

// mutate applies fn to the current task and writes it back, re-reading on
// version conflicts up to ConflictRetries times.
func (m *Manager) mutate(ctx context.Context, id string, fn func(t *Task, now time.Time) error) (*Task, error) {
	var lastErr error
	for attempt := 0; attempt <= m.config.ConflictRetries; attempt++ {
		current, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		now := m.clock.Now()
		next := current.Clone()
		if err := fn(next, now); err != nil {
			return nil, err
		}
		next.UpdatedAt = now

		updated, err := m.store.Update(ctx, next, current.Version)
		if err == nil {
			return updated, nil
		}
		if !store.IsVersionConflict(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("gave up after %d conflicts: %w", m.config.ConflictRetries+1, lastErr)
}

func (m *Manager) bulk(ctx context.Context, ids []string, fn func(t *Task, now time.Time) error) BulkResult {
	var (
		mu  sync.Mutex
		res BulkResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.BulkConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			updated, err := m.mutate(gctx, id, fn)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors = append(res.Errors, BulkError{ID: id, Err: err})
				return nil
			}
			res.Tasks = append(res.Tasks, updated)
			return nil
		})
	}
	_ = g.Wait()

	if len(res.Errors) > 0 {
		m.logger.Warn("bulk update finished with errors",
			"requested", len(ids),
			"updated", len(res.Tasks),
			"failed", len(res.Errors))
	}
	return res
}

// Err returns the error recorded for id, or nil.
func (r BulkResult) Err(id string) error {
	for _, e := range r.Errors {
		if e.ID == id {
			return e.Err
		}
	}
	return nil
}
