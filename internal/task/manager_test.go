package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/taskmanager/internal/events"
	"github.com/phrazzld/taskmanager/internal/schedule"
	"github.com/phrazzld/taskmanager/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type managerFixture struct {
	manager  *Manager
	store    *MemoryStore
	registry *HandlerRegistry
	events   *eventRecorder
	clock    *ManualClock
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{
		store:    NewMemoryStore(),
		registry: NewHandlerRegistry(),
		events:   &eventRecorder{},
		clock:    NewManualClock(t0),
	}
	require.NoError(t, f.registry.Register(Definition{Type: "email", Handler: noop}))
	require.NoError(t, f.registry.Register(Definition{Type: "report", Handler: noop}))

	cfg := DefaultConfig()
	cfg.NodeID = "node-test"
	f.manager = NewManager(f.store, f.registry, f.events, cfg, testLogger(), WithClock(f.clock))
	return f
}

func TestManagerScheduleRoundTrip(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t)
	ctx := context.Background()

	created, err := f.manager.Schedule(ctx, Instance{
		Type:   "email",
		Params: json.RawMessage(`{"to":"ops@example.com"}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, t0, created.RunAt)
	assert.Equal(t, StatusIdle, created.Status)
	assert.True(t, created.Enabled)
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, PersistenceOneShot, created.Persistence())

	got, err := f.manager.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	disabled := false
	recurring, err := f.manager.Schedule(ctx, Instance{
		ID:       "daily-report",
		Type:     "report",
		Schedule: schedule.Every("1d"),
		RunAt:    t0.Add(time.Hour),
		Enabled:  &disabled,
	})
	require.NoError(t, err)
	assert.Equal(t, "daily-report", recurring.ID)
	assert.Equal(t, t0.Add(time.Hour), recurring.RunAt)
	assert.False(t, recurring.Enabled)
	assert.True(t, recurring.IsRecurring())
}

func TestManagerScheduleValidation(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t)
	ctx := context.Background()
	_, err := f.manager.Schedule(ctx, Instance{ID: "taken", Type: "email"})
	require.NoError(t, err)

	cases := []struct {
		name string
		inst Instance
		want error
	}{
		{"missing type", Instance{}, ErrInvalidInstance},
		{"unregistered type", Instance{Type: "sms"}, ErrUnrecognizedTaskType},
		{"bad interval", Instance{Type: "report", Schedule: schedule.Every("5x")}, ErrInvalidInstance},
		{"empty schedule", Instance{Type: "report", Schedule: &schedule.Schedule{}}, ErrInvalidInstance},
		{"bad params", Instance{Type: "email", Params: json.RawMessage(`{`)}, ErrInvalidInstance},
		{"negative timeout", Instance{Type: "email", TimeoutOverride: -time.Second}, ErrInvalidInstance},
		{"duplicate id", Instance{ID: "taken", Type: "email"}, store.ErrDuplicate},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.manager.Schedule(ctx, tc.inst)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Equal(t, 1, f.store.Len())
}

func TestManagerEnsureScheduledIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t)
	ctx := context.Background()

	first, err := f.manager.EnsureScheduled(ctx, Instance{
		ID:       "nightly",
		Type:     "report",
		Schedule: schedule.Every("1d"),
		Params:   json.RawMessage(`{"v":1}`),
	})
	require.NoError(t, err)

	second, err := f.manager.EnsureScheduled(ctx, Instance{
		ID:       "nightly",
		Type:     "report",
		Schedule: schedule.Every("1h"),
		Params:   json.RawMessage(`{"v":2}`),
	})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.store.Len())

	_, err = f.manager.EnsureScheduled(ctx, Instance{Type: "report"})
	assert.ErrorIs(t, err, ErrInvalidInstance)
}

func TestManagerRunSoon(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t)
	ctx := context.Background()

	idle, err := f.manager.Schedule(ctx, Instance{ID: "later", Type: "email", RunAt: t0.Add(time.Hour)})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	updated, err := f.manager.RunSoon(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute), updated.RunAt)
	assert.True(t, updated.Claimable(f.clock.Now()))

	failed := newTask("failed", "email", t0)
	failed.Status = StatusFailed
	failed.Attempts = 3
	failed.LastError = "boom"
	running := newTask("running", "email", t0)
	running.Status = StatusRunning
	running.Owner = "node-b"
	ghost := newTask("ghost", "sms", t0)
	ghost.Status = StatusUnrecognized
	for _, tk := range []*Task{failed, running, ghost} {
		_, err := f.store.Create(ctx, tk)
		require.NoError(t, err)
	}

	updated, err = f.manager.RunSoon(ctx, "failed")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, updated.Status)
	assert.Zero(t, updated.Attempts)

	_, err = f.manager.RunSoon(ctx, "running")
	assert.ErrorIs(t, err, ErrTaskRunning)
	assert.Equal(t, "node-b", f.store.tasks["running"].Owner)

	_, err = f.manager.RunSoon(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnrecognizedTaskType)

	_, err = f.manager.RunSoon(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	requests := f.events.ofType(events.TypeRunRequest)
	require.Len(t, requests, 5)
	assert.True(t, requests[0].OK())
	assert.True(t, requests[1].OK())
	assert.False(t, requests[2].OK())
	assert.False(t, requests[4].OK())
}

func TestManagerRunSoonRetriesConflicts(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t)
	ctx := context.Background()
	_, err := f.manager.Schedule(ctx, Instance{ID: "a", Type: "email", RunAt: t0.Add(time.Hour)})
	require.NoError(t, err)

	var bumps atomic.Int32
	f.store.BeforeUpdate = func(ctx context.Context, tk *Task, expected int64) error {
		if tk.RunAt.Equal(t0) && bumps.Add(1) <= 2 {
			cur, err := f.store.Get(ctx, tk.ID)
			if err != nil {
				return err
			}
			cur.Params = json.RawMessage(fmt.Sprintf(`{"bump":%d}`, bumps.Load()))
			f.store.mutex.Lock()
			cur.Version++
			f.store.tasks[cur.ID] = cur
			f.store.mutex.Unlock()
		}
		return nil
	}

	updated, err := f.manager.RunSoon(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, t0, updated.RunAt)
	assert.JSONEq(t, `{"bump":2}`, string(updated.Params))
}

func TestManagerBulkOperations(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := f.manager.Schedule(ctx, Instance{ID: id, Type: "report", Schedule: schedule.Every("1h"), RunAt: t0.Add(time.Hour)})
		require.NoError(t, err)
	}
	_, err := f.manager.Schedule(ctx, Instance{ID: "once", Type: "email"})
	require.NoError(t, err)

	res := f.manager.BulkDisable(ctx, []string{"a", "b", "missing"})
	assert.Len(t, res.Tasks, 2)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Err("missing"), store.ErrNotFound)
	assert.NoError(t, res.Err("a"))
	assert.False(t, f.store.tasks["a"].Enabled)
	assert.True(t, f.store.tasks["c"].Enabled)

	f.clock.Advance(time.Minute)
	res = f.manager.BulkEnable(ctx, []string{"a", "b"}, true)
	assert.Empty(t, res.Errors)
	for _, id := range []string{"a", "b"} {
		tk := f.store.tasks[id]
		assert.True(t, tk.Enabled)
		assert.Equal(t, t0.Add(time.Minute), tk.RunAt)
	}

	res = f.manager.BulkEnable(ctx, []string{"c"}, false)
	assert.Empty(t, res.Errors)
	assert.Equal(t, t0.Add(time.Hour), f.store.tasks["c"].RunAt)
}

func TestManagerBulkUpdateSchedules(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t)
	ctx := context.Background()

	lastRun := t0.Add(-10 * time.Minute)
	hourly := newTask("hourly", "report", t0.Add(50*time.Minute))
	hourly.Schedule = schedule.Every("1h")
	hourly.StartedAt = &lastRun
	busy := newTask("busy", "report", t0)
	busy.Schedule = schedule.Every("1h")
	busy.Status = StatusRunning
	busy.Owner = "node-b"
	for _, tk := range []*Task{hourly, busy, newTask("once", "email", t0)} {
		_, err := f.store.Create(ctx, tk)
		require.NoError(t, err)
	}

	res, err := f.manager.BulkUpdateSchedules(ctx, []string{"hourly", "busy", "once"}, schedule.Every("15m"))
	require.NoError(t, err)
	assert.Len(t, res.Tasks, 2)
	assert.ErrorIs(t, res.Err("once"), ErrInvalidInstance)

	got := f.store.tasks["hourly"]
	assert.Equal(t, "15m", got.Schedule.Interval)
	assert.Equal(t, t0.Add(5*time.Minute), got.RunAt)

	got = f.store.tasks["busy"]
	assert.Equal(t, "15m", got.Schedule.Interval)
	assert.Equal(t, t0, got.RunAt)
	assert.Equal(t, "node-b", got.Owner)

	_, err = f.manager.BulkUpdateSchedules(ctx, []string{"hourly"}, &schedule.Schedule{})
	assert.ErrorIs(t, err, ErrInvalidInstance)
}

func TestManagerFetchPages(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := f.manager.Schedule(ctx, Instance{
			ID:    fmt.Sprintf("t%d", i),
			Type:  "email",
			RunAt: t0.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	var (
		seen  []string
		after *Cursor
		pages int
	)
	for {
		page, err := f.manager.Fetch(ctx, FetchOptions{Size: 2, After: after})
		require.NoError(t, err)
		pages++
		seen = append(seen, ids(page.Tasks)...)
		if page.Next == nil {
			break
		}
		after = page.Next
	}
	assert.Equal(t, 3, pages)
	assert.Equal(t, []string{"t0", "t1", "t2", "t3", "t4"}, seen)

	before := t0.Add(90 * time.Second)
	page, err := f.manager.Fetch(ctx, FetchOptions{Filter: Filter{RunAtBefore: &before}})
	require.NoError(t, err)
	assert.Equal(t, []string{"t0", "t1"}, ids(page.Tasks))
	assert.Nil(t, page.Next)
}

func TestManagerRemoveAndTypes(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t)
	ctx := context.Background()

	assert.Equal(t, []string{"email", "report"}, f.manager.RegisteredTypes())
	assert.Equal(t, "node-test", f.manager.NodeID())

	_, err := f.manager.Schedule(ctx, Instance{ID: "a", Type: "email"})
	require.NoError(t, err)
	require.NoError(t, f.manager.Remove(ctx, "a"))
	assert.ErrorIs(t, f.manager.Remove(ctx, "a"), store.ErrNotFound)

	_, err = f.manager.Get(ctx, "a")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManagerLifecycle(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.manager.Stop(ctx), ErrNotStarted)
	require.NoError(t, f.manager.Start(ctx))
	assert.ErrorIs(t, f.manager.Start(ctx), ErrAlreadyStarted)
	require.NoError(t, f.manager.Stop(ctx))
	require.NoError(t, f.manager.Stop(ctx))
}

func TestManagerGeneratesNodeID(t *testing.T) {
	t.Parallel()

	m := NewManager(NewMemoryStore(), NewHandlerRegistry(), events.Discard, Config{}, testLogger())
	assert.NotEmpty(t, m.NodeID())
}

func TestManagerRunsScheduledTasks(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	registry := NewHandlerRegistry()
	var ran atomic.Int32
	require.NoError(t, registry.Register(Definition{Type: "job", Handler: func(context.Context, Invocation) (Result, error) {
		ran.Add(1)
		return Result{}, nil
	}}))

	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.WorkerCount = 2
	cfg.BatchSize = 2
	m := NewManager(s, registry, events.Discard, cfg, testLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := m.Schedule(ctx, Instance{Type: "job"})
		require.NoError(t, err)
	}

	require.NoError(t, m.Start(ctx))
	assert.Eventually(t, func() bool {
		return ran.Load() == 5 && s.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, m.Stop(stopCtx))
}

func TestManagerRunSoonWakesPoller(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	registry := NewHandlerRegistry()
	ran := make(chan string, 1)
	require.NoError(t, registry.Register(Definition{Type: "job", Handler: func(_ context.Context, inv Invocation) (Result, error) {
		ran <- inv.TaskID
		return Result{}, nil
	}}))

	cfg := DefaultConfig()
	cfg.PollInterval = time.Hour
	m := NewManager(s, registry, events.Discard, cfg, testLogger())
	ctx := context.Background()

	_, err := m.Schedule(ctx, Instance{ID: "later", Type: "job", RunAt: time.Now().Add(24 * time.Hour)})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	defer func() { _ = m.Stop(ctx) }()

	// Let the first, empty cycle pass before asking for a run.
	time.Sleep(20 * time.Millisecond)
	_, err = m.RunSoon(ctx, "later")
	require.NoError(t, err)

	select {
	case id := <-ran:
		assert.Equal(t, "later", id)
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run after RunSoon")
	}
}
