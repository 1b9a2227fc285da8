package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/taskmanager/internal/events"
	"github.com/phrazzld/taskmanager/internal/schedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunOneShotSuccessRemovesTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var got Invocation
	h.register(t, Definition{Type: "email", Handler: func(_ context.Context, inv Invocation) (Result, error) {
		got = inv
		return Result{}, nil
	}})
	tk := newTask("a", "email", t0)
	tk.Params = json.RawMessage(`{"to":"ops@example.com"}`)
	h.seed(t, tk)

	_, res := h.claimAndRun(t, h.node("node-a"))
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, PersistenceOneShot, res.Persistence)

	assert.Equal(t, "a", got.TaskID)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, t0, got.ScheduledAt)
	assert.JSONEq(t, `{"to":"ops@example.com"}`, string(got.Params))
	assert.Zero(t, h.store.Len())

	assert.Equal(t, []events.Type{events.TypeClaim, events.TypeMarkRunning, events.TypeRun}, h.events.taskTypes("a"))
	runEvents := h.events.ofType(events.TypeRun)
	require.Len(t, runEvents, 1)
	assert.True(t, runEvents[0].OK())
	require.NotNil(t, runEvents[0].Timing)
}

func TestRunOneShotSuccessKeepsReplacedTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.register(t, Definition{Type: "email", Handler: func(ctx context.Context, inv Invocation) (Result, error) {
		if err := h.store.Remove(ctx, inv.TaskID); err != nil {
			return Result{}, err
		}
		replacement := newTask(inv.TaskID, "email", t0.Add(time.Hour))
		replacement.Params = json.RawMessage(`{"to":"new@example.com"}`)
		_, err := h.store.Create(ctx, replacement)
		return Result{}, err
	}})
	h.seed(t, newTask("a", "email", t0))

	_, res := h.claimAndRun(t, h.node("node-a"))
	require.NoError(t, res.Err)

	stored := h.get(t, "a")
	assert.Equal(t, StatusIdle, stored.Status)
	assert.Empty(t, stored.Owner)
	assert.Equal(t, t0.Add(time.Hour), stored.RunAt)
	assert.JSONEq(t, `{"to":"new@example.com"}`, string(stored.Params))
}

func TestRunRecurringFollowsInterval(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var runs []time.Time
	h.register(t, Definition{Type: "tick", Handler: func(_ context.Context, inv Invocation) (Result, error) {
		runs = append(runs, h.clock.Now())
		return Result{}, nil
	}})
	tk := newTask("tick", "tick", t0)
	tk.Schedule = schedule.Every("5m")
	h.seed(t, tk)
	n := h.node("node-a")

	for i := 0; i < 10; i++ {
		due := t0.Add(time.Duration(i) * 5 * time.Minute)

		h.clock.Set(due.Add(-time.Second))
		batch, err := n.claim.Claim(context.Background(), 1)
		require.NoError(t, err)
		require.Zero(t, batch.ClaimedCount(), "cycle %d claimed early", i)

		h.clock.Set(due)
		_, res := h.claimAndRun(t, n)
		require.NoError(t, res.Err)
		require.Equal(t, OutcomeRescheduled, res.Outcome)

		stored := h.get(t, "tick")
		assert.Equal(t, due.Add(5*time.Minute), stored.RunAt)
		assert.Equal(t, StatusIdle, stored.Status)
		assert.Empty(t, stored.Owner)
		assert.Zero(t, stored.Attempts)
	}

	require.Len(t, runs, 10)
	for i, at := range runs {
		assert.Equal(t, t0.Add(time.Duration(i)*5*time.Minute), at)
	}
}

func TestRunRetriesWithBackoffThenFails(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		schedule *schedule.Schedule
	}{
		{"one-shot", nil},
		{"recurring", schedule.Every("1h")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			var attempts []int
			h.register(t, Definition{
				Type:        "flaky",
				MaxAttempts: 3,
				Backoff:     schedule.StepBackoff{time.Second, 2 * time.Second, 4 * time.Second},
				Handler: func(_ context.Context, inv Invocation) (Result, error) {
					attempts = append(attempts, inv.Attempt)
					return Result{}, errors.New("upstream down")
				},
			})
			tk := newTask("a", "flaky", t0)
			tk.Schedule = tc.schedule
			h.seed(t, tk)
			n := h.node("node-a")

			_, res := h.claimAndRun(t, n)
			assert.Equal(t, OutcomeRetryScheduled, res.Outcome)
			assert.Equal(t, t0.Add(time.Second), h.get(t, "a").RunAt)

			h.clock.Advance(time.Second)
			_, res = h.claimAndRun(t, n)
			assert.Equal(t, OutcomeRetryScheduled, res.Outcome)
			assert.Equal(t, t0.Add(3*time.Second), h.get(t, "a").RunAt)

			h.clock.Advance(2 * time.Second)
			lastStart := h.clock.Now()
			_, res = h.claimAndRun(t, n)
			require.Error(t, res.Err)
			assert.Equal(t, OutcomeFailed, res.Outcome)
			assert.Equal(t, []int{1, 2, 3}, attempts)

			failed := h.get(t, "a")
			assert.Equal(t, StatusFailed, failed.Status)
			assert.Contains(t, failed.LastError, "upstream down")

			if tc.schedule == nil {
				assert.Equal(t, 3, failed.Attempts)
				h.clock.Advance(24 * time.Hour)
				batch, _ := h.claimAndRun(t, n)
				assert.Zero(t, batch.ClaimedCount())
				return
			}

			assert.Zero(t, failed.Attempts)
			assert.Equal(t, lastStart.Add(time.Hour), failed.RunAt)
			h.clock.Set(failed.RunAt)
			batch, _ := h.claimAndRun(t, n)
			assert.Equal(t, 1, batch.ClaimedCount())
			assert.Equal(t, []int{1, 2, 3, 1}, attempts)
		})
	}
}

func TestRunTimeoutExpiresTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	var calls atomic.Int32
	h.register(t, Definition{
		Type:    "slow",
		Timeout: 20 * time.Millisecond,
		Handler: func(context.Context, Invocation) (Result, error) {
			// Ignores its context on purpose.
			if calls.Add(1) == 1 {
				<-release
			}
			return Result{}, nil
		},
	})
	h.seed(t, newTask("a", "slow", t0))
	a := h.node("node-a")
	b := h.node("node-b")

	_, res := h.claimAndRun(t, a)
	assert.True(t, res.IsExpired)
	assert.Equal(t, OutcomeExpired, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrTimeoutExpired)

	expired := h.get(t, "a")
	assert.Equal(t, StatusExpired, expired.Status)
	assert.Equal(t, "node-a", expired.Owner)
	require.NotNil(t, expired.RetryAt)
	assert.Equal(t, t0.Add(h.liveness), *expired.RetryAt)

	h.clock.Advance(h.liveness / 2)
	batch, err := b.claim.Claim(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, batch.ClaimedCount())

	h.clock.Advance(h.liveness / 2)
	batch, res = h.claimAndRun(t, b)
	require.Equal(t, 1, batch.ClaimedCount())
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Zero(t, h.store.Len())
}

func TestRunHandlerErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		handler   Handler
		outcome   Outcome
		status    Status
		runAt     time.Time
		lastError string
	}{
		{
			name: "panic is retried",
			handler: func(context.Context, Invocation) (Result, error) {
				panic("nil map")
			},
			outcome:   OutcomeRetryScheduled,
			status:    StatusIdle,
			runAt:     t0.Add(schedule.DefaultBackoff.Delay(1)),
			lastError: "panicked: nil map",
		},
		{
			name: "non-retryable fails at once",
			handler: func(context.Context, Invocation) (Result, error) {
				return Result{}, NonRetryable(errors.New("bad params"))
			},
			outcome:   OutcomeFailed,
			status:    StatusFailed,
			runAt:     t0,
			lastError: "bad params",
		},
		{
			name: "retry-after overrides backoff",
			handler: func(context.Context, Invocation) (Result, error) {
				return Result{}, RetryAfter(errors.New("throttled"), 10*time.Minute)
			},
			outcome:   OutcomeRetryScheduled,
			status:    StatusIdle,
			runAt:     t0.Add(10 * time.Minute),
			lastError: "throttled",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.register(t, Definition{Type: "job", Handler: tc.handler})
			h.seed(t, newTask("a", "job", t0))

			_, res := h.claimAndRun(t, h.node("node-a"))
			require.Error(t, res.Err)
			assert.Equal(t, tc.outcome, res.Outcome)

			tk := h.get(t, "a")
			assert.Equal(t, tc.status, tk.Status)
			assert.Equal(t, tc.runAt, tk.RunAt)
			assert.Equal(t, 1, tk.Attempts)
			assert.Contains(t, tk.LastError, tc.lastError)

			runEvents := h.events.ofType(events.TypeRun)
			require.Len(t, runEvents, 1)
			assert.False(t, runEvents[0].OK())
		})
	}
}

func TestRunHandlerReschedulesAndKeepsState(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.register(t, Definition{Type: "counter", Handler: func(_ context.Context, inv Invocation) (Result, error) {
		var s struct {
			Count int `json:"count"`
		}
		if len(inv.State) > 0 {
			if err := json.Unmarshal(inv.State, &s); err != nil {
				return Result{}, NonRetryable(err)
			}
		}
		s.Count++
		state, err := json.Marshal(s)
		if err != nil {
			return Result{}, err
		}
		return Result{State: state, RunIn: 10 * time.Minute}, nil
	}})
	h.seed(t, newTask("a", "counter", t0))
	n := h.node("node-a")

	for i := 0; i < 3; i++ {
		_, res := h.claimAndRun(t, n)
		require.NoError(t, res.Err)
		require.Equal(t, OutcomeRescheduled, res.Outcome)
		h.clock.Advance(10 * time.Minute)
	}

	tk := h.get(t, "a")
	assert.JSONEq(t, `{"count":3}`, string(tk.State))
	assert.Equal(t, t0.Add(30*time.Minute), tk.RunAt)
	assert.Equal(t, StatusIdle, tk.Status)
}

func TestRunReappliesOutcomeAfterConcurrentEdit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.register(t, Definition{Type: "tick", Handler: noop})
	tk := newTask("a", "tick", t0)
	tk.Schedule = schedule.Every("5m")
	h.seed(t, tk)

	var edited atomic.Bool
	h.store.BeforeUpdate = func(ctx context.Context, next *Task, _ int64) error {
		if next.Status != StatusIdle || !edited.CompareAndSwap(false, true) {
			return nil
		}
		cur, err := h.store.Get(ctx, next.ID)
		if err != nil {
			return err
		}
		cur.Params = json.RawMessage(`{"edited":true}`)
		_, err = h.store.Update(ctx, cur, cur.Version)
		return err
	}

	_, res := h.claimAndRun(t, h.node("node-a"))
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeRescheduled, res.Outcome)

	stored := h.get(t, "a")
	assert.Equal(t, StatusIdle, stored.Status)
	assert.Equal(t, t0.Add(5*time.Minute), stored.RunAt)
	assert.JSONEq(t, `{"edited":true}`, string(stored.Params))
	assert.Equal(t, int64(5), stored.Version)
	assert.Equal(t, stored, res.Task)
}

func TestRunDoesNotOverwriteNewOwner(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.register(t, Definition{Type: "tick", Handler: noop})
	tk := newTask("a", "tick", t0)
	tk.Schedule = schedule.Every("5m")
	h.seed(t, tk)

	var stolen atomic.Bool
	h.store.BeforeUpdate = func(ctx context.Context, next *Task, _ int64) error {
		if next.Status != StatusIdle || !stolen.CompareAndSwap(false, true) {
			return nil
		}
		cur, err := h.store.Get(ctx, next.ID)
		if err != nil {
			return err
		}
		cur.Status = StatusClaiming
		cur.Owner = "node-b"
		_, err = h.store.Update(ctx, cur, cur.Version)
		return err
	}

	_, res := h.claimAndRun(t, h.node("node-a"))
	assert.Equal(t, StatusRunning, res.Task.Status)

	stored := h.get(t, "a")
	assert.Equal(t, "node-b", stored.Owner)
	assert.Equal(t, StatusClaiming, stored.Status)
}

func TestRunAbandonedOnShutdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	started := make(chan struct{})
	h.register(t, Definition{Type: "long", Timeout: time.Hour, Handler: func(ctx context.Context, _ Invocation) (Result, error) {
		close(started)
		<-ctx.Done()
		return Result{}, ctx.Err()
	}})
	h.seed(t, newTask("a", "long", t0))
	n := h.node("node-a")

	batch, err := n.claim.Claim(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, batch.ClaimedCount())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res := n.runner.Run(ctx, batch.Claimed[0])
	require.Error(t, res.Err)
	assert.Empty(t, res.Outcome)

	tk := h.get(t, "a")
	assert.Equal(t, StatusRunning, tk.Status)
	assert.Equal(t, "node-a", tk.Owner)
	assert.Equal(t, 1, tk.Attempts)
}

func TestStaleClaimCannotStartAfterReclaim(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var calls atomic.Int32
	h.register(t, Definition{Type: "job", Handler: func(context.Context, Invocation) (Result, error) {
		calls.Add(1)
		return Result{}, nil
	}})
	h.seed(t, newTask("a", "job", t0))
	a := h.node("node-a")
	b := h.node("node-b")

	stale, err := a.claim.Claim(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, stale.ClaimedCount())

	// node-a stalls past its lease and node-b takes over.
	h.clock.Advance(h.liveness)
	fresh, err := b.claim.Claim(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, fresh.ClaimedCount())

	res := a.runner.Run(context.Background(), stale.Claimed[0])
	require.Error(t, res.Err)
	assert.Zero(t, calls.Load())

	markEvents := h.events.ofType(events.TypeMarkRunning)
	require.Len(t, markEvents, 1)
	assert.False(t, markEvents[0].OK())

	res = b.runner.Run(context.Background(), fresh.Claimed[0])
	require.NoError(t, res.Err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, h.store.Len())
}

func TestRunnerTimeoutPrecedence(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	r := h.node("node-a").runner
	tk := newTask("a", "job", t0)

	assert.Equal(t, time.Second, r.Timeout(tk, Definition{}))
	assert.Equal(t, time.Minute, r.Timeout(tk, Definition{Timeout: time.Minute}))
	tk.TimeoutOverride = time.Hour
	assert.Equal(t, time.Hour, r.Timeout(tk, Definition{Timeout: time.Minute}))
}
