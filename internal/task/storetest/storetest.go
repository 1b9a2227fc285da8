// Package storetest holds behaviour checks shared by every task.Store
// implementation.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/taskmanager/internal/events"
	"github.com/phrazzld/taskmanager/internal/schedule"
	"github.com/phrazzld/taskmanager/internal/store"
	"github.com/phrazzld/taskmanager/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Base is the reference instant used by the suite. Stores must keep at
// least microsecond precision.
var Base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) task.Store

// Run exercises s against the task.Store contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("Duplicate", func(t *testing.T) { testDuplicate(t, newStore(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("Remove", func(t *testing.T) { testRemove(t, newStore(t)) })
	t.Run("RemoveVersion", func(t *testing.T) { testRemoveVersion(t, newStore(t)) })
	t.Run("QueryPage", func(t *testing.T) { testQueryPage(t, newStore(t)) })
	t.Run("Claimable", func(t *testing.T) { testClaimable(t, newStore(t)) })
	t.Run("ConcurrentUpdate", func(t *testing.T) { testConcurrentUpdate(t, newStore(t)) })
	t.Run("ConcurrentClaims", func(t *testing.T) { testConcurrentClaims(t, newStore(t)) })
}

// NewTask returns an idle one-shot task due at runAt.
func NewTask(id, taskType string, runAt time.Time) *task.Task {
	return &task.Task{
		ID:        id,
		Type:      taskType,
		Enabled:   true,
		Status:    task.StatusIdle,
		RunAt:     runAt,
		CreatedAt: Base,
		UpdatedAt: Base,
	}
}

func testCreateGet(t *testing.T, s task.Store) {
	ctx := context.Background()

	started := Base.Add(-time.Minute)
	retry := Base.Add(time.Minute)
	in := NewTask("full", "report", Base)
	in.Schedule = schedule.Every("5m")
	in.Params = json.RawMessage(`{"user":"u1"}`)
	in.State = json.RawMessage(`{"count":2}`)
	in.Status = task.StatusRunning
	in.Owner = "node-a"
	in.Attempts = 2
	in.StartedAt = &started
	in.RetryAt = &retry
	in.TimeoutOverride = 90 * time.Second
	in.LastError = "boom"

	created, err := s.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	got, err := s.Get(ctx, "full")
	require.NoError(t, err)
	// JSON columns may be normalised by the backend, so compare them
	// semantically.
	assert.Equal(t, created.Version, got.Version)
	assert.Equal(t, task.StatusRunning, got.Status)
	assert.Equal(t, "node-a", got.Owner)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "boom", got.LastError)
	assert.True(t, got.RunAt.Equal(Base))
	assert.True(t, got.RetryAt.Equal(retry))
	require.NotNil(t, got.Schedule)
	assert.Equal(t, "5m", got.Schedule.Interval)
	assert.JSONEq(t, `{"user":"u1"}`, string(got.Params))
	assert.JSONEq(t, `{"count":2}`, string(got.State))
	assert.True(t, got.StartedAt.Equal(started))
	assert.Equal(t, 90*time.Second, got.TimeoutOverride)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDuplicate(t *testing.T, s task.Store) {
	ctx := context.Background()

	_, err := s.Create(ctx, NewTask("a", "x", Base))
	require.NoError(t, err)
	_, err = s.Create(ctx, NewTask("a", "y", Base))
	assert.ErrorIs(t, err, store.ErrDuplicate)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "x", got.Type)
}

func testUpdate(t *testing.T, s task.Store) {
	ctx := context.Background()

	created, err := s.Create(ctx, NewTask("a", "x", Base))
	require.NoError(t, err)

	next := created.Clone()
	next.Status = task.StatusClaiming
	next.Owner = "node-a"
	updated, err := s.Update(ctx, next, created.Version)
	require.NoError(t, err)
	assert.Equal(t, created.Version+1, updated.Version)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, updated, got)

	// writing against the old version loses
	stale := created.Clone()
	stale.Owner = "node-b"
	_, err = s.Update(ctx, stale, created.Version)
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	got, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "node-a", got.Owner)

	_, err = s.Update(ctx, NewTask("missing", "x", Base), 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRemove(t *testing.T, s task.Store) {
	ctx := context.Background()

	_, err := s.Create(ctx, NewTask("a", "x", Base))
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, "a"))

	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.Remove(ctx, "a"), store.ErrNotFound)
}

func testRemoveVersion(t *testing.T, s task.Store) {
	ctx := context.Background()

	created, err := s.Create(ctx, NewTask("a", "x", Base))
	require.NoError(t, err)
	next := created.Clone()
	next.Owner = "node-a"
	updated, err := s.Update(ctx, next, created.Version)
	require.NoError(t, err)

	err = s.RemoveVersion(ctx, "a", created.Version)
	assert.ErrorIs(t, err, store.ErrVersionConflict)
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, updated.Version, got.Version)

	require.NoError(t, s.RemoveVersion(ctx, "a", updated.Version))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.RemoveVersion(ctx, "a", updated.Version), store.ErrNotFound)
}

func testQueryPage(t *testing.T, s task.Store) {
	ctx := context.Background()

	// two tasks share a run_at so the id breaks the tie
	for i, id := range []string{"e", "d", "c", "b", "a"} {
		runAt := Base.Add(time.Duration(i/2) * time.Minute)
		tk := NewTask(id, "x", runAt)
		if id == "a" {
			tk.Type = "y"
		}
		_, err := s.Create(ctx, tk)
		require.NoError(t, err)
	}

	var seen []string
	var after *task.Cursor
	for {
		page, err := s.QueryPage(ctx, task.PageQuery{Size: 2, After: after})
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, tk := range page {
			seen = append(seen, tk.ID)
		}
		after = task.CursorOf(page[len(page)-1])
	}
	assert.Equal(t, []string{"d", "e", "b", "c", "a"}, seen)

	byType, err := s.QueryPage(ctx, task.PageQuery{Filter: task.Filter{Types: []string{"y"}}})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "a", byType[0].ID)

	before := Base.Add(time.Minute)
	due, err := s.QueryPage(ctx, task.PageQuery{Filter: task.Filter{RunAtBefore: &before}})
	require.NoError(t, err)
	assert.Len(t, due, 4)

	byID, err := s.QueryPage(ctx, task.PageQuery{Filter: task.Filter{IDs: []string{"a", "c", "zz"}}})
	require.NoError(t, err)
	assert.Len(t, byID, 2)
}

func testClaimable(t *testing.T, s task.Store) {
	ctx := context.Background()
	now := Base.Add(time.Hour)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	type fixture struct {
		id        string
		claimable bool
		mutate    func(*task.Task)
	}
	fixtures := []fixture{
		{"idle-due", true, func(*task.Task) {}},
		{"idle-future", false, func(tk *task.Task) { tk.RunAt = future }},
		{"disabled", false, func(tk *task.Task) { tk.Enabled = false }},
		{"failed-once", false, func(tk *task.Task) { tk.Status = task.StatusFailed }},
		{"failed-recurring", true, func(tk *task.Task) {
			tk.Status = task.StatusFailed
			tk.Schedule = schedule.Every("1h")
		}},
		{"running-stale", true, func(tk *task.Task) {
			tk.Status = task.StatusRunning
			tk.Owner = "node-a"
			tk.RetryAt = &past
		}},
		{"running-live", false, func(tk *task.Task) {
			tk.Status = task.StatusRunning
			tk.Owner = "node-a"
			tk.RetryAt = &future
		}},
		{"expired-stale", true, func(tk *task.Task) {
			tk.Status = task.StatusExpired
			tk.Owner = "node-a"
			tk.RetryAt = &now
		}},
		{"unrecognized", false, func(tk *task.Task) { tk.Status = task.StatusUnrecognized }},
	}

	want := make([]string, 0)
	for i, f := range fixtures {
		tk := NewTask(f.id, "x", past.Add(time.Duration(i)*time.Microsecond))
		f.mutate(tk)
		_, err := s.Create(ctx, tk)
		require.NoError(t, err)
		if f.claimable {
			want = append(want, f.id)
		}
		assert.Equal(t, f.claimable, tk.Claimable(now), f.id)
	}

	got, err := s.QueryPage(ctx, task.PageQuery{Filter: task.Filter{ClaimableAt: &now}})
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, tk := range got {
		ids[i] = tk.ID
	}
	assert.Equal(t, want, ids)
}

func testConcurrentUpdate(t *testing.T, s task.Store) {
	ctx := context.Background()

	created, err := s.Create(ctx, NewTask("contended", "x", Base))
	require.NoError(t, err)

	const writers = 8
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := created.Clone()
			next.Owner = fmt.Sprintf("node-%d", i)
			if _, err := s.Update(ctx, next, created.Version); err == nil {
				winners.Add(1)
			} else {
				assert.ErrorIs(t, err, store.ErrVersionConflict)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	got, err := s.Get(ctx, "contended")
	require.NoError(t, err)
	assert.Equal(t, created.Version+1, got.Version)
}

// testConcurrentClaims races several nodes over the same due tasks; every
// task must end up owned by exactly one of them.
func testConcurrentClaims(t *testing.T, s task.Store) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	const total = 24
	for i := range total {
		_, err := s.Create(ctx, NewTask(fmt.Sprintf("due-%02d", i), "job", Base))
		require.NoError(t, err)
	}

	registry := task.NewHandlerRegistry()
	require.NoError(t, registry.Register(task.Definition{
		Type:    "job",
		Handler: func(context.Context, task.Invocation) (task.Result, error) { return task.Result{}, nil },
	}))
	retry := task.NewRetryScheduler(registry, 3, log)

	var (
		mu      sync.Mutex
		owners  = make(map[string]string)
		dupes   []string
		wg      sync.WaitGroup
		claimed atomic.Int32
	)
	for n := range 4 {
		node := fmt.Sprintf("node-%d", n)
		strategy := task.NewClaimStrategy(s, registry, retry, events.Discard, task.SystemClock{},
			task.ClaimConfig{NodeID: node, LivenessTimeout: time.Hour, CandidateMultiplier: 2}, log)

		wg.Add(1)
		go func() {
			defer wg.Done()
			for range total {
				batch, err := strategy.Claim(ctx, 3)
				if !assert.NoError(t, err) {
					return
				}
				if batch.ClaimedCount() == 0 && batch.ConflictCount() == 0 {
					return
				}
				mu.Lock()
				for _, tk := range batch.Claimed {
					if prev, ok := owners[tk.ID]; ok {
						dupes = append(dupes, tk.ID+" "+prev+" "+node)
					}
					owners[tk.ID] = node
				}
				mu.Unlock()
				claimed.Add(int32(batch.ClaimedCount()))
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, dupes)
	assert.Equal(t, int32(total), claimed.Load())

	for id, node := range owners {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, node, got.Owner, id)
		assert.Equal(t, task.StatusClaiming, got.Status, id)
	}
}
