package task

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/taskmanager/internal/events"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// eventRecorder is a Publisher that keeps every event.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ofType(typ events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// taskTypes returns the event types published for one task id, in order.
func (r *eventRecorder) taskTypes(id string) []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, e := range r.events {
		if e.ID == id && e.Type != events.TypeStat {
			out = append(out, e.Type)
		}
	}
	return out
}

// node is one simulated scheduler process sharing a store with others.
type node struct {
	id     string
	claim  *ClaimStrategy
	runner *TaskRunner
}

type harness struct {
	store    *MemoryStore
	registry *HandlerRegistry
	clock    *ManualClock
	events   *eventRecorder
	retry    *RetryScheduler
	liveness time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	registry := NewHandlerRegistry()
	return &harness{
		store:    NewMemoryStore(),
		registry: registry,
		clock:    NewManualClock(t0),
		events:   &eventRecorder{},
		retry:    NewRetryScheduler(registry, 3, testLogger()),
		liveness: time.Minute,
	}
}

func (h *harness) node(id string) *node {
	return &node{
		id: id,
		claim: NewClaimStrategy(h.store, h.registry, h.retry, h.events, h.clock, ClaimConfig{
			NodeID:              id,
			LivenessTimeout:     h.liveness,
			CandidateMultiplier: 4,
			StoreRetries:        2,
			StoreRetryBase:      time.Millisecond,
		}, testLogger()),
		runner: NewTaskRunner(h.store, h.registry, h.retry, h.events, h.clock, RunnerConfig{
			NodeID:          id,
			DefaultTimeout:  time.Second,
			LivenessTimeout: h.liveness,
		}, testLogger()),
	}
}

func (h *harness) register(t *testing.T, def Definition) {
	t.Helper()
	require.NoError(t, h.registry.Register(def))
}

func (h *harness) seed(t *testing.T, tasks ...*Task) {
	t.Helper()
	for _, tk := range tasks {
		_, err := h.store.Create(context.Background(), tk)
		require.NoError(t, err)
	}
}

func (h *harness) get(t *testing.T, id string) *Task {
	t.Helper()
	tk, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return tk
}

// claimAndRun claims at most one task on n and runs it.
func (h *harness) claimAndRun(t *testing.T, n *node) (ClaimBatch, RunResult) {
	t.Helper()
	batch, err := n.claim.Claim(context.Background(), 1)
	require.NoError(t, err)
	if batch.ClaimedCount() == 0 {
		return batch, RunResult{}
	}
	return batch, n.runner.Run(context.Background(), batch.Claimed[0])
}

func newTask(id, taskType string, runAt time.Time) *Task {
	return &Task{
		ID:        id,
		Type:      taskType,
		Enabled:   true,
		Status:    StatusIdle,
		RunAt:     runAt,
		CreatedAt: runAt,
		UpdatedAt: runAt,
	}
}

func noop(context.Context, Invocation) (Result, error) {
	return Result{}, nil
}
