package task

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/phrazzld/taskmanager/internal/schedule"
)

// Status represents where a task is in its lifecycle.
type Status string

// Possible task status values
const (
	// StatusIdle tasks wait for their RunAt.
	StatusIdle Status = "idle"
	// StatusClaiming tasks are owned by a node that has not started the handler yet.
	StatusClaiming Status = "claiming"
	// StatusRunning tasks have a handler in flight on their owner.
	StatusRunning Status = "running"
	// StatusExpired tasks outlived their timeout and wait for the lease to lapse.
	StatusExpired Status = "expired"
	// StatusFailed tasks exhausted their attempts. Recurring ones still run on schedule.
	StatusFailed Status = "failed"
	// StatusUnrecognized tasks have a type with no registered handler.
	StatusUnrecognized Status = "unrecognized"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusClaiming, StatusRunning, StatusExpired, StatusFailed, StatusUnrecognized:
		return true
	}
	return false
}

// Owned reports whether tasks in this status carry an owner.
func (s Status) Owned() bool {
	return s == StatusClaiming || s == StatusRunning || s == StatusExpired
}

// Persistence tells recurring tasks apart from one-shot tasks.
type Persistence string

// Persistence values
const (
	PersistenceRecurring Persistence = "recurring"
	PersistenceOneShot   Persistence = "one_shot"
)

// Task is the persisted document for one unit of scheduled work.
type Task struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Schedule *schedule.Schedule `json:"schedule,omitempty"`
	Params   json.RawMessage    `json:"params,omitempty"`
	State    json.RawMessage    `json:"state,omitempty"`
	Enabled  bool               `json:"enabled"`
	Status   Status             `json:"status"`

	// Owner is the node id holding the task while it is claiming, running or expired.
	Owner    string `json:"owner,omitempty"`
	Attempts int    `json:"attempts"`

	// RunAt is when the task is next due.
	RunAt     time.Time  `json:"run_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	// RetryAt is when the current owner's lease expires.
	RetryAt         *time.Time    `json:"retry_at,omitempty"`
	TimeoutOverride time.Duration `json:"timeout_override,omitempty"`
	LastError       string        `json:"last_error,omitempty"`

	// Version increases by one on every successful write.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Persistence reports whether the task recurs.
func (t *Task) Persistence() Persistence {
	if t.Schedule != nil {
		return PersistenceRecurring
	}
	return PersistenceOneShot
}

// IsRecurring reports whether the task has a schedule.
func (t *Task) IsRecurring() bool {
	return t.Schedule != nil
}

// Claimable reports whether the task may be claimed at now.
func (t *Task) Claimable(now time.Time) bool {
	if !t.Enabled {
		return false
	}
	switch t.Status {
	case StatusIdle:
		return !t.RunAt.After(now)
	case StatusFailed:
		return t.IsRecurring() && !t.RunAt.After(now)
	case StatusClaiming, StatusRunning, StatusExpired:
		return t.RetryAt != nil && !t.RetryAt.After(now)
	default:
		return false
	}
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Schedule = t.Schedule.Clone()
	c.Params = cloneRaw(t.Params)
	c.State = cloneRaw(t.State)
	c.StartedAt = cloneTime(t.StartedAt)
	c.RetryAt = cloneTime(t.RetryAt)
	return &c
}

// release clears ownership and returns the task to the idle pool.
func (t *Task) release() {
	t.Status = StatusIdle
	t.Owner = ""
	t.RetryAt = nil
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Filter selects tasks in Store queries. Zero-valued fields do not filter.
type Filter struct {
	IDs      []string
	Types    []string
	Statuses []Status
	Owner    string
	Enabled  *bool
	// RunAtBefore keeps tasks whose RunAt is at or before the given time.
	RunAtBefore *time.Time
	// ClaimableAt keeps tasks that Claimable reports as claimable at the given time.
	ClaimableAt *time.Time
}

// Matches reports whether t satisfies every criterion of the filter.
func (f Filter) Matches(t *Task) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, t.ID) {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, t.Type) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if f.Owner != "" && t.Owner != f.Owner {
		return false
	}
	if f.Enabled != nil && t.Enabled != *f.Enabled {
		return false
	}
	if f.RunAtBefore != nil && t.RunAt.After(*f.RunAtBefore) {
		return false
	}
	if f.ClaimableAt != nil && !t.Claimable(*f.ClaimableAt) {
		return false
	}
	return true
}

// Cursor marks the last task of a page. Results resume strictly after it
// in (RunAt, ID) order.
type Cursor struct {
	RunAt time.Time `json:"run_at"`
	ID    string    `json:"id"`
}

// CursorOf returns the cursor positioned at t.
func CursorOf(t *Task) *Cursor {
	return &Cursor{RunAt: t.RunAt, ID: t.ID}
}

// PageQuery is one page request. Results are ordered by RunAt then ID.
type PageQuery struct {
	Filter Filter
	Size   int
	After  *Cursor
}

// Store persists task documents. Implementations never lock: Update is a
// compare-and-swap on Version.
type Store interface {
	// Get returns the task or store.ErrNotFound.
	Get(ctx context.Context, id string) (*Task, error)

	// Create inserts a task with Version 1, or fails with store.ErrDuplicate.
	Create(ctx context.Context, t *Task) (*Task, error)

	// Update writes t if the stored version equals expectedVersion and
	// returns the stored copy with the incremented version. It fails with
	// store.ErrVersionConflict when the version moved and store.ErrNotFound
	// when the task is gone.
	Update(ctx context.Context, t *Task, expectedVersion int64) (*Task, error)

	// Remove deletes the task or fails with store.ErrNotFound.
	Remove(ctx context.Context, id string) error

	// RemoveVersion deletes the task only if the stored version equals
	// expectedVersion. Failures match Update.
	RemoveVersion(ctx context.Context, id string, expectedVersion int64) error

	// QueryPage returns up to q.Size tasks matching q.Filter after q.After,
	// ordered by RunAt then ID.
	QueryPage(ctx context.Context, q PageQuery) ([]*Task, error)
}

// Clock supplies the current time for bookkeeping.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
