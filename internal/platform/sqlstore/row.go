package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/phrazzld/taskmanager/internal/schedule"
	"github.com/phrazzld/taskmanager/internal/store"
	"github.com/phrazzld/taskmanager/internal/task"
)

// taskRow is the column-level form of a task. JSON columns hold either nil
// or a string so that both drivers bind them as text.
type taskRow struct {
	id            string
	taskType      string
	schedule      any
	params        any
	state         any
	enabled       bool
	status        string
	owner         string
	attempts      int
	runAt         time.Time
	startedAt     sql.NullTime
	retryAt       sql.NullTime
	timeoutMillis int64
	lastError     string
	version       int64
	createdAt     time.Time
	updatedAt     time.Time
}

// values returns the row in taskColumns order.
func (r *taskRow) values() []any {
	return []any{
		r.id, r.taskType, r.schedule, r.params, r.state, r.enabled, r.status, r.owner, r.attempts,
		r.runAt, r.startedAt, r.retryAt, r.timeoutMillis, r.lastError, r.version, r.createdAt, r.updatedAt,
	}
}

func encodeTask(t *task.Task) (*taskRow, error) {
	row := &taskRow{
		id:            t.ID,
		taskType:      t.Type,
		params:        nullJSON(t.Params),
		state:         nullJSON(t.State),
		enabled:       t.Enabled,
		status:        string(t.Status),
		owner:         t.Owner,
		attempts:      t.Attempts,
		runAt:         timestamp(t.RunAt),
		startedAt:     nullTime(t.StartedAt),
		retryAt:       nullTime(t.RetryAt),
		timeoutMillis: t.TimeoutOverride.Milliseconds(),
		lastError:     t.LastError,
		version:       t.Version,
		createdAt:     timestamp(t.CreatedAt),
		updatedAt:     timestamp(t.UpdatedAt),
	}
	if t.Schedule != nil {
		b, err := json.Marshal(t.Schedule)
		if err != nil {
			return nil, fmt.Errorf("encode schedule: %w", err)
		}
		row.schedule = string(b)
	}
	return row, nil
}

// task rebuilds the domain task from the row.
func (r *taskRow) task() (*task.Task, error) {
	t := &task.Task{
		ID:              r.id,
		Type:            r.taskType,
		Params:          rawJSON(r.params),
		State:           rawJSON(r.state),
		Enabled:         r.enabled,
		Status:          task.Status(r.status),
		Owner:           r.owner,
		Attempts:        r.attempts,
		RunAt:           r.runAt.UTC(),
		StartedAt:       timePtr(r.startedAt),
		RetryAt:         timePtr(r.retryAt),
		TimeoutOverride: time.Duration(r.timeoutMillis) * time.Millisecond,
		LastError:       r.lastError,
		Version:         r.version,
		CreatedAt:       r.createdAt.UTC(),
		UpdatedAt:       r.updatedAt.UTC(),
	}
	if raw := rawJSON(r.schedule); raw != nil {
		var s schedule.Schedule
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode schedule: %w", err)
		}
		t.Schedule = &s
	}
	if !t.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q", r.status)
	}
	return t, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanTask reads one row selected with taskColumns.
func scanTask(sc scanner) (*task.Task, error) {
	var (
		row                  taskRow
		sched, params, state []byte
	)
	err := sc.Scan(
		&row.id, &row.taskType, &sched, &params, &state, &row.enabled, &row.status, &row.owner, &row.attempts,
		&row.runAt, &row.startedAt, &row.retryAt, &row.timeoutMillis, &row.lastError, &row.version,
		&row.createdAt, &row.updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sched != nil {
		row.schedule = string(sched)
	}
	if params != nil {
		row.params = string(params)
	}
	if state != nil {
		row.state = string(state)
	}

	t, err := row.task()
	if err != nil {
		return nil, store.NewStoreError("task", "scan", "row decode",
			fmt.Errorf("%w: %v", store.ErrInvalidEntity, err))
	}
	return t, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawJSON(v any) json.RawMessage {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: timestamp(*t), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
