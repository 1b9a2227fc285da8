package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/taskmanager/internal/platform/logger"
	"github.com/phrazzld/taskmanager/internal/redact"
	"github.com/phrazzld/taskmanager/internal/store"
	"github.com/phrazzld/taskmanager/internal/task"
)

const taskColumns = `id, type, schedule, params, state, enabled, status, owner, attempts,
	run_at, started_at, retry_at, timeout_override_ms, last_error, version, created_at, updated_at`

// Store implements task.Store on a SQL database.
type Store struct {
	db      store.DBTX
	dialect Dialect
	logger  *slog.Logger
}

// New creates a Store. It accepts a database connection or transaction
// that is initialized and managed by the caller. If logger is nil, the
// default logger is used.
func New(db store.DBTX, dialect Dialect, logger *slog.Logger) *Store {
	if db == nil {
		panic("db cannot be nil")
	}
	if dialect.Placeholder == nil || dialect.MapError == nil {
		panic("dialect is incomplete")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		db:      db,
		dialect: dialect,
		logger:  logger.With(slog.String("component", "task_store"), slog.String("dialect", dialect.Name)),
	}
}

var _ task.Store = (*Store)(nil)

// Get implements task.Store.
func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	q := newQuery(s.dialect, "SELECT "+taskColumns+" FROM tasks WHERE id = ")
	q.write(q.bind(id))

	t, err := scanTask(s.db.QueryRowContext(ctx, q.String(), q.args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get %s: %w", id, store.ErrTaskNotFound)
		}
		return nil, s.fail(ctx, "get", id, err)
	}
	return t, nil
}

// Create implements task.Store.
func (s *Store) Create(ctx context.Context, t *task.Task) (*task.Task, error) {
	row, err := encodeTask(t)
	if err != nil {
		return nil, store.NewStoreError("task", "create", "encode", err)
	}
	row.version = 1

	q := newQuery(s.dialect, "INSERT INTO tasks ("+taskColumns+") VALUES ")
	q.write(list(q, row.values()))

	if _, err := s.db.ExecContext(ctx, q.String(), q.args...); err != nil {
		mapped := s.dialect.MapError(err)
		if store.IsDuplicateError(mapped) {
			return nil, fmt.Errorf("create %s: %w", t.ID, store.ErrTaskExists)
		}
		return nil, s.fail(ctx, "create", t.ID, err)
	}

	return row.task()
}

// Update implements task.Store. The row is written only when its version
// still equals expectedVersion.
func (s *Store) Update(ctx context.Context, t *task.Task, expectedVersion int64) (*task.Task, error) {
	row, err := encodeTask(t)
	if err != nil {
		return nil, store.NewStoreError("task", "update", "encode", err)
	}
	row.version = expectedVersion + 1

	q := newQuery(s.dialect, "UPDATE tasks SET ")
	q.write(
		"type = ", q.bind(row.taskType),
		", schedule = ", q.bind(row.schedule),
		", params = ", q.bind(row.params),
		", state = ", q.bind(row.state),
		", enabled = ", q.bind(row.enabled),
		", status = ", q.bind(row.status),
		", owner = ", q.bind(row.owner),
		", attempts = ", q.bind(row.attempts),
		", run_at = ", q.bind(row.runAt),
		", started_at = ", q.bind(row.startedAt),
		", retry_at = ", q.bind(row.retryAt),
		", timeout_override_ms = ", q.bind(row.timeoutMillis),
		", last_error = ", q.bind(row.lastError),
		", version = ", q.bind(row.version),
		", updated_at = ", q.bind(row.updatedAt),
		" WHERE id = ", q.bind(row.id),
		" AND version = ", q.bind(expectedVersion),
	)

	res, err := s.db.ExecContext(ctx, q.String(), q.args...)
	if err != nil {
		return nil, s.fail(ctx, "update", t.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, s.fail(ctx, "update", t.ID, err)
	}
	if affected == 0 {
		// Tell a lost race from a missing row.
		current, err := s.Get(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("update %s: expected version %d, found %d: %w",
			t.ID, expectedVersion, current.Version, store.ErrVersionConflict)
	}

	return row.task()
}

// Remove implements task.Store.
func (s *Store) Remove(ctx context.Context, id string) error {
	q := newQuery(s.dialect, "DELETE FROM tasks WHERE id = ")
	q.write(q.bind(id))

	res, err := s.db.ExecContext(ctx, q.String(), q.args...)
	if err != nil {
		return s.fail(ctx, "remove", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return s.fail(ctx, "remove", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("remove %s: %w", id, store.ErrTaskNotFound)
	}
	return nil
}

// RemoveVersion implements task.Store.
func (s *Store) RemoveVersion(ctx context.Context, id string, expectedVersion int64) error {
	q := newQuery(s.dialect, "DELETE FROM tasks WHERE id = ")
	q.write(q.bind(id), " AND version = ", q.bind(expectedVersion))

	res, err := s.db.ExecContext(ctx, q.String(), q.args...)
	if err != nil {
		return s.fail(ctx, "remove", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return s.fail(ctx, "remove", id, err)
	}
	if affected == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("remove %s: expected version %d, found %d: %w",
			id, expectedVersion, current.Version, store.ErrVersionConflict)
	}
	return nil
}

// QueryPage implements task.Store.
func (s *Store) QueryPage(ctx context.Context, pq task.PageQuery) ([]*task.Task, error) {
	q := buildPageQuery(s.dialect, pq)

	rows, err := s.db.QueryContext(ctx, q.String(), q.args...)
	if err != nil {
		return nil, s.fail(ctx, "query", "", err)
	}
	defer func() { _ = rows.Close() }()

	tasks := make([]*task.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, s.fail(ctx, "query", "", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(ctx, "query", "", err)
	}
	return tasks, nil
}

// buildPageQuery renders the SELECT for one page. Results are ordered by
// (run_at, id) and resume strictly after the cursor.
func buildPageQuery(d Dialect, pq task.PageQuery) *query {
	q := newQuery(d, "SELECT "+taskColumns+" FROM tasks WHERE 1 = 1")
	f := pq.Filter

	if len(f.IDs) > 0 {
		q.write(" AND id IN ", list(q, f.IDs))
	}
	if len(f.Types) > 0 {
		q.write(" AND type IN ", list(q, f.Types))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		q.write(" AND status IN ", list(q, statuses))
	}
	if f.Owner != "" {
		q.write(" AND owner = ", q.bind(f.Owner))
	}
	if f.Enabled != nil {
		q.write(" AND enabled = ", q.bind(*f.Enabled))
	}
	if f.RunAtBefore != nil {
		q.write(" AND run_at <= ", q.bind(timestamp(*f.RunAtBefore)))
	}
	if f.ClaimableAt != nil {
		now := timestamp(*f.ClaimableAt)
		q.write(
			" AND enabled = ", q.bind(true),
			" AND ((status = ", q.bind(string(task.StatusIdle)), " AND run_at <= ", q.bind(now), ")",
			" OR (status = ", q.bind(string(task.StatusFailed)), " AND schedule IS NOT NULL AND run_at <= ", q.bind(now), ")",
			" OR (status IN ", list(q, []string{
				string(task.StatusClaiming),
				string(task.StatusRunning),
				string(task.StatusExpired),
			}), " AND retry_at <= ", q.bind(now), "))",
		)
	}
	if pq.After != nil {
		at := timestamp(pq.After.RunAt)
		q.write(
			" AND (run_at > ", q.bind(at),
			" OR (run_at = ", q.bind(at), " AND id > ", q.bind(pq.After.ID), "))",
		)
	}

	q.write(" ORDER BY run_at ASC, id ASC")
	if pq.Size > 0 {
		q.write(fmt.Sprintf(" LIMIT %d", pq.Size))
	}
	return q
}

// fail maps err through the dialect and logs it.
func (s *Store) fail(ctx context.Context, op, id string, err error) error {
	mapped := s.dialect.MapError(err)

	var storeErr *store.StoreError
	if !errors.As(mapped, &storeErr) {
		mapped = fmt.Errorf("%s task %s: %w", op, id, mapped)
	}

	log := logger.FromContextOrDefault(ctx, s.logger)
	if store.IsTransient(mapped) {
		log.Warn("transient task store error",
			slog.String("operation", op),
			slog.String("task_id", id),
			slog.String("error", redact.Error(err)))
	} else {
		log.Error("task store error",
			slog.String("operation", op),
			slog.String("task_id", id),
			slog.String("error", redact.Error(err)))
	}
	return mapped
}

// timestamp normalises times to UTC microseconds, the precision both
// backends store.
func timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
