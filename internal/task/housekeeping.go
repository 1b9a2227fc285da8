package task

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/taskmanager/internal/schedule"
	"github.com/phrazzld/taskmanager/internal/store"
)

// MarkUnrecognizedType is the built-in task type that flags idle tasks
// whose type is no longer registered.
const MarkUnrecognizedType = "task_manager:mark_unrecognized"

// DefaultHousekeepingInterval is how often the housekeeping task runs.
const DefaultHousekeepingInterval = "1h"

// MarkUnrecognizedDefinition returns the definition of the housekeeping
// task. The handler walks idle and failed tasks and marks those with an
// unregistered type as unrecognized, so they stop showing up as due work.
func MarkUnrecognizedDefinition(s Store, registry *HandlerRegistry, clock Clock, logger *slog.Logger) Definition {
	logger = logger.With("component", "housekeeping")

	return Definition{
		Type:        MarkUnrecognizedType,
		Title:       "Mark tasks of unregistered types as unrecognized",
		MaxAttempts: 1,
		Handler: func(ctx context.Context, inv Invocation) (Result, error) {
			it := Iterate(s, Filter{Statuses: []Status{StatusIdle, StatusFailed}}, DefaultPageSize)
			marked := 0
			for it.Next(ctx) {
				t := it.Task()
				if _, ok := registry.Lookup(t.Type); ok {
					continue
				}

				next := t.Clone()
				next.Status = StatusUnrecognized
				next.UpdatedAt = clock.Now()
				if _, err := s.Update(ctx, next, t.Version); err != nil {
					if store.IsVersionConflict(err) || store.IsNotFoundError(err) {
						continue
					}
					return Result{}, fmt.Errorf("failed to mark task %s unrecognized: %w", t.ID, err)
				}
				marked++
			}
			if err := it.Err(); err != nil {
				return Result{}, fmt.Errorf("failed to scan tasks: %w", err)
			}

			if marked > 0 {
				logger.Warn("marked tasks with unregistered types as unrecognized", "count", marked)
			}
			return Result{}, nil
		},
	}
}

// RegisterHousekeeping registers the built-in task types on the manager's
// registry and makes sure the housekeeping task is scheduled.
func (m *Manager) RegisterHousekeeping(ctx context.Context, interval string) (*Task, error) {
	if interval == "" {
		interval = DefaultHousekeepingInterval
	}

	if _, ok := m.registry.Lookup(MarkUnrecognizedType); !ok {
		def := MarkUnrecognizedDefinition(m.store, m.registry, m.clock, m.logger)
		if err := m.registry.Register(def); err != nil {
			return nil, fmt.Errorf("failed to register housekeeping task: %w", err)
		}
	}

	return m.EnsureScheduled(ctx, Instance{
		ID:       MarkUnrecognizedType,
		Type:     MarkUnrecognizedType,
		Schedule: schedule.Every(interval),
	})
}
