package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/taskmanager/internal/config"
	"github.com/phrazzld/taskmanager/internal/events"
	"github.com/phrazzld/taskmanager/internal/monitoring"
	"github.com/phrazzld/taskmanager/internal/platform/mysql"
	"github.com/phrazzld/taskmanager/internal/platform/postgres"
	"github.com/phrazzld/taskmanager/internal/task"
)

// application holds the components of one running node.
type application struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *sql.DB
	store     task.Store
	registry  *task.HandlerRegistry
	bus       *events.Bus
	collector *monitoring.Collector
	manager   *task.Manager
}

// newApplication opens the configured store and wires the manager. Task
// types are registered on the returned application's registry before
// start.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	store, db, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(cfg.TaskManager.EventBufferSize, logger)
	registry := task.NewHandlerRegistry()
	manager := task.NewManager(store, registry, bus, managerConfig(cfg.TaskManager), logger)

	return &application{
		cfg:       cfg,
		logger:    logger.With("node_id", manager.NodeID()),
		db:        db,
		store:     store,
		registry:  registry,
		bus:       bus,
		collector: monitoring.NewCollector(bus, task.SystemClock{}, cfg.TaskManager.MetricsInterval, logger),
		manager:   manager,
	}, nil
}

// start begins metric collection and task processing, and makes sure the
// housekeeping task exists.
func (a *application) start(ctx context.Context) error {
	a.collector.Start(a.bus)

	if _, err := a.manager.RegisterHousekeeping(ctx, a.cfg.TaskManager.HousekeepingInterval); err != nil {
		return fmt.Errorf("failed to schedule housekeeping: %w", err)
	}
	if err := a.manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task manager: %w", err)
	}

	a.logger.Info("task manager node started", "task_types", a.registry.Types())
	return nil
}

// shutdown stops the manager within ctx's deadline and releases
// resources. It is safe to call after a failed start.
func (a *application) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.manager.Stop(ctx); err != nil && !errors.Is(err, task.ErrNotStarted) {
		errs = append(errs, fmt.Errorf("failed to stop task manager: %w", err))
	}
	a.collector.Stop()
	a.bus.Close()

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	a.logger.Info("task manager node stopped")
	return errors.Join(errs...)
}

// openStore returns the task store for the configured driver. The
// database handle is nil for the memory driver.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (task.Store, *sql.DB, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using the in-memory task store; tasks are lost on exit and not shared between nodes")
		return task.NewMemoryStore(), nil, nil
	case "postgres":
		db, err := postgres.Open(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewTaskStore(db, logger), db, nil
	case "mysql":
		db, err := mysql.Open(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return mysql.NewTaskStore(db, logger), db, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// managerConfig maps the configuration section onto task.Config.
func managerConfig(cfg config.TaskManagerConfig) task.Config {
	mc := task.DefaultConfig()
	mc.NodeID = cfg.NodeID
	mc.PollInterval = cfg.PollInterval
	mc.MaxPollInterval = cfg.MaxPollInterval
	mc.BatchSize = cfg.BatchSize
	mc.WorkerCount = cfg.WorkerCount
	mc.DefaultTimeout = cfg.DefaultTimeout
	mc.LivenessTimeout = cfg.LivenessTimeout
	mc.DefaultMaxAttempts = cfg.DefaultMaxAttempts
	mc.CandidateMultiplier = cfg.CandidateMultiplier
	mc.StoreRetries = cfg.StoreRetries
	mc.StoreRetryBase = cfg.StoreRetryBase
	mc.ShutdownGracePeriod = cfg.ShutdownGracePeriod
	return mc
}
