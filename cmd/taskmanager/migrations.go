package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phrazzld/taskmanager/internal/config"
	"github.com/phrazzld/taskmanager/internal/platform/mysql"
	"github.com/phrazzld/taskmanager/internal/platform/postgres"
)

// runMigrations applies a goose command to the configured SQL backend.
func runMigrations(ctx context.Context, cfg *config.Config, command string, logger *slog.Logger) error {
	logger.Info("executing migrations", "command", command, "driver", cfg.Database.Driver)

	switch cfg.Database.Driver {
	case "postgres":
		db, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		return postgres.Migrate(ctx, db, command, logger)
	case "mysql":
		db, err := mysql.Open(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		return mysql.Migrate(ctx, db, command, logger)
	default:
		return fmt.Errorf("driver %q has no schema to migrate", cfg.Database.Driver)
	}
}
