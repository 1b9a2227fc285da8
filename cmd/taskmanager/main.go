// Package main runs one task manager node: it loads configuration, opens
// the task store, starts claiming and running tasks, and stops gracefully
// on SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phrazzld/taskmanager/internal/config"
	"github.com/phrazzld/taskmanager/internal/platform/logger"
	"github.com/phrazzld/taskmanager/internal/redact"
)

// shutdownSlack is added to the grace period for the final bookkeeping
// after in-flight runs have drained.
const shutdownSlack = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		slog.Error("task manager exited with error", "error", redact.Error(err))
		os.Exit(1)
	}
}

// run parses flags and either executes a migration command or runs the
// node until ctx is cancelled.
func run(ctx context.Context, args []string, stderr io.Writer) error {
	flags := flag.NewFlagSet("taskmanager", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "path to a YAML config file (default: $"+config.ConfigFileEnv+" or ./config.yaml)")
	migrateCmd := flags.String("migrate", "", "run a migration command (up, down, status, version, reset) and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	log.Info("configuration loaded",
		"driver", cfg.Database.Driver,
		"log_level", cfg.Log.Level,
		"worker_count", cfg.TaskManager.WorkerCount,
		"poll_interval", cfg.TaskManager.PollInterval)

	if *migrateCmd != "" {
		return runMigrations(ctx, cfg, *migrateCmd, log)
	}

	app, err := newApplication(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := app.start(ctx); err != nil {
		shutdownErr := app.shutdown(context.Background())
		return errors.Join(err, shutdownErr)
	}

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.TaskManager.ShutdownGracePeriod+shutdownSlack)
	defer cancel()
	return app.shutdown(shutdownCtx)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
