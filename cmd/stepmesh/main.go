// Command stepmesh runs the workflow orchestration node: it restores
// persisted definitions, instances, and modules, then serves the queue
// loops until interrupted.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-resty/resty/v2"

	"github.com/stepmesh/stepmesh/internal/definition"
	"github.com/stepmesh/stepmesh/internal/expressions"
	"github.com/stepmesh/stepmesh/internal/host"
	"github.com/stepmesh/stepmesh/internal/logging"
	"github.com/stepmesh/stepmesh/internal/modules"
	"github.com/stepmesh/stepmesh/internal/queue"
	"github.com/stepmesh/stepmesh/internal/runner"
	"github.com/stepmesh/stepmesh/internal/scheduler"
	"github.com/stepmesh/stepmesh/internal/steps"
	"github.com/stepmesh/stepmesh/internal/store"
)

func main() {
	cfg := loadConfig()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("stepmesh exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	broker := queue.NewMemoryBroker()
	defer broker.Close()

	h := host.New(st, logger, cfg.PoolSize)
	defer h.Shutdown()

	registry := modules.NewRegistry()
	generator := modules.NewGenerator(st, registry, broker, logger)
	client := modules.NewClient(broker, cfg.ServiceName, logger)
	h.AddBodyResolver(modules.NewBodySource(registry, client))
	steps.RegisterBuiltins(h, resty.New(), expressions.NewJQEngine(), logger)

	defs := definition.NewService(st, h, registry, broker, logger)

	// Restore order matters: modules before definitions (validation needs
	// descriptors), definitions before instances (passes need graphs).
	if err := generator.LoadAll(ctx); err != nil {
		return err
	}
	if err := defs.LoadAll(ctx); err != nil {
		return err
	}
	if err := h.Restore(ctx); err != nil {
		return err
	}

	r := runner.New(broker, st, h, registry, generator, defs, logger)
	if err := r.Start(ctx); err != nil {
		return err
	}
	defer r.Stop()

	sweeper := scheduler.NewRetentionSweeper(st, h, cfg.RetentionCron, cfg.retentionMaxAge(), logger)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	logger.Info("stepmesh started",
		"db_path", cfg.DBPath, "pool_size", cfg.PoolSize, "service_name", cfg.ServiceName)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
