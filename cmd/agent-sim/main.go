package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/coldbell/clawars/backend/internal/config"
	"github.com/coldbell/clawars/backend/internal/logging"
)

func main() {
	bootstrapLogger := logging.Bootstrap("agent-sim")

	cfg, err := config.LoadAgentSimConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("agent-sim", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	sim := newSimulator(cfg, logger)
	ids, err := sim.register(ctx)
	if err != nil {
		logger.Error("failed to register agents", "err", err)
		os.Exit(1)
	}

	logger.Info("streaming events", "agents", len(ids), "events_per_second", cfg.EventsPerSecond, "duration", cfg.Duration)
	if err := sim.stream(ctx, ids); err != nil {
		logger.Error("agent-sim exited with error", "err", err)
		os.Exit(1)
	}
	logger.Info("agent-sim finished", "sent", sim.sent, "failed", sim.failed)
}
