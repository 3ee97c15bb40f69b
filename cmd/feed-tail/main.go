package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/coldbell/clawars/backend/internal/config"
	"github.com/coldbell/clawars/backend/internal/domain"
	"github.com/coldbell/clawars/backend/internal/feedclient"
	"github.com/coldbell/clawars/backend/internal/logging"
)

func main() {
	bootstrapLogger := logging.Bootstrap("feed-tail")

	cfg, err := config.LoadFeedTailConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("feed-tail", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	url := cfg.BaseURL + "/api/v1/ws/" + cfg.Channel
	client, err := feedclient.New(feedclient.Config{
		URL:         url,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logging.Component(logger, "feedclient"),
		OnState: func(from, to feedclient.State) {
			logger.Info("connection state changed", "from", from, "to", to)
		},
	})
	if err != nil {
		logger.Error("failed to initialize feed client", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("tailing feed", "url", url)
	err = client.Run(ctx, func(msg feedclient.Message) {
		if msg.Type == domain.EnvelopeHeartbeat {
			logger.Debug("heartbeat", "timestamp", msg.Timestamp)
			return
		}
		logger.Info("envelope",
			"type", msg.Type,
			"agent_id", msg.AgentID,
			"seq", msg.Seq,
			"version", msg.Version,
			"payload", string(msg.Payload),
		)
	})
	stats := client.Stats()
	logger.Info("feed tail stopped", "connects", stats.Connects, "skipped", stats.Skipped, "gaps", stats.Gaps)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("feed tail exited with error", "err", err)
		os.Exit(1)
	}
}
