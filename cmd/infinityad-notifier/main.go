package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/infinityad/internal/ad-generator/app"
	"github.com/maltedev/infinityad/internal/ad-generator/config"
	"github.com/maltedev/infinityad/internal/ad-generator/events"
)

// The notifier follows the job event stream written by the outbox relay
// and forwards every finished job to a webhook.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := app.NewLogger(cfg.Logging, os.Stdout).With("process", "notifier")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}

	handler := logEvent(logger)
	if cfg.Notifier.WebhookURL != "" {
		handler = events.NewWebhookNotifier(cfg.Notifier.WebhookURL, cfg.Notifier.Timeout, logger).Notify
	} else {
		logger.Warn("NOTIFY_WEBHOOK_URL is not set, events are only logged")
	}

	consumer := events.NewConsumer(rdb, events.ConsumerConfig{
		Group:    cfg.Notifier.Group,
		Consumer: cfg.Notifier.Consumer,
	}, logger)

	if err := consumer.Run(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("notifier stopped")
}

func logEvent(logger *slog.Logger) events.Handler {
	return func(ctx context.Context, e *events.JobFinishedPayload) error {
		logger.Info("job finished",
			"job_id", e.JobID,
			"event_type", e.EventType,
			"user_id", e.UserID,
			"result", e.Result,
			"error", e.Error,
			"duration_seconds", e.DurationSeconds)
		return nil
	}
}
