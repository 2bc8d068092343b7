package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maltedev/infinityad/internal/ad-generator/app"
	"github.com/maltedev/infinityad/internal/ad-generator/config"
	"github.com/maltedev/infinityad/internal/queue"
)

// The worker consumes jobs from RabbitMQ and runs them through the
// pipeline. It serves /metrics on the metrics port.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := app.NewLogger(cfg.Logging, os.Stdout).With("process", "worker")
	slog.SetDefault(logger)

	if cfg.Queue.Driver != config.QueueDriverAMQP {
		logger.Error("the worker needs QUEUE_DRIVER=amqp", "queue", cfg.Queue.Driver)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	a.StartRelay(ctx)
	go serveMetrics(ctx, a, logger)

	conn, err := queue.Dial(cfg.Queue.AMQPURL, 10, 3*time.Second, logger)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Error("failed to open channel", "error", err)
		os.Exit(1)
	}
	defer ch.Close()

	consumer := queue.NewAMQPConsumer(ch, cfg.Queue.Name, cfg.Queue.Workers, logger)

	handler := a.Manager.Process
	if cfg.Queue.TaskTimeout > 0 {
		handler = func(ctx context.Context, jobID string) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.Queue.TaskTimeout)
			defer cancel()
			return a.Manager.Process(ctx, jobID)
		}
	}

	logger.Info("worker starting", "queue", cfg.Queue.Name, "prefetch", cfg.Queue.Workers, "store", cfg.Store.Driver)

	if err := consumer.Run(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("worker stopped")
}

func serveMetrics(ctx context.Context, a *app.App, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())

	server := &http.Server{Addr: fmt.Sprintf(":%d", a.Config.Server.MetricsPort), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		server.Close()
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}
