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

	"github.com/maltedev/infinityad/internal/ad-generator/api"
	"github.com/maltedev/infinityad/internal/ad-generator/app"
	"github.com/maltedev/infinityad/internal/ad-generator/config"
	"github.com/maltedev/infinityad/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := app.NewLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	stopQueue, err := startQueue(ctx, a)
	if err != nil {
		logger.Error("failed to start job queue", "error", err)
		os.Exit(1)
	}
	defer stopQueue()

	a.StartRelay(ctx)
	go a.Manager.StartReconciler(ctx)

	deps := api.Deps{
		Products: a.Products,
		Analyses: a.Analyzer,
		Jobs:     a.Manager,
		Cache:    a.Cache,
		Store:    a.Pinger,
	}
	if a.Relay != nil {
		deps.Outbox = a.Relay
	}

	if cfg.Auth.Unverified() {
		logger.Warn("JWT_SECRET is not set, bearer tokens are accepted without signature checks",
			"env", cfg.Env)
	}

	router := api.NewRouter(api.NewHandlers(deps, logger), api.RouterOptions{
		JWTSecret:      cfg.Auth.JWTSecret,
		AllowedOrigins: cfg.Server.CORSOrigins,
		RequestTimeout: cfg.Server.WriteTimeout,
		Metrics:        a.Metrics.Handler(),
	}, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	logger.Info("server starting",
		"port", cfg.Server.Port,
		"store", cfg.Store.Driver,
		"queue", cfg.Queue.Driver,
		"fetch_mode", cfg.Scraper.FetchMode)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// startQueue wires the manager's submitter. The memory driver processes
// jobs in this process; the amqp driver only publishes and leaves
// processing to infinityad-worker.
func startQueue(ctx context.Context, a *app.App) (func(), error) {
	cfg := a.Config.Queue

	if cfg.Driver == config.QueueDriverAMQP {
		conn, err := queue.Dial(cfg.AMQPURL, 10, 3*time.Second, a.Logger)
		if err != nil {
			return nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to open channel: %w", err)
		}
		publisher, err := queue.NewAMQPPublisher(ch, cfg.Name, a.Logger)
		if err != nil {
			conn.Close()
			return nil, err
		}
		a.Manager.SetSubmitter(publisher)
		return func() {
			publisher.Close()
			conn.Close()
		}, nil
	}

	pool := queue.NewPool(a.Manager.Process, queue.PoolConfig{
		Workers:     cfg.Workers,
		Buffer:      cfg.Buffer,
		TaskTimeout: cfg.TaskTimeout,
	}, a.Logger)
	a.Manager.SetSubmitter(pool)
	pool.Start(ctx)
	return pool.Stop, nil
}
