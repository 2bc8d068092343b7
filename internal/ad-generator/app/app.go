// Package app wires the ad generator's components from configuration. The
// api and worker binaries share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/maltedev/infinityad/internal/ad-generator/analyzer"
	"github.com/maltedev/infinityad/internal/ad-generator/config"
	"github.com/maltedev/infinityad/internal/ad-generator/events"
	"github.com/maltedev/infinityad/internal/ad-generator/generation"
	"github.com/maltedev/infinityad/internal/ad-generator/jobs"
	"github.com/maltedev/infinityad/internal/ad-generator/products"
	"github.com/maltedev/infinityad/internal/browser"
	"github.com/maltedev/infinityad/internal/cache"
	"github.com/maltedev/infinityad/internal/database"
	"github.com/maltedev/infinityad/internal/database/sqlite"
	"github.com/maltedev/infinityad/internal/metrics"
	"github.com/maltedev/infinityad/internal/ratelimit"
	"github.com/maltedev/infinityad/internal/scraper"
)

// App holds the constructed components. Close releases them in reverse
// order of construction.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Cache    *cache.Cache
	Store    jobs.Store
	Pinger   interface{ Ping(ctx context.Context) error }
	Relay    *database.Relay
	Products *products.Service
	Analyzer *analyzer.Analyzer
	Manager  *jobs.Manager

	closers []func() error
}

// NewLogger builds the process logger from the logging settings.
func NewLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// New connects the stores and builds every service. The job manager has
// no submitter yet; the caller picks the queue.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Cache = cache.Open(ctx, cache.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	a.closers = append(a.closers, a.Cache.Close)

	history, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	fetcher, err := a.newFetcher()
	if err != nil {
		return nil, err
	}

	registry := scraper.DefaultRegistry(scraper.Deps{
		Fetcher:     fetcher,
		PricePolicy: cfg.Scraper.PricePolicy,
		Profiles:    cfg.Scraper.Profiles,
		Logger:      logger,
	})

	a.Products = products.NewService(registry, a.Cache, products.Options{
		Retry:     cfg.Scraper.RetryPolicy(),
		TTL:       cfg.Cache.Product,
		ScrapeTTL: cfg.Cache.Scrape,
		Metrics:   a.Metrics,
	}, logger)

	a.Analyzer = analyzer.New(analyzer.NewYouTubeTranscripts(cfg.Scraper.Timeout, logger), a.Cache, analyzer.Options{
		TTL:     cfg.Cache.Analysis,
		History: history,
		Metrics: a.Metrics,
	}, logger)

	if cfg.Groq.APIKey == "" {
		logger.Warn("GROQ_API_KEY is not set, script generation will fail")
	}
	if cfg.DID.APIKey == "" {
		logger.Warn("DID_API_KEY is not set, rendering will fail")
	}

	a.Manager = jobs.NewManager(jobs.Deps{
		Store:    a.Store,
		Products: a.Products,
		Analyzer: a.Analyzer,
		Scripts: generation.NewGroqGenerator(generation.GroqConfig{
			BaseURL:     cfg.Groq.BaseURL,
			APIKey:      cfg.Groq.APIKey,
			Model:       cfg.Groq.Model,
			Temperature: cfg.Groq.Temperature,
			Timeout:     cfg.Groq.Timeout,
		}, logger),
		Renderer: generation.NewDIDRenderer(generation.DIDConfig{
			BaseURL: cfg.DID.BaseURL,
			APIKey:  cfg.DID.APIKey,
			VoiceID: cfg.DID.VoiceID,
			Timeout: cfg.DID.Timeout,
		}, logger),
		Cache:   a.Cache,
		Metrics: a.Metrics,
	}, jobs.Config{
		PollInterval:       cfg.Jobs.PollInterval,
		MaxPollAttempts:    cfg.Jobs.MaxPollAttempts,
		DefaultAvatarImage: cfg.Jobs.AvatarImage,
		StatusTTL:          cfg.Cache.JobStatus,
		StaleAfter:         cfg.Jobs.StaleAfter,
		RedispatchAfter:    cfg.Jobs.RedispatchAfter,
		ReconcileInterval:  cfg.Jobs.ReconcileInterval,
	}, logger)

	return a, nil
}

// openStore opens the configured job store and returns it as the analysis
// history too.
func (a *App) openStore(ctx context.Context) (analyzer.HistorySink, error) {
	cfg := a.Config

	if cfg.Store.Driver == config.StoreDriverSQLite {
		store, err := sqlite.Open(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		a.Store, a.Pinger = store, store
		a.Logger.Info("using sqlite job store", "path", cfg.Store.SQLitePath)
		return store, nil
	}

	if cfg.Store.AutoMigrate {
		version, dirty, err := database.RunMigrations(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.Logger.Info("database migrated", "version", version, "dirty", dirty)
	}

	db, err := database.New(ctx, database.Config{
		URL:      cfg.Store.DatabaseURL,
		MaxConns: cfg.Store.MaxConns,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { db.Close(); return nil })

	repo := database.NewJobRepository(db)
	publisher := events.NewPublisher(database.NewOutboxRepository(db), a.Logger)
	repo.OnFinish(publisher.PublishJobFinished)
	a.Store, a.Pinger = repo, db

	if cfg.Relay.Enabled {
		if client := a.Cache.Client(); client != nil {
			a.Relay = database.NewRelay(db, client, a.Logger, database.RelayConfig{
				PollInterval: cfg.Relay.PollInterval,
				BatchSize:    cfg.Relay.BatchSize,
				StreamMaxLen: cfg.Relay.StreamMaxLen,
				Retention:    cfg.Relay.Retention,
				Metrics:      a.Metrics,
			})
		} else {
			a.Logger.Warn("redis unavailable, outbox relay disabled")
		}
	}

	return database.NewAnalysisRepository(db), nil
}

func (a *App) newFetcher() (scraper.Fetcher, error) {
	cfg := a.Config.Scraper

	if cfg.FetchMode == config.FetchModeBrowser {
		opts := browser.DefaultOptions()
		opts.Headless = cfg.Headless
		opts.Timeout = cfg.Timeout
		b, err := browser.New(opts, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start browser: %w", err)
		}
		a.closers = append(a.closers, b.Close)
		return b, nil
	}

	return scraper.NewHTTPFetcher(scraper.HTTPFetcherOptions{
		Timeout:    cfg.Timeout,
		UserAgents: cfg.UserAgents,
		Limiter:    ratelimit.NewHostLimiter(cfg.RateLimitMin, cfg.RateLimitMax),
	}, a.Logger), nil
}

// StartRelay runs the outbox relay until ctx ends. It is a no-op without
// a postgres store and redis.
func (a *App) StartRelay(ctx context.Context) {
	if a.Relay == nil {
		return
	}
	go func() {
		if err := a.Relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("relay stopped with error", "error", err)
		}
	}()
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("failed to close component", "error", err)
		}
	}
	a.closers = nil
}
