package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type RouterOptions struct {
	JWTSecret      string
	AllowedOrigins []string
	RequestTimeout time.Duration
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// NewRouter mounts every route on a chi router.
func NewRouter(h *Handlers, opts RouterOptions, logger *slog.Logger) http.Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate(opts.JWTSecret, logger))

		r.Post("/products/scrape", h.ScrapeProduct)
		r.Post("/products/batch", h.ScrapeBatch)
		r.Delete("/cache/{marketplace}", h.ClearCache)
		r.Get("/marketplaces", h.ListMarketplaces)

		r.Post("/youtube/analyze", h.AnalyzeVideo)
		r.Get("/youtube/analysis/{videoID}", h.GetAnalysis)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.CreateJob)
			r.Get("/", h.ListJobs)
			r.Get("/{jobID}", h.GetJob)
		})

		r.Get("/stats", h.GetStats)
	})

	return r
}
