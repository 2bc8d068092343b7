package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/infinityad/internal/ad-generator/analyzer"
	"github.com/maltedev/infinityad/internal/ad-generator/jobs"
	"github.com/maltedev/infinityad/internal/ad-generator/products"
	"github.com/maltedev/infinityad/internal/cache"
	"github.com/maltedev/infinityad/internal/models"
	"github.com/maltedev/infinityad/internal/scraper"
)

type ProductService interface {
	Lookup(ctx context.Context, rawURL string, bypassCache bool) (*models.Product, error)
	BatchLookup(ctx context.Context, urls []string, bypassCache bool) ([]*models.Product, error)
	Invalidate(ctx context.Context, marketplace string) (int, error)
	Marketplaces() []models.Marketplace
}

type AnalysisService interface {
	Analyze(ctx context.Context, videoURL string, force bool) (*models.VideoAnalysis, error)
	Get(ctx context.Context, videoID string) (*models.VideoAnalysis, error)
}

type JobService interface {
	Enqueue(ctx context.Context, req jobs.EnqueueRequest) (*models.Job, error)
	Get(ctx context.Context, jobID string) (*models.Job, error)
	List(ctx context.Context, userID string, limit int) ([]*models.Job, error)
	Stats(ctx context.Context) (*models.JobStats, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// OutboxStatus reports the lifecycle event backlog. Only the postgres
// store has one.
type OutboxStatus interface {
	Backlog(ctx context.Context) (pending, deadLetter int64, err error)
}

const (
	outboxPendingWarn    = 1000
	outboxDeadLetterFail = 100
)

type Handlers struct {
	products ProductService
	analyses AnalysisService
	jobs     JobService
	cache    *cache.Cache
	store    Pinger
	outbox   OutboxStatus
	logger   *slog.Logger
}

type Deps struct {
	Products ProductService
	Analyses AnalysisService
	Jobs     JobService
	Cache    *cache.Cache
	Store    Pinger
	Outbox   OutboxStatus
}

func NewHandlers(deps Deps, logger *slog.Logger) *Handlers {
	return &Handlers{
		products: deps.Products,
		analyses: deps.Analyses,
		jobs:     deps.Jobs,
		cache:    deps.Cache,
		store:    deps.Store,
		outbox:   deps.Outbox,
		logger:   logger.With("component", "api"),
	}
}

type ScrapeRequest struct {
	URL         string `json:"url"`
	BypassCache bool   `json:"bypass_cache"`
}

// ScrapeProduct handles single product lookups.
func (h *Handlers) ScrapeProduct(w http.ResponseWriter, r *http.Request) {
	var req ScrapeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		h.respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	product, err := h.products.Lookup(r.Context(), req.URL, req.BypassCache)
	if err != nil {
		h.fail(w, "failed to scrape product", err, "url", req.URL)
		return
	}

	h.respondJSON(w, http.StatusOK, products.ToResponse(product))
}

type BatchRequest struct {
	URLs        []string `json:"urls"`
	BypassCache bool     `json:"bypass_cache"`
}

type BatchResponse struct {
	Products []products.Response `json:"products"`
	Total    int                 `json:"total"`
	Failed   int                 `json:"failed"`
}

// ScrapeBatch looks up to ten URLs at once. Failed URLs are left out of
// the result.
func (h *Handlers) ScrapeBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !h.decode(w, r, &req) {
		return
	}

	found, err := h.products.BatchLookup(r.Context(), req.URLs, req.BypassCache)
	if err != nil {
		h.fail(w, "failed to scrape batch", err, "count", len(req.URLs))
		return
	}

	h.respondJSON(w, http.StatusOK, BatchResponse{
		Products: products.ToResponses(found),
		Total:    len(req.URLs),
		Failed:   len(req.URLs) - len(found),
	})
}

// ClearCache drops cached products of one marketplace, or every
// marketplace for "all".
func (h *Handlers) ClearCache(w http.ResponseWriter, r *http.Request) {
	marketplace := chi.URLParam(r, "marketplace")

	deleted, err := h.products.Invalidate(r.Context(), marketplace)
	if err != nil {
		h.fail(w, "failed to clear cache", err, "marketplace", marketplace)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"marketplace": marketplace,
		"deleted":     deleted,
	})
}

func (h *Handlers) ListMarketplaces(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{
		"marketplaces": h.products.Marketplaces(),
	})
}

type AnalyzeRequest struct {
	YouTubeURL      string `json:"youtube_url"`
	ForceReanalysis bool   `json:"force_reanalysis"`
}

func (h *Handlers) AnalyzeVideo(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.YouTubeURL) == "" {
		h.respondError(w, http.StatusBadRequest, "youtube_url is required")
		return
	}

	analysis, err := h.analyses.Analyze(r.Context(), req.YouTubeURL, req.ForceReanalysis)
	if err != nil {
		h.fail(w, "failed to analyze video", err, "youtube_url", req.YouTubeURL)
		return
	}

	h.respondJSON(w, http.StatusOK, analysis)
}

func (h *Handlers) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoID")

	analysis, err := h.analyses.Get(r.Context(), videoID)
	if err != nil {
		h.fail(w, "failed to get analysis", err, "video_id", videoID)
		return
	}

	h.respondJSON(w, http.StatusOK, analysis)
}

type CreateJobResponse struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
}

// CreateJob stores a queued job for the caller and returns at once.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.EnqueueRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.UserID = UserID(r.Context())

	job, err := h.jobs.Enqueue(r.Context(), req)
	if err != nil {
		h.fail(w, "failed to create job", err, "product_url", req.ProductURL)
		return
	}

	h.respondJSON(w, http.StatusAccepted, CreateJobResponse{JobID: job.ID, Status: job.Status})
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		h.fail(w, "failed to get job", err, "job_id", jobID)
		return
	}

	h.respondJSON(w, http.StatusOK, job)
}

// ListJobs returns the caller's newest jobs. ?limit caps the page size.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	list, err := h.jobs.List(r.Context(), UserID(r.Context()), limit)
	if err != nil {
		h.fail(w, "failed to list jobs", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"jobs":  list,
		"count": len(list),
	})
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.jobs.Stats(r.Context())
	if err != nil {
		h.fail(w, "failed to get stats", err)
		return
	}

	h.respondJSON(w, http.StatusOK, stats)
}

// Health reports cache, store and outbox state. It answers 503 when the
// store is unreachable or dead letters pile up.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	health := map[string]any{
		"status": "ok",
		"cache":  h.cache.Health(ctx),
	}

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			health["store"] = map[string]any{"status": "unhealthy", "error": err.Error()}
			health["status"] = "error"
			status = http.StatusServiceUnavailable
		} else {
			health["store"] = map[string]any{"status": "healthy"}
		}
	}

	if h.outbox != nil {
		pending, deadLetter, err := h.outbox.Backlog(ctx)
		if err != nil {
			h.logger.Warn("failed to read outbox backlog", "error", err)
		}
		health["outbox"] = map[string]any{
			"pending":     pending,
			"dead_letter": deadLetter,
		}

		if pending > outboxPendingWarn && status == http.StatusOK {
			health["status"] = "warning"
			health["message"] = "High number of pending outbox events"
		}
		if deadLetter > outboxDeadLetterFail {
			health["status"] = "error"
			health["message"] = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		}
	}

	h.respondJSON(w, status, health)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest),
		errors.Is(err, scraper.ErrUnsupportedMarketplace),
		errors.Is(err, analyzer.ErrInvalidVideoURL),
		errors.Is(err, products.ErrBatchTooLarge),
		errors.Is(err, products.ErrEmptyBatch):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrJobNotFound),
		errors.Is(err, models.ErrAnalysisNotFound):
		return http.StatusNotFound
	case errors.Is(err, analyzer.ErrEmptyTranscript):
		return http.StatusUnprocessableEntity
	case errors.Is(err, scraper.ErrScrapeFailure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *Handlers) fail(w http.ResponseWriter, msg string, err error, attrs ...any) {
	status := statusFor(err)
	attrs = append(attrs, "error", err, "status", status)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, attrs...)
		if status == http.StatusInternalServerError {
			h.respondError(w, status, msg)
			return
		}
	} else {
		h.logger.Info(msg, attrs...)
	}
	h.respondError(w, status, err.Error())
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, data, h.logger)
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}
