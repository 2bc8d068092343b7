package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/infinityad/internal/ad-generator/generation"
	"github.com/maltedev/infinityad/internal/cache"
	"github.com/maltedev/infinityad/internal/metrics"
	"github.com/maltedev/infinityad/internal/models"
	"github.com/maltedev/infinityad/internal/queue"
)

const (
	DefaultPollInterval    = 5 * time.Second
	DefaultMaxPollAttempts = 60
	DefaultAvatarImage     = "https://create-images-results.d-id.com/DefaultPresenters/Noelle_f/image.jpeg"
	DefaultListLimit       = 20
	MaxListLimit           = 100
	anonymousUser          = "anonymous"
)

var ErrInvalidRequest = errors.New("invalid job request")

// Store persists jobs. Transition and Update only match a job that is in
// the expected status; a mismatch is models.ErrInvalidTransition.
type Store interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, userID string, limit int) ([]*models.Job, error)
	Stats(ctx context.Context) (*models.JobStats, error)
	Transition(ctx context.Context, id string, from, to models.JobStatus, u models.JobUpdate) (*models.Job, error)
	Update(ctx context.Context, id string, u models.JobUpdate) error
	StaleProcessing(ctx context.Context, before time.Time, limit int) ([]*models.Job, error)
	QueuedBefore(ctx context.Context, before time.Time, limit int) ([]*models.Job, error)
}

type ProductLookup interface {
	Lookup(ctx context.Context, rawURL string, bypassCache bool) (*models.Product, error)
}

type VideoAnalyzer interface {
	Analyze(ctx context.Context, videoURL string, force bool) (*models.VideoAnalysis, error)
}

type Config struct {
	PollInterval       time.Duration
	MaxPollAttempts    int
	DefaultAvatarImage string
	StatusTTL          time.Duration
	// StaleAfter is how long a job may stay in processing before the
	// reconciler fails it.
	StaleAfter time.Duration
	// RedispatchAfter is how long a job may wait in queued before the
	// reconciler submits it again.
	RedispatchAfter   time.Duration
	ReconcileInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:       DefaultPollInterval,
		MaxPollAttempts:    DefaultMaxPollAttempts,
		DefaultAvatarImage: DefaultAvatarImage,
		StatusTTL:          cache.JobStatusTTL,
		StaleAfter:         15 * time.Minute,
		RedispatchAfter:    2 * time.Minute,
		ReconcileInterval:  time.Minute,
	}
}

type Deps struct {
	Store     Store
	Products  ProductLookup
	Analyzer  VideoAnalyzer
	Scripts   generation.ScriptGenerator
	Renderer  generation.Renderer
	Submitter queue.Submitter
	Cache     *cache.Cache
	Metrics   *metrics.Metrics
}

// Manager owns the job lifecycle: it is the only place that turns stage
// errors into persisted job state.
type Manager struct {
	store     Store
	products  ProductLookup
	analyzer  VideoAnalyzer
	scripts   generation.ScriptGenerator
	renderer  generation.Renderer
	submitter queue.Submitter
	cache     *cache.Cache
	metrics   *metrics.Metrics
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

func NewManager(deps Deps, cfg Config, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = def.MaxPollAttempts
	}
	if cfg.DefaultAvatarImage == "" {
		cfg.DefaultAvatarImage = def.DefaultAvatarImage
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = def.StatusTTL
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.RedispatchAfter <= 0 {
		cfg.RedispatchAfter = def.RedispatchAfter
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}

	return &Manager{
		store:     deps.Store,
		products:  deps.Products,
		analyzer:  deps.Analyzer,
		scripts:   deps.Scripts,
		renderer:  deps.Renderer,
		submitter: deps.Submitter,
		cache:     deps.Cache,
		metrics:   deps.Metrics,
		cfg:       cfg,
		logger:    logger.With("component", "job_manager"),
		now:       time.Now,
	}
}

// SetSubmitter wires the queue after construction, for pools whose
// handler is this manager's Process.
func (m *Manager) SetSubmitter(s queue.Submitter) {
	m.submitter = s
}

type EnqueueRequest struct {
	UserID     string `json:"-"`
	ProductURL string `json:"product_url"`
	YouTubeURL string `json:"youtube_url,omitempty"`
	Style      string `json:"style,omitempty"`
}

func (r EnqueueRequest) validate() error {
	if !isHTTPURL(r.ProductURL) {
		return fmt.Errorf("%w: product_url must be an http(s) url", ErrInvalidRequest)
	}
	if r.YouTubeURL != "" && !isHTTPURL(r.YouTubeURL) {
		return fmt.Errorf("%w: youtube_url must be an http(s) url", ErrInvalidRequest)
	}
	return nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Enqueue persists a queued job and hands it to the submitter. It returns
// as soon as the job is stored; a failed submission is left to the
// reconciler.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*models.Job, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.UserID == "" {
		req.UserID = anonymousUser
	}
	if req.Style == "" {
		req.Style = models.DefaultAdStyle
	}

	job := &models.Job{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		ProductURL: strings.TrimSpace(req.ProductURL),
		YouTubeURL: strings.TrimSpace(req.YouTubeURL),
		Style:      req.Style,
		Status:     models.JobStatusQueued,
		CreatedAt:  m.now(),
	}
	if err := m.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	m.logger.Info("job enqueued", "job_id", job.ID, "user_id", job.UserID, "product_url", job.ProductURL)
	m.mirror(ctx, job)
	m.submit(ctx, job.ID)

	return job, nil
}

func (m *Manager) submit(ctx context.Context, jobID string) {
	if m.submitter == nil {
		m.logger.Warn("no submitter configured, job waits for the reconciler", "job_id", jobID)
		return
	}
	if err := m.submitter.Submit(ctx, jobID); err != nil {
		m.logger.Error("failed to submit job", "job_id", jobID, "error", err)
	}
}

// Get returns a job. Terminal jobs are served from the status mirror when
// it has them.
func (m *Manager) Get(ctx context.Context, jobID string) (*models.Job, error) {
	var cached models.Job
	if m.cache.Get(ctx, cache.JobStatusKey(jobID), &cached) && cached.Status.Terminal() {
		m.metrics.CacheLookup("job_status", true)
		return &cached, nil
	}
	return m.store.Get(ctx, jobID)
}

// List returns the user's newest jobs. limit is clamped to MaxListLimit.
func (m *Manager) List(ctx context.Context, userID string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	jobs, err := m.store.List(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	return jobs, nil
}

func (m *Manager) Stats(ctx context.Context) (*models.JobStats, error) {
	return m.store.Stats(ctx)
}

// Process runs one job through every stage. A missing job, or one that
// another worker already picked up, is logged and skipped. The returned
// error is the stage failure that was persisted on the job.
func (m *Manager) Process(ctx context.Context, jobID string) error {
	job, err := m.store.Get(ctx, jobID)
	if errors.Is(err, models.ErrJobNotFound) {
		m.logger.Warn("job not found, skipping", "job_id", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}
	if job.Status != models.JobStatusQueued {
		m.logger.Info("job not queued, skipping", "job_id", jobID, "status", job.Status)
		return nil
	}

	started := m.now()
	job, err = m.store.Transition(ctx, jobID, models.JobStatusQueued, models.JobStatusProcessing,
		models.JobUpdate{StartedAt: &started})
	if errors.Is(err, models.ErrInvalidTransition) {
		m.logger.Info("job picked up elsewhere", "job_id", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to start job: %w", err)
	}
	m.recordStatus(ctx, job)
	m.logger.Info("processing job", "job_id", jobID, "product_url", job.ProductURL)

	resultURL, runErr := m.run(ctx, job)

	// the outcome is persisted even when ctx was cancelled mid-run
	persistCtx := context.WithoutCancel(ctx)
	finished := m.now()
	if runErr != nil {
		m.finish(persistCtx, jobID, models.JobStatusFailed, models.JobUpdate{Error: runErr.Error(), FinishedAt: &finished})
		m.logger.Error("job failed", "job_id", jobID, "error", runErr, "duration", finished.Sub(started))
		return runErr
	}

	m.finish(persistCtx, jobID, models.JobStatusCompleted, models.JobUpdate{Result: resultURL, FinishedAt: &finished})
	m.logger.Info("job completed", "job_id", jobID, "result", resultURL, "duration", finished.Sub(started))
	return nil
}

func (m *Manager) finish(ctx context.Context, jobID string, status models.JobStatus, u models.JobUpdate) {
	job, err := m.store.Transition(ctx, jobID, models.JobStatusProcessing, status, u)
	if err != nil {
		m.logger.Error("failed to persist job outcome", "job_id", jobID, "status", status, "error", err)
		return
	}
	m.recordStatus(ctx, job)
}

func (m *Manager) run(ctx context.Context, job *models.Job) (string, error) {
	var product *models.Product
	err := m.stage(job, "product_lookup", func() (err error) {
		product, err = m.products.Lookup(ctx, job.ProductURL, false)
		return err
	})
	if err != nil {
		return "", err
	}

	var analysis *models.VideoAnalysis
	if job.YouTubeURL != "" && m.analyzer != nil {
		err := m.stage(job, "video_analysis", func() (err error) {
			analysis, err = m.analyzer.Analyze(ctx, job.YouTubeURL, false)
			return err
		})
		if err != nil {
			m.logger.Warn("video analysis failed, continuing without it", "job_id", job.ID, "error", err)
			analysis = nil
		}
	}

	var script string
	err = m.stage(job, "script_generation", func() (err error) {
		script, err = m.scripts.Generate(ctx, generation.NewScriptRequest(product, analysis, job.Style))
		if err == nil && strings.TrimSpace(script) == "" {
			err = fmt.Errorf("%w: empty script", generation.ErrScriptGeneration)
		}
		return err
	})
	if err != nil {
		return "", err
	}
	if err := m.save(ctx, job.ID, models.JobUpdate{Script: script}); err != nil {
		return "", err
	}

	image := product.PrimaryImage()
	if image == "" {
		image = m.cfg.DefaultAvatarImage
	}

	var renderID string
	err = m.stage(job, "render_create", func() (err error) {
		renderID, err = m.renderer.Create(ctx, image, script)
		if err == nil && renderID == "" {
			err = fmt.Errorf("%w: provider returned no render id", generation.ErrRenderFailure)
		}
		return err
	})
	if err != nil {
		return "", err
	}
	if err := m.save(ctx, job.ID, models.JobUpdate{RenderID: renderID}); err != nil {
		return "", err
	}

	var resultURL string
	err = m.stage(job, "render_poll", func() (err error) {
		resultURL, err = generation.WaitForRender(ctx, m.renderer, renderID,
			m.cfg.PollInterval, m.cfg.MaxPollAttempts, m.logger.With("job_id", job.ID))
		return err
	})
	return resultURL, err
}

// save persists intermediate output. Losing the job to the reconciler
// aborts the run; other store errors only cost the intermediate value.
func (m *Manager) save(ctx context.Context, jobID string, u models.JobUpdate) error {
	err := m.store.Update(ctx, jobID, u)
	if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrJobNotFound) {
		return fmt.Errorf("job no longer processing: %w", err)
	}
	if err != nil {
		m.logger.Warn("failed to save job progress", "job_id", jobID, "error", err)
	}
	return nil
}

func (m *Manager) stage(job *models.Job, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	d := time.Since(start)
	m.metrics.ObserveStage(name, err, d)
	m.logger.Debug("stage finished", "job_id", job.ID, "stage", name, "duration", d, "error", err)
	return err
}

func (m *Manager) recordStatus(ctx context.Context, job *models.Job) {
	m.metrics.JobStatus(string(job.Status))
	m.mirror(ctx, job)
}

func (m *Manager) mirror(ctx context.Context, job *models.Job) {
	m.cache.Set(ctx, cache.JobStatusKey(job.ID), job, m.cfg.StatusTTL)
}
