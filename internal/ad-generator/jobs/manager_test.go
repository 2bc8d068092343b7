package jobs

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/infinityad/internal/ad-generator/generation"
	"github.com/maltedev/infinityad/internal/ad-generator/products"
	"github.com/maltedev/infinityad/internal/cache"
	"github.com/maltedev/infinityad/internal/database/sqlite"
	"github.com/maltedev/infinityad/internal/models"
	"github.com/maltedev/infinityad/internal/scraper"
)

type fakeProducts struct {
	product *models.Product
	err     error
	calls   int
}

func (f *fakeProducts) Lookup(ctx context.Context, rawURL string, bypass bool) (*models.Product, error) {
	f.calls++
	return f.product, f.err
}

type fakeAnalyzer struct {
	analysis *models.VideoAnalysis
	err      error
	calls    int
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, videoURL string, force bool) (*models.VideoAnalysis, error) {
	f.calls++
	return f.analysis, f.err
}

type fakeScripts struct {
	script string
	err    error
	got    generation.ScriptRequest
}

func (f *fakeScripts) Generate(ctx context.Context, req generation.ScriptRequest) (string, error) {
	f.got = req
	return f.script, f.err
}

type fakeRenderer struct {
	id        string
	createErr error
	statuses  []generation.RenderStatus
	image     string
	polls     int
}

func (f *fakeRenderer) Create(ctx context.Context, imageURL, script string) (string, error) {
	f.image = imageURL
	return f.id, f.createErr
}

func (f *fakeRenderer) Poll(ctx context.Context, renderID string) (generation.RenderStatus, error) {
	i := f.polls
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.polls++
	return f.statuses[i], nil
}

type recordingSubmitter struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (s *recordingSubmitter) Submit(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.ids = append(s.ids, jobID)
	return nil
}

type fixture struct {
	manager   *Manager
	store     *sqlite.Store
	products  *fakeProducts
	analyzer  *fakeAnalyzer
	scripts   *fakeScripts
	renderer  *fakeRenderer
	submitter *recordingSubmitter
	redis     *miniredis.Miniredis
}

func testProduct(t *testing.T, images ...string) *models.Product {
	t.Helper()
	p, err := models.NewProduct(models.ProductInput{
		MarketplaceID: "123",
		Marketplace:   models.MarketplaceShopee,
		SourceURL:     "https://shopee.com.br/product/1/123",
		Name:          "Fone Bluetooth Pro",
		Amount:        99.9,
		Currency:      "BRL",
		ImageURLs:     images,
		Features:      []string{"bateria 30h"},
	}, models.DefaultPricePolicy())
	require.NoError(t, err)
	return p
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	c := cache.Open(context.Background(), cache.Config{Addr: mr.Addr()}, slog.Default())
	t.Cleanup(func() { c.Close() })

	f := &fixture{
		store:     store,
		products:  &fakeProducts{product: testProduct(t, "https://img.example.com/fone.jpg")},
		analyzer:  &fakeAnalyzer{},
		scripts:   &fakeScripts{script: "Esse fone mudou minha rotina!"},
		renderer:  &fakeRenderer{id: "tlk_1", statuses: []generation.RenderStatus{{State: generation.RenderPending}, {State: generation.RenderDone, ResultURL: "https://d-id.example/tlk_1.mp4"}}},
		submitter: &recordingSubmitter{},
		redis:     mr,
	}
	f.manager = NewManager(Deps{
		Store:     store,
		Products:  f.products,
		Analyzer:  f.analyzer,
		Scripts:   f.scripts,
		Renderer:  f.renderer,
		Submitter: f.submitter,
		Cache:     c,
	}, Config{PollInterval: time.Millisecond, MaxPollAttempts: 3}, slog.Default())
	return f
}

func (f *fixture) enqueue(t *testing.T, youtubeURL string) *models.Job {
	t.Helper()
	job, err := f.manager.Enqueue(context.Background(), EnqueueRequest{
		UserID:     "user-1",
		ProductURL: "https://shopee.com.br/product/1/123",
		YouTubeURL: youtubeURL,
	})
	require.NoError(t, err)
	return job
}

func (f *fixture) stored(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestEnqueue(t *testing.T) {
	f := newFixture(t)

	job := f.enqueue(t, "")
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, models.DefaultAdStyle, job.Style)
	assert.Equal(t, []string{job.ID}, f.submitter.ids)
	assert.Equal(t, models.JobStatusQueued, f.stored(t, job.ID).Status)
	assert.True(t, f.redis.Exists(cache.JobStatusKey(job.ID)))
	assert.Zero(t, f.products.calls, "enqueue never runs stages")
}

func TestEnqueue_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{"empty product url", EnqueueRequest{}},
		{"not a url", EnqueueRequest{ProductURL: "shopee"}},
		{"ftp scheme", EnqueueRequest{ProductURL: "ftp://shopee.com.br/p/1"}},
		{"bad youtube url", EnqueueRequest{ProductURL: "https://shopee.com.br/p/1", YouTubeURL: "youtube"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.Enqueue(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Empty(t, f.submitter.ids)
}

func TestEnqueue_SubmitFailureStillReturnsJob(t *testing.T) {
	f := newFixture(t)
	f.submitter.err = errors.New("broker down")

	job := f.enqueue(t, "")
	assert.Equal(t, models.JobStatusQueued, f.stored(t, job.ID).Status)
}

func TestProcess_Completes(t *testing.T) {
	f := newFixture(t)
	f.analyzer.analysis = &models.VideoAnalysis{PositiveAspects: []string{"o som é ótimo"}}

	job := f.enqueue(t, "https://youtu.be/dQw4w9WgXcQ")
	require.NoError(t, f.manager.Process(context.Background(), job.ID))

	got := f.stored(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, "https://d-id.example/tlk_1.mp4", got.Result)
	assert.Empty(t, got.Error)
	assert.Equal(t, "Esse fone mudou minha rotina!", got.Script)
	assert.Equal(t, "tlk_1", got.RenderID)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	assert.False(t, got.FinishedAt.Before(*got.StartedAt))

	assert.Equal(t, "https://img.example.com/fone.jpg", f.renderer.image)
	assert.Equal(t, 2, f.renderer.polls)
	assert.Equal(t, []string{"o som é ótimo"}, f.scripts.got.Testimonials)
	assert.Equal(t, models.DefaultAdStyle, f.scripts.got.Style)
}

func TestProcess_AnalysisFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.analyzer.err = errors.New("transcript is empty")

	job := f.enqueue(t, "https://youtu.be/dQw4w9WgXcQ")
	require.NoError(t, f.manager.Process(context.Background(), job.ID))

	assert.Equal(t, 1, f.analyzer.calls)
	assert.Equal(t, models.JobStatusCompleted, f.stored(t, job.ID).Status)
	assert.Empty(t, f.scripts.got.Testimonials)
}

func TestProcess_SkipsAnalysisWithoutVideo(t *testing.T) {
	f := newFixture(t)

	job := f.enqueue(t, "")
	require.NoError(t, f.manager.Process(context.Background(), job.ID))
	assert.Zero(t, f.analyzer.calls)
}

func TestProcess_DefaultAvatarWithoutImages(t *testing.T) {
	f := newFixture(t)
	f.products.product = testProduct(t)

	job := f.enqueue(t, "")
	require.NoError(t, f.manager.Process(context.Background(), job.ID))
	assert.Equal(t, DefaultAvatarImage, f.renderer.image)
}

func TestProcess_Failures(t *testing.T) {
	scrapeErr := &scraper.ScrapeError{Marketplace: models.MarketplaceShopee, URL: "u", Stage: "fetch", Err: errors.New("403")}

	tests := []struct {
		name    string
		setup   func(f *fixture)
		wantErr error
		wantMsg string
	}{
		{
			name:    "product lookup",
			setup:   func(f *fixture) { f.products.err = scrapeErr; f.products.product = nil },
			wantErr: scraper.ErrScrapeFailure,
			wantMsg: scrapeErr.Error(),
		},
		{
			name:    "script provider error",
			setup:   func(f *fixture) { f.scripts.err = generation.ErrScriptGeneration },
			wantErr: generation.ErrScriptGeneration,
			wantMsg: "script generation failed",
		},
		{
			name:    "empty script",
			setup:   func(f *fixture) { f.scripts.script = "  " },
			wantErr: generation.ErrScriptGeneration,
			wantMsg: "script generation failed: empty script",
		},
		{
			name:    "empty render id",
			setup:   func(f *fixture) { f.renderer.id = "" },
			wantErr: generation.ErrRenderFailure,
			wantMsg: "render failed: provider returned no render id",
		},
		{
			name: "provider reports error",
			setup: func(f *fixture) {
				f.renderer.statuses = []generation.RenderStatus{{State: generation.RenderError, Error: "face not detected"}}
			},
			wantErr: generation.ErrRenderFailure,
			wantMsg: "render failed: face not detected",
		},
		{
			name: "render never finishes",
			setup: func(f *fixture) {
				f.renderer.statuses = []generation.RenderStatus{{State: generation.RenderPending}}
			},
			wantErr: generation.ErrRenderTimeout,
			wantMsg: "render timed out: render tlk_1 not done after 3 polls",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			job := f.enqueue(t, "")
			err := f.manager.Process(context.Background(), job.ID)
			require.ErrorIs(t, err, tt.wantErr)

			got := f.stored(t, job.ID)
			assert.Equal(t, models.JobStatusFailed, got.Status)
			assert.Equal(t, tt.wantMsg, got.Error)
			assert.Equal(t, err.Error(), got.Error)
			assert.Empty(t, got.Result)
			assert.NotNil(t, got.FinishedAt)
		})
	}
}

func TestProcess_UnsupportedMarketplaceFailsJob(t *testing.T) {
	f := newFixture(t)

	// only shopee is registered, no generic storefront behind it
	registry := scraper.NewRegistry()
	registry.Register(models.MarketplaceShopee, func() scraper.Scraper {
		return scraper.NewShopee(scraper.Deps{
			Fetcher:     scraper.NewHTTPFetcher(scraper.HTTPFetcherOptions{}, slog.Default()),
			PricePolicy: models.DefaultPricePolicy(),
		})
	})
	f.manager.products = products.NewService(registry, nil, products.Options{}, slog.Default())

	tests := []string{
		"https://loja.example.com/p/1",
		"https://www.mercadolivre.com.br/produto/MLB-123",
	}
	for _, productURL := range tests {
		t.Run(productURL, func(t *testing.T) {
			job, err := f.manager.Enqueue(context.Background(), EnqueueRequest{UserID: "user-1", ProductURL: productURL})
			require.NoError(t, err)

			err = f.manager.Process(context.Background(), job.ID)
			require.Error(t, err)
			assert.ErrorIs(t, err, products.ErrUnsupportedMarketplace)

			got := f.stored(t, job.ID)
			assert.Equal(t, models.JobStatusFailed, got.Status)
			assert.Contains(t, got.Error, "unsupported marketplace")
			assert.Contains(t, got.Error, "shopee")
			require.NotNil(t, got.FinishedAt)
		})
	}
	assert.Zero(t, f.renderer.polls)
	assert.Empty(t, f.renderer.image)
}

func TestProcess_SkipsMissingAndStartedJobs(t *testing.T) {
	f := newFixture(t)

	assert.NoError(t, f.manager.Process(context.Background(), "does-not-exist"))

	job := f.enqueue(t, "")
	require.NoError(t, f.manager.Process(context.Background(), job.ID))
	require.Equal(t, 1, f.products.calls)

	// a second delivery of the same job never re-runs it
	require.NoError(t, f.manager.Process(context.Background(), job.ID))
	assert.Equal(t, 1, f.products.calls)
	assert.Equal(t, models.JobStatusCompleted, f.stored(t, job.ID).Status)
}

func TestGet_ServesTerminalJobsFromMirror(t *testing.T) {
	f := newFixture(t)

	job := f.enqueue(t, "")
	require.NoError(t, f.manager.Process(context.Background(), job.ID))

	require.NoError(t, f.store.Close())

	got, err := f.manager.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, "https://d-id.example/tlk_1.mp4", got.Result)
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestListAndStats(t *testing.T) {
	f := newFixture(t)

	done := f.enqueue(t, "")
	f.enqueue(t, "")
	require.NoError(t, f.manager.Process(context.Background(), done.ID))

	jobs, err := f.manager.List(context.Background(), "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	none, err := f.manager.List(context.Background(), "someone-else", 500)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	stats, err := f.manager.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalJobs)
	assert.Equal(t, 1, stats.CompletedJobs)
	assert.InDelta(t, 50.0, stats.SuccessRate, 0.001)
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stuck := f.enqueue(t, "")
	started := time.Now()
	_, err := f.store.Transition(ctx, stuck.ID, models.JobStatusQueued, models.JobStatusProcessing,
		models.JobUpdate{StartedAt: &started})
	require.NoError(t, err)

	waiting := f.enqueue(t, "")
	f.submitter.ids = nil

	abandoned, redispatched := f.manager.Reconcile(ctx)
	assert.Zero(t, abandoned)
	assert.Zero(t, redispatched)

	f.manager.now = func() time.Time { return time.Now().Add(time.Hour) }
	abandoned, redispatched = f.manager.Reconcile(ctx)
	assert.Equal(t, 1, abandoned)
	assert.Equal(t, 1, redispatched)
	assert.Equal(t, []string{waiting.ID}, f.submitter.ids)

	got := f.stored(t, stuck.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "job abandoned: processing exceeded 15m0s", got.Error)

	// the redispatched job still runs normally
	require.NoError(t, f.manager.Process(ctx, waiting.ID))
	assert.Equal(t, models.JobStatusCompleted, f.stored(t, waiting.ID).Status)
}

func TestStartReconciler_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.manager.cfg.ReconcileInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.manager.StartReconciler(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
