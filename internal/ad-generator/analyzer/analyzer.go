package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/maltedev/infinityad/internal/cache"
	"github.com/maltedev/infinityad/internal/metrics"
	"github.com/maltedev/infinityad/internal/models"
)

const ModelVersion = "1.0"

var (
	ErrInvalidVideoURL  = errors.New("invalid youtube url")
	ErrEmptyTranscript  = errors.New("transcript is empty")
	ErrAnalysisNotFound = models.ErrAnalysisNotFound
)

var videoIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:youtube\.com/watch\?(?:[^#]*&)?v=|youtu\.be/)([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`youtube\.com/(?:embed|shorts|live)/([a-zA-Z0-9_-]{11})`),
}

// ExtractVideoID returns the 11 character id of a YouTube URL.
func ExtractVideoID(rawURL string) (string, error) {
	for _, p := range videoIDPatterns {
		if m := p.FindStringSubmatch(rawURL); len(m) > 1 {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrInvalidVideoURL, rawURL)
}

// HistorySink stores analyses append-only.
type HistorySink interface {
	Append(ctx context.Context, analysis *models.VideoAnalysis) error
	// Latest returns ErrAnalysisNotFound when the video was never analyzed.
	Latest(ctx context.Context, videoID string) (*models.VideoAnalysis, error)
}

type Options struct {
	TTL     time.Duration
	History HistorySink
	Metrics *metrics.Metrics
}

type Analyzer struct {
	transcripts TranscriptFetcher
	cache       *cache.Cache
	history     HistorySink
	ttl         time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

func New(transcripts TranscriptFetcher, c *cache.Cache, opts Options, logger *slog.Logger) *Analyzer {
	if opts.TTL <= 0 {
		opts.TTL = cache.AnalysisTTL
	}
	return &Analyzer{
		transcripts: transcripts,
		cache:       c,
		history:     opts.History,
		ttl:         opts.TTL,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "youtube_analyzer"),
		now:         time.Now,
	}
}

// Analyze returns the analysis of a review video, from cache unless
// force is set.
func (a *Analyzer) Analyze(ctx context.Context, videoURL string, force bool) (*models.VideoAnalysis, error) {
	start := a.now()

	videoID, err := ExtractVideoID(videoURL)
	if err != nil {
		return nil, err
	}
	key := cache.AnalysisKey(videoID)

	if !force {
		var cached models.VideoAnalysis
		hit := a.cache.Get(ctx, key, &cached)
		a.metrics.CacheLookup("analysis", hit)
		if hit {
			a.logger.Info("cache hit", "key", key)
			return &cached, nil
		}
	}

	a.logger.Info("analyzing video", "video_id", videoID)

	transcript, err := a.fetchTranscript(ctx, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transcript for %s: %w", videoID, err)
	}
	if strings.TrimSpace(transcript.Text) == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyTranscript, videoID)
	}

	analysis := Build(videoID, videoURL, transcript)
	analysis.AnalyzedAt = a.now().UTC()
	analysis.ProcessingTime = a.now().Sub(start)

	a.metrics.Analysis(string(analysis.OverallSentiment))

	if a.cache.Set(ctx, key, analysis, a.ttl) {
		a.logger.Info("cache set", "key", key, "ttl", a.ttl)
	}
	if a.history != nil {
		if err := a.history.Append(ctx, analysis); err != nil {
			a.logger.Warn("failed to append analysis history", "video_id", videoID, "error", err)
		}
	}

	a.logger.Info("video analyzed",
		"video_id", videoID,
		"sentiment", analysis.OverallSentiment,
		"score", analysis.SentimentScore,
		"duration", analysis.ProcessingTime,
	)
	return analysis, nil
}

// fetchTranscript runs the fetch in its own goroutine so a fetcher that
// ignores ctx still cannot hold the caller past cancellation.
func (a *Analyzer) fetchTranscript(ctx context.Context, videoID string) (Transcript, error) {
	type result struct {
		t   Transcript
		err error
	}
	ch := make(chan result, 1)
	go func() {
		t, err := a.transcripts.Fetch(ctx, videoID)
		ch <- result{t, err}
	}()

	select {
	case <-ctx.Done():
		return Transcript{}, ctx.Err()
	case r := <-ch:
		return r.t, r.err
	}
}

// Get returns a previous analysis from cache, then from history.
func (a *Analyzer) Get(ctx context.Context, videoID string) (*models.VideoAnalysis, error) {
	var cached models.VideoAnalysis
	if a.cache.Get(ctx, cache.AnalysisKey(videoID), &cached) {
		return &cached, nil
	}
	if a.history == nil {
		return nil, fmt.Errorf("%w: %s", ErrAnalysisNotFound, videoID)
	}
	return a.history.Latest(ctx, videoID)
}

// Build derives every signal from a transcript. It is pure; Analyze adds
// timing, caching and history around it.
func Build(videoID, videoURL string, t Transcript) *models.VideoAnalysis {
	lang := t.Language
	if lang == "" {
		lang = DefaultLanguage
	}

	positive, negative := countPolarity(t.Text, lang)
	score, confidence := scoreCounts(positive, negative)
	overall := overallSentiment(score, positive, negative)

	entities := ExtractEntities(t.Text)
	brands := make([]string, 0)
	products := make([]string, 0)
	for _, e := range entities {
		switch e.Type {
		case models.EntityBrand:
			brands = append(brands, e.Text)
		case models.EntityProduct:
			products = append(products, e.Text)
		}
	}

	segments := ExtractTopics(t.Text, lang)

	return &models.VideoAnalysis{
		VideoID:           videoID,
		VideoURL:          videoURL,
		VideoTitle:        t.Title,
		ChannelName:       t.Channel,
		OverallSentiment:  overall,
		SentimentScore:    score,
		Confidence:        confidence,
		Entities:          entities,
		BrandsMentioned:   brands,
		ProductsMentioned: products,
		Topics:            segments,
		Transcript:        t.Text,
		Language:          lang,
		PositiveAspects:   positiveAspects(t.Text),
		NegativeAspects:   negativeAspects(t.Text),
		Recommendations:   recommendations(overall, segments),
		ModelVersion:      ModelVersion,
	}
}
