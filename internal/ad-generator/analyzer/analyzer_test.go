package analyzer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/infinityad/internal/cache"
	"github.com/maltedev/infinityad/internal/models"
)

type fakeTranscripts struct {
	mu    sync.Mutex
	t     Transcript
	err   error
	calls int
	block bool
}

func (f *fakeTranscripts) Fetch(ctx context.Context, videoID string) (Transcript, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()

	if block {
		time.Sleep(time.Second)
	}
	return f.t, f.err
}

type memoryHistory struct {
	mu      sync.Mutex
	entries []*models.VideoAnalysis
	err     error
}

func (h *memoryHistory) Append(ctx context.Context, a *models.VideoAnalysis) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.entries = append(h.entries, a)
	return nil
}

func (h *memoryHistory) Latest(ctx context.Context, videoID string) (*models.VideoAnalysis, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.entries) - 1; i >= 0; i-- {
		if h.entries[i].VideoID == videoID {
			return h.entries[i], nil
		}
	}
	return nil, ErrAnalysisNotFound
}

const videoURL = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

func newTestAnalyzer(t *testing.T, f TranscriptFetcher, h HistorySink) (*Analyzer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := cache.Open(context.Background(), cache.Config{Addr: mr.Addr()}, slog.Default())
	t.Cleanup(func() { c.Close() })
	return New(f, c, Options{History: h}, slog.Default()), mr
}

func TestExtractVideoID(t *testing.T) {
	valid := []string{
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		"https://m.youtube.com/watch?v=dQw4w9WgXcQ&t=42",
		"https://youtube.com/watch?feature=share&v=dQw4w9WgXcQ",
		"https://youtu.be/dQw4w9WgXcQ?si=abc",
		"https://www.youtube.com/embed/dQw4w9WgXcQ",
		"https://www.youtube.com/shorts/dQw4w9WgXcQ",
	}
	for _, u := range valid {
		id, err := ExtractVideoID(u)
		require.NoError(t, err, u)
		assert.Equal(t, "dQw4w9WgXcQ", id, u)
	}

	for _, u := range []string{"https://vimeo.com/123456", "https://youtube.com/watch?v=short", ""} {
		_, err := ExtractVideoID(u)
		assert.ErrorIs(t, err, ErrInvalidVideoURL, u)
	}
}

func TestAnalyze(t *testing.T) {
	ctx := context.Background()
	f := &fakeTranscripts{t: Transcript{Text: positiveReview, Language: "pt", Title: "Review", Channel: "Canal"}}
	h := &memoryHistory{}
	a, mr := newTestAnalyzer(t, f, h)

	analysis, err := a.Analyze(ctx, videoURL, false)
	require.NoError(t, err)

	assert.Equal(t, "dQw4w9WgXcQ", analysis.VideoID)
	assert.Equal(t, models.SentimentPositive, analysis.OverallSentiment)
	assert.InDelta(t, 1.0, analysis.SentimentScore, 0.0001)
	assert.Equal(t, "Review", analysis.VideoTitle)
	assert.Equal(t, "Canal", analysis.ChannelName)
	assert.Equal(t, ModelVersion, analysis.ModelVersion)
	assert.Len(t, analysis.Topics, 2)
	assert.False(t, analysis.AnalyzedAt.IsZero())
	assert.True(t, mr.Exists("yt_analysis:dQw4w9WgXcQ"))
	assert.Len(t, h.entries, 1)

	_, err = a.Analyze(ctx, videoURL, false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls)

	_, err = a.Analyze(ctx, videoURL, true)
	require.NoError(t, err)
	assert.Equal(t, 2, f.calls)
	assert.Len(t, h.entries, 2)
}

func TestAnalyze_Mixed(t *testing.T) {
	a, _ := newTestAnalyzer(t, &fakeTranscripts{t: Transcript{Text: mixedReview}}, nil)

	analysis, err := a.Analyze(context.Background(), videoURL, false)
	require.NoError(t, err)
	assert.Equal(t, models.SentimentMixed, analysis.OverallSentiment)
	assert.Equal(t, DefaultLanguage, analysis.Language)
}

func TestAnalyze_Errors(t *testing.T) {
	fetchErr := errors.New("captions disabled")

	tests := []struct {
		name string
		url  string
		f    *fakeTranscripts
		want error
	}{
		{"invalid url", "https://vimeo.com/1", &fakeTranscripts{}, ErrInvalidVideoURL},
		{"empty transcript", videoURL, &fakeTranscripts{t: Transcript{Text: "  "}}, ErrEmptyTranscript},
		{"fetch failure", videoURL, &fakeTranscripts{err: fetchErr}, fetchErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, mr := newTestAnalyzer(t, tt.f, nil)
			_, err := a.Analyze(context.Background(), tt.url, false)
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, mr.Exists("yt_analysis:dQw4w9WgXcQ"))
		})
	}
}

func TestAnalyze_HistoryFailureIsNotFatal(t *testing.T) {
	h := &memoryHistory{err: errors.New("db down")}
	a, _ := newTestAnalyzer(t, &fakeTranscripts{t: Transcript{Text: negativeReview}}, h)

	analysis, err := a.Analyze(context.Background(), videoURL, false)
	require.NoError(t, err)
	assert.Equal(t, models.SentimentNegative, analysis.OverallSentiment)
}

func TestAnalyze_HonorsCancellation(t *testing.T) {
	a, _ := newTestAnalyzer(t, &fakeTranscripts{block: true}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := a.Analyze(ctx, videoURL, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	h := &memoryHistory{}
	a, mr := newTestAnalyzer(t, &fakeTranscripts{t: Transcript{Text: positiveReview}}, h)

	_, err := a.Get(ctx, "dQw4w9WgXcQ")
	assert.ErrorIs(t, err, ErrAnalysisNotFound)

	_, err = a.Analyze(ctx, videoURL, false)
	require.NoError(t, err)

	got, err := a.Get(ctx, "dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, models.SentimentPositive, got.OverallSentiment)

	mr.FlushAll()
	got, err = a.Get(ctx, "dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, "dQw4w9WgXcQ", got.VideoID)
}
