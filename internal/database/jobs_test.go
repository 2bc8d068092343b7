package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/infinityad/internal/models"
)

func newQueuedJob(userID string) *models.Job {
	return &models.Job{
		ID:         uuid.NewString(),
		UserID:     userID,
		ProductURL: "https://shopee.com.br/product/1/2",
		Style:      models.DefaultAdStyle,
		Status:     models.JobStatusQueued,
	}
}

func TestJobRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewJobRepository(db)
	var finished []string
	repo.OnFinish(func(ctx context.Context, tx pgx.Tx, job *models.Job) error {
		finished = append(finished, job.ID)
		return nil
	})

	job := newQueuedJob("user-1")
	require.NoError(t, repo.Create(ctx, job))

	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)

	started := time.Now()
	got, err = repo.Transition(ctx, job.ID, models.JobStatusQueued, models.JobStatusProcessing,
		models.JobUpdate{StartedAt: &started})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.NotNil(t, got.StartedAt)

	require.NoError(t, repo.Update(ctx, job.ID, models.JobUpdate{Script: "Olha isso!", RenderID: "tlk_1"}))

	_, err = repo.Transition(ctx, job.ID, models.JobStatusQueued, models.JobStatusProcessing, models.JobUpdate{})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	done := time.Now()
	got, err = repo.Transition(ctx, job.ID, models.JobStatusProcessing, models.JobStatusCompleted,
		models.JobUpdate{Result: "https://cdn/video.mp4", FinishedAt: &done})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/video.mp4", got.Result)
	assert.Equal(t, "Olha isso!", got.Script)
	assert.Equal(t, "tlk_1", got.RenderID)
	assert.Equal(t, []string{job.ID}, finished)

	_, err = repo.Transition(ctx, job.ID, models.JobStatusProcessing, models.JobStatusFailed, models.JobUpdate{Error: "late"})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.ErrorIs(t, repo.Update(ctx, job.ID, models.JobUpdate{Script: "x"}), models.ErrInvalidTransition)

	_, err = repo.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestJobRepository_FinishHookRollsBack(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewJobRepository(db)
	repo.OnFinish(func(context.Context, pgx.Tx, *models.Job) error {
		return errors.New("outbox unavailable")
	})

	job := newQueuedJob("user-1")
	require.NoError(t, repo.Create(ctx, job))

	_, err := repo.Transition(ctx, job.ID, models.JobStatusQueued, models.JobStatusFailed, models.JobUpdate{Error: "boom"})
	require.Error(t, err)

	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Empty(t, got.Error)
}

func TestJobRepository_ListStatsAndSweeps(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewJobRepository(db)
	old := time.Now().Add(-time.Hour)

	a, b, c := newQueuedJob("user-1"), newQueuedJob("user-1"), newQueuedJob("user-2")
	a.CreatedAt = old
	for _, j := range []*models.Job{a, b, c} {
		require.NoError(t, repo.Create(ctx, j))
	}

	mine, err := repo.List(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, b.ID, mine[0].ID)

	all, err := repo.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	queued, err := repo.QueuedBefore(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, a.ID, queued[0].ID)

	_, err = repo.Transition(ctx, c.ID, models.JobStatusQueued, models.JobStatusProcessing,
		models.JobUpdate{StartedAt: &old})
	require.NoError(t, err)

	stale, err := repo.StaleProcessing(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, c.ID, stale[0].ID)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalJobs)
	assert.Equal(t, 2, stats.QueuedJobs)
	assert.Equal(t, 1, stats.ProcessingJobs)
}

func TestAnalysisRepository_History(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewAnalysisRepository(db)

	_, err := repo.Latest(ctx, "dQw4w9WgXcQ")
	assert.ErrorIs(t, err, models.ErrAnalysisNotFound)

	first := &models.VideoAnalysis{VideoID: "dQw4w9WgXcQ", OverallSentiment: models.SentimentNeutral, AnalyzedAt: time.Now().Add(-time.Hour)}
	second := &models.VideoAnalysis{VideoID: "dQw4w9WgXcQ", OverallSentiment: models.SentimentPositive, SentimentScore: 0.6, AnalyzedAt: time.Now()}
	require.NoError(t, repo.Append(ctx, first))
	require.NoError(t, repo.Append(ctx, second))

	latest, err := repo.Latest(ctx, "dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, models.SentimentPositive, latest.OverallSentiment)
	assert.InDelta(t, 0.6, latest.SentimentScore, 0.0001)
}
