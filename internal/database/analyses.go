package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/infinityad/internal/models"
)

// AnalysisRepository is the append-only history of video analyses.
type AnalysisRepository struct {
	db *DB
}

func NewAnalysisRepository(db *DB) *AnalysisRepository {
	return &AnalysisRepository{db: db}
}

func (r *AnalysisRepository) Append(ctx context.Context, a *models.VideoAnalysis) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis: %w", err)
	}

	query := `
		INSERT INTO video_analyses (video_id, video_url, overall_sentiment, sentiment_score, analysis, analyzed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = r.db.Exec(ctx, query,
		a.VideoID, a.VideoURL, string(a.OverallSentiment), a.SentimentScore, doc, a.AnalyzedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert analysis: %w", err)
	}
	return nil
}

// Latest returns the most recent analysis of a video.
func (r *AnalysisRepository) Latest(ctx context.Context, videoID string) (*models.VideoAnalysis, error) {
	query := `
		SELECT analysis
		FROM video_analyses
		WHERE video_id = $1
		ORDER BY analyzed_at DESC, id DESC
		LIMIT 1`

	var doc []byte
	err := r.db.QueryRow(ctx, query, videoID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrAnalysisNotFound, videoID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}

	var a models.VideoAnalysis
	if err := json.Unmarshal(doc, &a); err != nil {
		return nil, fmt.Errorf("failed to decode analysis: %w", err)
	}
	return &a, nil
}
