// Package sqlite is the single-file job store used for local runs and
// tests. It keeps the same guarded transitions as the Postgres store but
// does not write lifecycle events.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/maltedev/infinityad/internal/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const jobColumns = `id, user_id, product_url, youtube_url, style, status,
	result, error, script, render_id,
	created_at, updated_at, started_at, finished_at`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open migrates the database file at path and returns a store over it.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := runMigrations(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// one writer keeps SQLITE_BUSY out of concurrent workers
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func runMigrations(path string) error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create iofs source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, "sqlite://"+path)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Create(ctx context.Context, job *models.Job) error {
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ad_jobs (id, user_id, product_url, youtube_url, style, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.UserID, job.ProductURL, job.YouTubeURL, job.Style,
		string(job.Status), job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	return getJob(ctx, s.db, id)
}

func (s *Store) List(ctx context.Context, userID string, limit int) ([]*models.Job, error) {
	return s.list(ctx, `
		SELECT `+jobColumns+` FROM ad_jobs
		WHERE (? = '' OR user_id = ?)
		ORDER BY created_at DESC
		LIMIT ?`, userID, userID, limit)
}

func (s *Store) Stats(ctx context.Context) (*models.JobStats, error) {
	stats := &models.JobStats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN status = 'queued' THEN 1 END),
			COUNT(CASE WHEN status = 'processing' THEN 1 END),
			COUNT(CASE WHEN status = 'completed' THEN 1 END),
			COUNT(CASE WHEN status = 'failed' THEN 1 END)
		FROM ad_jobs`).Scan(
		&stats.TotalJobs, &stats.QueuedJobs, &stats.ProcessingJobs,
		&stats.CompletedJobs, &stats.FailedJobs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	stats.ComputeSuccessRate()
	return stats, nil
}

// Transition moves a job from one status to the next. The update only
// matches while the job is still in from.
func (s *Store) Transition(ctx context.Context, id string, from, to models.JobStatus, u models.JobUpdate) (*models.Job, error) {
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}

	var job *models.Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE ad_jobs SET
				status = ?,
				result = COALESCE(NULLIF(?, ''), result),
				error = COALESCE(NULLIF(?, ''), error),
				script = COALESCE(NULLIF(?, ''), script),
				render_id = COALESCE(NULLIF(?, ''), render_id),
				started_at = COALESCE(?, started_at),
				finished_at = COALESCE(?, finished_at),
				updated_at = ?
			WHERE id = ? AND status = ?`,
			string(to), u.Result, u.Error, u.Script, u.RenderID,
			nanos(u.StartedAt), nanos(u.FinishedAt), s.now().UnixNano(),
			id, string(from),
		)
		if err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return transitionMiss(ctx, tx, id, from)
		}

		job, err = getJob(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Update sets non-status fields on a job that is still processing.
func (s *Store) Update(ctx context.Context, id string, u models.JobUpdate) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE ad_jobs SET
				script = COALESCE(NULLIF(?, ''), script),
				render_id = COALESCE(NULLIF(?, ''), render_id),
				updated_at = ?
			WHERE id = ? AND status = 'processing'`,
			u.Script, u.RenderID, s.now().UnixNano(), id,
		)
		if err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return transitionMiss(ctx, tx, id, models.JobStatusProcessing)
		}
		return nil
	})
}

func (s *Store) StaleProcessing(ctx context.Context, before time.Time, limit int) ([]*models.Job, error) {
	return s.list(ctx, `
		SELECT `+jobColumns+` FROM ad_jobs
		WHERE status = 'processing' AND started_at < ?
		ORDER BY started_at
		LIMIT ?`, before.UnixNano(), limit)
}

func (s *Store) QueuedBefore(ctx context.Context, before time.Time, limit int) ([]*models.Job, error) {
	return s.list(ctx, `
		SELECT `+jobColumns+` FROM ad_jobs
		WHERE status = 'queued' AND created_at < ?
		ORDER BY created_at
		LIMIT ?`, before.UnixNano(), limit)
}

// Append adds an analysis to the history.
func (s *Store) Append(ctx context.Context, a *models.VideoAnalysis) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO video_analyses (video_id, video_url, overall_sentiment, sentiment_score, analysis, analyzed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.VideoID, a.VideoURL, string(a.OverallSentiment), a.SentimentScore, string(doc), a.AnalyzedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert analysis: %w", err)
	}
	return nil
}

// Latest returns the most recent analysis of a video.
func (s *Store) Latest(ctx context.Context, videoID string) (*models.VideoAnalysis, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `
		SELECT analysis FROM video_analyses
		WHERE video_id = ?
		ORDER BY analyzed_at DESC, id DESC
		LIMIT 1`, videoID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrAnalysisNotFound, videoID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}

	var a models.VideoAnalysis
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return nil, fmt.Errorf("failed to decode analysis: %w", err)
	}
	return &a, nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return jobs, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getJob(ctx context.Context, q queryer, id string) (*models.Job, error) {
	job, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM ad_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func transitionMiss(ctx context.Context, tx *sql.Tx, id string, want models.JobStatus) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM ad_jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read job status: %w", err)
	}
	return fmt.Errorf("%w: job %s is %s, not %s", models.ErrInvalidTransition, id, status, want)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*models.Job, error) {
	job := &models.Job{}
	var status string
	var created, updated int64
	var started, finished sql.NullInt64
	err := row.Scan(
		&job.ID, &job.UserID, &job.ProductURL, &job.YouTubeURL, &job.Style, &status,
		&job.Result, &job.Error, &job.Script, &job.RenderID,
		&created, &updated, &started, &finished,
	)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	job.CreatedAt = time.Unix(0, created)
	job.UpdatedAt = time.Unix(0, updated)
	job.StartedAt = fromNanos(started)
	job.FinishedAt = fromNanos(finished)
	return job, nil
}

func nanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}
