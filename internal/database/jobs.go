package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/infinityad/internal/models"
)

const jobColumns = `id, user_id, product_url, youtube_url, style, status,
	result, error, script, render_id,
	created_at, updated_at, started_at, finished_at`

// FinishHook runs inside the transaction that moves a job to a terminal
// status. Returning an error rolls the transition back.
type FinishHook func(ctx context.Context, tx pgx.Tx, job *models.Job) error

// JobRepository stores ad jobs in Postgres.
type JobRepository struct {
	db       *DB
	onFinish FinishHook
	now      func() time.Time
}

func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db, now: time.Now}
}

// OnFinish registers the hook run on completed and failed transitions.
func (r *JobRepository) OnFinish(hook FinishHook) {
	r.onFinish = hook
}

func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	now := r.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}

	query := `
		INSERT INTO ad_jobs (id, user_id, product_url, youtube_url, style, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.Exec(ctx, query,
		job.ID, job.UserID, job.ProductURL, job.YouTubeURL, job.Style,
		string(job.Status), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	row := r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM ad_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// List returns the newest jobs first. An empty userID lists every user.
func (r *JobRepository) List(ctx context.Context, userID string, limit int) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM ad_jobs
		WHERE ($1 = '' OR user_id = $1)
		ORDER BY created_at DESC
		LIMIT $2`
	return r.list(ctx, query, userID, limit)
}

func (r *JobRepository) Stats(ctx context.Context) (*models.JobStats, error) {
	stats := &models.JobStats{}

	query := `
		SELECT
			COUNT(*) AS total_jobs,
			COUNT(CASE WHEN status = 'queued' THEN 1 END) AS queued_jobs,
			COUNT(CASE WHEN status = 'processing' THEN 1 END) AS processing_jobs,
			COUNT(CASE WHEN status = 'completed' THEN 1 END) AS completed_jobs,
			COUNT(CASE WHEN status = 'failed' THEN 1 END) AS failed_jobs
		FROM ad_jobs`

	err := r.db.QueryRow(ctx, query).Scan(
		&stats.TotalJobs, &stats.QueuedJobs, &stats.ProcessingJobs,
		&stats.CompletedJobs, &stats.FailedJobs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	stats.ComputeSuccessRate()
	return stats, nil
}

// Transition moves a job from one status to the next and applies u in the
// same statement. The update only matches while the job is still in from,
// so two workers can never both win and a terminal job never moves.
func (r *JobRepository) Transition(ctx context.Context, id string, from, to models.JobStatus, u models.JobUpdate) (*models.Job, error) {
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}

	query := `
		UPDATE ad_jobs SET
			status = $3,
			result = COALESCE(NULLIF($4, ''), result),
			error = COALESCE(NULLIF($5, ''), error),
			script = COALESCE(NULLIF($6, ''), script),
			render_id = COALESCE(NULLIF($7, ''), render_id),
			started_at = COALESCE($8, started_at),
			finished_at = COALESCE($9, finished_at),
			updated_at = $10
		WHERE id = $1 AND status = $2
		RETURNING ` + jobColumns

	var job *models.Job
	err := r.db.Transaction(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, query,
			id, string(from), string(to),
			u.Result, u.Error, u.Script, u.RenderID,
			u.StartedAt, u.FinishedAt, r.now(),
		)

		var err error
		job, err = scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return r.transitionMiss(ctx, tx, id, from)
		}
		if err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}

		if to.Terminal() && r.onFinish != nil {
			return r.onFinish(ctx, tx, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Update sets non-status fields on a job that is still processing.
func (r *JobRepository) Update(ctx context.Context, id string, u models.JobUpdate) error {
	query := `
		UPDATE ad_jobs SET
			script = COALESCE(NULLIF($2, ''), script),
			render_id = COALESCE(NULLIF($3, ''), render_id),
			updated_at = $4
		WHERE id = $1 AND status = 'processing'`

	return r.db.Transaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, id, u.Script, u.RenderID, r.now())
		if err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return r.transitionMiss(ctx, tx, id, models.JobStatusProcessing)
		}
		return nil
	})
}

// StaleProcessing returns jobs that entered processing before the cutoff.
func (r *JobRepository) StaleProcessing(ctx context.Context, before time.Time, limit int) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM ad_jobs
		WHERE status = 'processing' AND started_at < $1
		ORDER BY started_at
		LIMIT $2`
	return r.list(ctx, query, before, limit)
}

// QueuedBefore returns jobs still queued that were created before the cutoff.
func (r *JobRepository) QueuedBefore(ctx context.Context, before time.Time, limit int) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM ad_jobs
		WHERE status = 'queued' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`
	return r.list(ctx, query, before, limit)
}

func (r *JobRepository) list(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := r.db.Query(ctx, query, args...)
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

// transitionMiss explains why a guarded update matched no row.
func (r *JobRepository) transitionMiss(ctx context.Context, tx pgx.Tx, id string, want models.JobStatus) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM ad_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read job status: %w", err)
	}
	return fmt.Errorf("%w: job %s is %s, not %s", models.ErrInvalidTransition, id, status, want)
}

func scanJob(row pgx.Row) (*models.Job, error) {
	job := &models.Job{}
	var status string
	err := row.Scan(
		&job.ID, &job.UserID, &job.ProductURL, &job.YouTubeURL, &job.Style, &status,
		&job.Result, &job.Error, &job.Script, &job.RenderID,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	return job, nil
}
