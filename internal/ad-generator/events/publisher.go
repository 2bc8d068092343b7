package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maltedev/infinityad/internal/database"
	"github.com/maltedev/infinityad/internal/models"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypeJobCompleted is published when a render finished and the job has a result URL
	EventTypeJobCompleted EventType = "JOB_COMPLETED"
	// EventTypeJobFailed is published when any fatal stage failed the job
	EventTypeJobFailed EventType = "JOB_FAILED"

	AggregateType = "ad_job"
	source        = "infinityad"
)

// JobFinishedPayload is the body of JOB_COMPLETED and JOB_FAILED events.
type JobFinishedPayload struct {
	EventID         string     `json:"event_id"`
	EventType       string     `json:"event_type"`
	Timestamp       time.Time  `json:"timestamp"`
	JobID           string     `json:"job_id"`
	UserID          string     `json:"user_id"`
	ProductURL      string     `json:"product_url"`
	YouTubeURL      string     `json:"youtube_url,omitempty"`
	Style           string     `json:"style"`
	Status          string     `json:"status"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	RenderID        string     `json:"render_id,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	Source          string     `json:"source"`
}

// EventTypeFor maps a terminal job status to its event type.
func EventTypeFor(status models.JobStatus) (EventType, error) {
	switch status {
	case models.JobStatusCompleted:
		return EventTypeJobCompleted, nil
	case models.JobStatusFailed:
		return EventTypeJobFailed, nil
	}
	return "", fmt.Errorf("no event for job status %q", status)
}

// NewJobFinishedPayload builds the event body for a job in a terminal status.
func NewJobFinishedPayload(job *models.Job) (*JobFinishedPayload, error) {
	eventType, err := EventTypeFor(job.Status)
	if err != nil {
		return nil, err
	}

	p := &JobFinishedPayload{
		EventID:    uuid.NewString(),
		EventType:  string(eventType),
		Timestamp:  time.Now(),
		JobID:      job.ID,
		UserID:     job.UserID,
		ProductURL: job.ProductURL,
		YouTubeURL: job.YouTubeURL,
		Style:      job.Style,
		Status:     string(job.Status),
		Result:     job.Result,
		Error:      job.Error,
		RenderID:   job.RenderID,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
		Source:     source,
	}
	if job.StartedAt != nil && job.FinishedAt != nil {
		p.DurationSeconds = job.FinishedAt.Sub(*job.StartedAt).Seconds()
	}
	return p, nil
}

// OutboxWriter is satisfied by database.OutboxRepository.
type OutboxWriter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error
}

// Publisher writes job lifecycle events to the transactional outbox. It
// never opens its own transaction: events ride on the one that moves the
// job to its terminal status.
type Publisher struct {
	outbox OutboxWriter
	stream string
	logger *slog.Logger
}

func NewPublisher(outbox OutboxWriter, logger *slog.Logger) *Publisher {
	return &Publisher{
		outbox: outbox,
		stream: database.DefaultTargetStream,
		logger: logger.With("component", "event_publisher"),
	}
}

// PublishJobFinished has the signature of database.FinishHook.
func (p *Publisher) PublishJobFinished(ctx context.Context, tx pgx.Tx, job *models.Job) error {
	payload, err := NewJobFinishedPayload(job)
	if err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	event := &database.OutboxEvent{
		AggregateType: AggregateType,
		AggregateID:   job.ID,
		EventType:     payload.EventType,
		Payload:       data,
		TargetStream:  p.stream,
	}
	if err := p.outbox.InsertWithTx(ctx, tx, event); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Info("event published to outbox",
		"event_id", payload.EventID,
		"event_type", payload.EventType,
		"job_id", job.ID)

	return nil
}
