package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessed  = "processed"
	OutboxStatusFailed     = "failed"
	OutboxStatusDeadLetter = "dead_letter"

	// MaxRetryCount failed deliveries move an event to dead letter.
	MaxRetryCount = 5

	// DefaultTargetStream receives job lifecycle events.
	DefaultTargetStream = "stream:ad_jobs"

	retryBase = time.Second
	retryCap  = 5 * time.Minute
)

var errIncompleteEvent = errors.New("outbox event needs aggregate type, event type and payload")

// OutboxEvent is one row of the transactional outbox. It is written in the
// same transaction as the job update that caused it.
type OutboxEvent struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	TargetStream  string
	Status        string
	RetryCount    int
	ErrorMessage  *string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	NextRetryAt   *time.Time
}

// OutboxBacklog counts undelivered events.
type OutboxBacklog struct {
	Pending    int64
	DeadLetter int64
}

type OutboxRepository struct {
	db *DB
}

func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// InsertWithTx stages an event inside the caller's transaction. Missing
// id, status and target stream are filled in.
func (r *OutboxRepository) InsertWithTx(ctx context.Context, tx pgx.Tx, event *OutboxEvent) error {
	if event.AggregateType == "" || event.EventType == "" || len(event.Payload) == 0 {
		return errIncompleteEvent
	}
	if !json.Valid(event.Payload) {
		return fmt.Errorf("outbox payload for %s is not valid json", event.AggregateID)
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = OutboxStatusPending
	}
	if event.TargetStream == "" {
		event.TargetStream = DefaultTargetStream
	}
	event.CreatedAt = time.Now()
	if event.NextRetryAt == nil {
		due := event.CreatedAt
		event.NextRetryAt = &due
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_event (
			id, aggregate_type, aggregate_id, event_type, payload,
			target_stream, status, retry_count, created_at, next_retry_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.AggregateType, event.AggregateID, event.EventType, event.Payload,
		event.TargetStream, event.Status, event.RetryCount, event.CreatedAt, event.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// Claim returns up to limit due events and pushes their next_retry_at
// forward by lease, so a second relay polling the same table skips them
// until the lease runs out.
func (r *OutboxRepository) Claim(ctx context.Context, limit int, lease time.Duration) ([]*OutboxEvent, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE outbox_event o
		SET next_retry_at = NOW() + $4::float8 * INTERVAL '1 millisecond'
		WHERE o.id IN (
			SELECT id FROM outbox_event
			WHERE status IN ($1, $2) AND next_retry_at <= NOW()
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING o.id, o.aggregate_type, o.aggregate_id, o.event_type, o.payload,
			o.target_stream, o.status, o.retry_count, o.error_message,
			o.created_at, o.processed_at, o.next_retry_at`,
		OutboxStatusPending, OutboxStatusFailed, limit, lease.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	defer rows.Close()

	var claimed []*OutboxEvent
	for rows.Next() {
		e := &OutboxEvent{}
		if err := rows.Scan(
			&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload,
			&e.TargetStream, &e.Status, &e.RetryCount, &e.ErrorMessage,
			&e.CreatedAt, &e.ProcessedAt, &e.NextRetryAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		claimed = append(claimed, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outbox events: %w", err)
	}

	// RETURNING does not keep the subquery order
	sortByCreated(claimed)
	return claimed, nil
}

func (r *OutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE outbox_event
		SET status = $1, processed_at = NOW(), error_message = NULL
		WHERE id = $2`,
		OutboxStatusProcessed, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event %s processed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox event %s not found", id)
	}
	return nil
}

// MarkFailed counts a failed delivery and schedules the retry with a
// doubling delay. It reports whether the event reached dead letter.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, cause error) (bool, error) {
	var status string
	err := r.db.QueryRow(ctx, `
		UPDATE outbox_event
		SET retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 >= $1 THEN $2 ELSE $3 END,
			error_message = $4,
			next_retry_at = NOW() + LEAST($5::float8 * POWER(2, retry_count + 1), $6::float8) * INTERVAL '1 millisecond'
		WHERE id = $7
		RETURNING status`,
		MaxRetryCount, OutboxStatusDeadLetter, OutboxStatusFailed, cause.Error(),
		retryBase.Milliseconds(), retryCap.Milliseconds(), id,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("outbox event %s not found", id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark outbox event %s failed: %w", id, err)
	}
	return status == OutboxStatusDeadLetter, nil
}

// Backlog counts events still owed to the stream and those given up on.
func (r *OutboxRepository) Backlog(ctx context.Context) (OutboxBacklog, error) {
	var b OutboxBacklog
	err := r.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ($1, $2)),
			COUNT(*) FILTER (WHERE status = $3)
		FROM outbox_event`,
		OutboxStatusPending, OutboxStatusFailed, OutboxStatusDeadLetter,
	).Scan(&b.Pending, &b.DeadLetter)
	if err != nil {
		return OutboxBacklog{}, fmt.Errorf("failed to count outbox backlog: %w", err)
	}
	return b, nil
}

// Purge deletes delivered events processed before the cutoff.
func (r *OutboxRepository) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM outbox_event WHERE status = $1 AND processed_at < $2",
		OutboxStatusProcessed, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// retryDelay mirrors the schedule MarkFailed writes in SQL.
func retryDelay(retryCount int) time.Duration {
	d := retryBase << retryCount
	if d > retryCap || d <= 0 {
		return retryCap
	}
	return d
}

func sortByCreated(events []*OutboxEvent) {
	slices.SortStableFunc(events, func(a, b *OutboxEvent) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
