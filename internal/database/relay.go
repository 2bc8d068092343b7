package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/maltedev/infinityad/internal/metrics"
)

const eventSource = "infinityad"

type RedisClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

type OutboxRepo interface {
	Claim(ctx context.Context, limit int, lease time.Duration) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) (bool, error)
	Backlog(ctx context.Context) (OutboxBacklog, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// Lease hides claimed events from other relays while they are in flight.
	Lease time.Duration
	// StreamMaxLen caps the stream length (approximate trimming). Zero
	// disables trimming.
	StreamMaxLen int64
	// Retention is how long processed events stay in the table.
	Retention time.Duration
	Metrics   *metrics.Metrics
}

// Relay delivers job events from the outbox table to their Redis stream.
// Delivery is at least once: a crash between XADD and MarkProcessed
// republishes the event after its lease.
type Relay struct {
	redis     RedisClient
	outbox    OutboxRepo
	cfg       RelayConfig
	logger    *slog.Logger
	lastPurge time.Time
	now       func() time.Time
}

func NewRelay(db *DB, client RedisClient, logger *slog.Logger, cfg RelayConfig) *Relay {
	return newRelay(NewOutboxRepository(db), client, logger, cfg)
}

func newRelay(outbox OutboxRepo, client RedisClient, logger *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	return &Relay{
		redis:  client,
		outbox: outbox,
		cfg:    cfg,
		logger: logger.With("component", "relay"),
		now:    time.Now,
	}
}

// Run polls the outbox until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("starting relay",
		"interval", r.cfg.PollInterval,
		"batch_size", r.cfg.BatchSize,
		"lease", r.cfg.Lease)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("relay cycle failed", "error", err)
		}
		r.purge(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Flush claims one batch and publishes it. It returns how many events
// reached the stream; per-event failures are recorded on the row.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	claimed, err := r.outbox.Claim(ctx, r.cfg.BatchSize, r.cfg.Lease)
	if err != nil {
		return 0, err
	}
	defer r.reportBacklog(ctx)

	delivered := 0
	for _, event := range claimed {
		if r.deliver(ctx, event) {
			delivered++
		}
	}
	if len(claimed) > 0 {
		r.logger.Debug("relay batch done", "claimed", len(claimed), "delivered", delivered)
	}
	return delivered, nil
}

func (r *Relay) deliver(ctx context.Context, event *OutboxEvent) bool {
	log := r.logger.With("event_id", event.ID, "job_id", event.AggregateID, "event_type", event.EventType)

	if err := r.publish(ctx, event); err != nil {
		dead, markErr := r.outbox.MarkFailed(ctx, event.ID, err)
		switch {
		case markErr != nil:
			log.Error("failed to record delivery failure", "error", markErr, "cause", err)
		case dead:
			log.Error("event moved to dead letter", "attempts", event.RetryCount+1, "error", err)
		default:
			log.Warn("event delivery failed", "attempt", event.RetryCount+1,
				"retry_in", retryDelay(event.RetryCount+1), "error", err)
		}
		return false
	}

	if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
		// the lease expires and the event is published again
		log.Error("failed to mark event processed", "error", err)
		return false
	}

	log.Info("event relayed", "stream", event.TargetStream)
	return true
}

// streamEnvelope is the JSON carried in the "data" field of each entry.
type streamEnvelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     string          `json:"timestamp"`
	Source        string          `json:"source"`
	Attempt       int             `json:"attempt"`
	Payload       json.RawMessage `json:"payload"`
}

func (r *Relay) publish(ctx context.Context, event *OutboxEvent) error {
	if !json.Valid(event.Payload) {
		return fmt.Errorf("payload of event %s is not valid json", event.ID)
	}

	data, err := json.Marshal(streamEnvelope{
		ID:            event.ID.String(),
		Type:          event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Timestamp:     event.CreatedAt.UTC().Format(time.RFC3339Nano),
		Source:        eventSource,
		Attempt:       event.RetryCount + 1,
		Payload:       event.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode stream entry: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: event.TargetStream,
		Values: map[string]any{
			"data":       string(data),
			"event_type": event.EventType,
			"job_id":     event.AggregateID,
			"outbox_id":  event.ID.String(),
		},
	}
	if r.cfg.StreamMaxLen > 0 {
		args.MaxLen = r.cfg.StreamMaxLen
		args.Approx = true
	}

	if err := r.redis.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

// Backlog reports undelivered and dead-lettered event counts.
func (r *Relay) Backlog(ctx context.Context) (pending, deadLetter int64, err error) {
	b, err := r.outbox.Backlog(ctx)
	if err != nil {
		return 0, 0, err
	}
	return b.Pending, b.DeadLetter, nil
}

func (r *Relay) reportBacklog(ctx context.Context) {
	if r.cfg.Metrics == nil {
		return
	}
	b, err := r.outbox.Backlog(ctx)
	if err != nil {
		r.logger.Warn("failed to read outbox backlog", "error", err)
		return
	}
	r.cfg.Metrics.SetOutboxPending(int(b.Pending))
}

// purge runs at most once an hour.
func (r *Relay) purge(ctx context.Context) {
	now := r.now()
	if now.Sub(r.lastPurge) < time.Hour {
		return
	}
	r.lastPurge = now

	n, err := r.outbox.Purge(ctx, now.Add(-r.cfg.Retention))
	if err != nil {
		r.logger.Warn("failed to purge outbox", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("purged processed events", "count", n)
	}
}
