package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/infinityad/internal/database"
)

const (
	DefaultGroup    = "infinityad-notifier"
	DefaultConsumer = "notifier-1"
)

// Handler receives one decoded job event. A returned error leaves the
// message pending in the group.
type Handler func(ctx context.Context, event *JobFinishedPayload) error

type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string
	Count    int64
	Block    time.Duration
}

// Consumer reads job events from the relay's Redis stream through a
// consumer group.
type Consumer struct {
	redis  *redis.Client
	cfg    ConsumerConfig
	logger *slog.Logger
}

func NewConsumer(client *redis.Client, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.Stream == "" {
		cfg.Stream = database.DefaultTargetStream
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Consumer == "" {
		cfg.Consumer = DefaultConsumer
	}
	if cfg.Count <= 0 {
		cfg.Count = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	return &Consumer{
		redis:  client,
		cfg:    cfg,
		logger: logger.With("component", "event_consumer", "stream", cfg.Stream, "group", cfg.Group),
	}
}

// Setup creates the consumer group, reading the stream from the start.
func (c *Consumer) Setup(ctx context.Context) error {
	err := c.redis.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Run consumes until ctx ends.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	if err := c.Setup(ctx); err != nil {
		return err
	}

	c.logger.Info("starting consumer", "consumer", c.cfg.Consumer)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := c.ReadOnce(ctx, h); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to read from stream", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

// ReadOnce reads one batch of new messages and returns how many the
// handler accepted.
func (c *Consumer) ReadOnce(ctx context.Context, h Handler) (int, error) {
	streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.Count,
		Block:    c.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			if c.process(ctx, msg, h) {
				handled++
			}
		}
	}
	return handled, nil
}

func (c *Consumer) process(ctx context.Context, msg redis.XMessage, h Handler) bool {
	event, err := DecodeMessage(msg)
	if err != nil {
		// undecodable messages would be redelivered forever
		c.logger.Error("dropping malformed message", "id", msg.ID, "error", err)
		c.ack(ctx, msg.ID)
		return false
	}

	if err := h(ctx, event); err != nil {
		c.logger.Error("failed to handle event", "id", msg.ID, "job_id", event.JobID, "error", err)
		return false
	}

	c.ack(ctx, msg.ID)
	return true
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.redis.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		c.logger.Error("failed to acknowledge message", "id", id, "error", err)
	}
}

// DecodeMessage extracts the job payload from a relayed stream entry.
func DecodeMessage(msg redis.XMessage) (*JobFinishedPayload, error) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		return nil, errors.New("missing data field")
	}

	var envelope struct {
		Type    string             `json:"type"`
		Payload JobFinishedPayload `json:"payload"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse data: %w", err)
	}
	if envelope.Payload.JobID == "" {
		return nil, errors.New("event has no job id")
	}
	if envelope.Payload.EventType == "" {
		envelope.Payload.EventType = envelope.Type
	}
	return &envelope.Payload, nil
}
