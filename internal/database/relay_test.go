package database

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/infinityad/internal/metrics"
)

type MockRedisClient struct {
	mock.Mock
}

func (m *MockRedisClient) XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	if err := m.Called(ctx, args).Error(0); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal("1-0")
	}
	return cmd
}

type MockOutboxRepository struct {
	mock.Mock
}

func (m *MockOutboxRepository) Claim(ctx context.Context, limit int, lease time.Duration) ([]*OutboxEvent, error) {
	args := m.Called(ctx, limit, lease)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*OutboxEvent), args.Error(1)
}

func (m *MockOutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, cause error) (bool, error) {
	args := m.Called(ctx, id, cause)
	return args.Bool(0), args.Error(1)
}

func (m *MockOutboxRepository) Backlog(ctx context.Context) (OutboxBacklog, error) {
	args := m.Called(ctx)
	return args.Get(0).(OutboxBacklog), args.Error(1)
}

func (m *MockOutboxRepository) Purge(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func jobEvent(jobID, eventType string) *OutboxEvent {
	return &OutboxEvent{
		ID:            uuid.New(),
		AggregateType: "ad_job",
		AggregateID:   jobID,
		EventType:     eventType,
		Payload:       json.RawMessage(`{"job_id":"` + jobID + `","status":"completed"}`),
		TargetStream:  DefaultTargetStream,
		CreatedAt:     time.Now(),
	}
}

func newTestRelay(client RedisClient, o *MockOutboxRepository) *Relay {
	return newRelay(o, client, slog.Default(), RelayConfig{
		PollInterval: 20 * time.Millisecond,
		BatchSize:    10,
		Lease:        time.Minute,
	})
}

func TestRelay_Flush(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes every claimed event", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(mockRedis, mockOutbox)

		events := []*OutboxEvent{jobEvent("job-1", "JOB_COMPLETED"), jobEvent("job-2", "JOB_FAILED")}
		mockOutbox.On("Claim", ctx, 10, time.Minute).Return(events, nil)
		for _, event := range events {
			mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
				return args.Stream == DefaultTargetStream &&
					args.Values.(map[string]any)["job_id"] == event.AggregateID &&
					args.Values.(map[string]any)["event_type"] == event.EventType
			})).Return(nil)
			mockOutbox.On("MarkProcessed", ctx, event.ID).Return(nil)
		}

		delivered, err := relay.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, delivered)
		mockRedis.AssertExpectations(t)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("failed publish is recorded and the batch continues", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(mockRedis, mockOutbox)

		events := []*OutboxEvent{jobEvent("job-1", "JOB_COMPLETED"), jobEvent("job-2", "JOB_COMPLETED")}
		mockOutbox.On("Claim", ctx, 10, time.Minute).Return(events, nil)

		mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
			return args.Values.(map[string]any)["job_id"] == "job-1"
		})).Return(errors.New("redis connection failed"))
		mockOutbox.On("MarkFailed", ctx, events[0].ID, mock.MatchedBy(func(err error) bool {
			return err.Error() == "failed to publish to redis: redis connection failed"
		})).Return(false, nil)

		mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
			return args.Values.(map[string]any)["job_id"] == "job-2"
		})).Return(nil)
		mockOutbox.On("MarkProcessed", ctx, events[1].ID).Return(nil)

		delivered, err := relay.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, delivered)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("invalid payload never reaches redis", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(mockRedis, mockOutbox)

		event := jobEvent("job-1", "JOB_FAILED")
		event.Payload = json.RawMessage(`not json`)
		mockOutbox.On("Claim", ctx, 10, time.Minute).Return([]*OutboxEvent{event}, nil)
		mockOutbox.On("MarkFailed", ctx, event.ID, mock.Anything).Return(true, nil)

		delivered, err := relay.Flush(ctx)
		require.NoError(t, err)
		assert.Zero(t, delivered)
		mockRedis.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
	})

	t.Run("claim error is returned", func(t *testing.T) {
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(new(MockRedisClient), mockOutbox)
		mockOutbox.On("Claim", ctx, 10, time.Minute).Return(nil, errors.New("db down"))

		_, err := relay.Flush(ctx)
		assert.ErrorContains(t, err, "db down")
	})

	t.Run("reports the pending gauge", func(t *testing.T) {
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(new(MockRedisClient), mockOutbox)
		relay.cfg.Metrics = metrics.New()

		mockOutbox.On("Claim", ctx, 10, time.Minute).Return([]*OutboxEvent{}, nil)
		mockOutbox.On("Backlog", ctx).Return(OutboxBacklog{Pending: 3, DeadLetter: 1}, nil)

		_, err := relay.Flush(ctx)
		require.NoError(t, err)

		expected := `
# HELP infinityad_outbox_pending_events Outbox events waiting for the relay.
# TYPE infinityad_outbox_pending_events gauge
infinityad_outbox_pending_events 3
`
		assert.NoError(t, testutil.GatherAndCompare(relay.cfg.Metrics.Registry(),
			strings.NewReader(expected), "infinityad_outbox_pending_events"))
	})
}

func TestRelay_StreamEntry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	mockOutbox := new(MockOutboxRepository)
	relay := newTestRelay(client, mockOutbox)
	relay.cfg.StreamMaxLen = 100

	event := jobEvent("job-7", "JOB_COMPLETED")
	event.RetryCount = 2
	mockOutbox.On("Claim", ctx, 10, time.Minute).Return([]*OutboxEvent{event}, nil)
	mockOutbox.On("MarkProcessed", ctx, event.ID).Return(nil)

	_, err := relay.Flush(ctx)
	require.NoError(t, err)

	entries, err := client.XRange(ctx, DefaultTargetStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	values := entries[0].Values
	assert.Equal(t, "job-7", values["job_id"])
	assert.Equal(t, event.ID.String(), values["outbox_id"])

	var env streamEnvelope
	require.NoError(t, json.Unmarshal([]byte(values["data"].(string)), &env))
	assert.Equal(t, "JOB_COMPLETED", env.Type)
	assert.Equal(t, "ad_job", env.AggregateType)
	assert.Equal(t, eventSource, env.Source)
	assert.Equal(t, 3, env.Attempt)
	assert.JSONEq(t, string(event.Payload), string(env.Payload))
}

func TestRelay_Purge(t *testing.T) {
	ctx := context.Background()
	mockOutbox := new(MockOutboxRepository)
	relay := newTestRelay(new(MockRedisClient), mockOutbox)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	relay.now = func() time.Time { return now }
	mockOutbox.On("Purge", ctx, now.Add(-relay.cfg.Retention)).Return(int64(4), nil).Once()

	relay.purge(ctx)
	// within the hour: no second purge
	now = now.Add(30 * time.Minute)
	relay.purge(ctx)

	mockOutbox.AssertExpectations(t)
}

func TestRelay_Backlog(t *testing.T) {
	ctx := context.Background()
	mockOutbox := new(MockOutboxRepository)
	relay := newTestRelay(new(MockRedisClient), mockOutbox)

	mockOutbox.On("Backlog", ctx).Return(OutboxBacklog{Pending: 4, DeadLetter: 2}, nil)

	pending, dead, err := relay.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), pending)
	assert.Equal(t, int64(2), dead)
}

func TestRelay_Run(t *testing.T) {
	mockOutbox := new(MockOutboxRepository)
	relay := newTestRelay(new(MockRedisClient), mockOutbox)

	mockOutbox.On("Claim", mock.Anything, 10, time.Minute).Return([]*OutboxEvent{}, nil)
	mockOutbox.On("Purge", mock.Anything, mock.Anything).Return(int64(0), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	time.Sleep(60 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop on context cancellation")
	}
	mockOutbox.AssertCalled(t, "Purge", mock.Anything, mock.Anything)
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, 5 * time.Minute},
		{70, 5 * time.Minute},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, retryDelay(tt.retries), "retries=%d", tt.retries)
	}
}
