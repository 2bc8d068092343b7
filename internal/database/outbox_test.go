package database

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJobEvent(jobID string) *OutboxEvent {
	return &OutboxEvent{
		AggregateType: "ad_job",
		AggregateID:   jobID,
		EventType:     "JOB_COMPLETED",
		Payload:       json.RawMessage(`{"job_id":"` + jobID + `"}`),
	}
}

func TestOutboxRepository_InsertValidation(t *testing.T) {
	repo := NewOutboxRepository(nil)

	tests := []struct {
		name  string
		event *OutboxEvent
	}{
		{"missing aggregate type", &OutboxEvent{AggregateID: "j", EventType: "JOB_FAILED", Payload: json.RawMessage(`{}`)}},
		{"missing event type", &OutboxEvent{AggregateType: "ad_job", AggregateID: "j", Payload: json.RawMessage(`{}`)}},
		{"missing payload", &OutboxEvent{AggregateType: "ad_job", AggregateID: "j", EventType: "JOB_FAILED"}},
		{"payload not json", &OutboxEvent{AggregateType: "ad_job", AggregateID: "j", EventType: "JOB_FAILED", Payload: json.RawMessage(`{`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// validation fails before the nil tx is touched
			assert.Error(t, repo.InsertWithTx(context.Background(), nil, tt.event))
		})
	}
}

func TestOutboxRepository_Postgres(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewOutboxRepository(db)
	insert := func(e *OutboxEvent) {
		t.Helper()
		require.NoError(t, db.Transaction(ctx, func(tx pgx.Tx) error {
			return repo.InsertWithTx(ctx, tx, e)
		}))
	}

	t.Run("insert fills defaults", func(t *testing.T) {
		event := newJobEvent("job-defaults")
		insert(event)

		assert.NotEqual(t, uuid.Nil, event.ID)
		assert.Equal(t, OutboxStatusPending, event.Status)
		assert.Equal(t, DefaultTargetStream, event.TargetStream)
		assert.False(t, event.CreatedAt.IsZero())
	})

	t.Run("rollback discards the event", func(t *testing.T) {
		event := newJobEvent("job-rollback")
		err := db.Transaction(ctx, func(tx pgx.Tx) error {
			if err := repo.InsertWithTx(ctx, tx, event); err != nil {
				return err
			}
			return pgx.ErrTxClosed
		})
		assert.Error(t, err)

		var n int
		require.NoError(t, db.QueryRow(ctx,
			"SELECT COUNT(*) FROM outbox_event WHERE aggregate_id = $1", "job-rollback").Scan(&n))
		assert.Zero(t, n)
	})

	t.Run("claim leases events", func(t *testing.T) {
		_, err := db.Exec(ctx, "DELETE FROM outbox_event")
		require.NoError(t, err)

		first, second := newJobEvent("job-1"), newJobEvent("job-2")
		insert(first)
		insert(second)

		claimed, err := repo.Claim(ctx, 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		assert.Equal(t, "job-1", claimed[0].AggregateID)

		// leased: a second relay sees nothing
		again, err := repo.Claim(ctx, 10, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, again)

		require.NoError(t, repo.MarkProcessed(ctx, first.ID))
		assert.Error(t, repo.MarkProcessed(ctx, uuid.New()))

		dead, err := repo.MarkFailed(ctx, second.ID, assert.AnError)
		require.NoError(t, err)
		assert.False(t, dead)

		backlog, err := repo.Backlog(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutboxBacklog{Pending: 1, DeadLetter: 0}, backlog)

		purged, err := repo.Purge(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), purged)
	})

	t.Run("dead letter after the last retry", func(t *testing.T) {
		event := newJobEvent("job-dead")
		event.RetryCount = MaxRetryCount - 1
		insert(event)

		dead, err := repo.MarkFailed(ctx, event.ID, assert.AnError)
		require.NoError(t, err)
		assert.True(t, dead)

		var status string
		var retries int
		require.NoError(t, db.QueryRow(ctx,
			"SELECT status, retry_count FROM outbox_event WHERE id = $1", event.ID).Scan(&status, &retries))
		assert.Equal(t, OutboxStatusDeadLetter, status)
		assert.Equal(t, MaxRetryCount, retries)

		_, err = repo.MarkFailed(ctx, uuid.New(), assert.AnError)
		assert.ErrorContains(t, err, "not found")
	})
}
