// Package queue hands job ids to whatever runs them: an in-process worker
// pool or a RabbitMQ queue consumed by the worker binary.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueClosed = errors.New("queue is closed")
)

// Task is the message carried for one job.
type Task struct {
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Handler runs one job. Errors are logged by the transport; the job store
// already holds the outcome.
type Handler func(ctx context.Context, jobID string) error

// Submitter accepts a job for asynchronous processing.
type Submitter interface {
	Submit(ctx context.Context, jobID string) error
}
