package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultQueueName = "ad_generation_jobs"

// Channel is the part of *amqp.Channel the transport uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Dial connects to RabbitMQ, retrying while the broker starts up.
func Dial(url string, attempts int, wait time.Duration, logger *slog.Logger) (*amqp.Connection, error) {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 1; i <= attempts; i++ {
		var conn *amqp.Connection
		if conn, err = amqp.Dial(url); err == nil {
			return conn, nil
		}
		logger.Warn("rabbitmq not reachable", "attempt", i, "of", attempts, "error", err)
		if i < attempts {
			time.Sleep(wait)
		}
	}
	return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
}

func declare(ch Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return nil
}

// AMQPPublisher submits jobs to a durable queue.
type AMQPPublisher struct {
	mu     sync.Mutex
	ch     Channel
	queue  string
	logger *slog.Logger
}

func NewAMQPPublisher(ch Channel, queueName string, logger *slog.Logger) (*AMQPPublisher, error) {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	if err := declare(ch, queueName); err != nil {
		return nil, err
	}
	return &AMQPPublisher{
		ch:     ch,
		queue:  queueName,
		logger: logger.With("component", "amqp_publisher", "queue", queueName),
	}, nil
}

func (p *AMQPPublisher) Submit(ctx context.Context, jobID string) error {
	body, err := json.Marshal(Task{JobID: jobID, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	// channels are not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    jobID,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", jobID, err)
	}

	p.logger.Debug("job published", "job_id", jobID)
	return nil
}

func (p *AMQPPublisher) Close() error {
	return p.ch.Close()
}

// AMQPConsumer feeds queued jobs to a handler with manual acks.
type AMQPConsumer struct {
	ch       Channel
	queue    string
	prefetch int
	logger   *slog.Logger
}

func NewAMQPConsumer(ch Channel, queueName string, prefetch int, logger *slog.Logger) *AMQPConsumer {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	return &AMQPConsumer{
		ch:       ch,
		queue:    queueName,
		prefetch: prefetch,
		logger:   logger.With("component", "amqp_consumer", "queue", queueName),
	}
}

// Run consumes until ctx ends or the delivery channel closes. Up to
// prefetch jobs run at once. Malformed messages are rejected; handler
// errors are acked because the job store already records the failure.
func (c *AMQPConsumer) Run(ctx context.Context, handler Handler) error {
	if err := declare(c.ch, c.queue); err != nil {
		return err
	}
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	msgs, err := c.ch.Consume(
		c.queue,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("waiting for jobs", "prefetch", c.prefetch)

	var wg sync.WaitGroup
	sem := make(chan struct{}, c.prefetch)
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return nil
			}

			var task Task
			if err := json.Unmarshal(d.Body, &task); err != nil || task.JobID == "" {
				c.logger.Error("rejecting malformed message", "body", string(d.Body), "error", err)
				if err := d.Reject(false); err != nil {
					c.logger.Error("failed to reject message", "error", err)
				}
				continue
			}

			sem <- struct{}{}
			wg.Add(1)
			go func(d amqp.Delivery, task Task) {
				defer func() {
					<-sem
					wg.Done()
				}()
				c.handle(ctx, d, task, handler)
			}(d, task)
		}
	}
}

func (c *AMQPConsumer) handle(ctx context.Context, d amqp.Delivery, task Task, handler Handler) {
	if err := handler(ctx, task.JobID); err != nil {
		c.logger.Error("job handler failed", "job_id", task.JobID, "error", err)
	}
	if err := d.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "job_id", task.JobID, "error", err)
	}
}
