package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type PoolConfig struct {
	Workers int
	Buffer  int
	// TaskTimeout bounds one job run. Zero means no limit beyond the
	// pool's own context.
	TaskTimeout time.Duration
}

// Pool runs jobs on a fixed set of goroutines fed by a buffered channel.
type Pool struct {
	handler Handler
	cfg     PoolConfig
	tasks   chan Task
	logger  *slog.Logger

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
}

func NewPool(handler Handler, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		handler: handler,
		cfg:     cfg,
		tasks:   make(chan Task, cfg.Buffer),
		logger:  logger.With("component", "worker_pool"),
	}
}

// Start launches the workers. They stop when ctx ends or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("worker pool started", "workers", p.cfg.Workers, "buffer", p.cfg.Buffer)
}

// Submit enqueues without blocking and fails with ErrQueueFull when the
// buffer is exhausted.
func (p *Pool) Submit(ctx context.Context, jobID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrQueueClosed
	}

	select {
	case p.tasks <- Task{JobID: jobID, EnqueuedAt: time.Now()}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Stop cancels running jobs and waits for the workers to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.cancel != nil {
		p.cancel()
	}
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// Size is the number of jobs waiting for a worker.
func (p *Pool) Size() int {
	return len(p.tasks)
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.run(ctx, id, task)
		}
	}
}

func (p *Pool) run(ctx context.Context, workerID int, task Task) {
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := p.handler(ctx, task.JobID); err != nil {
		p.logger.Error("job handler failed", "worker_id", workerID, "job_id", task.JobID, "error", err)
		return
	}
	p.logger.Debug("job handled", "worker_id", workerID, "job_id", task.JobID,
		"waited", start.Sub(task.EnqueuedAt), "duration", time.Since(start))
}
