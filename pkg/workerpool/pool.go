// Package workerpool provides a bounded worker pool with retries, used to
// fan out per-prescription work such as status writebacks and expiration
// sweeps without overwhelming the FHIR backend.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work.
type Task struct {
	ID      string
	Payload interface{}
}

// WorkerFunc processes a task. A returned error triggers a retry.
type WorkerFunc func(ctx context.Context, task *Task) error

// Config holds worker pool configuration.
type Config struct {
	// Workers is the number of concurrent workers.
	Workers int
	// QueueSize bounds the pending task queue.
	QueueSize int
	// MaxRetries is the number of retries for a failed task.
	MaxRetries int
	// RetryDelay is the base delay between retries; backoff is linear in
	// the attempt number.
	RetryDelay time.Duration
	// ShutdownTimeout bounds how long Stop waits for in-flight tasks.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for backend writebacks.
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		QueueSize:       1024,
		MaxRetries:      3,
		RetryDelay:      200 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

// ErrQueueFull is returned by Submit when the queue is at capacity.
var ErrQueueFull = fmt.Errorf("task queue is full")

// Pool runs tasks on a fixed set of workers.
type Pool struct {
	config Config
	fn     WorkerFunc
	logger *zap.Logger

	tasks chan *Task
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted int64
	completed int64
	failed    int64
	retried   int64
}

// New creates a worker pool.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config: cfg,
		fn:     fn,
		logger: logger,
		tasks:  make(chan *Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task without blocking. Returns ErrQueueFull when the queue
// is at capacity, or an error when the pool is shutting down.
func (p *Pool) Submit(task *Task) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("pool is shutting down")
	default:
	}

	select {
	case p.tasks <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop drains the queue and waits for in-flight tasks, up to the shutdown
// timeout.
func (p *Pool) Stop() {
	p.cancel()
	close(p.tasks)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.tasks {
		p.process(id, task)
	}
}

func (p *Pool) process(workerID int, task *Task) {
	var lastErr error

attempts:
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			atomic.AddInt64(&p.retried, 1)
			select {
			case <-p.ctx.Done():
				lastErr = p.ctx.Err()
				break attempts
			case <-time.After(p.config.RetryDelay * time.Duration(attempt)):
			}
		}

		if err := p.fn(p.ctx, task); err != nil {
			lastErr = err
			continue
		}

		atomic.AddInt64(&p.completed, 1)
		return
	}

	atomic.AddInt64(&p.failed, 1)
	p.logger.Error("task failed",
		zap.String("task_id", task.ID),
		zap.Int("worker_id", workerID),
		zap.Int("retries", p.config.MaxRetries),
		zap.Error(lastErr))
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Retried   int64
	QueueLen  int
	Workers   int
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: atomic.LoadInt64(&p.submitted),
		Completed: atomic.LoadInt64(&p.completed),
		Failed:    atomic.LoadInt64(&p.failed),
		Retried:   atomic.LoadInt64(&p.retried),
		QueueLen:  len(p.tasks),
		Workers:   p.config.Workers,
	}
}
