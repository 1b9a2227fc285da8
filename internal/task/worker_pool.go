package task

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Executor runs one claimed task to completion.
type Executor interface {
	Run(ctx context.Context, t *Task) RunResult
}

// WorkerPool manages a fixed set of worker goroutines that execute claimed
// tasks. It bounds the number of concurrent runs and handles graceful
// shutdown.
type WorkerPool struct {
	// queue hands claimed tasks to the workers
	queue *TaskQueue

	// executor runs each task
	executor Executor

	// workerCount is the number of concurrent workers to start
	workerCount int

	// inflight counts tasks that were submitted and have not finished
	inflight atomic.Int64

	// busy counts tasks a worker is currently executing
	busy atomic.Int64

	// wg tracks active worker goroutines for clean shutdown
	wg sync.WaitGroup

	// ctx is passed to every run; cancelling it abandons in-flight runs
	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	drained   bool

	logger *slog.Logger
}

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// WorkerCount determines how many concurrent worker goroutines to start
	// If zero or negative, defaults to 1
	WorkerCount int
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with reasonable defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount: 10,
	}
}

// NewWorkerPool creates a new worker pool with the specified configuration
func NewWorkerPool(executor Executor, config WorkerPoolConfig, logger *slog.Logger) *WorkerPool {
	logger = logger.With("component", "worker_pool")

	workerCount := config.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		queue:       NewTaskQueue(workerCount, logger),
		executor:    executor,
		workerCount: workerCount,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}
}

// Start launches the workers. Calling it more than once has no effect.
func (p *WorkerPool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("starting worker pool", "worker_count", p.workerCount)
		for i := 0; i < p.workerCount; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
	})
}

// Submit hands a claimed task to the pool. It never blocks: without a free
// slot it fails with ErrQueueFull, and after Stop with ErrQueueClosed.
func (p *WorkerPool) Submit(t *Task) error {
	if p.inflight.Add(1) > int64(p.workerCount) {
		p.inflight.Add(-1)
		return ErrQueueFull
	}
	if err := p.queue.Enqueue(t); err != nil {
		p.inflight.Add(-1)
		return err
	}
	return nil
}

// AvailableSlots returns how many more tasks the pool can accept right now.
func (p *WorkerPool) AvailableSlots() int {
	n := p.workerCount - int(p.inflight.Load())
	if n < 0 {
		return 0
	}
	return n
}

// WorkerCount returns the number of workers.
func (p *WorkerPool) WorkerCount() int {
	return p.workerCount
}

// Busy returns how many workers are executing a task.
func (p *WorkerPool) Busy() int {
	return int(p.busy.Load())
}

// Stop stops accepting tasks and waits up to grace for in-flight runs to
// finish. Runs still going after that are abandoned: their context is
// cancelled and their bookkeeping skipped, and the tasks become claimable
// again once their lease expires. Stop reports whether the pool drained
// within the grace period.
func (p *WorkerPool) Stop(grace time.Duration) bool {
	p.stopOnce.Do(func() {
		p.queue.Close()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-done:
			p.drained = true
			p.logger.Info("worker pool drained")
		case <-timer.C:
			p.logger.Warn("shutdown grace period elapsed, abandoning in-flight runs",
				"in_flight", p.inflight.Load(),
				"grace_period", grace)
		}

		p.cancel()
		<-done
	})
	return p.drained
}

// worker executes tasks from the queue until it is closed
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("starting worker", "worker_id", id)

	for t := range p.queue.GetChannel() {
		if p.ctx.Err() != nil {
			p.logger.Info("abandoning queued task during shutdown",
				"worker_id", id,
				"task_id", t.ID,
				"task_type", t.Type)
			p.inflight.Add(-1)
			continue
		}

		p.busy.Add(1)
		p.executor.Run(p.ctx, t)
		p.busy.Add(-1)
		p.inflight.Add(-1)
	}

	p.logger.Debug("task queue closed, stopping worker", "worker_id", id)
}
