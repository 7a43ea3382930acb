// Package workers provides a bounded pool of goroutines for running
// independent backtests in parallel.
package workers

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc is a function that can be used as a Task
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name          string // Pool name for logging
	NumWorkers    int    // Number of worker goroutines
	QueueSize     int    // Size of the task queue
	PanicRecovery bool   // Enable panic recovery in workers
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:          name,
		NumWorkers:    runtime.NumCPU(),
		QueueSize:     64,
		PanicRecovery: true,
	}
}

// PoolStats contains pool statistics
type PoolStats struct {
	TasksSubmitted int64         `json:"tasks_submitted"`
	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
	PanicRecovered int64         `json:"panic_recovered"`
	Busy           int64         `json:"busy"`
	Uptime         time.Duration `json:"uptime"`
}

type poolMetrics struct {
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
	busy      atomic.Int64
	started   time.Time
}

type job struct {
	task Task
	done chan<- error
}

// Pool manages a pool of worker goroutines
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	queue chan job
	wg    sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	metrics *poolMetrics
}

// NewPool creates a new worker pool
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	if config.NumWorkers < 1 {
		config.NumWorkers = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:  logger,
		config:  config,
		queue:   make(chan job, config.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		metrics: &poolMetrics{started: time.Now()},
	}
}

// Start initializes and starts all workers
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return // Already running
	}

	p.logger.Debug("Starting worker pool",
		zap.String("name", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queue_size", p.config.QueueSize))

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.work(p.logger.With(zap.Int("worker_id", i)))
	}
}

func (p *Pool) work(logger *zap.Logger) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			err := p.execute(logger, j.task)
			if j.done != nil {
				j.done <- err
			}
		}
	}
}

// execute runs a single task with panic recovery
func (p *Pool) execute(logger *zap.Logger, task Task) (err error) {
	p.metrics.busy.Add(1)
	defer p.metrics.busy.Add(-1)

	if p.config.PanicRecovery {
		defer func() {
			if r := recover(); r != nil {
				p.metrics.panics.Add(1)
				logger.Error("Worker recovered from panic", zap.Any("panic", r))
				err = &PanicError{Recovered: r}
			}
			p.record(err)
		}()
	} else {
		defer func() { p.record(err) }()
	}

	return task.Execute(p.ctx)
}

func (p *Pool) record(err error) {
	if err != nil {
		p.metrics.failed.Add(1)
		return
	}
	p.metrics.completed.Add(1)
}

// Submit queues a task, blocking while the queue is full. The returned
// channel receives the task's error once it ran.
func (p *Pool) Submit(ctx context.Context, task Task) (<-chan error, error) {
	if !p.running.Load() {
		return nil, ErrPoolStopped
	}
	done := make(chan error, 1)
	select {
	case p.queue <- job{task: task, done: done}:
		p.metrics.submitted.Add(1)
		return done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, ErrPoolStopped
	}
}

// Run executes every task on the pool and returns their errors in input order
func (p *Pool) Run(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	waits := make([]<-chan error, len(tasks))
	for i, t := range tasks {
		done, err := p.Submit(ctx, t)
		if err != nil {
			errs[i] = err
			continue
		}
		waits[i] = done
	}
	for i, w := range waits {
		if w != nil {
			errs[i] = <-w
		}
	}
	return errs
}

// Stop cancels the pool context and waits for the workers to exit
func (p *Pool) Stop() {
	if !p.running.Swap(false) {
		return // Already stopped
	}
	p.cancel()
	p.wg.Wait()
	p.logger.Debug("Worker pool stopped", zap.String("name", p.config.Name))
}

// IsRunning returns whether the pool is running
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		TasksSubmitted: p.metrics.submitted.Load(),
		TasksCompleted: p.metrics.completed.Load(),
		TasksFailed:    p.metrics.failed.Load(),
		PanicRecovered: p.metrics.panics.Load(),
		Busy:           p.metrics.busy.Load(),
		Uptime:         time.Since(p.metrics.started),
	}
}

// Errors
var (
	ErrPoolStopped = &PoolError{Message: "pool is stopped"}
)

// PoolError represents a pool error
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic
type PanicError struct {
	Recovered interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Recovered)
}
