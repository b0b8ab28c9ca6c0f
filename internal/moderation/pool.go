package moderation

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull indicates the task queue is currently saturated.
	ErrQueueFull = errors.New("moderation: queue full")
	// ErrPoolStopped indicates the pool no longer accepts tasks.
	ErrPoolStopped = errors.New("moderation: pool stopped")
)

const (
	defaultWorkers   = 2
	defaultQueueSize = 128
)

// Task is one unit of background moderation.
type Task struct {
	ArtifactID string
	Tier       Tier
	// ReportReason is set for report-driven reviews, which skip tier gating.
	ReportReason string
}

// Reported reports whether the task came from a user report.
func (t Task) Reported() bool {
	return t.ReportReason != ""
}

// Handler processes one task. It must not panic; failures are its own to log.
type Handler func(ctx context.Context, task Task)

// Pool runs moderation tasks on a fixed set of workers, detached from the requests that queued them.
type Pool struct {
	handler Handler
	tasks   chan Task
	workers int
	logger  *zap.Logger

	mu      sync.Mutex
	idle    *sync.Cond
	pending int
	stopped bool

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewPool constructs a pool. Non-positive sizes fall back to defaults.
func NewPool(workers, queueSize int, handler Handler, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool := &Pool{
		handler: handler,
		tasks:   make(chan Task, queueSize),
		workers: workers,
		logger:  logger,
	}
	pool.idle = sync.NewCond(&pool.mu)
	return pool
}

// Start launches the workers. Tasks see ctx, so cancelling it aborts in-flight work at shutdown.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.ctx, p.cancel = context.WithCancel(ctx)
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.workerLoop()
		}
	})
}

func (p *Pool) workerLoop() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer p.finish()
	defer func() {
		if recovered := recover(); recovered != nil {
			p.logger.Error("moderation task panicked",
				zap.String("artifact_id", task.ArtifactID),
				zap.String("tier", string(task.Tier)),
				zap.Any("panic", recovered),
			)
		}
	}()
	p.handler(p.ctx, task)
}

func (p *Pool) finish() {
	p.mu.Lock()
	p.pending--
	if p.pending == 0 {
		p.idle.Broadcast()
	}
	p.mu.Unlock()
}

// Enqueue submits a task without blocking.
func (p *Pool) Enqueue(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.tasks <- task:
		p.pending++
		queuedTasks.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Drain blocks until every queued task has finished.
func (p *Pool) Drain() {
	p.mu.Lock()
	for p.pending > 0 {
		p.idle.Wait()
	}
	p.mu.Unlock()
}

// Stop refuses new tasks, lets the queued ones finish, and waits for the workers. Cancel the
// Start context first to abort in-flight LLM calls instead.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.tasks)
		p.mu.Unlock()
		p.wg.Wait()
		if p.cancel != nil {
			p.cancel()
		}
	})
}
