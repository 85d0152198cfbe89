package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/sisrua/geoprep/internal/domain"
)

// Submission is one queued job execution
type Submission struct {
	JobID   string
	Request domain.PrepareRequest

	// SpanContext links the job span to the submitting request
	SpanContext trace.SpanContext
}

// Tracker registers in-flight work with the shutdown coordinator
type Tracker interface {
	Track(name string) (done func())
}

// PoolConfig holds worker pool configuration
type PoolConfig struct {
	Concurrency int
	QueueSize   int
	JobTimeout  time.Duration
	Logger      *slog.Logger
}

// Pool runs submitted jobs on a fixed number of goroutines
type Pool struct {
	logger      *slog.Logger
	executor    *Executor
	registry    *Registry
	tracker     Tracker
	concurrency int
	jobTimeout  time.Duration
	jobsChan    chan Submission
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	mu  sync.RWMutex
	ctx context.Context
}

// NewPool creates a pool; call Start before submitting
func NewPool(cfg PoolConfig, executor *Executor, registry *Registry, tracker Tracker) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{
		logger:      cfg.Logger,
		executor:    executor,
		registry:    registry,
		tracker:     tracker,
		concurrency: cfg.Concurrency,
		jobTimeout:  cfg.JobTimeout,
		jobsChan:    make(chan Submission, cfg.QueueSize),
		stopChan:    make(chan struct{}),
	}
}

// Start spawns the worker goroutines. They exit when ctx is cancelled or
// Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	p.logger.Info("Spawning worker pool",
		slog.Int("concurrency", p.concurrency),
		slog.Int("queue_size", cap(p.jobsChan)),
		slog.Duration("job_timeout", p.jobTimeout),
	)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
}

// Submit queues a job without blocking. It fails with domain.ErrQueueFull
// when the queue is at capacity and domain.ErrShutdown once stopping.
func (p *Pool) Submit(sub Submission) error {
	p.mu.RLock()
	ctx := p.ctx
	p.mu.RUnlock()

	if ctx == nil {
		return fmt.Errorf("worker pool not started")
	}
	if ctx.Err() != nil {
		return domain.ErrShutdown
	}
	select {
	case <-p.stopChan:
		return domain.ErrShutdown
	default:
	}

	select {
	case p.jobsChan <- sub:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// QueueDepth returns the number of jobs waiting for a worker
func (p *Pool) QueueDepth() int {
	return len(p.jobsChan)
}

// Stop signals workers to exit and waits for them
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool...")
		close(p.stopChan)
	})
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// workerLoop is the main processing loop for each worker goroutine
func (p *Pool) workerLoop(ctx context.Context, workerNum int) {
	defer p.wg.Done()

	name := fmt.Sprintf("worker-%d", workerNum)
	if p.tracker != nil {
		done := p.tracker.Track(name)
		defer done()
	}

	for {
		select {
		case <-p.stopChan:
			p.drain(ctx, name)
			return

		case <-ctx.Done():
			p.drain(ctx, name)
			return

		case sub := <-p.jobsChan:
			p.runJob(ctx, name, sub)
		}
	}
}

func (p *Pool) runJob(ctx context.Context, workerName string, sub Submission) {
	if p.tracker != nil {
		done := p.tracker.Track("job:" + sub.JobID)
		defer done()
	}

	p.logger.Info("Worker received job",
		slog.String("worker_name", workerName),
		slog.String("job_id", sub.JobID),
	)

	if sub.SpanContext.IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, sub.SpanContext)
	}

	jobCtx, cancelTimeout := context.WithTimeout(ctx, p.jobTimeout)
	defer cancelTimeout()
	jobCtx, cancel := context.WithCancelCause(jobCtx)
	defer cancel(nil)

	p.registry.Bind(sub.JobID, cancel)
	p.executor.Execute(jobCtx, sub.JobID, sub.Request)
}

// drain fails jobs still queued once the pool is stopping
func (p *Pool) drain(ctx context.Context, workerName string) {
	cause := domain.ErrShutdown
	for {
		select {
		case sub := <-p.jobsChan:
			p.logger.Warn("Aborting queued job",
				slog.String("worker_name", workerName),
				slog.String("job_id", sub.JobID),
			)
			p.executor.Abort(ctx, sub.JobID, cause)
		default:
			return
		}
	}
}
