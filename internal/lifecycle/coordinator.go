// Package lifecycle coordinates graceful shutdown of in-flight work.
package lifecycle

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sisrua/geoprep/internal/domain"
)

// Coordinator owns the shared shutdown context and tracks registered
// workers so Shutdown can wait for them to drain.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	logger *slog.Logger

	mu     sync.Mutex
	active map[uint64]string
	nextID uint64
	wg     sync.WaitGroup
}

// NewCoordinator derives the shared context from parent
func NewCoordinator(parent context.Context, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &Coordinator{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		active: make(map[uint64]string),
	}
}

// Context is cancelled with cause domain.ErrShutdown when shutdown begins
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// ShuttingDown reports whether Shutdown has been called
func (c *Coordinator) ShuttingDown() bool {
	return c.ctx.Err() != nil
}

// Track registers an in-flight worker. The returned func must be called
// exactly once when the worker exits.
func (c *Coordinator) Track(name string) (done func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.active[id] = name
	c.wg.Add(1)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.active, id)
			c.mu.Unlock()
			c.wg.Done()
		})
	}
}

// Go runs fn in a tracked goroutine with the shared context
func (c *Coordinator) Go(name string, fn func(ctx context.Context)) {
	done := c.Track(name)
	go func() {
		defer done()
		fn(c.ctx)
	}()
}

// Active returns the names of workers that have not finished, sorted
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.active))
	for _, name := range c.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown cancels the shared context and waits up to timeout for tracked
// workers to finish. It reports whether everything drained in time.
func (c *Coordinator) Shutdown(timeout time.Duration) bool {
	c.cancel(domain.ErrShutdown)

	pending := c.Active()
	if len(pending) == 0 {
		c.logger.Info("Shutdown complete, no workers in flight")
		return true
	}

	c.logger.Info("Waiting for workers to drain",
		slog.Int("count", len(pending)),
		slog.Duration("timeout", timeout),
	)

	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-drained:
		c.logger.Info("All workers drained")
		return true
	case <-timer.C:
		stuck := c.Active()
		c.logger.Warn("Shutdown timed out with workers still running",
			slog.Int("count", len(stuck)),
			slog.Any("workers", stuck),
		)
		return false
	}
}
