// Package buffer batches writes and flushes them from a background worker.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned by Add once the buffer has been stopped
var ErrStopped = errors.New("buffer stopped")

// FlushFunc persists one batch
type FlushFunc[T any] func(ctx context.Context, batch []T) error

// Config holds buffer thresholds
type Config struct {
	Name          string
	BatchSize     int           // flush when this many items are pending
	FlushInterval time.Duration // flush pending items at least this often
	QueueSize     int           // capacity of the intake channel
	FlushTimeout  time.Duration // deadline for a single flush call
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "buffer"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.BatchSize * 20
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 30 * time.Second
	}
}

// Stats reports buffer activity
type Stats struct {
	Added         int64 `json:"added"`
	Flushed       int64 `json:"flushed"`
	Batches       int64 `json:"batches"`
	FailedItems   int64 `json:"failed_items"`
	FailedFlushes int64 `json:"failed_flushes"`
}

// Buffer accumulates items and flushes them in batches when the batch is
// full or the flush interval elapses. Stop flushes whatever is pending.
type Buffer[T any] struct {
	cfg    Config
	flush  FlushFunc[T]
	logger *slog.Logger

	items    chan T
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once

	added         atomic.Int64
	flushed       atomic.Int64
	batches       atomic.Int64
	failedItems   atomic.Int64
	failedFlushes atomic.Int64
}

// New creates a buffer and starts its worker
func New[T any](cfg Config, flush FlushFunc[T], logger *slog.Logger) *Buffer[T] {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	b := &Buffer[T]{
		cfg:      cfg,
		flush:    flush,
		logger:   logger.With(slog.String("buffer", cfg.Name)),
		items:    make(chan T, cfg.QueueSize),
		stopChan: make(chan struct{}),
	}

	b.wg.Add(1)
	go b.run()
	return b
}

// Add enqueues an item. It blocks while the intake queue is full.
func (b *Buffer[T]) Add(item T) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopped {
		return ErrStopped
	}
	b.items <- item
	b.added.Add(1)
	return nil
}

// Stop rejects further items, flushes everything pending, and waits for the
// worker to exit. It is safe to call more than once.
func (b *Buffer[T]) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()

		close(b.stopChan)
		b.wg.Wait()
		b.logger.Info("Buffer stopped", slog.Int64("flushed", b.flushed.Load()))
	})
}

// Stats returns a snapshot of counters
func (b *Buffer[T]) Stats() Stats {
	return Stats{
		Added:         b.added.Load(),
		Flushed:       b.flushed.Load(),
		Batches:       b.batches.Load(),
		FailedItems:   b.failedItems.Load(),
		FailedFlushes: b.failedFlushes.Load(),
	}
}

func (b *Buffer[T]) run() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]T, 0, b.cfg.BatchSize)
	for {
		select {
		case item := <-b.items:
			batch = append(batch, item)
			if len(batch) >= b.cfg.BatchSize {
				batch = b.flushBatch(batch)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				batch = b.flushBatch(batch)
			}

		case <-b.stopChan:
			// No Add can be in flight once stopped is set
			for {
				select {
				case item := <-b.items:
					batch = append(batch, item)
					if len(batch) >= b.cfg.BatchSize {
						batch = b.flushBatch(batch)
					}
				default:
					if len(batch) > 0 {
						b.flushBatch(batch)
					}
					return
				}
			}
		}
	}
}

// flushBatch hands the batch to the flush function and returns an empty
// slice ready for reuse. Failures are logged and the batch is dropped.
func (b *Buffer[T]) flushBatch(batch []T) []T {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushTimeout)
	defer cancel()

	out := make([]T, len(batch))
	copy(out, batch)

	if err := b.callFlush(ctx, out); err != nil {
		b.failedFlushes.Add(1)
		b.failedItems.Add(int64(len(out)))
		b.logger.Error("Buffer flush failed",
			slog.Int("count", len(out)),
			slog.Any("error", err),
		)
	} else {
		b.batches.Add(1)
		b.flushed.Add(int64(len(out)))
		b.logger.Debug("Buffer flushed", slog.Int("count", len(out)))
	}
	return batch[:0]
}

func (b *Buffer[T]) callFlush(ctx context.Context, batch []T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r}
		}
	}()
	return b.flush(ctx, batch)
}

type panicError struct {
	value any
}

func (p panicError) Error() string {
	return fmt.Sprintf("flush panicked: %v", p.value)
}
