package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/sisrua/geoprep/internal/domain"
)

// RetryPolicy repeats an operation with bounded exponential backoff
type RetryPolicy struct {
	Name          string
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	Jitter        bool

	// Retryable is the allow-list of errors that trigger another attempt.
	// Defaults to errors wrapping domain.RetryableError.
	Retryable func(error) bool

	// OnRetry is called before each backoff wait
	OnRetry func(attempt int, err error)

	Logger *slog.Logger

	// Sleep and Rand are overridable for tests
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
}

// DefaultRetryPolicy mirrors the defaults of the external call wrappers
func DefaultRetryPolicy(name string, logger *slog.Logger) RetryPolicy {
	return RetryPolicy{
		Name:          name,
		MaxRetries:    3,
		InitialDelay:  time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
		Logger:        logger,
	}
}

// BaseDelay returns the delay before retry number attempt (1-based), without jitter
func (p RetryPolicy) BaseDelay(attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	return time.Duration(float64(p.InitialDelay) * math.Pow(factor, float64(attempt-1)))
}

// Do invokes fn, retrying allow-listed failures up to MaxRetries times
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = domain.IsRetryable
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	random := p.Rand
	if random == nil {
		random = rand.Float64
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("Operation succeeded after retry",
					slog.String("operation", p.Name),
					slog.Int("attempt", attempt+1),
				)
			}
			return nil
		}

		if !retryable(err) {
			return err
		}

		if attempt >= p.MaxRetries {
			logger.Warn("Retry gave up",
				slog.String("operation", p.Name),
				slog.Int("attempts", attempt+1),
				slog.Any("error", err),
			)
			return err
		}

		delay := p.BaseDelay(attempt + 1)
		if p.Jitter {
			delay = time.Duration(float64(delay) * (0.5 + random()))
		}

		logger.Info("Retry backing off",
			slog.String("operation", p.Name),
			slog.Int("attempt", attempt+1),
			slog.Duration("retry_after", delay),
			slog.Any("error", err),
		)

		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err)
		}

		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return fmt.Errorf("retry aborted: %w", sleepErr)
		}
	}
}

// Retry is Do for functions that return a value
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
