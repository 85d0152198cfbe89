package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sisrua/geoprep/internal/domain"
)

// State represents the state of a circuit breaker
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerConfig holds configuration for a circuit breaker
type BreakerConfig struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	RecoveryTimeout  time.Duration // how long to stay open before allowing a probe

	// IsFailure decides which errors count against the breaker.
	// Defaults to every error except the caller's own context cancellation.
	IsFailure func(error) bool

	// OnStateChange is invoked outside the breaker lock after each transition
	OnStateChange func(name string, from, to State)

	Logger *slog.Logger
	Now    func() time.Time
}

// BreakerStats is a point-in-time view of a breaker
type BreakerStats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	Failures        int    `json:"consecutive_failures"`
	TotalCalls      int64  `json:"total_calls"`
	SuccessfulCalls int64  `json:"successful_calls"`
	FailedCalls     int64  `json:"failed_calls"`
	RejectedCalls   int64  `json:"rejected_calls"`
}

// CircuitBreaker gates calls to an unreliable dependency.
// While half-open exactly one probe call is let through.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	isFailure        func(error) bool
	onStateChange    func(name string, from, to State)
	logger           *slog.Logger
	now              func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	probeInFlight bool

	totalCalls      int64
	successfulCalls int64
	failedCalls     int64
	rejectedCalls   int64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &CircuitBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		isFailure:        cfg.IsFailure,
		onStateChange:    cfg.OnStateChange,
		logger:           cfg.Logger.With(slog.String("breaker", cfg.Name)),
		now:              cfg.Now,
		state:            StateClosed,
	}
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Execute runs fn unless the circuit is open, recording its outcome
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := cb.beforeCall()
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.afterCall(probe, err)
	return err
}

// Call is Execute for functions that return a value
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// beforeCall admits or rejects a call; probe reports whether it is the half-open probe
func (cb *CircuitBreaker) beforeCall() (probe bool, err error) {
	var from State
	cb.mu.Lock()
	cb.totalCalls++

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return false, nil

	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.recoveryTimeout {
			cb.rejectedCalls++
			cb.mu.Unlock()
			return false, cb.openError()
		}
		from = cb.state
		cb.state = StateHalfOpen
		cb.probeInFlight = true
		cb.mu.Unlock()
		cb.notify(from, StateHalfOpen)
		return true, nil

	default: // half-open
		if cb.probeInFlight {
			cb.rejectedCalls++
			cb.mu.Unlock()
			return false, cb.openError()
		}
		cb.probeInFlight = true
		cb.mu.Unlock()
		return true, nil
	}
}

// afterCall updates breaker state based on the call result
func (cb *CircuitBreaker) afterCall(probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	failed := err != nil && cb.isFailure(err)

	if probe {
		cb.probeInFlight = false
	}

	if failed {
		cb.failedCalls++
		cb.failures++
		switch {
		case probe && cb.state == StateHalfOpen:
			cb.state = StateOpen
			cb.openedAt = cb.now()
		case cb.state == StateClosed && cb.failures >= cb.failureThreshold:
			cb.state = StateOpen
			cb.openedAt = cb.now()
		}
	} else {
		if err == nil {
			cb.successfulCalls++
		}
		switch {
		case probe && cb.state == StateHalfOpen && err == nil:
			cb.state = StateClosed
			cb.failures = 0
		case probe && cb.state == StateHalfOpen:
			// inconclusive probe: the next caller probes again
			cb.state = StateOpen
		case cb.state == StateClosed && err == nil:
			cb.failures = 0
		}
	}

	to := cb.state
	failures := cb.failures
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
		if to == StateOpen {
			cb.logger.Warn("Circuit opened",
				slog.Int("failures", failures),
				slog.Duration("recovery_timeout", cb.recoveryTimeout),
			)
		}
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	cb.logger.Info("Circuit state changed",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

func (cb *CircuitBreaker) openError() error {
	return fmt.Errorf("%w: %s", domain.ErrCircuitOpen, cb.name)
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current statistics
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return BreakerStats{
		Name:            cb.name,
		State:           string(cb.state),
		Failures:        cb.failures,
		TotalCalls:      cb.totalCalls,
		SuccessfulCalls: cb.successfulCalls,
		FailedCalls:     cb.failedCalls,
		RejectedCalls:   cb.rejectedCalls,
	}
}
