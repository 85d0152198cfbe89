package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sisrua/geoprep/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream unavailable")

func failing(context.Context) error    { return errUpstream }
func succeeding(context.Context) error { return nil }
func cancelled(context.Context) error  { return context.Canceled }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(BreakerConfig{
		Name:             "elevation",
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		Now:              clock.Now,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, failing)
		require.ErrorIs(t, err, errUpstream)
	}
	assert.Equal(t, StateOpen, cb.State())

	var invoked bool
	err := cb.Execute(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	require.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.False(t, invoked, "open circuit must not invoke the wrapped call")
	assert.Equal(t, int64(1), cb.Stats().RejectedCalls)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "osm", FailureThreshold: 3, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)
	require.NoError(t, cb.Execute(ctx, succeeding))
	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)

	assert.Equal(t, StateClosed, cb.State(), "failures must be consecutive to open the circuit")
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	tests := []struct {
		name      string
		probe     func(context.Context) error
		wantState State
	}{
		{name: "successful probe closes", probe: succeeding, wantState: StateClosed},
		{name: "failed probe reopens", probe: failing, wantState: StateOpen},
		{name: "cancelled probe does not close", probe: cancelled, wantState: StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			var transitions []State
			cb := NewCircuitBreaker(BreakerConfig{
				Name:             "probe",
				FailureThreshold: 1,
				RecoveryTimeout:  30 * time.Second,
				Now:              clock.Now,
				OnStateChange: func(_ string, _, to State) {
					transitions = append(transitions, to)
				},
			})
			ctx := context.Background()

			_ = cb.Execute(ctx, failing)
			require.Equal(t, StateOpen, cb.State())

			clock.Advance(29 * time.Second)
			require.ErrorIs(t, cb.Execute(ctx, succeeding), domain.ErrCircuitOpen)

			clock.Advance(time.Second)
			_ = cb.Execute(ctx, tt.probe)
			assert.Equal(t, tt.wantState, cb.State())
			assert.Contains(t, transitions, StateHalfOpen)

			switch tt.name {
			case "failed probe reopens":
				// timer restarted at the failed probe
				clock.Advance(29 * time.Second)
				assert.ErrorIs(t, cb.Execute(ctx, succeeding), domain.ErrCircuitOpen)
			case "cancelled probe does not close":
				// recovery timer untouched, so the next caller gets the probe
				assert.NotContains(t, transitions, StateClosed)
				require.NoError(t, cb.Execute(ctx, succeeding))
				assert.Equal(t, StateClosed, cb.State())
			}
		})
	}
}

func TestCircuitBreaker_SingleProbeUnderConcurrency(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(BreakerConfig{
		Name:             "concurrent",
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		Now:              clock.Now,
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	clock.Advance(2 * time.Second)

	release := make(chan struct{})
	var invocations atomic.Int32
	var rejected atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := cb.Execute(ctx, func(context.Context) error {
				invocations.Add(1)
				<-release
				return nil
			})
			if errors.Is(err, domain.ErrCircuitOpen) {
				rejected.Add(1)
			}
		}()
	}

	require.Eventually(t, func() bool {
		return invocations.Load()+rejected.Load() == 20 || rejected.Load() == 19
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), invocations.Load())
	assert.Equal(t, int32(19), rejected.Load())
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "cancel", FailureThreshold: 1})

	err := cb.Execute(context.Background(), func(context.Context) error {
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCall(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "generic"})

	got, err := Call(context.Background(), cb, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}
