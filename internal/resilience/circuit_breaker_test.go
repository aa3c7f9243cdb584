package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbeur/mcp-ble-server/internal/config"
	"github.com/jbeur/mcp-ble-server/pkg/observability"
)

func newTestBreaker(cfg config.CircuitBreakerConfig) *CircuitBreaker {
	return NewCircuitBreaker(cfg, observability.NewNoopLogger(), observability.NewMetricsClient())
}

// advance moves the breaker's clock forward
func advance(cb *CircuitBreaker, d time.Duration) {
	base := cb.now()
	cb.now = func() time.Time { return base.Add(d) }
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		HalfOpenLimit:    1,
	})

	assert.Equal(t, StateClosed, cb.StateOf("ep"))
	cb.RecordFailure("ep")
	cb.RecordFailure("ep")
	assert.Equal(t, StateClosed, cb.StateOf("ep"))
	assert.True(t, cb.AllowRequest("ep"))

	cb.RecordFailure("ep")
	assert.Equal(t, StateOpen, cb.StateOf("ep"))
	assert.False(t, cb.AllowRequest("ep"))
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     30 * time.Second,
		HalfOpenLimit:    1,
	})

	cb.RecordFailure("ep")
	require.Equal(t, StateOpen, cb.StateOf("ep"))

	err := cb.Execute(context.Background(), "ep", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, errors.Cause(err), ErrCircuitOpen)

	advance(cb, 31*time.Second)
	assert.Equal(t, StateHalfOpen, cb.StateOf("ep"))

	// A successful probe closes the breaker
	err = cb.Execute(context.Background(), "ep", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.StateOf("ep"))
	assert.True(t, cb.AllowRequest("ep"))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		HalfOpenLimit:    1,
	})

	cb.RecordFailure("ep")
	advance(cb, 2*time.Second)
	require.Equal(t, StateHalfOpen, cb.StateOf("ep"))

	probeErr := errors.New("still broken")
	err := cb.Execute(context.Background(), "ep", func(ctx context.Context) error { return probeErr })
	assert.Equal(t, probeErr, err)
	assert.Equal(t, StateOpen, cb.StateOf("ep"))
}

func TestHalfOpenLimitsConcurrentProbes(t *testing.T) {
	cb := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		HalfOpenLimit:    2,
	})

	cb.RecordFailure("ep")
	advance(cb, 2*time.Second)
	require.Equal(t, StateHalfOpen, cb.StateOf("ep"))

	require.NoError(t, cb.acquire("ep"))
	require.NoError(t, cb.acquire("ep"))
	assert.ErrorIs(t, cb.acquire("ep"), ErrCircuitOpen)
	assert.False(t, cb.AllowRequest("ep"))

	// Releasing a probe frees a slot
	cb.release("ep", false)
	assert.Equal(t, StateOpen, cb.StateOf("ep"))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		HalfOpenLimit:    1,
	})

	cb.RecordFailure("ep")
	cb.RecordSuccess("ep")
	cb.RecordFailure("ep")
	// One failure after the success, below the threshold
	assert.Equal(t, StateClosed, cb.StateOf("ep"))
}

func TestResetForcesClosed(t *testing.T) {
	cb := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		HalfOpenLimit:    1,
	})

	cb.RecordFailure("ep")
	require.Equal(t, StateOpen, cb.StateOf("ep"))

	cb.Reset("ep")
	assert.Equal(t, StateClosed, cb.StateOf("ep"))
	assert.True(t, cb.AllowRequest("ep"))
}

func TestBreakersAreIndependentPerEndpoint(t *testing.T) {
	cb := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		HalfOpenLimit:    1,
	})

	cb.RecordFailure("bad")
	assert.Equal(t, StateOpen, cb.StateOf("bad"))
	assert.Equal(t, StateClosed, cb.StateOf("good"))
	assert.True(t, cb.AllowRequest("good"))
}

func TestExecuteRunsOpWhenClosed(t *testing.T) {
	cb := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     time.Minute,
		HalfOpenLimit:    1,
	})

	ran := false
	err := cb.Execute(context.Background(), "ep", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}
