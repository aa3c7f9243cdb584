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

func newTestPolicy(cb *CircuitBreaker, endpoints ...string) *FailoverPolicy {
	return NewFailoverPolicy(cb, endpoints, observability.NewNoopLogger(), observability.NewMetricsClient())
}

func TestFailoverUsesFirstHealthyEndpoint(t *testing.T) {
	cb := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		HalfOpenLimit:    1,
	})
	policy := newTestPolicy(cb, "primary", "secondary")

	var used []string
	err := policy.ExecuteWithFailover(context.Background(), func(ctx context.Context, endpoint string) error {
		used = append(used, endpoint)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"primary"}, used)
}

func TestFailoverAdvancesPastFailures(t *testing.T) {
	cb := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Hour,
		HalfOpenLimit:    1,
	})
	policy := newTestPolicy(cb, "primary", "secondary")

	var used []string
	err := policy.ExecuteWithFailover(context.Background(), func(ctx context.Context, endpoint string) error {
		used = append(used, endpoint)
		if endpoint == "primary" {
			return errors.New("primary down")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"primary", "secondary"}, used)
}

func TestFailoverSkipsOpenBreakers(t *testing.T) {
	cb := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		HalfOpenLimit:    1,
	})
	cb.RecordFailure("primary")
	policy := newTestPolicy(cb, "primary", "secondary")

	var used []string
	err := policy.ExecuteWithFailover(context.Background(), func(ctx context.Context, endpoint string) error {
		used = append(used, endpoint)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"secondary"}, used)
}

func TestFailoverReturnsLastErrorWhenAllFail(t *testing.T) {
	cb := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     time.Hour,
		HalfOpenLimit:    1,
	})
	policy := newTestPolicy(cb, "a", "b")

	lastErr := errors.New("b failed")
	err := policy.ExecuteWithFailover(context.Background(), func(ctx context.Context, endpoint string) error {
		if endpoint == "a" {
			return errors.New("a failed")
		}
		return lastErr
	})
	assert.Equal(t, lastErr, err)
}

func TestFailoverAllOpenReturnsCircuitOpen(t *testing.T) {
	cb := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		HalfOpenLimit:    1,
	})
	cb.RecordFailure("a")
	cb.RecordFailure("b")
	policy := newTestPolicy(cb, "a", "b")

	err := policy.ExecuteWithFailover(context.Background(), func(ctx context.Context, endpoint string) error {
		t.Fatal("op must not run when every breaker is open")
		return nil
	})
	assert.ErrorIs(t, errors.Cause(err), ErrCircuitOpen)
}

func TestFailoverHonorsContext(t *testing.T) {
	cb := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     time.Hour,
		HalfOpenLimit:    1,
	})
	policy := newTestPolicy(cb, "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := policy.ExecuteWithFailover(ctx, func(ctx context.Context, endpoint string) error {
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFailoverRecordsOutcomesOnBreaker(t *testing.T) {
	cb := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
		HalfOpenLimit:    1,
	})
	policy := newTestPolicy(cb, "flaky", "stable")

	for i := 0; i < 2; i++ {
		_ = policy.ExecuteWithFailover(context.Background(), func(ctx context.Context, endpoint string) error {
			if endpoint == "flaky" {
				return errors.New("flaky down")
			}
			return nil
		})
	}

	assert.Equal(t, StateOpen, cb.StateOf("flaky"))
	assert.Equal(t, StateClosed, cb.StateOf("stable"))
}
