package resilience

import (
	"context"

	"github.com/pkg/errors"

	"github.com/jbeur/mcp-ble-server/pkg/observability"
)

// FailoverPolicy tries an ordered list of endpoints, skipping ones whose
// breaker rejects and recording each outcome against that endpoint's
// breaker.
type FailoverPolicy struct {
	breaker   *CircuitBreaker
	endpoints []string

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewFailoverPolicy creates a policy over the given endpoint order
func NewFailoverPolicy(breaker *CircuitBreaker, endpoints []string, logger observability.Logger, metrics observability.MetricsClient) *FailoverPolicy {
	return &FailoverPolicy{
		breaker:   breaker,
		endpoints: endpoints,
		logger:    logger,
		metrics:   metrics,
	}
}

// ExecuteWithFailover runs op against the first admitting endpoint,
// advancing to the next on failure. Returns the last error when every
// endpoint is open or failed, or ErrCircuitOpen when none admitted at all.
func (f *FailoverPolicy) ExecuteWithFailover(ctx context.Context, op func(ctx context.Context, endpoint string) error) error {
	var lastErr error
	attempted := false

	for _, endpoint := range f.endpoints {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !f.breaker.AllowRequest(endpoint) {
			continue
		}
		attempted = true

		err := f.breaker.Execute(ctx, endpoint, func(ctx context.Context) error {
			return op(ctx, endpoint)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		f.logger.Warn("Endpoint failed, trying next", map[string]interface{}{
			"endpoint": endpoint,
			"error":    err.Error(),
		})
		f.metrics.IncrementCounterWithLabels("failover.attempts_failed", 1, map[string]string{
			"endpoint": endpoint,
		})
	}

	if !attempted {
		return errors.Wrap(ErrCircuitOpen, "no endpoint available")
	}
	return lastErr
}
