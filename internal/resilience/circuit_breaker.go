// Package resilience guards outbound and upstream work with per-endpoint
// circuit breakers and a connection-failover policy.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jbeur/mcp-ble-server/internal/config"
	"github.com/jbeur/mcp-ble-server/pkg/observability"
)

// ErrCircuitOpen is returned by Execute when the breaker rejects the call
var ErrCircuitOpen = errors.New("circuit breaker open")

// State is a circuit breaker state
type State int

// Circuit breaker states
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the conventional lowercase state name
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// breaker holds the per-endpoint state machine
type breaker struct {
	state            State
	failureCount     int
	lastFailureAt    time.Time
	halfOpenInFlight int
}

// CircuitBreaker manages one breaker per logical endpoint id. All state
// transitions happen under a single mutex; guarded operations themselves
// run outside it.
type CircuitBreaker struct {
	mu       sync.Mutex
	cfg      config.CircuitBreakerConfig
	breakers map[string]*breaker

	logger  observability.Logger
	metrics observability.MetricsClient

	// now is a variable so tests can control the clock
	now func() time.Time
}

// NewCircuitBreaker creates a breaker manager with the given thresholds
func NewCircuitBreaker(cfg config.CircuitBreakerConfig, logger observability.Logger, metrics observability.MetricsClient) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:      cfg,
		breakers: make(map[string]*breaker),
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// AllowRequest reports whether a request to the endpoint would be admitted:
// true in CLOSED, false in OPEN until the reset timeout elapses, and up to
// halfOpenLimit concurrent probes in HALF_OPEN.
func (cb *CircuitBreaker) AllowRequest(id string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	br := cb.get(id)
	cb.maybeHalfOpenLocked(id, br)

	switch br.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return br.halfOpenInFlight < cb.cfg.HalfOpenLimit
	default:
		return false
	}
}

// Execute runs op under the endpoint's breaker, recording the outcome.
// Returns ErrCircuitOpen without running op when the breaker rejects.
func (cb *CircuitBreaker) Execute(ctx context.Context, id string, op func(ctx context.Context) error) error {
	if err := cb.acquire(id); err != nil {
		cb.metrics.IncrementCounterWithLabels("circuit_breaker.rejected", 1, map[string]string{
			"endpoint": id,
		})
		return err
	}

	err := op(ctx)
	cb.release(id, err == nil)
	return err
}

// RecordSuccess records a successful call outside Execute
func (cb *CircuitBreaker) RecordSuccess(id string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.recordLocked(id, cb.get(id), true)
}

// RecordFailure records a failed call outside Execute
func (cb *CircuitBreaker) RecordFailure(id string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.recordLocked(id, cb.get(id), false)
}

// Reset returns the endpoint's breaker to CLOSED and clears its counters
func (cb *CircuitBreaker) Reset(id string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	br := cb.get(id)
	cb.transitionLocked(id, br, StateClosed)
	br.failureCount = 0
	br.halfOpenInFlight = 0
	br.lastFailureAt = time.Time{}
}

// StateOf returns the endpoint's current state, accounting for reset
// timeout expiry.
func (cb *CircuitBreaker) StateOf(id string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	br := cb.get(id)
	cb.maybeHalfOpenLocked(id, br)
	return br.state
}

// acquire admits a request, incrementing the half-open probe count when
// applicable.
func (cb *CircuitBreaker) acquire(id string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	br := cb.get(id)
	cb.maybeHalfOpenLocked(id, br)

	switch br.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if br.halfOpenInFlight >= cb.cfg.HalfOpenLimit {
			return ErrCircuitOpen
		}
		br.halfOpenInFlight++
		return nil
	default:
		return ErrCircuitOpen
	}
}

// release records the outcome of an admitted request
func (cb *CircuitBreaker) release(id string, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	br := cb.get(id)
	if br.state == StateHalfOpen && br.halfOpenInFlight > 0 {
		br.halfOpenInFlight--
	}
	cb.recordLocked(id, br, success)
}

func (cb *CircuitBreaker) recordLocked(id string, br *breaker, success bool) {
	if success {
		switch br.state {
		case StateHalfOpen:
			cb.transitionLocked(id, br, StateClosed)
			br.failureCount = 0
			br.halfOpenInFlight = 0
		case StateClosed:
			br.failureCount = 0
		}
		return
	}

	br.lastFailureAt = cb.now()
	switch br.state {
	case StateHalfOpen:
		cb.transitionLocked(id, br, StateOpen)
		br.halfOpenInFlight = 0
	case StateClosed:
		br.failureCount++
		if br.failureCount >= cb.cfg.FailureThreshold {
			cb.transitionLocked(id, br, StateOpen)
		}
	}
}

// maybeHalfOpenLocked moves OPEN to HALF_OPEN once the reset timeout has
// elapsed since the last failure.
func (cb *CircuitBreaker) maybeHalfOpenLocked(id string, br *breaker) {
	if br.state != StateOpen {
		return
	}
	if cb.now().Sub(br.lastFailureAt) >= cb.cfg.ResetTimeout {
		cb.transitionLocked(id, br, StateHalfOpen)
		br.halfOpenInFlight = 0
	}
}

func (cb *CircuitBreaker) transitionLocked(id string, br *breaker, to State) {
	if br.state == to {
		return
	}
	from := br.state
	br.state = to

	cb.logger.Info("Circuit breaker state change", map[string]interface{}{
		"endpoint": id,
		"from":     from.String(),
		"to":       to.String(),
		"failures": br.failureCount,
	})
	cb.metrics.IncrementCounterWithLabels("circuit_breaker.state_changes", 1, map[string]string{
		"endpoint": id,
		"from":     from.String(),
		"to":       to.String(),
	})
}

func (cb *CircuitBreaker) get(id string) *breaker {
	br, ok := cb.breakers[id]
	if !ok {
		br = &breaker{state: StateClosed}
		cb.breakers[id] = br
	}
	return br
}
