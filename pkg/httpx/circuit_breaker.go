package httpx

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datalinkhq/datalink/pkg/errors"
)

// BreakerState is the circuit breaker state.
type BreakerState int32

const (
	// StateClosed allows all requests.
	StateClosed BreakerState = iota
	// StateOpen rejects all requests until the open timeout elapses.
	StateOpen
	// StateHalfOpen lets probe requests through to test recovery.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker trips after consecutive failures and probes for recovery
// after a cool-down.
type CircuitBreaker struct {
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	logger           *zap.Logger

	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	mu          sync.Mutex
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration, logger *zap.Logger) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
		logger:           logger.With(zap.String("component", "circuit_breaker")),
	}
}

// Allow reports whether a request may proceed. In the open state it
// returns a recoverable network error carrying the remaining cool-down.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		elapsed := time.Since(cb.lastFailure)
		if elapsed < cb.openTimeout {
			return errors.New(errors.CategoryNetwork, "CIRCUIT_OPEN", "circuit breaker is open").
				WithRetry(errors.RetryInfo{
					RetryAfter:  cb.openTimeout - elapsed,
					MaxAttempts: 1,
					Backoff:     "fixed",
				})
		}
		cb.transition(StateHalfOpen)
	}
	return nil
}

// MarkSuccess records a successful call.
func (cb *CircuitBreaker) MarkSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.transition(StateClosed)
		}
	case StateClosed:
		cb.failures = 0
	}
}

// MarkFailure records a failed call.
func (cb *CircuitBreaker) MarkFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = time.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.transition(StateOpen)
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.transition(StateOpen)
		}
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// transition changes state and resets counters. Caller holds cb.mu.
func (cb *CircuitBreaker) transition(next BreakerState) {
	if cb.state == next {
		return
	}
	cb.logger.Info("circuit breaker state change",
		zap.String("from", cb.state.String()),
		zap.String("to", next.String()))
	cb.state = next
	cb.failures = 0
	cb.successes = 0
}
