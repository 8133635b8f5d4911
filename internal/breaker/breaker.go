package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// attempting the underlying operation.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config defines circuit breaker thresholds
type Config struct {
	FailureThreshold int           // Consecutive failures before opening
	RecoveryTimeout  time.Duration // Time in OPEN before a trial call is allowed
}

// DefaultConfig returns the default breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// CircuitBreaker isolates a failing dependency. Calls pass through while
// CLOSED, fail fast while OPEN, and exactly one trial call is permitted in
// HALF_OPEN after the recovery timeout elapses.
type CircuitBreaker struct {
	logger *zap.Logger
	config Config

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	trialActive bool
}

// New creates a circuit breaker in the CLOSED state.
func New(config Config, logger *zap.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	return &CircuitBreaker{
		logger: logger.Named("circuit-breaker"),
		config: config,
	}
}

// State returns the current state, applying the OPEN -> HALF_OPEN transition
// if the recovery timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return cb.state
}

// Allow reports whether a call may proceed. In HALF_OPEN it reserves the
// single trial slot; the caller must report the outcome via RecordSuccess or
// RecordFailure.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance()

	switch cb.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if cb.trialActive {
			return ErrCircuitOpen
		}
		cb.trialActive = true
		return nil
	default:
		return ErrCircuitOpen
	}
}

// RecordSuccess records a successful call, closing the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.logger.Info("Trial call succeeded, closing circuit")
	}
	cb.state = StateClosed
	cb.failures = 0
	cb.trialActive = false
}

// RecordFailure records a failed call, opening the breaker when the failure
// threshold is reached or a half-open trial fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()
	cb.trialActive = false

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
		cb.logger.Warn("Trial call failed, reopening circuit")
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
			cb.logger.Warn("Failure threshold reached, opening circuit",
				zap.Int("failures", cb.failures))
		}
	}
}

// Do runs fn under the breaker, recording the outcome.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		cb.RecordFailure()
		return err
	}

	cb.RecordSuccess()
	return nil
}

// advance applies the time-based OPEN -> HALF_OPEN transition. Caller holds mu.
func (cb *CircuitBreaker) advance() {
	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.config.RecoveryTimeout {
		cb.state = StateHalfOpen
		cb.trialActive = false
		cb.logger.Info("Recovery timeout elapsed, entering half-open")
	}
}
