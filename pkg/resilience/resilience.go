// Package resilience provides the reliability primitives MCPClaw wraps
// around its outbound dependencies: retry with backoff for the LLM judge
// and a circuit breaker so a dead endpoint stops burning the sync path.
package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// ------------------------------------------------------------------
// Retry with exponential backoff
// ------------------------------------------------------------------

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts  int              // total attempts (default: 3)
	InitialDelay time.Duration    // first retry delay (default: 100ms)
	MaxDelay     time.Duration    // cap on delay (default: 30s)
	Multiplier   float64          // backoff multiplier (default: 2.0)
	JitterFrac   float64          // jitter fraction 0-1 (default: 0.1)
	RetryableErr func(error) bool // returns true if error is retriable
}

// DefaultRetryConfig returns a sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFrac:   0.1,
		RetryableErr: func(err error) bool { return true },
	}
}

// Retry executes a function with exponential backoff retry.
func Retry(ctx context.Context, config RetryConfig, fn func(attempt int) error) error {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		if config.RetryableErr != nil && !config.RetryableErr(lastErr) {
			return lastErr
		}

		// Don't sleep after the last attempt.
		if attempt < config.MaxAttempts-1 {
			jitter := time.Duration(float64(delay) * config.JitterFrac * (rand.Float64()*2 - 1))
			sleepDur := delay + jitter
			if sleepDur > config.MaxDelay {
				sleepDur = config.MaxDelay
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleepDur):
			}

			delay = time.Duration(float64(delay) * config.Multiplier)
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", config.MaxAttempts, lastErr)
}

// ------------------------------------------------------------------
// Circuit Breaker
// ------------------------------------------------------------------

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, reject requests
	CircuitHalfOpen                     // testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = fmt.Errorf("circuit breaker open")

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	Name             string        // identifier for logging
	MaxFailures      int           // failures before opening (default: 5)
	ResetTimeout     time.Duration // time to wait before half-open (default: 30s)
	HalfOpenMaxCalls int           // max calls in half-open state (default: 1)
	OnStateChange    func(name string, from, to CircuitState)
}

// CircuitBreaker prevents cascading failures by stopping calls to failing services.
type CircuitBreaker struct {
	config        CircuitBreakerConfig
	mu            sync.Mutex
	state         CircuitState
	failures      int
	lastFail      time.Time
	halfOpenCalls int
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}
	return &CircuitBreaker{config: config, state: CircuitClosed}
}

// Execute runs the function through the circuit breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}
	err := fn()
	cb.afterCall(err)
	return err
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastFail) >= cb.config.ResetTimeout {
			cb.transition(CircuitHalfOpen)
			cb.halfOpenCalls = 1
			return nil
		}
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			return ErrCircuitOpen
		}
		cb.halfOpenCalls++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		if cb.state == CircuitHalfOpen {
			cb.transition(CircuitClosed)
		}
		cb.failures = 0
		return
	}

	cb.failures++
	cb.lastFail = time.Now()
	if cb.state == CircuitHalfOpen || cb.failures >= cb.config.MaxFailures {
		cb.transition(CircuitOpen)
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}
