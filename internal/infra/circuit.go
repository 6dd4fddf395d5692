// Package infra provides shared runtime infrastructure primitives.
package infra

import (
	"fmt"
	"sync"
	"time"
)

// Circuit breaker states
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a
	// half-open probe is allowed.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls is the probe budget while half-open.
	HalfOpenMaxCalls int
}

// DefaultCircuitBreakerConfig returns the default breaker configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

func sanitizeCircuitConfig(config CircuitBreakerConfig) CircuitBreakerConfig {
	defaults := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = defaults.HalfOpenMaxCalls
	}
	return config
}

// CircuitOpenError reports a fast-failed call. It is a retryable
// signal, not a fatal error: callers surface it as an error
// observation and move on.
type CircuitOpenError struct {
	ToolName            string
	ConsecutiveFailures int
	RecoveryRemaining   time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for tool %q: %d consecutive failures, recovery in %s",
		e.ToolName, e.ConsecutiveFailures, e.RecoveryRemaining)
}

// CircuitBreaker tracks the health of a single tool endpoint through
// the Closed → Open → HalfOpen state machine.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	state         string
	openedAt      time.Time
	failures      int
	successes     int
	halfOpenCalls int
	lastFailure   time.Time
}

// NewCircuitBreaker creates a breaker in the Closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config: sanitizeCircuitConfig(config),
		state:  CircuitClosed,
	}
}

// check decides whether a call may proceed. Transitions Open→HalfOpen
// once the recovery timeout elapses; the transitioning check counts as
// the first half-open probe. Callers hold the registry lock.
func (cb *CircuitBreaker) check(toolName string, now time.Time) error {
	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		elapsed := now.Sub(cb.openedAt)
		if elapsed >= cb.config.RecoveryTimeout {
			cb.state = CircuitHalfOpen
			cb.halfOpenCalls = 1
			return nil
		}
		return &CircuitOpenError{
			ToolName:            toolName,
			ConsecutiveFailures: cb.failures,
			RecoveryRemaining:   cb.config.RecoveryTimeout - elapsed,
		}

	case CircuitHalfOpen:
		if cb.halfOpenCalls < cb.config.HalfOpenMaxCalls {
			cb.halfOpenCalls++
			return nil
		}
		return &CircuitOpenError{
			ToolName:            toolName,
			ConsecutiveFailures: cb.failures,
		}

	default:
		return nil
	}
}

// recordSuccess resets failures; a half-open success closes the circuit.
func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
		cb.successes++
	case CircuitHalfOpen:
		cb.state = CircuitClosed
		cb.failures = 0
		cb.successes = 1
		cb.halfOpenCalls = 0
	case CircuitOpen:
		// Late success after the circuit opened; treat as recovery.
		cb.state = CircuitClosed
		cb.failures = 0
	}
}

// recordFailure counts a failure; at the threshold the circuit opens,
// and a half-open failure re-opens it immediately.
func (cb *CircuitBreaker) recordFailure(now time.Time) {
	cb.lastFailure = now

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = CircuitOpen
			cb.openedAt = now
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.openedAt = now
		cb.halfOpenCalls = 0
	case CircuitOpen:
		cb.failures++
	}
}

// CircuitStats is a point-in-time snapshot of one breaker.
type CircuitStats struct {
	ToolName    string
	State       string
	Failures    int
	Successes   int
	OpenedAt    time.Time
	LastFailure time.Time
}

// CircuitBreakerRegistry holds one breaker per tool endpoint.
// Breakers are created lazily on first use with the default config.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	defaults CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a registry whose breakers use the
// given defaults.
func NewCircuitBreakerRegistry(defaults CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: sanitizeCircuitConfig(defaults),
	}
}

// Check reports whether a call to the named tool may proceed.
// Returns a *CircuitOpenError when the call must be fast-failed.
func (r *CircuitBreakerRegistry) Check(toolName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breaker(toolName).check(toolName, time.Now())
}

// RecordSuccess records a successful call to the named tool.
func (r *CircuitBreakerRegistry) RecordSuccess(toolName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[toolName]; ok {
		cb.recordSuccess()
	}
}

// RecordFailure records a failed call to the named tool.
func (r *CircuitBreakerRegistry) RecordFailure(toolName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breaker(toolName).recordFailure(time.Now())
}

// State returns the named breaker's state, or false when no call ever
// touched that tool.
func (r *CircuitBreakerRegistry) State(toolName string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[toolName]
	if !ok {
		return "", false
	}
	return cb.state, true
}

// Stats returns snapshots for every breaker in the registry.
func (r *CircuitBreakerRegistry) Stats() []CircuitStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]CircuitStats, 0, len(r.breakers))
	for name, cb := range r.breakers {
		stats = append(stats, CircuitStats{
			ToolName:    name,
			State:       cb.state,
			Failures:    cb.failures,
			Successes:   cb.successes,
			OpenedAt:    cb.openedAt,
			LastFailure: cb.lastFailure,
		})
	}
	return stats
}

// OpenCircuits returns the names of all currently open breakers.
func (r *CircuitBreakerRegistry) OpenCircuits() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var open []string
	for name, cb := range r.breakers {
		if cb.state == CircuitOpen {
			open = append(open, name)
		}
	}
	return open
}

func (r *CircuitBreakerRegistry) breaker(toolName string) *CircuitBreaker {
	cb, ok := r.breakers[toolName]
	if !ok {
		cb = NewCircuitBreaker(r.defaults)
		r.breakers[toolName] = cb
	}
	return cb
}
