package backend

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CircuitBreakerState represents the current state of a circuit breaker
type CircuitBreakerState int

const (
	// CircuitClosed means requests flow normally
	CircuitClosed CircuitBreakerState = iota
	// CircuitOpen means requests fail fast without reaching the backend
	CircuitOpen
	// CircuitHalfOpen means a limited number of trial requests are allowed
	CircuitHalfOpen
)

func (s CircuitBreakerState) String() string {
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

// ErrCircuitOpen is returned when the breaker rejects a request.
var ErrCircuitOpen = errors.New("circuit breaker is open, request denied")

// CircuitMetrics tracks request outcomes seen by the breaker
type CircuitMetrics struct {
	TotalRequests      int64
	TotalFailures      int64
	ConsecutiveSuccess int
	ConsecutiveFailure int
	LastFailureTime    time.Time
	LastSuccessTime    time.Time
	OpenCircuitCount   int
}

// StateEmitter receives breaker state changes.
type StateEmitter interface {
	EmitCircuitBreakerState(open bool)
}

// CircuitBreaker stops hammering the detection backend after repeated
// failures. HTTP calls run on helper goroutines, so unlike the rest of the
// core it is guarded by a mutex.
type CircuitBreaker struct {
	mu    sync.RWMutex
	state CircuitBreakerState

	failureThreshold  int
	failureCount      int
	resetTimeout      time.Duration
	lastFailure       time.Time
	halfOpenMaxCalls  int
	halfOpenCallCount int

	metrics  CircuitMetrics
	emitters []StateEmitter
	now      func() time.Time
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive failures and probes again after resetTimeout.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenMaxCalls: 3,
		now:              time.Now,
	}
}

// RegisterEmitter adds a state-change listener.
func (cb *CircuitBreaker) RegisterEmitter(e StateEmitter) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.emitters = append(cb.emitters, e)
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.isRequestAllowed() {
		return ErrCircuitOpen
	}

	err := fn()
	cb.recordResult(err == nil)
	return err
}

// isRequestAllowed checks if a request should be allowed to execute
func (cb *CircuitBreaker) isRequestAllowed() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.halfOpenCallCount = 0
		log.Info().Msg("Circuit transitioning from open to half-open")
		cb.notify(false)
		return true
	case CircuitHalfOpen:
		return cb.halfOpenCallCount < cb.halfOpenMaxCalls
	default:
		return true
	}
}

// recordResult records the result of a request and updates the circuit state
func (cb *CircuitBreaker) recordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.metrics.TotalRequests++
	if success {
		cb.metrics.ConsecutiveSuccess++
		cb.metrics.ConsecutiveFailure = 0
		cb.metrics.LastSuccessTime = cb.now()
	} else {
		cb.metrics.TotalFailures++
		cb.metrics.ConsecutiveFailure++
		cb.metrics.ConsecutiveSuccess = 0
		cb.metrics.LastFailureTime = cb.now()
	}

	switch cb.state {
	case CircuitClosed:
		if success {
			cb.failureCount = 0
			return
		}
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.trip()
		}
	case CircuitHalfOpen:
		cb.halfOpenCallCount++
		if !success {
			cb.trip()
			return
		}
		if cb.halfOpenCallCount >= cb.halfOpenMaxCalls {
			cb.close()
		}
	}
}

// trip opens the circuit. Callers hold the lock.
func (cb *CircuitBreaker) trip() {
	if cb.state == CircuitOpen {
		return
	}
	log.Warn().
		Int("failure_count", cb.failureCount).
		Int("threshold", cb.failureThreshold).
		Msg("Circuit breaker tripped, opening circuit")

	cb.state = CircuitOpen
	cb.lastFailure = cb.now()
	cb.metrics.OpenCircuitCount++
	cb.notify(true)
}

// close closes the circuit. Callers hold the lock.
func (cb *CircuitBreaker) close() {
	if cb.state == CircuitClosed {
		return
	}
	log.Info().Msg("Circuit breaker reset, closing circuit")
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.notify(false)
}

func (cb *CircuitBreaker) notify(open bool) {
	for _, e := range cb.emitters {
		e.EmitCircuitBreakerState(open)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// ForceOpen opens the circuit regardless of recent outcomes.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trip()
	log.Warn().Msg("Circuit manually OPENED by administrative action")
}

// ForceClose closes the circuit regardless of recent outcomes.
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.close()
	log.Info().Msg("Circuit manually CLOSED by administrative action")
}

// GetMetrics returns a copy of the breaker metrics.
func (cb *CircuitBreaker) GetMetrics() CircuitMetrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.metrics
}
