// Package circuitbreaker guards push providers so a failing provider fails
// fast instead of stalling every engine run on timeouts.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a breaker.
//
//	Closed -> Open:      failure count reaches MaxFailures
//	Open -> HalfOpen:    RecoveryTimeout elapsed since the last failure
//	HalfOpen -> Closed:  a probe succeeds
//	HalfOpen -> Open:    a probe fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	// Name identifies the protected provider (webpush, sns, sqs, ses).
	Name string

	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures int

	// RecoveryTimeout is how long to stay open before letting a probe through.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests caps concurrent probes while half-open.
	HalfOpenMaxRequests int
}

// DefaultConfig returns the defaults used for every push provider.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker tracks consecutive failures of one provider.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state            State
	failureCount     int
	lastFailureTime  time.Time
	lastStateChange  time.Time
	halfOpenRequests int

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
}

// New creates a new CircuitBreaker with the given configuration.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	cb := &CircuitBreaker{
		config: cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
	cb.lastStateChange = cb.now()

	logger.Debug("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)

	return cb
}

// Name returns the breaker's provider name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.transitionTo(StateHalfOpen)
			cb.halfOpenRequests = 1
			cb.logger.Info("circuit breaker allowing probe",
				zap.String("name", cb.config.Name),
			)
			return true
		}
		cb.totalRejected++
		return false

	case StateHalfOpen:
		if cb.halfOpenRequests < cb.config.HalfOpenMaxRequests {
			cb.halfOpenRequests++
			return true
		}
		cb.totalRejected++
		return false

	default:
		return false
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++
	cb.failureCount = 0

	if cb.state == StateHalfOpen {
		cb.transitionTo(StateClosed)
		cb.logger.Info("circuit breaker closed, provider recovered",
			zap.String("name", cb.config.Name),
		)
	}
}

// RecordFailure counts a failure, opening the circuit at MaxFailures or
// immediately when a half-open probe fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	cb.failureCount++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.MaxFailures {
			cb.transitionTo(StateOpen)
			cb.logger.Warn("circuit breaker opened",
				zap.String("name", cb.config.Name),
				zap.Int("failures", cb.failureCount),
				zap.Int("threshold", cb.config.MaxFailures),
			)
		}

	case StateHalfOpen:
		cb.transitionTo(StateOpen)
		cb.logger.Warn("circuit breaker re-opened, probe failed",
			zap.String("name", cb.config.Name),
		)
	}
}

// GetState returns the current state of the circuit breaker.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a point-in-time snapshot served on the operator breaker route.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		FailureCount:    cb.failureCount,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalSuccesses:  cb.totalSuccesses,
		TotalRejected:   cb.totalRejected,
		LastStateChange: cb.lastStateChange.Format(time.RFC3339),
	}

	if !cb.lastFailureTime.IsZero() {
		s.LastFailure = cb.lastFailureTime.Format(time.RFC3339)
	}

	return s
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed)
	cb.failureCount = 0
	cb.halfOpenRequests = 0

	cb.logger.Info("circuit breaker manually reset",
		zap.String("name", cb.config.Name),
	)
}

// transitionTo must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()
	cb.halfOpenRequests = 0

	cb.logger.Debug("circuit breaker state transition",
		zap.String("name", cb.config.Name),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)
}

func (cb *CircuitBreaker) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.config.Name, cb.state, cb.failureCount, cb.config.MaxFailures)
}
