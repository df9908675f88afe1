package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tierflow/tierflow/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen rejects all requests immediately
	StateOpen
	// StateHalfOpen admits a limited number of probe requests
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
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

// MetricsCollector interface for circuit breaker metrics
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// noopMetrics is a no-op metrics implementation
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string)                      {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// ErrorClassifier determines which errors count toward opening the
// circuit. Permanent provider errors are the caller's problem, not the
// provider's health signal.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts only infrastructure failures
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsPermanent(err) || core.IsValidationError(err) || core.IsConfigurationError(err) {
		return false
	}
	if errors.Is(err, core.ErrCancelled) {
		return false
	}
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker (the provider id)
	Name string

	// FailureThreshold is the number of consecutive failures that opens
	// the circuit
	FailureThreshold int

	// FailureWindow bounds how recent consecutive failures must be;
	// the streak resets if the last failure is older than this
	FailureWindow time.Duration

	// Cooldown is how long the circuit stays open before probing
	Cooldown time.Duration

	// HalfOpenProbes is the number of probe requests admitted half-open;
	// that many consecutive successes close the circuit
	HalfOpenProbes int

	// ErrorClassifier determines which errors count as failures
	ErrorClassifier ErrorClassifier

	// Logger for state transitions
	Logger core.Logger

	// Metrics collector for monitoring
	Metrics MetricsCollector
}

// DefaultCircuitBreakerConfig returns the stock settings: open after 5
// consecutive failures within 60s, 30s cooldown, 2 half-open probes.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		Cooldown:         30 * time.Second,
		HalfOpenProbes:   2,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
	}
}

// Validate validates the circuit breaker configuration
func (c *CircuitBreakerConfig) Validate() error {
	if c == nil {
		return errors.New("configuration cannot be nil")
	}
	if c.Name == "" {
		return errors.New("circuit breaker name is required")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.HalfOpenProbes < 1 {
		return fmt.Errorf("half-open probes must be at least 1, got %d", c.HalfOpenProbes)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown must be non-negative, got %v", c.Cooldown)
	}
	if c.FailureWindow < 0 {
		return fmt.Errorf("failure window must be non-negative, got %v", c.FailureWindow)
	}
	return nil
}

// CircuitBreaker is a per-provider breaker tracking consecutive
// failures. One breaker exists per provider for the process lifetime.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureAt       time.Time
	openedAt            time.Time
	probesInFlight      int
	probeSuccesses      int

	listeners []func(name string, from, to CircuitState)

	// now is swappable for tests
	now func() time.Time
}

// NewCircuitBreaker creates a circuit breaker from config
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}
	if config.FailureWindow == 0 {
		config.FailureWindow = 60 * time.Second
	}

	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}, nil
}

// Allow reports whether a request may proceed. In half-open state a
// true return reserves one probe slot; the caller must report the
// outcome through RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.Cooldown {
			cb.transitionLocked(StateHalfOpen)
			cb.probesInFlight = 1
			return true
		}
		cb.config.Metrics.RecordRejection(cb.config.Name)
		return false

	case StateHalfOpen:
		if cb.probesInFlight < cb.config.HalfOpenProbes {
			cb.probesInFlight++
			return true
		}
		cb.config.Metrics.RecordRejection(cb.config.Name)
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.config.Metrics.RecordSuccess(cb.config.Name)

	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures = 0

	case StateHalfOpen:
		if cb.probesInFlight > 0 {
			cb.probesInFlight--
		}
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.config.HalfOpenProbes {
			cb.transitionLocked(StateClosed)
			cb.consecutiveFailures = 0
		}
	}
}

// RecordFailure records a failed call. Errors the classifier rejects
// (permanent, validation, cancellation) do not count.
func (cb *CircuitBreaker) RecordFailure(err error) {
	if !cb.config.ErrorClassifier(err) {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.config.Metrics.RecordFailure(cb.config.Name)
	now := cb.now()

	switch cb.state {
	case StateClosed:
		// A stale streak does not carry over across the window
		if !cb.lastFailureAt.IsZero() && now.Sub(cb.lastFailureAt) > cb.config.FailureWindow {
			cb.consecutiveFailures = 0
		}
		cb.consecutiveFailures++
		cb.lastFailureAt = now

		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.config.Logger.Info("Circuit breaker opening", map[string]interface{}{
				"operation":            "circuit_breaker_opening",
				"name":                 cb.config.Name,
				"consecutive_failures": cb.consecutiveFailures,
				"threshold":            cb.config.FailureThreshold,
			})
			cb.transitionLocked(StateOpen)
		}

	case StateHalfOpen:
		// Any probe failure reopens and restarts the cooldown
		if cb.probesInFlight > 0 {
			cb.probesInFlight--
		}
		cb.transitionLocked(StateOpen)
	}
}

// transitionLocked changes state (must be called with lock held)
func (cb *CircuitBreaker) transitionLocked(newState CircuitState) {
	oldState := cb.state
	if oldState == newState {
		return
	}

	cb.state = newState
	switch newState {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateHalfOpen:
		cb.probesInFlight = 0
		cb.probeSuccesses = 0
	}

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation": "circuit_breaker_transition",
		"name":      cb.config.Name,
		"from":      oldState.String(),
		"to":        newState.String(),
	})
	cb.config.Metrics.RecordStateChange(cb.config.Name, oldState.String(), newState.String())

	for _, listener := range cb.listeners {
		go listener(cb.config.Name, oldState, newState)
	}
}

// AddStateChangeListener adds a listener for state changes
func (cb *CircuitBreaker) AddStateChangeListener(listener func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, listener)
	cb.mu.Unlock()
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns current breaker metrics for reporting
func (cb *CircuitBreaker) Snapshot() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	snap := map[string]interface{}{
		"name":                 cb.config.Name,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
	}
	if cb.state == StateOpen {
		snap["opened_at"] = cb.openedAt.UTC().Format(time.RFC3339)
	}
	if cb.state == StateHalfOpen {
		snap["probes_in_flight"] = cb.probesInFlight
		snap["probe_successes"] = cb.probeSuccesses
	}
	return snap
}

// Reset returns the breaker to closed with a clean failure streak
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := cb.state
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.lastFailureAt = time.Time{}
	cb.probesInFlight = 0
	cb.probeSuccesses = 0

	cb.config.Logger.Info("Circuit breaker reset", map[string]interface{}{
		"operation":      "circuit_breaker_reset",
		"name":           cb.config.Name,
		"previous_state": oldState.String(),
	})
}
