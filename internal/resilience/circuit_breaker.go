// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is closed (normal operation)
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is open (failing fast)
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker lets a probe through
	CircuitHalfOpen
)

// String returns the string representation of the circuit state
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

// ErrCircuitBreakerOpen is returned when the circuit breaker is open
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds configuration for circuit breaker behavior
type CircuitBreakerConfig struct {
	Name          string
	MaxFailures   int
	ResetTimeout  time.Duration
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns default configuration for circuit breaker
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
	}
}

// CircuitBreakerStats holds statistics about circuit breaker performance
type CircuitBreakerStats struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	Failures     int       `json:"consecutive_failures"`
	TotalFailed  int       `json:"total_failed"`
	TotalPassed  int       `json:"total_passed"`
	StateChanged time.Time `json:"state_changed"`
}

// CircuitBreaker stops calling a failing dependency for ResetTimeout after
// MaxFailures consecutive failures. In half-open state a single probe is let
// through; its result closes or reopens the circuit.
type CircuitBreaker struct {
	config        CircuitBreakerConfig
	mu            sync.Mutex
	state         CircuitState
	failures      int
	totalFailed   int
	totalPassed   int
	probeInFlight bool
	stateChanged  time.Time
	now           func() time.Time
	logger        *zap.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = 1
	}

	cb := &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
		now:    time.Now,
		logger: logger,
	}
	cb.stateChanged = cb.now()

	logger.Info("Circuit breaker created",
		zap.String("name", config.Name),
		zap.Int("max_failures", config.MaxFailures),
		zap.Duration("reset_timeout", config.ResetTimeout))

	return cb
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allow() {
		return ErrCircuitBreakerOpen
	}

	err := fn(ctx)
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// The caller went away; the dependency was not at fault
		cb.abandon()
		return err
	}
	cb.record(err)
	return err
}

// abandon releases a half-open probe slot without recording a result
func (cb *CircuitBreaker) abandon() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probeInFlight = false
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.stateChanged) < cb.config.ResetTimeout {
			return false
		}
		cb.setState(CircuitHalfOpen)
		cb.probeInFlight = true
		return true
	case CircuitHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.totalFailed++

		cb.logger.Debug("Circuit breaker recorded failure",
			zap.String("name", cb.config.Name),
			zap.Error(err),
			zap.Int("failures", cb.failures),
			zap.String("state", cb.state.String()))

		switch cb.state {
		case CircuitHalfOpen:
			cb.probeInFlight = false
			cb.setState(CircuitOpen)
		case CircuitClosed:
			if cb.failures >= cb.config.MaxFailures {
				cb.setState(CircuitOpen)
			}
		}
		return
	}

	cb.totalPassed++
	cb.failures = 0
	if cb.state == CircuitHalfOpen {
		cb.probeInFlight = false
		cb.setState(CircuitClosed)
	}
}

// setState must be called with mu held
func (cb *CircuitBreaker) setState(newState CircuitState) {
	oldState := cb.state
	cb.state = newState
	cb.stateChanged = cb.now()

	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.config.Name),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
		zap.Int("failures", cb.failures))

	// Called with mu held so transitions are observed in order. Hooks must
	// not call back into the breaker.
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(oldState, newState)
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current statistics about the circuit breaker
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:         cb.config.Name,
		State:        cb.state.String(),
		Failures:     cb.failures,
		TotalFailed:  cb.totalFailed,
		TotalPassed:  cb.totalPassed,
		StateChanged: cb.stateChanged,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.logger.Info("Circuit breaker manually reset", zap.String("name", cb.config.Name))
	cb.failures = 0
	cb.probeInFlight = false
	cb.setState(CircuitClosed)
}
