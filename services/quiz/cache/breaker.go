// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/quizerr"
)

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	// CircuitClosed is normal operation - requests pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures - requests are rejected.
	CircuitOpen
	// CircuitHalfOpen is testing recovery - a limited number of probes pass.
	CircuitHalfOpen
)

// String returns a human-readable state name.
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

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// Name labels metrics and state-change callbacks.
	Name string

	// FailureThreshold is the number of consecutive failures that opens the
	// circuit (default: 5).
	FailureThreshold int

	// Cooldown is how long the circuit stays open before probing (default: 30s).
	Cooldown time.Duration

	// HalfOpenProbes is how many requests are let through while half-open
	// (default: 1).
	HalfOpenProbes int

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	// OnStateChange is called after every transition, without the lock held.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "upstream",
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenProbes:   1,
		Now:              time.Now,
	}
}

// BreakerStats contains circuit breaker statistics.
type BreakerStats struct {
	State           string    `json:"state"`
	TotalCalls      int64     `json:"total_calls"`
	TotalFailures   int64     `json:"total_failures"`
	TotalRejections int64     `json:"total_rejections"`
	CurrentFailures int       `json:"current_failures"`
	LastStateChange time.Time `json:"last_state_change"`
}

// CircuitBreaker isolates callers from a failing upstream.
//
// The circuit has three states:
//
//   - Closed: requests pass; consecutive failures are counted.
//   - Open: after FailureThreshold failures, requests are rejected until
//     Cooldown elapses.
//   - Half-Open: up to HalfOpenProbes requests pass. A success closes the
//     circuit, a failure reopens it.
//
// Thread Safety: Safe for concurrent use.
type CircuitBreaker struct {
	config BreakerConfig

	mu              sync.Mutex
	state           CircuitState
	failures        int
	probesIssued    int
	lastStateChange time.Time

	totalCalls      int64
	totalFailures   int64
	totalRejections int64
}

// NewCircuitBreaker creates a circuit breaker, filling zero config fields
// with defaults.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	defaults := DefaultBreakerConfig()
	if config.Name == "" {
		config.Name = defaults.Name
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = defaults.HalfOpenProbes
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &CircuitBreaker{
		config:          config,
		state:           CircuitClosed,
		lastStateChange: config.Now(),
	}
}

// State returns the current circuit state. An open circuit whose cooldown
// has elapsed still reports open until the next CanRequest.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CanRequest reports whether a request may proceed. While half-open each
// true result consumes one probe.
func (cb *CircuitBreaker) CanRequest() bool {
	cb.mu.Lock()
	allowed, from, to := cb.allowLocked()
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
	return allowed
}

// allowLocked decides admission. Must be called with cb.mu held.
func (cb *CircuitBreaker) allowLocked() (bool, CircuitState, CircuitState) {
	cb.totalCalls++
	from := cb.state

	switch cb.state {
	case CircuitClosed:
		return true, from, from

	case CircuitOpen:
		if cb.config.Now().Sub(cb.lastStateChange) < cb.config.Cooldown {
			cb.totalRejections++
			return false, from, from
		}
		cb.transitionTo(CircuitHalfOpen)
		fallthrough

	case CircuitHalfOpen:
		if cb.probesIssued >= cb.config.HalfOpenProbes {
			cb.totalRejections++
			return false, from, cb.state
		}
		cb.probesIssued++
		return true, from, cb.state
	}

	return false, from, from
}

// RecordSuccess records a successful request and closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	from := cb.state
	cb.failures = 0
	if cb.state != CircuitClosed {
		cb.transitionTo(CircuitClosed)
	}
	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	from := cb.state
	cb.totalFailures++

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
}

// transitionTo changes state. Must be called with lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	cb.state = newState
	cb.lastStateChange = cb.config.Now()
	cb.failures = 0
	cb.probesIssued = 0
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	recordBreakerTransition(cb.config.Name, to)
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// Execute runs fn under circuit breaker protection.
//
// Inputs:
//   - ctx: Passed to fn. A caller cancellation is not counted as an
//     upstream failure.
//   - fn: The upstream call.
//
// Outputs:
//   - error: quizerr.ErrCircuitOpen (wrapped) if rejected, or the error from fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.CanRequest() {
		return fmt.Errorf("%s: %w", cb.config.Name, quizerr.ErrCircuitOpen)
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		cb.releaseProbe()
	default:
		cb.RecordFailure()
	}
	return err
}

// releaseProbe returns an unused half-open probe, so a cancelled probe does
// not leave the circuit stuck half-open.
func (cb *CircuitBreaker) releaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.probesIssued > 0 {
		cb.probesIssued--
	}
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return BreakerStats{
		State:           cb.state.String(),
		TotalCalls:      cb.totalCalls,
		TotalFailures:   cb.totalFailures,
		TotalRejections: cb.totalRejections,
		CurrentFailures: cb.failures,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset returns the circuit breaker to the closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failures = 0
	cb.probesIssued = 0
	cb.lastStateChange = cb.config.Now()
}
