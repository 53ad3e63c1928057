// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package cache

import (
	"sync"
	"time"
)

// breakerState enumerates the circuit breaker lifecycle.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// minRatioSamples is the minimum number of observed calls before the
// failure-ratio rule can trip the breaker. Below this, only the
// consecutive-failure rule applies.
const minRatioSamples = 10

// BreakerOptions tunes a [Breaker].
type BreakerOptions struct {
	// MaxConsecutiveFailures opens the circuit after this many failures in a row.
	MaxConsecutiveFailures int
	// FailureRatio opens the circuit when failures/total in the current window
	// meets or exceeds this ratio (with at least minRatioSamples observations).
	FailureRatio float64
	// Cooldown is how long the circuit stays open before a half-open probe.
	Cooldown time.Duration
}

// Breaker is a circuit breaker guarding the distributed cache tier.
//
// # State Machine
//
//	CLOSED    --(failures exceed threshold)-->    OPEN
//	OPEN      --(cooldown elapsed)-->             HALF-OPEN
//	HALF-OPEN --(probe succeeds)-->               CLOSED
//	HALF-OPEN --(probe fails)-->                  OPEN
//
// While OPEN, [Breaker.Allow] returns false and every distributed operation
// fast-fails to the local tier without touching the network.
//
// # Concurrency
//
// All methods are safe for concurrent use. The lock is never held across I/O.
type Breaker struct {
	mu sync.Mutex

	options BreakerOptions

	state               breakerState
	consecutiveFailures int
	windowTotal         int
	windowFailures      int
	openedAt            time.Time
	probeInFlight       bool

	// now is swappable for deterministic tests.
	now func() time.Time
}

// NewBreaker constructs a [Breaker] with the provided thresholds.
func NewBreaker(options BreakerOptions) *Breaker {
	if options.MaxConsecutiveFailures <= 0 {
		options.MaxConsecutiveFailures = 5
	}
	if options.FailureRatio <= 0 {
		options.FailureRatio = 0.5
	}
	if options.Cooldown <= 0 {
		options.Cooldown = 30 * time.Second
	}
	return &Breaker{options: options, now: time.Now}
}

// Allow reports whether a distributed call may proceed.
//
// In the OPEN state it returns false until the cooldown elapses, then admits
// exactly one half-open probe at a time.
func (breaker *Breaker) Allow() bool {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()

	switch breaker.state {
	case stateClosed:
		return true
	case stateOpen:
		if breaker.now().Sub(breaker.openedAt) < breaker.options.Cooldown {
			return false
		}
		// Cooldown elapsed: move to half-open and admit a single probe.
		breaker.state = stateHalfOpen
		breaker.probeInFlight = true
		return true
	case stateHalfOpen:
		if breaker.probeInFlight {
			return false
		}
		breaker.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess registers a successful distributed call.
func (breaker *Breaker) RecordSuccess() {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()

	breaker.windowTotal++
	breaker.consecutiveFailures = 0

	if breaker.state == stateHalfOpen {
		// Probe succeeded: the dependency recovered.
		breaker.reset()
	}
}

// RecordFailure registers a failed distributed call and trips the circuit
// when either threshold is crossed.
func (breaker *Breaker) RecordFailure() {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()

	breaker.windowTotal++
	breaker.windowFailures++
	breaker.consecutiveFailures++

	if breaker.state == stateHalfOpen {
		// Probe failed: reopen immediately and restart the cooldown.
		breaker.trip()
		return
	}

	if breaker.consecutiveFailures >= breaker.options.MaxConsecutiveFailures {
		breaker.trip()
		return
	}

	if breaker.windowTotal >= minRatioSamples {
		ratio := float64(breaker.windowFailures) / float64(breaker.windowTotal)
		if ratio >= breaker.options.FailureRatio {
			breaker.trip()
		}
	}
}

// Open reports whether the circuit currently rejects distributed calls.
func (breaker *Breaker) Open() bool {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()
	return breaker.state == stateOpen &&
		breaker.now().Sub(breaker.openedAt) < breaker.options.Cooldown
}

// trip transitions to OPEN. Caller must hold the lock.
func (breaker *Breaker) trip() {
	breaker.state = stateOpen
	breaker.openedAt = breaker.now()
	breaker.probeInFlight = false
}

// reset transitions to CLOSED and clears all counters. Caller must hold the lock.
func (breaker *Breaker) reset() {
	breaker.state = stateClosed
	breaker.consecutiveFailures = 0
	breaker.windowTotal = 0
	breaker.windowFailures = 0
	breaker.probeInFlight = false
}
