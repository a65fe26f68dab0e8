/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package connmgr

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState int

// Breaker states.
const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// cooldownCeiling caps the exponential growth of the open timeout.
const cooldownCeiling = 10 * time.Minute

// Breaker is a per-peer circuit breaker over a rolling window of attempt
// outcomes. A failure ratio at or above the threshold opens it; after the
// cooldown it admits a single probe, whose outcome either closes it or
// re-opens it with a doubled cooldown.
type Breaker struct {
	mu sync.Mutex

	window    []bool // true = failure
	next      int
	filled    int
	threshold float64
	timeout   time.Duration

	state         BreakerState
	openedAt      time.Time
	consecutive   int // consecutive opens, drives the cooldown growth
	probeInFlight bool
}

// NewBreaker creates a closed breaker with a rolling window of size attempts.
func NewBreaker(windowSize int, threshold float64, timeout time.Duration) *Breaker {
	return &Breaker{
		window:    make([]bool, windowSize),
		threshold: threshold,
		timeout:   timeout,
	}
}

func (b *Breaker) cooldown() time.Duration {
	d := b.timeout
	for i := 1; i < b.consecutive; i++ {
		d *= 2
		if d >= cooldownCeiling {
			return cooldownCeiling
		}
	}
	return d
}

func (b *Breaker) failureRatio() float64 {
	if b.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < b.filled; i++ {
		if b.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(b.filled)
}

func (b *Breaker) record(failure bool) {
	b.window[b.next] = failure
	b.next = (b.next + 1) % len(b.window)
	if b.filled < len(b.window) {
		b.filled++
	}
}

// Allow reports whether an attempt may proceed. In the Open state it flips
// to HalfOpen once the cooldown has elapsed, admitting exactly one probe.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if now.Sub(b.openedAt) < b.cooldown() {
			return false
		}
		b.state = BreakerHalfOpen
		b.probeInFlight = true
		return true
	case BreakerHalfOpen:
		return false
	}
	return false
}

// Success records a successful attempt. A successful half-open probe closes
// the breaker and clears the window.
func (b *Breaker) Success(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
		b.consecutive = 0
		b.probeInFlight = false
		b.window = make([]bool, len(b.window))
		b.next = 0
		b.filled = 0
		return
	}
	b.record(false)
}

// Failure records a failed attempt, returning true when this failure tripped
// the breaker open.
func (b *Breaker) Failure(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		// failed probe re-opens with a longer cooldown
		b.state = BreakerOpen
		b.openedAt = now
		b.consecutive++
		b.probeInFlight = false
		return true
	}
	b.record(true)
	if b.state == BreakerClosed && b.filled == len(b.window) && b.failureRatio() >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = now
		b.consecutive = 1
		return true
	}
	return false
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
