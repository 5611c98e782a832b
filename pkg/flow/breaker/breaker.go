/*
Copyright 2026 The Flow Engine Authors.

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

// Package breaker implements the per-stage circuit breaker (spec section
// 4.3) on top of github.com/sony/gobreaker: closed/open/half-open state
// transitions, the failure-threshold trip policy, and timed recovery come
// from gobreaker; this package layers on the manual ForceOpen control with
// its read-side lazy promotion, expected-error-class filtering, and
// one-way mirroring into a FlowControlState.
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	flowerrors "github.com/flowforge/engine/pkg/flow/errors"
	"github.com/flowforge/engine/pkg/flow/stage"
	"github.com/flowforge/engine/pkg/flow/state"
)

// IsExpectedFailure classifies whether err should count against the
// breaker's failure tally. Unexpected errors propagate without affecting
// breaker state, per spec section 4.3.
type IsExpectedFailure func(error) bool

// AlwaysExpected treats every non-nil error as breaker-relevant.
func AlwaysExpected(err error) bool { return err != nil }

// Stats is the observability snapshot exposed by Status.
type Stats struct {
	State             state.CBState
	Failures          int
	LastFailure       time.Time
	LastSuccess       time.Time
	TotalCalls        int
	Successes         int
	TotalFailures     int
	SuccessRate       float64
	TimeSinceFailureS float64
}

// Breaker is a single stage's circuit breaker.
type Breaker struct {
	mu sync.Mutex

	name            string
	underlying      *gobreaker.CircuitBreaker[any]
	settings        gobreaker.Settings
	isExpected      IsExpectedFailure
	recoveryTimeout time.Duration

	forced           bool
	forcedAt         time.Time
	forcedProbeReady bool

	totalCalls    int
	successes     int
	totalFailures int
	lastFailure   time.Time
	lastSuccess   time.Time

	flowState *state.FlowControlState
	stage     stage.Stage
}

// New builds a stage breaker. failureThreshold is the number of
// consecutive expected-class failures that trips it open; recoveryTimeout
// is both gobreaker's half-open Timeout and the window ForceOpen respects.
func New(name string, failureThreshold uint32, recoveryTimeout time.Duration, isExpected IsExpectedFailure) *Breaker {
	if isExpected == nil {
		isExpected = AlwaysExpected
	}
	b := &Breaker{
		name:            name,
		isExpected:      isExpected,
		recoveryTimeout: recoveryTimeout,
	}
	b.settings = gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     recoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		IsSuccessful: func(err error) bool {
			// An error gobreaker doesn't consider a "failure" leaves its
			// internal counters untouched, matching "unexpected errors
			// propagate without state change".
			return err == nil || !isExpected(err)
		},
	}
	b.underlying = gobreaker.NewCircuitBreaker[any](b.settings)
	return b
}

// Attach wires this breaker to mirror its visible state into fcs's
// per-stage fields for the given stage, one-way (breaker -> state).
func (b *Breaker) Attach(fcs *state.FlowControlState, s stage.Stage) {
	b.mu.Lock()
	b.flowState = fcs
	b.stage = s
	b.mu.Unlock()
	b.mirror()
}

// ErrCircuitOpen is returned (wrapped in a *flowerrors.FlowError) when
// Call fails fast because the breaker is open.
var ErrCircuitOpen = flowerrors.New(flowerrors.CircuitOpen, "circuit breaker open", nil)

// Call invokes fn through the breaker. If the breaker is open, fn is
// never invoked and a CircuitOpen FlowError is returned immediately.
func (b *Breaker) Call(fn func() error) error {
	b.mu.Lock()
	if b.forced {
		if !b.forcedProbeReady {
			b.mu.Unlock()
			return flowerrors.New(flowerrors.CircuitOpen, "circuit breaker "+b.name+" manually open", nil)
		}
		b.forcedProbeReady = false
		b.mu.Unlock()

		err := fn()

		b.mu.Lock()
		b.totalCalls++
		if err == nil {
			b.successes++
			b.lastSuccess = time.Now()
			b.forced = false
		} else if b.isExpected(err) {
			b.totalFailures++
			b.lastFailure = time.Now()
			b.forcedAt = time.Now() // reopen window restarts
		}
		// unexpected errors: probe consumed, forced stays true, window
		// unchanged, propagate without further state change.
		b.mu.Unlock()
		b.mirror()
		return err
	}
	b.mu.Unlock()

	_, err := b.underlying.Execute(func() (any, error) {
		return nil, fn()
	})

	b.mu.Lock()
	b.totalCalls++
	if err == nil {
		b.successes++
		b.lastSuccess = time.Now()
	} else if b.isExpected(err) {
		b.totalFailures++
		b.lastFailure = time.Now()
	}
	b.mu.Unlock()
	b.mirror()

	if err != nil && b.State() == state.CBOpen {
		return flowerrors.New(flowerrors.CircuitOpen, "circuit breaker "+b.name+" open", err)
	}
	return err
}

// State returns the breaker's current visible state. Reading state while
// a manual ForceOpen's recovery window has elapsed lazily promotes the
// visible state to half-open and arms a single probe for the next Call —
// an unusual read-side mutation preserved intentionally (see DESIGN.md).
func (b *Breaker) State() state.CBState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.visibleStateLocked()
}

func (b *Breaker) visibleStateLocked() state.CBState {
	if b.forced {
		if !b.forcedProbeReady && time.Since(b.forcedAt) > b.recoveryTimeout {
			b.forcedProbeReady = true
		}
		if b.forcedProbeReady {
			return state.CBHalfOpen
		}
		return state.CBOpen
	}
	switch b.underlying.State() {
	case gobreaker.StateOpen:
		return state.CBOpen
	case gobreaker.StateHalfOpen:
		return state.CBHalfOpen
	default:
		return state.CBClosed
	}
}

// Status returns the full observability snapshot.
func (b *Breaker) Status() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.visibleStateLocked()
	rate := 0.0
	if b.totalCalls > 0 {
		rate = float64(b.successes) / float64(b.totalCalls)
	}
	sinceFailure := 0.0
	if !b.lastFailure.IsZero() {
		sinceFailure = time.Since(b.lastFailure).Seconds()
	}
	return Stats{
		State:             st,
		Failures:          b.totalFailures,
		LastFailure:       b.lastFailure,
		LastSuccess:       b.lastSuccess,
		TotalCalls:        b.totalCalls,
		Successes:         b.successes,
		TotalFailures:     b.totalFailures,
		SuccessRate:       rate,
		TimeSinceFailureS: sinceFailure,
	}
}

// Reset closes the breaker and clears all failure bookkeeping.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.forced = false
	b.forcedProbeReady = false
	b.underlying = gobreaker.NewCircuitBreaker[any](b.settings)
	b.totalFailures = 0
	b.lastFailure = time.Time{}
	b.mu.Unlock()
	b.mirror()
}

// ForceOpen manually opens the breaker. Per spec section 4.3/9, the
// breaker reports open until a subsequent State/Status call observes the
// recovery window has elapsed, at which point that *read* flips the
// visible state to half-open and arms exactly one probe.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	b.forced = true
	b.forcedAt = time.Now()
	b.forcedProbeReady = false
	b.mu.Unlock()
	b.mirror()
}

func (b *Breaker) mirror() {
	b.mu.Lock()
	fcs, s := b.flowState, b.stage
	st := b.visibleStateLocked()
	b.mu.Unlock()
	if fcs != nil {
		fcs.MirrorBreakerState(s, st)
	}
}
