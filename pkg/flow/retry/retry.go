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

// Package retry implements the exponential-backoff retry policy (spec
// section 4.4), keyed by stage and classified error. The manager never
// sleeps itself; it only computes whether and how long to wait, leaving
// the single suspension point to the engine (spec section 5).
package retry

import (
	"time"

	flowerrors "github.com/flowforge/engine/pkg/flow/errors"
	"github.com/flowforge/engine/pkg/flow/stage"
)

// retryableClasses maps each stage to the set of error classes it accepts
// as retryable, per spec section 4.4.
var retryableClasses = map[stage.Stage]map[flowerrors.Class]bool{
	stage.Research: {
		flowerrors.ClassConnection: true,
		flowerrors.ClassAPI:        true,
	},
	stage.StyleValidation: {
		flowerrors.ClassValidation: true,
	},
	stage.QualityCheck: {
		flowerrors.ClassQuality: true,
	},
	stage.DraftGeneration: {
		flowerrors.ClassContentQuality: true,
		flowerrors.ClassLengthIssues:   true,
	},
}

// Manager computes backoff delays and retry eligibility. It holds no
// per-run mutable state; FlowControlState owns the retry counters.
type Manager struct {
	base   time.Duration
	cap    map[stage.Stage]time.Duration
	anyOK  map[stage.Stage]bool // stages that retry any classified error
}

// Option configures a Manager.
type Option func(*Manager)

// WithCap sets the maximum backoff delay for a stage.
func WithCap(s stage.Stage, d time.Duration) Option {
	return func(m *Manager) { m.cap[s] = d }
}

// WithRetryAny marks a stage as retrying any classified StageFailure
// regardless of class, matching the "unless stage explicitly allows any"
// carve-out in spec section 4.4.
func WithRetryAny(s stage.Stage) Option {
	return func(m *Manager) { m.anyOK[s] = true }
}

// New builds a retry Manager with the given base delay (attempt 0 waits
// base, attempt 1 waits 2*base, and so on).
func New(base time.Duration, opts ...Option) *Manager {
	m := &Manager{
		base:  base,
		cap:   map[stage.Stage]time.Duration{},
		anyOK: map[stage.Stage]bool{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsRetryable reports whether err is a retryable condition for s.
func (m *Manager) IsRetryable(s stage.Stage, err error) bool {
	var fe *flowerrors.FlowError
	if !flowerrors.As(err, &fe) {
		return false
	}
	// A circuit-open rejection is never retried by the retry manager; the
	// breaker itself owns that decision (spec section 4.4).
	if fe.Kind == flowerrors.CircuitOpen {
		return false
	}
	if fe.Kind != flowerrors.StageFailure {
		return false
	}
	if m.anyOK[s] {
		return true
	}
	return retryableClasses[s][fe.Class]
}

// Delay returns the exponential backoff for the given zero-based attempt
// number, capped per stage when a cap is configured.
func (m *Manager) Delay(s stage.Stage, attempt int) time.Duration {
	d := m.base
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	if capD, ok := m.cap[s]; ok && d > capD {
		return capD
	}
	return d
}
