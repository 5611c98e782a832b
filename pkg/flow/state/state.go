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

// Package state implements FlowControlState, the authoritative, thread-safe
// aggregate of a single flow run: current stage, history, retry counters,
// per-stage circuit-breaker mirror, and the global kill-switch.
package state

import (
	"sync"
	"time"

	"github.com/google/uuid"

	flowerrors "github.com/flowforge/engine/pkg/flow/errors"
	"github.com/flowforge/engine/pkg/flow/stage"
)

// CBState mirrors the three breaker states into FlowControlState without
// pkg/flow/state depending on pkg/flow/breaker: the breaker writes into
// this field through MirrorBreakerState, never the other way around.
type CBState string

const (
	CBClosed   CBState = "closed"
	CBOpen     CBState = "open"
	CBHalfOpen CBState = "half_open"
)

// StageStatus is the terminal status of one stage invocation.
type StageStatus string

const (
	StatusSuccess StageStatus = "success"
	StatusFailed  StageStatus = "failed"
	StatusTimeout StageStatus = "timeout"
	StatusSkipped StageStatus = "skipped"
)

// StageResult records the outcome of one completed stage invocation.
type StageResult struct {
	Status     StageStatus
	Output     map[string]any
	DurationS  float64
	RetryCount int
	Error      string
	Agent      string
	Timestamp  time.Time
}

// Transition is an immutable, append-only history record.
type Transition struct {
	ID     string
	From   stage.Stage
	To     stage.Stage
	TS     time.Time
	Reason string
}

const (
	defaultHistoryLimit  = 1000
	defaultStageEntryCap = 50
)

var defaultMaxRetries = map[stage.Stage]int{
	stage.InputValidation: 0,
	stage.Research:        1,
	stage.AudienceAlign:   0,
	stage.DraftGeneration: 3,
	stage.StyleValidation: 2,
	stage.QualityCheck:    2,
	stage.Finalized:       0,
	stage.Failed:          0,
}

var defaultStageTimeouts = map[stage.Stage]time.Duration{
	stage.InputValidation: 30 * time.Second,
	stage.Research:        120 * time.Second,
	stage.AudienceAlign:   60 * time.Second,
	stage.DraftGeneration: 180 * time.Second,
	stage.StyleValidation: 90 * time.Second,
	stage.QualityCheck:    90 * time.Second,
	stage.Finalized:       0,
	stage.Failed:          0,
}

// FlowControlState is the per-run aggregate described in spec section 3.
// All mutation happens through its exported methods, each of which holds
// mu for the whole operation; no method calls another locking method
// while mu is held, so a plain sync.Mutex suffices without reentrancy.
type FlowControlState struct {
	mu sync.Mutex

	executionID     string
	currentStage    stage.Stage
	completedStages map[stage.Stage]bool
	startTime       time.Time

	retryCount map[stage.Stage]int
	maxRetries map[stage.Stage]int

	history      []Transition
	historyLimit int

	stageResults map[stage.Stage]StageResult

	perStageCBState      map[stage.Stage]CBState
	perStageFailures     map[stage.Stage]int
	perStageLastFailure  map[stage.Stage]time.Time
	breakerFailThreshold int

	killSwitchActive  bool
	killSwitchReason  string
	killSwitchAt      time.Time

	stageTimeouts map[stage.Stage]time.Duration

	stageEntryCap  int
	stageEntries   map[stage.Stage]int
	consecutive    stage.Stage
	consecutiveCnt int
}

// Option configures a new FlowControlState at construction time.
type Option func(*FlowControlState)

// WithMaxRetries overrides the default per-stage retry budget for one stage.
func WithMaxRetries(s stage.Stage, n int) Option {
	return func(fcs *FlowControlState) { fcs.maxRetries[s] = n }
}

// WithStageTimeout overrides the default timeout for one stage.
func WithStageTimeout(s stage.Stage, d time.Duration) Option {
	return func(fcs *FlowControlState) { fcs.stageTimeouts[s] = d }
}

// WithHistoryLimit overrides the default execution-history bound N.
func WithHistoryLimit(n int) Option {
	return func(fcs *FlowControlState) { fcs.historyLimit = n }
}

// WithExecutionID pins the run's execution ID instead of generating a
// random one, for recovery of a previously checkpointed flow or for
// deterministic tests.
func WithExecutionID(id string) Option {
	return func(fcs *FlowControlState) { fcs.executionID = id }
}

// WithBreakerFailureThreshold overrides the default per-stage breaker
// failure threshold mirrored by UpdateCircuitBreaker.
func WithBreakerFailureThreshold(n int) Option {
	return func(fcs *FlowControlState) { fcs.breakerFailThreshold = n }
}

// New constructs a fresh FlowControlState for a run starting in
// INPUT_VALIDATION, which is the engine's only legal entry stage.
func New(opts ...Option) *FlowControlState {
	fcs := &FlowControlState{
		executionID:          uuid.NewString(),
		currentStage:         stage.InputValidation,
		completedStages:      map[stage.Stage]bool{},
		startTime:            time.Now(),
		retryCount:           map[stage.Stage]int{},
		maxRetries:           cloneRetries(defaultMaxRetries),
		historyLimit:         defaultHistoryLimit,
		stageResults:         map[stage.Stage]StageResult{},
		perStageCBState:      map[stage.Stage]CBState{},
		perStageFailures:     map[stage.Stage]int{},
		perStageLastFailure:  map[stage.Stage]time.Time{},
		breakerFailThreshold: 5,
		stageTimeouts:        cloneTimeouts(defaultStageTimeouts),
		stageEntryCap:        defaultStageEntryCap,
		stageEntries:         map[stage.Stage]int{},
	}
	for _, s := range stage.All {
		fcs.perStageCBState[s] = CBClosed
	}
	for _, opt := range opts {
		opt(fcs)
	}
	return fcs
}

func cloneRetries(m map[stage.Stage]int) map[stage.Stage]int {
	out := make(map[stage.Stage]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTimeouts(m map[stage.Stage]time.Duration) map[stage.Stage]time.Duration {
	out := make(map[stage.Stage]time.Duration, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ExecutionID returns the run's opaque unique identifier.
func (fcs *FlowControlState) ExecutionID() string {
	fcs.mu.Lock()
	defer fcs.mu.Unlock()
	return fcs.executionID
}

// CurrentStage returns the run's current stage.
func (fcs *FlowControlState) CurrentStage() stage.Stage {
	fcs.mu.Lock()
	defer fcs.mu.Unlock()
	return fcs.currentStage
}

// CompletedStages returns a copy of the completed-stage set.
func (fcs *FlowControlState) CompletedStages() map[stage.Stage]bool {
	fcs.mu.Lock()
	defer fcs.mu.Unlock()
	out := make(map[stage.Stage]bool, len(fcs.completedStages))
	for k, v := range fcs.completedStages {
		out[k] = v
	}
	return out
}

// History returns a copy of the execution-history log, oldest first.
func (fcs *FlowControlState) History() []Transition {
	fcs.mu.Lock()
	defer fcs.mu.Unlock()
	out := make([]Transition, len(fcs.history))
	copy(out, fcs.history)
	return out
}

// StageTimeout returns the configured timeout for s.
func (fcs *FlowControlState) StageTimeout(s stage.Stage) time.Duration {
	fcs.mu.Lock()
	defer fcs.mu.Unlock()
	return fcs.stageTimeouts[s]
}

// KillSwitchActive reports whether the global emergency stop is engaged.
func (fcs *FlowControlState) KillSwitchActive() bool {
	fcs.mu.Lock()
	defer fcs.mu.Unlock()
	return fcs.killSwitchActive
}

// ActivateKillSwitch engages the global kill-switch; no further
// transitions are accepted until it is explicitly reset.
func (fcs *FlowControlState) ActivateKillSwitch(reason string) {
	fcs.mu.Lock()
	defer fcs.mu.Unlock()
	fcs.killSwitchActive = true
	fcs.killSwitchReason = reason
	fcs.killSwitchAt = time.Now()
}

// AddTransition validates and records a stage transition. It enforces
// invariants 2, 5 and 6 of spec section 8, plus the per-stage execution
// cap described in section 4.2.
func (fcs *FlowControlState) AddTransition(to stage.Stage, reason string) error {
	fcs.mu.Lock()
	defer fcs.mu.Unlock()

	from := fcs.currentStage

	if fcs.killSwitchActive {
		return flowerrors.New(flowerrors.TransitionRejected, "global kill-switch active: "+fcs.killSwitchReason, nil)
	}
	if stage.IsTerminal(from) && to != stage.Failed {
		return flowerrors.New(flowerrors.TransitionRejected, "cannot leave terminal stage "+from.String(), nil)
	}
	if !stage.CanTransition(from, to) {
		return flowerrors.New(flowerrors.TransitionRejected, "illegal transition "+from.String()+" -> "+to.String(), nil)
	}

	if to == from {
		fcs.consecutiveCnt++
	} else {
		fcs.consecutive = to
		fcs.consecutiveCnt = 1
	}
	if to == from && fcs.consecutiveCnt-1 > fcs.maxRetries[to] {
		return flowerrors.New(flowerrors.TransitionRejected, "per-stage consecutive execution cap exceeded for "+to.String(), nil)
	}

	fcs.stageEntries[to]++
	if fcs.stageEntries[to] > fcs.stageEntryCap {
		return flowerrors.New(flowerrors.TransitionRejected, "per-stage total execution cap exceeded for "+to.String(), nil)
	}

	fcs.history = append(fcs.history, Transition{
		ID:     uuid.NewString(),
		From:   from,
		To:     to,
		TS:     time.Now(),
		Reason: reason,
	})
	if len(fcs.history) > fcs.historyLimit {
		half := fcs.historyLimit / 2
		fcs.history = append([]Transition{}, fcs.history[len(fcs.history)-half:]...)
	}

	fcs.currentStage = to
	return nil
}

// ForceTransitionToFailed always succeeds, bypassing the terminal and
// kill-switch guards; used for emergency stops and unrecoverable errors.
func (fcs *FlowControlState) ForceTransitionToFailed(reason string) {
	fcs.mu.Lock()
	defer fcs.mu.Unlock()
	from := fcs.currentStage
	fcs.history = append(fcs.history, Transition{
		ID:     uuid.NewString(),
		From:   from,
		To:     stage.Failed,
		TS:     time.Now(),
		Reason: reason,
	})
	if len(fcs.history) > fcs.historyLimit {
		half := fcs.historyLimit / 2
		fcs.history = append([]Transition{}, fcs.history[len(fcs.history)-half:]...)
	}
	fcs.currentStage = stage.Failed
}

// MarkStageComplete records the result of a finished stage invocation and
// adds the stage to the completed set on success.
func (fcs *FlowControlState) MarkStageComplete(s stage.Stage, result StageResult) {
	fcs.mu.Lock()
	defer fcs.mu.Unlock()
	fcs.stageResults[s] = result
	if result.Status == StatusSuccess {
		fcs.completedStages[s] = true
	}
}

// StageResultFor returns the recorded result for s, if any.
func (fcs *FlowControlState) StageResultFor(s stage.Stage) (StageResult, bool) {
	fcs.mu.Lock()
	defer fcs.mu.Unlock()
	r, ok := fcs.stageResults[s]
	return r, ok
}

// IncrementRetry bumps the retry counter for s and returns its new value.
func (fcs *FlowControlState) IncrementRetry(s stage.Stage) int {
	fcs.mu.Lock()
	defer fcs.mu.Unlock()
	fcs.retryCount[s]++
	return fcs.retryCount[s]
}

// RetryCount returns the current retry counter for s.
func (fcs *FlowControlState) RetryCount(s stage.Stage) int {
	fcs.mu.Lock()
	defer fcs.mu.Unlock()
	return fcs.retryCount[s]
}

// CanRetry reports whether s has retry budget remaining.
func (fcs *FlowControlState) CanRetry(s stage.Stage) bool {
	fcs.mu.Lock()
	defer fcs.mu.Unlock()
	return fcs.retryCount[s] < fcs.maxRetries[s]
}

// MaxRetries returns the configured retry budget for s.
func (fcs *FlowControlState) MaxRetries(s stage.Stage) int {
	fcs.mu.Lock()
	defer fcs.mu.Unlock()
	return fcs.maxRetries[s]
}

// MirrorBreakerState is called by pkg/flow/breaker to reflect a breaker's
// observed state into this run's per-stage fields, per spec section 4.3.
// State flows one way, breaker to state; state never calls back.
func (fcs *FlowControlState) MirrorBreakerState(s stage.Stage, cb CBState) {
	fcs.mu.Lock()
	defer fcs.mu.Unlock()
	fcs.perStageCBState[s] = cb
}

// CBStateFor returns the last-mirrored breaker state for s.
func (fcs *FlowControlState) CBStateFor(s stage.Stage) CBState {
	fcs.mu.Lock()
	defer fcs.mu.Unlock()
	return fcs.perStageCBState[s]
}

// UpdateCircuitBreaker records a call outcome for s's breaker bookkeeping.
// On success it resets the failure counter and closes the mirrored state;
// on failure it increments the counter, stamps the last-failure time, and
// opens the mirrored state once the threshold is reached.
func (fcs *FlowControlState) UpdateCircuitBreaker(s stage.Stage, success bool) {
	fcs.mu.Lock()
	defer fcs.mu.Unlock()
	if success {
		fcs.perStageFailures[s] = 0
		fcs.perStageCBState[s] = CBClosed
		return
	}
	fcs.perStageFailures[s]++
	fcs.perStageLastFailure[s] = time.Now()
	if fcs.perStageFailures[s] >= fcs.breakerFailThreshold {
		fcs.perStageCBState[s] = CBOpen
	}
}

// ShouldAttemptCircuitRecovery reports whether s's breaker has been open
// long enough that a half-open probe should be attempted.
func (fcs *FlowControlState) ShouldAttemptCircuitRecovery(s stage.Stage, recoveryWindow time.Duration) bool {
	fcs.mu.Lock()
	defer fcs.mu.Unlock()
	if fcs.perStageCBState[s] != CBOpen {
		return false
	}
	last, ok := fcs.perStageLastFailure[s]
	if !ok {
		return true
	}
	return time.Since(last) > recoveryWindow
}

// Snapshot is the stable, copy-only view of FlowControlState used for
// checkpointing and legacy-compatible serialization (spec section 4.2).
type Snapshot struct {
	ExecutionID         string
	CurrentStage        stage.Stage
	CompletedStages     []stage.Stage
	StartTime           time.Time
	RetryCount          map[stage.Stage]int
	MaxRetries          map[stage.Stage]int
	ExecutionHistory    []Transition
	StageResults        map[stage.Stage]StageResult
	PerStageCBState     map[stage.Stage]CBState
	KillSwitchActive    bool
	KillSwitchReason    string
}

// Snapshot returns an immutable, fully-copied view suitable for
// persistence or cross-goroutine inspection.
func (fcs *FlowControlState) Snapshot() Snapshot {
	fcs.mu.Lock()
	defer fcs.mu.Unlock()

	completed := make([]stage.Stage, 0, len(fcs.completedStages))
	for s := range fcs.completedStages {
		completed = append(completed, s)
	}
	history := make([]Transition, len(fcs.history))
	copy(history, fcs.history)
	results := make(map[stage.Stage]StageResult, len(fcs.stageResults))
	for k, v := range fcs.stageResults {
		results[k] = v
	}
	return Snapshot{
		ExecutionID:      fcs.executionID,
		CurrentStage:     fcs.currentStage,
		CompletedStages:  completed,
		StartTime:        fcs.startTime,
		RetryCount:       cloneRetries(fcs.retryCount),
		MaxRetries:       cloneRetries(fcs.maxRetries),
		ExecutionHistory: history,
		StageResults:     results,
		PerStageCBState:  clonePerStageCB(fcs.perStageCBState),
		KillSwitchActive: fcs.killSwitchActive,
		KillSwitchReason: fcs.killSwitchReason,
	}
}

func clonePerStageCB(m map[stage.Stage]CBState) map[stage.Stage]CBState {
	out := make(map[stage.Stage]CBState, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Restore rebuilds a FlowControlState from a previously taken Snapshot,
// used by pkg/persistence to recover a run. The result is a fresh,
// independently-lockable state whose observable fields equal the
// snapshot's, satisfying the checkpoint/recover round-trip law.
func Restore(snap Snapshot) *FlowControlState {
	fcs := New()
	fcs.executionID = snap.ExecutionID
	fcs.currentStage = snap.CurrentStage
	fcs.startTime = snap.StartTime
	fcs.completedStages = map[stage.Stage]bool{}
	for _, s := range snap.CompletedStages {
		fcs.completedStages[s] = true
	}
	fcs.retryCount = cloneRetries(snap.RetryCount)
	if snap.MaxRetries != nil {
		fcs.maxRetries = cloneRetries(snap.MaxRetries)
	}
	fcs.history = append([]Transition{}, snap.ExecutionHistory...)
	fcs.stageResults = map[stage.Stage]StageResult{}
	for k, v := range snap.StageResults {
		fcs.stageResults[k] = v
	}
	if snap.PerStageCBState != nil {
		fcs.perStageCBState = clonePerStageCB(snap.PerStageCBState)
	}
	fcs.killSwitchActive = snap.KillSwitchActive
	fcs.killSwitchReason = snap.KillSwitchReason
	return fcs
}
