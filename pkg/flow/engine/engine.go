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

// Package engine implements StageManager and the linear execution chain
// (spec section 4.6): the fixed, declarative sequence of stage handlers
// that drives one flow run from INPUT_VALIDATION to a terminal stage,
// consulting the circuit breaker, retry manager, and loop guard at every
// step and emitting events and checkpoints along the way.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flowforge/engine/internal/config"
	"github.com/flowforge/engine/pkg/flow/breaker"
	flowerrors "github.com/flowforge/engine/pkg/flow/errors"
	"github.com/flowforge/engine/pkg/flow/events"
	"github.com/flowforge/engine/pkg/flow/loopguard"
	"github.com/flowforge/engine/pkg/flow/retry"
	"github.com/flowforge/engine/pkg/flow/stage"
	"github.com/flowforge/engine/pkg/flow/state"
	"github.com/flowforge/engine/pkg/metrics"
	"github.com/flowforge/engine/pkg/persistence"
	"github.com/flowforge/engine/pkg/review"
)

// Handler runs one stage's business logic. attempt is zero on the first
// try and increments on each retry of the same stage.
type Handler func(ctx context.Context, input map[string]any, attempt int) (map[string]any, error)

// Input is the caller-supplied content-generation request (spec section
// 3's FlowInput).
type Input struct {
	Topic        string
	Platform     string
	Ownership    string
	SkipResearch bool
	ExecutionID  string // optional: pins the run's ID, e.g. for recovery
	Extra        map[string]any
}

func (in Input) asMap() map[string]any {
	out := map[string]any{
		"topic": in.Topic, "platform": in.Platform, "ownership": in.Ownership, "skip_research": in.SkipResearch,
	}
	for k, v := range in.Extra {
		out[k] = v
	}
	return out
}

// Engine wires C1-C5 into the StageManager execution chain and drives a
// single flow run to completion.
type Engine struct {
	mu sync.Mutex

	log      logrus.FieldLogger
	cfg      *config.FlowConfig
	handlers map[stage.Stage]Handler
	breakers map[stage.Stage]*breaker.Breaker
	retry    *retry.Manager
	loop     *loopguard.LoopGuard
	review   *review.Gate
	bus      *events.Bus
	metrics  *metrics.Collector
	store    persistence.Store
	strict   bool

	loopViolations int
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithMetrics attaches a KPI collector; every stage completion and flow
// completion is recorded into it.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithStore attaches a checkpoint store; every transition and terminal
// outcome is persisted through it.
func WithStore(s persistence.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithStrictMode disables synthetic fallbacks: an open breaker with no
// retry budget forces the run to FAILED instead of degrading.
func WithStrictMode() Option {
	return func(e *Engine) { e.strict = true }
}

// WithEventHandler subscribes h to every event the engine emits.
func WithEventHandler(h events.Handler) Option {
	return func(e *Engine) { e.bus.Subscribe(h) }
}

// New builds an Engine from the given configuration and per-stage
// handlers. Every non-terminal stage must have a handler registered.
func New(cfg *config.FlowConfig, handlers map[stage.Stage]Handler, log logrus.FieldLogger, opts ...Option) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logrus.New()
	}

	if handlers == nil {
		handlers = map[stage.Stage]Handler{}
	}
	if _, ok := handlers[stage.InputValidation]; !ok {
		handlers[stage.InputValidation] = NewInputValidationHandler()
	}

	e := &Engine{
		log:      log,
		cfg:      cfg,
		handlers: handlers,
		breakers: map[stage.Stage]*breaker.Breaker{},
		bus:      events.NewBus(),
	}

	e.retry = retry.New(2*time.Second,
		retry.WithCap(stage.Research, 30*time.Second),
		retry.WithCap(stage.DraftGeneration, 30*time.Second),
		retry.WithCap(stage.StyleValidation, 20*time.Second),
		retry.WithCap(stage.QualityCheck, 20*time.Second),
	)

	lgCfg := loopguard.Config{
		RetentionWindow: time.Duration(cfg.LoopGuard.RetentionMinutes) * time.Minute,
		DetectionWindow: time.Duration(cfg.LoopGuard.DetectionMinutes) * time.Minute,
		PerMethodCap:    cfg.LoopGuard.PerMethodCap,
		PerStageCap:     cfg.LoopGuard.PerStageCap,
		TotalTimeCap:    time.Duration(cfg.LoopGuard.TotalTimeMinutes) * time.Minute,
		TickInterval:    time.Duration(cfg.LoopGuard.TickSeconds) * time.Second,
	}
	e.loop = loopguard.New(lgCfg, log)

	gateConfigs := map[review.Point]review.GateConfig{}
	for name, rg := range cfg.ReviewGates {
		gateConfigs[review.Point(name)] = review.GateConfig{
			AllowedDecisions: rg.AllowedDecisions, Timeout: rg.Timeout(), DefaultDecision: rg.DefaultDecision,
		}
	}
	e.review = review.New(gateConfigs, log)

	for _, s := range []stage.Stage{
		stage.InputValidation, stage.Research, stage.AudienceAlign,
		stage.DraftGeneration, stage.StyleValidation, stage.QualityCheck,
	} {
		sc := cfg.Stages[s.String()]
		threshold := sc.BreakerFailThreshold
		if threshold <= 0 {
			threshold = 5
		}
		recovery := sc.RecoveryWindow()
		if recovery <= 0 {
			recovery = 5 * time.Minute
		}
		e.breakers[s] = breaker.New(s.String(), uint32(threshold), recovery, isExpectedStageFailure)
	}

	for _, opt := range opts {
		opt(e)
	}
	return e
}

func isExpectedStageFailure(err error) bool {
	var fe *flowerrors.FlowError
	if !flowerrors.As(err, &fe) {
		return true
	}
	return fe.Kind == flowerrors.StageFailure || fe.Kind == flowerrors.TimeoutFailure
}

// ReviewGate exposes the gate so a caller supervising a run can submit
// human decisions via Decide(ReviewToken(executionID, point), ...).
func (e *Engine) ReviewGate() *review.Gate { return e.review }

// ReviewToken computes the deterministic token a given run's review
// request is registered under for a given point.
func ReviewToken(executionID string, point review.Point) string {
	return executionID + ":" + string(point)
}

// LoopViolations returns the count of force-FAILED runs caused by the
// loop prevention system, matching spec section 8's
// execution_guards.loop_violation counter.
func (e *Engine) LoopViolations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loopViolations
}

// Events returns the engine's event bus for subscription after
// construction.
func (e *Engine) Events() *events.Bus { return e.bus }

// Run drives one flow from INPUT_VALIDATION to a terminal stage.
func (e *Engine) Run(ctx context.Context, input Input) (*state.FlowControlState, error) {
	stateOpts := []state.Option{state.WithHistoryLimit(e.cfg.HistoryLimit)}
	if input.ExecutionID != "" {
		stateOpts = append(stateOpts, state.WithExecutionID(input.ExecutionID))
	}
	for name, sc := range e.cfg.Stages {
		s, ok := stage.ByName(name)
		if !ok {
			continue
		}
		stateOpts = append(stateOpts, state.WithMaxRetries(s, sc.MaxRetries), state.WithStageTimeout(s, sc.Timeout()))
	}
	fcs := state.New(stateOpts...)
	for s, b := range e.breakers {
		b.Attach(fcs, s)
	}
	e.loop.Start(ctx)
	defer e.loop.Stop()

	runStart := time.Now()
	e.bus.Emit(events.Event{Type: events.FlowStarted, ExecutionID: fcs.ExecutionID(), Stage: fcs.CurrentStage()})

	in := input.asMap()

	for {
		cur := fcs.CurrentStage()
		if stage.IsTerminal(cur) {
			break
		}

		outcome, err := e.runStage(ctx, fcs, cur, in)
		if err != nil {
			e.handleLoopOrFatal(fcs, err)
			break
		}

		next, reason := e.routeAfter(ctx, fcs, cur, input, outcome)
		if transErr := fcs.AddTransition(next, reason); transErr != nil {
			e.log.WithError(transErr).WithField("execution_id", fcs.ExecutionID()).Error("transition rejected, forcing failure")
			fcs.ForceTransitionToFailed("transition rejected: " + transErr.Error())
		}
		e.bus.Emit(events.Event{Type: events.TransitionRecorded, ExecutionID: fcs.ExecutionID(), Stage: next, Status: reason})

		if e.store != nil {
			if serr := e.store.SaveCheckpoint(ctx, fcs.ExecutionID(), fcs.Snapshot()); serr != nil {
				e.log.WithError(flowerrors.New(flowerrors.PersistenceError, "checkpoint save failed", serr)).
					WithField("execution_id", fcs.ExecutionID()).Warn("checkpoint not persisted, run continues")
			}
		}
	}

	e.finish(ctx, fcs, runStart)
	return fcs, nil
}

func (e *Engine) finish(ctx context.Context, fcs *state.FlowControlState, runStart time.Time) {
	final := fcs.CurrentStage()
	durationS := time.Since(runStart).Seconds()

	if e.metrics != nil {
		status := "success"
		if final == stage.Failed {
			status = "failed"
		}
		e.metrics.Record(metrics.KPIExecutionTime, durationS, "", fcs.ExecutionID(), map[string]any{"status": status, "scope": "flow"})
	}

	if final == stage.Finalized {
		e.bus.Emit(events.Event{Type: events.FlowCompleted, ExecutionID: fcs.ExecutionID(), Stage: final})
		if e.store != nil {
			if serr := e.store.SaveCompleted(ctx, fcs.ExecutionID(), fcs.Snapshot()); serr != nil {
				e.log.WithError(flowerrors.New(flowerrors.PersistenceError, "completed-run save failed", serr)).
					WithField("execution_id", fcs.ExecutionID()).Warn("completion not persisted")
			}
		}
		return
	}

	reason := "unspecified"
	if hist := fcs.History(); len(hist) > 0 {
		reason = hist[len(hist)-1].Reason
	}
	e.bus.Emit(events.Event{Type: events.FlowFailed, ExecutionID: fcs.ExecutionID(), Stage: final, Status: reason})
	if e.store != nil {
		if serr := e.store.SaveFailed(ctx, fcs.ExecutionID(), fcs.Snapshot(), reason); serr != nil {
			e.log.WithError(flowerrors.New(flowerrors.PersistenceError, "failed-run save failed", serr)).
				WithField("execution_id", fcs.ExecutionID()).Warn("failure not persisted")
		}
	}
}

func (e *Engine) handleLoopOrFatal(fcs *state.FlowControlState, err error) {
	var fe *flowerrors.FlowError
	reason := err.Error()
	if flowerrors.As(err, &fe) && fe.Kind == flowerrors.LoopViolation {
		e.mu.Lock()
		e.loopViolations++
		e.mu.Unlock()
	}
	fcs.ForceTransitionToFailed(reason)
}

// runStage executes one stage invocation end to end: loop-guard gate,
// breaker/fallback dispatch, timeout enforcement, and in-place retries.
// It returns the stage's output on success, or an error that the caller
// must treat as fatal (loop violation or exhausted, unfallbacked failure).
func (e *Engine) runStage(ctx context.Context, fcs *state.FlowControlState, cur stage.Stage, input map[string]any) (map[string]any, error) {
	method := "stage:" + cur.String()

	for attempt := 0; ; attempt++ {
		if err := e.loop.RecordInvocation(method, cur); err != nil {
			return nil, err
		}

		e.bus.Emit(events.Event{Type: events.StageStarted, ExecutionID: fcs.ExecutionID(), Stage: cur, Detail: map[string]any{"attempt": attempt}})
		start := time.Now()

		cb := e.breakers[cur]
		prevCBState := cb.State()

		var output map[string]any
		var callErr error

		if prevCBState == state.CBOpen {
			fb, ok := fallbackOutput(cur)
			if ok && !e.strict {
				output = fb
			} else {
				callErr = breaker.ErrCircuitOpen
			}
		} else {
			timeout := fcs.StageTimeout(cur)
			var cancel context.CancelFunc
			stageCtx := ctx
			if timeout > 0 {
				stageCtx, cancel = context.WithTimeout(ctx, timeout)
			}
			handler := e.handlers[cur]
			callErr = cb.Call(func() error {
				out, herr := handler(stageCtx, input, attempt)
				output = out
				return herr
			})
			if cancel != nil {
				cancel()
			}
			if stageCtx.Err() == context.DeadlineExceeded {
				callErr = flowerrors.New(flowerrors.TimeoutFailure, "stage "+cur.String()+" timed out", callErr)
			}
		}

		newCBState := cb.State()
		if prevCBState != state.CBOpen && newCBState == state.CBOpen {
			e.bus.Emit(events.Event{Type: events.CircuitOpened, ExecutionID: fcs.ExecutionID(), Stage: cur})
		} else if prevCBState == state.CBOpen && newCBState == state.CBClosed {
			e.bus.Emit(events.Event{Type: events.CircuitClosed, ExecutionID: fcs.ExecutionID(), Stage: cur})
		}

		durationS := time.Since(start).Seconds()

		if callErr == nil {
			fcs.MarkStageComplete(cur, state.StageResult{
				Status: state.StatusSuccess, Output: output, DurationS: durationS, RetryCount: attempt,
			})
			if e.metrics != nil {
				e.metrics.Record(metrics.KPIExecutionTime, durationS, cur.String(), fcs.ExecutionID(), map[string]any{"status": "success"})
			}
			e.bus.Emit(events.Event{Type: events.StageCompleted, ExecutionID: fcs.ExecutionID(), Stage: cur, Status: "success"})
			return output, nil
		}

		var fe *flowerrors.FlowError
		isTimeout := flowerrors.As(callErr, &fe) && fe.Kind == flowerrors.TimeoutFailure

		status := state.StatusFailed
		if isTimeout {
			status = state.StatusTimeout
		}
		if e.metrics != nil {
			e.metrics.Record(metrics.KPIExecutionTime, durationS, cur.String(), fcs.ExecutionID(), map[string]any{"status": "failed"})
		}
		e.bus.Emit(events.Event{Type: events.StageCompleted, ExecutionID: fcs.ExecutionID(), Stage: cur, Status: string(status), Detail: map[string]any{"error": callErr.Error()}})

		retryable := e.retry.IsRetryable(cur, callErr)
		if ShouldRetryStage(fcs.CanRetry(cur), retryable) {
			fcs.IncrementRetry(cur)
			if transErr := fcs.AddTransition(cur, "retry after "+string(classOf(callErr))); transErr != nil {
				return nil, transErr
			}
			delay := e.retry.Delay(cur, attempt)
			e.bus.Emit(events.Event{Type: events.RetryScheduled, ExecutionID: fcs.ExecutionID(), Stage: cur, Detail: map[string]any{"delay_ms": delay.Milliseconds()}})
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			fcs.MarkStageComplete(cur, state.StageResult{Status: status, DurationS: durationS, RetryCount: attempt, Error: callErr.Error()})
			continue
		}

		fcs.MarkStageComplete(cur, state.StageResult{Status: status, DurationS: durationS, RetryCount: attempt, Error: callErr.Error()})

		// ValidationFailure never falls back or asks a human to override it:
		// a rejected input fails the run outright.
		if flowerrors.As(callErr, &fe) && fe.Kind == flowerrors.ValidationFailure {
			return nil, callErr
		}

		if fb, ok := fallbackOutput(cur); ok && !e.strict {
			return fb, nil
		}

		decision, derr := e.review.RequestReview(ctx, review.RoutingOverride, ReviewToken(fcs.ExecutionID(), review.RoutingOverride), nil, map[string]any{"stage": cur.String(), "error": callErr.Error()})
		// An unanswered review (its timeout's default decision fired, not a
		// human) never overrides an unrecoverable failure: only an explicit,
		// human-supplied decision routes around it. Defaulting a silent
		// timeout to "continue" would mask the failure as success.
		if derr == nil && !decision.TimedOut {
			e.bus.Emit(events.Event{Type: events.ReviewDecided, ExecutionID: fcs.ExecutionID(), Stage: cur, Status: decision.Value})
			switch decision.Value {
			case "continue":
				return map[string]any{"overridden": true}, nil
			case "research":
				_ = fcs.AddTransition(stage.Research, "routing override: research")
				return e.runStage(ctx, fcs, stage.Research, input)
			case "draft":
				_ = fcs.AddTransition(stage.DraftGeneration, "routing override: draft")
				return e.runStage(ctx, fcs, stage.DraftGeneration, input)
			}
		}

		return nil, flowerrors.New(flowerrors.StageFailure, "stage "+cur.String()+" exhausted with no fallback", callErr)
	}
}

func (e *Engine) routeAfter(ctx context.Context, fcs *state.FlowControlState, cur stage.Stage, input Input, output map[string]any) (stage.Stage, string) {
	switch cur {
	case stage.InputValidation:
		token := ReviewToken(fcs.ExecutionID(), review.TopicViability)
		e.bus.Emit(events.Event{Type: events.ReviewRequested, ExecutionID: fcs.ExecutionID(), Stage: cur, Status: string(review.TopicViability)})
		decision, _ := e.review.RequestReview(ctx, review.TopicViability, token, output, map[string]any{"topic": input.Topic})
		e.bus.Emit(events.Event{Type: events.ReviewDecided, ExecutionID: fcs.ExecutionID(), Stage: cur, Status: decision.Value})
		if decision.Value == "reject" {
			return stage.Failed, "topic rejected at viability gate"
		}
		if ShouldConductResearch(input.Ownership, input.SkipResearch) {
			return stage.Research, "external or non-original content requires research"
		}
		return stage.AudienceAlign, "original content, research skipped"

	case stage.Research:
		return stage.AudienceAlign, "research complete"

	case stage.AudienceAlign:
		return stage.DraftGeneration, "audience alignment complete"

	case stage.DraftGeneration:
		token := ReviewToken(fcs.ExecutionID(), review.DraftCompletion)
		e.bus.Emit(events.Event{Type: events.ReviewRequested, ExecutionID: fcs.ExecutionID(), Stage: cur, Status: string(review.DraftCompletion)})
		decision, _ := e.review.RequestReview(ctx, review.DraftCompletion, token, output, map[string]any{"ownership": input.Ownership})
		e.bus.Emit(events.Event{Type: events.ReviewDecided, ExecutionID: fcs.ExecutionID(), Stage: cur, Status: decision.Value})
		return NextAfterFeedback(decision.Value, input.Ownership), "draft review: " + decision.Value

	case stage.StyleValidation:
		if feedback, _ := output["feedback"].(string); feedback == "major" {
			return stage.DraftGeneration, "style validation requested major revision"
		}
		return stage.QualityCheck, "style validation passed"

	case stage.QualityCheck:
		token := ReviewToken(fcs.ExecutionID(), review.QualityGate)
		e.bus.Emit(events.Event{Type: events.ReviewRequested, ExecutionID: fcs.ExecutionID(), Stage: cur, Status: string(review.QualityGate)})
		decision, _ := e.review.RequestReview(ctx, review.QualityGate, token, output, map[string]any{"ownership": input.Ownership})
		e.bus.Emit(events.Event{Type: events.ReviewDecided, ExecutionID: fcs.ExecutionID(), Stage: cur, Status: decision.Value})
		if decision.Value == "reject" {
			return NextAfterFeedback("pivot", input.Ownership), "quality gate rejected, pivoting"
		}
		return stage.Finalized, "quality gate approved"

	default:
		return stage.Failed, fmt.Sprintf("no routing rule for stage %s", cur)
	}
}
