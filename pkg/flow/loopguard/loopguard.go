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

// Package loopguard implements LoopPreventionSystem (spec section 4.5):
// bounded invocation tracking, the per-method/per-stage counter gates
// that are the primary enforcement mechanism, and a periodic pattern
// detector that runs as a background monitor, not a gate.
package loopguard

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	flowerrors "github.com/flowforge/engine/pkg/flow/errors"
	"github.com/flowforge/engine/pkg/flow/stage"
)

type record struct {
	method string
	stage  stage.Stage
	ts     time.Time
}

// PatternType names the kind of runaway-execution pattern detected.
type PatternType string

const (
	PatternRepetition      PatternType = "repetition"
	PatternCycle           PatternType = "cycle"
	PatternStageOscillation PatternType = "stage_oscillation"
)

// Severity grades a detected Pattern.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Pattern is one finding from a detection pass.
type Pattern struct {
	Type     PatternType
	Severity Severity
	Method   string
	Stage    stage.Stage
	Count    int
}

// Fatal reports whether this pattern must cause the engine to
// force-transition its run to FAILED. Stage oscillation is always fatal
// once detected; any other pattern is fatal only at critical severity.
func (p Pattern) Fatal() bool {
	return p.Type == PatternStageOscillation || p.Severity == SeverityCritical
}

// Config holds the tunable defaults from spec section 4.5.
type Config struct {
	RetentionWindow time.Duration // default 60m
	DetectionWindow time.Duration // default 5m
	PerMethodCap    int           // default 50
	PerStageCap     int           // default 10
	TotalTimeCap    time.Duration // default 30m
	TickInterval    time.Duration // default 30s
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		RetentionWindow: 60 * time.Minute,
		DetectionWindow: 5 * time.Minute,
		PerMethodCap:    50,
		PerStageCap:     10,
		TotalTimeCap:    30 * time.Minute,
		TickInterval:    30 * time.Second,
	}
}

// LoopGuard is the LoopPreventionSystem for a single run.
type LoopGuard struct {
	mu     sync.Mutex
	cfg    Config
	log    logrus.FieldLogger
	records []record
	runStart time.Time

	blockedMethods map[string]bool
	blockedStages  map[stage.Stage]bool

	emergencyStopped bool
	emergencyReason  string

	lastPatterns []Pattern

	cancel context.CancelFunc
}

// New builds a LoopGuard with the given configuration. A zero Config
// value is replaced field-by-field with DefaultConfig's values.
func New(cfg Config, log logrus.FieldLogger) *LoopGuard {
	d := DefaultConfig()
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = d.RetentionWindow
	}
	if cfg.DetectionWindow <= 0 {
		cfg.DetectionWindow = d.DetectionWindow
	}
	if cfg.PerMethodCap <= 0 {
		cfg.PerMethodCap = d.PerMethodCap
	}
	if cfg.PerStageCap <= 0 {
		cfg.PerStageCap = d.PerStageCap
	}
	if cfg.TotalTimeCap <= 0 {
		cfg.TotalTimeCap = d.TotalTimeCap
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = d.TickInterval
	}
	if log == nil {
		l := logrus.New()
		log = l
	}
	return &LoopGuard{
		cfg:            cfg,
		log:            log,
		blockedMethods: map[string]bool{},
		blockedStages:  map[stage.Stage]bool{},
	}
}

// RecordInvocation registers one stage-handler call attempt and enforces
// the counter gates. A non-nil error means the caller must not invoke the
// handler and should treat the run as having hit a loop violation.
func (lg *LoopGuard) RecordInvocation(method string, s stage.Stage) error {
	lg.mu.Lock()
	defer lg.mu.Unlock()

	now := time.Now()

	if lg.emergencyStopped {
		return flowerrors.New(flowerrors.LoopViolation, "emergency stop active: "+lg.emergencyReason, nil)
	}
	if lg.blockedMethods[method] {
		return flowerrors.New(flowerrors.LoopViolation, "method blocked by loop prevention: "+method, nil)
	}
	if lg.blockedStages[s] {
		return flowerrors.New(flowerrors.LoopViolation, "stage blocked by loop prevention: "+s.String(), nil)
	}

	lg.purgeLocked(now)

	if lg.runStart.IsZero() {
		lg.runStart = now
	}
	if now.Sub(lg.runStart) > lg.cfg.TotalTimeCap {
		lg.emergencyStopped = true
		lg.emergencyReason = "total execution time cap exceeded"
		return flowerrors.New(flowerrors.LoopViolation, lg.emergencyReason, nil)
	}

	methodCount := 0
	for _, r := range lg.records {
		if r.method == method {
			methodCount++
		}
	}
	if methodCount+1 > lg.cfg.PerMethodCap {
		lg.blockedMethods[method] = true
		return flowerrors.New(flowerrors.LoopViolation, "per-method invocation cap exceeded: "+method, nil)
	}

	stageCount := 0
	windowStart := now.Add(-lg.cfg.DetectionWindow)
	for _, r := range lg.records {
		if r.stage == s && !r.ts.Before(windowStart) {
			stageCount++
		}
	}
	if stageCount+1 > lg.cfg.PerStageCap {
		lg.blockedStages[s] = true
		return flowerrors.New(flowerrors.LoopViolation, "per-stage invocation cap exceeded: "+s.String(), nil)
	}

	lg.records = append(lg.records, record{method: method, stage: s, ts: now})
	return nil
}

func (lg *LoopGuard) purgeLocked(now time.Time) {
	cutoff := now.Add(-lg.cfg.RetentionWindow)
	i := 0
	for _, r := range lg.records {
		if !r.ts.Before(cutoff) {
			lg.records[i] = r
			i++
		}
	}
	lg.records = lg.records[:i]
}

// DetectPatterns runs one detection pass over the last DetectionWindow of
// records: repetition, A-B-A cycles, and stage oscillation. Fatal
// findings add their subject to the sticky block-list. This is a
// monitor, not the enforcement gate — RecordInvocation's counters are.
func (lg *LoopGuard) DetectPatterns() []Pattern {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	return lg.detectLocked(time.Now())
}

func (lg *LoopGuard) detectLocked(now time.Time) []Pattern {
	windowStart := now.Add(-lg.cfg.DetectionWindow)
	var windowed []record
	for _, r := range lg.records {
		if !r.ts.Before(windowStart) {
			windowed = append(windowed, r)
		}
	}

	var found []Pattern

	methodCounts := map[string]int{}
	for _, r := range windowed {
		methodCounts[r.method]++
	}
	for method, c := range methodCounts {
		if c > lg.cfg.PerMethodCap {
			found = append(found, Pattern{Type: PatternRepetition, Severity: SeverityHigh, Method: method, Count: c})
		} else if c > lg.cfg.PerMethodCap/2 {
			found = append(found, Pattern{Type: PatternRepetition, Severity: SeverityMedium, Method: method, Count: c})
		}
	}

	stageCounts := map[stage.Stage]int{}
	for _, r := range windowed {
		stageCounts[r.stage]++
	}
	for s, c := range stageCounts {
		if c > 2*lg.cfg.PerStageCap {
			found = append(found, Pattern{Type: PatternStageOscillation, Severity: SeverityCritical, Stage: s, Count: c})
		} else if c >= lg.cfg.PerStageCap {
			found = append(found, Pattern{Type: PatternStageOscillation, Severity: SeverityHigh, Stage: s, Count: c})
		}
	}

	for i := 2; i < len(windowed); i++ {
		x, y, x2 := windowed[i-2].method, windowed[i-1].method, windowed[i].method
		if x == x2 && x != y {
			found = append(found, Pattern{Type: PatternCycle, Severity: SeverityMedium, Method: x})
		}
	}

	for _, p := range found {
		if !p.Fatal() {
			continue
		}
		if p.Type == PatternStageOscillation {
			lg.blockedStages[p.Stage] = true
			continue
		}
		if p.Method != "" {
			lg.blockedMethods[p.Method] = true
		}
	}

	lg.lastPatterns = found
	return found
}

// Start launches the periodic detection ticker. Cancel ctx or call Stop
// to end it; there is no hidden background goroutine before Start runs.
func (lg *LoopGuard) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	lg.mu.Lock()
	lg.cancel = cancel
	interval := lg.cfg.TickInterval
	lg.mu.Unlock()

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				patterns := lg.DetectPatterns()
				for _, p := range patterns {
					lg.log.WithFields(logrus.Fields{
						"pattern":  p.Type,
						"severity": p.Severity,
						"stage":    p.Stage,
						"method":   p.Method,
						"count":    p.Count,
					}).Warn("loop prevention pattern detected")
				}
			}
		}
	}()
}

// Stop ends the detection ticker started by Start.
func (lg *LoopGuard) Stop() {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if lg.cancel != nil {
		lg.cancel()
		lg.cancel = nil
	}
}

// EmergencyStop sets the sticky emergency-stop flag. It remains active
// until Reset is called explicitly.
func (lg *LoopGuard) EmergencyStop(reason string) {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	lg.emergencyStopped = true
	lg.emergencyReason = reason
}

// EmergencyStopped reports whether the sticky emergency stop is active.
func (lg *LoopGuard) EmergencyStopped() bool {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	return lg.emergencyStopped
}

// Reset clears emergency-stop, block-lists, and the invocation log.
func (lg *LoopGuard) Reset() {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	lg.emergencyStopped = false
	lg.emergencyReason = ""
	lg.blockedMethods = map[string]bool{}
	lg.blockedStages = map[stage.Stage]bool{}
	lg.records = nil
	lg.runStart = time.Time{}
}
