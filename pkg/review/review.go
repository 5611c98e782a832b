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

// Package review implements ReviewGate, the four fixed human-in-the-loop
// decision points (spec section 4.6). A blocking wait over a buffered
// channel and a context timeout is the whole mechanism here; no
// third-party library in the retrieved corpus does this better than
// stdlib select (see DESIGN.md).
package review

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Point names one of the four fixed review gates.
type Point string

const (
	DraftCompletion Point = "draft_completion"
	QualityGate     Point = "quality_gate"
	TopicViability  Point = "topic_viability"
	RoutingOverride Point = "routing_override"
)

// Decision is a human (or timeout-default) decision at a review point.
type Decision struct {
	Value    string
	Feedback string
	TimedOut bool
}

// GateConfig describes one review point's policy.
type GateConfig struct {
	AllowedDecisions []string
	Timeout          time.Duration
	DefaultDecision  string
}

// LogEntry records one completed review for audit purposes.
type LogEntry struct {
	Point     Point
	Decision  Decision
	Requested time.Time
	Decided   time.Time
	TimedOut  bool
}

// Gate blocks stage execution at a review point until a decision arrives
// or the configured timeout elapses.
type Gate struct {
	mu       sync.Mutex
	configs  map[Point]GateConfig
	pending  map[string]chan Decision
	log      logrus.FieldLogger
	history  []LogEntry
	timeoutCount int
}

// New builds a Gate from the given per-point configuration.
func New(configs map[Point]GateConfig, log logrus.FieldLogger) *Gate {
	if log == nil {
		log = logrus.New()
	}
	return &Gate{
		configs: configs,
		pending: map[string]chan Decision{},
		log:     log,
	}
}

// RequestReview blocks until Decide(token, ...) is called for the given
// token or the point's timeout elapses, whichever comes first. On
// timeout it returns the point's configured default decision.
func (g *Gate) RequestReview(ctx context.Context, point Point, token string, content, reviewContext map[string]any) (Decision, error) {
	cfg := g.configs[point]

	ch := make(chan Decision, 1)
	g.mu.Lock()
	g.pending[token] = ch
	g.mu.Unlock()

	requested := time.Now()
	g.log.WithFields(logrus.Fields{"point": point, "token": token}).Info("review requested")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var decision Decision
	select {
	case decision = <-ch:
	case <-timer.C:
		decision = Decision{Value: cfg.DefaultDecision, TimedOut: true}
	case <-ctx.Done():
		decision = Decision{Value: cfg.DefaultDecision, TimedOut: true}
	}

	g.mu.Lock()
	delete(g.pending, token)
	if decision.TimedOut {
		g.timeoutCount++
	}
	g.history = append(g.history, LogEntry{
		Point:     point,
		Decision:  decision,
		Requested: requested,
		Decided:   time.Now(),
		TimedOut:  decision.TimedOut,
	})
	g.mu.Unlock()

	return decision, nil
}

// Decide supplies a human decision for a pending review identified by
// token. It is a no-op if the token is unknown (already timed out, or
// never requested).
func (g *Gate) Decide(token string, decision Decision) bool {
	g.mu.Lock()
	ch, ok := g.pending[token]
	g.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- decision:
		return true
	default:
		return false
	}
}

// TimeoutCount returns how many reviews have resolved via their default
// decision rather than an explicit human decision.
func (g *Gate) TimeoutCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timeoutCount
}

// History returns a copy of the review decision log.
func (g *Gate) History() []LogEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]LogEntry, len(g.history))
	copy(out, g.history)
	return out
}
