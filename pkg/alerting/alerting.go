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

// Package alerting implements AlertManager: rule evaluation over KPI
// snapshots, escalation with cooldown, metadata-scoped filtering via
// gojq, and fan-out dispatch to notification channels through a bounded
// errgroup worker pool.
package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itchyny/gojq"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	flowerrors "github.com/flowforge/engine/pkg/flow/errors"
	"github.com/flowforge/engine/pkg/metrics"
)

// Severity is an alert's escalation level.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	if s == SeverityCritical {
		return 1
	}
	return 0
}

// Comparator is the operator a Rule's threshold check applies.
type Comparator string

const (
	GreaterThan Comparator = "gt"
	LessThan    Comparator = "lt"
)

// Rule evaluates one KPI against a threshold, optionally scoped by a gojq
// filter expression over sample metadata.
type Rule struct {
	Name                string
	KPI                 metrics.KPI
	Comparator          Comparator
	Threshold           float64
	Severity            Severity
	Cooldown            time.Duration
	EscalationThreshold int
	AutoResolve         bool
	MetaFilter          string // gojq expression; "" matches everything
	compiled            *gojq.Code
}

// Compile parses the rule's gojq MetaFilter once for reuse, and fills in
// the documented defaults (cooldown 15m, escalation threshold 3) for
// zero-valued fields. AutoResolve is left as given.
func (r *Rule) Compile() error {
	if r.Cooldown == 0 {
		r.Cooldown = 15 * time.Minute
	}
	if r.EscalationThreshold == 0 {
		r.EscalationThreshold = 3
	}
	if r.MetaFilter == "" {
		return nil
	}
	q, err := gojq.Parse(r.MetaFilter)
	if err != nil {
		return fmt.Errorf("alerting: rule %q: parse filter: %w", r.Name, err)
	}
	code, err := gojq.Compile(q)
	if err != nil {
		return fmt.Errorf("alerting: rule %q: compile filter: %w", r.Name, err)
	}
	r.compiled = code
	return nil
}

func (r *Rule) matches(meta map[string]any) bool {
	if r.compiled == nil {
		return true
	}
	iter := r.compiled.Run(toJQInput(meta))
	v, ok := iter.Next()
	if !ok {
		return false
	}
	if err, isErr := v.(error); isErr {
		_ = err
		return false
	}
	truthy, _ := v.(bool)
	return truthy
}

func toJQInput(meta map[string]any) map[string]any {
	if meta == nil {
		return map[string]any{}
	}
	return meta
}

func (r *Rule) trips(value float64) bool {
	switch r.Comparator {
	case LessThan:
		return value < r.Threshold
	default:
		return value > r.Threshold
	}
}

// Alert is one firing instance of a Rule.
type Alert struct {
	ID              string
	Rule            string
	Severity        Severity
	Value           float64
	Threshold       float64
	FiredAt         time.Time
	ResolvedAt      time.Time
	Metadata        map[string]any
	EscalationCount int
	Escalated       bool
}

// Resolved reports whether the alert has auto-resolved.
func (a Alert) Resolved() bool { return !a.ResolvedAt.IsZero() }

// Channel delivers a fired Alert to an external system.
type Channel interface {
	Notify(ctx context.Context, a Alert) error
}

// ConsoleChannel logs alerts via logrus; used as the always-on default
// channel and in tests.
type ConsoleChannel struct {
	Log logrus.FieldLogger
}

func (c ConsoleChannel) Notify(_ context.Context, a Alert) error {
	c.Log.WithFields(logrus.Fields{
		"rule": a.Rule, "severity": a.Severity, "value": a.Value, "threshold": a.Threshold,
	}).Warn("alert fired")
	return nil
}

// Manager evaluates rules against KPI snapshots and dispatches fired
// alerts to channels without blocking the evaluation loop.
type Manager struct {
	mu           sync.Mutex
	rules        []*Rule
	channels     []Channel
	log          logrus.FieldLogger
	active       map[string]*Alert
	lastFired    map[string]time.Time
	history      []Alert
	dispatchPool int
}

// Option configures a Manager.
type Option func(*Manager)

// WithDispatchConcurrency bounds the errgroup worker pool used to notify
// channels. Default 4.
func WithDispatchConcurrency(n int) Option {
	return func(m *Manager) { m.dispatchPool = n }
}

// New builds a Manager from compiled rules and notification channels.
func New(rules []*Rule, channels []Channel, log logrus.FieldLogger, opts ...Option) (*Manager, error) {
	if log == nil {
		log = logrus.New()
	}
	for _, r := range rules {
		if err := r.Compile(); err != nil {
			return nil, err
		}
	}
	m := &Manager{
		rules:        rules,
		channels:     channels,
		log:          log,
		active:       map[string]*Alert{},
		lastFired:    map[string]time.Time{},
		dispatchPool: 4,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Evaluate checks every rule against the given snapshot and sample
// metadata, firing and dispatching alerts that trip and are past their
// cooldown. Returns the alerts newly fired on this call.
func (m *Manager) Evaluate(ctx context.Context, snap metrics.Snapshot, meta map[string]any) []Alert {
	value := func(r *Rule) float64 {
		switch r.KPI {
		case metrics.KPICPU:
			return snap.CPU
		case metrics.KPIMemory:
			return snap.MemoryMB
		case metrics.KPIExecutionTime:
			return snap.AvgExecutionTimeS
		case metrics.KPISuccessRate:
			return snap.SuccessRate
		case metrics.KPICompletionRate:
			return snap.CompletionRate
		case metrics.KPIRetryRate:
			return snap.RetryRate
		case metrics.KPIThroughput:
			return snap.ThroughputPerSec
		case metrics.KPIErrorRate:
			return snap.ErrorRate
		case metrics.KPIQueueSize:
			return snap.QueueSize
		case metrics.KPIFlowEfficiency:
			return snap.FlowEfficiency
		case metrics.KPIResourceEfficiency:
			return snap.ResourceEfficiency
		default:
			return 0
		}
	}

	var fired []Alert
	m.mu.Lock()
	now := time.Now()
	for _, r := range m.rules {
		if !r.matches(meta) {
			continue
		}
		v := value(r)
		if !r.trips(v) {
			if a, ok := m.active[r.Name]; ok {
				a.ResolvedAt = now
				delete(m.active, r.Name)
			}
			continue
		}

		existing, alreadyActive := m.active[r.Name]
		inCooldown := false
		if last, ok := m.lastFired[r.Name]; ok {
			inCooldown = now.Sub(last) < r.Cooldown
		}

		// Repeated breaches bump escalation_count even inside cooldown;
		// only the dispatched value/timestamp update is suppressed.
		if alreadyActive {
			existing.EscalationCount++
			if existing.EscalationCount >= r.EscalationThreshold {
				existing.Escalated = true
				existing.Severity = SeverityCritical
			}
			if inCooldown {
				continue
			}
			existing.Value = v
			existing.FiredAt = now
			m.lastFired[r.Name] = now
			snapshot := *existing
			m.history = append(m.history, snapshot)
			fired = append(fired, snapshot)
			continue
		}

		a := Alert{
			ID:              fmt.Sprintf("%s-%d", r.Name, now.UnixNano()),
			Rule:            r.Name,
			Severity:        r.Severity,
			Value:           v,
			Threshold:       r.Threshold,
			FiredAt:         now,
			Metadata:        meta,
			EscalationCount: 1,
		}
		m.lastFired[r.Name] = now
		m.active[r.Name] = &a
		m.history = append(m.history, a)
		fired = append(fired, a)
	}
	m.mu.Unlock()

	if len(fired) > 0 {
		go m.dispatch(fired)
	}
	return fired
}

// dispatch notifies every channel for every fired alert concurrently,
// bounded by the configured worker pool. It runs on its own goroutine,
// detached from the caller's context, so a slow or failing channel never
// blocks the recording path that triggered it.
func (m *Manager) dispatch(alerts []Alert) {
	g, gctx := errgroup.WithContext(context.Background())
	g.SetLimit(m.dispatchPool)
	for _, a := range alerts {
		for _, ch := range m.channels {
			a, ch := a, ch
			g.Go(func() error {
				if err := ch.Notify(gctx, a); err != nil {
					nerr := flowerrors.New(flowerrors.NotificationError, "channel notify failed", err)
					m.log.WithError(nerr).WithField("rule", a.Rule).Warn("alert dispatch failed")
				}
				return nil
			})
		}
	}
	_ = g.Wait()
}

// AutoResolveAlerts clears active alerts whose rule no longer trips
// against the given snapshot; returns the resolved alerts. Only error-rate
// and success-rate rules are re-checked against snap; a rule on any other
// KPI is re-checked against the alert's own last recorded value, which
// still trips, so such alerts are not cleared here (Evaluate clears them
// once the value no longer trips).
func (m *Manager) AutoResolveAlerts(snap metrics.Snapshot) []Alert {
	var resolved []Alert
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, a := range m.active {
		var rule *Rule
		for _, r := range m.rules {
			if r.Name == name {
				rule = r
				break
			}
		}
		if rule == nil {
			continue
		}
		v := 0.0
		switch rule.KPI {
		case metrics.KPIErrorRate:
			v = snap.ErrorRate
		case metrics.KPISuccessRate:
			v = snap.SuccessRate
		default:
			v = a.Value
		}
		if !rule.trips(v) {
			a.ResolvedAt = time.Now()
			resolved = append(resolved, *a)
			delete(m.active, name)
		}
	}
	return resolved
}

// Active returns currently-unresolved alerts.
func (m *Manager) Active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	return out
}

// History returns every alert ever fired, including resolved ones.
func (m *Manager) History() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.history))
	copy(out, m.history)
	return out
}
