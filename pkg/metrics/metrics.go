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

// Package metrics implements MetricsCollector (spec section 4.7): a
// thread-safe KPI sink backed by bounded per-KPI ring buffers for
// windowed snapshot computation, mirrored into Prometheus instruments
// (github.com/prometheus/client_golang) for external scraping. Each
// Collector owns a private *prometheus.Registry rather than registering
// into the package-global default, per the "no global mutable
// singletons" redesign note in spec section 9.
package metrics

import (
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
	"golang.org/x/sync/errgroup"
)

// KPI is one of the closed-set performance indicators from spec section 3.
type KPI string

const (
	KPICPU                KPI = "cpu"
	KPIMemory             KPI = "memory"
	KPIExecutionTime      KPI = "execution_time"
	KPISuccessRate        KPI = "success_rate"
	KPICompletionRate     KPI = "completion_rate"
	KPIRetryRate          KPI = "retry_rate"
	KPIThroughput         KPI = "throughput"
	KPIErrorRate          KPI = "error_rate"
	KPIQueueSize          KPI = "queue_size"
	KPIResponseTime       KPI = "response_time"
	KPIStageDuration      KPI = "stage_duration"
	KPIFlowEfficiency     KPI = "flow_efficiency"
	KPIResourceEfficiency KPI = "resource_efficiency"
)

// Sample is one recorded metric point (spec section 3).
type Sample struct {
	TS       time.Time
	KPI      KPI
	Value    float64
	Stage    string
	FlowID   string
	Metadata map[string]any
}

const (
	defaultHistoryPerKPI = 1000
	defaultWindow        = 300 * time.Second
	defaultCacheTTL      = time.Second
)

// Snapshot is the computed view returned by GetCurrentKPIs.
type Snapshot struct {
	CPU                float64
	MemoryMB           float64
	AvgExecutionTimeS  float64
	P95ExecutionTimeS  float64
	P99ExecutionTimeS  float64
	SuccessRate        float64
	CompletionRate     float64
	ErrorRate          float64
	RetryRate          float64
	ThroughputPerSec   float64
	QueueSize          float64
	FlowEfficiency     float64
	ResourceEfficiency float64
	AvgStageDurationS  float64
}

// Collector is a thread-safe KPI sink with windowed snapshot computation.
type Collector struct {
	mu      sync.Mutex
	buffers map[KPI][]Sample
	limit   int
	window  time.Duration
	ttl     time.Duration

	cached   *Snapshot
	cachedAt time.Time

	registry *prometheus.Registry
	events   *prometheus.CounterVec
	gauges   *prometheus.GaugeVec
	durs     *prometheus.HistogramVec

	lastCPUTicks uint64
	lastCPUAt    time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithWindow overrides the moving-window size used for rate computation.
func WithWindow(d time.Duration) Option {
	return func(c *Collector) { c.window = d }
}

// WithHistoryLimit overrides the default per-KPI ring buffer bound.
func WithHistoryLimit(n int) Option {
	return func(c *Collector) { c.limit = n }
}

// WithCacheTTL overrides the snapshot cache TTL.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Collector) { c.ttl = d }
}

// New builds a Collector with its own private Prometheus registry.
func New(opts ...Option) *Collector {
	c := &Collector{
		buffers:  map[KPI][]Sample{},
		limit:    defaultHistoryPerKPI,
		window:   defaultWindow,
		ttl:      defaultCacheTTL,
		registry: prometheus.NewRegistry(),
	}
	c.events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_kpi_events_total",
		Help: "Count of recorded KPI samples by kpi and stage.",
	}, []string{"kpi", "stage"})
	c.gauges = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flow_kpi_value",
		Help: "Last recorded value for a gauge-like KPI.",
	}, []string{"kpi", "stage"})
	c.durs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flow_kpi_duration_seconds",
		Help:    "Observed durations for duration-like KPIs.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kpi", "stage"})
	c.registry.MustRegister(c.events, c.gauges, c.durs)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry exposes the private Prometheus registry for an embedder's own
// /metrics HTTP handler (wiring that handler is outside the core's scope).
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

var durationKPIs = map[KPI]bool{
	KPIExecutionTime: true,
	KPIResponseTime:  true,
	KPIStageDuration: true,
}

// Record appends one KPI sample and mirrors it into the matching
// Prometheus instrument.
func (c *Collector) Record(kpi KPI, value float64, stageName, flowID string, metadata map[string]any) {
	c.mu.Lock()
	s := Sample{TS: time.Now(), KPI: kpi, Value: value, Stage: stageName, FlowID: flowID, Metadata: metadata}
	buf := append(c.buffers[kpi], s)
	if len(buf) > c.limit {
		buf = buf[len(buf)-c.limit:]
	}
	c.buffers[kpi] = buf
	c.mu.Unlock()

	c.events.WithLabelValues(string(kpi), stageName).Inc()
	if durationKPIs[kpi] {
		c.durs.WithLabelValues(string(kpi), stageName).Observe(value)
	} else {
		c.gauges.WithLabelValues(string(kpi), stageName).Set(value)
	}
}

// RecordBatch records multiple samples as one bulk call.
func (c *Collector) RecordBatch(samples []Sample) {
	for _, s := range samples {
		c.Record(s.KPI, s.Value, s.Stage, s.FlowID, s.Metadata)
	}
}

// RecordSystemMetrics samples process CPU% (via /proc on Linux, falling
// back to a zero reading elsewhere) and RSS MB (via /proc on Linux,
// falling back to runtime.MemStats.Sys elsewhere) and records them as
// cpu/memory KPIs.
func (c *Collector) RecordSystemMetrics() {
	memMB := 0.0
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memMB = float64(ms.Sys) / (1024 * 1024)
	if proc, err := procfs.Self(); err == nil {
		if stat, err := proc.Stat(); err == nil {
			memMB = float64(stat.ResidentMemory()) / (1024 * 1024)
		}
	}

	cpuPct := c.sampleCPUPercent()

	c.Record(KPICPU, cpuPct, "", "", nil)
	c.Record(KPIMemory, memMB, "", "", nil)
}

func (c *Collector) sampleCPUPercent() float64 {
	proc, err := procfs.Self()
	if err != nil {
		return 0
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0
	}
	ticks := uint64(stat.UTime + stat.STime)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastCPUAt.IsZero() {
		c.lastCPUTicks = ticks
		c.lastCPUAt = now
		return 0
	}
	elapsed := now.Sub(c.lastCPUAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	clockTicksPerSec := 100.0 // typical USER_HZ on Linux
	deltaTicks := float64(ticks - c.lastCPUTicks)
	c.lastCPUTicks = ticks
	c.lastCPUAt = now
	return (deltaTicks / clockTicksPerSec) / elapsed * 100
}

// GetCurrentKPIs returns the windowed snapshot, served from a 1s-TTL
// cache unless force is true.
func (c *Collector) GetCurrentKPIs(force bool) Snapshot {
	c.mu.Lock()
	if !force && c.cached != nil && time.Since(c.cachedAt) < c.ttl {
		snap := *c.cached
		c.mu.Unlock()
		return snap
	}
	snap := c.computeLocked()
	c.cached = &snap
	c.cachedAt = time.Now()
	c.mu.Unlock()
	return snap
}

func (c *Collector) computeLocked() Snapshot {
	now := time.Now()
	cutoff := now.Add(-c.window)

	execSamples := windowed(c.buffers[KPIExecutionTime], cutoff)
	stageDurSamples := windowed(c.buffers[KPIStageDuration], cutoff)
	retrySamples := windowed(c.buffers[KPIRetryRate], cutoff)
	queueSamples := c.buffers[KPIQueueSize]

	var snap Snapshot
	if len(c.buffers[KPICPU]) > 0 {
		snap.CPU = c.buffers[KPICPU][len(c.buffers[KPICPU])-1].Value
	}
	if len(c.buffers[KPIMemory]) > 0 {
		snap.MemoryMB = c.buffers[KPIMemory][len(c.buffers[KPIMemory])-1].Value
	}
	if len(queueSamples) > 0 {
		snap.QueueSize = queueSamples[len(queueSamples)-1].Value
	}

	// The three aggregations below each do their own independent pass over
	// execSamples (read-only, so concurrent readers are safe) and write
	// only to their own result struct; run them on a bounded worker pool
	// rather than in sequence, the same errgroup-bounded fan-out pattern
	// pkg/alerting uses for per-channel dispatch.
	var timing timingStats
	var rates rateStats
	var efficiency efficiencyStats

	var g errgroup.Group
	g.Go(func() error { timing = computeTiming(execSamples); return nil })
	g.Go(func() error { rates = computeRates(execSamples, retrySamples); return nil })
	g.Go(func() error { efficiency = computeEfficiency(execSamples, stageDurSamples); return nil })
	_ = g.Wait() // each goroutine is infallible; Wait only joins them

	snap.AvgExecutionTimeS = timing.avg
	snap.P95ExecutionTimeS = timing.p95
	snap.P99ExecutionTimeS = timing.p99

	snap.SuccessRate = rates.successRate
	snap.ErrorRate = rates.errorRate
	snap.CompletionRate = rates.completionRate
	snap.RetryRate = rates.retryRate

	// Throughput: flow completions divided by the observed span between
	// the earliest and latest windowed execution-time samples (stage and
	// flow samples alike); falls back to the window length itself when
	// the span collapses to zero (a single sample), so the rate is never
	// infinite. No separate run start/end wall-clock span is tracked.
	if rates.completedCount > 0 {
		span := rates.maxTS.Sub(rates.minTS)
		if span <= 0 {
			span = c.window
		}
		snap.ThroughputPerSec = float64(rates.completedCount) / span.Seconds()
	}

	snap.AvgStageDurationS = efficiency.avgStageDur
	snap.FlowEfficiency = efficiency.flowEfficiency

	denom := (snap.CPU/100 + snap.MemoryMB/1024) / 2
	if denom > 0 {
		snap.ResourceEfficiency = snap.ThroughputPerSec / denom
	}

	return snap
}

type timingStats struct {
	avg, p95, p99 float64
}

func computeTiming(execSamples []Sample) timingStats {
	values := make([]float64, 0, len(execSamples))
	for _, s := range execSamples {
		values = append(values, s.Value)
	}
	sort.Float64s(values)
	return timingStats{avg: avg(values), p95: percentile(values, 0.95), p99: percentile(values, 0.99)}
}

type rateStats struct {
	successRate, errorRate, completionRate, retryRate float64
	completedCount                                    int
	minTS, maxTS                                       time.Time
}

func computeRates(execSamples, retrySamples []Sample) rateStats {
	var r rateStats
	successCount, totalCount, flowStarts := 0, 0, 0
	for _, s := range execSamples {
		totalCount++
		status, _ := s.Metadata["status"].(string)
		if status == "success" {
			successCount++
		}
		if r.minTS.IsZero() || s.TS.Before(r.minTS) {
			r.minTS = s.TS
		}
		if s.TS.After(r.maxTS) {
			r.maxTS = s.TS
		}
		scope, _ := s.Metadata["scope"].(string)
		if scope == "flow" {
			flowStarts++
			if status == "success" {
				r.completedCount++
			}
		}
	}
	if totalCount > 0 {
		r.successRate = float64(successCount) / float64(totalCount)
		r.errorRate = 1 - r.successRate
		r.retryRate = float64(len(retrySamples)) / float64(totalCount)
	}
	if flowStarts > 0 {
		r.completionRate = float64(r.completedCount) / float64(flowStarts)
	}
	return r
}

type efficiencyStats struct {
	avgStageDur, flowEfficiency float64
}

func computeEfficiency(execSamples, stageDurSamples []Sample) efficiencyStats {
	stageful, successfulStageful := 0, 0
	for _, s := range execSamples {
		if s.Stage == "" {
			continue
		}
		stageful++
		if status, _ := s.Metadata["status"].(string); status == "success" {
			successfulStageful++
		}
	}

	var stageDurs []float64
	for _, s := range stageDurSamples {
		stageDurs = append(stageDurs, s.Value)
	}
	if len(stageDurs) == 0 {
		for _, s := range execSamples {
			if s.Stage != "" {
				stageDurs = append(stageDurs, s.Value)
			}
		}
	}

	var e efficiencyStats
	e.avgStageDur = avg(stageDurs)
	if stageful > 0 {
		e.flowEfficiency = float64(successfulStageful) / float64(stageful)
	}
	return e
}

func windowed(samples []Sample, cutoff time.Time) []Sample {
	var out []Sample
	for _, s := range samples {
		if !s.TS.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func avg(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
