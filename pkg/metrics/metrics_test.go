package metrics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flowforge/engine/pkg/metrics"
)

func TestGetCurrentKPIsComputesSuccessAndErrorRate(t *testing.T) {
	c := metrics.New(metrics.WithCacheTTL(0))
	c.Record(metrics.KPIExecutionTime, 1.0, "draft_generation", "f1", map[string]any{"status": "success"})
	c.Record(metrics.KPIExecutionTime, 2.0, "draft_generation", "f1", map[string]any{"status": "success"})
	c.Record(metrics.KPIExecutionTime, 3.0, "draft_generation", "f1", map[string]any{"status": "failed"})

	snap := c.GetCurrentKPIs(true)
	assert.InDelta(t, 2.0/3.0, snap.SuccessRate, 0.001)
	assert.InDelta(t, 1.0/3.0, snap.ErrorRate, 0.001)
	assert.InDelta(t, 2.0, snap.AvgExecutionTimeS, 0.001)
	assert.InDelta(t, 2.0/3.0, snap.FlowEfficiency, 0.001) // 2/3 successful of 3 stageful samples
}

func TestGetCurrentKPIsCachesWithinTTL(t *testing.T) {
	c := metrics.New(metrics.WithCacheTTL(time.Hour))
	c.Record(metrics.KPIExecutionTime, 1.0, "research", "f1", map[string]any{"status": "success"})
	first := c.GetCurrentKPIs(false)

	c.Record(metrics.KPIExecutionTime, 99.0, "research", "f1", map[string]any{"status": "success"})
	cached := c.GetCurrentKPIs(false)
	assert.Equal(t, first.AvgExecutionTimeS, cached.AvgExecutionTimeS)

	forced := c.GetCurrentKPIs(true)
	assert.NotEqual(t, first.AvgExecutionTimeS, forced.AvgExecutionTimeS)
}

func TestThroughputFallsBackToWindowForSingleCompletion(t *testing.T) {
	c := metrics.New(metrics.WithCacheTTL(0), metrics.WithWindow(10*time.Second))
	c.Record(metrics.KPIExecutionTime, 1.0, "finalize", "f1", map[string]any{"status": "success", "scope": "flow"})

	snap := c.GetCurrentKPIs(true)
	assert.Greater(t, snap.ThroughputPerSec, 0.0)
	assert.Less(t, snap.ThroughputPerSec, 1.0) // 1 completion / 10s window, not infinite
}

func TestWindowExcludesStaleSamples(t *testing.T) {
	c := metrics.New(metrics.WithCacheTTL(0), metrics.WithWindow(10*time.Millisecond))
	c.Record(metrics.KPIExecutionTime, 5.0, "research", "f1", map[string]any{"status": "success"})
	time.Sleep(30 * time.Millisecond)

	snap := c.GetCurrentKPIs(true)
	assert.Equal(t, 0.0, snap.AvgExecutionTimeS)
	assert.Equal(t, 0.0, snap.SuccessRate)
}

func TestRecordSystemMetricsPopulatesGauges(t *testing.T) {
	c := metrics.New()
	c.RecordSystemMetrics()
	snap := c.GetCurrentKPIs(true)
	assert.GreaterOrEqual(t, snap.MemoryMB, 0.0)
}
