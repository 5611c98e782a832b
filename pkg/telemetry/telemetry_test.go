package telemetry_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/engine/pkg/telemetry"
)

func TestStartAndEndStageSpanWritesToExporter(t *testing.T) {
	var buf bytes.Buffer
	tr, err := telemetry.New(&buf)
	require.NoError(t, err)

	ctx, span := tr.StartStageSpan(context.Background(), "exec-1", "draft_generation", 2)
	telemetry.EndStageSpan(span, "success", nil)
	require.NoError(t, tr.Shutdown(context.Background()))

	assert.NotNil(t, ctx)
	assert.Contains(t, buf.String(), "draft_generation")
}

func TestNoopTracerNeverPanics(t *testing.T) {
	tr := telemetry.NewNoop()
	_, span := tr.StartStageSpan(context.Background(), "exec-1", "research", 0)
	telemetry.EndStageSpan(span, "success", nil)
	assert.NoError(t, tr.Shutdown(context.Background()))
}
