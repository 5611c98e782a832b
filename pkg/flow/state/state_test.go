package state_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/engine/pkg/flow/stage"
	"github.com/flowforge/engine/pkg/flow/state"
)

func TestNewStartsAtInputValidation(t *testing.T) {
	fcs := state.New()
	assert.Equal(t, stage.InputValidation, fcs.CurrentStage())
	assert.NotEmpty(t, fcs.ExecutionID())
}

func TestAddTransitionHappyPath(t *testing.T) {
	fcs := state.New()
	require.NoError(t, fcs.AddTransition(stage.AudienceAlign, "skip research"))
	assert.Equal(t, stage.AudienceAlign, fcs.CurrentStage())
	require.NoError(t, fcs.AddTransition(stage.DraftGeneration, "aligned"))
	assert.Len(t, fcs.History(), 2)
}

func TestAddTransitionRejectsIllegalEdge(t *testing.T) {
	fcs := state.New()
	err := fcs.AddTransition(stage.QualityCheck, "skip everything")
	assert.Error(t, err)
	assert.Equal(t, stage.InputValidation, fcs.CurrentStage())
}

func TestAddTransitionRejectsAfterTerminal(t *testing.T) {
	fcs := state.New()
	require.NoError(t, fcs.AddTransition(stage.AudienceAlign, ""))
	require.NoError(t, fcs.AddTransition(stage.DraftGeneration, ""))
	require.NoError(t, fcs.AddTransition(stage.StyleValidation, ""))
	require.NoError(t, fcs.AddTransition(stage.QualityCheck, ""))
	require.NoError(t, fcs.AddTransition(stage.Finalized, ""))

	// FINALIZED -> FAILED is permitted once (testable property, spec section 8).
	require.NoError(t, fcs.AddTransition(stage.Failed, "post-hoc correction"))
	assert.Equal(t, stage.Failed, fcs.CurrentStage())

	err := fcs.AddTransition(stage.AudienceAlign, "cannot resurrect")
	assert.Error(t, err)
}

func TestKillSwitchBlocksTransitions(t *testing.T) {
	fcs := state.New()
	fcs.ActivateKillSwitch("loop prevention emergency stop")
	assert.True(t, fcs.KillSwitchActive())
	err := fcs.AddTransition(stage.AudienceAlign, "")
	assert.Error(t, err)
}

func TestRetryCounterAndBudget(t *testing.T) {
	fcs := state.New(state.WithMaxRetries(stage.DraftGeneration, 1))
	assert.True(t, fcs.CanRetry(stage.DraftGeneration))
	assert.Equal(t, 1, fcs.IncrementRetry(stage.DraftGeneration))
	assert.False(t, fcs.CanRetry(stage.DraftGeneration))
}

func TestConsecutiveSelfLoopCapMatchesMaxRetries(t *testing.T) {
	fcs := state.New(state.WithMaxRetries(stage.DraftGeneration, 1))
	require.NoError(t, fcs.AddTransition(stage.AudienceAlign, ""))
	require.NoError(t, fcs.AddTransition(stage.DraftGeneration, ""))
	require.NoError(t, fcs.AddTransition(stage.DraftGeneration, "retry 1")) // 1 retry, within budget
	err := fcs.AddTransition(stage.DraftGeneration, "retry 2")             // exceeds budget
	assert.Error(t, err)
}

func TestHistoryTrimsToHalfWhenOverBudget(t *testing.T) {
	fcs := state.New(state.WithHistoryLimit(4), state.WithMaxRetries(stage.DraftGeneration, 100))
	require.NoError(t, fcs.AddTransition(stage.AudienceAlign, ""))
	require.NoError(t, fcs.AddTransition(stage.DraftGeneration, ""))
	for i := 0; i < 4; i++ {
		require.NoError(t, fcs.AddTransition(stage.DraftGeneration, "retry"))
	}
	h := fcs.History()
	assert.LessOrEqual(t, len(h), 4)
}

func TestCircuitBreakerMirrorOpensAtThreshold(t *testing.T) {
	fcs := state.New(state.WithBreakerFailureThreshold(3))
	fcs.UpdateCircuitBreaker(stage.StyleValidation, false)
	fcs.UpdateCircuitBreaker(stage.StyleValidation, false)
	assert.Equal(t, state.CBClosed, fcs.CBStateFor(stage.StyleValidation))
	fcs.UpdateCircuitBreaker(stage.StyleValidation, false)
	assert.Equal(t, state.CBOpen, fcs.CBStateFor(stage.StyleValidation))

	fcs.UpdateCircuitBreaker(stage.StyleValidation, true)
	assert.Equal(t, state.CBClosed, fcs.CBStateFor(stage.StyleValidation))
}

func TestShouldAttemptCircuitRecovery(t *testing.T) {
	fcs := state.New(state.WithBreakerFailureThreshold(1))
	fcs.UpdateCircuitBreaker(stage.Research, false)
	assert.False(t, fcs.ShouldAttemptCircuitRecovery(stage.Research, time.Hour))
	assert.True(t, fcs.ShouldAttemptCircuitRecovery(stage.Research, 0))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	fcs := state.New()
	require.NoError(t, fcs.AddTransition(stage.AudienceAlign, "r1"))
	require.NoError(t, fcs.AddTransition(stage.DraftGeneration, "r2"))
	fcs.MarkStageComplete(stage.AudienceAlign, state.StageResult{Status: state.StatusSuccess})
	fcs.IncrementRetry(stage.DraftGeneration)

	snap := fcs.Snapshot()
	restored := state.Restore(snap)

	assert.Equal(t, fcs.CurrentStage(), restored.CurrentStage())
	assert.Equal(t, fcs.CompletedStages(), restored.CompletedStages())
	assert.Equal(t, fcs.RetryCount(stage.DraftGeneration), restored.RetryCount(stage.DraftGeneration))
	assert.Equal(t, fcs.History(), restored.History())
}
