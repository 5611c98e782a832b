package review_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/engine/pkg/review"
)

func gateConfigs() map[review.Point]review.GateConfig {
	return map[review.Point]review.GateConfig{
		review.DraftCompletion: {
			AllowedDecisions: []string{"approve", "minor", "major", "pivot"},
			Timeout:          50 * time.Millisecond,
			DefaultDecision:  "approve",
		},
	}
}

func TestRequestReviewReturnsExplicitDecision(t *testing.T) {
	g := review.New(gateConfigs(), nil)

	done := make(chan review.Decision, 1)
	go func() {
		d, err := g.RequestReview(context.Background(), review.DraftCompletion, "tok-1", nil, nil)
		require.NoError(t, err)
		done <- d
	}()

	time.Sleep(5 * time.Millisecond)
	assert.True(t, g.Decide("tok-1", review.Decision{Value: "minor"}))

	select {
	case d := <-done:
		assert.Equal(t, "minor", d.Value)
		assert.False(t, d.TimedOut)
	case <-time.After(time.Second):
		t.Fatal("review did not resolve")
	}
}

// S6: draft_completion with timeout_s=1 (here scaled to milliseconds for
// test speed), default_decision=APPROVE; after the timeout without input
// the default is recorded and timeout_count increments.
func TestRequestReviewAppliesDefaultOnTimeout(t *testing.T) {
	g := review.New(gateConfigs(), nil)
	d, err := g.RequestReview(context.Background(), review.DraftCompletion, "tok-2", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "approve", d.Value)
	assert.True(t, d.TimedOut)
	assert.Equal(t, 1, g.TimeoutCount())
	assert.Len(t, g.History(), 1)
}

func TestDecideIsNoOpForUnknownToken(t *testing.T) {
	g := review.New(gateConfigs(), nil)
	assert.False(t, g.Decide("never-requested", review.Decision{Value: "approve"}))
}
