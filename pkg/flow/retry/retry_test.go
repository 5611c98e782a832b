package retry_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	flowerrors "github.com/flowforge/engine/pkg/flow/errors"
	"github.com/flowforge/engine/pkg/flow/retry"
	"github.com/flowforge/engine/pkg/flow/stage"
)

func TestIsRetryableHonorsPerStageClassTable(t *testing.T) {
	m := retry.New(time.Second)

	assert.True(t, m.IsRetryable(stage.Research, flowerrors.Classified(flowerrors.ClassConnection, "timeout", nil)))
	assert.True(t, m.IsRetryable(stage.Research, flowerrors.Classified(flowerrors.ClassAPI, "5xx", nil)))
	assert.False(t, m.IsRetryable(stage.Research, flowerrors.Classified(flowerrors.ClassValidation, "nope", nil)))

	assert.True(t, m.IsRetryable(stage.StyleValidation, flowerrors.Classified(flowerrors.ClassValidation, "", nil)))
	assert.True(t, m.IsRetryable(stage.QualityCheck, flowerrors.Classified(flowerrors.ClassQuality, "", nil)))
	assert.True(t, m.IsRetryable(stage.DraftGeneration, flowerrors.Classified(flowerrors.ClassContentQuality, "", nil)))
	assert.True(t, m.IsRetryable(stage.DraftGeneration, flowerrors.Classified(flowerrors.ClassLengthIssues, "", nil)))
}

func TestIsRetryableRejectsUnclassifiedAndPlainErrors(t *testing.T) {
	m := retry.New(time.Second)
	assert.False(t, m.IsRetryable(stage.DraftGeneration, errors.New("plain")))
	assert.False(t, m.IsRetryable(stage.DraftGeneration, flowerrors.Classified(flowerrors.ClassUnclassified, "", nil)))
}

func TestIsRetryableNeverRetriesCircuitOpen(t *testing.T) {
	m := retry.New(time.Second, retry.WithRetryAny(stage.DraftGeneration))
	assert.False(t, m.IsRetryable(stage.DraftGeneration, flowerrors.New(flowerrors.CircuitOpen, "open", nil)))
}

func TestWithRetryAnyAcceptsAnyClassifiedError(t *testing.T) {
	m := retry.New(time.Second, retry.WithRetryAny(stage.DraftGeneration))
	assert.True(t, m.IsRetryable(stage.DraftGeneration, flowerrors.Classified(flowerrors.ClassUnclassified, "", nil)))
}

func TestDelayDoublesPerAttemptAndCaps(t *testing.T) {
	m := retry.New(time.Second, retry.WithCap(stage.DraftGeneration, 3*time.Second))
	assert.Equal(t, time.Second, m.Delay(stage.DraftGeneration, 0))
	assert.Equal(t, 2*time.Second, m.Delay(stage.DraftGeneration, 1))
	assert.Equal(t, 3*time.Second, m.Delay(stage.DraftGeneration, 2)) // would be 4s, capped to 3s
}
