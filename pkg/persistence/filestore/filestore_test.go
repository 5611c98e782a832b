package filestore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/engine/pkg/flow/stage"
	"github.com/flowforge/engine/pkg/flow/state"
	"github.com/flowforge/engine/pkg/persistence"
	"github.com/flowforge/engine/pkg/persistence/filestore"
)

func TestSaveAndLoadLatestCheckpointRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store, err := filestore.New(dir)
	require.NoError(t, err)

	fcs := state.New()
	require.NoError(t, fcs.AddTransition(stage.Research, "start research"))
	snap := fcs.Snapshot()

	ctx := context.Background()
	require.NoError(t, store.SaveCheckpoint(ctx, snap.ExecutionID, snap))

	loaded, err := store.LoadLatestCheckpoint(ctx, snap.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, stage.Research, loaded.CurrentStage)
	assert.Equal(t, snap.ExecutionID, loaded.ExecutionID)
}

func TestLoadLatestCheckpointReturnsErrWhenAbsent(t *testing.T) {
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)

	_, err = store.LoadLatestCheckpoint(context.Background(), "never-seen")
	assert.ErrorIs(t, err, persistence.ErrNoCheckpoint)
}

func TestListCheckpointsReturnsNewestFirstAndReflectsTerminalStatus(t *testing.T) {
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	fcs := state.New()
	snap := fcs.Snapshot()
	require.NoError(t, store.SaveCheckpoint(ctx, snap.ExecutionID, snap))
	require.NoError(t, store.SaveFailed(ctx, snap.ExecutionID, snap, "breaker tripped"))

	list, err := store.ListCheckpoints(ctx, snap.ExecutionID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, persistence.StatusFailed, list[0].Status)
	assert.Equal(t, "breaker tripped", list[0].Reason)
	assert.Equal(t, persistence.StatusRunning, list[1].Status)
}
