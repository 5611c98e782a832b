package redisstore_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/engine/pkg/flow/stage"
	"github.com/flowforge/engine/pkg/flow/state"
	"github.com/flowforge/engine/pkg/persistence"
	"github.com/flowforge/engine/pkg/persistence/redisstore"
)

func newTestStore(t *testing.T) *redisstore.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return redisstore.New(client, 0)
}

func TestSaveCheckpointAndLoadLatest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fcs := state.New()
	require.NoError(t, fcs.AddTransition(stage.Research, "go"))
	snap := fcs.Snapshot()

	require.NoError(t, store.SaveCheckpoint(ctx, snap.ExecutionID, snap))

	loaded, err := store.LoadLatestCheckpoint(ctx, snap.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, stage.Research, loaded.CurrentStage)
}

func TestListCheckpointsReturnsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fcs := state.New()
	snap := fcs.Snapshot()
	require.NoError(t, store.SaveCheckpoint(ctx, snap.ExecutionID, snap))
	require.NoError(t, store.SaveCompleted(ctx, snap.ExecutionID, snap))

	list, err := store.ListCheckpoints(ctx, snap.ExecutionID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, persistence.StatusCompleted, list[0].Status)
	assert.Equal(t, persistence.StatusRunning, list[1].Status)
}

func TestLoadLatestCheckpointReturnsErrWhenAbsent(t *testing.T) {
	store := newTestStore(t)
	_, err := store.LoadLatestCheckpoint(context.Background(), "nope")
	assert.ErrorIs(t, err, persistence.ErrNoCheckpoint)
}
