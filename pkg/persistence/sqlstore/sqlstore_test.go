package sqlstore_test

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/engine/pkg/flow/stage"
	"github.com/flowforge/engine/pkg/flow/state"
	"github.com/flowforge/engine/pkg/persistence/sqlstore"
)

func TestSaveCheckpointInsertsOneRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO checkpoints`).
		WithArgs("flow-1", "running", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := sqlstore.OpenWithDB(db)
	fcs := state.New()
	require.NoError(t, fcs.AddTransition(stage.Research, "go"))

	err = store.SaveCheckpoint(context.Background(), "flow-1", fcs.Snapshot())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadLatestCheckpointDecodesSnapshotJSON(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	snapJSON := `{"ExecutionID":"flow-2","CurrentStage":1,"CompletedStages":null,"StartTime":"2026-01-01T00:00:00Z","RetryCount":{},"MaxRetries":{},"ExecutionHistory":[],"StageResults":{},"PerStageCBState":{},"KillSwitchActive":false,"KillSwitchReason":""}`
	rows := sqlmock.NewRows([]string{"flow_id", "status", "reason", "snapshot", "saved_at"}).
		AddRow("flow-2", "running", "", snapJSON, time.Now())

	mock.ExpectQuery(`SELECT flow_id, status, reason, snapshot, saved_at FROM checkpoints`).
		WithArgs("flow-2").
		WillReturnRows(rows)

	store := sqlstore.OpenWithDB(db)
	snap, err := store.LoadLatestCheckpoint(context.Background(), "flow-2")
	require.NoError(t, err)
	assert.Equal(t, "flow-2", snap.ExecutionID)
	assert.Equal(t, stage.Research, snap.CurrentStage)
	assert.NoError(t, mock.ExpectationsWereMet())
}
