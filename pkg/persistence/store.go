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

// Package persistence defines the pluggable checkpoint storage contract
// (spec section 4.7, PersistenceManager) and a backend-agnostic recovery
// helper. Three backends implement Store: pkg/persistence/filestore
// (JSON+gzip on local disk), pkg/persistence/sqlstore (sqlite via sqlx),
// and pkg/persistence/redisstore (go-redis).
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/flowforge/engine/pkg/flow/state"
)

// ErrNoCheckpoint is returned by LoadLatestCheckpoint when a flow has
// never been checkpointed.
var ErrNoCheckpoint = errors.New("persistence: no checkpoint for flow")

// Status is the terminal disposition recorded alongside a checkpoint.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Checkpoint is one persisted snapshot of a flow run.
type Checkpoint struct {
	FlowID  string
	Status  Status
	Reason  string
	Snap    state.Snapshot
	SavedAt time.Time
}

// Store is the common contract every persistence backend satisfies.
type Store interface {
	SaveCheckpoint(ctx context.Context, flowID string, snap state.Snapshot) error
	LoadLatestCheckpoint(ctx context.Context, flowID string) (state.Snapshot, error)
	SaveCompleted(ctx context.Context, flowID string, snap state.Snapshot) error
	SaveFailed(ctx context.Context, flowID string, snap state.Snapshot, reason string) error
	ListCheckpoints(ctx context.Context, flowID string) ([]Checkpoint, error)
}

// RecoverFlow loads a flow's latest checkpoint from any Store and
// rebuilds a live FlowControlState from it.
func RecoverFlow(ctx context.Context, store Store, flowID string) (*state.FlowControlState, error) {
	snap, err := store.LoadLatestCheckpoint(ctx, flowID)
	if err != nil {
		return nil, err
	}
	return state.Restore(snap), nil
}
