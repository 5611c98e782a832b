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

// Package redisstore persists checkpoints to Redis, keeping an
// append-only list per flow so ListCheckpoints preserves save order
// without a secondary index.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowforge/engine/pkg/flow/state"
	"github.com/flowforge/engine/pkg/persistence"
)

// Store implements persistence.Store on top of a Redis list per flow.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New wraps an existing Redis client. ttl, if positive, is applied to
// each flow's checkpoint list key so abandoned runs expire.
func New(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func key(flowID string) string {
	return fmt.Sprintf("flow:%s:checkpoints", flowID)
}

type entry struct {
	Status  persistence.Status `json:"status"`
	Reason  string             `json:"reason,omitempty"`
	Snap    state.Snapshot     `json:"snapshot"`
	SavedAt time.Time          `json:"saved_at"`
}

func (s *Store) push(ctx context.Context, flowID string, e entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redisstore: marshal: %w", err)
	}
	k := key(flowID)
	if err := s.client.RPush(ctx, k, payload).Err(); err != nil {
		return fmt.Errorf("redisstore: rpush: %w", err)
	}
	if s.ttl > 0 {
		s.client.Expire(ctx, k, s.ttl)
	}
	return nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, flowID string, snap state.Snapshot) error {
	return s.push(ctx, flowID, entry{Status: persistence.StatusRunning, Snap: snap, SavedAt: time.Now()})
}

func (s *Store) SaveCompleted(ctx context.Context, flowID string, snap state.Snapshot) error {
	return s.push(ctx, flowID, entry{Status: persistence.StatusCompleted, Snap: snap, SavedAt: time.Now()})
}

func (s *Store) SaveFailed(ctx context.Context, flowID string, snap state.Snapshot, reason string) error {
	return s.push(ctx, flowID, entry{Status: persistence.StatusFailed, Reason: reason, Snap: snap, SavedAt: time.Now()})
}

// ListCheckpoints returns every checkpoint recorded for flowID, newest
// save first. Entries are appended oldest-last via RPush, so the list is
// reversed before returning.
func (s *Store) ListCheckpoints(ctx context.Context, flowID string) ([]persistence.Checkpoint, error) {
	raw, err := s.client.LRange(ctx, key(flowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: lrange: %w", err)
	}
	out := make([]persistence.Checkpoint, 0, len(raw))
	for _, item := range raw {
		var e entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("redisstore: unmarshal: %w", err)
		}
		out = append(out, persistence.Checkpoint{FlowID: flowID, Status: e.Status, Reason: e.Reason, Snap: e.Snap, SavedAt: e.SavedAt})
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, flowID string) (state.Snapshot, error) {
	raw, err := s.client.LIndex(ctx, key(flowID), -1).Result()
	if err == redis.Nil {
		return state.Snapshot{}, persistence.ErrNoCheckpoint
	}
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("redisstore: lindex: %w", err)
	}
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return state.Snapshot{}, fmt.Errorf("redisstore: unmarshal: %w", err)
	}
	return e.Snap, nil
}
