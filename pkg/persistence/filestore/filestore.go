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

// Package filestore persists checkpoints as gzip-compressed JSON files on
// local disk, one file per save under baseDir/<flowID>/.
package filestore

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/flowforge/engine/pkg/flow/state"
	"github.com/flowforge/engine/pkg/persistence"
)

type record struct {
	FlowID  string          `json:"flow_id"`
	Status  persistence.Status `json:"status"`
	Reason  string          `json:"reason,omitempty"`
	Snap    state.Snapshot  `json:"snapshot"`
	SavedAt time.Time       `json:"saved_at"`
}

// Store implements persistence.Store on top of the local filesystem.
type Store struct {
	mu      sync.Mutex
	baseDir string
}

// New builds a Store rooted at baseDir, creating it if necessary.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create base dir: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) flowDir(flowID string) string {
	return filepath.Join(s.baseDir, flowID)
}

func (s *Store) write(flowID string, rec record) error {
	dir := s.flowDir(flowID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	// <flow_id>_<stage>_<YYYYMMDD_HHMMSS> per the documented checkpoint
	// layout, with a nanosecond suffix so two saves of the same stage
	// within the same second don't collide on disk.
	name := fmt.Sprintf("%s_%s_%s_%09d.json.gz", rec.FlowID, rec.Snap.CurrentStage.String(), rec.SavedAt.Format("20060102_150405"), rec.SavedAt.Nanosecond())
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()

	return json.NewEncoder(gz).Encode(rec)
}

func (s *Store) saveWithStatus(_ context.Context, flowID string, snap state.Snapshot, status persistence.Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(flowID, record{FlowID: flowID, Status: status, Reason: reason, Snap: snap, SavedAt: time.Now()})
}

// SaveCheckpoint persists an in-progress run's current snapshot.
func (s *Store) SaveCheckpoint(ctx context.Context, flowID string, snap state.Snapshot) error {
	return s.saveWithStatus(ctx, flowID, snap, persistence.StatusRunning, "")
}

// SaveCompleted persists a flow's terminal successful snapshot.
func (s *Store) SaveCompleted(ctx context.Context, flowID string, snap state.Snapshot) error {
	return s.saveWithStatus(ctx, flowID, snap, persistence.StatusCompleted, "")
}

// SaveFailed persists a flow's terminal failed snapshot with a reason.
func (s *Store) SaveFailed(ctx context.Context, flowID string, snap state.Snapshot, reason string) error {
	return s.saveWithStatus(ctx, flowID, snap, persistence.StatusFailed, reason)
}

// ListCheckpoints returns every checkpoint recorded for flowID, sorted by
// save time newest first.
func (s *Store) ListCheckpoints(_ context.Context, flowID string) ([]persistence.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.flowDir(flowID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]persistence.Checkpoint, 0, len(names))
	for _, name := range names {
		rec, err := s.read(filepath.Join(s.flowDir(flowID), name))
		if err != nil {
			return nil, err
		}
		out = append(out, persistence.Checkpoint{
			FlowID: rec.FlowID, Status: rec.Status, Reason: rec.Reason, Snap: rec.Snap, SavedAt: rec.SavedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })
	return out, nil
}

func (s *Store) read(path string) (record, error) {
	var rec record
	f, err := os.Open(path)
	if err != nil {
		return rec, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return rec, err
	}
	defer gz.Close()
	err = json.NewDecoder(gz).Decode(&rec)
	return rec, err
}

// LoadLatestCheckpoint returns the most recently saved snapshot for
// flowID, regardless of its status.
func (s *Store) LoadLatestCheckpoint(ctx context.Context, flowID string) (state.Snapshot, error) {
	checkpoints, err := s.ListCheckpoints(ctx, flowID)
	if err != nil {
		return state.Snapshot{}, err
	}
	if len(checkpoints) == 0 {
		return state.Snapshot{}, persistence.ErrNoCheckpoint
	}
	return checkpoints[0].Snap, nil
}
