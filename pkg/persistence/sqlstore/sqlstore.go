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

// Package sqlstore persists checkpoints to a sqlite database via sqlx,
// with schema managed by goose migrations embedded in the binary.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/flowforge/engine/pkg/flow/state"
	"github.com/flowforge/engine/pkg/persistence"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements persistence.Store on top of a sqlite database.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the sqlite database at dsn and applies
// any pending goose migrations.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("sqlstore: set dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenWithDB wraps an already-open, already-migrated *sql.DB (used by
// tests driving a sqlmock connection).
func OpenWithDB(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "sqlite3")}
}

type row struct {
	FlowID   string    `db:"flow_id"`
	Status   string    `db:"status"`
	Reason   string    `db:"reason"`
	Snapshot string    `db:"snapshot"`
	SavedAt  time.Time `db:"saved_at"`
}

func (s *Store) insert(ctx context.Context, flowID string, snap state.Snapshot, status persistence.Status, reason string) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (flow_id, status, reason, snapshot, saved_at) VALUES (?, ?, ?, ?, ?)`,
		flowID, string(status), reason, string(payload), time.Now(),
	)
	return err
}

func (s *Store) SaveCheckpoint(ctx context.Context, flowID string, snap state.Snapshot) error {
	return s.insert(ctx, flowID, snap, persistence.StatusRunning, "")
}

func (s *Store) SaveCompleted(ctx context.Context, flowID string, snap state.Snapshot) error {
	return s.insert(ctx, flowID, snap, persistence.StatusCompleted, "")
}

func (s *Store) SaveFailed(ctx context.Context, flowID string, snap state.Snapshot, reason string) error {
	return s.insert(ctx, flowID, snap, persistence.StatusFailed, reason)
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, flowID string) (state.Snapshot, error) {
	var r row
	err := s.db.GetContext(ctx, &r,
		`SELECT flow_id, status, reason, snapshot, saved_at FROM checkpoints WHERE flow_id = ? ORDER BY saved_at DESC, id DESC LIMIT 1`,
		flowID,
	)
	if err == sql.ErrNoRows {
		return state.Snapshot{}, persistence.ErrNoCheckpoint
	}
	if err != nil {
		return state.Snapshot{}, err
	}
	var snap state.Snapshot
	if err := json.Unmarshal([]byte(r.Snapshot), &snap); err != nil {
		return state.Snapshot{}, fmt.Errorf("sqlstore: unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// ListCheckpoints returns every checkpoint recorded for flowID, newest
// save first.
func (s *Store) ListCheckpoints(ctx context.Context, flowID string) ([]persistence.Checkpoint, error) {
	var rows []row
	err := s.db.SelectContext(ctx, &rows,
		`SELECT flow_id, status, reason, snapshot, saved_at FROM checkpoints WHERE flow_id = ? ORDER BY saved_at DESC, id DESC`,
		flowID,
	)
	if err != nil {
		return nil, err
	}
	out := make([]persistence.Checkpoint, 0, len(rows))
	for _, r := range rows {
		var snap state.Snapshot
		if err := json.Unmarshal([]byte(r.Snapshot), &snap); err != nil {
			return nil, fmt.Errorf("sqlstore: unmarshal snapshot: %w", err)
		}
		out = append(out, persistence.Checkpoint{
			FlowID: r.FlowID, Status: persistence.Status(r.Status), Reason: r.Reason, Snap: snap, SavedAt: r.SavedAt,
		})
	}
	return out, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
