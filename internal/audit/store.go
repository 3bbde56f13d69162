// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package audit is an append-only execution-audit trail, separate from
// internal/statestore's cooldown/history bookkeeping: one row per
// trigger dispatch, optionally with the workflow's step-level outcomes
// encrypted at rest. Grounded on the teacher's
// internal/tracing/storage.SQLiteStore (schema-migrate-on-open shape,
// WAL-mode connection string) and storage.EncryptionKey (AES-256-GCM
// envelope), trimmed from a generic span/trace/event store down to the
// one record type agentcore actually has: a trigger dispatch.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one trigger dispatch's audit entry.
type Record struct {
	TriggerID   string
	WorkflowID  string
	Status      string
	StartedAt   time.Time
	CompletedAt time.Time
	Steps       map[string]any // run.Steps, marshaled as the Payload column
}

// Store is a SQLite-backed append-only audit log.
type Store struct {
	db            *sql.DB
	encryptionKey *EncryptionKey
}

// Config configures Open.
type Config struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string

	// MaxOpenConns defaults to 5 when zero, matching the teacher's
	// SQLiteStore default for WAL-mode concurrent readers.
	MaxOpenConns int

	// EncryptionKey, when non-nil, is used to seal the Payload column.
	// A nil key stores payloads as plain JSON.
	EncryptionKey *EncryptionKey
}

// Open creates or attaches to the audit database, running migrations.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit: database path is required")
	}

	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("audit: opening database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: connecting: %w", err)
	}

	store := &Store{db: db, encryptionKey: cfg.EncryptionKey}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrating: %w", err)
	}
	return store, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS dispatches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trigger_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL,
		encrypted INTEGER NOT NULL DEFAULT 0,
		payload TEXT,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_dispatches_trigger ON dispatches(trigger_id, started_at)`)
	return err
}

// Append records one dispatch. A Store with encryption configured
// seals the step payload before writing it; the trigger/workflow/
// status/timestamp columns stay in the clear since they're needed for
// the idx_dispatches_trigger index to be useful at all.
func (s *Store) Append(ctx context.Context, rec Record) error {
	payloadJSON, err := json.Marshal(rec.Steps)
	if err != nil {
		return fmt.Errorf("audit: marshaling payload: %w", err)
	}

	payload := string(payloadJSON)
	encrypted := false
	if s.encryptionKey != nil {
		sealed, err := s.encryptionKey.Encrypt(payloadJSON)
		if err != nil {
			return fmt.Errorf("audit: encrypting payload: %w", err)
		}
		payload = sealed
		encrypted = true
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO dispatches
		(trigger_id, workflow_id, status, started_at, completed_at, encrypted, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TriggerID, rec.WorkflowID, rec.Status,
		rec.StartedAt.UnixMilli(), rec.CompletedAt.UnixMilli(),
		boolToInt(encrypted), payload, time.Now().UnixMilli())
	return err
}

// History returns the most recent limit dispatch records for triggerID,
// newest first, decrypting the payload when the store holds a key.
func (s *Store) History(ctx context.Context, triggerID string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT workflow_id, status, started_at, completed_at, encrypted, payload
		FROM dispatches WHERE trigger_id = ? ORDER BY started_at DESC LIMIT ?`, triggerID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: querying history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			workflowID, status, payload string
			startedMs, completedMs      int64
			encrypted                   int
		)
		if err := rows.Scan(&workflowID, &status, &startedMs, &completedMs, &encrypted, &payload); err != nil {
			return nil, fmt.Errorf("audit: scanning row: %w", err)
		}

		raw := []byte(payload)
		if encrypted == 1 {
			if s.encryptionKey == nil {
				return nil, fmt.Errorf("audit: row is encrypted but no key is configured")
			}
			raw, err = s.encryptionKey.Decrypt(payload)
			if err != nil {
				return nil, fmt.Errorf("audit: decrypting row: %w", err)
			}
		}

		var steps map[string]any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &steps); err != nil {
				return nil, fmt.Errorf("audit: unmarshaling payload: %w", err)
			}
		}

		out = append(out, Record{
			TriggerID:   triggerID,
			WorkflowID:  workflowID,
			Status:      status,
			StartedAt:   time.UnixMilli(startedMs),
			CompletedAt: time.UnixMilli(completedMs),
			Steps:       steps,
		})
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
