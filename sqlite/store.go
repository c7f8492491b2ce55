// Package sqlite provides a StateStore and CheckpointStore backed by a
// single SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/flowgraph"
	_ "modernc.org/sqlite"
)

var (
	_ flowgraph.StateStore      = (*Store)(nil)
	_ flowgraph.CheckpointStore = (*Store)(nil)
)

// Store implements both engine stores on SQLite. The database runs in WAL
// mode with a single writer connection.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema. Use
// ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT PRIMARY KEY,
			workflow_id  TEXT NOT NULL,
			status       TEXT NOT NULL,
			state        TEXT NOT NULL,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			execution_id  TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			data          TEXT NOT NULL,
			created_at    INTEGER NOT NULL,
			PRIMARY KEY (execution_id, checkpoint_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *Store) GetState(ctx context.Context, executionID string) (*flowgraph.ExecutionState, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM executions WHERE execution_id = ?`, executionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flowgraph.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query execution: %w", err)
	}
	var state flowgraph.ExecutionState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution state: %w", err)
	}
	return &state, nil
}

func (s *Store) PutState(ctx context.Context, state *flowgraph.ExecutionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal execution state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (execution_id, workflow_id, status, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			status      = excluded.status,
			state       = excluded.state,
			updated_at  = excluded.updated_at`,
		state.ExecutionID, state.WorkflowID, string(state.Status), string(data),
		state.CreatedAt.UnixNano(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write execution state: %w", err)
	}
	return nil
}

func (s *Store) ListActive(ctx context.Context) ([]*flowgraph.ExecutionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state FROM executions
		WHERE status NOT IN (?, ?, ?)
		ORDER BY created_at, execution_id`,
		string(flowgraph.ExecutionStatusCompleted),
		string(flowgraph.ExecutionStatusFailed),
		string(flowgraph.ExecutionStatusCancelled))
	if err != nil {
		return nil, fmt.Errorf("failed to list active executions: %w", err)
	}
	defer rows.Close()

	summaries := []*flowgraph.ExecutionSummary{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var state flowgraph.ExecutionState
		if err := json.Unmarshal([]byte(data), &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution state: %w", err)
		}
		summaries = append(summaries, state.Summary())
	}
	return summaries, rows.Err()
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint *flowgraph.Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (execution_id, checkpoint_id, data, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		checkpoint.ExecutionID, checkpoint.ID, string(data), checkpoint.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return flowgraph.ErrCheckpointExists
	}
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, executionID, checkpointID string) (*flowgraph.Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE execution_id = ? AND checkpoint_id = ?`,
		executionID, checkpointID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flowgraph.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	return decodeCheckpoint(data)
}

func (s *Store) ListCheckpoints(ctx context.Context, executionID string) ([]*flowgraph.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM checkpoints WHERE execution_id = ? ORDER BY created_at, checkpoint_id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*flowgraph.Checkpoint
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		cp, err := decodeCheckpoint(data)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Delete removes an execution and its checkpoints.
func (s *Store) Delete(ctx context.Context, executionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE execution_id = ?`, executionID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE execution_id = ?`, executionID); err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}
	return tx.Commit()
}

func decodeCheckpoint(data string) (*flowgraph.Checkpoint, error) {
	var cp flowgraph.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}
