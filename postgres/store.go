// Package postgres provides a StateStore and CheckpointStore backed by
// PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/flowgraph"
	"github.com/lib/pq"
)

var (
	_ flowgraph.StateStore      = (*Store)(nil)
	_ flowgraph.CheckpointStore = (*Store)(nil)
)

// Store implements both engine stores on PostgreSQL. State and checkpoints
// are stored as JSONB documents next to the columns used for listing.
type Store struct {
	db     *sql.DB
	tables tableNames
}

type tableNames struct {
	executions  string
	checkpoints string
}

// Options configure a Store.
type Options struct {
	// TablePrefix is prepended to the table names. Defaults to "flowgraph_".
	TablePrefix string
}

// Open connects to the database at dsn and applies the schema.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s, err := New(ctx, db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection pool and applies the schema. The caller
// keeps ownership of db.
func New(ctx context.Context, db *sql.DB, opts Options) (*Store, error) {
	prefix := opts.TablePrefix
	if prefix == "" {
		prefix = "flowgraph_"
	}
	s := &Store{
		db: db,
		tables: tableNames{
			executions:  pq.QuoteIdentifier(prefix + "executions"),
			checkpoints: pq.QuoteIdentifier(prefix + "checkpoints"),
		},
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			execution_id  TEXT PRIMARY KEY,
			workflow_id   TEXT NOT NULL,
			status        TEXT NOT NULL,
			current_nodes TEXT[] NOT NULL DEFAULT '{}',
			state         JSONB NOT NULL,
			created_at    BIGINT NOT NULL,
			updated_at    BIGINT NOT NULL
		)`, s.tables.executions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (status, created_at)`,
			pq.QuoteIdentifier(unquoted(s.tables.executions)+"_status_idx"), s.tables.executions),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			execution_id  TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			data          JSONB NOT NULL,
			created_at    BIGINT NOT NULL,
			PRIMARY KEY (execution_id, checkpoint_id)
		)`, s.tables.checkpoints),
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate postgres schema: %w", err)
		}
	}
	return nil
}

func (s *Store) GetState(ctx context.Context, executionID string) (*flowgraph.ExecutionState, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT state FROM %s WHERE execution_id = $1`, s.tables.executions),
		executionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flowgraph.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query execution: %w", err)
	}
	var state flowgraph.ExecutionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution state: %w", err)
	}
	return &state, nil
}

func (s *Store) PutState(ctx context.Context, state *flowgraph.ExecutionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal execution state: %w", err)
	}
	currentNodes := state.CurrentNodes
	if currentNodes == nil {
		currentNodes = []string{}
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (execution_id, workflow_id, status, current_nodes, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (execution_id) DO UPDATE SET
			workflow_id   = EXCLUDED.workflow_id,
			status        = EXCLUDED.status,
			current_nodes = EXCLUDED.current_nodes,
			state         = EXCLUDED.state,
			updated_at    = EXCLUDED.updated_at`, s.tables.executions),
		state.ExecutionID, state.WorkflowID, string(state.Status), pq.Array(currentNodes), data,
		state.CreatedAt.UnixNano(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write execution state: %w", describe(err))
	}
	return nil
}

// ListActive reads summaries from the indexed columns without decoding the
// state documents.
func (s *Store) ListActive(ctx context.Context) ([]*flowgraph.ExecutionSummary, error) {
	terminal := []string{
		string(flowgraph.ExecutionStatusCompleted),
		string(flowgraph.ExecutionStatusFailed),
		string(flowgraph.ExecutionStatusCancelled),
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT execution_id, workflow_id, status, current_nodes, created_at, updated_at
		FROM %s
		WHERE NOT (status = ANY($1))
		ORDER BY created_at, execution_id`, s.tables.executions), pq.Array(terminal))
	if err != nil {
		return nil, fmt.Errorf("failed to list active executions: %w", err)
	}
	defer rows.Close()

	summaries := []*flowgraph.ExecutionSummary{}
	for rows.Next() {
		var (
			summary   flowgraph.ExecutionSummary
			status    string
			nodes     []string
			createdAt int64
			updatedAt int64
		)
		if err := rows.Scan(&summary.ExecutionID, &summary.WorkflowID, &status, pq.Array(&nodes), &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		summary.Status = flowgraph.ExecutionStatus(status)
		summary.CurrentNodes = nodes
		summary.CreatedAt = time.Unix(0, createdAt).UTC()
		summary.UpdatedAt = time.Unix(0, updatedAt).UTC()
		summaries = append(summaries, &summary)
	}
	return summaries, rows.Err()
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint *flowgraph.Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (execution_id, checkpoint_id, data, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (execution_id, checkpoint_id) DO NOTHING`, s.tables.checkpoints),
		checkpoint.ExecutionID, checkpoint.ID, data, checkpoint.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", describe(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return flowgraph.ErrCheckpointExists
	}
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, executionID, checkpointID string) (*flowgraph.Checkpoint, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE execution_id = $1 AND checkpoint_id = $2`, s.tables.checkpoints),
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
		fmt.Sprintf(`SELECT data FROM %s WHERE execution_id = $1 ORDER BY created_at, checkpoint_id`, s.tables.checkpoints),
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*flowgraph.Checkpoint
	for rows.Next() {
		var data []byte
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

// Delete removes an execution and its checkpoints in one transaction.
func (s *Store) Delete(ctx context.Context, executionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE execution_id = $1`, s.tables.checkpoints), executionID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE execution_id = $1`, s.tables.executions), executionID); err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}
	return tx.Commit()
}

// Truncate removes every execution and checkpoint.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`TRUNCATE %s, %s`, s.tables.executions, s.tables.checkpoints))
	return err
}

func decodeCheckpoint(data []byte) (*flowgraph.Checkpoint, error) {
	var cp flowgraph.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// describe adds the SQLSTATE code of a server error to its message.
func describe(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%w (sqlstate %s, %s)", err, pqErr.Code, pqErr.Code.Name())
	}
	return err
}

// unquoted strips the quotes added by pq.QuoteIdentifier.
func unquoted(identifier string) string {
	if len(identifier) >= 2 && identifier[0] == '"' && identifier[len(identifier)-1] == '"' {
		return identifier[1 : len(identifier)-1]
	}
	return identifier
}
