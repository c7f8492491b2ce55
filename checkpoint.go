package flowgraph

import (
	"context"
	"errors"
	"time"
)

// Checkpoint contains an immutable snapshot of execution context and node
// membership. Resuming from a checkpoint produces new forward progress; the
// checkpoint itself is never rewritten.
type Checkpoint struct {
	ID             string              `json:"id"`
	ExecutionID    string              `json:"execution_id"`
	WorkflowID     string              `json:"workflow_id"`
	Context        map[string]any      `json:"context"`
	CurrentNodes   []string            `json:"current_nodes"`
	CompletedNodes []string            `json:"completed_nodes"`
	FailedNodes    []string            `json:"failed_nodes"`
	PausedNodes    []string            `json:"paused_nodes,omitempty"`
	Joins          map[string][]string `json:"joins,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// Copy returns a deep copy of the checkpoint.
func (c *Checkpoint) Copy() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.Context = copyMap(c.Context)
	out.CurrentNodes = copyStrings(c.CurrentNodes)
	out.CompletedNodes = copyStrings(c.CompletedNodes)
	out.FailedNodes = copyStrings(c.FailedNodes)
	out.PausedNodes = copyStrings(c.PausedNodes)
	out.Joins = copyJoins(c.Joins)
	return &out
}

// snapshotCheckpoint takes a checkpoint of the given state.
func snapshotCheckpoint(id string, s *ExecutionState, at time.Time) *Checkpoint {
	return &Checkpoint{
		ID:             id,
		ExecutionID:    s.ExecutionID,
		WorkflowID:     s.WorkflowID,
		Context:        copyMap(s.Context),
		CurrentNodes:   copyStrings(s.CurrentNodes),
		CompletedNodes: copyStrings(s.CompletedNodes),
		FailedNodes:    copyStrings(s.FailedNodes),
		PausedNodes:    copyStrings(s.PausedNodes),
		Joins:          copyJoins(s.Joins),
		CreatedAt:      at,
	}
}

// CheckpointManager saves and restores checkpoints through a CheckpointStore.
type CheckpointManager struct {
	store CheckpointStore
}

// NewCheckpointManager returns a manager backed by the given store.
func NewCheckpointManager(store CheckpointStore) *CheckpointManager {
	return &CheckpointManager{store: store}
}

// Save snapshots the state, persists it and records its summary on the
// state. It returns the new checkpoint id.
func (m *CheckpointManager) Save(ctx context.Context, state *ExecutionState) (string, error) {
	now := time.Now()
	cp := snapshotCheckpoint(NewCheckpointID(), state, now)
	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return "", newEngineError(CodeStoreFailure, state.ExecutionID, err, "failed to save checkpoint")
	}
	state.Checkpoints = append(state.Checkpoints, CheckpointSummary{ID: cp.ID, Timestamp: now})
	state.UpdatedAt = now
	return cp.ID, nil
}

// Restore loads a checkpoint belonging to the given execution.
func (m *CheckpointManager) Restore(ctx context.Context, executionID, checkpointID string) (*Checkpoint, error) {
	cp, err := m.store.LoadCheckpoint(ctx, executionID, checkpointID)
	if errors.Is(err, ErrNotFound) {
		return nil, newEngineError(CodeCheckpointNotFound, executionID, nil, "checkpoint %q not found", checkpointID)
	}
	if err != nil {
		return nil, newEngineError(CodeStoreFailure, executionID, err, "failed to load checkpoint %q", checkpointID)
	}
	if cp.ExecutionID != executionID {
		return nil, newEngineError(CodeCheckpointNotFound, executionID, nil, "checkpoint %q belongs to another execution", checkpointID)
	}
	return cp, nil
}

// List returns the checkpoints of an execution, oldest first.
func (m *CheckpointManager) List(ctx context.Context, executionID string) ([]*Checkpoint, error) {
	cps, err := m.store.ListCheckpoints(ctx, executionID)
	if err != nil {
		return nil, newEngineError(CodeStoreFailure, executionID, err, "failed to list checkpoints")
	}
	return cps, nil
}
