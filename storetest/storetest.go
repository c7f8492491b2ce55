// Package storetest provides conformance tests shared by every StateStore
// and CheckpointStore implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/flowgraph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// base is a fixed timestamp so stored times compare equal after any
// serialization round trip.
var base = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

// NewState builds a populated execution state for the given id.
func NewState(executionID string, status flowgraph.ExecutionStatus, created time.Time) *flowgraph.ExecutionState {
	return &flowgraph.ExecutionState{
		ExecutionID:    executionID,
		WorkflowID:     "orders",
		Status:         status,
		Context:        map[string]any{"customer": "acme", "total": float64(42.5), "items": []any{"a", "b"}, "nested": map[string]any{"ok": true}},
		CurrentNodes:   []string{"ship"},
		CompletedNodes: []string{"fetch", "check"},
		FailedNodes:    []string{},
		PausedNodes:    []string{"ship"},
		Joins:          map[string][]string{"merge": {"check"}},
		History: []flowgraph.HistoryEntry{
			{Event: "workflow.start", Timestamp: created},
			{NodeID: "fetch", Event: "workflow.node.complete", Timestamp: created.Add(time.Second), Detail: map[string]any{"attempts": float64(1)}},
		},
		Errors:      []flowgraph.ExecutionError{{NodeID: "lookup", Code: flowgraph.CodeNodeFailed, Message: "optional lookup failed", Timestamp: created.Add(2 * time.Second)}},
		Checkpoints: []flowgraph.CheckpointSummary{{ID: "ckpt_1", Timestamp: created.Add(3 * time.Second)}},
		Options:     flowgraph.RunOptions{CheckpointEveryNode: true},
		User:        map[string]any{"id": "u1"},
		CreatedAt:   created,
		StartedAt:   created,
		UpdatedAt:   created.Add(3 * time.Second),
	}
}

// NewCheckpoint builds a checkpoint for the given execution.
func NewCheckpoint(executionID, id string, created time.Time) *flowgraph.Checkpoint {
	return &flowgraph.Checkpoint{
		ID:             id,
		ExecutionID:    executionID,
		WorkflowID:     "orders",
		Context:        map[string]any{"step": id, "count": float64(2)},
		CurrentNodes:   []string{"ship"},
		CompletedNodes: []string{"fetch"},
		FailedNodes:    []string{},
		PausedNodes:    []string{"ship"},
		CreatedAt:      created,
	}
}

// RunStateStoreTests runs the StateStore conformance suite. newStore must
// return an empty store.
func RunStateStoreTests(t *testing.T, newStore func(t *testing.T) flowgraph.StateStore) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetState(ctx, "exec_missing")
		require.True(t, errors.Is(err, flowgraph.ErrNotFound), "got %v", err)
	})

	t.Run("put then get", func(t *testing.T) {
		store := newStore(t)
		state := NewState("exec_roundtrip", flowgraph.ExecutionStatusPaused, base)
		require.NoError(t, store.PutState(ctx, state))

		got, err := store.GetState(ctx, "exec_roundtrip")
		require.NoError(t, err)
		assert.Equal(t, state, got)
	})

	t.Run("put replaces", func(t *testing.T) {
		store := newStore(t)
		state := NewState("exec_replace", flowgraph.ExecutionStatusRunning, base)
		require.NoError(t, store.PutState(ctx, state))

		state.Status = flowgraph.ExecutionStatusCompleted
		state.CompletedAt = base.Add(time.Minute)
		state.CurrentNodes = []string{}
		state.History = append(state.History, flowgraph.HistoryEntry{Event: "workflow.complete", Timestamp: base.Add(time.Minute)})
		require.NoError(t, store.PutState(ctx, state))

		got, err := store.GetState(ctx, "exec_replace")
		require.NoError(t, err)
		assert.Equal(t, flowgraph.ExecutionStatusCompleted, got.Status)
		assert.Len(t, got.History, 3)
		assert.True(t, got.CompletedAt.Equal(base.Add(time.Minute)))
	})

	t.Run("returned state is detached", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.PutState(ctx, NewState("exec_copy", flowgraph.ExecutionStatusRunning, base)))

		got, err := store.GetState(ctx, "exec_copy")
		require.NoError(t, err)
		got.Context["customer"] = "changed"
		got.CompletedNodes[0] = "changed"

		again, err := store.GetState(ctx, "exec_copy")
		require.NoError(t, err)
		assert.Equal(t, "acme", again.Context["customer"])
		assert.Equal(t, "fetch", again.CompletedNodes[0])
	})

	t.Run("list active", func(t *testing.T) {
		store := newStore(t)
		for i, status := range []flowgraph.ExecutionStatus{
			flowgraph.ExecutionStatusRunning,
			flowgraph.ExecutionStatusCompleted,
			flowgraph.ExecutionStatusPaused,
			flowgraph.ExecutionStatusFailed,
			flowgraph.ExecutionStatusCancelled,
			flowgraph.ExecutionStatusPending,
		} {
			id := fmt.Sprintf("exec_%d", i)
			require.NoError(t, store.PutState(ctx, NewState(id, status, base.Add(time.Duration(-i)*time.Minute))))
		}

		active, err := store.ListActive(ctx)
		require.NoError(t, err)
		var ids []string
		for _, summary := range active {
			ids = append(ids, summary.ExecutionID)
			assert.Equal(t, "orders", summary.WorkflowID)
			assert.False(t, summary.Status.IsTerminal())
		}
		assert.Equal(t, []string{"exec_5", "exec_2", "exec_0"}, ids)
		assert.Equal(t, []string{"ship"}, active[0].CurrentNodes)
	})

	t.Run("list active empty", func(t *testing.T) {
		store := newStore(t)
		active, err := store.ListActive(ctx)
		require.NoError(t, err)
		assert.Empty(t, active)
	})

	t.Run("concurrent writers", func(t *testing.T) {
		store := newStore(t)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				state := NewState(fmt.Sprintf("exec_concurrent_%d", i), flowgraph.ExecutionStatusRunning, base)
				for j := 0; j < 5; j++ {
					state.Context["j"] = float64(j)
					assert.NoError(t, store.PutState(ctx, state))
				}
			}()
		}
		wg.Wait()
		for i := 0; i < 8; i++ {
			got, err := store.GetState(ctx, fmt.Sprintf("exec_concurrent_%d", i))
			require.NoError(t, err)
			assert.Equal(t, float64(4), got.Context["j"])
		}
	})
}

// RunCheckpointStoreTests runs the CheckpointStore conformance suite.
// newStore must return an empty store.
func RunCheckpointStoreTests(t *testing.T, newStore func(t *testing.T) flowgraph.CheckpointStore) {
	ctx := context.Background()

	t.Run("save then load", func(t *testing.T) {
		store := newStore(t)
		cp := NewCheckpoint("exec_a", "ckpt_1", base)
		cp.Joins = map[string][]string{"merge": {"left"}}
		require.NoError(t, store.SaveCheckpoint(ctx, cp))

		got, err := store.LoadCheckpoint(ctx, "exec_a", "ckpt_1")
		require.NoError(t, err)
		assert.Equal(t, cp, got)
	})

	t.Run("load missing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.LoadCheckpoint(ctx, "exec_a", "ckpt_missing")
		require.True(t, errors.Is(err, flowgraph.ErrNotFound), "got %v", err)

		require.NoError(t, store.SaveCheckpoint(ctx, NewCheckpoint("exec_a", "ckpt_1", base)))
		_, err = store.LoadCheckpoint(ctx, "exec_b", "ckpt_1")
		require.True(t, errors.Is(err, flowgraph.ErrNotFound), "checkpoints are scoped to their execution")
	})

	t.Run("checkpoints are immutable", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.SaveCheckpoint(ctx, NewCheckpoint("exec_a", "ckpt_1", base)))

		changed := NewCheckpoint("exec_a", "ckpt_1", base.Add(time.Hour))
		changed.Context["step"] = "overwritten"
		err := store.SaveCheckpoint(ctx, changed)
		require.True(t, errors.Is(err, flowgraph.ErrCheckpointExists), "got %v", err)

		got, err := store.LoadCheckpoint(ctx, "exec_a", "ckpt_1")
		require.NoError(t, err)
		assert.Equal(t, "ckpt_1", got.Context["step"])
	})

	t.Run("list oldest first", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.SaveCheckpoint(ctx, NewCheckpoint("exec_a", "ckpt_c", base.Add(2*time.Second))))
		require.NoError(t, store.SaveCheckpoint(ctx, NewCheckpoint("exec_a", "ckpt_a", base)))
		require.NoError(t, store.SaveCheckpoint(ctx, NewCheckpoint("exec_a", "ckpt_b", base.Add(time.Second))))
		require.NoError(t, store.SaveCheckpoint(ctx, NewCheckpoint("exec_b", "ckpt_x", base)))

		cps, err := store.ListCheckpoints(ctx, "exec_a")
		require.NoError(t, err)
		var ids []string
		for _, cp := range cps {
			ids = append(ids, cp.ID)
		}
		assert.Equal(t, []string{"ckpt_a", "ckpt_b", "ckpt_c"}, ids)

		none, err := store.ListCheckpoints(ctx, "exec_none")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}
