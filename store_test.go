package flowgraph_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepnoodle-ai/flowgraph"
	"github.com/deepnoodle-ai/flowgraph/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStateStore(t *testing.T) {
	storetest.RunStateStoreTests(t, func(t *testing.T) flowgraph.StateStore {
		return flowgraph.NewMemoryStateStore()
	})
}

func TestMemoryCheckpointStore(t *testing.T) {
	storetest.RunCheckpointStoreTests(t, func(t *testing.T) flowgraph.CheckpointStore {
		return flowgraph.NewMemoryCheckpointStore()
	})
}

func newFileStore(t *testing.T) *flowgraph.FileStore {
	store, err := flowgraph.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestFileStateStore(t *testing.T) {
	storetest.RunStateStoreTests(t, func(t *testing.T) flowgraph.StateStore {
		return newFileStore(t)
	})
}

func TestFileCheckpointStore(t *testing.T) {
	storetest.RunCheckpointStoreTests(t, func(t *testing.T) flowgraph.CheckpointStore {
		return newFileStore(t)
	})
}

func TestFileStoreLayout(t *testing.T) {
	store := newFileStore(t)
	ctx := context.Background()

	state := storetest.NewState("exec_layout", flowgraph.ExecutionStatusPaused, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, store.PutState(ctx, state))
	require.NoError(t, store.SaveCheckpoint(ctx, storetest.NewCheckpoint("exec_layout", "ckpt_1", state.CreatedAt)))

	assert.FileExists(t, filepath.Join(store.Dir(), "exec_layout", "state.json"))
	assert.FileExists(t, filepath.Join(store.Dir(), "exec_layout", "checkpoints", "ckpt_1.json"))

	// Unreadable entries are skipped by ListActive.
	require.NoError(t, os.MkdirAll(filepath.Join(store.Dir(), "junk"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "junk", "state.json"), []byte("{"), 0644))
	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	_, err = store.GetState(ctx, "../escape")
	assert.Error(t, err)

	require.NoError(t, store.Delete(ctx, "exec_layout"))
	_, err = store.GetState(ctx, "exec_layout")
	assert.ErrorIs(t, err, flowgraph.ErrNotFound)
}

func TestEngineOverFileStore(t *testing.T) {
	store := newFileStore(t)
	registry := flowgraph.NewRegistry()
	registry.MustRegister("approve", flowgraph.NodeHandlerFunc(func(ctx context.Context, req *flowgraph.NodeRequest) (*flowgraph.Outcome, error) {
		if req.Context["approved"] == true {
			return flowgraph.Completed(map[string]any{"status": "approved"}), nil
		}
		return flowgraph.Paused("awaiting approval"), nil
	}))
	def := &flowgraph.WorkflowDefinition{ID: "file", Nodes: []*flowgraph.NodeDefinition{{ID: "approve", Type: "approve"}}}
	ctx := context.Background()

	first := flowgraph.NewEngine(flowgraph.EngineOptions{Registry: registry, StateStore: store, CheckpointStore: store})
	started, err := first.Start(ctx, def, nil, flowgraph.StartOptions{})
	require.NoError(t, err)
	paused, err := first.Wait(ctx, started.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, flowgraph.ExecutionStatusPaused, paused.Status)
	require.NoError(t, first.Shutdown(ctx))

	// A second engine over the same directory picks the execution up.
	reopened, err := flowgraph.NewFileStore(store.Dir())
	require.NoError(t, err)
	second := flowgraph.NewEngine(flowgraph.EngineOptions{Registry: registry, StateStore: reopened, CheckpointStore: reopened})
	active, err := second.ListActiveExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	_, err = second.Resume(ctx, started.ExecutionID, map[string]any{"approved": true}, flowgraph.ResumeOptions{
		CheckpointID: paused.Checkpoints[0].ID,
		Definition:   def,
	})
	require.NoError(t, err)
	done, err := second.Wait(ctx, started.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, flowgraph.ExecutionStatusCompleted, done.Status)
	assert.Equal(t, "approved", done.Context["status"])
}
