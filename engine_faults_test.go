package flowgraph

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDiskFull = errors.New("disk full")

// flakyStates fails writes or reads while the matching flag is set.
type flakyStates struct {
	*MemoryStateStore
	failPuts atomic.Bool
	failGets atomic.Bool
	puts     atomic.Int32
}

func (s *flakyStates) GetState(ctx context.Context, executionID string) (*ExecutionState, error) {
	if s.failGets.Load() {
		return nil, errDiskFull
	}
	return s.MemoryStateStore.GetState(ctx, executionID)
}

func (s *flakyStates) PutState(ctx context.Context, state *ExecutionState) error {
	s.puts.Add(1)
	if s.failPuts.Load() {
		return errDiskFull
	}
	return s.MemoryStateStore.PutState(ctx, state)
}

type flakyCheckpoints struct {
	*MemoryCheckpointStore
	failSaves atomic.Bool
}

func (s *flakyCheckpoints) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	if s.failSaves.Load() {
		return errDiskFull
	}
	return s.MemoryCheckpointStore.SaveCheckpoint(ctx, checkpoint)
}

func newFlakyEnv(t *testing.T) (*testEnv, *flakyStates, *flakyCheckpoints) {
	t.Helper()
	var states *flakyStates
	var checkpoints *flakyCheckpoints
	env := newTestEnv(t, func(env *testEnv, opts *EngineOptions) {
		states = &flakyStates{MemoryStateStore: env.states}
		checkpoints = &flakyCheckpoints{MemoryCheckpointStore: env.checkpoints}
		opts.StateStore = states
		opts.CheckpointStore = checkpoints
	})
	return env, states, checkpoints
}

func TestStartStoreFailureLeavesNothingBehind(t *testing.T) {
	env, states, _ := newFlakyEnv(t)
	def := workflow("retryable", node("A", "mark", "B"), node("B", "mark"))
	ctx := context.Background()

	states.failPuts.Store(true)
	_, err := env.engine.Start(ctx, def, nil, StartOptions{ExecutionID: "exec_retry"})
	require.Error(t, err)
	assert.Equal(t, CodeStoreFailure, CodeOf(err))
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, int32(1), states.puts.Load())

	_, err = env.engine.GetState(ctx, "exec_retry")
	assert.Equal(t, CodeExecutionNotFound, CodeOf(err))
	active, err := env.engine.ListActiveExecutions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Empty(t, env.sink.names("exec_retry"))

	states.failPuts.Store(false)
	_, err = env.engine.Start(ctx, def, nil, StartOptions{ExecutionID: "exec_retry"})
	require.NoError(t, err)
	state := env.wait(t, "exec_retry")
	assert.Equal(t, ExecutionStatusCompleted, state.Status)
	assert.Equal(t, []string{"A", "B"}, state.CompletedNodes)
}

func TestStartExistenceCheckFailure(t *testing.T) {
	env, states, _ := newFlakyEnv(t)
	states.failGets.Store(true)

	_, err := env.engine.Start(context.Background(), workflow("wf", node("A", "mark")), nil, StartOptions{ExecutionID: "exec_unreadable"})
	require.Error(t, err)
	assert.Equal(t, CodeStoreFailure, CodeOf(err))
	assert.Zero(t, states.puts.Load())
}

func TestCancelStoreFailureKeepsRunExecuting(t *testing.T) {
	env, states, _ := newFlakyEnv(t)
	entered := make(chan struct{})
	env.registry.MustRegister("slow", NodeHandlerFunc(func(ctx context.Context, req *NodeRequest) (*Outcome, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	ctx := context.Background()

	started, err := env.engine.Start(ctx, workflow("stubborn", node("A", "slow")), nil, StartOptions{})
	require.NoError(t, err)
	<-entered

	states.failPuts.Store(true)
	_, err = env.engine.Cancel(ctx, started.ExecutionID, "stop")
	require.Error(t, err)
	assert.Equal(t, CodeStoreFailure, CodeOf(err))

	live, err := env.engine.GetState(ctx, started.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusRunning, live.Status)
	assert.Equal(t, []string{"A"}, live.CurrentNodes)
	assert.True(t, live.CompletedAt.IsZero())
	stored, err := env.states.GetState(ctx, started.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusRunning, stored.Status)
	assert.Zero(t, env.sink.count(started.ExecutionID, EventWorkflowCancelled))

	states.failPuts.Store(false)
	_, err = env.engine.Cancel(ctx, started.ExecutionID, "stop")
	require.NoError(t, err)
	state := env.wait(t, started.ExecutionID)
	assert.Equal(t, ExecutionStatusCancelled, state.Status)
	assert.Equal(t, 1, env.sink.count(started.ExecutionID, EventWorkflowCancelled))
}

func TestCancelPausedStoreFailureKeepsItResumable(t *testing.T) {
	env, states, _ := newFlakyEnv(t)
	ctx := context.Background()

	started, err := env.engine.Start(ctx, workflow("approval", humanNode("H", "ok")), nil, StartOptions{})
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusPaused, env.wait(t, started.ExecutionID).Status)

	states.failPuts.Store(true)
	_, err = env.engine.Cancel(ctx, started.ExecutionID, "stop")
	assert.Equal(t, CodeStoreFailure, CodeOf(err))
	_, err = env.engine.Resume(ctx, started.ExecutionID, map[string]any{"ok": true}, ResumeOptions{})
	assert.Equal(t, CodeStoreFailure, CodeOf(err))

	states.failPuts.Store(false)
	stored, err := env.engine.GetState(ctx, started.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusPaused, stored.Status)
	assert.Equal(t, []string{"H"}, stored.PausedNodes)

	_, err = env.engine.Resume(ctx, started.ExecutionID, map[string]any{"ok": true}, ResumeOptions{})
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCompleted, env.wait(t, started.ExecutionID).Status)
}

func TestPauseCheckpointFailureSurfacesFromWait(t *testing.T) {
	env, _, checkpoints := newFlakyEnv(t)
	def := workflow("approval", node("A", "mark", "H"), humanNode("H", "ok"))
	ctx := context.Background()

	checkpoints.failSaves.Store(true)
	started, err := env.engine.Start(ctx, def, nil, StartOptions{})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = env.engine.Wait(waitCtx, started.ExecutionID)
	require.Error(t, err)
	assert.Equal(t, CodeStoreFailure, CodeOf(err))
	assert.ErrorIs(t, err, errDiskFull)
	assert.Zero(t, env.sink.count(started.ExecutionID, EventWorkflowPaused))

	// The error outlives the run loop.
	_, err = env.engine.Wait(waitCtx, started.ExecutionID)
	assert.Equal(t, CodeStoreFailure, CodeOf(err))

	// The store still holds the last running state, so the run can be
	// picked up again once checkpoints can be written.
	stored, err := env.states.GetState(ctx, started.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusRunning, stored.Status)
	assert.Equal(t, []string{"H"}, stored.CurrentNodes)
	assert.Empty(t, stored.Checkpoints)

	checkpoints.failSaves.Store(false)
	_, err = env.engine.Recover(ctx, started.ExecutionID, def)
	require.NoError(t, err)
	state := env.wait(t, started.ExecutionID)
	assert.Equal(t, ExecutionStatusPaused, state.Status)
	assert.Equal(t, []string{"H"}, state.PausedNodes)
	require.Len(t, state.Checkpoints, 1)
}

func TestCancelRacesRunCompletion(t *testing.T) {
	env := newTestEnv(t)
	def := workflow("quick", node("A", "mark", "B"), node("B", "mark"))
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		started, err := env.engine.Start(ctx, def, nil, StartOptions{})
		require.NoError(t, err)
		cancelled := make(chan error, 1)
		go func() {
			_, err := env.engine.Cancel(ctx, started.ExecutionID, "race")
			cancelled <- err
		}()
		state := env.wait(t, started.ExecutionID)
		if err := <-cancelled; err != nil {
			assert.Equal(t, CodeAlreadyTerminal, CodeOf(err))
		}
		final, err := env.engine.GetState(ctx, started.ExecutionID)
		require.NoError(t, err)
		assert.True(t, final.Status.IsTerminal())
		assert.Contains(t, []ExecutionStatus{ExecutionStatusCompleted, ExecutionStatusCancelled}, state.Status)
	}
}
