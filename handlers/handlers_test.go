package handlers_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deepnoodle-ai/flowgraph"
	"github.com/deepnoodle-ai/flowgraph/handlers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(nodeType string, config, execContext map[string]any) *flowgraph.NodeRequest {
	return &flowgraph.NodeRequest{
		ExecutionID: "exec_test",
		WorkflowID:  "wf",
		Node:        &flowgraph.NodeDefinition{ID: "n1", Type: nodeType, Config: config},
		Config:      config,
		Context:     execContext,
		Attempt:     1,
	}
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	h := handlers.NewPrint(&buf)

	out, err := h.Handle(context.Background(), request("print", map[string]any{
		"message": "hello ${context.name}",
	}, map[string]any{"name": "world"}))
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", buf.String())
	assert.Equal(t, "hello world", out.Output["message"])

	_, err = h.Handle(context.Background(), request("print", nil, nil))
	require.Error(t, err)
	assert.Equal(t, flowgraph.ErrorTypeFatal, flowgraph.ClassifyError(err))
}

func TestWait(t *testing.T) {
	h := handlers.NewWait()

	out, err := h.Handle(context.Background(), request("wait", map[string]any{"duration": "5ms"}, nil))
	require.NoError(t, err)
	assert.Equal(t, flowgraph.OutcomeCompleted, out.Kind)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Handle(ctx, request("wait", map[string]any{"duration": "1h"}, nil))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = h.Handle(context.Background(), request("wait", map[string]any{"duration": "soon"}, nil))
	require.Error(t, err)
}

func TestFail(t *testing.T) {
	h := handlers.NewFail()

	_, err := h.Handle(context.Background(), request("fail", map[string]any{"message": "boom"}, nil))
	require.EqualError(t, err, "boom")

	_, err = h.Handle(context.Background(), request("fail", map[string]any{"type": "rate_limited"}, nil))
	var typed *flowgraph.TypedError
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, "rate_limited", typed.Type)
}

func TestSet(t *testing.T) {
	out, err := handlers.NewSet().Handle(context.Background(), request("set", map[string]any{
		"values": map[string]any{"greeting": "hi ${context.name}", "n": 3},
	}, map[string]any{"name": "ann"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"greeting": "hi ann", "n": float64(3)}, out.Output)
}

func TestHuman(t *testing.T) {
	h := handlers.NewHuman()
	config := map[string]any{"key": "approved", "prompt": "approve the plan"}

	out, err := h.Handle(context.Background(), request("human", config, map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, flowgraph.OutcomePaused, out.Kind)
	assert.Equal(t, "approve the plan", out.Reason)

	out, err = h.Handle(context.Background(), request("human", config, map[string]any{"approved": true}))
	require.NoError(t, err)
	assert.Equal(t, flowgraph.OutcomeCompleted, out.Kind)
}

func TestScript(t *testing.T) {
	registry := flowgraph.NewRegistry()
	require.NoError(t, handlers.RegisterAll(registry, handlers.Options{Output: &bytes.Buffer{}}))
	h, ok := registry.Lookup(handlers.TypeScript)
	require.True(t, ok)

	t.Run("risor map result becomes output", func(t *testing.T) {
		out, err := h.Handle(context.Background(), request("script", map[string]any{
			"code": `{"sum": context.a + config.b}`,
			"b":    2,
		}, map[string]any{"a": 1}))
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"sum": int64(3)}, out.Output)
	})

	t.Run("expr scalar result", func(t *testing.T) {
		out, err := h.Handle(context.Background(), request("script", map[string]any{
			"code":     "context.a * 10",
			"language": "expr",
		}, map[string]any{"a": 4}))
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"result": 40}, out.Output)
	})

	t.Run("compile error is fatal", func(t *testing.T) {
		_, err := h.Handle(context.Background(), request("script", map[string]any{"code": "1 +"}, nil))
		require.Error(t, err)
		assert.Equal(t, flowgraph.ErrorTypeFatal, flowgraph.ClassifyError(err))
	})
}

func TestTime(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	out, err := handlers.NewTime(func() time.Time { return fixed }).Handle(context.Background(),
		request("time", map[string]any{"utc": true}, nil))
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T12:00:00Z", out.Output["time"])
}

func TestWorkflowWithBuiltins(t *testing.T) {
	var buf bytes.Buffer
	registry := flowgraph.NewRegistry()
	require.NoError(t, handlers.RegisterAll(registry, handlers.Options{Output: &buf}))
	engine := flowgraph.NewEngine(flowgraph.EngineOptions{Registry: registry})

	def, err := flowgraph.LoadString(`
id: approval
nodes:
  - id: prepare
    type: set
    config:
      values:
        subject: quarterly report
    edges:
      - to: review
  - id: review
    type: human
    config:
      key: approved
    edges:
      - to: publish
        condition: context.approved == true
      - to: reject
        condition: context.approved != true
  - id: publish
    type: print
    config:
      message: "publishing ${context.subject}"
  - id: reject
    type: print
    config:
      message: "rejected ${context.subject}"
`)
	require.NoError(t, err)

	ctx := context.Background()
	started, err := engine.Start(ctx, def, nil, flowgraph.StartOptions{})
	require.NoError(t, err)

	state, err := engine.Wait(ctx, started.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, flowgraph.ExecutionStatusPaused, state.Status)
	assert.Equal(t, []string{"review"}, state.CurrentNodes)

	_, err = engine.Resume(ctx, started.ExecutionID, map[string]any{"approved": true}, flowgraph.ResumeOptions{})
	require.NoError(t, err)
	state, err = engine.Wait(ctx, started.ExecutionID)
	require.NoError(t, err)

	assert.Equal(t, flowgraph.ExecutionStatusCompleted, state.Status)
	assert.Equal(t, []string{"prepare", "review", "publish"}, state.CompletedNodes)
	assert.Equal(t, "publishing quarterly report\n", buf.String())
}
