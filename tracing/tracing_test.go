package tracing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/deepnoodle-ai/flowgraph"
	"github.com/deepnoodle-ai/flowgraph/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newSink(t *testing.T) (*tracing.Sink, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return tracing.New(provider.Tracer("flowgraph-test")), recorder
}

func spansByName(spans []sdktrace.ReadOnlySpan) map[string][]sdktrace.ReadOnlySpan {
	out := map[string][]sdktrace.ReadOnlySpan{}
	for _, span := range spans {
		out[span.Name()] = append(out[span.Name()], span)
	}
	return out
}

func TestSpansForPauseAndResume(t *testing.T) {
	sink, recorder := newSink(t)
	engine := flowgraph.NewEngine(flowgraph.EngineOptions{Events: sink})
	engine.Registry().MustRegister("step", flowgraph.NodeHandlerFunc(func(ctx context.Context, req *flowgraph.NodeRequest) (*flowgraph.Outcome, error) {
		return flowgraph.Completed(nil), nil
	}))
	engine.Registry().MustRegister("approval", flowgraph.NodeHandlerFunc(func(ctx context.Context, req *flowgraph.NodeRequest) (*flowgraph.Outcome, error) {
		if req.Context["approved"] == true {
			return flowgraph.Completed(nil), nil
		}
		return flowgraph.Paused("awaiting approval"), nil
	}))
	def := &flowgraph.WorkflowDefinition{ID: "traced", Nodes: []*flowgraph.NodeDefinition{
		{ID: "a", Type: "step", Edges: []*flowgraph.Edge{{To: "gate"}}},
		{ID: "gate", Type: "approval", Edges: []*flowgraph.Edge{{To: "b"}}},
		{ID: "b", Type: "step"},
	}}

	ctx := context.Background()
	started, err := engine.Start(ctx, def, nil, flowgraph.StartOptions{})
	require.NoError(t, err)
	state, err := engine.Wait(ctx, started.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, flowgraph.ExecutionStatusPaused, state.Status)
	assert.Equal(t, 0, sink.Active())

	_, err = engine.Resume(ctx, started.ExecutionID, map[string]any{"approved": true}, flowgraph.ResumeOptions{})
	require.NoError(t, err)
	state, err = engine.Wait(ctx, started.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, flowgraph.ExecutionStatusCompleted, state.Status)
	assert.Equal(t, 0, sink.Active())

	spans := spansByName(recorder.Ended())
	require.Len(t, spans["workflow.run"], 1)
	require.Len(t, spans["workflow.resume"], 1)
	require.Len(t, spans["node a"], 1)
	require.Len(t, spans["node gate"], 2)
	require.Len(t, spans["node b"], 1)

	run := spans["workflow.run"][0]
	assert.Equal(t, codes.Unset, run.Status().Code)
	assert.Equal(t, run.SpanContext().SpanID(), spans["node a"][0].Parent().SpanID())

	resume := spans["workflow.resume"][0]
	assert.Equal(t, codes.Ok, resume.Status().Code)
	assert.Equal(t, resume.SpanContext().SpanID(), spans["node b"][0].Parent().SpanID())
	assert.False(t, spans["node b"][0].StartTime().Before(resume.StartTime()))
}

func TestSpansForFailure(t *testing.T) {
	sink, recorder := newSink(t)
	engine := flowgraph.NewEngine(flowgraph.EngineOptions{Events: sink})
	engine.Registry().MustRegister("broken", flowgraph.NodeHandlerFunc(func(ctx context.Context, req *flowgraph.NodeRequest) (*flowgraph.Outcome, error) {
		return nil, errors.New("disk on fire")
	}))
	def := &flowgraph.WorkflowDefinition{ID: "doomed", Nodes: []*flowgraph.NodeDefinition{
		{ID: "x", Type: "broken"},
	}}

	ctx := context.Background()
	started, err := engine.Start(ctx, def, nil, flowgraph.StartOptions{})
	require.NoError(t, err)
	state, err := engine.Wait(ctx, started.ExecutionID)
	require.NoError(t, err)
	require.Equal(t, flowgraph.ExecutionStatusFailed, state.Status)

	spans := spansByName(recorder.Ended())
	require.Len(t, spans["node x"], 1)
	node := spans["node x"][0]
	assert.Equal(t, codes.Error, node.Status().Code)
	assert.Contains(t, node.Status().Description, "disk on fire")
	require.NotEmpty(t, node.Events())
	assert.Equal(t, "exception", node.Events()[0].Name)

	require.Len(t, spans["workflow.run"], 1)
	assert.Equal(t, codes.Error, spans["workflow.run"][0].Status().Code)
}

func TestCheckpointEventsAnnotateSegment(t *testing.T) {
	sink, recorder := newSink(t)
	engine := flowgraph.NewEngine(flowgraph.EngineOptions{Events: sink})
	engine.Registry().MustRegister("step", flowgraph.NodeHandlerFunc(func(ctx context.Context, req *flowgraph.NodeRequest) (*flowgraph.Outcome, error) {
		return flowgraph.Completed(nil), nil
	}))
	def := &flowgraph.WorkflowDefinition{ID: "saved", Nodes: []*flowgraph.NodeDefinition{
		{ID: "a", Type: "step", Edges: []*flowgraph.Edge{{To: "b"}}},
		{ID: "b", Type: "step"},
	}}

	ctx := context.Background()
	started, err := engine.Start(ctx, def, nil, flowgraph.StartOptions{CheckpointEveryNode: true})
	require.NoError(t, err)
	_, err = engine.Wait(ctx, started.ExecutionID)
	require.NoError(t, err)

	spans := spansByName(recorder.Ended())
	require.Len(t, spans["workflow.run"], 1)
	var saved int
	for _, ev := range spans["workflow.run"][0].Events() {
		if ev.Name == "checkpoint.saved" {
			saved++
		}
	}
	assert.Equal(t, 2, saved)
}
