package metrics

import (
	"context"
	"strings"
	"testing"

	"github.com/deepnoodle-ai/flowgraph"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkCountsEvents(t *testing.T) {
	sink := New(prometheus.NewRegistry())
	ctx := context.Background()
	emit := func(name flowgraph.EventName, data map[string]any) {
		sink.Emit(ctx, &flowgraph.Event{Name: name, ExecutionID: "exec_1", WorkflowID: "orders", Data: data})
	}

	emit(flowgraph.EventWorkflowStart, nil)
	emit(flowgraph.EventNodeStart, nil)
	emit(flowgraph.EventNodeComplete, map[string]any{"duration_ms": int64(250), "attempts": 3})
	emit(flowgraph.EventNodeError, map[string]any{"duration_ms": int64(10), "attempts": 1})
	emit(flowgraph.EventCheckpointSaved, nil)
	emit(flowgraph.EventWorkflowPaused, nil)
	emit(flowgraph.EventWorkflowFailed, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(sink.executionsStarted.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.executionsFinished.WithLabelValues("orders", "failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(sink.executionsFinished.WithLabelValues("orders", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.executionsPaused.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.nodes.WithLabelValues("orders", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.nodes.WithLabelValues("orders", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.retries.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.checkpoints.WithLabelValues("orders")))
	assert.Equal(t, 2, testutil.CollectAndCount(sink.nodeDuration))
}

func TestSinkWithEngine(t *testing.T) {
	registry := prometheus.NewRegistry()
	sink := New(registry)
	engine := flowgraph.NewEngine(flowgraph.EngineOptions{Events: sink})
	engine.Registry().MustRegister("noop", flowgraph.NodeHandlerFunc(func(ctx context.Context, req *flowgraph.NodeRequest) (*flowgraph.Outcome, error) {
		return flowgraph.Completed(nil), nil
	}))
	def := &flowgraph.WorkflowDefinition{ID: "metered", Nodes: []*flowgraph.NodeDefinition{
		{ID: "a", Type: "noop", Edges: []*flowgraph.Edge{{To: "b"}}},
		{ID: "b", Type: "noop"},
	}}

	ctx := context.Background()
	started, err := engine.Start(ctx, def, nil, flowgraph.StartOptions{})
	require.NoError(t, err)
	_, err = engine.Wait(ctx, started.ExecutionID)
	require.NoError(t, err)

	expected := `
# HELP flowgraph_executions_finished_total Executions that reached a terminal status
# TYPE flowgraph_executions_finished_total counter
flowgraph_executions_finished_total{status="completed",workflow_id="metered"} 1
# HELP flowgraph_nodes_total Resolved node dispatches by outcome
# TYPE flowgraph_nodes_total counter
flowgraph_nodes_total{outcome="completed",workflow_id="metered"} 2
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"flowgraph_executions_finished_total", "flowgraph_nodes_total"))
}
