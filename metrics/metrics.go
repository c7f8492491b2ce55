// Package metrics exports workflow events as Prometheus metrics.
package metrics

import (
	"context"

	"github.com/deepnoodle-ai/flowgraph"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var _ flowgraph.EventSink = (*Sink)(nil)

// Sink is an EventSink that records execution and node counters. All metrics
// are namespaced "flowgraph" and labelled by workflow id.
type Sink struct {
	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionsPaused   *prometheus.CounterVec
	nodes              *prometheus.CounterVec
	nodeDuration       *prometheus.HistogramVec
	retries            *prometheus.CounterVec
	checkpoints        *prometheus.CounterVec
}

// New creates the metrics and registers them with registerer. A nil
// registerer selects prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *Sink {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Sink{
		executionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgraph",
			Name:      "executions_started_total",
			Help:      "Executions started",
		}, []string{"workflow_id"}),
		executionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgraph",
			Name:      "executions_finished_total",
			Help:      "Executions that reached a terminal status",
		}, []string{"workflow_id", "status"}),
		executionsPaused: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgraph",
			Name:      "executions_paused_total",
			Help:      "Times an execution paused for external input",
		}, []string{"workflow_id"}),
		nodes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgraph",
			Name:      "nodes_total",
			Help:      "Resolved node dispatches by outcome",
		}, []string{"workflow_id", "outcome"}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowgraph",
			Name:      "node_duration_seconds",
			Help:      "Node dispatch duration including retries",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60},
		}, []string{"workflow_id", "outcome"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgraph",
			Name:      "node_retries_total",
			Help:      "Node attempts beyond the first",
		}, []string{"workflow_id"}),
		checkpoints: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgraph",
			Name:      "checkpoints_saved_total",
			Help:      "Checkpoints saved",
		}, []string{"workflow_id"}),
	}
}

func (s *Sink) Emit(ctx context.Context, event *flowgraph.Event) {
	wf := event.WorkflowID
	switch event.Name {
	case flowgraph.EventWorkflowStart:
		s.executionsStarted.WithLabelValues(wf).Inc()
	case flowgraph.EventWorkflowComplete:
		s.executionsFinished.WithLabelValues(wf, string(flowgraph.ExecutionStatusCompleted)).Inc()
	case flowgraph.EventWorkflowFailed:
		s.executionsFinished.WithLabelValues(wf, string(flowgraph.ExecutionStatusFailed)).Inc()
	case flowgraph.EventWorkflowCancelled:
		s.executionsFinished.WithLabelValues(wf, string(flowgraph.ExecutionStatusCancelled)).Inc()
	case flowgraph.EventWorkflowPaused:
		s.executionsPaused.WithLabelValues(wf).Inc()
	case flowgraph.EventCheckpointSaved:
		s.checkpoints.WithLabelValues(wf).Inc()
	case flowgraph.EventNodeComplete:
		s.observeNode(wf, "completed", event.Data)
	case flowgraph.EventNodeError:
		s.observeNode(wf, "error", event.Data)
	}
}

func (s *Sink) observeNode(workflowID, outcome string, data map[string]any) {
	s.nodes.WithLabelValues(workflowID, outcome).Inc()
	if ms, ok := number(data["duration_ms"]); ok {
		s.nodeDuration.WithLabelValues(workflowID, outcome).Observe(ms / 1000)
	}
	if attempts, ok := number(data["attempts"]); ok && attempts > 1 {
		s.retries.WithLabelValues(workflowID).Add(attempts - 1)
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
