// Package tracing turns workflow events into OpenTelemetry spans.
//
// Each execution segment (from start or resume until a pause or terminal
// event) becomes one span, and every node dispatch becomes a child span of
// its segment. Span timestamps come from the events, so spans reflect when
// work happened rather than when the sink observed it.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/deepnoodle-ai/flowgraph"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ flowgraph.EventSink = (*Sink)(nil)

// Sink is an EventSink that records spans on a tracer.
type Sink struct {
	tracer trace.Tracer

	mu    sync.Mutex
	execs map[string]*segment
}

type segment struct {
	ctx   context.Context
	span  trace.Span
	nodes map[string]trace.Span
}

// New returns a Sink recording on tracer.
func New(tracer trace.Tracer) *Sink {
	return &Sink{tracer: tracer, execs: map[string]*segment{}}
}

func (s *Sink) Emit(ctx context.Context, event *flowgraph.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.Name {
	case flowgraph.EventWorkflowStart:
		s.open(ctx, event, "workflow.run")
	case flowgraph.EventNodeStart:
		seg := s.segmentFor(ctx, event)
		_, span := s.tracer.Start(seg.ctx, "node "+event.NodeID,
			trace.WithTimestamp(event.Timestamp),
			trace.WithAttributes(
				attribute.String("flowgraph.execution_id", event.ExecutionID),
				attribute.String("flowgraph.node_id", event.NodeID),
				attribute.String("flowgraph.node_type", fmt.Sprint(event.Data["node_type"])),
			))
		if prev, ok := seg.nodes[event.NodeID]; ok {
			prev.End(trace.WithTimestamp(event.Timestamp))
		}
		seg.nodes[event.NodeID] = span
	case flowgraph.EventNodeComplete:
		if span := s.takeNode(event); span != nil {
			setAttempts(span, event.Data)
			span.SetStatus(codes.Ok, "")
			span.End(trace.WithTimestamp(event.Timestamp))
		}
	case flowgraph.EventNodeError:
		if span := s.takeNode(event); span != nil {
			setAttempts(span, event.Data)
			msg := fmt.Sprint(event.Data["error"])
			span.SetAttributes(attribute.String("flowgraph.error_code", fmt.Sprint(event.Data["code"])))
			span.RecordError(errors.New(msg), trace.WithTimestamp(event.Timestamp))
			span.SetStatus(codes.Error, msg)
			span.End(trace.WithTimestamp(event.Timestamp))
		}
	case flowgraph.EventCheckpointSaved:
		if seg, ok := s.execs[event.ExecutionID]; ok {
			seg.span.AddEvent("checkpoint.saved",
				trace.WithTimestamp(event.Timestamp),
				trace.WithAttributes(attribute.String("flowgraph.checkpoint_id", fmt.Sprint(event.Data["checkpoint_id"]))))
		}
	case flowgraph.EventWorkflowPaused:
		s.close(event, codes.Unset, "paused")
	case flowgraph.EventWorkflowComplete:
		s.close(event, codes.Ok, "")
	case flowgraph.EventWorkflowFailed:
		s.close(event, codes.Error, fmt.Sprint(event.Data["error"]))
	case flowgraph.EventWorkflowCancelled:
		s.close(event, codes.Error, "cancelled")
	}
}

// Active reports how many executions have an open segment span.
func (s *Sink) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.execs)
}

func (s *Sink) open(ctx context.Context, event *flowgraph.Event, name string) *segment {
	if ctx == nil {
		ctx = context.Background()
	}
	spanCtx, span := s.tracer.Start(ctx, name,
		trace.WithTimestamp(event.Timestamp),
		trace.WithAttributes(
			attribute.String("flowgraph.execution_id", event.ExecutionID),
			attribute.String("flowgraph.workflow_id", event.WorkflowID),
		))
	seg := &segment{ctx: spanCtx, span: span, nodes: map[string]trace.Span{}}
	s.execs[event.ExecutionID] = seg
	return seg
}

// segmentFor returns the open segment of an execution. Resumed and recovered
// executions emit node events without a preceding start event, so a
// workflow.resume segment is opened for them.
func (s *Sink) segmentFor(ctx context.Context, event *flowgraph.Event) *segment {
	if seg, ok := s.execs[event.ExecutionID]; ok {
		return seg
	}
	return s.open(ctx, event, "workflow.resume")
}

func (s *Sink) takeNode(event *flowgraph.Event) trace.Span {
	seg, ok := s.execs[event.ExecutionID]
	if !ok {
		return nil
	}
	span, ok := seg.nodes[event.NodeID]
	if !ok {
		return nil
	}
	delete(seg.nodes, event.NodeID)
	return span
}

// close ends the execution's segment. Node spans still open belong to paused
// or abandoned dispatches and end with the segment.
func (s *Sink) close(event *flowgraph.Event, code codes.Code, description string) {
	seg, ok := s.execs[event.ExecutionID]
	if !ok {
		return
	}
	delete(s.execs, event.ExecutionID)
	for _, span := range seg.nodes {
		span.SetAttributes(attribute.String("flowgraph.node_status", string(event.Name)))
		span.End(trace.WithTimestamp(event.Timestamp))
	}
	seg.span.SetAttributes(attribute.String("flowgraph.status", string(event.Name)))
	if code != codes.Unset {
		seg.span.SetStatus(code, description)
	}
	seg.span.End(trace.WithTimestamp(event.Timestamp))
}

func setAttempts(span trace.Span, data map[string]any) {
	if n, ok := data["attempts"].(int); ok {
		span.SetAttributes(attribute.Int("flowgraph.attempts", n))
	}
}
