package flowgraph

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventName identifies a workflow event.
type EventName string

const (
	EventWorkflowStart     EventName = "workflow.start"
	EventNodeStart         EventName = "workflow.node.start"
	EventNodeComplete      EventName = "workflow.node.complete"
	EventNodeError         EventName = "workflow.node.error"
	EventWorkflowPaused    EventName = "workflow.paused"
	EventWorkflowComplete  EventName = "workflow.complete"
	EventWorkflowFailed    EventName = "workflow.failed"
	EventWorkflowCancelled EventName = "workflow.cancelled"
	EventCheckpointSaved   EventName = "workflow.checkpoint.saved"
)

// IsTerminal reports whether no further events follow this one for the
// execution, apart from a later resume.
func (n EventName) IsTerminal() bool {
	switch n {
	case EventWorkflowComplete, EventWorkflowFailed, EventWorkflowCancelled:
		return true
	}
	return false
}

// Event is emitted to the EventSink as an execution progresses.
type Event struct {
	Name        EventName      `json:"name"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	NodeID      string         `json:"node_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	User        any            `json:"user,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Payload flattens the event into the map shape used by streaming
// transports. It always carries executionId and workflowId.
func (e *Event) Payload() map[string]any {
	payload := make(map[string]any, len(e.Data)+4)
	for k, v := range e.Data {
		payload[k] = v
	}
	payload["executionId"] = e.ExecutionID
	payload["workflowId"] = e.WorkflowID
	payload["timestamp"] = e.Timestamp
	if e.NodeID != "" {
		payload["nodeId"] = e.NodeID
	}
	return payload
}

// EventSink receives events. Emit is called from the execution's run loop
// while the execution's event lock is held, so it must not block for long.
// Calling Cancel or Resume for the same execution from inside Emit
// deadlocks. Sinks that react to events should hand them to another
// goroutine; a Broadcaster subscription does this without blocking the run.
type EventSink interface {
	Emit(ctx context.Context, event *Event)
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(ctx context.Context, event *Event)

func (f SinkFunc) Emit(ctx context.Context, event *Event) {
	f(ctx, event)
}

// NullSink discards all events.
type NullSink struct{}

func (NullSink) Emit(ctx context.Context, event *Event) {}

// SinkChain fans events out to several sinks in order.
type SinkChain struct {
	mu    sync.RWMutex
	sinks []EventSink
}

// NewSinkChain creates a new sink chain
func NewSinkChain(sinks ...EventSink) *SinkChain {
	return &SinkChain{sinks: sinks}
}

// Add adds a sink to the chain
func (c *SinkChain) Add(sink EventSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, sink)
}

func (c *SinkChain) Emit(ctx context.Context, event *Event) {
	c.mu.RLock()
	sinks := c.sinks
	c.mu.RUnlock()
	for _, sink := range sinks {
		sink.Emit(ctx, event)
	}
}

// LogSink writes every event to a structured logger.
type LogSink struct {
	Logger *slog.Logger
	Level  slog.Level
}

// NewLogSink returns a sink logging at info level, errors at error level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{Logger: logger, Level: slog.LevelInfo}
}

func (s *LogSink) Emit(ctx context.Context, event *Event) {
	level := s.Level
	switch event.Name {
	case EventNodeError, EventWorkflowFailed:
		level = slog.LevelError
	}
	attrs := []any{
		"execution_id", event.ExecutionID,
		"workflow_id", event.WorkflowID,
	}
	if event.NodeID != "" {
		attrs = append(attrs, "node_id", event.NodeID)
	}
	for _, key := range []string{"error", "code", "duration_ms", "attempts", "reason", "checkpoint_id"} {
		if v, ok := event.Data[key]; ok {
			attrs = append(attrs, key, v)
		}
	}
	s.Logger.Log(ctx, level, string(event.Name), attrs...)
}
