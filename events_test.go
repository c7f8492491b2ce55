package flowgraph

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(executionID string, name EventName) *Event {
	return &Event{
		Name:        name,
		ExecutionID: executionID,
		WorkflowID:  "wf",
		Timestamp:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Data:        map[string]any{"attempts": 1},
	}
}

func TestBroadcasterFiltersByExecution(t *testing.T) {
	b := NewBroadcaster(8)
	mine, unsubscribe := b.Subscribe("exec_1")
	defer unsubscribe()
	all, unsubscribeAll := b.Subscribe("")
	defer unsubscribeAll()

	ctx := context.Background()
	b.Emit(ctx, testEvent("exec_1", EventNodeStart))
	b.Emit(ctx, testEvent("exec_2", EventNodeStart))
	b.Emit(ctx, testEvent("exec_1", EventWorkflowComplete))

	var got []EventName
	for event := range mine {
		got = append(got, event.Name)
	}
	assert.Equal(t, []EventName{EventNodeStart, EventWorkflowComplete}, got)
	assert.Len(t, all, 3)
	assert.Equal(t, 1, b.Subscribers())
}

func TestBroadcasterDropsWhenFull(t *testing.T) {
	b := NewBroadcaster(1)
	_, unsubscribe := b.Subscribe("")
	b.Emit(context.Background(), testEvent("exec_1", EventNodeStart))
	b.Emit(context.Background(), testEvent("exec_1", EventNodeComplete))
	assert.Equal(t, 1, b.Dropped())

	unsubscribe()
	unsubscribe()
	assert.Zero(t, b.Subscribers())
}

func TestBroadcasterStreamsEngineEvents(t *testing.T) {
	b := NewBroadcaster(64)
	engine := NewEngine(EngineOptions{Events: b})
	engine.Registry().MustRegister("noop", NodeHandlerFunc(func(ctx context.Context, req *NodeRequest) (*Outcome, error) {
		return Completed(nil), nil
	}))

	events, unsubscribe := b.Subscribe("exec_stream")
	defer unsubscribe()
	_, err := engine.Start(context.Background(), workflow("stream", node("A", "noop")), nil, StartOptions{ExecutionID: "exec_stream"})
	require.NoError(t, err)

	var names []EventName
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case event, ok := <-events:
			if !ok {
				done = true
				break
			}
			names = append(names, event.Name)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []EventName{EventWorkflowStart, EventNodeStart, EventNodeComplete, EventWorkflowComplete}, names)
}

func TestBroadcasterSubscriberCanCancel(t *testing.T) {
	b := NewBroadcaster(64)
	engine := NewEngine(EngineOptions{Events: b})
	engine.Registry().MustRegister("block", NodeHandlerFunc(func(ctx context.Context, req *NodeRequest) (*Outcome, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	ctx := context.Background()

	events, unsubscribe := b.Subscribe("exec_react")
	defer unsubscribe()
	cancelled := make(chan error, 1)
	go func() {
		for event := range events {
			if event.Name == EventNodeStart {
				_, err := engine.Cancel(ctx, event.ExecutionID, "saw node start")
				cancelled <- err
			}
		}
	}()

	_, err := engine.Start(ctx, workflow("react", node("A", "block")), nil, StartOptions{ExecutionID: "exec_react"})
	require.NoError(t, err)
	select {
	case err := <-cancelled:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber never cancelled the execution")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	state, err := engine.Wait(waitCtx, "exec_react")
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCancelled, state.Status)
}

func TestFileEventLog(t *testing.T) {
	log := NewFileEventLog(t.TempDir(), nil)
	ctx := context.Background()

	_, err := log.History(ctx, "exec_1")
	assert.ErrorIs(t, err, ErrNotFound)

	log.Emit(ctx, testEvent("exec_1", EventWorkflowStart))
	log.Emit(ctx, testEvent("exec_2", EventWorkflowStart))
	log.Emit(ctx, testEvent("exec_1", EventWorkflowComplete))

	events, err := log.History(ctx, "exec_1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventWorkflowStart, events[0].Name)
	assert.Equal(t, EventWorkflowComplete, events[1].Name)
	assert.Equal(t, "wf", events[1].WorkflowID)
	assert.Equal(t, float64(1), events[1].Data["attempts"])
}

func TestSinkChainAndLogSink(t *testing.T) {
	var buf bytes.Buffer
	logSink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))
	var seen []EventName
	chain := NewSinkChain(logSink)
	chain.Add(SinkFunc(func(ctx context.Context, event *Event) { seen = append(seen, event.Name) }))

	failed := testEvent("exec_1", EventNodeError)
	failed.NodeID = "fetch"
	failed.Data = map[string]any{"error": "boom", "code": "NODE_FAILED"}
	chain.Emit(context.Background(), failed)
	NullSink{}.Emit(context.Background(), failed)

	assert.Equal(t, []EventName{EventNodeError}, seen)
	out := buf.String()
	assert.Contains(t, out, `"level":"ERROR"`)
	assert.Contains(t, out, `"msg":"workflow.node.error"`)
	assert.Contains(t, out, `"node_id":"fetch"`)
	assert.Contains(t, out, `"code":"NODE_FAILED"`)
}

func TestEventPayload(t *testing.T) {
	event := testEvent("exec_1", EventNodeComplete)
	event.NodeID = "A"
	payload := event.Payload()
	assert.Equal(t, "exec_1", payload["executionId"])
	assert.Equal(t, "wf", payload["workflowId"])
	assert.Equal(t, "A", payload["nodeId"])
	assert.Equal(t, 1, payload["attempts"])
	assert.True(t, EventWorkflowCancelled.IsTerminal())
	assert.False(t, EventWorkflowPaused.IsTerminal())
}
