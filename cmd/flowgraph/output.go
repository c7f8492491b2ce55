package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/deepnoodle-ai/flowgraph"
	"github.com/fatih/color"
)

var (
	cyan    = color.New(color.FgCyan)
	green   = color.New(color.FgGreen)
	yellow  = color.New(color.FgYellow)
	red     = color.New(color.FgRed)
	magenta = color.New(color.FgMagenta)
	faint   = color.New(color.Faint)
)

// eventPrinter streams engine events to the terminal.
type eventPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *eventPrinter) Emit(ctx context.Context, event *flowgraph.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts := faint.Sprint(event.Timestamp.Format("15:04:05.000"))
	switch event.Name {
	case flowgraph.EventWorkflowStart:
		cyan.Fprintf(p.out, "%s started %s (%s)\n", ts, event.WorkflowID, event.ExecutionID)
	case flowgraph.EventNodeStart:
		fmt.Fprintf(p.out, "%s   %s %s\n", ts, cyan.Sprint("node"), event.NodeID)
	case flowgraph.EventNodeComplete:
		fmt.Fprintf(p.out, "%s   %s %s %s\n", ts, green.Sprint("done"), event.NodeID,
			faint.Sprintf("%vms", event.Data["duration_ms"]))
	case flowgraph.EventNodeError:
		fmt.Fprintf(p.out, "%s   %s %s %v\n", ts, red.Sprint("fail"), event.NodeID, event.Data["error"])
	case flowgraph.EventCheckpointSaved:
		fmt.Fprintf(p.out, "%s   %s %v\n", ts, magenta.Sprint("checkpoint"), event.Data["checkpoint_id"])
	case flowgraph.EventWorkflowPaused:
		yellow.Fprintf(p.out, "%s paused\n", ts)
	case flowgraph.EventWorkflowComplete:
		green.Fprintf(p.out, "%s completed\n", ts)
	case flowgraph.EventWorkflowFailed:
		red.Fprintf(p.out, "%s failed: %v\n", ts, event.Data["error"])
	case flowgraph.EventWorkflowCancelled:
		yellow.Fprintf(p.out, "%s cancelled: %v\n", ts, event.Data["reason"])
	}
}

func statusColor(status flowgraph.ExecutionStatus) *color.Color {
	switch status {
	case flowgraph.ExecutionStatusCompleted:
		return green
	case flowgraph.ExecutionStatusFailed:
		return red
	case flowgraph.ExecutionStatusPaused, flowgraph.ExecutionStatusCancelled:
		return yellow
	}
	return cyan
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printState(out io.Writer, state *flowgraph.ExecutionState, checkpoints []*flowgraph.Checkpoint, history bool) {
	fmt.Fprintf(out, "Execution: %s\n", state.ExecutionID)
	fmt.Fprintf(out, "Workflow:  %s\n", state.WorkflowID)
	fmt.Fprintf(out, "Status:    %s\n", statusColor(state.Status).Sprint(state.Status))
	fmt.Fprintf(out, "Created:   %s\n", state.CreatedAt.Format(time.RFC3339))
	if !state.CompletedAt.IsZero() {
		fmt.Fprintf(out, "Finished:  %s (%s)\n", state.CompletedAt.Format(time.RFC3339),
			state.CompletedAt.Sub(state.StartedAt).Round(time.Millisecond))
	}
	if len(state.CurrentNodes) > 0 {
		fmt.Fprintf(out, "Current:   %v\n", state.CurrentNodes)
	}
	if len(state.PausedNodes) > 0 {
		fmt.Fprintf(out, "Paused:    %v\n", state.PausedNodes)
	}
	fmt.Fprintf(out, "Completed: %v\n", state.CompletedNodes)
	if len(state.FailedNodes) > 0 {
		fmt.Fprintf(out, "Failed:    %v\n", state.FailedNodes)
	}
	for _, e := range state.Errors {
		red.Fprintf(out, "  %s [%s] %s\n", e.NodeID, e.Code, e.Message)
	}

	if len(state.Context) > 0 {
		magenta.Fprintln(out, "Context:")
		keys := make([]string, 0, len(state.Context))
		for k := range state.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			value, err := json.Marshal(state.Context[k])
			if err != nil {
				fmt.Fprintf(out, "  %s: %v\n", k, state.Context[k])
				continue
			}
			fmt.Fprintf(out, "  %s: %s\n", k, value)
		}
	}

	if len(checkpoints) > 0 {
		magenta.Fprintln(out, "Checkpoints:")
		for _, cp := range checkpoints {
			fmt.Fprintf(out, "  %s  %s  %v\n", cp.ID, cp.CreatedAt.Format(time.RFC3339), cp.CurrentNodes)
		}
	}

	if history {
		magenta.Fprintln(out, "History:")
		for _, h := range state.History {
			fmt.Fprintf(out, "  %s  %-28s %s\n", h.Timestamp.Format("15:04:05.000"), h.Event, h.NodeID)
		}
	}
}

func printSummaries(out io.Writer, summaries []*flowgraph.ExecutionSummary) {
	if len(summaries) == 0 {
		faint.Fprintln(out, "No active executions")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EXECUTION\tWORKFLOW\tSTATUS\tCURRENT\tCREATED")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", s.ExecutionID, s.WorkflowID, s.Status, s.CurrentNodes,
			s.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()
}

func printEvents(out io.Writer, events []*flowgraph.Event) {
	p := &eventPrinter{out: out}
	for _, event := range events {
		p.Emit(context.Background(), event)
	}
}
