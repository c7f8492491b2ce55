package handlers

import (
	"context"
	"time"

	"github.com/deepnoodle-ai/flowgraph"
)

// TimeParams defines the parameters for the time handler
type TimeParams struct {
	UTC    bool   `json:"utc"`
	Format string `json:"format"`
}

// NewTime returns a handler that outputs the current time as "time".
func NewTime(now func() time.Time) flowgraph.NodeHandler {
	return flowgraph.TypedHandler(func(ctx context.Context, req *flowgraph.NodeRequest, params TimeParams) (*flowgraph.Outcome, error) {
		t := now()
		if params.UTC {
			t = t.UTC()
		}
		format := params.Format
		if format == "" {
			format = time.RFC3339
		}
		return flowgraph.Completed(map[string]any{"time": t.Format(format)}), nil
	})
}
