package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/flowgraph"
)

// WaitParams defines the parameters for the wait handler
type WaitParams struct {
	Duration any `json:"duration"`
}

// NewWait returns a handler that sleeps for the configured duration or
// until the execution is cancelled.
func NewWait() flowgraph.NodeHandler {
	return flowgraph.TypedHandler(func(ctx context.Context, req *flowgraph.NodeRequest, params WaitParams) (*flowgraph.Outcome, error) {
		if params.Duration == nil {
			return nil, flowgraph.NewFatalError(fmt.Errorf("wait node requires a 'duration' parameter"))
		}
		duration, err := parseDuration(params.Duration)
		if err != nil {
			return nil, flowgraph.NewFatalError(err)
		}
		if duration > 0 {
			timer := time.NewTimer(duration)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		return flowgraph.Completed(nil), nil
	})
}
