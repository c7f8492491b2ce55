package handlers

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/flowgraph"
)

// HumanParams defines the parameters for the human handler
type HumanParams struct {
	// Key is the context key that carries the human's answer.
	Key    string `json:"key"`
	Prompt string `json:"prompt"`
}

// NewHuman returns a human-in-the-loop handler. It pauses the execution
// until Resume supplies the configured context key, then completes.
func NewHuman() flowgraph.NodeHandler {
	return flowgraph.TypedHandler(func(ctx context.Context, req *flowgraph.NodeRequest, params HumanParams) (*flowgraph.Outcome, error) {
		if params.Key == "" {
			return nil, flowgraph.NewFatalError(fmt.Errorf("human node requires a 'key' parameter"))
		}
		if _, ok := req.Context[params.Key]; ok {
			return flowgraph.Completed(nil), nil
		}
		reason := params.Prompt
		if reason == "" {
			reason = fmt.Sprintf("waiting for %q", params.Key)
		}
		flowgraph.LoggerFromContext(ctx).Info("waiting for human input", "key", params.Key)
		return flowgraph.Paused(reason), nil
	})
}
