package handlers

import (
	"context"
	"errors"

	"github.com/deepnoodle-ai/flowgraph"
)

// FailParams defines the parameters for the fail handler
type FailParams struct {
	Message string `json:"message"`

	// Type tags the error for retry matching, e.g. "rate_limited".
	Type string `json:"type"`
}

// NewFail returns a handler that always fails. It is useful for testing
// error paths and optional nodes.
func NewFail() flowgraph.NodeHandler {
	return flowgraph.TypedHandler(func(ctx context.Context, req *flowgraph.NodeRequest, params FailParams) (*flowgraph.Outcome, error) {
		message := params.Message
		if message == "" {
			message = "intentional failure"
		}
		switch params.Type {
		case "":
			return nil, errors.New(message)
		case flowgraph.ErrorTypeFatal:
			return nil, flowgraph.NewFatalError(errors.New(message))
		default:
			return nil, flowgraph.NewTypedError(params.Type, message)
		}
	})
}
