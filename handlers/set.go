package handlers

import (
	"context"
	"strings"

	"github.com/deepnoodle-ai/flowgraph"
)

// SetParams defines the parameters for the set handler
type SetParams struct {
	Values map[string]any `json:"values"`
}

// NewSet returns a handler whose output is its configured values. String
// values containing ${...} are rendered against the context first.
func NewSet() flowgraph.NodeHandler {
	return flowgraph.TypedHandler(func(ctx context.Context, req *flowgraph.NodeRequest, params SetParams) (*flowgraph.Outcome, error) {
		output := make(map[string]any, len(params.Values))
		for key, value := range params.Values {
			if s, ok := value.(string); ok && strings.Contains(s, "${") {
				rendered, err := render(ctx, req, s)
				if err != nil {
					return nil, flowgraph.NewFatalError(err)
				}
				value = rendered
			}
			output[key] = value
		}
		return flowgraph.Completed(output), nil
	})
}
