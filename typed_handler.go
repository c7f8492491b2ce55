package flowgraph

import (
	"context"
	"encoding/json"
	"fmt"
)

// Confirm the interfaces are implemented correctly.
var (
	_ NodeHandler = NodeHandlerFunc(nil)
	_ NodeHandler = (*typedHandler[any])(nil)
)

// TypedHandler returns a NodeHandler that decodes the node config into a
// value of type P, using its json struct tags, before calling fn.
func TypedHandler[P any](fn func(ctx context.Context, req *NodeRequest, params P) (*Outcome, error)) NodeHandler {
	return &typedHandler[P]{fn: fn}
}

type typedHandler[P any] struct {
	fn func(ctx context.Context, req *NodeRequest, params P) (*Outcome, error)
}

func (h *typedHandler[P]) Handle(ctx context.Context, req *NodeRequest) (*Outcome, error) {
	var params P
	if err := DecodeConfig(req.Config, &params); err != nil {
		return nil, NewFatalError(fmt.Errorf("invalid config for node %q: %w", req.Node.ID, err))
	}
	return h.fn(ctx, req, params)
}

// DecodeConfig converts a node config map into the struct pointed to by out.
func DecodeConfig(config map[string]any, out any) error {
	if config == nil {
		return nil
	}
	data, err := json.Marshal(config)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
