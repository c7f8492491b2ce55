package handlers

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/deepnoodle-ai/flowgraph"
)

// PrintParams defines the parameters for the print handler
type PrintParams struct {
	Message string `json:"message"`
}

// Print writes a rendered message to a writer. The message may contain
// ${...} expressions over the execution context.
type Print struct {
	mu  sync.Mutex
	out io.Writer
}

func NewPrint(out io.Writer) *Print {
	return &Print{out: out}
}

func (p *Print) Handle(ctx context.Context, req *flowgraph.NodeRequest) (*flowgraph.Outcome, error) {
	var params PrintParams
	if err := flowgraph.DecodeConfig(req.Config, &params); err != nil {
		return nil, flowgraph.NewFatalError(err)
	}
	if params.Message == "" {
		return nil, flowgraph.NewFatalError(fmt.Errorf("print node requires a 'message' parameter"))
	}
	message, err := render(ctx, req, params.Message)
	if err != nil {
		return nil, flowgraph.NewFatalError(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := fmt.Fprintln(p.out, message); err != nil {
		return nil, err
	}
	return flowgraph.Completed(map[string]any{"message": message}), nil
}
