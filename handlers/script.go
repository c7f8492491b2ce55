package handlers

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/flowgraph"
	"github.com/deepnoodle-ai/flowgraph/script"
)

// ScriptParams defines the parameters for the script handler
type ScriptParams struct {
	Code string `json:"code"`

	// Language is "risor" (default) or "expr".
	Language string `json:"language"`
}

// Script evaluates code with the execution context bound to "context" and
// the node config bound to "config". A map result becomes the node output;
// any other result is stored under "result".
type Script struct {
	risor script.Compiler
}

func NewScript(risor script.Compiler) *Script {
	return &Script{risor: risor}
}

func (s *Script) Handle(ctx context.Context, req *flowgraph.NodeRequest) (*flowgraph.Outcome, error) {
	var params ScriptParams
	if err := flowgraph.DecodeConfig(req.Config, &params); err != nil {
		return nil, flowgraph.NewFatalError(err)
	}
	if params.Code == "" {
		return nil, flowgraph.NewFatalError(fmt.Errorf("script node requires a 'code' parameter"))
	}

	globals := map[string]any{"context": req.Context}
	var compiler script.Compiler
	switch params.Language {
	case "", "risor":
		compiler = s.risor
		config := flowgraph.CopyContext(req.Config)
		delete(config, "code")
		delete(config, "language")
		if config == nil {
			config = map[string]any{}
		}
		globals["config"] = config
	case "expr":
		compiler = compilerFrom(ctx)
	default:
		return nil, flowgraph.NewFatalError(fmt.Errorf("unsupported script language %q", params.Language))
	}

	compiled, err := compiler.Compile(ctx, params.Code)
	if err != nil {
		return nil, flowgraph.NewFatalError(fmt.Errorf("failed to compile script: %w", err))
	}
	result, err := compiled.Evaluate(ctx, globals)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}
	switch value := result.Value().(type) {
	case nil:
		return flowgraph.Completed(nil), nil
	case map[string]any:
		return flowgraph.Completed(value), nil
	default:
		return flowgraph.Completed(map[string]any{"result": value}), nil
	}
}
