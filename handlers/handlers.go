// Package handlers provides built-in node handlers. None of them is
// required by the engine; register the ones a workflow needs.
package handlers

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/deepnoodle-ai/flowgraph"
	"github.com/deepnoodle-ai/flowgraph/script"
)

// Node type names of the built-in handlers.
const (
	TypePrint  = "print"
	TypeWait   = "wait"
	TypeFail   = "fail"
	TypeSet    = "set"
	TypeHuman  = "human"
	TypeScript = "script"
	TypeTime   = "time"
)

// Options configure the built-in handlers.
type Options struct {
	// Output receives print node messages. Defaults to os.Stdout.
	Output io.Writer

	// ScriptCompiler compiles script nodes whose language is "risor".
	// Defaults to a Risor compiler with the default globals.
	ScriptCompiler script.Compiler

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// RegisterAll registers every built-in handler.
func RegisterAll(registry *flowgraph.Registry, opts Options) error {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.ScriptCompiler == nil {
		opts.ScriptCompiler = script.NewRisorCompiler(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	handlers := map[string]flowgraph.NodeHandler{
		TypePrint:  NewPrint(opts.Output),
		TypeWait:   NewWait(),
		TypeFail:   NewFail(),
		TypeSet:    NewSet(),
		TypeHuman:  NewHuman(),
		TypeScript: NewScript(opts.ScriptCompiler),
		TypeTime:   NewTime(opts.Now),
	}
	for _, name := range []string{TypePrint, TypeWait, TypeFail, TypeSet, TypeHuman, TypeScript, TypeTime} {
		if err := registry.Register(name, handlers[name]); err != nil {
			return err
		}
	}
	return nil
}

// compilerFrom returns the engine compiler carried by ctx, or an expr
// compiler when none is present.
func compilerFrom(ctx context.Context) script.Compiler {
	if compiler, ok := flowgraph.GetCompilerFromContext(ctx); ok && compiler != nil {
		return compiler
	}
	return script.NewExprCompiler()
}

// render evaluates a ${...} template against the request context.
func render(ctx context.Context, req *flowgraph.NodeRequest, raw string) (string, error) {
	tmpl, err := script.NewTemplate(compilerFrom(ctx), raw)
	if err != nil {
		return "", err
	}
	return tmpl.Eval(ctx, script.Globals(req.Context, nil))
}

// parseDuration accepts a Go duration string or a number of seconds.
func parseDuration(v any) (time.Duration, error) {
	switch d := v.(type) {
	case nil:
		return 0, nil
	case string:
		duration, err := time.ParseDuration(d)
		if err != nil {
			return 0, fmt.Errorf("invalid duration format: %w", err)
		}
		return duration, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	case int:
		return time.Duration(d) * time.Second, nil
	case time.Duration:
		return d, nil
	default:
		return 0, fmt.Errorf("duration must be a string or a number of seconds, got %T", v)
	}
}
