package script

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprCompiler compiles expr-lang expressions. Compiled programs are cached
// by source since edge conditions are evaluated repeatedly.
type ExprCompiler struct {
	cache sync.Map
}

// NewExprCompiler returns an expr-lang compiler.
func NewExprCompiler() *ExprCompiler {
	return &ExprCompiler{}
}

func (c *ExprCompiler) Compile(ctx context.Context, code string) (Script, error) {
	if cached, ok := c.cache.Load(code); ok {
		return cached.(*ExprScript), nil
	}
	program, err := expr.Compile(code, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", code, err)
	}
	s := &ExprScript{source: code, program: program}
	actual, _ := c.cache.LoadOrStore(code, s)
	return actual.(*ExprScript), nil
}

// ExprScript is a compiled expr-lang program.
type ExprScript struct {
	source  string
	program *vm.Program
}

func (s *ExprScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	env := make(map[string]any, len(globals))
	for k, v := range globals {
		env[k] = v
	}
	out, err := expr.Run(s.program, env)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", s.source, err)
	}
	return NewGoValue(out), nil
}
