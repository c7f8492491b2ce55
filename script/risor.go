package script

import (
	"context"
	"fmt"
	"sort"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// RisorCompiler compiles Risor scripts. Every script sees the compiler's
// globals; names passed at evaluation time must be among them.
type RisorCompiler struct {
	globals map[string]any
	names   []string
}

// NewRisorCompiler returns a compiler with the given globals. A nil map uses
// DefaultRisorGlobals.
func NewRisorCompiler(globals map[string]any) *RisorCompiler {
	if globals == nil {
		globals = DefaultRisorGlobals()
	}
	names := make([]string, 0, len(globals))
	for name := range globals {
		names = append(names, name)
	}
	sort.Strings(names)
	return &RisorCompiler{globals: globals, names: names}
}

func (c *RisorCompiler) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile(ast, compiler.WithGlobalNames(c.names))
	if err != nil {
		return nil, err
	}
	return &RisorScript{compiler: c, code: compiled}, nil
}

// RisorScript is a compiled Risor program.
type RisorScript struct {
	compiler *RisorCompiler
	code     *compiler.Code
}

func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := make(map[string]any, len(s.compiler.globals)+len(globals))
	for name, value := range s.compiler.globals {
		combined[name] = value
	}
	for name, value := range globals {
		if _, ok := s.compiler.globals[name]; !ok {
			return nil, fmt.Errorf("global %q was not declared when the script was compiled", name)
		}
		combined[name] = value
	}
	result, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate risor script: %w", err)
	}
	return &RisorValue{obj: result}, nil
}

// RisorValue wraps a Risor evaluation result.
type RisorValue struct {
	obj object.Object
}

func (v *RisorValue) Value() any { return ToGo(v.obj) }
func (v *RisorValue) Items() ([]any, error) { return Items(v.obj) }
func (v *RisorValue) IsTruthy() bool { return Truthy(v.obj) }

func (v *RisorValue) String() string {
	if _, ok := v.obj.(*object.NilType); ok {
		return ""
	}
	return Stringify(ToGo(v.obj))
}

// DefaultRisorGlobals returns the safe builtins plus empty "context",
// "output" and "config" maps.
func DefaultRisorGlobals() map[string]any {
	safe := SafeBuiltins()
	globals := map[string]any{}
	for name, value := range all.Builtins() {
		if safe[name] {
			globals[name] = value
		}
	}
	globals["context"] = object.NewMap(map[string]object.Object{})
	globals["output"] = object.NewMap(map[string]object.Object{})
	globals["config"] = object.NewMap(map[string]object.Object{})
	return globals
}
