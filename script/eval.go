package script

import (
	"context"
	"fmt"
	"strings"
)

// Template is a string with embedded ${...} expressions.
type Template struct {
	raw      string
	literals []string // len(literals) == len(scripts)+1
	scripts  []Script
}

// NewTemplate compiles every ${...} expression in raw with the compiler.
func NewTemplate(compiler Compiler, raw string) (*Template, error) {
	t := &Template{raw: raw}
	rest := raw
	var literal strings.Builder
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			literal.WriteString(rest)
			break
		}
		end := strings.Index(rest[start+2:], "}")
		if end < 0 {
			return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
		}
		literal.WriteString(rest[:start])
		code := strings.TrimSpace(rest[start+2 : start+2+end])
		if code == "" {
			return nil, fmt.Errorf("empty template expression in string: %q", raw)
		}
		s, err := compiler.Compile(context.Background(), code)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", code, err)
		}
		t.literals = append(t.literals, literal.String())
		t.scripts = append(t.scripts, s)
		literal.Reset()
		rest = rest[start+2+end+1:]
	}
	t.literals = append(t.literals, literal.String())
	return t, nil
}

// Raw returns the template source.
func (t *Template) Raw() string {
	return t.raw
}

// Eval renders the template with the given globals.
func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	if len(t.scripts) == 0 {
		return t.raw, nil
	}
	var b strings.Builder
	for i, s := range t.scripts {
		b.WriteString(t.literals[i])
		value, err := s.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		b.WriteString(value.String())
	}
	b.WriteString(t.literals[len(t.literals)-1])
	return b.String(), nil
}
