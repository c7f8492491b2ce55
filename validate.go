package flowgraph

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/flowgraph/script"
)

// graph is the indexed form of a validated definition used by the engine.
type graph struct {
	def      *WorkflowDefinition
	nodes    map[string]*NodeDefinition
	incoming map[string][]string // target -> distinct source ids
	start    []string
}

// Validate checks that the definition is well formed, has exactly one start
// node (or an explicit start set) and contains no cycle reachable from the
// start set. It returns a *GraphError on failure.
func Validate(def *WorkflowDefinition) error {
	_, err := buildGraph(def)
	return err
}

// StartNodes returns the start set of a valid definition.
func StartNodes(def *WorkflowDefinition) ([]string, error) {
	g, err := buildGraph(def)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), g.start...), nil
}

func invalidDefinition(format string, args ...any) *GraphError {
	return &GraphError{Code: CodeInvalidDefinition, Message: fmt.Sprintf(format, args...)}
}

func buildGraph(def *WorkflowDefinition) (*graph, error) {
	if def == nil {
		return nil, invalidDefinition("definition is nil")
	}
	if def.ID == "" {
		return nil, invalidDefinition("workflow id required")
	}
	if len(def.Nodes) == 0 {
		return nil, invalidDefinition("workflow %q has no nodes", def.ID)
	}

	g := &graph{
		def:      def,
		nodes:    make(map[string]*NodeDefinition, len(def.Nodes)),
		incoming: make(map[string][]string, len(def.Nodes)),
	}
	for _, node := range def.Nodes {
		if node == nil || node.ID == "" {
			return nil, invalidDefinition("node id required")
		}
		if node.Type == "" {
			return nil, invalidDefinition("node %q has no type", node.ID)
		}
		if _, exists := g.nodes[node.ID]; exists {
			return nil, invalidDefinition("duplicate node id %q", node.ID)
		}
		switch node.Join {
		case "", JoinAll, JoinAny:
		default:
			return nil, invalidDefinition("node %q has unknown join mode %q", node.ID, node.Join)
		}
		g.nodes[node.ID] = node
	}
	for _, node := range def.Nodes {
		for _, edge := range node.Edges {
			if edge == nil || edge.To == "" {
				return nil, invalidDefinition("node %q has an edge without a target", node.ID)
			}
			if _, ok := g.nodes[edge.To]; !ok {
				return nil, invalidDefinition("edge from %q to unknown node %q", node.ID, edge.To)
			}
			if !containsString(g.incoming[edge.To], node.ID) {
				g.incoming[edge.To] = append(g.incoming[edge.To], node.ID)
			}
		}
	}

	start, err := g.findStart()
	if err != nil {
		return nil, err
	}
	g.start = start

	if cycle := g.findCycle(); cycle != nil {
		return nil, &GraphError{
			Code:    CodeCycleDetected,
			Message: "cycle detected",
			Path:    cycle,
		}
	}
	return g, nil
}

func (g *graph) findStart() ([]string, error) {
	if len(g.def.Start) > 0 {
		var start []string
		for _, id := range g.def.Start {
			if _, ok := g.nodes[id]; !ok {
				return nil, &GraphError{
					Code:    CodeNoStartNode,
					Message: fmt.Sprintf("declared start node %q does not exist", id),
				}
			}
			start = appendUnique(start, id)
		}
		return start, nil
	}

	var roots []string
	for _, node := range g.def.Nodes {
		if len(g.incoming[node.ID]) == 0 {
			roots = append(roots, node.ID)
		}
	}
	switch len(roots) {
	case 1:
		return roots, nil
	case 0:
		return nil, &GraphError{
			Code:    CodeNoStartNode,
			Message: "every node has an incoming edge",
		}
	default:
		return nil, &GraphError{
			Code:    CodeNoStartNode,
			Message: fmt.Sprintf("ambiguous start nodes [%s]; declare a start set", strings.Join(roots, ", ")),
		}
	}
}

// findCycle runs a depth-first search from every start node, tracking the
// recursion stack. It returns the first cycle found as a closed path, or nil.
func (g *graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)
		for _, edge := range g.nodes[id].Edges {
			switch color[edge.To] {
			case gray:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == edge.To {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, edge.To)
					}
				}
			case white:
				if cycle := visit(edge.To); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.start {
		if color[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// validateConditions compiles every edge condition so syntax errors surface
// before an execution is created.
func validateConditions(ctx context.Context, def *WorkflowDefinition, compiler script.Compiler) error {
	if compiler == nil {
		return nil
	}
	for _, node := range def.Nodes {
		for _, edge := range node.Edges {
			if edge.Condition == "" {
				continue
			}
			if _, err := compiler.Compile(ctx, edge.Condition); err != nil {
				return &GraphError{
					Code:    CodeInvalidDefinition,
					Message: fmt.Sprintf("edge %s -> %s has an invalid condition: %v", node.ID, edge.To, err),
				}
			}
		}
	}
	return nil
}
