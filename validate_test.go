package flowgraph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deepnoodle-ai/flowgraph/script"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		def  *WorkflowDefinition
		code ErrorCode
	}{
		{"nil definition", nil, CodeInvalidDefinition},
		{"missing id", &WorkflowDefinition{Nodes: []*NodeDefinition{node("A", "mark")}}, CodeInvalidDefinition},
		{"no nodes", &WorkflowDefinition{ID: "empty"}, CodeInvalidDefinition},
		{"missing type", workflow("w", &NodeDefinition{ID: "A"}), CodeInvalidDefinition},
		{"duplicate id", workflow("w", node("A", "mark"), node("A", "mark")), CodeInvalidDefinition},
		{"unknown target", workflow("w", node("A", "mark", "Z")), CodeInvalidDefinition},
		{"bad join", workflow("w", &NodeDefinition{ID: "A", Type: "mark", Join: "some"}), CodeInvalidDefinition},
		{"self loop", workflow("w", node("S", "mark", "A"), node("A", "mark", "A")), CodeCycleDetected},
		{"no start", workflow("w", node("A", "mark", "B"), node("B", "mark", "A")), CodeNoStartNode},
		{"single node", workflow("w", node("A", "mark")), ""},
		{"diamond", workflow("w", node("A", "mark", "B", "C"), node("B", "mark", "D"), node("C", "mark", "D"), node("D", "mark")), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.def)
			if tt.code == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.code, CodeOf(err))
			assert.True(t, errors.Is(err, tt.code))
		})
	}
}

func TestValidateReportsCyclePath(t *testing.T) {
	def := workflow("w",
		node("A", "mark", "B"),
		node("B", "mark", "C"),
		node("C", "mark", "D"),
		node("D", "mark", "B"),
	)
	err := Validate(def)
	var graphErr *GraphError
	require.ErrorAs(t, err, &graphErr)
	assert.Equal(t, CodeCycleDetected, graphErr.Code)
	assert.Equal(t, []string{"B", "C", "D", "B"}, graphErr.Path)
	assert.Contains(t, graphErr.Error(), "B -> C -> D -> B")
}

func TestStartNodes(t *testing.T) {
	start, err := StartNodes(workflow("w", node("A", "mark", "B"), node("B", "mark")))
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, start)

	declared := &WorkflowDefinition{
		ID:    "w",
		Start: []string{"A", "B", "A"},
		Nodes: []*NodeDefinition{node("A", "mark", "C"), node("B", "mark", "C"), node("C", "mark")},
	}
	start, err = StartNodes(declared)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, start)
}

func TestValidateIgnoresUnreachableCycleFromDeclaredStart(t *testing.T) {
	// The start set restricts the cycle search to reachable nodes.
	def := &WorkflowDefinition{
		ID:    "w",
		Start: []string{"A"},
		Nodes: []*NodeDefinition{node("A", "mark"), node("X", "mark", "Y"), node("Y", "mark", "X")},
	}
	assert.NoError(t, Validate(def))
}

func TestValidateConditions(t *testing.T) {
	compiler := script.NewExprCompiler()
	good := workflow("w", &NodeDefinition{ID: "A", Type: "mark", Edges: []*Edge{{To: "B", Condition: "context.n > 2"}}}, node("B", "mark"))
	require.NoError(t, validateConditions(context.Background(), good, compiler))

	bad := workflow("w", &NodeDefinition{ID: "A", Type: "mark", Edges: []*Edge{{To: "B", Condition: "context.n >"}}}, node("B", "mark"))
	err := validateConditions(context.Background(), bad, compiler)
	assert.Equal(t, CodeInvalidDefinition, CodeOf(err))
	assert.Contains(t, err.Error(), "A -> B")
}

func TestLoadString(t *testing.T) {
	def, err := LoadString(`
id: orders
name: Order pipeline
nodes:
  - id: fetch
    type: http
    timeout: 30s
    retry:
      max_retries: 2
      error_equals: [timeout]
    edges:
      - to: check
  - id: check
    type: script
    store: check_result
    edges:
      - to: ship
        condition: context.check_result.ok
  - id: ship
    type: print
    optional: true
    config:
      message: shipped
`)
	require.NoError(t, err)
	assert.Equal(t, "orders", def.ID)
	assert.Equal(t, []string{"fetch", "check", "ship"}, def.NodeIDs())

	fetch, ok := def.Node("fetch")
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, fetch.Timeout)
	require.NotNil(t, fetch.Retry)
	assert.Equal(t, 2, fetch.Retry.MaxRetries)
	assert.Equal(t, []string{"timeout"}, fetch.Retry.ErrorEquals)

	check, _ := def.Node("check")
	assert.Equal(t, "check_result", check.Store)
	assert.Equal(t, "context.check_result.ok", check.Edges[0].Condition)

	ship, _ := def.Node("ship")
	assert.True(t, ship.Optional)
	assert.Equal(t, "shipped", ship.Config["message"])
	assert.Equal(t, JoinAll, ship.JoinMode())
}

func TestLoadStringRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "id: [unterminated"},
		{"missing nodes", "id: w"},
		{"unknown field", "id: w\nnodes:\n  - id: a\n    type: t\n    colour: red\n"},
		{"edge without target", "id: w\nnodes:\n  - id: a\n    type: t\n    edges:\n      - condition: 'true'\n"},
		{"bad join", "id: w\nnodes:\n  - id: a\n    type: t\n    join: most\n"},
		{"cycle", "id: w\nnodes:\n  - id: s\n    type: t\n    edges: [{to: a}]\n  - id: a\n    type: t\n    edges: [{to: b}]\n  - id: b\n    type: t\n    edges: [{to: a}]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadString(tt.doc)
			require.Error(t, err)
			assert.NotEmpty(t, CodeOf(err))
		})
	}
}
