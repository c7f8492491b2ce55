package flowgraph

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// JoinMode controls when a node with several incoming edges is scheduled.
type JoinMode string

const (
	// JoinAll waits for every incoming edge to fire. This is the default.
	JoinAll JoinMode = "all"

	// JoinAny schedules the node as soon as one incoming edge fires.
	JoinAny JoinMode = "any"
)

// Edge connects a node to one of its successors.
type Edge struct {
	To string `json:"to" yaml:"to"`

	// Condition is an expression evaluated against the execution context
	// when the source node completes. Empty means unconditional.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// When is an optional Go predicate. It is evaluated after Condition and
	// both must hold for the edge to fire.
	When func(ctx map[string]any) bool `json:"-" yaml:"-"`
}

// Conditional reports whether the edge has a condition or predicate.
func (e *Edge) Conditional() bool {
	return e.Condition != "" || e.When != nil
}

// RetryConfig configures retry behavior for a node.
type RetryConfig struct {
	ErrorEquals []string      `json:"error_equals,omitempty" yaml:"error_equals,omitempty"`
	MaxRetries  int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	BaseDelay   time.Duration `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay    time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	BackoffRate float64       `json:"backoff_rate,omitempty" yaml:"backoff_rate,omitempty"`
	Jitter      bool          `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// NodeDefinition describes one node of a workflow graph.
type NodeDefinition struct {
	ID          string         `json:"id" yaml:"id"`
	Type        string         `json:"type" yaml:"type"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Edges       []*Edge        `json:"edges,omitempty" yaml:"edges,omitempty"`
	Join        JoinMode       `json:"join,omitempty" yaml:"join,omitempty"`

	// Optional nodes may fail without failing the execution. Their
	// outgoing edges do not fire when they fail.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`

	// Timeout bounds a single dispatch attempt. Zero uses the engine default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry   *RetryConfig  `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Store names the context key that receives the node output. When
	// empty the output is shallow-merged into the context.
	Store string `json:"store,omitempty" yaml:"store,omitempty"`
}

// JoinMode returns the effective join mode of the node.
func (n *NodeDefinition) JoinMode() JoinMode {
	if n.Join == "" {
		return JoinAll
	}
	return n.Join
}

// WorkflowDefinition is a directed acyclic graph of nodes. It must not be
// modified once an execution using it has started.
type WorkflowDefinition struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string            `json:"version,omitempty" yaml:"version,omitempty"`
	Start       []string          `json:"start,omitempty" yaml:"start,omitempty"`
	Nodes       []*NodeDefinition `json:"nodes" yaml:"nodes"`

	// AllowedGroups belongs to the permission layer. The engine carries it
	// but never reads it.
	AllowedGroups []string `json:"allowed_groups,omitempty" yaml:"allowed_groups,omitempty"`
}

// Node returns the node with the given id.
func (d *WorkflowDefinition) Node(id string) (*NodeDefinition, bool) {
	for _, node := range d.Nodes {
		if node.ID == id {
			return node, true
		}
	}
	return nil, false
}

// NodeIDs returns node ids in definition order.
func (d *WorkflowDefinition) NodeIDs() []string {
	ids := make([]string, 0, len(d.Nodes))
	for _, node := range d.Nodes {
		ids = append(ids, node.ID)
	}
	return ids
}

// LoadFile loads a workflow definition from a YAML or JSON file.
func LoadFile(path string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return LoadBytes(data)
}

// LoadString loads a workflow definition from a YAML or JSON string.
func LoadString(data string) (*WorkflowDefinition, error) {
	return LoadBytes([]byte(data))
}

// LoadBytes checks the document against the definition schema, decodes it
// and validates the resulting graph.
func LoadBytes(data []byte) (*WorkflowDefinition, error) {
	if err := validateDocument(data); err != nil {
		return nil, err
	}
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow definition: %w", err)
	}
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}
