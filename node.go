package flowgraph

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// NodeRequest is the input given to a NodeHandler for one dispatch attempt.
type NodeRequest struct {
	ExecutionID string
	WorkflowID  string
	Node        *NodeDefinition
	Config      map[string]any

	// Context is a copy of the execution context. Changes made by the
	// handler are discarded; return them as output instead.
	Context map[string]any
	User    any

	// Attempt starts at 1 and increments on each retry.
	Attempt int
}

// OutcomeKind distinguishes completed and paused outcomes.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomePaused    OutcomeKind = "paused"
)

// Outcome is the non-error result of a node dispatch.
type Outcome struct {
	Kind   OutcomeKind    `json:"kind"`
	Output map[string]any `json:"output,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// Completed returns an outcome carrying the node output.
func Completed(output map[string]any) *Outcome {
	return &Outcome{Kind: OutcomeCompleted, Output: output}
}

// Paused returns an outcome that suspends the execution at this node.
func Paused(reason string) *Outcome {
	return &Outcome{Kind: OutcomePaused, Reason: reason}
}

// NodeHandler executes nodes of one type.
type NodeHandler interface {
	Handle(ctx context.Context, req *NodeRequest) (*Outcome, error)
}

// NodeHandlerFunc adapts a function to the NodeHandler interface.
type NodeHandlerFunc func(ctx context.Context, req *NodeRequest) (*Outcome, error)

func (f NodeHandlerFunc) Handle(ctx context.Context, req *NodeRequest) (*Outcome, error) {
	return f(ctx, req)
}

// Registry maps node type names to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]NodeHandler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]NodeHandler{}}
}

// Register adds a handler for a node type. Registering a type twice is an
// error.
func (r *Registry) Register(nodeType string, handler NodeHandler) error {
	if nodeType == "" {
		return fmt.Errorf("node type must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler for node type %q must not be nil", nodeType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[nodeType]; exists {
		return fmt.Errorf("handler for node type %q already registered", nodeType)
	}
	r.handlers[nodeType] = handler
	return nil
}

// RegisterFunc registers a function as the handler for a node type.
func (r *Registry) RegisterFunc(nodeType string, fn func(ctx context.Context, req *NodeRequest) (*Outcome, error)) error {
	return r.Register(nodeType, NodeHandlerFunc(fn))
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(nodeType string, handler NodeHandler) {
	if err := r.Register(nodeType, handler); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for a node type.
func (r *Registry) Lookup(nodeType string) (NodeHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[nodeType]
	return handler, ok
}

// Types returns the registered node types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
