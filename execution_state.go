package flowgraph

import (
	"time"

	"go.jetify.com/typeid"
)

// NewExecutionID returns a new unique execution identifier
func NewExecutionID() string {
	id, err := typeid.WithPrefix("exec")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewCheckpointID returns a new unique checkpoint identifier
func NewCheckpointID() string {
	id, err := typeid.WithPrefix("ckpt")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ExecutionStatus represents the execution status
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal
// lifecycle transition.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	switch s {
	case ExecutionStatusPending:
		return next == ExecutionStatusRunning || next == ExecutionStatusCancelled
	case ExecutionStatusRunning:
		return next == ExecutionStatusPaused || next.IsTerminal()
	case ExecutionStatusPaused:
		return next == ExecutionStatusRunning || next == ExecutionStatusCancelled
	}
	return false
}

// HistoryEntry is one record of the append-only execution audit trail.
type HistoryEntry struct {
	NodeID    string         `json:"node_id,omitempty"`
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// ExecutionError records a node failure.
type ExecutionError struct {
	NodeID    string    `json:"node_id"`
	Code      ErrorCode `json:"code,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckpointSummary points at a checkpoint held in the checkpoint store.
type CheckpointSummary struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// RunOptions are per-execution behavior flags. They are persisted with the
// state so a resumed execution keeps the behavior it started with.
type RunOptions struct {
	CheckpointEveryNode bool          `json:"checkpoint_every_node,omitempty"`
	NodeTimeout         time.Duration `json:"node_timeout,omitempty"`
}

// ExecutionState is the durable record of one execution. It is mutated only
// by the engine; values handed to callers are snapshots.
type ExecutionState struct {
	ExecutionID    string              `json:"execution_id"`
	WorkflowID     string              `json:"workflow_id"`
	Status         ExecutionStatus     `json:"status"`
	Context        map[string]any      `json:"context"`
	CurrentNodes   []string            `json:"current_nodes"`
	CompletedNodes []string            `json:"completed_nodes"`
	FailedNodes    []string            `json:"failed_nodes"`
	PausedNodes    []string            `json:"paused_nodes,omitempty"`
	Joins          map[string][]string `json:"joins,omitempty"`
	History        []HistoryEntry      `json:"history"`
	Errors         []ExecutionError    `json:"errors"`
	Checkpoints    []CheckpointSummary `json:"checkpoints"`
	Options        RunOptions          `json:"options,omitzero"`
	User           any                 `json:"user,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	StartedAt      time.Time           `json:"started_at,omitzero"`
	CompletedAt    time.Time           `json:"completed_at,omitzero"`
	UpdatedAt      time.Time           `json:"updated_at,omitzero"`
}

func newExecutionState(executionID, workflowID string, initialData map[string]any, now time.Time) *ExecutionState {
	return &ExecutionState{
		ExecutionID:    executionID,
		WorkflowID:     workflowID,
		Status:         ExecutionStatusPending,
		Context:        copyMap(initialData),
		CurrentNodes:   []string{},
		CompletedNodes: []string{},
		FailedNodes:    []string{},
		History:        []HistoryEntry{},
		Errors:         []ExecutionError{},
		Checkpoints:    []CheckpointSummary{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Copy returns a deep copy of the state.
func (s *ExecutionState) Copy() *ExecutionState {
	if s == nil {
		return nil
	}
	c := *s
	c.Context = copyMap(s.Context)
	c.CurrentNodes = copyStrings(s.CurrentNodes)
	c.CompletedNodes = copyStrings(s.CompletedNodes)
	c.FailedNodes = copyStrings(s.FailedNodes)
	c.PausedNodes = copyStrings(s.PausedNodes)
	c.Joins = copyJoins(s.Joins)
	c.History = make([]HistoryEntry, len(s.History))
	for i, entry := range s.History {
		entry.Detail = copyMap(entry.Detail)
		c.History[i] = entry
	}
	c.Errors = append([]ExecutionError{}, s.Errors...)
	c.Checkpoints = append([]CheckpointSummary{}, s.Checkpoints...)
	c.User = copyValue(s.User)
	return &c
}

// Summary returns the lightweight view used for listings.
func (s *ExecutionState) Summary() *ExecutionSummary {
	return &ExecutionSummary{
		ExecutionID:  s.ExecutionID,
		WorkflowID:   s.WorkflowID,
		Status:       s.Status,
		CurrentNodes: copyStrings(s.CurrentNodes),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

func (s *ExecutionState) appendHistory(nodeID, event string, at time.Time, detail map[string]any) {
	s.History = append(s.History, HistoryEntry{
		NodeID:    nodeID,
		Event:     event,
		Timestamp: at,
		Detail:    detail,
	})
	s.UpdatedAt = at
}

// transition moves the state to a new status, stamping timestamps. It
// returns false if the transition is not allowed.
func (s *ExecutionState) transition(next ExecutionStatus, at time.Time) bool {
	if !s.Status.CanTransitionTo(next) {
		return false
	}
	s.Status = next
	s.UpdatedAt = at
	if next == ExecutionStatusRunning && s.StartedAt.IsZero() {
		s.StartedAt = at
	}
	if next.IsTerminal() {
		s.CompletedAt = at
	}
	return true
}

// restore replaces context and node membership with a checkpoint's snapshot.
func (s *ExecutionState) restore(cp *Checkpoint) {
	s.Context = copyMap(cp.Context)
	s.CurrentNodes = copyStrings(cp.CurrentNodes)
	s.CompletedNodes = copyStrings(cp.CompletedNodes)
	s.FailedNodes = copyStrings(cp.FailedNodes)
	s.PausedNodes = copyStrings(cp.PausedNodes)
	s.Joins = copyJoins(cp.Joins)
}

// mergeContext shallow-merges data into the context; data wins on collision.
func (s *ExecutionState) mergeContext(data map[string]any) {
	if s.Context == nil {
		s.Context = make(map[string]any, len(data))
	}
	for k, v := range data {
		s.Context[k] = copyValue(v)
	}
}

// scheduledOrDone reports whether a node already has a place in this pass.
func (s *ExecutionState) scheduledOrDone(nodeID string) bool {
	return containsString(s.CurrentNodes, nodeID) ||
		containsString(s.CompletedNodes, nodeID) ||
		containsString(s.FailedNodes, nodeID)
}

// copyMap creates a deep copy of a map
func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return copyStrings(t)
	default:
		return v
	}
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string{}, s...)
}

func copyJoins(m map[string][]string) map[string][]string {
	if m == nil {
		return nil
	}
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = copyStrings(v)
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func appendUnique(list []string, s string) []string {
	if containsString(list, s) {
		return list
	}
	return append(list, s)
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, item := range list {
		if item != s {
			out = append(out, item)
		}
	}
	return out
}

// CopyContext returns a deep copy of a context or config map.
func CopyContext(m map[string]any) map[string]any {
	return copyMap(m)
}
