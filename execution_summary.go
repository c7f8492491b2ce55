package flowgraph

import "time"

// ExecutionSummary provides a summary view of a non-terminal execution
type ExecutionSummary struct {
	ExecutionID  string          `json:"execution_id"`
	WorkflowID   string          `json:"workflow_id"`
	Status       ExecutionStatus `json:"status"`
	CurrentNodes []string        `json:"current_nodes"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at,omitzero"`
}
