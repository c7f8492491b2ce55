package flowgraph

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorCode identifies a class of failure. Codes implement error so callers
// can match them with errors.Is, e.g. errors.Is(err, CodeExecutionNotFound).
type ErrorCode string

func (c ErrorCode) Error() string {
	return string(c)
}

const (
	// Graph validation
	CodeNoStartNode       ErrorCode = "WORKFLOW_NO_START_NODE"
	CodeCycleDetected     ErrorCode = "WORKFLOW_CYCLE_DETECTED"
	CodeInvalidDefinition ErrorCode = "WORKFLOW_INVALID_DEFINITION"

	// Engine operations
	CodeExecutionNotFound     ErrorCode = "EXECUTION_NOT_FOUND"
	CodeExecutionExists       ErrorCode = "EXECUTION_ALREADY_EXISTS"
	CodeInvalidStateForResume ErrorCode = "INVALID_STATE_FOR_RESUME"
	CodeCheckpointNotFound    ErrorCode = "CHECKPOINT_NOT_FOUND"
	CodeAlreadyTerminal       ErrorCode = "EXECUTION_ALREADY_TERMINAL"
	CodeStoreFailure          ErrorCode = "ENGINE_STORE_FAILURE"
	CodeDefinitionUnavailable ErrorCode = "ENGINE_DEFINITION_UNAVAILABLE"
	CodeEngineClosed          ErrorCode = "ENGINE_CLOSED"

	// Node dispatch
	CodeNodeFailed      ErrorCode = "NODE_FAILED"
	CodeNodeTimeout     ErrorCode = "NODE_TIMEOUT"
	CodeHandlerNotFound ErrorCode = "NODE_HANDLER_NOT_FOUND"
	CodeNodePanic       ErrorCode = "NODE_PANIC"
	CodeConditionError  ErrorCode = "EDGE_CONDITION_ERROR"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCheckpointExists is returned when saving a checkpoint id twice.
	ErrCheckpointExists = errors.New("checkpoint already exists")
)

// GraphError reports a structural problem found while validating a workflow
// definition. No execution state exists when one of these is returned.
type GraphError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Path    []string  `json:"path,omitempty"`
}

func (e *GraphError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GraphError) Is(target error) bool {
	code, ok := target.(ErrorCode)
	return ok && code == e.Code
}

// EngineError is returned by engine operations. Store failures wrap the
// underlying error so callers may retry the whole operation.
type EngineError struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Err         error     `json:"-"`
}

func (e *EngineError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.ExecutionID != "" {
		msg += fmt.Sprintf(" (execution %s)", e.ExecutionID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) Is(target error) bool {
	code, ok := target.(ErrorCode)
	return ok && code == e.Code
}

func newEngineError(code ErrorCode, executionID string, err error, format string, args ...any) *EngineError {
	return &EngineError{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		ExecutionID: executionID,
		Err:         err,
	}
}

// NodeError describes a node dispatch that did not produce an outcome.
type NodeError struct {
	Code     ErrorCode `json:"code"`
	NodeID   string    `json:"node_id"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts,omitempty"`
	Err      error     `json:"-"`
}

func (e *NodeError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: node %q: %s", e.Code, e.NodeID, e.Message)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

func (e *NodeError) Is(target error) bool {
	code, ok := target.(ErrorCode)
	return ok && code == e.Code
}

// CodeOf returns the ErrorCode carried by err, or "" if it has none.
func CodeOf(err error) ErrorCode {
	var graphErr *GraphError
	if errors.As(err, &graphErr) {
		return graphErr.Code
	}
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Code
	}
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		return nodeErr.Code
	}
	return ""
}

// Error type constants used by RetryConfig.ErrorEquals.
const (
	// ErrorTypeAll matches any error except fatal errors
	ErrorTypeAll = "all"

	// ErrorTypeNodeFailed matches any error except timeouts and fatal errors
	ErrorTypeNodeFailed = "node_failed"

	// ErrorTypeTimeout matches node timeouts
	ErrorTypeTimeout = "timeout"

	// ErrorTypeFatal marks an error that must never be retried. Unknown
	// errors are classified as node failures so they stay retryable.
	ErrorTypeFatal = "fatal_error"
)

// TypedError lets node handlers tag an error with a custom type, e.g.
// "rate_limited", that retry configuration can match on.
type TypedError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"`
}

func (e *TypedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

func (e *TypedError) Unwrap() error {
	return e.Wrapped
}

// NewTypedError creates a TypedError with the given type and cause.
func NewTypedError(errorType, cause string) *TypedError {
	return &TypedError{Type: errorType, Cause: cause}
}

// NewFatalError wraps err so that it is never retried.
func NewFatalError(err error) *TypedError {
	return &TypedError{Type: ErrorTypeFatal, Cause: err.Error(), Wrapped: err}
}

// ClassifyError returns the error type of err.
func ClassifyError(err error) string {
	var typed *TypedError
	if errors.As(err, &typed) {
		return typed.Type
	}
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) && nodeErr.Code == CodeNodeTimeout {
		return ErrorTypeTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	return ErrorTypeNodeFailed
}

// MatchesErrorType checks if an error matches a specified error type pattern
func MatchesErrorType(err error, errorType string) bool {
	kind := ClassifyError(err)
	// Fatal errors are only matched by the ErrorTypeFatal pattern
	if kind == ErrorTypeFatal {
		return errorType == ErrorTypeFatal
	}
	switch errorType {
	case ErrorTypeAll:
		return true
	case ErrorTypeNodeFailed:
		return kind != ErrorTypeTimeout
	default:
		return kind == errorType
	}
}
