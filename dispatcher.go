package flowgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/deepnoodle-ai/flowgraph/retry"
	"github.com/deepnoodle-ai/flowgraph/script"
)

// DispatchResult is the outcome of dispatching one node, including retries.
// Exactly one of Outcome and Err is set.
type DispatchResult struct {
	NodeID     string
	Outcome    *Outcome
	Err        *NodeError
	Attempts   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns the wall time spent on the dispatch.
func (r *DispatchResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Dispatcher resolves node handlers and invokes them with timeouts, panic
// recovery and retries.
type Dispatcher struct {
	registry       *Registry
	logger         *slog.Logger
	compiler       script.Compiler
	defaultTimeout time.Duration
}

// NewDispatcher returns a dispatcher over the given registry.
func NewDispatcher(registry *Registry, logger *slog.Logger, compiler script.Compiler, defaultTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		registry:       registry,
		logger:         logger,
		compiler:       compiler,
		defaultTimeout: defaultTimeout,
	}
}

// Dispatch runs the handler for req.Node. timeout applies to each attempt
// when the node does not set its own; zero falls back to the dispatcher
// default and a non-positive result means no timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, req *NodeRequest, timeout time.Duration) *DispatchResult {
	node := req.Node
	result := &DispatchResult{NodeID: node.ID, StartedAt: time.Now()}
	defer func() { result.FinishedAt = time.Now() }()

	handler, ok := d.registry.Lookup(node.Type)
	if !ok {
		result.Err = &NodeError{
			Code:    CodeHandlerNotFound,
			NodeID:  node.ID,
			Message: fmt.Sprintf("no handler registered for node type %q", node.Type),
		}
		return result
	}

	if node.Timeout > 0 {
		timeout = node.Timeout
	} else if timeout == 0 {
		timeout = d.defaultTimeout
	}

	logger := d.logger.With("node_id", node.ID, "node_type", node.Type)
	ctx = WithLogger(ctx, logger)
	if d.compiler != nil {
		ctx = WithCompiler(ctx, d.compiler)
	}

	var outcome *Outcome
	err := retry.Do(ctx, func(attempt int) error {
		result.Attempts = attempt
		attemptReq := *req
		attemptReq.Attempt = attempt
		attemptReq.Context = copyMap(req.Context)
		attemptReq.Config = copyMap(req.Config)
		out, nodeErr := d.attempt(ctx, handler, &attemptReq, timeout)
		if nodeErr != nil {
			return nodeErr
		}
		outcome = out
		return nil
	}, d.retryOptions(ctx, node, logger)...)

	if err != nil {
		var nodeErr *NodeError
		if !errors.As(err, &nodeErr) {
			nodeErr = &NodeError{Code: CodeNodeFailed, NodeID: node.ID, Message: err.Error(), Err: err}
		}
		nodeErr.Attempts = result.Attempts
		result.Err = nodeErr
		return result
	}
	result.Outcome = outcome
	return result
}

func (d *Dispatcher) retryOptions(ctx context.Context, node *NodeDefinition, logger *slog.Logger) []retry.Option {
	cfg := node.Retry
	if cfg == nil || cfg.MaxRetries <= 0 {
		return []retry.Option{retry.WithMaxRetries(0)}
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	backoffRate := cfg.BackoffRate
	if backoffRate <= 0 {
		backoffRate = 2
	}
	errorEquals := cfg.ErrorEquals
	if len(errorEquals) == 0 {
		errorEquals = []string{ErrorTypeAll}
	}
	return []retry.Option{
		retry.WithMaxRetries(cfg.MaxRetries),
		retry.WithBaseWait(baseDelay),
		retry.WithMaxWait(cfg.MaxDelay),
		retry.WithMultiplier(backoffRate),
		retry.WithJitter(cfg.Jitter),
		retry.WithShouldRetry(func(err error) bool {
			if ctx.Err() != nil || retry.IsPermanent(err) {
				return false
			}
			switch CodeOf(err) {
			case CodeHandlerNotFound, CodeNodePanic:
				return false
			}
			for _, pattern := range errorEquals {
				if MatchesErrorType(err, pattern) {
					return true
				}
			}
			return false
		}),
		retry.WithOnRetry(func(attempt int, err error, wait time.Duration) {
			logger.Warn("retrying node", "attempt", attempt, "wait", wait, "error", err)
		}),
	}
}

type attemptResult struct {
	outcome *Outcome
	err     *NodeError
}

// attempt invokes the handler once. The handler runs in its own goroutine so
// an attempt that ignores its context still honors the timeout.
func (d *Dispatcher) attempt(ctx context.Context, handler NodeHandler, req *NodeRequest, timeout time.Duration) (*Outcome, *NodeError) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	nodeID := req.Node.ID
	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("node handler panicked", "node_id", nodeID, "panic", r, "stack", string(debug.Stack()))
				done <- attemptResult{err: &NodeError{
					Code:    CodeNodePanic,
					NodeID:  nodeID,
					Message: fmt.Sprintf("handler panicked: %v", r),
				}}
			}
		}()
		outcome, err := handler.Handle(attemptCtx, req)
		if err != nil {
			done <- attemptResult{err: d.wrapError(ctx, attemptCtx, nodeID, timeout, err)}
			return
		}
		done <- attemptResult{outcome: normalizeOutcome(outcome)}
	}()

	select {
	case res := <-done:
		return res.outcome, res.err
	case <-attemptCtx.Done():
		return nil, d.wrapError(ctx, attemptCtx, nodeID, timeout, attemptCtx.Err())
	}
}

func (d *Dispatcher) wrapError(parent, attemptCtx context.Context, nodeID string, timeout time.Duration, err error) *NodeError {
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		if nodeErr.NodeID == "" {
			nodeErr.NodeID = nodeID
		}
		return nodeErr
	}
	if parent.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &NodeError{
			Code:    CodeNodeTimeout,
			NodeID:  nodeID,
			Message: fmt.Sprintf("node timed out after %s", timeout),
			Err:     err,
		}
	}
	return &NodeError{Code: CodeNodeFailed, NodeID: nodeID, Message: err.Error(), Err: err}
}

func normalizeOutcome(outcome *Outcome) *Outcome {
	if outcome == nil {
		return Completed(nil)
	}
	if outcome.Kind == "" {
		outcome.Kind = OutcomeCompleted
	}
	return outcome
}
