package flowgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/deepnoodle-ai/flowgraph/script"
)

// History event names that have no corresponding EventSink event.
const (
	historyNodePaused   = "workflow.node.paused"
	historyEdgeError    = "workflow.edge.error"
	historyJoinUnfilled = "workflow.join.unsatisfied"
)

var errNotRunning = errors.New("execution is not running")

// run is the scheduling loop of one execution. A run exists from Start or
// Resume until the execution pauses, terminates or the engine shuts down.
type run struct {
	engine      *Engine
	executionID string
	def         *WorkflowDefinition
	graph       *graph
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool
	done   chan struct{}
	err    error

	// emitMu is held while state changes and their events are produced so
	// events of one execution reach the sink in order. Acquire before mu.
	emitMu sync.Mutex
	mu     sync.Mutex
	state  *ExecutionState
}

func (r *run) begin(frontier []string) {
	go r.loop(frontier)
}

func (r *run) snapshot() *ExecutionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Copy()
}

// update applies fn to the live state under the lock and emits the events it
// returns once the lock is released.
func (r *run) update(fn func(s *ExecutionState) ([]*Event, error)) error {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	events, err := fn(r.state)
	r.mu.Unlock()

	r.engine.emit(context.WithoutCancel(r.ctx), events...)
	return err
}

func (r *run) loop(frontier []string) {
	defer r.finish()

	for len(frontier) > 0 {
		if r.ctx.Err() != nil {
			r.logger.Debug("run loop interrupted", "frontier", frontier)
			return
		}
		next, stop, err := r.step(frontier)
		if err != nil {
			r.err = err
			r.logger.Error("run loop stopped", "error", err)
			return
		}
		if stop {
			return
		}
		frontier = next
	}
	if err := r.complete(); err != nil {
		r.err = err
		r.logger.Error("failed to complete execution", "error", err)
	}
}

func (r *run) finish() {
	r.stop()
	r.cancel()
	r.mu.Lock()
	terminal := r.state.Status.IsTerminal()
	r.mu.Unlock()
	r.engine.release(r, terminal)
	close(r.done)
}

func (r *run) node(id string) *NodeDefinition {
	if node, ok := r.graph.nodes[id]; ok {
		return node
	}
	// Unknown ids can only come from a checkpoint of another definition
	// version. The empty type makes the dispatch fail.
	return &NodeDefinition{ID: id}
}

// step dispatches one frontier batch and commits its results. It returns the
// next frontier, or stop=true when the loop must exit.
func (r *run) step(frontier []string) ([]string, bool, error) {
	frontier = copyStrings(frontier)
	sort.Strings(frontier)

	var requests []*NodeRequest
	var timeout time.Duration
	err := r.update(func(s *ExecutionState) ([]*Event, error) {
		if s.Status != ExecutionStatusRunning {
			return nil, errNotRunning
		}
		now := time.Now()
		nodeContext := copyMap(s.Context)
		events := make([]*Event, 0, len(frontier))
		for _, id := range frontier {
			node := r.node(id)
			s.CurrentNodes = appendUnique(s.CurrentNodes, id)
			s.PausedNodes = removeString(s.PausedNodes, id)
			s.appendHistory(id, string(EventNodeStart), now, map[string]any{"node_type": node.Type})
			events = append(events, newEvent(s, EventNodeStart, id, now, map[string]any{"node_type": node.Type}))
			requests = append(requests, &NodeRequest{
				ExecutionID: s.ExecutionID,
				WorkflowID:  s.WorkflowID,
				Node:        node,
				Config:      node.Config,
				Context:     nodeContext,
				User:        s.User,
				Attempt:     1,
			})
		}
		timeout = s.Options.NodeTimeout
		if err := r.persist(s); err != nil {
			return nil, err
		}
		return events, nil
	})
	if errors.Is(err, errNotRunning) {
		return nil, true, nil
	}
	if err != nil {
		return nil, true, err
	}

	results := make([]*DispatchResult, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := r.engine.dispatcher.Dispatch(r.ctx, req, timeout)
			results[i] = res
			r.recordResolution(req.Node, res)
		}()
	}
	wg.Wait()

	if r.ctx.Err() != nil {
		return nil, true, nil
	}
	return r.commit(results)
}

// recordResolution appends the history entry for a resolved node at its true
// completion time and emits its node event.
func (r *run) recordResolution(node *NodeDefinition, res *DispatchResult) {
	_ = r.update(func(s *ExecutionState) ([]*Event, error) {
		if s.Status.IsTerminal() || r.ctx.Err() != nil {
			return nil, nil
		}
		at := res.FinishedAt
		durationMs := res.Duration().Milliseconds()
		switch {
		case res.Err != nil:
			s.appendHistory(node.ID, string(EventNodeError), at, map[string]any{
				"error":    res.Err.Message,
				"code":     string(res.Err.Code),
				"attempts": res.Attempts,
			})
			return []*Event{newEvent(s, EventNodeError, node.ID, at, map[string]any{
				"error":       res.Err.Error(),
				"code":        string(res.Err.Code),
				"optional":    node.Optional,
				"attempts":    res.Attempts,
				"duration_ms": durationMs,
			})}, nil
		case res.Outcome.Kind == OutcomePaused:
			s.appendHistory(node.ID, historyNodePaused, at, map[string]any{"reason": res.Outcome.Reason})
			return nil, nil
		default:
			s.appendHistory(node.ID, string(EventNodeComplete), at, map[string]any{
				"duration_ms": durationMs,
				"attempts":    res.Attempts,
			})
			return []*Event{newEvent(s, EventNodeComplete, node.ID, at, map[string]any{
				"node_type":   node.Type,
				"duration_ms": durationMs,
				"attempts":    res.Attempts,
				"output":      copyMap(res.Outcome.Output),
			})}, nil
		}
	})
}

// commit applies a resolved batch in node id order and decides whether the
// execution continues, pauses or fails.
func (r *run) commit(results []*DispatchResult) ([]string, bool, error) {
	var next []string
	stop := false
	err := r.update(func(s *ExecutionState) ([]*Event, error) {
		if s.Status != ExecutionStatusRunning {
			stop = true
			return nil, nil
		}
		var events []*Event
		var failure string
		failed := false
		pauseReasons := map[string]any{}

		for _, res := range results {
			node := r.node(res.NodeID)
			switch {
			case res.Err != nil:
				s.CurrentNodes = removeString(s.CurrentNodes, node.ID)
				s.FailedNodes = appendUnique(s.FailedNodes, node.ID)
				s.Errors = append(s.Errors, ExecutionError{
					NodeID:    node.ID,
					Code:      res.Err.Code,
					Message:   res.Err.Error(),
					Timestamp: res.FinishedAt,
				})
				if !node.Optional && !failed {
					failed = true
					failure = res.Err.Error()
				}

			case res.Outcome.Kind == OutcomePaused:
				s.PausedNodes = appendUnique(s.PausedNodes, node.ID)
				pauseReasons[node.ID] = res.Outcome.Reason

			default:
				applyOutput(s, node, res.Outcome.Output)
				s.CurrentNodes = removeString(s.CurrentNodes, node.ID)
				s.CompletedNodes = appendUnique(s.CompletedNodes, node.ID)

				ready, err := r.fireEdges(s, node, res.Outcome.Output)
				if err != nil {
					now := time.Now()
					s.Errors = append(s.Errors, ExecutionError{
						NodeID:    node.ID,
						Code:      CodeConditionError,
						Message:   err.Error(),
						Timestamp: now,
					})
					s.appendHistory(node.ID, historyEdgeError, now, map[string]any{"error": err.Error()})
					if !failed {
						failed = true
						failure = err.Error()
					}
					continue
				}
				next = append(next, ready...)

				if s.Options.CheckpointEveryNode && !failed {
					event, err := r.saveCheckpoint(s)
					if err != nil {
						return events, err
					}
					events = append(events, event)
				}
			}
		}

		now := time.Now()
		switch {
		case failed:
			stop = true
			s.transition(ExecutionStatusFailed, now)
			s.CurrentNodes = []string{}
			s.PausedNodes = nil
			s.Joins = nil
			s.appendHistory("", string(EventWorkflowFailed), now, map[string]any{"error": failure})
			if err := r.persist(s); err != nil {
				return events, err
			}
			return append(events, newEvent(s, EventWorkflowFailed, "", now, map[string]any{
				"error":        failure,
				"failed_nodes": copyStrings(s.FailedNodes),
			})), nil

		case len(s.PausedNodes) > 0:
			stop = true
			event, err := r.saveCheckpoint(s)
			if err != nil {
				return events, err
			}
			events = append(events, event)
			checkpointID := event.Data["checkpoint_id"]
			s.transition(ExecutionStatusPaused, now)
			s.appendHistory("", string(EventWorkflowPaused), now, map[string]any{
				"nodes":         copyStrings(s.PausedNodes),
				"checkpoint_id": checkpointID,
			})
			if err := r.persist(s); err != nil {
				return events, err
			}
			return append(events, newEvent(s, EventWorkflowPaused, "", now, map[string]any{
				"nodes":         copyStrings(s.PausedNodes),
				"reasons":       pauseReasons,
				"checkpoint_id": checkpointID,
			})), nil
		}

		if err := r.persist(s); err != nil {
			return events, err
		}
		return events, nil
	})
	return next, stop || err != nil, err
}

// fireEdges evaluates the outgoing edges of a completed node against the
// updated context and schedules the targets whose join is satisfied. All
// conditions are evaluated before any edge fires.
func (r *run) fireEdges(s *ExecutionState, node *NodeDefinition, output map[string]any) ([]string, error) {
	if len(node.Edges) == 0 {
		return nil, nil
	}
	globals := script.Globals(copyMap(s.Context), copyMap(output))
	var fired []string
	for _, edge := range node.Edges {
		ok, err := r.edgeFires(edge, globals, s.Context)
		if err != nil {
			return nil, fmt.Errorf("edge %s -> %s: %w", node.ID, edge.To, err)
		}
		if ok {
			fired = append(fired, edge.To)
		}
	}

	var ready []string
	for _, target := range fired {
		if !r.joinReady(s, node.ID, target) || s.scheduledOrDone(target) {
			continue
		}
		s.CurrentNodes = append(s.CurrentNodes, target)
		ready = append(ready, target)
	}
	return ready, nil
}

func (r *run) edgeFires(edge *Edge, globals map[string]any, executionContext map[string]any) (bool, error) {
	ctx := context.WithoutCancel(r.ctx)
	if edge.Condition != "" {
		compiled, err := r.engine.compiler.Compile(ctx, edge.Condition)
		if err != nil {
			return false, err
		}
		value, err := compiled.Evaluate(ctx, globals)
		if err != nil {
			return false, err
		}
		if !value.IsTruthy() {
			return false, nil
		}
	}
	if edge.When != nil && !edge.When(copyMap(executionContext)) {
		return false, nil
	}
	return true, nil
}

// joinReady records that source fired an edge into target and reports
// whether the target's join is now satisfied.
func (r *run) joinReady(s *ExecutionState, source, target string) bool {
	incoming := r.graph.incoming[target]
	if r.node(target).JoinMode() == JoinAny || len(incoming) <= 1 {
		return true
	}
	if s.Joins == nil {
		s.Joins = map[string][]string{}
	}
	s.Joins[target] = appendUnique(s.Joins[target], source)
	if len(s.Joins[target]) < len(incoming) {
		return false
	}
	delete(s.Joins, target)
	return true
}

func (r *run) complete() error {
	return r.update(func(s *ExecutionState) ([]*Event, error) {
		if s.Status != ExecutionStatusRunning {
			return nil, nil
		}
		now := time.Now()
		r.recordUnfilledJoins(s, now)
		s.transition(ExecutionStatusCompleted, now)
		s.CurrentNodes = []string{}
		s.Joins = nil
		s.appendHistory("", string(EventWorkflowComplete), now, nil)
		if err := r.persist(s); err != nil {
			return nil, err
		}
		return []*Event{newEvent(s, EventWorkflowComplete, "", now, map[string]any{
			"completed_nodes": copyStrings(s.CompletedNodes),
			"duration_ms":     now.Sub(s.StartedAt).Milliseconds(),
		})}, nil
	})
}

// recordUnfilledJoins notes join-all targets that some but not all parents
// reached. They never run: the missing parents were on branches that did not
// fire.
func (r *run) recordUnfilledJoins(s *ExecutionState, now time.Time) {
	targets := make([]string, 0, len(s.Joins))
	for target := range s.Joins {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	for _, target := range targets {
		s.appendHistory(target, historyJoinUnfilled, now, map[string]any{
			"arrived":  copyStrings(s.Joins[target]),
			"expected": copyStrings(r.graph.incoming[target]),
		})
	}
}

// cancelWith persists a cancelled copy of the state before applying it, so
// a store failure leaves the execution untouched.
func (r *run) cancelWith(ctx context.Context, reason string, now time.Time) (*ExecutionState, error) {
	var snapshot *ExecutionState
	err := r.update(func(s *ExecutionState) ([]*Event, error) {
		if s.Status.IsTerminal() {
			return nil, newEngineError(CodeAlreadyTerminal, s.ExecutionID, nil, "execution is already %s", s.Status)
		}
		cancelled := s.Copy()
		markCancelled(cancelled, reason, now)
		if err := r.engine.states.PutState(ctx, cancelled); err != nil {
			return nil, newEngineError(CodeStoreFailure, s.ExecutionID, err, "failed to persist cancellation")
		}
		r.state = cancelled
		snapshot = cancelled.Copy()
		return []*Event{cancelledEvent(cancelled, reason, now)}, nil
	})
	if err != nil {
		return nil, err
	}
	r.cancel()
	return snapshot, nil
}

func (r *run) saveCheckpoint(s *ExecutionState) (*Event, error) {
	id, err := r.engine.checkpoints.Save(context.WithoutCancel(r.ctx), s)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	s.appendHistory("", string(EventCheckpointSaved), now, map[string]any{"checkpoint_id": id})
	return newEvent(s, EventCheckpointSaved, "", now, map[string]any{"checkpoint_id": id}), nil
}

func (r *run) persist(s *ExecutionState) error {
	if err := r.engine.states.PutState(context.WithoutCancel(r.ctx), s); err != nil {
		return newEngineError(CodeStoreFailure, s.ExecutionID, err, "failed to persist execution state")
	}
	return nil
}

// applyOutput stores a node's output under its Store key or merges it into
// the context.
func applyOutput(s *ExecutionState, node *NodeDefinition, output map[string]any) {
	if node.Store != "" {
		if s.Context == nil {
			s.Context = map[string]any{}
		}
		s.Context[node.Store] = copyMap(output)
		return
	}
	if len(output) > 0 {
		s.mergeContext(output)
	}
}

func newEvent(s *ExecutionState, name EventName, nodeID string, at time.Time, data map[string]any) *Event {
	return &Event{
		Name:        name,
		ExecutionID: s.ExecutionID,
		WorkflowID:  s.WorkflowID,
		NodeID:      nodeID,
		Timestamp:   at,
		User:        s.User,
		Data:        data,
	}
}
