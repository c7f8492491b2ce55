package flowgraph

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/flowgraph/script"
)

// DefinitionSource supplies workflow definitions by id. The engine uses it
// only to resume executions started by another process.
type DefinitionSource interface {
	Definition(ctx context.Context, workflowID string) (*WorkflowDefinition, error)
}

// DefinitionSourceFunc adapts a function to the DefinitionSource interface.
type DefinitionSourceFunc func(ctx context.Context, workflowID string) (*WorkflowDefinition, error)

func (f DefinitionSourceFunc) Definition(ctx context.Context, workflowID string) (*WorkflowDefinition, error) {
	return f(ctx, workflowID)
}

// EngineOptions configures a new Engine. Zero values select in-memory
// stores, a discarding logger, no event sink and the expr compiler.
type EngineOptions struct {
	Registry        *Registry
	StateStore      StateStore
	CheckpointStore CheckpointStore
	Events          EventSink
	Logger          *slog.Logger
	Compiler        script.Compiler
	Definitions     DefinitionSource

	// NodeTimeout bounds each node dispatch attempt unless the node or the
	// execution sets its own timeout. Zero means no timeout.
	NodeTimeout time.Duration
}

// StartOptions are per-execution options for Start.
type StartOptions struct {
	// ExecutionID overrides the generated id.
	ExecutionID string

	// User is passed through untouched to node handlers and events.
	User any

	// CheckpointEveryNode saves a checkpoint after each node completion.
	CheckpointEveryNode bool

	// NodeTimeout overrides the engine default for this execution.
	NodeTimeout time.Duration
}

// ResumeOptions are options for Resume.
type ResumeOptions struct {
	// CheckpointID restores the execution from this checkpoint before the
	// resume data is merged.
	CheckpointID string

	// Definition is used when the engine has not cached the definition of
	// the execution, e.g. after a process restart.
	Definition *WorkflowDefinition

	// User replaces the execution's user reference when non-nil.
	User any
}

// Engine drives workflow executions through their lifecycle. It is safe for
// concurrent use; many executions may run at once.
type Engine struct {
	registry    *Registry
	states      StateStore
	checkpoints *CheckpointManager
	events      EventSink
	logger      *slog.Logger
	compiler    script.Compiler
	definitions DefinitionSource
	dispatcher  *Dispatcher

	baseCtx    context.Context
	baseCancel context.CancelFunc
	locks      *keyedMutex

	mu     sync.Mutex
	runs   map[string]*run
	defs   map[string]*WorkflowDefinition
	closed bool
	wg     sync.WaitGroup

	// runErrs holds the error of the last run of an execution that stopped
	// on a store failure, until the execution is launched again.
	runErrs map[string]error
}

// NewEngine creates an engine.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.StateStore == nil {
		opts.StateStore = NewMemoryStateStore()
	}
	if opts.CheckpointStore == nil {
		opts.CheckpointStore = NewMemoryCheckpointStore()
	}
	if opts.Events == nil {
		opts.Events = NullSink{}
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Compiler == nil {
		opts.Compiler = script.NewExprCompiler()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Engine{
		registry:    opts.Registry,
		states:      opts.StateStore,
		checkpoints: NewCheckpointManager(opts.CheckpointStore),
		events:      opts.Events,
		logger:      opts.Logger,
		compiler:    opts.Compiler,
		definitions: opts.Definitions,
		dispatcher:  NewDispatcher(opts.Registry, opts.Logger, opts.Compiler, opts.NodeTimeout),
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		locks:       newKeyedMutex(),
		runs:        map[string]*run{},
		defs:        map[string]*WorkflowDefinition{},
		runErrs:     map[string]error{},
	}
}

// Registry returns the engine's node handler registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Checkpoints returns the engine's checkpoint manager.
func (e *Engine) Checkpoints() *CheckpointManager {
	return e.checkpoints
}

// Start validates the definition, persists a new execution and begins
// running it in the background. It returns a snapshot taken once the
// execution is running.
func (e *Engine) Start(ctx context.Context, def *WorkflowDefinition, initialData map[string]any, opts StartOptions) (*ExecutionState, error) {
	if e.isClosed() {
		return nil, newEngineError(CodeEngineClosed, opts.ExecutionID, nil, "engine is shut down")
	}
	g, err := buildGraph(def)
	if err != nil {
		return nil, err
	}
	if err := validateConditions(ctx, def, e.compiler); err != nil {
		return nil, err
	}

	executionID := opts.ExecutionID
	if executionID == "" {
		executionID = NewExecutionID()
	}
	unlock := e.locks.Lock(executionID)
	defer unlock()

	if _, err := e.states.GetState(ctx, executionID); err == nil {
		return nil, newEngineError(CodeExecutionExists, executionID, nil, "execution already exists")
	} else if !errors.Is(err, ErrNotFound) {
		return nil, newEngineError(CodeStoreFailure, executionID, err, "failed to check for existing execution")
	}

	now := time.Now()
	state := newExecutionState(executionID, def.ID, initialData, now)
	state.User = opts.User
	state.Options = RunOptions{
		CheckpointEveryNode: opts.CheckpointEveryNode,
		NodeTimeout:         opts.NodeTimeout,
	}
	// Stored once, already running: a failed write leaves no record.
	state.transition(ExecutionStatusRunning, now)
	state.CurrentNodes = copyStrings(g.start)
	state.appendHistory("", string(EventWorkflowStart), now, map[string]any{"start_nodes": copyStrings(g.start)})
	if err := e.states.PutState(ctx, state); err != nil {
		return nil, newEngineError(CodeStoreFailure, executionID, err, "failed to persist execution")
	}

	r := e.launch(ctx, def, g, state)
	snapshot := state.Copy()
	e.emit(ctx, &Event{
		Name:        EventWorkflowStart,
		ExecutionID: executionID,
		WorkflowID:  def.ID,
		Timestamp:   now,
		User:        state.User,
		Data:        map[string]any{"start_nodes": copyStrings(g.start)},
	})
	r.begin(copyStrings(g.start))
	return snapshot, nil
}

// GetState returns a snapshot of an execution.
func (e *Engine) GetState(ctx context.Context, executionID string) (*ExecutionState, error) {
	if r := e.liveRun(executionID); r != nil {
		return r.snapshot(), nil
	}
	return e.loadState(ctx, executionID)
}

// Resume continues a paused execution. resumeData is shallow-merged into the
// context after the optional checkpoint restore; resume data wins on key
// collisions.
func (e *Engine) Resume(ctx context.Context, executionID string, resumeData map[string]any, opts ResumeOptions) (*ExecutionState, error) {
	if e.isClosed() {
		return nil, newEngineError(CodeEngineClosed, executionID, nil, "engine is shut down")
	}
	unlock := e.locks.Lock(executionID)
	defer unlock()

	state, err := e.GetState(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if state.Status != ExecutionStatusPaused {
		return nil, newEngineError(CodeInvalidStateForResume, executionID, nil, "cannot resume execution in status %q", state.Status)
	}
	def, err := e.definitionFor(ctx, state, opts.Definition)
	if err != nil {
		return nil, err
	}
	g, err := buildGraph(def)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if opts.CheckpointID != "" {
		cp, err := e.checkpoints.Restore(ctx, executionID, opts.CheckpointID)
		if err != nil {
			return nil, err
		}
		state.restore(cp)
		state.appendHistory("", "workflow.checkpoint.restored", now, map[string]any{"checkpoint_id": cp.ID})
	}
	state.mergeContext(resumeData)
	if opts.User != nil {
		state.User = opts.User
	}
	state.PausedNodes = nil
	state.transition(ExecutionStatusRunning, now)
	state.appendHistory("", "workflow.resumed", now, map[string]any{"nodes": copyStrings(state.CurrentNodes)})
	if err := e.states.PutState(ctx, state); err != nil {
		return nil, newEngineError(CodeStoreFailure, executionID, err, "failed to persist resumed execution")
	}

	r := e.launch(ctx, def, g, state)
	snapshot := state.Copy()
	r.begin(copyStrings(state.CurrentNodes))
	return snapshot, nil
}

// Cancel moves a non-terminal execution to cancelled and signals its
// in-flight node handlers. Cancelling a terminal execution is an error.
func (e *Engine) Cancel(ctx context.Context, executionID, reason string) (*ExecutionState, error) {
	unlock := e.locks.Lock(executionID)
	defer unlock()

	now := time.Now()
	if r := e.liveRun(executionID); r != nil {
		return r.cancelWith(ctx, reason, now)
	}

	state, err := e.loadState(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if state.Status.IsTerminal() {
		return nil, newEngineError(CodeAlreadyTerminal, executionID, nil, "execution is already %s", state.Status)
	}
	markCancelled(state, reason, now)
	if err := e.states.PutState(ctx, state); err != nil {
		return nil, newEngineError(CodeStoreFailure, executionID, err, "failed to persist cancellation")
	}
	e.forget(executionID)
	e.emit(ctx, cancelledEvent(state, reason, now))
	return state.Copy(), nil
}

// ListActiveExecutions returns summaries of all non-terminal executions.
// Executions running in this process report their live node sets.
func (e *Engine) ListActiveExecutions(ctx context.Context) ([]*ExecutionSummary, error) {
	summaries, err := e.states.ListActive(ctx)
	if err != nil {
		return nil, newEngineError(CodeStoreFailure, "", err, "failed to list active executions")
	}
	out := make([]*ExecutionSummary, 0, len(summaries))
	for _, summary := range summaries {
		if r := e.liveRun(summary.ExecutionID); r != nil {
			live := r.snapshot()
			if live.Status.IsTerminal() {
				continue
			}
			summary = live.Summary()
		}
		out = append(out, summary)
	}
	return out, nil
}

// Wait blocks until the execution's run loop stops, i.e. the execution is
// paused, terminal or the engine shut down. It returns the resulting state
// and any infrastructure error that stopped the loop.
func (e *Engine) Wait(ctx context.Context, executionID string) (*ExecutionState, error) {
	if r := e.liveRun(executionID); r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if r.err != nil {
			return r.snapshot(), r.err
		}
	}
	state, err := e.GetState(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if runErr := e.runError(executionID); runErr != nil {
		return state, runErr
	}
	return state, nil
}

// Recover restarts the run loop of an execution that the store reports as
// running but that has no run loop in this process, typically after a
// crash or Shutdown. Nodes in CurrentNodes are dispatched again.
func (e *Engine) Recover(ctx context.Context, executionID string, def *WorkflowDefinition) (*ExecutionState, error) {
	if e.isClosed() {
		return nil, newEngineError(CodeEngineClosed, executionID, nil, "engine is shut down")
	}
	unlock := e.locks.Lock(executionID)
	defer unlock()

	if e.liveRun(executionID) != nil {
		return nil, newEngineError(CodeInvalidStateForResume, executionID, nil, "execution is already running in this engine")
	}
	state, err := e.loadState(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if state.Status != ExecutionStatusRunning {
		return nil, newEngineError(CodeInvalidStateForResume, executionID, nil, "cannot recover execution in status %q", state.Status)
	}
	def, err = e.definitionFor(ctx, state, def)
	if err != nil {
		return nil, err
	}
	g, err := buildGraph(def)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	state.appendHistory("", "workflow.recovered", now, map[string]any{"nodes": copyStrings(state.CurrentNodes)})
	if err := e.states.PutState(ctx, state); err != nil {
		return nil, newEngineError(CodeStoreFailure, executionID, err, "failed to persist recovered execution")
	}
	r := e.launch(ctx, def, g, state)
	snapshot := state.Copy()
	r.begin(copyStrings(state.CurrentNodes))
	return snapshot, nil
}

// Shutdown stops all run loops and waits for them to exit. Persisted status
// is left as it was, so interrupted executions remain running in the store
// and can be picked up with Recover. The engine rejects new work afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.baseCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) liveRun(executionID string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[executionID]
}

func (e *Engine) loadState(ctx context.Context, executionID string) (*ExecutionState, error) {
	state, err := e.states.GetState(ctx, executionID)
	if errors.Is(err, ErrNotFound) {
		return nil, newEngineError(CodeExecutionNotFound, executionID, nil, "execution not found")
	}
	if err != nil {
		return nil, newEngineError(CodeStoreFailure, executionID, err, "failed to load execution")
	}
	return state, nil
}

// definitionFor finds the definition of an execution: the in-process cache
// first, then the explicit definition, then the DefinitionSource.
func (e *Engine) definitionFor(ctx context.Context, state *ExecutionState, explicit *WorkflowDefinition) (*WorkflowDefinition, error) {
	e.mu.Lock()
	def, ok := e.defs[state.ExecutionID]
	e.mu.Unlock()
	if ok {
		return def, nil
	}
	if explicit != nil {
		if explicit.ID != state.WorkflowID {
			return nil, newEngineError(CodeDefinitionUnavailable, state.ExecutionID, nil,
				"definition %q does not match workflow %q", explicit.ID, state.WorkflowID)
		}
		return explicit, nil
	}
	if e.definitions != nil {
		def, err := e.definitions.Definition(ctx, state.WorkflowID)
		if err != nil {
			return nil, newEngineError(CodeDefinitionUnavailable, state.ExecutionID, err, "failed to load definition %q", state.WorkflowID)
		}
		if def != nil {
			return def, nil
		}
	}
	return nil, newEngineError(CodeDefinitionUnavailable, state.ExecutionID, nil, "no definition available for workflow %q", state.WorkflowID)
}

// forget drops what the engine keeps for an execution that became terminal
// without a run loop.
func (e *Engine) forget(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.defs, executionID)
	delete(e.runErrs, executionID)
}

// launch registers a run for the state. The caller must hold the
// execution's operation lock and call begin once it is ready.
func (e *Engine) launch(ctx context.Context, def *WorkflowDefinition, g *graph, state *ExecutionState) *run {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(e.baseCtx, cancel)

	r := &run{
		engine:      e,
		executionID: state.ExecutionID,
		def:         def,
		graph:       g,
		state:       state,
		logger:      e.logger.With("execution_id", state.ExecutionID, "workflow_id", def.ID),
		ctx:         runCtx,
		cancel:      cancel,
		stop:        stop,
		done:        make(chan struct{}),
	}
	e.mu.Lock()
	e.runs[state.ExecutionID] = r
	e.defs[state.ExecutionID] = def
	delete(e.runErrs, state.ExecutionID)
	e.wg.Add(1)
	e.mu.Unlock()
	return r
}

// release unregisters a run once its loop has exited.
func (e *Engine) release(r *run, terminal bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runs[r.executionID] == r {
		delete(e.runs, r.executionID)
		if terminal {
			delete(e.defs, r.executionID)
		}
		if r.err != nil {
			e.runErrs[r.executionID] = r.err
		}
	}
	e.wg.Done()
}

func (e *Engine) runError(executionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runErrs[executionID]
}

func (e *Engine) emit(ctx context.Context, events ...*Event) {
	for _, event := range events {
		e.events.Emit(ctx, event)
	}
}

func markCancelled(state *ExecutionState, reason string, now time.Time) {
	state.transition(ExecutionStatusCancelled, now)
	state.CurrentNodes = []string{}
	state.PausedNodes = nil
	state.Joins = nil
	state.appendHistory("", string(EventWorkflowCancelled), now, map[string]any{"reason": reason})
}

func cancelledEvent(state *ExecutionState, reason string, now time.Time) *Event {
	return &Event{
		Name:        EventWorkflowCancelled,
		ExecutionID: state.ExecutionID,
		WorkflowID:  state.WorkflowID,
		Timestamp:   now,
		User:        state.User,
		Data:        map[string]any{"reason": reason},
	}
}

// keyedMutex serializes operations per execution id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedLock{}}
}

// Lock acquires the lock for key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
