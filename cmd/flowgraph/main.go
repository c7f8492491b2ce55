// Command flowgraph runs workflow definitions and manages their executions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/flowgraph"
	"github.com/deepnoodle-ai/flowgraph/handlers"
	"github.com/deepnoodle-ai/flowgraph/metrics"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const usage = `flowgraph - run graph workflows

Usage:
  flowgraph <command> [flags] [execution-id]

Commands:
  run       Start a workflow from a YAML or JSON definition
  resume    Resume a paused execution with new data
  recover   Restart an execution left running by a stopped process
  cancel    Cancel an execution
  status    Show the state of an execution
  list      List active executions
  events    Print the recorded event log of an execution
  validate  Check a definition without running it

Examples:
  flowgraph run -f review.yaml -i doc=draft.md
  flowgraph resume -f review.yaml -i approved=true exec_01h...
  flowgraph status -history exec_01h...

Every command accepts -store, -dsn, -data, -log-level and -metrics-addr,
which default to FLOWGRAPH_STORE, FLOWGRAPH_DSN, FLOWGRAPH_DATA_DIR,
FLOWGRAPH_LOG_LEVEL and FLOWGRAPH_METRICS_ADDR.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

type command func(ctx context.Context, app *app, fs *flag.FlagSet, args []string) error

var commands = map[string]command{
	"run":      runCommand,
	"resume":   resumeCommand,
	"recover":  recoverCommand,
	"cancel":   cancelCommand,
	"status":   statusCommand,
	"list":     listCommand,
	"events":   eventsCommand,
	"validate": validateCommand,
}

// execute dispatches a subcommand. It is separate from main so tests can
// drive the CLI without exiting.
func execute(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "help" || args[0] == "--help" {
		fmt.Fprint(out, usage)
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprint(out, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.SetOutput(out)
	app := &app{out: out}
	bindConfig(fs, &app.cfg)
	return cmd(ctx, app, fs, args[1:])
}

// app is the per-invocation wiring of stores, sinks and the engine.
type app struct {
	cfg     Config
	out     io.Writer
	logger  *slog.Logger
	stores  *stores
	engine  *flowgraph.Engine
	events  *flowgraph.FileEventLog
	metrics *http.Server
}

func (a *app) open(ctx context.Context) error {
	logger, err := a.cfg.logger()
	if err != nil {
		return err
	}
	a.logger = logger

	a.stores, err = openStores(ctx, &a.cfg)
	if err != nil {
		return err
	}
	a.events = flowgraph.NewFileEventLog(filepath.Join(a.cfg.DataDir, "events"), logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sinks := flowgraph.NewSinkChain(
		&eventPrinter{out: a.out},
		a.events,
		metrics.New(registry),
		&flowgraph.LogSink{Logger: logger, Level: slog.LevelDebug},
	)
	if a.cfg.MetricsAddr != "" {
		a.serveMetrics(registry)
	}

	engine := flowgraph.NewEngine(flowgraph.EngineOptions{
		StateStore:      a.stores.state,
		CheckpointStore: a.stores.checkpoints,
		Events:          sinks,
		Logger:          logger,
	})
	if err := handlers.RegisterAll(engine.Registry(), handlers.Options{Output: a.out}); err != nil {
		return err
	}
	a.engine = engine
	return nil
}

func (a *app) serveMetrics(registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	a.metrics = &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", a.cfg.MetricsAddr)
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.engine != nil {
		if err := a.engine.Shutdown(ctx); err != nil {
			a.logger.Warn("engine shutdown", "error", err)
		}
	}
	if a.metrics != nil {
		_ = a.metrics.Shutdown(ctx)
	}
	if a.stores != nil {
		if err := a.stores.close(); err != nil {
			a.logger.Warn("closing store", "error", err)
		}
	}
}

// parse parses flags and opens the app. It returns the positional
// arguments.
func (a *app) parse(ctx context.Context, fs *flag.FlagSet, args []string) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := a.open(ctx); err != nil {
		a.close()
		return nil, err
	}
	return fs.Args(), nil
}

func executionArg(cmd string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%s requires exactly one execution id", cmd)
	}
	return args[0], nil
}

func runCommand(ctx context.Context, a *app, fs *flag.FlagSet, args []string) error {
	var (
		file        string
		inputs      inputFlags
		id          string
		user        string
		everyNode   bool
		nodeTimeout time.Duration
		timeout     time.Duration
	)
	fs.StringVar(&file, "f", "", "Workflow definition file (required)")
	fs.Var(&inputs, "i", "Initial context value as key=value (repeatable)")
	fs.StringVar(&id, "id", "", "Execution id (generated when empty)")
	fs.StringVar(&user, "user", "", "User reference passed to handlers and events")
	fs.BoolVar(&everyNode, "checkpoint-every-node", false, "Save a checkpoint after every node")
	fs.DurationVar(&nodeTimeout, "node-timeout", 0, "Default timeout per node attempt")
	fs.DurationVar(&timeout, "timeout", 0, "Cancel the execution after this long")
	if _, err := a.parse(ctx, fs, args); err != nil {
		return err
	}
	defer a.close()

	if file == "" {
		return errors.New("run requires -f <definition>")
	}
	def, err := flowgraph.LoadFile(file)
	if err != nil {
		return err
	}
	data, err := inputs.parse()
	if err != nil {
		return err
	}
	opts := flowgraph.StartOptions{
		ExecutionID:         id,
		CheckpointEveryNode: everyNode,
		NodeTimeout:         nodeTimeout,
	}
	if user != "" {
		opts.User = user
	}
	state, err := a.engine.Start(ctx, def, data, opts)
	if err != nil {
		return err
	}
	return a.await(ctx, state.ExecutionID, timeout)
}

func resumeCommand(ctx context.Context, a *app, fs *flag.FlagSet, args []string) error {
	var (
		file       string
		inputs     inputFlags
		checkpoint string
		timeout    time.Duration
	)
	fs.StringVar(&file, "f", "", "Workflow definition file (required)")
	fs.Var(&inputs, "i", "Resume data as key=value (repeatable)")
	fs.StringVar(&checkpoint, "checkpoint", "", "Restore this checkpoint before resuming")
	fs.DurationVar(&timeout, "timeout", 0, "Cancel the execution after this long")
	rest, err := a.parse(ctx, fs, args)
	if err != nil {
		return err
	}
	defer a.close()

	id, err := executionArg("resume", rest)
	if err != nil {
		return err
	}
	if file == "" {
		return errors.New("resume requires -f <definition>")
	}
	def, err := flowgraph.LoadFile(file)
	if err != nil {
		return err
	}
	data, err := inputs.parse()
	if err != nil {
		return err
	}
	if _, err := a.engine.Resume(ctx, id, data, flowgraph.ResumeOptions{
		CheckpointID: checkpoint,
		Definition:   def,
	}); err != nil {
		return err
	}
	return a.await(ctx, id, timeout)
}

func recoverCommand(ctx context.Context, a *app, fs *flag.FlagSet, args []string) error {
	var file string
	var timeout time.Duration
	fs.StringVar(&file, "f", "", "Workflow definition file (required)")
	fs.DurationVar(&timeout, "timeout", 0, "Cancel the execution after this long")
	rest, err := a.parse(ctx, fs, args)
	if err != nil {
		return err
	}
	defer a.close()

	id, err := executionArg("recover", rest)
	if err != nil {
		return err
	}
	if file == "" {
		return errors.New("recover requires -f <definition>")
	}
	def, err := flowgraph.LoadFile(file)
	if err != nil {
		return err
	}
	if _, err := a.engine.Recover(ctx, id, def); err != nil {
		return err
	}
	return a.await(ctx, id, timeout)
}

// await waits for the execution to pause or finish. A timeout cancels the
// execution; an interrupt stops the engine and leaves the execution running
// in the store for a later recover.
func (a *app) await(ctx context.Context, id string, timeout time.Duration) error {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	state, err := a.engine.Wait(waitCtx, id)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		yellow.Fprintf(a.out, "Interrupted; execution %s stays running. Continue with: flowgraph recover -f <definition> %s\n", id, id)
		return nil
	case waitCtx.Err() != nil:
		state, err = a.engine.Cancel(context.Background(), id, fmt.Sprintf("timed out after %s", timeout))
		if err != nil {
			return err
		}
	default:
		return err
	}

	fmt.Fprintln(a.out)
	printState(a.out, state, nil, false)
	switch state.Status {
	case flowgraph.ExecutionStatusPaused:
		yellow.Fprintf(a.out, "\nResume with: flowgraph resume -f <definition> -i key=value %s\n", id)
	case flowgraph.ExecutionStatusFailed:
		return fmt.Errorf("execution %s failed", id)
	case flowgraph.ExecutionStatusCancelled:
		return fmt.Errorf("execution %s cancelled", id)
	}
	return nil
}

func cancelCommand(ctx context.Context, a *app, fs *flag.FlagSet, args []string) error {
	var reason string
	fs.StringVar(&reason, "reason", "cancelled from cli", "Cancellation reason")
	rest, err := a.parse(ctx, fs, args)
	if err != nil {
		return err
	}
	defer a.close()

	id, err := executionArg("cancel", rest)
	if err != nil {
		return err
	}
	state, err := a.engine.Cancel(ctx, id, reason)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Execution %s is %s\n", id, statusColor(state.Status).Sprint(state.Status))
	return nil
}

func statusCommand(ctx context.Context, a *app, fs *flag.FlagSet, args []string) error {
	var asJSON, history bool
	fs.BoolVar(&asJSON, "json", false, "Print the full state as JSON")
	fs.BoolVar(&history, "history", false, "Include the execution history")
	rest, err := a.parse(ctx, fs, args)
	if err != nil {
		return err
	}
	defer a.close()

	id, err := executionArg("status", rest)
	if err != nil {
		return err
	}
	state, err := a.engine.GetState(ctx, id)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(a.out, state)
	}
	checkpoints, err := a.engine.Checkpoints().List(ctx, id)
	if err != nil {
		return err
	}
	printState(a.out, state, checkpoints, history)
	return nil
}

func listCommand(ctx context.Context, a *app, fs *flag.FlagSet, args []string) error {
	var asJSON bool
	fs.BoolVar(&asJSON, "json", false, "Print as JSON")
	if _, err := a.parse(ctx, fs, args); err != nil {
		return err
	}
	defer a.close()

	summaries, err := a.engine.ListActiveExecutions(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(a.out, summaries)
	}
	printSummaries(a.out, summaries)
	return nil
}

func eventsCommand(ctx context.Context, a *app, fs *flag.FlagSet, args []string) error {
	rest, err := a.parse(ctx, fs, args)
	if err != nil {
		return err
	}
	defer a.close()

	id, err := executionArg("events", rest)
	if err != nil {
		return err
	}
	events, err := a.events.History(ctx, id)
	if err != nil {
		return err
	}
	printEvents(a.out, events)
	return nil
}

func validateCommand(ctx context.Context, a *app, fs *flag.FlagSet, args []string) error {
	var file string
	fs.StringVar(&file, "f", "", "Workflow definition file (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if file == "" {
		return errors.New("validate requires -f <definition>")
	}
	def, err := flowgraph.LoadFile(file)
	if err != nil {
		return err
	}
	if err := flowgraph.Validate(def); err != nil {
		return err
	}
	starts, err := flowgraph.StartNodes(def)
	if err != nil {
		return err
	}
	green.Fprintf(a.out, "%s is valid: %d nodes, start %v\n", def.ID, len(def.Nodes), starts)
	return nil
}
