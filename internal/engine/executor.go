// Package engine walks a stage graph: it evaluates conditions, waits at
// approval gates, runs bodies on the agent pool with retries, aggregates
// group statuses and dispatches post hooks once the run is final.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/papapumpkin/pulsar/internal/agent"
	"github.com/papapumpkin/pulsar/internal/gate"
	"github.com/papapumpkin/pulsar/internal/graph"
	"github.com/papapumpkin/pulsar/internal/metrics"
	"github.com/papapumpkin/pulsar/internal/pipeline"
	"github.com/papapumpkin/pulsar/internal/post"
	"github.com/papapumpkin/pulsar/internal/scm"
	"github.com/papapumpkin/pulsar/internal/telemetry"
)

// Executor runs stage graphs. One Executor may run many graphs, one
// after another or concurrently.
type Executor struct {
	pool       *agent.Pool
	bodies     map[string]Body
	gates      *gate.Registry
	postOpts   []post.Option
	history    History
	emitter    *telemetry.Emitter
	metrics    *metrics.Metrics
	observer   func(StageEvent)
	logger     io.Writer
	stepOutput io.Writer
	workDir    string
	stateDir   string
	environ    func() []string
	now        func() time.Time
}

// New creates an Executor. Without WithPool it runs steps with sh on
// runtime.NumCPU() agents; without WithGates it opens gates on a private
// registry.
func New(opts ...Option) *Executor {
	e := &Executor{
		bodies:  make(map[string]Body),
		logger:  os.Stderr,
		environ: os.Environ,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pool == nil {
		e.pool = agent.NewPool(agent.Shell{}, runtime.NumCPU())
	}
	if e.gates == nil {
		e.gates = gate.NewRegistry(gate.WithLogger(e.logger))
	}
	return e
}

// Gates returns the registry gates are opened on.
func (e *Executor) Gates() *gate.Registry { return e.gates }

// RunInput is what varies between runs of the same graph.
type RunInput struct {
	Revision scm.Revision
	Params   map[string]string // supplied parameter values
	RunID    string            // "" generates one
}

// StageEvent reports a stage status change to an observer.
type StageEvent struct {
	RunID   string
	Stage   string
	Name    string
	Kind    graph.Kind
	Status  pipeline.Status
	Attempt int
	Reason  string
	Err     error
	Gate    *gate.Info // set when a gate opens
	At      time.Time
}

// Run executes g to completion and returns its result. The error is
// non-nil only when the run could not start: unknown bodies, bad
// parameters, an unresolvable environment or a concurrent run. Stage
// failures are reported through the result. Cancelling ctx aborts the
// run; post hooks still run.
func (e *Executor) Run(ctx context.Context, g *graph.Graph, in RunInput) (*RunResult, error) {
	if err := e.checkBodies(g); err != nil {
		return nil, err
	}
	params, err := pipeline.ResolveParameters(g.Parameters(), in.Params)
	if err != nil {
		return nil, err
	}
	runID := in.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	ectx, err := e.newContext(g, runID, in.Revision, params)
	if err != nil {
		return nil, err
	}

	if e.history != nil && g.Options().DisableConcurrentBuilds {
		ok, err := e.history.Acquire(ctx, g.Name(), runID)
		if err != nil {
			return nil, fmt.Errorf("acquiring run lock: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrConcurrentRun, g.Name())
		}
		defer func() {
			if err := e.history.Release(context.WithoutCancel(ctx), g.Name(), runID); err != nil {
				fmt.Fprintf(e.logger, "warning: releasing run lock: %v\n", err)
			}
		}()
	}

	r := newRun(e, g, runID, ectx)
	prevStatus, hasPrev := r.loadPrevious(ctx)

	started := e.now()
	r.emit(telemetry.KindRunStart, "", map[string]any{
		"pipeline": g.Name(),
		"branch":   in.Revision.Branch,
		"commit":   in.Revision.Commit,
	})
	e.metrics.RunStarted(g.Name())

	var rctx context.Context
	var cancel context.CancelFunc
	if t := g.Options().Timeout; t > 0 {
		rctx, cancel = context.WithTimeout(ctx, t)
	} else {
		rctx, cancel = context.WithCancel(ctx)
	}
	r.runSequence(rctx, g.Roots())
	timedOut := errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	rootStatuses := make([]pipeline.Status, 0, len(g.Roots()))
	for _, id := range g.Roots() {
		rootStatuses = append(rootStatuses, r.status(id))
	}
	status := pipeline.Worst(rootStatuses...)
	var runErr error
	switch {
	case timedOut:
		status = pipeline.StatusAborted
		runErr = fmt.Errorf("%w (%s)", ErrRunTimeout, g.Options().Timeout)
	case ctx.Err() != nil:
		status = pipeline.StatusAborted
		runErr = ctx.Err()
	}

	res := &RunResult{
		ID:       runID,
		Pipeline: g.Name(),
		Status:   status,
		Started:  started,
		Finished: e.now(),
		Branch:   in.Revision.Branch,
		Commit:   in.Revision.Commit,
		Params:   params,
		Err:      runErr,
	}

	hookCtx := context.WithoutCancel(ctx)
	if !g.Post().Empty() {
		rep := r.dispatcher.Dispatch(hookCtx, post.Request{
			Pipeline:    g.Name(),
			RunID:       runID,
			Hooks:       g.Post(),
			Status:      status,
			Previous:    prevStatus,
			HasPrevious: hasPrev,
			Branch:      in.Revision.Branch,
			Commit:      in.Revision.Commit,
		})
		r.addHooks(rep)
	}
	res.Stages = r.results()
	res.Hooks = r.hookOutcomes()

	if e.history != nil {
		if err := e.history.SaveRun(hookCtx, res); err != nil {
			fmt.Fprintf(e.logger, "warning: saving run history: %v\n", err)
		}
		if keep := g.Options().KeepRuns; keep > 0 {
			if err := e.history.Prune(hookCtx, g.Name(), keep); err != nil {
				fmt.Fprintf(e.logger, "warning: pruning run history: %v\n", err)
			}
		}
	}

	r.emit(telemetry.KindRunDone, "", map[string]any{
		"status":   status,
		"duration": res.Duration().String(),
	})
	e.metrics.RunFinished(g.Name(), status, res.Duration())
	return res, nil
}

// checkBodies fails when a stage references a body that is not registered.
func (e *Executor) checkBodies(g *graph.Graph) error {
	var missing []string
	for _, id := range g.Leaves() {
		n, _ := g.Node(id)
		if n.Body != "" {
			if _, ok := e.bodies[n.Body]; !ok {
				missing = append(missing, fmt.Sprintf("%s (%s)", n.Body, id))
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownBody, strings.Join(missing, ", "))
	}
	return nil
}

// newContext builds the execution context: reserved variables, then
// parameters, then the environment block resolved against both and the
// process environment.
func (e *Executor) newContext(g *graph.Graph, runID string, rev scm.Revision, params map[string]string) (*ExecutionContext, error) {
	ectx := NewExecutionContext(rev, params)
	w := ectx.writer()
	reserved := map[string]string{
		VarBranch:   rev.Branch,
		VarCommit:   rev.Commit,
		VarBuildID:  runID,
		VarPipeline: g.Name(),
	}
	if err := w.SetAll(reserved); err != nil {
		return nil, err
	}
	if err := w.SetAll(params); err != nil {
		return nil, fmt.Errorf("parameters: %w", err)
	}

	base := make(map[string]string)
	for _, kv := range e.environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			base[k] = v
		}
	}
	for k, v := range ectx.Vars() {
		base[k] = v
	}
	env, err := pipeline.ResolveEnvironment(g.Environment(), base)
	if err != nil {
		return nil, fmt.Errorf("resolving environment: %w", err)
	}
	if err := w.SetAll(env); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	return ectx, nil
}
