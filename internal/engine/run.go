package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/papapumpkin/pulsar/internal/condition"
	"github.com/papapumpkin/pulsar/internal/gate"
	"github.com/papapumpkin/pulsar/internal/graph"
	"github.com/papapumpkin/pulsar/internal/pipeline"
	"github.com/papapumpkin/pulsar/internal/post"
	"github.com/papapumpkin/pulsar/internal/telemetry"
)

// run is the state of one Executor.Run call.
type run struct {
	e          *Executor
	g          *graph.Graph
	id         string
	opts       graph.Options
	ectx       *ExecutionContext
	dispatcher *post.Dispatcher
	prevStages map[string]pipeline.Status

	mu     sync.Mutex
	stages map[string]*StageResult
	hooks  []post.Outcome
}

func newRun(e *Executor, g *graph.Graph, id string, ectx *ExecutionContext) *run {
	r := &run{
		e:      e,
		g:      g,
		id:     id,
		opts:   g.Options(),
		ectx:   ectx,
		stages: make(map[string]*StageResult, g.Len()),
	}
	now := e.now()
	for _, nid := range g.Order() {
		n, _ := g.Node(nid)
		r.stages[nid] = &StageResult{
			ID:          n.ID,
			Name:        n.Name,
			Kind:        n.Kind,
			Parent:      n.Parent,
			Status:      pipeline.StatusPending,
			Transitions: []Transition{{Status: pipeline.StatusPending, At: now}},
		}
	}
	opts := append([]post.Option{post.WithLogger(e.logger), post.WithObserver(r.hookDone)}, e.postOpts...)
	r.dispatcher = post.NewDispatcher(r, opts...)
	return r
}

// loadPrevious reads the last completed run's statuses for changed hooks.
func (r *run) loadPrevious(ctx context.Context) (pipeline.Status, bool) {
	if r.e.history == nil {
		return "", false
	}
	prev, ok, err := r.e.history.PreviousStatus(ctx, r.g.Name())
	if err != nil {
		fmt.Fprintf(r.e.logger, "warning: reading previous run: %v\n", err)
		return "", false
	}
	stages, err := r.e.history.PreviousStageStatuses(ctx, r.g.Name())
	if err != nil {
		fmt.Fprintf(r.e.logger, "warning: reading previous stage statuses: %v\n", err)
	}
	r.prevStages = stages
	return prev, ok
}

func (r *run) emit(kind, stage string, data any) {
	r.e.emitter.Record(kind, r.id, stage, data)
}

func (r *run) notify(ev StageEvent) {
	if r.e.observer != nil {
		r.e.observer(ev)
	}
}

func (r *run) status(id string) pipeline.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stages[id].Status
}

// transition moves a stage to st, applying fn to its record under the lock.
func (r *run) transition(id string, st pipeline.Status, fn func(*StageResult)) {
	now := r.e.now()
	r.mu.Lock()
	res := r.stages[id]
	res.Status = st
	res.Transitions = append(res.Transitions, Transition{Status: st, At: now})
	if st == pipeline.StatusRunning && res.Started.IsZero() {
		res.Started = now
	}
	if st.Terminal() {
		res.Finished = now
	}
	if fn != nil {
		fn(res)
	}
	ev := StageEvent{
		RunID:   r.id,
		Stage:   id,
		Name:    res.Name,
		Kind:    res.Kind,
		Status:  st,
		Attempt: res.Attempts,
		Reason:  res.Reason,
		Err:     res.Err,
		At:      now,
	}
	dur := res.Duration()
	r.mu.Unlock()

	data := map[string]any{"status": st}
	if ev.Attempt > 0 {
		data["attempt"] = ev.Attempt
	}
	if ev.Reason != "" {
		data["reason"] = ev.Reason
	}
	r.emit(telemetry.KindStageState, id, data)
	if st.Terminal() {
		r.e.metrics.StageFinished(r.g.Name(), string(ev.Kind), st, dur)
	}
	r.notify(ev)
}

// skipPending marks id Skipped if it has not started.
func (r *run) skipPending(id, reason string) {
	if r.status(id) != pipeline.StatusPending {
		return
	}
	r.transition(id, pipeline.StatusSkipped, func(s *StageResult) { s.Reason = reason })
}

func (r *run) skipTree(id, reason string) {
	for _, s := range r.g.Subtree(id) {
		r.skipPending(s, reason)
	}
}

func (r *run) skipChildren(n graph.Node, reason string) {
	for _, c := range n.Children {
		r.skipTree(c, reason)
	}
}

func (r *run) childStatuses(n graph.Node) []pipeline.Status {
	out := make([]pipeline.Status, len(n.Children))
	for i, c := range n.Children {
		out[i] = r.status(c)
	}
	return out
}

// runSequence runs ids in order. A Failure (unless continue_on_failure is
// set) or an Aborted stage marks everything downstream of it Skipped.
func (r *run) runSequence(ctx context.Context, ids []string) {
	for _, id := range ids {
		if r.status(id) != pipeline.StatusPending {
			continue
		}
		st := r.runNode(ctx, id)
		if st.Halts() && (st == pipeline.StatusAborted || !r.opts.ContinueOnFailure) {
			reason := fmt.Sprintf("halted: %s ended %s", id, st)
			for _, d := range r.g.Downstream(id) {
				r.skipPending(d, reason)
			}
		}
	}
}

// runNode takes one node from Pending to a terminal status.
func (r *run) runNode(ctx context.Context, id string) pipeline.Status {
	n, _ := r.g.Node(id)
	if ctx.Err() != nil {
		r.skipTree(id, "run canceled before the stage started")
		return pipeline.StatusSkipped
	}

	view := r.ectx.View(r.overlay(n))
	if n.Condition != nil {
		ok, err := condition.Evaluate(*n.Condition, view)
		if err != nil {
			r.transition(id, pipeline.StatusFailure, func(s *StageResult) { s.Err = err })
			r.skipChildren(n, "condition could not be evaluated")
			return pipeline.StatusFailure
		}
		if !ok {
			r.skipTree(id, fmt.Sprintf("when %s is false", n.Condition))
			return pipeline.StatusSkipped
		}
	}

	if n.Gate != nil {
		if st, ok := r.awaitGate(ctx, n); !ok {
			r.skipChildren(n, "approval gate not passed")
			return st
		}
	}

	var st pipeline.Status
	if n.Kind == graph.KindStage {
		st = r.runLeaf(ctx, n, view)
	} else {
		st = r.runGroup(ctx, n)
	}

	if !n.Post.Empty() && st != pipeline.StatusSkipped {
		r.stagePost(ctx, n, st)
	}
	return st
}

// overlay returns the stage-local variables: STAGE_NAME and the axis
// values of every enclosing matrix cell, innermost first.
func (r *run) overlay(n graph.Node) map[string]string {
	vars := map[string]string{VarStage: n.Name}
	for k, v := range r.axes(n) {
		vars[k] = v
	}
	return vars
}

func (r *run) axes(n graph.Node) map[string]string {
	axes := make(map[string]string)
	for cur, ok := n, true; ok; cur, ok = r.g.Node(cur.Parent) {
		if cur.Kind != graph.KindCell {
			continue
		}
		for k, v := range cur.Axes {
			if _, set := axes[k]; !set {
				axes[k] = v
			}
		}
	}
	return axes
}

func (r *run) runGroup(ctx context.Context, n graph.Node) pipeline.Status {
	gctx := ctx
	if n.Timeout > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(ctx, n.Timeout)
		defer cancel()
	}

	r.transition(n.ID, pipeline.StatusRunning, nil)
	var st pipeline.Status
	switch n.Kind {
	case graph.KindParallel, graph.KindMatrix:
		st = r.runParallel(gctx, n)
	default:
		r.runSequence(gctx, n.Children)
		st = pipeline.Worst(r.childStatuses(n)...)
	}

	var err error
	if ctx.Err() == nil && errors.Is(gctx.Err(), context.DeadlineExceeded) {
		st = pipeline.StatusAborted
		err = fmt.Errorf("stage exceeded timeout %s", n.Timeout)
	}
	r.transition(n.ID, st, func(s *StageResult) { s.Err = err })
	return st
}

// runParallel runs every child concurrently and aggregates once all are
// terminal. With fail-fast, the first Failure cancels the others.
func (r *run) runParallel(ctx context.Context, n graph.Node) pipeline.Status {
	failFast := n.FailFast || r.opts.FailFast
	continueOnFailure := n.ContinueOnFailure || r.opts.ContinueOnFailure

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var failedFast atomic.Bool
	var wg sync.WaitGroup
	statuses := make([]pipeline.Status, len(n.Children))
	for i, c := range n.Children {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := r.runNode(gctx, c)
			statuses[i] = st
			if st == pipeline.StatusFailure && failFast {
				failedFast.Store(true)
				cancel()
			}
		}()
	}
	wg.Wait()

	return aggregateParallel(statuses, continueOnFailure, failedFast.Load() && ctx.Err() == nil)
}

// aggregateParallel combines sibling statuses: any Aborted child makes the
// group Aborted, any Failure makes it Failure (Unstable under
// continue-on-failure), any Unstable makes it Unstable. Skipped children
// do not count. ignoreAborted drops siblings canceled by fail-fast.
func aggregateParallel(statuses []pipeline.Status, continueOnFailure, ignoreAborted bool) pipeline.Status {
	var failure, unstable, aborted bool
	for _, s := range statuses {
		switch s {
		case pipeline.StatusFailure:
			failure = true
		case pipeline.StatusUnstable:
			unstable = true
		case pipeline.StatusAborted:
			if !ignoreAborted {
				aborted = true
			}
		}
	}
	switch {
	case aborted:
		return pipeline.StatusAborted
	case failure && !continueOnFailure:
		return pipeline.StatusFailure
	case failure || unstable:
		return pipeline.StatusUnstable
	}
	return pipeline.StatusSuccess
}

// awaitGate blocks on the stage's approval gate. It reports false, with
// the terminal status already recorded, unless the gate was approved.
func (r *run) awaitGate(ctx context.Context, n graph.Node) (pipeline.Status, bool) {
	gt, err := r.e.gates.Open(ctx, gate.Request{
		RunID:      r.id,
		Pipeline:   r.g.Name(),
		Stage:      n.ID,
		Message:    n.Gate.Message,
		OK:         n.Gate.OK,
		Submitters: n.Gate.Submitters,
		Timeout:    n.Gate.Timeout,
	})
	if err != nil {
		r.transition(n.ID, pipeline.StatusFailure, func(s *StageResult) { s.Err = err })
		return pipeline.StatusFailure, false
	}

	info := gt.Info()
	r.mu.Lock()
	r.stages[n.ID].GateToken = info.Token
	r.mu.Unlock()
	r.emit(telemetry.KindGateOpen, n.ID, map[string]any{
		"token":   info.Token,
		"message": info.Message,
		"timeout": info.Timeout.String(),
	})
	r.e.metrics.GateOpened()
	r.notify(StageEvent{
		RunID:  r.id,
		Stage:  n.ID,
		Name:   n.Name,
		Kind:   n.Kind,
		Status: pipeline.StatusPending,
		Gate:   &info,
		At:     r.e.now(),
	})

	d, err := gt.Wait(ctx)
	outcome := string(d.Action)
	if outcome == "" {
		outcome = string(gate.ActionCancel)
	}
	r.e.metrics.GateResolved(r.g.Name(), outcome)
	r.emit(telemetry.KindGateResolved, n.ID, map[string]any{
		"token":     info.Token,
		"action":    outcome,
		"submitter": d.Submitter,
	})

	switch {
	case err != nil:
		r.transition(n.ID, pipeline.StatusAborted, func(s *StageResult) {
			s.Err = err
			s.Reason = "approval gate: " + err.Error()
		})
		return pipeline.StatusAborted, false
	case !d.Approved():
		reason := "rejected"
		if d.Submitter != "" {
			reason += " by " + d.Submitter
		}
		r.transition(n.ID, pipeline.StatusAborted, func(s *StageResult) {
			s.Reason = reason
			s.Approver = d.Submitter
		})
		return pipeline.StatusAborted, false
	}

	r.mu.Lock()
	r.stages[n.ID].Approver = d.Submitter
	r.mu.Unlock()
	return "", true
}

func (r *run) stagePost(ctx context.Context, n graph.Node, st pipeline.Status) {
	prev, ok := r.prevStages[n.ID]
	rev := r.ectx.rev
	rep := r.dispatcher.Dispatch(context.WithoutCancel(ctx), post.Request{
		Scope:       n.ID,
		Pipeline:    r.g.Name(),
		RunID:       r.id,
		Hooks:       n.Post,
		Status:      st,
		Previous:    prev,
		HasPrevious: ok,
		Branch:      rev.Branch,
		Commit:      rev.Commit,
	})
	r.addHooks(rep)
}

func (r *run) addHooks(rep post.Report) {
	r.mu.Lock()
	r.hooks = append(r.hooks, rep.Outcomes...)
	r.mu.Unlock()
}

func (r *run) hookDone(o post.Outcome) {
	data := map[string]any{"hook": o.Hook, "duration": o.Duration.String()}
	if o.Err != nil {
		data["error"] = o.Err.Error()
		r.e.metrics.HookFailed(r.g.Name(), o.Hook)
	}
	r.emit(telemetry.KindHookDone, o.Scope, data)
}

func (r *run) results() []StageResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StageResult, 0, len(r.stages))
	for _, id := range r.g.Order() {
		s := *r.stages[id]
		s.Transitions = slices.Clone(s.Transitions)
		out = append(out, s)
	}
	return out
}

func (r *run) hookOutcomes() []post.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.hooks)
}

// sleepWithContext waits for d and reports false if ctx ended first.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
