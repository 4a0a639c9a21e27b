package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/papapumpkin/pulsar/internal/agent"
	"github.com/papapumpkin/pulsar/internal/graph"
	"github.com/papapumpkin/pulsar/internal/pipeline"
)

// outcome is the result of one attempt at a leaf stage.
type outcome struct {
	status   pipeline.Status
	exitCode int
	log      string
	err      error
	reason   string
}

// runLeaf runs a leaf body until it succeeds, turns unstable, is canceled
// or runs out of attempts. The condition and gate were already handled
// by runNode and are not revisited between attempts.
func (r *run) runLeaf(ctx context.Context, n graph.Node, view View) pipeline.Status {
	attempts := max(n.Retry.MaxAttempts, 1)
	var out outcome
	var logs strings.Builder
	for attempt := 1; ; attempt++ {
		st := pipeline.StatusRunning
		if attempt > 1 {
			st = pipeline.StatusRetrying
		}
		r.transition(n.ID, st, func(s *StageResult) { s.Attempts = attempt })
		if attempt > 1 {
			r.transition(n.ID, pipeline.StatusRunning, nil)
		}

		out = r.attempt(ctx, n, view, attempt)
		if attempts > 1 {
			fmt.Fprintf(&logs, "--- attempt %d ---\n", attempt)
		}
		logs.WriteString(out.log)

		if out.status != pipeline.StatusFailure || ctx.Err() != nil || attempt >= attempts {
			break
		}
		r.e.metrics.StageRetried(r.g.Name())
		if !sleepWithContext(ctx, n.Retry.Backoff) {
			out = outcome{status: pipeline.StatusAborted, exitCode: out.exitCode, err: ctx.Err()}
			break
		}
	}

	if ctx.Err() != nil && out.status == pipeline.StatusFailure {
		out.status = pipeline.StatusAborted
		out.err = ctx.Err()
	}
	if out.status == pipeline.StatusFailure {
		attempt := r.attempts(n.ID)
		out.err = &StageExecutionError{Stage: n.ID, Attempt: attempt, ExitCode: out.exitCode, Err: out.err}
	}
	r.transition(n.ID, out.status, func(s *StageResult) {
		s.ExitCode = out.exitCode
		s.Log = logs.String()
		s.Err = out.err
		s.Reason = out.reason
	})
	return out.status
}

func (r *run) attempts(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stages[id].Attempts
}

// attempt runs the body once under the stage timeout, if any.
func (r *run) attempt(ctx context.Context, n graph.Node, view View, attempt int) outcome {
	actx := ctx
	if n.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, n.Timeout)
		defer cancel()
	}

	var out outcome
	if n.Body != "" {
		out = r.runBody(actx, n, view, attempt)
	} else {
		out = r.runSteps(actx, n, view)
	}

	if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return outcome{
			status:   pipeline.StatusFailure,
			exitCode: -1,
			log:      out.log,
			err:      fmt.Errorf("attempt %d exceeded timeout %s", attempt, n.Timeout),
		}
	}
	if ctx.Err() != nil && out.status != pipeline.StatusSuccess {
		out.status = pipeline.StatusAborted
		out.err = ctx.Err()
	}
	return out
}

// runSteps hands the stage's shell steps to the agent pool.
func (r *run) runSteps(ctx context.Context, n graph.Node, view View) outcome {
	env := view.Environ()
	var envFile string
	if n.Init {
		f, err := os.CreateTemp(r.e.stateDir, "pulsar-env-*")
		if err != nil {
			return outcome{status: pipeline.StatusFailure, exitCode: -1, err: fmt.Errorf("creating env file: %w", err)}
		}
		envFile = f.Name()
		f.Close()
		defer os.Remove(envFile)
		env = append(env, VarEnvFile+"="+envFile)
	}

	job := r.job(n)
	job.Steps = n.Steps
	job.Env = env
	res, err := r.e.pool.Run(ctx, job)
	out := outcome{exitCode: res.ExitCode, log: res.Log}
	switch {
	case err != nil:
		out.status = pipeline.StatusFailure
		out.err = err
	case res.Succeeded():
		out.status = pipeline.StatusSuccess
	case slices.Contains(n.UnstableExitCodes, res.ExitCode):
		out.status = pipeline.StatusUnstable
		out.reason = fmt.Sprintf("step %d exited with unstable code %d", res.Failed+1, res.ExitCode)
	default:
		out.status = pipeline.StatusFailure
		out.err = fmt.Errorf("step %d exited with code %d", res.Failed+1, res.ExitCode)
	}

	if envFile != "" && out.status == pipeline.StatusSuccess {
		if err := r.loadEnvFile(envFile); err != nil {
			out.status = pipeline.StatusFailure
			out.err = err
		}
	}
	return out
}

// runBody runs a registered in-process body on an agent slot.
func (r *run) runBody(ctx context.Context, n graph.Node, view View, attempt int) outcome {
	release, err := r.e.pool.Acquire(ctx, n.Agent)
	if err != nil {
		return outcome{status: pipeline.StatusFailure, exitCode: -1, err: err}
	}
	defer release()

	var buf lockedBuffer
	var log io.Writer = &buf
	if r.e.stepOutput != nil {
		log = io.MultiWriter(&buf, r.e.stepOutput)
	}
	sc := &StageContext{
		ID:      n.ID,
		Name:    n.Name,
		Attempt: attempt,
		Axes:    r.axes(n),
		view:    view,
		log:     log,
	}
	if n.Init {
		sc.writer = r.ectx.writer()
	}

	err = safeRun(ctx, r.e.bodies[n.Body], sc)
	out := outcome{log: buf.String()}
	switch {
	case err == nil:
		out.status = pipeline.StatusSuccess
	case errors.Is(err, ErrUnstable):
		out.status = pipeline.StatusUnstable
		out.exitCode = 1
		out.reason = err.Error()
	default:
		out.status = pipeline.StatusFailure
		out.exitCode = 1
		out.err = err
	}
	return out
}

func (r *run) job(n graph.Node) agent.Job {
	return agent.Job{
		Stage: n.ID,
		Dir:   r.e.workDir,
		Label: n.Agent,
		Log:   r.e.stepOutput,
	}
}

// RunHook runs hook steps on the pool. It satisfies post.HookRunner.
func (r *run) RunHook(ctx context.Context, scope, hook string, steps []string) (string, error) {
	env := r.ectx.View(map[string]string{}).Environ()
	label := ""
	if scope != "" {
		if n, ok := r.g.Node(scope); ok {
			env = r.ectx.View(r.overlay(n)).Environ()
			label = n.Agent
		}
	}
	stage := hook
	if scope != "" {
		stage = scope + "#" + hook
	}
	res, err := r.e.pool.Run(ctx, agent.Job{
		Stage: stage,
		Steps: steps,
		Env:   env,
		Dir:   r.e.workDir,
		Label: label,
		Log:   r.e.stepOutput,
	})
	if err != nil {
		return res.Log, err
	}
	if !res.Succeeded() {
		return res.Log, fmt.Errorf("step %d exited with code %d", res.Failed+1, res.ExitCode)
	}
	return res.Log, nil
}

// loadEnvFile reads KEY=VALUE lines an init stage wrote to its env file
// into the execution context. Blank lines and # comments are ignored.
func (r *run) loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reading env file: %w", err)
	}
	defer f.Close()

	w := r.ectx.writer()
	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		k, v, ok := strings.Cut(text, "=")
		if !ok {
			return fmt.Errorf("env file line %d: expected KEY=VALUE", line)
		}
		if err := w.Set(strings.TrimSpace(k), v); err != nil {
			return fmt.Errorf("env file line %d: %w", line, err)
		}
	}
	return sc.Err()
}

// lockedBuffer is a strings.Builder safe for a body that logs from
// several goroutines.
type lockedBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}
