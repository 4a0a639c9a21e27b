package engine

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/papapumpkin/pulsar/internal/agent"
	"github.com/papapumpkin/pulsar/internal/condition"
	"github.com/papapumpkin/pulsar/internal/gate"
	"github.com/papapumpkin/pulsar/internal/graph"
	"github.com/papapumpkin/pulsar/internal/pipeline"
	"github.com/papapumpkin/pulsar/internal/scm"
)

func mustGraph(t *testing.T, src string, opts ...graph.BuildOption) *graph.Graph {
	t.Helper()
	d, err := pipeline.Parse([]byte(src), "pulsar.toml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	g, err := graph.Build(d, opts...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

// script is a fake agent: each stage ID maps to the exit codes of its
// successive attempts. Unlisted stages succeed.
type script struct {
	mu    sync.Mutex
	codes map[string][]int
	calls map[string]int
	order []string
	jobs  []agent.Job
}

func newScript(codes map[string][]int) *script {
	if codes == nil {
		codes = map[string][]int{}
	}
	return &script{codes: codes, calls: make(map[string]int)}
}

func (s *script) Run(ctx context.Context, job agent.Job) (agent.Result, error) {
	s.mu.Lock()
	n := s.calls[job.Stage]
	s.calls[job.Stage] = n + 1
	s.order = append(s.order, job.Stage)
	s.jobs = append(s.jobs, job)
	codes := s.codes[job.Stage]
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return agent.Result{ExitCode: -1, Failed: 0}, err
	}
	code := 0
	if len(codes) > 0 {
		code = codes[min(n, len(codes)-1)]
	}
	if code != 0 {
		return agent.Result{ExitCode: code, Failed: 0, Log: "boom\n"}, nil
	}
	return agent.Result{Failed: -1, Log: "ok\n"}, nil
}

func (s *script) count(stage string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stage]
}

func (s *script) ran() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.order)
}

func (s *script) job(stage string) (agent.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Stage == stage {
			return j, true
		}
	}
	return agent.Job{}, false
}

func newTestExecutor(r agent.Runner, opts ...Option) *Executor {
	base := []Option{
		WithPool(agent.NewPool(r, 4)),
		WithLogger(io.Discard),
		WithEnviron(func() []string { return nil }),
	}
	return New(append(base, opts...)...)
}

func mustRun(t *testing.T, e *Executor, g *graph.Graph, in RunInput) *RunResult {
	t.Helper()
	res, err := e.Run(context.Background(), g, in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func stageStatus(t *testing.T, res *RunResult, id string) pipeline.Status {
	t.Helper()
	s, ok := res.Stage(id)
	if !ok {
		t.Fatalf("no result for stage %q", id)
	}
	return s.Status
}

const threeStages = `
[pipeline]
name = "web"

[[stages]]
name = "Build"
steps = ["make"]

[[stages]]
name = "Test"
steps = ["make test"]

[[stages]]
name = "Deploy"
steps = ["make deploy"]
`

func TestRunSequentialSuccess(t *testing.T) {
	t.Parallel()
	s := newScript(nil)
	res := mustRun(t, newTestExecutor(s), mustGraph(t, threeStages), RunInput{})

	if res.Status != pipeline.StatusSuccess {
		t.Errorf("Status = %s, want success", res.Status)
	}
	if res.ExitCode() != 0 {
		t.Errorf("ExitCode() = %d", res.ExitCode())
	}
	if got := s.ran(); !slices.Equal(got, []string{"Build", "Test", "Deploy"}) {
		t.Errorf("ran %v", got)
	}
	build, _ := res.Stage("Build")
	var seen []pipeline.Status
	for _, tr := range build.Transitions {
		seen = append(seen, tr.Status)
	}
	want := []pipeline.Status{pipeline.StatusPending, pipeline.StatusRunning, pipeline.StatusSuccess}
	if !slices.Equal(seen, want) {
		t.Errorf("transitions = %v, want %v", seen, want)
	}
	if build.Attempts != 1 || build.Log != "ok\n" {
		t.Errorf("Build attempts=%d log=%q", build.Attempts, build.Log)
	}
	if res.ID == "" {
		t.Error("empty run ID")
	}
}

func TestRunHaltSkipsDownstream(t *testing.T) {
	t.Parallel()
	s := newScript(map[string][]int{"Build": {2}})
	res := mustRun(t, newTestExecutor(s), mustGraph(t, threeStages), RunInput{})

	if res.Status != pipeline.StatusFailure {
		t.Errorf("Status = %s, want failure", res.Status)
	}
	for _, id := range []string{"Test", "Deploy"} {
		if got := stageStatus(t, res, id); got != pipeline.StatusSkipped {
			t.Errorf("%s = %s, want skipped", id, got)
		}
	}
	if s.count("Test") != 0 {
		t.Error("Test ran after Build failed")
	}
	build, _ := res.Stage("Build")
	var se *StageExecutionError
	if !errors.As(build.Err, &se) {
		t.Fatalf("Build.Err = %v, want *StageExecutionError", build.Err)
	}
	if se.ExitCode != 2 || se.Attempt != 1 || !errors.Is(build.Err, ErrStageFailed) {
		t.Errorf("StageExecutionError = %+v", se)
	}
}

func TestRunContinueOnFailure(t *testing.T) {
	t.Parallel()
	src := strings.Replace(threeStages, `name = "web"`, "name = \"web\"\n\n[options]\ncontinue_on_failure = true", 1)
	s := newScript(map[string][]int{"Build": {1}})
	res := mustRun(t, newTestExecutor(s), mustGraph(t, src), RunInput{})

	if got := s.ran(); !slices.Equal(got, []string{"Build", "Test", "Deploy"}) {
		t.Errorf("ran %v", got)
	}
	if res.Status != pipeline.StatusFailure {
		t.Errorf("Status = %s, want failure", res.Status)
	}
}

func TestRunRetry(t *testing.T) {
	t.Parallel()
	const src = `
[pipeline]
name = "web"

[[stages]]
name = "Flaky"
retry = 2
steps = ["make"]
`
	tests := []struct {
		name     string
		codes    []int
		want     pipeline.Status
		attempts int
	}{
		{name: "succeeds on third attempt", codes: []int{1, 1, 0}, want: pipeline.StatusSuccess, attempts: 3},
		{name: "exhausts attempts", codes: []int{1}, want: pipeline.StatusFailure, attempts: 3},
		{name: "first attempt passes", codes: []int{0}, want: pipeline.StatusSuccess, attempts: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newScript(map[string][]int{"Flaky": tt.codes})
			res := mustRun(t, newTestExecutor(s), mustGraph(t, src), RunInput{})

			flaky, _ := res.Stage("Flaky")
			if flaky.Status != tt.want {
				t.Errorf("Status = %s, want %s", flaky.Status, tt.want)
			}
			if flaky.Attempts != tt.attempts || s.count("Flaky") != tt.attempts {
				t.Errorf("attempts = %d (ran %d), want %d", flaky.Attempts, s.count("Flaky"), tt.attempts)
			}
			retrying := 0
			for _, tr := range flaky.Transitions {
				if tr.Status == pipeline.StatusRetrying {
					retrying++
				}
			}
			if retrying != tt.attempts-1 {
				t.Errorf("retrying transitions = %d, want %d", retrying, tt.attempts-1)
			}
			if flaky.Retried() != (tt.attempts > 1) {
				t.Errorf("Retried() = %v", flaky.Retried())
			}
		})
	}
}

func TestRunUnstableIsNotRetried(t *testing.T) {
	t.Parallel()
	const src = `
[pipeline]
name = "web"

[[stages]]
name = "Test"
retry = 3
unstable_exit_codes = [3]
steps = ["make test"]

[[stages]]
name = "Deploy"
steps = ["make deploy"]
`
	s := newScript(map[string][]int{"Test": {3}})
	res := mustRun(t, newTestExecutor(s), mustGraph(t, src), RunInput{})

	if got := stageStatus(t, res, "Test"); got != pipeline.StatusUnstable {
		t.Errorf("Test = %s, want unstable", got)
	}
	if s.count("Test") != 1 {
		t.Errorf("Test ran %d times, want 1", s.count("Test"))
	}
	if s.count("Deploy") != 1 {
		t.Error("Deploy did not run after an unstable stage")
	}
	if res.Status != pipeline.StatusUnstable || res.ExitCode() != 2 {
		t.Errorf("Status = %s exit %d, want unstable exit 2", res.Status, res.ExitCode())
	}
}

func TestRunConditionEvaluatedOnce(t *testing.T) {
	t.Parallel()
	var evals atomic.Int32
	reg := condition.Registry{"counted": func(condition.Context) bool {
		evals.Add(1)
		return true
	}}
	const src = `
[pipeline]
name = "web"

[[stages]]
name = "Flaky"
retry = 2
steps = ["make"]
[stages.when]
expression = "counted"
`
	s := newScript(map[string][]int{"Flaky": {1}})
	mustRun(t, newTestExecutor(s), mustGraph(t, src, graph.WithExpressions(reg)), RunInput{})

	if s.count("Flaky") != 3 {
		t.Errorf("Flaky ran %d times, want 3", s.count("Flaky"))
	}
	if evals.Load() != 1 {
		t.Errorf("condition evaluated %d times, want 1", evals.Load())
	}
}

func TestRunConditionSkipsSubtree(t *testing.T) {
	t.Parallel()
	const src = `
[pipeline]
name = "web"

[[stages]]
name = "Release"
[stages.when]
branch = "main"
[[stages.stages]]
name = "Tag"
steps = ["git tag"]
[[stages.stages]]
name = "Push"
steps = ["git push"]

[[stages]]
name = "Report"
steps = ["echo"]
`
	tests := []struct {
		branch string
		want   pipeline.Status
		ran    []string
	}{
		{branch: "main", want: pipeline.StatusSuccess, ran: []string{"Release/Tag", "Release/Push", "Report"}},
		{branch: "feature/x", want: pipeline.StatusSkipped, ran: []string{"Report"}},
	}
	for _, tt := range tests {
		t.Run(tt.branch, func(t *testing.T) {
			t.Parallel()
			s := newScript(nil)
			res := mustRun(t, newTestExecutor(s), mustGraph(t, src), RunInput{Revision: scm.Revision{Branch: tt.branch}})

			for _, id := range []string{"Release", "Release/Tag", "Release/Push"} {
				if got := stageStatus(t, res, id); got != tt.want {
					t.Errorf("%s = %s, want %s", id, got, tt.want)
				}
			}
			if got := s.ran(); !slices.Equal(got, tt.ran) {
				t.Errorf("ran %v, want %v", got, tt.ran)
			}
			if res.Status != pipeline.StatusSuccess {
				t.Errorf("run Status = %s, want success", res.Status)
			}
		})
	}
}

func TestRunAllSkippedIsSuccess(t *testing.T) {
	t.Parallel()
	const src = `
[pipeline]
name = "web"

[[stages]]
name = "Deploy"
steps = ["make deploy"]
[stages.when]
branch = "main"
`
	res := mustRun(t, newTestExecutor(newScript(nil)), mustGraph(t, src), RunInput{Revision: scm.Revision{Branch: "dev"}})
	if res.Status != pipeline.StatusSuccess {
		t.Errorf("Status = %s, want success", res.Status)
	}
	deploy, _ := res.Stage("Deploy")
	if !strings.Contains(deploy.Reason, "is false") {
		t.Errorf("Reason = %q", deploy.Reason)
	}
}

func TestAggregateParallel(t *testing.T) {
	t.Parallel()
	const (
		ok   = pipeline.StatusSuccess
		fail = pipeline.StatusFailure
		uns  = pipeline.StatusUnstable
		skip = pipeline.StatusSkipped
		abrt = pipeline.StatusAborted
	)
	tests := []struct {
		name          string
		statuses      []pipeline.Status
		continueOnErr bool
		ignoreAborted bool
		want          pipeline.Status
	}{
		{name: "all success", statuses: []pipeline.Status{ok, ok}, want: ok},
		{name: "all skipped", statuses: []pipeline.Status{skip, skip}, want: ok},
		{name: "one unstable", statuses: []pipeline.Status{ok, uns}, want: uns},
		{name: "one failure", statuses: []pipeline.Status{ok, fail, uns}, want: fail},
		{name: "failure under continue", statuses: []pipeline.Status{ok, fail}, continueOnErr: true, want: uns},
		{name: "aborted wins", statuses: []pipeline.Status{fail, abrt}, want: abrt},
		{name: "fail-fast aborts ignored", statuses: []pipeline.Status{fail, abrt}, ignoreAborted: true, want: fail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := aggregateParallel(tt.statuses, tt.continueOnErr, tt.ignoreAborted); got != tt.want {
				t.Errorf("aggregateParallel(%v) = %s, want %s", tt.statuses, got, tt.want)
			}
		})
	}
}

const parallelPipeline = `
[pipeline]
name = "web"

[[stages]]
name = "Checks"
%s
[[stages.parallel]]
name = "Lint"
steps = ["make lint"]
[[stages.parallel]]
name = "Slow"
steps = ["sleep 60"]

[[stages]]
name = "Deploy"
steps = ["make deploy"]
`

// blockingRunner fails Checks/Lint once Checks/Slow has started and holds
// Checks/Slow until its context ends.
func blockingRunner(started chan struct{}) agent.RunnerFunc {
	return func(ctx context.Context, job agent.Job) (agent.Result, error) {
		switch job.Stage {
		case "Checks/Slow":
			close(started)
			<-ctx.Done()
			return agent.Result{ExitCode: -1, Failed: 0}, ctx.Err()
		case "Checks/Lint":
			select {
			case <-started:
			case <-ctx.Done():
				return agent.Result{ExitCode: -1, Failed: 0}, ctx.Err()
			}
			return agent.Result{ExitCode: 1, Failed: 0}, nil
		}
		return agent.Result{Failed: -1}, nil
	}
}

func TestRunParallelFailFast(t *testing.T) {
	t.Parallel()
	src := strings.Replace(parallelPipeline, "%s", "fail_fast = true", 1)
	started := make(chan struct{})
	res := mustRun(t, newTestExecutor(blockingRunner(started)), mustGraph(t, src), RunInput{})

	if got := stageStatus(t, res, "Checks/Slow"); got != pipeline.StatusAborted {
		t.Errorf("Slow = %s, want aborted", got)
	}
	if got := stageStatus(t, res, "Checks"); got != pipeline.StatusFailure {
		t.Errorf("Checks = %s, want failure", got)
	}
	if got := stageStatus(t, res, "Deploy"); got != pipeline.StatusSkipped {
		t.Errorf("Deploy = %s, want skipped", got)
	}
	if res.Status != pipeline.StatusFailure {
		t.Errorf("run Status = %s, want failure", res.Status)
	}
}

func TestRunParallelWaitsForSiblings(t *testing.T) {
	t.Parallel()
	src := strings.Replace(parallelPipeline, "%s", "", 1)
	s := newScript(map[string][]int{"Checks/Lint": {1}})
	res := mustRun(t, newTestExecutor(s), mustGraph(t, src), RunInput{})

	if got := stageStatus(t, res, "Checks/Slow"); got != pipeline.StatusSuccess {
		t.Errorf("Slow = %s, want success", got)
	}
	if got := stageStatus(t, res, "Checks"); got != pipeline.StatusFailure {
		t.Errorf("Checks = %s, want failure", got)
	}
}

func TestRunMatrixCellsIndependent(t *testing.T) {
	t.Parallel()
	const src = `
[pipeline]
name = "web"

[[stages]]
name = "Test"
[stages.matrix]
axes = [{ name = "OS", values = ["linux", "mac"] }, { name = "GO", values = ["1.24", "1.25"] }]
[[stages.matrix.stages]]
name = "unit"
steps = ["go test ./..."]
[[stages.matrix.stages]]
name = "race"
steps = ["go test -race ./..."]
`
	s := newScript(map[string][]int{"Test/OS=mac,GO=1.24/unit": {1}})
	res := mustRun(t, newTestExecutor(s), mustGraph(t, src), RunInput{})

	if got := stageStatus(t, res, "Test/OS=mac,GO=1.24/race"); got != pipeline.StatusSkipped {
		t.Errorf("failing cell's next stage = %s, want skipped", got)
	}
	for _, cell := range []string{"OS=linux,GO=1.24", "OS=linux,GO=1.25", "OS=mac,GO=1.25"} {
		if got := stageStatus(t, res, "Test/"+cell+"/race"); got != pipeline.StatusSuccess {
			t.Errorf("%s race = %s, want success", cell, got)
		}
	}
	if got := stageStatus(t, res, "Test"); got != pipeline.StatusFailure {
		t.Errorf("matrix = %s, want failure", got)
	}

	job, ok := s.job("Test/OS=linux,GO=1.25/unit")
	if !ok {
		t.Fatal("linux 1.25 unit never ran")
	}
	for _, kv := range []string{"OS=linux", "GO=1.25", "STAGE_NAME=unit"} {
		if !slices.Contains(job.Env, kv) {
			t.Errorf("job env missing %s: %v", kv, job.Env)
		}
	}
}

const gatedPipeline = `
[pipeline]
name = "web"

[[stages]]
name = "Build"
steps = ["make"]

[[stages]]
name = "Deploy"
steps = ["make deploy"]
[stages.input]
message = "Ship it?"
%s
`

func TestRunApprovalGate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		input  string
		action gate.Action
		want   pipeline.Status
		ran    bool
	}{
		{name: "approved", action: gate.ActionApprove, want: pipeline.StatusSuccess, ran: true},
		{name: "rejected", action: gate.ActionReject, want: pipeline.StatusAborted},
		{name: "restricted submitter", input: `submitters = ["bob"]`, action: gate.ActionApprove, want: pipeline.StatusSuccess, ran: true},
		{name: "timed out", input: `timeout = "20ms"`, want: pipeline.StatusAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src := strings.Replace(gatedPipeline, "%s", tt.input, 1)
			s := newScript(nil)
			var e *Executor
			var opened atomic.Int32
			e = newTestExecutor(s, WithObserver(func(ev StageEvent) {
				if ev.Gate == nil || tt.action == "" {
					return
				}
				opened.Add(1)
				if _, err := e.Gates().Decide(context.Background(), ev.Gate.Token, tt.action, "bob"); err != nil {
					t.Errorf("Decide: %v", err)
				}
			}))
			res := mustRun(t, e, mustGraph(t, src), RunInput{})

			deploy, _ := res.Stage("Deploy")
			if deploy.Status != tt.want {
				t.Errorf("Deploy = %s, want %s (%v)", deploy.Status, tt.want, deploy.Err)
			}
			if ran := s.count("Deploy") > 0; ran != tt.ran {
				t.Errorf("Deploy ran = %v, want %v", ran, tt.ran)
			}
			if deploy.GateToken == "" {
				t.Error("no gate token recorded")
			}
			if tt.action == gate.ActionReject && deploy.Approver != "bob" {
				t.Errorf("Approver = %q, want bob", deploy.Approver)
			}
			if tt.action == "" && !errors.Is(deploy.Err, gate.ErrApprovalTimeout) {
				t.Errorf("Err = %v, want ErrApprovalTimeout", deploy.Err)
			}
			if tt.want == pipeline.StatusAborted && res.Status != pipeline.StatusAborted {
				t.Errorf("run Status = %s, want aborted", res.Status)
			}
			if len(e.Gates().Pending()) != 0 {
				t.Error("gate still pending after the run")
			}
		})
	}
}

func TestRunGateCanceledWithRun(t *testing.T) {
	t.Parallel()
	src := strings.Replace(gatedPipeline, "%s", "", 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newTestExecutor(newScript(nil), WithObserver(func(ev StageEvent) {
		if ev.Gate != nil {
			cancel()
		}
	}))
	res, err := e.Run(ctx, mustGraph(t, src), RunInput{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != pipeline.StatusAborted {
		t.Errorf("Status = %s, want aborted", res.Status)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", res.Err)
	}
}

func TestRunInitBodyWritesContext(t *testing.T) {
	t.Parallel()
	const src = `
[pipeline]
name = "web"

[[stages]]
name = "Prepare"
init = true
body = "prepare"

[[stages]]
name = "Build"
body = "build"
`
	var seen string
	var writeErr error
	e := newTestExecutor(newScript(nil),
		WithBody("prepare", BodyFunc(func(_ context.Context, sc *StageContext) error {
			return sc.Set("VERSION", "1.2.3")
		})),
		WithBody("build", BodyFunc(func(_ context.Context, sc *StageContext) error {
			seen, _ = sc.Getenv("VERSION")
			writeErr = sc.Set("VERSION", "9.9.9")
			return nil
		})),
	)
	res := mustRun(t, e, mustGraph(t, src), RunInput{})

	if res.Status != pipeline.StatusSuccess {
		t.Fatalf("Status = %s", res.Status)
	}
	if seen != "1.2.3" {
		t.Errorf("Build saw VERSION=%q, want 1.2.3", seen)
	}
	if !errors.Is(writeErr, ErrReadOnlyContext) {
		t.Errorf("Set from a regular stage = %v, want ErrReadOnlyContext", writeErr)
	}
}

func TestRunInitEnvFileWithShell(t *testing.T) {
	t.Parallel()
	const src = `
[pipeline]
name = "web"

[[stages]]
name = "Prepare"
init = true
steps = ["echo VERSION=1.2.3 >> \"$PULSAR_ENV\""]

[[stages]]
name = "Check"
steps = ["test \"$VERSION\" = 1.2.3", "test \"$STAGE_NAME\" = Check", "echo built $BRANCH_NAME"]
`
	dir := t.TempDir()
	e := New(
		WithPool(agent.NewPool(agent.Shell{Dir: dir}, 2)),
		WithLogger(io.Discard),
		WithEnviron(func() []string { return nil }),
		WithStateDir(dir),
	)
	res := mustRun(t, e, mustGraph(t, src), RunInput{Revision: scm.Revision{Branch: "main"}})

	check, _ := res.Stage("Check")
	if check.Status != pipeline.StatusSuccess {
		t.Fatalf("Check = %s: %v\n%s", check.Status, check.Err, check.Log)
	}
	if !strings.Contains(check.Log, "built main") {
		t.Errorf("Check log = %q", check.Log)
	}
}

func TestRunBodyPanicIsFailure(t *testing.T) {
	t.Parallel()
	const src = `
[pipeline]
name = "web"

[[stages]]
name = "Boom"
body = "boom"
`
	e := newTestExecutor(newScript(nil), WithBody("boom", BodyFunc(func(context.Context, *StageContext) error {
		panic("kaboom")
	})))
	res := mustRun(t, e, mustGraph(t, src), RunInput{})

	boom, _ := res.Stage("Boom")
	if boom.Status != pipeline.StatusFailure {
		t.Errorf("Status = %s, want failure", boom.Status)
	}
	if boom.Err == nil || !strings.Contains(boom.Err.Error(), "kaboom") {
		t.Errorf("Err = %v", boom.Err)
	}
}

func TestRunUnknownBody(t *testing.T) {
	t.Parallel()
	const src = `
[pipeline]
name = "web"

[[stages]]
name = "Build"
body = "missing"
`
	_, err := newTestExecutor(newScript(nil)).Run(context.Background(), mustGraph(t, src), RunInput{})
	if !errors.Is(err, ErrUnknownBody) {
		t.Errorf("err = %v, want ErrUnknownBody", err)
	}
}

func TestRunPostHooks(t *testing.T) {
	t.Parallel()
	const src = `
[pipeline]
name = "web"

[[stages]]
name = "Build"
steps = ["make"]
[stages.post.failure]
steps = ["echo stage failed"]

[post.always]
steps = ["echo always"]
[post.success]
steps = ["echo success"]
[post.failure]
steps = ["echo failure"]
[post.cleanup]
steps = ["rm -rf tmp"]
`
	s := newScript(map[string][]int{"Build": {1}, "failure": {1}})
	res := mustRun(t, newTestExecutor(s), mustGraph(t, src), RunInput{})

	want := []string{"Build", "Build#failure", "always", "failure", "cleanup"}
	if got := s.ran(); !slices.Equal(got, want) {
		t.Errorf("ran %v, want %v", got, want)
	}
	if res.Status != pipeline.StatusFailure {
		t.Errorf("Status = %s, want failure", res.Status)
	}
	var failed []string
	for _, o := range res.Hooks {
		if o.Err != nil {
			failed = append(failed, o.Hook)
		}
	}
	if !slices.Equal(failed, []string{"failure"}) {
		t.Errorf("failed hooks = %v, want [failure]", failed)
	}
}

// fakeHistory is an in-memory History.
type fakeHistory struct {
	mu       sync.Mutex
	locked   map[string]string
	previous pipeline.Status
	saved    []*RunResult
}

func (h *fakeHistory) Acquire(_ context.Context, name, runID string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.locked == nil {
		h.locked = make(map[string]string)
	}
	if _, held := h.locked[name]; held {
		return false, nil
	}
	h.locked[name] = runID
	return true, nil
}

func (h *fakeHistory) Release(_ context.Context, name, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.locked, name)
	return nil
}

func (h *fakeHistory) PreviousStatus(context.Context, string) (pipeline.Status, bool, error) {
	return h.previous, h.previous != "", nil
}

func (h *fakeHistory) PreviousStageStatuses(context.Context, string) (map[string]pipeline.Status, error) {
	return nil, nil
}

func (h *fakeHistory) SaveRun(_ context.Context, r *RunResult) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saved = append(h.saved, r)
	return nil
}

func (h *fakeHistory) Prune(context.Context, string, int) error { return nil }

func TestRunChangedHook(t *testing.T) {
	t.Parallel()
	const src = `
[pipeline]
name = "web"

[[stages]]
name = "Build"
steps = ["make"]

[post.changed]
steps = ["echo changed"]
`
	tests := []struct {
		previous pipeline.Status
		fired    bool
	}{
		{previous: "", fired: false},
		{previous: pipeline.StatusSuccess, fired: false},
		{previous: pipeline.StatusFailure, fired: true},
	}
	for _, tt := range tests {
		t.Run(string(tt.previous), func(t *testing.T) {
			t.Parallel()
			s := newScript(nil)
			h := &fakeHistory{previous: tt.previous}
			mustRun(t, newTestExecutor(s, WithHistory(h)), mustGraph(t, src), RunInput{})

			if fired := s.count("changed") > 0; fired != tt.fired {
				t.Errorf("changed fired = %v, want %v", fired, tt.fired)
			}
			if len(h.saved) != 1 {
				t.Errorf("saved %d runs, want 1", len(h.saved))
			}
		})
	}
}

func TestRunConcurrentRunRejected(t *testing.T) {
	t.Parallel()
	const src = `
[pipeline]
name = "web"

[options]
disable_concurrent_builds = true

[[stages]]
name = "Build"
steps = ["make"]
`
	h := &fakeHistory{}
	if ok, _ := h.Acquire(context.Background(), "web", "other"); !ok {
		t.Fatal("could not pre-acquire lock")
	}
	_, err := newTestExecutor(newScript(nil), WithHistory(h)).Run(context.Background(), mustGraph(t, src), RunInput{})
	if !errors.Is(err, ErrConcurrentRun) {
		t.Fatalf("err = %v, want ErrConcurrentRun", err)
	}

	if err := h.Release(context.Background(), "web", "other"); err != nil {
		t.Fatal(err)
	}
	res := mustRun(t, newTestExecutor(newScript(nil), WithHistory(h)), mustGraph(t, src), RunInput{})
	if res.Status != pipeline.StatusSuccess {
		t.Errorf("Status = %s", res.Status)
	}
	if len(h.locked) != 0 {
		t.Error("lock not released after the run")
	}
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()
	const src = `
[pipeline]
name = "web"

[options]
timeout = "30ms"

[[stages]]
name = "Hang"
steps = ["sleep 60"]

[[stages]]
name = "After"
steps = ["echo"]

[post.aborted]
steps = ["echo aborted"]
`
	var hooks atomic.Int32
	runner := agent.RunnerFunc(func(ctx context.Context, job agent.Job) (agent.Result, error) {
		if job.Stage == "aborted" {
			hooks.Add(1)
			return agent.Result{Failed: -1}, nil
		}
		<-ctx.Done()
		return agent.Result{ExitCode: -1, Failed: 0}, ctx.Err()
	})
	start := time.Now()
	res := mustRun(t, newTestExecutor(runner), mustGraph(t, src), RunInput{})

	if time.Since(start) > 5*time.Second {
		t.Error("run did not stop at its timeout")
	}
	if res.Status != pipeline.StatusAborted {
		t.Errorf("Status = %s, want aborted", res.Status)
	}
	if !errors.Is(res.Err, ErrRunTimeout) {
		t.Errorf("Err = %v, want ErrRunTimeout", res.Err)
	}
	if got := stageStatus(t, res, "After"); got != pipeline.StatusSkipped {
		t.Errorf("After = %s, want skipped", got)
	}
	if hooks.Load() != 1 {
		t.Errorf("aborted hook ran %d times, want 1", hooks.Load())
	}
}

func TestRunStageTimeoutIsRetried(t *testing.T) {
	t.Parallel()
	const src = `
[pipeline]
name = "web"

[[stages]]
name = "Slow"
retry = 1
timeout = "20ms"
steps = ["sleep 60"]
`
	var calls atomic.Int32
	runner := agent.RunnerFunc(func(ctx context.Context, job agent.Job) (agent.Result, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return agent.Result{ExitCode: -1, Failed: 0}, ctx.Err()
		}
		return agent.Result{Failed: -1}, nil
	})
	res := mustRun(t, newTestExecutor(runner), mustGraph(t, src), RunInput{})

	slow, _ := res.Stage("Slow")
	if slow.Status != pipeline.StatusSuccess || slow.Attempts != 2 {
		t.Errorf("Slow = %s after %d attempts, want success after 2", slow.Status, slow.Attempts)
	}
}

func TestRunObserverSeesEveryTransition(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var events []string
	e := newTestExecutor(newScript(nil), WithObserver(func(ev StageEvent) {
		mu.Lock()
		events = append(events, ev.Stage+":"+string(ev.Status))
		mu.Unlock()
	}))
	mustRun(t, e, mustGraph(t, threeStages), RunInput{})

	want := []string{
		"Build:running", "Build:success",
		"Test:running", "Test:success",
		"Deploy:running", "Deploy:success",
	}
	if !slices.Equal(events, want) {
		t.Errorf("events = %v, want %v", events, want)
	}
}
