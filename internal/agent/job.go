// Package agent runs stage bodies. A Pool bounds how many bodies execute
// at once and routes labeled jobs to their own slots; a Runner does the
// actual work, usually Shell.
package agent

import (
	"context"
	"errors"
	"io"
)

// ErrNoAgent is returned when a job asks for a label no agent serves.
var ErrNoAgent = errors.New("no agent for label")

// Job is one body handed to an agent.
type Job struct {
	Stage string   // stage ID, for logs
	Steps []string // shell commands, run in order until one fails
	Env   []string // KEY=VALUE pairs appended to the process environment
	Dir   string   // working directory; "" uses the runner's default
	Label string   // agent label; "" means any agent
	Log   io.Writer
}

// Result is what a finished job reports.
type Result struct {
	ExitCode int    // exit code of the last step run; -1 if it never exited
	Failed   int    // index of the failing step, -1 when every step succeeded
	Log      string // combined stdout and stderr of every step run
}

// Succeeded reports whether every step exited zero.
func (r Result) Succeeded() bool { return r.ExitCode == 0 && r.Failed < 0 }

// Runner executes jobs.
type Runner interface {
	Run(ctx context.Context, job Job) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job Job) (Result, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, job Job) (Result, error) { return f(ctx, job) }
