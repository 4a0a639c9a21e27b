package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// DefaultShell is the interpreter used when Shell.Path is empty.
const DefaultShell = "sh"

// Shell runs each step with `<Path> -c <step>` in its own process group.
// On cancellation the group gets SIGTERM, then SIGKILL once GracePeriod
// has passed; a zero GracePeriod kills immediately.
type Shell struct {
	Path        string
	Dir         string
	GracePeriod time.Duration
}

// Run executes job.Steps in order and stops at the first non-zero exit.
// A non-zero exit is reported in the Result, not as an error; errors mean
// the step could not run or never exited (for example on cancellation).
func (s Shell) Run(ctx context.Context, job Job) (Result, error) {
	var buf bytes.Buffer
	var out io.Writer = &buf
	if job.Log != nil {
		out = io.MultiWriter(&buf, job.Log)
	}

	res := Result{Failed: -1}
	for i, step := range job.Steps {
		code, err := s.runStep(ctx, step, job, out)
		res.ExitCode = code
		if err != nil {
			res.Failed = i
			res.Log = buf.String()
			return res, fmt.Errorf("step %d: %w", i+1, err)
		}
		if code != 0 {
			res.Failed = i
			break
		}
	}
	res.Log = buf.String()
	return res, nil
}

func (s Shell) runStep(ctx context.Context, step string, job Job, out io.Writer) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	path := s.Path
	if path == "" {
		path = DefaultShell
	}
	cmd := exec.CommandContext(ctx, path, "-c", step)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Dir = s.Dir
	if job.Dir != "" {
		cmd.Dir = job.Dir
	}
	if len(job.Env) > 0 {
		cmd.Env = append(os.Environ(), job.Env...)
	}

	grace := s.GracePeriod
	killOnCancel(cmd, grace)
	// Don't let a grandchild holding the pipe keep Wait blocked forever.
	cmd.WaitDelay = grace + time.Second

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
