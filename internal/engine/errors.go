package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrStageFailed is matched by every *StageExecutionError.
	ErrStageFailed = errors.New("stage failed")
	// ErrUnstable may be returned by a Body to mark its stage Unstable.
	// Unstable stages are not retried.
	ErrUnstable = errors.New("stage unstable")
	// ErrReadOnlyContext is returned when a stage other than the init
	// stage tries to write the execution context.
	ErrReadOnlyContext = errors.New("execution context is read-only")
	// ErrConcurrentRun is returned when disable_concurrent_builds is set
	// and another run of the pipeline is active.
	ErrConcurrentRun = errors.New("another run of this pipeline is active")
	// ErrUnknownBody is returned when a stage names a body nobody registered.
	ErrUnknownBody = errors.New("unknown stage body")
	// ErrRunTimeout is recorded when options.timeout expires.
	ErrRunTimeout = errors.New("run exceeded its timeout")
)

// StageExecutionError describes the last failed attempt of a stage.
type StageExecutionError struct {
	Stage    string
	Attempt  int
	ExitCode int // -1 when the body is not a process or never exited
	Err      error
}

func (e *StageExecutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stage %q attempt %d: exit code %d", e.Stage, e.Attempt, e.ExitCode)
	}
	return fmt.Sprintf("stage %q attempt %d: %v", e.Stage, e.Attempt, e.Err)
}

// Is reports whether target is ErrStageFailed.
func (e *StageExecutionError) Is(target error) bool { return target == ErrStageFailed }

func (e *StageExecutionError) Unwrap() error { return e.Err }
