package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedGraph is matched by every *MalformedGraphError.
var ErrMalformedGraph = errors.New("malformed stage graph")

// Problem causes reported inside a MalformedGraphError.
var (
	ErrNoStages        = errors.New("pipeline has no stages")
	ErrMissingName     = errors.New("stage name is required")
	ErrInvalidName     = errors.New("invalid stage name")
	ErrNameCollision   = errors.New("duplicate stage name in scope")
	ErrNoWork          = errors.New("stage has no steps, body or child stages")
	ErrMixedWork       = errors.New("stage mixes steps, body, stages, parallel and matrix")
	ErrNoAxes          = errors.New("matrix declares no axes")
	ErrEmptyAxis       = errors.New("matrix axis has no values")
	ErrDuplicateAxis   = errors.New("duplicate matrix axis")
	ErrUnknownAxis     = errors.New("exclude references unknown axis value")
	ErrEmptyMatrix     = errors.New("matrix excludes every combination")
	ErrRetryOnGroup    = errors.New("retry is only valid on stages with a body")
	ErrNegativeRetry   = errors.New("retry must not be negative")
	ErrInvalidDuration = errors.New("invalid duration")
	ErrInitPlacement   = errors.New("invalid init stage")
	ErrInvalidExitCode = errors.New("invalid unstable exit code")
	ErrInvalidOption   = errors.New("invalid option")
)

// Problem is one structural issue, located by stage path.
type Problem struct {
	Stage string // "" for pipeline-level problems
	Err   error
}

// Error returns the problem prefixed with its stage path.
func (p Problem) Error() string {
	if p.Stage == "" {
		return p.Err.Error()
	}
	return fmt.Sprintf("stage %q: %v", p.Stage, p.Err)
}

// MalformedGraphError lists every problem found while building a graph.
// The pipeline cannot start while any remain.
type MalformedGraphError struct {
	Source   string
	Problems []Problem
}

// Error joins all problems into one message.
func (e *MalformedGraphError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.Error()
	}
	prefix := ErrMalformedGraph.Error()
	if e.Source != "" {
		prefix = e.Source + ": " + prefix
	}
	return fmt.Sprintf("%s: %s", prefix, strings.Join(parts, "; "))
}

// Is reports whether target is ErrMalformedGraph.
func (e *MalformedGraphError) Is(target error) bool {
	return target == ErrMalformedGraph
}

// Unwrap exposes each problem's cause to errors.Is and errors.As.
func (e *MalformedGraphError) Unwrap() []error {
	errs := make([]error, len(e.Problems))
	for i, p := range e.Problems {
		errs[i] = p.Err
	}
	return errs
}
