package engine

import (
	"time"

	"github.com/papapumpkin/pulsar/internal/graph"
	"github.com/papapumpkin/pulsar/internal/pipeline"
	"github.com/papapumpkin/pulsar/internal/post"
)

// Transition is one status change of a stage.
type Transition struct {
	Status pipeline.Status `json:"status"`
	At     time.Time       `json:"at"`
}

// StageResult is the record of one graph node.
type StageResult struct {
	ID          string
	Name        string
	Kind        graph.Kind
	Parent      string
	Status      pipeline.Status
	Attempts    int
	ExitCode    int
	Started     time.Time
	Finished    time.Time
	Log         string
	Err         error
	Reason      string // why a stage was skipped or aborted
	GateToken   string
	Approver    string
	Transitions []Transition
}

// Duration returns how long the stage ran, zero if it never started.
func (s StageResult) Duration() time.Duration {
	if s.Started.IsZero() || s.Finished.IsZero() {
		return 0
	}
	return s.Finished.Sub(s.Started)
}

// Retried reports whether the stage passed through Retrying.
func (s StageResult) Retried() bool {
	for _, t := range s.Transitions {
		if t.Status == pipeline.StatusRetrying {
			return true
		}
	}
	return false
}

// RunResult is the record of one run.
type RunResult struct {
	ID       string
	Pipeline string
	Status   pipeline.Status
	Started  time.Time
	Finished time.Time
	Branch   string
	Commit   string
	Params   map[string]string
	Stages   []StageResult // graph declaration order
	Hooks    []post.Outcome
	Err      error // run-level cause, e.g. ErrRunTimeout
}

// Stage returns the result of the node with the given ID.
func (r *RunResult) Stage(id string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return StageResult{}, false
}

// Statuses maps every stage ID to its final status.
func (r *RunResult) Statuses() map[string]pipeline.Status {
	out := make(map[string]pipeline.Status, len(r.Stages))
	for _, s := range r.Stages {
		out[s.ID] = s.Status
	}
	return out
}

// Duration returns the wall time of the run.
func (r *RunResult) Duration() time.Duration { return r.Finished.Sub(r.Started) }

// ExitCode maps the run status to a process exit code: 0 for Success, 2
// for Unstable, 1 otherwise.
func (r *RunResult) ExitCode() int {
	switch r.Status {
	case pipeline.StatusSuccess:
		return 0
	case pipeline.StatusUnstable:
		return 2
	}
	return 1
}
