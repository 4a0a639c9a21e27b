package engine

import (
	"context"

	"github.com/papapumpkin/pulsar/internal/pipeline"
)

// History persists finished runs and coordinates concurrent ones.
type History interface {
	// Acquire takes the pipeline's run lock for runID. It reports false
	// when another run holds it.
	Acquire(ctx context.Context, pipelineName, runID string) (bool, error)
	Release(ctx context.Context, pipelineName, runID string) error
	// PreviousStatus returns the status of the last completed run.
	PreviousStatus(ctx context.Context, pipelineName string) (pipeline.Status, bool, error)
	// PreviousStageStatuses returns the stage statuses of the last completed run.
	PreviousStageStatuses(ctx context.Context, pipelineName string) (map[string]pipeline.Status, error)
	SaveRun(ctx context.Context, r *RunResult) error
	// Prune keeps only the newest keep runs of the pipeline.
	Prune(ctx context.Context, pipelineName string, keep int) error
}
