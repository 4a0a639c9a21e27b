package engine

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
)

// Body is in-process stage work, registered with WithBody and referenced
// from a description by `body = "<name>"`.
type Body interface {
	Run(ctx context.Context, sc *StageContext) error
}

// BodyFunc adapts a function to Body.
type BodyFunc func(ctx context.Context, sc *StageContext) error

// Run calls f.
func (f BodyFunc) Run(ctx context.Context, sc *StageContext) error { return f(ctx, sc) }

// StageContext is what a Body sees of its run.
type StageContext struct {
	ID      string
	Name    string
	Attempt int
	Axes    map[string]string

	view   View
	writer *Writer
	log    io.Writer
}

// Branch returns the branch being built.
func (sc *StageContext) Branch() string { return sc.view.Branch() }

// ChangedFiles returns the files changed by the revision.
func (sc *StageContext) ChangedFiles() []string { return sc.view.ChangedFiles() }

// Param returns a resolved parameter.
func (sc *StageContext) Param(name string) (string, bool) { return sc.view.Param(name) }

// Getenv returns a variable visible to the stage.
func (sc *StageContext) Getenv(name string) (string, bool) { return sc.view.Getenv(name) }

// Environ returns every visible variable as KEY=VALUE pairs.
func (sc *StageContext) Environ() []string { return sc.view.Environ() }

// Set writes a variable to the execution context. Only the init stage
// may write; every other stage gets ErrReadOnlyContext.
func (sc *StageContext) Set(name, value string) error {
	if sc.writer == nil {
		return fmt.Errorf("stage %q: %w", sc.ID, ErrReadOnlyContext)
	}
	return sc.writer.Set(name, value)
}

// Log returns the stage log.
func (sc *StageContext) Log() io.Writer { return sc.log }

// Logf writes a line to the stage log.
func (sc *StageContext) Logf(format string, args ...any) {
	fmt.Fprintf(sc.log, format+"\n", args...)
}

// safeRun runs b and converts a panic into an error.
func safeRun(ctx context.Context, b Body, sc *StageContext) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in stage body: %v\n%s", p, debug.Stack())
		}
	}()
	return b.Run(ctx, sc)
}
