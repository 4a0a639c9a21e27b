package engine

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/papapumpkin/pulsar/internal/scm"
)

// Variables every run defines.
const (
	VarBranch   = "BRANCH_NAME"
	VarCommit   = "GIT_COMMIT"
	VarBuildID  = "BUILD_ID"
	VarPipeline = "PIPELINE_NAME"
	VarStage    = "STAGE_NAME"
	// VarEnvFile names the file an init stage appends KEY=VALUE lines to.
	VarEnvFile = "PULSAR_ENV"
)

// ExecutionContext is the per-run key-value environment shared by
// condition evaluation and stage bodies. Reads are concurrent; writes
// only go through the Writer handed to the environment block and the
// init stage.
type ExecutionContext struct {
	mu     sync.RWMutex
	vars   map[string]string
	params map[string]string
	rev    scm.Revision
}

// NewExecutionContext creates a context for rev with resolved parameters.
func NewExecutionContext(rev scm.Revision, params map[string]string) *ExecutionContext {
	p := make(map[string]string, len(params))
	for k, v := range params {
		p[k] = v
	}
	return &ExecutionContext{
		vars:   make(map[string]string),
		params: p,
		rev:    rev,
	}
}

// Branch returns the branch being built.
func (c *ExecutionContext) Branch() string { return c.rev.Branch }

// Commit returns the commit SHA being built.
func (c *ExecutionContext) Commit() string { return c.rev.Commit }

// ChangedFiles returns the files changed by the revision.
func (c *ExecutionContext) ChangedFiles() []string { return slices.Clone(c.rev.Changed) }

// Param returns a resolved parameter.
func (c *ExecutionContext) Param(name string) (string, bool) {
	v, ok := c.params[name]
	return v, ok
}

// Getenv returns a variable.
func (c *ExecutionContext) Getenv(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vars[name]
	return v, ok
}

// Vars returns a copy of every variable.
func (c *ExecutionContext) Vars() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.vars))
	for k, v := range c.vars {
		out[k] = v
	}
	return out
}

// View returns a read-only view with overlay taking precedence.
func (c *ExecutionContext) View(overlay map[string]string) View {
	return View{ctx: c, overlay: overlay}
}

func (c *ExecutionContext) writer() *Writer { return &Writer{ctx: c} }

// Writer mutates an ExecutionContext.
type Writer struct {
	ctx *ExecutionContext
}

// Set stores a variable. A nil Writer returns ErrReadOnlyContext.
func (w *Writer) Set(name, value string) error {
	if w == nil {
		return ErrReadOnlyContext
	}
	if name == "" || strings.ContainsAny(name, "= \t\n") {
		return fmt.Errorf("invalid variable name %q", name)
	}
	w.ctx.mu.Lock()
	w.ctx.vars[name] = value
	w.ctx.mu.Unlock()
	return nil
}

// SetAll stores every entry of vars.
func (w *Writer) SetAll(vars map[string]string) error {
	for k, v := range vars {
		if err := w.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

// View reads an ExecutionContext through an overlay of stage-local
// variables such as STAGE_NAME and matrix axis values. It satisfies
// condition.Context.
type View struct {
	ctx     *ExecutionContext
	overlay map[string]string
}

// Branch returns the branch being built.
func (v View) Branch() string { return v.ctx.Branch() }

// ChangedFiles returns the files changed by the revision.
func (v View) ChangedFiles() []string { return v.ctx.ChangedFiles() }

// Param returns a resolved parameter.
func (v View) Param(name string) (string, bool) { return v.ctx.Param(name) }

// Getenv returns the overlay value or the context variable.
func (v View) Getenv(name string) (string, bool) {
	if val, ok := v.overlay[name]; ok {
		return val, true
	}
	return v.ctx.Getenv(name)
}

// Environ returns every visible variable as sorted KEY=VALUE pairs.
func (v View) Environ() []string {
	vars := v.ctx.Vars()
	for k, val := range v.overlay {
		vars[k] = val
	}
	out := make([]string, 0, len(vars))
	for k, val := range vars {
		out = append(out, k+"="+val)
	}
	sort.Strings(out)
	return out
}
