// Package post runs post-action hooks once a run or stage has a final
// status. Hooks fire in a fixed order: always, the one matching the
// status, changed when the status differs from the previous run, and
// cleanup last. A failing hook is reported but never changes the status
// it was dispatched for.
package post

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/papapumpkin/pulsar/internal/notify"
	"github.com/papapumpkin/pulsar/internal/pipeline"
)

// Hook names.
const (
	HookAlways   = "always"
	HookSuccess  = "success"
	HookFailure  = "failure"
	HookUnstable = "unstable"
	HookAborted  = "aborted"
	HookChanged  = "changed"
	HookCleanup  = "cleanup"
)

var (
	// ErrHookFailed is matched by every *HookExecutionError.
	ErrHookFailed = errors.New("post hook failed")
	// ErrUnknownChannel is returned for a notify entry with no notifier.
	ErrUnknownChannel = errors.New("unknown notification channel")
	// ErrNoRunner is returned when a hook has steps but no runner is set.
	ErrNoRunner = errors.New("no hook runner configured")
)

// HookExecutionError reports a hook whose steps or notifications failed.
type HookExecutionError struct {
	Scope string // stage ID, "" for the pipeline
	Hook  string
	Err   error
}

func (e *HookExecutionError) Error() string {
	if e.Scope == "" {
		return fmt.Sprintf("post %s: %v", e.Hook, e.Err)
	}
	return fmt.Sprintf("stage %q post %s: %v", e.Scope, e.Hook, e.Err)
}

// Is reports whether target is ErrHookFailed.
func (e *HookExecutionError) Is(target error) bool { return target == ErrHookFailed }

func (e *HookExecutionError) Unwrap() error { return e.Err }

// Sequence returns the hook names that fire for status, in order.
// changed fires only when a previous status exists and differs.
func Sequence(status, previous pipeline.Status, hasPrevious bool) []string {
	seq := []string{HookAlways}
	switch status {
	case pipeline.StatusSuccess:
		seq = append(seq, HookSuccess)
	case pipeline.StatusFailure:
		seq = append(seq, HookFailure)
	case pipeline.StatusUnstable:
		seq = append(seq, HookUnstable)
	case pipeline.StatusAborted:
		seq = append(seq, HookAborted)
	}
	if hasPrevious && previous != status {
		seq = append(seq, HookChanged)
	}
	return append(seq, HookCleanup)
}

func hookFor(p pipeline.Post, name string) *pipeline.Hook {
	switch name {
	case HookAlways:
		return p.Always
	case HookSuccess:
		return p.Success
	case HookFailure:
		return p.Failure
	case HookUnstable:
		return p.Unstable
	case HookAborted:
		return p.Aborted
	case HookChanged:
		return p.Changed
	case HookCleanup:
		return p.Cleanup
	}
	return nil
}

// HookRunner executes hook steps, usually on an agent.
type HookRunner interface {
	RunHook(ctx context.Context, scope, hook string, steps []string) (log string, err error)
}

// Request is one dispatch: the hooks of a scope and the status they react to.
type Request struct {
	Scope       string
	Pipeline    string
	RunID       string
	Hooks       pipeline.Post
	Status      pipeline.Status
	Previous    pipeline.Status
	HasPrevious bool
	Branch      string
	Commit      string
}

// Outcome is the result of one hook.
type Outcome struct {
	Scope    string        `json:"scope,omitempty"`
	Hook     string        `json:"hook"`
	Log      string        `json:"log,omitempty"`
	Notified []string      `json:"notified,omitempty"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Report lists every hook that ran, in order.
type Report struct {
	Outcomes []Outcome
}

// Errors returns the hook failures.
func (r Report) Errors() []error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errs
}

// Hooks returns the names of the hooks that ran.
func (r Report) Hooks() []string {
	out := make([]string, len(r.Outcomes))
	for i, o := range r.Outcomes {
		out[i] = o.Hook
	}
	return out
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithNotifier registers a notification channel under name.
func WithNotifier(name string, n notify.Notifier) Option {
	return func(d *Dispatcher) { d.notifiers[name] = n }
}

// WithLogger sets where hook failures are logged. Defaults to os.Stderr.
func WithLogger(w io.Writer) Option {
	return func(d *Dispatcher) { d.logger = w }
}

// WithObserver is called after every hook.
func WithObserver(fn func(Outcome)) Option {
	return func(d *Dispatcher) { d.observe = fn }
}

// Dispatcher runs post hooks.
type Dispatcher struct {
	runner    HookRunner
	notifiers map[string]notify.Notifier
	logger    io.Writer
	observe   func(Outcome)
	now       func() time.Time
}

// NewDispatcher creates a dispatcher that runs hook steps through runner.
// runner may be nil when no hook declares steps.
func NewDispatcher(runner HookRunner, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		runner:    runner,
		notifiers: make(map[string]notify.Notifier),
		logger:    os.Stderr,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs the hooks req.Status selects. Every selected hook runs
// even if an earlier one failed.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Report {
	var rep Report
	for _, name := range Sequence(req.Status, req.Previous, req.HasPrevious) {
		h := hookFor(req.Hooks, name)
		if h == nil {
			continue
		}
		o := d.run(ctx, req, name, h)
		if o.Err != nil {
			fmt.Fprintf(d.logger, "warning: %v\n", o.Err)
		}
		if d.observe != nil {
			d.observe(o)
		}
		rep.Outcomes = append(rep.Outcomes, o)
	}
	return rep
}

func (d *Dispatcher) run(ctx context.Context, req Request, name string, h *pipeline.Hook) Outcome {
	start := d.now()
	o := Outcome{Scope: req.Scope, Hook: name}
	var errs []error

	if len(h.Steps) > 0 {
		if d.runner == nil {
			errs = append(errs, ErrNoRunner)
		} else {
			log, err := d.runner.RunHook(ctx, req.Scope, name, h.Steps)
			o.Log = log
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	msg := notify.Message{
		Pipeline: req.Pipeline,
		RunID:    req.RunID,
		Scope:    req.Scope,
		Hook:     name,
		Status:   req.Status,
		Branch:   req.Branch,
		Commit:   req.Commit,
		At:       start.UTC(),
	}
	if req.HasPrevious {
		msg.Previous = req.Previous
	}
	for _, channel := range h.Notify {
		n, ok := d.notifiers[channel]
		if !ok {
			errs = append(errs, fmt.Errorf("%w %q", ErrUnknownChannel, channel))
			continue
		}
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", channel, err))
			continue
		}
		o.Notified = append(o.Notified, channel)
	}

	o.Duration = d.now().Sub(start)
	if len(errs) > 0 {
		o.Err = &HookExecutionError{Scope: req.Scope, Hook: name, Err: errors.Join(errs...)}
	}
	return o
}
