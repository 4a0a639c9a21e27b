package engine

import (
	"io"

	"github.com/papapumpkin/pulsar/internal/agent"
	"github.com/papapumpkin/pulsar/internal/gate"
	"github.com/papapumpkin/pulsar/internal/metrics"
	"github.com/papapumpkin/pulsar/internal/post"
	"github.com/papapumpkin/pulsar/internal/telemetry"
)

// Option configures an Executor.
type Option func(*Executor)

// WithPool sets the agent pool bodies run on.
func WithPool(p *agent.Pool) Option {
	return func(e *Executor) { e.pool = p }
}

// WithBody registers an in-process body under name.
func WithBody(name string, b Body) Option {
	return func(e *Executor) { e.bodies[name] = b }
}

// WithGates sets the registry approval gates are opened on.
func WithGates(r *gate.Registry) Option {
	return func(e *Executor) { e.gates = r }
}

// WithPost passes options, such as notifiers, to every post dispatcher.
func WithPost(opts ...post.Option) Option {
	return func(e *Executor) { e.postOpts = append(e.postOpts, opts...) }
}

// WithHistory persists runs and enables changed hooks and run locking.
func WithHistory(h History) Option {
	return func(e *Executor) { e.history = h }
}

// WithEmitter records telemetry events.
func WithEmitter(em *telemetry.Emitter) Option {
	return func(e *Executor) { e.emitter = em }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithObserver is called on every stage status change.
func WithObserver(fn func(StageEvent)) Option {
	return func(e *Executor) { e.observer = fn }
}

// WithLogger sets where warnings go. Defaults to os.Stderr.
func WithLogger(w io.Writer) Option {
	return func(e *Executor) { e.logger = w }
}

// WithStepOutput mirrors step output to w as it is produced.
func WithStepOutput(w io.Writer) Option {
	return func(e *Executor) { e.stepOutput = w }
}

// WithWorkDir sets the directory steps run in.
func WithWorkDir(dir string) Option {
	return func(e *Executor) { e.workDir = dir }
}

// WithStateDir sets where scratch files such as the init env file live.
func WithStateDir(dir string) Option {
	return func(e *Executor) { e.stateDir = dir }
}

// WithEnviron replaces os.Environ as the base for environment expansion.
func WithEnviron(fn func() []string) Option {
	return func(e *Executor) { e.environ = fn }
}
