package gate

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists gates so other processes can list and decide them.
type Store interface {
	SaveGate(ctx context.Context, info Info) error
	ResolveGate(ctx context.Context, token string, d Decision) error
}

// Prompter asks a human for a decision.
type Prompter interface {
	Prompt(ctx context.Context, info Info) (Decision, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore persists opened and resolved gates.
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithPrompter asks p for a decision every time a gate opens.
func WithPrompter(p Prompter) Option {
	return func(r *Registry) { r.prompter = p }
}

// WithDefaultTimeout applies d to gates that do not set their own timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) { r.defaultTimeout = d }
}

// WithLogger sets where warnings are written. Defaults to os.Stderr.
func WithLogger(w io.Writer) Option {
	return func(r *Registry) { r.logger = w }
}

// Registry tracks the gates of a process. It is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	gates map[string]*Gate

	store          Store
	prompter       Prompter
	defaultTimeout time.Duration
	logger         io.Writer
	now            func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		gates:  make(map[string]*Gate),
		logger: os.Stderr,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open creates a gate with a fresh continuation token and persists it.
func (r *Registry) Open(ctx context.Context, req Request) (*Gate, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = r.defaultTimeout
	}
	g := &Gate{
		info: Info{
			Token:      uuid.NewString(),
			RunID:      req.RunID,
			Pipeline:   req.Pipeline,
			Stage:      req.Stage,
			Message:    req.Message,
			OK:         req.OK,
			Submitters: req.Submitters,
			Timeout:    timeout,
			Opened:     r.now().UTC(),
		},
		reg:  r,
		done: make(chan struct{}),
	}

	if r.store != nil {
		if err := r.store.SaveGate(ctx, g.info); err != nil {
			return nil, fmt.Errorf("persisting gate for %s: %w", req.Stage, err)
		}
	}

	r.mu.Lock()
	r.gates[g.info.Token] = g
	if r.prompter != nil {
		var pctx context.Context
		pctx, g.stop = context.WithCancel(context.WithoutCancel(ctx))
		go r.prompt(pctx, g)
	}
	r.mu.Unlock()
	return g, nil
}

func (r *Registry) prompt(ctx context.Context, g *Gate) {
	d, err := r.prompter.Prompt(ctx, g.info)
	if err != nil {
		if ctx.Err() == nil {
			fmt.Fprintf(r.logger, "warning: prompt for gate %s failed: %v\n", g.info.Token, err)
		}
		return
	}
	if _, err := r.Decide(ctx, g.info.Token, d.Action, d.Submitter); err != nil {
		fmt.Fprintf(r.logger, "warning: gate %s: %v\n", g.info.Token, err)
	}
}

// Decide approves or rejects the gate with the given token. Deciding an
// already-resolved gate is a no-op that returns the original decision.
func (r *Registry) Decide(ctx context.Context, token string, action Action, submitter string) (Decision, error) {
	if _, err := ParseAction(string(action)); err != nil {
		return Decision{}, err
	}

	r.mu.Lock()
	g, ok := r.gates[token]
	if !ok {
		r.mu.Unlock()
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownGate, token)
	}
	if g.resolved {
		d := g.decision
		r.mu.Unlock()
		return d, nil
	}
	r.mu.Unlock()

	if !g.info.Allows(submitter) {
		return Decision{}, fmt.Errorf("%w: %q", ErrNotAuthorized, submitter)
	}
	d, _ := r.resolve(g, Decision{Action: action, Submitter: submitter})
	return d, nil
}

// resolve records d unless the gate is already resolved. It returns the
// gate's decision and whether d won.
func (r *Registry) resolve(g *Gate, d Decision) (Decision, bool) {
	r.mu.Lock()
	if g.resolved {
		prev := g.decision
		r.mu.Unlock()
		return prev, false
	}
	if d.At.IsZero() {
		d.At = r.now().UTC()
	}
	g.decision = d
	g.resolved = true
	close(g.done)
	if g.stop != nil {
		g.stop()
	}
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.ResolveGate(context.Background(), g.info.Token, d); err != nil {
			fmt.Fprintf(r.logger, "warning: persisting decision for gate %s: %v\n", g.info.Token, err)
		}
	}
	return d, true
}

func (r *Registry) decisionOf(g *Gate) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return g.decision
}

// Lookup returns the gate with the given token and its decision, if any.
func (r *Registry) Lookup(token string) (Info, Decision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[token]
	if !ok {
		return Info{}, Decision{}, false
	}
	return g.info, g.decision, true
}

// Pending returns the unresolved gates, oldest first.
func (r *Registry) Pending() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.gates))
	for _, g := range r.gates {
		if !g.resolved {
			out = append(out, g.info)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Opened.Equal(out[j].Opened) {
			return out[i].Opened.Before(out[j].Opened)
		}
		return out[i].Token < out[j].Token
	})
	return out
}

// CancelAll releases every unresolved gate; their Wait calls return
// ErrCanceled.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	open := make([]*Gate, 0, len(r.gates))
	for _, g := range r.gates {
		if !g.resolved {
			open = append(open, g)
		}
	}
	r.mu.Unlock()

	for _, g := range open {
		r.resolve(g, Decision{Action: ActionCancel})
	}
}
