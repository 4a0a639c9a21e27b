package agent

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
)

// Pool bounds concurrent jobs. Unlabeled jobs share the default slots;
// each label configured with WithLabel has its own.
type Pool struct {
	runner Runner
	slots  chan struct{}
	labels map[string]chan struct{}
	busy   atomic.Int64
	onBusy func(int)
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLabel adds n slots reserved for jobs with the given label.
func WithLabel(label string, n int) PoolOption {
	return func(p *Pool) {
		if n < 1 {
			n = 1
		}
		p.labels[label] = make(chan struct{}, n)
	}
}

// WithBusyHook registers a function called with the number of busy slots
// every time a job starts or finishes.
func WithBusyHook(fn func(busy int)) PoolOption {
	return func(p *Pool) { p.onBusy = fn }
}

// NewPool creates a pool of size default slots backed by r. A size below
// one is treated as one.
func NewPool(r Runner, size int, opts ...PoolOption) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		runner: r,
		slots:  make(chan struct{}, size),
		labels: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the number of default slots.
func (p *Pool) Size() int { return cap(p.slots) }

// Labels returns the configured labels in sorted order.
func (p *Pool) Labels() []string {
	out := make([]string, 0, len(p.labels))
	for l := range p.labels {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Busy returns the number of jobs currently holding a slot.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Acquire waits for a slot for label ("" for the default slots) and
// returns a function that releases it. It returns ctx.Err() if the
// context ends while waiting and ErrNoAgent for an unknown label.
func (p *Pool) Acquire(ctx context.Context, label string) (release func(), err error) {
	slots := p.slots
	if label != "" {
		s, ok := p.labels[label]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrNoAgent, label)
		}
		slots = s
	}

	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.report(p.busy.Add(1))
	return func() {
		<-slots
		p.report(p.busy.Add(-1))
	}, nil
}

// Run waits for a slot, then runs job on the pool's runner.
func (p *Pool) Run(ctx context.Context, job Job) (Result, error) {
	release, err := p.Acquire(ctx, job.Label)
	if err != nil {
		return Result{ExitCode: -1, Failed: -1}, err
	}
	defer release()
	return p.runner.Run(ctx, job)
}

func (p *Pool) report(n int64) {
	if p.onBusy != nil {
		p.onBusy(int(n))
	}
}
