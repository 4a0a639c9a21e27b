package graph

import (
	"fmt"
	"strings"
	"time"

	"github.com/papapumpkin/pulsar/internal/condition"
	"github.com/papapumpkin/pulsar/internal/pipeline"
)

// BuildOption configures Build.
type BuildOption func(*builder)

// WithExpressions makes named expression predicates available to `when`
// tables.
func WithExpressions(reg condition.Registry) BuildOption {
	return func(b *builder) { b.reg = reg }
}

type builder struct {
	g        *Graph
	reg      condition.Registry
	problems []Problem
	retry    int
	initID   string
	index    int
	mute     int // >0 while expanding repeated matrix cells
}

// Build validates d and turns it into an immutable Graph. Every
// structural problem is collected; if there are any, Build returns a
// *MalformedGraphError and no graph. Problems caused by a `when` table
// keep their original error, so an unknown predicate is still reachable
// with errors.As(err, **condition.UnknownPredicateError).
func Build(d *pipeline.Description, opts ...BuildOption) (*Graph, error) {
	b := &builder{
		g: &Graph{
			name:        d.Pipeline.Name,
			parameters:  d.Parameters,
			environment: d.Environment,
			post:        d.Post,
			nodes:       make(map[string]*Node),
			adjacency:   make(map[string]map[string]bool),
			reverse:     make(map[string]map[string]bool),
		},
	}
	for _, opt := range opts {
		opt(b)
	}

	b.g.options = b.options(d.Options)
	b.retry = b.g.options.Retry

	if len(d.Stages) == 0 {
		b.problem("", ErrNoStages)
	}
	b.g.roots = b.addScope(d.Stages, "", true)

	if len(b.problems) > 0 {
		return nil, &MalformedGraphError{Source: d.SourceFile, Problems: b.problems}
	}
	return b.g, nil
}

func (b *builder) problem(stage string, err error) {
	if b.mute > 0 {
		return
	}
	b.problems = append(b.problems, Problem{Stage: stage, Err: err})
}

func (b *builder) options(o pipeline.Options) Options {
	out := Options{
		Retry:                   o.Retry,
		ContinueOnFailure:       o.ContinueOnFailure,
		FailFast:                o.FailFast,
		DisableConcurrentBuilds: o.DisableConcurrentBuilds,
		KeepRuns:                o.KeepRuns,
	}
	if o.Retry < 0 {
		b.problem("", fmt.Errorf("%w: options.retry = %d", ErrNegativeRetry, o.Retry))
		out.Retry = 0
	}
	if o.KeepRuns < 0 {
		b.problem("", fmt.Errorf("%w: options.keep_runs = %d", ErrInvalidOption, o.KeepRuns))
	}
	out.Timeout = b.duration("", "options.timeout", o.Timeout)
	return out
}

// duration parses an optional duration, recording a problem on failure.
func (b *builder) duration(stage, field, s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		b.problem(stage, fmt.Errorf("%w: %s = %q", ErrInvalidDuration, field, s))
		return 0
	}
	return d
}

// addScope adds a list of sibling stages under parentID and returns their
// IDs. Sequential siblings are chained so each runs after the previous.
func (b *builder) addScope(stages []pipeline.Stage, parentID string, sequential bool) []string {
	seen := make(map[string]bool, len(stages))
	ids := make([]string, 0, len(stages))
	prev := ""
	for i, s := range stages {
		if s.Name == "" {
			b.problem(joinID(parentID, fmt.Sprintf("#%d", i+1)), ErrMissingName)
			continue
		}
		id := joinID(parentID, s.Name)
		if strings.Contains(s.Name, "/") {
			b.problem(id, fmt.Errorf("%w: %q contains '/'", ErrInvalidName, s.Name))
			continue
		}
		if seen[s.Name] {
			b.problem(id, fmt.Errorf("%w: %q", ErrNameCollision, s.Name))
			continue
		}
		seen[s.Name] = true

		b.addStage(s, id, parentID)
		if sequential && prev != "" {
			b.g.addEdge(id, prev)
		}
		prev = id
		ids = append(ids, id)
	}
	return ids
}

func (b *builder) addNode(n *Node) {
	if _, dup := b.g.nodes[n.ID]; dup {
		b.problem(n.ID, fmt.Errorf("%w: %q", ErrNameCollision, n.ID))
		return
	}
	n.Index = b.index
	b.index++
	b.g.nodes[n.ID] = n
	b.g.order = append(b.g.order, n.ID)
}

func (b *builder) addStage(s pipeline.Stage, id, parentID string) {
	n := &Node{
		ID:                id,
		Name:              s.Name,
		Parent:            parentID,
		Steps:             s.Steps,
		Body:              s.Body,
		Agent:             s.Agent,
		Init:              s.Init,
		UnstableExitCodes: s.UnstableExitCodes,
		ContinueOnFailure: s.ContinueOnFailure,
		FailFast:          s.FailFast,
		Post:              s.Post,
		Retry:             RetryPolicy{MaxAttempts: 1},
	}
	n.Kind = b.kind(s, id)
	b.addNode(n)

	if s.When != nil {
		c, err := condition.Decode(s.When, b.reg)
		if err != nil {
			b.problem(id, err)
		} else {
			n.Condition = &c
		}
	}

	if s.Retry != nil && n.Kind.Group() {
		b.problem(id, ErrRetryOnGroup)
	}
	if n.Kind == KindStage {
		retry := b.retry
		if s.Retry != nil {
			retry = *s.Retry
		}
		if retry < 0 {
			b.problem(id, fmt.Errorf("%w: retry = %d", ErrNegativeRetry, retry))
			retry = 0
		}
		n.Retry = RetryPolicy{
			MaxAttempts: 1 + retry,
			Backoff:     b.duration(id, "retry_backoff", s.RetryBackoff),
		}
	}
	n.Timeout = b.duration(id, "timeout", s.Timeout)

	if s.Input != nil {
		n.Gate = &GateSpec{
			Message:    s.Input.Message,
			OK:         s.Input.OK,
			Timeout:    b.duration(id, "input.timeout", s.Input.Timeout),
			Submitters: s.Input.Submitters,
		}
	}

	if s.Init {
		switch {
		case parentID != "":
			b.problem(id, fmt.Errorf("%w: init stage must be top-level", ErrInitPlacement))
		case n.Kind != KindStage:
			b.problem(id, fmt.Errorf("%w: init stage must have a body", ErrInitPlacement))
		case b.initID != "":
			b.problem(id, fmt.Errorf("%w: %q is already the init stage", ErrInitPlacement, b.initID))
		default:
			b.initID = id
		}
	}

	for _, code := range s.UnstableExitCodes {
		if code < 1 || code > 255 {
			b.problem(id, fmt.Errorf("%w: %d", ErrInvalidExitCode, code))
		}
	}

	switch n.Kind {
	case KindSequential:
		n.Children = b.addScope(s.Stages, id, true)
	case KindParallel:
		n.Children = b.addScope(s.Parallel, id, false)
	case KindMatrix:
		n.ContinueOnFailure = n.ContinueOnFailure || s.Matrix.ContinueOnFailure
		n.FailFast = n.FailFast || s.Matrix.FailFast
		n.Children = b.expandMatrix(s.Matrix, id)
	}
}

// kind decides what supplies the stage's work, recording a problem when
// nothing or more than one thing does.
func (b *builder) kind(s pipeline.Stage, id string) Kind {
	var kinds []Kind
	if len(s.Steps) > 0 || s.Body != "" {
		kinds = append(kinds, KindStage)
	}
	if len(s.Stages) > 0 {
		kinds = append(kinds, KindSequential)
	}
	if len(s.Parallel) > 0 {
		kinds = append(kinds, KindParallel)
	}
	if s.Matrix != nil {
		kinds = append(kinds, KindMatrix)
	}
	if len(s.Steps) > 0 && s.Body != "" {
		b.problem(id, fmt.Errorf("%w: steps and body are exclusive", ErrMixedWork))
	}
	switch len(kinds) {
	case 0:
		b.problem(id, ErrNoWork)
		return KindStage
	case 1:
		return kinds[0]
	}
	b.problem(id, ErrMixedWork)
	return kinds[0]
}

func joinID(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}
