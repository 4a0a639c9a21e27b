// Package graph builds the immutable stage graph a pipeline run walks.
// Nodes form a tree (groups own their children) and edges link every
// stage to the sibling declared before it, so a node's downstream set is
// everything that may only run after it.
package graph

import (
	"slices"
	"time"

	"github.com/papapumpkin/pulsar/internal/condition"
	"github.com/papapumpkin/pulsar/internal/pipeline"
)

// Kind classifies a node.
type Kind string

const (
	KindStage      Kind = "stage"      // leaf with a body
	KindSequential Kind = "sequential" // nested stages run in order
	KindParallel   Kind = "parallel"   // children run concurrently
	KindMatrix     Kind = "matrix"     // one cell per axis combination
	KindCell       Kind = "cell"       // one matrix combination, runs its stages in order
)

// Group reports whether k owns children.
func (k Kind) Group() bool { return k != KindStage }

// RetryPolicy bounds how often a stage body runs.
type RetryPolicy struct {
	MaxAttempts int // 1 + retries
	Backoff     time.Duration
}

// GateSpec is the approval marker of a stage.
type GateSpec struct {
	Message    string
	OK         string
	Timeout    time.Duration // 0 = wait until decided or canceled
	Submitters []string
}

// Node is one stage, group or matrix cell. Nodes handed out by a Graph are
// copies; mutating them does not affect the graph.
type Node struct {
	ID       string // slash-separated path, unique within the graph
	Name     string
	Kind     Kind
	Parent   string // "" for top-level stages
	Children []string
	Index    int // position in declaration (pre-order) sequence

	Steps             []string
	Body              string
	Agent             string
	Condition         *condition.Condition
	Retry             RetryPolicy
	Timeout           time.Duration
	Gate              *GateSpec
	Init              bool
	UnstableExitCodes []int
	ContinueOnFailure bool
	FailFast          bool
	Axes              map[string]string // set on matrix cells
	Post              pipeline.Post
}

// Options are the parsed pipeline-wide options.
type Options struct {
	Retry                   int
	Timeout                 time.Duration
	ContinueOnFailure       bool
	FailFast                bool
	DisableConcurrentBuilds bool
	KeepRuns                int
}

// Graph is the immutable result of Build.
type Graph struct {
	name        string
	options     Options
	parameters  map[string]pipeline.Parameter
	environment map[string]string
	post        pipeline.Post

	roots []string
	order []string
	nodes map[string]*Node
	// adjacency maps nodeID -> the sibling it runs after (forward edges).
	adjacency map[string]map[string]bool
	// reverse maps nodeID -> siblings that run after it (backward edges).
	reverse map[string]map[string]bool
}

// Name returns the pipeline name.
func (g *Graph) Name() string { return g.name }

// Options returns the pipeline-wide options.
func (g *Graph) Options() Options { return g.options }

// Post returns the pipeline-level hooks.
func (g *Graph) Post() pipeline.Post { return g.post }

// Parameters returns a copy of the declared parameters.
func (g *Graph) Parameters() map[string]pipeline.Parameter {
	out := make(map[string]pipeline.Parameter, len(g.parameters))
	for k, v := range g.parameters {
		out[k] = v
	}
	return out
}

// Environment returns a copy of the environment block.
func (g *Graph) Environment() map[string]string {
	out := make(map[string]string, len(g.environment))
	for k, v := range g.environment {
		out[k] = v
	}
	return out
}

// Roots returns the top-level stage IDs in declaration order.
func (g *Graph) Roots() []string { return slices.Clone(g.roots) }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns a copy of the node with the given ID.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	cp := *n
	cp.Children = slices.Clone(n.Children)
	cp.Steps = slices.Clone(n.Steps)
	cp.UnstableExitCodes = slices.Clone(n.UnstableExitCodes)
	if n.Axes != nil {
		cp.Axes = make(map[string]string, len(n.Axes))
		for k, v := range n.Axes {
			cp.Axes[k] = v
		}
	}
	return cp, true
}

// Order returns every node ID in declaration (pre-order) sequence.
func (g *Graph) Order() []string { return slices.Clone(g.order) }

// Leaves returns the IDs of all stages with a body, in declaration order.
func (g *Graph) Leaves() []string {
	var out []string
	for _, id := range g.order {
		if g.nodes[id].Kind == KindStage {
			out = append(out, id)
		}
	}
	return out
}

// Subtree returns id followed by all of its descendants in declaration order.
func (g *Graph) Subtree(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := []string{id}
	for _, c := range n.Children {
		out = append(out, g.Subtree(c)...)
	}
	return out
}

// Downstream returns every node that runs only after id finishes: the
// siblings declared after it and their subtrees. The result follows
// declaration order. Returns nil for an unknown ID.
func (g *Graph) Downstream(id string) []string {
	if _, ok := g.nodes[id]; !ok {
		return nil
	}
	visited := make(map[string]bool)
	g.collectDependents(id, visited)

	var out []string
	for _, v := range g.order {
		if visited[v] {
			out = append(out, v)
		}
	}
	return out
}

// collectDependents walks backward edges from id, adding each dependent
// and its subtree.
func (g *Graph) collectDependents(id string, visited map[string]bool) {
	for dep := range g.reverse[id] {
		if visited[dep] {
			continue
		}
		for _, s := range g.Subtree(dep) {
			visited[s] = true
		}
		g.collectDependents(dep, visited)
	}
}

// addEdge records that from runs after to.
func (g *Graph) addEdge(from, to string) {
	if g.adjacency[from] == nil {
		g.adjacency[from] = make(map[string]bool)
	}
	if g.reverse[to] == nil {
		g.reverse[to] = make(map[string]bool)
	}
	g.adjacency[from][to] = true
	g.reverse[to][from] = true
}
