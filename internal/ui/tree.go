package ui

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/papapumpkin/pulsar/internal/graph"
	"github.com/papapumpkin/pulsar/internal/history"
)

// RenderTree draws the stage graph as an indented tree with box-drawing
// connectors, one node per line, annotated with kind and attributes.
func RenderTree(g *graph.Graph) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", g.Name())
	roots := g.Roots()
	for i, id := range roots {
		writeNode(&b, g, id, "", i == len(roots)-1)
	}
	return b.String()
}

func writeNode(b *strings.Builder, g *graph.Graph, id, prefix string, last bool) {
	n, _ := g.Node(id)
	branch, next := "├── ", "│   "
	if last {
		branch, next = "└── ", "    "
	}
	label := n.Name
	if n.Kind == graph.KindCell {
		label = "[" + strings.ReplaceAll(n.Name, ", ", " ") + "]"
	}
	fmt.Fprintf(b, "%s%s%s%s\n", prefix, branch, label, annotations(n))
	for i, c := range n.Children {
		writeNode(b, g, c, prefix+next, i == len(n.Children)-1)
	}
}

func annotations(n graph.Node) string {
	var tags []string
	switch n.Kind {
	case graph.KindParallel, graph.KindMatrix:
		tags = append(tags, string(n.Kind))
	}
	if n.Init {
		tags = append(tags, "init")
	}
	if n.Condition != nil {
		tags = append(tags, "when "+n.Condition.String())
	}
	if n.Gate != nil {
		tags = append(tags, "gate")
	}
	if n.Retry.MaxAttempts > 1 {
		tags = append(tags, fmt.Sprintf("retry %d", n.Retry.MaxAttempts-1))
	}
	if n.Timeout > 0 {
		tags = append(tags, "timeout "+n.Timeout.String())
	}
	if n.Agent != "" {
		tags = append(tags, "agent "+n.Agent)
	}
	if n.Body != "" {
		tags = append(tags, "body "+n.Body)
	}
	if n.FailFast {
		tags = append(tags, "fail-fast")
	}
	if len(tags) == 0 {
		return ""
	}
	return "  (" + strings.Join(tags, "; ") + ")"
}

// Graph prints the stage tree.
func (p *Printer) Graph(g *graph.Graph) {
	fmt.Fprint(p.w, RenderTree(g))
}

// History prints run summaries, newest first.
func (p *Printer) History(runs []history.RunSummary) {
	if len(runs) == 0 {
		p.Info("no runs recorded")
		return
	}
	for _, r := range runs {
		fmt.Fprintf(p.w, "%s  %-14s %-12s %-20s %s\n",
			r.ID, p.badge(r.Status), r.Pipeline,
			r.Finished.Local().Format(time.DateTime),
			r.Duration().Round(time.Second))
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
