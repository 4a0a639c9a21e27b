// Package ui provides stderr-based UI output for pulsar.
package ui

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/papapumpkin/pulsar/internal/engine"
	"github.com/papapumpkin/pulsar/internal/gate"
	"github.com/papapumpkin/pulsar/internal/graph"
	"github.com/papapumpkin/pulsar/internal/pipeline"
)

// Palette, shared with the approval prompt.
var (
	colorPrimary = lipgloss.Color("#00BFFF") // running, headings
	colorAccent  = lipgloss.Color("#FFD700") // gates, unstable, retries
	colorSuccess = lipgloss.Color("#00E676")
	colorDanger  = lipgloss.Color("#FF5252")
	colorMuted   = lipgloss.Color("#636363")
)

// Printer writes human-facing progress and reports. Colors are dropped
// automatically when the writer is not a terminal.
type Printer struct {
	w io.Writer

	bold    lipgloss.Style
	heading lipgloss.Style
	muted   lipgloss.Style
	accent  lipgloss.Style
	danger  lipgloss.Style
	success lipgloss.Style
	status  map[pipeline.Status]lipgloss.Style
}

// New returns a Printer writing to stderr.
func New() *Printer {
	return NewWithWriter(os.Stderr)
}

// NewWithWriter returns a Printer writing to w.
func NewWithWriter(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	p := &Printer{
		w:       w,
		bold:    r.NewStyle().Bold(true),
		heading: r.NewStyle().Bold(true).Foreground(colorPrimary),
		muted:   r.NewStyle().Foreground(colorMuted),
		accent:  r.NewStyle().Foreground(colorAccent),
		danger:  r.NewStyle().Foreground(colorDanger).Bold(true),
		success: r.NewStyle().Foreground(colorSuccess).Bold(true),
	}
	p.status = map[pipeline.Status]lipgloss.Style{
		pipeline.StatusPending:  p.muted,
		pipeline.StatusRunning:  r.NewStyle().Foreground(colorPrimary),
		pipeline.StatusRetrying: p.accent,
		pipeline.StatusSuccess:  r.NewStyle().Foreground(colorSuccess),
		pipeline.StatusFailure:  r.NewStyle().Foreground(colorDanger),
		pipeline.StatusUnstable: p.accent,
		pipeline.StatusSkipped:  p.muted,
		pipeline.StatusAborted:  r.NewStyle().Foreground(colorDanger),
	}
	return p
}

var symbols = map[pipeline.Status]string{
	pipeline.StatusPending:  "·",
	pipeline.StatusRunning:  "▶",
	pipeline.StatusRetrying: "↻",
	pipeline.StatusSuccess:  "✓",
	pipeline.StatusFailure:  "✗",
	pipeline.StatusUnstable: "!",
	pipeline.StatusSkipped:  "-",
	pipeline.StatusAborted:  "■",
}

// badge renders "<symbol> <status>" in the status color.
func (p *Printer) badge(s pipeline.Status) string {
	return p.status[s].Render(symbols[s] + " " + string(s))
}

func (p *Printer) Error(msg string) {
	fmt.Fprintf(p.w, "%s%s\n", p.danger.Render("error: "), msg)
}

func (p *Printer) Warn(msg string) {
	fmt.Fprintf(p.w, "%s%s\n", p.accent.Render("warning: "), msg)
}

func (p *Printer) Info(msg string) {
	fmt.Fprintln(p.w, p.muted.Render(msg))
}

// RunStart announces a run.
func (p *Printer) RunStart(pipelineName, runID, branch, commit string) {
	line := p.heading.Render("▶ "+pipelineName) + " " + p.muted.Render("#"+shortID(runID))
	if branch != "" {
		line += p.muted.Render(" on " + branch)
	}
	if commit != "" {
		line += p.muted.Render(" @ " + shortID(commit))
	}
	fmt.Fprintln(p.w, line)
}

// StageEvent prints one status change. Pending events only appear for
// gates, which print how to decide them.
func (p *Printer) StageEvent(ev engine.StageEvent) {
	if ev.Gate != nil {
		p.GatePending(*ev.Gate)
		return
	}
	switch ev.Status {
	case pipeline.StatusPending:
		return
	case pipeline.StatusRunning:
		if ev.Kind != graph.KindStage {
			return
		}
	}

	line := fmt.Sprintf("  %-14s %s", p.badge(ev.Status), ev.Stage)
	switch {
	case ev.Status == pipeline.StatusRetrying:
		line += p.muted.Render(fmt.Sprintf(" (attempt %d)", ev.Attempt))
	case ev.Reason != "":
		line += p.muted.Render(" (" + ev.Reason + ")")
	case ev.Err != nil && ev.Status.Terminal():
		line += p.muted.Render(" (" + firstLine(ev.Err.Error()) + ")")
	}
	fmt.Fprintln(p.w, line)
}

// GatePending prints an open gate with the ways to decide it.
func (p *Printer) GatePending(info gate.Info) {
	fmt.Fprintf(p.w, "  %s %s\n", p.accent.Render("⏸ awaiting approval"), info.Stage)
	if info.Message != "" {
		fmt.Fprintf(p.w, "    %s\n", info.Message)
	}
	if len(info.Submitters) > 0 {
		fmt.Fprintf(p.w, "    %s\n", p.muted.Render("submitters: "+strings.Join(info.Submitters, ", ")))
	}
	if info.Timeout > 0 {
		fmt.Fprintf(p.w, "    %s\n", p.muted.Render("times out in "+info.Timeout.String()))
	}
	fmt.Fprintf(p.w, "    %s\n", p.muted.Render("pulsar approve "+info.Token+"  (--reject to reject)"))
}

// RunSummary prints the final status of every stage and hook.
func (p *Printer) RunSummary(res *engine.RunResult) {
	fmt.Fprintln(p.w)
	p.stageTable(res.Stages)
	for _, h := range res.Hooks {
		name := "post " + h.Hook
		if h.Scope != "" {
			name = h.Scope + " " + name
		}
		if h.Err != nil {
			fmt.Fprintf(p.w, "  %s %s %s\n", p.danger.Render("✗"), name, p.muted.Render(firstLine(h.Err.Error())))
		} else {
			fmt.Fprintf(p.w, "  %s %s\n", p.success.Render("✓"), name)
		}
	}

	verdict := p.status[res.Status].Bold(true).Render(strings.ToUpper(string(res.Status)))
	fmt.Fprintf(p.w, "\n%s %s %s\n", verdict, res.Pipeline,
		p.muted.Render(fmt.Sprintf("#%s in %s", shortID(res.ID), res.Duration().Round(time.Millisecond))))
	if res.Err != nil {
		fmt.Fprintf(p.w, "%s\n", p.muted.Render(res.Err.Error()))
	}
}

func (p *Printer) stageTable(stages []engine.StageResult) {
	depth := make(map[string]int, len(stages))
	for _, s := range stages {
		if s.Parent != "" {
			depth[s.ID] = depth[s.Parent] + 1
		}
	}
	for _, s := range stages {
		name := strings.Repeat("  ", depth[s.ID]) + s.Name
		extra := ""
		if s.Attempts > 1 {
			extra += fmt.Sprintf(" %d attempts", s.Attempts)
		}
		if d := s.Duration(); d > 0 && s.Kind == graph.KindStage {
			extra += " " + d.Round(time.Millisecond).String()
		}
		if s.Approver != "" {
			extra += " by " + s.Approver
		}
		fmt.Fprintf(p.w, "  %-14s %s%s\n", p.badge(s.Status), name, p.muted.Render(extra))
	}
}

// ShowRun prints a stored run; withLogs adds every stage log.
func (p *Printer) ShowRun(res *engine.RunResult, withLogs bool) {
	fmt.Fprintf(p.w, "%s %s\n", p.heading.Render("run "+res.ID), p.badge(res.Status))
	fmt.Fprintf(p.w, "  pipeline: %s\n", res.Pipeline)
	if res.Branch != "" {
		fmt.Fprintf(p.w, "  branch:   %s\n", res.Branch)
	}
	if res.Commit != "" {
		fmt.Fprintf(p.w, "  commit:   %s\n", res.Commit)
	}
	fmt.Fprintf(p.w, "  started:  %s (%s)\n", res.Started.Format(time.RFC3339), res.Duration().Round(time.Millisecond))
	for _, k := range sortedKeys(res.Params) {
		fmt.Fprintf(p.w, "  param:    %s=%s\n", k, res.Params[k])
	}
	p.RunSummary(res)

	if !withLogs {
		return
	}
	for _, s := range res.Stages {
		if s.Log == "" && s.Err == nil {
			continue
		}
		fmt.Fprintf(p.w, "\n%s\n", p.bold.Render("── "+s.ID+" ──"))
		if s.Log != "" {
			fmt.Fprint(p.w, strings.TrimRight(s.Log, "\n")+"\n")
		}
		if s.Err != nil {
			fmt.Fprintln(p.w, p.danger.Render(s.Err.Error()))
		}
	}
}

// Gates lists pending approval gates.
func (p *Printer) Gates(gates []gate.Info) {
	if len(gates) == 0 {
		p.Info("no pending gates")
		return
	}
	for _, g := range gates {
		age := time.Since(g.Opened).Round(time.Second)
		fmt.Fprintf(p.w, "%s  %s %s %s\n", g.Token, g.Pipeline, g.Stage, p.muted.Render("(open "+age.String()+")"))
		if g.Message != "" {
			fmt.Fprintf(p.w, "  %s\n", g.Message)
		}
	}
}

// ValidateResult reports a description that built cleanly or the
// problems that stopped it.
func (p *Printer) ValidateResult(path string, g *graph.Graph, err error) {
	if err == nil {
		fmt.Fprintf(p.w, "%s %s\n", p.success.Render(fmt.Sprintf("✓ pipeline %q", g.Name())),
			p.muted.Render(fmt.Sprintf("%d stage(s), %d runnable", g.Len(), len(g.Leaves()))))
		return
	}
	var mg *graph.MalformedGraphError
	if !errors.As(err, &mg) {
		fmt.Fprintf(p.w, "%s %v\n", p.danger.Render("✗ "+path), err)
		return
	}
	fmt.Fprintf(p.w, "%s\n", p.danger.Render(fmt.Sprintf("✗ %s: %d problem(s)", path, len(mg.Problems))))
	for _, pr := range mg.Problems {
		if pr.Stage == "" {
			fmt.Fprintf(p.w, "  %s %v\n", p.danger.Render("•"), pr.Err)
		} else {
			fmt.Fprintf(p.w, "  %s stage %q: %v\n", p.danger.Render("•"), pr.Stage, pr.Err)
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
