package gate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrNoTerminal is returned by TerminalPrompter when stdin is not a
// terminal or is closed. The gate stays open for other channels.
var ErrNoTerminal = errors.New("no interactive terminal")

// TerminalPrompter reads decisions from stdin and writes prompts to
// stderr. Concurrent prompts are asked one at a time.
type TerminalPrompter struct {
	in       io.Reader
	out      io.Writer
	user     string
	turn     chan struct{}
	forceTTY *bool // override isTTY check for testing; nil = auto-detect
}

// NewTerminalPrompter prompts on the process terminal and records
// decisions as coming from user.
func NewTerminalPrompter(user string) *TerminalPrompter {
	return newTerminalPrompterWithIO(os.Stdin, os.Stderr, user)
}

// newTerminalPrompterWithIO creates a prompter with injectable I/O for testing.
func newTerminalPrompterWithIO(in io.Reader, out io.Writer, user string) *TerminalPrompter {
	return &TerminalPrompter{
		in:   in,
		out:  out,
		user: user,
		turn: make(chan struct{}, 1),
	}
}

// isTTY reports whether the reader is connected to a terminal.
func isTTY(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

func (p *TerminalPrompter) isTTYInput() bool {
	if p.forceTTY != nil {
		return *p.forceTTY
	}
	return isTTY(p.in)
}

// Prompt shows the gate and waits for an answer. Unrecognized input asks
// again. On a non-TTY stdin it returns ErrNoTerminal without reading.
func (p *TerminalPrompter) Prompt(ctx context.Context, info Info) (Decision, error) {
	if !p.isTTYInput() {
		fmt.Fprintf(p.out, "warning: non-TTY stdin, gate for stage %q waits for another channel (token %s)\n", info.Stage, info.Token)
		return Decision{}, ErrNoTerminal
	}

	select {
	case p.turn <- struct{}{}:
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
	defer func() { <-p.turn }()

	msg := info.Message
	if msg == "" {
		msg = "Proceed?"
	}
	ok := info.OK
	if ok == "" {
		ok = "approve"
	}
	fmt.Fprintf(p.out, "\n   %s  (stage %s, token %s)\n   [a] %s  [r]eject\n   > ", msg, info.Stage, info.Token, ok)

	// Read input in a goroutine so we can respect context cancellation.
	type result struct {
		action Action
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		scanner := bufio.NewScanner(p.in)
		for scanner.Scan() {
			if a, ok := parseGateInput(scanner.Text()); ok {
				ch <- result{action: a}
				return
			}
			fmt.Fprintf(p.out, "   answer a or r\n   > ")
		}
		if err := scanner.Err(); err != nil {
			ch <- result{err: fmt.Errorf("reading gate input: %w", err)}
			return
		}
		ch <- result{err: ErrNoTerminal}
	}()

	select {
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return Decision{}, r.err
		}
		return Decision{Action: r.action, Submitter: p.user}, nil
	}
}

// parseGateInput maps a single-character (or word) input to an Action.
func parseGateInput(input string) (Action, bool) {
	switch strings.TrimSpace(strings.ToLower(input)) {
	case "a", "approve", "y", "yes":
		return ActionApprove, true
	case "r", "reject", "n", "no":
		return ActionReject, true
	}
	return "", false
}
