// Package gate implements approval gates: points where a stage waits for a
// human to approve or reject it. A Registry hands out gates keyed by a
// continuation token; decisions arrive through the Registry from any
// channel (HTTP, dropped files, a terminal prompt) while the stage's
// goroutine blocks in Gate.Wait.
package gate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	// ErrApprovalTimeout is matched by every *ApprovalTimeoutError.
	ErrApprovalTimeout = errors.New("approval timed out")
	// ErrUnknownGate is returned for a token no open gate has.
	ErrUnknownGate = errors.New("unknown gate")
	// ErrNotAuthorized is returned when the submitter is not on the gate's allowlist.
	ErrNotAuthorized = errors.New("submitter not allowed to decide this gate")
	// ErrInvalidAction is returned for anything but approve or reject.
	ErrInvalidAction = errors.New("invalid gate action")
	// ErrCanceled is returned by Wait when the registry released the gate.
	ErrCanceled = errors.New("gate canceled")
)

// Action is how a gate was resolved.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionTimeout Action = "timeout"
	ActionCancel  Action = "cancel"
)

// ParseAction accepts "approve" or "reject".
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionApprove, ActionReject:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

// Decision is the resolution of a gate.
type Decision struct {
	Action    Action    `json:"action"`
	Submitter string    `json:"submitter,omitempty"`
	At        time.Time `json:"at"`
}

// Approved reports whether the gate was approved.
func (d Decision) Approved() bool { return d.Action == ActionApprove }

// Request describes the gate a stage wants opened.
type Request struct {
	RunID      string
	Pipeline   string
	Stage      string
	Message    string
	OK         string
	Submitters []string
	Timeout    time.Duration // 0 uses the registry default; still 0 waits forever
}

// Info describes an open gate.
type Info struct {
	Token      string        `json:"token"`
	RunID      string        `json:"run"`
	Pipeline   string        `json:"pipeline"`
	Stage      string        `json:"stage"`
	Message    string        `json:"message,omitempty"`
	OK         string        `json:"ok,omitempty"`
	Submitters []string      `json:"submitters,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	Opened     time.Time     `json:"opened"`
}

// Allows reports whether submitter may decide the gate.
func (i Info) Allows(submitter string) bool {
	return len(i.Submitters) == 0 || slices.Contains(i.Submitters, submitter)
}

// ApprovalTimeoutError reports a gate that received no decision in time.
type ApprovalTimeoutError struct {
	Token   string
	Stage   string
	Timeout time.Duration
}

func (e *ApprovalTimeoutError) Error() string {
	return fmt.Sprintf("gate %s for stage %q: no decision within %s", e.Token, e.Stage, e.Timeout)
}

func (e *ApprovalTimeoutError) Unwrap() error { return ErrApprovalTimeout }

// Gate is one open approval point.
type Gate struct {
	info Info
	reg  *Registry
	done chan struct{}

	// Guarded by reg.mu.
	decision Decision
	resolved bool
	stop     context.CancelFunc // ends a running prompt
}

// Token returns the continuation token.
func (g *Gate) Token() string { return g.info.Token }

// Info returns the gate description.
func (g *Gate) Info() Info { return g.info }

// Wait blocks until the gate is decided, times out, is canceled through
// the registry or ctx ends. A rejection is returned as a Decision, not an
// error. Timeout returns *ApprovalTimeoutError; once it fires, later
// decisions are no-ops.
func (g *Gate) Wait(ctx context.Context) (Decision, error) {
	var timeout <-chan time.Time
	if g.info.Timeout > 0 {
		t := time.NewTimer(g.info.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	var d Decision
	select {
	case <-g.done:
		d = g.reg.decisionOf(g)
	case <-timeout:
		d, _ = g.reg.resolve(g, Decision{Action: ActionTimeout})
	case <-ctx.Done():
		d, _ = g.reg.resolve(g, Decision{Action: ActionCancel})
		if d.Action == ActionCancel {
			return d, ctx.Err()
		}
	}

	switch d.Action {
	case ActionTimeout:
		return d, &ApprovalTimeoutError{Token: g.info.Token, Stage: g.info.Stage, Timeout: g.info.Timeout}
	case ActionCancel:
		return d, ErrCanceled
	}
	return d, nil
}
