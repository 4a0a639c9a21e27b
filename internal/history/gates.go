package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/papapumpkin/pulsar/internal/gate"
)

// SaveGate records a newly opened gate.
func (s *Store) SaveGate(ctx context.Context, info gate.Info) error {
	submitters, err := json.Marshal(info.Submitters)
	if err != nil {
		return fmt.Errorf("history: encode submitters: %w", err)
	}
	const q = `INSERT OR REPLACE INTO gates
		(token, run_id, pipeline, stage, message, ok, submitters, timeout, opened)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, info.Token, info.RunID, info.Pipeline, info.Stage,
		info.Message, info.OK, string(submitters), int64(info.Timeout), unixNano(info.Opened)); err != nil {
		return fmt.Errorf("history: save gate %s: %w", info.Token, err)
	}
	return nil
}

// ResolveGate records the decision for a gate.
func (s *Store) ResolveGate(ctx context.Context, token string, d gate.Decision) error {
	const q = `UPDATE gates SET action = ?, submitter = ?, decided = ? WHERE token = ?`
	res, err := s.db.ExecContext(ctx, q, string(d.Action), d.Submitter, unixNano(d.At), token)
	if err != nil {
		return fmt.Errorf("history: resolve gate %s: %w", token, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", gate.ErrUnknownGate, token)
	}
	return nil
}

// PendingGates returns undecided gates, oldest first. Gates of a process
// that died are reported until ExpireGates cleans them up.
func (s *Store) PendingGates(ctx context.Context) ([]gate.Info, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, run_id, pipeline, stage, message, ok, submitters, timeout, opened
		FROM gates WHERE action = '' ORDER BY opened, token`)
	if err != nil {
		return nil, fmt.Errorf("history: pending gates: %w", err)
	}
	defer rows.Close()

	var out []gate.Info
	for rows.Next() {
		info, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// LookupGate returns a gate and its decision; a zero Decision means the
// gate is still open.
func (s *Store) LookupGate(ctx context.Context, token string) (gate.Info, gate.Decision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, run_id, pipeline, stage, message, ok, submitters, timeout, opened, action, submitter, decided
		FROM gates WHERE token = ?`, token)
	var info gate.Info
	var d gate.Decision
	var submitters, action string
	var timeout, opened, decided int64
	err := row.Scan(&info.Token, &info.RunID, &info.Pipeline, &info.Stage, &info.Message, &info.OK,
		&submitters, &timeout, &opened, &action, &d.Submitter, &decided)
	if errors.Is(err, sql.ErrNoRows) {
		return gate.Info{}, gate.Decision{}, fmt.Errorf("%w: %s", gate.ErrUnknownGate, token)
	}
	if err != nil {
		return gate.Info{}, gate.Decision{}, fmt.Errorf("history: lookup gate %s: %w", token, err)
	}
	if err := json.Unmarshal([]byte(submitters), &info.Submitters); err != nil {
		return gate.Info{}, gate.Decision{}, fmt.Errorf("history: decode submitters: %w", err)
	}
	info.Timeout = time.Duration(timeout)
	info.Opened = fromNano(opened)
	d.Action = gate.Action(action)
	d.At = fromNano(decided)
	return info, d, nil
}

// ExpireGates marks undecided gates of runID as canceled. It is used when
// a run ends without resolving its gates, for example after a crash.
func (s *Store) ExpireGates(ctx context.Context, runID string) error {
	const q = `UPDATE gates SET action = ?, decided = ? WHERE run_id = ? AND action = ''`
	if _, err := s.db.ExecContext(ctx, q, string(gate.ActionCancel), s.now().UnixNano(), runID); err != nil {
		return fmt.Errorf("history: expire gates of %s: %w", runID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGate(sc scanner) (gate.Info, error) {
	var info gate.Info
	var submitters string
	var timeout, opened int64
	if err := sc.Scan(&info.Token, &info.RunID, &info.Pipeline, &info.Stage, &info.Message, &info.OK,
		&submitters, &timeout, &opened); err != nil {
		return gate.Info{}, fmt.Errorf("history: scan gate: %w", err)
	}
	if err := json.Unmarshal([]byte(submitters), &info.Submitters); err != nil {
		return gate.Info{}, fmt.Errorf("history: decode submitters: %w", err)
	}
	info.Timeout = time.Duration(timeout)
	info.Opened = fromNano(opened)
	return info, nil
}
