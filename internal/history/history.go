// Package history persists finished runs, approval gates and the
// per-pipeline run lock in a local SQLite database.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/papapumpkin/pulsar/internal/engine"
	"github.com/papapumpkin/pulsar/internal/gate"
	"github.com/papapumpkin/pulsar/internal/graph"
	"github.com/papapumpkin/pulsar/internal/pipeline"
	"github.com/papapumpkin/pulsar/internal/post"
)

// ErrRunNotFound is returned by LoadRun for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id         TEXT PRIMARY KEY,
    pipeline   TEXT NOT NULL,
    status     TEXT NOT NULL,
    branch     TEXT NOT NULL DEFAULT '',
    commit_sha TEXT NOT NULL DEFAULT '',
    params     TEXT NOT NULL DEFAULT '{}',
    started    INTEGER NOT NULL,
    finished   INTEGER NOT NULL,
    error      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS runs_pipeline ON runs (pipeline, finished);

CREATE TABLE IF NOT EXISTS stages (
    run_id      TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    stage_id    TEXT NOT NULL,
    name        TEXT NOT NULL,
    kind        TEXT NOT NULL,
    parent      TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0,
    exit_code   INTEGER NOT NULL DEFAULT 0,
    started     INTEGER NOT NULL DEFAULT 0,
    finished    INTEGER NOT NULL DEFAULT 0,
    log         TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    reason      TEXT NOT NULL DEFAULT '',
    gate_token  TEXT NOT NULL DEFAULT '',
    approver    TEXT NOT NULL DEFAULT '',
    transitions TEXT NOT NULL DEFAULT '[]',
    PRIMARY KEY (run_id, stage_id)
);

CREATE TABLE IF NOT EXISTS hooks (
    run_id   TEXT NOT NULL,
    seq      INTEGER NOT NULL,
    scope    TEXT NOT NULL DEFAULT '',
    hook     TEXT NOT NULL,
    log      TEXT NOT NULL DEFAULT '',
    notified TEXT NOT NULL DEFAULT '[]',
    duration INTEGER NOT NULL DEFAULT 0,
    error    TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS gates (
    token      TEXT PRIMARY KEY,
    run_id     TEXT NOT NULL,
    pipeline   TEXT NOT NULL,
    stage      TEXT NOT NULL,
    message    TEXT NOT NULL DEFAULT '',
    ok         TEXT NOT NULL DEFAULT '',
    submitters TEXT NOT NULL DEFAULT '[]',
    timeout    INTEGER NOT NULL DEFAULT 0,
    opened     INTEGER NOT NULL,
    action     TEXT NOT NULL DEFAULT '',
    submitter  TEXT NOT NULL DEFAULT '',
    decided    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS locks (
    pipeline TEXT PRIMARY KEY,
    run_id   TEXT NOT NULL,
    acquired INTEGER NOT NULL
);
`

// Store is a SQLite-backed run history. It implements engine.History and
// gate.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ engine.History = (*Store)(nil)
	_ gate.Store     = (*Store)(nil)
)

// Open opens (or creates) the database at path, enables WAL mode and a
// busy timeout, and creates the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	// One connection: SQLite has a single writer and the pragmas below
	// are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: enable WAL mode: %w", err)
	}
	// Another pulsar process may be writing the same file.
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Acquire takes the pipeline's run lock for runID.
func (s *Store) Acquire(ctx context.Context, pipelineName, runID string) (bool, error) {
	const q = `INSERT INTO locks (pipeline, run_id, acquired) VALUES (?, ?, ?)
		ON CONFLICT(pipeline) DO NOTHING`
	res, err := s.db.ExecContext(ctx, q, pipelineName, runID, s.now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("history: acquire lock %q: %w", pipelineName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("history: acquire lock %q: %w", pipelineName, err)
	}
	return n == 1, nil
}

// Release drops the lock if runID still holds it.
func (s *Store) Release(ctx context.Context, pipelineName, runID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM locks WHERE pipeline = ? AND run_id = ?", pipelineName, runID); err != nil {
		return fmt.Errorf("history: release lock %q: %w", pipelineName, err)
	}
	return nil
}

// Unlock drops the pipeline's lock whoever holds it, for recovering from
// a run that died without releasing it.
func (s *Store) Unlock(ctx context.Context, pipelineName string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM locks WHERE pipeline = ?", pipelineName); err != nil {
		return fmt.Errorf("history: unlock %q: %w", pipelineName, err)
	}
	return nil
}

// PreviousStatus returns the status of the pipeline's most recent run.
func (s *Store) PreviousStatus(ctx context.Context, pipelineName string) (pipeline.Status, bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		"SELECT status FROM runs WHERE pipeline = ? ORDER BY finished DESC LIMIT 1", pipelineName).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("history: previous status %q: %w", pipelineName, err)
	}
	return pipeline.Status(status), true, nil
}

// PreviousStageStatuses returns the stage statuses of the pipeline's most
// recent run, keyed by stage ID.
func (s *Store) PreviousStageStatuses(ctx context.Context, pipelineName string) (map[string]pipeline.Status, error) {
	const q = `
		SELECT stage_id, status FROM stages WHERE run_id = (
			SELECT id FROM runs WHERE pipeline = ? ORDER BY finished DESC LIMIT 1)`
	rows, err := s.db.QueryContext(ctx, q, pipelineName)
	if err != nil {
		return nil, fmt.Errorf("history: previous stage statuses %q: %w", pipelineName, err)
	}
	defer rows.Close()

	out := make(map[string]pipeline.Status)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("history: scan stage status: %w", err)
		}
		out[id] = pipeline.Status(status)
	}
	return out, rows.Err()
}

// SaveRun stores a finished run with its stages and hook outcomes.
func (s *Store) SaveRun(ctx context.Context, r *engine.RunResult) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	params, err := json.Marshal(r.Params)
	if err != nil {
		return fmt.Errorf("history: encode params: %w", err)
	}
	const runQ = `INSERT OR REPLACE INTO runs
		(id, pipeline, status, branch, commit_sha, params, started, finished, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err = tx.ExecContext(ctx, runQ, r.ID, r.Pipeline, string(r.Status), r.Branch, r.Commit,
		string(params), unixNano(r.Started), unixNano(r.Finished), errString(r.Err)); err != nil {
		return fmt.Errorf("history: save run %s: %w", r.ID, err)
	}

	const stageQ = `INSERT OR REPLACE INTO stages
		(run_id, seq, stage_id, name, kind, parent, status, attempts, exit_code, started, finished,
		 log, error, reason, gate_token, approver, transitions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for i, st := range r.Stages {
		trans, jerr := json.Marshal(st.Transitions)
		if jerr != nil {
			return fmt.Errorf("history: encode transitions of %s: %w", st.ID, jerr)
		}
		if _, err = tx.ExecContext(ctx, stageQ, r.ID, i, st.ID, st.Name, string(st.Kind), st.Parent,
			string(st.Status), st.Attempts, st.ExitCode, unixNano(st.Started), unixNano(st.Finished),
			st.Log, errString(st.Err), st.Reason, st.GateToken, st.Approver, string(trans)); err != nil {
			return fmt.Errorf("history: save stage %s: %w", st.ID, err)
		}
	}

	const hookQ = `INSERT OR REPLACE INTO hooks
		(run_id, seq, scope, hook, log, notified, duration, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	for i, h := range r.Hooks {
		notified, jerr := json.Marshal(h.Notified)
		if jerr != nil {
			return fmt.Errorf("history: encode notified channels: %w", jerr)
		}
		if _, err = tx.ExecContext(ctx, hookQ, r.ID, i, h.Scope, h.Hook, h.Log, string(notified),
			int64(h.Duration), errString(h.Err)); err != nil {
			return fmt.Errorf("history: save hook %s: %w", h.Hook, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("history: commit run %s: %w", r.ID, err)
	}
	return nil
}

// Prune keeps the newest keep runs of the pipeline and deletes the rest.
func (s *Store) Prune(ctx context.Context, pipelineName string, keep int) error {
	if keep <= 0 {
		return nil
	}
	const old = `SELECT id FROM runs WHERE pipeline = ? ORDER BY finished DESC LIMIT -1 OFFSET ?`
	for _, table := range []string{"stages", "hooks", "gates"} {
		q := fmt.Sprintf("DELETE FROM %s WHERE run_id IN (%s)", table, old)
		if _, err := s.db.ExecContext(ctx, q, pipelineName, keep); err != nil {
			return fmt.Errorf("history: prune %s of %q: %w", table, pipelineName, err)
		}
	}
	q := fmt.Sprintf("DELETE FROM runs WHERE id IN (%s)", old)
	if _, err := s.db.ExecContext(ctx, q, pipelineName, keep); err != nil {
		return fmt.Errorf("history: prune runs of %q: %w", pipelineName, err)
	}
	return nil
}

// RunSummary is one row of ListRuns.
type RunSummary struct {
	ID       string
	Pipeline string
	Status   pipeline.Status
	Branch   string
	Commit   string
	Started  time.Time
	Finished time.Time
}

// Duration returns how long the run took.
func (r RunSummary) Duration() time.Duration { return r.Finished.Sub(r.Started) }

// ListRuns returns the newest runs first. An empty pipelineName lists
// every pipeline; limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, pipelineName string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	q := `SELECT id, pipeline, status, branch, commit_sha, started, finished FROM runs`
	args := []any{}
	if pipelineName != "" {
		q += " WHERE pipeline = ?"
		args = append(args, pipelineName)
	}
	q += " ORDER BY finished DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var status string
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.Pipeline, &status, &r.Branch, &r.Commit, &started, &finished); err != nil {
			return nil, fmt.Errorf("history: scan run: %w", err)
		}
		r.Status = pipeline.Status(status)
		r.Started = fromNano(started)
		r.Finished = fromNano(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadRun reads a stored run back, stages in declaration order. Errors
// come back as plain messages.
func (s *Store) LoadRun(ctx context.Context, id string) (*engine.RunResult, error) {
	r := &engine.RunResult{ID: id}
	var status, params, runErr string
	var started, finished int64
	err := s.db.QueryRowContext(ctx,
		`SELECT pipeline, status, branch, commit_sha, params, started, finished, error FROM runs WHERE id = ?`, id).
		Scan(&r.Pipeline, &status, &r.Branch, &r.Commit, &params, &started, &finished, &runErr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("history: load run %s: %w", id, err)
	}
	r.Status = pipeline.Status(status)
	r.Started = fromNano(started)
	r.Finished = fromNano(finished)
	r.Err = toErr(runErr)
	if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
		return nil, fmt.Errorf("history: decode params of %s: %w", id, err)
	}

	if r.Stages, err = s.loadStages(ctx, id); err != nil {
		return nil, err
	}
	if r.Hooks, err = s.loadHooks(ctx, id); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) loadStages(ctx context.Context, runID string) ([]engine.StageResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage_id, name, kind, parent, status, attempts, exit_code, started, finished,
		       log, error, reason, gate_token, approver, transitions
		FROM stages WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("history: load stages of %s: %w", runID, err)
	}
	defer rows.Close()

	var out []engine.StageResult
	for rows.Next() {
		var st engine.StageResult
		var kind, status, stErr, trans string
		var started, finished int64
		if err := rows.Scan(&st.ID, &st.Name, &kind, &st.Parent, &status, &st.Attempts, &st.ExitCode,
			&started, &finished, &st.Log, &stErr, &st.Reason, &st.GateToken, &st.Approver, &trans); err != nil {
			return nil, fmt.Errorf("history: scan stage: %w", err)
		}
		st.Kind = graph.Kind(kind)
		st.Status = pipeline.Status(status)
		st.Started = fromNano(started)
		st.Finished = fromNano(finished)
		st.Err = toErr(stErr)
		if err := json.Unmarshal([]byte(trans), &st.Transitions); err != nil {
			return nil, fmt.Errorf("history: decode transitions of %s: %w", st.ID, err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) loadHooks(ctx context.Context, runID string) ([]post.Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope, hook, log, notified, duration, error FROM hooks WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("history: load hooks of %s: %w", runID, err)
	}
	defer rows.Close()

	var out []post.Outcome
	for rows.Next() {
		var o post.Outcome
		var notified, hookErr string
		var dur int64
		if err := rows.Scan(&o.Scope, &o.Hook, &o.Log, &notified, &dur, &hookErr); err != nil {
			return nil, fmt.Errorf("history: scan hook: %w", err)
		}
		o.Duration = time.Duration(dur)
		o.Err = toErr(hookErr)
		if err := json.Unmarshal([]byte(notified), &o.Notified); err != nil {
			return nil, fmt.Errorf("history: decode notified channels: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func toErr(msg string) error {
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}
