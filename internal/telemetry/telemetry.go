// Package telemetry writes a JSONL stream of run events: runs starting and
// finishing, stage status changes, gates opening and resolving, and post
// hooks completing. One event per line makes a run easy to replay or grep.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event kinds.
const (
	KindRunStart     = "run_start"
	KindRunDone      = "run_done"
	KindStageState   = "stage_state"
	KindGateOpen     = "gate_open"
	KindGateResolved = "gate_resolved"
	KindHookDone     = "hook_done"
)

// Event is a single telemetry record.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"`
	RunID     string    `json:"run,omitempty"`
	StageID   string    `json:"stage,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Emitter writes events to a JSONL file. It is safe for concurrent use.
// A nil *Emitter is a valid no-op emitter.
type Emitter struct {
	file *os.File
	enc  *json.Encoder
	mu   sync.Mutex
	now  func() time.Time
}

// NewEmitter opens path for appending, creating it and its directory if
// needed.
func NewEmitter(path string) (*Emitter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	return &Emitter{
		file: f,
		enc:  json.NewEncoder(f),
		now:  time.Now,
	}, nil
}

// Emit writes a single event. A zero Timestamp is filled in with the
// current time.
func (e *Emitter) Emit(evt Event) error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = e.now().UTC()
	}
	if err := e.enc.Encode(evt); err != nil {
		return fmt.Errorf("telemetry: encode event: %w", err)
	}
	return nil
}

// Record is shorthand for Emit with the current time. Encoding errors are
// dropped; telemetry never interrupts a run.
func (e *Emitter) Record(kind, runID, stageID string, data any) {
	_ = e.Emit(Event{Kind: kind, RunID: runID, StageID: stageID, Data: data})
}

// Close closes the underlying file.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.file.Close(); err != nil {
		return fmt.Errorf("telemetry: close: %w", err)
	}
	return nil
}
