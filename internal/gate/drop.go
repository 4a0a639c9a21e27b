package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WriteDrop records a decision for token as a file in dir. A DropWatcher
// in the process that owns the gate picks it up. The file content names
// the submitter.
func WriteDrop(dir, token string, action Action, submitter string) (string, error) {
	if _, err := ParseAction(string(action)); err != nil {
		return "", err
	}
	if token == "" || strings.ContainsAny(token, `/\`) {
		return "", fmt.Errorf("invalid gate token %q", token)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating approvals dir: %w", err)
	}

	path := filepath.Join(dir, token+"."+string(action))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(submitter+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("writing decision file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("renaming decision file: %w", err)
	}
	return path, nil
}

// parseDrop splits "<token>.approve" or "<token>.reject".
func parseDrop(name string) (token string, action Action, ok bool) {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	a, err := ParseAction(strings.TrimPrefix(ext, "."))
	if err != nil {
		return "", "", false
	}
	token = strings.TrimSuffix(base, ext)
	if token == "" {
		return "", "", false
	}
	return token, a, true
}

// DropWatcher applies decision files written by WriteDrop to a Registry.
// Files for gates this process does not own are left in place.
type DropWatcher struct {
	Dir string

	reg     *Registry
	logger  io.Writer
	done    chan struct{}
	watcher *fsnotify.Watcher
}

// NewDropWatcher creates a watcher for dir, creating the directory if
// needed. logger may be nil.
func NewDropWatcher(dir string, reg *Registry, logger io.Writer) (*DropWatcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating approvals dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = os.Stderr
	}
	return &DropWatcher{
		Dir:     dir,
		reg:     reg,
		logger:  logger,
		done:    make(chan struct{}),
		watcher: fw,
	}, nil
}

// Start begins watching and applies any decision files already present.
func (w *DropWatcher) Start() error {
	if err := w.watcher.Add(w.Dir); err != nil {
		return err
	}
	go w.loop()
	return nil
}

// Scan applies every decision file currently in the directory.
func (w *DropWatcher) Scan() {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		fmt.Fprintf(w.logger, "warning: reading approvals dir: %v\n", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.apply(filepath.Join(w.Dir, e.Name()))
		}
	}
}

// Stop closes the watcher and waits for the loop to exit.
func (w *DropWatcher) Stop() {
	w.watcher.Close()
	<-w.done
}

func (w *DropWatcher) loop() {
	defer close(w.done)

	// Pick up decisions written before the watch began, and decisions
	// for gates that open after their file appeared.
	const debounce = 100 * time.Millisecond
	const rescan = 2 * time.Second
	w.Scan()
	lastScan := time.Now()

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if _, _, isDrop := parseDrop(event.Name); !isDrop {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending[event.Name] = time.Now()
			}

		case _, ok := <-ticker.C:
			if !ok {
				return
			}
			now := time.Now()
			for file, t := range pending {
				if now.Sub(t) >= debounce {
					w.apply(file)
					delete(pending, file)
				}
			}
			if now.Sub(lastScan) >= rescan {
				w.Scan()
				lastScan = now
			}

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Ignore watch errors; they're non-fatal.
		}
	}
}

func (w *DropWatcher) apply(path string) {
	token, action, ok := parseDrop(path)
	if !ok {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return // removed in the meantime
	}
	submitter := strings.TrimSpace(string(data))

	_, err = w.reg.Decide(context.Background(), token, action, submitter)
	switch {
	case errors.Is(err, ErrUnknownGate):
		return
	case err != nil:
		fmt.Fprintf(w.logger, "warning: decision file %s: %v\n", filepath.Base(path), err)
	}
	os.Remove(path)
}
