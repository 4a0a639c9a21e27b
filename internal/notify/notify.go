// Package notify delivers run notifications to named channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/papapumpkin/pulsar/internal/pipeline"
)

// Message describes the event a hook notifies about.
type Message struct {
	Pipeline string          `json:"pipeline"`
	RunID    string          `json:"run"`
	Scope    string          `json:"scope,omitempty"` // stage ID, "" for the pipeline
	Hook     string          `json:"hook"`
	Status   pipeline.Status `json:"status"`
	Previous pipeline.Status `json:"previous,omitempty"`
	Branch   string          `json:"branch,omitempty"`
	Commit   string          `json:"commit,omitempty"`
	At       time.Time       `json:"at"`
}

// Summary renders the message as one line.
func (m Message) Summary() string {
	subject := m.Pipeline
	if m.Scope != "" {
		subject += " / " + m.Scope
	}
	s := fmt.Sprintf("%s #%s: %s", subject, shortID(m.RunID), m.Status)
	if m.Previous != "" && m.Previous != m.Status {
		s += fmt.Sprintf(" (was %s)", m.Previous)
	}
	if m.Branch != "" {
		s += " on " + m.Branch
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Notifier sends a message somewhere.
type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, m Message) error

// Notify calls f.
func (f Func) Notify(ctx context.Context, m Message) error { return f(ctx, m) }

// Webhook POSTs the message as JSON.
type Webhook struct {
	URL     string
	Headers map[string]string
	Client  *http.Client // nil uses a client with a 10s timeout
}

// Notify sends m and fails on any non-2xx response.
func (w Webhook) Notify(ctx context.Context, m Message) error {
	body, err := json.Marshal(struct {
		Message
		Text string `json:"text"`
	}{m, m.Summary()})
	if err != nil {
		return fmt.Errorf("webhook: encoding message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: %s returned %s", w.URL, resp.Status)
	}
	return nil
}

// Writer prints one summary line per message.
type Writer struct {
	W  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer notifier.
func NewWriter(w io.Writer) *Writer { return &Writer{W: w} }

// Notify writes the summary line.
func (w *Writer) Notify(_ context.Context, m Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := fmt.Fprintf(w.W, "notify [%s]: %s\n", m.Hook, m.Summary())
	return err
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

// Notify sends m to all notifiers, even after one fails.
func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
