package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/papapumpkin/pulsar/internal/telemetry"
	"github.com/papapumpkin/pulsar/internal/ui"
)

var telemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "View JSONL telemetry events recorded by runs",
	Long: `Reads and formats the telemetry file (telemetry_path, default
<state_dir>/telemetry.jsonl).

With --run, shows only events of runs whose ID starts with the given prefix.
With --follow (-f), watches the file for new events (like tail -f).`,
	Args: cobra.NoArgs,
	RunE: runTelemetry,
}

func init() {
	telemetryCmd.Flags().String("run", "", "run ID or prefix to show (default: all runs)")
	telemetryCmd.Flags().String("kind", "", "only show events of this kind")
	telemetryCmd.Flags().BoolP("follow", "f", false, "follow the file for new events")
	rootCmd.AddCommand(telemetryCmd)
}

// eventFilter selects telemetry lines to print. Zero fields match anything.
type eventFilter struct {
	run  string
	kind string
}

func (f eventFilter) match(evt telemetry.Event) bool {
	if f.run != "" && !strings.HasPrefix(evt.RunID, f.run) {
		return false
	}
	if f.kind != "" && evt.Kind != f.kind {
		return false
	}
	return true
}

func runTelemetry(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	var filter eventFilter
	filter.run, _ = cmd.Flags().GetString("run")
	filter.kind, _ = cmd.Flags().GetString("kind")
	follow, _ := cmd.Flags().GetBool("follow")

	path := cfg.TelemetryPath
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	defer f.Close()

	tail := &lineTail{r: bufio.NewReader(f)}
	if err := tail.drain(cmd.OutOrStdout(), filter); err != nil {
		return fmt.Errorf("telemetry: read %s: %w", path, err)
	}

	if !follow {
		tail.flush(cmd.OutOrStdout(), filter)
		return nil
	}
	ctx, cancel := setupSignalContext(ui.New())
	defer cancel()
	return tailFollow(ctx, cmd.OutOrStdout(), tail, path, filter)
}

// lineTail reads whole lines from a file that is still being written.
// Text after the last newline is held until the rest of its line arrives.
type lineTail struct {
	r       *bufio.Reader
	partial string
}

// drain prints every complete line available.
func (t *lineTail) drain(w io.Writer, filter eventFilter) error {
	for {
		line, err := t.r.ReadString('\n')
		if err == io.EOF {
			t.partial += line
			return nil
		}
		if err != nil {
			return err
		}
		line, t.partial = t.partial+line, ""
		if line = strings.TrimSpace(line); line != "" {
			printEvent(w, line, filter)
		}
	}
}

// flush prints a final line that has no trailing newline.
func (t *lineTail) flush(w io.Writer, filter eventFilter) {
	if line := strings.TrimSpace(t.partial); line != "" {
		printEvent(w, line, filter)
	}
	t.partial = ""
}

// tailFollow watches the file for new data using fsnotify and prints new events.
func tailFollow(ctx context.Context, w io.Writer, tail *lineTail, path string, filter eventFilter) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("telemetry: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("telemetry: watch %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) {
				continue
			}
			if err := tail.drain(w, filter); err != nil {
				return fmt.Errorf("telemetry: read %s: %w", path, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("telemetry: watch %s: %w", path, err)
		}
	}
}

// printEvent decodes a JSONL line and prints a human-readable representation.
func printEvent(w io.Writer, line string, filter eventFilter) {
	var evt telemetry.Event
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		fmt.Fprintf(w, "??? %s\n", line)
		return
	}
	if !filter.match(evt) {
		return
	}

	ts := evt.Timestamp.Local().Format(time.TimeOnly)
	parts := []string{fmt.Sprintf("[%s]", ts), evt.Kind}

	if evt.RunID != "" {
		parts = append(parts, fmt.Sprintf("run=%s", shortRunID(evt.RunID)))
	}
	if evt.StageID != "" {
		parts = append(parts, fmt.Sprintf("stage=%s", evt.StageID))
	}
	if evt.Data != nil {
		if m, ok := evt.Data.(map[string]any); ok {
			parts = append(parts, formatDataMap(m))
		} else {
			data, _ := json.Marshal(evt.Data)
			parts = append(parts, string(data))
		}
	}

	fmt.Fprintln(w, strings.Join(parts, " "))
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatDataMap formats a data map as key=value pairs sorted by key.
func formatDataMap(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%v", k, m[k])
	}
	return b.String()
}
