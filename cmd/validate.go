package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/papapumpkin/pulsar/internal/ui"
)

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a pipeline description and report every problem",
	Long: `Parses the description and builds its stage graph, reporting every
problem found rather than stopping at the first.

With --watch, revalidates whenever the file changes until interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolP("watch", "w", false, "revalidate when the file changes")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	printer := ui.New()
	path := pipelinePath(cfg, args)

	ok := validateOnce(printer, path)
	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		ctx, cancel := setupSignalContext(printer)
		defer cancel()
		return watchDescription(ctx, printer, path)
	}
	if !ok {
		return &exitError{code: 1}
	}
	return nil
}

func validateOnce(printer *ui.Printer, path string) bool {
	g, err := loadGraph(path)
	printer.ValidateResult(path, g, err)
	return err == nil
}

// watchDescription revalidates path on every change. It watches the
// parent directory so editors that save by rename are still seen.
func watchDescription(ctx context.Context, printer *ui.Printer, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("validate: create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("validate: watch %s: %w", filepath.Dir(abs), err)
	}
	printer.Info(fmt.Sprintf("watching %s (ctrl-c to stop)", path))

	const debounce = 100 * time.Millisecond
	var changed time.Time
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				changed = time.Now()
			}
		case <-ticker.C:
			if !changed.IsZero() && time.Since(changed) >= debounce {
				changed = time.Time{}
				validateOnce(printer, path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			printer.Warn(err.Error())
		}
	}
}
