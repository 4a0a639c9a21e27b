package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/pulsar/internal/condition"
	"github.com/papapumpkin/pulsar/internal/config"
	"github.com/papapumpkin/pulsar/internal/graph"
	"github.com/papapumpkin/pulsar/internal/history"
	"github.com/papapumpkin/pulsar/internal/pipeline"
	"github.com/papapumpkin/pulsar/internal/ui"
)

// builtinExpressions are the named tests a description can reference with
// `expression = "<name>"`.
func builtinExpressions() condition.Registry {
	return condition.Registry{
		"has_changes": func(c condition.Context) bool { return len(c.ChangedFiles()) > 0 },
		"is_default_branch": func(c condition.Context) bool {
			b := c.Branch()
			return b == "main" || b == "master"
		},
		"is_release_branch": func(c condition.Context) bool {
			ok, _ := filepath.Match("release/*", c.Branch())
			return ok
		},
	}
}

// loadConfig loads configuration and applies the global verbose flag.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		cfg.Verbose = true
	}
	return cfg, nil
}

// pipelinePath returns the description file named by args or the
// configured default.
func pipelinePath(cfg config.Config, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return cfg.PipelineFile
}

// loadGraph parses and builds the description at path.
func loadGraph(path string) (*graph.Graph, error) {
	d, err := pipeline.Load(path)
	if err != nil {
		return nil, err
	}
	return graph.Build(d, graph.WithExpressions(builtinExpressions()))
}

// openHistory opens the configured history database.
func openHistory(ctx context.Context, cfg config.Config) (*history.Store, error) {
	store, err := history.Open(ctx, cfg.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("opening run history: %w", err)
	}
	return store, nil
}

// resolveWorkDir returns an absolute working directory path.
func resolveWorkDir(workDir string) (string, error) {
	if workDir != "" && workDir != "." {
		return filepath.Abs(workDir)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return wd, nil
}

// setupSignalContext returns a context that is canceled on SIGINT or SIGTERM.
func setupSignalContext(printer *ui.Printer) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			printer.Info("\ninterrupted, stopping...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
