package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/papapumpkin/pulsar/internal/agent"
	"github.com/papapumpkin/pulsar/internal/config"
	"github.com/papapumpkin/pulsar/internal/engine"
	"github.com/papapumpkin/pulsar/internal/gate"
	"github.com/papapumpkin/pulsar/internal/metrics"
	"github.com/papapumpkin/pulsar/internal/notify"
	"github.com/papapumpkin/pulsar/internal/post"
	"github.com/papapumpkin/pulsar/internal/scm"
	"github.com/papapumpkin/pulsar/internal/telemetry"
	"github.com/papapumpkin/pulsar/internal/ui"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a pipeline",
	Long: `Runs the pipeline described by file (default pulsar.toml).

Branch, commit and changed files are read from the git repository in the
working directory unless given as flags. Approval gates are decided with
'pulsar approve', through the HTTP API when --listen is set, or at the
terminal with --interactive.

Exits 0 on success, 2 when the run is unstable and 1 otherwise.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("branch", "", "branch being built (default: from git)")
	runCmd.Flags().String("commit", "", "commit being built (default: from git)")
	runCmd.Flags().StringSlice("changed", nil, "changed files (default: from git)")
	runCmd.Flags().String("base", "", "revision to diff HEAD against for changed files (default: HEAD's parent)")
	runCmd.Flags().StringArrayP("param", "p", nil, "build parameter as NAME=VALUE (repeatable)")
	runCmd.Flags().Bool("interactive", false, "prompt for approval gates on the terminal")
	runCmd.Flags().String("listen", "", "serve the approval API and /metrics on this address")
	runCmd.Flags().Int("max-agents", 0, "override the number of agent slots")
	runCmd.Flags().Bool("quiet", false, "do not mirror step output")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, &cfg)
	printer := ui.New()

	path := pipelinePath(cfg, args)
	g, err := loadGraph(path)
	if err != nil {
		printer.ValidateResult(path, nil, err)
		return &exitError{code: 1}
	}
	params, err := parseParams(cmd)
	if err != nil {
		return err
	}
	workDir, err := resolveWorkDir(cfg.WorkDir)
	if err != nil {
		return err
	}

	ctx, cancel := setupSignalContext(printer)
	defer cancel()

	rev, err := resolveRevision(ctx, cmd, workDir, printer)
	if err != nil {
		return err
	}

	store, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	emitter, err := telemetry.NewEmitter(cfg.TelemetryPath)
	if err != nil {
		printer.Warn(fmt.Sprintf("telemetry disabled: %v", err))
	}
	defer emitter.Close()

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	gateOpts := []gate.Option{
		gate.WithStore(store),
		gate.WithDefaultTimeout(cfg.DefaultGateTimeout),
		gate.WithLogger(os.Stderr),
	}
	if interactive, _ := cmd.Flags().GetBool("interactive"); interactive {
		gateOpts = append(gateOpts, gate.WithPrompter(gate.NewTerminalPrompter(currentUser())))
	}
	gates := gate.NewRegistry(gateOpts...)
	go func() {
		<-ctx.Done()
		gates.CancelAll()
	}()

	drops, err := gate.NewDropWatcher(cfg.ApprovalsDir, gates, os.Stderr)
	if err != nil {
		return err
	}
	if err := drops.Start(); err != nil {
		return fmt.Errorf("watching %s: %w", cfg.ApprovalsDir, err)
	}
	defer drops.Stop()

	if cfg.Listen != "" {
		srv := gate.NewServer(gates, gate.WithGatherer(promReg))
		go func() {
			err := srv.ListenAndServe(ctx, cfg.Listen, func(addr net.Addr) {
				printer.Info(fmt.Sprintf("approval API on http://%s", addr))
			})
			if err != nil {
				printer.Warn(err.Error())
			}
		}()
	}

	pool := agent.NewPool(
		agent.Shell{Path: cfg.Shell, Dir: workDir, GracePeriod: cfg.GracePeriod},
		cfg.MaxAgents,
		poolOptions(cfg, m)...,
	)

	opts := []engine.Option{
		engine.WithPool(pool),
		engine.WithGates(gates),
		engine.WithHistory(store),
		engine.WithEmitter(emitter),
		engine.WithMetrics(m),
		engine.WithObserver(printer.StageEvent),
		engine.WithWorkDir(workDir),
		engine.WithStateDir(cfg.StateDir),
		engine.WithPost(notifierOptions(cfg)...),
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet && cfg.Verbose {
		opts = append(opts, engine.WithStepOutput(os.Stderr))
	}
	exec := engine.New(opts...)

	runID := uuid.NewString()
	printer.RunStart(g.Name(), runID, rev.Branch, rev.Commit)
	res, err := exec.Run(ctx, g, engine.RunInput{Revision: rev, Params: params, RunID: runID})
	if err != nil {
		if errors.Is(err, engine.ErrConcurrentRun) {
			printer.Error(fmt.Sprintf("%v (clear a stale lock with 'pulsar unlock %s')", err, g.Name()))
			return &exitError{code: 1}
		}
		return err
	}
	if err := store.ExpireGates(context.WithoutCancel(ctx), res.ID); err != nil {
		printer.Warn(err.Error())
	}

	printer.RunSummary(res)
	if code := res.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// applyRunFlags applies CLI flag values to the loaded config.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetInt("max-agents"); v > 0 {
		cfg.MaxAgents = v
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Listen = v
	}
}

// parseParams reads the repeatable --param NAME=VALUE flag.
func parseParams(cmd *cobra.Command) (map[string]string, error) {
	raw, _ := cmd.Flags().GetStringArray("param")
	params := make(map[string]string, len(raw))
	for _, p := range raw {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q: want NAME=VALUE", p)
		}
		params[k] = v
	}
	return params, nil
}

// resolveRevision reads the revision from git and applies flag overrides.
// Outside a repository the flags are all there is.
func resolveRevision(ctx context.Context, cmd *cobra.Command, workDir string, printer *ui.Printer) (scm.Revision, error) {
	base, _ := cmd.Flags().GetString("base")
	rev, err := scm.Git{Dir: workDir, Base: base}.Revision(ctx)
	if err != nil {
		if !errors.Is(err, scm.ErrNoRepository) {
			return scm.Revision{}, err
		}
		printer.Warn("not a git repository; branch and changes come from flags only")
	}
	if v, _ := cmd.Flags().GetString("branch"); v != "" {
		rev.Branch = v
	}
	if v, _ := cmd.Flags().GetString("commit"); v != "" {
		rev.Commit = v
	}
	if cmd.Flags().Changed("changed") {
		rev.Changed, _ = cmd.Flags().GetStringSlice("changed")
	}
	return rev, nil
}

func poolOptions(cfg config.Config, m *metrics.Metrics) []agent.PoolOption {
	opts := []agent.PoolOption{agent.WithBusyHook(m.AgentsBusy)}
	for label, n := range cfg.Agents {
		opts = append(opts, agent.WithLabel(label, n))
	}
	return opts
}

// notifierOptions registers every configured webhook plus "terminal",
// which prints the summary to stderr.
func notifierOptions(cfg config.Config) []post.Option {
	opts := []post.Option{post.WithNotifier("terminal", notify.NewWriter(os.Stderr))}
	for name, wh := range cfg.Notify.Webhooks {
		opts = append(opts, post.WithNotifier(name, notify.Webhook{URL: wh.URL, Headers: wh.Headers}))
	}
	return opts
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}
