package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/pulsar/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:   "history [pipeline]",
	Short: "List recorded runs, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := context.Background()
		store, err := openHistory(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := store.ListRuns(ctx, name, limit)
		if err != nil {
			return err
		}
		ui.NewWithWriter(cmd.OutOrStdout()).History(runs)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a recorded run with per-stage status and logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := context.Background()
		store, err := openHistory(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		res, err := store.LoadRun(ctx, args[0])
		if err != nil {
			return err
		}
		noLogs, _ := cmd.Flags().GetBool("no-logs")
		ui.NewWithWriter(cmd.OutOrStdout()).ShowRun(res, !noLogs)
		return nil
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock <pipeline>",
	Short: "Clear a stale run lock left by a run that did not exit cleanly",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := context.Background()
		store, err := openHistory(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Unlock(ctx, args[0]); err != nil {
			return err
		}
		ui.New().Info(fmt.Sprintf("unlocked %s", args[0]))
		return nil
	},
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "number of runs to list (0 for all)")
	showCmd.Flags().Bool("no-logs", false, "omit stage logs")
	rootCmd.AddCommand(historyCmd, showCmd, unlockCmd)
}
