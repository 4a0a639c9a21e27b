package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/pulsar/internal/gate"
	"github.com/papapumpkin/pulsar/internal/ui"
)

var gatesCmd = &cobra.Command{
	Use:   "gates",
	Short: "List pending approval gates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := context.Background()

		var pending []gate.Info
		if url, _ := cmd.Flags().GetString("url"); url != "" {
			pending, err = gate.NewClient(url).Pending(ctx)
		} else {
			store, serr := openHistory(ctx, cfg)
			if serr != nil {
				return serr
			}
			defer store.Close()
			pending, err = store.PendingGates(ctx)
		}
		if err != nil {
			return err
		}
		ui.NewWithWriter(cmd.OutOrStdout()).Gates(pending)
		return nil
	},
}

func init() {
	gatesCmd.Flags().String("url", "", "ask a run serving the approval API instead of the history database")
	rootCmd.AddCommand(gatesCmd)
}
