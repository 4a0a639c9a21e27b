package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/pulsar/internal/ui"
)

var graphCmd = &cobra.Command{
	Use:   "graph [file]",
	Short: "Print the expanded stage tree",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path := pipelinePath(cfg, args)
		g, err := loadGraph(path)
		if err != nil {
			ui.New().ValidateResult(path, nil, err)
			return &exitError{code: 1}
		}
		fmt.Fprint(cmd.OutOrStdout(), ui.RenderTree(g))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
}
