package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/pulsar/internal/gate"
	"github.com/papapumpkin/pulsar/internal/ui"
)

var approveCmd = &cobra.Command{
	Use:   "approve <token>",
	Short: "Approve or reject a pending approval gate",
	Long: `Decides the gate with the given continuation token.

With --url the decision goes to a run serving the approval API (run
--listen). Otherwise it is dropped into the approvals directory, where
the run that owns the gate picks it up.`,
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

func init() {
	addApproveFlags(approveCmd)
	rootCmd.AddCommand(approveCmd)
}

func addApproveFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("reject", false, "reject instead of approve")
	cmd.Flags().String("as", "", "submitter name (default: current user)")
	cmd.Flags().String("url", "", "approval API of the run, e.g. http://127.0.0.1:8484")
}

func runApprove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	printer := ui.New()
	token := args[0]

	action := gate.ActionApprove
	if reject, _ := cmd.Flags().GetBool("reject"); reject {
		action = gate.ActionReject
	}
	submitter, _ := cmd.Flags().GetString("as")
	if submitter == "" {
		submitter = currentUser()
	}
	ctx := context.Background()

	if url, _ := cmd.Flags().GetString("url"); url != "" {
		d, err := gate.NewClient(url).Decide(ctx, token, action, submitter)
		if err != nil {
			return err
		}
		printer.Info(fmt.Sprintf("gate %s: %s by %s", token, d.Action, d.Submitter))
		return nil
	}

	store, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	info, d, err := store.LookupGate(ctx, token)
	if err != nil {
		return err
	}
	if d.Action != "" {
		printer.Info(fmt.Sprintf("gate %s already decided: %s by %s", token, d.Action, d.Submitter))
		return nil
	}
	if !info.Allows(submitter) {
		return fmt.Errorf("%w: %s may not decide %s", gate.ErrNotAuthorized, submitter, info.Stage)
	}
	if _, err := gate.WriteDrop(cfg.ApprovalsDir, token, action, submitter); err != nil {
		return err
	}
	printer.Info(fmt.Sprintf("%s %s/%s as %s", action, info.Pipeline, info.Stage, submitter))
	return nil
}
