package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aretw0/orchestra/pkg/domain"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <workflow-id>",
	Short: "Continue a paused workflow from its checkpoint",
	Long: `Loads the checkpoint of a paused workflow from the configured store and runs
the remaining nodes. Completed nodes are not executed again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonMode, _ := cmd.Flags().GetBool("json")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		o, cfg, _, err := build(cmd)
		if err != nil {
			return err
		}
		defer o.Close(context.Background())

		id := domain.WorkflowID(args[0])
		if err := o.Engine.Resume(ctx, id); err != nil {
			return err
		}
		rep, err := o.Engine.Wait(ctx, id)
		if err != nil {
			rep, err = interrupt(o.Engine, id, cfg)
			if err != nil {
				return err
			}
		}
		if err := printReport(cmd.OutOrStdout(), rep, jsonMode); err != nil {
			return err
		}
		return outcome(rep)
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().Bool("json", false, "Print the report as JSON")
}
