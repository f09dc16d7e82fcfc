package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aretw0/orchestra/internal/config"
	"github.com/aretw0/orchestra/internal/presentation/tui"
	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/engine"
)

// pauseTimeout bounds how long an interrupted run waits for in-flight nodes.
const pauseTimeout = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run <workflow>",
	Short: "Run a workflow to completion",
	Long: `Submits a workflow definition (a YAML/JSON file, or a ref in the configured
workflow directory), runs it and prints the report.

An interrupt pauses the workflow and saves a checkpoint; continue it later with
'orchestra resume <id>' when a persistent store is configured.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonMode, _ := cmd.Flags().GetBool("json")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		o, cfg, logger, err := build(cmd)
		if err != nil {
			return err
		}
		defer o.Close(context.Background())

		wf, err := o.Load(ctx, args[0])
		if err != nil {
			return err
		}
		id, _, err := o.Engine.Submit(ctx, wf)
		if err != nil {
			return err
		}
		if err := o.Engine.Start(ctx, id); err != nil {
			return err
		}
		logger.Debug("Running workflow", "workflow_id", id)

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

// interrupt pauses a run whose wait was cut short, falling back to cancel.
func interrupt(eng *engine.Engine, id domain.WorkflowID, cfg config.Config) (*engine.Report, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pauseTimeout)
	defer cancel()

	if err := eng.Pause(ctx, id); err != nil {
		fmt.Fprintf(os.Stderr, "Pause failed (%v), cancelling %s\n", err, id)
		if cerr := eng.Cancel(ctx, id); cerr != nil {
			return nil, cerr
		}
	} else if cfg.Store.Backend == config.BackendMemory {
		fmt.Fprintf(os.Stderr, "Workflow %s paused; the checkpoint is in memory and is lost on exit.\n", id)
	} else {
		fmt.Fprintf(os.Stderr, "Workflow %s paused. Continue with: orchestra resume %s\n", id, id)
	}
	return eng.Report(id)
}

// outcome turns a non-successful report into the command's error.
func outcome(rep *engine.Report) error {
	switch rep.Status {
	case domain.WorkflowCompleted, domain.WorkflowPaused:
		return nil
	}
	msg := fmt.Sprintf("workflow %s %s", rep.WorkflowID, tui.Status(string(rep.Status)))
	if rep.Failure != nil {
		msg += fmt.Sprintf(" at node %s: %s", rep.Failure.Node, rep.Failure.Error)
	}
	return fmt.Errorf("%s", msg)
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("json", false, "Print the report as JSON")
}
