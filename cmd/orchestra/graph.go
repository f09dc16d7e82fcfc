package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/orchestra"
	"github.com/aretw0/orchestra/internal/presentation/graph"
	"github.com/aretw0/orchestra/pkg/adapters/file"
	"github.com/aretw0/orchestra/pkg/domain"
	dag "github.com/aretw0/orchestra/pkg/graph"
)

var graphCmd = &cobra.Command{
	Use:   "graph <workflow>",
	Short: "Export the workflow graph as a Mermaid diagram",
	Long:  `Reads a workflow definition and prints a Mermaid flowchart (graph TD) of its nodes and port edges.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}

		var wf *domain.Workflow
		if _, statErr := os.Stat(args[0]); statErr == nil || cfg.Engine.Workflows == "" {
			wf, err = file.ReadWorkflow(args[0])
		} else {
			loader, lerr := orchestra.OpenLoader(cfg.Engine.Loader, cfg.Engine.Workflows)
			if lerr != nil {
				return lerr
			}
			wf, err = loader.Load(cmd.Context(), args[0])
		}
		if err != nil {
			return err
		}
		if err := dag.Validate(wf); err != nil {
			logger.Warn("Workflow is not a valid graph", "err", err)
		}

		fmt.Fprint(cmd.OutOrStdout(), graph.GenerateMermaid(wf, nil))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
}
