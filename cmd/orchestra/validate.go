package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/orchestra"
	"github.com/aretw0/orchestra/pkg/adapters/file"
	"github.com/aretw0/orchestra/pkg/domain"
	"github.com/aretw0/orchestra/pkg/graph"
)

var validateCmd = &cobra.Command{
	Use:   "validate <workflow|dir>",
	Short: "Check workflow definitions for graph errors",
	Long: `Parses one definition file, or every definition in a directory, and reports
cycles, dangling edges, port mismatches and the other graph errors that would
make submission fail.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("loader")
		failed, err := runValidate(cmd.Context(), cmd.OutOrStdout(), args[0], kind)
		if err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d invalid workflow(s)", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().String("loader", "file", "How a directory is read: 'file' (YAML/JSON) or 'loam' (Markdown frontmatter)")
}

// runValidate reports each definition on w and returns how many failed.
func runValidate(ctx context.Context, w io.Writer, target, kind string) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	info, err := os.Stat(target)
	if err != nil {
		return 0, err
	}

	if !info.IsDir() {
		wf, err := file.ReadWorkflow(target)
		return report(w, target, wf, err), nil
	}

	loader, err := orchestra.OpenLoader(kind, target)
	if err != nil {
		return 0, err
	}
	refs, err := loader.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(refs) == 0 {
		return 0, fmt.Errorf("no workflow definitions in %s", target)
	}

	failed := 0
	for _, ref := range refs {
		wf, err := loader.Load(ctx, ref)
		failed += report(w, ref, wf, err)
	}
	return failed, nil
}

func report(w io.Writer, name string, wf *domain.Workflow, loadErr error) int {
	err := loadErr
	if err == nil {
		err = graph.Validate(wf)
	}
	if err != nil {
		fmt.Fprintf(w, "❌ %s: %v\n", name, err)
		return 1
	}
	fmt.Fprintf(w, "✅ %s (%d nodes, %d edges)\n", name, len(wf.Nodes), len(wf.Edges))
	return 0
}
