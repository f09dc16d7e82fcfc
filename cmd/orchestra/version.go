package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aretw0/orchestra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of orchestra",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "orchestra version %s\n", strings.TrimSpace(orchestra.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
