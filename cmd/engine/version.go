package main

import (
	"fmt"
	"runtime"

	"crypto-strategy-engine/internal/strategy"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "engine %s (%s)\n", version, runtime.Version())
		fmt.Fprintf(cmd.OutOrStdout(), "strategies: %v\n", strategy.Kinds())
	},
}
